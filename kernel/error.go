package kernel

// Error describes a kernel error. Errors are declared as package-level
// pointers to Error so that callers can compare them by identity, both
// directly and through errors.Is when they are wrapped.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// String returns the error message prefixed by the module that raised it.
func (e *Error) String() string {
	return "[" + e.Module + "] " + e.Message
}
