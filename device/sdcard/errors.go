package sdcard

import (
	"fmt"

	"eco32/kernel"
)

var (
	// ErrNoResponse is returned when the card does not answer a command
	// within the response window.
	ErrNoResponse = &kernel.Error{Module: "sdcard", Message: "no response from card"}

	// ErrTimeout is returned when a start token or the end of a busy
	// period does not arrive within the poll bound.
	ErrTimeout = &kernel.Error{Module: "sdcard", Message: "timed out waiting for card"}

	// ErrCRCMismatch is returned when the CRC16 of a received data block
	// does not match the payload.
	ErrCRCMismatch = &kernel.Error{Module: "sdcard", Message: "data block CRC mismatch"}

	// ErrRejected is returned when the card does not accept a written
	// data block.
	ErrRejected = &kernel.Error{Module: "sdcard", Message: "data block rejected by card"}

	// ErrActivationFailed is returned when the card does not leave the
	// idle state during initialization.
	ErrActivationFailed = &kernel.Error{Module: "sdcard", Message: "card activation failed"}

	// ErrUnsupportedCSD is returned for CSD structure versions the
	// engine cannot decode.
	ErrUnsupportedCSD = &kernel.Error{Module: "sdcard", Message: "unsupported CSD structure version"}

	errBufferSize = &kernel.Error{Module: "sdcard", Message: "buffer size does not match the block size"}
)

// ProtocolError wraps one of the sentinel errors with the details of the
// failed exchange.
type ProtocolError struct {
	Err     *kernel.Error
	Command Command

	// Response is the R1 byte returned by the card (0xFF if none).
	Response byte

	// Token is the data response token of a write (0xFF if none).
	Token byte

	// ExpectedCRC and ReceivedCRC are set for CRC mismatches.
	ExpectedCRC uint16
	ReceivedCRC uint16
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	switch e.Err {
	case ErrCRCMismatch:
		return fmt.Sprintf("CMD%d: %s (expected 0x%04x, got 0x%04x)", e.Command.Index, e.Err.Message, e.ExpectedCRC, e.ReceivedCRC)
	case ErrRejected:
		return fmt.Sprintf("CMD%d: %s (token 0x%02x)", e.Command.Index, e.Err.Message, e.Token)
	}

	return fmt.Sprintf("CMD%d: %s (response 0x%02x)", e.Command.Index, e.Err.Message, e.Response)
}

// Unwrap returns the sentinel error.
func (e *ProtocolError) Unwrap() error {
	return e.Err
}
