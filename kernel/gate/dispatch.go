package gate

import "eco32/kernel"

// InterruptNumber describes an ECO32 interrupt or exception slot. Slots 0-15
// are device interrupts; slots 16-31 are CPU exceptions.
type InterruptNumber uint8

const (
	// NumInterrupts is the number of ISR table slots.
	NumInterrupts = 32

	// firstException is the first slot used by CPU exceptions.
	firstException = InterruptNumber(16)
)

const (
	// BusTimeout occurs when a bus transaction is not acknowledged.
	BusTimeout = InterruptNumber(16)

	// IllegalInstruction occurs when decoding an undefined opcode.
	IllegalInstruction = InterruptNumber(17)

	// PrivilegedInstruction occurs when user mode code executes a
	// privileged instruction.
	PrivilegedInstruction = InterruptNumber(18)

	// DivideInstruction occurs on division by zero.
	DivideInstruction = InterruptNumber(19)

	// TrapInstruction is raised by the trap instruction (syscalls).
	TrapInstruction = InterruptNumber(20)

	// TLBMiss occurs when no TLB entry matches a mapped virtual address.
	TLBMiss = InterruptNumber(21)

	// TLBWrite occurs when writing through a TLB entry without the write
	// flag.
	TLBWrite = InterruptNumber(22)

	// TLBInvalid occurs when accessing through a TLB entry without the
	// valid flag.
	TLBInvalid = InterruptNumber(23)

	// IllegalAddress occurs on misaligned accesses.
	IllegalAddress = InterruptNumber(24)

	// PrivilegedAddress occurs when user mode code accesses a kernel
	// address.
	PrivilegedAddress = InterruptNumber(25)
)

// IsException returns true if this slot belongs to a CPU exception.
func (n InterruptNumber) IsException() bool {
	return n >= firstException
}

// Handler services an interrupt or exception. Modifications to the supplied
// Registers are propagated back to the interrupted context.
type Handler func(*Registers)

var (
	errInvalidInterrupt   = &kernel.Error{Module: "gate", Message: "interrupt number out of range"}
	errUnhandledInterrupt = &kernel.Error{Module: "gate", Message: "no handler installed for interrupt"}
)

// Dispatcher owns the ISR table and the device interrupt mask. It replaces
// the process-wide ISR array and irqmask of the hardware port; callers pass
// the dispatcher explicitly to the code that installs handlers.
type Dispatcher struct {
	handlers [NumInterrupts]Handler

	// mask has bit n set when device interrupt n is enabled.
	mask uint32
}

// HandleInterrupt ensures that the provided handler will be invoked when a
// particular interrupt number occurs. Installing a nil handler removes the
// current one.
func (d *Dispatcher) HandleInterrupt(num InterruptNumber, handler Handler) *kernel.Error {
	if num >= NumInterrupts {
		return errInvalidInterrupt
	}

	d.handlers[num] = handler
	return nil
}

// Unmask enables delivery of device interrupt num.
func (d *Dispatcher) Unmask(num InterruptNumber) {
	if num < firstException {
		d.mask |= 1 << num
	}
}

// Mask disables delivery of device interrupt num.
func (d *Dispatcher) Mask(num InterruptNumber) {
	if num < firstException {
		d.mask &^= 1 << num
	}
}

// IRQMask returns the current device interrupt mask. The context switch code
// copies it into the PSW of the next task.
func (d *Dispatcher) IRQMask() uint32 {
	return d.mask
}

// Dispatch routes an interrupt to its installed handler. Masked device
// interrupts are dropped and reported as not delivered; exceptions can never
// be masked. An error is returned if no handler is installed.
func (d *Dispatcher) Dispatch(num InterruptNumber, regs *Registers) (bool, *kernel.Error) {
	if num >= NumInterrupts {
		return false, errInvalidInterrupt
	}

	if !num.IsException() && d.mask&(1<<num) == 0 {
		return false, nil
	}

	handler := d.handlers[num]
	if handler == nil {
		return false, errUnhandledInterrupt
	}

	handler(regs)
	return true, nil
}
