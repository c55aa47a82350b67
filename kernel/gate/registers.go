// Package gate models the ECO32 trap interface: the register snapshot that
// the low-level entry code saves on every exception or interrupt and the
// table that routes each exception number to its handler.
package gate

import (
	"io"

	"eco32/kernel/kfmt"
)

const (
	// NumRegisters is the number of general purpose registers.
	NumRegisters = 32

	// RegXA is the register holding the exception return address. On a
	// fault it points to the instruction that caused it.
	RegXA = 30

	// RegSP is the stack pointer register.
	RegSP = 29

	// pswUserPrevious is the PSW bit that records whether the CPU was in
	// user mode when the exception was taken.
	pswUserPrevious = uint32(1 << 25)
)

// Registers contains a snapshot of all register values when an exception,
// interrupt or syscall occurs.
type Registers struct {
	GPR [NumRegisters]uint32

	// PSW is the processor status word at the time of the exception.
	PSW uint32

	// TLBBad holds the virtual address that caused the last TLB
	// exception.
	TLBBad uint32
}

// XA returns the address of the instruction where the exception occurred.
func (r *Registers) XA() uint32 {
	return r.GPR[RegXA]
}

// SetXA updates the address where execution resumes once the exception
// handler returns.
func (r *Registers) SetXA(addr uint32) {
	r.GPR[RegXA] = addr
}

// UserMode returns true if the exception was raised while executing in user
// mode.
func (r *Registers) UserMode() bool {
	return r.PSW&pswUserPrevious != 0
}

// DumpTo outputs the register contents to w using four columns of eight
// registers each, followed by the PSW split into its fields.
func (r *Registers) DumpTo(w io.Writer) {
	for row := 0; row < 8; row++ {
		for col := 0; col < 4; col++ {
			rn := 8*col + row
			kfmt.Fprintf(w, "$%-2d  %08X     ", rn, r.GPR[rn])
		}
		kfmt.Fprintf(w, "\n")
	}

	kfmt.Fprintf(w, "     xxxx  V  UPO  IPO  IACK   MASK\n")
	kfmt.Fprintf(w, "PSW  ")
	for bit := 31; bit >= 0; bit-- {
		if bit == 27 || bit == 26 || bit == 23 || bit == 20 || bit == 15 {
			kfmt.Fprintf(w, "  ")
		}

		if r.PSW&(1<<uint(bit)) != 0 {
			kfmt.Fprintf(w, "1")
		} else {
			kfmt.Fprintf(w, "0")
		}
	}
	kfmt.Fprintf(w, "\n")
	kfmt.Fprintf(w, "TLBBad = %08X\n", r.TLBBad)
}
