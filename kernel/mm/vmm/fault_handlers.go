package vmm

import (
	"eco32/kernel"
	"eco32/kernel/gate"
	"eco32/kernel/kfmt"
)

var (
	// panicFn is used by tests.
	panicFn = kfmt.Panic
)

// SignalSink receives the signals produced by user faults.
type SignalSink interface {
	QueueSignal(sig SignalNumber, code SignalCode, addr uint32)
}

// PanicReporter is a FatalReporter that prints the report and the register
// dump to the kernel log and halts the system.
type PanicReporter struct{}

// ReportFatal implements FatalReporter.
func (PanicReporter) ReportFatal(message string, regs *gate.Registers) {
	kfmt.Printf("\n%s\n", message)
	if regs != nil {
		kfmt.Printf("\nRegisters:\n")
		regs.DumpTo(kfmt.GetOutputSink())
	}

	panicFn(errUnrecoverableFault)
}

// InstallFaultHandlers routes the TLB exceptions raised by the MMU to the
// resolver. Dispositions are applied to the interrupted context: fixups
// rewrite the return address and signals are queued on sink.
func InstallFaultHandlers(d *gate.Dispatcher, mmu *MMU, resolver *Resolver, sink SignalSink) *kernel.Error {
	handlers := []struct {
		num    gate.InterruptNumber
		access AccessKind
	}{
		{gate.TLBMiss, AccessRead},
		{gate.TLBWrite, AccessWrite},
		{gate.TLBInvalid, AccessRead},
	}

	for _, h := range handlers {
		access := h.access
		if err := d.HandleInterrupt(h.num, func(regs *gate.Registers) {
			handleTLBFault(mmu, resolver, sink, regs, access)
		}); err != nil {
			return err
		}
	}

	return nil
}

func handleTLBFault(mmu *MMU, resolver *Resolver, sink SignalSink, regs *gate.Registers, access AccessKind) Disposition {
	ctx := &FaultContext{
		Address: regs.TLBBad,
		Access:  access,
		Space:   mmu.Current(),
		PC:      regs.XA(),
		Regs:    regs,
	}
	if regs.UserMode() {
		ctx.Privilege = PrivilegeUser
	}

	disposition := resolver.ResolveFault(ctx)
	switch disposition.Kind {
	case Fixup:
		regs.SetXA(disposition.FixupAddress)
	case Signal:
		if sink != nil {
			sink.QueueSignal(disposition.Signal, disposition.Code, disposition.Address)
		}
	case Fatal:
		// Kernel faults were already reported; a user task with a fatal
		// signal pending is killed.
		if ctx.Privilege == PrivilegeUser && sink != nil {
			sink.QueueSignal(SIGKILL, 0, disposition.Address)
		}
	}

	return disposition
}
