package vmm

import (
	"fmt"

	"eco32/kernel"
	"eco32/kernel/gate"
	"eco32/kernel/mm"
)

// AccessKind describes the memory access that triggered a fault.
type AccessKind uint8

const (
	AccessRead AccessKind = iota
	AccessWrite
	AccessExecute
)

// String implements fmt.Stringer for AccessKind.
func (a AccessKind) String() string {
	switch a {
	case AccessWrite:
		return "write"
	case AccessExecute:
		return "execute"
	default:
		return "read"
	}
}

// Privilege is the CPU mode in which a fault was raised.
type Privilege uint8

const (
	PrivilegeKernel Privilege = iota
	PrivilegeUser
)

// SignalNumber identifies a signal delivered to a user task.
type SignalNumber uint8

// SignalCode refines the reason for a delivered signal.
type SignalCode uint8

const (
	SIGKILL = SignalNumber(9)
	SIGBUS  = SignalNumber(7)
	SIGSEGV = SignalNumber(11)

	// SEGV_MAPERR reports an address not mapped to any region.
	SEGV_MAPERR = SignalCode(1)

	// SEGV_ACCERR reports an access not permitted by the region.
	SEGV_ACCERR = SignalCode(2)

	// BUS_ADRERR reports a non-existent backing address.
	BUS_ADRERR = SignalCode(2)
)

// DispositionKind is the outcome class of a resolved fault.
type DispositionKind uint8

const (
	// Resolved means the translation is now cached in the TLB and the
	// faulting instruction can be restarted.
	Resolved DispositionKind = iota

	// Fixup means execution continues at Disposition.FixupAddress.
	Fixup

	// Signal means Disposition.Signal must be delivered to the user task.
	Signal

	// OutOfMemory means the OOM policy was invoked for a user fault.
	OutOfMemory

	// Fatal means the fault cannot be handled.
	Fatal
)

// String implements fmt.Stringer for DispositionKind.
func (k DispositionKind) String() string {
	switch k {
	case Resolved:
		return "resolved"
	case Fixup:
		return "fixup"
	case Signal:
		return "signal"
	case OutOfMemory:
		return "out-of-memory"
	default:
		return "fatal"
	}
}

// Disposition is the result of resolving a fault together with the
// diagnostic details a caller needs to report it.
type Disposition struct {
	Kind DispositionKind

	// Address is the faulting virtual address.
	Address uint32

	// FixupAddress is set for Fixup dispositions.
	FixupAddress uint32

	// Signal and Code are set for Signal dispositions.
	Signal SignalNumber
	Code   SignalCode

	// Err identifies the condition that produced the disposition. It is
	// nil for Resolved.
	Err *kernel.Error

	// Reason is a human readable report for Fatal dispositions.
	Reason string
}

// String implements fmt.Stringer for Disposition.
func (d Disposition) String() string {
	switch d.Kind {
	case Fixup:
		return fmt.Sprintf("fixup(0x%08x)", d.FixupAddress)
	case Signal:
		return fmt.Sprintf("signal(%d, code %d) at 0x%08x", d.Signal, d.Code, d.Address)
	case Resolved:
		return "resolved"
	}

	if d.Err != nil {
		return fmt.Sprintf("%s: %s", d.Kind, d.Err.Message)
	}
	return d.Kind.String()
}

// FaultContext describes a single fault. It is created by the trap glue,
// consumed by Resolver.ResolveFault and discarded afterwards.
type FaultContext struct {
	Address   uint32
	Access    AccessKind
	Privilege Privilege

	// Space is the active address space or nil for kernel threads that
	// run on the master directory only.
	Space *AddressSpace

	// PC is the address of the faulting instruction. It is the key used
	// for fixup lookups.
	PC uint32

	// Atomic is set when the fault was raised in a context that must not
	// sleep (e.g. an interrupt handler). Such faults skip region lookup.
	Atomic bool

	// Regs is the register snapshot passed to the fatal reporter. May be
	// nil.
	Regs *gate.Registers
}

// MaterializeResult is returned by Materializer implementations.
type MaterializeResult uint8

const (
	MaterializeSuccess MaterializeResult = iota
	MaterializeRetry
	MaterializeOutOfMemory
	MaterializeBusError
)

// RegionLookup locates and grows regions of an address space.
type RegionLookup interface {
	// LookupRegion returns the first region ending above addr or nil.
	LookupRegion(as *AddressSpace, addr uint32) *Region

	// ExpandRegion grows a grows-down region so it covers addr.
	ExpandRegion(as *AddressSpace, r *Region, addr uint32) *kernel.Error
}

// Materializer populates the page table entry for a faulting address. When
// allowRetry is true it may return MaterializeRetry to request that the
// fault is looked up again.
type Materializer interface {
	Materialize(as *AddressSpace, r *Region, addr uint32, access AccessKind, allowRetry bool) MaterializeResult
}

// FixupSearcher finds the fixup address for a faulting kernel instruction.
type FixupSearcher interface {
	SearchFixup(insn uint32) (uint32, bool)
}

// FatalReporter is invoked with a report and the register snapshot before a
// Fatal disposition is returned for a kernel fault.
type FatalReporter interface {
	ReportFatal(message string, regs *gate.Registers)
}

// OOMPolicy is invoked when a user fault cannot be served due to lack of
// memory.
type OOMPolicy interface {
	OutOfMemory(ctx *FaultContext)
}

// SignalChecker reports whether the faulting task has a fatal signal pending.
type SignalChecker interface {
	FatalSignalPending() bool
}

var (
	errUserKernelAccess    = &kernel.Error{Module: "vmm", Message: "user mode access to kernel address"}
	errNoRegion            = &kernel.Error{Module: "vmm", Message: "address not covered by any region"}
	errAccessDenied        = &kernel.Error{Module: "vmm", Message: "access not permitted by region"}
	errRetryExhausted      = &kernel.Error{Module: "vmm", Message: "fault retried more than once"}
	errFatalSignalPending  = &kernel.Error{Module: "vmm", Message: "fatal signal pending during fault retry"}
	errOutOfMemory         = &kernel.Error{Module: "vmm", Message: "out of memory"}
	errBusError            = &kernel.Error{Module: "vmm", Message: "access beyond region backing"}
	errNoContext           = &kernel.Error{Module: "vmm", Message: "fault in atomic context or without address space"}
	errMasterEntryAbsent   = &kernel.Error{Module: "vmm", Message: "kernel master directory entry absent"}
	errKernelMiss          = &kernel.Error{Module: "vmm", Message: "could not handle kernel TLB miss"}
	errNotTranslated       = &kernel.Error{Module: "vmm", Message: "fault on directly mapped address"}
	errUnrecoverableFault  = &kernel.Error{Module: "vmm", Message: "page fault"}
	errMaterializedMissing = &kernel.Error{Module: "vmm", Message: "page table entry missing after materialize"}
)

// Resolver turns TLB exceptions into dispositions. It owns no state besides
// its collaborators; the active address space arrives with every fault.
type Resolver struct {
	MMU          *MMU
	Regions      RegionLookup
	Materializer Materializer
	Fixups       FixupSearcher
	Reporter     FatalReporter
	OOM          OOMPolicy
	Signals      SignalChecker
}

// NewResolver returns a resolver that looks regions up in the faulting
// address space and reports fatal faults with PanicReporter.
func NewResolver(mmu *MMU, materializer Materializer, fixups FixupSearcher) *Resolver {
	return &Resolver{
		MMU:          mmu,
		Regions:      regionMap{},
		Materializer: materializer,
		Fixups:       fixups,
		Reporter:     PanicReporter{},
	}
}

// regionMap implements RegionLookup on top of AddressSpace.
type regionMap struct{}

func (regionMap) LookupRegion(as *AddressSpace, addr uint32) *Region {
	return as.FindRegion(addr)
}

func (regionMap) ExpandRegion(as *AddressSpace, r *Region, addr uint32) *kernel.Error {
	return as.ExpandDown(r, addr)
}

// ResolveFault runs the fault state machine for ctx. The only side effects
// are TLB reloads and whatever the materializer does to the page table.
func (r *Resolver) ResolveFault(ctx *FaultContext) Disposition {
	addr := ctx.Address

	if addr >= mm.KernelMappedStart {
		switch {
		case ctx.Privilege == PrivilegeUser:
			return r.badArea(ctx, SEGV_MAPERR, errUserKernelAccess)
		case mm.IsVmalloc(addr):
			return r.vmallocFault(ctx)
		case mm.IsKernelMapped(addr):
			return r.kernelMiss(ctx)
		default:
			return r.noContext(ctx, errNotTranslated)
		}
	}

	if ctx.Space == nil || ctx.Atomic {
		return r.noContext(ctx, errNoContext)
	}

	regions := r.Regions
	if regions == nil {
		regions = regionMap{}
	}

	// A present entry that already allows the access only needs to be
	// loaded into the TLB, unless the region covering it forbids the access.
	if pte := ctx.Space.Directory.Lookup(addr); pte != nil && pte.Permits(ctx.Access, ctx.Privilege) {
		if region := regions.LookupRegion(ctx.Space, addr); region == nil || !region.Contains(addr) || region.Permits(ctx.Access) {
			return r.reload(ctx, ctx.Space.Directory)
		}
	}

	for allowRetry := true; ; allowRetry = false {
		region := regions.LookupRegion(ctx.Space, addr)
		if region == nil {
			return r.badArea(ctx, SEGV_MAPERR, errNoRegion)
		}

		if region.Start > addr {
			if region.Flags&RegionGrowsDown == 0 {
				return r.badArea(ctx, SEGV_MAPERR, errNoRegion)
			}
			if err := regions.ExpandRegion(ctx.Space, region, addr); err != nil {
				return r.badArea(ctx, SEGV_MAPERR, err)
			}
		}

		if !region.Permits(ctx.Access) {
			return r.badArea(ctx, SEGV_ACCERR, errAccessDenied)
		}

		switch r.Materializer.Materialize(ctx.Space, region, addr, ctx.Access, allowRetry) {
		case MaterializeSuccess:
			return r.reload(ctx, ctx.Space.Directory)
		case MaterializeOutOfMemory:
			if ctx.Privilege == PrivilegeKernel {
				return r.noContext(ctx, errOutOfMemory)
			}
			if r.OOM != nil {
				r.OOM.OutOfMemory(ctx)
			}
			return Disposition{Kind: OutOfMemory, Address: addr, Err: errOutOfMemory}
		case MaterializeBusError:
			if ctx.Privilege == PrivilegeKernel {
				return r.noContext(ctx, errBusError)
			}
			return Disposition{Kind: Signal, Address: addr, Signal: SIGBUS, Code: BUS_ADRERR, Err: errBusError}
		case MaterializeRetry:
			if !allowRetry {
				return r.badArea(ctx, SEGV_MAPERR, errRetryExhausted)
			}

			if r.Signals != nil && r.Signals.FatalSignalPending() {
				if ctx.Privilege == PrivilegeKernel {
					return r.noContext(ctx, errFatalSignalPending)
				}
				return Disposition{Kind: Fatal, Address: addr, Err: errFatalSignalPending}
			}
		}
	}
}

// vmallocFault copies the master directory slot for the faulting address into
// the active directory and reloads the translation.
func (r *Resolver) vmallocFault(ctx *FaultContext) Disposition {
	dir := r.MMU.Master
	if ctx.Space != nil {
		dir = ctx.Space.Directory
		if !dir.Mirror(r.MMU.Master, ctx.Address) {
			return r.noContext(ctx, errMasterEntryAbsent)
		}
	} else if dir.Table(ctx.Address) == nil {
		return r.noContext(ctx, errMasterEntryAbsent)
	}

	if pte := dir.Lookup(ctx.Address); pte == nil || !pte.HasFlags(FlagPresent) {
		return r.noContext(ctx, ErrInvalidMapping)
	}

	return r.reload(ctx, dir)
}

// kernelMiss serves TLB misses for the fixed kernel mappings below the
// vmalloc range by walking the master directory.
func (r *Resolver) kernelMiss(ctx *FaultContext) Disposition {
	if pte := r.MMU.Master.Lookup(ctx.Address); pte == nil || !pte.Permits(ctx.Access, ctx.Privilege) {
		return r.noContext(ctx, errKernelMiss)
	}

	return r.reload(ctx, r.MMU.Master)
}

func (r *Resolver) reload(ctx *FaultContext, dir *PageDirectory) Disposition {
	pte := dir.Lookup(ctx.Address)
	if pte == nil {
		return r.noContext(ctx, errMaterializedMissing)
	}

	if err := r.MMU.TLB.Reload(mm.PageFromAddress(ctx.Address), *pte); err != nil {
		return r.noContext(ctx, err)
	}

	return Disposition{Kind: Resolved, Address: ctx.Address}
}

// badArea delivers SIGSEGV to user tasks; kernel faults fall through to the
// fixup search.
func (r *Resolver) badArea(ctx *FaultContext, code SignalCode, err *kernel.Error) Disposition {
	if ctx.Privilege == PrivilegeUser {
		return Disposition{Kind: Signal, Address: ctx.Address, Signal: SIGSEGV, Code: code, Err: err}
	}

	return r.noContext(ctx, err)
}

// noContext handles kernel faults that cannot be resolved: the fixup table
// is searched for the faulting instruction and, failing that, the fault is
// reported as fatal.
func (r *Resolver) noContext(ctx *FaultContext, err *kernel.Error) Disposition {
	if r.Fixups != nil {
		if fixup, ok := r.Fixups.SearchFixup(ctx.PC); ok {
			return Disposition{Kind: Fixup, Address: ctx.Address, FixupAddress: fixup, Err: err}
		}
	}

	var reason string
	if ctx.Address < mm.PageSize {
		reason = "Unable to handle kernel NULL pointer dereference"
	} else {
		reason = fmt.Sprintf("Unable to handle kernel access at virtual address 0x%08x", ctx.Address)
	}
	reason = fmt.Sprintf("%s (%s, pc 0x%08x): %s", reason, ctx.Access, ctx.PC, err.Message)

	if r.Reporter != nil {
		r.Reporter.ReportFatal(reason, ctx.Regs)
	}

	return Disposition{Kind: Fatal, Address: ctx.Address, Err: err, Reason: reason}
}
