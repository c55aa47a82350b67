package main

import (
	"bytes"
	"context"
	"io"
	"strings"

	"eco32/kernel"
	"eco32/kernel/gate"
	"eco32/kernel/kfmt"
	"eco32/kernel/mm"
	"eco32/kernel/mm/pmm"
	"eco32/kernel/mm/vmm"

	lua "github.com/yuin/gopher-lua"
)

// pswUserPrevious is the PSW bit the trap glue inspects to decide whether
// a fault was raised in user mode.
const pswUserPrevious = uint32(1 << 25)

var errRegionNotFound = &kernel.Error{Module: "eco32sim", Message: "no region contains address"}

type queuedSignal struct {
	sig  vmm.SignalNumber
	code vmm.SignalCode
	addr uint32
}

// scenario is the machine a single script runs against: physical memory,
// an MMU with a master kernel directory, one user address space and the
// fault resolver wired to the ISR table.
type scenario struct {
	out io.Writer

	frames     *pmm.BitmapAllocator
	mmu        *vmm.MMU
	space      *vmm.AddressSpace
	pager      *vmm.DemandPager
	fixups     *vmm.FixupTable
	resolver   *vmm.Resolver
	dispatcher gate.Dispatcher

	atomic         bool
	signals        []queuedSignal
	fatalReports   int
	oomInvocations int
}

func newScenario(frameCount uint32, out io.Writer) (*scenario, *kernel.Error) {
	frames, err := pmm.NewBitmapAllocator(pmm.MemoryRegion{Length: frameCount * mm.PageSize})
	if err != nil {
		return nil, err
	}

	mmu := vmm.NewMMU(vmm.NewPageDirectory())
	pager, err := vmm.NewDemandPager(frames, &mmu.TLB)
	if err != nil {
		return nil, err
	}

	s := &scenario{
		out:    out,
		frames: frames,
		mmu:    mmu,
		space:  vmm.NewAddressSpace(),
		pager:  pager,
		fixups: vmm.NewFixupTable(),
	}

	s.resolver = vmm.NewResolver(mmu, pager, s.fixups)
	s.resolver.Reporter = s
	s.resolver.OOM = s

	if err = vmm.InstallFaultHandlers(&s.dispatcher, mmu, s.resolver, s); err != nil {
		return nil, err
	}

	mmu.Activate(s.space)
	return s, nil
}

// ReportFatal implements vmm.FatalReporter.
func (s *scenario) ReportFatal(message string, regs *gate.Registers) {
	s.fatalReports++
	kfmt.Fprintf(s.out, "%s\n", message)
	if regs != nil {
		regs.DumpTo(s.out)
	}
}

// OutOfMemory implements vmm.OOMPolicy.
func (s *scenario) OutOfMemory(ctx *vmm.FaultContext) {
	s.oomInvocations++
	kfmt.Fprintf(s.out, "out of memory: %s fault at 0x%08x\n", ctx.Access, ctx.Address)
}

// QueueSignal implements vmm.SignalSink.
func (s *scenario) QueueSignal(sig vmm.SignalNumber, code vmm.SignalCode, addr uint32) {
	s.signals = append(s.signals, queuedSignal{sig, code, addr})
}

// run executes a script. The script is aborted when ctx is cancelled.
func (s *scenario) run(ctx context.Context, name string, src []byte) error {
	L := lua.NewState()
	defer L.Close()
	L.SetContext(ctx)

	for fnName, fn := range map[string]lua.LGFunction{
		"print":     s.luaPrint,
		"region":    s.luaRegion,
		"ondemand":  s.luaOnDemand,
		"release":   s.luaRelease,
		"kmap":      s.luaKmap,
		"fixup":     s.luaFixup,
		"atomic":    s.luaAtomic,
		"fault":     s.luaFault,
		"trap":      s.luaTrap,
		"translate": s.luaTranslate,
		"peek":      s.luaPeek,
		"poke":      s.luaPoke,
		"tlb":       s.luaTLB,
		"flush":     s.luaFlush,
		"free":      s.luaFree,
		"memmap":    s.luaMemmap,
		"stats":     s.luaStats,
	} {
		L.SetGlobal(fnName, L.NewFunction(fn))
	}

	fn, err := L.Load(bytes.NewReader(src), name)
	if err != nil {
		return err
	}

	L.Push(fn)
	return L.PCall(0, lua.MultRet, nil)
}

func checkAddr(L *lua.LState, n int) uint32 {
	return uint32(L.CheckInt64(n))
}

func checkAccess(L *lua.LState, n int) vmm.AccessKind {
	switch access := L.CheckString(n); access {
	case "r", "read":
		return vmm.AccessRead
	case "w", "write":
		return vmm.AccessWrite
	case "x", "exec":
		return vmm.AccessExecute
	default:
		L.ArgError(n, "access must be r, w or x")
		return vmm.AccessRead
	}
}

func checkPrivilege(L *lua.LState, n int) vmm.Privilege {
	switch mode := L.OptString(n, "user"); mode {
	case "user":
		return vmm.PrivilegeUser
	case "kernel":
		return vmm.PrivilegeKernel
	default:
		L.ArgError(n, "mode must be user or kernel")
		return vmm.PrivilegeUser
	}
}

func raise(L *lua.LState, fn string, err *kernel.Error) int {
	L.RaiseError("%s: %s", fn, err.Message)
	return 0
}

// print(...) writes its arguments to the scenario output.
func (s *scenario) luaPrint(L *lua.LState) int {
	parts := make([]string, L.GetTop())
	for i := range parts {
		parts[i] = L.ToStringMeta(L.Get(i + 1)).String()
	}
	kfmt.Fprintf(s.out, "%s\n", strings.Join(parts, "\t"))
	return 0
}

// region(start, end, flags [, backing]) adds a region. flags is a
// combination of r, w, x, g (grows down) and s (shared). backing is the
// size in bytes of the file contents behind the region.
func (s *scenario) luaRegion(L *lua.LState) int {
	r := &vmm.Region{Start: checkAddr(L, 1), End: checkAddr(L, 2)}

	for _, flag := range L.CheckString(3) {
		switch flag {
		case 'r':
			r.Flags |= vmm.RegionRead
		case 'w':
			r.Flags |= vmm.RegionWrite
		case 'x':
			r.Flags |= vmm.RegionExec
		case 'g':
			r.Flags |= vmm.RegionGrowsDown
		case 's':
			r.Flags |= vmm.RegionShared
		default:
			L.ArgError(3, "unknown region flag "+string(flag))
		}
	}

	if L.GetTop() >= 4 {
		r.Backing = make([]byte, L.CheckInt(4))
		for i := range r.Backing {
			r.Backing[i] = byte(i)
		}
	}

	if err := s.space.AddRegion(r); err != nil {
		return raise(L, "region", err)
	}
	return 0
}

func (s *scenario) regionAt(L *lua.LState, fn string, addr uint32) *vmm.Region {
	r := s.space.FindRegion(addr)
	if r == nil || !r.Contains(addr) {
		raise(L, fn, errRegionNotFound)
	}
	return r
}

// ondemand(addr) maps every page of the region containing addr to the
// shared zero frame.
func (s *scenario) luaOnDemand(L *lua.LState) int {
	r := s.regionAt(L, "ondemand", checkAddr(L, 1))
	if err := s.pager.ReserveOnDemand(s.space, r); err != nil {
		return raise(L, "ondemand", err)
	}
	return 0
}

// release(addr) frees the frames of the region containing addr.
func (s *scenario) luaRelease(L *lua.LState) int {
	s.pager.Release(s.space, s.regionAt(L, "release", checkAddr(L, 1)))
	return 0
}

// kmap(addr [, writable [, frame]]) backs a kernel page in the master
// directory. A fixed physical frame is reserved instead of allocated.
func (s *scenario) luaKmap(L *lua.LState) int {
	var (
		addr  = checkAddr(L, 1)
		frame mm.Frame
		err   *kernel.Error
	)

	if L.GetTop() >= 3 {
		frame = mm.Frame(L.CheckInt64(3))
		err = s.frames.Reserve(frame)
	} else {
		frame, err = s.frames.AllocFrame()
	}
	if err != nil {
		return raise(L, "kmap", err)
	}

	flags := vmm.FlagPresent | vmm.FlagAccessed
	if L.OptBool(2, true) {
		flags |= vmm.FlagWrite
	}

	if err = s.mmu.Master.Map(mm.PageFromAddress(addr), frame, flags); err != nil {
		return raise(L, "kmap", err)
	}
	return 0
}

// fixup(insn, target) registers an exception table entry.
func (s *scenario) luaFixup(L *lua.LState) int {
	s.fixups.Add(checkAddr(L, 1), checkAddr(L, 2))
	return 0
}

// atomic(on) marks subsequent faults as raised in atomic context.
func (s *scenario) luaAtomic(L *lua.LState) int {
	s.atomic = L.CheckBool(1)
	return 0
}

// fault(addr, access [, mode [, pc]]) resolves a fault and returns a table
// describing the disposition.
func (s *scenario) luaFault(L *lua.LState) int {
	ctx := &vmm.FaultContext{
		Address:   checkAddr(L, 1),
		Access:    checkAccess(L, 2),
		Privilege: checkPrivilege(L, 3),
		Space:     s.mmu.Current(),
		PC:        uint32(L.OptInt64(4, 0)),
		Atomic:    s.atomic,
	}

	d := s.resolver.ResolveFault(ctx)

	t := L.NewTable()
	L.SetField(t, "kind", lua.LString(d.Kind.String()))
	L.SetField(t, "address", lua.LNumber(d.Address))
	L.SetField(t, "text", lua.LString(d.String()))
	switch d.Kind {
	case vmm.Fixup:
		L.SetField(t, "fixup", lua.LNumber(d.FixupAddress))
	case vmm.Signal:
		L.SetField(t, "signal", lua.LNumber(d.Signal))
		L.SetField(t, "code", lua.LNumber(d.Code))
	}
	if d.Reason != "" {
		L.SetField(t, "reason", lua.LString(d.Reason))
	}
	if d.Err != nil {
		L.SetField(t, "err", lua.LString(d.Err.Message))
	}

	L.Push(t)
	return 1
}

// trap(addr, access [, mode [, pc]]) raises the TLB exception matching the
// access through the ISR table. It returns the resume address and the
// number of the signal queued for the task, if any.
func (s *scenario) luaTrap(L *lua.LState) int {
	regs := &gate.Registers{TLBBad: checkAddr(L, 1)}
	num := gate.TLBMiss
	if checkAccess(L, 2) == vmm.AccessWrite {
		num = gate.TLBWrite
	}
	if checkPrivilege(L, 3) == vmm.PrivilegeUser {
		regs.PSW |= pswUserPrevious
	}
	regs.SetXA(uint32(L.OptInt64(4, 0)))

	queued := len(s.signals)
	if _, err := s.dispatcher.Dispatch(num, regs); err != nil {
		return raise(L, "trap", err)
	}

	L.Push(lua.LNumber(regs.XA()))
	if len(s.signals) > queued {
		L.Push(lua.LNumber(s.signals[len(s.signals)-1].sig))
	} else {
		L.Push(lua.LNil)
	}
	return 2
}

// translate(addr) returns the physical address of addr in the current
// address space or nil.
func (s *scenario) luaTranslate(L *lua.LState) int {
	phys, err := s.mmu.ActiveDirectory().Translate(checkAddr(L, 1))
	if err != nil {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(lua.LNumber(phys))
	return 1
}

func (s *scenario) physBytes(L *lua.LState, fn string, addr uint32) []byte {
	phys, err := s.mmu.ActiveDirectory().Translate(addr)
	if err != nil {
		raise(L, fn, err)
	}

	page := s.frames.FrameBytes(mm.FrameFromAddress(phys))
	if page == nil {
		raise(L, fn, vmm.ErrInvalidMapping)
	}
	return page[mm.PageOffset(addr):]
}

// peek(addr) returns the byte stored at a mapped address.
func (s *scenario) luaPeek(L *lua.LState) int {
	L.Push(lua.LNumber(s.physBytes(L, "peek", checkAddr(L, 1))[0]))
	return 1
}

// poke(addr, value) stores a byte at a mapped address.
func (s *scenario) luaPoke(L *lua.LState) int {
	s.physBytes(L, "poke", checkAddr(L, 1))[0] = byte(L.CheckInt(2))
	return 0
}

// tlb() returns the number of valid TLB entries.
func (s *scenario) luaTLB(L *lua.LState) int {
	L.Push(lua.LNumber(s.mmu.TLB.Len()))
	return 1
}

// flush([start, end]) invalidates the whole TLB or a range of it.
func (s *scenario) luaFlush(L *lua.LState) int {
	if L.GetTop() == 0 {
		s.mmu.TLB.FlushAll()
		return 0
	}
	s.mmu.TLB.FlushRange(checkAddr(L, 1), checkAddr(L, 2))
	return 0
}

// memmap() prints the physical memory pools.
func (s *scenario) luaMemmap(L *lua.LState) int {
	s.frames.PrintMemoryMap(s.out)
	return 0
}

// free() returns the number of free physical frames.
func (s *scenario) luaFree(L *lua.LState) int {
	L.Push(lua.LNumber(s.frames.FreeFrames()))
	return 1
}

// stats() returns the counters collected by the trap glue.
func (s *scenario) luaStats(L *lua.LState) int {
	t := L.NewTable()
	L.SetField(t, "signals", lua.LNumber(len(s.signals)))
	L.SetField(t, "fatal", lua.LNumber(s.fatalReports))
	L.SetField(t, "oom", lua.LNumber(s.oomInvocations))
	L.Push(t)
	return 1
}
