package vmm

import (
	"eco32/kernel"
	"eco32/kernel/mm"
)

// FrameStore is a frame allocator that also exposes the contents of the
// frames it hands out.
type FrameStore interface {
	mm.FrameAllocator

	// FrameBytes returns the page-sized contents of frame.
	FrameBytes(mm.Frame) []byte
}

// DemandPager populates page tables lazily. Anonymous pages are backed by a
// shared zero-filled frame mapped with FlagCopyOnWrite until they are first
// written; pages of regions with backing data are filled from it when first
// touched.
//
// Here is an example of how on-demand allocation can be set up:
//
//  pager, _ := vmm.NewDemandPager(frames, &mmu.TLB)
//  heap := &vmm.Region{Start: 0x10000000, End: 0x10100000, Flags: vmm.RegionRead | vmm.RegionWrite}
//  _ = as.AddRegion(heap)
//  _ = pager.ReserveOnDemand(as, heap)
//
// A write to any heap page triggers a fault that allocates a new frame,
// copies the blank frame into it and installs it in-place with write
// permissions.
type DemandPager struct {
	frames FrameStore
	tlb    *TLB

	// zeroFrame is a special zero-cleared frame shared by all on-demand
	// mappings.
	zeroFrame mm.Frame
}

// NewDemandPager reserves the shared zero frame and returns a pager. tlb may
// be nil if no translations need to be invalidated.
func NewDemandPager(frames FrameStore, tlb *TLB) (*DemandPager, *kernel.Error) {
	zeroFrame, err := frames.AllocFrame()
	if err != nil {
		return nil, err
	}
	kernel.Memset(frames.FrameBytes(zeroFrame), 0)

	return &DemandPager{frames: frames, tlb: tlb, zeroFrame: zeroFrame}, nil
}

// ZeroFrame returns the shared zero-filled frame.
func (p *DemandPager) ZeroFrame() mm.Frame {
	return p.zeroFrame
}

// ReserveOnDemand maps every page of r to the zero frame with
// FlagCopyOnWrite. No physical memory is reserved until the pages are
// written. Regions that cannot be read are left unmapped.
func (p *DemandPager) ReserveOnDemand(as *AddressSpace, r *Region) *kernel.Error {
	if !r.Permits(AccessRead) {
		return nil
	}

	as.Directory.ProtectFrame(p.zeroFrame)

	flags := FlagPresent | p.userFlag(r.Start)
	if r.Flags&RegionWrite != 0 {
		flags |= FlagCopyOnWrite
	}

	for page, lastPage := mm.PageFromAddress(r.Start), mm.PageFromAddress(r.End-1); page <= lastPage; page++ {
		if err := as.Directory.Map(page, p.zeroFrame, flags); err != nil {
			return err
		}
	}

	return nil
}

// Materialize implements Materializer. Faults are always served
// synchronously so allowRetry is never needed.
func (p *DemandPager) Materialize(as *AddressSpace, r *Region, addr uint32, access AccessKind, _ bool) MaterializeResult {
	page := mm.PageFromAddress(addr)

	if r.Backing != nil && page.Address()-r.Start >= uint32(len(r.Backing)) {
		return MaterializeBusError
	}

	pte := as.Directory.Lookup(addr)
	if pte == nil || !pte.HasFlags(FlagPresent) {
		return p.populate(as, r, page, access)
	}

	if access == AccessWrite && !pte.HasFlags(FlagWrite) {
		if pte.HasFlags(FlagCopyOnWrite) || pte.Frame() == p.zeroFrame {
			if err := p.breakCopyOnWrite(pte); err != nil {
				return MaterializeOutOfMemory
			}
		} else {
			pte.SetFlags(FlagWrite)
		}
	}

	// Entries reachable by a fault are user pages only if they live in
	// the user window.
	pte.SetFlags(FlagAccessed | p.userFlag(addr))
	if access == AccessWrite {
		pte.SetFlags(FlagDirty)
	}

	if p.tlb != nil {
		p.tlb.FlushPage(page)
	}
	return MaterializeSuccess
}

// populate maps a freshly allocated frame filled from the region backing
// (or zeroes) at page.
func (p *DemandPager) populate(as *AddressSpace, r *Region, page mm.Page, access AccessKind) MaterializeResult {
	frame, err := p.frames.AllocFrame()
	if err != nil {
		return MaterializeOutOfMemory
	}

	contents := p.frames.FrameBytes(frame)
	kernel.Memset(contents, 0)
	if r.Backing != nil {
		kernel.Memcopy(r.Backing[page.Address()-r.Start:], contents)
	}

	flags := FlagPresent | FlagAccessed | p.userFlag(page.Address())
	if r.Flags&RegionWrite != 0 {
		flags |= FlagWrite
	}
	if r.Flags&RegionShared != 0 {
		flags |= FlagShared
	}
	if access == AccessWrite {
		flags |= FlagDirty
	}

	if err = as.Directory.Map(page, frame, flags); err != nil {
		_ = p.frames.FreeFrame(frame)
		return MaterializeOutOfMemory
	}

	return MaterializeSuccess
}

// breakCopyOnWrite copies the frame referenced by pte into a new frame and
// makes the entry writable.
func (p *DemandPager) breakCopyOnWrite(pte *PageTableEntry) *kernel.Error {
	copy, err := p.frames.AllocFrame()
	if err != nil {
		return err
	}

	kernel.Memcopy(p.frames.FrameBytes(pte.Frame()), p.frames.FrameBytes(copy))

	// Update mapping to point to the new frame, flag it as RW and
	// remove the CoW flag
	pte.ClearFlags(FlagCopyOnWrite)
	pte.SetFlags(FlagPresent | FlagWrite)
	pte.SetFrame(copy)
	return nil
}

// Release unmaps every page of r and returns the frames to the allocator.
// The shared zero frame is never released.
func (p *DemandPager) Release(as *AddressSpace, r *Region) {
	as.Directory.Walk(r.Start, r.End, func(page mm.Page, pte *PageTableEntry) bool {
		if frame := pte.Frame(); frame != p.zeroFrame && !pte.HasFlags(FlagShared) {
			_ = p.frames.FreeFrame(frame)
		}
		*pte = 0
		return true
	})

	if p.tlb != nil {
		p.tlb.FlushRange(r.Start, r.End)
	}
}

func (p *DemandPager) userFlag(addr uint32) PageTableEntryFlag {
	if addr < mm.KernelMappedStart {
		return FlagUser
	}
	return 0
}
