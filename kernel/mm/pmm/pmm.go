package pmm

import (
	"io"

	"eco32/kernel"
	"eco32/kernel/kfmt"
	"eco32/kernel/mm"
)

var (
	errNoRegions        = &kernel.Error{Module: "pmm", Message: "no usable physical memory regions"}
	errOutOfMemory      = &kernel.Error{Module: "pmm", Message: "out of memory"}
	errFrameNotManaged  = &kernel.Error{Module: "pmm", Message: "frame does not belong to any memory pool"}
	errFrameAlreadyFree = &kernel.Error{Module: "pmm", Message: "frame is already free"}
	errFrameInUse       = &kernel.Error{Module: "pmm", Message: "frame is already reserved"}
)

// MemoryRegion describes a contiguous range of physical RAM.
type MemoryRegion struct {
	PhysAddress uint32
	Length      uint32
}

type markAs bool

const (
	markReserved markAs = false
	markFree     markAs = true
)

type framePool struct {
	// startFrame is the frame number for the first page in this pool.
	// each free bitmap entry i corresponds to frame (startFrame + i).
	startFrame mm.Frame

	// endFrame tracks the last frame in the pool. The total number of
	// frames is given by: (endFrame - startFrame) + 1
	endFrame mm.Frame

	// freeCount tracks the available pages in this pool. The allocator
	// can use this field to skip fully allocated pools without the need
	// to scan the free bitmap.
	freeCount uint32

	// freeBitmap tracks used/free pages in the pool. A set bit marks a
	// reserved frame.
	freeBitmap []uint64

	// memory backs the contents of every frame in the pool.
	memory []byte
}

// BitmapAllocator implements a physical frame allocator that tracks frame
// reservations across the available memory pools using bitmaps. Frame
// contents live in host memory so that page tables and demand-paged data can
// be inspected by callers.
type BitmapAllocator struct {
	// totalPages tracks the total number of pages across all pools.
	totalPages uint32

	// reservedPages tracks the number of reserved pages across all pools.
	reservedPages uint32

	pools []framePool
}

// NewBitmapAllocator creates an allocator that manages the supplied physical
// memory regions. Region boundaries that are not page-aligned are rounded
// inwards.
func NewBitmapAllocator(regions ...MemoryRegion) (*BitmapAllocator, *kernel.Error) {
	alloc := &BitmapAllocator{}
	pageSizeMinus1 := uint64(mm.PageSize - 1)

	for _, region := range regions {
		// Reported addresses may not be page-aligned; round up to get
		// the start frame and round down to get the end frame
		startAddr := (uint64(region.PhysAddress) + pageSizeMinus1) &^ pageSizeMinus1
		endAddr := (uint64(region.PhysAddress) + uint64(region.Length)) &^ pageSizeMinus1
		if endAddr <= startAddr {
			continue
		}

		pageCount := uint32((endAddr - startAddr) >> mm.PageShift)
		alloc.totalPages += pageCount
		alloc.pools = append(alloc.pools, framePool{
			startFrame: mm.Frame(startAddr >> mm.PageShift),
			endFrame:   mm.Frame(startAddr>>mm.PageShift) + mm.Frame(pageCount-1),
			freeCount:  pageCount,
			// To represent the free page bitmap we need pageCount bits.
			// Round up so the bitmap is a multiple of 64 bits.
			freeBitmap: make([]uint64, (pageCount+63)>>6),
			memory:     make([]byte, uint64(pageCount)<<mm.PageShift),
		})
	}

	if len(alloc.pools) == 0 {
		return nil, errNoRegions
	}

	return alloc, nil
}

// AllocFrame reserves the first free frame across all pools.
func (alloc *BitmapAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	for poolIndex := 0; poolIndex < len(alloc.pools); poolIndex++ {
		pool := &alloc.pools[poolIndex]
		if pool.freeCount == 0 {
			continue
		}

		fullBlock := uint64(0xffffffffffffffff)
		for blockIndex, block := range pool.freeBitmap {
			if block == fullBlock {
				continue
			}

			// Block has at least one free slot; find it
			for blockOffset, mask := 0, uint64(1<<63); mask > 0; blockOffset, mask = blockOffset+1, mask>>1 {
				if block&mask != 0 {
					continue
				}

				frame := pool.startFrame + mm.Frame(blockIndex<<6+blockOffset)
				if frame > pool.endFrame {
					break
				}

				alloc.markFrame(poolIndex, frame, markReserved)
				return frame, nil
			}
		}
	}

	return mm.InvalidFrame, errOutOfMemory
}

// FreeFrame releases a frame previously reserved by AllocFrame or Reserve.
func (alloc *BitmapAllocator) FreeFrame(frame mm.Frame) *kernel.Error {
	poolIndex := alloc.poolForFrame(frame)
	if poolIndex < 0 {
		return errFrameNotManaged
	}

	if !alloc.isReserved(poolIndex, frame) {
		return errFrameAlreadyFree
	}

	alloc.markFrame(poolIndex, frame, markFree)
	return nil
}

// Reserve flags a specific frame as used without handing it out; used for
// frames whose physical address is fixed by the caller.
func (alloc *BitmapAllocator) Reserve(frame mm.Frame) *kernel.Error {
	poolIndex := alloc.poolForFrame(frame)
	if poolIndex < 0 {
		return errFrameNotManaged
	}

	if alloc.isReserved(poolIndex, frame) {
		return errFrameInUse
	}

	alloc.markFrame(poolIndex, frame, markReserved)
	return nil
}

// FrameBytes returns the page-sized slice backing the contents of frame or nil
// if the frame is not managed by this allocator.
func (alloc *BitmapAllocator) FrameBytes(frame mm.Frame) []byte {
	poolIndex := alloc.poolForFrame(frame)
	if poolIndex < 0 {
		return nil
	}

	offset := uint32(frame-alloc.pools[poolIndex].startFrame) << mm.PageShift
	return alloc.pools[poolIndex].memory[offset : offset+mm.PageSize]
}

// FreeFrames returns the number of frames still available.
func (alloc *BitmapAllocator) FreeFrames() uint32 {
	return alloc.totalPages - alloc.reservedPages
}

// markFrame updates the reservation flag for the bitmap entry that corresponds
// to the supplied frame.
func (alloc *BitmapAllocator) markFrame(poolIndex int, frame mm.Frame, flag markAs) {
	pool := &alloc.pools[poolIndex]
	relFrame := frame - pool.startFrame
	block := relFrame >> 6
	mask := uint64(1 << (63 - (relFrame - block<<6)))

	switch flag {
	case markFree:
		if pool.freeBitmap[block]&mask == 0 {
			return
		}
		pool.freeBitmap[block] &^= mask
		pool.freeCount++
		alloc.reservedPages--
	case markReserved:
		if pool.freeBitmap[block]&mask != 0 {
			return
		}
		pool.freeBitmap[block] |= mask
		pool.freeCount--
		alloc.reservedPages++
	}
}

func (alloc *BitmapAllocator) isReserved(poolIndex int, frame mm.Frame) bool {
	pool := &alloc.pools[poolIndex]
	relFrame := frame - pool.startFrame
	block := relFrame >> 6
	return pool.freeBitmap[block]&uint64(1<<(63-(relFrame-block<<6))) != 0
}

// poolForFrame returns the index of the pool that contains frame or -1 if
// the frame is not managed by this allocator.
func (alloc *BitmapAllocator) poolForFrame(frame mm.Frame) int {
	for poolIndex, pool := range alloc.pools {
		if frame >= pool.startFrame && frame <= pool.endFrame {
			return poolIndex
		}
	}

	return -1
}

// PrintMemoryMap writes the managed pools and reservation totals to w.
func (alloc *BitmapAllocator) PrintMemoryMap(w io.Writer) {
	kfmt.Fprintf(w, "[pmm] system memory map:\n")
	for _, pool := range alloc.pools {
		kfmt.Fprintf(w, "    [0x%08x - 0x%08x], size: %10d, free: %d\n",
			pool.startFrame.Address(),
			pool.endFrame.Address()+mm.PageSize-1,
			uint32(pool.endFrame-pool.startFrame+1)<<mm.PageShift,
			pool.freeCount,
		)
	}
	kfmt.Fprintf(w, "[pmm] page stats: free: %d/%d (%d reserved)\n", alloc.FreeFrames(), alloc.totalPages, alloc.reservedPages)
}
