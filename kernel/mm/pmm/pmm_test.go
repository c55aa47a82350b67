package pmm

import (
	"bytes"
	"strings"
	"testing"

	"eco32/kernel/mm"
)

func TestNewBitmapAllocator(t *testing.T) {
	specs := []struct {
		regions   []MemoryRegion
		expPools  int
		expPages  uint32
		expBlocks []int
	}{
		{
			[]MemoryRegion{{PhysAddress: 0, Length: 64 * mm.PageSize}},
			1, 64, []int{1},
		},
		{
			// misaligned start/end get rounded inwards
			[]MemoryRegion{{PhysAddress: 100, Length: 66 * mm.PageSize}},
			1, 65, []int{2},
		},
		{
			[]MemoryRegion{
				{PhysAddress: 0, Length: 8 * mm.PageSize},
				{PhysAddress: 0x100000, Length: 200 * mm.PageSize},
				{PhysAddress: 0x200000, Length: 100},
			},
			2, 208, []int{1, 4},
		},
	}

	for specIndex, spec := range specs {
		alloc, err := NewBitmapAllocator(spec.regions...)
		if err != nil {
			t.Errorf("[spec %d] unexpected error: %v", specIndex, err)
			continue
		}

		if got := len(alloc.pools); got != spec.expPools {
			t.Errorf("[spec %d] expected %d pools; got %d", specIndex, spec.expPools, got)
			continue
		}

		if alloc.totalPages != spec.expPages {
			t.Errorf("[spec %d] expected %d total pages; got %d", specIndex, spec.expPages, alloc.totalPages)
		}

		for poolIndex, pool := range alloc.pools {
			if got := len(pool.freeBitmap); got != spec.expBlocks[poolIndex] {
				t.Errorf("[spec %d] expected pool %d bitmap to have %d blocks; got %d", specIndex, poolIndex, spec.expBlocks[poolIndex], got)
			}
		}
	}

	if _, err := NewBitmapAllocator(MemoryRegion{PhysAddress: 1, Length: 10}); err != errNoRegions {
		t.Fatalf("expected to get errNoRegions; got %v", err)
	}
}

func TestAllocFreeFrame(t *testing.T) {
	alloc, err := NewBitmapAllocator(
		MemoryRegion{PhysAddress: 0x1000, Length: 3 * mm.PageSize},
		MemoryRegion{PhysAddress: 0x100000, Length: 2 * mm.PageSize},
	)
	if err != nil {
		t.Fatal(err)
	}

	expFrames := []mm.Frame{1, 2, 3, 0x100, 0x101}
	for allocIndex, exp := range expFrames {
		got, err := alloc.AllocFrame()
		if err != nil {
			t.Fatalf("[alloc %d] unexpected error: %v", allocIndex, err)
		}

		if got != exp {
			t.Errorf("[alloc %d] expected frame %d; got %d", allocIndex, exp, got)
		}
	}

	if got, err := alloc.AllocFrame(); err != errOutOfMemory || got.Valid() {
		t.Fatalf("expected allocator to be exhausted; got frame %d, err %v", got, err)
	}

	if err := alloc.FreeFrame(2); err != nil {
		t.Fatal(err)
	}

	if got := alloc.FreeFrames(); got != 1 {
		t.Fatalf("expected 1 free frame; got %d", got)
	}

	if got, _ := alloc.AllocFrame(); got != 2 {
		t.Fatalf("expected released frame 2 to be reused; got %d", got)
	}

	if err := alloc.FreeFrame(0x50); err != errFrameNotManaged {
		t.Fatalf("expected errFrameNotManaged; got %v", err)
	}

	_ = alloc.FreeFrame(3)
	if err := alloc.FreeFrame(3); err != errFrameAlreadyFree {
		t.Fatalf("expected errFrameAlreadyFree; got %v", err)
	}
}

func TestReserveAndFrameBytes(t *testing.T) {
	alloc, err := NewBitmapAllocator(MemoryRegion{PhysAddress: 0, Length: 4 * mm.PageSize})
	if err != nil {
		t.Fatal(err)
	}

	if err = alloc.Reserve(0); err != nil {
		t.Fatal(err)
	}

	if err = alloc.Reserve(0); err != errFrameInUse {
		t.Fatalf("expected errFrameInUse; got %v", err)
	}

	if err = alloc.Reserve(10); err != errFrameNotManaged {
		t.Fatalf("expected errFrameNotManaged; got %v", err)
	}

	frame, _ := alloc.AllocFrame()
	if frame != 1 {
		t.Fatalf("expected reserved frame 0 to be skipped; got %d", frame)
	}

	page := alloc.FrameBytes(frame)
	if uint32(len(page)) != mm.PageSize {
		t.Fatalf("expected frame contents to be %d bytes; got %d", mm.PageSize, len(page))
	}
	page[0] = 0xAA

	if other := alloc.FrameBytes(2); other[0] != 0 {
		t.Fatal("expected frames to have separate backing storage")
	}

	if alloc.FrameBytes(frame)[0] != 0xAA {
		t.Fatal("expected frame contents to persist")
	}

	if alloc.FrameBytes(99) != nil {
		t.Fatal("expected nil contents for unmanaged frame")
	}
}

func TestPrintMemoryMap(t *testing.T) {
	var buf bytes.Buffer

	alloc, _ := NewBitmapAllocator(MemoryRegion{PhysAddress: 0, Length: 16 * mm.PageSize})
	_, _ = alloc.AllocFrame()
	alloc.PrintMemoryMap(&buf)

	for _, exp := range []string{
		"[0x00000000 - 0x0000ffff]",
		"free: 15/16 (1 reserved)",
	} {
		if !strings.Contains(buf.String(), exp) {
			t.Errorf("expected memory map output to contain %q; got:\n%s", exp, buf.String())
		}
	}
}
