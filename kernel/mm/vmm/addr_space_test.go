package vmm

import (
	"testing"

	"eco32/kernel/mm"
)

func TestAddressSpaceAddRegion(t *testing.T) {
	as := NewAddressSpace()

	specs := []struct {
		region *Region
		expErr bool
	}{
		{&Region{Start: 0x10000, End: 0x20000}, false},
		{&Region{Start: 0x40000, End: 0x50000}, false},
		{&Region{Start: 0x20000, End: 0x40000}, false},
		{&Region{Start: 0x18000, End: 0x21000}, true},
		{&Region{Start: 0x4F000, End: 0x60000}, true},
		{&Region{Start: 0x60001, End: 0x70000}, true},
		{&Region{Start: 0x70000, End: 0x70000}, true},
	}

	for specIndex, spec := range specs {
		err := as.AddRegion(spec.region)
		if spec.expErr && err == nil {
			t.Errorf("[spec %d] expected an error", specIndex)
		} else if !spec.expErr && err != nil {
			t.Errorf("[spec %d] unexpected error: %v", specIndex, err)
		}
	}

	regions := as.Regions()
	if len(regions) != 3 {
		t.Fatalf("expected 3 regions; got %d", len(regions))
	}
	for i := 1; i < len(regions); i++ {
		if regions[i-1].Start >= regions[i].Start {
			t.Fatal("expected regions to be sorted by start address")
		}
	}
}

func TestAddressSpaceFindRegion(t *testing.T) {
	as := NewAddressSpace()
	low := &Region{Start: 0x10000, End: 0x20000}
	high := &Region{Start: 0x40000, End: 0x50000}
	_ = as.AddRegion(low)
	_ = as.AddRegion(high)

	specs := []struct {
		addr uint32
		exp  *Region
	}{
		{0x0, low},
		{0x10000, low},
		{0x1FFFF, low},
		{0x20000, high},
		{0x4FFFF, high},
		{0x50000, nil},
	}

	for specIndex, spec := range specs {
		if got := as.FindRegion(spec.addr); got != spec.exp {
			t.Errorf("[spec %d] expected FindRegion(0x%x) to return %+v; got %+v", specIndex, spec.addr, spec.exp, got)
		}
	}
}

func TestAddressSpaceExpandDown(t *testing.T) {
	as := NewAddressSpace()
	as.StackLimit = 16 * mm.PageSize

	heap := &Region{Start: 0x10000, End: 0x20000, Flags: RegionRead | RegionWrite}
	stack := &Region{Start: 0x30000, End: 0x34000, Flags: RegionRead | RegionWrite | RegionGrowsDown}
	_ = as.AddRegion(heap)
	_ = as.AddRegion(stack)

	if err := as.ExpandDown(heap, 0xF000); err != errRegionNotGrowing {
		t.Fatalf("expected errRegionNotGrowing; got %v", err)
	}

	if err := as.ExpandDown(stack, 0x2F123); err != nil {
		t.Fatal(err)
	}
	if stack.Start != 0x2F000 {
		t.Fatalf("expected stack to start at 0x2F000; got 0x%x", stack.Start)
	}

	// beyond the 16 page limit
	if err := as.ExpandDown(stack, 0x23FFF); err != errStackLimit {
		t.Fatalf("expected errStackLimit; got %v", err)
	}

	as.StackLimit = DefaultStackLimit
	if err := as.ExpandDown(stack, 0x1F000); err != errStackGuard {
		t.Fatalf("expected errStackGuard; got %v", err)
	}

	if err := as.ExpandDown(stack, 0x30000); err != nil || stack.Start != 0x2F000 {
		t.Fatalf("expected no-op expansion; got err %v, start 0x%x", err, stack.Start)
	}
}

func TestRegionPermits(t *testing.T) {
	specs := []struct {
		flags RegionFlag
		read  bool
		write bool
		exec  bool
	}{
		{0, false, false, false},
		{RegionRead, true, false, true},
		{RegionWrite, false, true, false},
		{RegionExec, true, false, true},
		{RegionRead | RegionWrite, true, true, true},
		{RegionWrite | RegionExec, true, true, true},
		{RegionRead | RegionWrite | RegionExec, true, true, true},
	}

	for specIndex, spec := range specs {
		r := &Region{Flags: spec.flags}
		if got := r.Permits(AccessRead); got != spec.read {
			t.Errorf("[spec %d] expected read permission %t; got %t", specIndex, spec.read, got)
		}
		if got := r.Permits(AccessWrite); got != spec.write {
			t.Errorf("[spec %d] expected write permission %t; got %t", specIndex, spec.write, got)
		}
		if got := r.Permits(AccessExecute); got != spec.exec {
			t.Errorf("[spec %d] expected exec permission %t; got %t", specIndex, spec.exec, got)
		}
	}
}
