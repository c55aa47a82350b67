package vmm

import (
	"sort"

	"eco32/kernel"
	"eco32/kernel/mm"
)

// DefaultStackLimit is the maximum size a grows-down region may reach.
const DefaultStackLimit = uint32(8 << 20)

var (
	errRegionNotAligned = &kernel.Error{Module: "vmm", Message: "region boundaries must be page-aligned"}
	errRegionOverlap    = &kernel.Error{Module: "vmm", Message: "region overlaps an existing region"}
	errRegionNotGrowing = &kernel.Error{Module: "vmm", Message: "region cannot grow downwards"}
	errStackLimit       = &kernel.Error{Module: "vmm", Message: "stack expansion exceeds the stack limit"}
	errStackGuard       = &kernel.Error{Module: "vmm", Message: "stack expansion collides with the previous region"}
)

// RegionFlag describes the access rights and behavior of a region.
type RegionFlag uint8

const (
	// RegionRead allows loads from the region.
	RegionRead RegionFlag = 1 << iota

	// RegionWrite allows stores to the region.
	RegionWrite

	// RegionExec allows instruction fetches from the region.
	RegionExec

	// RegionGrowsDown marks stack regions that may be extended towards
	// lower addresses.
	RegionGrowsDown

	// RegionShared marks regions whose pages are shared between address
	// spaces.
	RegionShared
)

// Region is a contiguous, page-aligned range [Start, End) of an address space.
type Region struct {
	Start uint32
	End   uint32
	Flags RegionFlag

	// Backing, if not nil, supplies the initial contents of the region.
	// Pages past the end of Backing cannot be materialized.
	Backing []byte
}

// Contains returns true if addr falls inside the region.
func (r *Region) Contains(addr uint32) bool {
	return addr >= r.Start && addr < r.End
}

// Permits returns true if the region allows the supplied access kind. The
// TLB cannot tell instruction fetches from loads, so reads and executes are
// both satisfied by either RegionRead or RegionExec.
func (r *Region) Permits(access AccessKind) bool {
	if access == AccessWrite {
		return r.Flags&RegionWrite != 0
	}
	return r.Flags&(RegionRead|RegionExec) != 0
}

// AddressSpace is a page directory together with the ordered list of regions
// that describe which parts of it may be populated.
type AddressSpace struct {
	Directory *PageDirectory

	// StackLimit bounds the size of grows-down regions. Defaults to
	// DefaultStackLimit.
	StackLimit uint32

	regions []*Region
}

// NewAddressSpace returns an empty address space with its own directory.
func NewAddressSpace() *AddressSpace {
	return &AddressSpace{
		Directory:  NewPageDirectory(),
		StackLimit: DefaultStackLimit,
	}
}

// AddRegion inserts r keeping the region list sorted by start address.
func (as *AddressSpace) AddRegion(r *Region) *kernel.Error {
	if mm.PageOffset(r.Start) != 0 || mm.PageOffset(r.End) != 0 || r.End <= r.Start {
		return errRegionNotAligned
	}

	index := sort.Search(len(as.regions), func(i int) bool { return as.regions[i].Start >= r.Start })
	if index > 0 && as.regions[index-1].End > r.Start {
		return errRegionOverlap
	}
	if index < len(as.regions) && as.regions[index].Start < r.End {
		return errRegionOverlap
	}

	as.regions = append(as.regions, nil)
	copy(as.regions[index+1:], as.regions[index:])
	as.regions[index] = r
	return nil
}

// Regions returns the regions of this address space ordered by address.
func (as *AddressSpace) Regions() []*Region {
	return as.regions
}

// FindRegion returns the first region whose end lies above addr. The
// returned region does not necessarily contain addr; a region starting above
// addr is returned so that callers can try to grow it downwards.
func (as *AddressSpace) FindRegion(addr uint32) *Region {
	index := sort.Search(len(as.regions), func(i int) bool { return as.regions[i].End > addr })
	if index == len(as.regions) {
		return nil
	}

	return as.regions[index]
}

// ExpandDown extends a grows-down region so that it covers addr.
func (as *AddressSpace) ExpandDown(r *Region, addr uint32) *kernel.Error {
	if r.Flags&RegionGrowsDown == 0 {
		return errRegionNotGrowing
	}

	newStart := mm.PageFromAddress(addr).Address()
	if newStart >= r.Start {
		return nil
	}

	limit := as.StackLimit
	if limit == 0 {
		limit = DefaultStackLimit
	}
	if r.End-newStart > limit {
		return errStackLimit
	}

	for _, other := range as.regions {
		if other != r && other.End > newStart && other.Start < r.Start {
			return errStackGuard
		}
	}

	r.Start = newStart
	return nil
}
