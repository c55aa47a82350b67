package vmm

import (
	"eco32/kernel"
	"eco32/kernel/mm"
)

const (
	// tableEntries is the number of entries in the page directory and in
	// each page table.
	tableEntries = 1024

	// directoryShift extracts the directory index (bits 31..22) from a
	// virtual address.
	directoryShift = 22

	tableIndexMask = tableEntries - 1
)

var (
	// ErrInvalidMapping is returned when trying to lookup a virtual memory address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	errAttemptToRWMapReservedFrame = &kernel.Error{Module: "vmm", Message: "reserved blank frame cannot be mapped with a RW flag"}
)

// PageTable is the second paging level: one entry per 4K page of a 4M slice
// of the address space.
type PageTable [tableEntries]PageTableEntry

// PageDirectory describes the top-most table in the two-level paging scheme.
// Each slot is either absent (nil) or is the page table itself; there is no
// intermediate level between the directory and the table entries.
type PageDirectory struct {
	tables [tableEntries]*PageTable

	// protectedFrame may be mapped read-only but never with FlagWrite.
	protectedFrame mm.Frame
}

// NewPageDirectory returns an empty page directory.
func NewPageDirectory() *PageDirectory {
	return &PageDirectory{protectedFrame: mm.InvalidFrame}
}

// directoryIndex returns the directory slot for a virtual address.
func directoryIndex(virtAddr uint32) uint32 {
	return virtAddr >> directoryShift
}

// tableIndex returns the page table slot for a virtual address.
func tableIndex(virtAddr uint32) uint32 {
	return (virtAddr >> mm.PageShift) & tableIndexMask
}

// ProtectFrame prevents frame from being mapped with FlagWrite. It is used for
// the shared zero-filled frame backing on-demand mappings.
func (pdt *PageDirectory) ProtectFrame(frame mm.Frame) {
	pdt.protectedFrame = frame
}

// Table returns the page table that covers virtAddr or nil if the directory
// slot is absent.
func (pdt *PageDirectory) Table(virtAddr uint32) *PageTable {
	return pdt.tables[directoryIndex(virtAddr)]
}

// Lookup returns a pointer to the page table entry for virtAddr or nil if the
// covering page table does not exist. The returned entry may not be present.
func (pdt *PageDirectory) Lookup(virtAddr uint32) *PageTableEntry {
	table := pdt.tables[directoryIndex(virtAddr)]
	if table == nil {
		return nil
	}

	return &table[tableIndex(virtAddr)]
}

// Map establishes a mapping between a virtual page and a physical memory
// frame. Missing page tables are created on demand.
//
// Attempts to map the protected frame with FlagWrite will result in an error.
func (pdt *PageDirectory) Map(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	if frame == pdt.protectedFrame && flags&FlagWrite != 0 {
		return errAttemptToRWMapReservedFrame
	}

	virtAddr := page.Address()
	dirIndex := directoryIndex(virtAddr)
	if pdt.tables[dirIndex] == nil {
		pdt.tables[dirIndex] = new(PageTable)
	}

	pte := &pdt.tables[dirIndex][tableIndex(virtAddr)]
	*pte = 0
	pte.SetFlags(flags)
	pte.SetFrame(frame)
	return nil
}

// Unmap removes a mapping previously installed via a call to Map. Callers are
// responsible for flushing any cached TLB entry for the page.
func (pdt *PageDirectory) Unmap(page mm.Page) *kernel.Error {
	pte := pdt.Lookup(page.Address())
	if pte == nil || !pte.HasFlags(FlagPresent) {
		return ErrInvalidMapping
	}

	*pte = 0
	return nil
}

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the virtual address does not
// correspond to a mapped physical address.
func (pdt *PageDirectory) Translate(virtAddr uint32) (uint32, *kernel.Error) {
	pte := pdt.Lookup(virtAddr)
	if pte == nil || !pte.HasFlags(FlagPresent) {
		return 0, ErrInvalidMapping
	}

	return pte.Frame().Address() + mm.PageOffset(virtAddr), nil
}

// Mirror copies the directory slot covering virtAddr from master into this
// directory. Since the slot is the page table itself, both directories share
// the same table afterwards. Mirror returns false if the master slot is
// absent.
func (pdt *PageDirectory) Mirror(master *PageDirectory, virtAddr uint32) bool {
	table := master.tables[directoryIndex(virtAddr)]
	if table == nil {
		return false
	}

	pdt.tables[directoryIndex(virtAddr)] = table
	return true
}

// pageTableWalker is a function that can be passed to the Walk method. The
// function receives the page and its table entry. If the function returns
// false, then the walk is aborted.
type pageTableWalker func(page mm.Page, pte *PageTableEntry) bool

// Walk visits every present entry mapping an address in [start, end).
func (pdt *PageDirectory) Walk(start, end uint32, walkFn pageTableWalker) {
	for page, lastPage := mm.PageFromAddress(start), mm.PageFromAddress(end-1); start < end && page <= lastPage; page++ {
		table := pdt.tables[directoryIndex(page.Address())]
		if table == nil {
			// Skip to the first page of the next table
			page |= tableIndexMask
			continue
		}

		pte := &table[tableIndex(page.Address())]
		if !pte.HasFlags(FlagPresent) {
			continue
		}

		if !walkFn(page, pte) {
			return
		}
	}
}
