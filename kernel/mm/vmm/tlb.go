package vmm

import (
	"eco32/kernel"
	"eco32/kernel/mm"
)

// NumTLBEntries is the number of entries in the ECO32 TLB.
const NumTLBEntries = 32

var (
	errReloadNotPresent = &kernel.Error{Module: "tlb", Message: "attempt to load a non-present page table entry into the TLB"}
)

// TLBEntry caches the translation of one virtual page.
type TLBEntry struct {
	Page  mm.Page
	Frame mm.Frame
	Flags PageTableEntryFlag

	valid bool
}

// TLB models the fully associative translation cache. Entries are replaced
// in round-robin order, which approximates the hardware's random register.
type TLB struct {
	entries [NumTLBEntries]TLBEntry
	next    int
}

// Reload caches the translation for page using the contents of pte. An entry
// already caching page is overwritten in place so repeated reloads of the
// same mapping never consume extra slots. Entries without FlagPresent are
// refused.
func (t *TLB) Reload(page mm.Page, pte PageTableEntry) *kernel.Error {
	if !pte.HasFlags(FlagPresent) {
		return errReloadNotPresent
	}

	index := t.find(page)
	if index < 0 {
		index = t.next
		t.next = (t.next + 1) % NumTLBEntries
	}

	t.entries[index] = TLBEntry{Page: page, Frame: pte.Frame(), Flags: pte.Flags(), valid: true}
	return nil
}

// Lookup returns the cached translation for page, if any.
func (t *TLB) Lookup(page mm.Page) (TLBEntry, bool) {
	if index := t.find(page); index >= 0 {
		return t.entries[index], true
	}

	return TLBEntry{}, false
}

// Len returns the number of valid entries.
func (t *TLB) Len() int {
	count := 0
	for _, entry := range t.entries {
		if entry.valid {
			count++
		}
	}
	return count
}

// FlushAll invalidates every entry.
func (t *TLB) FlushAll() {
	for index := range t.entries {
		t.entries[index] = TLBEntry{}
	}
}

// FlushPage invalidates the entry caching page, if any.
func (t *TLB) FlushPage(page mm.Page) {
	if index := t.find(page); index >= 0 {
		t.entries[index] = TLBEntry{}
	}
}

// FlushRange invalidates all entries for pages overlapping [start, end).
func (t *TLB) FlushRange(start, end uint32) {
	if end <= start {
		return
	}

	first, last := mm.PageFromAddress(start), mm.PageFromAddress(end-1)
	for index, entry := range t.entries {
		if entry.valid && entry.Page >= first && entry.Page <= last {
			t.entries[index] = TLBEntry{}
		}
	}
}

func (t *TLB) find(page mm.Page) int {
	for index, entry := range t.entries {
		if entry.valid && entry.Page == page {
			return index
		}
	}
	return -1
}

// MMU bundles the TLB with the kernel master page directory and tracks the
// currently active address space.
type MMU struct {
	TLB TLB

	// Master is the kernel page directory. Kernel mappings are created
	// here and mirrored into user address spaces on demand.
	Master *PageDirectory

	current *AddressSpace
}

// NewMMU returns an MMU whose active address space is the kernel's.
func NewMMU(master *PageDirectory) *MMU {
	return &MMU{Master: master}
}

// Activate switches to the next address space. The TLB is flushed whenever
// the address space actually changes so no translation from the previous
// owner survives.
func (m *MMU) Activate(next *AddressSpace) {
	if m.current == next {
		return
	}

	m.current = next
	m.TLB.FlushAll()
}

// Current returns the active address space or nil when running on the
// kernel directory only.
func (m *MMU) Current() *AddressSpace {
	return m.current
}

// ActiveDirectory returns the directory used for translations.
func (m *MMU) ActiveDirectory() *PageDirectory {
	if m.current == nil {
		return m.Master
	}
	return m.current.Directory
}
