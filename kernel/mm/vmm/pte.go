package vmm

import "eco32/kernel/mm"

// PageTableEntryFlag describes a flag that can be applied to a page table entry.
type PageTableEntryFlag uint32

const (
	// FlagPresent is set when the page is available in memory. Entries
	// without this flag are never loaded into the TLB.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagWrite is set if the page can be written to.
	FlagWrite

	// FlagUser is set if user-mode code can access this page. If not set
	// only kernel code can access this page.
	FlagUser

	// FlagDirty is set when this page is modified.
	FlagDirty

	// FlagAccessed is set when this page is accessed.
	FlagAccessed

	// FlagShared marks pages that are shared between address spaces.
	FlagShared

	// FlagCopyOnWrite is used to implement copy-on-write functionality. This
	// flag and FlagWrite are mutually exclusive.
	FlagCopyOnWrite
)

const (
	// ptePhysPageMask is a mask that allows us to extract the physical
	// frame number from a page table entry.
	ptePhysPageMask = uint32(0xfffff000)
)

// PageTableEntry describes a page table entry. These entries encode
// a physical frame address in bits 31..12 and a set of flags in the
// lower bits.
type PageTableEntry uint32

// HasFlags returns true if this entry has all the input flags set.
func (pte PageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return (uint32(pte) & uint32(flags)) == uint32(flags)
}

// HasAnyFlag returns true if this entry has at least one of the input flags set.
func (pte PageTableEntry) HasAnyFlag(flags PageTableEntryFlag) bool {
	return (uint32(pte) & uint32(flags)) != 0
}

// SetFlags sets the input list of flags to the page table entry.
func (pte *PageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte = (PageTableEntry)(uint32(*pte) | uint32(flags))
}

// ClearFlags unsets the input list of flags from the page table entry.
func (pte *PageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*pte = (PageTableEntry)(uint32(*pte) &^ uint32(flags))
}

// Flags returns the flag bits of this entry.
func (pte PageTableEntry) Flags() PageTableEntryFlag {
	return PageTableEntryFlag(uint32(pte) &^ ptePhysPageMask)
}

// Frame returns the physical page frame that this page table entry points to.
func (pte PageTableEntry) Frame() mm.Frame {
	return mm.Frame((uint32(pte) & ptePhysPageMask) >> mm.PageShift)
}

// SetFrame updates the page table entry to point the the given physical frame .
func (pte *PageTableEntry) SetFrame(frame mm.Frame) {
	*pte = (PageTableEntry)((uint32(*pte) &^ ptePhysPageMask) | frame.Address())
}

// Permits returns true if the entry is present and allows the requested
// access at the given privilege level without any further intervention.
func (pte PageTableEntry) Permits(access AccessKind, priv Privilege) bool {
	if !pte.HasFlags(FlagPresent) {
		return false
	}

	if priv == PrivilegeUser && !pte.HasFlags(FlagUser) {
		return false
	}

	return access != AccessWrite || pte.HasFlags(FlagWrite)
}
