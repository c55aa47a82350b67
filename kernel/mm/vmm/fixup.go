package vmm

import "sort"

// FixupEntry pairs the address of an instruction that is allowed to fault
// with the address where execution continues if it does.
type FixupEntry struct {
	Insn  uint32
	Fixup uint32
}

// FixupTable is the exception table consulted for faults raised by kernel
// code that accesses user memory. Entries are kept sorted by instruction
// address.
type FixupTable struct {
	entries []FixupEntry
}

// NewFixupTable returns a table containing the supplied entries.
func NewFixupTable(entries ...FixupEntry) *FixupTable {
	t := &FixupTable{entries: append([]FixupEntry(nil), entries...)}
	sort.Slice(t.entries, func(i, j int) bool { return t.entries[i].Insn < t.entries[j].Insn })
	return t
}

// Add registers a fixup for insn, replacing any existing entry.
func (t *FixupTable) Add(insn, fixup uint32) {
	index := sort.Search(len(t.entries), func(i int) bool { return t.entries[i].Insn >= insn })
	if index < len(t.entries) && t.entries[index].Insn == insn {
		t.entries[index].Fixup = fixup
		return
	}

	t.entries = append(t.entries, FixupEntry{})
	copy(t.entries[index+1:], t.entries[index:])
	t.entries[index] = FixupEntry{Insn: insn, Fixup: fixup}
}

// SearchFixup returns the fixup address registered for the exact
// instruction address insn.
func (t *FixupTable) SearchFixup(insn uint32) (uint32, bool) {
	index := sort.Search(len(t.entries), func(i int) bool { return t.entries[i].Insn >= insn })
	if index < len(t.entries) && t.entries[index].Insn == insn {
		return t.entries[index].Fixup, true
	}

	return 0, false
}
