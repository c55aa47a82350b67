package vmm

import "testing"

func TestFixupTable(t *testing.T) {
	table := NewFixupTable(
		FixupEntry{Insn: 0xC0001200, Fixup: 0xC0009000},
		FixupEntry{Insn: 0xC0000100, Fixup: 0xC0009100},
	)
	table.Add(0xC0000800, 0xC0009200)
	table.Add(0xC0001200, 0xC0009300)

	specs := []struct {
		insn     uint32
		expFixup uint32
		expOK    bool
	}{
		{0xC0000100, 0xC0009100, true},
		{0xC0000800, 0xC0009200, true},
		{0xC0001200, 0xC0009300, true},
		{0xC0000104, 0, false},
		{0, 0, false},
		{0xFFFFFFFF, 0, false},
	}

	for specIndex, spec := range specs {
		fixup, ok := table.SearchFixup(spec.insn)
		if ok != spec.expOK || fixup != spec.expFixup {
			t.Errorf("[spec %d] expected SearchFixup(0x%x) to return (0x%x, %t); got (0x%x, %t)", specIndex, spec.insn, spec.expFixup, spec.expOK, fixup, ok)
		}
	}

	if exp, got := 3, len(table.entries); got != exp {
		t.Fatalf("expected table to contain %d entries; got %d", exp, got)
	}
}
