package linker

import (
	"testing"

	"github.com/acidkit/kextcache/macho/types"
)

func TestAlignUp(t *testing.T) {
	cases := []struct{ v, align, want uint64 }{
		{0x1000, 0x1000, 0x1000},
		{0x1001, 0x1000, 0x2000},
		{0x10, 8, 0x10},
		{0x11, 8, 0x18},
		{5, 0, 5},
	}
	for _, c := range cases {
		if got := alignUp(c.v, c.align); got != c.want {
			t.Errorf("alignUp(%#x, %#x) = %#x, want %#x", c.v, c.align, got, c.want)
		}
	}
}

func TestX86_64PreserveRelocation(t *testing.T) {
	if !x86_64PreserveRelocation(types.X8664RelocUnsigned) {
		t.Error("UNSIGNED relocations must be preserved into the rebuilt __LINKEDIT")
	}
	if x86_64PreserveRelocation(types.X8664RelocSigned) {
		t.Error("SIGNED relocations are fully resolved by patch time and must not be preserved")
	}
}

func TestX86_64RelocationIsPair(t *testing.T) {
	for _, relType := range []uint8{types.X8664RelocSubtractor, types.X8664RelocGot, types.X8664RelocGotLoad} {
		if !x86_64RelocationIsPair(relType) {
			t.Errorf("relocation type %d should consume a pair", relType)
		}
	}
	if x86_64RelocationIsPair(types.X8664RelocUnsigned) {
		t.Error("UNSIGNED relocations do not consume a pair")
	}
}

func TestIsDirectPureVirtualCall(t *testing.T) {
	vt := &Vtable{Entries: []VtableEntry{
		{Name: "__ZN4Base4initEv"},
		{Name: "___cxa_pure_virtual"},
	}}

	// Slot 1 (offset 16, past the 2-word header) is the pure virtual pad.
	if !isDirectPureVirtualCall(vt, VtableEntrySize*2) {
		t.Error("a call through the pure-virtual slot should be flagged")
	}
	if isDirectPureVirtualCall(vt, VtableEntrySize) {
		t.Error("a call through an ordinary slot should not be flagged")
	}
	if isDirectPureVirtualCall(vt, VtableEntrySize+1) {
		t.Error("a misaligned offset should never be treated as a vtable slot")
	}
}
