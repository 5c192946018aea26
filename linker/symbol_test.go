package linker

import (
	"testing"

	"github.com/acidkit/kextcache/macho"
	"github.com/acidkit/kextcache/macho/types"
)

func TestBuildLinkedSymbolTablePartitionsCxxToTheTail(t *testing.T) {
	raw := []macho.Symbol{
		{Name: "_start", Type: types.N_SECT | types.N_EXT, Value: 0x100},
		{Name: "__ZN9MyDriver4initEv", Type: types.N_SECT | types.N_EXT, Value: 0x200},
		{Name: "_stop", Type: types.N_SECT | types.N_EXT, Value: 0x300},
		{Name: "__ZTV9MyDriver", Type: types.N_SECT | types.N_EXT, Value: 0x400},
	}

	out, numCxx, err := BuildLinkedSymbolTable(raw, nil)
	if err != nil {
		t.Fatalf("BuildLinkedSymbolTable: %v", err)
	}
	if numCxx != 2 {
		t.Fatalf("numCxx = %d, want 2", numCxx)
	}
	if len(out) != len(raw) {
		t.Fatalf("len(out) = %d, want %d", len(out), len(raw))
	}

	nonCxx := out[:len(out)-numCxx]
	cxx := out[len(out)-numCxx:]
	for _, sym := range nonCxx {
		if IsCxx(sym.Name) {
			t.Errorf("non-C++ half contains C++ symbol %q", sym.Name)
		}
	}
	for _, sym := range cxx {
		if !IsCxx(sym.Name) {
			t.Errorf("C++ half contains non-C++ symbol %q", sym.Name)
		}
	}
}

func TestBuildLinkedSymbolTableDiscardsUndefinedAndResolvesIndirect(t *testing.T) {
	raw := []macho.Symbol{
		{Name: "_defined", Type: types.N_SECT | types.N_EXT, Value: 0x100},
		{Name: "_unresolved", Type: types.N_UNDF},
		{Name: "_alias", Type: types.N_INDR, Value: 0 /* unused: resolver keys on name */},
	}

	resolve := func(sym macho.Symbol) (uint64, bool) {
		if sym.Name == "_alias" {
			return 0xABCD, true
		}
		return 0, false
	}

	out, numCxx, err := BuildLinkedSymbolTable(raw, resolve)
	if err != nil {
		t.Fatalf("BuildLinkedSymbolTable: %v", err)
	}
	if numCxx != 0 {
		t.Fatalf("numCxx = %d, want 0", numCxx)
	}
	if len(out) != 2 {
		t.Fatalf("len(out) = %d, want 2 (undefined symbol dropped)", len(out))
	}

	var foundAlias bool
	for _, sym := range out {
		if sym.Name == "_unresolved" {
			t.Errorf("undefined symbol %q should have been discarded", sym.Name)
		}
		if sym.Name == "_alias" {
			foundAlias = true
			if sym.Value != 0xABCD {
				t.Errorf("_alias value = %#x, want 0xABCD", sym.Value)
			}
		}
	}
	if !foundAlias {
		t.Fatal("resolved indirect symbol _alias missing from output")
	}
}

func TestBuildLinkedSymbolTableUnresolvableIndirectIsError(t *testing.T) {
	raw := []macho.Symbol{
		{Name: "_alias", Type: types.N_INDR},
	}
	_, _, err := BuildLinkedSymbolTable(raw, func(macho.Symbol) (uint64, bool) { return 0, false })
	if err == nil {
		t.Fatal("expected an error for an indirect symbol the resolver can't satisfy")
	}
}

func TestRawSymbolEncodeDecodeRoundTrip(t *testing.T) {
	const strx = 1
	strs := []byte("\x00_abc\x00")

	buf := make([]byte, nlist64Size)
	in := RawSymbol{
		Strx:  strx,
		Type:  types.N_SECT | types.N_EXT,
		Sect:  1,
		Desc:  types.NWeakDef,
		Value: 0xFFFFFF7F80001000,
	}
	encodeRawSymbol(buf, 0, in)

	full := append(append([]byte{}, buf...), strs...)
	out, err := decodeRawSymbolTable(full, 0, 1, nlist64Size, uint32(len(strs)))
	if err != nil {
		t.Fatalf("decodeRawSymbolTable: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("len(out) = %d, want 1", len(out))
	}
	got := out[0]
	if got.Strx != in.Strx || got.Type != in.Type || got.Sect != in.Sect || got.Desc != in.Desc || got.Value != in.Value {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, in)
	}
	if got.Name != "_abc" {
		t.Errorf("Name = %q, want _abc", got.Name)
	}
}
