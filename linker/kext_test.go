package linker

import "testing"

func TestGetSymbolByNameSearchesDirectDependenciesOnly(t *testing.T) {
	grandparent := &Kext{Identifier: "grandparent", Symbols: []Symbol{{Name: "_deep", Value: 0x1}}}
	parent := &Kext{Identifier: "parent", Dependencies: []*Kext{grandparent}, Symbols: []Symbol{{Name: "_shallow", Value: 0x2}}}
	kext := &Kext{Identifier: "kext", Dependencies: []*Kext{parent}}

	if _, ok := kext.GetSymbolByName("_shallow", LevelFirst); !ok {
		t.Error("LevelFirst should find a symbol defined by a direct dependency")
	}
	if _, ok := kext.GetSymbolByName("_deep", LevelFirst); ok {
		t.Error("LevelFirst should not recurse past direct dependencies")
	}
}

func TestGetSymbolByNameAnyLevelRecursesButOnlyCxxBeyondDirect(t *testing.T) {
	grandparent := &Kext{
		Identifier: "grandparent",
		Symbols:    []Symbol{{Name: "_deep_c", Value: 0x1}, {Name: "__ZN1A4initEv", Value: 0x2}},
		NumCxx:     1,
	}
	parent := &Kext{Identifier: "parent", Dependencies: []*Kext{grandparent}}
	kext := &Kext{Identifier: "kext", Dependencies: []*Kext{parent}}

	if _, ok := kext.GetSymbolByName("_deep_c", LevelAnyLevel); ok {
		t.Error("LevelAnyLevel should restrict indirect dependencies to their C++ half")
	}
	if _, ok := kext.GetSymbolByName("__ZN1A4initEv", LevelAnyLevel); !ok {
		t.Error("LevelAnyLevel should find a C++ symbol from an indirect dependency")
	}
}

func TestVtableByNameSkipsOwnNotYetBuiltVtables(t *testing.T) {
	superVt := &Vtable{Name: "__ZTV4Base"}
	super := &Kext{Identifier: "super", Vtables: []*Vtable{superVt}}
	kext := &Kext{Identifier: "kext", Dependencies: []*Kext{super}}

	vt, ok := vtableByNameWorker(kext, "__ZTV4Base", map[*Kext]bool{})
	if !ok || vt != superVt {
		t.Fatalf("vtableByNameWorker should find the superclass vtable via the dependency closure")
	}

	// A class is never its own superclass: vtableByNameWorker must not
	// find a vtable in kext's own (possibly not-yet-built) Vtables.
	kext.Vtables = append(kext.Vtables, &Vtable{Name: "__ZTV4Self"})
	if _, ok := vtableByNameWorker(kext, "__ZTV4Self", map[*Kext]bool{}); ok {
		t.Fatal("vtableByNameWorker should never search the starting kext's own Vtables")
	}
}

func TestVtableByNameRecurseFlagOnKextItself(t *testing.T) {
	kext := &Kext{Identifier: "kext", Vtables: []*Vtable{{Name: "__ZTV4Self"}}}
	if _, ok := kext.VtableByName("__ZTV4Self", false); !ok {
		t.Error("VtableByName should find a vtable the kext itself owns")
	}
}

func TestGetSymbolByValue(t *testing.T) {
	dep := &Kext{Identifier: "dep", Symbols: []Symbol{{Name: "_func", Value: 0xDEAD}}}
	kext := &Kext{Identifier: "kext", Dependencies: []*Kext{dep}}

	sym, ok := kext.GetSymbolByValue(0xDEAD, LevelFirst)
	if !ok || sym.Name != "_func" {
		t.Fatalf("GetSymbolByValue(0xDEAD) = (%+v, %v), want (_func symbol, true)", sym, ok)
	}
}
