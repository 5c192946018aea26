package linker

import (
	"encoding/binary"

	"github.com/acidkit/kextcache/macho/types"
	"github.com/acidkit/kextcache/result"
)

// VtableHeaderWords and VtableEntrySize are the Itanium vtable layout a
// 64-bit Mach-O kext embeds: two header words (offset-to-top and RTTI
// pointer, both unused by IOKit's patching) followed by one 8-byte function
// pointer per virtual method (VTABLE_HEADER_LEN_64 / VTABLE_ENTRY_SIZE_64).
const (
	VtableHeaderWords = 2
	VtableEntrySize   = 8
)

// VtableEntry is one resolved (or unresolved) virtual method slot.
type VtableEntry struct {
	Name    string // empty if the slot's target couldn't be resolved to a symbol (inlined)
	Address uint64
}

// Vtable is a class's constructed virtual method table (spec.md §4.5.3
// pass 1, InternalConstructVtablePrelinked64).
type Vtable struct {
	Name    string
	Entries []VtableEntry
}

// vtableSource is the subset of buffer/symbol access vtable construction
// and patching need; Context (link.go) implements it.
type vtableSource interface {
	fileOffset(value uint64) (offset uint32, maxSize uint32, ok bool)
	bufferAt(offset uint32) []byte
	externRelocationTarget(siteValue uint64) (*RawSymbol, bool)
}

// ConstructVtable builds kext's vtable named by vtableSymbolName at
// vtableSymbolValue out of src's raw bytes, resolving each slot's pointer
// back to a C++ symbol name via the C++ halves of kext's own
// (already-partitioned) symbol table and of its dependency closure
// (spec.md §4.5.3 pass 1).
func ConstructVtable(kext *Kext, src vtableSource, vtableSymbolName string, vtableSymbolValue uint64) (*Vtable, error) {
	offset, maxSize, ok := src.fileOffset(vtableSymbolValue)
	if !ok || maxSize < uint32(VtableHeaderWords+1)*VtableEntrySize {
		return nil, result.New(result.LoadError, "vtable symbol out of bounds: "+vtableSymbolName)
	}
	if offset%VtableEntrySize != 0 {
		return nil, result.New(result.LoadError, "vtable not 8-byte aligned: "+vtableSymbolName)
	}

	data := src.bufferAt(offset)
	maxWords := maxSize / VtableEntrySize

	vt := &Vtable{Name: vtableSymbolName}
	for i := uint32(VtableHeaderWords); ; i++ {
		if i >= maxWords {
			return nil, result.New(result.LoadError, "vtable runs off the end of its section: "+vtableSymbolName)
		}
		value := binary.LittleEndian.Uint64(data[i*VtableEntrySize:])
		if value == 0 {
			break
		}

		entry := VtableEntry{Address: value}
		if sym, ok := kext.GetSymbolByValue(value, LevelOnlyCxx); ok {
			entry.Name = sym.Name
		}
		vt.Entries = append(vt.Entries, entry)
	}

	return vt, nil
}

// PatchVtableSymbol implements the eight-step decision tree of spec.md
// §4.5.3 / InternalPatchVtableSymbol: given the parent (super) vtable's
// entry at the same slot and the child's raw symbol occupying that slot, it
// decides whether — and how — to overwrite the child symbol with the
// parent's resolved address.
func PatchVtableSymbol(parent VtableEntry, vtableName string, child *RawSymbol) error {
	// Child entry can be nil when a locally-defined, non-external symbol
	// was stripped; nothing to patch.
	if child == nil {
		return nil
	}
	// Parent slot has no resolvable name (e.g. inlined) — nothing to
	// patch against.
	if parent.Name == "" {
		return nil
	}
	// 1) Already locally defined — leave it alone.
	if child.Type.Archive() == types.N_SECT && !child.Type.IsExternal() {
		return nil
	}
	// 2) Pure virtual overrides the parent's implementation by design.
	if IsPureVirtual(child.Name) {
		return nil
	}
	// 3) Same symbol as its parent — nothing to change.
	if child.Name == parent.Name {
		return nil
	}
	// 4) Parent slot is a pad and the child disagrees: binary-incompatible
	// against a newer set of headers.
	if IsPadslot(parent.Name) {
		return result.New(result.Unsupported, "child vtable entry incompatible with pad slot "+parent.Name)
	}
	// 5) Strict patching: a virtual function declared but not implemented
	// in its own class (still undefined at this point, and it shares the
	// vtable's own class prefix) is missing its OSDefine macro.
	if child.Type.Archive() == types.N_UNDF {
		className, ok := ClassNameFromVtableName(vtableName)
		if ok {
			prefix := FunctionPrefixFromClassName(className)
			if len(child.Name) >= len(prefix) && child.Name[:len(prefix)] == prefix {
				return result.New(result.Unsupported, "class declares but does not implement "+child.Name)
			}
		}
	}
	// 6) Patch: repoint the child's symbol at the parent's resolved
	// address, marking it absolute so nothing further tries to relocate
	// it against a section.
	child.Value = parent.Address
	child.Type = types.N_ABS | types.N_EXT
	child.Sect = 0 // NO_SECT

	if !IsPureVirtual(parent.Name) && child.Value&1 != 0 {
		// The Itanium C++ ABI requires virtual functions to be 2-byte
		// aligned; a set low bit here means the compiler violated that,
		// which would panic in _ptmf2ptf at runtime. Surfacing it as an
		// error rather than a silent warning, since this engine has no
		// log sink at this layer.
		return result.New(result.Unsupported, "vtable entry address violates 2-byte alignment: "+parent.Name)
	}
	return nil
}
