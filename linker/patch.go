package linker

import (
	"encoding/binary"

	"github.com/acidkit/kextcache/result"
)

// smcpEntry is one class awaiting vtable patching, gathered by its super
// metaclass pointer symbol (OC_VTABLE_PATCH_ENTRY).
type smcpEntry struct {
	className       string
	smcp            *RawSymbol
	classVtableName string
	classVtable     *RawSymbol
	metaVtableName  string
	metaVtable      *RawSymbol
	done            bool
}

// BuildVtables runs pass 1 of spec.md §4.5.3 (InternalCreateVtablesPrelinked64):
// it constructs kext.Vtables from every top-level vtable symbol this kext's
// own Mach-O defines. It must run after PatchVtables, so the constructed
// entries reflect already-patched slots.
func BuildVtables(c *Context) error {
	for i := range c.RawSymbols {
		sym := &c.RawSymbols[i]
		if !IsVtable(sym.Name) {
			continue
		}
		vt, err := ConstructVtable(c.Kext, c, sym.Name, sym.Value)
		if err != nil {
			return err
		}
		c.Kext.Vtables = append(c.Kext.Vtables, vt)
	}
	return nil
}

// PatchVtables runs pass 2 of spec.md §4.5.3 (InternalPatchByVtables64): for
// every class this kext declares with a super metaclass pointer, it patches
// the class's own (and its nested MetaClass's) vtable slots against its
// superclass's already-linked vtable, pulled from the dependency closure.
// Superclasses declared in the same kext are not resolved here — the
// compiler already bound those slots directly, without relocations, since
// both classes are defined in the same translation unit.
func PatchVtables(c *Context) error {
	var entries []*smcpEntry

	for i := range c.RawSymbols {
		sym := &c.RawSymbols[i]
		if !IsSmcp(sym.Name) {
			continue
		}
		className, ok := ClassNameFromSuperMetaClassPointer(sym.Name)
		if !ok {
			continue
		}

		classVtableName := VtableNameFromClassName(className)
		classVtable, ok := c.rawSymbolByName(classVtableName)
		if !ok {
			return result.New(result.NotFound, "class vtable for "+className)
		}
		metaVtableName := MetaVtableNameFromClassName(className)
		metaVtable, ok := c.rawSymbolByName(metaVtableName)
		if !ok {
			return result.New(result.NotFound, "metaclass vtable for "+className)
		}

		entries = append(entries, &smcpEntry{
			className:       className,
			smcp:            sym,
			classVtableName: classVtableName,
			classVtable:     classVtable,
			metaVtableName:  metaVtableName,
			metaVtable:      metaVtable,
		})
	}

	patched := 0
	for patched < len(entries) {
		progressed := false

		for _, e := range entries {
			if e.done {
				continue
			}

			ok, err := patchOneClass(c, e)
			if err != nil {
				return err
			}
			if !ok {
				// Superclass not yet available in the dependency closure;
				// try again once other entries have made progress.
				continue
			}

			e.done = true
			patched++
			progressed = true
		}

		if !progressed {
			return result.New(result.NotFound, "superclass vtable unresolved for remaining classes")
		}
	}

	return nil
}

// patchOneClass implements one iteration of InternalPatchByVtables64's inner
// loop body for entry e: false (no error) means the superclass vtable isn't
// resolvable yet and e should be retried on a later pass.
func patchOneClass(c *Context, e *smcpEntry) (bool, error) {
	metaClassSym, ok := c.externRelocationTarget(e.smcp.Value)
	if !ok {
		return false, result.New(result.LoadError, "super metaclass pointer for "+e.className+" has no relocation")
	}
	superClassName, ok := ClassNameFromMetaClassPointer(metaClassSym.Name)
	if !ok {
		return false, result.New(result.LoadError, "malformed metaclass symbol "+metaClassSym.Name)
	}

	superVtableName := VtableNameFromClassName(superClassName)
	superVtable, ok := vtableByNameWorker(c.Kext, superVtableName, map[*Kext]bool{})
	if !ok {
		return false, nil
	}

	finalSymbolName := FinalSymbolNameFromClassName(e.className)
	if _, ok := c.Kext.GetSymbolByName(finalSymbolName, LevelAnyLevel); ok {
		return false, result.New(result.AlreadyStarted, "duplicate metaclass symbol "+finalSymbolName)
	}
	if sym, ok := c.rawSymbolByName(finalSymbolName); ok && isLocallyDefined(sym) {
		return false, result.New(result.AlreadyStarted, "duplicate metaclass symbol "+finalSymbolName)
	}

	if err := patchVtableEntries(c, e.classVtable.Value, superVtable, e.classVtableName); err != nil {
		return false, err
	}

	if _, ok := vtableByNameWorker(c.Kext, e.metaVtableName, map[*Kext]bool{}); ok {
		return false, result.New(result.AlreadyStarted, "duplicate metaclass vtable "+e.metaVtableName)
	}

	// Every class's nested MetaClass type inherits directly from the root
	// OSMetaClass, which cannot be looked up at runtime, so the name is
	// hardcoded (see names.go's OSMetaClassVtableName).
	superMetaVtable, ok := vtableByNameWorker(c.Kext, OSMetaClassVtableName, map[*Kext]bool{})
	if !ok {
		return false, result.New(result.NotFound, OSMetaClassVtableName)
	}

	if err := patchVtableEntries(c, e.metaVtable.Value, superMetaVtable, e.metaVtableName); err != nil {
		return false, err
	}

	return true, nil
}

// patchVtableEntries implements InternalInitializeVtableByEntriesAndRelocations64:
// it walks vtableValue's raw words past the header, and for every zero slot
// still carrying an external relocation, patches that relocation's target
// symbol against the matching slot of super. A zero slot with no relocation
// marks the end of the table.
func patchVtableEntries(c *Context, vtableValue uint64, super *Vtable, vtableName string) error {
	offset, maxSize, ok := c.fileOffset(vtableValue)
	if !ok || maxSize < uint32(VtableHeaderWords+1)*VtableEntrySize {
		return result.New(result.LoadError, "vtable symbol out of bounds: "+vtableName)
	}

	data := c.bufferAt(offset)
	maxWords := maxSize / VtableEntrySize

	for i := uint32(VtableHeaderWords); ; i++ {
		if i >= maxWords {
			return result.New(result.LoadError, "vtable runs off the end of its section: "+vtableName)
		}

		entryIndex := i - VtableHeaderWords
		value := binary.LittleEndian.Uint64(data[i*VtableEntrySize:])

		if value == 0 {
			site := vtableValue + uint64(i)*VtableEntrySize
			child, ok := c.externRelocationTarget(site)
			if !ok {
				// No relocation at a zero slot marks the end of the table.
				break
			}

			var parent VtableEntry
			if int(entryIndex) < len(super.Entries) {
				parent = super.Entries[entryIndex]
			}

			if err := PatchVtableSymbol(parent, vtableName, child); err != nil {
				return err
			}
		}
	}

	return nil
}

