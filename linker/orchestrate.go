package linker

import (
	"github.com/acidkit/kextcache/macho/types"
)

// stringTable returns the kext's original string table bytes, valid for the
// entire link — nothing before rebuildLinkEdit touches __LINKEDIT's bytes.
func (c *Context) stringTable() []byte {
	return c.Buffer[c.File.Symtab.Stroff : c.File.Symtab.Stroff+c.File.Symtab.Strsize]
}

// solveIndirectAndUndefinedSymbols runs the first half of InternalPrelinkKext64:
// every N_INDR symbol in the undefined run is solved against the real name
// its n_value points into the string table, then every remaining N_UNDF
// symbol is solved against its own name. A symbol SolveSymbol can't resolve
// at all (not even through the weak-binding fallback) is left untouched —
// some undefined symbols, notably vtable pad slots, are only ever resolved
// by vtable patching, never by this pass.
func (c *Context) solveIndirectAndUndefinedSymbols() {
	strs := c.stringTable()
	undef := c.undefinedRawSymbols()
	var weakTestValue uint64

	for i := range undef {
		sym := &undef[i]
		if sym.Type.Archive() != types.N_INDR {
			continue
		}
		target := cString(strs, uint32(sym.Value))
		SolveSymbol(c.Kext, target, sym, &weakTestValue, undef)
	}

	for i := range undef {
		sym := &undef[i]
		if sym.Type.Archive() != types.N_UNDF {
			continue
		}
		SolveSymbol(c.Kext, sym.Name, sym, &weakTestValue, undef)
	}
}

// LinkKext runs the full link of this kext against loadAddress, in the order
// InternalPrelinkKext64 performs it: a Mach-O that never declares itself
// dynamically linked needs none of this and is left untouched. Everything
// after mutates c.Buffer in place, so the caller's copy of the kext's bytes
// becomes its own prelinked image.
func (c *Context) LinkKext(loadAddress uint64) error {
	headerFlags := types.HeaderFlag(u32(c.Buffer, offFlags))
	if !headerFlags.DyldLink() {
		return nil
	}

	c.LoadAddress = loadAddress

	c.solveIndirectAndUndefinedSymbols()

	if err := PatchVtables(c); err != nil {
		return err
	}
	if err := BuildVtables(c); err != nil {
		return err
	}

	var kmodInfoOffset uint32
	localSyms := c.RawSymbols[c.File.Dysymtab.Ilocalsym : c.File.Dysymtab.Ilocalsym+c.File.Dysymtab.Nlocalsym]
	if err := c.relocateSymbolTableValues(loadAddress, localSyms, &kmodInfoOffset); err != nil {
		return err
	}
	externSyms := c.RawSymbols[c.File.Dysymtab.Iextdefsym : c.File.Dysymtab.Iextdefsym+c.File.Dysymtab.Nextdefsym]
	if err := c.relocateSymbolTableValues(loadAddress, externSyms, &kmodInfoOffset); err != nil {
		return err
	}

	if err := c.rebuildLinkEdit(); err != nil {
		return err
	}

	segmentVmSizes, maxFileOffset, maxFileSize, err := c.finalizeSegments(loadAddress)
	if err != nil {
		return err
	}

	if kmodInfoOffset != 0 {
		c.populateKmodInfo(kmodInfoOffset, loadAddress, segmentVmSizes)
	}

	putU32(c.Buffer, offFlags, uint32(types.NoUndefs))

	if err := c.stripLoadCommands(); err != nil {
		return err
	}

	if extent := uint64(maxFileOffset) + uint64(maxFileSize); extent < uint64(len(c.Buffer)) {
		c.Buffer = c.Buffer[:extent]
	}

	return nil
}
