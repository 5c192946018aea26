package linker

import (
	"bytes"

	"github.com/acidkit/kextcache/macho"
	"github.com/acidkit/kextcache/macho/types"
	"github.com/acidkit/kextcache/result"
)

// kxldWeakTestSymbol is the probe symbol KXLD uses to discover whether weak
// symbol binding is requested at all: if it is itself present and defined in
// the undefined-symbol region, the first weak symbol successfully resolved
// fixes every subsequent weak symbol to the same value (InternalSolveSymbol64,
// KXLD_WEAK_TEST_SYMBOL).
const kxldWeakTestSymbol = "_gOSKextUnresolved"

// Context is one kext's linking session: its raw Mach-O buffer (mutated in
// place, mirroring the patcher package's approach), its decoded read-only
// view for section/segment lookups, and the mutable symbol table vtable
// patching and relocation processing both operate on (spec.md §4.5,
// InternalPrelinkKext64's PRELINKED_CONTEXT/PRELINKED_KEXT pairing).
type Context struct {
	Buffer []byte
	File   *macho.File
	Kext   *Kext

	// LoadAddress is the virtual address this kext is being linked against.
	LoadAddress uint64

	// RelocationBase is the file offset of the kext's first segment, added
	// to every relocation's section-relative Address to find its site in
	// Buffer (InternalPrelinkKext64's RelocationBase).
	RelocationBase uint32

	RawSymbols []RawSymbol

	LocalRelocs  []types.RelocationInfo
	ExternRelocs []types.RelocationInfo

	undefinedStart int // index into RawSymbols where the undefined run begins
	undefinedCount int
}

// NewContext parses buf as a standalone kext Mach-O object and builds a
// linking session for it against kext, which must already carry its own
// (still-empty) Vtables slice and its Dependencies populated by
// ResolveDependencies (§4.5 entry point, InternalNewPrelinkedKext +
// InternalScanPrelinkedKext).
func NewContext(buf []byte, kext *Kext) (*Context, error) {
	f, err := macho.NewFile(bytes.NewReader(buf))
	if err != nil {
		return nil, result.Wrap(result.LoadError, "parse mach-o", err)
	}
	if f.Symtab == nil || f.Dysymtab == nil {
		return nil, result.New(result.NotFound, "symtab/dysymtab load commands")
	}

	firstSeg := firstSegment(f)
	if firstSeg == nil {
		return nil, result.New(result.NotFound, "first segment")
	}

	c := &Context{
		Buffer:         buf,
		File:           f,
		Kext:           kext,
		RelocationBase: uint32(firstSeg.Offset),
	}

	if c.RawSymbols, err = decodeRawSymbolTable(buf, f.Symtab.Symoff, f.Symtab.Nsyms, f.Symtab.Stroff, f.Symtab.Strsize); err != nil {
		return nil, err
	}

	if c.LocalRelocs, err = decodeRelocations(buf, f.Dysymtab.Locreloff, f.Dysymtab.Nlocrel); err != nil {
		return nil, err
	}
	if c.ExternRelocs, err = decodeRelocations(buf, f.Dysymtab.Extreloff, f.Dysymtab.Nextrel); err != nil {
		return nil, err
	}

	// The undefined-symbol run sits at [Iundefsym, Iundefsym+Nundefsym) in
	// nlist order (MachoGetSymbolTable's UndefinedSymtab slice).
	c.undefinedStart = int(f.Dysymtab.Iundefsym)
	c.undefinedCount = int(f.Dysymtab.Nundefsym)

	return c, nil
}

func firstSegment(f *macho.File) *macho.Segment {
	for _, l := range f.Loads {
		if seg, ok := l.(*macho.Segment); ok {
			return seg
		}
	}
	return nil
}

func decodeRelocations(buf []byte, offset, count uint32) ([]types.RelocationInfo, error) {
	const entrySize = 8
	need := int(offset) + int(count)*entrySize
	if count == 0 {
		return nil, nil
	}
	if offset == 0 || need > len(buf) {
		return nil, result.New(result.LoadError, "relocation table out of bounds")
	}

	out := make([]types.RelocationInfo, count)
	for i := uint32(0); i < count; i++ {
		out[i] = types.DecodeRelocationInfo(buf[int(offset)+int(i)*entrySize:])
	}
	return out, nil
}

// sectionByIndex resolves a relocation's section-relative SymbolNumber (a
// one-based index into the flat, Mach-O-ordered section list) to its
// decoded Section (MachoGetSectionByIndex64).
func (c *Context) sectionByIndex(num uint32) *macho.Section {
	if num == 0 || int(num) > len(c.File.Sections) {
		return nil
	}
	return c.File.Sections[num-1]
}

// fileOffset resolves an unslid virtual address to its buffer offset and
// the number of bytes remaining in its containing section
// (MachoSymbolGetFileOffset64).
func (c *Context) fileOffset(value uint64) (offset uint32, maxSize uint32, ok bool) {
	sec := c.File.FindSectionForVMAddr(value)
	if sec == nil {
		return 0, 0, false
	}
	delta := value - sec.Addr
	if delta > uint64(sec.Size) {
		return 0, 0, false
	}
	off := uint64(sec.Offset) + delta
	if off > uint64(len(c.Buffer)) {
		return 0, 0, false
	}
	return uint32(off), uint32(uint64(sec.Size) - delta), true
}

func (c *Context) bufferAt(offset uint32) []byte {
	return c.Buffer[offset:]
}

// externRelocationTarget finds the external relocation targeting the vtable
// slot at siteValue (an unslid virtual address) and returns a pointer to the
// raw symbol it references, so vtable patching can resolve and mutate it
// before the general relocation pass ever sees it
// (MachoGetSymbolByExternRelocationOffset64 / InternalInitializeVtableByEntriesAndRelocations64).
func (c *Context) externRelocationTarget(siteValue uint64) (*RawSymbol, bool) {
	offset, _, ok := c.fileOffset(siteValue)
	if !ok {
		return nil, false
	}
	for _, r := range c.ExternRelocs {
		if !r.Extern || uint32(r.Address) != offset {
			continue
		}
		if int(r.SymbolNumber) >= len(c.RawSymbols) {
			return nil, false
		}
		return &c.RawSymbols[r.SymbolNumber], true
	}
	return nil, false
}

// undefinedRawSymbols returns the undefined-symbol run, in nlist order.
func (c *Context) undefinedRawSymbols() []RawSymbol {
	return c.RawSymbols[c.undefinedStart : c.undefinedStart+c.undefinedCount]
}

// rawSymbolByName finds the raw symbol named name, however it is currently
// defined (MachoGetSymbolByName64 over the full table).
func (c *Context) rawSymbolByName(name string) (*RawSymbol, bool) {
	for i := range c.RawSymbols {
		if c.RawSymbols[i].Name == name {
			return &c.RawSymbols[i], true
		}
	}
	return nil, false
}

// isLocallyDefined reports whether sym is a defined, non-external symbol of
// this object (MachoSymbolIsLocalDefined): a duplicate-definition guard, not
// a resolution path.
func isLocallyDefined(sym *RawSymbol) bool {
	return sym.Type.Archive() == types.N_SECT && !sym.Type.IsExternal()
}

// solveSymbolValue marks sym solved with value (InternalSolveSymbolValue64):
// absolute, external, belonging to no section.
func solveSymbolValue(sym *RawSymbol, value uint64) {
	sym.Value = value
	sym.Type = types.N_ABS | types.N_EXT
	sym.Sect = 0
}

// solveSymbolNonWeak resolves sym (named name) against kext's dependency
// closure, ignoring weak-binding fallback (InternalSolveSymbolNonWeak64). A
// symbol that is neither undefined nor indirect, and isn't the weak test
// symbol already solved earlier in this pass, cannot be solved this way.
func solveSymbolNonWeak(kext *Kext, name string, sym *RawSymbol) bool {
	archive := sym.Type.Archive()
	if archive != types.N_UNDF {
		if archive != types.N_INDR {
			return sym.Name == kxldWeakTestSymbol
		}
	} else if sym.Value != 0 {
		// Common symbols are not supported.
		return false
	}

	// It is not an error for the referenced symbol to be missing here: some
	// undefined symbols are only resolved later, by vtable patching.
	if resolved, ok := kext.GetSymbolByName(name, LevelFirst); ok {
		solveSymbolValue(sym, resolved.Value)
	}
	return true
}

// SolveSymbol resolves sym (named name) against kext's dependency closure,
// including KXLD's weak-binding fallback: the first weakly-defined symbol
// that cannot otherwise be resolved binds to whatever value the probe symbol
// kxldWeakTestSymbol resolves to, and every subsequent one reuses that value
// (spec.md §4.5.2, InternalSolveSymbol64).
func SolveSymbol(kext *Kext, name string, sym *RawSymbol, weakTestValue *uint64, undefined []RawSymbol) bool {
	if solveSymbolNonWeak(kext, name, sym) {
		return true
	}

	if sym.Type.IsStab() || sym.Desc&types.NWeakDef == 0 {
		return false
	}

	if *weakTestValue == 0 {
		for i := range undefined {
			if undefined[i].Name != kxldWeakTestSymbol {
				continue
			}
			if undefined[i].Type.Archive() == types.N_UNDF {
				if !solveSymbolNonWeak(kext, kxldWeakTestSymbol, &undefined[i]) {
					return false
				}
			}
			*weakTestValue = undefined[i].Value
			break
		}
	}

	if *weakTestValue == 0 {
		return false
	}
	solveSymbolValue(sym, *weakTestValue)
	return true
}
