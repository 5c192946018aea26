package linker

import (
	"github.com/acidkit/kextcache/macho"
	"github.com/acidkit/kextcache/macho/types"
	"github.com/acidkit/kextcache/result"
)

// Symbol is one exported (name, value) pair a Kext offers to its
// dependents — the compact form a Mach-O MACH_NLIST_64 entry is reduced to
// once it has been partitioned into a Kext's linked symbol table.
type Symbol struct {
	Name  string
	Value uint64
}

// BuildLinkedSymbolTable partitions raw — a kext's own Mach-O symbol table —
// into a compact exported table: non-C++ symbols fill the head growing up,
// C++ symbols fill the tail growing down (spec.md §4.5.1,
// InternalScanBuildLinkedSymbolTable).
//
// resolveIndirect, when non-nil, enables KPI-style resolution: undefined
// symbols are discarded (they are satisfied later by dependency
// resolution), and N_INDR symbols are resolved immediately by looking up
// their aliased name in the dependency closure. Passing nil keeps every
// symbol — including undefined and indirect ones — verbatim, matching a
// Mach-O header carrying MACH_HEADER_FLAG_NO_UNDEFINED_REFERENCES (kexts
// that declare undefined/indirect symbols even once prelinked, such as BSD
// KPIs).
func BuildLinkedSymbolTable(raw []macho.Symbol, resolveIndirect func(sym macho.Symbol) (uint64, bool)) ([]Symbol, int, error) {
	out := make([]Symbol, len(raw))
	bottom, top := 0, len(raw)-1
	var numCxx, numDiscarded int

	for _, sym := range raw {
		value := sym.Value

		if resolveIndirect != nil {
			switch sym.Type.Archive() {
			case types.N_UNDF:
				numDiscarded++
				continue
			case types.N_INDR:
				v, ok := resolveIndirect(sym)
				if !ok {
					return nil, 0, result.New(result.NotFound, "indirect symbol target for "+sym.Name)
				}
				value = v
			}
		}

		if !IsCxx(sym.Name) {
			out[bottom] = Symbol{Name: sym.Name, Value: value}
			bottom++
		} else {
			out[top] = Symbol{Name: sym.Name, Value: value}
			top--
			numCxx++
		}
	}

	total := len(raw) - numDiscarded
	if numDiscarded > 0 {
		// Slide the C++ half down to butt against the non-C++ half now
		// that undefined symbols have vacated the middle of the array.
		copy(out[total-numCxx:total], out[len(raw)-numCxx:len(raw)])
	}

	return out[:total], numCxx, nil
}

// RawSymbol is one mutable MACH_NLIST_64 entry of the kext currently being
// linked — as opposed to Symbol, the frozen (name, value) pair a kext
// exports once linked. Vtable patching (spec.md §4.5.3) and symbol
// resolution (§4.5.2) both mutate these in place; relocation processing
// (§4.5.4) reads the post-patch Value back out.
//
// Strx is the symbol's original string table offset. It never changes: the
// rebuilt __LINKEDIT keeps the string table byte-for-byte, dropping only
// whichever nlist entries fall in the undefined run, so every surviving
// symbol's Strx still addresses the right name (InternalPrelinkKext64 never
// recomputes string offsets, only drops entries).
type RawSymbol struct {
	Name  string
	Strx  uint32
	Type  types.NType
	Sect  uint8
	Desc  types.NDescType
	Value uint64
}

const nlist64Size = 16

// decodeRawSymbolTable decodes nsyms consecutive MACH_NLIST_64 entries
// directly out of buf at symoff, resolving each name against the string
// table at [stroff, stroff+strsize), index-aligned with the original nlist
// order (relocation SymbolNumber fields and MachoGetSymbolByIndex64 both
// address this order). Kept independent of the read-only macho.File symbol
// decoder so every surviving symbol's original Strx can be carried forward
// into the rebuilt __LINKEDIT without re-indexing the string table.
func decodeRawSymbolTable(buf []byte, symoff, nsyms, stroff, strsize uint32) ([]RawSymbol, error) {
	need := uint64(symoff) + uint64(nsyms)*nlist64Size
	if nsyms == 0 {
		return nil, nil
	}
	if need > uint64(len(buf)) {
		return nil, result.New(result.LoadError, "symbol table out of bounds")
	}
	if uint64(stroff)+uint64(strsize) > uint64(len(buf)) {
		return nil, result.New(result.LoadError, "string table out of bounds")
	}
	strs := buf[stroff : stroff+strsize]

	out := make([]RawSymbol, nsyms)
	for i := uint32(0); i < nsyms; i++ {
		entry := buf[symoff+i*nlist64Size:]
		strx := leUint32(entry)
		out[i] = RawSymbol{
			Name:  cString(strs, strx),
			Strx:  strx,
			Type:  types.NType(entry[4]),
			Sect:  entry[5],
			Desc:  types.NDescType(leUint16(entry[6:])),
			Value: leUint64(entry[8:]),
		}
	}
	return out, nil
}

func cString(strs []byte, offset uint32) string {
	if int(offset) >= len(strs) {
		return ""
	}
	s := strs[offset:]
	for i, b := range s {
		if b == 0 {
			return string(s[:i])
		}
	}
	return string(s)
}

func leUint16(b []byte) uint16 { return uint16(b[0]) | uint16(b[1])<<8 }
func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
func leUint64(b []byte) uint64 {
	return uint64(leUint32(b)) | uint64(leUint32(b[4:]))<<32
}

// encodeRawSymbol writes sym back out in MACH_NLIST_64 form at buf[off:].
func encodeRawSymbol(buf []byte, off uint32, sym RawSymbol) {
	putU32(buf, off, sym.Strx)
	buf[off+4] = byte(sym.Type)
	buf[off+5] = sym.Sect
	desc := uint16(sym.Desc)
	buf[off+6] = byte(desc)
	buf[off+7] = byte(desc >> 8)
	putU64(buf, off+8, sym.Value)
}

// AsMachoSymbol views r as the read-only macho.Symbol shape
// BuildLinkedSymbolTable consumes.
func (r RawSymbol) AsMachoSymbol() macho.Symbol {
	return macho.Symbol{Name: r.Name, Type: r.Type, Sect: r.Sect, Desc: r.Desc, Value: r.Value}
}
