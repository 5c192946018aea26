package linker

import (
	"encoding/binary"

	"github.com/acidkit/kextcache/macho/types"
	"github.com/acidkit/kextcache/result"
)

// x86_64RelocationIsPair reports whether reloc's type consumes the
// following relocation as its pair target (GOT/GOT_LOAD/SUBTRACTOR all read
// *Target = PairTarget* or *Target - PairTarget* in
// InternalCalculateTargetsIntel64/InternalRelocateRelocationIntel64).
func x86_64RelocationIsPair(relType uint8) bool {
	switch relType {
	case types.X8664RelocSubtractor, types.X8664RelocGot, types.X8664RelocGotLoad:
		return true
	default:
		return false
	}
}

// x86_64PreserveRelocation reports whether a relocation of this type must
// survive into the rebuilt __LINKEDIT (spec.md §4.5.4 step 3): only the
// UNSIGNED family, which carries an absolute pointer that still needs to
// slide with the kext's final load address.
func x86_64PreserveRelocation(relType uint8) bool {
	return relType == types.X8664RelocUnsigned
}

// relocTargets is what calculateTargets resolves a relocation (and,
// transitively, its pair) down to.
type relocTargets struct {
	Target     uint64
	PairTarget uint64
	Vtable     *Vtable
}

// calculateTargets implements InternalCalculateTargetsIntel64: for an
// external relocation the target is the referenced symbol's resolved value;
// for a local (section-relative) relocation it is the section's
// load-address slide, aligned to the section's own alignment.
func (c *Context) calculateTargets(reloc types.RelocationInfo, next *types.RelocationInfo) (relocTargets, bool) {
	var out relocTargets

	if reloc.Extern {
		if int(reloc.SymbolNumber) >= len(c.RawSymbols) {
			return out, false
		}
		sym := c.RawSymbols[reloc.SymbolNumber]

		if IsVtable(sym.Name) {
			out.Vtable, _ = c.Kext.VtableByName(sym.Name, false)
		}
		out.Target = sym.Value
	} else {
		sec := c.sectionByIndex(reloc.SymbolNumber)
		if sec == nil {
			return out, false
		}
		slid := alignUp(sec.Addr+c.LoadAddress, uint64(1)<<sec.Align)
		out.Target = slid - sec.Addr
	}

	if x86_64RelocationIsPair(reloc.Type) {
		if next == nil {
			return out, false
		}
		pair, ok := c.calculateTargets(*next, nil)
		if !ok {
			return out, false
		}
		out.PairTarget = pair.Target
	}

	return out, true
}

func alignUp(v, align uint64) uint64 {
	if align == 0 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}

// calculateDisplacement implements InternalCalculateDisplacementIntel64: it
// patches *instruction with target - adjustment, refusing displacements
// that no longer fit a 32-bit PC-relative field.
func calculateDisplacement(target, adjustment uint64, instruction *int32) bool {
	displacement := (int64(*instruction) + int64(target)) - int64(adjustment)
	diff := displacement
	if diff < 0 {
		diff = -diff
	}
	if uint64(diff) >= types.X8664RipRelativeLimit {
		return false
	}
	*instruction = int32(displacement)
	return true
}

// relocateResult is the tri-state InternalRelocateRelocationIntel64 returns:
// whether to preserve the relocation, and whether to skip the next one
// (its pair was consumed).
type relocateResult struct {
	Preserve   bool
	SkipPaired bool
}

// relocateRelocation implements spec.md §4.5.4 steps 1-3 /
// InternalRelocateRelocationIntel64: compute the target(s), patch the
// instruction bytes at the relocation site, and decide whether the
// relocation must be preserved in the rebuilt __LINKEDIT.
func (c *Context) relocateRelocation(reloc types.RelocationInfo, next *types.RelocationInfo) (relocateResult, error) {
	if reloc.Length < 2 {
		return relocateResult{}, result.New(result.LoadError, "relocation length below word size")
	}

	siteOffset := c.RelocationBase + uint32(reloc.Address)
	width := 4
	if reloc.Length == 3 {
		width = 8
	}
	if int(siteOffset)+width > len(c.Buffer) {
		return relocateResult{}, result.New(result.LoadError, "relocation site out of bounds")
	}

	targets, ok := c.calculateTargets(reloc, next)
	if !ok {
		return relocateResult{}, result.New(result.LoadError, "relocation target unresolved")
	}

	isNormalLocal := !reloc.Extern
	linkPC := uint64(reloc.Address) + c.LoadAddress
	site := c.Buffer[siteOffset : siteOffset+width]

	isPair := false

	if reloc.Length != 3 {
		instruction := int32(binary.LittleEndian.Uint32(site))

		if targets.Vtable != nil && isDirectPureVirtualCall(targets.Vtable, int64(instruction)) {
			return relocateResult{}, result.New(result.LoadError, "direct call through a pure virtual slot")
		}

		var adjustment uint64
		switch reloc.Type {
		case types.X8664RelocSigned:
			if !isNormalLocal {
				adjustment = 1 << reloc.Length
			}
		case types.X8664RelocSigned1:
			if isNormalLocal {
				adjustment = 1
			} else {
				adjustment = 1 << reloc.Length
			}
		case types.X8664RelocSigned2:
			if isNormalLocal {
				adjustment = 2
			} else {
				adjustment = 1 << reloc.Length
			}
		case types.X8664RelocSigned4:
			if isNormalLocal {
				adjustment = 4
			} else {
				adjustment = 1 << reloc.Length
			}
		case types.X8664RelocBranch, types.X8664RelocGot, types.X8664RelocGotLoad:
			adjustment = 1 << reloc.Length
		}

		pcRelative := reloc.PcRelative
		invalidPcRel := false
		target := targets.Target

		switch reloc.Type {
		case types.X8664RelocBranch:
			invalidPcRel = !pcRelative
			adjustment += linkPC
		case types.X8664RelocSigned, types.X8664RelocSigned1, types.X8664RelocSigned2, types.X8664RelocSigned4:
			invalidPcRel = !pcRelative
			if isNormalLocal {
				adjustment += c.LoadAddress
			} else {
				adjustment += linkPC
			}
		case types.X8664RelocGot, types.X8664RelocGotLoad:
			invalidPcRel = !pcRelative
			adjustment += linkPC
			target = targets.PairTarget
			isPair = true
		case types.X8664RelocSubtractor:
			invalidPcRel = pcRelative
			instruction = int32(targets.Target - targets.PairTarget)
			isPair = true
		default:
			return relocateResult{}, result.New(result.LoadError, "unsupported x86_64 relocation type")
		}

		if pcRelative {
			if !calculateDisplacement(target, adjustment, &instruction) {
				return relocateResult{}, result.New(result.LoadError, "relocation displacement out of range")
			}
		}

		_ = invalidPcRel // surfaced as a warning by the original; not fatal here either
		binary.LittleEndian.PutUint32(site, uint32(instruction))
	} else {
		instruction := binary.LittleEndian.Uint64(site)

		if targets.Vtable != nil && isDirectPureVirtualCall(targets.Vtable, int64(instruction)) {
			return relocateResult{}, result.New(result.LoadError, "direct call through a pure virtual slot")
		}

		switch reloc.Type {
		case types.X8664RelocUnsigned:
			instruction += targets.Target
		case types.X8664RelocSubtractor:
			instruction = targets.Target - targets.PairTarget
			isPair = true
		default:
			return relocateResult{}, result.New(result.LoadError, "unsupported x86_64 relocation type")
		}

		binary.LittleEndian.PutUint64(site, instruction)
	}

	return relocateResult{
		Preserve:   x86_64PreserveRelocation(reloc.Type),
		SkipPaired: isPair,
	}, nil
}

// isDirectPureVirtualCall implements InternalIsDirectPureVirtualCall64: a
// vtable-relative call whose target offset names a pure-virtual slot can
// never be legally reached and signals a malformed relocation rather than
// an address to patch.
func isDirectPureVirtualCall(vt *Vtable, offset int64) bool {
	if offset%VtableEntrySize != 0 || offset < VtableEntrySize {
		return false
	}
	index := (offset - VtableEntrySize) / VtableEntrySize
	if index < 0 || int(index) >= len(vt.Entries) {
		return false
	}
	entry := vt.Entries[index]
	return entry.Name != "" && IsPureVirtual(entry.Name)
}

// RelocateAndCopyRelocations implements InternalRelocateAndCopyRelocations64:
// it walks source in order, relocating each entry against c's buffer, and
// returns the subset that must be preserved in the rebuilt __LINKEDIT —
// external relocations converted to local ones with SymbolNumber=1
// ("slides with the first segment"), since by this point every relocation
// target has already been baked into the instruction bytes.
func (c *Context) RelocateAndCopyRelocations(source []types.RelocationInfo) ([]types.RelocationInfo, error) {
	var preserved []types.RelocationInfo

	for i := 0; i < len(source); i++ {
		reloc := source[i]
		if !reloc.Extern && reloc.SymbolNumber == types.MachRelocAbsolute {
			continue
		}

		var next *types.RelocationInfo
		if i+1 < len(source) {
			next = &source[i+1]
		}

		res, err := c.relocateRelocation(reloc, next)
		if err != nil {
			return nil, err
		}

		if res.Preserve {
			out := reloc
			if out.Extern {
				out.Extern = false
				out.SymbolNumber = 1
			}
			preserved = append(preserved, out)
		}

		if res.SkipPaired {
			i++
		}
	}

	return preserved, nil
}
