package linker

import (
	"github.com/acidkit/kextcache/internal/kmod"
	"github.com/acidkit/kextcache/macho/types"
	"github.com/acidkit/kextcache/result"
)

// relocateSymbolTableValues implements InternalRelocateSymbols: every
// section-relative symbol slides by loadAddress (symbols SolveSymbol or
// PatchVtableSymbol already resolved to N_ABS are left untouched, since
// they're already final addresses). While walking, it discovers
// _kmod_info's pre-slide file offset, the same pass the original performs
// over the local and then the external partitions.
func (c *Context) relocateSymbolTableValues(loadAddress uint64, syms []RawSymbol, kmodInfoOffset *uint32) error {
	for i := range syms {
		sym := &syms[i]

		if *kmodInfoOffset == 0 && sym.Name == "_kmod_info" {
			offset, maxSize, ok := c.fileOffset(sym.Value)
			if !ok || maxSize < kmod.Size || offset%4 != 0 {
				return result.New(result.LoadError, "_kmod_info out of bounds")
			}
			*kmodInfoOffset = offset
		}

		if sym.Type.Archive() == types.N_SECT {
			sym.Value += loadAddress
		}
	}
	return nil
}

// rebuildLinkEdit implements spec.md §4.5.6 / the __LINKEDIT-construction
// block of InternalPrelinkKext64: it drops the undefined symbol run,
// converts and relocates local and external relocations into a single
// preserved set, copies the string table verbatim, and writes the result
// back into the kext's __LINKEDIT segment, updating the LC_SYMTAB/
// LC_DYSYMTAB commands and the segment's own size fields in place.
func (c *Context) rebuildLinkEdit() error {
	f := c.File

	survivors := make([]RawSymbol, 0, len(c.RawSymbols)-c.undefinedCount)
	survivors = append(survivors, c.RawSymbols[:c.undefinedStart]...)
	survivors = append(survivors, c.RawSymbols[c.undefinedStart+c.undefinedCount:]...)

	localRelocs, err := c.RelocateAndCopyRelocations(c.LocalRelocs)
	if err != nil {
		return err
	}
	externRelocs, err := c.RelocateAndCopyRelocations(c.ExternRelocs)
	if err != nil {
		return err
	}
	relocs := append(localRelocs, externRelocs...)

	linkEditOffset, err := c.findSegmentCmd("__LINKEDIT")
	if err != nil {
		return err
	}
	linkEditFileOffset := u64(c.Buffer, linkEditOffset+offSegFileoff)
	linkEditFileSize := u64(c.Buffer, linkEditOffset+offSegFilesize)

	symbolTableOffset := uint32(0)
	symbolTableSize := uint32(len(survivors)) * nlist64Size
	relocationsOffset := symbolTableOffset + symbolTableSize
	relocationsSize := uint32(len(relocs)) * 8
	stringTableOffset := relocationsOffset + relocationsSize
	stringTableSize := f.Symtab.Strsize

	linkEditSize := symbolTableSize + relocationsSize + stringTableSize
	if uint64(linkEditSize) > linkEditFileSize {
		return result.New(result.BufferTooSmall, "rebuilt __LINKEDIT does not fit the original segment")
	}

	scratch := make([]byte, linkEditSize)
	for i, sym := range survivors {
		encodeRawSymbol(scratch, uint32(i)*nlist64Size, sym)
	}
	for i, r := range relocs {
		enc := r.Encode()
		copy(scratch[relocationsOffset+uint32(i)*8:], enc[:])
	}
	copy(scratch[stringTableOffset:], c.Buffer[f.Symtab.Stroff:f.Symtab.Stroff+f.Symtab.Strsize])

	dest := c.Buffer[linkEditFileOffset : linkEditFileOffset+linkEditFileSize]
	copy(dest, scratch)
	for i := uint64(linkEditSize); i < linkEditFileSize; i++ {
		dest[i] = 0
	}

	putU64(c.Buffer, linkEditOffset+offSegFilesize, uint64(linkEditSize))
	putU64(c.Buffer, linkEditOffset+offSegVmsize, alignUp(uint64(linkEditSize), 0x1000))

	symtabOffset, err := c.findSymtabCmd()
	if err != nil {
		return err
	}
	putU32(c.Buffer, symtabOffset+offSymoff, uint32(linkEditFileOffset)+symbolTableOffset)
	putU32(c.Buffer, symtabOffset+offNsyms, uint32(len(survivors)))
	putU32(c.Buffer, symtabOffset+offStroff, uint32(linkEditFileOffset)+stringTableOffset)
	putU32(c.Buffer, symtabOffset+offStrsize, stringTableSize)

	dysymtabOffset, err := c.findDysymtabCmd()
	if err != nil {
		return err
	}
	putU32(c.Buffer, dysymtabOffset+offLocreloff, uint32(linkEditFileOffset)+relocationsOffset)
	putU32(c.Buffer, dysymtabOffset+offNlocrel, uint32(len(relocs)))
	putU32(c.Buffer, dysymtabOffset+offIlocalsym, 0)
	putU32(c.Buffer, dysymtabOffset+offNlocalsym, 0)
	putU32(c.Buffer, dysymtabOffset+offIextdefsym, 0)
	putU32(c.Buffer, dysymtabOffset+offNextdefsym, 0)
	putU32(c.Buffer, dysymtabOffset+offIundefsym, 0)
	putU32(c.Buffer, dysymtabOffset+offNundefsym, 0)
	putU32(c.Buffer, dysymtabOffset+offIndirectOff, 0)
	putU32(c.Buffer, dysymtabOffset+offNindirect, 0)
	putU32(c.Buffer, dysymtabOffset+offExtreloff, 0)
	putU32(c.Buffer, dysymtabOffset+offNextrel, 0)

	return nil
}
