// Package kernelcollection implements the handful of whole-container
// operations specific to the Kernel Collection (MH_FILESET) prelinked
// layout that prelinked.Context delegates to once a kext has been linked
// against its chosen load address: sizing an already-resident kext from
// its source address alone, relocating a kext's on-disk load commands by
// a file-offset delta, and converting its preserved local relocations into
// DYLD_CHAINED_PTR_64_KERNEL_CACHE chained fixups (spec.md §4.2 /
// KernelCollection.c).
package kernelcollection

import (
	"encoding/binary"

	"github.com/acidkit/kextcache/linker"
	"github.com/acidkit/kextcache/macho"
	"github.com/acidkit/kextcache/macho/fixupchains"
	"github.com/acidkit/kextcache/macho/types"
	"github.com/acidkit/kextcache/result"
)

// GetKextSize implements KcGetKextSize: a kext's size in a Kernel
// Collection is never recorded directly, so it is derived from the
// segment that contains its load (source) address and the collection's
// __LINKEDIT segment, the first region guaranteed to start after every
// kext's executable content.
func GetKextSize(f *macho.File, sourceAddr uint64) (uint64, error) {
	seg := f.FindSegmentForVMAddr(sourceAddr)
	if seg == nil {
		return 0, result.New(result.NotFound, "no segment contains the kext's source address")
	}

	linkEdit := f.Segment("__LINKEDIT")
	if linkEdit == nil {
		return 0, result.New(result.NotFound, "__LINKEDIT segment")
	}

	if linkEdit.Offset <= seg.Offset {
		return 0, result.New(result.LoadError, "__LINKEDIT precedes the kext's segment")
	}
	return linkEdit.Offset - seg.Offset, nil
}

// Raw mach_header_64 / load command byte offsets KextApplyFileDelta
// mutates directly, matching linker/machobytes.go's layout.
const (
	machHeaderSize = 32
	offNCommands   = 16
	offCmd         = 0
	offCmdsize     = 4

	segmentCmdSize   = 72
	offSegFileoff    = 40
	offSegNsects     = 64
	sectionEntrySize = 80
	offSecOffset     = 48

	symtabCmdSize = 24
	offSymoff     = 8
	offStroff     = 16

	dysymtabCmdSize = 80
	offExtreloff    = 64
	offLocreloff    = 72
	offNlocrel      = 76
)

func u32(buf []byte, off uint32) uint32 { return binary.LittleEndian.Uint32(buf[off:]) }
func putU32(buf []byte, off uint32, v uint32) {
	binary.LittleEndian.PutUint32(buf[off:], v)
}

// KextApplyFileDelta implements KcApplyFileDelta: every non-zero file
// offset this kext's own load commands carry (its segments, their
// sections, LC_SYMTAB, and LC_DYSYMTAB's external relocations) is slid by
// delta, since the kext's bytes themselves moved by exactly that much
// when it was spliced into its final position in the collection. Local
// relocations are not adjusted here — by the time this runs they have
// already been converted to chained fixups by IndexFixups and the
// DYSYMTAB local-relocation count/offset are zeroed.
func KextApplyFileDelta(machView []byte, delta uint32) error {
	nCmds := u32(machView, offNCommands)
	off := uint32(machHeaderSize)

	for i := uint32(0); i < nCmds; i++ {
		if int(off)+8 > len(machView) {
			return result.New(result.LoadError, "load command array out of bounds")
		}
		cmdType := types.LoadCmd(u32(machView, off+offCmd))
		size := u32(machView, off+offCmdsize)
		if size < 8 || int(off)+int(size) > len(machView) {
			return result.New(result.LoadError, "malformed load command size")
		}

		switch cmdType {
		case types.LC_SEGMENT_64:
			if fo := u32(machView, off+offSegFileoff); fo != 0 {
				putU32(machView, off+offSegFileoff, fo+delta)
			}
			nsect := u32(machView, off+offSegNsects)
			for s := uint32(0); s < nsect; s++ {
				secOff := off + segmentCmdSize + s*sectionEntrySize
				if fo := u32(machView, secOff+offSecOffset); fo != 0 {
					putU32(machView, secOff+offSecOffset, fo+delta)
				}
			}
		case types.LC_SYMTAB:
			if fo := u32(machView, off+offSymoff); fo != 0 {
				putU32(machView, off+offSymoff, fo+delta)
			}
			if fo := u32(machView, off+offStroff); fo != 0 {
				putU32(machView, off+offStroff, fo+delta)
			}
		case types.LC_DYSYMTAB:
			if fo := u32(machView, off+offExtreloff); fo != 0 {
				putU32(machView, off+offExtreloff, fo+delta)
			}
			putU32(machView, off+offLocreloff, 0)
			putU32(machView, off+offNlocrel, 0)
		}

		off += size
	}
	return nil
}

// ConvertRelocToFixup converts one preserved local relocation's already-
// linked absolute pointer value into a DYLD_CHAINED_PTR_64_KERNEL_CACHE
// rebase entry (spec.md §4.5.4 adapted to a chained-fixup target instead
// of a classic relocation): target is the pointer's final linked address,
// expressed relative to the kernel cache's own load address the chained
// fixup format encodes against.
func ConvertRelocToFixup(buf []byte, bo binary.ByteOrder, pageContentStart uint64, pageStart *fixupchains.DCPtrStart, pageOffset uint16, linkedTarget, kernelCacheBase uint64) error {
	if linkedTarget < kernelCacheBase {
		return result.New(result.InvalidParameter, "relocation target precedes the kernel cache base")
	}
	target := uint32(linkedTarget - kernelCacheBase)
	return fixupchains.SpliceX86_64KernelCacheRebase(buf, bo, pageContentStart, pageStart, pageOffset, target)
}

// IndexFixups implements KcKextIndexFixups: it walks every local
// relocation the linker preserved into a kext's rebuilt __LINKEDIT
// (x86_64PreserveRelocation — UNSIGNED relocations only, spec.md §4.5.4)
// and splices each into the collection-wide chained-fixup page tables
// instead, since a Kernel Collection carries chained fixups rather than
// classic relocations for its resident kexts.
func IndexFixups(ctx *linker.Context, dcf *fixupchains.DyldChainedFixups, segmentFileStart uint64, kernelCacheBase uint64, pageSize uint64) error {
	bo := binary.LittleEndian

	preserved, err := ctx.RelocateAndCopyRelocations(ctx.LocalRelocs)
	if err != nil {
		return err
	}

	for _, reloc := range preserved {
		if reloc.Extern {
			continue
		}
		siteOffset := uint64(ctx.RelocationBase) + uint64(reloc.Address)
		if int(siteOffset)+8 > len(ctx.Buffer) {
			return result.New(result.LoadError, "relocation site out of bounds")
		}
		linkedTarget := bo.Uint64(ctx.Buffer[siteOffset:])

		pageIndex := (siteOffset - segmentFileStart) / pageSize
		pageOffset := uint16((siteOffset - segmentFileStart) % pageSize)
		pageContentStart := segmentFileStart + pageIndex*pageSize

		// Every site is indexed against the table's first starts entry;
		// later entries are not consulted.
		if len(dcf.Starts) == 0 || len(dcf.Starts[0].PageStarts) == 0 {
			return result.New(result.LoadError, "relocation site has no chained-fixup page entry")
		}
		start := dcf.Starts[0]
		if int(pageIndex) >= len(start.PageStarts) {
			return result.New(result.LoadError, "relocation site falls outside the chained-fixup page table")
		}

		if err := ConvertRelocToFixup(ctx.Buffer, bo, pageContentStart, &start.PageStarts[pageIndex], pageOffset, linkedTarget, kernelCacheBase); err != nil {
			return err
		}
	}

	return nil
}
