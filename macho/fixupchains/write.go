package fixupchains

import (
	"encoding/binary"
	"fmt"

	"github.com/acidkit/kextcache/macho/types"
)

// EncodeKernelCacheRebase packs an 8-byte DYLD_CHAINED_PTR_X86_64_KERNEL_CACHE
// / DYLD_CHAINED_PTR_64_KERNEL_CACHE rebase entry (cache level 0, no pointer
// authentication — the only shape a kext injection ever produces) and writes
// it at buf[offset:offset+8].
func EncodeKernelCacheRebase(buf []byte, bo binary.ByteOrder, offset uint64, target uint32, next uint16) {
	v := types.NewDyldChainedPtr64KernelCacheRebase(target, next)
	bo.PutUint64(buf[offset:offset+8], uint64(v))
}

// SpliceX86_64KernelCacheRebase inserts a new rebase fixup for the pointer
// slot newOffset bytes into a page (DYLD_CHAINED_PTR_X86_64_KERNEL_CACHE uses
// a 1-byte stride, so Next fields are plain byte distances) into the chain
// whose current head is *pageStart, relinking neighbors so the chain stays
// sorted by ascending in-page offset. This is the kernel-collection chained
// fixup analogue of splicing a new local relocation into a sorted relocation
// table: the new entry's Next absorbs whatever distance its predecessor used
// to point past it, and the predecessor's Next is shortened to reach the new
// entry instead.
func SpliceX86_64KernelCacheRebase(buf []byte, bo binary.ByteOrder, pageContentStart uint64, pageStart *DCPtrStart, newOffset uint16, target uint32) error {
	if int(pageContentStart)+int(newOffset)+8 > len(buf) {
		return fmt.Errorf("fixup slot at page offset %#x falls outside the page's backing buffer", newOffset)
	}

	readEntry := func(off uint16) DyldChainedPtr64KernelCacheRebase {
		raw := bo.Uint64(buf[pageContentStart+uint64(off):])
		return DyldChainedPtr64KernelCacheRebase{Pointer: raw, Fixup: pageContentStart + uint64(off)}
	}
	writeNext := func(off uint16, next uint16) {
		existing := readEntry(off)
		EncodeKernelCacheRebase(buf, bo, pageContentStart+uint64(off), uint32(existing.Target()), next)
	}

	if *pageStart == DYLD_CHAINED_PTR_START_NONE {
		EncodeKernelCacheRebase(buf, bo, pageContentStart+uint64(newOffset), target, 0)
		*pageStart = DCPtrStart(newOffset)
		return nil
	}

	head := uint16(*pageStart)
	if newOffset < head {
		EncodeKernelCacheRebase(buf, bo, pageContentStart+uint64(newOffset), target, head-newOffset)
		*pageStart = DCPtrStart(newOffset)
		return nil
	}
	if newOffset == head {
		return fmt.Errorf("a fixup already exists at page offset %#x", newOffset)
	}

	pred := head
	for {
		predNext := uint16(readEntry(pred).Next())
		if predNext == 0 {
			// pred is the tail of the chain; the new entry becomes the new tail.
			EncodeKernelCacheRebase(buf, bo, pageContentStart+uint64(newOffset), target, 0)
			writeNext(pred, newOffset-pred)
			return nil
		}
		succ := pred + predNext
		if newOffset == succ {
			return fmt.Errorf("a fixup already exists at page offset %#x", newOffset)
		}
		if newOffset < succ {
			EncodeKernelCacheRebase(buf, bo, pageContentStart+uint64(newOffset), target, succ-newOffset)
			writeNext(pred, newOffset-pred)
			return nil
		}
		pred = succ
	}
}
