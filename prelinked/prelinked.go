// Package prelinked implements the prelinked-kernel container — both the
// legacy "__PRELINK_TEXT + detached KXLD state" layout and the Kernel
// Collection (MH_FILESET) layout — that kexts get injected into: locating
// room for a new kext's Info.plist and executable, linking the executable
// against the kernel and any already-injected dependency, and writing the
// finished bytes and bookkeeping plist entries back into the container.
package prelinked

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/acidkit/kextcache/kernelcollection"
	"github.com/acidkit/kextcache/kxldstate"
	"github.com/acidkit/kextcache/linker"
	"github.com/acidkit/kextcache/macho"
	"github.com/acidkit/kextcache/macho/fixupchains"
	"github.com/acidkit/kextcache/macho/types"
	"github.com/acidkit/kextcache/plist"
	"github.com/acidkit/kextcache/result"
	"github.com/acidkit/kextcache/version"
)

// kernelIdentifier is the pseudo-kext every real kext implicitly depends
// on first (linker/dependencies_test.go; PrelinkedKext.c's
// InternalScanPrelinkedKext always seeds dependency index 0 with it).
const kernelIdentifier = "kernel"

// machoAlign is the byte alignment every Info.plist and executable region
// in the container is rounded up to (MACHO_ALIGN).
const machoAlign = 8

func alignUp(v, align uint32) uint32 {
	if align == 0 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}

// firstSegment returns the container's first LC_SEGMENT_64, the region
// kernelcollection.IndexFixups indexes every injected kext's chained
// fixups against.
func firstSegment(f *macho.File) *macho.Segment {
	for _, l := range f.Loads {
		if seg, ok := l.(*macho.Segment); ok {
			return seg
		}
	}
	return nil
}

// Context is one open prelinked container: either a legacy prelinked
// kernel (__PRELINK_TEXT/__PRELINK_INFO/__PRELINK_STATE segments) or a
// Kernel Collection (a single MH_FILESET Mach-O whose constituent kexts
// are LC_FILESET_ENTRY load commands).
type Context struct {
	Buffer   []byte
	Size     uint32
	Capacity uint32
	Is32Bit  bool

	IsKernelCollection bool
	ByteOrder          binary.ByteOrder

	prelinkInfoSegOff uint32

	Bundles              []plist.Bundle
	PrelinkedLastAddress uint64

	reservedInfoSize uint32
	reservedExeSize  uint32

	nextExeOffset uint32
	nextExeAddr   uint64

	kexts      map[string]*linker.Kext
	kernelKext *linker.Kext

	// Kernel Collection only: the collection's chained-fixup page tables
	// and the segment/base every injected kext's local relocations are
	// indexed against (kernelcollection.IndexFixups).
	fixups           *fixupchains.DyldChainedFixups
	segmentFileStart uint64
	kernelCacheBase  uint64

	log logrus.FieldLogger
}

// Init parses buffer[:size] (capacity total bytes available to grow into)
// as a prelinked container (spec.md §4.1, PrelinkedContextInit): it
// locates the __PRELINK_INFO dictionary, seeds the kernel pseudo-kext at
// dependency index 0, and records the current high-water virtual address
// every injected kext's load address must clear.
func Init(buffer []byte, size, capacity uint32, is32bit bool, log logrus.FieldLogger) (*Context, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if size > uint32(len(buffer)) || capacity < size {
		return nil, result.New(result.InvalidParameter, "buffer/size/capacity mismatch")
	}

	f, err := macho.NewFile(bytes.NewReader(buffer[:size]))
	if err != nil {
		return nil, result.Wrap(result.LoadError, "parse container", err)
	}

	c := &Context{
		Buffer:             buffer,
		Size:               size,
		Capacity:           capacity,
		Is32Bit:            is32bit,
		IsKernelCollection: f.Type == types.MH_FILESET,
		ByteOrder:          f.ByteOrder,
		kexts:              make(map[string]*linker.Kext),
		kernelKext:         &linker.Kext{Identifier: kernelIdentifier},
		log:                log,
	}

	seg := f.Segment("__PRELINK_INFO")
	if seg == nil {
		return nil, result.New(result.NotFound, "__PRELINK_INFO segment")
	}
	segOff, ok, err := findSegmentCmd(buffer, "__PRELINK_INFO")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, result.New(result.NotFound, "__PRELINK_INFO load command")
	}
	c.prelinkInfoSegOff = segOff

	sec := f.Section("__PRELINK_INFO", "__info")
	if sec == nil {
		return nil, result.New(result.NotFound, "__PRELINK_INFO.__info section")
	}
	data, err := sec.Data()
	if err != nil {
		return nil, result.Wrap(result.LoadError, "read __PRELINK_INFO data", err)
	}

	var info plist.PrelinkInfo
	if len(bytes.TrimRight(data, "\x00")) > 0 {
		if err := plist.Decode(data, &info); err != nil {
			return nil, result.Wrap(result.LoadError, "decode __PRELINK_INFO", err)
		}
	}
	c.Bundles = info.PrelinkInfoDictionary

	if c.IsKernelCollection {
		if dcf, err := f.DyldChainedFixups(); err == nil {
			c.fixups = dcf
		}
		if firstSeg := firstSegment(f); firstSeg != nil {
			c.segmentFileStart = firstSeg.Offset
			c.kernelCacheBase = firstSeg.Addr
		}
	}

	hasKernel := false
	for i := range c.Bundles {
		b := &c.Bundles[i]
		if b.Identifier == kernelIdentifier {
			hasKernel = true
		}
		// A Kernel Collection never records a resident kext's size
		// directly; derive it the first time this bundle is seen.
		if c.IsKernelCollection && b.PrelinkExecutableSize == 0 && b.PrelinkExecutableLoadAddr != 0 {
			if size, err := kernelcollection.GetKextSize(f, uint64(b.PrelinkExecutableLoadAddr)); err == nil {
				b.PrelinkExecutableSize = plist.HexUint64(size)
			}
		}
		end := uint64(b.PrelinkExecutableLoadAddr) + uint64(b.PrelinkExecutableSize)
		if end > c.PrelinkedLastAddress {
			c.PrelinkedLastAddress = end
		}
	}
	if !hasKernel {
		kernelEntry := plist.Bundle{
			Identifier:        kernelIdentifier,
			CompatibleVersion: "0",
			OSKernelResource:  true,
		}
		c.Bundles = append([]plist.Bundle{kernelEntry}, c.Bundles...)
	}

	if c.PrelinkedLastAddress == 0 {
		c.PrelinkedLastAddress = seg.Addr
	}

	if darwin := version.ReadFromKernel(buffer[:size]); !darwin.IsZero() {
		log.WithField("darwin", darwin.String()).Debug("parsed container kernel version")
	}

	return c, nil
}

// ReserveKextSize rounds infoPlistSize and (when executable is injected)
// executableSize up to the container's alignment and accumulates them into
// the running reservation InjectPrepare will validate against remaining
// Capacity (spec.md §4.1, PrelinkedReserveKextSize).
func (c *Context) ReserveKextSize(infoPlistSize, executableSize uint32) (reservedInfoSize, reservedExeSize uint32, err error) {
	reservedInfoSize = alignUp(infoPlistSize, machoAlign)
	reservedExeSize = alignUp(executableSize, machoAlign)

	if uint64(c.Size)+uint64(c.reservedInfoSize)+uint64(reservedInfoSize)+
		uint64(c.reservedExeSize)+uint64(reservedExeSize) > uint64(c.Capacity) {
		return 0, 0, result.New(result.OutOfResources, "reservation exceeds container capacity")
	}

	c.reservedInfoSize += reservedInfoSize
	c.reservedExeSize += reservedExeSize
	return reservedInfoSize, reservedExeSize, nil
}

// InjectPrepare readies the container for the batch of injections whose
// sizes were accumulated via ReserveKextSize: in the legacy layout it
// reclaims the __PRELINK_INFO and __PRELINK_STATE segments' file backing
// (both are rebuilt wholesale by InjectComplete, so their stale bytes are
// dead weight); in a Kernel Collection it grows __LINKEDIT by
// linkedExpansion to carry the new chained-fixup page tables the injected
// kexts' relocations become.
func (c *Context) InjectPrepare(linkedExpansion uint32, reservedExeSize uint32) error {
	if reservedExeSize > c.reservedExeSize {
		return result.New(result.InvalidParameter, "reservedExeSize exceeds accumulated reservation")
	}

	if c.IsKernelCollection {
		linkEditOff, ok, err := findSegmentCmd(c.Buffer, "__LINKEDIT")
		if err != nil {
			return err
		}
		if !ok {
			return result.New(result.NotFound, "__LINKEDIT segment")
		}
		newFilesize := u64(c.Buffer, linkEditOff+offSegFilesize) + uint64(linkedExpansion)
		putU64(c.Buffer, linkEditOff+offSegFilesize, newFilesize)
		putU64(c.Buffer, linkEditOff+offSegVmsize, alignUp(uint32(newFilesize), 0x1000000))
	} else {
		for _, name := range []string{"__PRELINK_INFO", "__PRELINK_STATE"} {
			off, ok, err := findSegmentCmd(c.Buffer, name)
			if err != nil {
				return err
			}
			if ok {
				putU64(c.Buffer, off+offSegFilesize, 0)
			}
		}
	}

	c.nextExeOffset = c.Size
	c.nextExeAddr = c.PrelinkedLastAddress
	return nil
}

// resolveKext implements linker.KextResolver against this container's
// already-injected (or newly injected, within the same batch) kexts plus
// the kernel pseudo-kext, building Symbols/NumCxx lazily the first time a
// dependent needs them (InternalCachedPrelinkedKext64's lazy rebuild).
func (c *Context) resolveKext(id string) (*linker.Kext, bool) {
	if id == kernelIdentifier {
		return c.kernelKext, true
	}
	if k, ok := c.kexts[id]; ok {
		return k, true
	}
	return nil, false
}

// decodeBundlePlist decodes a kext's Info.plist into the subset of fields
// InjectKext needs (identifier, executable name, declared libraries).
func decodeBundlePlist(infoPlist []byte) (plist.Bundle, error) {
	var b plist.Bundle
	if err := plist.Decode(infoPlist, &b); err != nil {
		return b, result.Wrap(result.LoadError, "decode Info.plist", err)
	}
	return b, nil
}

// InjectKext links executable (if present) against the kernel and any
// already-injected dependency it declares, writes the result into the
// container's reserved executable region, and appends the kext's
// bookkeeping dictionary to Bundles (spec.md §4.1, PrelinkedInjectKext /
// InternalPrelinkKext64 one level up — the dependency-resolution and
// load-address bookkeeping half; the byte-level relink itself is
// linker.Context.LinkKext).
func (c *Context) InjectKext(id, bundlePath string, infoPlist []byte, execPath string, executable []byte) error {
	bundle, err := decodeBundlePlist(infoPlist)
	if err != nil {
		return err
	}
	if id == "" {
		id = bundle.Identifier
	}
	bundle.Identifier = id
	bundle.PrelinkBundlePath = bundlePath
	if execPath != "" {
		bundle.PrelinkExecutableRelPath = execPath
	}

	if len(executable) > 0 {
		loadAddress := c.nextExeAddr

		kext := &linker.Kext{Identifier: id}
		libs := make([]string, 0, len(bundle.OSBundleLibraries))
		for lib := range bundle.OSBundleLibraries {
			libs = append(libs, lib)
		}
		if err := linker.ResolveDependencies(kext, libs, c.kernelKext, c.resolveKext); err != nil {
			return err
		}

		buf := append([]byte(nil), executable...)
		lctx, err := linker.NewContext(buf, kext)
		if err != nil {
			return err
		}
		if err := lctx.LinkKext(loadAddress); err != nil {
			return err
		}

		linkedSize := alignUp(uint32(len(lctx.Buffer)), machoAlign)
		if uint64(c.nextExeOffset)+uint64(linkedSize) > uint64(c.Capacity) {
			return result.New(result.OutOfResources, "no reserved room for linked executable")
		}

		dest := c.Buffer[c.nextExeOffset : c.nextExeOffset+linkedSize]
		for i := range dest {
			dest[i] = 0
		}
		copy(dest, lctx.Buffer)

		if linked, err := macho.NewFile(bytes.NewReader(lctx.Buffer)); err == nil && linked.Symtab != nil {
			if syms, numCxx, err := linker.BuildLinkedSymbolTable(linked.Symtab.Syms, nil); err == nil {
				kext.Symbols, kext.NumCxx = syms, numCxx
			}
		}
		c.kexts[id] = kext

		if c.IsKernelCollection {
			if c.fixups != nil && len(c.fixups.Starts) > 0 && c.fixups.Starts[0].PageSize > 0 {
				spliced := *lctx
				spliced.Buffer = c.Buffer
				spliced.RelocationBase = c.nextExeOffset + lctx.RelocationBase
				pageSize := uint64(c.fixups.Starts[0].PageSize)
				if err := kernelcollection.IndexFixups(&spliced, c.fixups, c.segmentFileStart, c.kernelCacheBase, pageSize); err != nil {
					return err
				}
			}
			if err := kernelcollection.KextApplyFileDelta(dest, c.nextExeOffset); err != nil {
				return err
			}

			raw := encodeFilesetEntryCmd(c.ByteOrder, loadAddress, uint64(c.nextExeOffset), id)
			if err := appendLoadCommand(c.Buffer, raw); err != nil {
				return err
			}
		}

		bundle.PrelinkExecutableSourceAddr = plist.HexUint64(loadAddress)
		bundle.PrelinkExecutableLoadAddr = plist.HexUint64(loadAddress)
		bundle.PrelinkExecutableSize = plist.HexUint64(uint64(linkedSize))

		c.nextExeOffset += linkedSize
		c.nextExeAddr += uint64(linkedSize)
		if c.nextExeAddr > c.PrelinkedLastAddress {
			c.PrelinkedLastAddress = c.nextExeAddr
		}
	}

	c.Bundles = append(c.Bundles, bundle)
	return nil
}

// InjectComplete re-encodes the accumulated Bundles dictionary into the
// container's __PRELINK_INFO region and, in the legacy layout, relocates
// any detached KXLD link state blocks the grown container displaced
// (spec.md §4.1, PrelinkedInjectComplete / InternalCreatePrelinkedKernel's
// final plist-rebuild step).
func (c *Context) InjectComplete() error {
	delta := int64(c.nextExeOffset) - int64(c.Size)
	if !c.IsKernelCollection && delta != 0 {
		kxldstate.RebasePrelinkLinkState(c.Bundles, delta)
	}

	encoded, err := plist.Encode(plist.PrelinkInfo{PrelinkInfoDictionary: c.Bundles})
	if err != nil {
		return result.Wrap(result.LoadError, "encode __PRELINK_INFO", err)
	}
	if uint32(len(encoded)) > c.reservedInfoSize+1 {
		return result.New(result.BufferTooSmall, "__PRELINK_INFO dictionary exceeds its reservation")
	}

	off, ok, err := findSegmentCmd(c.Buffer, "__PRELINK_INFO")
	if err != nil {
		return err
	}
	if !ok {
		return result.New(result.NotFound, "__PRELINK_INFO segment")
	}
	fileOff := u64(c.Buffer, off+offSegFileoff)
	filesz := u64(c.Buffer, off+offSegFilesize)
	if uint64(len(encoded)) > filesz {
		putU64(c.Buffer, off+offSegFilesize, uint64(len(encoded)))
		putU64(c.Buffer, off+offSegVmsize, alignUp(uint32(len(encoded)), 0x1000))
	}
	dest := c.Buffer[fileOff : fileOff+uint64(len(encoded))]
	copy(dest, encoded)

	if c.nextExeOffset > c.Size {
		c.Size = c.nextExeOffset
	}
	return nil
}

// RebuildMachHeader finalises a Kernel Collection's mach_header_64 after a
// batch of fileset-entry injections (spec.md §4.1, KcRebuildMachHeader):
// the load command array is checked against the space still free before
// the first segment's file content, and adjoining __REGION segments are
// merged when it does not fit; then the __PRELINK_INFO segment command is
// renamed to __KREMLIN_START. Only the segment name changes: the segment
// is not moved, and its sections keep their names.
func (c *Context) RebuildMachHeader() error {
	if !c.IsKernelCollection {
		return result.New(result.Unsupported, "RebuildMachHeader is a Kernel Collection operation")
	}

	firstOff, err := firstSegmentFileOffset(c.Buffer)
	if err != nil || endOfLoadCommands(c.Buffer) > firstOff {
		if mergeErr := c.mergeRegionSegments(); mergeErr != nil {
			return result.New(result.Unsupported, fmt.Sprintf("load commands do not fit: %v", mergeErr))
		}
	}

	off, ok, err := findSegmentCmd(c.Buffer, "__PRELINK_INFO")
	if err != nil {
		return err
	}
	if ok {
		renameSegment(c.Buffer, off, "__KREMLIN_START")
	}
	return nil
}

// mergeRegionSegments folds adjoining SEGMENT_64 commands whose name
// starts with "__REGION" into a single command, freeing load-command
// slots when RebuildMachHeader finds the array doesn't fit (spec.md
// §4.1's MergeSegments fallback).
func (c *Context) mergeRegionSegments() error {
	cmds, err := walkLoadCommands(c.Buffer)
	if err != nil {
		return err
	}

	var firstOff uint32
	haveFirst := false
	drop := make(map[uint32]bool)
	for _, cmd := range cmds {
		if cmd.Type != types.LC_SEGMENT_64 {
			continue
		}
		name := segmentName(c.Buffer, cmd.Offset)
		if len(name) < 8 || name[:8] != "__REGION" {
			continue
		}
		if !haveFirst {
			firstOff, haveFirst = cmd.Offset, true
			continue
		}
		newEnd := u64(c.Buffer, cmd.Offset+offSegFileoff) + u64(c.Buffer, cmd.Offset+offSegFilesize)
		firstEnd := u64(c.Buffer, firstOff+offSegFileoff) + u64(c.Buffer, firstOff+offSegFilesize)
		if newEnd > firstEnd {
			putU64(c.Buffer, firstOff+offSegFilesize, newEnd-u64(c.Buffer, firstOff+offSegFileoff))
			newVmEnd := u64(c.Buffer, cmd.Offset+offSegVmaddr) + u64(c.Buffer, cmd.Offset+offSegVmsize)
			firstVmEnd := u64(c.Buffer, firstOff+offSegVmaddr) + u64(c.Buffer, firstOff+offSegVmsize)
			if newVmEnd > firstVmEnd {
				putU64(c.Buffer, firstOff+offSegVmsize, newVmEnd-u64(c.Buffer, firstOff+offSegVmaddr))
			}
		}
		drop[cmd.Offset] = true
	}
	if !haveFirst {
		return result.New(result.NotFound, "no __REGION* segments to merge")
	}
	return c.compactDropped(cmds, drop)
}

// compactDropped removes the load commands at the offsets named by drop
// and shifts the remainder down, mirroring linker/segment.go's
// stripLoadCommands compaction.
func (c *Context) compactDropped(cmds []loadCommand, drop map[uint32]bool) error {
	write := uint32(machHeaderSize)
	kept := uint32(0)
	for _, cmd := range cmds {
		if drop[cmd.Offset] {
			continue
		}
		if write != cmd.Offset {
			copy(c.Buffer[write:write+cmd.Size], c.Buffer[cmd.Offset:cmd.Offset+cmd.Size])
		}
		write += cmd.Size
		kept++
	}
	putU32(c.Buffer, offNCommands, kept)
	putU32(c.Buffer, offSizeCmds, write-machHeaderSize)
	return nil
}
