package linker

import (
	"github.com/acidkit/kextcache/internal/kmod"
	"github.com/acidkit/kextcache/macho/types"
)

const (
	textSegProt = 0x1 | 0x4 // R | X
	dataSegProt = 0x1 | 0x2 // R | W
)

// finalizeSegments implements the segment/section slide of
// InternalPrelinkKext64: every section's address gets realigned against its
// own alignment after sliding by loadAddress, every segment's virtual
// address slides the same way and is reprotected by name (kxld_seg_set_vm_protections),
// and the largest (offset, size) pair observed becomes the binary's new
// file extent.
func (c *Context) finalizeSegments(loadAddress uint64) (segmentVmSizes uint64, maxFileOffset, maxFileSize uint32, err error) {
	cmds, err := c.walkLoadCommands()
	if err != nil {
		return 0, 0, 0, err
	}

	for _, cmd := range cmds {
		if cmd.Type != types.LC_SEGMENT_64 {
			continue
		}

		nsects := u32(c.Buffer, cmd.Offset+offSegNsects)
		secBase := cmd.Offset + segmentCmdSize
		for i := uint32(0); i < nsects; i++ {
			secOff := secBase + i*sectionEntrySize
			addr := u64(c.Buffer, secOff+offSecAddr)
			align := u32(c.Buffer, secOff+offSecAlign)
			slid := alignUp(addr+loadAddress, uint64(1)<<align)
			putU64(c.Buffer, secOff+offSecAddr, slid)
		}

		vmaddr := u64(c.Buffer, cmd.Offset+offSegVmaddr)
		putU64(c.Buffer, cmd.Offset+offSegVmaddr, vmaddr+loadAddress)

		name := segmentName(c.Buffer, cmd.Offset)
		prot := uint32(dataSegProt)
		if name == "__TEXT" {
			prot = textSegProt
		}
		putU32(c.Buffer, cmd.Offset+offSegMaxprot, prot)
		putU32(c.Buffer, cmd.Offset+offSegInitprot, prot)

		fileOff := uint32(u64(c.Buffer, cmd.Offset+offSegFileoff))
		fileSize := uint32(u64(c.Buffer, cmd.Offset+offSegFilesize))
		if fileOff > maxFileOffset {
			maxFileOffset = fileOff
			maxFileSize = fileSize
		}

		segmentVmSizes += u64(c.Buffer, cmd.Offset+offSegVmsize)
	}

	return segmentVmSizes, maxFileOffset, maxFileSize, nil
}

// populateKmodInfo implements spec.md §4.5.7: Address is set to the kext's
// final load address, HdrSize is zeroed (XNU never maps the Mach-O header
// into its own segment, so the true header size can't be recorded here —
// see OSKext::setVMAttributes), and Size becomes HdrSize plus the sum of
// every segment's slid vmsize.
func (c *Context) populateKmodInfo(offset uint32, loadAddress, segmentVmSizes uint64) {
	kmod.PutAddress(c.Buffer, int(offset), loadAddress)
	kmod.PutHeaderSize(c.Buffer, int(offset), 0)
	kmod.PutSize(c.Buffer, int(offset), segmentVmSizes)
}

// stripLoadCommands implements InternalStripLoadCommands64: it compacts the
// load command array in place, dropping every command in a fixed deny list
// — metadata a prelinked/KC-resident kext no longer needs, and whose file
// offsets would be invalidated by this very rebuild anyway.
func (c *Context) stripLoadCommands() error {
	strip := map[types.LoadCmd]bool{
		types.LC_CODE_SIGNATURE:      true,
		types.LC_DYLD_INFO:           true,
		types.LC_DYLD_INFO_ONLY:      true,
		types.LC_FUNCTION_STARTS:     true,
		types.LC_DATA_IN_CODE:        true,
		types.LC_DYLIB_CODE_SIGN_DRS: true,
	}

	cmds, err := c.walkLoadCommands()
	if err != nil {
		return err
	}

	nCmds := u32(c.Buffer, offNCommands)
	sizeCmds := u32(c.Buffer, offSizeCmds)

	writeOff := uint32(machHeaderSize)
	for _, cmd := range cmds {
		if strip[cmd.Type] {
			nCmds--
			sizeCmds -= cmd.Size
			continue
		}
		if writeOff != cmd.Offset {
			copy(c.Buffer[writeOff:writeOff+cmd.Size], c.Buffer[cmd.Offset:cmd.Offset+cmd.Size])
		}
		writeOff += cmd.Size
	}

	putU32(c.Buffer, offNCommands, nCmds)
	putU32(c.Buffer, offSizeCmds, sizeCmds)
	return nil
}
