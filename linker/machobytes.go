package linker

import (
	"encoding/binary"

	"github.com/acidkit/kextcache/macho/types"
	"github.com/acidkit/kextcache/result"
)

// Raw on-disk byte layout of the mach_header_64 and the load commands this
// package patches or strips directly in Context.Buffer, bypassing macho.File
// (whose decoded Load values are copies, not views into the buffer).
const (
	machHeaderSize = 32
	offNCommands   = 16
	offSizeCmds    = 20
	offFlags       = 24

	offCmd     = 0
	offCmdsize = 4

	symtabCmdSize    = 24
	offSymoff        = 8
	offNsyms         = 12
	offStroff        = 16
	offStrsize       = 20
	dysymtabCmdSize  = 80
	offIlocalsym     = 8
	offNlocalsym     = 12
	offIextdefsym    = 16
	offNextdefsym    = 20
	offIundefsym     = 24
	offNundefsym     = 28
	offIndirectOff   = 56
	offNindirect     = 60
	offExtreloff     = 64
	offNextrel       = 68
	offLocreloff     = 72
	offNlocrel       = 76
	segmentCmdSize   = 72
	offSegVmaddr     = 24
	offSegVmsize     = 32
	offSegFileoff    = 40
	offSegFilesize   = 48
	offSegMaxprot    = 56
	offSegInitprot   = 60
	offSegNsects     = 64
	sectionEntrySize = 80
	offSecAddr       = 32
	offSecSize       = 40
	offSecOffset     = 48
	offSecAlign      = 52
)

func u32(buf []byte, off uint32) uint32 { return binary.LittleEndian.Uint32(buf[off:]) }
func putU32(buf []byte, off uint32, v uint32) {
	binary.LittleEndian.PutUint32(buf[off:], v)
}
func u64(buf []byte, off uint32) uint64 { return binary.LittleEndian.Uint64(buf[off:]) }
func putU64(buf []byte, off uint32, v uint64) {
	binary.LittleEndian.PutUint64(buf[off:], v)
}

// loadCommand is one raw (type, file offset, size) triple discovered while
// walking the load command array in Context.Buffer.
type loadCommand struct {
	Type   types.LoadCmd
	Offset uint32
	Size   uint32
}

// walkLoadCommands yields every load command in c.Buffer in file order.
func (c *Context) walkLoadCommands() ([]loadCommand, error) {
	nCmds := u32(c.Buffer, offNCommands)
	off := uint32(machHeaderSize)

	out := make([]loadCommand, 0, nCmds)
	for i := uint32(0); i < nCmds; i++ {
		if int(off)+8 > len(c.Buffer) {
			return nil, result.New(result.LoadError, "load command array out of bounds")
		}
		size := u32(c.Buffer, off+offCmdsize)
		if size < 8 || int(off)+int(size) > len(c.Buffer) {
			return nil, result.New(result.LoadError, "malformed load command size")
		}
		out = append(out, loadCommand{
			Type:   types.LoadCmd(u32(c.Buffer, off+offCmd)),
			Offset: off,
			Size:   size,
		})
		off += size
	}
	return out, nil
}

func (c *Context) findSymtabCmd() (uint32, error) {
	cmds, err := c.walkLoadCommands()
	if err != nil {
		return 0, err
	}
	for _, cmd := range cmds {
		if cmd.Type == types.LC_SYMTAB {
			return cmd.Offset, nil
		}
	}
	return 0, result.New(result.NotFound, "LC_SYMTAB")
}

func (c *Context) findDysymtabCmd() (uint32, error) {
	cmds, err := c.walkLoadCommands()
	if err != nil {
		return 0, err
	}
	for _, cmd := range cmds {
		if cmd.Type == types.LC_DYSYMTAB {
			return cmd.Offset, nil
		}
	}
	return 0, result.New(result.NotFound, "LC_DYSYMTAB")
}

// segmentName reads the 16-byte, NUL-padded segname field of the
// segment_command_64 at cmdOffset.
func segmentName(buf []byte, cmdOffset uint32) string {
	const nameOff, nameLen = 8, 16
	raw := buf[cmdOffset+nameOff : cmdOffset+nameOff+nameLen]
	n := 0
	for n < len(raw) && raw[n] != 0 {
		n++
	}
	return string(raw[:n])
}

// findSegmentCmd locates the segment_command_64 named name.
func (c *Context) findSegmentCmd(name string) (uint32, error) {
	cmds, err := c.walkLoadCommands()
	if err != nil {
		return 0, err
	}
	for _, cmd := range cmds {
		if cmd.Type == types.LC_SEGMENT_64 && segmentName(c.Buffer, cmd.Offset) == name {
			return cmd.Offset, nil
		}
	}
	return 0, result.New(result.NotFound, "segment "+name)
}
