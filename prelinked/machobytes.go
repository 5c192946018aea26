package prelinked

import (
	"encoding/binary"

	"github.com/acidkit/kextcache/macho/types"
	"github.com/acidkit/kextcache/result"
)

// Raw on-disk byte layout of the container's mach_header_64 and the load
// commands Context mutates directly in Buffer, the same direct-byte
// approach linker/machobytes.go uses for a single kext's header — here
// applied to the whole prelinked container or kernel collection.
const (
	machHeaderSize = 32
	offMagic       = 0
	offNCommands   = 16
	offSizeCmds    = 20
	offFlags       = 24

	offCmd     = 0
	offCmdsize = 4

	segmentCmdSize = 72
	offSegName     = 8
	offSegVmaddr   = 24
	offSegVmsize   = 32
	offSegFileoff  = 40
	offSegFilesize = 48
	offSegMaxprot  = 56
	offSegInitprot = 60
	offSegNsects   = 64
	offSegFlags    = 68

	filesetEntryCmdSize = 32
	offFsAddr           = 8
	offFsOffset         = 16
	offFsEntryID        = 24
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
// walking the container's load command array.
type loadCommand struct {
	Type   types.LoadCmd
	Offset uint32
	Size   uint32
}

func walkLoadCommands(buf []byte) ([]loadCommand, error) {
	nCmds := u32(buf, offNCommands)
	off := uint32(machHeaderSize)

	out := make([]loadCommand, 0, nCmds)
	for i := uint32(0); i < nCmds; i++ {
		if int(off)+8 > len(buf) {
			return nil, result.New(result.LoadError, "load command array out of bounds")
		}
		size := u32(buf, off+offCmdsize)
		if size < 8 || int(off)+int(size) > len(buf) {
			return nil, result.New(result.LoadError, "malformed load command size")
		}
		out = append(out, loadCommand{
			Type:   types.LoadCmd(u32(buf, off+offCmd)),
			Offset: off,
			Size:   size,
		})
		off += size
	}
	return out, nil
}

func segmentName(buf []byte, cmdOffset uint32) string {
	raw := buf[cmdOffset+offSegName : cmdOffset+offSegName+16]
	n := 0
	for n < len(raw) && raw[n] != 0 {
		n++
	}
	return string(raw[:n])
}

func findSegmentCmd(buf []byte, name string) (uint32, bool, error) {
	cmds, err := walkLoadCommands(buf)
	if err != nil {
		return 0, false, err
	}
	for _, cmd := range cmds {
		if cmd.Type == types.LC_SEGMENT_64 && segmentName(buf, cmd.Offset) == name {
			return cmd.Offset, true, nil
		}
	}
	return 0, false, nil
}

// endOfLoadCommands returns the file offset just past the last load
// command, i.e. where a new one may be appended if room remains before
// the first segment's file content.
func endOfLoadCommands(buf []byte) uint32 {
	return machHeaderSize + u32(buf, offSizeCmds)
}

// firstSegmentFileOffset returns the lowest non-zero Offset field among the
// container's SEGMENT_64 commands, i.e. the point past which the load
// command array must not grow.
func firstSegmentFileOffset(buf []byte) (uint32, error) {
	cmds, err := walkLoadCommands(buf)
	if err != nil {
		return 0, err
	}
	min := ^uint32(0)
	for _, cmd := range cmds {
		if cmd.Type != types.LC_SEGMENT_64 {
			continue
		}
		off := uint32(u64(buf, cmd.Offset+offSegFileoff))
		if off != 0 && off < min {
			min = off
		}
	}
	if min == ^uint32(0) {
		return 0, result.New(result.NotFound, "no segment with a file offset")
	}
	return min, nil
}

// appendLoadCommand inserts raw (an already-encoded load command, padded to
// an 8-byte multiple by the caller) right after the last existing load
// command, bumping ncmds/sizeofcmds, provided the container has enough
// slack before its first segment's file content.
func appendLoadCommand(buf []byte, raw []byte) error {
	insertAt := endOfLoadCommands(buf)
	firstSeg, err := firstSegmentFileOffset(buf)
	if err != nil {
		return err
	}
	if int(insertAt)+len(raw) > int(firstSeg) {
		return result.New(result.BufferTooSmall, "no room to grow the load command array")
	}
	copy(buf[insertAt:insertAt+uint32(len(raw))], raw)
	putU32(buf, offNCommands, u32(buf, offNCommands)+1)
	putU32(buf, offSizeCmds, u32(buf, offSizeCmds)+uint32(len(raw)))
	return nil
}

// encodeFilesetEntryCmd lays out an LC_FILESET_ENTRY command the same way
// macho.FilesetEntry.Write does: a 32-byte fixed header followed by the
// NUL-terminated entry identifier, the whole thing padded to an 8-byte
// multiple.
func encodeFilesetEntryCmd(bo binary.ByteOrder, addr, fileOffset uint64, entryID string) []byte {
	idBytes := append([]byte(entryID), 0)
	size := uint32(filesetEntryCmdSize + len(idBytes))
	padded := (size + 7) &^ 7

	buf := make([]byte, padded)
	bo.PutUint32(buf[offCmd:], uint32(types.LC_FILESET_ENTRY))
	bo.PutUint32(buf[offCmdsize:], padded)
	bo.PutUint64(buf[offFsAddr:], addr)
	bo.PutUint64(buf[offFsOffset:], fileOffset)
	bo.PutUint32(buf[offFsEntryID:], filesetEntryCmdSize)
	copy(buf[filesetEntryCmdSize:], idBytes)
	return buf
}

// encodeSegmentCmd lays out a bare (zero-section) LC_SEGMENT_64 command.
func encodeSegmentCmd(bo binary.ByteOrder, name string, addr, size, fileOffset, fileSize uint64, maxprot, initprot types.VmProtection) []byte {
	buf := make([]byte, segmentCmdSize)
	bo.PutUint32(buf[offCmd:], uint32(types.LC_SEGMENT_64))
	bo.PutUint32(buf[offCmdsize:], segmentCmdSize)
	copy(buf[offSegName:offSegName+16], name)
	bo.PutUint64(buf[offSegVmaddr:], addr)
	bo.PutUint64(buf[offSegVmsize:], size)
	bo.PutUint64(buf[offSegFileoff:], fileOffset)
	bo.PutUint64(buf[offSegFilesize:], fileSize)
	bo.PutUint32(buf[offSegMaxprot:], uint32(maxprot))
	bo.PutUint32(buf[offSegInitprot:], uint32(initprot))
	bo.PutUint32(buf[offSegNsects:], 0)
	bo.PutUint32(buf[offSegFlags:], 0)
	return buf
}

// renameSegment rewrites a SEGMENT_64 command's 16-byte name field in
// place, used for the __PRELINK_INFO -> __KREMLIN_START rename KC mode
// performs once the segment has been relocated to the tail of the file.
func renameSegment(buf []byte, cmdOffset uint32, newName string) {
	var raw [16]byte
	copy(raw[:], newName)
	copy(buf[cmdOffset+offSegName:cmdOffset+offSegName+16], raw[:])
}
