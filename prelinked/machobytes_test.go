package prelinked

import (
	"encoding/binary"
	"testing"

	"github.com/acidkit/kextcache/macho/types"
)

type rawCmd struct {
	Type types.LoadCmd
	Size uint32
	Body []byte
}

func buildRawHeader(cmds []rawCmd) []byte {
	sizeCmds := uint32(0)
	for _, c := range cmds {
		sizeCmds += c.Size
	}

	// Leave slack past the load commands for appendLoadCommand tests.
	buf := make([]byte, machHeaderSize+sizeCmds+256)
	putU32(buf, offSizeCmds, sizeCmds)
	putU32(buf, offNCommands, uint32(len(cmds)))

	off := uint32(machHeaderSize)
	for _, c := range cmds {
		putU32(buf, off+offCmd, uint32(c.Type))
		putU32(buf, off+offCmdsize, c.Size)
		copy(buf[off+8:off+c.Size], c.Body)
		off += c.Size
	}
	return buf
}

func segmentCmd(name string, fileOffset uint64) rawCmd {
	body := make([]byte, segmentCmdSize-8)
	copy(body[0:16], name)
	putU64(body, offSegFileoff-8, fileOffset)
	return rawCmd{Type: types.LC_SEGMENT_64, Size: segmentCmdSize, Body: body}
}

func TestFindSegmentCmd(t *testing.T) {
	buf := buildRawHeader([]rawCmd{
		segmentCmd("__TEXT", 0x1000),
		segmentCmd("__PRELINK_INFO", 0x2000),
	})

	off, ok, err := findSegmentCmd(buf, "__PRELINK_INFO")
	if err != nil || !ok {
		t.Fatalf("findSegmentCmd: ok=%v err=%v", ok, err)
	}
	if off != machHeaderSize+segmentCmdSize {
		t.Errorf("offset = %d, want %d", off, machHeaderSize+segmentCmdSize)
	}

	if _, ok, err := findSegmentCmd(buf, "__NOPE"); err != nil || ok {
		t.Errorf("findSegmentCmd(__NOPE) = ok=%v err=%v, want ok=false err=nil", ok, err)
	}
}

func TestFirstSegmentFileOffset(t *testing.T) {
	buf := buildRawHeader([]rawCmd{
		segmentCmd("__TEXT", 0x4000),
		segmentCmd("__PRELINK_INFO", 0x1000),
	})

	off, err := firstSegmentFileOffset(buf)
	if err != nil {
		t.Fatalf("firstSegmentFileOffset: %v", err)
	}
	if off != 0x1000 {
		t.Errorf("off = %#x, want 0x1000", off)
	}
}

func TestAppendLoadCommand(t *testing.T) {
	buf := buildRawHeader([]rawCmd{
		segmentCmd("__TEXT", machHeaderSize+segmentCmdSize+256),
	})

	before := u32(buf, offNCommands)
	raw := encodeFilesetEntryCmd(binary.LittleEndian, 0x1000, 0x2000, "com.example.kext")
	if err := appendLoadCommand(buf, raw); err != nil {
		t.Fatalf("appendLoadCommand: %v", err)
	}
	if got := u32(buf, offNCommands); got != before+1 {
		t.Errorf("ncommands = %d, want %d", got, before+1)
	}

	cmds, err := walkLoadCommands(buf)
	if err != nil {
		t.Fatalf("walkLoadCommands: %v", err)
	}
	last := cmds[len(cmds)-1]
	if last.Type != types.LC_FILESET_ENTRY {
		t.Errorf("last command type = %v, want LC_FILESET_ENTRY", last.Type)
	}
}

func TestRenameSegment(t *testing.T) {
	buf := buildRawHeader([]rawCmd{segmentCmd("__PRELINK_INFO", 0x1000)})
	off, ok, err := findSegmentCmd(buf, "__PRELINK_INFO")
	if err != nil || !ok {
		t.Fatalf("findSegmentCmd: ok=%v err=%v", ok, err)
	}

	renameSegment(buf, off, "__KREMLIN_START")

	if _, ok, _ := findSegmentCmd(buf, "__PRELINK_INFO"); ok {
		t.Error("old name still matches after rename")
	}
	if _, ok, err := findSegmentCmd(buf, "__KREMLIN_START"); err != nil || !ok {
		t.Errorf("renamed segment not found: ok=%v err=%v", ok, err)
	}
}
