package kernelcollection

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

	buf := make([]byte, machHeaderSize+sizeCmds)
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

func segmentCmd(fileOffset uint64, nsect uint32) rawCmd {
	size := segmentCmdSize + nsect*sectionEntrySize
	body := make([]byte, size-8)
	binary.LittleEndian.PutUint64(body[offSegFileoff-8:], fileOffset)
	binary.LittleEndian.PutUint32(body[offSegNsects-8:], nsect)
	if nsect > 0 {
		binary.LittleEndian.PutUint32(body[segmentCmdSize-8+offSecOffset:], uint32(fileOffset)+16)
	}
	return rawCmd{Type: types.LC_SEGMENT_64, Size: size, Body: body}
}

func symtabCmd(symoff, stroff uint32) rawCmd {
	body := make([]byte, symtabCmdSize-8)
	binary.LittleEndian.PutUint32(body[offSymoff-8:], symoff)
	binary.LittleEndian.PutUint32(body[offStroff-8:], stroff)
	return rawCmd{Type: types.LC_SYMTAB, Size: symtabCmdSize, Body: body}
}

func TestKextApplyFileDeltaSlidesSegmentAndSection(t *testing.T) {
	buf := buildRawHeader([]rawCmd{
		segmentCmd(0x1000, 1),
		symtabCmd(0x2000, 0x3000),
	})

	if err := KextApplyFileDelta(buf, 0x100); err != nil {
		t.Fatalf("KextApplyFileDelta: %v", err)
	}

	segOff := uint32(machHeaderSize)
	if got := u32(buf, segOff+offSegFileoff); got != 0x1100 {
		t.Errorf("segment fileoff = %#x, want 0x1100", got)
	}
	secOff := segOff + segmentCmdSize
	if got := u32(buf, secOff+offSecOffset); got != 0x1010+0x100 {
		t.Errorf("section offset = %#x, want %#x", got, 0x1010+0x100)
	}

	symOff := segOff + segmentCmdSize + sectionEntrySize
	if got := u32(buf, symOff+offSymoff); got != 0x2100 {
		t.Errorf("symoff = %#x, want 0x2100", got)
	}
	if got := u32(buf, symOff+offStroff); got != 0x3100 {
		t.Errorf("stroff = %#x, want 0x3100", got)
	}
}

func TestKextApplyFileDeltaLeavesZeroOffsetsAlone(t *testing.T) {
	buf := buildRawHeader([]rawCmd{segmentCmd(0, 0)})
	if err := KextApplyFileDelta(buf, 0x100); err != nil {
		t.Fatalf("KextApplyFileDelta: %v", err)
	}
	if got := u32(buf, machHeaderSize+offSegFileoff); got != 0 {
		t.Errorf("fileoff = %#x, want 0 (unslid)", got)
	}
}
