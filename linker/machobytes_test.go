package linker

import (
	"testing"

	"github.com/acidkit/kextcache/macho/types"
)

// buildRawHeader assembles a minimal mach_header_64 plus load commands
// cmds describes, each (type, cmdsize, body) triple laid out back to
// back starting right after the header. body is padded/truncated to
// cmdsize-8.
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
	putU32(buf, offSizeCmds, sizeCmds)

	off := uint32(machHeaderSize)
	for _, c := range cmds {
		putU32(buf, off+offCmd, uint32(c.Type))
		putU32(buf, off+offCmdsize, c.Size)
		copy(buf[off+8:off+c.Size], c.Body)
		off += c.Size
	}
	return buf
}

func segmentCmd(name string, size uint32) rawCmd {
	body := make([]byte, segmentCmdSize-8)
	copy(body[0:16], name)
	return rawCmd{Type: types.LC_SEGMENT_64, Size: size, Body: body}
}

func TestWalkLoadCommands(t *testing.T) {
	buf := buildRawHeader([]rawCmd{
		segmentCmd("__TEXT", segmentCmdSize),
		segmentCmd("__LINKEDIT", segmentCmdSize),
		{Type: types.LC_SYMTAB, Size: symtabCmdSize, Body: nil},
	})
	c := &Context{Buffer: buf}

	cmds, err := c.walkLoadCommands()
	if err != nil {
		t.Fatalf("walkLoadCommands: %v", err)
	}
	if len(cmds) != 3 {
		t.Fatalf("len(cmds) = %d, want 3", len(cmds))
	}
	if cmds[2].Type != types.LC_SYMTAB {
		t.Errorf("cmds[2].Type = %v, want LC_SYMTAB", cmds[2].Type)
	}
}

func TestFindSegmentCmd(t *testing.T) {
	buf := buildRawHeader([]rawCmd{
		segmentCmd("__TEXT", segmentCmdSize),
		segmentCmd("__LINKEDIT", segmentCmdSize),
	})
	c := &Context{Buffer: buf}

	off, err := c.findSegmentCmd("__LINKEDIT")
	if err != nil {
		t.Fatalf("findSegmentCmd: %v", err)
	}
	if off != machHeaderSize+segmentCmdSize {
		t.Errorf("offset = %d, want %d", off, machHeaderSize+segmentCmdSize)
	}

	if _, err := c.findSegmentCmd("__NOPE"); err == nil {
		t.Error("expected an error for a segment that doesn't exist")
	}
}

func TestStripLoadCommandsRemovesDenyListAndCompacts(t *testing.T) {
	buf := buildRawHeader([]rawCmd{
		segmentCmd("__TEXT", segmentCmdSize),
		{Type: types.LC_CODE_SIGNATURE, Size: 16, Body: make([]byte, 8)},
		segmentCmd("__LINKEDIT", segmentCmdSize),
		{Type: types.LC_FUNCTION_STARTS, Size: 16, Body: make([]byte, 8)},
		{Type: types.LC_SYMTAB, Size: symtabCmdSize, Body: nil},
	})
	c := &Context{Buffer: buf}

	if err := c.stripLoadCommands(); err != nil {
		t.Fatalf("stripLoadCommands: %v", err)
	}

	if got := u32(c.Buffer, offNCommands); got != 3 {
		t.Errorf("ncmds = %d, want 3", got)
	}
	wantSizeCmds := uint32(2*segmentCmdSize + symtabCmdSize)
	if got := u32(c.Buffer, offSizeCmds); got != wantSizeCmds {
		t.Errorf("sizeofcmds = %d, want %d", got, wantSizeCmds)
	}

	cmds, err := c.walkLoadCommands()
	if err != nil {
		t.Fatalf("walkLoadCommands after strip: %v", err)
	}
	for _, cmd := range cmds {
		if cmd.Type == types.LC_CODE_SIGNATURE || cmd.Type == types.LC_FUNCTION_STARTS {
			t.Errorf("stripped command type %v is still present", cmd.Type)
		}
	}
	if len(cmds) != 3 {
		t.Fatalf("len(cmds) after strip = %d, want 3", len(cmds))
	}
	if cmds[1].Type != types.LC_SEGMENT_64 || segmentName(c.Buffer, cmds[1].Offset) != "__LINKEDIT" {
		t.Errorf("__LINKEDIT segment should have slid into the second slot after compaction")
	}
}
