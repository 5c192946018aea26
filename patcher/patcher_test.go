package patcher

import (
	"bytes"
	"testing"

	"github.com/acidkit/kextcache/internal/kmod"
	"github.com/acidkit/kextcache/internal/testmacho"
)

const loadAddr = 0xFFFFFF7F80000000

func buildKext(text []byte, syms []testmacho.Symbol) ([]byte, *testmacho.Result) {
	res := testmacho.Build(testmacho.Builder{
		LoadAddr: loadAddr,
		Text:     text,
		Symbols:  syms,
	})
	return res.Buf, &res
}

func TestFromBuffer(t *testing.T) {
	buf, _ := buildKext(make([]byte, 0x40), nil)

	ctx, err := FromBuffer(buf)
	if err != nil {
		t.Fatalf("FromBuffer: %v", err)
	}
	if ctx.VirtualBase != loadAddr {
		t.Errorf("VirtualBase = %#x, want %#x", ctx.VirtualBase, loadAddr)
	}
}

func TestApplyUnconditionalCopy(t *testing.T) {
	text := make([]byte, 0x40)
	buf, _ := buildKext(text, []testmacho.Symbol{{Name: "_target", Offset: 0x10, Ext: true}})

	ctx, err := FromBuffer(buf)
	if err != nil {
		t.Fatalf("FromBuffer: %v", err)
	}

	n, err := ctx.Apply(GenericPatch{
		Base:    "_target",
		Replace: []byte{0xDE, 0xAD, 0xBE, 0xEF},
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if n != 1 {
		t.Errorf("Apply returned %d, want 1", n)
	}

	addr, err := ctx.MachO.FindSymbolAddress("_target")
	if err != nil {
		t.Fatalf("FindSymbolAddress: %v", err)
	}
	off := addr - ctx.VirtualBase
	got := ctx.Buffer[off : off+4]
	want := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	if !bytes.Equal(got, want) {
		t.Errorf("patched bytes = %#x, want %#x", got, want)
	}
}

func TestApplyFindReplace(t *testing.T) {
	text := []byte("AAAA BBBB CCCC BBBB DDDD")
	buf, _ := buildKext(text, nil)

	ctx, err := FromBuffer(buf)
	if err != nil {
		t.Fatalf("FromBuffer: %v", err)
	}

	n, err := ctx.Apply(GenericPatch{
		Find:    []byte("BBBB"),
		Replace: []byte("ZZZZ"),
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if n != 2 {
		t.Errorf("Apply replaced %d occurrences, want 2", n)
	}

	want := []byte("AAAA ZZZZ CCCC ZZZZ DDDD")
	got := ctx.Buffer[len(ctx.Buffer)-len(text):]
	if !bytes.Equal(got, want) {
		t.Errorf("buffer tail = %q, want %q", got, want)
	}
}

func TestApplyFindReplaceSkipAndCount(t *testing.T) {
	text := []byte("BBBB BBBB BBBB BBBB")
	buf, _ := buildKext(text, nil)

	ctx, err := FromBuffer(buf)
	if err != nil {
		t.Fatalf("FromBuffer: %v", err)
	}

	n, err := ctx.Apply(GenericPatch{
		Find:    []byte("BBBB"),
		Replace: []byte("ZZZZ"),
		Skip:    1,
		Count:   1,
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if n != 1 {
		t.Errorf("Apply replaced %d occurrences, want 1", n)
	}

	want := []byte("BBBB ZZZZ BBBB BBBB")
	got := ctx.Buffer[len(ctx.Buffer)-len(text):]
	if !bytes.Equal(got, want) {
		t.Errorf("buffer tail = %q, want %q", got, want)
	}
}

func TestApplyPatternNotFound(t *testing.T) {
	text := []byte("no match here")
	buf, _ := buildKext(text, nil)

	ctx, err := FromBuffer(buf)
	if err != nil {
		t.Fatalf("FromBuffer: %v", err)
	}

	if _, err := ctx.Apply(GenericPatch{Find: []byte("xyz")}); err == nil {
		t.Fatal("expected not-found error")
	}
}

func TestApplyMaskedPattern(t *testing.T) {
	// mov eax, imm32 (0xB8) with an arbitrary immediate: the mask ignores
	// the immediate, and the replace mask rewrites only its low byte.
	text := []byte{0xB8, 0x01, 0x00, 0x00, 0x00, 0xC3}
	buf, _ := buildKext(text, nil)

	ctx, err := FromBuffer(buf)
	if err != nil {
		t.Fatalf("FromBuffer: %v", err)
	}

	n, err := ctx.Apply(GenericPatch{
		Find:        []byte{0xB8, 0x00, 0x00, 0x00, 0x00},
		Mask:        []byte{0xFF, 0x00, 0x00, 0x00, 0x00},
		Replace:     []byte{0x00, 0xAF, 0x00, 0x00, 0x00},
		ReplaceMask: []byte{0x00, 0xFF, 0x00, 0x00, 0x00},
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if n != 1 {
		t.Errorf("Apply replaced %d occurrences, want 1", n)
	}

	want := []byte{0xB8, 0xAF, 0x00, 0x00, 0x00, 0xC3}
	got := ctx.Buffer[len(ctx.Buffer)-len(text):]
	if !bytes.Equal(got, want) {
		t.Errorf("buffer tail = %#x, want %#x", got, want)
	}
}

func TestBlock(t *testing.T) {
	// Lay out: [kmod_info][start stub] back to back within __text.
	kmodOff := uint32(0)
	stubOff := uint32(kmod.Size)

	text := make([]byte, int(stubOff)+6)
	res := testmacho.Build(testmacho.Builder{LoadAddr: loadAddr, Text: text})
	stubAddr := res.TextAddr(loadAddr, stubOff)

	kmod.PutAddress(text, int(kmodOff), loadAddr)
	kmod.PutHeaderSize(text, int(kmodOff), 0)
	kmod.PutSize(text, int(kmodOff), uint64(len(text)))
	binaryPutUint64(text, int(kmodOff)+kmod.OffsetStartAddr, stubAddr)
	copy(text[stubOff:], []byte{0x55, 0x48, 0x89, 0xE5, 0x00, 0x00}) // dummy prologue to be overwritten

	// Text mutated in place above; rebuild so the buffer carries the final bytes.
	res = testmacho.Build(testmacho.Builder{LoadAddr: loadAddr, Text: text})

	ctx, err := FromBuffer(res.Buf)
	if err != nil {
		t.Fatalf("FromBuffer: %v", err)
	}
	ctx.VirtualKmod = ctx.VirtualBase + uint64(res.TextFileOffset) + uint64(kmodOff)

	if err := ctx.Block(); err != nil {
		t.Fatalf("Block: %v", err)
	}

	stubFileOff := len(ctx.Buffer) - 6
	want := []byte{0xB8, kmodReturnFailure, 0x00, 0x00, 0x00, 0xC3}
	got := ctx.Buffer[stubFileOff:]
	if !bytes.Equal(got, want) {
		t.Errorf("stub = %#x, want %#x", got, want)
	}
}

func binaryPutUint64(b []byte, off int, v uint64) {
	for i := 0; i < 8; i++ {
		b[off+i] = byte(v >> (8 * i))
	}
}
