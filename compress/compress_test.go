package compress

import (
	"bytes"
	"testing"
)

func TestZLIBRoundTrip(t *testing.T) {
	original := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog"), 50)

	compressed, err := EncodeZLIB(original)
	if err != nil {
		t.Fatalf("EncodeZLIB: %v", err)
	}
	if len(compressed) >= len(original) {
		t.Fatalf("expected compression to shrink repetitive input")
	}

	decompressed, err := DecodeZLIB(compressed, len(original))
	if err != nil {
		t.Fatalf("DecodeZLIB: %v", err)
	}
	if !bytes.Equal(decompressed, original) {
		t.Fatalf("round trip mismatch")
	}
}

func TestAdler32Known(t *testing.T) {
	// "Wikipedia" -> 0x11E60398, the textbook Adler-32 worked example.
	if got := Adler32([]byte("Wikipedia")); got != 0x11E60398 {
		t.Errorf("Adler32(\"Wikipedia\") = %#x, want 0x11e60398", got)
	}
}

func TestLZSSLiteralOnly(t *testing.T) {
	// flag byte 0xFF (8 literal bits) followed by 8 literal bytes.
	src := append([]byte{0xFF}, []byte("ABCDEFGH")...)
	dst, err := DecodeLZSS(src, 8)
	if err != nil {
		t.Fatalf("DecodeLZSS: %v", err)
	}
	if string(dst) != "ABCDEFGH" {
		t.Errorf("DecodeLZSS() = %q", dst)
	}
}

func TestLZSSShortBuffer(t *testing.T) {
	if _, err := DecodeLZSS(nil, 4); err != ErrShortBuffer {
		t.Errorf("expected ErrShortBuffer, got %v", err)
	}
}
