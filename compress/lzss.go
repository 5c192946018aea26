package compress

// LZSS decompression for mkext v1 payloads. Apple's kext archive format
// uses the classic Haruhiko Okumura LZSS variant (ring buffer N=4096,
// maximum match length F=18, match threshold 2) — the same codec XNU's
// kernel uses to unpack compressed kext binaries at boot. There is no
// ecosystem package for this; it is a fixed, fully documented byte format,
// so it is implemented directly rather than pulled from a library.
const (
	lzssWindowSize   = 4096
	lzssMatchLenMax  = 18
	lzssMatchThresh  = 2
	lzssWindowFill   = ' '
)

// DecodeLZSS decompresses src into a buffer of exactly dstLen bytes. It
// returns ErrShortBuffer if src is exhausted before dstLen bytes have been
// produced.
func DecodeLZSS(src []byte, dstLen int) ([]byte, error) {
	dst := make([]byte, 0, dstLen)

	window := make([]byte, lzssWindowSize)
	for i := range window {
		window[i] = lzssWindowFill
	}
	windowPos := lzssWindowSize - lzssMatchLenMax

	si := 0
	flags := 0
	flagBits := 0

	readByte := func() (byte, bool) {
		if si >= len(src) {
			return 0, false
		}
		b := src[si]
		si++
		return b, true
	}

	for len(dst) < dstLen {
		if flagBits == 0 {
			b, ok := readByte()
			if !ok {
				return dst, ErrShortBuffer
			}
			flags = int(b)
			flagBits = 8
		}

		isLiteral := flags&1 != 0
		flags >>= 1
		flagBits--

		if isLiteral {
			b, ok := readByte()
			if !ok {
				return dst, ErrShortBuffer
			}
			dst = append(dst, b)
			window[windowPos] = b
			windowPos = (windowPos + 1) % lzssWindowSize
			continue
		}

		lo, ok := readByte()
		if !ok {
			return dst, ErrShortBuffer
		}
		hi, ok := readByte()
		if !ok {
			return dst, ErrShortBuffer
		}

		matchPos := int(lo) | (int(hi&0xF0) << 4)
		matchLen := int(hi&0x0F) + lzssMatchThresh + 1

		for i := 0; i < matchLen && len(dst) < dstLen; i++ {
			b := window[matchPos%lzssWindowSize]
			dst = append(dst, b)
			window[windowPos] = b
			windowPos = (windowPos + 1) % lzssWindowSize
			matchPos++
		}
	}

	return dst, nil
}
