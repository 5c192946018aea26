// Package compress wraps the codecs the kext-cache engine's container
// formats depend on: LZSS (mkext v1), ZLIB (mkext v2, matching the teacher's
// own use of stdlib compress/zlib for Mach-O segment decompression in
// file.go/cmds.go), and Adler-32 (mkext trailer checksum).
package compress

import (
	"bytes"
	"compress/zlib"
	"errors"
	"hash/adler32"
	"io"
)

// ErrShortBuffer is returned when a decompressor runs out of input before
// producing the requested amount of output.
var ErrShortBuffer = errors.New("compress: short input buffer")

// DecodeZLIB inflates a raw ZLIB stream (no container framing) into exactly
// dstLen bytes.
func DecodeZLIB(src []byte, dstLen int) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, err
	}
	defer r.Close()

	dst := make([]byte, dstLen)
	if _, err := io.ReadFull(r, dst); err != nil {
		return nil, err
	}
	return dst, nil
}

// EncodeZLIB compresses src with the default ZLIB codec.
func EncodeZLIB(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(src); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Adler32 computes the checksum mkext headers carry over [version..length).
func Adler32(data []byte) uint32 {
	return adler32.Checksum(data)
}
