// Package mkext implements the older mkext v1/v2 kext cache container
// (spec.md §4.3, MkextContext.c): both versions' parsing, the v1 raw-array
// and v2 plist-append injection strategies, patch and block delegation
// to the shared patcher (there is no separate quirk entry point), and the
// Adler-32 trailer every mkext carries.
package mkext

import (
	"encoding/binary"
	"fmt"

	"github.com/acidkit/kextcache/compress"
	"github.com/acidkit/kextcache/patcher"
	"github.com/acidkit/kextcache/plist"
	"github.com/acidkit/kextcache/result"
)

// On-disk constants (kext_tools' mkext.h): the core header every version
// shares, is always big-endian regardless of host byte order.
const (
	magic     = 0x4D4B5854 // 'MKXT'
	signature = 0x1A82295D

	versionV1 = 0x01008000
	versionV2 = 0x02000000

	cpuTypeI386  = 7
	cpuTypeX8664 = 0x01000007

	coreHeaderSize = 32 // Magic,Signature,Length,Adler32,Version,NumKexts,CpuType,CpuSubtype
	v1EntrySize    = 32 // two 16-byte (Offset,CompressedSize,FullSize,ModifiedSeconds) file entries
	v2HeaderExtra  = 12 // PlistOffset,PlistCompressedSize,PlistFullSize
	v2FileEntryHdr = 8  // CompressedSize,FullSize

	align = 8
)

var bo = binary.BigEndian

func alignUp(v uint32) uint32 { return (v + align - 1) &^ (align - 1) }

func u32(b []byte, off uint32) uint32 { return bo.Uint32(b[off:]) }
func putU32(b []byte, off, v uint32)  { bo.PutUint32(b[off:], v) }

// cachedKext is the bookkeeping Context keeps per already-injected kext,
// mirroring MKEXT_KEXT.
type cachedKext struct {
	binaryOffset uint32
	binarySize   uint32
}

// Context is one open mkext container.
type Context struct {
	Mkext          []byte
	MkextSize      uint32
	MkextAllocSize uint32
	Version        uint32
	Is32Bit        bool
	NumKexts       uint32
	NumMaxKexts    uint32 // v1 only

	infoOffset uint32          // v2 only: offset of the plist blob
	info       plist.MkextInfo // v2 only: decoded _MKEXTInfoDictionaries

	cached map[string]cachedKext
}

// Decompress implements MkextDecompress: it checks the core header's
// magic and signature and returns a copy of the container in a new
// outCapacity-byte buffer. For v2, the region between the v2 header and
// the trailing plist, and the trailing plist itself, are each inflated as
// one payload (zlib when the payload starts with 'z' or 0x78, LZSS
// otherwise; a payload no shorter than its full size is copied as is),
// and the header's plist size and length fields are updated. A v1
// container is copied unchanged: its per-kext Plist/Binary entries are
// not decompressed.
func Decompress(in []byte, outCapacity uint32) ([]byte, error) {
	if uint32(len(in)) < coreHeaderSize {
		return nil, result.New(result.InvalidParameter, "mkext too small for its header")
	}
	if u32(in, 0) != magic || u32(in, 4) != signature {
		return nil, result.New(result.InvalidParameter, "not an mkext container")
	}

	version := u32(in, 16)
	fullLength := u32(in, 8)
	out := make([]byte, outCapacity)

	switch version {
	case versionV2:
		plistOffset := u32(in, coreHeaderSize)
		plistCompressedSize := u32(in, coreHeaderSize+4)
		plistFullSize := u32(in, coreHeaderSize+8)

		copy(out[:coreHeaderSize+v2HeaderExtra], in[:coreHeaderSize+v2HeaderExtra])

		body := in[coreHeaderSize+v2HeaderExtra : plistOffset]
		decompressedBody, err := decompressOne(body, body, fullLength-(coreHeaderSize+v2HeaderExtra))
		if err != nil {
			return nil, err
		}
		copy(out[coreHeaderSize+v2HeaderExtra:], decompressedBody)

		plistBytes := in[plistOffset:]
		if plistCompressedSize > 0 {
			plistBytes = plistBytes[:plistCompressedSize]
		} else {
			plistBytes = plistBytes[:plistFullSize]
		}
		decompressedPlist, err := decompressOne(plistBytes, plistBytes, plistFullSize)
		if err != nil {
			return nil, err
		}
		copy(out[plistOffset:], decompressedPlist)
		putU32(out, coreHeaderSize+8, plistFullSize)

		newLen := plistOffset + plistFullSize
		putU32(out, 8, newLen)
		return out[:newLen], nil

	case versionV1:
		copy(out[:len(in)], in)
		return out[:len(in)], nil

	default:
		return nil, result.New(result.Unsupported, "unsupported mkext version")
	}
}

// decompressOne inflates a single (possibly uncompressed) mkext payload:
// a CompressedSize of zero means the bytes are already plain per the
// original's convention.
func decompressOne(compressed, asIs []byte, fullSize uint32) ([]byte, error) {
	if len(compressed) == 0 || uint32(len(compressed)) >= fullSize {
		out := make([]byte, fullSize)
		copy(out, asIs)
		return out, nil
	}
	if compressed[0] == 'z' || (len(compressed) > 1 && compressed[0] == 0x78) {
		return compress.DecodeZLIB(compressed, int(fullSize))
	}
	return compress.DecodeLZSS(compressed, int(fullSize))
}

// Init implements MkextContextInit: it validates the header, classifies
// the version-specific layout (v1's flat kext array vs v2's trailing
// plist), and computes NumMaxKexts (v1) or decodes the bookkeeping plist
// (v2).
func Init(buf []byte, size, allocSize uint32) (*Context, error) {
	if size < coreHeaderSize || allocSize < size {
		return nil, result.New(result.InvalidParameter, "mkext buffer too small")
	}
	if u32(buf, 0) != magic || u32(buf, 4) != signature || u32(buf, 8) != size {
		return nil, result.New(result.InvalidParameter, "not an mkext container")
	}

	version := u32(buf, 16)
	numKexts := u32(buf, 20)
	cpuType := u32(buf, 24)

	var is32bit bool
	switch cpuType {
	case cpuTypeI386:
		is32bit = true
	case cpuTypeX8664:
		is32bit = false
	default:
		return nil, result.New(result.Unsupported, "unsupported mkext CPU type")
	}

	c := &Context{
		Mkext:          buf,
		MkextSize:      size,
		MkextAllocSize: allocSize,
		Version:        version,
		Is32Bit:        is32bit,
		NumKexts:       numKexts,
		cached:         make(map[string]cachedKext),
	}

	switch version {
	case versionV1:
		headerSize := coreHeaderSize + numKexts*v1EntrySize
		if headerSize > size {
			return nil, result.New(result.InvalidParameter, "mkext v1 header overruns buffer")
		}
		startingOffset := size
		for i := uint32(0); i < numKexts; i++ {
			entry := coreHeaderSize + i*v1EntrySize
			if off := u32(buf, entry); off < startingOffset {
				startingOffset = off
			}
			if fullSize := u32(buf, entry+16+8); fullSize > 0 {
				if off := u32(buf, entry+16); off < startingOffset {
					startingOffset = off
				}
			}
		}
		if startingOffset < headerSize {
			return nil, result.New(result.InvalidParameter, "mkext v1 kext slots overlap kext content")
		}
		c.NumMaxKexts = (startingOffset-headerSize)/v1EntrySize + numKexts

	case versionV2:
		if size < coreHeaderSize+v2HeaderExtra {
			return nil, result.New(result.InvalidParameter, "mkext v2 header too small")
		}
		plistOffset := u32(buf, coreHeaderSize)
		plistFullSize := u32(buf, coreHeaderSize+8)
		if plistOffset+plistFullSize != size {
			return nil, result.New(result.InvalidParameter, "mkext v2 plist does not end the container")
		}
		var info plist.MkextInfo
		if err := plist.Decode(buf[plistOffset:plistOffset+plistFullSize], &info); err != nil {
			return nil, result.Wrap(result.LoadError, "decode mkext v2 plist", err)
		}
		c.infoOffset = plistOffset
		c.info = info

	default:
		return nil, result.New(result.Unsupported, "unsupported mkext version")
	}

	for _, b := range c.bundles() {
		if b.MkextExecutable != 0 {
			k := cachedKext{binaryOffset: uint32(b.MkextExecutable)}
			if hdr := uint64(k.binaryOffset); hdr+v2FileEntryHdr <= uint64(size) {
				if full := u32(buf, k.binaryOffset+4); hdr+v2FileEntryHdr+uint64(full) <= uint64(size) {
					k.binarySize = full
				}
			}
			c.cached[b.Identifier] = k
		}
	}
	return c, nil
}

func (c *Context) bundles() []plist.Bundle {
	if c.Version == versionV2 {
		return c.info.InfoDictionaries
	}
	return nil
}

// ReserveKextSize implements MkextReserveKextSize.
func ReserveKextSize(reservedInfoSize, reservedExeSize *uint32, infoPlistSize, executableSize uint32) error {
	infoPlistSize = alignUp(infoPlistSize)
	executableSize = alignUp(executableSize)
	*reservedInfoSize += infoPlistSize
	*reservedExeSize += executableSize
	return nil
}

// Inject implements MkextInjectKext: v1 appends a new raw-array slot and
// places the plist/executable at the tail of the container; v2 appends
// the executable (if any) and a bookkeeping dictionary to the trailing
// plist, recording the executable's offset the same way InjectKext
// records a prelinked kext's source address.
func (c *Context) Inject(id, bundlePath string, infoPlist []byte, executable []byte) error {
	if id != "" {
		if _, ok := c.cached[id]; ok {
			return result.New(result.AlreadyStarted, fmt.Sprintf("bundle %s is already present in mkext", id))
		}
	}

	var bundle plist.Bundle
	if err := plist.Decode(infoPlist, &bundle); err != nil {
		return result.Wrap(result.LoadError, "decode Info.plist", err)
	}
	if id == "" {
		id = bundle.Identifier
	}
	if id == "" {
		return result.New(result.InvalidParameter, "Info.plist has no CFBundleIdentifier")
	}
	bundle.Identifier = id
	bundle.MkextBundlePath = bundlePath

	switch c.Version {
	case versionV1:
		if c.NumKexts >= c.NumMaxKexts {
			return result.New(result.BufferTooSmall, "mkext v1 kext array is full")
		}

		plistOffset := c.MkextSize
		plistSizeAligned := alignUp(uint32(len(infoPlist)))
		newSize := plistOffset + plistSizeAligned
		if newSize > c.MkextAllocSize {
			return result.New(result.BufferTooSmall, "no room for the new Info.plist")
		}

		binOffset := uint32(0)
		if len(executable) > 0 {
			binOffset = newSize
			execSizeAligned := alignUp(uint32(len(executable)))
			newSize = binOffset + execSizeAligned
			if newSize > c.MkextAllocSize {
				return result.New(result.BufferTooSmall, "no room for the new executable")
			}
			copy(c.Mkext[binOffset:], executable)
			entry := coreHeaderSize + c.NumKexts*v1EntrySize + 16
			putU32(c.Mkext, entry, binOffset)
			putU32(c.Mkext, entry+4, 0)
			putU32(c.Mkext, entry+8, uint32(len(executable)))
		}

		copy(c.Mkext[plistOffset:], infoPlist)
		entry := coreHeaderSize + c.NumKexts*v1EntrySize
		putU32(c.Mkext, entry, plistOffset)
		putU32(c.Mkext, entry+4, 0)
		putU32(c.Mkext, entry+8, uint32(len(infoPlist)))

		c.MkextSize = newSize
		c.NumKexts++
		c.cached[id] = cachedKext{binaryOffset: binOffset, binarySize: uint32(len(executable))}
		return nil

	case versionV2:
		binOffset := uint32(0)
		if len(executable) > 0 {
			binOffset = c.infoOffset
			execSizeAligned := alignUp(uint32(len(executable)))
			newOffset := binOffset + v2FileEntryHdr + execSizeAligned
			if newOffset >= c.MkextAllocSize {
				return result.New(result.BufferTooSmall, "no room for the new executable")
			}

			putU32(c.Mkext, binOffset, 0)
			putU32(c.Mkext, binOffset+4, uint32(len(executable)))
			copy(c.Mkext[binOffset+v2FileEntryHdr:], executable)

			c.infoOffset = newOffset
			bundle.MkextExecutable = plist.HexUint64(binOffset)
		}

		c.info.InfoDictionaries = append(c.info.InfoDictionaries, bundle)
		c.cached[id] = cachedKext{binaryOffset: binOffset, binarySize: uint32(len(executable))}
		return nil

	default:
		return result.New(result.Unsupported, "unsupported mkext version")
	}
}

// ApplyPatch implements MkextContextApplyPatch: it builds a patcher
// context over identifier's own executable bytes and delegates.
func (c *Context) ApplyPatch(identifier string, patch patcher.GenericPatch) error {
	k, ok := c.cached[identifier]
	if !ok || k.binarySize == 0 {
		return result.New(result.NotFound, "kext "+identifier)
	}
	pc, err := patcher.FromBuffer(c.binaryBytes(k))
	if err != nil {
		return err
	}
	_, err = pc.Apply(patch)
	return err
}

// Block implements MkextContextBlock.
func (c *Context) Block(identifier string) error {
	k, ok := c.cached[identifier]
	if !ok || k.binarySize == 0 {
		return result.New(result.NotFound, "kext "+identifier)
	}
	pc, err := patcher.FromBuffer(c.binaryBytes(k))
	if err != nil {
		return err
	}
	return pc.Block()
}

func (c *Context) binaryBytes(k cachedKext) []byte {
	off := k.binaryOffset
	if c.Version == versionV2 {
		off += v2FileEntryHdr
	}
	return c.Mkext[off : off+k.binarySize]
}

// InjectComplete implements MkextInjectPatchComplete: it stamps the final
// NumKexts/Length fields (v1) or re-encodes the trailing plist (v2), then
// recomputes the whole container's Adler-32 trailer field.
func (c *Context) InjectComplete() error {
	switch c.Version {
	case versionV1:
		putU32(c.Mkext, 20, c.NumKexts)
		putU32(c.Mkext, 8, c.MkextSize)

	case versionV2:
		encoded, err := plist.Encode(c.info)
		if err != nil {
			return result.Wrap(result.LoadError, "encode mkext v2 plist", err)
		}
		newSize := c.infoOffset + uint32(len(encoded))
		if newSize > c.MkextAllocSize {
			return result.New(result.BufferTooSmall, "rebuilt mkext plist does not fit")
		}
		copy(c.Mkext[c.infoOffset:], encoded)
		putU32(c.Mkext, coreHeaderSize, c.infoOffset)
		putU32(c.Mkext, coreHeaderSize+4, 0)
		putU32(c.Mkext, coreHeaderSize+8, uint32(len(encoded)))
		c.MkextSize = newSize
		putU32(c.Mkext, 8, newSize)

	default:
		return result.New(result.Unsupported, "unsupported mkext version")
	}

	putU32(c.Mkext, 12, 0)
	adler := compress.Adler32(c.Mkext[:c.MkextSize])
	putU32(c.Mkext, 12, adler)
	return nil
}
