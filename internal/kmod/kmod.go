// Package kmod describes the on-disk layout of XNU's kmod_info_64_v1
// structure, shared by every component that locates a kext's _kmod_info
// symbol (the prelinked/KC linker, the patcher's block stub, and the
// cacheless patch path).
package kmod

import "encoding/binary"

// Info64 mirrors kmod_info_64_v1 from <mach-o/kmod.h>, with field offsets
// matching natural x86_64 struct alignment.
type Info64 struct {
	NextAddr          uint64
	InfoVersion       int32
	ID                uint32
	Name              [64]byte
	Version           [64]byte
	ReferenceCount    int32
	_                 [4]byte // padding to realign ReferenceListAddr
	ReferenceListAddr uint64
	Address           uint64
	Size              uint64
	HeaderSize        uint64
	StartAddr         uint64
	StopAddr          uint64
}

// Size is sizeof(kmod_info_64_v1).
const Size = 0xC8

// Field byte offsets within Info64, for patching the raw buffer in place
// without re-encoding the whole structure.
const (
	OffsetAddress    = 0xA0
	OffsetSize       = 0xA8
	OffsetHeaderSize = 0xB0
	OffsetStartAddr  = 0xB8
	OffsetStopAddr   = 0xC0
)

// Decode reads an Info64 out of buf at the given offset.
func Decode(buf []byte, offset int) (Info64, bool) {
	if offset < 0 || offset+Size > len(buf) {
		return Info64{}, false
	}
	var info Info64
	b := buf[offset : offset+Size]
	info.NextAddr = binary.LittleEndian.Uint64(b[0:8])
	info.InfoVersion = int32(binary.LittleEndian.Uint32(b[8:12]))
	info.ID = binary.LittleEndian.Uint32(b[12:16])
	copy(info.Name[:], b[16:80])
	copy(info.Version[:], b[80:144])
	info.ReferenceCount = int32(binary.LittleEndian.Uint32(b[144:148]))
	info.ReferenceListAddr = binary.LittleEndian.Uint64(b[152:160])
	info.Address = binary.LittleEndian.Uint64(b[OffsetAddress : OffsetAddress+8])
	info.Size = binary.LittleEndian.Uint64(b[OffsetSize : OffsetSize+8])
	info.HeaderSize = binary.LittleEndian.Uint64(b[OffsetHeaderSize : OffsetHeaderSize+8])
	info.StartAddr = binary.LittleEndian.Uint64(b[OffsetStartAddr : OffsetStartAddr+8])
	info.StopAddr = binary.LittleEndian.Uint64(b[OffsetStopAddr : OffsetStopAddr+8])
	return info, true
}

// PutAddress, PutHeaderSize and PutSize write the three fields the linker's
// kmod_info fixup (§4.5.7) updates after relocation.
func PutAddress(buf []byte, offset int, v uint64) {
	binary.LittleEndian.PutUint64(buf[offset+OffsetAddress:], v)
}

func PutHeaderSize(buf []byte, offset int, v uint64) {
	binary.LittleEndian.PutUint64(buf[offset+OffsetHeaderSize:], v)
}

func PutSize(buf []byte, offset int, v uint64) {
	binary.LittleEndian.PutUint64(buf[offset+OffsetSize:], v)
}

// StartAddr reads just the StartAddr field, the one piece of kmod_info the
// patcher's block stub needs.
func StartAddr(buf []byte, offset int) (uint64, bool) {
	if offset < 0 || offset+OffsetStartAddr+8 > len(buf) {
		return 0, false
	}
	return binary.LittleEndian.Uint64(buf[offset+OffsetStartAddr:]), true
}
