package types

import "encoding/binary"

// RelocationInfo is the on-disk struct relocation_info from <mach-o/reloc.h>,
// one entry of a DYSYMTAB local or external relocation list. The second
// word is a bitfield (r_symbolnum:24, r_pcrel:1, r_length:2, r_extern:1,
// r_type:4); Go has no bitfield syntax, so it is packed/unpacked by hand.
type RelocationInfo struct {
	Address      int32
	SymbolNumber uint32 // low 24 bits
	PcRelative   bool
	Length       uint8 // 0=byte 1=word 2=long 3=quad
	Extern       bool
	Type         uint8 // low 4 bits, interpretation is architecture-specific
}

const relocationInfoSize = 8

// DecodeRelocationInfo unpacks one 8-byte relocation_info entry.
func DecodeRelocationInfo(b []byte) RelocationInfo {
	word0 := int32(binary.LittleEndian.Uint32(b[0:4]))
	word1 := binary.LittleEndian.Uint32(b[4:8])
	return RelocationInfo{
		Address:      word0,
		SymbolNumber: word1 & 0x00FFFFFF,
		PcRelative:   (word1>>24)&0x1 != 0,
		Length:       uint8((word1 >> 25) & 0x3),
		Extern:       (word1>>27)&0x1 != 0,
		Type:         uint8((word1 >> 28) & 0xF),
	}
}

// Encode packs r back into its 8-byte on-disk form.
func (r RelocationInfo) Encode() [relocationInfoSize]byte {
	var out [relocationInfoSize]byte
	binary.LittleEndian.PutUint32(out[0:4], uint32(r.Address))

	word1 := r.SymbolNumber & 0x00FFFFFF
	if r.PcRelative {
		word1 |= 1 << 24
	}
	word1 |= uint32(r.Length&0x3) << 25
	if r.Extern {
		word1 |= 1 << 27
	}
	word1 |= uint32(r.Type&0xF) << 28
	binary.LittleEndian.PutUint32(out[4:8], word1)

	return out
}

// MachRelocAbsolute is the reserved SymbolNumber value meaning "this
// relocation has no symbol or section, it is a fixed absolute address."
const MachRelocAbsolute uint32 = 0xFFFFFF

// x86_64 relocation types (enum reloc_type_x86_64 in <mach-o/x86_64/reloc.h>).
const (
	X8664RelocUnsigned   uint8 = 0
	X8664RelocSigned     uint8 = 1
	X8664RelocBranch     uint8 = 2
	X8664RelocGot        uint8 = 3
	X8664RelocGotLoad    uint8 = 4
	X8664RelocSubtractor uint8 = 5
	X8664RelocSigned1    uint8 = 6
	X8664RelocSigned2    uint8 = 7
	X8664RelocSigned4    uint8 = 8
)

// X8664RipRelativeLimit is the maximum absolute displacement a PC-relative
// 32-bit instruction field can encode.
const X8664RipRelativeLimit uint64 = 1 << 31
