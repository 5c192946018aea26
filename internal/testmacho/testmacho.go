// Package testmacho builds minimal, self-contained 64-bit Mach-O buffers
// for exercising the patcher and linker packages without a real kext or
// kernel binary on disk: one MH_KEXT_BUNDLE header, a single __TEXT
// segment covering the whole file, and an LC_SYMTAB naming offsets into
// it. The layout mirrors what macho.File.NewFile parses, field for field.
package testmacho

import (
	"bytes"
	"encoding/binary"

	"github.com/acidkit/kextcache/macho/types"
)

// Symbol is one exported name to place in the synthetic LC_SYMTAB,
// pointing at a byte offset within the __TEXT,__text section.
type Symbol struct {
	Name   string
	Offset uint32
	Ext    bool
}

// Builder describes the Mach-O buffer to synthesize.
type Builder struct {
	LoadAddr uint64 // __TEXT.vmaddr; file offset 0 maps to this address
	Text     []byte // raw bytes backing __TEXT,__text
	Symbols  []Symbol
}

// Result is the rendered buffer plus the bookkeeping a test needs to turn
// in-section byte offsets into virtual addresses.
type Result struct {
	Buf            []byte
	TextFileOffset uint32
}

// Build renders the full Mach-O buffer.
func Build(b Builder) Result {
	const (
		headerSize    uint32 = types.FileHeaderSize64
		segHdrSize    uint32 = 72 // LoadCmd+Len+Name[16]+Addr+Memsz+Offset+Filesz+Maxprot+Prot+Nsect+Flag
		sectHdrSize   uint32 = 80
		symtabHdrSize uint32 = 24
		nlistSize     uint32 = 16
	)

	text := b.Text
	if text == nil {
		text = make([]byte, 0x40)
	}

	loadCmdsSize := segHdrSize + sectHdrSize + symtabHdrSize
	textFileOffset := headerSize + loadCmdsSize

	// ---- string table (index 0 is always the empty string) ----
	var strtab bytes.Buffer
	strtab.WriteByte(0)
	strOffsets := make([]uint32, len(b.Symbols))
	for i, s := range b.Symbols {
		strOffsets[i] = uint32(strtab.Len())
		strtab.WriteString(s.Name)
		strtab.WriteByte(0)
	}

	symtabOffset := textFileOffset + uint32(len(text))
	strtabOffset := symtabOffset + uint32(len(b.Symbols))*nlistSize
	fileSize := strtabOffset + uint32(strtab.Len())

	var out bytes.Buffer
	hdr := types.FileHeader{
		Magic:        types.Magic64,
		CPU:          types.CPUAmd64,
		SubCPU:       types.CPUSubtypeX8664All,
		Type:         types.MH_KEXT_BUNDLE,
		NCommands:    2,
		SizeCommands: loadCmdsSize,
	}
	binary.Write(&out, binary.LittleEndian, hdr)

	var name [16]byte
	copy(name[:], "__TEXT")
	seg := types.Segment64{
		LoadCmd: types.LC_SEGMENT_64,
		Len:     segHdrSize + sectHdrSize,
		Name:    name,
		Addr:    b.LoadAddr,
		Memsz:   uint64(fileSize),
		Offset:  0,
		Filesz:  uint64(fileSize),
		Maxprot: 7,
		Prot:    5,
		Nsect:   1,
	}
	binary.Write(&out, binary.LittleEndian, seg)

	var sectName, segName [16]byte
	copy(sectName[:], "__text")
	copy(segName[:], "__TEXT")
	sect := types.Section64{
		Name:   sectName,
		Seg:    segName,
		Addr:   b.LoadAddr + uint64(textFileOffset),
		Size:   uint64(len(text)),
		Offset: textFileOffset,
		Align:  0,
		Flags:  types.S_REGULAR,
	}
	binary.Write(&out, binary.LittleEndian, sect)

	symtab := types.SymtabCmd{
		LoadCmd: types.LC_SYMTAB,
		Len:     symtabHdrSize,
		Symoff:  symtabOffset,
		Nsyms:   uint32(len(b.Symbols)),
		Stroff:  strtabOffset,
		Strsize: uint32(strtab.Len()),
	}
	binary.Write(&out, binary.LittleEndian, symtab)

	out.Write(text)

	for i, s := range b.Symbols {
		var typ types.NType = types.N_SECT
		if s.Ext {
			typ |= types.N_EXT
		}
		n := types.Nlist64{
			Name:  strOffsets[i],
			Type:  typ,
			Sect:  1,
			Value: b.LoadAddr + uint64(textFileOffset) + uint64(s.Offset),
		}
		binary.Write(&out, binary.LittleEndian, n)
	}

	out.Write(strtab.Bytes())

	return Result{Buf: out.Bytes(), TextFileOffset: textFileOffset}
}

// TextAddr returns the virtual address of the byte at offsetInText within
// the __TEXT,__text section built by Build.
func (r Result) TextAddr(loadAddr uint64, offsetInText uint32) uint64 {
	return loadAddr + uint64(r.TextFileOffset) + uint64(offsetInText)
}
