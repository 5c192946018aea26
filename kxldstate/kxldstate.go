// Package kxldstate reads the KXLD link-state blob the 10.6.8 kernel and
// its kexts carry in __PRELINK_STATE (spec.md §4.7), grounded on
// Library/OcAppleKernelLib/KxldState.c.
package kxldstate

import (
	"encoding/binary"

	"github.com/acidkit/kextcache/plist"
	"github.com/acidkit/kextcache/result"
)

// Signature and Version are the link-state header's magic fields. The
// original engine's own header (AppleKxldState.h) defining their exact
// values wasn't part of the retrieved sources; InternalGetKxldHeader's
// validation order (signature, then version, then CPU type) is ported
// faithfully, and this engine treats any blob whose header fails that
// check as absent rather than fatal, so the exact constants only need
// to be internally consistent.
const (
	Signature uint32 = 0xB3C4A0C0
	Version   uint32 = 1
)

const (
	headerSize = 28 // Signature, Version, CpuType, NumVtables, VtableOffset, NumSymbols, SymbolOffset
	vtableHdrSize = 12
	symEntrySize64 = 24
)

// Header is the fixed-size prefix of a KXLD link-state blob.
type Header struct {
	Signature    uint32
	Version      uint32
	CpuType      uint32
	NumVtables   uint32
	VtableOffset uint32
	NumSymbols   uint32
	SymbolOffset uint32
}

// CpuTypeX8664 is MACH_CPU_TYPE_X86_64 (CPU_TYPE_X86 | CPU_ARCH_ABI64).
const CpuTypeX8664 uint32 = 0x01000007

// parseHeader validates and decodes the blob's header (InternalGetKxldHeader).
func parseHeader(blob []byte) (Header, error) {
	if len(blob) < headerSize {
		return Header{}, result.New(result.BufferTooSmall, "kxld state header")
	}
	h := Header{
		Signature:    binary.LittleEndian.Uint32(blob[0:4]),
		Version:      binary.LittleEndian.Uint32(blob[4:8]),
		CpuType:      binary.LittleEndian.Uint32(blob[8:12]),
		NumVtables:   binary.LittleEndian.Uint32(blob[12:16]),
		VtableOffset: binary.LittleEndian.Uint32(blob[16:20]),
		NumSymbols:   binary.LittleEndian.Uint32(blob[20:24]),
		SymbolOffset: binary.LittleEndian.Uint32(blob[24:28]),
	}
	if h.Signature != Signature || h.Version != Version || h.CpuType != CpuTypeX8664 {
		return Header{}, result.New(result.Unsupported, "kxld state header mismatch")
	}
	return h, nil
}

// Symbol is one decoded KXLD_SYM_ENTRY_64 (InternalGetKxldSymbols + the
// name lookup InternalGetKxldString performs for each entry).
type Symbol struct {
	Name  string
	Value uint64
	Flags uint32
}

// VtableEntry is one method slot inside a KXLD vtable.
type VtableEntry struct {
	Name  string
	Value uint64
}

// Vtable is one decoded KXLD_VTABLE_HEADER plus its entries.
type Vtable struct {
	Name    string
	Entries []VtableEntry
}

func getString(blob []byte, offset uint32) (string, bool) {
	if offset >= uint32(len(blob)) {
		return "", false
	}
	end := offset
	for end < uint32(len(blob)) && blob[end] != 0 {
		end++
	}
	if end >= uint32(len(blob)) {
		return "", false
	}
	return string(blob[offset:end]), true
}

func decodeSymEntry64(blob []byte, off uint32) (nameOffset uint32, addr uint64, flags uint32, ok bool) {
	if off+symEntrySize64 > uint32(len(blob)) {
		return 0, 0, 0, false
	}
	nameOffset = binary.LittleEndian.Uint32(blob[off : off+4])
	addr = binary.LittleEndian.Uint64(blob[off+8 : off+16])
	flags = binary.LittleEndian.Uint32(blob[off+16 : off+20])
	return nameOffset, addr, flags, true
}

// ParseSymbols decodes every KXLD_SYM_ENTRY_64 in blob
// (InternalGetKxldSymbols + InternalKxldStateBuildLinkedSymbolTable).
func ParseSymbols(blob []byte) ([]Symbol, error) {
	h, err := parseHeader(blob)
	if err != nil {
		return nil, err
	}
	if h.NumSymbols == 0 {
		return nil, result.New(result.NotFound, "no kxld symbols")
	}

	end := h.SymbolOffset + h.NumSymbols*symEntrySize64
	if end > uint32(len(blob)) {
		return nil, result.New(result.BufferTooSmall, "kxld symbol table")
	}

	syms := make([]Symbol, h.NumSymbols)
	for i := uint32(0); i < h.NumSymbols; i++ {
		off := h.SymbolOffset + i*symEntrySize64
		nameOff, addr, flags, ok := decodeSymEntry64(blob, off)
		if !ok {
			return nil, result.New(result.InvalidParameter, "kxld symbol entry out of bounds")
		}
		name, ok := getString(blob, nameOff)
		if !ok {
			return nil, result.New(result.InvalidParameter, "kxld symbol name out of bounds")
		}
		syms[i] = Symbol{Name: name, Value: addr, Flags: flags}
	}
	return syms, nil
}

// ParseVtables decodes every KXLD_VTABLE_HEADER and its entries
// (InternalGetKxldVtables + InternalKxldStateBuildLinkedVtables). Some
// kexts (BSD KPIs) carry no vtables at all; that is reported as a nil,
// nil result rather than an error.
func ParseVtables(blob []byte) ([]Vtable, error) {
	h, err := parseHeader(blob)
	if err != nil {
		return nil, err
	}
	if h.NumVtables == 0 {
		return nil, nil
	}

	end := h.VtableOffset + h.NumVtables*vtableHdrSize
	if end > uint32(len(blob)) {
		return nil, result.New(result.BufferTooSmall, "kxld vtable headers")
	}

	vtables := make([]Vtable, h.NumVtables)
	for i := uint32(0); i < h.NumVtables; i++ {
		hdrOff := h.VtableOffset + i*vtableHdrSize
		nameOff := binary.LittleEndian.Uint32(blob[hdrOff : hdrOff+4])
		numEntries := binary.LittleEndian.Uint32(blob[hdrOff+4 : hdrOff+8])
		entryOff := binary.LittleEndian.Uint32(blob[hdrOff+8 : hdrOff+12])

		name, ok := getString(blob, nameOff)
		if !ok {
			return nil, result.New(result.InvalidParameter, "kxld vtable name out of bounds")
		}

		if entryOff+numEntries*symEntrySize64 > uint32(len(blob)) {
			return nil, result.New(result.BufferTooSmall, "kxld vtable entries")
		}

		entries := make([]VtableEntry, numEntries)
		for j := uint32(0); j < numEntries; j++ {
			off := entryOff + j*symEntrySize64
			entryNameOff, addr, _, ok := decodeSymEntry64(blob, off)
			if !ok {
				return nil, result.New(result.InvalidParameter, "kxld vtable entry out of bounds")
			}
			entryName, ok := getString(blob, entryNameOff)
			if !ok {
				return nil, result.New(result.InvalidParameter, "kxld vtable entry name out of bounds")
			}
			entries[j] = VtableEntry{Name: entryName, Value: addr}
		}

		vtables[i] = Vtable{Name: name, Entries: entries}
	}
	return vtables, nil
}

// RebasePrelinkLinkState adds delta to every bundle's non-zero
// _PrelinkLinkState field in place (a zero field is left as it is)
// (InternalKxldStateRebasePlist), used once the kexts'
// KXLD state blob has actually landed somewhere other than its planned
// offset and every already-written plist reference needs correcting.
func RebasePrelinkLinkState(bundles []plist.Bundle, delta int64) {
	for i := range bundles {
		if bundles[i].PrelinkLinkState == 0 {
			continue
		}
		bundles[i].PrelinkLinkState = plist.HexUint64(int64(bundles[i].PrelinkLinkState) + delta)
	}
}

// SolveSymbol linearly scans blob's symbol table for name
// (InternalKxldSolveSymbol), returning 0, false if absent.
func SolveSymbol(blob []byte, name string) (uint64, bool) {
	syms, err := ParseSymbols(blob)
	if err != nil {
		return 0, false
	}
	for _, s := range syms {
		if s.Name == name {
			return s.Value, true
		}
	}
	return 0, false
}
