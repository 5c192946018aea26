package kxldstate

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/acidkit/kextcache/plist"
)

// buildBlob assembles a minimal, self-consistent KXLD link-state blob:
// header, one vtable with two entries, and a standalone symbol table
// entry, all pointing into a shared string pool.
func buildBlob(t *testing.T) []byte {
	t.Helper()

	const (
		numVtables = 1
		numSymbols = 1
		numEntries = 2
	)

	// Name offsets are absolute blob offsets; the pool is appended after
	// the header, the vtable header and all three sym entries.
	poolBase := uint32(headerSize + vtableHdrSize + (numEntries+numSymbols)*symEntrySize64)

	var strtab bytes.Buffer
	strtab.WriteByte(0)
	put := func(s string) uint32 {
		off := poolBase + uint32(strtab.Len())
		strtab.WriteString(s)
		strtab.WriteByte(0)
		return off
	}

	vtableName := put("__ZTV9IOService")
	entry1Name := put("__ZN9IOService5startEP9IOService")
	entry2Name := put("__ZN9IOService4stopEP9IOService")
	symName := put("_my_driver_start")

	vtableOffset := uint32(headerSize)
	entryOffset := vtableOffset + vtableHdrSize
	symbolOffset := entryOffset + numEntries*symEntrySize64

	var buf bytes.Buffer
	hdr := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(hdr[0:4], Signature)
	binary.LittleEndian.PutUint32(hdr[4:8], Version)
	binary.LittleEndian.PutUint32(hdr[8:12], CpuTypeX8664)
	binary.LittleEndian.PutUint32(hdr[12:16], numVtables)
	binary.LittleEndian.PutUint32(hdr[16:20], vtableOffset)
	binary.LittleEndian.PutUint32(hdr[20:24], numSymbols)
	binary.LittleEndian.PutUint32(hdr[24:28], symbolOffset)
	buf.Write(hdr)

	vhdr := make([]byte, vtableHdrSize)
	binary.LittleEndian.PutUint32(vhdr[0:4], vtableName)
	binary.LittleEndian.PutUint32(vhdr[4:8], numEntries)
	binary.LittleEndian.PutUint32(vhdr[8:12], entryOffset)
	buf.Write(vhdr)

	writeSymEntry := func(nameOff uint32, addr uint64) {
		e := make([]byte, symEntrySize64)
		binary.LittleEndian.PutUint32(e[0:4], nameOff)
		binary.LittleEndian.PutUint64(e[8:16], addr)
		binary.LittleEndian.PutUint32(e[16:20], 0)
		buf.Write(e)
	}
	writeSymEntry(entry1Name, 0xFFFFFF7F80001000)
	writeSymEntry(entry2Name, 0xFFFFFF7F80001010)
	writeSymEntry(symName, 0xFFFFFF7F80002000)

	buf.Write(strtab.Bytes())

	return buf.Bytes()
}

func TestParseVtables(t *testing.T) {
	blob := buildBlob(t)

	vtables, err := ParseVtables(blob)
	if err != nil {
		t.Fatalf("ParseVtables: %v", err)
	}
	if len(vtables) != 1 {
		t.Fatalf("got %d vtables, want 1", len(vtables))
	}
	vt := vtables[0]
	if vt.Name != "__ZTV9IOService" {
		t.Errorf("Name = %q", vt.Name)
	}
	if len(vt.Entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(vt.Entries))
	}
	if vt.Entries[0].Name != "__ZN9IOService5startEP9IOService" || vt.Entries[0].Value != 0xFFFFFF7F80001000 {
		t.Errorf("entry 0 = %+v", vt.Entries[0])
	}
	if vt.Entries[1].Name != "__ZN9IOService4stopEP9IOService" || vt.Entries[1].Value != 0xFFFFFF7F80001010 {
		t.Errorf("entry 1 = %+v", vt.Entries[1])
	}
}

func TestParseSymbols(t *testing.T) {
	blob := buildBlob(t)

	syms, err := ParseSymbols(blob)
	if err != nil {
		t.Fatalf("ParseSymbols: %v", err)
	}
	if len(syms) != 1 {
		t.Fatalf("got %d symbols, want 1", len(syms))
	}
	if syms[0].Name != "_my_driver_start" || syms[0].Value != 0xFFFFFF7F80002000 {
		t.Errorf("symbol = %+v", syms[0])
	}
}

func TestSolveSymbol(t *testing.T) {
	blob := buildBlob(t)

	addr, ok := SolveSymbol(blob, "_my_driver_start")
	if !ok {
		t.Fatal("SolveSymbol: not found")
	}
	if addr != 0xFFFFFF7F80002000 {
		t.Errorf("addr = %#x", addr)
	}

	if _, ok := SolveSymbol(blob, "_does_not_exist"); ok {
		t.Error("SolveSymbol found a name that isn't present")
	}
}

func TestParseHeaderRejectsBadSignature(t *testing.T) {
	blob := buildBlob(t)
	binary.LittleEndian.PutUint32(blob[0:4], 0xDEADBEEF)

	if _, err := ParseVtables(blob); err == nil {
		t.Fatal("expected error for bad signature")
	}
}

func TestRebasePrelinkLinkState(t *testing.T) {
	bundles := []plist.Bundle{
		{Identifier: "com.example.A", PrelinkLinkState: 0x1000},
		{Identifier: "com.example.B", PrelinkLinkState: 0}, // untouched
	}

	RebasePrelinkLinkState(bundles, 0x40)

	if bundles[0].PrelinkLinkState != 0x1040 {
		t.Errorf("PrelinkLinkState = %#x, want 0x1040", bundles[0].PrelinkLinkState)
	}
	if bundles[1].PrelinkLinkState != 0 {
		t.Errorf("PrelinkLinkState = %#x, want 0 (untouched)", bundles[1].PrelinkLinkState)
	}
}
