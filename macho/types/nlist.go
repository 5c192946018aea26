package types

import "fmt"

// Nlist64 is the 64-bit Mach-O symbol table entry (struct nlist_64 in
// <mach-o/nlist.h>), read directly off LC_SYMTAB's symbol array.
type Nlist64 struct {
	Name  uint32
	Type  NType
	Sect  uint8
	Desc  NDescType
	Value uint64
}

// Nlist32 is the 32-bit counterpart of Nlist64.
type Nlist32 struct {
	Name  uint32
	Type  NType
	Sect  uint8
	Desc  NDescType
	Value uint32
}

// NType is the n_type byte of a symbol table entry: a bitfield made up of
// N_STAB | N_PEXT | N_TYPE | N_EXT.
type NType uint8

const (
	N_STAB NType = 0xe0 // if any of these bits set, a symbolic debugging entry
	N_PEXT NType = 0x10 // private external symbol bit
	N_TYPE NType = 0x0e // mask for the type bits
	N_EXT  NType = 0x01 // external symbol bit, set for external symbols
)

// Values for the N_TYPE bits.
const (
	N_UNDF NType = 0x0 // undefined, n_sect == NO_SECT
	N_ABS  NType = 0x2 // absolute, n_sect == NO_SECT
	N_SECT NType = 0xe // defined in section number n_sect
	N_PBUD NType = 0xc // prebound undefined (defined in a dylib)
	N_INDR NType = 0xa // indirect
)

// IsExternal reports whether the N_EXT bit is set.
func (t NType) IsExternal() bool { return t&N_EXT != 0 }

// IsPrivateExternal reports whether the N_PEXT bit is set.
func (t NType) IsPrivateExternal() bool { return t&N_PEXT != 0 }

// IsStab reports whether this entry is a symbolic debugger entry rather
// than a linker symbol.
func (t NType) IsStab() bool { return t&N_STAB != 0 }

// Archive returns just the N_TYPE bits.
func (t NType) Archive() NType { return t & N_TYPE }

func (t NType) String(sec string) string {
	var kind string
	switch t.Archive() {
	case N_UNDF:
		kind = "undef"
	case N_ABS:
		kind = "abs"
	case N_INDR:
		kind = "indirect"
	case N_PBUD:
		kind = "prebound"
	case N_SECT:
		if sec != "" {
			kind = sec
		} else {
			kind = "sect"
		}
	default:
		kind = fmt.Sprintf("0x%x", uint8(t.Archive()))
	}
	if t.IsExternal() {
		kind += ",ext"
	}
	if t.IsPrivateExternal() {
		kind += ",pext"
	}
	if t.IsStab() {
		kind += ",stab"
	}
	return kind
}

// NDescType is the n_desc field of a symbol table entry, a bitfield of
// reference type plus assorted flags (REFERENCE_FLAG_*, N_WEAK_*, ...).
type NDescType uint16

const (
	ReferenceFlagMask           NDescType = 0x7
	ReferencedDynamically       NDescType = 0x10
	NoDeadStrip                 NDescType = 0x20
	NDescDiscarded              NDescType = 0x20
	NWeakRef                    NDescType = 0x40
	NWeakDef                    NDescType = 0x80
	NSymbolResolver             NDescType = 0x100
	NAltEntry                   NDescType = 0x200
)

func (d NDescType) String() string {
	var flags []string
	if d&ReferencedDynamically != 0 {
		flags = append(flags, "dynamic")
	}
	if d&NoDeadStrip != 0 {
		flags = append(flags, "no_dead_strip")
	}
	if d&NWeakRef != 0 {
		flags = append(flags, "weak_ref")
	}
	if d&NWeakDef != 0 {
		flags = append(flags, "weak_def")
	}
	if d&NSymbolResolver != 0 {
		flags = append(flags, "resolver")
	}
	if d&NAltEntry != 0 {
		flags = append(flags, "alt_entry")
	}
	if len(flags) == 0 {
		return fmt.Sprintf("0x%x", uint16(d))
	}
	out := flags[0]
	for _, f := range flags[1:] {
		out += "|" + f
	}
	return out
}
