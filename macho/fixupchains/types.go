package fixupchains

import (
	"bytes"
	"encoding/binary"

	"github.com/acidkit/kextcache/macho/types"
)

// DCPtrKind and DCPtrStart are re-exported under the fixupchains package so
// the chain-walking code below can name dyld_chained_starts_in_segment
// pointer formats without qualifying every reference.
type DCPtrKind = types.DCPtrKind
type DCPtrStart = types.DCPtrStart

const (
	DYLD_CHAINED_PTR_ARM64E              = types.DYLD_CHAINED_PTR_ARM64E
	DYLD_CHAINED_PTR_64                  = types.DYLD_CHAINED_PTR_64
	DYLD_CHAINED_PTR_32                  = types.DYLD_CHAINED_PTR_32
	DYLD_CHAINED_PTR_32_CACHE            = types.DYLD_CHAINED_PTR_32_CACHE
	DYLD_CHAINED_PTR_32_FIRMWARE         = types.DYLD_CHAINED_PTR_32_FIRMWARE
	DYLD_CHAINED_PTR_64_OFFSET           = types.DYLD_CHAINED_PTR_64_OFFSET
	DYLD_CHAINED_PTR_ARM64E_KERNEL       = types.DYLD_CHAINED_PTR_ARM64E_KERNEL
	DYLD_CHAINED_PTR_64_KERNEL_CACHE     = types.DYLD_CHAINED_PTR_64_KERNEL_CACHE
	DYLD_CHAINED_PTR_ARM64E_USERLAND     = types.DYLD_CHAINED_PTR_ARM64E_USERLAND
	DYLD_CHAINED_PTR_ARM64E_FIRMWARE     = types.DYLD_CHAINED_PTR_ARM64E_FIRMWARE
	DYLD_CHAINED_PTR_X86_64_KERNEL_CACHE = types.DYLD_CHAINED_PTR_X86_64_KERNEL_CACHE
	DYLD_CHAINED_PTR_ARM64E_USERLAND24   = types.DYLD_CHAINED_PTR_ARM64E_USERLAND24

	DYLD_CHAINED_PTR_START_NONE  = types.DYLD_CHAINED_PTR_START_NONE
	DYLD_CHAINED_PTR_START_MULTI = types.DYLD_CHAINED_PTR_START_MULTI
	DYLD_CHAINED_PTR_START_LAST  = types.DYLD_CHAINED_PTR_START_LAST

	DC_IMPORT          = types.DC_IMPORT
	DC_IMPORT_ADDEND   = types.DC_IMPORT_ADDEND
	DC_IMPORT_ADDEND64 = types.DC_IMPORT_ADDEND64
)

func Generic64Next(ptr uint64) uint64  { return types.Generic64Next(ptr) }
func Generic64IsBind(ptr uint64) bool  { return types.Generic64IsBind(ptr) }
func Generic32Next(ptr uint32) uint64  { return types.Generic32Next(ptr) }
func Generic32IsBind(ptr uint32) bool  { return types.Generic32IsBind(ptr) }
func DcpArm64eIsBind(ptr uint64) bool  { return types.DcpArm64eIsBind(ptr) }
func DcpArm64eIsAuth(ptr uint64) bool  { return types.DcpArm64eIsAuth(ptr) }
func DcpArm64eNext(ptr uint64) uint64  { return types.DcpArm64eNext(ptr) }

// DcpArm64eIsRebase is the complement of IsBind/IsAuth for the ARM64E chained
// pointer formats: neither bind nor auth leaves only the plain rebase case.
func DcpArm64eIsRebase(ptr uint64) bool {
	return !types.DcpArm64eIsBind(ptr) && !types.DcpArm64eIsAuth(ptr)
}

// stride returns the page-relative, format-specific multiplier applied to a
// chained pointer's next field to get the byte distance to the following
// fixup in the chain. Most formats advance 4 bytes per unit; ARM64E userland
// formats advance a full pointer width, and the x86_64 kernel cache format
// (the only one kernelcollection ever writes) advances a single byte.
func stride(format DCPtrKind) uint64 {
	switch format {
	case DYLD_CHAINED_PTR_X86_64_KERNEL_CACHE:
		return 1
	case DYLD_CHAINED_PTR_ARM64E, DYLD_CHAINED_PTR_ARM64E_USERLAND, DYLD_CHAINED_PTR_ARM64E_USERLAND24:
		return 8
	default:
		return 4
	}
}

// pointerSize returns the on-disk width, in bytes, of a chained pointer slot.
func pointerSize(format DCPtrKind) int {
	switch format {
	case DYLD_CHAINED_PTR_32, DYLD_CHAINED_PTR_32_CACHE, DYLD_CHAINED_PTR_32_FIRMWARE:
		return 4
	default:
		return 8
	}
}

// Fixup is satisfied by every decoded chained-pointer value (rebase or
// bind). Offset reports the file offset of the pointer slot itself, not the
// value it encodes.
type Fixup interface {
	Offset() uint64
}

// Auth is implemented by chained rebase entries that carry pointer
// authentication metadata (the arm64e auth-rebase format).
type Auth interface {
	Fixup
	Diversity() uint64
	AddrDiv() uint64
	Key() uint64
}

// Import is satisfied by the three dyld_chained_import wire-format variants.
type Import interface {
	NameOffset() uint64
}

// Rebase is satisfied by every decoded rebase fixup, auth or plain.
type Rebase interface {
	Fixup
	Target() uint64
}

// Bind is satisfied by every decoded bind fixup.
type Bind interface {
	Fixup
	Ordinal() uint64
}

// DyldChainedImport is the plain (DC_IMPORT) 32-bit import table entry:
// an 8-bit library ordinal, a 1-bit weak-import flag, and a 23-bit name
// offset into the trailing symbol string pool.
type DyldChainedImport uint32

func (d DyldChainedImport) NameOffset() uint64 { return uint64(d) >> 9 }

// DyldChainedImportAddend (DC_IMPORT_ADDEND) adds a signed 32-bit addend
// after the same ordinal/weak/name_offset packing.
type DyldChainedImportAddend struct {
	Raw    uint32
	Addend int32
}

func (d DyldChainedImportAddend) NameOffset() uint64 { return uint64(d.Raw) >> 9 }

// DyldChainedImportAddend64 (DC_IMPORT_ADDEND64) widens the ordinal to 16
// bits and the name offset to 32, plus a 64-bit addend.
type DyldChainedImportAddend64 struct {
	Raw    uint64
	Addend int64
}

func (d DyldChainedImportAddend64) NameOffset() uint64 { return d.Raw >> 32 }

// DcfImport is a resolved import: the symbol name read out of the trailing
// string pool alongside the wire-format entry it was decoded from.
type DcfImport struct {
	Name   string
	Import Import
}

// segmentRange is one entry of the sorted, non-overlapping index used to
// find which DyldChainedStarts segment covers a given file offset.
type segmentRange struct {
	start, end uint64
	index      int
}

// DyldChainedStarts is the parsed dyld_chained_starts_in_segment for one
// mach-o segment: the fixed-size header, the per-page chain-start array,
// and, once Parse has walked the chains, every fixup discovered in it.
type DyldChainedStarts struct {
	types.DyldChainedStartsInSegment
	PageStarts []DCPtrStart
	Fixups     []Fixup
}

// DyldChainedFixups holds the parsed LC_DYLD_CHAINED_FIXUPS payload of a
// mach-o image: the segment start tables, the resolved import names, and a
// target-offset index of every rebase fixup built lazily by Parse.
type DyldChainedFixups struct {
	types.DyldChainedFixupsHeader

	r  *bytes.Reader
	sr types.MachoReader
	bo binary.ByteOrder

	Starts        []DyldChainedStarts
	Imports       []DcfImport
	PointerFormat DCPtrKind

	metadataParsed bool
	importsParsed  bool
	chainsParsed   bool

	segmentIndex []segmentRange
	fixups       map[uint64]Fixup
}

// --- arm64e (DYLD_CHAINED_PTR_ARM64E family) ---

type DyldChainedPtrArm64eRebase struct {
	Pointer uint64
	Fixup   uint64
}

func (d DyldChainedPtrArm64eRebase) Offset() uint64 { return d.Fixup }
func (d DyldChainedPtrArm64eRebase) UnpackTarget() uint64 {
	return uint64(types.DyldChainedPtrArm64eRebase(d.Pointer).Offset())
}
func (d DyldChainedPtrArm64eRebase) Target() uint64 { return d.UnpackTarget() }

type DyldChainedPtrArm64eBind struct {
	Pointer uint64
	Fixup   uint64
	Import  string
}

func (d DyldChainedPtrArm64eBind) Offset() uint64  { return d.Fixup }
func (d DyldChainedPtrArm64eBind) Ordinal() uint64 { return uint64(types.DyldChainedPtrArm64eBind(d.Pointer).Ordinal()) }
func (d DyldChainedPtrArm64eBind) SignExtendedAddend() int64 {
	return int64(types.DyldChainedPtrArm64eBind(d.Pointer).SignExtendedAddend())
}

type DyldChainedPtrArm64eAuthRebase struct {
	Pointer uint64
	Fixup   uint64
}

func (d DyldChainedPtrArm64eAuthRebase) Offset() uint64 { return d.Fixup }
func (d DyldChainedPtrArm64eAuthRebase) Target() uint64 {
	return uint64(types.DyldChainedPtrArm64eAuthRebase(d.Pointer).Offset())
}
func (d DyldChainedPtrArm64eAuthRebase) Diversity() uint64 {
	return types.DyldChainedPtrArm64eAuthRebase(d.Pointer).Diversity()
}
func (d DyldChainedPtrArm64eAuthRebase) AddrDiv() uint64 {
	return types.DyldChainedPtrArm64eAuthRebase(d.Pointer).AddrDiv()
}
func (d DyldChainedPtrArm64eAuthRebase) Key() uint64 {
	return types.DyldChainedPtrArm64eAuthRebase(d.Pointer).Key()
}

type DyldChainedPtrArm64eAuthBind struct {
	Pointer uint64
	Fixup   uint64
	Import  string
}

func (d DyldChainedPtrArm64eAuthBind) Offset() uint64 { return d.Fixup }
func (d DyldChainedPtrArm64eAuthBind) Ordinal() uint64 {
	return uint64(types.DyldChainedPtrArm64eAuthBind(d.Pointer).Ordinal())
}

type DyldChainedPtrArm64eBind24 struct {
	Pointer uint64
	Fixup   uint64
	Import  string
}

func (d DyldChainedPtrArm64eBind24) Offset() uint64 { return d.Fixup }
func (d DyldChainedPtrArm64eBind24) Ordinal() uint64 {
	return uint64(types.DyldChainedPtrArm64eBind24(d.Pointer).Ordinal())
}

type DyldChainedPtrArm64eAuthBind24 struct {
	Pointer uint64
	Fixup   uint64
	Import  string
}

func (d DyldChainedPtrArm64eAuthBind24) Offset() uint64 { return d.Fixup }
func (d DyldChainedPtrArm64eAuthBind24) Ordinal() uint64 {
	return uint64(types.DyldChainedPtrArm64eAuthBind24(d.Pointer).Ordinal())
}

// --- DYLD_CHAINED_PTR_64 family ---

type DyldChainedPtr64Rebase struct {
	Pointer uint64
	Fixup   uint64
}

func (d DyldChainedPtr64Rebase) Offset() uint64 { return d.Fixup }
func (d DyldChainedPtr64Rebase) UnpackedTarget() uint64 {
	return uint64(types.DyldChainedPtr64Rebase(d.Pointer).Offset())
}
func (d DyldChainedPtr64Rebase) Target() uint64 { return d.UnpackedTarget() }

type DyldChainedPtr64RebaseOffset struct {
	Pointer uint64
	Fixup   uint64
}

func (d DyldChainedPtr64RebaseOffset) Offset() uint64 { return d.Fixup }
func (d DyldChainedPtr64RebaseOffset) UnpackedTarget() uint64 {
	return uint64(types.DyldChainedPtr64RebaseOffset(d.Pointer).Offset())
}
func (d DyldChainedPtr64RebaseOffset) Target() uint64 { return d.UnpackedTarget() }

type DyldChainedPtr64Bind struct {
	Pointer uint64
	Fixup   uint64
	Import  string
}

func (d DyldChainedPtr64Bind) Offset() uint64  { return d.Fixup }
func (d DyldChainedPtr64Bind) Ordinal() uint64 { return uint64(types.DyldChainedPtr64Bind(d.Pointer).Ordinal()) }
func (d DyldChainedPtr64Bind) Addend() uint64  { return types.DyldChainedPtr64Bind(d.Pointer).Addend() }

// DyldChainedPtr64KernelCacheRebase covers both DYLD_CHAINED_PTR_64_KERNEL_CACHE
// and DYLD_CHAINED_PTR_X86_64_KERNEL_CACHE, the only format kernelcollection's
// write path ever produces.
type DyldChainedPtr64KernelCacheRebase struct {
	Pointer uint64
	Fixup   uint64
}

func (d DyldChainedPtr64KernelCacheRebase) Offset() uint64 { return d.Fixup }
func (d DyldChainedPtr64KernelCacheRebase) Target() uint64 {
	return uint64(types.DyldChainedPtr64KernelCacheRebase(d.Pointer).Offset())
}
func (d DyldChainedPtr64KernelCacheRebase) Next() uint64 {
	return types.DyldChainedPtr64KernelCacheRebase(d.Pointer).Next()
}

// --- DYLD_CHAINED_PTR_32 family ---

type DyldChainedPtr32Rebase struct {
	Pointer uint32
	Fixup   uint64
}

func (d DyldChainedPtr32Rebase) Offset() uint64 { return d.Fixup }
func (d DyldChainedPtr32Rebase) Target() uint64 {
	return uint64(types.DyldChainedPtr32Rebase(d.Pointer).Offset())
}

type DyldChainedPtr32Bind struct {
	Pointer uint32
	Fixup   uint64
	Import  string
}

func (d DyldChainedPtr32Bind) Offset() uint64  { return d.Fixup }
func (d DyldChainedPtr32Bind) Ordinal() uint64 { return uint64(types.DyldChainedPtr32Bind(d.Pointer).Ordinal()) }
func (d DyldChainedPtr32Bind) Addend() uint64  { return uint64(types.DyldChainedPtr32Bind(d.Pointer).Addend()) }

type DyldChainedPtr32CacheRebase struct {
	Pointer uint32
	Fixup   uint64
}

func (d DyldChainedPtr32CacheRebase) Offset() uint64 { return d.Fixup }
func (d DyldChainedPtr32CacheRebase) Target() uint64 {
	return uint64(types.DyldChainedPtr32CacheRebase(d.Pointer).Offset())
}

type DyldChainedPtr32FirmwareRebase struct {
	Pointer uint32
	Fixup   uint64
}

func (d DyldChainedPtr32FirmwareRebase) Offset() uint64 { return d.Fixup }
func (d DyldChainedPtr32FirmwareRebase) Target() uint64 {
	return uint64(types.DyldChainedPtr32FirmwareRebase(d.Pointer).Offset())
}
