// Package patcher implements the generic byte-pattern find/replace engine
// and the kext-block stub of spec.md §4.6, grounded on
// Library/OcAppleKernelLib/KextPatcher.c of the original engine.
package patcher

import (
	"bytes"

	"github.com/acidkit/kextcache/internal/kmod"
	"github.com/acidkit/kextcache/macho"
	"github.com/acidkit/kextcache/result"
)

// kmodReturnFailure is the constant PatcherBlockKext writes into eax
// (spec.md §6: KMOD_RETURN_FAILURE = 0xAF).
const kmodReturnFailure = 0xAF

// Context wraps a single kext's (or kernel's) Mach-O view for patching.
// VirtualBase is the load address corresponding to file offset 0
// (__TEXT.vaddr - __TEXT.fileoff), and VirtualKmod is the virtual address
// of the kext's kmod_info, when known.
type Context struct {
	Buffer      []byte
	MachO       *macho.File
	VirtualBase uint64
	VirtualKmod uint64
}

// FromBuffer builds a Context from a standalone Mach-O buffer (§4.6
// InitFromBuffer), recovering VirtualBase from __TEXT.
func FromBuffer(buf []byte) (*Context, error) {
	f, err := macho.NewFile(bytes.NewReader(buf))
	if err != nil {
		return nil, result.Wrap(result.LoadError, "parse mach-o", err)
	}

	seg := f.Segment("__TEXT")
	if seg == nil || seg.Addr < seg.Offset {
		return nil, result.New(result.NotFound, "__TEXT segment")
	}

	return &Context{
		Buffer:      buf,
		MachO:       f,
		VirtualBase: seg.Addr - seg.Offset,
	}, nil
}

// GenericPatch is a byte-pattern find/replace descriptor (spec.md §3,
// "Patch descriptor"). Find == nil means "unconditional memcpy at Base".
type GenericPatch struct {
	Find        []byte
	Mask        []byte
	Replace     []byte
	ReplaceMask []byte
	Count       uint32 // 0 = replace all matches
	Skip        uint32 // number of leading matches to skip
	Base        string // optional symbol name constraining the search window
	Limit       uint32 // optional cap on the search window size
}

// Apply runs patch against c's buffer, mutating it in place (§4.6
// ApplyGenericPatch). It returns the number of replacements performed.
func (c *Context) Apply(patch GenericPatch) (uint32, error) {
	base := 0
	size := len(c.Buffer)

	if patch.Base != "" {
		addr, err := c.MachO.FindSymbolAddress(patch.Base)
		if err != nil {
			return 0, result.Wrap(result.NotFound, "base symbol "+patch.Base, err)
		}
		if addr < c.VirtualBase {
			return 0, result.New(result.InvalidParameter, "base symbol below VirtualBase")
		}
		base = int(addr - c.VirtualBase)
		if base > size {
			return 0, result.New(result.NotFound, "base symbol outside buffer")
		}
		size -= base
	}

	if patch.Find == nil {
		if size < len(patch.Replace) {
			return 0, result.New(result.NotFound, "replacement larger than remaining buffer")
		}
		copy(c.Buffer[base:], patch.Replace)
		return 1, nil
	}

	if patch.Limit > 0 && int(patch.Limit) < size {
		size = int(patch.Limit)
	}

	n := applyPattern(patch.Find, patch.Mask, patch.Replace, patch.ReplaceMask, c.Buffer[base:base+size], patch.Count, patch.Skip)
	if n == 0 {
		return 0, result.New(result.NotFound, "pattern not found")
	}
	return n, nil
}

// applyPattern is the find/mask/replace/replaceMask/count/skip primitive of
// §4.6. mask == nil means a plain memcmp; replaceMask == nil means a plain
// memcpy of replace. A zero count means "replace all remaining matches".
func applyPattern(find, mask, replace, replaceMask []byte, data []byte, count, skip uint32) uint32 {
	size := len(find)
	if size == 0 || size > len(data) {
		return 0
	}

	var replaced, skipped uint32
	for i := 0; i+size <= len(data); i++ {
		if !matches(data[i:i+size], find, mask) {
			continue
		}
		if skipped < skip {
			skipped++
			continue
		}

		applyReplace(data[i:i+size], replace, replaceMask)
		replaced++
		i += size - 1

		if count > 0 && replaced >= count {
			break
		}
	}
	return replaced
}

func matches(window, find, mask []byte) bool {
	for i := range find {
		b := window[i]
		if mask != nil {
			b &= mask[i]
			want := find[i] & mask[i]
			if b != want {
				return false
			}
			continue
		}
		if b != find[i] {
			return false
		}
	}
	return true
}

func applyReplace(window, replace, replaceMask []byte) {
	for i := range replace {
		if replaceMask != nil {
			window[i] = (window[i] &^ replaceMask[i]) | (replace[i] & replaceMask[i])
			continue
		}
		window[i] = replace[i]
	}
}

// Block makes the kext's start routine return failure (§4.6 BlockKext,
// §8 S5): it locates kmod_info.StartAddr and overwrites the six bytes there
// with `mov eax, KMOD_RETURN_FAILURE; ret`.
func (c *Context) Block() error {
	if c.VirtualKmod == 0 || c.VirtualBase > c.VirtualKmod {
		return result.New(result.Unsupported, "no kmod_info for this context")
	}

	kmodOffset := c.VirtualKmod - c.VirtualBase
	startAddr, ok := kmod.StartAddr(c.Buffer, int(kmodOffset))
	if !ok {
		return result.New(result.InvalidParameter, "kmod_info out of bounds")
	}
	if startAddr == 0 || c.VirtualBase > startAddr {
		return result.New(result.OutOfResources, "kmod_info.StartAddr invalid")
	}

	offset := startAddr - c.VirtualBase
	if int(offset) > len(c.Buffer)-6 {
		return result.New(result.BufferTooSmall, "start stub out of bounds")
	}

	stub := [6]byte{0xB8, kmodReturnFailure, 0x00, 0x00, 0x00, 0xC3}
	copy(c.Buffer[offset:offset+6], stub[:])
	return nil
}
