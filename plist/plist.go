// Package plist provides the typed property-list documents the four
// kext-cache container formats read and write (spec.md §3, §6). It wraps
// github.com/blacktop/go-plist — the same plist library the kernelcache
// package of blacktop/ipsw (this engine's closest real-world analogue) uses
// against these exact dictionaries — with the handful of struct shapes the
// engine actually exchanges with kexts and containers.
package plist

import (
	"bytes"
	"fmt"
	"strconv"

	gplist "github.com/blacktop/go-plist"
)

// Bundle is the per-kext dictionary carried by __PRELINK_INFO,
// _MKEXTInfoDictionaries, and a cacheless Info.plist. Only the keys spec.md
// §6 names are modelled; everything else round-trips through Extra.
type Bundle struct {
	Identifier        string            `plist:"CFBundleIdentifier,omitempty"`
	Name              string            `plist:"CFBundleName,omitempty"`
	Version           string            `plist:"CFBundleVersion,omitempty"`
	CompatibleVersion string            `plist:"OSBundleCompatibleVersion,omitempty"`
	Executable        string            `plist:"CFBundleExecutable,omitempty"`
	PackageType       string            `plist:"CFBundlePackageType,omitempty"`
	OSBundleLibraries map[string]string `plist:"OSBundleLibraries,omitempty"`
	OSBundleRequired  string            `plist:"OSBundleRequired,omitempty"`
	OSKernelResource  bool              `plist:"OSKernelResource,omitempty"`

	// Prelinked / kernel-collection bookkeeping (§6).
	PrelinkBundlePath         string `plist:"_PrelinkBundlePath,omitempty"`
	PrelinkExecutableRelPath string `plist:"_PrelinkExecutableRelativePath,omitempty"`
	PrelinkExecutableSourceAddr HexUint64 `plist:"_PrelinkExecutableSourceAddr,omitempty"`
	PrelinkExecutableLoadAddr  HexUint64 `plist:"_PrelinkExecutableLoadAddr,omitempty"`
	PrelinkExecutableSize      HexUint64 `plist:"_PrelinkExecutableSize,omitempty"`
	PrelinkKmodInfo            HexUint64 `plist:"_PrelinkKmodInfo,omitempty"`
	PrelinkLinkState           HexUint64 `plist:"_PrelinkLinkState,omitempty"`

	// Mkext bookkeeping (§6).
	MkextBundlePath string    `plist:"_MKEXTBundlePath,omitempty"`
	MkextExecutable HexUint64 `plist:"_MKEXTExecutable,omitempty"`

	Extra map[string]interface{} `plist:",omitempty"`
}

// HexUint64 marshals as the lowercase hexadecimal ASCII string every
// integer value in these plists uses (§6: "All integer values are
// serialised as lowercase hexadecimal ASCII"), mirroring the original
// engine's AsciiUint64ToLowerHex.
type HexUint64 uint64

// MarshalPlist implements gplist's marshaler interface.
func (h HexUint64) MarshalPlist() (interface{}, error) {
	return fmt.Sprintf("%x", uint64(h)), nil
}

// UnmarshalPlist implements gplist's unmarshaler interface.
func (h *HexUint64) UnmarshalPlist(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		// Some producers emit a real <integer>; accept that too.
		var n uint64
		if err2 := unmarshal(&n); err2 != nil {
			return err
		}
		*h = HexUint64(n)
		return nil
	}
	n, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return fmt.Errorf("plist: invalid hex integer %q: %w", s, err)
	}
	*h = HexUint64(n)
	return nil
}

// PrelinkInfo is the __PRELINK_INFO section's root dictionary.
type PrelinkInfo struct {
	PrelinkInfoDictionary []Bundle `plist:"_PrelinkInfoDictionary,omitempty"`
}

// MkextInfo is the mkext v2 plist blob's root dictionary.
type MkextInfo struct {
	InfoDictionaries []Bundle `plist:"_MKEXTInfoDictionaries,omitempty"`
}

// Decode parses data into v, first trimming any trailing NUL padding.
func Decode(data []byte, v interface{}) error {
	dec := gplist.NewDecoder(bytes.NewReader(bytes.TrimRight(data, "\x00")))
	return dec.Decode(v)
}

// Encode renders v as a binary property list, the format every container
// in spec.md §3/§6 stores on disk.
func Encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := gplist.NewEncoder(&buf)
	enc.SetFormat(gplist.BinaryFormat)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
