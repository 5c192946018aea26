// Package version parses the Darwin kernel version string embedded in a
// prelinked kernel or kernel collection (e.g. "20.1.0" -> 20.01.00) and
// locates it inside a raw kernel image buffer.
package version

import (
	"bytes"
	"strconv"
	"strings"
)

// banner is the text prefix XNU embeds ahead of its Darwin version string,
// e.g. "Darwin Kernel Version 20.1.0: ...".
const banner = "Darwin Kernel Version "

// Darwin is a parsed three-component Darwin version, packed the way the
// original engine packs it: major*10000 + minor*100 + patch, each component
// clamped to two digits (so "1.2.3" parses the same as "01.02.03").
type Darwin uint32

// Parse parses a dotted-decimal Darwin version string. Missing trailing
// components default to zero; a leading non-digit yields 0, matching the
// original's permissive-but-zero-on-garbage behaviour.
func Parse(s string) Darwin {
	if s == "" || s[0] < '0' || s[0] > '9' {
		return 0
	}

	var version uint32
	parts := strings.SplitN(s, ".", 3)
	for i := 0; i < 3; i++ {
		version *= 100
		if i >= len(parts) {
			continue
		}
		part := parts[i]
		if len(part) > 2 {
			part = part[:2]
		}
		n, err := strconv.ParseUint(part, 10, 32)
		if err != nil {
			return 0
		}
		version += uint32(n)
	}
	return Darwin(version)
}

// Major, Minor and Patch unpack the components Parse folded together.
func (d Darwin) Major() uint32 { return uint32(d) / 10000 }
func (d Darwin) Minor() uint32 { return (uint32(d) / 100) % 100 }
func (d Darwin) Patch() uint32 { return uint32(d) % 100 }

func (d Darwin) String() string {
	if d == 0 {
		return "0.0.0"
	}
	return strconv.Itoa(int(d.Major())) + "." + strconv.Itoa(int(d.Minor())) + "." + strconv.Itoa(int(d.Patch()))
}

// IsZero reports whether the version is the zero/unknown sentinel.
func (d Darwin) IsZero() bool { return d == 0 }

// Match checks curr against [min, max], treating 0 as "unbounded" on every
// side (curr=0 means "infinite" and only matches max=0; max=0 means
// "infinite" and always satisfies the upper bound).
func Match(curr, min, max Darwin) bool {
	if max == 0 {
		max = curr
	}
	if curr == 0 {
		return max == 0
	}
	if curr > max {
		return false
	}
	return curr >= min
}

// ReadFromKernel scans a raw kernel (or prelinked kernel) image for the
// "Darwin Kernel Version " banner string and parses the version that follows
// it, up to the next ':'. Returns the zero version if the banner is absent.
func ReadFromKernel(kernel []byte) Darwin {
	idx := bytes.Index(kernel, []byte(banner))
	if idx < 0 {
		return 0
	}
	start := idx + len(banner)
	end := start
	for end < len(kernel) && kernel[end] != ':' && end-start < 31 {
		end++
	}
	return Parse(string(kernel[start:end]))
}
