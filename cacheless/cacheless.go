// Package cacheless implements the cacheless boot path (spec.md §4.4,
// CachelessContext.c): unlike the other three container formats, it never
// builds a container at all. It produces a virtual filesystem overlay that
// the bootloader substitutes for the real /System/Library/Extensions
// directory handle, synthesising entries for injected kexts and rewriting
// the plists/binaries of real ones that need patching.
//
// The original engine drives this overlay through EFI_FILE_PROTOCOL handle
// interception; a Go rendition has no such seam; instead OverlayExtensionsDir
// returns an fs.FS (its directory handle implements fs.ReadDirFile) layered
// over an fs.FS view of the real directory, which is
// both the idiomatic Go shape for "a directory with some entries replaced"
// and directly testable with fstest.TestFS.
package cacheless

import (
	"fmt"
	"io"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/acidkit/kextcache/patcher"
	"github.com/acidkit/kextcache/plist"
	"github.com/acidkit/kextcache/result"
	"github.com/acidkit/kextcache/version"
)

// virtualNameLen is the fixed width of a synthesised bundle name
// (spec.md §6: "OcXXXXXXXX.kext, exactly 15 characters, X in [0-9A-F]").
const virtualNameLen = 15

const safeBootRequired = "Safe Boot"
const rootRequired = "Root"

// injectedKext is one bundle queued by AddKext, not yet assigned its
// on-disk virtual name (that happens lazily, at the first
// OverlayExtensionsDir call, mirroring the original's deferred naming).
type injectedKext struct {
	bundle     plist.Bundle
	infoPlist  []byte
	executable []byte
	name       string // "OcXXXXXXXX.kext", assigned lazily
}

// patchRequest is one queued AddPatch/AddQuirk/Block call, keyed by the
// bundle identifier it targets.
type patchRequest struct {
	identifier string
	patch      patcher.GenericPatch
	block      bool
	minKernel  version.Darwin
	maxKernel  version.Darwin
}

// realBundle is what ScanExtensions records about one bundle found while
// walking the real Extensions directory: enough to build its dependency
// closure and to know whether a later patch forces its OSBundleRequired to
// be rewritten.
type realBundle struct {
	identifier   string
	plistPath    string
	binaryPath   string
	dependencies map[string]string
	required     string
	patchValid   bool // PatchValidOSBundleRequired: closure member of a patched bundle
}

// Context is the cacheless overlay engine for one Extensions directory.
type Context struct {
	real          fs.FS
	extensionsDir string
	kernelVersion string
	darwinVersion version.Darwin
	is32bit       bool

	injected []injectedKext
	patches  []patchRequest

	// populated lazily by ScanExtensions, triggered by the first
	// HookBuiltin or OverlayExtensionsDir call.
	scanned      bool
	byIdentifier map[string]*realBundle
	byPlistPath  map[string]*realBundle
	byBinaryPath map[string]*realBundle

	overlayBuilt bool
	names        map[string]bool // every OcXXXXXXXX.kext name already handed out
}

// Init implements CachelessContextInit: records the real directory and
// kernel version; the injected-kext list, the patch-request list (which
// ForceKext's forced dependencies also join, since Go has no separate
// bump-allocated array to size up front) and the lazily populated
// built-in-kext index all start empty.
func Init(real fs.FS, extensionsDir, kernelVersion string, is32bit bool) (*Context, error) {
	if real == nil {
		return nil, result.New(result.InvalidParameter, "real filesystem")
	}
	return &Context{
		real:          real,
		extensionsDir: extensionsDir,
		kernelVersion: kernelVersion,
		darwinVersion: version.Parse(kernelVersion),
		is32bit:       is32bit,
		names:         make(map[string]bool),
	}, nil
}

// AddKext implements CachelessContextAddKext: parses infoPlist, rewrites a
// "Safe Boot" OSBundleRequired (or a missing one) to "Root" so the
// early-boot KXLD loads it even in safe mode, and appends it to the
// injected list. The on-disk virtual name is assigned lazily, at the first
// OverlayExtensionsDir call.
func (c *Context) AddKext(infoPlist []byte, executable []byte) error {
	var bundle plist.Bundle
	if err := plist.Decode(infoPlist, &bundle); err != nil {
		return result.Wrap(result.LoadError, "decode Info.plist", err)
	}

	if bundle.OSBundleRequired == "" || bundle.OSBundleRequired == safeBootRequired {
		bundle.OSBundleRequired = rootRequired
	}

	fixed, err := plist.Encode(bundle)
	if err != nil {
		return result.Wrap(result.LoadError, "encode Info.plist", err)
	}

	c.injected = append(c.injected, injectedKext{
		bundle:     bundle,
		infoPlist:  fixed,
		executable: executable,
	})
	return nil
}

// ForceKext implements CachelessContextForceKext: adds a bundle identifier
// to the forced-dependency set without injecting its own content — used
// when a patch's target kext needs a library present that safe mode would
// otherwise have excluded. It is satisfied for free by PatchValidOSBundleRequired
// propagation in ScanExtensions, so it only needs to mark the identifier;
// the actual Root rewrite happens during the scan's dependency-closure walk.
func (c *Context) ForceKext(identifier string) error {
	if identifier == "" {
		return result.New(result.InvalidParameter, "identifier")
	}
	c.patches = append(c.patches, patchRequest{identifier: identifier})
	return nil
}

// AddPatch implements CachelessContextAddPatch: queues a byte-pattern patch
// against a real bundle identifier, applied lazily once that bundle's
// binary is opened through HookBuiltin.
func (c *Context) AddPatch(identifier string, patch patcher.GenericPatch) error {
	if identifier == "" {
		return result.New(result.InvalidParameter, "identifier")
	}
	c.patches = append(c.patches, patchRequest{identifier: identifier, patch: patch})
	return nil
}

// AddQuirk implements CachelessContextAddQuirk: a named, built-in variant
// of AddPatch; quirks are modelled by the caller constructing the
// equivalent GenericPatch and calling AddPatch, so this simply forwards.
func (c *Context) AddQuirk(identifier string, patch patcher.GenericPatch) error {
	return c.AddPatch(identifier, patch)
}

// AddVersionedQuirk queues a quirk the same way AddQuirk does, but only
// applies it when the booting kernel's Darwin version falls within
// [minKernel, maxKernel] (version.Match semantics: a zero bound is
// unbounded on that side). This is how the original quirk table keys a
// workaround to the Darwin releases it is actually needed on.
func (c *Context) AddVersionedQuirk(identifier string, patch patcher.GenericPatch, minKernel, maxKernel version.Darwin) error {
	if identifier == "" {
		return result.New(result.InvalidParameter, "identifier")
	}
	c.patches = append(c.patches, patchRequest{
		identifier: identifier,
		patch:      patch,
		minKernel:  minKernel,
		maxKernel:  maxKernel,
	})
	return nil
}

// Block implements CachelessContextBlock: queues a "make start fail" patch
// against the named bundle, applied the same way AddPatch's patches are.
func (c *Context) Block(identifier string) error {
	if identifier == "" {
		return result.New(result.InvalidParameter, "identifier")
	}
	c.patches = append(c.patches, patchRequest{identifier: identifier, block: true})
	return nil
}

// nextVirtualName probes OcXXXXXXXX.kext for increasing X until the real
// directory (and every name already handed out) returns not-found, per
// spec.md's naming rule.
func (c *Context) nextVirtualName() (string, error) {
	for x := uint32(0); ; x++ {
		name := fmt.Sprintf("Oc%08X.kext", x)
		if len(name) != virtualNameLen {
			return "", result.New(result.LoadError, "generated name has the wrong width")
		}
		if c.names[name] {
			continue
		}
		if _, err := fs.Stat(c.real, path.Join(c.extensionsDir, name)); err == nil {
			continue
		}
		c.names[name] = true
		return name, nil
	}
}

// assignNames hands every not-yet-named injected kext its OcXXXXXXXX.kext
// name, in injection order, matching the original's "generated lazily at
// overlay creation" behaviour.
func (c *Context) assignNames() error {
	for i := range c.injected {
		if c.injected[i].name != "" {
			continue
		}
		name, err := c.nextVirtualName()
		if err != nil {
			return err
		}
		c.injected[i].name = name
	}
	return nil
}

// dirEntry is a synthetic fs.DirEntry for a name this package invents
// (either an injected bundle or one of its Contents subdirectories).
type dirEntry struct {
	name  string
	isDir bool
}

func (d dirEntry) Name() string { return d.name }
func (d dirEntry) IsDir() bool  { return d.isDir }
func (d dirEntry) Type() fs.FileMode {
	if d.isDir {
		return fs.ModeDir
	}
	return 0
}
func (d dirEntry) Info() (fs.FileInfo, error) { return dirInfo{d}, nil }

type dirInfo struct{ d dirEntry }

func (i dirInfo) Name() string       { return i.d.name }
func (i dirInfo) Size() int64        { return 0 }
func (i dirInfo) Mode() fs.FileMode  { return i.d.Type() }
func (i dirInfo) ModTime() time.Time { return time.Time{} }
func (i dirInfo) IsDir() bool        { return i.d.isDir }
func (i dirInfo) Sys() interface{}   { return nil }

// OverlayExtensionsDir implements CachelessContextOverlayExtensionsDir: on
// first call, assigns every injected kext its virtual name; thereafter it
// returns an fs.FS presenting the real directory's entries plus one
// synthesised entry per injected kext.
func (c *Context) OverlayExtensionsDir() (fs.FS, error) {
	if !c.overlayBuilt {
		if err := c.assignNames(); err != nil {
			return nil, err
		}
		c.overlayBuilt = true
	}
	return &overlayFS{ctx: c}, nil
}

// overlayFS is the fs.FS OverlayExtensionsDir hands back; reads of real
// paths fall through to c.real (via HookBuiltin so patches/blocks apply),
// reads under an injected bundle's virtual name are served from memory by
// PerformInject.
type overlayFS struct{ ctx *Context }

func (o *overlayFS) Open(name string) (fs.File, error) {
	rel := strings.TrimPrefix(name, o.ctx.extensionsDir+"/")
	if rel == o.ctx.extensionsDir {
		rel = "."
	}
	if rel == "." || rel == "" {
		return o.openRoot()
	}

	for _, k := range o.ctx.injected {
		if rel == k.name || strings.HasPrefix(rel, k.name+"/") {
			suffix := strings.TrimPrefix(rel, k.name)
			return o.ctx.PerformInject(&k, suffix)
		}
	}

	return o.ctx.HookBuiltin(name)
}

func (o *overlayFS) openRoot() (fs.File, error) {
	realEntries, err := fs.ReadDir(o.ctx.real, o.ctx.extensionsDir)
	if err != nil {
		return nil, result.Wrap(result.LoadError, "read real extensions dir", err)
	}

	entries := make([]fs.DirEntry, 0, len(realEntries)+len(o.ctx.injected))
	entries = append(entries, realEntries...)
	for _, k := range o.ctx.injected {
		entries = append(entries, dirEntry{name: k.name, isDir: true})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	return &dirHandle{name: o.ctx.extensionsDir, entries: entries}, nil
}

// dirHandle is a minimal fs.ReadDirFile over a precomputed entry list.
type dirHandle struct {
	name    string
	entries []fs.DirEntry
	pos     int
}

func (d *dirHandle) Stat() (fs.FileInfo, error) {
	return dirInfo{dirEntry{name: path.Base(d.name), isDir: true}}, nil
}
func (d *dirHandle) Read([]byte) (int, error) { return 0, fmt.Errorf("%s: is a directory", d.name) }
func (d *dirHandle) Close() error             { return nil }
func (d *dirHandle) ReadDir(n int) ([]fs.DirEntry, error) {
	if n <= 0 {
		out := d.entries[d.pos:]
		d.pos = len(d.entries)
		return out, nil
	}
	if d.pos >= len(d.entries) {
		return nil, nil
	}
	end := d.pos + n
	if end > len(d.entries) {
		end = len(d.entries)
	}
	out := d.entries[d.pos:end]
	d.pos = end
	return out, nil
}

// memFile is a read-only in-memory fs.File, the "virtual read-only file"
// PerformInject hands back for a synthesised Info.plist or executable.
type memFile struct {
	name string
	data []byte
	pos  int
}

func (f *memFile) Stat() (fs.FileInfo, error) {
	return fileInfo{name: f.name, size: int64(len(f.data))}, nil
}
func (f *memFile) Read(p []byte) (int, error) {
	if f.pos >= len(f.data) {
		return 0, io.EOF
	}
	n := copy(p, f.data[f.pos:])
	f.pos += n
	return n, nil
}
func (f *memFile) Close() error { return nil }

type fileInfo struct {
	name string
	size int64
}

func (i fileInfo) Name() string       { return i.name }
func (i fileInfo) Size() int64        { return i.size }
func (i fileInfo) Mode() fs.FileMode  { return 0444 }
func (i fileInfo) ModTime() time.Time { return time.Time{} }
func (i fileInfo) IsDir() bool        { return false }
func (i fileInfo) Sys() interface{}   { return nil }

// memDir is a read-only in-memory directory handle for the synthesised
// Contents / Contents/MacOS subdirectories PerformInject presents.
type memDir struct {
	name    string
	entries []fs.DirEntry
	pos     int
}

func (d *memDir) Stat() (fs.FileInfo, error) {
	return dirInfo{dirEntry{name: d.name, isDir: true}}, nil
}
func (d *memDir) Read([]byte) (int, error) { return 0, fmt.Errorf("%s: is a directory", d.name) }
func (d *memDir) Close() error             { return nil }
func (d *memDir) ReadDir(n int) ([]fs.DirEntry, error) {
	if n <= 0 || n > len(d.entries)-d.pos {
		n = len(d.entries) - d.pos
	}
	out := d.entries[d.pos : d.pos+n]
	d.pos += n
	return out, nil
}

// PerformInject implements CachelessContextPerformInject: called whenever
// the overlay opens a path inside an OcXXXXXXXX.kext, it returns a virtual
// directory for /Contents and /Contents/MacOS, or a virtual read-only file
// wrapping the in-memory plist/executable buffer for Info.plist or the
// bundle's executable.
func (c *Context) PerformInject(k *injectedKext, suffix string) (fs.File, error) {
	switch suffix {
	case "", "/", "/Contents":
		entries := []fs.DirEntry{dirEntry{name: "Info.plist"}}
		if k.executable != nil {
			entries = append(entries, dirEntry{name: "MacOS", isDir: true})
		}
		return &memDir{name: "Contents", entries: entries}, nil
	case "/Contents/MacOS":
		if k.executable == nil {
			return nil, result.New(result.NotFound, "bundle has no executable")
		}
		entries := []fs.DirEntry{}
		if k.bundle.Executable != "" {
			entries = append(entries, dirEntry{name: k.bundle.Executable})
		}
		return &memDir{name: "MacOS", entries: entries}, nil
	case "/Contents/Info.plist":
		return &memFile{name: "Info.plist", data: k.infoPlist}, nil
	default:
		if k.executable != nil && strings.HasSuffix(suffix, "/Contents/MacOS/"+k.bundle.Executable) {
			return &memFile{name: k.bundle.Executable, data: k.executable}, nil
		}
		return nil, result.New(result.NotFound, "unrecognised path inside injected bundle: "+suffix)
	}
}

// ScanExtensions walks the real Extensions directory (and one level of
// PlugIns), recording every bundle's identifier, plist/binary paths,
// OSBundleLibraries dependency list and OSBundleRequired status. Then, for
// every queued patch, it marks that patch's bundle and recursively marks
// its dependency closure with PatchValidOSBundleRequired so HookBuiltin
// knows to rewrite their plists to Root on the next open.
func (c *Context) ScanExtensions() error {
	if c.scanned {
		return nil
	}
	c.byIdentifier = make(map[string]*realBundle)
	c.byPlistPath = make(map[string]*realBundle)
	c.byBinaryPath = make(map[string]*realBundle)

	root := c.extensionsDir
	entries, err := fs.ReadDir(c.real, root)
	if err != nil {
		return result.Wrap(result.LoadError, "read extensions dir", err)
	}

	for _, e := range entries {
		if !e.IsDir() || !strings.HasSuffix(e.Name(), ".kext") {
			continue
		}
		bundleDir := path.Join(root, e.Name())
		if err := c.scanBundle(bundleDir); err != nil {
			continue // a malformed sibling bundle doesn't abort the scan
		}
		c.scanPlugins(path.Join(bundleDir, "Contents", "PlugIns"))
	}

	for _, req := range c.patches {
		rb, ok := c.byIdentifier[req.identifier]
		if !ok {
			continue
		}
		c.markClosure(rb, map[string]bool{})
	}

	c.scanned = true
	return nil
}

// scanPlugins records one extra level of nested kext bundles inside a
// top-level bundle's Contents/PlugIns, the original's "one level of
// PlugIns" rule.
func (c *Context) scanPlugins(pluginsDir string) {
	entries, err := fs.ReadDir(c.real, pluginsDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() || !strings.HasSuffix(e.Name(), ".kext") {
			continue
		}
		_ = c.scanBundle(path.Join(pluginsDir, e.Name()))
	}
}

func (c *Context) scanBundle(bundleDir string) error {
	plistPath := path.Join(bundleDir, "Contents", "Info.plist")
	data, err := fs.ReadFile(c.real, plistPath)
	if err != nil {
		return err
	}
	var bundle plist.Bundle
	if err := plist.Decode(data, &bundle); err != nil {
		return err
	}
	if bundle.Identifier == "" {
		return result.New(result.LoadError, "bundle missing CFBundleIdentifier")
	}

	rb := &realBundle{
		identifier:   bundle.Identifier,
		plistPath:    plistPath,
		dependencies: bundle.OSBundleLibraries,
		required:     bundle.OSBundleRequired,
	}
	if bundle.Executable != "" {
		rb.binaryPath = path.Join(bundleDir, "Contents", "MacOS", bundle.Executable)
	}

	c.byIdentifier[rb.identifier] = rb
	c.byPlistPath[rb.plistPath] = rb
	if rb.binaryPath != "" {
		c.byBinaryPath[rb.binaryPath] = rb
	}
	return nil
}

// markClosure recursively marks rb and every bundle it (transitively)
// depends on via OSBundleLibraries, guarding against dependency cycles the
// same way the original's "already marked" short-circuit does.
func (c *Context) markClosure(rb *realBundle, seen map[string]bool) {
	if seen[rb.identifier] {
		return
	}
	seen[rb.identifier] = true
	rb.patchValid = true

	for dep := range rb.dependencies {
		if dep == "kernel" {
			continue
		}
		if depBundle, ok := c.byIdentifier[dep]; ok {
			c.markClosure(depBundle, seen)
		}
	}
}

// HookBuiltin implements CachelessContextHookBuiltin: called for every real
// file open; triggers ScanExtensions on first use, then serves a rewritten
// plist for a marked bundle's Info.plist, a patched binary for a marked
// bundle's executable (passed through the queued patcher operations), or
// falls through to the real file unchanged.
func (c *Context) HookBuiltin(name string) (fs.File, error) {
	if err := c.ScanExtensions(); err != nil {
		return nil, err
	}

	if rb, ok := c.byPlistPath[name]; ok && rb.patchValid && rb.required != rootRequired {
		data, err := fs.ReadFile(c.real, name)
		if err != nil {
			return nil, result.Wrap(result.LoadError, "read real Info.plist", err)
		}
		var bundle plist.Bundle
		if err := plist.Decode(data, &bundle); err != nil {
			return nil, result.Wrap(result.LoadError, "decode real Info.plist", err)
		}
		bundle.OSBundleRequired = rootRequired
		rewritten, err := plist.Encode(bundle)
		if err != nil {
			return nil, result.Wrap(result.LoadError, "encode rewritten Info.plist", err)
		}
		return &memFile{name: path.Base(name), data: rewritten}, nil
	}

	if rb, ok := c.byBinaryPath[name]; ok && rb.patchValid {
		patched, err := c.patchedBinary(rb, name)
		if err != nil {
			return nil, err
		}
		return &memFile{name: path.Base(name), data: patched}, nil
	}

	f, err := c.real.Open(name)
	if err != nil {
		return nil, result.Wrap(result.NotFound, "open real file "+name, err)
	}
	return f, nil
}

// appliesTo reports whether req targets identifier and, when it carries a
// Darwin version range, whether curr falls inside it.
func (req patchRequest) appliesTo(identifier string, curr version.Darwin) bool {
	if req.identifier != identifier {
		return false
	}
	if req.minKernel == 0 && req.maxKernel == 0 {
		return true
	}
	return version.Match(curr, req.minKernel, req.maxKernel)
}

// patchedBinary applies every queued patch/quirk/block targeting rb's
// identifier, in queue order, against a copy of the real binary.
func (c *Context) patchedBinary(rb *realBundle, realPath string) ([]byte, error) {
	raw, err := fs.ReadFile(c.real, realPath)
	if err != nil {
		return nil, result.Wrap(result.LoadError, "read real binary", err)
	}
	buf := append([]byte(nil), raw...)

	pc, err := patcher.FromBuffer(buf)
	if err != nil {
		return nil, err
	}

	for _, req := range c.patches {
		if !req.appliesTo(rb.identifier, c.darwinVersion) {
			continue
		}
		if req.block {
			if err := pc.Block(); err != nil {
				return nil, err
			}
			continue
		}
		if req.patch.Find == nil && req.patch.Replace == nil {
			continue // a bare ForceKext marker, no byte patch to apply
		}
		if _, err := pc.Apply(req.patch); err != nil {
			return nil, err
		}
	}
	return pc.Buffer, nil
}
