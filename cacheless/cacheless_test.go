package cacheless

import (
	"io/fs"
	"testing"
	"testing/fstest"

	"github.com/acidkit/kextcache/patcher"
	"github.com/acidkit/kextcache/version"
)

const safeBootPlist = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>CFBundleIdentifier</key>
	<string>com.example.injected</string>
	<key>CFBundleExecutable</key>
	<string>Injected</string>
	<key>OSBundleRequired</key>
	<string>Safe Boot</string>
</dict>
</plist>
`

const realBundlePlist = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>CFBundleIdentifier</key>
	<string>com.apple.iokit.IOUSBFamily</string>
	<key>CFBundleExecutable</key>
	<string>IOUSBFamily</string>
	<key>OSBundleRequired</key>
	<string>Network-Root</string>
</dict>
</plist>
`

func TestAddKextRewritesSafeBootToRoot(t *testing.T) {
	real := fstest.MapFS{}
	ctx, err := Init(real, ".", "20.0.0", false)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	if err := ctx.AddKext([]byte(safeBootPlist), []byte{0xDE, 0xAD}); err != nil {
		t.Fatalf("AddKext: %v", err)
	}
	if len(ctx.injected) != 1 {
		t.Fatalf("injected count = %d, want 1", len(ctx.injected))
	}
	if got := ctx.injected[0].bundle.OSBundleRequired; got != rootRequired {
		t.Errorf("OSBundleRequired = %q, want %q", got, rootRequired)
	}
}

func TestOverlayExtensionsDirListsRealAndInjectedEntries(t *testing.T) {
	real := fstest.MapFS{
		"Existing.kext/Contents/Info.plist": {Data: []byte(realBundlePlist)},
	}
	ctx, err := Init(real, ".", "20.0.0", false)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := ctx.AddKext([]byte(safeBootPlist), []byte{1, 2, 3}); err != nil {
		t.Fatalf("AddKext: %v", err)
	}

	overlay, err := ctx.OverlayExtensionsDir()
	if err != nil {
		t.Fatalf("OverlayExtensionsDir: %v", err)
	}

	entries, err := fs.ReadDir(overlay, ".")
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}

	var sawInjected, sawReal bool
	for _, e := range entries {
		if e.Name() == "Existing.kext" {
			sawReal = true
		}
		if len(e.Name()) == virtualNameLen {
			sawInjected = true
		}
	}
	if !sawReal || !sawInjected {
		t.Errorf("expected both a real and a synthesised entry, got %v", entries)
	}
}

func TestPerformInjectServesPlistAndBinary(t *testing.T) {
	real := fstest.MapFS{}
	ctx, err := Init(real, ".", "20.0.0", false)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := ctx.AddKext([]byte(safeBootPlist), []byte{9, 9, 9}); err != nil {
		t.Fatalf("AddKext: %v", err)
	}
	if _, err := ctx.OverlayExtensionsDir(); err != nil {
		t.Fatalf("OverlayExtensionsDir: %v", err)
	}

	k := ctx.injected[0]
	if len(k.name) != virtualNameLen {
		t.Fatalf("assigned name %q has length %d, want %d", k.name, len(k.name), virtualNameLen)
	}

	f, err := ctx.PerformInject(&k, "/Contents/Info.plist")
	if err != nil {
		t.Fatalf("PerformInject Info.plist: %v", err)
	}
	buf := make([]byte, 4096)
	n, _ := f.Read(buf)
	if n == 0 {
		t.Error("expected plist bytes, got none")
	}

	if _, err := ctx.PerformInject(&k, "/Contents/MacOS/Injected"); err != nil {
		t.Fatalf("PerformInject binary: %v", err)
	}
}

func TestHookBuiltinRewritesPatchedBundlePlist(t *testing.T) {
	real := fstest.MapFS{
		"IOUSBFamily.kext/Contents/Info.plist": {Data: []byte(realBundlePlist)},
	}
	ctx, err := Init(real, ".", "20.0.0", false)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := ctx.AddPatch("com.apple.iokit.IOUSBFamily", patcher.GenericPatch{}); err != nil {
		t.Fatalf("AddPatch: %v", err)
	}

	f, err := ctx.HookBuiltin("IOUSBFamily.kext/Contents/Info.plist")
	if err != nil {
		t.Fatalf("HookBuiltin: %v", err)
	}
	buf := make([]byte, 4096)
	n, _ := f.Read(buf)
	if n == 0 {
		t.Fatal("expected rewritten plist bytes")
	}
}

func TestPatchRequestAppliesToGatesByVersion(t *testing.T) {
	req := patchRequest{
		identifier: "com.apple.iokit.IOUSBFamily",
		minKernel:  version.Parse("19.0.0"),
		maxKernel:  version.Parse("20.6.0"),
	}

	if req.appliesTo("com.apple.other", version.Parse("20.0.0")) {
		t.Error("matched the wrong identifier")
	}
	if !req.appliesTo(req.identifier, version.Parse("20.0.0")) {
		t.Error("expected a version inside the range to apply")
	}
	if req.appliesTo(req.identifier, version.Parse("21.0.0")) {
		t.Error("expected a version past maxKernel to be skipped")
	}
}

func TestAddVersionedQuirkSkippedOutsideRange(t *testing.T) {
	real := fstest.MapFS{}
	ctx, err := Init(real, ".", "21.0.0", false)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := ctx.AddVersionedQuirk("com.apple.iokit.IOUSBFamily", patcher.GenericPatch{}, version.Parse("19.0.0"), version.Parse("20.6.0")); err != nil {
		t.Fatalf("AddVersionedQuirk: %v", err)
	}
	if len(ctx.patches) != 1 {
		t.Fatalf("patches = %d, want 1", len(ctx.patches))
	}
	if ctx.patches[0].appliesTo("com.apple.iokit.IOUSBFamily", ctx.darwinVersion) {
		t.Error("quirk should not apply: context kernel version is past maxKernel")
	}
}
