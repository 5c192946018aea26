package mkext

import (
	"testing"

	"github.com/acidkit/kextcache/plist"
)

const samplePlist = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>CFBundleIdentifier</key>
	<string>com.example.test</string>
	<key>CFBundlePackageType</key>
	<string>KEXT</string>
</dict>
</plist>
`

func buildV1Header(numKexts uint32) []byte {
	buf := make([]byte, coreHeaderSize)
	putU32(buf, 0, magic)
	putU32(buf, 4, signature)
	putU32(buf, 16, versionV1)
	putU32(buf, 20, numKexts)
	putU32(buf, 24, cpuTypeX8664)
	return buf
}

func TestInitV1EmptyArchive(t *testing.T) {
	buf := buildV1Header(0)
	putU32(buf, 8, uint32(len(buf)))

	ctx, err := Init(buf, uint32(len(buf)), uint32(len(buf))+4096)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if ctx.Version != versionV1 {
		t.Fatalf("Version = %#x, want v1", ctx.Version)
	}
	if ctx.NumMaxKexts != 0 {
		t.Errorf("NumMaxKexts = %d, want 0 for an empty v1 archive with no slack", ctx.NumMaxKexts)
	}
}

func TestInitRejectsBadMagic(t *testing.T) {
	buf := buildV1Header(0)
	putU32(buf, 0, 0xDEADBEEF)
	putU32(buf, 8, uint32(len(buf)))

	if _, err := Init(buf, uint32(len(buf)), uint32(len(buf))); err == nil {
		t.Fatal("Init accepted a bad magic")
	}
}

func TestV1InjectAndComplete(t *testing.T) {
	header := buildV1Header(0)
	putU32(header, 8, uint32(len(header)))

	allocSize := uint32(len(header)) + 4096
	buf := make([]byte, allocSize)
	copy(buf, header)

	ctx, err := Init(buf, uint32(len(header)), allocSize)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	// A freshly initialised empty v1 archive has no slots reserved; allow
	// exactly one injection by hand for this test's NumMaxKexts.
	ctx.NumMaxKexts = 1

	executable := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	if err := ctx.Inject("", "Foo.kext", []byte(samplePlist), executable); err != nil {
		t.Fatalf("Inject: %v", err)
	}
	if ctx.NumKexts != 1 {
		t.Fatalf("NumKexts = %d, want 1", ctx.NumKexts)
	}

	if err := ctx.InjectComplete(); err != nil {
		t.Fatalf("InjectComplete: %v", err)
	}
	if got := u32(ctx.Mkext, 20); got != 1 {
		t.Errorf("stamped NumKexts = %d, want 1", got)
	}
	if got := u32(ctx.Mkext, 8); got != ctx.MkextSize {
		t.Errorf("stamped Length = %d, want %d", got, ctx.MkextSize)
	}
}

func TestV1InjectRejectsDuplicateIdentifier(t *testing.T) {
	header := buildV1Header(0)
	putU32(header, 8, uint32(len(header)))
	allocSize := uint32(len(header)) + 4096
	buf := make([]byte, allocSize)
	copy(buf, header)

	ctx, err := Init(buf, uint32(len(header)), allocSize)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	ctx.NumMaxKexts = 2

	if err := ctx.Inject("com.example.test", "Foo.kext", []byte(samplePlist), nil); err != nil {
		t.Fatalf("first Inject: %v", err)
	}
	if err := ctx.Inject("com.example.test", "Foo.kext", []byte(samplePlist), nil); err == nil {
		t.Fatal("second Inject with the same identifier should fail")
	}
}

func buildV2Header(plistBytes []byte) []byte {
	size := coreHeaderSize + v2HeaderExtra + uint32(len(plistBytes))
	buf := make([]byte, size)
	putU32(buf, 0, magic)
	putU32(buf, 4, signature)
	putU32(buf, 8, size)
	putU32(buf, 16, versionV2)
	putU32(buf, 24, cpuTypeX8664)
	putU32(buf, coreHeaderSize, coreHeaderSize+v2HeaderExtra) // PlistOffset
	putU32(buf, coreHeaderSize+8, uint32(len(plistBytes)))    // PlistFullSize
	copy(buf[coreHeaderSize+v2HeaderExtra:], plistBytes)
	return buf
}

func TestV2InitAndInject(t *testing.T) {
	info := plist.MkextInfo{}
	encodedInfo, err := plist.Encode(info)
	if err != nil {
		t.Fatalf("encode empty MkextInfo: %v", err)
	}
	header := buildV2Header(encodedInfo)

	allocSize := uint32(len(header)) + 4096
	buf := make([]byte, allocSize)
	copy(buf, header)

	ctx, err := Init(buf, uint32(len(header)), allocSize)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	if err := ctx.Inject("", "Foo.kext", []byte(samplePlist), []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("Inject: %v", err)
	}
	if len(ctx.info.InfoDictionaries) != 1 {
		t.Fatalf("InfoDictionaries len = %d, want 1", len(ctx.info.InfoDictionaries))
	}

	if err := ctx.InjectComplete(); err != nil {
		t.Fatalf("InjectComplete: %v", err)
	}
	if u32(ctx.Mkext, 8) != ctx.MkextSize {
		t.Errorf("stamped Length mismatch")
	}
}
