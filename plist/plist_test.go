package plist

import "testing"

func TestHexUint64RoundTrip(t *testing.T) {
	b := Bundle{
		Identifier:                 "com.example.Foo",
		PrelinkExecutableLoadAddr:  HexUint64(0xFFFFFF8002A00000),
		PrelinkExecutableSourceAddr: HexUint64(0x1000),
	}

	data, err := Encode(&b)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	var out Bundle
	if err := Decode(data, &out); err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if out.Identifier != b.Identifier {
		t.Errorf("Identifier = %q, want %q", out.Identifier, b.Identifier)
	}
	if out.PrelinkExecutableLoadAddr != b.PrelinkExecutableLoadAddr {
		t.Errorf("PrelinkExecutableLoadAddr = %#x, want %#x", out.PrelinkExecutableLoadAddr, b.PrelinkExecutableLoadAddr)
	}
}

func TestPrelinkInfoRoundTrip(t *testing.T) {
	info := PrelinkInfo{
		PrelinkInfoDictionary: []Bundle{
			{Identifier: "com.apple.kpi.libkern", OSKernelResource: true},
			{Identifier: "com.example.Injected", PrelinkBundlePath: "/Library/Extensions/Injected.kext"},
		},
	}

	data, err := Encode(&info)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	var out PrelinkInfo
	if err := Decode(data, &out); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(out.PrelinkInfoDictionary) != 2 {
		t.Fatalf("got %d bundles, want 2", len(out.PrelinkInfoDictionary))
	}
	if out.PrelinkInfoDictionary[1].Identifier != "com.example.Injected" {
		t.Errorf("Identifier = %q", out.PrelinkInfoDictionary[1].Identifier)
	}
}
