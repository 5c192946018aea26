package linker

import "testing"

func TestIsCxx(t *testing.T) {
	cases := map[string]bool{
		"__ZTV11OSMetaClass": true,
		"__ZN9MyDriver4initEv": true,
		"_my_driver_start":    false,
		"__Z":                 false,
	}
	for name, want := range cases {
		if got := IsCxx(name); got != want {
			t.Errorf("IsCxx(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestIsVtable(t *testing.T) {
	cases := map[string]bool{
		"__ZTV11OSMetaClass":        true,
		"__ZTVN8MyDriver9MetaClassE": false,
		"__ZN9MyDriver4initEv":      false,
	}
	for name, want := range cases {
		if got := IsVtable(name); got != want {
			t.Errorf("IsVtable(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestIsSmcpAndClassNameFromSuperMetaClassPointer(t *testing.T) {
	name := SuperClassPointerNameFromClassName("MyDriver")
	if !IsSmcp(name) {
		t.Fatalf("IsSmcp(%q) = false, want true", name)
	}
	className, ok := ClassNameFromSuperMetaClassPointer(name)
	if !ok || className != "MyDriver" {
		t.Fatalf("ClassNameFromSuperMetaClassPointer(%q) = (%q, %v), want (MyDriver, true)", name, className, ok)
	}
}

func TestIsGMetaClassAndClassNameFromMetaClassPointer(t *testing.T) {
	name := GMetaClassNameFromClassName("MyDriver")
	if !IsGMetaClass(name) {
		t.Fatalf("IsGMetaClass(%q) = false, want true", name)
	}
	className, ok := ClassNameFromMetaClassPointer(name)
	if !ok || className != "MyDriver" {
		t.Fatalf("ClassNameFromMetaClassPointer(%q) = (%q, %v), want (MyDriver, true)", name, className, ok)
	}
}

func TestVtableNameRoundTrip(t *testing.T) {
	vt := VtableNameFromClassName("MyDriver")
	if vt != "__ZTV8MyDriver" {
		t.Fatalf("VtableNameFromClassName = %q, want __ZTV8MyDriver", vt)
	}
	className, ok := ClassNameFromVtableName(vt)
	if !ok || className != "MyDriver" {
		t.Fatalf("ClassNameFromVtableName(%q) = (%q, %v), want (MyDriver, true)", vt, className, ok)
	}
}

func TestMetaVtableNameFromClassName(t *testing.T) {
	got := MetaVtableNameFromClassName("MyDriver")
	want := "__ZTVN8MyDriver9MetaClassE"
	if got != want {
		t.Errorf("MetaVtableNameFromClassName = %q, want %q", got, want)
	}
	if IsVtable(got) {
		t.Errorf("IsVtable(%q) = true, want false (nested MetaClass vtable is not top-level)", got)
	}
}

func TestIsPadslot(t *testing.T) {
	if !IsPadslot("__ZN8MyDriver11_RESERVED0Ev") {
		t.Error("IsPadslot should match a mangled _RESERVEDn member")
	}
	if IsPadslot("__ZN8MyDriver4initEv") {
		t.Error("IsPadslot should not match an ordinary member")
	}
}

func TestIsPureVirtual(t *testing.T) {
	if !IsPureVirtual("___cxa_pure_virtual") {
		t.Error("IsPureVirtual should match the compiler-generated handler")
	}
	if IsPureVirtual("___cxa_atexit") {
		t.Error("IsPureVirtual should not match unrelated runtime symbols")
	}
}

func TestFinalSymbolNameFromClassName(t *testing.T) {
	if got, want := FinalSymbolNameFromClassName("MyDriver"), GMetaClassNameFromClassName("MyDriver"); got != want {
		t.Errorf("FinalSymbolNameFromClassName = %q, want %q", got, want)
	}
}
