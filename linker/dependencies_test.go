package linker

import "testing"

func TestResolveDependenciesKernelIsAlwaysFirst(t *testing.T) {
	kernel := &Kext{Identifier: "kernel"}
	libA := &Kext{Identifier: "com.apple.iokit.IOPCIFamily"}
	libB := &Kext{Identifier: "com.apple.kpi.bsd"}

	resolve := func(id string) (*Kext, bool) {
		switch id {
		case libA.Identifier:
			return libA, true
		case libB.Identifier:
			return libB, true
		default:
			return nil, false
		}
	}

	kext := &Kext{Identifier: "com.example.mydriver"}
	if err := ResolveDependencies(kext, []string{libA.Identifier, libB.Identifier}, kernel, resolve); err != nil {
		t.Fatalf("ResolveDependencies: %v", err)
	}

	want := []*Kext{kernel, libA, libB}
	if len(kext.Dependencies) != len(want) {
		t.Fatalf("len(Dependencies) = %d, want %d", len(kext.Dependencies), len(want))
	}
	for i, dep := range want {
		if kext.Dependencies[i] != dep {
			t.Errorf("Dependencies[%d] = %v, want %v", i, kext.Dependencies[i], dep)
		}
	}
}

func TestResolveDependenciesKernelItselfHasNoKernelDependency(t *testing.T) {
	kernel := &Kext{Identifier: "kernel"}
	resolve := func(string) (*Kext, bool) { return nil, false }

	if err := ResolveDependencies(kernel, nil, kernel, resolve); err != nil {
		t.Fatalf("ResolveDependencies: %v", err)
	}
	if len(kernel.Dependencies) != 0 {
		t.Errorf("the kernel pseudo-kext should not depend on itself, got %v", kernel.Dependencies)
	}
}

func TestResolveDependenciesMissingLibraryIsError(t *testing.T) {
	kernel := &Kext{Identifier: "kernel"}
	kext := &Kext{Identifier: "com.example.mydriver"}
	resolve := func(string) (*Kext, bool) { return nil, false }

	if err := ResolveDependencies(kext, []string{"com.example.missing"}, kernel, resolve); err == nil {
		t.Fatal("expected an error when a declared OSBundleLibraries entry can't be resolved")
	}
}
