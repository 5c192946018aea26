package linker

import "github.com/acidkit/kextcache/result"

// KextResolver looks up an already-scanned Kext by its CFBundleIdentifier,
// drawing from whatever cache of previously injected kexts and the kernel
// pseudo-kext the caller maintains (InternalCachedPrelinkedKext /
// InternalCachedPrelinkedKernel).
type KextResolver func(identifier string) (*Kext, bool)

// ResolveDependencies populates kext.Dependencies from its OSBundleLibraries
// declaration order (spec.md §4.5 entry point, InternalScanPrelinkedKext):
// the kernel pseudo-kext always occupies dependency 0 — unless kext is
// itself the kernel — and each OSBundleLibraries entry follows in plist
// declaration order. KPI libraries are kept even though their symbols are
// also reachable through the kernel, because they can carry indirect
// symbols the kernel itself does not define.
func ResolveDependencies(kext *Kext, bundleLibraries []string, kernel *Kext, resolve KextResolver) error {
	if kernel == nil {
		return result.New(result.NotFound, "kernel pseudo-kext")
	}

	if kernel != kext {
		kext.Dependencies = append(kext.Dependencies, kernel)
	}

	for _, id := range bundleLibraries {
		dep, ok := resolve(id)
		if !ok {
			return result.New(result.NotFound, "dependency "+id)
		}
		kext.Dependencies = append(kext.Dependencies, dep)
	}

	return nil
}
