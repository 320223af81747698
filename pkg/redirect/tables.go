// Package redirect implements the loader's redirection shim: a closed,
// statically declared set of substitute routines for a handful of
// ntdll/kernel32 exports, so a privately loaded library never shares the
// host process's heap or FLS callback bookkeeping. See loader.c's
// redirect_ntdll / redirect_kernel32 tables for the ground truth list.
package redirect

import (
	"strings"

	"golang.org/x/sys/windows"
)

// ModuleLookup is the slice of the module registry the shim needs.
// Implemented by pkg/loader's driverLookup adapter and injected via SetModuleLookup to
// avoid an import cycle between pkg/redirect and pkg/loader.
type ModuleLookup interface {
	ModuleByName(name string) (base, size uintptr, ok bool)
	ModuleByBase(base uintptr) (name string, size uintptr, ok bool)
	ModuleExport(base uintptr, name string) (uintptr, bool)
}

var lookup ModuleLookup

// SetModuleLookup wires the registry into the shim. Called once from
// the lifecycle driver's Init.
func SetModuleLookup(l ModuleLookup) { lookup = l }

var (
	ntdllTable    map[string]uintptr
	kernel32Table map[string]uintptr
)

func init() {
	ntdllTable = map[string]uintptr{
		"LdrSetDllManifestProber":        windows.NewCallback(redirectLdrSetDllManifestProber),
		"RtlSetThreadPoolStartFunc":      windows.NewCallback(redirectRtlSetThreadPoolStartFunc),
		"RtlSetUnhandledExceptionFilter": windows.NewCallback(redirectRtlSetUnhandledExceptionFilter),
		"RtlAllocateHeap":                windows.NewCallback(redirectRtlAllocateHeap),
		"RtlReAllocateHeap":              windows.NewCallback(redirectRtlReAllocateHeap),
		"RtlFreeHeap":                    windows.NewCallback(redirectRtlFreeHeap),
		"RtlSizeHeap":                    windows.NewCallback(redirectRtlSizeHeap),
		"RtlFreeUnicodeString":           windows.NewCallback(redirectRtlFreeUnicodeString),
		"RtlFreeAnsiString":              windows.NewCallback(redirectRtlFreeAnsiString),
		"RtlFreeOemString":               windows.NewCallback(redirectRtlFreeOemString),
	}
	kernel32Table = map[string]uintptr{
		"FlsAlloc":         windows.NewCallback(redirectFlsAlloc),
		"GetModuleHandleA": windows.NewCallback(redirectGetModuleHandleA),
		"GetProcAddress":   windows.NewCallback(redirectGetProcAddress),
	}
}

// Lookup returns the substitute entry point for (donor, symbol), if the
// shim covers it. donor is compared case-insensitively against "ntdll"
// and "kernel32" with or without the .dll suffix.
func Lookup(donor, symbol string) (uintptr, bool) {
	switch normalizeDonor(donor) {
	case "ntdll":
		addr, ok := ntdllTable[symbol]
		return addr, ok
	case "kernel32":
		addr, ok := kernel32Table[symbol]
		return addr, ok
	default:
		return 0, false
	}
}

func normalizeDonor(donor string) string {
	d := donor
	for i := 0; i+4 <= len(d); i++ {
		if strings.EqualFold(d[i:i+4], ".dll") {
			d = d[:i]
			break
		}
	}
	lower := make([]byte, len(d))
	for i := 0; i < len(d); i++ {
		c := d[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		lower[i] = c
	}
	return string(lower)
}

func redirectLdrSetDllManifestProber(_ uintptr) uintptr { return 0 }
func redirectRtlSetThreadPoolStartFunc(_ uintptr) uintptr { return 0 }
func redirectRtlSetUnhandledExceptionFilter(_ uintptr) uintptr { return 0 }
