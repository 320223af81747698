package redirect

import (
	"unsafe"

	api "github.com/carved4/go-wincall"
)

// redirectGetModuleHandleA checks the private registry before falling
// back to the real GetModuleHandleA.
func redirectGetModuleHandleA(namePtr uintptr) uintptr {
	if namePtr == 0 || lookup == nil {
		return forwardKernel32Call("GetModuleHandleA", namePtr)
	}
	name := cString(namePtr)
	if base, _, ok := lookup.ModuleByName(name); ok {
		return base
	}
	return forwardKernel32Call("GetModuleHandleA", namePtr)
}

// redirectGetProcAddress consults the redirection table first, then the
// module's own exports, before forwarding to the real GetProcAddress.
func redirectGetProcAddress(hModule, namePtr uintptr) uintptr {
	if lookup == nil {
		return forwardKernel32Call("GetProcAddress", hModule, namePtr)
	}
	donor, size, known := lookup.ModuleByBase(hModule)
	if !known || size == 0 {
		return forwardKernel32Call("GetProcAddress", hModule, namePtr)
	}
	name := cString(namePtr)

	if donor != "" {
		if addr, ok := Lookup(donor, name); ok {
			return addr
		}
	}
	if addr, ok := lookup.ModuleExport(hModule, name); ok {
		return addr
	}
	return forwardKernel32Call("GetProcAddress", hModule, namePtr)
}

func forwardKernel32Call(proc string, args ...uintptr) uintptr {
	iargs := make([]interface{}, len(args))
	for i, a := range args {
		iargs[i] = a
	}
	r, err := api.Call("kernel32.dll", proc, iargs...)
	if err != nil {
		return 0
	}
	return r
}

func cString(addr uintptr) string {
	var b []byte
	for {
		c := *(*byte)(unsafe.Pointer(addr))
		if c == 0 {
			break
		}
		b = append(b, c)
		addr++
	}
	return string(b)
}
