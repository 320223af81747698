package loader

import "unsafe"

func ptrOf(addr uintptr) unsafe.Pointer { return unsafe.Pointer(addr) }

func uintptrOf(b *byte) uintptr { return uintptr(unsafe.Pointer(b)) }
