package redirect

import "unsafe"

// unicodeString mirrors UNICODE_STRING's layout closely enough to read
// and clear the Buffer field the redirected frees operate on.
type unicodeString struct {
	Length        uint16
	MaximumLength uint16
	_             uint32 // alignment padding on x64
	Buffer        uintptr
}

type ansiString struct {
	Length        uint16
	MaximumLength uint16
	_             uint32
	Buffer        uintptr
}

// freeOwnedString frees strPtr's Buffer through the private heap if we
// allocated it; otherwise it forwards to nativeProc, the real ntdll
// routine, exactly as loader.c's redirect_RtlFree*String does in its
// "not one of ours" branch.
func freeOwnedString(strPtr uintptr, nativeProc string) uintptr {
	s := (*unicodeString)(unsafe.Pointer(strPtr))
	if s.Buffer == 0 {
		return 0
	}
	if !heap.owns(s.Buffer) {
		return forwardHeapCall(nativeProc, strPtr)
	}
	heap.free(s.Buffer)
	s.Buffer = 0
	s.Length = 0
	s.MaximumLength = 0
	return 0
}

func redirectRtlFreeUnicodeString(strPtr uintptr) uintptr {
	return freeOwnedString(strPtr, "RtlFreeUnicodeString")
}
func redirectRtlFreeAnsiString(strPtr uintptr) uintptr {
	return freeOwnedString(strPtr, "RtlFreeAnsiString")
}
func redirectRtlFreeOemString(strPtr uintptr) uintptr {
	return freeOwnedString(strPtr, "RtlFreeOemString")
}
