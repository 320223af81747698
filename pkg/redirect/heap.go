package redirect

import (
	"sync"
	"unsafe"

	api "github.com/carved4/go-wincall"
)

// sizeHeaderBytes is the word-sized block-size prefix every substitute
// allocation carries.
const sizeHeaderBytes = 8

const heapZeroMemory = 0x00000008

// privateHeap is the loader's own allocator, backed by the Go heap. It
// tracks every block it has handed out so free/size/realloc can decide
// "ours vs theirs" by a predicate on the pointer's address, and so the
// backing slice stays reachable for as long as native code holds the
// pointer (Go's GC would otherwise be free to collect it).
type privateHeap struct {
	mu     sync.Mutex
	blocks map[uintptr][]byte
	// processHeap is the handle value RtlAllocateHeap et al. treat as
	// "the default process heap" -- the only handle this shim intercepts.
	processHeap uintptr
}

var heap = &privateHeap{blocks: make(map[uintptr][]byte)}

// SetProcessHeap records the handle the shim should intercept calls
// against. Read once at Init from the PEB's ProcessHeap field.
func SetProcessHeap(h uintptr) { heap.processHeap = h }

func (h *privateHeap) alloc(size uintptr, zero bool) uintptr {
	buf := make([]byte, sizeHeaderBytes+size)
	*(*uint64)(unsafe.Pointer(&buf[0])) = uint64(size)
	if zero {
		for i := sizeHeaderBytes; i < len(buf); i++ {
			buf[i] = 0
		}
	}
	ptr := uintptr(unsafe.Pointer(&buf[sizeHeaderBytes]))

	h.mu.Lock()
	h.blocks[ptr] = buf
	h.mu.Unlock()
	return ptr
}

// owns reports whether ptr is one of our allocations -- the "is this
// one of our allocations" predicate invariant 5 requires.
func (h *privateHeap) owns(ptr uintptr) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.blocks[ptr]
	return ok
}

func (h *privateHeap) size(ptr uintptr) (uintptr, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	buf, ok := h.blocks[ptr]
	if !ok {
		return 0, false
	}
	return uintptr(*(*uint64)(unsafe.Pointer(&buf[0]))), true
}

func (h *privateHeap) free(ptr uintptr) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.blocks[ptr]; !ok {
		return false
	}
	delete(h.blocks, ptr)
	return true
}

func (h *privateHeap) realloc(ptr uintptr, newSize uintptr, zero bool) uintptr {
	h.mu.Lock()
	old, ok := h.blocks[ptr]
	h.mu.Unlock()
	if !ok {
		return 0
	}
	oldSize := uintptr(*(*uint64)(unsafe.Pointer(&old[0])))

	newPtr := h.alloc(newSize, zero)
	newBuf := h.bufFor(newPtr)
	n := oldSize
	if newSize < n {
		n = newSize
	}
	copy(newBuf[sizeHeaderBytes:sizeHeaderBytes+n], old[sizeHeaderBytes:sizeHeaderBytes+n])

	h.mu.Lock()
	delete(h.blocks, ptr)
	h.mu.Unlock()
	return newPtr
}

func (h *privateHeap) bufFor(ptr uintptr) []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.blocks[ptr]
}

// forwardHeapCall invokes the real ntdll routine for handles the shim
// doesn't own.
func forwardHeapCall(proc string, args ...uintptr) uintptr {
	iargs := make([]interface{}, len(args))
	for i, a := range args {
		iargs[i] = a
	}
	r, err := api.Call("ntdll.dll", proc, iargs...)
	if err != nil {
		return 0
	}
	return r
}

func redirectRtlAllocateHeap(hHeap, flags, size uintptr) uintptr {
	if hHeap != heap.processHeap {
		return forwardHeapCall("RtlAllocateHeap", hHeap, flags, size)
	}
	return heap.alloc(size, flags&heapZeroMemory != 0)
}

func redirectRtlReAllocateHeap(hHeap, flags, ptr, size uintptr) uintptr {
	if hHeap != heap.processHeap || !heap.owns(ptr) {
		return forwardHeapCall("RtlReAllocateHeap", hHeap, flags, ptr, size)
	}
	return heap.realloc(ptr, size, flags&heapZeroMemory != 0)
}

func redirectRtlFreeHeap(hHeap, flags, ptr uintptr) uintptr {
	if hHeap != heap.processHeap || !heap.owns(ptr) {
		return forwardHeapCall("RtlFreeHeap", hHeap, flags, ptr)
	}
	if heap.free(ptr) {
		return 1
	}
	return 0
}

func redirectRtlSizeHeap(hHeap, flags, ptr uintptr) uintptr {
	if hHeap != heap.processHeap {
		return forwardHeapCall("RtlSizeHeap", hHeap, flags, ptr)
	}
	if n, ok := heap.size(ptr); ok {
		return n
	}
	return forwardHeapCall("RtlSizeHeap", hHeap, flags, ptr)
}
