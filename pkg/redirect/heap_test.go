package redirect

import "testing"

func TestPrivateHeapAllocSizeFreeRoundTrip(t *testing.T) {
	h := &privateHeap{blocks: make(map[uintptr][]byte)}

	ptr := h.alloc(32, false)
	if !h.owns(ptr) {
		t.Fatal("alloc'd pointer should be owned by the heap")
	}
	if n, ok := h.size(ptr); !ok || n != 32 {
		t.Fatalf("size(ptr) = %d, %v; want 32, true", n, ok)
	}
	if !h.free(ptr) {
		t.Fatal("free of an owned block should succeed")
	}
	if h.owns(ptr) {
		t.Fatal("block should no longer be owned after free")
	}
}

func TestPrivateHeapZeroFill(t *testing.T) {
	h := &privateHeap{blocks: make(map[uintptr][]byte)}
	ptr := h.alloc(16, true)
	buf := h.bufFor(ptr)
	for i := sizeHeaderBytes; i < len(buf); i++ {
		if buf[i] != 0 {
			t.Fatalf("zero-fill requested but byte %d is 0x%X", i, buf[i])
		}
	}
}

func TestPrivateHeapReallocCopiesMinOfOldAndNew(t *testing.T) {
	h := &privateHeap{blocks: make(map[uintptr][]byte)}
	ptr := h.alloc(8, false)
	buf := h.bufFor(ptr)
	for i := sizeHeaderBytes; i < len(buf); i++ {
		buf[i] = byte(i)
	}

	newPtr := h.realloc(ptr, 4, false)
	if h.owns(ptr) {
		t.Fatal("old block should be released after realloc")
	}
	newBuf := h.bufFor(newPtr)
	for i := 0; i < 4; i++ {
		if newBuf[sizeHeaderBytes+i] != byte(sizeHeaderBytes+i) {
			t.Fatalf("realloc did not preserve shrunk prefix at byte %d", i)
		}
	}
}

func TestPrivateHeapDoesNotOwnUnknownPointer(t *testing.T) {
	h := &privateHeap{blocks: make(map[uintptr][]byte)}
	if h.owns(0xDEADBEEF) {
		t.Fatal("heap should not claim ownership of an address it never allocated")
	}
	if h.free(0xDEADBEEF) {
		t.Fatal("freeing an unowned address should report failure")
	}
}
