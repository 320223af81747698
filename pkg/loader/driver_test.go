package loader

import (
	"testing"
	"time"
)

// TestThreadAttachSerializesWithLoad verifies ThreadAttach can't proceed
// while another logical call chain (Load/Unload/Init/Shutdown) holds the
// loader lock, and does proceed once it's released.
func TestThreadAttachSerializesWithLoad(t *testing.T) {
	d := New(Config{})
	d.registry.Insert(nil, 0x1000, 0x1000, "external.dll", true)

	holder := newToken()
	d.lock.lock(holder)

	done := make(chan struct{})
	go func() {
		d.ThreadAttach()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("ThreadAttach proceeded while the loader lock was held by another call chain")
	case <-time.After(50 * time.Millisecond):
	}

	d.lock.unlock(holder)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ThreadAttach never completed after the loader lock was released")
	}
}

// TestThreadDetachSkipsExternallyLoadedModules exercises walkThreadEvent
// end to end through the locked ThreadDetach entry point without needing
// a real mapped image: externally-loaded modules have no Image in
// d.images and must be skipped rather than dereferenced.
func TestThreadDetachSkipsExternallyLoadedModules(t *testing.T) {
	d := New(Config{})
	d.registry.Insert(nil, 0x2000, 0x1000, "external.dll", true)

	d.ThreadDetach()
}
