package redirect

import "testing"

func TestTrackAndQueryFLSCallback(t *testing.T) {
	flsHead = &flsCallback{} // isolate from other tests' registrations

	const cb = uintptr(0x7FF600001000)
	if isTrackedCallback(cb) {
		t.Fatal("callback should not be tracked before registration")
	}
	trackFLSCallback(cb)
	if !isTrackedCallback(cb) {
		t.Fatal("callback should be tracked after registration")
	}
}

func TestHandleCallbackRejectsUntracked(t *testing.T) {
	flsHead = &flsCallback{}
	ctx := &CPUContext{}
	if HandleCallback(ctx, 0x1234) {
		t.Fatal("HandleCallback must decline an untracked address")
	}
}

func TestHandleCallbackDeclinesOnUnreadableStack(t *testing.T) {
	flsHead = &flsCallback{}
	const cb = uintptr(0x7FF600002000)
	trackFLSCallback(cb)

	ctx := &CPUContext{SP: 0} // no readable return address
	if HandleCallback(ctx, cb) {
		t.Fatal("HandleCallback must decline when the return address can't be read")
	}
}
