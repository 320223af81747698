package redirect

import (
	"sync"
	"unsafe"

	api "github.com/carved4/go-wincall"
)

// flsCallback is one registered fiber-local callback originating from a
// private library.
type flsCallback struct {
	addr uintptr
	next *flsCallback
}

// flsList is singly linked with a permanent head sentinel, matching
// loader.c's fls_cb_t list: entries are never removed, so lookups never
// race a concurrent deletion.
var (
	flsMu   sync.Mutex
	flsHead = &flsCallback{} // sentinel, never holds a real callback
)

// ModuleRangeCheck reports whether p lies inside some private module's
// mapped range -- used to decide whether an FlsAlloc callback belongs to
// a private library before it is tracked.
type ModuleRangeCheck interface {
	Contains(p uintptr) bool
}

var rangeCheck ModuleRangeCheck

func SetModuleRangeCheck(r ModuleRangeCheck) { rangeCheck = r }

func trackFLSCallback(addr uintptr) {
	flsMu.Lock()
	defer flsMu.Unlock()
	cb := &flsCallback{addr: addr}
	cb.next = flsHead.next
	flsHead.next = cb
}

func isTrackedCallback(addr uintptr) bool {
	flsMu.Lock()
	defer flsMu.Unlock()
	for cb := flsHead.next; cb != nil; cb = cb.next {
		if cb.addr == addr {
			return true
		}
	}
	return false
}

func redirectFlsAlloc(cb uintptr) uintptr {
	if cb != 0 && rangeCheck != nil && rangeCheck.Contains(cb) {
		trackFLSCallback(cb)
	}
	r, err := api.Call("kernel32.dll", "FlsAlloc", cb)
	if err != nil {
		return 0xFFFFFFFF // FLS_OUT_OF_INDEXES
	}
	return r
}

// CPUContext is the minimal register/stack snapshot the instrumentation
// runtime supplies when control is about to transfer to an address that
// might be a tracked FLS callback.
type CPUContext struct {
	SP       uintptr // stack pointer, top of stack holds the return address
	Arg1     uintptr // the callback's single argument, x64 fastcall (RCX)
	NextTag  uintptr // set by HandleCallback on success
}

// stackPop reads the top-of-stack value (the return address) without
// moving ctx.SP; HandleCallback adjusts SP afterwards.
func stackPop(ctx *CPUContext) (uintptr, bool) {
	if ctx.SP == 0 {
		return 0, false
	}
	ret := *(*uintptr)(unsafe.Pointer(ctx.SP))
	return ret, true
}

// HandleCallback mirrors loader.c's private_lib_handle_cb: if pc matches
// a tracked FLS callback, invoke it directly, adjust the stack for its
// callee-pops convention, and redirect execution to the saved return
// address. Returns false ("not handled") if pc is untracked or the
// return address/argument cannot be safely read.
func HandleCallback(ctx *CPUContext, pc uintptr) bool {
	if !isTrackedCallback(pc) {
		return false
	}
	retAddr, ok := stackPop(ctx)
	if !ok {
		return false
	}

	callFLSCallback(pc, ctx.Arg1)

	ctx.SP += unsafe.Sizeof(uintptr(0)) // pop the return address; the argument is in a register (Arg1)
	ctx.NextTag = retAddr
	return true
}

func callFLSCallback(fn, arg uintptr) {
	api.CallWorker(fn, arg)
}
