package loader

import "sync"

// recursiveLock is the loader lock: import resolution can run a module's
// entry point, which may call back into redirected routines that
// re-enter the loader on the same logical call chain. sync.Mutex
// isn't reentrant and Go has no public goroutine-id API, so callers pass
// an explicit owner token down the call chain instead of relying on
// thread-local storage the way loader.c's recursive_lock_t does.
type recursiveLock struct {
	mu    sync.Mutex
	cond  *sync.Cond
	owner token
	depth int
}

func newRecursiveLock() *recursiveLock {
	l := &recursiveLock{}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// token identifies one logical call chain. Zero is never issued.
type token uint64

var tokenSeq uint64
var tokenSeqMu sync.Mutex

func newToken() token {
	tokenSeqMu.Lock()
	defer tokenSeqMu.Unlock()
	tokenSeq++
	return token(tokenSeq)
}

// lock acquires the loader lock on behalf of tok, blocking only if a
// different token currently holds it. Reentry by the same token just
// bumps the depth counter.
func (l *recursiveLock) lock(tok token) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for l.depth > 0 && l.owner != tok {
		l.cond.Wait()
	}
	l.owner = tok
	l.depth++
}

// unlock releases one level of ownership acquired by tok.
func (l *recursiveLock) unlock(tok token) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.owner != tok || l.depth == 0 {
		panic("loader: unlock by non-owner")
	}
	l.depth--
	if l.depth == 0 {
		l.owner = 0
		l.cond.Signal()
	}
}
