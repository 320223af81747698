package loader

import (
	"sync"
	"testing"
	"time"
)

func TestRecursiveLockReentryBySameToken(t *testing.T) {
	l := newRecursiveLock()
	tok := newToken()

	l.lock(tok)
	done := make(chan struct{})
	go func() {
		l.lock(tok) // must not deadlock: same token re-entering
		l.unlock(tok)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reentrant lock call by the same token deadlocked")
	}
	l.unlock(tok)
}

func TestRecursiveLockExcludesOtherTokens(t *testing.T) {
	l := newRecursiveLock()
	tokA := newToken()
	tokB := newToken()

	l.lock(tokA)

	var mu sync.Mutex
	acquired := false
	go func() {
		l.lock(tokB)
		mu.Lock()
		acquired = true
		mu.Unlock()
		l.unlock(tokB)
	}()

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	if acquired {
		mu.Unlock()
		t.Fatal("a different token acquired the lock while tokA still held it")
	}
	mu.Unlock()

	l.unlock(tokA)
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if !acquired {
		t.Fatal("tokB never acquired the lock after tokA released it")
	}
}
