package syncutil

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestKeyLock_MutualExclusion(t *testing.T) {
	k := NewKeyLock(0)

	var counter int64
	var wg sync.WaitGroup
	const n = 100

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			unlock := k.Lock("actor-a")
			defer unlock()
			// Non-atomic read-modify-write; a broken lock loses increments.
			v := atomic.LoadInt64(&counter)
			atomic.StoreInt64(&counter, v+1)
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt64(&counter); got != n {
		t.Fatalf("expected %d, got %d", n, got)
	}
}

func TestKeyLock_ContextCancelled(t *testing.T) {
	k := NewKeyLock(16)

	unlock, err := k.LockContext(context.Background(), "held")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	if _, err := k.LockContext(ctx, "held"); err != context.DeadlineExceeded {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}

func TestKeyLock_TryLock(t *testing.T) {
	k := NewKeyLock(8)

	unlock, ok := k.TryLock("tx_1")
	if !ok {
		t.Fatal("expected first TryLock to succeed")
	}
	if _, ok := k.TryLock("tx_1"); ok {
		t.Fatal("expected second TryLock on held key to fail")
	}
	unlock()

	unlock, ok = k.TryLock("tx_1")
	if !ok {
		t.Fatal("expected TryLock after release to succeed")
	}
	unlock()
}

func TestKeyLock_UnlockHandsOver(t *testing.T) {
	k := NewKeyLock(0)
	unlock := k.Lock("relay")

	acquired := make(chan struct{})
	go func() {
		u := k.Lock("relay")
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("second goroutine acquired lock before release")
	case <-time.After(20 * time.Millisecond):
	}

	unlock()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second goroutine never acquired the lock")
	}
}
