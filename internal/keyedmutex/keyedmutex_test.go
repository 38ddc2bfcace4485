package keyedmutex

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSameKeySerializes(t *testing.T) {
	m := New()
	var inside int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := m.Lock("conv-1")
			defer unlock()
			if n := atomic.AddInt32(&inside, 1); n != 1 {
				t.Errorf("expected exclusive access, got %d holders", n)
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
		}()
	}
	wg.Wait()
	if m.Len() != 0 {
		t.Fatalf("expected no tracked keys after release, got %d", m.Len())
	}
}

func TestDifferentKeysDoNotBlock(t *testing.T) {
	m := New()
	unlockA := m.Lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := m.Lock("b")
		unlock()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a different key blocked")
	}
}

func TestLockAllDeduplicatesAndUnlockIsIdempotent(t *testing.T) {
	m := New()
	unlock := m.LockAll([]string{"b", "a", "b"})
	if m.Len() != 2 {
		t.Fatalf("expected 2 keys held, got %d", m.Len())
	}
	unlock()

	single := m.Lock("a")
	single()
	single()
	if m.Len() != 0 {
		t.Fatalf("expected no tracked keys, got %d", m.Len())
	}
}
