package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestThreadLocksSerializeSameThread(t *testing.T) {
	defer goleak.VerifyNone(t)

	locks := newThreadLocks()
	var inside, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := locks.Lock(context.Background(), "thr_a")
			if err != nil {
				t.Errorf("Lock failed: %v", err)
				return
			}
			n := inside.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			inside.Add(-1)
			unlock()
		}()
	}
	wg.Wait()

	if peak.Load() != 1 {
		t.Fatalf("expected one holder at a time, saw %d", peak.Load())
	}
	if locks.size() != 0 {
		t.Fatalf("expected lock table to be empty, got %d entries", locks.size())
	}
}

func TestThreadLocksIndependentThreads(t *testing.T) {
	defer goleak.VerifyNone(t)

	locks := newThreadLocks()
	unlockA, err := locks.Lock(context.Background(), "thr_a")
	if err != nil {
		t.Fatalf("Lock a failed: %v", err)
	}
	defer unlockA()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	unlockB, err := locks.Lock(ctx, "thr_b")
	if err != nil {
		t.Fatalf("Lock b should not wait on a: %v", err)
	}
	unlockB()
}

func TestThreadLocksCancelWhileWaiting(t *testing.T) {
	defer goleak.VerifyNone(t)

	locks := newThreadLocks()
	unlock, err := locks.Lock(context.Background(), "thr_a")
	if err != nil {
		t.Fatalf("Lock failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := locks.Lock(ctx, "thr_a"); err == nil {
		t.Fatalf("expected context error while lock is held")
	}

	unlock()
	unlock() // second call is a no-op
	if locks.size() != 0 {
		t.Fatalf("expected lock table to be empty, got %d entries", locks.size())
	}
}
