package service

import (
	"context"
	"sync"
)

// threadLocks serializes turns per thread id. Entries are reference
// counted and removed when the last holder or waiter leaves.
type threadLocks struct {
	mu    sync.Mutex
	locks map[string]*threadLock
}

type threadLock struct {
	sem  chan struct{}
	refs int
}

func newThreadLocks() *threadLocks {
	return &threadLocks{locks: make(map[string]*threadLock)}
}

// Lock blocks until the thread is free or ctx is done. The returned func
// releases the lock.
func (l *threadLocks) Lock(ctx context.Context, threadID string) (func(), error) {
	l.mu.Lock()
	tl, ok := l.locks[threadID]
	if !ok {
		tl = &threadLock{sem: make(chan struct{}, 1)}
		l.locks[threadID] = tl
	}
	tl.refs++
	l.mu.Unlock()

	select {
	case tl.sem <- struct{}{}:
	case <-ctx.Done():
		l.release(threadID, tl)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-tl.sem
			l.release(threadID, tl)
		})
	}, nil
}

func (l *threadLocks) release(threadID string, tl *threadLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tl.refs--
	if tl.refs == 0 {
		delete(l.locks, threadID)
	}
}

func (l *threadLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
