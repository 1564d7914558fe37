package runtime

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// callLocks serializes non-job calls sharing a lock key. Entries are dropped
// once nobody holds or waits for them.
type callLocks struct {
	mu   sync.Mutex
	keys map[string]*keyLock
}

type keyLock struct {
	sem  *semaphore.Weighted
	refs int
}

func newCallLocks() *callLocks {
	return &callLocks{keys: make(map[string]*keyLock)}
}

// Acquire blocks until key is free or ctx ends.
func (l *callLocks) Acquire(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	kl, ok := l.keys[key]
	if !ok {
		kl = &keyLock{sem: semaphore.NewWeighted(1)}
		l.keys[key] = kl
	}
	kl.refs++
	l.mu.Unlock()

	if err := kl.sem.Acquire(ctx, 1); err != nil {
		l.unref(key, kl)
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			kl.sem.Release(1)
			l.unref(key, kl)
		})
	}, nil
}

func (l *callLocks) unref(key string, kl *keyLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl.refs--
	if kl.refs == 0 {
		delete(l.keys, key)
	}
}

// Len counts keys currently held or awaited.
func (l *callLocks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.keys)
}
