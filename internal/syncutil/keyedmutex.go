// Package syncutil provides per-key mutual exclusion.
package syncutil

import (
	"context"
	"sync"
)

// KeyedMutex serializes work per key (e.g. per escrow contract id).
// Different keys never contend, and memory is released when a key has no
// holders or waiters. Waiters can bail out through context cancellation.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sem  chan struct{}
	refs int
}

// NewKeyedMutex creates an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyLock)}
}

// LockContext acquires the lock for key. On success it returns an unlock
// function the caller MUST call exactly once. If ctx is done first, it
// returns the context error and the lock is not held.
func (m *KeyedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	l := m.acquireRef(key)

	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		m.releaseRef(key, l)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.sem
			m.releaseRef(key, l)
		})
	}, nil
}

// Lock acquires the lock for key without a deadline.
func (m *KeyedMutex) Lock(key string) func() {
	unlock, _ := m.LockContext(context.Background(), key)
	return unlock
}

// Len returns the number of keys currently held or waited on.
func (m *KeyedMutex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

func (m *KeyedMutex) acquireRef(key string) *keyLock {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks == nil {
		m.locks = make(map[string]*keyLock)
	}
	l, ok := m.locks[key]
	if !ok {
		l = &keyLock{sem: make(chan struct{}, 1)}
		m.locks[key] = l
	}
	l.refs++
	return l
}

func (m *KeyedMutex) releaseRef(key string, l *keyLock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(m.locks, key)
	}
}
