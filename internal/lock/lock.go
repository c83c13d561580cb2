package lock

import (
	"context"
	"sync"
)

// MutexMap hands out one mutual-exclusion lock per key, created on first use
// and kept for the life of the map. Blocked waiters are served in FIFO order.
type MutexMap struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func NewMutexMap() *MutexMap {
	return &MutexMap{
		locks: make(map[string]chan struct{}),
	}
}

// LockContext blocks until the lock for key is held or ctx is done.
func (m *MutexMap) LockContext(ctx context.Context, key string) error {
	ch := m.get(key)
	// fast path keeps an uncontended lock from losing to an already-canceled ctx
	select {
	case ch <- struct{}{}:
		return nil
	default:
	}
	select {
	case ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *MutexMap) Unlock(key string) {
	select {
	case <-m.get(key):
	default:
		panic("lock: unlock of unlocked key " + key)
	}
}

// Len returns the number of keys that have been locked at least once.
func (m *MutexMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

func (m *MutexMap) get(key string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ch, ok := m.locks[key]; ok {
		return ch
	}
	ch := make(chan struct{}, 1)
	m.locks[key] = ch
	return ch
}
