package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lockNow(m *MutexMap, key string) {
	_ = m.LockContext(context.Background(), key)
}

func TestMutexMap_LockUnlock(t *testing.T) {
	m := NewMutexMap()

	lockNow(m, "device1")
	m.Unlock("device1")

	// Should be able to lock again
	lockNow(m, "device1")
	m.Unlock("device1")
	assert.Equal(t, 1, m.Len())
}

func TestMutexMap_DifferentKeys(t *testing.T) {
	m := NewMutexMap()

	done := make(chan struct{})

	lockNow(m, "device1")
	go func() {
		// device2 should not be blocked by device1
		lockNow(m, "device2")
		m.Unlock("device2")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("device2 blocked by device1")
	}
	m.Unlock("device1")
}

func TestMutexMap_Concurrent(t *testing.T) {
	m := NewMutexMap()
	var holders, maxHolders int64

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lockNow(m, "shared")
			n := atomic.AddInt64(&holders, 1)
			for {
				cur := atomic.LoadInt64(&maxHolders)
				if n <= cur || atomic.CompareAndSwapInt64(&maxHolders, cur, n) {
					break
				}
			}
			atomic.AddInt64(&holders, -1)
			m.Unlock("shared")
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), maxHolders)
}

func TestMutexMap_LockContextCanceled(t *testing.T) {
	m := NewMutexMap()
	lockNow(m, "device1")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := m.LockContext(ctx, "device1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	m.Unlock("device1")

	// a canceled context still gets a free lock
	canceled, cancelNow := context.WithCancel(context.Background())
	cancelNow()
	require.NoError(t, m.LockContext(canceled, "device1"))
	m.Unlock("device1")
}

func TestMutexMap_UnlockUnlockedPanics(t *testing.T) {
	m := NewMutexMap()
	assert.Panics(t, func() { m.Unlock("device1") })
}
