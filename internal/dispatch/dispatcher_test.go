package dispatch

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postflow/internal/domain"
	"postflow/internal/scheduler"
)

// heldScheduler keeps every callback until the test releases it.
type heldScheduler struct {
	mu        sync.Mutex
	scheduled []domain.Task
	callbacks map[int64]scheduler.Callback
}

func newHeldScheduler() *heldScheduler {
	return &heldScheduler{callbacks: make(map[int64]scheduler.Callback)}
}

func (s *heldScheduler) Schedule(task domain.Task, cb scheduler.Callback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheduled = append(s.scheduled, task)
	s.callbacks[task.ID] = cb
}

func (s *heldScheduler) complete(id int64, success bool) {
	s.mu.Lock()
	cb := s.callbacks[id]
	s.mu.Unlock()
	cb(id, success)
}

type panickingScheduler struct{}

func (panickingScheduler) Schedule(domain.Task, scheduler.Callback) { panic("schedule bug") }

func TestDispatch_DuplicateWhileInFlight(t *testing.T) {
	d := New()
	s := newHeldScheduler()
	d.Register(domain.StatusWaiting, s)

	task := domain.Task{ID: 7, DeviceID: "D1", Status: domain.StatusWaiting}
	assert.True(t, d.Dispatch(task, domain.StatusWaiting))
	assert.False(t, d.Dispatch(task, domain.StatusWaiting))
	assert.False(t, d.Dispatch(task, domain.StatusWaiting))

	require.Len(t, s.scheduled, 1)
	assert.Equal(t, []int64{7}, d.InFlight())
}

func TestDispatch_CompletionAllowsRedispatch(t *testing.T) {
	d := New()
	s := newHeldScheduler()
	d.Register(domain.StatusWaiting, s)

	task := domain.Task{ID: 1, DeviceID: "D1"}
	require.True(t, d.Dispatch(task, domain.StatusWaiting))
	s.complete(1, false)

	assert.False(t, d.IsInFlight(1))
	assert.Empty(t, d.InFlight())
	assert.True(t, d.Dispatch(task, domain.StatusWaiting))
	assert.Len(t, s.scheduled, 2)
}

func TestDispatch_CallbackTakesEffectOnce(t *testing.T) {
	d := New()
	s := newHeldScheduler()
	d.Register(domain.StatusPending, s)

	task := domain.Task{ID: 3, DeviceID: "D1"}
	require.True(t, d.Dispatch(task, domain.StatusPending))
	s.mu.Lock()
	first := s.callbacks[3]
	s.mu.Unlock()
	first(3, true)

	// redispatched and in flight again; a stale second call on the old
	// callback must not clear it
	require.True(t, d.Dispatch(task, domain.StatusPending))
	first(3, true)
	assert.True(t, d.IsInFlight(3))
}

func TestDispatch_NoSchedulerForStatus(t *testing.T) {
	d := New()
	d.Register(domain.StatusWaiting, newHeldScheduler())

	assert.False(t, d.Dispatch(domain.Task{ID: 1}, domain.StatusPending))
	assert.False(t, d.Dispatch(domain.Task{ID: 2}, domain.StatusRejected))
	assert.Empty(t, d.InFlight())
}

func TestDispatch_RoutesByStatus(t *testing.T) {
	d := New()
	transfer := newHeldScheduler()
	automation := newHeldScheduler()
	d.Register(domain.StatusWaiting, transfer)
	d.Register(domain.StatusPending, automation)

	d.Dispatch(domain.Task{ID: 1, DeviceID: "D1"}, domain.StatusWaiting)
	d.Dispatch(domain.Task{ID: 2, DeviceID: "D1"}, domain.StatusPending)
	d.Dispatch(domain.Task{ID: 3, DeviceID: "D2"}, domain.StatusWaiting)

	assert.Len(t, transfer.scheduled, 2)
	assert.Len(t, automation.scheduled, 1)
	assert.Equal(t, []int64{1, 2, 3}, d.InFlight())
}

func TestDispatch_SchedulePanicClearsInFlight(t *testing.T) {
	d := New()
	d.Register(domain.StatusWaiting, panickingScheduler{})

	assert.NotPanics(t, func() {
		assert.False(t, d.Dispatch(domain.Task{ID: 9}, domain.StatusWaiting))
	})
	assert.False(t, d.IsInFlight(9))
}

func TestDispatch_ConcurrentDispatchSameTask(t *testing.T) {
	d := New()
	s := newHeldScheduler()
	d.Register(domain.StatusWaiting, s)

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if d.Dispatch(domain.Task{ID: 42, DeviceID: "D1"}, domain.StatusWaiting) {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, accepted)
	assert.Len(t, s.scheduled, 1)
}
