package scanner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postflow/internal/domain"
)

type fakeStore struct {
	mu       sync.Mutex
	tasks    []domain.Task
	failures []error // consumed one per ListByStatus call
	calls    int
}

func (s *fakeStore) ListByStatus(ctx context.Context, status domain.TaskStatus) ([]domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.failures) > 0 {
		err := s.failures[0]
		s.failures = s.failures[1:]
		if err != nil {
			return nil, err
		}
	}
	var out []domain.Task
	for _, t := range s.tasks {
		if t.Status == status {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *fakeStore) ListDue(ctx context.Context, status domain.TaskStatus, now time.Time) ([]domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Task
	for _, t := range s.tasks {
		if t.Status == status && t.Due(now) {
			out = append(out, t)
		}
	}
	return out, nil
}

type fakeDispatcher struct {
	mu         sync.Mutex
	dispatched []domain.Task
	reject     map[int64]bool
}

func (d *fakeDispatcher) Dispatch(task domain.Task, status domain.TaskStatus) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.reject[task.ID] {
		return false
	}
	d.dispatched = append(d.dispatched, task)
	return true
}

func (d *fakeDispatcher) ids() []int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]int64, 0, len(d.dispatched))
	for _, t := range d.dispatched {
		ids = append(ids, t.ID)
	}
	return ids
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestScanOnce_DispatchesWaitingAndDuePending(t *testing.T) {
	st := &fakeStore{tasks: []domain.Task{
		{ID: 1, Status: domain.StatusWaiting, ScheduledTime: now.Add(time.Hour).Unix()},
		{ID: 2, Status: domain.StatusPending, ScheduledTime: now.Add(-time.Minute).Unix()},
		{ID: 3, Status: domain.StatusPending, ScheduledTime: now.Add(time.Hour).Unix()},
		{ID: 4, Status: domain.StatusPublished},
		{ID: 5, Status: domain.StatusTransferError},
	}}
	d := &fakeDispatcher{}
	s := New(st, d, time.Minute)
	s.SetClock(fixedClock{now})

	res, err := s.ScanOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Found)
	assert.Equal(t, 2, res.Dispatched)
	assert.NotEmpty(t, res.ScanID)
	assert.ElementsMatch(t, []int64{1, 2}, d.ids())
}

func TestScanOnce_FuturePendingExcludedUntilDue(t *testing.T) {
	st := &fakeStore{tasks: []domain.Task{
		{ID: 3, Status: domain.StatusPending, ScheduledTime: now.Add(time.Hour).Unix()},
	}}
	d := &fakeDispatcher{}
	s := New(st, d, time.Minute)

	s.SetClock(fixedClock{now})
	_, err := s.ScanOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, d.ids())

	s.SetClock(fixedClock{now.Add(time.Hour)})
	_, err = s.ScanOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{3}, d.ids())
}

func TestScanOnce_EmptyTickIsNoop(t *testing.T) {
	d := &fakeDispatcher{}
	s := New(&fakeStore{}, d, time.Minute)

	res, err := s.ScanOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Found)
	assert.Empty(t, d.ids())
}

func TestScanOnce_QueryErrorThenRecovery(t *testing.T) {
	st := &fakeStore{
		tasks: []domain.Task{
			{ID: 1, Status: domain.StatusWaiting},
			{ID: 2, Status: domain.StatusPending, ScheduledTime: now.Unix()},
		},
		failures: []error{errors.New("database is locked")},
	}
	d := &fakeDispatcher{}
	s := New(st, d, time.Minute)
	s.SetClock(fixedClock{now})

	res, err := s.ScanOnce(context.Background())
	require.Error(t, err)
	// the PENDING query still ran
	assert.Equal(t, 1, res.Dispatched)
	assert.Equal(t, []int64{2}, d.ids())

	res, err = s.ScanOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Found)
	assert.Contains(t, d.ids(), int64(1))
}

func TestScanOnce_CountsOnlyAcceptedDispatches(t *testing.T) {
	st := &fakeStore{tasks: []domain.Task{
		{ID: 1, Status: domain.StatusWaiting},
		{ID: 2, Status: domain.StatusWaiting},
	}}
	d := &fakeDispatcher{reject: map[int64]bool{2: true}}
	s := New(st, d, time.Minute)

	res, err := s.ScanOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Found)
	assert.Equal(t, 1, res.Dispatched)
}

func TestStart_ScansImmediatelyAndStops(t *testing.T) {
	st := &fakeStore{
		tasks:    []domain.Task{{ID: 1, Status: domain.StatusWaiting}},
		failures: []error{errors.New("boom")},
	}
	d := &fakeDispatcher{}
	s := New(st, d, time.Second)

	s.Start()
	// first tick fails, the next one must still dispatch
	require.Eventually(t, func() bool {
		return len(d.ids()) > 0
	}, 5*time.Second, 10*time.Millisecond)
	s.Stop()

	st.mu.Lock()
	calls := st.calls
	st.mu.Unlock()
	assert.GreaterOrEqual(t, calls, 2)

	// stopped scanners do not tick
	time.Sleep(1500 * time.Millisecond)
	st.mu.Lock()
	assert.Equal(t, calls, st.calls)
	st.mu.Unlock()

	s.Stop()
}

func TestNew_DefaultInterval(t *testing.T) {
	s := New(&fakeStore{}, &fakeDispatcher{}, 0)
	assert.Equal(t, DefaultInterval, s.Interval())
}

// blockingStore holds the WT query until released and remembers whether the
// pass context was still live at that point.
type blockingStore struct {
	fakeStore
	once    sync.Once
	entered chan struct{}
	release chan struct{}

	errMu   sync.Mutex
	ctxErrs []error
}

func (s *blockingStore) ListByStatus(ctx context.Context, status domain.TaskStatus) ([]domain.Task, error) {
	s.once.Do(func() { close(s.entered) })
	<-s.release
	s.errMu.Lock()
	s.ctxErrs = append(s.ctxErrs, ctx.Err())
	s.errMu.Unlock()
	return s.fakeStore.ListByStatus(ctx, status)
}

func TestScanOnce_CallerGivingUpDoesNotAbortSharedPass(t *testing.T) {
	st := &blockingStore{entered: make(chan struct{}), release: make(chan struct{})}
	st.tasks = []domain.Task{{ID: 1, Status: domain.StatusWaiting}}
	d := &fakeDispatcher{}
	s := New(st, d, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := s.ScanOnce(ctx)
		errc <- err
	}()
	<-st.entered

	joined := make(chan Result, 1)
	go func() {
		res, err := s.ScanOnce(context.Background())
		assert.NoError(t, err)
		joined <- res
	}()

	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
	close(st.release)

	select {
	case res := <-joined:
		assert.Equal(t, 1, res.Found)
		assert.Equal(t, 1, res.Dispatched)
	case <-time.After(2 * time.Second):
		t.Fatal("shared scan did not finish")
	}

	st.errMu.Lock()
	defer st.errMu.Unlock()
	for _, err := range st.ctxErrs {
		assert.NoError(t, err)
	}
	assert.Contains(t, d.ids(), int64(1))
}
