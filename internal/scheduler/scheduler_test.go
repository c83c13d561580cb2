package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postflow/internal/domain"
	"postflow/internal/lock"
)

type interval struct {
	taskID     int64
	device     string
	start, end time.Time
}

// recordingExecutor records when each device operation ran.
type recordingExecutor struct {
	mu        sync.Mutex
	hold      time.Duration
	intervals []interval
	running   int
	peak      int
	calls     map[int64]int
	block     chan struct{}
	result    bool
	panicFor  int64
}

func newRecordingExecutor(hold time.Duration) *recordingExecutor {
	return &recordingExecutor{hold: hold, calls: make(map[int64]int), result: true}
}

func (e *recordingExecutor) Execute(ctx context.Context, task domain.Task, status domain.TaskStatus) bool {
	e.mu.Lock()
	e.calls[task.ID]++
	e.running++
	if e.running > e.peak {
		e.peak = e.running
	}
	block := e.block
	e.mu.Unlock()

	start := time.Now()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
		}
	}
	time.Sleep(e.hold)
	end := time.Now()

	e.mu.Lock()
	e.running--
	e.intervals = append(e.intervals, interval{taskID: task.ID, device: task.DeviceID, start: start, end: end})
	result := e.result
	e.mu.Unlock()

	if task.ID == e.panicFor {
		panic("executor bug")
	}
	return result
}

func (e *recordingExecutor) snapshot() ([]interval, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]interval(nil), e.intervals...), e.peak
}

type callbackLog struct {
	mu    sync.Mutex
	calls map[int64][]bool
	wg    sync.WaitGroup
}

func newCallbackLog(n int) *callbackLog {
	c := &callbackLog{calls: make(map[int64][]bool)}
	c.wg.Add(n)
	return c
}

func (c *callbackLog) fn(taskID int64, success bool) {
	c.mu.Lock()
	c.calls[taskID] = append(c.calls[taskID], success)
	c.mu.Unlock()
	c.wg.Done()
}

func (c *callbackLog) wait(t *testing.T) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("callbacks did not fire")
	}
}

func assertNoDeviceOverlap(t *testing.T, intervals []interval) {
	t.Helper()
	for i := range intervals {
		for j := i + 1; j < len(intervals); j++ {
			a, b := intervals[i], intervals[j]
			if a.device != b.device {
				continue
			}
			overlap := a.start.Before(b.end) && b.start.Before(a.end)
			assert.False(t, overlap, "tasks %d and %d overlapped on %s", a.taskID, b.taskID, a.device)
		}
	}
}

func task(id int64, device string, status domain.TaskStatus) domain.Task {
	return domain.Task{ID: id, DeviceName: "name-" + device, DeviceID: device, Status: status}
}

func TestSchedule_SameDeviceNeverOverlaps(t *testing.T) {
	exec := newRecordingExecutor(15 * time.Millisecond)
	s := NewTransferScheduler(exec, lock.NewMutexMap(), 5)
	s.Start()
	defer s.Stop()

	cbs := newCallbackLog(10)
	for i := int64(1); i <= 10; i++ {
		device := "D1"
		if i%2 == 0 {
			device = "D2"
		}
		s.Schedule(task(i, device, domain.StatusWaiting), cbs.fn)
	}
	cbs.wait(t)

	intervals, peak := exec.snapshot()
	require.Len(t, intervals, 10)
	assertNoDeviceOverlap(t, intervals)
	// one task per device at a time, and the two devices ran side by side
	assert.Equal(t, 2, peak)
}

func TestSchedule_TwoTasksSameDeviceSameTick(t *testing.T) {
	exec := newRecordingExecutor(20 * time.Millisecond)
	s := NewAutomationScheduler(exec, lock.NewMutexMap(), 5, 5)
	s.Start()
	defer s.Stop()

	cbs := newCallbackLog(2)
	s.Schedule(task(1, "D1", domain.StatusPending), cbs.fn)
	s.Schedule(task(2, "D1", domain.StatusPending), cbs.fn)
	cbs.wait(t)

	intervals, _ := exec.snapshot()
	require.Len(t, intervals, 2)
	assertNoDeviceOverlap(t, intervals)
	assert.Equal(t, []bool{true}, cbs.calls[1])
	assert.Equal(t, []bool{true}, cbs.calls[2])
}

func TestSchedule_ConcurrencyCeiling(t *testing.T) {
	exec := newRecordingExecutor(20 * time.Millisecond)
	s := NewTransferScheduler(exec, lock.NewMutexMap(), 2)
	s.Start()
	defer s.Stop()

	cbs := newCallbackLog(6)
	for i := int64(1); i <= 6; i++ {
		s.Schedule(task(i, fmt.Sprintf("D%d", i), domain.StatusWaiting), cbs.fn)
	}
	cbs.wait(t)

	_, peak := exec.snapshot()
	assert.LessOrEqual(t, peak, 2)
}

func TestSchedule_AutomationWorkerBulkhead(t *testing.T) {
	exec := newRecordingExecutor(10 * time.Millisecond)
	s := NewAutomationScheduler(exec, lock.NewMutexMap(), 5, 1)
	s.Start()
	defer s.Stop()

	cbs := newCallbackLog(4)
	for i := int64(1); i <= 4; i++ {
		s.Schedule(task(i, fmt.Sprintf("D%d", i), domain.StatusPending), cbs.fn)
	}
	cbs.wait(t)

	_, peak := exec.snapshot()
	assert.Equal(t, 1, peak)
}

func TestSchedule_SharedLocksSerializeStages(t *testing.T) {
	exec := newRecordingExecutor(20 * time.Millisecond)
	locks := lock.NewMutexMap()
	transfer := NewTransferScheduler(exec, locks, 5)
	automation := NewAutomationScheduler(exec, locks, 5, 5)
	transfer.Start()
	automation.Start()
	defer transfer.Stop()
	defer automation.Stop()

	cbs := newCallbackLog(4)
	transfer.Schedule(task(1, "D1", domain.StatusWaiting), cbs.fn)
	automation.Schedule(task(2, "D1", domain.StatusPending), cbs.fn)
	transfer.Schedule(task(3, "D1", domain.StatusWaiting), cbs.fn)
	automation.Schedule(task(4, "D1", domain.StatusPending), cbs.fn)
	cbs.wait(t)

	intervals, _ := exec.snapshot()
	require.Len(t, intervals, 4)
	assertNoDeviceOverlap(t, intervals)
}

func TestSchedule_DoesNotBlockCaller(t *testing.T) {
	exec := newRecordingExecutor(0)
	exec.block = make(chan struct{})
	s := NewTransferScheduler(exec, lock.NewMutexMap(), 1)
	s.Start()

	cbs := newCallbackLog(3)
	start := time.Now()
	for i := int64(1); i <= 3; i++ {
		s.Schedule(task(i, "D1", domain.StatusWaiting), cbs.fn)
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	close(exec.block)
	cbs.wait(t)
	s.Stop()
}

func TestSchedule_CallbackOnceOnFailureAndPanic(t *testing.T) {
	exec := newRecordingExecutor(0)
	exec.result = false
	exec.panicFor = 2
	s := NewTransferScheduler(exec, lock.NewMutexMap(), 2)
	s.Start()
	defer s.Stop()

	cbs := newCallbackLog(3)
	s.Schedule(task(1, "D1", domain.StatusWaiting), cbs.fn)
	s.Schedule(task(2, "D1", domain.StatusWaiting), cbs.fn)
	s.Schedule(task(3, "D1", domain.StatusWaiting), cbs.fn)
	cbs.wait(t)

	assert.Equal(t, []bool{false}, cbs.calls[1])
	assert.Equal(t, []bool{false}, cbs.calls[2])
	// the panic released the device lock for the next task
	assert.Equal(t, []bool{false}, cbs.calls[3])
	assert.Equal(t, 1, exec.calls[3])
}

func TestSchedule_TaskWithoutDevice(t *testing.T) {
	exec := newRecordingExecutor(0)
	s := NewTransferScheduler(exec, lock.NewMutexMap(), 1)
	s.Start()
	defer s.Stop()

	cbs := newCallbackLog(1)
	s.Schedule(task(1, "", domain.StatusWaiting), cbs.fn)
	cbs.wait(t)

	assert.Equal(t, []bool{false}, cbs.calls[1])
	assert.Empty(t, exec.calls)
}

func TestStop_CancelsWaitersAndDrains(t *testing.T) {
	exec := newRecordingExecutor(0)
	exec.block = make(chan struct{})
	s := NewTransferScheduler(exec, lock.NewMutexMap(), 5)
	s.Start()

	cbs := newCallbackLog(2)
	s.Schedule(task(1, "D1", domain.StatusWaiting), cbs.fn)
	require.Eventually(t, func() bool {
		exec.mu.Lock()
		defer exec.mu.Unlock()
		return exec.calls[1] == 1
	}, time.Second, time.Millisecond)
	s.Schedule(task(2, "D1", domain.StatusWaiting), cbs.fn)

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
	cbs.wait(t)

	assert.Equal(t, 0, exec.calls[2], "waiting task must not run after Stop")
	assert.Equal(t, []bool{false}, cbs.calls[2])
	assert.Equal(t, int64(0), s.Active())
}

func TestSchedule_AfterStopRejects(t *testing.T) {
	exec := newRecordingExecutor(0)
	s := NewAutomationScheduler(exec, nil, 1, 1)
	s.Start()
	s.Stop()

	cbs := newCallbackLog(1)
	s.Schedule(task(1, "D1", domain.StatusPending), cbs.fn)
	cbs.wait(t)
	assert.Equal(t, []bool{false}, cbs.calls[1])
	assert.Empty(t, exec.calls)

	// Stop is idempotent
	s.Stop()
}
