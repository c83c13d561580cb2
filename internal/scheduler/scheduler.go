package scheduler

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"postflow/internal/domain"
	"postflow/internal/lock"
	"postflow/internal/worker"
)

type Executor interface {
	Execute(ctx context.Context, task domain.Task, status domain.TaskStatus) bool
}

// Callback is invoked exactly once per scheduled task, after the device lock
// and pool slot have been released.
type Callback func(taskID int64, success bool)

type Options struct {
	Name   string
	Status domain.TaskStatus
	// Concurrency caps how many tasks run at once across all devices.
	Concurrency int
	// Workers, when positive, runs executions on a fixed worker pool of that
	// size instead of on the scheduling goroutine.
	Workers int
}

// DeviceScheduler runs tasks of one status so that tasks sharing a device
// never overlap while different devices proceed in parallel up to the
// concurrency ceiling.
type DeviceScheduler struct {
	name   string
	status domain.TaskStatus
	exec   Executor
	locks  *lock.MutexMap
	slots  *semaphore.Weighted
	pool   *worker.Pool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool

	active atomic.Int64
}

// New builds a scheduler. locks may be shared between schedulers so that
// different stages of the same device are serialized too.
func New(exec Executor, locks *lock.MutexMap, opts Options) *DeviceScheduler {
	if opts.Concurrency <= 0 {
		log.Warn().Str("scheduler", opts.Name).Int("specified_concurrency", opts.Concurrency).Msg("invalid concurrency, using 1")
		opts.Concurrency = 1
	}
	if locks == nil {
		locks = lock.NewMutexMap()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &DeviceScheduler{
		name:   opts.Name,
		status: opts.Status,
		exec:   exec,
		locks:  locks,
		slots:  semaphore.NewWeighted(int64(opts.Concurrency)),
		ctx:    ctx,
		cancel: cancel,
	}
	if opts.Workers > 0 {
		s.pool = worker.NewPool(opts.Name, opts.Workers)
	}
	return s
}

// NewTransferScheduler handles WT tasks; transfers are I/O bound and run
// directly on their own goroutines.
func NewTransferScheduler(exec Executor, locks *lock.MutexMap, concurrency int) *DeviceScheduler {
	return New(exec, locks, Options{Name: "transfer", Status: domain.StatusWaiting, Concurrency: concurrency})
}

// NewAutomationScheduler handles PENDING tasks. UI automation additionally
// goes through a fixed worker pool so a slow automation backend cannot take
// more than workers goroutines.
func NewAutomationScheduler(exec Executor, locks *lock.MutexMap, concurrency, workers int) *DeviceScheduler {
	if workers <= 0 {
		workers = concurrency
	}
	return New(exec, locks, Options{Name: "automation", Status: domain.StatusPending, Concurrency: concurrency, Workers: workers})
}

func (s *DeviceScheduler) Name() string { return s.name }

// Active returns the number of scheduled tasks that have not completed yet,
// including those still waiting for their device or a slot.
func (s *DeviceScheduler) Active() int64 { return s.active.Load() }

func (s *DeviceScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true
	if s.pool != nil {
		s.pool.Start()
	}
	log.Info().Str("scheduler", s.name).Str("status", string(s.status)).Msg("scheduler started")
}

// Stop cancels tasks still waiting for a device or slot and keeps running
// executions from starting another attempt. An attempt already on the device
// finishes and its status is written. Stop returns once every scheduled task
// has reported back.
func (s *DeviceScheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	if s.pool != nil {
		s.pool.Stop()
	}
	log.Info().Str("scheduler", s.name).Msg("scheduler stopped")
}

// Schedule queues task and returns immediately.
func (s *DeviceScheduler) Schedule(task domain.Task, cb Callback) {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		log.Warn().Str("scheduler", s.name).Int64("task_id", task.ID).Msg("scheduler not running, task rejected")
		cb(task.ID, false)
		return
	}
	s.wg.Add(1)
	s.active.Add(1)
	s.mu.Unlock()

	go s.run(task, cb)
}

func (s *DeviceScheduler) run(task domain.Task, cb Callback) {
	success := false
	defer s.wg.Done()
	defer func() {
		s.active.Add(-1)
		cb(task.ID, success)
	}()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("scheduler", s.name).Int64("task_id", task.ID).Interface("panic", r).Msg("task execution panicked")
			success = false
		}
	}()

	logger := log.With().Str("scheduler", s.name).Int64("task_id", task.ID).Str("device_id", task.DeviceID).Logger()
	if task.DeviceID == "" {
		logger.Error().Str("device_name", task.DeviceName).Msg("task has no device, cannot schedule")
		return
	}

	if err := s.locks.LockContext(s.ctx, task.DeviceID); err != nil {
		logger.Debug().Msg("canceled while waiting for device")
		return
	}
	defer s.locks.Unlock(task.DeviceID)

	if err := s.slots.Acquire(s.ctx, 1); err != nil {
		logger.Debug().Msg("canceled while waiting for a slot")
		return
	}
	defer s.slots.Release(1)

	logger.Info().Msg("task started on device")
	success = s.execute(task)
	logger.Info().Bool("success", success).Msg("task finished on device")
}

func (s *DeviceScheduler) execute(task domain.Task) bool {
	if s.pool == nil {
		return s.exec.Execute(s.ctx, task, s.status)
	}
	ok, err := s.pool.Submit(s.ctx, func(ctx context.Context) bool {
		return s.exec.Execute(ctx, task, s.status)
	})
	if err != nil {
		log.Warn().Err(err).Str("scheduler", s.name).Int64("task_id", task.ID).Msg("worker pool rejected task")
		return false
	}
	return ok
}
