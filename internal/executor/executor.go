package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"postflow/internal/domain"
	"postflow/internal/store"
)

var ErrAttemptTimeout = errors.New("device operation timed out")

// DeviceOps is the device-facing capability the executor drives. Both calls
// block until the device work is done. A false result with a nil error is a
// reported failure; an error is an unexpected one. Both count as a failed
// attempt.
type DeviceOps interface {
	Transfer(ctx context.Context, d domain.TaskDetail) (bool, error)
	Automate(ctx context.Context, d domain.TaskDetail) (bool, error)
}

type TaskStore interface {
	GetDetail(ctx context.Context, id int64) (domain.TaskDetail, error)
	UpdateStatus(ctx context.Context, id int64, from, to domain.TaskStatus) (domain.Task, error)
	RecordAttempt(ctx context.Context, a domain.Attempt) error
}

type Notifier interface {
	Notify(ctx context.Context, change domain.StatusChange) error
}

type Config struct {
	MaxRetries int
	RetryDelay time.Duration
	Timeout    time.Duration
	// KillGrace is how often a timed-out operation that has not returned yet
	// is reported. The device stays held until it does return.
	KillGrace time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxRetries: 3,
		RetryDelay: 2 * time.Second,
		Timeout:    300 * time.Second,
		KillGrace:  5 * time.Second,
	}
}

type Executor struct {
	store    TaskStore
	ops      DeviceOps
	cfg      Config
	clock    domain.Clock
	notifier Notifier
}

func New(s TaskStore, ops DeviceOps, cfg Config) *Executor {
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = DefaultConfig().KillGrace
	}
	return &Executor{store: s, ops: ops, cfg: cfg, clock: domain.SystemClock{}}
}

func (e *Executor) SetNotifier(n Notifier) { e.notifier = n }

func (e *Executor) SetClock(c domain.Clock) { e.clock = c }

type operation func(ctx context.Context, d domain.TaskDetail) (bool, error)

func (e *Executor) operationFor(status domain.TaskStatus) (operation, string) {
	switch status {
	case domain.StatusWaiting:
		return e.ops.Transfer, "transfer"
	case domain.StatusPending:
		return e.ops.Automate, "automation"
	}
	return nil, ""
}

// Execute runs the device operation for a task in status with retries and a
// per-attempt deadline, then writes the next status exactly once. It reports
// whether the device operation succeeded. Failures never escape as errors.
//
// Canceling ctx stops Execute between attempts only. An attempt that has
// started runs to the end and its verdict is written.
func (e *Executor) Execute(ctx context.Context, task domain.Task, status domain.TaskStatus) bool {
	start := time.Now()
	logger := log.With().Int64("task_id", task.ID).Str("status", string(status)).Logger()

	op, kind := e.operationFor(status)
	if op == nil {
		logger.Error().Msg("no device operation for status")
		return false
	}

	detail, err := e.store.GetDetail(ctx, task.ID)
	if errors.Is(err, store.ErrNotFound) {
		logger.Error().Msg("task no longer exists")
		return false
	}
	if err != nil {
		logger.Error().Err(err).Msg("failed to load task")
		return false
	}
	if detail.Task.Status != status {
		logger.Warn().Str("current_status", string(detail.Task.Status)).Msg("task status changed since dispatch, skipping")
		return false
	}
	if detail.Device == nil {
		logger.Error().Str("device_name", detail.Task.DeviceName).Msg("task references unknown device, leaving task untouched")
		return false
	}
	if detail.Upload == nil {
		logger.Error().Int64("upload_id", detail.Task.UploadID).Msg("task references unknown upload, leaving task untouched")
		return false
	}

	logger = logger.With().Str("device_id", detail.Device.DeviceID).Str("operation", kind).Logger()
	logger.Info().Msg("task execution started")

	ok, interrupted := e.runWithRetry(ctx, logger, op, detail, status)
	if interrupted {
		logger.Warn().Dur("elapsed", time.Since(start)).Msg("task execution interrupted by shutdown, status left unchanged")
		return false
	}

	wctx := context.WithoutCancel(ctx)
	next, _ := domain.NextStatus(status, ok)
	if _, err := e.store.UpdateStatus(wctx, task.ID, status, next); err != nil {
		if errors.Is(err, store.ErrStatusConflict) {
			logger.Warn().Err(err).Str("next_status", string(next)).Msg("task changed during execution, status not written")
		} else {
			logger.Error().Err(err).Str("next_status", string(next)).Msg("failed to write task status")
		}
		return ok
	}

	level := zerolog.InfoLevel
	if !ok {
		level = zerolog.ErrorLevel
	}
	logger.WithLevel(level).Str("next_status", string(next)).Dur("elapsed", time.Since(start)).Msg("task execution finished")

	e.notify(wctx, domain.StatusChange{
		TaskID:     task.ID,
		DeviceName: detail.Task.DeviceName,
		From:       status,
		To:         next,
		At:         e.clock.Now().Unix(),
	})
	return ok
}

// runWithRetry reports whether an attempt succeeded, and whether ctx ended the
// loop before a verdict was reached.
func (e *Executor) runWithRetry(ctx context.Context, logger zerolog.Logger, op operation, detail domain.TaskDetail, stage domain.TaskStatus) (bool, bool) {
	opctx := context.WithoutCancel(ctx)
	for attempt := 1; attempt <= e.cfg.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return false, true
		}

		started := time.Now()
		ok, err := e.attempt(opctx, logger, op, detail)
		e.record(opctx, domain.Attempt{
			ID:         uuid.NewString(),
			TaskID:     detail.Task.ID,
			Stage:      stage,
			Number:     attempt,
			Success:    ok,
			Error:      errString(ok, err),
			StartedAt:  started,
			FinishedAt: time.Now(),
		})
		if ok {
			logger.Info().Int("attempt", attempt).Int("max_attempts", e.cfg.MaxRetries).Msg("attempt succeeded")
			return true, false
		}

		logger.Warn().Err(err).Int("attempt", attempt).Int("max_attempts", e.cfg.MaxRetries).Msg("attempt failed")
		if attempt == e.cfg.MaxRetries {
			break
		}

		t := time.NewTimer(e.cfg.RetryDelay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return false, true
		}
	}
	return false, false
}

type result struct {
	ok  bool
	err error
}

// attempt runs op once under the attempt deadline. It always waits for op to
// return, so nothing else reaches the device while a timed-out operation is
// still winding down. A success reported after the deadline still counts.
func (e *Executor) attempt(ctx context.Context, logger zerolog.Logger, op operation, detail domain.TaskDetail) (bool, error) {
	actx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("device operation panicked: %v", r)}
			}
		}()
		ok, err := op(actx, detail)
		ch <- result{ok: ok, err: err}
	}()

	var r result
	select {
	case r = <-ch:
	case <-actx.Done():
		r = e.awaitOverdue(logger, ch)
	}

	if !r.ok && errors.Is(actx.Err(), context.DeadlineExceeded) {
		return false, fmt.Errorf("%w after %s", ErrAttemptTimeout, e.cfg.Timeout)
	}
	return r.ok, r.err
}

func (e *Executor) awaitOverdue(logger zerolog.Logger, ch <-chan result) result {
	waited := e.cfg.Timeout
	for {
		grace := time.NewTimer(e.cfg.KillGrace)
		select {
		case r := <-ch:
			grace.Stop()
			return r
		case <-grace.C:
			waited += e.cfg.KillGrace
			logger.Warn().Dur("running_for", waited).Msg("device operation still running after deadline, device stays held")
		}
	}
}

func (e *Executor) record(ctx context.Context, a domain.Attempt) {
	if err := e.store.RecordAttempt(ctx, a); err != nil {
		log.Warn().Err(err).Int64("task_id", a.TaskID).Int("attempt", a.Number).Msg("failed to record attempt")
	}
}

func (e *Executor) notify(ctx context.Context, change domain.StatusChange) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Notify(ctx, change); err != nil {
		log.Warn().Err(err).Int64("task_id", change.TaskID).Str("to", string(change.To)).Msg("status notification failed")
	}
}

func errString(ok bool, err error) string {
	switch {
	case err != nil:
		return err.Error()
	case !ok:
		return "operation reported failure"
	}
	return ""
}
