package scanner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"postflow/internal/cronjob"
	"postflow/internal/domain"
	"postflow/internal/store"
)

const DefaultInterval = 30 * time.Second

type Store interface {
	ListByStatus(ctx context.Context, status domain.TaskStatus) ([]domain.Task, error)
	ListDue(ctx context.Context, status domain.TaskStatus, now time.Time) ([]domain.Task, error)
}

type Dispatcher interface {
	Dispatch(task domain.Task, status domain.TaskStatus) bool
}

// Result summarizes one pass over the store.
type Result struct {
	ScanID     string `json:"scan_id"`
	Found      int    `json:"found"`
	Dispatched int    `json:"dispatched"`
}

// Scanner periodically finds tasks that are ready for their next stage and
// hands them to the dispatcher. It never waits for the work itself.
type Scanner struct {
	store      Store
	dispatcher Dispatcher
	clock      domain.Clock
	interval   time.Duration

	cron   *cron.Cron
	job    cron.EntryID
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// overlapping scans (a tick and a manual scan) share one pass
	inflight singleflight.Group

	mu      sync.Mutex
	running bool
}

func New(st Store, d Dispatcher, interval time.Duration) *Scanner {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scanner{
		store:      st,
		dispatcher: d,
		clock:      domain.SystemClock{},
		interval:   interval,
	}
}

func (s *Scanner) SetClock(c domain.Clock) { s.clock = c }

func (s *Scanner) Interval() time.Duration { return s.interval }

// Start schedules the periodic scan and runs the first one right away.
func (s *Scanner) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.cron = cronjob.New("scanner")
	s.job = s.cron.Schedule(cronjob.Every(s.interval), cron.FuncJob(s.tick))
	s.cron.Start()
	s.running = true

	// through the wrapped job so the first scan is also covered by
	// recover and skip-if-still-running
	first := s.cron.Entry(s.job).WrappedJob
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		first.Run()
	}()

	log.Info().Dur("interval", s.interval).Msg("scanner started")
}

// Stop halts the ticker and waits for a scan in progress to return.
// Work already dispatched is not waited on.
func (s *Scanner) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.cancel()
	<-s.cron.Stop().Done()
	s.wg.Wait()
	log.Info().Msg("scanner stopped")
}

func (s *Scanner) tick() {
	if _, err := s.ScanOnce(s.baseContext()); err != nil && !errors.Is(err, context.Canceled) {
		log.Debug().Err(err).Msg("scan finished with errors")
	}
}

// ScanOnce dispatches every WT task and every PENDING task that is due.
// A failing query is logged and the other status is still scanned.
//
// The pass itself runs under the scanner's context, so a caller that gives up
// early does not cut short a pass other callers are sharing.
func (s *Scanner) ScanOnce(ctx context.Context) (Result, error) {
	ch := s.inflight.DoChan("scan", func() (interface{}, error) {
		return s.scan(s.baseContext())
	})
	select {
	case r := <-ch:
		return r.Val.(Result), r.Err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (s *Scanner) baseContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}

func (s *Scanner) scan(ctx context.Context) (Result, error) {
	res := Result{ScanID: uuid.NewString()}
	logger := log.With().Str("scan_id", res.ScanID).Logger()
	now := s.clock.Now()

	var errs []error

	waiting, err := s.store.ListByStatus(ctx, domain.StatusWaiting)
	if err != nil {
		logQueryError(logger, domain.StatusWaiting, err)
		errs = append(errs, fmt.Errorf("list %s: %w", domain.StatusWaiting, err))
	}
	res.Found += len(waiting)
	res.Dispatched += s.dispatch(waiting)

	pending, err := s.store.ListDue(ctx, domain.StatusPending, now)
	if err != nil {
		logQueryError(logger, domain.StatusPending, err)
		errs = append(errs, fmt.Errorf("list due %s: %w", domain.StatusPending, err))
	}
	res.Found += len(pending)
	res.Dispatched += s.dispatch(pending)

	if res.Found > 0 {
		logger.Info().Int("found", res.Found).Int("dispatched", res.Dispatched).Msg("scan dispatched tasks")
	} else {
		logger.Debug().Msg("scan found nothing to do")
	}
	return res, errors.Join(errs...)
}

func (s *Scanner) dispatch(tasks []domain.Task) int {
	n := 0
	for _, t := range tasks {
		if s.dispatcher.Dispatch(t, t.Status) {
			n++
		}
	}
	return n
}

func logQueryError(logger zerolog.Logger, status domain.TaskStatus, err error) {
	class := store.Classify(err)
	level := zerolog.ErrorLevel
	if class.Known() {
		level = zerolog.WarnLevel
	}
	logger.WithLevel(level).Err(err).Str("status", string(status)).Str("error_class", string(class)).Msg("scan query failed")
}
