package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
)

var ErrPoolStopped = errors.New("worker pool stopped")

// Job is a unit of blocking work run on a pool goroutine.
type Job func(ctx context.Context) bool

type job struct {
	ctx  context.Context
	fn   Job
	done chan bool
}

// Pool is a fixed set of goroutines draining a job channel. It bounds how many
// jobs run at once no matter how many callers are submitting.
type Pool struct {
	name      string
	size      int
	jobs      chan job
	stop      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

func NewPool(name string, size int) *Pool {
	if size <= 0 {
		log.Warn().Str("pool", name).Int("specified_size", size).Msg("invalid pool size, using 1")
		size = 1
	}
	return &Pool{name: name, size: size, jobs: make(chan job), stop: make(chan struct{})}
}

func (p *Pool) Start() {
	p.startOnce.Do(func() {
		for i := 0; i < p.size; i++ {
			p.wg.Add(1)
			go p.loop(i)
		}
		log.Info().Str("pool", p.name).Int("workers", p.size).Msg("worker pool started")
	})
}

// Stop stops accepting jobs and waits for running ones to return.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.stop)
	})
	p.wg.Wait()
	log.Info().Str("pool", p.name).Msg("worker pool stopped")
}

// Submit runs fn on a pool goroutine and returns its result. It blocks until a
// worker is free; once a worker has taken the job, Submit waits for it to
// finish even if ctx is canceled meanwhile.
func (p *Pool) Submit(ctx context.Context, fn Job) (bool, error) {
	j := job{ctx: ctx, fn: fn, done: make(chan bool, 1)}
	select {
	case <-p.stop:
		return false, ErrPoolStopped
	default:
	}
	select {
	case p.jobs <- j:
	case <-ctx.Done():
		return false, ctx.Err()
	case <-p.stop:
		return false, ErrPoolStopped
	}
	return <-j.done, nil
}

func (p *Pool) loop(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stop:
			return
		case j := <-p.jobs:
			p.run(id, j)
		}
	}
}

func (p *Pool) run(id int, j job) {
	ok := false
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("pool", p.name).Int("worker", id).Interface("panic", r).Msg("job panicked")
			ok = false
		}
		j.done <- ok
	}()
	ok = j.fn(j.ctx)
}
