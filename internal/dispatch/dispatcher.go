package dispatch

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"postflow/internal/domain"
	"postflow/internal/scheduler"
)

// Scheduler accepts a task for asynchronous execution and calls back exactly
// once when it is done with it.
type Scheduler interface {
	Schedule(task domain.Task, cb scheduler.Callback)
}

// Dispatcher routes tasks to the scheduler registered for their status and
// keeps a task from being handed out again while it is still being worked on.
type Dispatcher struct {
	mu         sync.Mutex
	schedulers map[domain.TaskStatus]Scheduler
	inFlight   map[int64]struct{}
}

func New() *Dispatcher {
	return &Dispatcher{
		schedulers: make(map[domain.TaskStatus]Scheduler),
		inFlight:   make(map[int64]struct{}),
	}
}

func (d *Dispatcher) Register(status domain.TaskStatus, s Scheduler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.schedulers[status] = s
	log.Info().Str("status", string(status)).Msg("scheduler registered")
}

// Dispatch hands task to the scheduler for status. It returns false when the
// task is already in flight or nothing handles status.
func (d *Dispatcher) Dispatch(task domain.Task, status domain.TaskStatus) (scheduled bool) {
	d.mu.Lock()
	if _, ok := d.inFlight[task.ID]; ok {
		d.mu.Unlock()
		log.Debug().Int64("task_id", task.ID).Msg("task already in flight, skipping")
		return false
	}
	s, ok := d.schedulers[status]
	if !ok {
		d.mu.Unlock()
		log.Warn().Int64("task_id", task.ID).Str("status", string(status)).Msg("no scheduler registered for status")
		return false
	}
	d.inFlight[task.ID] = struct{}{}
	d.mu.Unlock()

	var once sync.Once
	done := func(taskID int64, success bool) {
		once.Do(func() {
			d.release(task.ID)
			log.Debug().Int64("task_id", taskID).Bool("success", success).Msg("task left flight")
		})
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error().Int64("task_id", task.ID).Interface("panic", r).Msg("scheduler panicked on schedule")
			done(task.ID, false)
			scheduled = false
		}
	}()
	s.Schedule(task, done)

	log.Debug().Int64("task_id", task.ID).Str("status", string(status)).Str("device_id", task.DeviceID).Msg("task dispatched")
	return true
}

func (d *Dispatcher) release(id int64) {
	d.mu.Lock()
	delete(d.inFlight, id)
	d.mu.Unlock()
}

// InFlight returns the ids currently being worked on, in ascending order.
func (d *Dispatcher) InFlight() []int64 {
	d.mu.Lock()
	ids := make([]int64, 0, len(d.inFlight))
	for id := range d.inFlight {
		ids = append(ids, id)
	}
	d.mu.Unlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (d *Dispatcher) IsInFlight(id int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.inFlight[id]
	return ok
}
