package cleanup

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"postflow/internal/cronjob"
	"postflow/internal/domain"
	"postflow/internal/store"
)

type Store interface {
	DeleteExpired(ctx context.Context, before int64) (store.Expired, error)
}

// Dirs resolves the local folder holding an upload's files.
type Dirs interface {
	LocalDir(deviceName string, scheduled int64) string
}

type Report struct {
	Tasks   int `json:"tasks"`
	Uploads int `json:"uploads"`
	Dirs    int `json:"dirs"`
}

// Cleaner periodically drops finished tasks whose time is long past, together
// with their uploads and files on disk.
type Cleaner struct {
	store      Store
	dirs       Dirs
	expiration time.Duration
	interval   time.Duration
	clock      domain.Clock

	mu     sync.Mutex
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

func New(st Store, dirs Dirs, expiration, interval time.Duration) *Cleaner {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Cleaner{
		store:      st,
		dirs:       dirs,
		expiration: expiration,
		interval:   interval,
		clock:      domain.SystemClock{},
	}
}

func (c *Cleaner) SetClock(clock domain.Clock) { c.clock = clock }

func (c *Cleaner) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cron != nil {
		return
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.cron = cronjob.New("cleanup")
	c.cron.Schedule(cronjob.Every(c.interval), cron.FuncJob(func() {
		if _, err := c.RunOnce(c.ctx); err != nil {
			log.Error().Err(err).Msg("cleanup run failed")
		}
	}))
	c.cron.Start()
	log.Info().Dur("interval", c.interval).Dur("expiration", c.expiration).Msg("cleanup started")
}

func (c *Cleaner) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cron == nil {
		return
	}
	c.cancel()
	<-c.cron.Stop().Done()
	c.cron = nil
	log.Info().Msg("cleanup stopped")
}

// RunOnce deletes what expired before now minus the expiration window.
func (c *Cleaner) RunOnce(ctx context.Context) (Report, error) {
	cutoff := c.clock.Now().Add(-c.expiration).Unix()

	expired, err := c.store.DeleteExpired(ctx, cutoff)
	if err != nil {
		return Report{}, fmt.Errorf("delete expired: %w", err)
	}

	rep := Report{Tasks: expired.Tasks, Uploads: len(expired.Uploads)}
	for _, u := range expired.Uploads {
		dir := c.dirs.LocalDir(u.DeviceName, u.ScheduledTime)
		if expired.SlotInUse[u.ID] {
			log.Debug().Int64("upload_id", u.ID).Str("dir", dir).Msg("upload folder still used by a newer upload, kept")
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			log.Warn().Err(err).Int64("upload_id", u.ID).Str("dir", dir).Msg("failed to remove upload files")
			continue
		}
		rep.Dirs++
	}

	if rep.Tasks > 0 || rep.Uploads > 0 {
		log.Info().Int("tasks", rep.Tasks).Int("uploads", rep.Uploads).Int("dirs", rep.Dirs).Time("cutoff", time.Unix(cutoff, 0).UTC()).Msg("expired tasks cleaned up")
	}
	return rep, nil
}
