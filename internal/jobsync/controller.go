// Package jobsync keeps job store schedules in step with committed
// events and occurrences.
//
// The controller is installed as a storage commit hook. Changes are
// queued without blocking and synced on engine workers; syncs for one
// entity are serialized and always read fresh state.
package jobsync

import (
	"context"
	"sync"
	"time"

	"grug/internal/metrics"
	"grug/internal/occurrence"
	"grug/internal/storage"
	"grug/internal/task/engine"
	"grug/internal/task/jobstore"
	"grug/internal/task/scheduler"
	logx "grug/pkg/logx"
)

// Scheduler is the job store surface the controller writes to.
// *scheduler.Manager implements it.
type Scheduler interface {
	AddSchedule(ctx context.Context, sc jobstore.Schedule, policy jobstore.ConflictPolicy) (*jobstore.Schedule, error)
	RemoveSchedule(ctx context.Context, id string) error
	PauseSchedule(ctx context.Context, id string) error
	UnpauseSchedule(ctx context.Context, id string, resumeFrom time.Time) (*scheduler.ScheduleModel, error)
	Schedule(ctx context.Context, id string) (*jobstore.Schedule, error)
	ListSchedules(ctx context.Context) ([]scheduler.ScheduleModel, error)
}

type Config struct {
	// Timeout bounds one sync. Default 30s.
	Timeout time.Duration
}

type Option func(*Controller)

func WithLogger(log logx.Logger) Option { return func(c *Controller) { c.log = log } }

func WithMetrics(m metrics.Sink) Option { return func(c *Controller) { c.metrics = m } }

// WithExecutor runs syncs as engine tasks. Without one, Run syncs inline.
func WithExecutor(exec jobstore.Executor) Option { return func(c *Controller) { c.exec = exec } }

type Controller struct {
	db      *storage.DB
	repo    *occurrence.Repository
	sched   Scheduler
	exec    jobstore.Executor
	cfg     Config
	log     logx.Logger
	metrics metrics.Sink

	mu      sync.Mutex
	pending []storage.Change
	wake    chan struct{}

	locks keyedMutex
}

func New(db *storage.DB, repo *occurrence.Repository, sched Scheduler, cfg Config, opts ...Option) *Controller {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	c := &Controller{
		db:    db,
		repo:  repo,
		sched: sched,
		cfg:   cfg,
		wake:  make(chan struct{}, 1),
		locks: keyedMutex{m: map[string]*keyedEntry{}},
	}
	for _, o := range opts {
		o(c)
	}
	c.metrics = metrics.OrNoop(c.metrics)
	c.log = c.log.With(logx.String("comp", "jobsync"))
	return c
}

// Enqueue queues committed changes. It is a storage.CommitHook: it never
// blocks and never drops.
func (c *Controller) Enqueue(changes []storage.Change) {
	c.mu.Lock()
	for _, ch := range changes {
		if ch.Entity != occurrence.EntityEvent && ch.Entity != occurrence.EntityOccurrence {
			continue
		}
		dup := false
		for _, p := range c.pending {
			if p == ch {
				dup = true
				break
			}
		}
		if !dup {
			c.pending = append(c.pending, ch)
		}
	}
	n := len(c.pending)
	c.mu.Unlock()

	c.metrics.SyncQueueDepth(n)
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Controller) drain() []storage.Change {
	c.mu.Lock()
	out := c.pending
	c.pending = nil
	c.mu.Unlock()
	c.metrics.SyncQueueDepth(0)
	return out
}

// Pending reports how many changes wait for a sync.
func (c *Controller) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Run consumes queued changes until ctx ends.
func (c *Controller) Run(ctx context.Context) error {
	c.log.Info("sync consumer started")
	for {
		select {
		case <-ctx.Done():
			c.log.Info("sync consumer stopped", logx.Int("pending", c.Pending()))
			return nil
		case <-c.wake:
		}
		for _, ch := range c.drain() {
			c.dispatch(ctx, ch)
		}
	}
}

// Flush syncs queued changes inline until the queue stays empty,
// including changes the syncs themselves commit.
func (c *Controller) Flush(ctx context.Context) {
	for ctx.Err() == nil {
		batch := c.drain()
		if len(batch) == 0 {
			return
		}
		for _, ch := range batch {
			c.syncOne(ctx, ch)
		}
	}
}

func (c *Controller) dispatch(ctx context.Context, ch storage.Change) {
	if c.exec == nil {
		c.syncOne(ctx, ch)
		return
	}
	err := c.exec.Submit(ctx, engine.Task{
		Name:    "sync." + ch.Entity,
		Key:     ch.Key(),
		Timeout: c.cfg.Timeout,
		Opt:     engine.TaskOptions{RetryMax: -1},
		Run: func(ctx context.Context) error {
			c.syncOne(ctx, ch)
			return nil
		},
	})
	if err != nil {
		c.log.Warn("sync not submitted; reconcile will repair it", logx.String("change", ch.Key()), logx.String("op", string(ch.Op)), logx.Err(err))
		c.metrics.SyncCompleted(ch.Entity, err)
	}
}

// syncOne swallows failures after recording them.
func (c *Controller) syncOne(ctx context.Context, ch storage.Change) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	err := c.Sync(ctx, ch)
	c.metrics.SyncCompleted(ch.Entity, err)
	if err != nil {
		c.log.Error("sync failed", logx.String("entity", ch.Entity), logx.Int64("id", ch.ID), logx.String("op", string(ch.Op)), logx.Err(err))
	}
}

// keyedMutex serializes work per key and forgets idle keys.
type keyedMutex struct {
	mu sync.Mutex
	m  map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	e := k.m[key]
	if e == nil {
		e = &keyedEntry{}
		k.m[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.m, key)
		}
		k.mu.Unlock()
	}
}
