package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"grug/internal/metrics"
	rtsup "grug/internal/runtime/supervisor"
	"grug/internal/task/jobstore"
	logx "grug/pkg/logx"
)

type Option func(*Manager)

func WithLogger(log logx.Logger) Option { return func(m *Manager) { m.log = log } }

func WithMetrics(s metrics.Sink) Option { return func(m *Manager) { m.metrics = s } }

// WithClock replaces time.Now for resume defaults.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// Manager runs one job store at a time and rebuilds it after a crash.
type Manager struct {
	cfg     Config
	factory Factory
	log     logx.Logger
	metrics metrics.Sink
	now     func() time.Time

	mu      sync.RWMutex
	state   State
	store   JobStore
	sup     *rtsup.Supervisor
	lastErr error

	restarts atomic.Int64
	inits    atomic.Int64
}

func New(cfg Config, factory Factory, opts ...Option) *Manager {
	m := &Manager{
		cfg:     cfg.withDefaults(),
		factory: factory,
		now:     time.Now,
		state:   StateStopped,
	}
	for _, o := range opts {
		o(m)
	}
	m.metrics = metrics.OrNoop(m.metrics)
	m.log = m.log.With(logx.String("comp", "scheduler"))
	return m
}

// Attach wraps a store for writes only. The fire loop is never started,
// so another process can own firing while this one edits schedules.
func Attach(store JobStore, opts ...Option) *Manager {
	m := New(Config{}, nil, opts...)
	m.store = store
	return m
}

func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := Status{State: m.state, Restarts: m.restarts.Load(), Inits: m.inits.Load()}
	if m.lastErr != nil {
		st.LastError = m.lastErr.Error()
	}
	return st
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	prev := m.state
	m.state = s
	m.mu.Unlock()
	if prev != s {
		m.log.Debug("scheduler state", logx.String("from", string(prev)), logx.String("to", string(s)))
		m.metrics.SchedulerState(string(s))
	}
}

// Start builds the store and runs its loop in the background. Calling
// Start on a running manager is a no-op.
func (m *Manager) Start(ctx context.Context) error {
	if m.factory == nil {
		return errors.New("scheduler has no store factory")
	}
	m.mu.Lock()
	if m.sup != nil {
		m.mu.Unlock()
		return nil
	}
	sup := rtsup.NewSupervisor(ctx, rtsup.WithLogger(m.log))
	m.sup = sup
	m.mu.Unlock()

	m.setState(StateStarting)
	sup.GoRestart("jobstore", m.runOnce,
		rtsup.WithRestartBackoff(m.cfg.RestartBackoffMin, m.cfg.RestartBackoffMax),
		rtsup.WithMaxRestarts(m.cfg.MaxRestarts),
		// Run only returns nil on shutdown; anything else is a crash.
		rtsup.WithStopOnCleanExit(false),
		rtsup.WithOnFailure(m.onFailure),
		rtsup.WithOnGiveUp(func(err error) {
			m.log.Error("scheduler gave up", logx.Int64("restarts", m.restarts.Load()), logx.Err(err))
		}),
	)
	return nil
}

// runOnce is one supervised attempt: init, then run until ctx ends or
// the loop fails.
func (m *Manager) runOnce(ctx context.Context) error {
	store, err := m.factory(ctx)
	if err != nil {
		return err
	}
	n := m.inits.Add(1)

	m.mu.Lock()
	m.store = store
	m.mu.Unlock()
	m.setState(StateStarted)
	m.log.Info("scheduler started", logx.Int64("init", n))

	return store.Run(ctx)
}

func (m *Manager) onFailure(err error, restarts int) {
	m.restarts.Store(int64(restarts))
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
	m.setState(StateError)
	m.metrics.SchedulerRestart()
	m.log.Error("scheduler crashed", logx.Int("restarts", restarts), logx.Err(err))
}

// Stop cancels the loop and waits for it to exit.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	sup := m.sup
	m.sup = nil
	m.mu.Unlock()
	if sup == nil {
		return nil
	}

	m.setState(StateStopping)
	err := sup.Stop(ctx)

	m.mu.Lock()
	m.store = nil
	m.mu.Unlock()
	m.setState(StateStopped)
	m.log.Info("scheduler stopped")
	return err
}

// WaitStarted blocks until a store is live or ctx ends.
func (m *Manager) WaitStarted(ctx context.Context) error {
	t := time.NewTicker(20 * time.Millisecond)
	defer t.Stop()
	for {
		if _, err := m.live(); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// live returns the current store. After a crash the previous store stays
// usable for writes until the next init replaces it.
func (m *Manager) live() (JobStore, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.store == nil {
		return nil, ErrNotRunning
	}
	return m.store, nil
}

func (m *Manager) AddSchedule(ctx context.Context, sc jobstore.Schedule, policy jobstore.ConflictPolicy) (*jobstore.Schedule, error) {
	s, err := m.live()
	if err != nil {
		return nil, err
	}
	return s.AddSchedule(ctx, sc, policy)
}

func (m *Manager) RemoveSchedule(ctx context.Context, id string) error {
	s, err := m.live()
	if err != nil {
		return err
	}
	return s.RemoveSchedule(ctx, id)
}

// Schedule returns the full stored job, trigger included.
func (m *Manager) Schedule(ctx context.Context, id string) (*jobstore.Schedule, error) {
	s, err := m.live()
	if err != nil {
		return nil, err
	}
	return s.GetSchedule(ctx, id)
}

func (m *Manager) PauseSchedule(ctx context.Context, id string) error {
	s, err := m.live()
	if err != nil {
		return err
	}
	return s.PauseSchedule(ctx, id)
}

// UnpauseSchedule resumes id from resumeFrom; the zero time means now.
func (m *Manager) UnpauseSchedule(ctx context.Context, id string, resumeFrom time.Time) (*ScheduleModel, error) {
	s, err := m.live()
	if err != nil {
		return nil, err
	}
	if resumeFrom.IsZero() {
		resumeFrom = m.now()
	}
	sc, err := s.UnpauseSchedule(ctx, id, resumeFrom)
	if err != nil {
		return nil, err
	}
	out := modelOf(sc)
	return &out, nil
}

func (m *Manager) GetSchedule(ctx context.Context, id string) (*ScheduleModel, error) {
	sc, err := m.Schedule(ctx, id)
	if err != nil {
		return nil, err
	}
	out := modelOf(sc)
	return &out, nil
}

func (m *Manager) ListSchedules(ctx context.Context) ([]ScheduleModel, error) {
	s, err := m.live()
	if err != nil {
		return nil, err
	}
	all, err := s.ListSchedules(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]ScheduleModel, 0, len(all))
	for i := range all {
		out = append(out, modelOf(&all[i]))
	}
	return out, nil
}
