package jobstore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"grug/internal/eventbus"
	"grug/internal/metrics"
	"grug/internal/storage"
	"grug/internal/trigger"
	logx "grug/pkg/logx"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrate creates the job store tables in db's namespace.
func Migrate(ctx context.Context, db *storage.DB) error {
	sub, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return err
	}
	return db.Migrate(ctx, sub)
}

// Store persists schedules and fires them. It is not safe to run two
// loops against one sqlite file; postgres claims rows with SKIP LOCKED.
type Store struct {
	db      *storage.DB
	reg     *Registry
	exec    Executor
	cfg     Config
	bus     eventbus.Bus
	metrics metrics.Sink
	log     logx.Logger
	now     func() time.Time

	schedules string
	results   string

	wake chan struct{}
}

type Option func(*Store)

func WithLogger(log logx.Logger) Option { return func(s *Store) { s.log = log } }

func WithBus(bus eventbus.Bus) Option { return func(s *Store) { s.bus = bus } }

func WithMetrics(m metrics.Sink) Option { return func(s *Store) { s.metrics = m } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New binds a store to db. exec may be nil for administrative use (list,
// pause, resume); Run requires it.
func New(db *storage.DB, reg *Registry, exec Executor, cfg Config, opts ...Option) *Store {
	s := &Store{
		db:        db,
		reg:       reg,
		exec:      exec,
		cfg:       cfg.withDefaults(),
		now:       time.Now,
		schedules: db.Table("schedules"),
		results:   db.Table("job_results"),
		wake:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.reg == nil {
		s.reg = NewRegistry()
	}
	s.metrics = metrics.OrNoop(s.metrics)
	s.log = s.log.With(logx.String("comp", "jobstore"))
	return s
}

func (s *Store) DB() *storage.DB { return s.db }

func (s *Store) Registry() *Registry { return s.reg }

// Wake makes a sleeping Run loop re-check due schedules.
func (s *Store) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Store) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: data})
}

func (s *Store) columns() string {
	return `id, task_ref, trigger_spec, args, paused, next_fire_time, last_fire_time, created_at, updated_at`
}

type scanner interface{ Scan(...any) error }

func scanSchedule(row scanner) (*Schedule, error) {
	var (
		sc         Schedule
		spec, args string
		next, last sql.NullInt64
		ca, ua     int64
	)
	if err := row.Scan(&sc.ID, &sc.TaskRef, &spec, &args, &sc.Paused, &next, &last, &ca, &ua); err != nil {
		return nil, err
	}
	t, err := trigger.Decode(spec)
	if err != nil {
		return nil, fmt.Errorf("schedule %s: %w", sc.ID, err)
	}
	sc.Trigger = t
	sc.Args = json.RawMessage(args)
	sc.NextFireTime = storage.TimePtr(next)
	sc.LastFireTime = storage.TimePtr(last)
	sc.CreatedAt = storage.FromMillis(ca)
	sc.UpdatedAt = storage.FromMillis(ua)
	return &sc, nil
}

func (s *Store) get(ctx context.Context, tx *storage.Tx, id string) (*Schedule, error) {
	sc, err := scanSchedule(tx.QueryRowContext(ctx, `SELECT `+s.columns()+` FROM `+s.schedules+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}
	return sc, err
}

// AddSchedule stores sc and computes its first fire time from now.
func (s *Store) AddSchedule(ctx context.Context, sc Schedule, policy ConflictPolicy) (*Schedule, error) {
	sc.ID = strings.TrimSpace(sc.ID)
	if sc.ID == "" || strings.TrimSpace(sc.TaskRef) == "" {
		return nil, errors.New("schedule id and task ref are required")
	}
	trg, err := trigger.Build(sc.Trigger)
	if err != nil {
		return nil, fmt.Errorf("schedule %s: %w", sc.ID, err)
	}
	spec, err := sc.Trigger.Encode()
	if err != nil {
		return nil, err
	}
	args := "{}"
	if len(sc.Args) > 0 {
		if !json.Valid(sc.Args) {
			return nil, fmt.Errorf("schedule %s: args are not valid JSON", sc.ID)
		}
		args = string(sc.Args)
	}

	now := s.now()
	var next *time.Time
	if t, ok := trg.Next(now); ok {
		next = &t
	}

	insert := `INSERT INTO ` + s.schedules + ` (id, task_ref, trigger_spec, args, paused, next_fire_time, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	switch policy {
	case ConflictReplace:
		insert += ` ON CONFLICT (id) DO UPDATE SET
			task_ref = excluded.task_ref,
			trigger_spec = excluded.trigger_spec,
			args = excluded.args,
			paused = excluded.paused,
			next_fire_time = excluded.next_fire_time,
			updated_at = excluded.updated_at`
	case ConflictDoNothing:
		insert += ` ON CONFLICT (id) DO NOTHING`
	}

	var out *Schedule
	err = s.db.WithTx(ctx, func(tx *storage.Tx) error {
		_, err := tx.ExecContext(ctx, insert,
			sc.ID, sc.TaskRef, spec, args, false, storage.NullMillis(next), storage.Millis(now), storage.Millis(now))
		if err != nil {
			if policy == ConflictError && tx.Dialect().IsUniqueViolation(err) {
				return fmt.Errorf("%w: %s", ErrScheduleExists, sc.ID)
			}
			return fmt.Errorf("add schedule %s: %w", sc.ID, err)
		}
		out, err = s.get(ctx, tx, sc.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.Debug("schedule stored", logx.String("id", out.ID), logx.String("task", out.TaskRef), logx.String("trigger", out.Trigger.String()), logx.TimePtr("next", out.NextFireTime))
	s.publish(EventScheduleAdded, ScheduleEvent{ID: out.ID, TaskRef: out.TaskRef, NextFireTime: out.NextFireTime})
	s.Wake()
	return out, nil
}

func (s *Store) RemoveSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM `+s.schedules+` WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("remove schedule %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}
	s.log.Debug("schedule removed", logx.String("id", id))
	s.publish(EventScheduleRemoved, ScheduleEvent{ID: id})
	return nil
}

// PauseSchedule stops a schedule from firing and clears its next fire
// time. Pausing a paused schedule is a no-op.
func (s *Store) PauseSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE `+s.schedules+` SET paused = ?, next_fire_time = NULL, updated_at = ? WHERE id = ?`,
		true, storage.Millis(s.now()), id)
	if err != nil {
		return fmt.Errorf("pause schedule %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}
	s.publish(EventSchedulePaused, ScheduleEvent{ID: id})
	return nil
}

// UnpauseSchedule resumes a schedule. The next fire time is the first
// trigger time at or after resumeFrom.
func (s *Store) UnpauseSchedule(ctx context.Context, id string, resumeFrom time.Time) (*Schedule, error) {
	var out *Schedule
	err := s.db.WithTx(ctx, func(tx *storage.Tx) error {
		sc, err := s.get(ctx, tx, id)
		if err != nil {
			return err
		}
		trg, err := trigger.Build(sc.Trigger)
		if err != nil {
			return fmt.Errorf("schedule %s: %w", id, err)
		}
		var next *time.Time
		if t, ok := trg.Next(resumeFrom.Add(-time.Nanosecond)); ok {
			next = &t
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE `+s.schedules+` SET paused = ?, next_fire_time = ?, updated_at = ? WHERE id = ?`,
			false, storage.NullMillis(next), storage.Millis(s.now()), id); err != nil {
			return fmt.Errorf("unpause schedule %s: %w", id, err)
		}
		sc.Paused, sc.NextFireTime = false, next
		out = sc
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publish(EventScheduleResumed, ScheduleEvent{ID: out.ID, TaskRef: out.TaskRef, NextFireTime: out.NextFireTime})
	s.Wake()
	return out, nil
}

func (s *Store) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	sc, err := scanSchedule(s.db.QueryRowContext(ctx, `SELECT `+s.columns()+` FROM `+s.schedules+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}
	return sc, err
}

// ListSchedules returns every schedule ordered by id.
func (s *Store) ListSchedules(ctx context.Context) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+s.columns()+` FROM `+s.schedules+` ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sc)
	}
	return out, rows.Err()
}

// JobResults returns the newest results for a schedule.
func (s *Store) JobResults(ctx context.Context, scheduleID string, limit int) ([]JobResult, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, schedule_id, task_ref, scheduled_at, started_at, finished_at, attempts, outcome, error
		FROM `+s.results+` WHERE schedule_id = ? ORDER BY finished_at DESC, id LIMIT ?`, scheduleID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []JobResult
	for rows.Next() {
		var (
			r          JobResult
			sa, st, fi int64
		)
		if err := rows.Scan(&r.ID, &r.ScheduleID, &r.TaskRef, &sa, &st, &fi, &r.Attempts, &r.Outcome, &r.Error); err != nil {
			return nil, err
		}
		r.ScheduledAt, r.StartedAt, r.FinishedAt = storage.FromMillis(sa), storage.FromMillis(st), storage.FromMillis(fi)
		out = append(out, r)
	}
	return out, rows.Err()
}
