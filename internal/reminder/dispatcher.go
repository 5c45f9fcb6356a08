// Package reminder runs the reminder jobs: it re-checks the occurrence,
// waits for the notifier and hands the reminder over.
package reminder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"grug/internal/jobsync"
	"grug/internal/metrics"
	"grug/internal/notify"
	"grug/internal/occurrence"
	"grug/internal/storage"
	"grug/internal/task/engine"
	"grug/internal/task/jobstore"
	logx "grug/pkg/logx"
)

type Config struct {
	ReadyInterval time.Duration
	ReadyAttempts int
	// RatePerSec caps sends; 0 is unlimited.
	RatePerSec int
}

type Option func(*Dispatcher)

func WithLogger(log logx.Logger) Option { return func(d *Dispatcher) { d.log = log } }

func WithMetrics(m metrics.Sink) Option { return func(d *Dispatcher) { d.metrics = m } }

type Dispatcher struct {
	db      *storage.DB
	repo    *occurrence.Repository
	cfg     Config
	log     logx.Logger
	metrics metrics.Sink

	mu       sync.RWMutex
	notifier notify.Notifier
	limiter  *rate.Limiter
}

func New(db *storage.DB, repo *occurrence.Repository, n notify.Notifier, cfg Config, opts ...Option) *Dispatcher {
	d := &Dispatcher{db: db, repo: repo, cfg: cfg, notifier: n}
	for _, o := range opts {
		o(d)
	}
	d.metrics = metrics.OrNoop(d.metrics)
	d.log = d.log.With(logx.String("comp", "reminder"))
	d.limiter = newLimiter(cfg.RatePerSec)
	return d
}

func newLimiter(perSec int) *rate.Limiter {
	if perSec <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(perSec), perSec)
}

// SetRate changes the send limit at runtime.
func (d *Dispatcher) SetRate(perSec int) {
	d.mu.Lock()
	d.cfg.RatePerSec = perSec
	d.limiter = newLimiter(perSec)
	d.mu.Unlock()
}

func (d *Dispatcher) current() (notify.Notifier, *rate.Limiter) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.notifier, d.limiter
}

func (d *Dispatcher) SendFoodReminder(ctx context.Context, occurrenceID int64) error {
	return d.send(ctx, occurrenceID, occurrence.Food)
}

func (d *Dispatcher) SendAttendanceReminder(ctx context.Context, occurrenceID int64) error {
	return d.send(ctx, occurrenceID, occurrence.Attendance)
}

// check loads the occurrence and reports whether a reminder should go out.
// A non-empty outcome means skip.
func (d *Dispatcher) check(ctx context.Context, tx *storage.Tx, id int64, kind occurrence.ReminderKind) (*occurrence.EventOccurrence, string, error) {
	log := d.log.With(logx.Int64("occurrence_id", id), logx.String("kind", string(kind)))
	occ, err := d.repo.GetOccurrence(ctx, tx, id)
	if errors.Is(err, occurrence.ErrOccurrenceNotFound) || errors.Is(err, occurrence.ErrEventNotFound) {
		log.Warn("reminder for missing occurrence", logx.Err(err))
		return nil, metrics.ReminderNotFound, nil
	}
	if err != nil {
		return nil, "", err
	}
	start, err := occ.Start()
	if err != nil {
		return nil, "", err
	}
	if start.Before(d.repo.Now()) {
		log.Info("occurrence already started; skipping reminder", logx.Time("start", start))
		return nil, metrics.ReminderStale, nil
	}
	if !occ.Event.Reminder(kind).Track {
		log.Debug("reminder tracking disabled")
		return nil, metrics.ReminderDisabled, nil
	}
	return occ, "", nil
}

func (d *Dispatcher) send(ctx context.Context, id int64, kind occurrence.ReminderKind) error {
	var skip string
	err := d.db.WithTx(ctx, func(tx *storage.Tx) error {
		var err error
		_, skip, err = d.check(ctx, tx, id, kind)
		return err
	})
	if err != nil {
		return fmt.Errorf("%s reminder %d: %w", kind, id, err)
	}
	if skip != "" {
		d.metrics.ReminderOutcome(string(kind), skip)
		return nil
	}

	n, limiter := d.current()
	if err := notify.WaitReady(ctx, n, d.cfg.ReadyInterval, d.cfg.ReadyAttempts); err != nil {
		d.metrics.ReminderOutcome(string(kind), metrics.ReminderNotReady)
		d.log.Warn("notifier not ready", logx.Int64("occurrence_id", id), logx.String("kind", string(kind)), logx.Err(err))
		return err
	}
	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
	}

	outcome := metrics.ReminderSent
	err = d.db.WithTx(ctx, func(tx *storage.Tx) error {
		// Re-check: the occurrence may have changed while we waited.
		occ, skip, err := d.check(ctx, tx, id, kind)
		if err != nil || skip != "" {
			outcome = skip
			return err
		}
		s := d.repo.Bind(tx)
		if kind == occurrence.Attendance {
			err = n.SendAttendanceReminder(ctx, occ, s)
		} else {
			err = n.SendFoodReminder(ctx, occ, s)
		}
		if err != nil {
			outcome = metrics.ReminderNotifierError
			d.log.Error("reminder delivery failed", logx.Int64("occurrence_id", id), logx.String("kind", string(kind)), logx.Err(err))
			return nil
		}
		d.log.Info("reminder sent", logx.Int64("occurrence_id", id), logx.String("kind", string(kind)), logx.String("date", occ.Date))
		return nil
	})
	if err != nil {
		return fmt.Errorf("%s reminder %d: %w", kind, id, err)
	}
	d.metrics.ReminderOutcome(string(kind), outcome)
	return nil
}

// Register adds the reminder tasks to reg.
func (d *Dispatcher) Register(reg *jobstore.Registry) error {
	for _, kind := range occurrence.Kinds {
		kind := kind
		name := jobsync.ReminderTask(kind)
		err := reg.Register(name, func(ctx context.Context, raw json.RawMessage) error {
			var args jobsync.ReminderArgs
			if err := json.Unmarshal(raw, &args); err != nil || args.OccurrenceID <= 0 {
				return engine.NoRetry(fmt.Errorf("%s: bad args %s", name, raw))
			}
			return d.send(ctx, args.OccurrenceID, kind)
		})
		if err != nil {
			return err
		}
	}
	return nil
}
