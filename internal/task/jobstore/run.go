package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"grug/internal/metrics"
	"grug/internal/storage"
	"grug/internal/task/engine"
	"grug/internal/trigger"
	logx "grug/pkg/logx"
)

const resultWriteTimeout = 5 * time.Second

type claimed struct {
	id          string
	taskRef     string
	args        json.RawMessage
	scheduledAt time.Time
}

// Run fires due schedules until ctx ends. It returns nil on cancellation
// and an error when the store cannot be read or written; callers restart
// it on error.
func (s *Store) Run(ctx context.Context) error {
	if s.exec == nil {
		return errors.New("job store has no executor")
	}
	s.log.Info("job store loop started", logx.Duration("poll", s.cfg.PollInterval), logx.Int("batch", s.cfg.BatchSize))
	for {
		started := time.Now()
		jobs, next, err := s.claimDue(ctx)
		s.metrics.LoopCompleted(time.Since(started), len(jobs), err)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("claim due schedules: %w", err)
		}
		for _, j := range jobs {
			s.dispatch(ctx, j)
		}

		wait := s.cfg.PollInterval
		if next != nil {
			wait = min(wait, max(next.Sub(s.now()), 0))
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.log.Info("job store loop stopped")
			return nil
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// claimDue advances every due schedule in one transaction and returns
// them with the earliest pending fire time.
func (s *Store) claimDue(ctx context.Context) ([]claimed, *time.Time, error) {
	var (
		jobs []claimed
		next *time.Time
	)
	err := s.db.WithTx(ctx, func(tx *storage.Tx) error {
		jobs, next = nil, nil
		now := s.now()

		query := `SELECT ` + s.columns() + ` FROM ` + s.schedules + `
			WHERE paused = ? AND next_fire_time IS NOT NULL AND next_fire_time <= ?
			ORDER BY next_fire_time, id LIMIT ?`
		if tx.Dialect() == storage.Postgres {
			query += ` FOR UPDATE SKIP LOCKED`
		}
		rows, err := tx.QueryContext(ctx, query, false, storage.Millis(now), s.cfg.BatchSize)
		if err != nil {
			return err
		}
		var due []*Schedule
		for rows.Next() {
			sc, err := scanSchedule(rows)
			if err != nil {
				rows.Close()
				return err
			}
			due = append(due, sc)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, sc := range due {
			var after *time.Time
			if trg, err := trigger.Build(sc.Trigger); err != nil {
				s.log.Error("schedule trigger unusable; parking", logx.String("id", sc.ID), logx.Err(err))
			} else if t, ok := trg.Next(now); ok {
				after = &t
			}
			// An exhausted schedule (a fired one-shot reminder) is parked as
			// paused so listings do not show it as active.
			exhausted := after == nil
			if _, err := tx.ExecContext(ctx,
				`UPDATE `+s.schedules+` SET last_fire_time = ?, next_fire_time = ?, paused = ?, updated_at = ? WHERE id = ?`,
				storage.Millis(now), storage.NullMillis(after), exhausted, storage.Millis(now), sc.ID); err != nil {
				return err
			}
			if exhausted {
				s.log.Debug("schedule exhausted; paused", logx.String("id", sc.ID))
			}
			jobs = append(jobs, claimed{id: sc.ID, taskRef: sc.TaskRef, args: sc.Args, scheduledAt: *sc.NextFireTime})
		}

		var earliest sql.NullInt64
		if err := tx.QueryRowContext(ctx,
			`SELECT MIN(next_fire_time) FROM `+s.schedules+` WHERE paused = ? AND next_fire_time IS NOT NULL`, false,
		).Scan(&earliest); err != nil {
			return err
		}
		next = storage.TimePtr(earliest)
		return nil
	})
	return jobs, next, err
}

func (s *Store) dispatch(ctx context.Context, j claimed) {
	s.metrics.JobFired(j.taskRef)
	s.publish(EventJobFired, JobEvent{ScheduleID: j.id, TaskRef: j.taskRef, ScheduledAt: j.scheduledAt})
	s.log.Debug("job fired", logx.String("id", j.id), logx.String("task", j.taskRef), logx.Time("scheduled_at", j.scheduledAt))

	fn, ok := s.reg.Lookup(j.taskRef)
	if !ok {
		now := s.now()
		s.finish(j, engine.Result{Started: now, Finished: now, Attempts: 1, Err: fmt.Errorf("%w: %s", ErrUnknownTask, j.taskRef)})
		return
	}

	// One run per schedule at a time: a fire that lands while the previous
	// one is still queued, running or retrying is skipped.
	task := engine.Task{
		Name:    j.taskRef,
		Key:     j.id,
		Timeout: s.cfg.JobTimeout,
		Opt:     engine.TaskOptions{Overlap: engine.OverlapSkipIfRunning},
		Run: func(ctx context.Context) error {
			return fn(ctx, j.args)
		},
		Done: func(res engine.Result) { s.finish(j, res) },
	}
	if err := s.exec.Submit(ctx, task); err != nil {
		now := s.now()
		s.finish(j, engine.Result{Started: now, Finished: now, Err: fmt.Errorf("submit: %w", err)})
	}
}

// finish records the outcome. It runs on an engine worker, so it uses its
// own context.
func (s *Store) finish(j claimed, res engine.Result) {
	outcome, msg := metrics.OutcomeOK, ""
	switch {
	case res.Err == nil:
	case errors.Is(res.Err, engine.ErrOverlapSkip):
		outcome, msg = metrics.OutcomeSkipped, res.Err.Error()
		s.log.Info("job skipped; previous run still active", logx.String("id", j.id), logx.String("task", j.taskRef))
	default:
		outcome, msg = metrics.OutcomeError, res.Err.Error()
		s.log.Warn("job failed", logx.String("id", j.id), logx.String("task", j.taskRef), logx.Int("attempts", res.Attempts), logx.Err(res.Err))
	}
	dur := res.Finished.Sub(res.Started)
	s.metrics.JobFinished(j.taskRef, outcome, dur)
	s.publish(EventJobFinished, JobEvent{ScheduleID: j.id, TaskRef: j.taskRef, ScheduledAt: j.scheduledAt, Outcome: outcome, Error: msg, Duration: dur})

	ctx, cancel := context.WithTimeout(context.Background(), resultWriteTimeout)
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO `+s.results+` (id, schedule_id, task_ref, scheduled_at, started_at, finished_at, attempts, outcome, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), j.id, j.taskRef, storage.Millis(j.scheduledAt), storage.Millis(res.Started), storage.Millis(res.Finished),
		max(res.Attempts, 1), outcome, msg)
	if err != nil {
		s.log.Warn("job result not recorded", logx.String("id", j.id), logx.Err(err))
	}
}
