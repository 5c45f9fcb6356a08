package jobsync

import (
	"context"
	"fmt"
	"time"

	"grug/internal/occurrence"
	"grug/internal/storage"
	logx "grug/pkg/logx"
)

// ReconcileReport summarizes one reconciliation pass.
type ReconcileReport struct {
	Events   int
	Orphans  int
	Failed   int
	Duration time.Duration
}

// Reconcile re-syncs every event and its future occurrences, then removes
// jobs whose event or occurrence is gone. It repairs syncs lost between a
// commit and its consumption, e.g. across a crash.
func (c *Controller) Reconcile(ctx context.Context) (ReconcileReport, error) {
	started := time.Now()
	var rep ReconcileReport

	var events []*occurrence.Event
	if err := c.db.WithTx(ctx, func(tx *storage.Tx) error {
		var err error
		events, err = c.repo.ListEvents(ctx, tx)
		return err
	}); err != nil {
		return rep, fmt.Errorf("list events: %w", err)
	}

	known := make(map[int64]struct{}, len(events))
	for _, e := range events {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		known[e.ID] = struct{}{}
		rep.Events++
		if err := c.SyncEvent(ctx, e.ID); err != nil {
			rep.Failed++
			c.log.Warn("reconcile: event sync failed", logx.Int64("event_id", e.ID), logx.Err(err))
		}
	}

	jobs, err := c.sched.ListSchedules(ctx)
	if err != nil {
		return rep, fmt.Errorf("list schedules: %w", err)
	}
	seen := map[int64]struct{}{}
	for _, j := range jobs {
		ref, ok := parseJobID(j.ID)
		if !ok {
			continue
		}
		switch ref.entity {
		case occurrence.EntityEvent:
			if _, ok := known[ref.id]; ok {
				continue
			}
			rep.Orphans++
			if err := c.removeJob(ctx, j.ID); err != nil {
				rep.Failed++
				c.log.Warn("reconcile: orphan removal failed", logx.String("job", j.ID), logx.Err(err))
			}
		case occurrence.EntityOccurrence:
			if _, done := seen[ref.id]; done {
				continue
			}
			seen[ref.id] = struct{}{}
			if err := c.SyncOccurrence(ctx, ref.id); err != nil {
				rep.Failed++
				c.log.Warn("reconcile: occurrence sync failed", logx.Int64("occurrence_id", ref.id), logx.Err(err))
			}
		}
	}

	rep.Duration = time.Since(started)
	c.log.Info("reconcile complete",
		logx.Int("events", rep.Events), logx.Int("orphans", rep.Orphans), logx.Int("failed", rep.Failed), logx.Duration("took", rep.Duration))
	return rep, nil
}
