package jobsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"grug/internal/occurrence"
	"grug/internal/storage"
	"grug/internal/task/engine"
	"grug/internal/task/jobstore"
	"grug/internal/trigger"
	logx "grug/pkg/logx"
)

// Sync applies one committed change to the job store.
func (c *Controller) Sync(ctx context.Context, ch storage.Change) error {
	switch ch.Entity {
	case occurrence.EntityEvent:
		if ch.Op == storage.OpDeleted {
			return c.removeJob(ctx, ManagerJobID(ch.ID))
		}
		return c.SyncEvent(ctx, ch.ID)
	case occurrence.EntityOccurrence:
		if ch.Op == storage.OpDeleted {
			return c.removeReminders(ctx, ch.ID)
		}
		return c.SyncOccurrence(ctx, ch.ID)
	default:
		return nil
	}
}

// SyncEvent upserts the event's manager job, then refreshes reminders,
// materializes the next occurrence and syncs every future occurrence.
func (c *Controller) SyncEvent(ctx context.Context, eventID int64) error {
	unlock := c.locks.lock(occurrence.EntityEvent + ":" + fmt.Sprint(eventID))
	defer unlock()

	var e *occurrence.Event
	err := c.db.WithTx(ctx, func(tx *storage.Tx) error {
		var err error
		e, err = c.repo.GetEvent(ctx, tx, eventID)
		return err
	})
	if errors.Is(err, occurrence.ErrEventNotFound) {
		return c.removeJob(ctx, ManagerJobID(eventID))
	}
	if err != nil {
		return err
	}

	jobID := ManagerJobID(e.ID)
	rule := e.Recurrence()
	if rule.IsZero() {
		if err := c.removeJob(ctx, jobID); err != nil {
			return err
		}
	} else {
		spec, err := trigger.FromRule(rule)
		if err != nil {
			return fmt.Errorf("event %d: %w", e.ID, err)
		}
		args, _ := json.Marshal(SyncNextArgs{EventID: e.ID})
		sc, err := c.sched.AddSchedule(ctx, jobstore.Schedule{ID: jobID, TaskRef: TaskSyncNext, Trigger: spec, Args: args}, jobstore.ConflictReplace)
		if err != nil {
			return fmt.Errorf("upsert %s: %w", jobID, err)
		}
		c.log.Debug("manager job synced", logx.String("job", jobID), logx.TimePtr("next", sc.NextFireTime))
	}

	var future []int64
	err = c.db.WithTx(ctx, func(tx *storage.Tx) error {
		if _, err := c.repo.RefreshReminders(ctx, tx, e); err != nil {
			return err
		}
		if _, err := c.repo.GetOrCreateNextOccurrence(ctx, tx, e.ID); err != nil && !errors.Is(err, occurrence.ErrNoSchedule) {
			return err
		}
		occs, err := c.repo.FutureOccurrences(ctx, tx, e)
		if err != nil {
			return err
		}
		future = future[:0]
		for _, o := range occs {
			future = append(future, o.ID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("event %d occurrences: %w", e.ID, err)
	}

	var errs []error
	for _, id := range future {
		if err := c.SyncOccurrence(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SyncOccurrence brings both reminder jobs of an occurrence in line with
// its stored state. A missing occurrence is treated as deleted.
func (c *Controller) SyncOccurrence(ctx context.Context, occurrenceID int64) error {
	unlock := c.locks.lock(occurrence.EntityOccurrence + ":" + fmt.Sprint(occurrenceID))
	defer unlock()

	var occ *occurrence.EventOccurrence
	err := c.db.WithTx(ctx, func(tx *storage.Tx) error {
		var err error
		occ, err = c.repo.GetOccurrence(ctx, tx, occurrenceID)
		return err
	})
	if errors.Is(err, occurrence.ErrOccurrenceNotFound) || errors.Is(err, occurrence.ErrEventNotFound) {
		return c.removeReminders(ctx, occurrenceID)
	}
	if err != nil {
		return err
	}

	var errs []error
	for _, kind := range occurrence.Kinds {
		if err := c.syncReminder(ctx, occ, kind); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// syncReminder handles one reminder kind. A reminder that is not due
// pauses an existing job; jobs are only deleted with their occurrence.
func (c *Controller) syncReminder(ctx context.Context, occ *occurrence.EventOccurrence, kind occurrence.ReminderKind) error {
	jobID := ReminderJobID(occ.ID, kind)
	now := c.repo.Now()
	at := occ.ReminderAt(kind)
	due := occ.Event.Reminder(kind).Track && at != nil && at.After(now)

	existing, err := c.sched.Schedule(ctx, jobID)
	if err != nil && !errors.Is(err, jobstore.ErrScheduleNotFound) {
		return fmt.Errorf("load %s: %w", jobID, err)
	}

	if !due {
		if existing == nil {
			return nil
		}
		if err := c.sched.PauseSchedule(ctx, jobID); err != nil && !errors.Is(err, jobstore.ErrScheduleNotFound) {
			return fmt.Errorf("pause %s: %w", jobID, err)
		}
		c.log.Debug("reminder job paused", logx.String("job", jobID))
		return nil
	}

	spec := trigger.At(*at)
	if existing != nil && existing.Paused && existing.Trigger.Equal(spec) {
		if _, err := c.sched.UnpauseSchedule(ctx, jobID, now); err != nil {
			return fmt.Errorf("unpause %s: %w", jobID, err)
		}
		c.log.Debug("reminder job resumed", logx.String("job", jobID))
		return nil
	}

	args, _ := json.Marshal(ReminderArgs{OccurrenceID: occ.ID})
	if _, err := c.sched.AddSchedule(ctx, jobstore.Schedule{ID: jobID, TaskRef: ReminderTask(kind), Trigger: spec, Args: args}, jobstore.ConflictReplace); err != nil {
		return fmt.Errorf("upsert %s: %w", jobID, err)
	}
	c.log.Debug("reminder job scheduled", logx.String("job", jobID), logx.Time("at", *at))
	return nil
}

func (c *Controller) removeReminders(ctx context.Context, occurrenceID int64) error {
	var errs []error
	for _, kind := range occurrence.Kinds {
		if err := c.removeJob(ctx, ReminderJobID(occurrenceID, kind)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// removeJob deletes a job; a missing job is fine.
func (c *Controller) removeJob(ctx context.Context, id string) error {
	err := c.sched.RemoveSchedule(ctx, id)
	if err == nil {
		c.log.Debug("job removed", logx.String("job", id))
		return nil
	}
	if errors.Is(err, jobstore.ErrScheduleNotFound) {
		return nil
	}
	return fmt.Errorf("remove %s: %w", id, err)
}

// SyncNext is the TaskSyncNext callback: it materializes the event's next
// occurrence. Reminder jobs follow through the commit hook.
func (c *Controller) SyncNext(ctx context.Context, raw json.RawMessage) error {
	var args SyncNextArgs
	if err := json.Unmarshal(raw, &args); err != nil || args.EventID <= 0 {
		return engine.NoRetry(fmt.Errorf("%s: bad args %s", TaskSyncNext, raw))
	}
	var occ *occurrence.EventOccurrence
	err := c.db.WithTx(ctx, func(tx *storage.Tx) error {
		var err error
		occ, err = c.repo.GetOrCreateNextOccurrence(ctx, tx, args.EventID)
		return err
	})
	switch {
	case errors.Is(err, occurrence.ErrNoSchedule):
		c.log.Info("event has no upcoming occurrence", logx.Int64("event_id", args.EventID))
		return nil
	case errors.Is(err, occurrence.ErrEventNotFound):
		c.log.Warn("manager job for missing event", logx.Int64("event_id", args.EventID))
		return nil
	case err != nil:
		return err
	}
	c.log.Debug("next occurrence ready", logx.Int64("event_id", args.EventID), logx.Int64("occurrence_id", occ.ID), logx.String("date", occ.Date))
	return nil
}

// Register adds the controller's task callbacks to reg.
func (c *Controller) Register(reg *jobstore.Registry) error {
	return reg.Register(TaskSyncNext, c.SyncNext)
}
