package jobsync

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grug/internal/occurrence"
	"grug/internal/storage"
	"grug/internal/task/engine"
	"grug/internal/task/jobstore"
	"grug/internal/task/scheduler"
	"grug/internal/trigger"
	logx "grug/pkg/logx"
)

// monday is 2024-01-08 09:00 UTC.
var monday = time.Date(2024, 1, 8, 9, 0, 0, 0, time.UTC)

type discardExec struct{}

func (discardExec) Submit(context.Context, engine.Task) error { return nil }

type fixture struct {
	db   *storage.DB
	repo *occurrence.Repository
	mgr  *scheduler.Manager
	ctl  *Controller

	mu  sync.Mutex
	now time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	f := &fixture{now: monday}

	db, err := storage.Open(ctx, storage.Config{Driver: "sqlite", Path: filepath.Join(dir, "grug.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, occurrence.Migrate(ctx, db))
	f.db = db

	jobsDB, err := storage.Open(ctx, storage.Config{Driver: "sqlite", Path: filepath.Join(dir, "scheduler.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = jobsDB.Close() })
	require.NoError(t, jobstore.Migrate(ctx, jobsDB))

	f.repo = occurrence.New(occurrence.WithClock(f.clock))
	f.mgr = scheduler.New(scheduler.Config{}, func(context.Context) (scheduler.JobStore, error) {
		return jobstore.New(jobsDB, nil, discardExec{}, jobstore.Config{PollInterval: time.Hour}, jobstore.WithClock(f.clock)), nil
	}, scheduler.WithClock(f.clock))
	require.NoError(t, f.mgr.Start(ctx))
	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = f.mgr.Stop(sctx)
	})
	require.Eventually(t, func() bool { return f.mgr.State() == scheduler.StateStarted }, 2*time.Second, 5*time.Millisecond)

	f.ctl = New(db, f.repo, f.mgr, Config{})
	db.OnCommit(f.ctl.Enqueue)
	return f
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) setNow(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}

func (f *fixture) tx(t *testing.T, fn func(tx *storage.Tx) error) {
	t.Helper()
	require.NoError(t, f.db.WithTx(context.Background(), fn))
	f.ctl.Flush(context.Background())
}

func (f *fixture) createEvent(t *testing.T, e occurrence.Event) *occurrence.Event {
	t.Helper()
	ctx := context.Background()
	f.tx(t, func(tx *storage.Tx) error {
		g := &occurrence.Group{Name: "table one"}
		if err := f.repo.CreateGroup(ctx, tx, g); err != nil {
			return err
		}
		e.GroupID = g.ID
		return f.repo.CreateEvent(ctx, tx, &e)
	})
	return &e
}

func (f *fixture) updateEvent(t *testing.T, e *occurrence.Event) {
	t.Helper()
	f.tx(t, func(tx *storage.Tx) error { return f.repo.UpdateEvent(context.Background(), tx, e) })
}

func (f *fixture) nextOccurrence(t *testing.T, eventID int64) *occurrence.EventOccurrence {
	t.Helper()
	var occ *occurrence.EventOccurrence
	f.tx(t, func(tx *storage.Tx) error {
		var err error
		occ, err = f.repo.GetOrCreateNextOccurrence(context.Background(), tx, eventID)
		return err
	})
	return occ
}

func (f *fixture) job(t *testing.T, id string) *jobstore.Schedule {
	t.Helper()
	sc, err := f.mgr.Schedule(context.Background(), id)
	require.NoError(t, err, id)
	return sc
}

func (f *fixture) assertNoJob(t *testing.T, id string) {
	t.Helper()
	_, err := f.mgr.Schedule(context.Background(), id)
	assert.ErrorIs(t, err, jobstore.ErrScheduleNotFound, id)
}

func sundayGame() occurrence.Event {
	return occurrence.Event{
		Name:       "Sunday game",
		Rule:       trigger.Rule{Cron: "0 17 * * 0"},
		Food:       occurrence.ReminderSettings{Track: true, DaysBefore: 3, TimeOfDay: "11:00"},
		Attendance: occurrence.ReminderSettings{DaysBefore: 1, TimeOfDay: "18:00"},
	}
}

func TestEventSyncSchedulesManagerAndReminders(t *testing.T) {
	f := newFixture(t)
	e := f.createEvent(t, sundayGame())

	mgr := f.job(t, ManagerJobID(e.ID))
	assert.Equal(t, TaskSyncNext, mgr.TaskRef)
	assert.JSONEq(t, `{"event_id":1}`, string(mgr.Args))
	require.NotNil(t, mgr.NextFireTime)
	assert.Equal(t, time.Date(2024, 1, 14, 17, 0, 0, 0, time.UTC), *mgr.NextFireTime)

	occ := f.nextOccurrence(t, e.ID)
	assert.Equal(t, "2024-01-14", occ.Date)

	food := f.job(t, ReminderJobID(occ.ID, occurrence.Food))
	assert.Equal(t, "reminder.food", food.TaskRef)
	assert.False(t, food.Paused)
	require.NotNil(t, food.NextFireTime)
	assert.Equal(t, time.Date(2024, 1, 11, 11, 0, 0, 0, time.UTC), *food.NextFireTime)
	var args ReminderArgs
	require.NoError(t, json.Unmarshal(food.Args, &args))
	assert.Equal(t, occ.ID, args.OccurrenceID)

	f.assertNoJob(t, ReminderJobID(occ.ID, occurrence.Attendance))
	assert.Zero(t, f.ctl.Pending())
}

func TestPastReminderIsPaused(t *testing.T) {
	f := newFixture(t)
	e := f.createEvent(t, sundayGame())
	occ := f.nextOccurrence(t, e.ID)
	foodID := ReminderJobID(occ.ID, occurrence.Food)
	require.False(t, f.job(t, foodID).Paused)

	// Friday: Thursday's reminder is behind us but the game is not.
	f.setNow(time.Date(2024, 1, 12, 9, 0, 0, 0, time.UTC))
	require.NoError(t, f.ctl.SyncOccurrence(context.Background(), occ.ID))

	food := f.job(t, foodID)
	assert.True(t, food.Paused)
	assert.Nil(t, food.NextFireTime)
}

func TestReminderKindsToggleIndependently(t *testing.T) {
	f := newFixture(t)
	ev := sundayGame()
	ev.Attendance.Track = true
	e := f.createEvent(t, ev)
	occ := f.nextOccurrence(t, e.ID)
	foodID := ReminderJobID(occ.ID, occurrence.Food)
	attID := ReminderJobID(occ.ID, occurrence.Attendance)

	att := f.job(t, attID)
	require.NotNil(t, att.NextFireTime)
	assert.Equal(t, time.Date(2024, 1, 13, 18, 0, 0, 0, time.UTC), *att.NextFireTime)

	e.Attendance.Track = false
	f.updateEvent(t, e)

	att = f.job(t, attID)
	assert.True(t, att.Paused)
	food := f.job(t, foodID)
	assert.False(t, food.Paused)
	assert.Equal(t, time.Date(2024, 1, 11, 11, 0, 0, 0, time.UTC), *food.NextFireTime)

	// Turning it back on resumes the paused job at the same instant.
	e.Attendance.Track = true
	f.updateEvent(t, e)
	att = f.job(t, attID)
	assert.False(t, att.Paused)
	require.NotNil(t, att.NextFireTime)
	assert.Equal(t, time.Date(2024, 1, 13, 18, 0, 0, 0, time.UTC), *att.NextFireTime)
}

func TestChangedReminderTimeReplacesJob(t *testing.T) {
	f := newFixture(t)
	e := f.createEvent(t, sundayGame())
	occ := f.nextOccurrence(t, e.ID)

	e.Food.TimeOfDay = "12:30"
	f.updateEvent(t, e)

	food := f.job(t, ReminderJobID(occ.ID, occurrence.Food))
	assert.False(t, food.Paused)
	assert.Equal(t, time.Date(2024, 1, 11, 12, 30, 0, 0, time.UTC), *food.NextFireTime)
}

func TestDeleteEventRemovesJobs(t *testing.T) {
	f := newFixture(t)
	ev := sundayGame()
	ev.Attendance.Track = true
	e := f.createEvent(t, ev)
	occ := f.nextOccurrence(t, e.ID)
	f.job(t, ReminderJobID(occ.ID, occurrence.Food))
	f.job(t, ReminderJobID(occ.ID, occurrence.Attendance))

	f.tx(t, func(tx *storage.Tx) error { return f.repo.DeleteEvent(context.Background(), tx, e.ID) })

	f.assertNoJob(t, ManagerJobID(e.ID))
	f.assertNoJob(t, ReminderJobID(occ.ID, occurrence.Food))
	f.assertNoJob(t, ReminderJobID(occ.ID, occurrence.Attendance))
}

func TestRemovingRuleDropsManagerJob(t *testing.T) {
	f := newFixture(t)
	e := f.createEvent(t, sundayGame())
	f.job(t, ManagerJobID(e.ID))

	e.Rule = trigger.Rule{}
	f.updateEvent(t, e)
	f.assertNoJob(t, ManagerJobID(e.ID))
}

func TestSyncNextAdvancesAfterStart(t *testing.T) {
	f := newFixture(t)
	e := f.createEvent(t, sundayGame())
	first := f.nextOccurrence(t, e.ID)

	f.setNow(time.Date(2024, 1, 14, 17, 0, 0, 0, time.UTC))
	require.NoError(t, f.ctl.SyncNext(context.Background(), json.RawMessage(`{"event_id":1}`)))
	f.ctl.Flush(context.Background())

	next := f.nextOccurrence(t, e.ID)
	assert.NotEqual(t, first.ID, next.ID)
	assert.Equal(t, "2024-01-21", next.Date)
	food := f.job(t, ReminderJobID(next.ID, occurrence.Food))
	assert.Equal(t, time.Date(2024, 1, 18, 11, 0, 0, 0, time.UTC), *food.NextFireTime)

	err := f.ctl.SyncNext(context.Background(), json.RawMessage(`{}`))
	assert.True(t, engine.IsNoRetry(err))
	assert.NoError(t, f.ctl.SyncNext(context.Background(), json.RawMessage(`{"event_id":42}`)))
}

func TestReconcileRepairsLostSyncs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Commit without consuming the queue, as if the process died.
	var e occurrence.Event
	require.NoError(t, f.db.WithTx(ctx, func(tx *storage.Tx) error {
		g := &occurrence.Group{Name: "table one"}
		if err := f.repo.CreateGroup(ctx, tx, g); err != nil {
			return err
		}
		e = sundayGame()
		e.GroupID = g.ID
		return f.repo.CreateEvent(ctx, tx, &e)
	}))
	f.ctl.drain()

	_, err := f.mgr.AddSchedule(ctx, jobstore.Schedule{ID: ManagerJobID(99), TaskRef: TaskSyncNext, Trigger: trigger.At(monday.Add(time.Hour))}, jobstore.ConflictReplace)
	require.NoError(t, err)
	_, err = f.mgr.AddSchedule(ctx, jobstore.Schedule{ID: ReminderJobID(77, occurrence.Food), TaskRef: "reminder.food", Trigger: trigger.At(monday.Add(time.Hour))}, jobstore.ConflictReplace)
	require.NoError(t, err)

	rep, err := f.ctl.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Events)
	assert.Equal(t, 1, rep.Orphans)
	assert.Zero(t, rep.Failed)

	f.job(t, ManagerJobID(e.ID))
	occ := f.nextOccurrence(t, e.ID)
	f.job(t, ReminderJobID(occ.ID, occurrence.Food))
	f.assertNoJob(t, ManagerJobID(99))
	f.assertNoJob(t, ReminderJobID(77, occurrence.Food))
}

func TestRunConsumesQueue(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- f.ctl.Run(ctx) }()

	var e occurrence.Event
	require.NoError(t, f.db.WithTx(context.Background(), func(tx *storage.Tx) error {
		g := &occurrence.Group{Name: "table one"}
		if err := f.repo.CreateGroup(context.Background(), tx, g); err != nil {
			return err
		}
		e = sundayGame()
		e.GroupID = g.ID
		return f.repo.CreateEvent(context.Background(), tx, &e)
	}))

	require.Eventually(t, func() bool {
		_, err := f.mgr.Schedule(context.Background(), ManagerJobID(e.ID))
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestParseJobID(t *testing.T) {
	t.Parallel()
	cases := []struct {
		id   string
		want jobRef
		ok   bool
	}{
		{"event_12_occurrence_manager", jobRef{entity: occurrence.EntityEvent, id: 12}, true},
		{"event_occurrence_7_food_reminder", jobRef{entity: occurrence.EntityOccurrence, id: 7, kind: occurrence.Food}, true},
		{"event_occurrence_7_attendance_reminder", jobRef{entity: occurrence.EntityOccurrence, id: 7, kind: occurrence.Attendance}, true},
		{"event_occurrence_7_lunch_reminder", jobRef{}, false},
		{"event_x_occurrence_manager", jobRef{}, false},
		{"something_else", jobRef{}, false},
	}
	for _, tc := range cases {
		got, ok := parseJobID(tc.id)
		assert.Equal(t, tc.ok, ok, tc.id)
		assert.Equal(t, tc.want, got, tc.id)
	}
	assert.Equal(t, "event_3_occurrence_manager", ManagerJobID(3))
	assert.Equal(t, "event_occurrence_3_attendance_reminder", ReminderJobID(3, occurrence.Attendance))
}
