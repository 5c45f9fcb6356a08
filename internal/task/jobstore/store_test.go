package jobstore

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grug/internal/eventbus"
	"grug/internal/storage"
	"grug/internal/task/engine"
	"grug/internal/trigger"
	logx "grug/pkg/logx"
)

func openDB(t *testing.T) *storage.DB {
	t.Helper()
	ctx := context.Background()
	db, err := storage.Open(ctx, storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "scheduler.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, Migrate(ctx, db))
	return db
}

func startEngine(t *testing.T) *engine.Service {
	t.Helper()
	eng := engine.New(engine.Config{Enabled: true, Workers: 2, QueueSize: 8, RetryMax: -1}, logx.Nop(), nil)
	eng.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		eng.Stop(ctx)
	})
	return eng
}

func cronSpec(expr string) trigger.Spec {
	return trigger.Spec{Kind: trigger.KindCron, Rule: &trigger.Rule{Cron: expr, Timezone: "UTC"}}
}

func TestAddScheduleReplaceKeepsHistory(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()
	now := time.Date(2024, 1, 8, 9, 0, 0, 0, time.UTC)
	s := New(db, nil, nil, Config{}, WithClock(func() time.Time { return now }))

	first, err := s.AddSchedule(ctx, Schedule{ID: "event_1_occurrence_manager", TaskRef: "occurrence.sync_next", Trigger: cronSpec("0 17 * * 0"), Args: json.RawMessage(`{"event_id":1}`)}, ConflictReplace)
	require.NoError(t, err)
	require.NotNil(t, first.NextFireTime)
	assert.Equal(t, time.Date(2024, 1, 14, 17, 0, 0, 0, time.UTC), *first.NextFireTime)
	assert.Nil(t, first.LastFireTime)

	lastFire := time.Date(2024, 1, 7, 17, 0, 0, 0, time.UTC)
	_, err = db.ExecContext(ctx, `UPDATE schedules SET last_fire_time = ? WHERE id = ?`, storage.Millis(lastFire), first.ID)
	require.NoError(t, err)
	require.NoError(t, s.PauseSchedule(ctx, first.ID))

	now = now.Add(time.Hour)
	second, err := s.AddSchedule(ctx, Schedule{ID: first.ID, TaskRef: "occurrence.sync_next", Trigger: cronSpec("0 18 * * 6"), Args: json.RawMessage(`{"event_id":1}`)}, ConflictReplace)
	require.NoError(t, err)
	assert.False(t, second.Paused)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	require.NotNil(t, second.LastFireTime)
	assert.Equal(t, lastFire, *second.LastFireTime)
	assert.Equal(t, time.Date(2024, 1, 13, 18, 0, 0, 0, time.UTC), *second.NextFireTime)
	assert.True(t, second.Trigger.Equal(cronSpec("0 18 * * 6")))

	all, err := s.ListSchedules(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestAddScheduleConflictPolicies(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()
	s := New(db, nil, nil, Config{})

	orig := Schedule{ID: "a", TaskRef: "x", Trigger: cronSpec("0 17 * * 0")}
	_, err := s.AddSchedule(ctx, orig, ConflictError)
	require.NoError(t, err)

	_, err = s.AddSchedule(ctx, orig, ConflictError)
	assert.ErrorIs(t, err, ErrScheduleExists)

	got, err := s.AddSchedule(ctx, Schedule{ID: "a", TaskRef: "y", Trigger: cronSpec("0 9 * * *")}, ConflictDoNothing)
	require.NoError(t, err)
	assert.Equal(t, "x", got.TaskRef)

	_, err = s.AddSchedule(ctx, Schedule{ID: "b", TaskRef: "x", Trigger: trigger.Spec{Kind: "bogus"}}, ConflictReplace)
	assert.Error(t, err)
	_, err = s.AddSchedule(ctx, Schedule{ID: "c", TaskRef: "x", Trigger: cronSpec("0 9 * * *"), Args: json.RawMessage(`{`)}, ConflictReplace)
	assert.Error(t, err)
}

func TestPauseUnpauseResumeFrom(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()
	now := time.Date(2024, 1, 8, 9, 0, 0, 0, time.UTC)
	s := New(db, nil, nil, Config{}, WithClock(func() time.Time { return now }))

	at := time.Date(2024, 1, 11, 11, 0, 0, 0, time.UTC)
	_, err := s.AddSchedule(ctx, Schedule{ID: "event_occurrence_1_food_reminder", TaskRef: "reminder.food", Trigger: trigger.At(at)}, ConflictReplace)
	require.NoError(t, err)

	require.NoError(t, s.PauseSchedule(ctx, "event_occurrence_1_food_reminder"))
	require.NoError(t, s.PauseSchedule(ctx, "event_occurrence_1_food_reminder"), "pause is idempotent")
	got, err := s.GetSchedule(ctx, "event_occurrence_1_food_reminder")
	require.NoError(t, err)
	assert.True(t, got.Paused)
	assert.Nil(t, got.NextFireTime)

	resumed, err := s.UnpauseSchedule(ctx, "event_occurrence_1_food_reminder", at)
	require.NoError(t, err)
	require.NotNil(t, resumed.NextFireTime, "a fire exactly at resumeFrom is kept")
	assert.Equal(t, at, *resumed.NextFireTime)

	resumed, err = s.UnpauseSchedule(ctx, "event_occurrence_1_food_reminder", at.Add(time.Second))
	require.NoError(t, err)
	assert.Nil(t, resumed.NextFireTime)

	_, err = s.AddSchedule(ctx, Schedule{ID: "weekly", TaskRef: "x", Trigger: cronSpec("0 17 * * 0")}, ConflictReplace)
	require.NoError(t, err)
	resumed, err = s.UnpauseSchedule(ctx, "weekly", time.Date(2024, 1, 14, 17, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 14, 17, 0, 0, 0, time.UTC), *resumed.NextFireTime)
}

func TestNotFound(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()
	s := New(db, nil, nil, Config{})

	assert.ErrorIs(t, s.RemoveSchedule(ctx, "nope"), ErrScheduleNotFound)
	assert.ErrorIs(t, s.PauseSchedule(ctx, "nope"), ErrScheduleNotFound)
	_, err := s.UnpauseSchedule(ctx, "nope", time.Now())
	assert.ErrorIs(t, err, ErrScheduleNotFound)
	_, err = s.GetSchedule(ctx, "nope")
	assert.ErrorIs(t, err, ErrScheduleNotFound)
}

func TestRunFiresDueSchedules(t *testing.T) {
	db := openDB(t)
	eng := startEngine(t)
	bus := eventbus.New()
	events, unsub := bus.Subscribe(64)
	defer unsub()

	got := make(chan string, 4)
	reg := NewRegistry()
	require.NoError(t, reg.Register("test.echo", func(ctx context.Context, args json.RawMessage) error {
		got <- string(args)
		return nil
	}))
	s := New(db, reg, eng, Config{PollInterval: time.Second}, WithBus(bus))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(ctx) }()

	_, err := s.AddSchedule(ctx, Schedule{ID: "once", TaskRef: "test.echo", Trigger: trigger.At(time.Now().Add(50 * time.Millisecond)), Args: json.RawMessage(`{"n":1}`)}, ConflictReplace)
	require.NoError(t, err)
	_, err = s.AddSchedule(ctx, Schedule{ID: "orphan", TaskRef: "missing.task", Trigger: trigger.At(time.Now().Add(50 * time.Millisecond))}, ConflictReplace)
	require.NoError(t, err)

	select {
	case args := <-got:
		assert.JSONEq(t, `{"n":1}`, args)
	case <-time.After(3 * time.Second):
		t.Fatal("job did not fire")
	}

	require.Eventually(t, func() bool {
		ok, _ := s.JobResults(context.Background(), "once", 5)
		bad, _ := s.JobResults(context.Background(), "orphan", 5)
		return len(ok) == 1 && len(bad) == 1
	}, 3*time.Second, 20*time.Millisecond)

	ok, err := s.JobResults(context.Background(), "once", 5)
	require.NoError(t, err)
	assert.Equal(t, "ok", ok[0].Outcome)
	bad, err := s.JobResults(context.Background(), "orphan", 5)
	require.NoError(t, err)
	assert.Equal(t, "error", bad[0].Outcome)
	assert.Contains(t, bad[0].Error, "unknown task")

	once, err := s.GetSchedule(context.Background(), "once")
	require.NoError(t, err)
	assert.Nil(t, once.NextFireTime, "exhausted schedules are kept without a next fire time")
	assert.True(t, once.Paused, "a fired one-shot is parked as paused")
	assert.NotNil(t, once.LastFireTime)

	cancel()
	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}

	seen := map[string]bool{}
	for len(events) > 0 {
		seen[(<-events).Type] = true
	}
	assert.True(t, seen[EventScheduleAdded])
	assert.True(t, seen[EventJobFired])
	assert.True(t, seen[EventJobFinished])
}

func TestRunCoalescesMissedFires(t *testing.T) {
	db := openDB(t)
	eng := startEngine(t)
	ctx := context.Background()

	fired := make(chan struct{}, 16)
	reg := NewRegistry()
	require.NoError(t, reg.Register("tick", func(context.Context, json.RawMessage) error {
		fired <- struct{}{}
		return nil
	}))

	now := time.Now()
	s := New(db, reg, eng, Config{PollInterval: 50 * time.Millisecond}, WithClock(func() time.Time { return now }))
	_, err := s.AddSchedule(ctx, Schedule{ID: "hourly", TaskRef: "tick", Trigger: cronSpec("0 * * * *")}, ConflictReplace)
	require.NoError(t, err)

	// Pretend the process was down for three hours.
	_, err = db.ExecContext(ctx, `UPDATE schedules SET next_fire_time = ? WHERE id = ?`, storage.Millis(now.Add(-3*time.Hour)), "hourly")
	require.NoError(t, err)

	jobs, next, err := s.claimDue(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.NotNil(t, next)
	assert.True(t, next.After(now))

	jobs, _, err = s.claimDue(ctx)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestRegistry(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	fn := func(context.Context, json.RawMessage) error { return nil }
	require.NoError(t, r.Register("b", fn))
	require.NoError(t, r.Register("a", fn))
	assert.Error(t, r.Register("a", fn))
	assert.Error(t, r.Register("", fn))
	assert.Equal(t, []string{"a", "b"}, r.Names())
	_, ok := r.Lookup("c")
	assert.False(t, ok)
}

func TestDispatchSkipsOverlappingRun(t *testing.T) {
	db := openDB(t)
	eng := startEngine(t)

	started := make(chan struct{}, 4)
	release := make(chan struct{})
	reg := NewRegistry()
	require.NoError(t, reg.Register("slow", func(ctx context.Context, _ json.RawMessage) error {
		started <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}))
	s := New(db, reg, eng, Config{})
	ctx := context.Background()

	j := claimed{id: "event_1_occurrence_manager", taskRef: "slow", scheduledAt: time.Now()}
	s.dispatch(ctx, j)
	<-started
	s.dispatch(ctx, j)

	require.Eventually(t, func() bool {
		res, _ := s.JobResults(ctx, j.id, 5)
		return len(res) == 1
	}, 2*time.Second, 10*time.Millisecond)
	res, err := s.JobResults(ctx, j.id, 5)
	require.NoError(t, err)
	assert.Equal(t, "skipped", res[0].Outcome)

	close(release)
	require.Eventually(t, func() bool {
		res, _ := s.JobResults(ctx, j.id, 5)
		return len(res) == 2 && eng.Snapshot().InFlight == 0
	}, 2*time.Second, 10*time.Millisecond)

	// Another schedule with the same task is not affected.
	other := claimed{id: "event_2_occurrence_manager", taskRef: "slow", scheduledAt: time.Now()}
	s.dispatch(ctx, other)
	<-started
	s.dispatch(ctx, j)
	<-started
	assert.Len(t, started, 0)
}
