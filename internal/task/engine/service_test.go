package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grug/internal/eventbus"
	logx "grug/pkg/logx"
)

func startEngine(t *testing.T, cfg Config, bus eventbus.Bus) *Service {
	t.Helper()
	cfg.Enabled = true
	if cfg.RetryBase == 0 {
		cfg.RetryBase = time.Millisecond
	}
	s := New(cfg, logx.Nop(), bus)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

// submitWait runs t and returns its settled result.
func submitWait(t *testing.T, s *Service, task Task) Result {
	t.Helper()
	done := make(chan Result, 1)
	task.Done = func(r Result) { done <- r }
	require.NoError(t, s.Submit(context.Background(), task))
	select {
	case r := <-done:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("task did not settle")
		return Result{}
	}
}

func TestRetriesUntilSuccess(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1, RetryMax: 3}, nil)

	var calls atomic.Int32
	r := submitWait(t, s, Task{Name: "flaky", Run: func(context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("try again")
		}
		return nil
	}})
	require.NoError(t, r.Err)
	assert.Equal(t, 3, r.Attempts)
	assert.NotEmpty(t, r.ID)
}

func TestNoRetryStopsImmediately(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1, RetryMax: 3}, nil)

	base := errors.New("bad args")
	r := submitWait(t, s, Task{Name: "bad", Run: func(context.Context) error { return NoRetry(base) }})
	assert.Equal(t, 1, r.Attempts)
	assert.ErrorIs(t, r.Err, base)
	assert.False(t, IsNoRetry(r.Err))
	assert.True(t, IsNoRetry(NoRetry(base)))
}

func TestSingleAttemptOption(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1, RetryMax: 3}, nil)
	r := submitWait(t, s, Task{Name: "once", Opt: TaskOptions{RetryMax: -1}, Run: func(context.Context) error {
		return errors.New("boom")
	}})
	assert.Equal(t, 1, r.Attempts)
	assert.Error(t, r.Err)
}

func TestPanicBecomesError(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1, RetryMax: -1}, nil)
	r := submitWait(t, s, Task{Name: "panics", Opt: TaskOptions{RetryMax: -1}, Run: func(context.Context) error {
		panic("kaboom")
	}})
	assert.ErrorContains(t, r.Err, "kaboom")

	// The worker survives.
	r = submitWait(t, s, Task{Name: "after", Run: func(context.Context) error { return nil }})
	assert.NoError(t, r.Err)
}

func TestTimeoutCancelsRun(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1}, nil)
	r := submitWait(t, s, Task{Name: "slow", Timeout: 20 * time.Millisecond, Opt: TaskOptions{RetryMax: -1}, Run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	assert.ErrorIs(t, r.Err, context.DeadlineExceeded)
}

func TestSubmitStates(t *testing.T) {
	t.Parallel()
	run := func(context.Context) error { return nil }

	off := New(Config{}, logx.Nop(), nil)
	assert.ErrorIs(t, off.Submit(context.Background(), Task{Name: "x", Run: run}), ErrDisabled)

	idle := New(Config{Enabled: true}, logx.Nop(), nil)
	assert.ErrorIs(t, idle.Submit(context.Background(), Task{Name: "x", Run: run}), ErrStopped)

	assert.Error(t, idle.Submit(context.Background(), Task{Name: "x"}))
	assert.Error(t, idle.Submit(context.Background(), Task{Run: run}))
}

func TestOverlapSkipIfRunning(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 2}, nil)

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan Result, 1)
	require.NoError(t, s.Submit(context.Background(), Task{
		Name: "sync", Key: "event:1", Opt: TaskOptions{Overlap: OverlapSkipIfRunning},
		Run: func(context.Context) error {
			close(started)
			<-release
			return nil
		},
		Done: func(r Result) { done <- r },
	}))
	<-started

	err := s.Submit(context.Background(), Task{
		Name: "sync", Key: "event:1", Opt: TaskOptions{Overlap: OverlapSkipIfRunning},
		Run: func(context.Context) error { return nil },
	})
	assert.ErrorIs(t, err, ErrOverlapSkip)

	close(release)
	<-done
}

func TestPublishesLifecycleEvents(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.SubscribePrefix(8, "task.")
	defer unsub()
	s := startEngine(t, Config{Workers: 1}, bus)

	submitWait(t, s, Task{Name: "ok", Run: func(context.Context) error { return nil }})

	var types []string
	for len(types) < 2 {
		select {
		case e := <-events:
			types = append(types, e.Type)
		case <-time.After(time.Second):
			t.Fatalf("missing events, got %v", types)
		}
	}
	assert.Equal(t, []string{"task.started", "task.finished"}, types)

	snap := s.Snapshot()
	assert.True(t, snap.Enabled)
	require.Len(t, snap.History, 1)
	assert.Equal(t, "ok", snap.History[0].Name)
}

func TestBackoffDelay(t *testing.T) {
	t.Parallel()
	opt := TaskOptions{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	assert.Equal(t, 100*time.Millisecond, backoffDelay(opt, 1, nil))
	assert.Equal(t, 400*time.Millisecond, backoffDelay(opt, 3, nil))
	assert.Equal(t, time.Second, backoffDelay(opt, 10, nil))
}
