package app

import (
	"context"
	"time"

	rtsup "grug/internal/runtime/supervisor"
	"grug/internal/task/engine"
	"grug/internal/task/scheduler"
)

const healthHistory = 10

const (
	healthOK   = "OK"
	healthDown = "DOWN"
)

// Health is the /healthz body.
type Health struct {
	Status      string           `json:"status"`
	Scheduler   scheduler.Status `json:"scheduler"`
	Notifier    string           `json:"notifier"`
	Database    string           `json:"database"`
	JobStore    string           `json:"job_store"`
	SyncPending int              `json:"sync_pending"`

	Engine     engine.Snapshot        `json:"engine"`
	Goroutines []rtsup.GoroutineStats `json:"goroutines,omitempty"`
}

func ping(ctx context.Context, p interface{ Ping(context.Context) error }) string {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := p.Ping(ctx); err != nil {
		return healthDown
	}
	return healthOK
}

// Health reports component status. The app is healthy when both databases
// answer and the scheduler is not in its error state. Notifier readiness
// is reported but does not fail the check.
func (a *App) Health(ctx context.Context) Health {
	h := Health{
		Scheduler:   a.sched.Status(),
		Notifier:    "NOT_READY",
		Database:    ping(ctx, a.stores.Domain),
		JobStore:    ping(ctx, a.stores.Jobs),
		SyncPending: a.sync.Pending(),
		Engine:      a.engine.Snapshot(),
	}
	if n := len(h.Engine.History); n > healthHistory {
		h.Engine.History = h.Engine.History[n-healthHistory:]
	}
	if a.sup != nil {
		h.Goroutines = a.sup.Snapshot().Goroutines
	}
	if a.notifier.Ready() {
		h.Notifier = "READY"
	}
	h.Status = healthOK
	if h.Database != healthOK || h.JobStore != healthOK || h.Scheduler.State == scheduler.StateError {
		h.Status = healthDown
	}
	return h
}

func (a *App) health(ctx context.Context) (any, bool) {
	h := a.Health(ctx)
	return h, h.Status == healthOK
}
