// Package metrics records scheduler, sync and reminder activity.
package metrics

import "time"

// Sink records metrics. Methods are fire-and-forget: they must not block
// or return errors.
type Sink interface {
	// Job store
	LoopCompleted(duration time.Duration, claimed int, err error)
	JobFired(task string)
	JobFinished(task string, outcome string, duration time.Duration)

	// Lifecycle
	SchedulerRestart()
	SchedulerState(state string)

	// Sync controller
	SyncCompleted(entity string, err error)
	SyncQueueDepth(n int)

	// Reminder dispatcher
	ReminderOutcome(kind string, outcome string)
}

// Job outcomes.
const (
	OutcomeOK      = "ok"
	OutcomeError   = "error"
	OutcomeSkipped = "skipped"
)

// Reminder outcomes.
const (
	ReminderSent          = "sent"
	ReminderNotFound      = "not_found"
	ReminderStale         = "stale"
	ReminderDisabled      = "disabled"
	ReminderNotReady      = "not_ready"
	ReminderNotifierError = "notifier_error"
)

// OrNoop returns s, or a no-op sink when s is nil.
func OrNoop(s Sink) Sink {
	if s == nil {
		return NoopSink{}
	}
	return s
}
