// Package notify delivers reminders to a group's channel.
package notify

import (
	"context"
	"errors"
	"time"

	"grug/internal/occurrence"
)

// ErrNotReady means the delivery channel did not come up in time.
var ErrNotReady = errors.New("notifier not ready")

const (
	DefaultReadyInterval = time.Second
	DefaultReadyAttempts = 10
)

type Readiness interface {
	Ready() bool
}

// Notifier sends reminders. The session is bound to the dispatcher's unit
// of work; message ids recorded through it commit with the dispatch.
type Notifier interface {
	Readiness
	SendFoodReminder(ctx context.Context, occ *occurrence.EventOccurrence, s *occurrence.Session) error
	SendAttendanceReminder(ctx context.Context, occ *occurrence.EventOccurrence, s *occurrence.Session) error
}

// WaitReady polls r every interval, at most attempts times.
func WaitReady(ctx context.Context, r Readiness, interval time.Duration, attempts int) error {
	if interval <= 0 {
		interval = DefaultReadyInterval
	}
	if attempts <= 0 {
		attempts = DefaultReadyAttempts
	}
	for i := 0; i < attempts; i++ {
		if r.Ready() {
			return nil
		}
		if i == attempts-1 {
			break
		}
		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return ErrNotReady
}
