// Package jobstore is a durable scheduler: named schedules with triggers
// live in SQL, and due schedules are fired as engine tasks resolved by
// name through a Registry.
//
// Schedules survive process restarts. Missed fires are coalesced into one
// run when the loop next claims the schedule.
package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"grug/internal/task/engine"
	"grug/internal/trigger"
)

var (
	ErrScheduleNotFound = errors.New("schedule not found")
	ErrScheduleExists   = errors.New("schedule already exists")
	ErrUnknownTask      = errors.New("unknown task")
)

// ConflictPolicy decides what AddSchedule does when the id is taken.
type ConflictPolicy int

const (
	// ConflictReplace overwrites task, trigger and args and unpauses.
	// created_at and last_fire_time are kept.
	ConflictReplace ConflictPolicy = iota
	ConflictDoNothing
	ConflictError
)

// Schedule is one durable job.
type Schedule struct {
	ID      string
	TaskRef string
	Trigger trigger.Spec
	Args    json.RawMessage
	Paused  bool
	// NextFireTime is nil while paused or once the trigger is exhausted.
	NextFireTime *time.Time
	LastFireTime *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// JobResult is one settled run.
type JobResult struct {
	ID          string
	ScheduleID  string
	TaskRef     string
	ScheduledAt time.Time
	StartedAt   time.Time
	FinishedAt  time.Time
	Attempts    int
	Outcome     string
	Error       string
}

// Executor runs fired jobs. *engine.Service implements it.
type Executor interface {
	Submit(ctx context.Context, t engine.Task) error
}

// Config tunes the run loop.
type Config struct {
	// PollInterval bounds the sleep between claims. Default 10s.
	PollInterval time.Duration
	// BatchSize caps schedules claimed per iteration. Default 100.
	BatchSize int
	// JobTimeout applies to each attempt; 0 uses the engine default.
	JobTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	return c
}

// Event types published on the bus.
const (
	EventScheduleAdded   = "schedule.added"
	EventScheduleRemoved = "schedule.removed"
	EventSchedulePaused  = "schedule.paused"
	EventScheduleResumed = "schedule.resumed"
	EventJobFired        = "job.fired"
	EventJobFinished     = "job.finished"
)

// ScheduleEvent is the payload of schedule.* events.
type ScheduleEvent struct {
	ID           string     `json:"id"`
	TaskRef      string     `json:"task_ref,omitempty"`
	NextFireTime *time.Time `json:"next_fire_time,omitempty"`
}

// JobEvent is the payload of job.* events.
type JobEvent struct {
	ScheduleID  string        `json:"schedule_id"`
	TaskRef     string        `json:"task_ref"`
	ScheduledAt time.Time     `json:"scheduled_at"`
	Outcome     string        `json:"outcome,omitempty"`
	Error       string        `json:"error,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`
}
