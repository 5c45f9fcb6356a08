// Package scheduler owns the lifecycle of the durable job store: it builds
// the store, runs its loop under a restarting supervisor, and exposes the
// administrative operations the rest of the app uses.
//
// A crash of the store loop moves the manager to StateError; the
// supervisor backs off and builds a fresh store. Schedules live in SQL, so
// nothing is lost across restarts.
package scheduler

import (
	"context"
	"errors"
	"time"

	"grug/internal/task/jobstore"
)

var ErrNotRunning = errors.New("scheduler not running")

type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateStarted  State = "started"
	StateStopping State = "stopping"
	StateError    State = "error"
)

// JobStore is the part of *jobstore.Store the manager drives.
type JobStore interface {
	Run(ctx context.Context) error
	AddSchedule(ctx context.Context, sc jobstore.Schedule, policy jobstore.ConflictPolicy) (*jobstore.Schedule, error)
	RemoveSchedule(ctx context.Context, id string) error
	PauseSchedule(ctx context.Context, id string) error
	UnpauseSchedule(ctx context.Context, id string, resumeFrom time.Time) (*jobstore.Schedule, error)
	GetSchedule(ctx context.Context, id string) (*jobstore.Schedule, error)
	ListSchedules(ctx context.Context) ([]jobstore.Schedule, error)
}

// Factory builds a job store bound to persistence. It runs once per
// (re)start.
type Factory func(ctx context.Context) (JobStore, error)

type Config struct {
	RestartBackoffMin time.Duration
	RestartBackoffMax time.Duration
	// MaxRestarts <= 0 restarts forever.
	MaxRestarts int
}

func (c Config) withDefaults() Config {
	if c.RestartBackoffMin <= 0 {
		c.RestartBackoffMin = time.Second
	}
	if c.RestartBackoffMax <= 0 {
		c.RestartBackoffMax = time.Minute
	}
	return c
}

// ScheduleModel is the administrative view of one job.
type ScheduleModel struct {
	ID           string     `json:"id"`
	TaskID       string     `json:"task_id"`
	Paused       bool       `json:"paused"`
	LastFireTime *time.Time `json:"last_fire_time,omitempty"`
	NextFireTime *time.Time `json:"next_fire_time,omitempty"`
}

func modelOf(sc *jobstore.Schedule) ScheduleModel {
	return ScheduleModel{
		ID:           sc.ID,
		TaskID:       sc.TaskRef,
		Paused:       sc.Paused,
		LastFireTime: sc.LastFireTime,
		NextFireTime: sc.NextFireTime,
	}
}

// Status is reported by the health endpoint.
type Status struct {
	State     State  `json:"state"`
	Restarts  int64  `json:"restarts"`
	Inits     int64  `json:"inits"`
	LastError string `json:"last_error,omitempty"`
}
