package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled      = errors.New("storage disabled")
	ErrUnknownDriver = errors.New("unknown storage driver")
)

// Config configures one database handle.
//
// Driver values:
//   - "sqlite": a file at Path (modernc.org/sqlite, no cgo)
//   - "postgres": DSN via lib/pq
//
// Schema only applies to postgres: it is created on open and used to
// qualify table names returned by DB.Table.
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration
	Schema      string
}

type Op string

const (
	OpCreated Op = "created"
	OpUpdated Op = "updated"
	OpDeleted Op = "deleted"
)

// Change describes one committed write to a domain entity.
type Change struct {
	Entity string
	ID     int64
	Op     Op
}

func (c Change) Key() string { return c.Entity + ":" + itoa(c.ID) }

// CommitHook must not block; it runs on the committing goroutine.
type CommitHook func(changes []Change)
