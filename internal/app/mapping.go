package app

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"grug/internal/config"
	"grug/internal/jobsync"
	"grug/internal/observability/httpserver"
	"grug/internal/reminder"
	"grug/internal/storage"
	"grug/internal/task/engine"
	"grug/internal/task/jobstore"
	"grug/internal/task/scheduler"
	logx "grug/pkg/logx"
)

const (
	defaultDatabasePath    = "./grug.db"
	defaultSchedulerSchema = "scheduler"
)

func mapLogging(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		JSON:    l.JSON,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Alert: logx.AlertConfig{
			Enabled:    l.Alert.Enabled,
			MinLevel:   l.Alert.MinLevel,
			RatePerSec: l.Alert.RatePerSec,
		},
	}
}

func isPostgres(driver string) bool {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "postgres", "postgresql":
		return true
	}
	return false
}

// MapDatabase returns the domain store config.
func MapDatabase(cfg *config.Config) storage.Config {
	d := cfg.Database
	busy := config.DurationOr(d.BusyTimeout, 5*time.Second)
	if isPostgres(d.Driver) {
		return storage.Config{Driver: "postgres", DSN: d.DSN}
	}
	path := strings.TrimSpace(d.Path)
	if path == "" {
		path = defaultDatabasePath
	}
	return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}
}

// MapSchedulerDatabase returns the job store config: a sibling sqlite file
// ("grug.db" -> "grug.jobs.db") unless scheduler.sqlite_path is set, or the
// domain DSN with its own schema on postgres.
func MapSchedulerDatabase(cfg *config.Config) storage.Config {
	dom := MapDatabase(cfg)
	if dom.Driver == "postgres" {
		schema := strings.TrimSpace(cfg.Scheduler.Schema)
		if schema == "" {
			schema = defaultSchedulerSchema
		}
		return storage.Config{Driver: "postgres", DSN: dom.DSN, Schema: schema}
	}
	path := strings.TrimSpace(cfg.Scheduler.SQLitePath)
	if path == "" {
		path = strings.TrimSuffix(dom.Path, filepath.Ext(dom.Path)) + ".jobs.db"
	}
	return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: dom.BusyTimeout}
}

func mapJobStore(cfg *config.Config) jobstore.Config {
	s := cfg.Scheduler
	jc := jobstore.Config{
		PollInterval: config.DurationOr(s.PollInterval, 0),
		BatchSize:    s.BatchSize,
	}
	if te := cfg.TaskEngine; te != nil {
		jc.JobTimeout = config.DurationOr(te.DefaultTimeout, 0)
	}
	return jc
}

func mapScheduler(cfg *config.Config) scheduler.Config {
	s := cfg.Scheduler
	return scheduler.Config{
		RestartBackoffMin: config.DurationOr(s.RestartBackoffMin, 0),
		RestartBackoffMax: config.DurationOr(s.RestartBackoffMax, 0),
		MaxRestarts:       s.MaxRestarts,
	}
}

// mapTaskEngine fills engine defaults. The engine follows scheduler.enabled
// unless task_engine.enabled says otherwise.
func mapTaskEngine(cfg *config.Config) (engine.Config, error) {
	ec := engine.Config{
		Enabled:        cfg.Scheduler.Enabled,
		Workers:        4,
		QueueSize:      256,
		DefaultTimeout: 2 * time.Minute,
		HistorySize:    200,
		RetryMax:       3,
		RetryBase:      2 * time.Second,
	}
	te := cfg.TaskEngine
	if te == nil {
		return ec, nil
	}
	if te.Enabled != nil {
		ec.Enabled = *te.Enabled
	}
	if cfg.Scheduler.Enabled && !ec.Enabled {
		return engine.Config{}, fmt.Errorf("task_engine.enabled cannot be false while scheduler.enabled is true")
	}
	if te.Workers > 0 {
		ec.Workers = te.Workers
	}
	if te.QueueSize > 0 {
		ec.QueueSize = te.QueueSize
	}
	if te.HistorySize > 0 {
		ec.HistorySize = te.HistorySize
	}
	if te.RetryMax > 0 {
		ec.RetryMax = te.RetryMax
	}
	ec.DefaultTimeout = config.DurationOr(te.DefaultTimeout, ec.DefaultTimeout)
	ec.MaxQueueDelay = config.DurationOr(te.MaxQueueDelay, 0)
	ec.RetryBase = config.DurationOr(te.RetryBase, ec.RetryBase)
	return ec, nil
}

// mapSync also reports whether to reconcile at start (default true).
func mapSync(cfg *config.Config) (jobsync.Config, bool) {
	reconcile := true
	if cfg.Sync.ReconcileOnStart != nil {
		reconcile = *cfg.Sync.ReconcileOnStart
	}
	return jobsync.Config{Timeout: config.DurationOr(cfg.Sync.Timeout, 0)}, reconcile
}

func mapReminder(cfg *config.Config) reminder.Config {
	n := cfg.Notifier
	return reminder.Config{
		ReadyInterval: config.DurationOr(n.ReadyPoll, 0),
		ReadyAttempts: n.ReadyMaxAttempts,
		RatePerSec:    n.RatePerSec,
	}
}

func mapObservability(cfg *config.Config) httpserver.Config {
	o := cfg.Observability
	addr := strings.TrimSpace(o.Addr)
	if addr == "" {
		addr = httpserver.DefaultAddr
	}
	return httpserver.Config{
		Enabled:       o.Enabled,
		Addr:          addr,
		Token:         o.Token,
		AllowInsecure: o.AllowInsecure,
		Pprof:         o.Pprof,
		ReadTimeout:   config.DurationOr(o.ReadTimeout, 10*time.Second),
		IdleTimeout:   config.DurationOr(o.IdleTimeout, time.Minute),
	}
}
