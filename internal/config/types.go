package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings ("500ms", "10s", "1m").
type Config struct {
	Logging       LoggingConfig       `json:"logging"`
	Database      DatabaseConfig      `json:"database"`
	Scheduler     SchedulerConfig     `json:"scheduler"`
	TaskEngine    *TaskEngineConfig   `json:"task_engine,omitempty"`
	Sync          SyncConfig          `json:"sync,omitempty"`
	Notifier      NotifierConfig      `json:"notifier"`
	Observability ObservabilityConfig `json:"observability,omitempty"`

	// Timezone is the default IANA zone for events and groups created
	// without one. Empty means UTC.
	Timezone string `json:"timezone,omitempty"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	JSON    bool         `json:"json,omitempty"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlert forwards high-severity logs through the notifier (telegram only).
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// DatabaseConfig selects the domain store.
//
//	"database": { "driver": "sqlite", "path": "./grug.db" }
//	"database": { "driver": "postgres", "dsn": "postgres://..." }
type DatabaseConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// SchedulerConfig controls the durable job store and its lifecycle.
//
// The job store lives apart from domain data: a separate sqlite file
// (sqlite_path) or a separate postgres schema (schema).
type SchedulerConfig struct {
	Enabled      bool   `json:"enabled"`
	SQLitePath   string `json:"sqlite_path,omitempty"`
	Schema       string `json:"schema,omitempty"`
	PollInterval string `json:"poll_interval,omitempty"`
	BatchSize    int    `json:"batch_size,omitempty"`

	RestartBackoffMin string `json:"restart_backoff_min,omitempty"`
	RestartBackoffMax string `json:"restart_backoff_max,omitempty"`
	MaxRestarts       int    `json:"max_restarts,omitempty"`
}

// TaskEngineConfig controls job execution.
//
// Defaults: enabled follows scheduler.enabled, workers 4, queue_size 256,
// default_timeout 2m, retry_max 3, retry_base 2s.
type TaskEngineConfig struct {
	Enabled        *bool  `json:"enabled,omitempty"`
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
	RetryBase      string `json:"retry_base,omitempty"`
}

// SyncConfig controls the occurrence sync consumer.
type SyncConfig struct {
	ReconcileOnStart *bool  `json:"reconcile_on_start,omitempty"`
	Timeout          string `json:"timeout,omitempty"`
}

// NotifierConfig selects the reminder delivery channel.
type NotifierConfig struct {
	Driver           string         `json:"driver"` // "log" (default) or "telegram"
	Telegram         TelegramConfig `json:"telegram,omitempty"`
	ReadyPoll        string         `json:"ready_poll,omitempty"`
	ReadyMaxAttempts int            `json:"ready_max_attempts,omitempty"`
	RatePerSec       int            `json:"rate_per_sec,omitempty"`
}

type TelegramConfig struct {
	Token       string `json:"token"`
	PollTimeout string `json:"poll_timeout,omitempty"`
	// AlertChatID receives log alerts when logging.alert is enabled.
	AlertChatID int64 `json:"alert_chat_id,omitempty"`
}

// ObservabilityConfig controls the HTTP server for /metrics, /healthz and pprof.
//
// Prefer binding to localhost. A non-loopback address needs a token or
// allow_insecure.
type ObservabilityConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default "127.0.0.1:9464"
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	IdleTimeout   string `json:"idle_timeout,omitempty"`
}
