package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	_ "modernc.org/sqlite"

	logx "grug/pkg/logx"
)

var schemaName = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// DB wraps *sql.DB with a dialect and commit hooks.
type DB struct {
	sql     *sql.DB
	dialect Dialect
	schema  string
	log     logx.Logger

	hookMu sync.RWMutex
	hooks  []CommitHook
}

// Open connects and applies connection settings. Migrations are owned by
// the packages that define the tables (see Migrate).
func Open(ctx context.Context, cfg Config, log logx.Logger) (*DB, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, log)
	case "postgres", "postgresql":
		return openPostgres(ctx, cfg, log)
	case "none":
		return nil, ErrDisabled
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, driver)
	}
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (*DB, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection: SQLite serializes writers anyway, and per-connection
	// pragmas then hold for the life of the handle.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	if cfg.BusyTimeout > 0 {
		pragmas = append(pragmas, fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite %q: %w", p, err)
		}
	}

	return &DB{sql: db, dialect: SQLite, log: log.With(logx.String("comp", "storage"), logx.String("db", filepath.Base(path)))}, nil
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (*DB, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	schema := strings.TrimSpace(cfg.Schema)
	if schema != "" {
		if !schemaName.MatchString(schema) {
			_ = db.Close()
			return nil, fmt.Errorf("invalid schema name %q", schema)
		}
		if _, err := db.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS "+schema); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create schema %s: %w", schema, err)
		}
	}
	return &DB{sql: db, dialect: Postgres, schema: schema, log: log.With(logx.String("comp", "storage"), logx.String("schema", schema))}, nil
}

func (db *DB) Dialect() Dialect { return db.dialect }

// SQL exposes the underlying handle for health checks and tests.
func (db *DB) SQL() *sql.DB { return db.sql }

func (db *DB) Close() error {
	if db == nil || db.sql == nil {
		return nil
	}
	return db.sql.Close()
}

func (db *DB) Ping(ctx context.Context) error { return db.sql.PingContext(ctx) }

// Table qualifies name with the configured postgres schema.
func (db *DB) Table(name string) string {
	if db.dialect == Postgres && db.schema != "" {
		return db.schema + "." + name
	}
	return name
}

// Migrate executes "<dialect>.sql" from files. Every occurrence of
// "{{ns}}" is replaced with the schema qualifier ("scheduler." or "").
// Statements must be idempotent (CREATE ... IF NOT EXISTS).
func (db *DB) Migrate(ctx context.Context, files fs.FS) error {
	b, err := fs.ReadFile(files, string(db.dialect)+".sql")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	ns := ""
	if db.dialect == Postgres && db.schema != "" {
		ns = db.schema + "."
	}
	if _, err := db.sql.ExecContext(ctx, strings.ReplaceAll(string(b), "{{ns}}", ns)); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// OnCommit registers a hook that receives the changes of every committed Tx.
func (db *DB) OnCommit(h CommitHook) {
	if h == nil {
		return
	}
	db.hookMu.Lock()
	db.hooks = append(db.hooks, h)
	db.hookMu.Unlock()
}

func (db *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return db.sql.ExecContext(ctx, db.dialect.Rebind(query), args...)
}

func (db *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return db.sql.QueryContext(ctx, db.dialect.Rebind(query), args...)
}

func (db *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return db.sql.QueryRowContext(ctx, db.dialect.Rebind(query), args...)
}

// Begin starts a unit of work. The caller must Commit or Rollback; prefer WithTx.
func (db *DB) Begin(ctx context.Context) (*Tx, error) {
	tx, err := db.sql.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &Tx{tx: tx, db: db}, nil
}

// WithTx runs fn in a unit of work: commit on nil, rollback on error or
// panic. The connection is always released.
func (db *DB) WithTx(ctx context.Context, fn func(tx *Tx) error) (err error) {
	tx, err := db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			db.log.Warn("rollback failed", logx.Err(rbErr))
		}
		return err
	}
	return tx.Commit()
}

func (db *DB) fireHooks(changes []Change) {
	if len(changes) == 0 {
		return
	}
	db.hookMu.RLock()
	hooks := append([]CommitHook(nil), db.hooks...)
	db.hookMu.RUnlock()
	for _, h := range hooks {
		h(append([]Change(nil), changes...))
	}
}

// Tx is one unit of work.
type Tx struct {
	tx      *sql.Tx
	db      *DB
	changes []Change
	sp      int
}

func (t *Tx) Dialect() Dialect { return t.db.dialect }

func (t *Tx) Table(name string) string { return t.db.Table(name) }

func (t *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, t.db.dialect.Rebind(query), args...)
}

func (t *Tx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, t.db.dialect.Rebind(query), args...)
}

func (t *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, t.db.dialect.Rebind(query), args...)
}

// Record queues a change for the commit hooks. Duplicate entity/op pairs
// within one Tx are kept once.
func (t *Tx) Record(c Change) {
	for _, prev := range t.changes {
		if prev == c {
			return
		}
	}
	t.changes = append(t.changes, c)
}

// Savepoint runs fn inside a savepoint. A failed statement in postgres
// aborts the whole transaction unless it is rolled back to a savepoint;
// this lets callers recover from expected errors such as unique violations.
func (t *Tx) Savepoint(ctx context.Context, fn func() error) error {
	t.sp++
	name := fmt.Sprintf("sp_%d", t.sp)
	if _, err := t.tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return err
	}
	if err := fn(); err != nil {
		if _, rbErr := t.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		_, _ = t.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name)
		return err
	}
	_, err := t.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name)
	return err
}

func (t *Tx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return err
	}
	changes := t.changes
	t.changes = nil
	t.db.fireHooks(changes)
	return nil
}

func (t *Tx) Rollback() error {
	t.changes = nil
	return t.tx.Rollback()
}
