// Package store is the embedded persistence layer shared by the learning
// engine, the experience log and the pattern bank.
//
// The database is SQLite in WAL mode. Every write transaction begins
// IMMEDIATE, so read-modify-write sequences serialize across goroutines and
// across processes that open the same file.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by key lookups that miss or hit an expired entry.
var ErrNotFound = errors.New("store: not found")

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS kv_entries (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	expires_at TEXT,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_kv_expires ON kv_entries(expires_at);

CREATE TABLE IF NOT EXISTS learner_state (
	agent_id         TEXT PRIMARY KEY,
	exploration_rate REAL NOT NULL,
	enabled          INTEGER NOT NULL DEFAULT 1,
	updated_at       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS q_values (
	agent_id     TEXT NOT NULL,
	state_key    TEXT NOT NULL,
	action_key   TEXT NOT NULL,
	q_value      REAL NOT NULL,
	update_count INTEGER NOT NULL DEFAULT 0,
	last_updated TEXT NOT NULL,
	PRIMARY KEY (agent_id, state_key, action_key)
);
CREATE INDEX IF NOT EXISTS idx_q_values_rank ON q_values(agent_id, q_value DESC);

CREATE TABLE IF NOT EXISTS learning_experiences (
	seq            INTEGER PRIMARY KEY AUTOINCREMENT,
	id             TEXT NOT NULL UNIQUE,
	agent_id       TEXT NOT NULL,
	task_id        TEXT NOT NULL,
	task_type      TEXT NOT NULL,
	state_key      TEXT NOT NULL,
	action         TEXT NOT NULL,
	reward         REAL NOT NULL,
	next_state_key TEXT NOT NULL,
	episode_id     TEXT,
	timestamp      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_experiences_agent ON learning_experiences(agent_id, seq);
CREATE INDEX IF NOT EXISTS idx_experiences_cluster ON learning_experiences(task_type, state_key, action);
CREATE INDEX IF NOT EXISTS idx_experiences_time ON learning_experiences(timestamp);

CREATE TABLE IF NOT EXISTS patterns (
	seq            INTEGER PRIMARY KEY AUTOINCREMENT,
	id             TEXT NOT NULL UNIQUE,
	signature_hash TEXT NOT NULL UNIQUE,
	task_type      TEXT NOT NULL,
	description    TEXT NOT NULL,
	body           TEXT NOT NULL,
	strategy       TEXT NOT NULL DEFAULT '',
	state_key      TEXT NOT NULL DEFAULT '',
	confidence     REAL NOT NULL CHECK (confidence >= 0 AND confidence <= 1),
	success_rate   REAL NOT NULL CHECK (success_rate >= 0 AND success_rate <= 1),
	usage_count    INTEGER NOT NULL DEFAULT 0,
	embedding      BLOB,
	created_at     TEXT NOT NULL,
	last_used_at   TEXT
);
CREATE INDEX IF NOT EXISTS idx_patterns_task_type ON patterns(task_type);

CREATE TABLE IF NOT EXISTS promotion_log (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	signature_hash TEXT NOT NULL,
	task_type      TEXT NOT NULL,
	decision       TEXT NOT NULL,
	reason         TEXT,
	usage_count    INTEGER NOT NULL,
	success_rate   REAL NOT NULL,
	pattern_id     TEXT,
	created_at     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_promotion_log_signature ON promotion_log(signature_hash, id);
`

// #endregion schema

// #region store-struct

// Store manages the learning tables in SQLite.
type Store struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// Option configures Open.
type Option func(*options)

type options struct {
	busyTimeout time.Duration
	now         func() time.Time
}

// WithBusyTimeout sets how long a writer waits for a competing writer's lock.
func WithBusyTimeout(d time.Duration) Option {
	return func(o *options) { o.busyTimeout = d }
}

// WithClock overrides the wall clock used for TTL bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// #endregion store-struct

// #region constructor

// Open opens (or creates) the database at path and runs migrations.
// path must be a file path: each pooled connection to ":memory:" would see
// its own private database.
func Open(path string, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, errors.New("open db: empty path")
	}
	o := options{busyTimeout: 5 * time.Second, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	dsn := fmt.Sprintf(
		"%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)&_txlock=immediate",
		path, o.busyTimeout.Milliseconds(),
	)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db, path: path, now: o.now}, nil
}

// #endregion constructor

// #region accessors

// Close closes the underlying database connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for read queries in other packages.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Now returns the store clock in UTC.
func (s *Store) Now() time.Time {
	return s.now().UTC()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// #endregion accessors

// #region transactions

// InTx runs fn inside a single write transaction. The transaction commits
// when fn returns nil and rolls back otherwise.
func (s *Store) InTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// #endregion transactions

// #region time-format

// TimeLayout is the fixed-width UTC layout for stored timestamps. Lexical
// order of formatted values equals chronological order.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

// FormatTime renders t in TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a TimeLayout value; malformed input yields the zero time.
func ParseTime(s string) time.Time {
	t, err := time.Parse(TimeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// ParseNullTime parses a nullable timestamp column.
func ParseNullTime(s sql.NullString) time.Time {
	if !s.Valid {
		return time.Time{}
	}
	return ParseTime(s.String)
}

// #endregion time-format
