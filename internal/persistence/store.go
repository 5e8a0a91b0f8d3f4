package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mattn/go-sqlite3"

	"github.com/basket/polecat/internal/bus"
	"github.com/basket/polecat/internal/shared"
)

type migration struct {
	version  int
	checksum string
	stmts    []string
}

// migrations are applied in order; an applied checksum that differs from the
// one recorded here aborts Open.
var migrations = []migration{
	{
		version:  1,
		checksum: "pc-v1-2026-10-task-graph",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS tasks (
				id TEXT PRIMARY KEY,
				title TEXT NOT NULL DEFAULT '',
				description TEXT NOT NULL DEFAULT '',
				type TEXT NOT NULL DEFAULT 'task',
				project TEXT NOT NULL,
				status TEXT NOT NULL,
				priority INTEGER NOT NULL DEFAULT 2,
				assignee TEXT NOT NULL DEFAULT '',
				last_assignee TEXT NOT NULL DEFAULT '',
				tags TEXT NOT NULL DEFAULT '[]',
				branch_name TEXT NOT NULL DEFAULT '',
				available_at DATETIME NOT NULL,
				heartbeat_at DATETIME,
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL,
				closed_at DATETIME,
				close_reason TEXT NOT NULL DEFAULT ''
			);`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_status_priority ON tasks(status, priority, created_at);`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_assignee ON tasks(assignee) WHERE assignee != '';`,
			`CREATE TABLE IF NOT EXISTS task_dependencies (
				task_id TEXT NOT NULL REFERENCES tasks(id),
				depends_on TEXT NOT NULL REFERENCES tasks(id),
				PRIMARY KEY (task_id, depends_on),
				CHECK (task_id != depends_on)
			);`,
			`CREATE INDEX IF NOT EXISTS idx_task_dependencies_depends_on ON task_dependencies(depends_on);`,
			`CREATE TABLE IF NOT EXISTS task_events (
				event_id INTEGER PRIMARY KEY AUTOINCREMENT,
				task_id TEXT NOT NULL REFERENCES tasks(id),
				event_type TEXT NOT NULL,
				state_from TEXT,
				state_to TEXT NOT NULL,
				trace_id TEXT NOT NULL DEFAULT '-',
				run_id TEXT,
				payload_json TEXT NOT NULL DEFAULT '{}',
				created_at DATETIME NOT NULL
			);`,
			`CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(task_id, event_id);`,
			`CREATE TABLE IF NOT EXISTS task_reports (
				id TEXT PRIMARY KEY,
				task_id TEXT NOT NULL REFERENCES tasks(id),
				kind TEXT NOT NULL,
				summary TEXT NOT NULL,
				detail_json TEXT NOT NULL DEFAULT '{}',
				created_at DATETIME NOT NULL
			);`,
			`CREATE INDEX IF NOT EXISTS idx_task_reports_task ON task_reports(task_id, created_at);`,
		},
	},
	{
		version:  2,
		checksum: "pc-v2-2026-10-integration-queue",
		stmts: []string{
			`ALTER TABLE tasks ADD COLUMN integration_attempts INTEGER NOT NULL DEFAULT 0;`,
			`ALTER TABLE tasks ADD COLUMN review_decision TEXT NOT NULL DEFAULT '';`,
			`ALTER TABLE tasks ADD COLUMN merge_commit TEXT NOT NULL DEFAULT '';`,
			`CREATE TABLE IF NOT EXISTS integration_attempts (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				task_id TEXT NOT NULL REFERENCES tasks(id),
				kind TEXT NOT NULL DEFAULT 'merge',
				branch TEXT NOT NULL DEFAULT '',
				base_commit TEXT NOT NULL DEFAULT '',
				outcome TEXT NOT NULL,
				attempt_count INTEGER NOT NULL,
				detail TEXT NOT NULL DEFAULT '',
				started_at DATETIME NOT NULL,
				finished_at DATETIME
			);`,
			// At most one attempt may be in flight against trunk.
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_integration_in_flight ON integration_attempts(outcome) WHERE outcome = 'pending';`,
			`CREATE INDEX IF NOT EXISTS idx_integration_attempts_task ON integration_attempts(task_id, id);`,
		},
	},
	{
		version:  3,
		checksum: "pc-v3-2026-10-refinery-lease",
		stmts: []string{
			`ALTER TABLE integration_attempts ADD COLUMN owner TEXT NOT NULL DEFAULT '';`,
			// A single row: the refinery process allowed to touch trunk.
			`CREATE TABLE IF NOT EXISTS refinery_lease (
				id INTEGER PRIMARY KEY CHECK (id = 1),
				owner TEXT NOT NULL,
				acquired_at DATETIME NOT NULL,
				expires_at DATETIME NOT NULL
			);`,
		},
	},
}

const busyRetries = 5

// Store is the task graph: tasks, dependencies, reports, events and
// integration attempts in one SQLite database.
type Store struct {
	db     *sql.DB
	bus    *bus.Bus // may be nil in tests
	logger *slog.Logger
	now    func() time.Time
}

// DefaultDBPath returns the database location under the polecat home.
func DefaultDBPath(home string) string {
	if home == "" {
		if h, err := os.UserHomeDir(); err == nil && h != "" {
			home = filepath.Join(h, ".polecat")
		} else {
			home = ".polecat"
		}
	}
	return filepath.Join(home, "polecat.db")
}

// Open opens or creates the database at path and applies pending migrations.
// Transactions begin IMMEDIATE so a claim holds the write lock from its first
// read, across processes sharing the file.
func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath("")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{
		db:     db,
		bus:    eventBus,
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SetLogger replaces the store logger.
func (s *Store) SetLogger(l *slog.Logger) {
	if l != nil {
		s.logger = l
	}
}

// SetClock overrides the time source. Used by tests that age heartbeats.
func (s *Store) SetClock(now func() time.Time) {
	s.now = func() time.Time { return now().UTC() }
}

// Now returns the store's notion of the current time.
func (s *Store) Now() time.Time {
	return s.now()
}

// retryOnBusy retries f while SQLite reports BUSY or LOCKED, with exponential
// backoff on top of the driver's busy_timeout. Any other error stops at once.
func retryOnBusy(ctx context.Context, f func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = 500 * time.Millisecond
	bo.RandomizationFactor = 0.25
	return backoff.Retry(func() error {
		err := f()
		if err == nil {
			return nil
		}
		if isSQLiteBusy(err) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(backoff.WithMaxRetries(bo, busyRetries), ctx))
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	applied := make(map[int]string)
	rows, err := tx.QueryContext(ctx, `SELECT version, checksum FROM schema_migrations;`)
	if err != nil {
		return fmt.Errorf("read schema_migrations: %w", err)
	}
	for rows.Next() {
		var v int
		var sum string
		if err := rows.Scan(&v, &sum); err != nil {
			rows.Close()
			return fmt.Errorf("scan schema_migrations: %w", err)
		}
		applied[v] = sum
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate schema_migrations: %w", err)
	}

	latest := migrations[len(migrations)-1].version
	for v := range applied {
		if v > latest {
			return fmt.Errorf("db schema version %d is newer than supported %d", v, latest)
		}
	}

	for _, m := range migrations {
		if sum, ok := applied[m.version]; ok {
			if sum != m.checksum {
				return fmt.Errorf("schema checksum mismatch for version %d: have %q want %q", m.version, sum, m.checksum)
			}
			continue
		}
		for _, stmt := range m.stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("apply migration %d: %w", m.version, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);`, m.version, m.checksum); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

// SchemaVersion returns the highest applied migration.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

func (s *Store) appendTaskEventTx(ctx context.Context, tx *sql.Tx, taskID string, from, to TaskStatus, eventType string, payload map[string]any) error {
	body := "{}"
	if len(payload) > 0 {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal task_event payload: %w", err)
		}
		body = string(raw)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO task_events (task_id, event_type, state_from, state_to, trace_id, run_id, payload_json, created_at)
		VALUES (?, ?, NULLIF(?, ''), ?, ?, NULLIF(?, ''), ?, ?);
	`, taskID, eventType, string(from), string(to), shared.TraceID(ctx), shared.RunID(ctx), body, s.now())
	if err != nil {
		return fmt.Errorf("insert task_event: %w", err)
	}
	return nil
}

// withTx runs f inside an immediate transaction, retrying the whole
// transaction on BUSY.
func (s *Store) withTx(ctx context.Context, f func(tx *sql.Tx) error) error {
	return retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		if err := f(tx); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

func (s *Store) publishState(ev bus.TaskStateChangedEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.TopicTaskStateChanged, ev)
}
