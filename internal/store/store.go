// Package store is the schema-versioned sqlite layer underneath the session
// manager. It survives crashes: WAL journaling, foreign keys, monotonic
// migrations, and automatic recovery from a corrupt database file.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

type Store struct {
	db     *sql.DB
	logger *slog.Logger

	stmtMu sync.Mutex
	stmts  map[string]*sql.Stmt
}

// Open opens (or creates) the database at path. A corrupt file is backed up
// to <path>.corrupt.<timestamp>, its journal siblings removed, and a fresh
// database opened in its place. A failing migration backs the file up to
// <path>.pre-migration.<timestamp> and the store continues on the prior
// schema.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	db, err := openDB(path)
	if err == nil {
		err = checkIntegrity(db)
	}
	if err != nil {
		logger.Error("durable store corrupt, recreating", "path", path, "error", err)
		if db != nil {
			_ = db.Close()
		}
		if backupErr := backupCorrupt(path); backupErr != nil {
			return nil, fmt.Errorf("backup corrupt store: %w", backupErr)
		}
		db, err = openDB(path)
		if err != nil {
			return nil, fmt.Errorf("reopen fresh store: %w", err)
		}
	}

	s := &Store{db: db, logger: logger, stmts: make(map[string]*sql.Stmt)}
	if err := s.migrate(context.Background(), path); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func openDB(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, q := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	} {
		if _, err := db.Exec(q); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return db, nil
}

func checkIntegrity(db *sql.DB) error {
	var result string
	if err := db.QueryRow("PRAGMA integrity_check(1);").Scan(&result); err != nil {
		return fmt.Errorf("integrity check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}
	return nil
}

func backupCorrupt(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	stamp := time.Now().UTC().Format("20060102T150405")
	if err := os.Rename(path, fmt.Sprintf("%s.corrupt.%s", path, stamp)); err != nil {
		return err
	}
	for _, suffix := range []string{"-wal", "-shm", "-journal"} {
		_ = os.Remove(path + suffix)
	}
	return nil
}

// migrations are monotonic; each runs in its own transaction and records the
// resulting version. Never reorder or edit an applied entry.
var migrations = []struct {
	version int
	apply   func(context.Context, *sql.Tx) error
}{
	{1, migrateV1},
	{2, migrateV2},
}

func migrateV1(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS sessions (
			channel_id     TEXT PRIMARY KEY,
			project        TEXT NOT NULL,
			workspace_path TEXT NOT NULL,
			base_branch    TEXT NOT NULL,
			agent_branch   TEXT NOT NULL,
			status         TEXT NOT NULL DEFAULT 'idle',
			paused         INTEGER NOT NULL DEFAULT 0,
			model          TEXT NOT NULL DEFAULT '',
			last_activity  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			created_at     DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE TABLE IF NOT EXISTS grants (
			channel_id TEXT NOT NULL,
			path       TEXT NOT NULL,
			mode       TEXT NOT NULL CHECK (mode IN ('ro','rw')),
			expires_at DATETIME NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (channel_id, path)
		);
		CREATE TABLE IF NOT EXISTS task_history (
			id           TEXT PRIMARY KEY,
			channel_id   TEXT NOT NULL,
			prompt       TEXT NOT NULL,
			status       TEXT NOT NULL CHECK (status IN ('running','completed','failed','aborted')),
			started_at   DATETIME NOT NULL,
			completed_at DATETIME,
			timeout_ms   INTEGER,
			submitter_id TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_task_history_channel ON task_history (channel_id, started_at);
		CREATE TABLE IF NOT EXISTS responders (
			channel_id TEXT NOT NULL,
			user_id    TEXT NOT NULL,
			PRIMARY KEY (channel_id, user_id)
		);
	`)
	return err
}

func migrateV2(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS repo_overrides (
			channel_id TEXT PRIMARY KEY,
			remote_url TEXT NOT NULL,
			repo_path  TEXT NOT NULL,
			project    TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS branch_overrides (
			channel_id TEXT PRIMARY KEY,
			branch     TEXT NOT NULL
		);
	`)
	return err
}

func (s *Store) migrate(ctx context.Context, path string) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version    INTEGER PRIMARY KEY,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var current int
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version;`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := s.applyMigration(ctx, m.version, m.apply); err != nil {
			// Keep running on the prior schema; preserve the file for inspection.
			stamp := time.Now().UTC().Format("20060102T150405")
			backup := fmt.Sprintf("%s.pre-migration.%s", path, stamp)
			if copyErr := copyFile(path, backup); copyErr != nil {
				s.logger.Error("pre-migration backup failed", "error", copyErr)
			}
			s.logger.Error("migration failed, continuing on prior schema",
				"version", m.version, "backup", backup, "error", err)
			return nil
		}
		current = m.version
	}
	return nil
}

func (s *Store) applyMigration(ctx context.Context, version int, apply func(context.Context, *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", version, err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := apply(ctx, tx); err != nil {
		return fmt.Errorf("apply migration %d: %w", version, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (?);`, version); err != nil {
		return fmt.Errorf("record migration %d: %w", version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %d: %w", version, err)
	}
	s.logger.Info("schema migrated", "version", version)
	return nil
}

// SchemaVersion returns the highest applied migration version.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version;`).Scan(&v)
	return v, err
}

func (s *Store) Close() error {
	s.stmtMu.Lock()
	for _, st := range s.stmts {
		_ = st.Close()
	}
	s.stmts = nil
	s.stmtMu.Unlock()
	return s.db.Close()
}

// stmt returns a cached prepared statement for the query.
func (s *Store) stmt(ctx context.Context, query string) (*sql.Stmt, error) {
	s.stmtMu.Lock()
	defer s.stmtMu.Unlock()
	if s.stmts == nil {
		return nil, fmt.Errorf("store closed")
	}
	if st, ok := s.stmts[query]; ok {
		return st, nil
	}
	st, err := s.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("prepare: %w", err)
	}
	s.stmts[query] = st
	return st, nil
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	st, err := s.stmt(ctx, query)
	if err != nil {
		return nil, err
	}
	var res sql.Result
	err = retryOnBusy(ctx, 5, func() error {
		var execErr error
		res, execErr = st.ExecContext(ctx, args...)
		return execErr
	})
	return res, err
}

// retryOnBusy retries f when sqlite reports BUSY or LOCKED, with exponential
// backoff and bounded jitter on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil || !isSQLiteBusy(err) || attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.Intn(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}
