package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mtzanidakis/epoptis/internal/config"
	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func New(cfg config.StoreConfig) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	// WAL mode and the busy timeout ride in the DSN so they apply to every
	// pooled connection. A PRAGMA via db.Exec only reaches the one connection
	// that happens to run it, and the rest of the pool would return
	// SQLITE_BUSY under concurrent writers.
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id             TEXT PRIMARY KEY,
			transcript_key TEXT NOT NULL,
			status         TEXT DEFAULT 'running',
			result         TEXT,
			confidence     TEXT,
			started_at     DATETIME DEFAULT CURRENT_TIMESTAMP,
			completed_at   DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS task_history (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id    TEXT NOT NULL,
			run_id     TEXT,
			parent_id  TEXT,
			kind       TEXT NOT NULL,
			status     TEXT NOT NULL,
			assigned_to TEXT,
			detail     TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_history_run ON task_history(run_id, seq)`,
		`CREATE TABLE IF NOT EXISTS bus_messages (
			seq            INTEGER PRIMARY KEY AUTOINCREMENT,
			id             TEXT NOT NULL,
			kind           TEXT NOT NULL,
			sender         TEXT NOT NULL,
			recipients     TEXT NOT NULL,
			purpose        TEXT NOT NULL,
			correlation_id TEXT,
			payload        TEXT,
			created_at     DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_bus_correlation ON bus_messages(correlation_id, seq)`,
		`CREATE TABLE IF NOT EXISTS memory (
			namespace  TEXT NOT NULL,
			key        TEXT NOT NULL,
			value      BLOB NOT NULL,
			compressed INTEGER DEFAULT 0,
			nonce      BLOB,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (namespace, key)
		)`,
		`CREATE TABLE IF NOT EXISTS scheduled_jobs (
			id             TEXT PRIMARY KEY,
			name           TEXT NOT NULL,
			schedule       TEXT NOT NULL,
			transcript_key TEXT NOT NULL,
			status         TEXT DEFAULT 'active',
			next_run_at    DATETIME,
			last_run_at    DATETIME,
			last_status    TEXT,
			last_error     TEXT,
			created_at     DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_next_run ON scheduled_jobs(status, next_run_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	return nil
}
