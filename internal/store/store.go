// Package store persists worlds, inputs and game entities in SQLite.
//
// All state for a world is read and written inside one transaction per
// engine step. The database is opened with a single connection so writers
// in this process are serialized; other processes (cmd/admin) wait on the
// busy timeout.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("store: not found")

type Store struct {
	db *sql.DB
}

// Tx is a read-write or read-only view valid for the duration of one
// Update or View callback.
type Tx struct {
	ctx context.Context
	tx  *sql.Tx
}

func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS worlds (
			id TEXT PRIMARY KEY,
			active INTEGER NOT NULL,
			generation INTEGER NOT NULL,
			has_time INTEGER NOT NULL,
			world_time REAL NOT NULL,
			last_step_ts REAL NOT NULL,
			processed_input_number INTEGER NOT NULL,
			next_id INTEGER NOT NULL,
			map_json TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS inputs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			world_id TEXT NOT NULL,
			number INTEGER NOT NULL,
			name TEXT NOT NULL,
			args TEXT NOT NULL,
			received REAL NOT NULL,
			result TEXT
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_inputs_world_number ON inputs(world_id, number);`,
		`CREATE TABLE IF NOT EXISTS entities (
			world_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			id TEXT NOT NULL,
			data TEXT NOT NULL,
			archived INTEGER NOT NULL,
			PRIMARY KEY (world_id, kind, id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_entities_live ON entities(world_id, kind, archived);`,
		`CREATE TABLE IF NOT EXISTS message_text (
			world_id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			text TEXT NOT NULL,
			done INTEGER NOT NULL,
			PRIMARY KEY (world_id, message_id)
		);`,
		`CREATE TABLE IF NOT EXISTS agent_leases (
			world_id TEXT NOT NULL,
			player_id TEXT NOT NULL,
			generation INTEGER NOT NULL,
			PRIMARY KEY (world_id, player_id)
		);`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			payload TEXT NOT NULL,
			run_at REAL NOT NULL,
			attempts INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_run_at ON jobs(run_at);`,
		`CREATE TABLE IF NOT EXISTS position_history (
			world_id TEXT NOT NULL,
			player_id TEXT NOT NULL,
			step_ts REAL NOT NULL,
			data BLOB NOT NULL,
			PRIMARY KEY (world_id, player_id)
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the handle for ad-hoc read queries (cmd/admin).
func (s *Store) DB() *sql.DB { return s.db }

// Update runs fn in a read-write transaction. A non-nil error from fn rolls
// everything back.
func (s *Store) Update(ctx context.Context, fn func(tx *Tx) error) error {
	return s.run(ctx, false, fn)
}

// View runs fn in a transaction that is always rolled back.
func (s *Store) View(ctx context.Context, fn func(tx *Tx) error) error {
	return s.run(ctx, true, fn)
}

func (s *Store) run(ctx context.Context, readOnly bool, fn func(tx *Tx) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	tx := &Tx{ctx: ctx, tx: sqlTx}
	if err := fn(tx); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if readOnly {
		return sqlTx.Rollback()
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (tx *Tx) exec(q string, args ...any) (sql.Result, error) {
	return tx.tx.ExecContext(tx.ctx, q, args...)
}

func (tx *Tx) query(q string, args ...any) (*sql.Rows, error) {
	return tx.tx.QueryContext(tx.ctx, q, args...)
}

func (tx *Tx) queryRow(q string, args ...any) *sql.Row {
	return tx.tx.QueryRowContext(tx.ctx, q, args...)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
