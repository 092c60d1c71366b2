package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (and creates if needed) the audit database at path and
// ensures required tables exist.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Basic health check + apply a few safe pragmas.
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(pctx, "PRAGMA foreign_keys = ON;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign_keys: %w", err)
	}
	if _, err := db.ExecContext(pctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates the audit tables/indexes if missing. Task records
// are retained here after every queue has been cleared.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS task_audit (
  task_id        TEXT PRIMARY KEY,
  query_text     TEXT NOT NULL,
  target_clients TEXT NOT NULL,
  status         TEXT NOT NULL,
  created_at     TEXT NOT NULL,
  settled_at     TEXT
);`,
		`CREATE TABLE IF NOT EXISTS insight_audit (
  task_id          TEXT NOT NULL,
  client_id        TEXT NOT NULL,
  payload          JSON NOT NULL,
  similarity_score REAL NOT NULL,
  submitted_at     TEXT NOT NULL,
  PRIMARY KEY (task_id, client_id)
);`,
		`CREATE TABLE IF NOT EXISTS ack_audit (
  task_id   TEXT NOT NULL,
  client_id TEXT NOT NULL,
  acked_at  TEXT NOT NULL,
  PRIMARY KEY (task_id, client_id)
);`,
		`CREATE INDEX IF NOT EXISTS task_audit_status_created_at_idx ON task_audit(status, created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
