package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

const schema = `
	CREATE TABLE IF NOT EXISTS scheduled_tasks (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		schedule_kind TEXT NOT NULL,
		schedule_run_at DATETIME,
		schedule_expr TEXT,
		timezone TEXT NOT NULL,
		delivery_format TEXT,
		enabled INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		last_run_at DATETIME,
		last_status TEXT,
		credit_notification_sent INTEGER NOT NULL DEFAULT 0,
		timer_handle TEXT,
		next_run_at DATETIME,
		version INTEGER NOT NULL DEFAULT 1,
		migrated_from TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_scheduled_tasks_user_id ON scheduled_tasks(user_id);
	CREATE INDEX IF NOT EXISTS idx_scheduled_tasks_enabled ON scheduled_tasks(enabled);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_scheduled_tasks_migrated_from ON scheduled_tasks(migrated_from);

	CREATE TABLE IF NOT EXISTS scheduled_jobs (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT '',
		run_at DATETIME NOT NULL,
		status TEXT NOT NULL,
		cron_expr TEXT,
		timezone TEXT,
		timer_handle TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_scheduled_jobs_kind_status ON scheduled_jobs(kind, status);

	CREATE TABLE IF NOT EXISTS job_refs (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		ref_id TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_job_refs_ref_id ON job_refs(ref_id);

	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		phone TEXT NOT NULL,
		timezone TEXT,
		tier TEXT NOT NULL DEFAULT 'basic',
		last_message_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS task_runs (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		status TEXT NOT NULL,
		error TEXT,
		delivery_mode TEXT,
		started_at DATETIME NOT NULL,
		completed_at DATETIME,
		duration INTEGER,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_task_runs_task_id ON task_runs(task_id);
	CREATE INDEX IF NOT EXISTS idx_task_runs_status ON task_runs(status);
	CREATE INDEX IF NOT EXISTS idx_task_runs_started_at ON task_runs(started_at);
`

// Open opens (creating if needed) the SQLite database at path and applies the
// schema. Transactions start with BEGIN IMMEDIATE so a read followed by a
// write inside one transaction cannot interleave with another writer.
func Open(logger *zap.Logger, path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	params := url.Values{}
	params.Set("_txlock", "immediate")
	params.Set("_busy_timeout", "5000")
	params.Set("_journal_mode", "WAL")
	params.Set("_foreign_keys", "on")

	db, err := sql.Open("sqlite3", "file:"+path+"?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	logger.Named("storage").Info("Opened database", zap.String("path", path))
	return db, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
