// Package history keeps a durable log of task runs in SQLite.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/randomizedcoder/go-autorun/internal/task"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id         TEXT    PRIMARY KEY,
    task_key   TEXT    NOT NULL,
    name       TEXT    NOT NULL,
    status     TEXT    NOT NULL,
    class      TEXT    NOT NULL DEFAULT '',
    error_msg  TEXT    NOT NULL DEFAULT '',
    pid        INTEGER NOT NULL DEFAULT 0,
    monitored  TEXT    NOT NULL DEFAULT '',
    start_ms   INTEGER NOT NULL,
    end_ms     INTEGER NOT NULL DEFAULT 0,
    runtime_ms INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS runs_task_start ON runs (task_key, start_ms);
`

// Entry is one stored run.
type Entry struct {
	ID        string
	Key       string
	Name      string
	Status    string
	Class     string
	Error     string
	PID       int
	Monitored string
	Start     time.Time
	End       time.Time // zero while running
	RunTime   time.Duration
}

// Store persists run records. Safe for concurrent use.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history %s: %w", path, err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)
	s, err := NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewStore wraps an open database and creates the schema if needed.
func NewStore(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("nil db")
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("create history schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Started inserts a running row for a new run.
func (s *Store) Started(ctx context.Context, runID, key, name string, start time.Time) error {
	const q = `INSERT INTO runs (id, task_key, name, status, start_ms) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`
	if _, err := s.db.ExecContext(ctx, q, runID, key, name, task.StatusRunning.String(), start.UnixMilli()); err != nil {
		return fmt.Errorf("history insert %s: %w", runID, err)
	}
	return nil
}

// Finished stores the terminal state of a record, inserting the row if
// Started was never recorded.
func (s *Store) Finished(ctx context.Context, rec task.Record) error {
	const q = `INSERT INTO runs (id, task_key, name, status, class, error_msg, pid, monitored, start_ms, end_ms, runtime_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			class = excluded.class,
			error_msg = excluded.error_msg,
			pid = excluded.pid,
			monitored = excluded.monitored,
			start_ms = excluded.start_ms,
			end_ms = excluded.end_ms,
			runtime_ms = excluded.runtime_ms`
	_, err := s.db.ExecContext(ctx, q,
		rec.ID, rec.Key, rec.Name, rec.Status.String(), rec.Class, rec.Error, rec.PID, rec.Monitored,
		rec.StartTime.UnixMilli(), unixMilli(rec.EndTime), rec.RunTime.Milliseconds())
	if err != nil {
		return fmt.Errorf("history update %s: %w", rec.ID, err)
	}
	return nil
}

// Recent returns up to limit runs, newest first. A non-empty key restricts
// the result to that task.
func (s *Store) Recent(ctx context.Context, key string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	const cols = `id, task_key, name, status, class, error_msg, pid, monitored, start_ms, end_ms, runtime_ms`

	var (
		rows *sql.Rows
		err  error
	)
	if key == "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+cols+` FROM runs ORDER BY start_ms DESC, id LIMIT ?`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+cols+` FROM runs WHERE task_key = ? ORDER BY start_ms DESC, id LIMIT ?`, key, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("history query: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e                     Entry
			startMs, endMs, runMs int64
		)
		if err := rows.Scan(&e.ID, &e.Key, &e.Name, &e.Status, &e.Class, &e.Error, &e.PID, &e.Monitored,
			&startMs, &endMs, &runMs); err != nil {
			return nil, fmt.Errorf("history scan: %w", err)
		}
		e.Start = time.UnixMilli(startMs)
		if endMs > 0 {
			e.End = time.UnixMilli(endMs)
		}
		e.RunTime = time.Duration(runMs) * time.Millisecond
		out = append(out, e)
	}
	return out, rows.Err()
}

// Count returns the number of stored runs.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs`).Scan(&n); err != nil {
		return 0, fmt.Errorf("history count: %w", err)
	}
	return n, nil
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
