// Package checkpoint persists run snapshots so completed runs can be
// audited after their stream has closed. Backed by SQLite.
package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Run statuses recorded in checkpoints.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Checkpoint is a persisted snapshot of one run's outcome.
type Checkpoint struct {
	RunID        string     `json:"run_id"`
	ThreadID     string     `json:"thread_id"`
	Status       string     `json:"status"`
	FinalMessage string     `json:"final_message,omitempty"`
	Error        string     `json:"error,omitempty"`
	LastSeq      uint64     `json:"last_seq"`
	StartedAt    time.Time  `json:"started_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
}

// Store persists checkpoints.
type Store interface {
	Write(ctx context.Context, cp *Checkpoint) error
	Get(ctx context.Context, runID string) (*Checkpoint, error)
	ListByThread(ctx context.Context, threadID string, limit int) ([]Checkpoint, error)
	CleanupOlderThan(ctx context.Context, age time.Duration) (int64, error)
	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) a SQLite checkpoint database.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS checkpoints (
			run_id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			status TEXT NOT NULL,
			final_message TEXT,
			error TEXT,
			last_seq INTEGER NOT NULL DEFAULT 0,
			started_at DATETIME NOT NULL,
			ended_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_thread ON checkpoints(thread_id, started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_ended ON checkpoints(ended_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Write upserts a checkpoint.
func (s *SQLiteStore) Write(ctx context.Context, cp *Checkpoint) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (run_id, thread_id, status, final_message, error, last_seq, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			status = excluded.status,
			final_message = excluded.final_message,
			error = excluded.error,
			last_seq = excluded.last_seq,
			ended_at = excluded.ended_at`,
		cp.RunID, cp.ThreadID, cp.Status, cp.FinalMessage, cp.Error, cp.LastSeq, cp.StartedAt, cp.EndedAt)
	if err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	return nil
}

// Get returns the checkpoint for a run, or nil if none exists.
func (s *SQLiteStore) Get(ctx context.Context, runID string) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, thread_id, status, final_message, error, last_seq, started_at, ended_at
		FROM checkpoints WHERE run_id = ?`, runID)

	cp, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoint: %w", err)
	}
	return cp, nil
}

// ListByThread returns the most recent checkpoints for a thread.
func (s *SQLiteStore) ListByThread(ctx context.Context, threadID string, limit int) ([]Checkpoint, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, thread_id, status, final_message, error, last_seq, started_at, ended_at
		FROM checkpoints WHERE thread_id = ?
		ORDER BY started_at DESC LIMIT ?`, threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		out = append(out, *cp)
	}
	return out, rows.Err()
}

// CleanupOlderThan deletes checkpoints whose run ended more than age ago
// and returns how many were removed.
func (s *SQLiteStore) CleanupOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := time.Now().Add(-age)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE ended_at IS NOT NULL AND ended_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup checkpoints: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCheckpoint(row rowScanner) (*Checkpoint, error) {
	var cp Checkpoint
	var finalMessage, errMsg sql.NullString
	var endedAt sql.NullTime
	if err := row.Scan(&cp.RunID, &cp.ThreadID, &cp.Status, &finalMessage, &errMsg, &cp.LastSeq, &cp.StartedAt, &endedAt); err != nil {
		return nil, err
	}
	cp.FinalMessage = finalMessage.String
	cp.Error = errMsg.String
	if endedAt.Valid {
		cp.EndedAt = &endedAt.Time
	}
	return &cp, nil
}
