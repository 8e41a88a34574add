// Package store is the durable relational store: a single-writer-safe
// SQLite-backed home for jobs, records, checkpoints, and system
// configuration.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/google/uuid"

	"github.com/aron1990-cmyk/twitter-daily-scraper-sub002/internal/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	state TEXT NOT NULL,
	spec_blob TEXT NOT NULL,
	delivered INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	error_kind TEXT NOT NULL DEFAULT '',
	shortfall_blob TEXT NOT NULL DEFAULT '[]',
	created_at DATETIME NOT NULL,
	started_at DATETIME,
	ended_at DATETIME
);

CREATE TABLE IF NOT EXISTS records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id TEXT NOT NULL,
	fingerprint_hash TEXT NOT NULL,
	payload_blob TEXT NOT NULL,
	synced INTEGER NOT NULL DEFAULT 0,
	synced_at DATETIME,
	created_at DATETIME NOT NULL,
	UNIQUE(job_id, fingerprint_hash)
);
CREATE INDEX IF NOT EXISTS idx_records_job_synced ON records(job_id, synced);

CREATE TABLE IF NOT EXISTS checkpoints (
	job_id TEXT PRIMARY KEY,
	blob TEXT NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS system_config (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	updated_at DATETIME NOT NULL
);
`

// Store is the relational Record Store + Checkpoint Store.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) a SQLite database at path and applies the
// schema. path may be ":memory:" for a process-local store.
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, &types.StorageError{Backend: "sqlite", Err: err}
	}
	// A single writer connection keeps AppendRecords/MarkSynced serialized
	// without relying on SQLite's coarse file locking under concurrency.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, &types.StorageError{Backend: "sqlite", Err: err}
	}

	return &Store{db: db, logger: logger.With("component", "store")}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- Jobs ---

// CreateJob inserts a new job in Pending state and returns its id.
func (s *Store) CreateJob(ctx context.Context, spec types.JobSpec) (string, error) {
	specBlob, err := json.Marshal(spec)
	if err != nil {
		return "", fmt.Errorf("marshal spec: %w", err)
	}

	id := uuid.NewString()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, state, spec_blob, created_at) VALUES (?, ?, ?, ?)`,
		id, types.JobPending, string(specBlob), time.Now().UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("insert job: %w", err)
	}
	return id, nil
}

// UpdateJobState transitions a job's state and records optional metadata.
func (s *Store) UpdateJobState(ctx context.Context, jobID string, state types.JobState, lastError string, errorKind types.ErrorKind) error {
	now := time.Now().UTC()

	var startedAt, endedAt any
	if state == types.JobRunning {
		startedAt = now
	}
	if state == types.JobCompleted || state == types.JobFailed || state == types.JobCancelled {
		endedAt = now
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state = ?, last_error = ?, error_kind = ?,
			started_at = COALESCE(?, started_at),
			ended_at = COALESCE(?, ended_at)
		 WHERE id = ?`,
		state, lastError, errorKind, startedAt, endedAt, jobID,
	)
	if err != nil {
		return fmt.Errorf("update job state: %w", err)
	}
	return checkRowsAffected(res, types.ErrJobNotFound)
}

// SetShortfalls overwrites a job's recorded shortfalls.
func (s *Store) SetShortfalls(ctx context.Context, jobID string, shortfalls []types.Shortfall) error {
	blob, err := json.Marshal(shortfalls)
	if err != nil {
		return fmt.Errorf("marshal shortfalls: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET shortfall_blob = ? WHERE id = ?`, string(blob), jobID)
	if err != nil {
		return fmt.Errorf("update shortfalls: %w", err)
	}
	return checkRowsAffected(res, types.ErrJobNotFound)
}

// IncrementDelivered bumps a job's delivered counter by n.
func (s *Store) IncrementDelivered(ctx context.Context, jobID string, n int) error {
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET delivered = delivered + ? WHERE id = ?`, n, jobID)
	if err != nil {
		return fmt.Errorf("increment delivered: %w", err)
	}
	return checkRowsAffected(res, types.ErrJobNotFound)
}

// GetJob fetches a single job by id.
func (s *Store) GetJob(ctx context.Context, jobID string) (*types.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, state, spec_blob, delivered, last_error, error_kind, shortfall_blob, created_at, started_at, ended_at
		 FROM jobs WHERE id = ?`, jobID)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, types.ErrJobNotFound
	}
	return job, err
}

// JobFilter narrows ListJobs results.
type JobFilter struct {
	State types.JobState // empty = any
}

// ListJobs returns jobs matching the filter, newest first.
func (s *Store) ListJobs(ctx context.Context, filter JobFilter) ([]*types.Job, error) {
	query := `SELECT id, state, spec_blob, delivered, last_error, error_kind, shortfall_blob, created_at, started_at, ended_at FROM jobs`
	args := []any{}
	if filter.State != "" {
		query += ` WHERE state = ?`
		args = append(args, filter.State)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*types.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// RestartRecovery transitions every Running/Queued job to Pending. Must be
// called once at process start before the scheduler begins admitting jobs.
func (s *Store) RestartRecovery(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state = ? WHERE state IN (?, ?)`,
		types.JobPending, types.JobRunning, types.JobQueued,
	)
	if err != nil {
		return 0, fmt.Errorf("restart recovery: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanJob(row scannable) (*types.Job, error) {
	var (
		job                              types.Job
		specBlob, shortfallBlob          string
		startedAt, endedAt               sql.NullTime
	)
	if err := row.Scan(&job.ID, &job.State, &specBlob, &job.Delivered, &job.LastError, &job.ErrorKind,
		&shortfallBlob, &job.CreatedAt, &startedAt, &endedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(specBlob), &job.Spec); err != nil {
		return nil, fmt.Errorf("unmarshal spec: %w", err)
	}
	if shortfallBlob != "" {
		_ = json.Unmarshal([]byte(shortfallBlob), &job.Shortfall)
	}
	if startedAt.Valid {
		job.StartedAt = startedAt.Time
	}
	if endedAt.Valid {
		job.EndedAt = endedAt.Time
	}
	return &job, nil
}

func checkRowsAffected(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
