package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aron1990-cmyk/twitter-daily-scraper-sub002/internal/types"
)

// SaveCheckpoint atomically replaces the stored checkpoint for a job.
func (s *Store) SaveCheckpoint(ctx context.Context, jobID string, cp *types.ScrapeCheckpoint) error {
	blob, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (job_id, blob, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(job_id) DO UPDATE SET blob = excluded.blob, updated_at = excluded.updated_at`,
		jobID, string(blob), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint returns the stored checkpoint for a job, or
// types.ErrCheckpointNotFound if none has ever been saved.
func (s *Store) LoadCheckpoint(ctx context.Context, jobID string) (*types.ScrapeCheckpoint, error) {
	var blob string
	row := s.db.QueryRowContext(ctx, `SELECT blob FROM checkpoints WHERE job_id = ?`, jobID)
	if err := row.Scan(&blob); err != nil {
		if err == sql.ErrNoRows {
			return nil, types.ErrCheckpointNotFound
		}
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}

	var cp types.ScrapeCheckpoint
	if err := json.Unmarshal([]byte(blob), &cp); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return &cp, nil
}

// DeleteCheckpoint removes a job's checkpoint, if any. Deleting a checkpoint
// that doesn't exist is not an error.
func (s *Store) DeleteCheckpoint(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE job_id = ?`, jobID)
	if err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}

// GetConfig reads a system_config value by key. Returns ok=false if unset.
func (s *Store) GetConfig(ctx context.Context, key string) (value string, ok bool, err error) {
	row := s.db.QueryRowContext(ctx, `SELECT value FROM system_config WHERE key = ?`, key)
	if err := row.Scan(&value); err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, fmt.Errorf("get config %s: %w", key, err)
	}
	return value, true, nil
}

// SetConfig upserts a system_config value, e.g. the profile pool list,
// concurrency cap, cool-down, switch interval, rate ceilings, thresholds, or
// default deadline.
func (s *Store) SetConfig(ctx context.Context, key, value, description string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO system_config (key, value, description, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, description, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("set config %s: %w", key, err)
	}
	return nil
}
