package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aron1990-cmyk/twitter-daily-scraper-sub002/internal/types"
)

// recordPayload is the JSON shape stored in records.payload_blob; it excludes
// the columns already broken out (job_id, fingerprint, synced) for clarity.
type recordPayload struct {
	Author        string    `json:"author"`
	Content       string    `json:"content"`
	PublishedAt   time.Time `json:"published_at,omitzero"`
	Likes         uint32    `json:"likes"`
	Replies       uint32    `json:"replies"`
	Reposts       uint32    `json:"reposts"`
	CanonicalLink string    `json:"canonical_link,omitempty"`
	Hashtags      []string  `json:"hashtags,omitempty"`
	MediaURLs     []string  `json:"media,omitempty"`
	CategoryHint  string    `json:"category_hint,omitempty"`
}

// AppendRecords inserts the batch's non-duplicate rows atomically, reporting
// how many were newly inserted vs skipped as duplicates within the job.
// Duplicates are not an error.
func (s *Store) AppendRecords(ctx context.Context, jobID string, records []types.Record) (inserted, duplicateSkipped int, err error) {
	if len(records) == 0 {
		return 0, 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO records (job_id, fingerprint_hash, payload_blob, synced, created_at)
		 VALUES (?, ?, ?, 0, ?)`)
	if err != nil {
		return 0, 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, r := range records {
		payload := recordPayload{
			Author: r.Author, Content: r.Content, PublishedAt: r.PublishedAt,
			Likes: r.Likes, Replies: r.Replies, Reposts: r.Reposts,
			CanonicalLink: r.CanonicalLink, Hashtags: r.Hashtags, MediaURLs: r.MediaURLs,
			CategoryHint: r.CategoryHint,
		}
		blob, mErr := json.Marshal(payload)
		if mErr != nil {
			return 0, 0, fmt.Errorf("marshal record: %w", mErr)
		}

		res, eErr := stmt.ExecContext(ctx, jobID, r.Fingerprint, string(blob), now)
		if eErr != nil {
			return 0, 0, fmt.Errorf("insert record: %w", eErr)
		}
		n, _ := res.RowsAffected()
		if n == 1 {
			inserted++
		} else {
			duplicateSkipped++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("commit: %w", err)
	}
	return inserted, duplicateSkipped, nil
}

// ListUnsynced returns up to limit unsynced records in insertion order. If
// jobID is empty, records across all jobs are considered.
func (s *Store) ListUnsynced(ctx context.Context, jobID string, limit int) ([]types.Record, error) {
	query := `SELECT id, job_id, fingerprint_hash, payload_blob, synced, synced_at, created_at FROM records WHERE synced = 0`
	args := []any{}
	if jobID != "" {
		query += ` AND job_id = ?`
		args = append(args, jobID)
	}
	query += ` ORDER BY id ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list unsynced: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// MarkSynced transactionally marks the given record ids synced=true.
// Calling it twice with the same ids is idempotent.
func (s *Store) MarkSynced(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `UPDATE records SET synced = 1, synced_at = ? WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("prepare update: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, now, id); err != nil {
			return fmt.Errorf("mark synced %d: %w", id, err)
		}
	}
	return tx.Commit()
}

// RecordFilter narrows ListRecords results.
type RecordFilter struct {
	JobID  string // empty = any
	Synced *bool  // nil = any

	// SinceSyncedAt, if set, restricts results to records synced at or after
	// this time, letting an operator export only what was newly synced since
	// a prior export.
	SinceSyncedAt time.Time
}

// Paging controls offset/limit for ListRecords.
type Paging struct {
	Offset int
	Limit  int
}

// ListRecords returns records matching the filter with paging, in insertion order.
func (s *Store) ListRecords(ctx context.Context, filter RecordFilter, paging Paging) ([]types.Record, error) {
	query := `SELECT id, job_id, fingerprint_hash, payload_blob, synced, synced_at, created_at FROM records WHERE 1=1`
	args := []any{}
	if filter.JobID != "" {
		query += ` AND job_id = ?`
		args = append(args, filter.JobID)
	}
	if filter.Synced != nil {
		query += ` AND synced = ?`
		args = append(args, boolToInt(*filter.Synced))
	}
	if !filter.SinceSyncedAt.IsZero() {
		query += ` AND synced_at >= ?`
		args = append(args, filter.SinceSyncedAt)
	}
	query += ` ORDER BY id ASC`
	if paging.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, paging.Limit, paging.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// ResetSyncFlag administratively resets synced=false for every record in a job.
func (s *Store) ResetSyncFlag(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE records SET synced = 0, synced_at = NULL WHERE job_id = ?`, jobID)
	if err != nil {
		return fmt.Errorf("reset sync flag: %w", err)
	}
	return nil
}

// SetCategoryHint applies a user override to a record's category hint.
func (s *Store) SetCategoryHint(ctx context.Context, recordID int64, category string) error {
	var blob string
	row := s.db.QueryRowContext(ctx, `SELECT payload_blob FROM records WHERE id = ?`, recordID)
	if err := row.Scan(&blob); err != nil {
		if err == sql.ErrNoRows {
			return types.ErrRecordNotFound
		}
		return err
	}

	var payload recordPayload
	if err := json.Unmarshal([]byte(blob), &payload); err != nil {
		return fmt.Errorf("unmarshal record: %w", err)
	}
	payload.CategoryHint = category

	newBlob, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `UPDATE records SET payload_blob = ? WHERE id = ?`, string(newBlob), recordID)
	return err
}

func scanRecords(rows *sql.Rows) ([]types.Record, error) {
	var out []types.Record
	for rows.Next() {
		var (
			r        types.Record
			blob     string
			synced   int
			syncedAt sql.NullTime
		)
		if err := rows.Scan(&r.ID, &r.JobID, &r.Fingerprint, &blob, &synced, &syncedAt, &r.CreatedAt); err != nil {
			return nil, err
		}
		if syncedAt.Valid {
			r.SyncedAt = syncedAt.Time
		}
		var payload recordPayload
		if err := json.Unmarshal([]byte(blob), &payload); err != nil {
			return nil, fmt.Errorf("unmarshal record %d: %w", r.ID, err)
		}
		r.Author = payload.Author
		r.Content = payload.Content
		r.PublishedAt = payload.PublishedAt
		r.Likes = payload.Likes
		r.Replies = payload.Replies
		r.Reposts = payload.Reposts
		r.CanonicalLink = payload.CanonicalLink
		r.Hashtags = payload.Hashtags
		r.MediaURLs = payload.MediaURLs
		r.CategoryHint = payload.CategoryHint
		r.Synced = synced != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
