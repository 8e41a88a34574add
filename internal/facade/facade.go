// Package facade is the administrative control surface: a thin,
// transport-agnostic layer translating administrative requests into calls
// on the Job Scheduler and the Record Store. It validates inputs and rejects
// malformed submissions with a ConstraintViolation before any state is
// touched.
package facade

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aron1990-cmyk/twitter-daily-scraper-sub002/internal/export"
	"github.com/aron1990-cmyk/twitter-daily-scraper-sub002/internal/store"
	"github.com/aron1990-cmyk/twitter-daily-scraper-sub002/internal/types"
)

// Scheduler is the subset of internal/scheduler.Scheduler the facade needs.
type Scheduler interface {
	Submit(ctx context.Context, spec types.JobSpec) (string, error)
	Cancel(ctx context.Context, jobID string) error
	Restart(ctx context.Context, jobID string) error
	Status(ctx context.Context, jobID string) (*types.Job, error)
	List(ctx context.Context, filter store.JobFilter) ([]*types.Job, error)
}

// Store is the subset of internal/store.Store the facade needs for record
// inspection and override operations.
type Store interface {
	ListRecords(ctx context.Context, filter store.RecordFilter, paging store.Paging) ([]types.Record, error)
	SetCategoryHint(ctx context.Context, recordID int64, category string) error
	ResetSyncFlag(ctx context.Context, jobID string) error
}

// Uploader is the subset of internal/uploader.Uploader the facade needs.
type Uploader interface {
	Upload(ctx context.Context, jobID string, dryRun bool) (uploaded int, err error)
}

// Facade bundles the administrative operations behind one entry point.
type Facade struct {
	scheduler Scheduler
	store     Store
	uploader  Uploader
	logger    *slog.Logger
}

// New constructs a Facade.
func New(scheduler Scheduler, store Store, uploader Uploader, logger *slog.Logger) *Facade {
	return &Facade{scheduler: scheduler, store: store, uploader: uploader, logger: logger.With("component", "facade")}
}

// SubmitJobRequest is the input to SubmitJob.
type SubmitJobRequest struct {
	Name       string
	Accounts   []string
	Keywords   []string
	Thresholds types.Thresholds
	MaxRecords int
	AutoUpload bool
	Priority   int
	Combining  types.CombiningRule
}

// SubmitJob validates and enqueues a new job. Invalid input is rejected with
// a ConstraintViolationError before the scheduler or store are touched.
func (f *Facade) SubmitJob(ctx context.Context, req SubmitJobRequest) (string, error) {
	if err := validateSubmit(req); err != nil {
		return "", err
	}

	spec := types.JobSpec{
		Name:       strings.TrimSpace(req.Name),
		Accounts:   req.Accounts,
		Keywords:   req.Keywords,
		Thresholds: req.Thresholds,
		MaxRecords: req.MaxRecords,
		AutoUpload: req.AutoUpload,
		Priority:   req.Priority,
		Combining:  req.Combining,
	}
	id, err := f.scheduler.Submit(ctx, spec)
	if err != nil {
		return "", fmt.Errorf("submit job: %w", err)
	}
	f.logger.Info("job submitted", "job_id", id, "name", spec.Name)
	return id, nil
}

func validateSubmit(req SubmitJobRequest) error {
	if strings.TrimSpace(req.Name) == "" {
		return &types.ConstraintViolationError{Reason: "job name must not be empty"}
	}
	if len(req.Accounts) == 0 && len(req.Keywords) == 0 {
		return &types.ConstraintViolationError{Reason: "at least one of accounts or keywords must be set"}
	}
	if req.MaxRecords < 0 {
		return &types.ConstraintViolationError{Reason: "maxRecords must be >= 0"}
	}
	return nil
}

// CancelJob cooperatively cancels a running or queued job.
func (f *Facade) CancelJob(ctx context.Context, jobID string) error {
	if strings.TrimSpace(jobID) == "" {
		return &types.ConstraintViolationError{Reason: "jobId must not be empty"}
	}
	return f.scheduler.Cancel(ctx, jobID)
}

// RestartJob resets a failed or cancelled job back to Pending.
func (f *Facade) RestartJob(ctx context.Context, jobID string) error {
	if strings.TrimSpace(jobID) == "" {
		return &types.ConstraintViolationError{Reason: "jobId must not be empty"}
	}
	return f.scheduler.Restart(ctx, jobID)
}

// GetJob returns a job's full detail, including shortfalls, which remain
// visible even on a Completed job.
func (f *Facade) GetJob(ctx context.Context, jobID string) (*types.Job, error) {
	return f.scheduler.Status(ctx, jobID)
}

// ListJobs returns jobs optionally filtered by state.
func (f *Facade) ListJobs(ctx context.Context, state types.JobState) ([]*types.Job, error) {
	return f.scheduler.List(ctx, store.JobFilter{State: state})
}

// ListRecordsRequest narrows ListRecords.
type ListRecordsRequest struct {
	JobID  string
	Synced *bool
	Offset int
	Limit  int
}

// ListRecords returns records for optional job/sync filters with paging.
func (f *Facade) ListRecords(ctx context.Context, req ListRecordsRequest) ([]types.Record, error) {
	return f.store.ListRecords(ctx,
		store.RecordFilter{JobID: req.JobID, Synced: req.Synced},
		store.Paging{Offset: req.Offset, Limit: req.Limit},
	)
}

// SetRecordCategory applies a user override to a record's category hint,
// taking precedence over the heuristic classifier's guess.
func (f *Facade) SetRecordCategory(ctx context.Context, recordID int64, category string) error {
	if recordID <= 0 {
		return &types.ConstraintViolationError{Reason: "recordId must be positive"}
	}
	return f.store.SetCategoryHint(ctx, recordID, category)
}

// TriggerUpload runs an upload pass for one job (or every job's unsynced
// records, if jobID is empty).
func (f *Facade) TriggerUpload(ctx context.Context, jobID string, dryRun bool) (int, error) {
	return f.uploader.Upload(ctx, jobID, dryRun)
}

// ResetSync clears the synced flag for every record in a job, forcing a
// future upload pass to resend them.
func (f *Facade) ResetSync(ctx context.Context, jobID string) error {
	if strings.TrimSpace(jobID) == "" {
		return &types.ConstraintViolationError{Reason: "jobId must not be empty"}
	}
	return f.store.ResetSyncFlag(ctx, jobID)
}

// ExportRequest selects the records and format for ExportRecords.
type ExportRequest struct {
	JobID         string
	SinceSyncedAt time.Time
	Format        export.Format
}

// ExportRecords renders a blob of records in the requested format. The
// optional sinceSyncedAt filter lets an operator export only what was newly
// synced since a prior export.
func (f *Facade) ExportRecords(ctx context.Context, req ExportRequest) ([]byte, error) {
	filter := store.RecordFilter{JobID: req.JobID, SinceSyncedAt: req.SinceSyncedAt}
	records, err := f.store.ListRecords(ctx, filter, store.Paging{})
	if err != nil {
		return nil, fmt.Errorf("list records for export: %w", err)
	}
	return export.Export(records, req.Format)
}
