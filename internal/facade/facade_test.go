package facade

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/aron1990-cmyk/twitter-daily-scraper-sub002/internal/store"
	"github.com/aron1990-cmyk/twitter-daily-scraper-sub002/internal/types"
)

// fakeScheduler records whether any mutating operation reached it.
type fakeScheduler struct {
	submitted []types.JobSpec
}

func (f *fakeScheduler) Submit(ctx context.Context, spec types.JobSpec) (string, error) {
	f.submitted = append(f.submitted, spec)
	return "job-1", nil
}
func (f *fakeScheduler) Cancel(ctx context.Context, jobID string) error  { return nil }
func (f *fakeScheduler) Restart(ctx context.Context, jobID string) error { return nil }
func (f *fakeScheduler) Status(ctx context.Context, jobID string) (*types.Job, error) {
	return &types.Job{ID: jobID, State: types.JobCompleted}, nil
}
func (f *fakeScheduler) List(ctx context.Context, filter store.JobFilter) ([]*types.Job, error) {
	return nil, nil
}

type fakeRecordStore struct{}

func (fakeRecordStore) ListRecords(ctx context.Context, filter store.RecordFilter, paging store.Paging) ([]types.Record, error) {
	return nil, nil
}
func (fakeRecordStore) SetCategoryHint(ctx context.Context, recordID int64, category string) error {
	return nil
}
func (fakeRecordStore) ResetSyncFlag(ctx context.Context, jobID string) error { return nil }

type fakeUploader struct{}

func (fakeUploader) Upload(ctx context.Context, jobID string, dryRun bool) (int, error) {
	return 0, nil
}

func newTestFacade(sched *fakeScheduler) *Facade {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(sched, fakeRecordStore{}, fakeUploader{}, logger)
}

func TestSubmitJobRejectsEmptyName(t *testing.T) {
	sched := &fakeScheduler{}
	f := newTestFacade(sched)

	_, err := f.SubmitJob(context.Background(), SubmitJobRequest{
		Name: "   ", Accounts: []string{"alice"},
	})
	if !errors.Is(err, types.ErrConstraintViolation) {
		t.Fatalf("expected constraint violation, got %v", err)
	}
	if len(sched.submitted) != 0 {
		t.Fatalf("rejected submission must not reach the scheduler")
	}
}

func TestSubmitJobRejectsNoTargets(t *testing.T) {
	sched := &fakeScheduler{}
	f := newTestFacade(sched)

	_, err := f.SubmitJob(context.Background(), SubmitJobRequest{Name: "j"})
	if !errors.Is(err, types.ErrConstraintViolation) {
		t.Fatalf("expected constraint violation for empty accounts+keywords, got %v", err)
	}
}

func TestSubmitJobRejectsNegativeMaxRecords(t *testing.T) {
	sched := &fakeScheduler{}
	f := newTestFacade(sched)

	_, err := f.SubmitJob(context.Background(), SubmitJobRequest{
		Name: "j", Accounts: []string{"alice"}, MaxRecords: -1,
	})
	if !errors.Is(err, types.ErrConstraintViolation) {
		t.Fatalf("expected constraint violation for negative maxRecords, got %v", err)
	}
}

func TestSubmitJobTrimsNameAndDelegates(t *testing.T) {
	sched := &fakeScheduler{}
	f := newTestFacade(sched)

	id, err := f.SubmitJob(context.Background(), SubmitJobRequest{
		Name: "  daily sweep  ", Accounts: []string{"alice"}, MaxRecords: 10,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if id != "job-1" {
		t.Fatalf("expected delegated job id, got %q", id)
	}
	if len(sched.submitted) != 1 || sched.submitted[0].Name != "daily sweep" {
		t.Fatalf("expected trimmed name to reach the scheduler, got %+v", sched.submitted)
	}
}

func TestCancelJobRejectsEmptyID(t *testing.T) {
	f := newTestFacade(&fakeScheduler{})
	if err := f.CancelJob(context.Background(), ""); !errors.Is(err, types.ErrConstraintViolation) {
		t.Fatalf("expected constraint violation for empty job id, got %v", err)
	}
}

func TestSetRecordCategoryRejectsNonPositiveID(t *testing.T) {
	f := newTestFacade(&fakeScheduler{})
	if err := f.SetRecordCategory(context.Background(), 0, "news"); !errors.Is(err, types.ErrConstraintViolation) {
		t.Fatalf("expected constraint violation for record id 0, got %v", err)
	}
}
