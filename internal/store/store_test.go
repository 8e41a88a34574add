package store

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aron1990-cmyk/twitter-daily-scraper-sub002/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := Open(":memory:", logger)
	require.NoError(t, err, "open store")
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleSpec() types.JobSpec {
	return types.JobSpec{
		Name:     "daily-watch",
		Accounts: []string{"alice"},
		Keywords: []string{"golang"},
	}
}

func TestCreateAndGetJobRoundTrips(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	id, err := s.CreateJob(ctx, sampleSpec())
	require.NoError(t, err)

	job, err := s.GetJob(ctx, id)
	require.NoError(t, err)
	require.Equal(t, types.JobPending, job.State)
	require.Equal(t, "daily-watch", job.Spec.Name)
	require.Equal(t, []string{"alice"}, job.Spec.Accounts)
}

func TestGetJobUnknownIDReturnsNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetJob(context.Background(), "no-such-job")
	require.ErrorIs(t, err, types.ErrJobNotFound)
}

func TestUpdateJobStateSetsTimestamps(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	id, _ := s.CreateJob(ctx, sampleSpec())

	require.NoError(t, s.UpdateJobState(ctx, id, types.JobRunning, "", ""))
	job, _ := s.GetJob(ctx, id)
	require.False(t, job.StartedAt.IsZero(), "started_at must be set on running")
	require.True(t, job.EndedAt.IsZero(), "ended_at must remain unset while running")

	require.NoError(t, s.UpdateJobState(ctx, id, types.JobFailed, "boom", types.KindSessionLost))
	job, _ = s.GetJob(ctx, id)
	require.False(t, job.EndedAt.IsZero(), "ended_at must be set on failure")
	require.Equal(t, "boom", job.LastError)
	require.Equal(t, string(types.KindSessionLost), job.ErrorKind)
}

func TestRestartRecoveryResetsInFlightJobs(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	running, _ := s.CreateJob(ctx, sampleSpec())
	queued, _ := s.CreateJob(ctx, sampleSpec())
	done, _ := s.CreateJob(ctx, sampleSpec())

	require.NoError(t, s.UpdateJobState(ctx, running, types.JobRunning, "", ""))
	require.NoError(t, s.UpdateJobState(ctx, queued, types.JobQueued, "", ""))
	require.NoError(t, s.UpdateJobState(ctx, done, types.JobCompleted, "", ""))

	n, err := s.RestartRecovery(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	job, _ := s.GetJob(ctx, done)
	require.Equal(t, types.JobCompleted, job.State, "completed job must not be touched by recovery")
	for _, id := range []string{running, queued} {
		job, _ := s.GetJob(ctx, id)
		require.Equal(t, types.JobPending, job.State)
	}
}

func candidateRecord(jobID, fingerprint string) types.Record {
	return types.Record{JobID: jobID, Fingerprint: fingerprint, Author: "alice", Content: "hello world"}
}

func TestAppendRecordsIsIdempotentUnderDuplicateFingerprints(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	jobID, _ := s.CreateJob(ctx, sampleSpec())

	batch := []types.Record{
		candidateRecord(jobID, "fp-1"),
		candidateRecord(jobID, "fp-2"),
	}

	inserted, dup, err := s.AppendRecords(ctx, jobID, batch)
	require.NoError(t, err)
	require.Equal(t, 2, inserted)
	require.Equal(t, 0, dup)

	// Re-appending the same batch (as a crash-resumed driver would) must
	// not create duplicates.
	inserted, dup, err = s.AppendRecords(ctx, jobID, batch)
	require.NoError(t, err)
	require.Equal(t, 0, inserted)
	require.Equal(t, 2, dup)

	records, err := s.ListRecords(ctx, RecordFilter{JobID: jobID}, Paging{})
	require.NoError(t, err)
	require.Len(t, records, 2)
}

func TestMarkSyncedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	jobID, _ := s.CreateJob(ctx, sampleSpec())
	_, _, err := s.AppendRecords(ctx, jobID, []types.Record{candidateRecord(jobID, "fp-1")})
	require.NoError(t, err)

	unsynced, err := s.ListUnsynced(ctx, jobID, 0)
	require.NoError(t, err)
	require.Len(t, unsynced, 1)
	id := unsynced[0].ID

	require.NoError(t, s.MarkSynced(ctx, []int64{id}))
	// Calling it again with the same id must not error.
	require.NoError(t, s.MarkSynced(ctx, []int64{id}))

	unsynced, err = s.ListUnsynced(ctx, jobID, 0)
	require.NoError(t, err)
	require.Empty(t, unsynced)
}

func TestListUnsyncedPreservesInsertionOrder(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	jobID, _ := s.CreateJob(ctx, sampleSpec())

	for _, fp := range []string{"fp-1", "fp-2", "fp-3"} {
		_, _, err := s.AppendRecords(ctx, jobID, []types.Record{candidateRecord(jobID, fp)})
		require.NoError(t, err)
	}

	unsynced, err := s.ListUnsynced(ctx, jobID, 0)
	require.NoError(t, err)
	require.Len(t, unsynced, 3)
	for i, fp := range []string{"fp-1", "fp-2", "fp-3"} {
		require.Equal(t, fp, unsynced[i].Fingerprint, "row %d out of insertion order", i)
	}
}

func TestResetSyncFlagRestoresUnsyncedVisibility(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	jobID, _ := s.CreateJob(ctx, sampleSpec())
	_, _, err := s.AppendRecords(ctx, jobID, []types.Record{candidateRecord(jobID, "fp-1")})
	require.NoError(t, err)

	unsynced, _ := s.ListUnsynced(ctx, jobID, 0)
	require.NoError(t, s.MarkSynced(ctx, []int64{unsynced[0].ID}))

	require.NoError(t, s.ResetSyncFlag(ctx, jobID))

	unsynced, _ = s.ListUnsynced(ctx, jobID, 0)
	require.Len(t, unsynced, 1, "record must be visible again after reset")
}

func TestSetCategoryHintOverridesClassifier(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	jobID, _ := s.CreateJob(ctx, sampleSpec())

	rec := candidateRecord(jobID, "fp-1")
	rec.CategoryHint = "news"
	_, _, err := s.AppendRecords(ctx, jobID, []types.Record{rec})
	require.NoError(t, err)

	stored, _ := s.ListRecords(ctx, RecordFilter{JobID: jobID}, Paging{})
	require.NoError(t, s.SetCategoryHint(ctx, stored[0].ID, "complaint"))

	stored, _ = s.ListRecords(ctx, RecordFilter{JobID: jobID}, Paging{})
	require.Equal(t, "complaint", stored[0].CategoryHint)

	require.ErrorIs(t, s.SetCategoryHint(ctx, 9999, "x"), types.ErrRecordNotFound)
}

func TestCheckpointSaveLoadDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	jobID, _ := s.CreateJob(ctx, sampleSpec())

	_, err := s.LoadCheckpoint(ctx, jobID)
	require.ErrorIs(t, err, types.ErrCheckpointNotFound)

	cp := types.NewScrapeCheckpoint(jobID)
	cp.PerTarget["alice"] = types.TargetState{LastScrollOffset: 120, Delivered: 4}
	require.NoError(t, s.SaveCheckpoint(ctx, jobID, cp))

	loaded, err := s.LoadCheckpoint(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, 4, loaded.PerTarget["alice"].Delivered)

	// Saving again (the atomic-replace contract) must overwrite, not merge.
	cp2 := types.NewScrapeCheckpoint(jobID)
	cp2.PerTarget["alice"] = types.TargetState{LastScrollOffset: 200, Delivered: 9}
	require.NoError(t, s.SaveCheckpoint(ctx, jobID, cp2))
	loaded, _ = s.LoadCheckpoint(ctx, jobID)
	require.Equal(t, 9, loaded.PerTarget["alice"].Delivered)

	require.NoError(t, s.DeleteCheckpoint(ctx, jobID))
	_, err = s.LoadCheckpoint(ctx, jobID)
	require.ErrorIs(t, err, types.ErrCheckpointNotFound)
	// Deleting twice must not error.
	require.NoError(t, s.DeleteCheckpoint(ctx, jobID))
}

func TestSystemConfigGetSetRoundTrips(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, ok, err := s.GetConfig(ctx, "max_concurrency")
	require.NoError(t, err)
	require.False(t, ok, "unset config must report ok=false")

	require.NoError(t, s.SetConfig(ctx, "max_concurrency", "4", "cap on concurrent jobs"))
	value, ok, err := s.GetConfig(ctx, "max_concurrency")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "4", value)

	require.NoError(t, s.SetConfig(ctx, "max_concurrency", "8", "cap on concurrent jobs"))
	value, _, _ = s.GetConfig(ctx, "max_concurrency")
	require.Equal(t, "8", value)
}
