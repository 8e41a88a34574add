package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/aron1990-cmyk/twitter-daily-scraper-sub002/internal/driver"
	"github.com/aron1990-cmyk/twitter-daily-scraper-sub002/internal/store"
	"github.com/aron1990-cmyk/twitter-daily-scraper-sub002/internal/types"
)

// memStore is an in-memory job store for scheduler tests.
type memStore struct {
	mu        sync.Mutex
	jobs      map[string]*types.Job
	nextID    int
	recovered int
}

func newMemStore() *memStore {
	return &memStore{jobs: make(map[string]*types.Job)}
}

func (m *memStore) CreateJob(ctx context.Context, spec types.JobSpec) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := string(rune('a' + m.nextID - 1))
	m.jobs[id] = &types.Job{ID: id, Spec: spec, State: types.JobPending, CreatedAt: time.Now()}
	return id, nil
}

func (m *memStore) GetJob(ctx context.Context, jobID string) (*types.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, types.ErrJobNotFound
	}
	copied := *job
	return &copied, nil
}

func (m *memStore) ListJobs(ctx context.Context, filter store.JobFilter) ([]*types.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.Job
	for _, job := range m.jobs {
		if filter.State != "" && job.State != filter.State {
			continue
		}
		copied := *job
		out = append(out, &copied)
	}
	return out, nil
}

func (m *memStore) UpdateJobState(ctx context.Context, jobID string, state types.JobState, lastError string, errorKind types.ErrorKind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return types.ErrJobNotFound
	}
	job.State = state
	job.LastError = lastError
	job.ErrorKind = string(errorKind)
	return nil
}

func (m *memStore) RestartRecovery(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, job := range m.jobs {
		if job.State == types.JobRunning || job.State == types.JobQueued {
			job.State = types.JobPending
			n++
		}
	}
	m.recovered = n
	return n, nil
}

func (m *memStore) state(jobID string) types.JobState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jobs[jobID].State
}

// memPool hands out a single profile, optionally refusing with a cool-down
// error for the first n Lease calls.
type memPool struct {
	mu           sync.Mutex
	held         bool
	heldBy       string
	cooldownHits int
	leases       int
}

func (p *memPool) Lease(jobID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cooldownHits > 0 {
		p.cooldownHits--
		return "", types.ErrPoolCooldown
	}
	if p.held {
		return "", types.ErrPoolExhausted
	}
	p.held = true
	p.heldBy = jobID
	p.leases++
	return "profile-1", nil
}

func (p *memPool) Release(profileID, jobID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.held || p.heldBy != jobID {
		return types.ErrNotReleased
	}
	p.held = false
	p.heldBy = ""
	return nil
}

func (p *memPool) ReleaseOrphaned(jobID string) {}
func (p *memPool) Quarantine(profileID string)  {}
func (p *memPool) RecordSuccess(profileID string) {}
func (p *memPool) Size() int                    { return 1 }

type nopSession struct{}

func (nopSession) Navigate(ctx context.Context, url string) error { return nil }
func (nopSession) ScrollBy(ctx context.Context, deltaY int) error { return nil }
func (nopSession) ScrollOffset(ctx context.Context) (int, error)  { return 0, nil }
func (nopSession) HTML() (string, error)                          { return "<html></html>", nil }

type nopFactory struct{}

func (nopFactory) Open(profileID string) (driver.BrowserSession, error) { return nopSession{}, nil }

// recordingDriver marks each job Completed and remembers which jobs it ran.
type recordingDriver struct {
	store *memStore
	mu    sync.Mutex
	ran   []string
	done  chan string
}

func (d *recordingDriver) Run(ctx context.Context, job *types.Job, session driver.BrowserSession) error {
	d.mu.Lock()
	d.ran = append(d.ran, job.ID)
	d.mu.Unlock()
	err := d.store.UpdateJobState(ctx, job.ID, types.JobCompleted, "", "")
	d.done <- job.ID
	return err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastSchedulerConfig() Config {
	return Config{MaxConcurrency: 2, PollInterval: 5 * time.Millisecond, JobDeadline: time.Minute}
}

func TestSubmitAdmitsAndRunsJob(t *testing.T) {
	ms := newMemStore()
	pool := &memPool{}
	drv := &recordingDriver{store: ms, done: make(chan string, 4)}
	s := New(ms, pool, nopFactory{}, drv, fastSchedulerConfig(), testLogger())

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	id, err := s.Submit(context.Background(), types.JobSpec{Name: "t", Accounts: []string{"alice"}, MaxRecords: 1})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	select {
	case <-drv.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("job was never admitted")
	}

	// Give the runJob deferred cleanup a moment to release the lease.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		pool.mu.Lock()
		held := pool.held
		pool.mu.Unlock()
		if !held {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if got := ms.state(id); got != types.JobCompleted {
		t.Fatalf("expected completed, got %s", got)
	}
	pool.mu.Lock()
	defer pool.mu.Unlock()
	if pool.held {
		t.Fatalf("expected profile released after job completion")
	}
}

// countingUploader records which jobs were auto-uploaded.
type countingUploader struct {
	mu   sync.Mutex
	jobs []string
	done chan string
}

func (u *countingUploader) Upload(ctx context.Context, jobID string, dryRun bool) (int, error) {
	u.mu.Lock()
	u.jobs = append(u.jobs, jobID)
	u.mu.Unlock()
	u.done <- jobID
	return 1, nil
}

func TestAutoUploadTriggersAfterCompletion(t *testing.T) {
	ms := newMemStore()
	pool := &memPool{}
	drv := &recordingDriver{store: ms, done: make(chan string, 4)}
	up := &countingUploader{done: make(chan string, 4)}
	s := New(ms, pool, nopFactory{}, drv, fastSchedulerConfig(), testLogger())
	s.SetUploader(up)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	id, err := s.Submit(context.Background(), types.JobSpec{Name: "t", Accounts: []string{"alice"}, MaxRecords: 1, AutoUpload: true})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	select {
	case uploadedJob := <-up.done:
		if uploadedJob != id {
			t.Fatalf("auto-upload ran for %s, want %s", uploadedJob, id)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("auto-upload never triggered")
	}
}

func TestCooldownKeepsJobQueuedThenAdmits(t *testing.T) {
	ms := newMemStore()
	pool := &memPool{cooldownHits: 3}
	drv := &recordingDriver{store: ms, done: make(chan string, 4)}
	s := New(ms, pool, nopFactory{}, drv, fastSchedulerConfig(), testLogger())

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	id, err := s.Submit(context.Background(), types.JobSpec{Name: "t", Accounts: []string{"alice"}, MaxRecords: 1})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	select {
	case <-drv.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("job was never admitted after cool-down cleared")
	}
	if got := ms.state(id); got != types.JobCompleted {
		t.Fatalf("expected completed after cool-down, got %s", got)
	}
}

func TestCancelBeforeAdmission(t *testing.T) {
	ms := newMemStore()
	// Pool that never yields keeps the job in the backlog.
	pool := &memPool{cooldownHits: 1 << 30}
	drv := &recordingDriver{store: ms, done: make(chan string, 4)}
	s := New(ms, pool, nopFactory{}, drv, fastSchedulerConfig(), testLogger())

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	id, err := s.Submit(context.Background(), types.JobSpec{Name: "t", Accounts: []string{"alice"}, MaxRecords: 1})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := s.Cancel(context.Background(), id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got := ms.state(id); got != types.JobCancelled {
		t.Fatalf("expected cancelled, got %s", got)
	}
	drv.mu.Lock()
	defer drv.mu.Unlock()
	if len(drv.ran) != 0 {
		t.Fatalf("cancelled job must never reach the driver, ran %v", drv.ran)
	}
}

func TestStartRevertsInterruptedJobsToPending(t *testing.T) {
	ms := newMemStore()
	id, _ := ms.CreateJob(context.Background(), types.JobSpec{Name: "t", Accounts: []string{"alice"}, MaxRecords: 1})
	ms.jobs[id].State = types.JobRunning

	pool := &memPool{cooldownHits: 1 << 30}
	drv := &recordingDriver{store: ms, done: make(chan string, 4)}
	s := New(ms, pool, nopFactory{}, drv, fastSchedulerConfig(), testLogger())

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	if ms.recovered != 1 {
		t.Fatalf("expected restart recovery to revert 1 job, got %d", ms.recovered)
	}
	if got := ms.state(id); got != types.JobPending {
		t.Fatalf("expected pending after recovery, got %s", got)
	}
}

func TestRestartRejectsNonTerminalJob(t *testing.T) {
	ms := newMemStore()
	id, _ := ms.CreateJob(context.Background(), types.JobSpec{Name: "t", Accounts: []string{"alice"}})

	pool := &memPool{cooldownHits: 1 << 30}
	drv := &recordingDriver{store: ms, done: make(chan string, 4)}
	s := New(ms, pool, nopFactory{}, drv, fastSchedulerConfig(), testLogger())

	if err := s.Restart(context.Background(), id); err == nil {
		t.Fatalf("expected restart of a pending job to be rejected")
	}

	ms.jobs[id].State = types.JobFailed
	ms.jobs[id].LastError = "boom"
	if err := s.Restart(context.Background(), id); err != nil {
		t.Fatalf("restart of failed job: %v", err)
	}
	if got := ms.state(id); got != types.JobPending {
		t.Fatalf("expected pending after restart, got %s", got)
	}
}
