// Package scheduler implements the job scheduler: admission of
// submitted jobs up to a concurrency cap, profile assignment via the
// Profile Pool, dispatch to the Extraction Driver as a supervised goroutine,
// queueing while no profile is ready, cooperative cancellation, and restart
// recovery.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/aron1990-cmyk/twitter-daily-scraper-sub002/internal/driver"
	"github.com/aron1990-cmyk/twitter-daily-scraper-sub002/internal/store"
	"github.com/aron1990-cmyk/twitter-daily-scraper-sub002/internal/types"
)

// Store is the subset of internal/store.Store the scheduler needs. Declared
// against the concrete store.JobFilter type (rather than a locally
// re-declared equivalent) so *store.Store satisfies it directly.
type Store interface {
	CreateJob(ctx context.Context, spec types.JobSpec) (string, error)
	GetJob(ctx context.Context, jobID string) (*types.Job, error)
	ListJobs(ctx context.Context, filter store.JobFilter) ([]*types.Job, error)
	UpdateJobState(ctx context.Context, jobID string, state types.JobState, lastError string, errorKind types.ErrorKind) error
	RestartRecovery(ctx context.Context) (int, error)
}

// Pool is the subset of internal/pool.Pool the scheduler needs.
type Pool interface {
	Lease(jobID string) (string, error)
	Release(profileID, jobID string) error
	ReleaseOrphaned(jobID string)
	Quarantine(profileID string)
	RecordSuccess(profileID string)
	Size() int
}

// SessionFactory opens a live session for a leased profile id. Returns
// driver.BrowserSession directly so *driver.Driver satisfies Driver below
// without an adapter.
type SessionFactory interface {
	Open(profileID string) (driver.BrowserSession, error)
}

// Driver runs one job to completion against a leased session.
type Driver interface {
	Run(ctx context.Context, job *types.Job, session driver.BrowserSession) error
}

// Uploader replicates a completed job's records to the external service,
// used for jobs submitted with the auto-upload flag.
type Uploader interface {
	Upload(ctx context.Context, jobID string, dryRun bool) (int, error)
}

// Config controls the admission loop's pacing and per-job deadline.
type Config struct {
	MaxConcurrency int
	PollInterval   time.Duration
	JobDeadline    time.Duration
}

// entry is one backlog item: a job awaiting admission.
type entry struct {
	jobID    string
	priority int
	enqueued time.Time
}

// Scheduler admits backlog jobs to running Extraction Driver units under a
// concurrency cap and the Profile Pool's leasing rules.
type Scheduler struct {
	store    Store
	pool     Pool
	sessions SessionFactory
	driver   Driver
	uploader Uploader
	cfg      Config
	logger   *slog.Logger

	mu         sync.Mutex
	backlog    []entry
	running    map[string]context.CancelFunc
	jobProfile map[string]string

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup

	onState     func(types.JobState)
	onLeaseWait func(time.Duration)
}

// SetStateObserver registers a callback invoked after every state
// transition the scheduler itself drives (Queued/Running/Pending/Cancelled),
// used to feed internal/observability's transition counter. Optional.
func (s *Scheduler) SetStateObserver(onState func(types.JobState)) {
	s.onState = onState
}

// SetUploader attaches the uploader used to honor a job's auto-upload
// flag on completion. Optional; without one the flag is inert.
func (s *Scheduler) SetUploader(u Uploader) {
	s.uploader = u
}

// SetLeaseWaitObserver registers a callback invoked with how long an
// admitted job spent in the backlog before a profile lease was secured,
// used to feed internal/observability's lease-wait histogram. Optional.
func (s *Scheduler) SetLeaseWaitObserver(onLeaseWait func(time.Duration)) {
	s.onLeaseWait = onLeaseWait
}

func (s *Scheduler) observeState(state types.JobState) {
	if s.onState != nil {
		s.onState(state)
	}
}

// New constructs a Scheduler. Call Start once to begin the admission loop.
func New(store Store, pool Pool, sessions SessionFactory, driver Driver, cfg Config, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:      store,
		pool:       pool,
		sessions:   sessions,
		driver:     driver,
		cfg:        cfg,
		logger:     logger.With("component", "scheduler"),
		running:    make(map[string]context.CancelFunc),
		jobProfile: make(map[string]string),
		stopCh:     make(chan struct{}),
	}
}

// Start performs restart recovery (every Running/Queued job reverts to
// Pending), reloads Pending jobs into the backlog, and launches the
// supervisor goroutine that services admission.
func (s *Scheduler) Start(ctx context.Context) error {
	n, err := s.store.RestartRecovery(ctx)
	if err != nil {
		return fmt.Errorf("restart recovery: %w", err)
	}
	if n > 0 {
		s.logger.Info("restart recovery reverted running/queued jobs to pending", "count", n)
	}

	pending, err := s.store.ListJobs(ctx, store.JobFilter{State: types.JobPending})
	if err != nil {
		return fmt.Errorf("list pending jobs: %w", err)
	}
	s.mu.Lock()
	for _, job := range pending {
		s.backlog = append(s.backlog, entry{jobID: job.ID, priority: job.Spec.Priority, enqueued: job.CreatedAt})
	}
	sortBacklog(s.backlog)
	s.mu.Unlock()

	s.wg.Add(1)
	go s.superviseLoop(ctx)
	return nil
}

// Stop signals the supervisor loop to exit and waits for it. Running jobs
// are not forcibly cancelled; call Cancel per job first if that is wanted.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// Submit creates a job in the store and enqueues it for admission.
func (s *Scheduler) Submit(ctx context.Context, spec types.JobSpec) (string, error) {
	id, err := s.store.CreateJob(ctx, spec)
	if err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}

	s.mu.Lock()
	s.backlog = append(s.backlog, entry{jobID: id, priority: spec.Priority, enqueued: time.Now()})
	sortBacklog(s.backlog)
	s.mu.Unlock()

	return id, nil
}

// Cancel stops a running job cooperatively, or removes a not-yet-admitted
// job from the backlog directly.
func (s *Scheduler) Cancel(ctx context.Context, jobID string) error {
	s.mu.Lock()
	if cancel, ok := s.running[jobID]; ok {
		s.mu.Unlock()
		cancel()
		return nil
	}
	removed := false
	for i, e := range s.backlog {
		if e.jobID == jobID {
			s.backlog = append(s.backlog[:i], s.backlog[i+1:]...)
			removed = true
			break
		}
	}
	s.mu.Unlock()

	if !removed {
		// Already terminal, or unknown to this process; let the store be
		// the source of truth for whether the id even exists.
		job, err := s.store.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if job.IsTerminal() {
			return nil
		}
	}
	if err := s.store.UpdateJobState(ctx, jobID, types.JobCancelled, "cancelled before admission", ""); err != nil {
		return err
	}
	s.observeState(types.JobCancelled)
	return nil
}

// Restart resets a Failed or Cancelled job to Pending and clears its error.
// Failed jobs are never retried automatically; this is the operator's lever.
func (s *Scheduler) Restart(ctx context.Context, jobID string) error {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.State != types.JobFailed && job.State != types.JobCancelled {
		return fmt.Errorf("job %s is in state %s, only failed or cancelled jobs can be restarted", jobID, job.State)
	}
	if err := s.store.UpdateJobState(ctx, jobID, types.JobPending, "", ""); err != nil {
		return err
	}
	s.observeState(types.JobPending)
	s.mu.Lock()
	s.backlog = append(s.backlog, entry{jobID: jobID, priority: job.Spec.Priority, enqueued: time.Now()})
	sortBacklog(s.backlog)
	s.mu.Unlock()
	return nil
}

// Status returns a job's current durable state.
func (s *Scheduler) Status(ctx context.Context, jobID string) (*types.Job, error) {
	return s.store.GetJob(ctx, jobID)
}

// List returns jobs matching the filter.
func (s *Scheduler) List(ctx context.Context, filter store.JobFilter) ([]*types.Job, error) {
	return s.store.ListJobs(ctx, filter)
}

// superviseLoop is the single supervisor goroutine servicing the backlog.
func (s *Scheduler) superviseLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tryAdmitHead(ctx)
		}
	}
}

// tryAdmitHead attempts to admit the head-of-backlog job if capacity and a
// ready profile both exist. On a cool-down miss the job stays Queued and is
// retried on the next tick.
func (s *Scheduler) tryAdmitHead(ctx context.Context) {
	s.mu.Lock()
	if len(s.backlog) == 0 {
		s.mu.Unlock()
		return
	}
	admitCap := min(s.cfg.MaxConcurrency, s.pool.Size())
	if len(s.running) >= admitCap {
		s.mu.Unlock()
		return
	}
	head := s.backlog[0]
	s.mu.Unlock()

	profileID, err := s.pool.Lease(head.jobID)
	if err != nil {
		if err == types.ErrPoolCooldown || err == types.ErrPoolExhausted {
			if getErr := s.markQueuedOnce(ctx, head.jobID); getErr != nil {
				s.logger.Warn("mark queued failed", "job_id", head.jobID, "error", getErr)
			}
			return
		}
		s.logger.Error("lease failed", "job_id", head.jobID, "error", err)
		return
	}

	s.mu.Lock()
	s.backlog = s.backlog[1:]
	s.mu.Unlock()

	if s.onLeaseWait != nil {
		s.onLeaseWait(time.Since(head.enqueued))
	}
	s.admit(ctx, head.jobID, profileID)
}

// markQueuedOnce transitions Pending -> Queued the first time a job is
// seen to be blocked on profile cool-down. Any other state is left alone:
// an already-Queued job would only churn logs, and a concurrently-cancelled
// job must not be dragged back into the queue.
func (s *Scheduler) markQueuedOnce(ctx context.Context, jobID string) error {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.State != types.JobPending {
		return nil
	}
	if err := s.store.UpdateJobState(ctx, jobID, types.JobQueued, "", ""); err != nil {
		return err
	}
	s.observeState(types.JobQueued)
	return nil
}

// admit transitions a job to Running and launches its supervised unit.
func (s *Scheduler) admit(ctx context.Context, jobID, profileID string) {
	if err := s.store.UpdateJobState(ctx, jobID, types.JobRunning, "", ""); err != nil {
		s.logger.Error("mark running failed", "job_id", jobID, "error", err)
		_ = s.pool.Release(profileID, jobID)
		return
	}
	s.observeState(types.JobRunning)

	jobCtx, cancel := context.WithTimeout(ctx, s.cfg.JobDeadline)

	s.mu.Lock()
	s.running[jobID] = cancel
	s.jobProfile[jobID] = profileID
	s.mu.Unlock()

	s.wg.Add(1)
	go s.runJob(jobCtx, cancel, jobID, profileID)
}

// runJob drives one job through the Extraction Driver and reconciles the
// profile lease and in-memory bookkeeping on completion.
func (s *Scheduler) runJob(ctx context.Context, cancel context.CancelFunc, jobID, profileID string) {
	defer s.wg.Done()
	defer cancel()
	defer func() {
		s.mu.Lock()
		delete(s.running, jobID)
		delete(s.jobProfile, jobID)
		s.mu.Unlock()
		if err := s.pool.Release(profileID, jobID); err != nil {
			s.logger.Warn("release profile failed", "profile_id", profileID, "job_id", jobID, "error", err)
		}
	}()

	session, err := s.sessions.Open(profileID)
	if err != nil {
		s.pool.Quarantine(profileID)
		_ = s.store.UpdateJobState(context.Background(), jobID, types.JobFailed, err.Error(), types.KindSessionLost)
		return
	}

	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		s.logger.Error("reload job before driving failed", "job_id", jobID, "error", err)
		return
	}

	if err := s.driver.Run(ctx, job, session); err != nil {
		// Only a lost session says anything about the profile's health; a
		// storage or other non-session failure must not count toward its
		// quarantine threshold.
		var driverErr *types.DriverError
		if errors.As(err, &driverErr) && driverErr.Kind == types.KindSessionLost {
			s.pool.Quarantine(profileID)
		}
		s.logger.Error("driver run failed", "job_id", jobID, "profile_id", profileID, "error", err)
		return
	}
	s.pool.RecordSuccess(profileID)

	if job.Spec.AutoUpload && s.uploader != nil {
		final, err := s.store.GetJob(context.Background(), jobID)
		if err != nil || final.State != types.JobCompleted {
			return
		}
		// Upload errors never alter job state; records stay unsynced for a
		// later manual trigger-upload pass.
		if n, err := s.uploader.Upload(context.Background(), jobID, false); err != nil {
			s.logger.Warn("auto-upload failed", "job_id", jobID, "uploaded", n, "error", err)
		} else {
			s.logger.Info("auto-upload finished", "job_id", jobID, "uploaded", n)
		}
	}
}

func sortBacklog(b []entry) {
	sort.SliceStable(b, func(i, j int) bool {
		if b[i].priority != b[j].priority {
			return b[i].priority > b[j].priority
		}
		return b[i].enqueued.Before(b[j].enqueued)
	})
}
