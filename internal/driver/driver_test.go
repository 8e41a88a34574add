package driver

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/aron1990-cmyk/twitter-daily-scraper-sub002/internal/fingerprint"
	"github.com/aron1990-cmyk/twitter-daily-scraper-sub002/internal/types"
)

// fakeStore is an in-memory stand-in for internal/store.Store, scoped to
// the methods the driver calls.
type fakeStore struct {
	mu          sync.Mutex
	records     map[string][]types.Record
	delivered   map[string]int
	checkpoints map[string]*types.ScrapeCheckpoint
	states      map[string]types.JobState
	shortfalls  map[string][]types.Shortfall
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		records:     make(map[string][]types.Record),
		delivered:   make(map[string]int),
		checkpoints: make(map[string]*types.ScrapeCheckpoint),
		states:      make(map[string]types.JobState),
		shortfalls:  make(map[string][]types.Shortfall),
	}
}

func (f *fakeStore) AppendRecords(ctx context.Context, jobID string, records []types.Record) (int, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := make(map[string]bool)
	for _, r := range f.records[jobID] {
		seen[r.Fingerprint] = true
	}
	inserted := 0
	for _, r := range records {
		if seen[r.Fingerprint] {
			continue
		}
		seen[r.Fingerprint] = true
		f.records[jobID] = append(f.records[jobID], r)
		inserted++
	}
	return inserted, len(records) - inserted, nil
}

func (f *fakeStore) IncrementDelivered(ctx context.Context, jobID string, n int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered[jobID] += n
	return nil
}

func (f *fakeStore) SetShortfalls(ctx context.Context, jobID string, shortfalls []types.Shortfall) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shortfalls[jobID] = shortfalls
	return nil
}

func (f *fakeStore) SaveCheckpoint(ctx context.Context, jobID string, cp *types.ScrapeCheckpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkpoints[jobID] = cp
	return nil
}

func (f *fakeStore) LoadCheckpoint(ctx context.Context, jobID string) (*types.ScrapeCheckpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp, ok := f.checkpoints[jobID]
	if !ok {
		return nil, types.ErrCheckpointNotFound
	}
	return cp, nil
}

func (f *fakeStore) DeleteCheckpoint(ctx context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.checkpoints, jobID)
	return nil
}

func (f *fakeStore) UpdateJobState(ctx context.Context, jobID string, state types.JobState, lastError string, errorKind types.ErrorKind) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[jobID] = state
	return nil
}

// fakeSession returns a fixed page of HTML once, then an empty feed forever,
// simulating a target that has exactly one page of content. Its scroll
// offset stays pinned unless moving is set, so stagnancy accrues the way it
// would on a feed that stopped growing.
type fakeSession struct {
	mu        sync.Mutex
	pages     []string
	navigated []string
	offset    int
	moving    bool
	htmlCalls int
}

func (s *fakeSession) Navigate(ctx context.Context, url string) error {
	s.navigated = append(s.navigated, url)
	return nil
}

func (s *fakeSession) ScrollBy(ctx context.Context, deltaY int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.moving {
		s.offset += deltaY
	}
	return nil
}

func (s *fakeSession) ScrollOffset(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offset, nil
}

func (s *fakeSession) HTML() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.htmlCalls++
	if len(s.pages) == 0 {
		return "<html></html>", nil
	}
	next := s.pages[0]
	s.pages = s.pages[1:]
	return next, nil
}

// fakeExtractor returns a fixed set of candidates for non-empty HTML, and
// nothing for the sentinel empty page — simulating end-of-feed.
type fakeExtractor struct {
	candidates []types.Candidate
}

func (e *fakeExtractor) Extract(html string) ([]types.Candidate, error) {
	if html == "<html></html>" {
		return nil, nil
	}
	return e.candidates, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.SettleNormal = 0
	cfg.SettleStagnant = 0
	cfg.MaxStagnantRounds = 2
	cfg.StagnantAfterRounds = 1
	return cfg
}

func TestRunDeliversRecordsAndCompletesJob(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	candidates := []types.Candidate{
		{Author: "alice", Content: "hello world", CanonicalLink: "https://x.com/alice/status/1", Likes: 10},
	}
	session := &fakeSession{pages: []string{"<html>page1</html>"}}
	ext := &fakeExtractor{candidates: candidates}
	d := New(store, ext, fastConfig(), testLogger())

	job := &types.Job{ID: "job-1", Spec: types.JobSpec{Name: "t", Accounts: []string{"alice"}, MaxRecords: 1}}

	if err := d.Run(ctx, job, session); err != nil {
		t.Fatalf("run: %v", err)
	}

	if store.states["job-1"] != types.JobCompleted {
		t.Fatalf("expected job completed, got %s", store.states["job-1"])
	}
	if len(store.records["job-1"]) != 1 {
		t.Fatalf("expected 1 record delivered, got %d", len(store.records["job-1"]))
	}
	if _, exists := store.checkpoints["job-1"]; exists {
		t.Fatalf("expected checkpoint deleted on completion")
	}
}

func TestRunDedupesAcrossRounds(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	candidate := types.Candidate{Author: "alice", Content: "same tweet", CanonicalLink: "https://x.com/alice/status/1"}
	session := &fakeSession{pages: []string{"<html>page1</html>", "<html>page1</html>"}}
	ext := &fakeExtractor{candidates: []types.Candidate{candidate}}
	d := New(store, ext, fastConfig(), testLogger())

	job := &types.Job{ID: "job-2", Spec: types.JobSpec{Name: "t", Keywords: []string{"golang"}, MaxRecords: 100}}

	if err := d.Run(ctx, job, session); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(store.records["job-2"]) != 1 {
		t.Fatalf("expected dedup to keep exactly 1 record, got %d", len(store.records["job-2"]))
	}
}

func TestRunRecordsShortfallWhenTargetNotMet(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	session := &fakeSession{pages: []string{"<html>page1</html>"}}
	ext := &fakeExtractor{candidates: []types.Candidate{{Author: "alice", Content: "x", CanonicalLink: "https://x.com/alice/status/1"}}}
	d := New(store, ext, fastConfig(), testLogger())

	job := &types.Job{ID: "job-3", Spec: types.JobSpec{Name: "t", Accounts: []string{"alice"}, MaxRecords: 50}}

	if err := d.Run(ctx, job, session); err != nil {
		t.Fatalf("run: %v", err)
	}

	shortfalls := store.shortfalls["job-3"]
	if len(shortfalls) != 1 || shortfalls[0].Delivered >= 50 {
		t.Fatalf("expected a recorded shortfall, got %+v", shortfalls)
	}
}

func TestRunHonorsThresholds(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	session := &fakeSession{pages: []string{"<html>page1</html>"}}
	ext := &fakeExtractor{candidates: []types.Candidate{
		{Author: "alice", Content: "low engagement", CanonicalLink: "https://x.com/alice/status/1", Likes: 1},
	}}
	d := New(store, ext, fastConfig(), testLogger())

	job := &types.Job{ID: "job-4", Spec: types.JobSpec{
		Name: "t", Accounts: []string{"alice"}, MaxRecords: 10,
		Thresholds: types.Thresholds{MinLikes: 100},
	}}

	if err := d.Run(ctx, job, session); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(store.records["job-4"]) != 0 {
		t.Fatalf("expected threshold to filter out the low-engagement candidate, got %d records", len(store.records["job-4"]))
	}
}

func TestRunNotStagnantWhileScrollStillProgresses(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	// The feed yields nothing new, but every scroll moves the page, so only
	// the per-target budget may end the loop: a round counts as stagnant
	// only when fingerprints AND scroll offset both stall.
	session := &fakeSession{moving: true}
	ext := &fakeExtractor{}
	cfg := fastConfig()
	cfg.ScrollBudgetPerTarget = 10
	d := New(store, ext, cfg, testLogger())

	job := &types.Job{ID: "job-8", Spec: types.JobSpec{Name: "t", Accounts: []string{"alice"}, MaxRecords: 5}}

	if err := d.Run(ctx, job, session); err != nil {
		t.Fatalf("run: %v", err)
	}

	if session.htmlCalls != cfg.ScrollBudgetPerTarget {
		t.Fatalf("expected the full %d-round budget to be used before giving up, got %d rounds", cfg.ScrollBudgetPerTarget, session.htmlCalls)
	}
	if store.states["job-8"] != types.JobCompleted {
		t.Fatalf("expected job completed, got %s", store.states["job-8"])
	}
}

func TestRunZeroMaxRecordsCompletesWithoutScrolling(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	session := &fakeSession{pages: []string{"<html>page1</html>"}}
	ext := &fakeExtractor{candidates: []types.Candidate{{Author: "alice", Content: "x", CanonicalLink: "https://x.com/alice/status/1"}}}
	d := New(store, ext, fastConfig(), testLogger())

	job := &types.Job{ID: "job-6", Spec: types.JobSpec{Name: "t", Accounts: []string{"alice"}, MaxRecords: 0}}

	if err := d.Run(ctx, job, session); err != nil {
		t.Fatalf("run: %v", err)
	}

	if store.states["job-6"] != types.JobCompleted {
		t.Fatalf("expected job completed, got %s", store.states["job-6"])
	}
	if len(store.records["job-6"]) != 0 {
		t.Fatalf("expected no records for maxRecords=0, got %d", len(store.records["job-6"]))
	}
	shortfalls := store.shortfalls["job-6"]
	if len(shortfalls) != 1 || shortfalls[0].Requested != 0 || shortfalls[0].Delivered != 0 {
		t.Fatalf("expected (0, 0) shortfall, got %+v", shortfalls)
	}
}

func TestRunResumesFromCheckpointWithoutDuplicates(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	ext := &fakeExtractor{candidates: []types.Candidate{
		{Author: "alice", Content: "X", CanonicalLink: "https://x.com/alice/status/1", Likes: 12},
		{Author: "alice", Content: "Z", CanonicalLink: "https://x.com/alice/status/3", Likes: 100},
	}}
	d := New(store, ext, fastConfig(), testLogger())

	job := &types.Job{ID: "job-7", Spec: types.JobSpec{Name: "t", Accounts: []string{"alice"}, MaxRecords: 5}}

	// Simulate an interrupted earlier run that already emitted X.
	seenX := fingerprint.Compute("alice", "https://x.com/alice/status/1", "X")
	store.records["job-7"] = []types.Record{{JobID: "job-7", Fingerprint: seenX, Author: "alice", Content: "X"}}
	cp := types.NewScrapeCheckpoint("job-7")
	cp.PerTarget["alice"] = types.TargetState{SeenFingerprints: []string{seenX}, Delivered: 1}
	store.checkpoints["job-7"] = cp

	session := &fakeSession{pages: []string{"<html>page1</html>"}}
	if err := d.Run(ctx, job, session); err != nil {
		t.Fatalf("run: %v", err)
	}

	if got := len(store.records["job-7"]); got != 2 {
		t.Fatalf("expected exactly {X, Z} after resume, got %d records", got)
	}
	if store.states["job-7"] != types.JobCompleted {
		t.Fatalf("expected job completed, got %s", store.states["job-7"])
	}
}

func TestRunRespectsCancellation(t *testing.T) {
	store := newFakeStore()
	session := &fakeSession{pages: []string{"<html>page1</html>"}}
	ext := &fakeExtractor{candidates: []types.Candidate{{Author: "alice", Content: "x", CanonicalLink: "https://x.com/alice/status/1"}}}
	d := New(store, ext, fastConfig(), testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	job := &types.Job{ID: "job-5", Spec: types.JobSpec{Name: "t", Accounts: []string{"alice"}, MaxRecords: 10}}

	if err := d.Run(ctx, job, session); err != nil {
		t.Fatalf("run: %v", err)
	}

	if store.states["job-5"] != types.JobCancelled {
		t.Fatalf("expected job cancelled, got %s", store.states["job-5"])
	}
}
