// Package driver implements the extraction driver: the per-job loop
// that turns a live browser session into a bounded, deduplicated, resumable
// stream of records against the Record Store and Checkpoint Store.
package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/aron1990-cmyk/twitter-daily-scraper-sub002/internal/extractor"
	"github.com/aron1990-cmyk/twitter-daily-scraper-sub002/internal/fingerprint"
	"github.com/aron1990-cmyk/twitter-daily-scraper-sub002/internal/types"
)

// BrowserSession is the opaque session the driver drives. Satisfied by
// *browsersession.Session; kept as an interface so the driver is testable
// without launching a real browser.
type BrowserSession interface {
	Navigate(ctx context.Context, url string) error
	ScrollBy(ctx context.Context, deltaY int) error
	ScrollOffset(ctx context.Context) (int, error)
	HTML() (string, error)
}

// Store is the subset of the Record/Checkpoint Store the driver needs.
type Store interface {
	AppendRecords(ctx context.Context, jobID string, records []types.Record) (inserted, duplicateSkipped int, err error)
	IncrementDelivered(ctx context.Context, jobID string, n int) error
	SetShortfalls(ctx context.Context, jobID string, shortfalls []types.Shortfall) error
	SaveCheckpoint(ctx context.Context, jobID string, cp *types.ScrapeCheckpoint) error
	LoadCheckpoint(ctx context.Context, jobID string) (*types.ScrapeCheckpoint, error)
	DeleteCheckpoint(ctx context.Context, jobID string) error
	UpdateJobState(ctx context.Context, jobID string, state types.JobState, lastError string, errorKind types.ErrorKind) error
}

// Config controls the scroll/retry/stagnation behavior of the loop. Zero
// value is invalid; use DefaultConfig.
type Config struct {
	MaxStagnantRounds     int
	MaxRetriesPerTarget   int
	ScrollBudgetPerTarget int
	ScrollDeltaNormal     int
	ScrollDeltaStagnant   int
	MinScrollProgress     int // offset change below this counts as no meaningful scroll
	SettleNormal          time.Duration
	SettleStagnant        time.Duration
	StagnantAfterRounds   int // rounds of no-progress before switching to the larger scroll delta
}

// DefaultConfig returns the scroll/retry defaults tuned for the timeline
// surface: 8 stagnant rounds end a feed, 3 navigation retries per target.
func DefaultConfig() Config {
	return Config{
		MaxStagnantRounds:     8,
		MaxRetriesPerTarget:   3,
		ScrollBudgetPerTarget: 500,
		ScrollDeltaNormal:     1500,
		ScrollDeltaStagnant:   3000,
		MinScrollProgress:     50,
		SettleNormal:          700 * time.Millisecond,
		SettleStagnant:        1200 * time.Millisecond,
		StagnantAfterRounds:   3,
	}
}

// StopReason names why a target's scroll loop ended.
type StopReason string

const (
	ReasonTargetMet        StopReason = "target-met"
	ReasonEndOfFeed        StopReason = "end-of-feed"
	ReasonBudgetExhausted  StopReason = "budget-exhausted"
	ReasonCancelled        StopReason = "cancelled"
)

// Mirror fans staged records out to a best-effort secondary sink (the
// MongoDB mirror in internal/store/mirror). Satisfied by *mirror.Sink; a nil
// Mirror on Driver disables mirroring entirely.
type Mirror interface {
	Mirror(ctx context.Context, jobID string, records []types.Record)
}

// Driver runs one job to completion (or to a recoverable stop) against a
// single leased BrowserSession.
type Driver struct {
	store   Store
	extract extractor.RecordExtractor
	mirror  Mirror
	cfg     Config
	logger  *slog.Logger

	onState     func(types.JobState)
	onDelivered func(inserted, duplicates int)
	onShortfall func()
}

// SetStateObserver registers a callback invoked with the terminal state
// (Completed/Failed/Cancelled) the driver transitions a job into, used to
// feed internal/observability's transition counter. Optional.
func (d *Driver) SetStateObserver(onState func(types.JobState)) {
	d.onState = onState
}

// SetDeliveryObserver registers a callback invoked with the inserted and
// duplicate-skipped counts of every staged batch, used to feed
// internal/observability's record counters. Optional.
func (d *Driver) SetDeliveryObserver(onDelivered func(inserted, duplicates int)) {
	d.onDelivered = onDelivered
}

// SetShortfallObserver registers a callback invoked once per target that
// finishes short of its requested record count. Optional.
func (d *Driver) SetShortfallObserver(onShortfall func()) {
	d.onShortfall = onShortfall
}

// New constructs a Driver.
func New(store Store, extract extractor.RecordExtractor, cfg Config, logger *slog.Logger) *Driver {
	return &Driver{store: store, extract: extract, cfg: cfg, logger: logger.With("component", "driver")}
}

// SetMirror attaches a best-effort secondary sink. Optional; call before Run.
func (d *Driver) SetMirror(m Mirror) {
	d.mirror = m
}

// Run drives session through every target in job.Spec, persisting records
// and checkpoints as it goes, and finally transitions the job to a terminal
// state (Completed, Cancelled, or Failed).
func (d *Driver) Run(ctx context.Context, job *types.Job, session BrowserSession) error {
	logger := d.logger.With("job_id", job.ID)

	cp, err := d.store.LoadCheckpoint(ctx, job.ID)
	if err != nil {
		if !errors.Is(err, types.ErrCheckpointNotFound) {
			return fmt.Errorf("load checkpoint: %w", err)
		}
		cp = types.NewScrapeCheckpoint(job.ID)
	}

	targets := job.Spec.Targets()
	for _, target := range targets {
		if ctx.Err() != nil {
			return d.handleCancellation(ctx, job, cp)
		}

		reason, err := d.runTarget(ctx, job, target, cp, session, logger)
		if err != nil {
			kind := types.KindStorageError
			var driverErr *types.DriverError
			if errors.As(err, &driverErr) {
				kind = driverErr.Kind
			}
			wrapped := fmt.Errorf("target %s: %w", target.Key(), err)
			// Best effort: the store itself may be the thing that failed.
			_ = d.store.SaveCheckpoint(context.Background(), job.ID, cp)
			_ = d.store.UpdateJobState(context.Background(), job.ID, types.JobFailed, wrapped.Error(), kind)
			if d.onState != nil {
				d.onState(types.JobFailed)
			}
			return wrapped
		}
		if reason == ReasonCancelled {
			return d.handleCancellation(ctx, job, cp)
		}
		logger.Info("target finished", "target", target.Key(), "reason", reason)
	}

	shortfalls := make([]types.Shortfall, 0, len(cp.ShortfallsByTarget))
	for _, sf := range cp.ShortfallsByTarget {
		shortfalls = append(shortfalls, sf)
	}
	if err := d.store.SetShortfalls(ctx, job.ID, shortfalls); err != nil {
		return fmt.Errorf("set shortfalls: %w", err)
	}
	if err := d.store.UpdateJobState(ctx, job.ID, types.JobCompleted, "", ""); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	if d.onState != nil {
		d.onState(types.JobCompleted)
	}
	if d.onShortfall != nil {
		for range shortfalls {
			d.onShortfall()
		}
	}
	return d.store.DeleteCheckpoint(ctx, job.ID)
}

func (d *Driver) handleCancellation(ctx context.Context, job *types.Job, cp *types.ScrapeCheckpoint) error {
	bg := context.Background()
	if err := d.store.SaveCheckpoint(bg, job.ID, cp); err != nil {
		d.logger.Error("save checkpoint on cancel failed", "job_id", job.ID, "error", err)
	}
	if err := d.store.UpdateJobState(bg, job.ID, types.JobCancelled, "cancelled", ""); err != nil {
		return err
	}
	if d.onState != nil {
		d.onState(types.JobCancelled)
	}
	return nil
}

// runTarget executes the per-target navigate/resume/scroll-extract loop,
// retrying transient navigation failures up to cfg.MaxRetriesPerTarget
// times with linear backoff.
func (d *Driver) runTarget(ctx context.Context, job *types.Job, target types.Target, cp *types.ScrapeCheckpoint, session BrowserSession, logger *slog.Logger) (StopReason, error) {
	key := target.Key()
	targetURL := buildTargetURL(target)

	var lastErr error
	for attempt := 0; attempt <= d.cfg.MaxRetriesPerTarget; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * time.Second) // linear backoff
		}
		if err := session.Navigate(ctx, targetURL); err != nil {
			lastErr = err
			logger.Warn("navigate failed, retrying", "target", key, "attempt", attempt, "error", err)
			continue
		}
		return d.scrollExtractLoop(ctx, job, target, cp, session, logger)
	}

	state := cp.StateFor(key)
	cp.ShortfallsByTarget[key] = types.Shortfall{Target: key, Requested: job.Spec.MaxRecords, Delivered: state.Delivered}
	logger.Error("target exhausted retries, recording shortfall", "target", key, "error", lastErr)
	return ReasonEndOfFeed, nil
}

func (d *Driver) scrollExtractLoop(ctx context.Context, job *types.Job, target types.Target, cp *types.ScrapeCheckpoint, session BrowserSession, logger *slog.Logger) (StopReason, error) {
	key := target.Key()

	if job.Spec.MaxRecords == 0 {
		cp.PerTarget[key] = types.TargetState{Delivered: 0}
		cp.ShortfallsByTarget[key] = types.Shortfall{Target: key, Requested: 0, Delivered: 0}
		logger.Info("maxRecords is 0, skipping scroll", "target", key)
		return ReasonTargetMet, nil
	}

	state := cp.StateFor(key)
	seen := state.SeenSet()
	stagnantRounds := state.StagnantRounds
	delivered := state.Delivered
	lastOffset := state.LastScrollOffset

	snapshot := func() types.TargetState {
		return types.TargetState{
			SeenFingerprints: setToSlice(seen),
			LastScrollOffset: lastOffset,
			StagnantRounds:   stagnantRounds,
			Delivered:        delivered,
		}
	}

	for round := 0; ; round++ {
		if ctx.Err() != nil {
			cp.PerTarget[key] = snapshot()
			return ReasonCancelled, nil
		}
		if round >= d.cfg.ScrollBudgetPerTarget {
			cp.PerTarget[key] = snapshot()
			delete(cp.ShortfallsByTarget, key)
			if delivered < job.Spec.MaxRecords {
				cp.ShortfallsByTarget[key] = types.Shortfall{Target: key, Requested: job.Spec.MaxRecords, Delivered: delivered}
			}
			return ReasonBudgetExhausted, nil
		}

		y0, err := session.ScrollOffset(ctx)
		if err != nil {
			return "", &types.DriverError{Kind: types.KindSessionLost, Reason: "scroll offset read failed", Err: err}
		}

		html, err := session.HTML()
		if err != nil {
			return "", &types.DriverError{Kind: types.KindSessionLost, Reason: "html read failed", Err: err}
		}

		candidates, err := d.extract.Extract(html)
		if err != nil {
			logger.Warn("extraction error, skipping round", "target", key, "error", err)
			candidates = nil
		}

		var staged []types.Record
		for _, c := range candidates {
			fp := fingerprint.Compute(c.Author, c.CanonicalLink, c.Content)
			if _, dup := seen[fp]; dup {
				continue
			}
			if !job.Spec.Thresholds.Passes(c.Likes, c.Replies, c.Reposts) {
				continue
			}
			seen[fp] = struct{}{}
			rec := c.ToRecord(job.ID, fp)
			rec.CategoryHint = extractor.ClassifyHint(c.Content)
			staged = append(staged, rec)
		}

		if len(staged) > 0 {
			inserted, duplicates, err := d.store.AppendRecords(ctx, job.ID, staged)
			if err != nil {
				return "", fmt.Errorf("append records: %w", err)
			}
			if err := d.store.IncrementDelivered(ctx, job.ID, inserted); err != nil {
				return "", fmt.Errorf("increment delivered: %w", err)
			}
			if d.mirror != nil {
				d.mirror.Mirror(ctx, job.ID, staged)
			}
			if d.onDelivered != nil {
				d.onDelivered(inserted, duplicates)
			}
			delivered += inserted
		}

		if job.Spec.MaxRecords > 0 && delivered >= job.Spec.MaxRecords {
			// A resumed run may have recorded a shortfall before the
			// interruption; meeting the target supersedes it.
			lastOffset = y0
			cp.PerTarget[key] = snapshot()
			delete(cp.ShortfallsByTarget, key)
			if err := d.store.SaveCheckpoint(ctx, job.ID, cp); err != nil {
				return "", fmt.Errorf("save checkpoint: %w", err)
			}
			return ReasonTargetMet, nil
		}

		delta := d.cfg.ScrollDeltaNormal
		settle := d.cfg.SettleNormal
		if stagnantRounds >= d.cfg.StagnantAfterRounds {
			delta = d.cfg.ScrollDeltaStagnant
			settle = d.cfg.SettleStagnant
		}
		if err := session.ScrollBy(ctx, delta); err != nil {
			return "", &types.DriverError{Kind: types.KindSessionLost, Reason: "scroll failed", Err: err}
		}
		select {
		case <-ctx.Done():
		case <-time.After(settle):
		}

		y1, err := session.ScrollOffset(ctx)
		if err != nil {
			return "", &types.DriverError{Kind: types.KindSessionLost, Reason: "scroll offset read failed", Err: err}
		}
		lastOffset = y1

		// A round is stagnant only when it yielded no new fingerprints AND
		// the scroll position barely moved. No new records with real scroll
		// progress just means content is still loading in, so the counter is
		// left where it is.
		offsetStalled := abs(y1-y0) < d.cfg.MinScrollProgress
		switch {
		case len(staged) > 0:
			stagnantRounds = 0
		case offsetStalled:
			stagnantRounds++
		}

		cp.PerTarget[key] = snapshot()
		if err := d.store.SaveCheckpoint(ctx, job.ID, cp); err != nil {
			return "", fmt.Errorf("save checkpoint: %w", err)
		}

		if stagnantRounds >= d.cfg.MaxStagnantRounds {
			delete(cp.ShortfallsByTarget, key)
			if delivered < job.Spec.MaxRecords {
				cp.ShortfallsByTarget[key] = types.Shortfall{Target: key, Requested: job.Spec.MaxRecords, Delivered: delivered}
			}
			return ReasonEndOfFeed, nil
		}
	}
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

func setToSlice(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}

// buildTargetURL maps a Target to the timeline/search URL the session must
// navigate to.
func buildTargetURL(t types.Target) string {
	switch {
	case t.Account != "" && t.Keyword != "":
		return "https://x.com/search?q=" + url.QueryEscape(fmt.Sprintf("from:%s %s", t.Account, t.Keyword)) + "&src=typed_query&f=live"
	case t.Account != "":
		return "https://x.com/" + url.PathEscape(t.Account)
	default:
		return "https://x.com/search?q=" + url.QueryEscape(t.Keyword) + "&src=typed_query&f=live"
	}
}
