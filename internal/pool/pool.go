// Package pool implements the profile pool: fair-rotation leasing of a
// fixed set of browser profile ids under cool-down and quarantine rules.
package pool

import (
	"sync"
	"time"

	"github.com/aron1990-cmyk/twitter-daily-scraper-sub002/internal/types"
)

const scoreRequestPenalty = 10

// Config controls the pool's timing rules.
type Config struct {
	// SwitchInterval: a profile idle longer than this is decisively preferred.
	SwitchInterval time.Duration
	// MinInterUseGap: a released profile is not eligible for re-lease before this elapses.
	MinInterUseGap time.Duration
	// QuarantineThreshold: consecutive navigation failures before a profile is quarantined.
	QuarantineThreshold int
	// QuarantineTimeout: how long a quarantined profile stays excluded before auto-reset.
	QuarantineTimeout time.Duration
}

// DefaultConfig returns the pool timing defaults: 30s switch interval, 2s
// minimum inter-use gap.
func DefaultConfig() Config {
	return Config{
		SwitchInterval:      30 * time.Second,
		MinInterUseGap:      2 * time.Second,
		QuarantineThreshold: 5,
		QuarantineTimeout:   5 * time.Minute,
	}
}

// Pool leases and releases profile ids from a fixed set sized at construction.
type Pool struct {
	cfg    Config
	mu     sync.Mutex
	leases map[string]*types.ProfileLease
	order  []string // immutable, fixed at construction

	onQuarantine func()
}

// SetQuarantineObserver registers a callback invoked each time a profile
// crosses the quarantine threshold, used to feed
// internal/observability's quarantine counter. Optional.
func (p *Pool) SetQuarantineObserver(onQuarantine func()) {
	p.onQuarantine = onQuarantine
}

// New constructs a Pool over the given profile ids. The id set is immutable
// thereafter.
func New(profileIDs []string, cfg Config) *Pool {
	leases := make(map[string]*types.ProfileLease, len(profileIDs))
	order := make([]string, len(profileIDs))
	now := time.Now()
	for i, id := range profileIDs {
		leases[id] = &types.ProfileLease{ProfileID: id, LastReleaseTime: now.Add(-cfg.MinInterUseGap)}
		order[i] = id
	}
	return &Pool{cfg: cfg, leases: leases, order: order}
}

// Size returns the fixed number of profiles in the pool.
func (p *Pool) Size() int {
	return len(p.order)
}

// Lease selects and holds the highest-scoring eligible profile.
//
// Returns types.ErrPoolCooldown if profiles exist but none have cleared
// their cool-down gap, and types.ErrPoolExhausted if every profile is held
// or quarantined.
func (p *Pool) Lease(jobID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	p.autoResetQuarantines(now)

	var best *types.ProfileLease
	var bestScore float64
	sawCooldown := false

	for _, id := range p.order {
		lease := p.leases[id]
		if lease.Held() || lease.Quarantined {
			continue
		}
		idle := now.Sub(lease.LastReleaseTime)
		if idle < p.cfg.MinInterUseGap {
			sawCooldown = true
			continue
		}

		score := idle.Seconds() - float64(scoreRequestPenalty*lease.RequestCount)
		if idle > p.cfg.SwitchInterval {
			score += 1e6 // decisive bias toward long-idle profiles
		}

		if best == nil || score > bestScore {
			best = lease
			bestScore = score
		}
	}

	if best == nil {
		if sawCooldown {
			return "", types.ErrPoolCooldown
		}
		return "", types.ErrPoolExhausted
	}

	best.HeldBy = jobID
	return best.ProfileID, nil
}

// Release returns a profile to the free pool. Releasing a profile not held
// by the releaser is a no-op returning an error.
func (p *Pool) Release(profileID, jobID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	lease, ok := p.leases[profileID]
	if !ok {
		return types.ErrJobNotFound
	}
	if !lease.Held() || lease.HeldBy != jobID {
		return types.ErrNotReleased
	}

	lease.HeldBy = ""
	lease.LastReleaseTime = time.Now()
	lease.RequestCount++
	return nil
}

// Quarantine marks a profile unavailable for leasing after repeated
// navigation failures.
func (p *Pool) Quarantine(profileID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	lease, ok := p.leases[profileID]
	if !ok {
		return
	}
	lease.ConsecutiveFail++
	if lease.ConsecutiveFail >= p.cfg.QuarantineThreshold {
		lease.Quarantined = true
		lease.LastReleaseTime = time.Now()
		if p.onQuarantine != nil {
			p.onQuarantine()
		}
	}
}

// RecordSuccess resets a profile's consecutive failure counter.
func (p *Pool) RecordSuccess(profileID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if lease, ok := p.leases[profileID]; ok {
		lease.ConsecutiveFail = 0
	}
}

// Reset clears quarantine state on a profile administratively.
func (p *Pool) Reset(profileID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if lease, ok := p.leases[profileID]; ok {
		if lease.Quarantined {
			// LastReleaseTime holds the quarantine start; move it back so the
			// reset profile is not also held in cool-down.
			lease.LastReleaseTime = time.Now().Add(-p.cfg.MinInterUseGap)
		}
		lease.Quarantined = false
		lease.ConsecutiveFail = 0
	}
}

// autoResetQuarantines clears quarantine on profiles whose timeout elapsed.
// Caller must hold p.mu.
func (p *Pool) autoResetQuarantines(now time.Time) {
	if p.cfg.QuarantineTimeout <= 0 {
		return
	}
	for _, lease := range p.leases {
		if lease.Quarantined && now.Sub(lease.LastReleaseTime) > p.cfg.QuarantineTimeout {
			lease.Quarantined = false
			lease.ConsecutiveFail = 0
		}
	}
}

// ReleaseOrphaned force-releases every lease held by the given job id.
// Nothing in this repository calls it; the scheduler releases each lease
// through Release when its job finishes.
func (p *Pool) ReleaseOrphaned(jobID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, lease := range p.leases {
		if lease.HeldBy == jobID {
			lease.HeldBy = ""
			lease.LastReleaseTime = time.Now()
		}
	}
}
