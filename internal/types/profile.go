package types

import "time"

// ProfileLease is the bookkeeping record for one browser profile slot.
type ProfileLease struct {
	ProfileID       string
	LastReleaseTime time.Time
	RequestCount    int
	HeldBy          string // job id, empty if free
	Quarantined     bool
	ConsecutiveFail int
}

// Held reports whether the lease is currently assigned to a job.
func (p *ProfileLease) Held() bool { return p.HeldBy != "" }
