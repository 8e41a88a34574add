package types

import "time"

// JobState is the lifecycle state of a Job.
type JobState string

const (
	JobPending   JobState = "pending"
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
)

// CombiningRule controls how accounts and keywords are expanded into targets.
type CombiningRule string

const (
	// CombineIndependent extracts each account and each keyword as its own target.
	CombineIndependent CombiningRule = "independent"
	// CombineCartesian extracts the cartesian product of accounts x keywords.
	CombineCartesian CombiningRule = "cartesian"
)

// Thresholds are the minimum engagement counters a candidate record must meet.
type Thresholds struct {
	MinLikes   uint32 `json:"min_likes"`
	MinReplies uint32 `json:"min_replies"`
	MinReposts uint32 `json:"min_reposts"`
}

// Passes reports whether the given counters satisfy the thresholds.
func (t Thresholds) Passes(likes, replies, reposts uint32) bool {
	return likes >= t.MinLikes && replies >= t.MinReplies && reposts >= t.MinReposts
}

// JobSpec is the user-submitted description of work.
type JobSpec struct {
	Name       string        `json:"name"`
	Accounts   []string      `json:"accounts"`
	Keywords   []string      `json:"keywords"`
	Thresholds Thresholds    `json:"thresholds"`
	MaxRecords int           `json:"max_records"`
	Priority   int           `json:"priority"`
	AutoUpload bool          `json:"auto_upload"`
	Combining  CombiningRule `json:"combining"`
}

// Target identifies a single account, keyword, or (account, keyword) pair
// the driver extracts against.
type Target struct {
	Account string `json:"account,omitempty"`
	Keyword string `json:"keyword,omitempty"`
}

// Key returns a stable string identity for the target, used as a map key
// in checkpoints and shortfall tables.
func (t Target) Key() string {
	switch {
	case t.Account != "" && t.Keyword != "":
		return t.Account + "|" + t.Keyword
	case t.Account != "":
		return t.Account
	default:
		return t.Keyword
	}
}

// Targets expands a JobSpec into the concrete list of targets the driver
// must process, honoring the combining rule.
func (s JobSpec) Targets() []Target {
	if len(s.Accounts) > 0 && len(s.Keywords) > 0 && s.Combining == CombineCartesian {
		targets := make([]Target, 0, len(s.Accounts)*len(s.Keywords))
		for _, a := range s.Accounts {
			for _, k := range s.Keywords {
				targets = append(targets, Target{Account: a, Keyword: k})
			}
		}
		return targets
	}
	targets := make([]Target, 0, len(s.Accounts)+len(s.Keywords))
	for _, a := range s.Accounts {
		targets = append(targets, Target{Account: a})
	}
	for _, k := range s.Keywords {
		targets = append(targets, Target{Keyword: k})
	}
	return targets
}

// Shortfall records the gap between requested and delivered records for a target.
type Shortfall struct {
	Target    string `json:"target"`
	Requested int    `json:"requested"`
	Delivered int    `json:"delivered"`
}

// Job is the durable record of a submitted scraping task.
type Job struct {
	ID        string      `json:"id"`
	Spec      JobSpec     `json:"spec"`
	State     JobState    `json:"state"`
	Delivered int         `json:"delivered"`
	LastError string      `json:"last_error,omitempty"`
	ErrorKind string      `json:"error_kind,omitempty"`
	Shortfall []Shortfall `json:"shortfall,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	StartedAt time.Time   `json:"started_at,omitzero"`
	EndedAt   time.Time   `json:"ended_at,omitzero"`
}

// IsTerminal reports whether the job state is one of the terminal states.
func (j *Job) IsTerminal() bool {
	switch j.State {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}
