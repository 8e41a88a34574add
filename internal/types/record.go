package types

import "time"

// Record is one extracted post, scoped to exactly one Job.
type Record struct {
	ID            int64     `json:"id"`
	JobID         string    `json:"job_id"`
	Fingerprint   string    `json:"fingerprint"`
	Author        string    `json:"author"`
	Content       string    `json:"content"`
	PublishedAt   time.Time `json:"published_at,omitzero"`
	Likes         uint32    `json:"likes"`
	Replies       uint32    `json:"replies"`
	Reposts       uint32    `json:"reposts"`
	CanonicalLink string    `json:"canonical_link,omitempty"`
	Hashtags      []string  `json:"hashtags,omitempty"`
	MediaURLs     []string  `json:"media,omitempty"`
	CategoryHint  string    `json:"category_hint,omitempty"`
	Synced        bool      `json:"synced"`
	SyncedAt      time.Time `json:"synced_at,omitzero"`
	CreatedAt     time.Time `json:"created_at"`
}

// Candidate is a not-yet-deduplicated, not-yet-filtered extraction result
// produced directly by a RecordExtractor.
type Candidate struct {
	Author        string
	Content       string
	PublishedAt   time.Time
	Likes         uint32
	Replies       uint32
	Reposts       uint32
	CanonicalLink string
	Hashtags      []string
	MediaURLs     []string
}

// ToRecord converts a Candidate plus a computed fingerprint into a storable Record.
func (c Candidate) ToRecord(jobID, fingerprint string) Record {
	return Record{
		JobID:         jobID,
		Fingerprint:   fingerprint,
		Author:        c.Author,
		Content:       c.Content,
		PublishedAt:   c.PublishedAt,
		Likes:         c.Likes,
		Replies:       c.Replies,
		Reposts:       c.Reposts,
		CanonicalLink: c.CanonicalLink,
		Hashtags:      c.Hashtags,
		MediaURLs:     c.MediaURLs,
	}
}
