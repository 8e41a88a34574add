package types

import (
	"errors"
	"fmt"
)

// Sentinel errors for common failure modes.
var (
	// ErrNotReleased is returned by Release on a profile that was already free.
	ErrNotReleased = errors.New("profile was not held")
	// ErrPoolCooldown signals a profile exists but has not cleared its cool-down gap.
	ErrPoolCooldown = errors.New("no profile past cool-down")
	// ErrPoolExhausted signals every profile is held or quarantined.
	ErrPoolExhausted = errors.New("no profile available")

	// ErrJobNotFound is returned by store/scheduler lookups for an unknown job id.
	ErrJobNotFound = errors.New("job not found")
	// ErrRecordNotFound is returned by store lookups for an unknown record id.
	ErrRecordNotFound = errors.New("record not found")
	// ErrCheckpointNotFound is returned by Load when no checkpoint exists for a job.
	ErrCheckpointNotFound = errors.New("checkpoint not found")
	// ErrConstraintViolation is returned by the Control Facade for invalid job specs.
	ErrConstraintViolation = errors.New("constraint violation")
)

// ErrorKind classifies a failure for job metadata and Control Facade visibility.
type ErrorKind string

const (
	KindTransientNetwork   ErrorKind = "transient-network"
	KindRateLimit          ErrorKind = "rate-limit"
	KindAuthExpired        ErrorKind = "auth-expired"
	KindPermissionDenied   ErrorKind = "permission-denied"
	KindSessionLost        ErrorKind = "session-lost"
	KindExtractionMalformed ErrorKind = "extraction-malformed"
	KindConstraintViolation ErrorKind = "constraint-violation"
	KindStorageError       ErrorKind = "storage-error"
)

// DriverError wraps an error that terminates a job from the Extraction Driver.
type DriverError struct {
	Kind   ErrorKind
	Reason string
	Err    error
}

func (e *DriverError) Error() string {
	return fmt.Sprintf("driver error (%s): %s: %v", e.Kind, e.Reason, e.Err)
}

func (e *DriverError) Unwrap() error { return e.Err }

// UploadError wraps an error from a single batch dispatch to the external
// tabular service.
type UploadError struct {
	Kind       ErrorKind
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload error (%s, status %d): %v", e.Kind, e.StatusCode, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

func (e *UploadError) IsRetryable() bool { return e.Retryable }

// ParseError wraps errors that occur during extraction.
type ParseError struct {
	URL      string
	Selector string
	Err      error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error for %s (selector=%q): %v", e.URL, e.Selector, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ConstraintViolationError wraps ErrConstraintViolation with the specific
// reason a Control Facade submission was rejected before touching state.
type ConstraintViolationError struct {
	Reason string
}

func (e *ConstraintViolationError) Error() string {
	return fmt.Sprintf("constraint violation: %s", e.Reason)
}

func (e *ConstraintViolationError) Unwrap() error { return ErrConstraintViolation }

// StorageError wraps errors from the durable Record/Checkpoint Store that
// the caller should treat as irrecoverable for the current run.
type StorageError struct {
	Backend string
	Err     error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error (%s): %v", e.Backend, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
