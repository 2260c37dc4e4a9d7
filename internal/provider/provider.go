package provider

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies an upstream model failure.
type ErrorKind string

const (
	// KindTransient covers timeouts, 5xx answers and transport faults; the
	// caller may retry.
	KindTransient ErrorKind = "transient"
	// KindAuthFailure covers rejected credentials; retrying cannot help.
	KindAuthFailure ErrorKind = "auth_failure"
	// KindQuotaExceeded covers rate and quota limits.
	KindQuotaExceeded ErrorKind = "quota_exceeded"
)

// Error is the typed failure surfaced by completion clients.
type Error struct {
	Kind       ErrorKind
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("ai provider: %s (status %d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("ai provider: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err is a provider Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == kind
}

// Retryable reports whether err is worth another attempt.
func Retryable(err error) bool {
	return IsKind(err, KindTransient)
}

// Attempt describes one round trip against the upstream model, retries
// included, for audit persistence.
type Attempt struct {
	Number     int
	StatusCode int
	Duration   time.Duration
	Response   string
	Err        error
}

// AttemptRecorder receives every attempt a client makes. Recording must not
// fail the call; implementations swallow their own errors.
type AttemptRecorder interface {
	RecordAttempt(ctx context.Context, a Attempt)
}

// CompletionClient is the interface the plan pipeline depends on.
type CompletionClient interface {
	Complete(ctx context.Context, prompt string) (string, error)
}
