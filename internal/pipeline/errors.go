package pipeline

import (
	"errors"
	"strings"
)

// ErrDuplicateRun is returned by Start when an identical run is already in
// flight within the dedup window.
var ErrDuplicateRun = errors.New("pipeline: duplicate run already in progress")

// ErrRunNotFound is returned when a run ID does not exist.
var ErrRunNotFound = errors.New("pipeline: run not found")

// ErrQuotaExceeded may be returned by fetchers that detect quota exhaustion
// explicitly. Fetchers wrapping third-party SDK errors are classified by
// message content instead.
var ErrQuotaExceeded = errors.New("quota exceeded")

// ErrRateLimited may be returned by fetchers that detect rate limiting
// explicitly.
var ErrRateLimited = errors.New("rate limited")

// IsQuotaError reports whether a fetch error signals exhausted API quota.
// Checked before IsRateLimitError: quota exhaustion is the stronger signal
// and trips the circuit breaker for every item, not just this one.
func IsQuotaError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrQuotaExceeded) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "quota")
}

// IsRateLimitError reports whether a fetch error signals per-caller rate
// limiting, recoverable via the retry backlog.
func IsRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "rate")
}
