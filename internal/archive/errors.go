package archive

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// TransientNetworkError wraps a retriable network-level failure.
type TransientNetworkError struct {
	Op  string
	Err error
}

func (e *TransientNetworkError) Error() string {
	return fmt.Sprintf("transient network error during %s: %v", e.Op, e.Err)
}

func (e *TransientNetworkError) Unwrap() error { return e.Err }

// RateLimited indicates the provider asked us to back off. RetryAfter carries
// the provider-supplied hint when present.
type RateLimited struct {
	Source     Source
	RetryAfter time.Duration
}

func (e *RateLimited) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited by %s, retry after %s", e.Source, e.RetryAfter)
	}
	return fmt.Sprintf("rate limited by %s", e.Source)
}

// SourceUnavailable is a server-side failure (5xx, connection refused) that
// counts toward the circuit breaker.
type SourceUnavailable struct {
	Source     Source
	StatusCode int
	Err        error
}

func (e *SourceUnavailable) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("source %s unavailable (status %d)", e.Source, e.StatusCode)
	}
	return fmt.Sprintf("source %s unavailable: %v", e.Source, e.Err)
}

func (e *SourceUnavailable) Unwrap() error { return e.Err }

// MalformedRecord marks a single bad row in a discovery page. The stream
// skips it and continues.
type MalformedRecord struct {
	Source Source
	Line   string
	Err    error
}

func (e *MalformedRecord) Error() string {
	return fmt.Sprintf("malformed record from %s: %v", e.Source, e.Err)
}

func (e *MalformedRecord) Unwrap() error { return e.Err }

// ExtractionFailure is recorded when every cascade strategy declined a
// document. Retried up to a cap, then marked permanently failed.
type ExtractionFailure struct {
	URL       string
	Attempted []string
}

func (e *ExtractionFailure) Error() string {
	return fmt.Sprintf("all extraction strategies failed for %s", e.URL)
}

// ConfigurationError aborts the current domain run immediately and is never
// retried.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s %s", e.Field, e.Reason)
}

// ErrNoRecords signals an empty (but successful) index response. Routing
// policies treat it as grounds for fallback, not as a source failure.
var ErrNoRecords = errors.New("no records returned")

// IsRetriable reports whether err should be retried with backoff and counted
// toward the circuit breaker.
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var (
		transient *TransientNetworkError
		limited   *RateLimited
		unavail   *SourceUnavailable
	)
	if errors.As(err, &transient) || errors.As(err, &limited) || errors.As(err, &unavail) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

// IsTerminal reports whether err must propagate immediately with no fallback
// and no breaker increment.
func IsTerminal(err error) bool {
	if err == nil {
		return false
	}
	var cfg *ConfigurationError
	return errors.As(err, &cfg)
}

// RetryAfterHint extracts the provider-supplied backoff hint, if any.
func RetryAfterHint(err error) (time.Duration, bool) {
	var limited *RateLimited
	if errors.As(err, &limited) && limited.RetryAfter > 0 {
		return limited.RetryAfter, true
	}
	return 0, false
}
