// Package proxyerr defines the sealed set of error kinds the proxy
// distinguishes when deciding retry behavior, circuit-breaker trips, and the
// HTTP status returned to the caller.
package proxyerr

import (
	"errors"
	"fmt"
	"time"
)

// Kind is the closed set of error kinds from spec §7. It is not a type name
// hierarchy — every error kind below implements error and carries its own
// fields, but callers that only need the kind should use errors.As against
// the concrete type or Classify below.
type Kind string

const (
	KindAuthentication Kind = "authentication"
	KindValidation     Kind = "validation"
	KindUpstream       Kind = "upstream"
	KindTimeout        Kind = "timeout"
	KindRateLimit      Kind = "rate_limit"
	KindCircuitOpen    Kind = "circuit_open"
	KindStorage        Kind = "storage"
)

// AuthenticationError signals a failed inbound or credential-resolution
// authentication step. Never carries a credential path.
type AuthenticationError struct {
	Message string
	Err     error
}

func (e *AuthenticationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authentication failed: %s: %v", e.Message, e.Err)
	}
	return fmt.Sprintf("authentication failed: %s", e.Message)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// ValidationError signals malformed or semantically invalid input, e.g.
// empty message sequences reaching the conversation linker.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return fmt.Sprintf("validation: %s", e.Message) }

// UpstreamError wraps a non-2xx response from the LLM API.
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream error (status %d): %s", e.Status, e.Body)
}

// RateLimitError specializes UpstreamError with an optional Retry-After hint.
type RateLimitError struct {
	UpstreamError
	RetryAfterSeconds int
	HasRetryAfter     bool
}

func (e *RateLimitError) Error() string {
	if e.HasRetryAfter {
		return fmt.Sprintf("rate limited (status %d), retry after %ds: %s", e.Status, e.RetryAfterSeconds, e.Body)
	}
	return fmt.Sprintf("rate limited (status %d): %s", e.Status, e.Body)
}

// RetryAfter implements the retry engine's RetryAfterProvider interface.
func (e *RateLimitError) RetryAfter() (time.Duration, bool) {
	if !e.HasRetryAfter {
		return 0, false
	}
	return time.Duration(e.RetryAfterSeconds) * time.Second, true
}

// TimeoutError signals a request-scoped deadline was exceeded.
type TimeoutError struct {
	Op  string
	Err error
}

func (e *TimeoutError) Error() string { return fmt.Sprintf("timeout during %s: %v", e.Op, e.Err) }
func (e *TimeoutError) Unwrap() error { return e.Err }

// CircuitOpenError is returned when the circuit breaker fails a call fast
// without invoking the wrapped function.
type CircuitOpenError struct {
	Upstream string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for upstream %q", e.Upstream)
}

// StatusCode returns the HTTP status a CircuitOpenError maps to.
func (e *CircuitOpenError) StatusCode() int { return 503 }

// StorageError wraps a persistence-layer failure.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage %s: %v", e.Op, e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }

// StatusCode maps an error to the HTTP status the caller should see. It
// walks Unwrap chains so wrapped errors still classify correctly. Returns
// 500 for anything it doesn't recognize.
func StatusCode(err error) int {
	var authErr *AuthenticationError
	var valErr *ValidationError
	var upErr *UpstreamError
	var rlErr *RateLimitError
	var toErr *TimeoutError
	var coErr *CircuitOpenError
	var stErr *StorageError

	switch {
	case errors.As(err, &authErr):
		return 401
	case errors.As(err, &valErr):
		return 400
	case errors.As(err, &rlErr):
		if rlErr.Status != 0 {
			return rlErr.Status
		}
		return 429
	case errors.As(err, &upErr):
		if upErr.Status != 0 {
			return upErr.Status
		}
		return 502
	case errors.As(err, &toErr):
		return 504
	case errors.As(err, &coErr):
		return coErr.StatusCode()
	case errors.As(err, &stErr):
		return 500
	default:
		return 500
	}
}

// IsRetryable reports whether the retry engine should retry err by default:
// timeouts, upstream errors, network-error substrings, and HTTP
// 429/502/503/504.
func IsRetryable(err error) bool {
	var toErr *TimeoutError
	if errors.As(err, &toErr) {
		return true
	}
	var rlErr *RateLimitError
	if errors.As(err, &rlErr) {
		return true
	}
	var upErr *UpstreamError
	if errors.As(err, &upErr) {
		switch upErr.Status {
		case 429, 502, 503, 504:
			return true
		}
		return upErr.Status >= 500
	}
	msg := err.Error()
	for _, substr := range []string{"ECONNREFUSED", "ETIMEDOUT", "ENETUNREACH"} {
		if containsSubstr(msg, substr) {
			return true
		}
	}
	return false
}

// IsTripWorthy reports whether err should count against the circuit
// breaker's failure window: timeouts, upstream errors, obvious network
// errors, or a 5xx/429 status — explicitly never plain 4xx client errors.
func IsTripWorthy(err error) bool {
	var toErr *TimeoutError
	if errors.As(err, &toErr) {
		return true
	}
	var rlErr *RateLimitError
	if errors.As(err, &rlErr) {
		return true
	}
	var upErr *UpstreamError
	if errors.As(err, &upErr) {
		if upErr.Status == 429 || upErr.Status >= 500 {
			return true
		}
		return false
	}
	msg := err.Error()
	for _, substr := range []string{"ECONNREFUSED", "ETIMEDOUT", "ENETUNREACH"} {
		if containsSubstr(msg, substr) {
			return true
		}
	}
	return false
}

func containsSubstr(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}
