// Package retry wraps an idempotent attempt with exponential backoff,
// jitter, and Retry-After honoring, built on the exponential-backoff core
// the Anthropic SDK itself depends on.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"convoy/internal/proxyerr"
)

// Config controls a retry instance. Zero values fall back to spec defaults.
type Config struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	RandomFactor    float64
	// Timeout is an optional hard deadline applied across all attempts.
	Timeout time.Duration
	// Retryable overrides the default retry predicate (timeouts, upstream
	// errors, network-error substrings, HTTP 429/502/503/504).
	Retryable func(error) bool
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.InitialInterval == 0 {
		c.InitialInterval = time.Second
	}
	if c.MaxInterval == 0 {
		c.MaxInterval = 30 * time.Second
	}
	if c.Multiplier == 0 {
		c.Multiplier = 2
	}
	if c.RandomFactor == 0 {
		c.RandomFactor = 0.5
	}
	if c.Retryable == nil {
		c.Retryable = proxyerr.IsRetryable
	}
	return c
}

// RetryAfterProvider is implemented by errors that carry an upstream
// Retry-After hint (seconds or HTTP-date), used to raise the next
// iteration's delay for this retry instance only.
type RetryAfterProvider interface {
	RetryAfter() (time.Duration, bool)
}

// Do runs fn up to cfg.MaxAttempts times, retrying only when cfg.Retryable
// (or the default predicate) accepts the error, applying exponential
// backoff with jitter between attempts and honoring any Retry-After hint
// carried by the error. log receives one event per retried attempt
// (attempt number, delay, error); pass nil to disable logging.
func Do(ctx context.Context, cfg Config, log *zerolog.Logger, fn func(context.Context) error) error {
	cfg = cfg.withDefaults()

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	// RandomizationFactor is left at zero: the library's own jitter is
	// symmetric (interval * (1 ± factor)), which can land below
	// InitialInterval. Spec §4.5 wants 0-50% additive jitter only, applied
	// by hand below on top of the library's un-jittered interval.
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.InitialInterval
	bo.MaxInterval = cfg.MaxInterval
	bo.Multiplier = cfg.Multiplier
	bo.RandomizationFactor = 0
	bo.Reset()

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt == cfg.MaxAttempts || !cfg.Retryable(err) {
			return err
		}

		delay := bo.NextBackOff()
		delay += additiveJitter(delay, cfg.RandomFactor)
		if delay > cfg.MaxInterval {
			delay = cfg.MaxInterval
		}
		if ra, ok := retryAfter(err); ok {
			delay = ra
		}

		if log != nil {
			log.Warn().
				Int("attempt", attempt).
				Dur("delay", delay).
				Str("error_class", errorClass(err)).
				Err(err).
				Msg("retrying after failed attempt")
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

// additiveJitter returns a random extra delay in [0, factor*delay), so the
// final delay never falls below the backoff algorithm's own interval.
func additiveJitter(delay time.Duration, factor float64) time.Duration {
	if factor <= 0 || delay <= 0 {
		return 0
	}
	return time.Duration(rand.Float64() * factor * float64(delay))
}

// retryAfter extracts a Retry-After override from err, checking both the
// RetryAfterProvider interface and a RateLimitError's own field.
func retryAfter(err error) (time.Duration, bool) {
	var provider RetryAfterProvider
	if errors.As(err, &provider) {
		return provider.RetryAfter()
	}
	var rlErr *proxyerr.RateLimitError
	if errors.As(err, &rlErr) && rlErr.HasRetryAfter {
		return time.Duration(rlErr.RetryAfterSeconds) * time.Second, true
	}
	return 0, false
}

// ParseRetryAfter parses a Retry-After header value, accepting either a
// delta-seconds integer or an HTTP-date.
func ParseRetryAfter(header string) (time.Duration, bool) {
	if header == "" {
		return 0, false
	}
	if secs, err := parsePositiveInt(header); err == nil {
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(header); err == nil {
		d := time.Until(t)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

func parsePositiveInt(s string) (int64, error) {
	var n int64
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, errors.New("not an integer")
		}
		n = n*10 + int64(c-'0')
	}
	if n == 0 && s != "0" {
		return 0, errors.New("empty")
	}
	return n, nil
}

func errorClass(err error) string {
	switch {
	case errors.As(err, new(*proxyerr.TimeoutError)):
		return "timeout"
	case errors.As(err, new(*proxyerr.RateLimitError)):
		return "rate_limit"
	case errors.As(err, new(*proxyerr.UpstreamError)):
		return "upstream"
	default:
		return "unknown"
	}
}
