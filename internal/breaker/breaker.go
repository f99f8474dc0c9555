// Package breaker implements a per-upstream circuit breaker: a failure
// window trips it open, fast-failing calls until a cooldown elapses, then a
// half-open trial decides whether to close or re-open.
package breaker

import (
	"context"
	"sync"
	"time"

	"convoy/internal/proxyerr"
)

// State is one of the breaker's three states.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config controls the breaker's thresholds. Zero values are replaced with
// the spec defaults by New.
type Config struct {
	FailureThreshold         int
	VolumeThreshold          int
	WindowDuration           time.Duration
	ErrorThresholdPercentage float64
	OpenTimeout              time.Duration
	SuccessThreshold         int
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.VolumeThreshold == 0 {
		c.VolumeThreshold = 10
	}
	if c.WindowDuration == 0 {
		c.WindowDuration = 60 * time.Second
	}
	if c.ErrorThresholdPercentage == 0 {
		c.ErrorThresholdPercentage = 50
	}
	if c.OpenTimeout == 0 {
		c.OpenTimeout = 60 * time.Second
	}
	if c.SuccessThreshold == 0 {
		c.SuccessThreshold = 2
	}
	return c
}

type sample struct {
	at      time.Time
	success bool
}

// Breaker is a single named upstream's circuit breaker. Safe for concurrent
// use: every entry point takes b.mu.
type Breaker struct {
	name string
	cfg  Config

	mu                 sync.Mutex
	state              State
	consecutiveFailures int
	halfOpenSuccesses  int
	openedAt           time.Time
	samples            []sample
}

// New constructs a Breaker for the named upstream, starting Closed.
func New(name string, cfg Config) *Breaker {
	return &Breaker{
		name:  name,
		cfg:   cfg.withDefaults(),
		state: StateClosed,
	}
}

// State returns the breaker's current state, advancing Open → HalfOpen if
// the open timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeTransitionToHalfOpenLocked()
	return b.state
}

func (b *Breaker) maybeTransitionToHalfOpenLocked() {
	if b.state == StateOpen && time.Since(b.openedAt) >= b.cfg.OpenTimeout {
		b.state = StateHalfOpen
		b.halfOpenSuccesses = 0
	}
}

// Execute runs fn if the breaker admits the call, recording the outcome.
// While Open and before the timeout elapses, fn is never invoked and
// Execute returns a *proxyerr.CircuitOpenError immediately.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	b.mu.Lock()
	b.maybeTransitionToHalfOpenLocked()
	if b.state == StateOpen {
		b.mu.Unlock()
		return &proxyerr.CircuitOpenError{Upstream: b.name}
	}
	b.mu.Unlock()

	err := fn(ctx)
	b.record(err)
	return err
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	tripWorthy := err != nil && proxyerr.IsTripWorthy(err)

	switch b.state {
	case StateHalfOpen:
		if tripWorthy {
			b.state = StateOpen
			b.openedAt = now
			b.halfOpenSuccesses = 0
			b.consecutiveFailures = 0
			b.samples = nil
			return
		}
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.cfg.SuccessThreshold {
			b.state = StateClosed
			b.consecutiveFailures = 0
			b.halfOpenSuccesses = 0
			b.samples = nil
		}
		return
	case StateOpen:
		// Execute already fast-failed; nothing to record unless the caller
		// invoked record directly, which it doesn't outside this file.
		return
	}

	// Closed.
	b.appendSampleLocked(sample{at: now, success: !tripWorthy})
	if tripWorthy {
		b.consecutiveFailures++
	} else if b.consecutiveFailures > 0 {
		b.consecutiveFailures--
	}

	if b.consecutiveFailures >= b.cfg.FailureThreshold {
		b.tripLocked(now)
		return
	}
	if b.windowErrorRateLocked(now) {
		b.tripLocked(now)
	}
}

func (b *Breaker) tripLocked(now time.Time) {
	b.state = StateOpen
	b.openedAt = now
	b.halfOpenSuccesses = 0
}

// appendSampleLocked records a sample and prunes anything outside the
// rolling window.
func (b *Breaker) appendSampleLocked(s sample) {
	cutoff := s.at.Add(-b.cfg.WindowDuration)
	pruned := b.samples[:0]
	for _, existing := range b.samples {
		if existing.at.After(cutoff) {
			pruned = append(pruned, existing)
		}
	}
	b.samples = append(pruned, s)
}

// windowErrorRateLocked reports whether the rolling window has reached the
// volume threshold and its error rate meets or exceeds the configured
// percentage.
func (b *Breaker) windowErrorRateLocked(now time.Time) bool {
	cutoff := now.Add(-b.cfg.WindowDuration)
	total, failures := 0, 0
	for _, s := range b.samples {
		if s.at.Before(cutoff) {
			continue
		}
		total++
		if !s.success {
			failures++
		}
	}
	if total < b.cfg.VolumeThreshold {
		return false
	}
	rate := float64(failures) / float64(total) * 100
	return rate >= b.cfg.ErrorThresholdPercentage
}
