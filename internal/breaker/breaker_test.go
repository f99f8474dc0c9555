package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"convoy/internal/proxyerr"
)

func tripWorthyErr() error { return &proxyerr.UpstreamError{Status: 500, Body: "boom"} }

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	b := New("anthropic", Config{FailureThreshold: 3, VolumeThreshold: 1000, OpenTimeout: time.Hour})

	for i := 0; i < 3; i++ {
		_ = b.Execute(context.Background(), func(context.Context) error { return tripWorthyErr() })
	}
	if b.State() != StateOpen {
		t.Fatalf("expected Open after %d consecutive failures, got %s", 3, b.State())
	}

	called := false
	err := b.Execute(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	if called {
		t.Fatal("expected fn not to be invoked while Open")
	}
	var coErr *proxyerr.CircuitOpenError
	if !errors.As(err, &coErr) {
		t.Fatalf("expected CircuitOpenError, got %v", err)
	}
}

func TestBreaker_OpensOnWindowErrorRate(t *testing.T) {
	b := New("anthropic", Config{FailureThreshold: 1000, VolumeThreshold: 10, ErrorThresholdPercentage: 50, WindowDuration: time.Minute, OpenTimeout: time.Hour})

	for i := 0; i < 5; i++ {
		_ = b.Execute(context.Background(), func(context.Context) error { return tripWorthyErr() })
	}
	for i := 0; i < 5; i++ {
		_ = b.Execute(context.Background(), func(context.Context) error { return nil })
	}
	if b.State() != StateOpen {
		t.Fatalf("expected Open at 50%% error rate over volume threshold, got %s", b.State())
	}
}

func TestBreaker_StaysClosedBelowVolumeThreshold(t *testing.T) {
	b := New("anthropic", Config{FailureThreshold: 1000, VolumeThreshold: 100, WindowDuration: time.Minute})
	for i := 0; i < 5; i++ {
		_ = b.Execute(context.Background(), func(context.Context) error { return tripWorthyErr() })
	}
	if b.State() != StateClosed {
		t.Fatalf("expected Closed below volume threshold, got %s", b.State())
	}
}

func TestBreaker_HalfOpenAfterTimeoutThenCloses(t *testing.T) {
	b := New("anthropic", Config{FailureThreshold: 1, OpenTimeout: 10 * time.Millisecond, SuccessThreshold: 2})
	_ = b.Execute(context.Background(), func(context.Context) error { return tripWorthyErr() })
	if b.State() != StateOpen {
		t.Fatalf("expected Open after first failure")
	}

	time.Sleep(20 * time.Millisecond)
	if b.State() != StateHalfOpen {
		t.Fatalf("expected HalfOpen after timeout, got %s", b.State())
	}

	called := 0
	for i := 0; i < 2; i++ {
		_ = b.Execute(context.Background(), func(context.Context) error {
			called++
			return nil
		})
	}
	if called != 2 {
		t.Fatalf("expected fn invoked in half-open state, got %d calls", called)
	}
	if b.State() != StateClosed {
		t.Fatalf("expected Closed after successThreshold successes, got %s", b.State())
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := New("anthropic", Config{FailureThreshold: 1, OpenTimeout: 10 * time.Millisecond, SuccessThreshold: 2})
	_ = b.Execute(context.Background(), func(context.Context) error { return tripWorthyErr() })
	time.Sleep(20 * time.Millisecond)
	if b.State() != StateHalfOpen {
		t.Fatalf("expected HalfOpen")
	}

	_ = b.Execute(context.Background(), func(context.Context) error { return tripWorthyErr() })
	if b.State() != StateOpen {
		t.Fatalf("expected re-Open after half-open failure, got %s", b.State())
	}
}

func TestBreaker_ClosedFailuresDecrementOnSuccess(t *testing.T) {
	b := New("anthropic", Config{FailureThreshold: 3, VolumeThreshold: 1000})
	_ = b.Execute(context.Background(), func(context.Context) error { return tripWorthyErr() })
	_ = b.Execute(context.Background(), func(context.Context) error { return tripWorthyErr() })
	_ = b.Execute(context.Background(), func(context.Context) error { return nil })
	_ = b.Execute(context.Background(), func(context.Context) error { return tripWorthyErr() })
	if b.State() != StateClosed {
		t.Fatalf("expected Closed: one success should have decremented the failure count below threshold")
	}
}

func TestBreaker_ClientErrorsDoNotTrip(t *testing.T) {
	b := New("anthropic", Config{FailureThreshold: 1, VolumeThreshold: 1})
	err := b.Execute(context.Background(), func(context.Context) error {
		return &proxyerr.UpstreamError{Status: 400, Body: "bad request"}
	})
	if err == nil {
		t.Fatal("expected the wrapped function's error to propagate")
	}
	if b.State() != StateClosed {
		t.Fatalf("expected 4xx client errors not to trip the breaker, got %s", b.State())
	}
}

func TestRegistry_SharesBreakerPerName(t *testing.T) {
	r := NewRegistry(Config{})
	a := r.Get("anthropic")
	b := r.Get("anthropic")
	if a != b {
		t.Fatal("expected the same breaker instance for the same upstream name")
	}
	other := r.Get("other-upstream")
	if other == a {
		t.Fatal("expected distinct breakers for distinct upstream names")
	}
}
