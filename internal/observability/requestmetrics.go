package observability

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// RequestMetrics is a thin adapter over the OpenTelemetry metrics API,
// exposing the one counter cmd/proxyd needs: requests received, labeled by
// tenant domain, request type, and outcome. Grounded on the teacher's
// internal/rag/obs.OtelMetrics, which caches instruments by name behind the
// global meter provider the same way.
type RequestMetrics struct {
	meter   metric.Meter
	mu      sync.Mutex
	counter metric.Int64Counter
}

// NewRequestMetrics constructs a RequestMetrics using the global meter
// provider. A nil *RequestMetrics is valid and every method is a no-op on
// it, so callers running without InitOTel (see main.go's degrade-on-error
// path) don't need a separate nil check.
func NewRequestMetrics() *RequestMetrics {
	return &RequestMetrics{meter: otel.Meter("convoy/proxyd")}
}

// IncRequest records one proxied request.
func (m *RequestMetrics) IncRequest(ctx context.Context, domain, requestType, outcome string) {
	if m == nil {
		return
	}
	c, ok := m.getCounter()
	if !ok {
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(
		attribute.String("domain", domain),
		attribute.String("request_type", requestType),
		attribute.String("outcome", outcome),
	))
}

func (m *RequestMetrics) getCounter() (metric.Int64Counter, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counter != nil {
		return m.counter, true
	}
	c, err := m.meter.Int64Counter("proxyd.requests")
	if err != nil {
		return c, false
	}
	m.counter = c
	return c, true
}
