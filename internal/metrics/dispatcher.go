package metrics

import (
	"context"

	"convoy/internal/observability"
)

// StorageSink persists one completed request/response record. The concrete
// implementation lives in internal/storage; the dispatcher only needs this
// narrow seam so it never imports storage directly.
type StorageSink interface {
	StoreEvent(ctx context.Context, e Event) error
}

// Dispatcher implements spec §4.8's four-way split of a completed request:
// a storage row, an in-memory token-tracker update, an optional best-effort
// telemetry POST, and an optional deduped notification. None of its outbound
// paths are allowed to fail the caller's request — every error is logged
// and swallowed, per spec §7's "never surface linker/notification/metrics
// errors to the caller".
type Dispatcher struct {
	Storage   StorageSink
	Tokens    *TokenTracker
	Analytics *AnalyticsSink
	Bus       Bus
	Webhook   *WebhookSink
	dedup     *dedup
}

// NewDispatcher wires the dispatcher's sub-components. Storage, Analytics,
// Bus, and Webhook may all be nil/no-op; Tokens is required.
func NewDispatcher(storage StorageSink, tokens *TokenTracker, analytics *AnalyticsSink, bus Bus, webhook *WebhookSink) *Dispatcher {
	return &Dispatcher{
		Storage:   storage,
		Tokens:    tokens,
		Analytics: analytics,
		Bus:       bus,
		Webhook:   webhook,
		dedup:     newDedup(),
	}
}

// Dispatch records e across every configured sink. Called once per completed
// (or terminated-stream) request by the proxy orchestrator.
func (d *Dispatcher) Dispatch(ctx context.Context, e Event) {
	log := observability.LoggerWithTrace(ctx)

	if e.Storable() && d.Storage != nil {
		if err := d.Storage.StoreEvent(ctx, e); err != nil {
			log.Error().Err(err).Str("request_id", e.RequestID).Msg("metrics_store_error")
		}
	}

	if d.Tokens != nil {
		d.Tokens.Record(e.Domain, e)
	}

	if d.Analytics != nil {
		if err := d.Analytics.Insert(ctx, e); err != nil {
			log.Error().Err(err).Str("request_id", e.RequestID).Msg("metrics_analytics_error")
		}
	}

	if !e.Storable() {
		return
	}

	n := Notification{
		Domain:         e.Domain,
		ConversationID: e.ConversationID,
		RequestID:      e.RequestID,
		Model:          e.Model,
		Status:         e.Status,
		UserText:       e.LastUserText,
		Timestamp:      e.Timestamp,
	}

	if d.dedup.shouldSuppress(e.Domain, e.LastUserText) {
		return
	}

	if d.Bus != nil {
		if err := d.Bus.Publish(ctx, n); err != nil {
			log.Error().Err(err).Str("domain", e.Domain).Msg("metrics_notify_publish_error")
		}
	}

	if d.Webhook != nil {
		d.Webhook.Send(ctx, n)
	}
}
