package metrics

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/segmentio/kafka-go"

	"convoy/internal/observability"
)

// notificationLRUSize bounds the last-user-text dedup cache at spec §4.7's
// "last ≈1000 domain/last-user-text pairs".
const notificationLRUSize = 1000

// Bus publishes a completed conversation turn's Notification. Kafka is the
// production implementation (see NewKafkaBus); nil is a valid no-op Bus.
type Bus interface {
	Publish(ctx context.Context, n Notification) error
}

// KafkaBus publishes notifications to a configured topic, grounded on the
// teacher's internal/tools/kafka producer (same Writer interface and
// kafka.TCP/LeastBytes construction).
type KafkaBus struct {
	writer *kafka.Writer
	topic  string
}

// NewKafkaBus constructs a Bus from a list of broker addresses.
func NewKafkaBus(brokers []string, topic string) *KafkaBus {
	return &KafkaBus{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Balancer: &kafka.LeastBytes{},
			Topic:    topic,
		},
		topic: topic,
	}
}

func (b *KafkaBus) Publish(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return b.writer.WriteMessages(ctx, kafka.Message{
		Topic: b.topic,
		Key:   []byte(n.ConversationID),
		Value: payload,
	})
}

// Close releases the underlying Kafka writer's connections.
func (b *KafkaBus) Close() error {
	return b.writer.Close()
}

// dedup suppresses a notification when the domain's last user message is
// unchanged, per spec §4.7 step 7.
type dedup struct {
	cache *lru.Cache[string, string]
}

func newDedup() *dedup {
	cache, _ := lru.New[string, string](notificationLRUSize)
	return &dedup{cache: cache}
}

// shouldSuppress reports whether domain's last recorded user text matches
// text, and records text as the new last-seen value regardless.
func (d *dedup) shouldSuppress(domain, text string) bool {
	prev, ok := d.cache.Get(domain)
	d.cache.Add(domain, text)
	return ok && prev == text
}

// WebhookSink POSTs a masked JSON notification payload to a configured URL,
// best-effort: failures are logged, never raised. Mirrors the teacher's
// general "construct a deadline-bound client per call" idiom used in
// internal/llm/anthropic for per-request timeouts.
type WebhookSink struct {
	URL     string
	Client  *http.Client
	Timeout time.Duration
}

// Send POSTs n to the configured webhook. A zero-value URL is a no-op.
func (w *WebhookSink) Send(ctx context.Context, n Notification) {
	if w == nil || w.URL == "" {
		return
	}
	log := observability.LoggerWithTrace(ctx)

	body, err := json.Marshal(n)
	if err != nil {
		log.Error().Err(err).Msg("telemetry_webhook_marshal_error")
		return
	}
	masked := observability.MaskSecrets(string(body))

	timeout := w.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, w.URL, bytes.NewReader([]byte(masked)))
	if err != nil {
		log.Error().Err(err).Msg("telemetry_webhook_request_error")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		log.Error().Err(err).Str("domain", n.Domain).Msg("telemetry_webhook_send_error")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		log.Warn().Int("status", resp.StatusCode).Str("domain", n.Domain).Msg("telemetry_webhook_non_2xx")
	}
}
