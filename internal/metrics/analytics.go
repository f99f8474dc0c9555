package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"

	"convoy/internal/config"
)

// AnalyticsSink inserts one row per completed request into ClickHouse, a
// columnar companion to the relational persisted record for the dashboard's
// aggregate views (SPEC_FULL domain-stack wiring). Grounded on the teacher's
// internal/agentd/metrics_clickhouse.go: same clickhouse.Open/ParseDSN
// construction. The table name comes from config (default request_metrics)
// and is placed into the INSERT statement as given.
type AnalyticsSink struct {
	conn  clickhouse.Conn
	table string
}

// NewAnalyticsSink opens a ClickHouse connection. A blank DSN disables the
// sink; callers should treat a nil *AnalyticsSink as a valid no-op.
func NewAnalyticsSink(ctx context.Context, cfg config.ClickHouseConfig) (*AnalyticsSink, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, nil
	}

	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse clickhouse dsn: %w", err)
	}
	if cfg.Database != "" {
		opts.Auth.Database = cfg.Database
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open clickhouse connection: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}

	table := strings.TrimSpace(cfg.Table)
	if table == "" {
		table = "request_metrics"
	}

	return &AnalyticsSink{conn: conn, table: table}, nil
}

// Insert writes one event as an analytics row. Errors are the caller's to
// log-and-ignore per spec §4.8 (analytics is best-effort, never raised to
// the caller).
func (s *AnalyticsSink) Insert(ctx context.Context, e Event) error {
	if s == nil || s.conn == nil {
		return nil
	}
	query := fmt.Sprintf(`INSERT INTO %s
		(domain, request_id, conversation_id, model, type, status,
		 input_tokens, output_tokens, cache_creation_tokens, cache_read_tokens,
		 tool_call_count, processing_time_ms, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table)

	return s.conn.Exec(ctx, query,
		e.Domain, e.RequestID, e.ConversationID, e.Model, e.Type, e.Status,
		e.InputTokens, e.OutputTokens, e.CacheCreation, e.CacheRead,
		e.ToolCallCount, e.ProcessingTime.Milliseconds(), e.Timestamp.UTC())
}

// Close releases the underlying ClickHouse connection.
func (s *AnalyticsSink) Close() error {
	if s == nil || s.conn == nil {
		return nil
	}
	return s.conn.Close()
}
