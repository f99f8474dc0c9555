package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"convoy/internal/config"
	"convoy/internal/conversation"
	"convoy/internal/metrics"
	"convoy/internal/observability"
	"convoy/internal/proxyerr"
)

// OpenPool opens a Postgres connection pool, grounded on the teacher's
// internal/persistence/databases newPgPool: parsed config, conservative
// pool-size defaults overridden by cfg, ping-on-construct.
func OpenPool(ctx context.Context, cfg config.StorageConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse storage dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	} else {
		poolCfg.MaxConns = 8
	}
	poolCfg.MinConns = 0
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create storage pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping storage pool: %w", err)
	}
	return pool, nil
}

// Store is the Postgres-backed persistence layer. It implements every
// storage executor interface the conversation linker depends on (spec §6)
// plus metrics.StorageSink, so the same instance backs both the linker and
// the dispatcher.
type Store struct {
	pool         *pgxpool.Pool
	queryTimeout time.Duration
	archive      Archiver
}

// Archiver offloads response bodies over a configurable size to an external
// object store, returning a pointer to store in place of the raw body. A nil
// Archiver (or one whose Offload always returns the body unchanged) disables
// archival.
type Archiver interface {
	Offload(ctx context.Context, requestID string, body []byte) (pointer string, offloaded bool, err error)
	Fetch(ctx context.Context, pointer string) ([]byte, error)
}

// NewStore wraps an already-opened pool.
func NewStore(pool *pgxpool.Pool, cfg config.StorageConfig, archive Archiver) *Store {
	timeout := cfg.QueryTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Store{pool: pool, queryTimeout: timeout, archive: archive}
}

// Init creates the schema if it does not already exist, following the
// teacher's chat_store_postgres.go CREATE-TABLE-IF-NOT-EXISTS convention.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS requests (
    request_id TEXT PRIMARY KEY,
    domain TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    model TEXT NOT NULL,
    type TEXT NOT NULL,
    messages JSONB NOT NULL,
    system JSONB,
    current_message_hash TEXT NOT NULL,
    parent_message_hash TEXT,
    system_hash TEXT,
    conversation_id TEXT,
    branch_id TEXT NOT NULL DEFAULT 'main',
    parent_request_id TEXT,
    parent_task_request_id TEXT,
    is_subtask BOOLEAN NOT NULL DEFAULT false,
    response_body BYTEA,
    response_body_pointer TEXT,
    response_first_text TEXT NOT NULL DEFAULT '',
    response_headers JSONB,
    input_tokens BIGINT NOT NULL DEFAULT 0,
    output_tokens BIGINT NOT NULL DEFAULT 0,
    cache_creation_tokens BIGINT NOT NULL DEFAULT 0,
    cache_read_tokens BIGINT NOT NULL DEFAULT 0,
    tool_call_count INTEGER NOT NULL DEFAULT 0,
    processing_time_ms BIGINT NOT NULL DEFAULT 0,
    status TEXT NOT NULL DEFAULT 'ok'
);

CREATE INDEX IF NOT EXISTS requests_domain_current_hash_idx ON requests(domain, current_message_hash);
CREATE INDEX IF NOT EXISTS requests_domain_parent_hash_idx ON requests(domain, parent_message_hash);
CREATE INDEX IF NOT EXISTS requests_conversation_created_idx ON requests(conversation_id, created_at DESC);
CREATE INDEX IF NOT EXISTS requests_domain_created_idx ON requests(domain, created_at DESC, request_id DESC);
CREATE INDEX IF NOT EXISTS requests_subtask_idx ON requests(domain, is_subtask, created_at DESC) WHERE is_subtask;

CREATE TABLE IF NOT EXISTS task_invocations (
    request_id TEXT NOT NULL,
    tool_use_id TEXT NOT NULL,
    domain TEXT NOT NULL,
    prompt TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (request_id, tool_use_id)
);

CREATE INDEX IF NOT EXISTS task_invocations_domain_created_idx ON task_invocations(domain, created_at DESC);
`)
	if err != nil {
		return &proxyerr.StorageError{Op: "init_schema", Err: err}
	}
	return nil
}

// Close releases the underlying pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.queryTimeout)
}

// InsertRecord persists a fully-built §3 Request record. Response bodies
// larger than the configured archive threshold are off-loaded and replaced
// with a pointer, per SPEC_FULL's Response Body Archive supplement.
func (s *Store) InsertRecord(ctx context.Context, rec Record) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	messagesJSON, err := json.Marshal(rec.Messages)
	if err != nil {
		return &proxyerr.StorageError{Op: "marshal_messages", Err: err}
	}
	var systemJSON []byte
	if len(rec.System) > 0 {
		systemJSON, err = json.Marshal(rec.System)
		if err != nil {
			return &proxyerr.StorageError{Op: "marshal_system", Err: err}
		}
	}
	headersJSON, err := json.Marshal(rec.ResponseHeaders)
	if err != nil {
		return &proxyerr.StorageError{Op: "marshal_headers", Err: err}
	}

	body := rec.ResponseBody
	var bodyPointer string
	if s.archive != nil {
		pointer, offloaded, err := s.archive.Offload(ctx, rec.RequestID, rec.ResponseBody)
		if err != nil {
			observability.LoggerWithTrace(ctx).Error().Err(err).Str("request_id", rec.RequestID).Msg("storage_archive_offload_error")
		} else if offloaded {
			bodyPointer = pointer
			body = nil
		}
	}

	_, err = s.pool.Exec(ctx, `
INSERT INTO requests (
    request_id, domain, created_at, model, type, messages, system,
    current_message_hash, parent_message_hash, system_hash,
    conversation_id, branch_id, parent_request_id, parent_task_request_id, is_subtask,
    response_body, response_body_pointer, response_first_text, response_headers,
    input_tokens, output_tokens, cache_creation_tokens, cache_read_tokens,
    tool_call_count, processing_time_ms, status
) VALUES (
    $1, $2, $3, $4, $5, $6, $7,
    $8, $9, $10,
    $11, $12, $13, $14, $15,
    $16, $17, $18, $19,
    $20, $21, $22, $23,
    $24, $25, $26
)
ON CONFLICT (request_id) DO UPDATE SET
    response_body = EXCLUDED.response_body,
    response_body_pointer = EXCLUDED.response_body_pointer,
    response_first_text = EXCLUDED.response_first_text,
    response_headers = EXCLUDED.response_headers,
    input_tokens = EXCLUDED.input_tokens,
    output_tokens = EXCLUDED.output_tokens,
    cache_creation_tokens = EXCLUDED.cache_creation_tokens,
    cache_read_tokens = EXCLUDED.cache_read_tokens,
    tool_call_count = EXCLUDED.tool_call_count,
    processing_time_ms = EXCLUDED.processing_time_ms,
    status = EXCLUDED.status`,
		rec.RequestID, rec.Domain, rec.Timestamp.UTC(), rec.Model, rec.Type, messagesJSON, nullableJSON(systemJSON),
		nullableString(rec.CurrentMessageHash), nullableString(rec.ParentMessageHash), nullableString(rec.SystemHash),
		nullableString(rec.ConversationID), rec.BranchID, nullableString(rec.ParentRequestID), nullableString(rec.ParentTaskRequestID), rec.IsSubtask,
		body, nullableString(bodyPointer), rec.ResponseFirstText, headersJSON,
		rec.Tokens.Input, rec.Tokens.Output, rec.Tokens.CacheCreation, rec.Tokens.CacheRead,
		rec.ToolCallCount, rec.ProcessingTime.Milliseconds(), rec.Status,
	)
	if err != nil {
		return &proxyerr.StorageError{Op: "insert_record", Err: err}
	}
	return nil
}

// StoreEvent implements metrics.StorageSink by adapting an Event into a
// Record and inserting it.
func (s *Store) StoreEvent(ctx context.Context, e metrics.Event) error {
	return s.InsertRecord(ctx, Record{
		RequestID:           e.RequestID,
		Domain:              e.Domain,
		Timestamp:           e.Timestamp,
		Model:               e.Model,
		Type:                e.Type,
		Messages:            e.Messages,
		System:              e.System,
		CurrentMessageHash:  e.CurrentMessageHash,
		ParentMessageHash:   e.ParentMessageHash,
		SystemHash:          e.SystemHash,
		ConversationID:      e.ConversationID,
		BranchID:            e.BranchID,
		ParentRequestID:     e.ParentRequestID,
		ParentTaskRequestID: e.ParentTaskRequestID,
		IsSubtask:           e.IsSubtask,
		ResponseBody:        e.FullResponseBody,
		ResponseHeaders:     e.ResponseHeaders,
		ResponseFirstText:   e.ResponseFirstText,
		Tokens: Tokens{
			Input:         e.InputTokens,
			Output:        e.OutputTokens,
			CacheCreation: e.CacheCreation,
			CacheRead:     e.CacheRead,
		},
		ToolCallCount:  e.ToolCallCount,
		ProcessingTime: e.ProcessingTime,
		Status:         e.Status,
	})
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func (s *Store) scanParentRequest(row pgx.Row) (conversation.ParentRequest, error) {
	var pr conversation.ParentRequest
	var conversationID, systemHash *string
	if err := row.Scan(&pr.RequestID, &conversationID, &pr.BranchID, &pr.CurrentMessageHash, &systemHash); err != nil {
		return conversation.ParentRequest{}, err
	}
	if conversationID != nil {
		pr.ConversationID = *conversationID
	}
	if systemHash != nil {
		pr.SystemHash = *systemHash
	}
	return pr, nil
}

// Query implements conversation.QueryExecutor.
func (s *Store) Query(ctx context.Context, criteria conversation.QueryCriteria) ([]conversation.ParentRequest, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var b strings.Builder
	b.WriteString(`SELECT request_id, conversation_id, branch_id, current_message_hash, system_hash FROM requests WHERE domain = $1`)
	args := []any{criteria.Domain}

	if criteria.CurrentMessageHash != "" {
		args = append(args, criteria.CurrentMessageHash)
		fmt.Fprintf(&b, " AND current_message_hash = $%d", len(args))
	}
	if criteria.ParentMessageHash != "" {
		args = append(args, criteria.ParentMessageHash)
		fmt.Fprintf(&b, " AND parent_message_hash = $%d", len(args))
	}
	if criteria.SystemHash != "" {
		args = append(args, criteria.SystemHash)
		fmt.Fprintf(&b, " AND system_hash = $%d", len(args))
	}
	if criteria.ExcludeRequestID != "" {
		args = append(args, criteria.ExcludeRequestID)
		fmt.Fprintf(&b, " AND request_id != $%d", len(args))
	}
	if !criteria.BeforeTimestamp.IsZero() {
		args = append(args, criteria.BeforeTimestamp.UTC())
		fmt.Fprintf(&b, " AND created_at < $%d", len(args))
	}
	if criteria.ConversationID != "" {
		args = append(args, criteria.ConversationID)
		fmt.Fprintf(&b, " AND conversation_id = $%d", len(args))
	}
	b.WriteString(" ORDER BY created_at DESC, request_id DESC")

	rows, err := s.pool.Query(ctx, b.String(), args...)
	if err != nil {
		return nil, &proxyerr.StorageError{Op: "query", Err: err}
	}
	defer rows.Close()

	var out []conversation.ParentRequest
	for rows.Next() {
		pr, err := s.scanParentRequest(rows)
		if err != nil {
			return nil, &proxyerr.StorageError{Op: "query_scan", Err: err}
		}
		out = append(out, pr)
	}
	if err := rows.Err(); err != nil {
		return nil, &proxyerr.StorageError{Op: "query_rows", Err: err}
	}
	return out, nil
}

// escapeLike escapes Postgres LIKE metacharacters (and the escape character
// itself) so a summary containing literal "%"/"_" can't widen the match.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// CompactSearch implements conversation.CompactSearchExecutor: a prefix
// match on the stored response's first text block (lowercased).
func (s *Store) CompactSearch(ctx context.Context, domain, normalizedSummary string, afterTs, beforeTs time.Time) (*conversation.ParentRequest, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `
SELECT request_id, conversation_id, branch_id, current_message_hash, system_hash
FROM requests
WHERE domain = $1 AND lower(response_first_text) LIKE $2 AND created_at >= $3`
	args := []any{domain, escapeLike(strings.ToLower(normalizedSummary)) + "%", afterTs.UTC()}
	if !beforeTs.IsZero() {
		args = append(args, beforeTs.UTC())
		query += fmt.Sprintf(" AND created_at <= $%d", len(args))
	}
	query += " ORDER BY created_at DESC, request_id DESC LIMIT 1"

	row := s.pool.QueryRow(ctx, query, args...)
	pr, err := s.scanParentRequest(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, &proxyerr.StorageError{Op: "compact_search", Err: err}
	}
	return &pr, nil
}

// RequestByID implements conversation.RequestByIDExecutor.
func (s *Store) RequestByID(ctx context.Context, requestID string) (*conversation.ParentRequest, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	row := s.pool.QueryRow(ctx, `
SELECT request_id, conversation_id, branch_id, current_message_hash, system_hash
FROM requests WHERE request_id = $1`, requestID)
	pr, err := s.scanParentRequest(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, &proxyerr.StorageError{Op: "request_by_id", Err: err}
	}
	return &pr, nil
}

// SubtaskQuery implements conversation.SubtaskQueryExecutor. Rows are
// expected to carry the invoking Task tool_use block's id and prompt text
// alongside the request; these live in a companion table populated by the
// orchestrator whenever a request's response contains a Task tool_use.
func (s *Store) SubtaskQuery(ctx context.Context, domain string, timestamp time.Time, debug bool, promptFilter string) ([]conversation.TaskInvocation, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `
SELECT request_id, tool_use_id, prompt, created_at
FROM task_invocations
WHERE domain = $1 AND created_at <= $2`
	args := []any{domain, timestamp.UTC()}
	if promptFilter != "" {
		args = append(args, promptFilter)
		query += fmt.Sprintf(" AND prompt = $%d", len(args))
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, &proxyerr.StorageError{Op: "subtask_query", Err: err}
	}
	defer rows.Close()

	var out []conversation.TaskInvocation
	for rows.Next() {
		var ti conversation.TaskInvocation
		if err := rows.Scan(&ti.RequestID, &ti.ToolUseID, &ti.Prompt, &ti.Timestamp); err != nil {
			return nil, &proxyerr.StorageError{Op: "subtask_query_scan", Err: err}
		}
		out = append(out, ti)
	}
	if debug {
		observability.LoggerWithTrace(ctx).Debug().Str("domain", domain).Int("count", len(out)).Msg("subtask_query_debug")
	}
	return out, rows.Err()
}

// MaxSubtaskSequence implements conversation.SubtaskSequenceQueryExecutor.
func (s *Store) MaxSubtaskSequence(ctx context.Context, conversationID string, beforeTimestamp time.Time) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	row := s.pool.QueryRow(ctx, `
SELECT COALESCE(MAX((substring(branch_id from 'subtask_(\d+)'))::int), 0)
FROM requests
WHERE conversation_id = $1 AND is_subtask AND created_at < $2`, conversationID, beforeTimestamp.UTC())
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, &proxyerr.StorageError{Op: "max_subtask_sequence", Err: err}
	}
	return n, nil
}

// RecordTaskInvocation persists a Task tool_use block so SubtaskQuery can
// find it later. Called by the orchestrator whenever a response contains a
// Task tool_use.
func (s *Store) RecordTaskInvocation(ctx context.Context, domain, requestID, toolUseID, prompt string, timestamp time.Time) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
INSERT INTO task_invocations (request_id, tool_use_id, domain, prompt, created_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (request_id, tool_use_id) DO NOTHING`, requestID, toolUseID, domain, prompt, timestamp.UTC())
	if err != nil {
		return &proxyerr.StorageError{Op: "record_task_invocation", Err: err}
	}
	return nil
}
