// Package storage implements the relational persistence layer consumed by
// the conversation linker (spec §6 storage executors) and the metrics
// dispatcher (spec §4.8's storage-row split), backed by Postgres via pgx.
package storage

import (
	"time"

	"convoy/internal/hashing"
)

// Tokens is the §3 Request record's token-accounting sub-object.
type Tokens struct {
	Input         int64
	Output        int64
	CacheCreation int64
	CacheRead     int64
}

// Record is the full §3 Request record: a request and, once complete, its
// response, joined by the conversation-linking fields the linker computed.
type Record struct {
	RequestID string
	Domain    string
	Timestamp time.Time
	Model     string
	Type      string // inference | query_evaluation | quota

	Messages []hashing.Message
	System   []hashing.SystemBlock

	CurrentMessageHash  string
	ParentMessageHash   string
	SystemHash          string
	ConversationID      string
	BranchID            string
	ParentRequestID     string
	ParentTaskRequestID string
	IsSubtask           bool

	ResponseBody    []byte
	ResponseHeaders map[string]string
	// ResponseFirstText is the first text content block of the reconstructed
	// response, kept alongside the raw body so CompactSearchExecutor (§6) can
	// prefix-match a summarization continuation without re-parsing the body.
	ResponseFirstText string
	Tokens            Tokens
	ToolCallCount     int
	ProcessingTime    time.Duration
	Status            string // ok | partial | error
}
