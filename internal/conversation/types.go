// Package conversation implements the conversation linker (spec §4.2): given
// an incoming request's messages, it resolves which prior conversation (if
// any) the request continues, which branch it lands on, and the hash chain
// tying it to its parent and grandparent.
package conversation

import (
	"context"
	"time"
)

// ParentRequest is the shape a matched prior request is reported in by every
// executor below.
type ParentRequest struct {
	RequestID          string
	ConversationID     string
	BranchID           string
	CurrentMessageHash string
	SystemHash         string
}

// TaskInvocation is one recorded Task-tool call: the tool_use block's id,
// the prompt text passed to the sub-task, and the timestamp of the request
// that issued it.
type TaskInvocation struct {
	RequestID string
	ToolUseID string
	Prompt    string
	Timestamp time.Time
}

// QueryCriteria filters the QueryExecutor. Zero-value fields are not
// applied as filters.
type QueryCriteria struct {
	Domain             string
	CurrentMessageHash string
	ParentMessageHash  string
	SystemHash         string
	ExcludeRequestID   string
	BeforeTimestamp    time.Time
	ConversationID     string
}

// QueryExecutor resolves candidate parent requests matching criteria,
// ordered by descending timestamp then descending request_id.
type QueryExecutor interface {
	Query(ctx context.Context, criteria QueryCriteria) ([]ParentRequest, error)
}

// CompactSearchExecutor finds a prior response whose first text block
// (lowercased) starts with normalizedSummary, within [afterTs, beforeTs].
type CompactSearchExecutor interface {
	CompactSearch(ctx context.Context, domain, normalizedSummary string, afterTs, beforeTs time.Time) (*ParentRequest, error)
}

// RequestByIDExecutor looks up a single request by id.
type RequestByIDExecutor interface {
	RequestByID(ctx context.Context, requestID string) (*ParentRequest, error)
}

// SubtaskQueryExecutor returns recent Task-tool invocations in domain,
// optionally filtered to those whose prompt equals promptFilter.
type SubtaskQueryExecutor interface {
	SubtaskQuery(ctx context.Context, domain string, timestamp time.Time, debug bool, promptFilter string) ([]TaskInvocation, error)
}

// SubtaskSequenceQueryExecutor returns the max N across existing subtask_N
// branches in conversationID before beforeTimestamp, or 0 if none exist.
type SubtaskSequenceQueryExecutor interface {
	MaxSubtaskSequence(ctx context.Context, conversationID string, beforeTimestamp time.Time) (int, error)
}
