// Package metrics implements the Metrics & Notification Dispatcher (spec
// §4.8): per-request token accounting, an optional analytics sink, an
// optional notification bus, and an optional best-effort telemetry POST.
package metrics

import (
	"time"

	"convoy/internal/hashing"
)

// Event is what the orchestrator hands the dispatcher once a request/response
// pair has completed (or a stream has terminated) — the full union spec
// §4.8 describes as "(request, response, context, auth, conversationData,
// responseHeaders, fullResponseBody)". It carries everything a
// StorageSink needs to persist the §3 Request record, plus the narrower
// fields the token tracker and notification paths use.
type Event struct {
	Domain    string
	RequestID string
	Model     string
	Type      string // inference | query_evaluation | quota
	Status    string // ok | partial | error

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

	LastUserText      string
	ResponseFirstText string
	InputTokens       int64
	OutputTokens      int64
	CacheCreation     int64
	CacheRead         int64
	ToolCallCount     int
	ProcessingTime    time.Duration
	ResponseHeaders   map[string]string
	FullResponseBody  []byte
	Err               error
	Timestamp         time.Time
}

// Storable reports whether this event's type is persisted at all (spec
// §4.7 step 6 / §4.8: query_evaluation and quota requests are skipped).
func (e Event) Storable() bool {
	return e.Type != "query_evaluation" && e.Type != "quota"
}

// DomainTotals is a point-in-time snapshot of one domain's token/tool-call
// aggregate.
type DomainTotals struct {
	Domain        string `json:"domain"`
	InputTokens   int64  `json:"input_tokens"`
	OutputTokens  int64  `json:"output_tokens"`
	CacheCreation int64  `json:"cache_creation_tokens"`
	CacheRead     int64  `json:"cache_read_tokens"`
	ToolCalls     int64  `json:"tool_calls"`
	Inference     int64  `json:"inference_requests"`
	QueryEval     int64  `json:"query_eval_requests"`
}

// Notification is the broadcast payload for a completed conversation turn,
// sent to the notification bus and/or the telemetry webhook.
type Notification struct {
	Domain         string    `json:"domain"`
	ConversationID string    `json:"conversation_id"`
	RequestID      string    `json:"request_id"`
	Model          string    `json:"model"`
	Status         string    `json:"status"`
	UserText       string    `json:"user_text"`
	Timestamp      time.Time `json:"timestamp"`
}
