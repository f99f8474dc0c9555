// Package proxy implements the Proxy Orchestrator: the single entry point
// that binds the conversation linker, credential manager, circuit breaker,
// retry engine, upstream client, and metrics dispatcher into one request
// lifecycle.
package proxy

import (
	"time"

	"convoy/internal/hashing"
	"convoy/internal/upstream"
)

// Request is the in-memory value object the orchestrator builds from an
// inbound call (step 1 of the lifecycle). Messages and System use the
// hashing package's canonical block shapes since they feed both the
// conversation linker and the upstream call; Tools/MaxTokens/Temperature are
// passed straight through to the upstream client.
type Request struct {
	Domain    string
	RequestID string
	// Type is one of inference, query_evaluation, quota. Non-inference
	// types are never persisted (spec §4.7 step 6).
	Type      string
	Model     string
	Messages  []hashing.Message
	System    []hashing.SystemBlock
	Stream    bool
	Tools     []upstream.ToolDefinition
	MaxTokens int64
	Temperature *float64

	// InboundHeaders are forwarded to the upstream call, overridden by
	// whatever the credential outcome sets (credentials always win).
	InboundHeaders map[string]string
	// InboundBearer is the bearer token on the inbound request, consulted
	// only as a personal-fallback credential (§4.3) — distinct from the
	// service-to-service bearer verified by internal/reqauth upstream of
	// this package.
	InboundBearer string
	// ToolUseID, when set, names the Task-tool invocation that spawned this
	// request, letting the linker's sub-task check disambiguate between
	// multiple invocations sharing the same prompt.
	ToolUseID string
	Timestamp time.Time
}

// Response is what the orchestrator hands back once the upstream call (and,
// for non-streaming requests, persistence/dispatch) has completed.
type Response struct {
	RequestID  string
	Model      string
	Content    []upstream.ContentBlock
	StopReason string
	Usage      upstream.Usage
	// Status is ok, partial (stream ended early), or error.
	Status string
}
