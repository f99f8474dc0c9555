// Package upstream builds and sends requests to the upstream messages API,
// decoding both the synchronous JSON response and the SSE streaming form into
// a single reconstructed response value.
package upstream

import "encoding/json"

// Usage mirrors the upstream's token accounting fields.
type Usage struct {
	InputTokens              int64
	OutputTokens             int64
	CacheCreationInputTokens int64
	CacheReadInputTokens     int64
}

// ContentBlock is one block of a reconstructed response: "text" or
// "tool_use". ToolInput holds the tool's input JSON; on a streamed response
// it is reassembled from input_json_delta events, and a buffer that is not
// valid JSON is replaced by {}.
type ContentBlock struct {
	Type string

	Text string

	ToolUseID string
	ToolName  string
	ToolInput json.RawMessage
}

// Response is the reconstructed upstream response, built either directly
// from a non-streaming JSON body or incrementally from an SSE event
// sequence.
type Response struct {
	ID           string
	Model        string
	Role         string
	Content      []ContentBlock
	StopReason   string
	StopSequence string
	Usage        Usage
}

// ToolDefinition is one tool exposed to the upstream model.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// Request is the outbound messages-endpoint call, independent of the
// hashing package's canonical forms (a Request carries the full,
// non-deduplicated conversation as the caller wants it sent upstream).
type Request struct {
	Model        string
	Messages     []RequestMessage
	System       []RequestSystemBlock
	Stream       bool
	Tools        []ToolDefinition
	MaxTokens    int64
	Temperature  *float64
}

// RequestMessage is one turn of an outbound request.
type RequestMessage struct {
	Role    string
	Content []RequestBlock
}

// RequestBlock is one content block of an outbound message. Kind is one of
// "text", "image", "tool_use", "tool_result".
type RequestBlock struct {
	Kind string

	Text string

	ImageMediaType string
	ImageData      []byte

	ToolUseID string
	ToolName  string
	ToolInput json.RawMessage

	// ToolResultIsError marks a tool_result block as reporting an error.
	ToolResultIsError bool
}

// RequestSystemBlock is one block of a structured system prompt.
type RequestSystemBlock struct {
	Text string
}
