package main

import (
	"encoding/json"
	"fmt"

	"convoy/internal/hashing"
	"convoy/internal/upstream"
)

// wireRequest is the inbound messages-endpoint JSON body, shaped like the
// upstream wire contract itself (spec §6: "POST JSON {model, messages,
// system?, stream?, tools?, ...}") so callers already speaking the Anthropic
// messages API can point at this proxy unmodified.
type wireRequest struct {
	Model       string          `json:"model"`
	Messages    []wireMessage   `json:"messages"`
	System      json.RawMessage `json:"system,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	Tools       []wireTool      `json:"tools,omitempty"`
	MaxTokens   int64           `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
}

type wireMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type wireBlock struct {
	Type string `json:"type"`

	Text string `json:"text,omitempty"`

	Source *wireImageSource `json:"source,omitempty"`

	ID      string          `json:"id,omitempty"`
	Name    string          `json:"name,omitempty"`
	Input   json.RawMessage `json:"input,omitempty"`
	ToolUse string          `json:"tool_use_id,omitempty"`

	Content json.RawMessage `json:"content,omitempty"`
	IsError bool            `json:"is_error,omitempty"`
}

type wireImageSource struct {
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type wireTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// decodeMessages turns the raw wire messages into the canonical hashing
// shape the conversation linker and content hasher operate on. Dedup of
// repeated tool_use/tool_result ids happens downstream in internal/hashing;
// this step only reshapes JSON into Go values.
func decodeMessages(in []wireMessage) ([]hashing.Message, error) {
	out := make([]hashing.Message, 0, len(in))
	for _, m := range in {
		blocks, err := decodeContent(m.Content)
		if err != nil {
			return nil, fmt.Errorf("message role %q: %w", m.Role, err)
		}
		out = append(out, hashing.Message{Role: hashing.Role(m.Role), Content: blocks})
	}
	return out, nil
}

// decodeContent accepts either a bare string (shorthand for a single text
// block) or a JSON array of typed blocks.
func decodeContent(raw json.RawMessage) ([]hashing.ContentBlock, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return []hashing.ContentBlock{{Kind: hashing.BlockText, Text: asString}}, nil
	}
	var wireBlocks []wireBlock
	if err := json.Unmarshal(raw, &wireBlocks); err != nil {
		return nil, fmt.Errorf("decode content: %w", err)
	}
	blocks := make([]hashing.ContentBlock, 0, len(wireBlocks))
	for _, b := range wireBlocks {
		blocks = append(blocks, decodeBlock(b))
	}
	return blocks, nil
}

func decodeBlock(b wireBlock) hashing.ContentBlock {
	switch b.Type {
	case "image":
		block := hashing.ContentBlock{Kind: hashing.BlockImage}
		if b.Source != nil {
			block.Image = hashing.ImageSource{MediaType: b.Source.MediaType, Data: b.Source.Data}
		}
		return block
	case "tool_use":
		return hashing.ContentBlock{Kind: hashing.BlockToolUse, ToolUseID: b.ID, ToolName: b.Name, ToolInput: []byte(b.Input)}
	case "tool_result":
		return hashing.ContentBlock{Kind: hashing.BlockToolResult, ToolUseID: b.ToolUse, Text: toolResultText(b.Content)}
	default:
		return hashing.ContentBlock{Kind: hashing.BlockText, Text: b.Text}
	}
}

// toolResultText extracts a plain-text rendering of a tool_result's content
// for hashing/last-user-text purposes, accepting either a bare string or a
// nested block array (only the first text block of which is used).
func toolResultText(raw json.RawMessage) string {
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString
	}
	var blocks []wireBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		for _, b := range blocks {
			if b.Type == "text" || b.Type == "" {
				return b.Text
			}
		}
	}
	return ""
}

func decodeSystem(raw json.RawMessage) ([]hashing.SystemBlock, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		if asString == "" {
			return nil, nil
		}
		return []hashing.SystemBlock{{Text: asString}}, nil
	}
	var blocks []wireBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil, fmt.Errorf("decode system: %w", err)
	}
	out := make([]hashing.SystemBlock, 0, len(blocks))
	for _, b := range blocks {
		out = append(out, hashing.SystemBlock{Text: b.Text})
	}
	return out, nil
}

func decodeTools(in []wireTool) []upstream.ToolDefinition {
	if len(in) == 0 {
		return nil
	}
	out := make([]upstream.ToolDefinition, 0, len(in))
	for _, t := range in {
		out = append(out, upstream.ToolDefinition{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}
	return out
}

// wireResponse is the outbound JSON body for a non-streaming reply, shaped
// like the upstream messages API's own response so a caller speaking that
// API sees no difference forwarding through this proxy.
type wireResponse struct {
	ID         string            `json:"id"`
	Model      string            `json:"model"`
	Role       string            `json:"role"`
	Content    []wireRespBlock   `json:"content"`
	StopReason string            `json:"stop_reason,omitempty"`
	Usage      wireResponseUsage `json:"usage"`
}

type wireRespBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ToolUseID string          `json:"id,omitempty"`
	ToolName  string          `json:"name,omitempty"`
	ToolInput json.RawMessage `json:"input,omitempty"`
}

type wireResponseUsage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
}

func encodeResponse(content []upstream.ContentBlock, model, requestID, stopReason string, usage upstream.Usage) wireResponse {
	blocks := make([]wireRespBlock, 0, len(content))
	for _, b := range content {
		blocks = append(blocks, wireRespBlock{Type: b.Type, Text: b.Text, ToolUseID: b.ToolUseID, ToolName: b.ToolName, ToolInput: b.ToolInput})
	}
	return wireResponse{
		ID:         requestID,
		Model:      model,
		Role:       "assistant",
		Content:    blocks,
		StopReason: stopReason,
		Usage: wireResponseUsage{
			InputTokens:              usage.InputTokens,
			OutputTokens:             usage.OutputTokens,
			CacheCreationInputTokens: usage.CacheCreationInputTokens,
			CacheReadInputTokens:     usage.CacheReadInputTokens,
		},
	}
}

// wireError is the error body shape required by spec §6: "{error:{type,
// message}} with non-2xx HTTP status".
type wireError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func encodeError(kind, message string) wireError {
	var e wireError
	e.Error.Type = kind
	e.Error.Message = message
	return e
}
