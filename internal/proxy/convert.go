package proxy

import (
	"strings"

	"convoy/internal/hashing"
	"convoy/internal/upstream"
)

// toUpstreamRequest builds the outbound upstream.Request from req. Unlike
// the hashing package's canonical (deduplicated) message shape, this carries
// the full conversation exactly as the caller sent it — the upstream call
// must never see a message dropped by the hasher's dedup pass.
func toUpstreamRequest(req Request) upstream.Request {
	out := upstream.Request{
		Model:       req.Model,
		Stream:      req.Stream,
		Tools:       req.Tools,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		System:      toUpstreamSystem(req.System),
	}
	out.Messages = make([]upstream.RequestMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		out.Messages = append(out.Messages, toUpstreamMessage(m))
	}
	return out
}

func toUpstreamSystem(blocks []hashing.SystemBlock) []upstream.RequestSystemBlock {
	if len(blocks) == 0 {
		return nil
	}
	out := make([]upstream.RequestSystemBlock, len(blocks))
	for i, b := range blocks {
		out[i] = upstream.RequestSystemBlock{Text: b.Text}
	}
	return out
}

func toUpstreamMessage(m hashing.Message) upstream.RequestMessage {
	out := upstream.RequestMessage{Role: string(m.Role)}
	out.Content = make([]upstream.RequestBlock, 0, len(m.Content))
	for _, b := range m.Content {
		out.Content = append(out.Content, toUpstreamBlock(b))
	}
	return out
}

func toUpstreamBlock(b hashing.ContentBlock) upstream.RequestBlock {
	switch b.Kind {
	case hashing.BlockText:
		return upstream.RequestBlock{Kind: "text", Text: b.Text}
	case hashing.BlockImage:
		return upstream.RequestBlock{Kind: "image", ImageMediaType: b.Image.MediaType, ImageData: b.Image.Data}
	case hashing.BlockToolUse:
		return upstream.RequestBlock{Kind: "tool_use", ToolUseID: b.ToolUseID, ToolName: b.ToolName, ToolInput: b.ToolInput}
	case hashing.BlockToolResult:
		return upstream.RequestBlock{Kind: "tool_result", ToolUseID: b.ToolUseID, Text: b.Text}
	default:
		return upstream.RequestBlock{Kind: string(b.Kind), Text: b.Text}
	}
}

// lastUserText returns the stripped text of the most recent user message,
// carried on the metrics event for the notification dispatcher's
// repeat-suppression check.
func lastUserText(messages []hashing.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != hashing.RoleUser {
			continue
		}
		return blockText(messages[i].Content)
	}
	return ""
}

func blockText(blocks []hashing.ContentBlock) string {
	var sb strings.Builder
	for _, b := range blocks {
		if b.Kind == hashing.BlockText {
			if sb.Len() > 0 {
				sb.WriteByte('\n')
			}
			sb.WriteString(b.Text)
		}
	}
	return strings.TrimSpace(sb.String())
}

// firstResponseText returns the text of the first text content block of a
// reconstructed upstream response, or "" if none. Used to populate the
// denormalized response_first_text column the compact-continuation search
// relies on.
func firstResponseText(content []upstream.ContentBlock) string {
	for _, b := range content {
		if b.Type == "text" {
			return b.Text
		}
	}
	return ""
}

func toolCallCount(content []upstream.ContentBlock) int {
	n := 0
	for _, b := range content {
		if b.Type == "tool_use" {
			n++
		}
	}
	return n
}
