package upstream

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"
)

func adaptSystem(blocks []RequestSystemBlock) []anthropic.TextBlockParam {
	if len(blocks) == 0 {
		return nil
	}
	out := make([]anthropic.TextBlockParam, 0, len(blocks))
	for _, b := range blocks {
		if strings.TrimSpace(b.Text) == "" {
			continue
		}
		out = append(out, anthropic.TextBlockParam{Text: b.Text})
	}
	return out
}

func adaptMessages(msgs []RequestMessage) ([]anthropic.MessageParam, error) {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		blocks, err := adaptBlocks(m.Content)
		if err != nil {
			return nil, err
		}
		if len(blocks) == 0 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(m.Role)) {
		case "user", "tool":
			out = append(out, anthropic.NewUserMessage(blocks...))
		case "assistant":
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		default:
			return nil, fmt.Errorf("upstream: unsupported message role %q", m.Role)
		}
	}
	return out, nil
}

func adaptBlocks(blocks []RequestBlock) ([]anthropic.ContentBlockParamUnion, error) {
	out := make([]anthropic.ContentBlockParamUnion, 0, len(blocks))
	for _, b := range blocks {
		switch b.Kind {
		case "text":
			if strings.TrimSpace(b.Text) == "" {
				continue
			}
			out = append(out, anthropic.NewTextBlock(b.Text))
		case "image":
			out = append(out, anthropic.NewImageBlockBase64(b.ImageMediaType, base64.StdEncoding.EncodeToString(b.ImageData)))
		case "tool_use":
			out = append(out, anthropic.NewToolUseBlock(b.ToolUseID, decodeToolInput(b.ToolInput), b.ToolName))
		case "tool_result":
			out = append(out, anthropic.NewToolResultBlock(b.ToolUseID, b.Text, b.ToolResultIsError))
		default:
			return nil, fmt.Errorf("upstream: unsupported content block kind %q", b.Kind)
		}
	}
	return out, nil
}

func adaptTools(tools []ToolDefinition) ([]anthropic.ToolUnionParam, error) {
	if len(tools) == 0 {
		return nil, nil
	}
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		name := strings.TrimSpace(t.Name)
		if name == "" {
			return nil, fmt.Errorf("upstream: tool name required")
		}
		schema := anthropic.ToolInputSchemaParam{Type: constant.ValueOf[constant.Object]()}
		extras := map[string]any{}
		for k, v := range t.InputSchema {
			extras[k] = v
		}
		if props, ok := extras["properties"]; ok {
			schema.Properties = props
			delete(extras, "properties")
		}
		if req, ok := extras["required"]; ok {
			delete(extras, "required")
			if list, ok := req.([]string); ok {
				schema.Required = list
			}
		}
		delete(extras, "type")
		if len(extras) > 0 {
			schema.ExtraFields = extras
		}
		param := anthropic.ToolParam{Name: name, InputSchema: schema}
		if desc := strings.TrimSpace(t.Description); desc != "" {
			param.Description = anthropic.String(desc)
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &param})
	}
	return out, nil
}

func decodeToolInput(raw json.RawMessage) any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err == nil {
		return m
	}
	return map[string]any{}
}

// responseFromMessage converts the SDK's accumulated message into our own
// Response value object, independent of the SDK types.
func responseFromMessage(resp *anthropic.Message) Response {
	if resp == nil {
		return Response{}
	}
	out := Response{
		ID:    resp.ID,
		Model: string(resp.Model),
		Role:  string(resp.Role),
		Usage: Usage{
			InputTokens:              resp.Usage.InputTokens,
			OutputTokens:             resp.Usage.OutputTokens,
			CacheCreationInputTokens: resp.Usage.CacheCreationInputTokens,
			CacheReadInputTokens:     resp.Usage.CacheReadInputTokens,
		},
		StopReason:   string(resp.StopReason),
		StopSequence: resp.StopSequence,
	}
	for _, block := range resp.Content {
		switch v := block.AsAny().(type) {
		case anthropic.TextBlock:
			out.Content = append(out.Content, ContentBlock{Type: "text", Text: v.Text})
		case anthropic.ToolUseBlock:
			input := v.Input
			if len(input) == 0 {
				input = json.RawMessage("{}")
			}
			out.Content = append(out.Content, ContentBlock{
				Type:      "tool_use",
				ToolUseID: v.ID,
				ToolName:  v.Name,
				ToolInput: input,
			})
		}
	}
	return out
}
