package upstream

import (
	"encoding/json"
	"testing"
)

func TestToolBuffer_InitialOnlyNoDeltas(t *testing.T) {
	tb := &toolBuffer{name: "search", id: "call-1"}
	tb.appendInitial(json.RawMessage(`{"query":"x"}`))
	block := tb.block()
	if block.ToolName != "search" || block.ToolUseID != "call-1" {
		t.Fatalf("unexpected block: %#v", block)
	}
	if !json.Valid(block.ToolInput) {
		t.Fatalf("expected valid JSON input, got %q", block.ToolInput)
	}
}

func TestToolBuffer_DeltaReplacesInitialPlaceholder(t *testing.T) {
	tb := &toolBuffer{name: "search", id: "call-1"}
	tb.appendInitial(json.RawMessage(`{}`))
	tb.appendPartial(`{"query"`)
	tb.appendPartial(`:"x"`)
	block := tb.block()
	var decoded map[string]any
	if err := json.Unmarshal(block.ToolInput, &decoded); err != nil {
		t.Fatalf("expected the reassembled deltas to parse as JSON: %v", err)
	}
	if decoded["query"] != "x" {
		t.Fatalf("unexpected decoded input: %#v", decoded)
	}
}

func TestToolBuffer_InvalidJSONFallsBackToEmptyObject(t *testing.T) {
	tb := &toolBuffer{name: "search", id: "call-1"}
	tb.appendInitial(json.RawMessage(`{}`))
	tb.appendPartial(`not valid json at all`)
	block := tb.block()
	if string(block.ToolInput) != "{}" {
		t.Fatalf("expected fallback to {}, got %q", block.ToolInput)
	}
}

func TestReplaceToolBlocks_PreservesOrderAndNonToolBlocks(t *testing.T) {
	content := []ContentBlock{
		{Type: "text", Text: "thinking..."},
		{Type: "tool_use", ToolUseID: "call-1", ToolName: "search", ToolInput: json.RawMessage(`{}`)},
		{Type: "tool_use", ToolUseID: "call-2", ToolName: "lookup", ToolInput: json.RawMessage(`{}`)},
	}
	buffers := map[int64]*toolBuffer{
		0: {name: "search", id: "call-1"},
		1: {name: "lookup", id: "call-2"},
	}
	buffers[0].appendInitial(json.RawMessage(`{}`))
	buffers[0].appendPartial(`{"q":"a"}`)
	buffers[1].appendInitial(json.RawMessage(`{"q":"b"}`))

	out := replaceToolBlocks(content, buffers)
	if len(out) != 3 {
		t.Fatalf("expected 3 blocks, got %d", len(out))
	}
	if out[0].Type != "text" {
		t.Fatalf("expected the leading text block to survive untouched, got %#v", out[0])
	}
	if out[1].ToolUseID != "call-1" || out[2].ToolUseID != "call-2" {
		t.Fatalf("expected tool blocks replaced in index order, got %#v", out)
	}
}
