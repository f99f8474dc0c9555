package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"convoy/internal/conversation"
	"convoy/internal/hashing"
	"convoy/internal/metrics"
	"convoy/internal/upstream"
)

func userMsg(text string) hashing.Message {
	return hashing.Message{Role: hashing.RoleUser, Content: []hashing.ContentBlock{{Kind: hashing.BlockText, Text: text}}}
}

func TestToUpstreamRequest_MapsBlocksAndSystem(t *testing.T) {
	req := Request{
		Model:    "claude-test",
		System:   []hashing.SystemBlock{{Text: "be helpful"}},
		Messages: []hashing.Message{userMsg("hello")},
	}
	out := toUpstreamRequest(req)
	if len(out.System) != 1 || out.System[0].Text != "be helpful" {
		t.Fatalf("unexpected system mapping: %#v", out.System)
	}
	if len(out.Messages) != 1 || out.Messages[0].Role != "user" {
		t.Fatalf("unexpected message mapping: %#v", out.Messages)
	}
	if out.Messages[0].Content[0].Kind != "text" || out.Messages[0].Content[0].Text != "hello" {
		t.Fatalf("unexpected block mapping: %#v", out.Messages[0].Content)
	}
}

func TestToUpstreamBlock_MapsToolUseAndResult(t *testing.T) {
	b := toUpstreamBlock(hashing.ContentBlock{Kind: hashing.BlockToolUse, ToolUseID: "t1", ToolName: "search", ToolInput: []byte(`{"q":"x"}`)})
	if b.Kind != "tool_use" || b.ToolUseID != "t1" || b.ToolName != "search" {
		t.Fatalf("unexpected tool_use mapping: %#v", b)
	}
	r := toUpstreamBlock(hashing.ContentBlock{Kind: hashing.BlockToolResult, ToolUseID: "t1", Text: "result text"})
	if r.Kind != "tool_result" || r.ToolUseID != "t1" || r.Text != "result text" {
		t.Fatalf("unexpected tool_result mapping: %#v", r)
	}
}

func TestLastUserText_ReturnsMostRecentUserMessage(t *testing.T) {
	msgs := []hashing.Message{
		userMsg("first"),
		{Role: hashing.RoleAssistant, Content: []hashing.ContentBlock{{Kind: hashing.BlockText, Text: "reply"}}},
		userMsg("second"),
	}
	if got := lastUserText(msgs); got != "second" {
		t.Fatalf("expected %q, got %q", "second", got)
	}
}

func TestLastUserText_EmptyWhenNoUserMessages(t *testing.T) {
	msgs := []hashing.Message{{Role: hashing.RoleAssistant, Content: []hashing.ContentBlock{{Kind: hashing.BlockText, Text: "reply"}}}}
	if got := lastUserText(msgs); got != "" {
		t.Fatalf("expected empty string, got %q", got)
	}
}

func TestFirstResponseText_ReturnsFirstTextBlock(t *testing.T) {
	content := []upstream.ContentBlock{
		{Type: "tool_use", ToolName: "search"},
		{Type: "text", Text: "the answer"},
		{Type: "text", Text: "ignored"},
	}
	if got := firstResponseText(content); got != "the answer" {
		t.Fatalf("expected %q, got %q", "the answer", got)
	}
}

func TestToolCallCount_CountsToolUseBlocksOnly(t *testing.T) {
	content := []upstream.ContentBlock{{Type: "text"}, {Type: "tool_use"}, {Type: "tool_use"}}
	if got := toolCallCount(content); got != 2 {
		t.Fatalf("expected 2, got %d", got)
	}
}

func TestMarshalResponseBody_RoundTrips(t *testing.T) {
	resp := upstream.Response{ID: "msg_1", Model: "claude-test", Role: "assistant", Content: []upstream.ContentBlock{{Type: "text", Text: "hi"}}}
	body := marshalResponseBody(resp)
	var decoded responseBody
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.ID != "msg_1" || decoded.Content[0].Text != "hi" {
		t.Fatalf("unexpected round trip: %#v", decoded)
	}
}

func TestOrchestrator_Link_NoLinkerReturnsMainBranch(t *testing.T) {
	o := &Orchestrator{}
	res := o.link(context.Background(), Request{Messages: []hashing.Message{userMsg("hi")}})
	if res.BranchID != "main" {
		t.Fatalf("expected main branch with no linker configured, got %q", res.BranchID)
	}
}

func TestOrchestrator_Link_NoMessagesReturnsMainBranch(t *testing.T) {
	o := &Orchestrator{Linker: &conversation.Linker{}}
	res := o.link(context.Background(), Request{})
	if res.BranchID != "main" {
		t.Fatalf("expected main branch with no messages, got %q", res.BranchID)
	}
}

func TestOrchestrator_Link_AllocatesConversationIDWhenLinkerReturnsNone(t *testing.T) {
	o := &Orchestrator{Linker: &conversation.Linker{}}
	res := o.link(context.Background(), Request{
		Domain:    "example.com",
		Messages:  []hashing.Message{userMsg("hello")},
		Timestamp: time.Now(),
	})
	if res.ConversationID == "" {
		t.Fatal("expected a conversation id to be allocated")
	}
	if res.BranchID != "main" {
		t.Fatalf("expected main branch for a brand-new conversation, got %q", res.BranchID)
	}
}

func TestIsClientDisconnect_TrueOnCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if !isClientDisconnect(ctx, context.Canceled) {
		t.Fatal("expected a canceled context with context.Canceled to be reported as a disconnect")
	}
}

func TestIsClientDisconnect_FalseWhenContextStillLive(t *testing.T) {
	if isClientDisconnect(context.Background(), errors.New("boom")) {
		t.Fatal("expected a live context not to be reported as a disconnect")
	}
}

type fakeStorage struct {
	events []metrics.Event
}

func (f *fakeStorage) StoreEvent(_ context.Context, e metrics.Event) error {
	f.events = append(f.events, e)
	return nil
}

func TestOrchestrator_Dispatch_StoresInferenceEventWithConversationData(t *testing.T) {
	storage := &fakeStorage{}
	o := &Orchestrator{Dispatcher: metrics.NewDispatcher(storage, metrics.NewTokenTracker(), nil, nil, nil)}

	req := Request{
		Domain:    "example.com",
		RequestID: "req-1",
		Type:      "inference",
		Messages:  []hashing.Message{userMsg("hello")},
		Timestamp: time.Now(),
	}
	link := conversation.Result{ConversationID: "conv-1", BranchID: "main", CurrentHash: "hash-1"}
	resp := upstream.Response{Content: []upstream.ContentBlock{{Type: "text", Text: "hi there"}}}

	o.dispatch(context.Background(), req, link, resp, "ok", nil, time.Now())

	if len(storage.events) != 1 {
		t.Fatalf("expected one stored event, got %d", len(storage.events))
	}
	got := storage.events[0]
	if got.ConversationID != "conv-1" || got.RequestID != "req-1" || got.LastUserText != "hello" {
		t.Fatalf("unexpected stored event: %#v", got)
	}
}

func TestOrchestrator_Dispatch_SkipsStorageForQuota(t *testing.T) {
	storage := &fakeStorage{}
	o := &Orchestrator{Dispatcher: metrics.NewDispatcher(storage, metrics.NewTokenTracker(), nil, nil, nil)}

	req := Request{Domain: "example.com", RequestID: "req-2", Type: "quota", Timestamp: time.Now()}
	o.dispatch(context.Background(), req, conversation.Result{}, upstream.Response{}, "ok", nil, time.Now())

	if len(storage.events) != 0 {
		t.Fatalf("expected quota events not to be stored, got %d", len(storage.events))
	}
}

func TestTaskPrompt_ExtractsPromptField(t *testing.T) {
	if got := taskPrompt(json.RawMessage(`{"prompt":"do X","description":"short"}`)); got != "do X" {
		t.Fatalf("expected %q, got %q", "do X", got)
	}
}

func TestTaskPrompt_EmptyOnMissingOrMalformedInput(t *testing.T) {
	if got := taskPrompt(nil); got != "" {
		t.Fatalf("expected empty for nil input, got %q", got)
	}
	if got := taskPrompt(json.RawMessage(`not json`)); got != "" {
		t.Fatalf("expected empty for malformed input, got %q", got)
	}
	if got := taskPrompt(json.RawMessage(`{"description":"short"}`)); got != "" {
		t.Fatalf("expected empty when prompt field is absent, got %q", got)
	}
}

type fakeTaskRecorder struct {
	calls []conversation.TaskInvocation
	err   error
}

func (f *fakeTaskRecorder) RecordTaskInvocation(_ context.Context, _, requestID, toolUseID, prompt string, timestamp time.Time) error {
	f.calls = append(f.calls, conversation.TaskInvocation{RequestID: requestID, ToolUseID: toolUseID, Prompt: prompt, Timestamp: timestamp})
	return f.err
}

func TestOrchestrator_RecordTaskInvocations_RecordsTaskToolUseOnly(t *testing.T) {
	tasks := &fakeTaskRecorder{}
	o := &Orchestrator{Tasks: tasks}

	req := Request{Domain: "example.com", RequestID: "req-1", Timestamp: time.Now()}
	resp := upstream.Response{Content: []upstream.ContentBlock{
		{Type: "text", Text: "hello"},
		{Type: "tool_use", ToolName: "search", ToolUseID: "t1", ToolInput: json.RawMessage(`{"q":"x"}`)},
		{Type: "tool_use", ToolName: "Task", ToolUseID: "t2", ToolInput: json.RawMessage(`{"prompt":"do X"}`)},
	}}

	o.recordTaskInvocations(context.Background(), req, resp)

	if len(tasks.calls) != 1 {
		t.Fatalf("expected exactly one recorded invocation, got %d", len(tasks.calls))
	}
	got := tasks.calls[0]
	if got.RequestID != "req-1" || got.ToolUseID != "t2" || got.Prompt != "do X" {
		t.Fatalf("unexpected recorded invocation: %#v", got)
	}
}

func TestOrchestrator_RecordTaskInvocations_NoopWithoutTasksOrContent(t *testing.T) {
	o := &Orchestrator{}
	o.recordTaskInvocations(context.Background(), Request{}, upstream.Response{Content: []upstream.ContentBlock{
		{Type: "tool_use", ToolName: "Task", ToolInput: json.RawMessage(`{"prompt":"do X"}`)},
	}})

	tasks := &fakeTaskRecorder{}
	o = &Orchestrator{Tasks: tasks}
	o.recordTaskInvocations(context.Background(), Request{}, upstream.Response{Content: []upstream.ContentBlock{
		{Type: "tool_use", ToolName: "Task", ToolInput: json.RawMessage(`{"description":"no prompt field"}`)},
	}})
	if len(tasks.calls) != 0 {
		t.Fatalf("expected no recorded invocation when prompt is absent, got %d", len(tasks.calls))
	}
}
