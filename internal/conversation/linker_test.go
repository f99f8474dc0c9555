package conversation

import (
	"context"
	"testing"
	"time"

	"convoy/internal/hashing"
)

func userText(s string) hashing.Message {
	return hashing.MessageFromString(hashing.RoleUser, s)
}

func assistantText(s string) hashing.Message {
	return hashing.MessageFromString(hashing.RoleAssistant, s)
}

// storedRequest models a full persisted request row: ParentRequest is the
// projection QueryExecutor returns, plus the stored parent_message_hash
// field the branching rule's child lookup filters on (not exposed on
// ParentRequest itself, per spec §6).
type storedRequest struct {
	ParentRequest
	ParentMessageHash string
}

// fakeQuery is an in-memory QueryExecutor/CompactSearchExecutor/
// RequestByIDExecutor/SubtaskQueryExecutor/SubtaskSequenceQueryExecutor
// stand-in, keyed the way a real store would filter.
type fakeQuery struct {
	requests    []storedRequest
	compact     *ParentRequest
	invocations []TaskInvocation
	maxSeq      int
}

func (f *fakeQuery) Query(ctx context.Context, criteria QueryCriteria) ([]ParentRequest, error) {
	var out []ParentRequest
	for _, r := range f.requests {
		if r.RequestID == criteria.ExcludeRequestID {
			continue
		}
		if criteria.CurrentMessageHash != "" && r.CurrentMessageHash != criteria.CurrentMessageHash {
			continue
		}
		if criteria.ParentMessageHash != "" && r.ParentMessageHash != criteria.ParentMessageHash {
			continue
		}
		if criteria.SystemHash != "" && r.SystemHash != criteria.SystemHash {
			continue
		}
		if criteria.ConversationID != "" && r.ConversationID != criteria.ConversationID {
			continue
		}
		out = append(out, r.ParentRequest)
	}
	return out, nil
}

func (f *fakeQuery) CompactSearch(ctx context.Context, domain, normalizedSummary string, afterTs, beforeTs time.Time) (*ParentRequest, error) {
	return f.compact, nil
}

func (f *fakeQuery) RequestByID(ctx context.Context, requestID string) (*ParentRequest, error) {
	for _, r := range f.requests {
		if r.RequestID == requestID {
			pr := r.ParentRequest
			return &pr, nil
		}
	}
	return nil, nil
}

func (f *fakeQuery) SubtaskQuery(ctx context.Context, domain string, timestamp time.Time, debug bool, promptFilter string) ([]TaskInvocation, error) {
	var out []TaskInvocation
	for _, inv := range f.invocations {
		if promptFilter != "" && inv.Prompt != promptFilter {
			continue
		}
		out = append(out, inv)
	}
	return out, nil
}

func (f *fakeQuery) MaxSubtaskSequence(ctx context.Context, conversationID string, beforeTimestamp time.Time) (int, error) {
	return f.maxSeq, nil
}

func newLinker(f *fakeQuery) *Linker {
	return &Linker{
		Query:           f,
		CompactSearch:   f,
		RequestByID:     f,
		SubtaskQuery:    f,
		SubtaskSequence: f,
	}
}

func TestLink_EmptyMessagesIsHardError(t *testing.T) {
	l := newLinker(&fakeQuery{})
	_, err := l.Link(context.Background(), Input{Domain: "d", Messages: nil, Timestamp: time.Unix(0, 0)})
	if err == nil {
		t.Fatal("expected an error for empty messages")
	}
}

func TestLink_NewConversation(t *testing.T) {
	f := &fakeQuery{}
	l := newLinker(f)
	in := Input{
		Domain:    "d",
		Messages:  []hashing.Message{userText("hello")},
		RequestID: "r1",
		Timestamp: time.Unix(1000, 0),
	}
	res, err := l.Link(context.Background(), in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ParentRequestID != "" || res.ConversationID != "" {
		t.Fatalf("expected no linkage for a fresh single-message conversation, got %#v", res)
	}
	if res.BranchID != "main" {
		t.Fatalf("expected default branch 'main', got %q", res.BranchID)
	}
}

// TestLink_DirectContinuation exercises the core hashing law from the
// testable-properties section: the parent_hash of request N equals the
// current_hash of request N-1, for a chain long enough (>=3 deduped
// messages) to define parent_hash.
func TestLink_DirectContinuation(t *testing.T) {
	priorMessages := []hashing.Message{
		userText("u0"), assistantText("a0"), userText("u1"),
	}
	priorHashes := hashing.Derive(priorMessages)

	f := &fakeQuery{requests: []storedRequest{
		{ParentRequest: ParentRequest{RequestID: "parent", ConversationID: "conv-1", BranchID: "main", CurrentMessageHash: priorHashes.Current}},
	}}
	l := newLinker(f)

	currentMessages := append(append([]hashing.Message{}, priorMessages...), assistantText("a1"), userText("u2"))
	in := Input{
		Domain:    "d",
		Messages:  currentMessages,
		RequestID: "child",
		Timestamp: time.Unix(2000, 0),
	}
	res, err := l.Link(context.Background(), in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ParentRequestID != "parent" {
		t.Fatalf("expected to resolve 'parent', got %q", res.ParentRequestID)
	}
	if res.ConversationID != "conv-1" {
		t.Fatalf("expected to inherit conversation id, got %q", res.ConversationID)
	}
	if res.BranchID != "main" {
		t.Fatalf("expected to inherit branch, got %q", res.BranchID)
	}

	wantHashes := hashing.Derive(currentMessages)
	if res.ParentHash != wantHashes.Parent {
		t.Fatalf("parent_hash mismatch: got %q want %q", res.ParentHash, wantHashes.Parent)
	}
	if res.ParentHash != priorHashes.Current {
		t.Fatalf("law violated: child parent_hash %q should equal parent current_hash %q", res.ParentHash, priorHashes.Current)
	}
}

// TestLink_BranchCreationOnSibling exercises the branching rule: a second
// request sharing the same resolved parent opens a new branch for the
// later-arriving sibling.
func TestLink_BranchCreationOnSibling(t *testing.T) {
	priorMessages := []hashing.Message{
		userText("u0"), assistantText("a0"), userText("u1"),
	}
	priorHashes := hashing.Derive(priorMessages)

	f := &fakeQuery{requests: []storedRequest{
		{ParentRequest: ParentRequest{RequestID: "parent", ConversationID: "conv-1", BranchID: "main", CurrentMessageHash: priorHashes.Current}},
	}}
	l := newLinker(f)

	siblingMessages := append(append([]hashing.Message{}, priorMessages...), assistantText("a1-alt"), userText("u2-alt"))
	siblingHashes := hashing.Derive(siblingMessages)

	// first sibling lands on the inherited branch
	res1, err := l.Link(context.Background(), Input{
		Domain: "d", Messages: siblingMessages, RequestID: "sib1", Timestamp: time.Unix(2000, 0),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res1.BranchID != "main" {
		t.Fatalf("expected first sibling to inherit main, got %q", res1.BranchID)
	}

	// record it, then resolve a second sibling with the same parent hash
	f.requests = append(f.requests, storedRequest{
		ParentRequest: ParentRequest{
			RequestID: "sib1", ConversationID: "conv-1", BranchID: "main", CurrentMessageHash: siblingHashes.Current,
		},
		ParentMessageHash: priorHashes.Current,
	})

	otherMessages := append(append([]hashing.Message{}, priorMessages...), assistantText("a1-other"), userText("u2-other"))
	res2, err := l.Link(context.Background(), Input{
		Domain: "d", Messages: otherMessages, RequestID: "sib2", Timestamp: time.Unix(3000, 0),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res2.BranchID == "main" {
		t.Fatalf("expected the second sibling to open a new branch, got %q", res2.BranchID)
	}
	if res2.ConversationID != "conv-1" {
		t.Fatalf("expected the new branch to stay in the same conversation, got %q", res2.ConversationID)
	}
}

// TestLink_GrandparentFallback exercises the i-iv ladder's final rung: no
// direct parent match, but a grandparent match exists and the deduped
// sequence has more than 4 messages.
func TestLink_GrandparentFallback(t *testing.T) {
	grandparentMessages := []hashing.Message{
		userText("u0"), assistantText("a0"), userText("u1"),
	}
	gpHashes := hashing.Derive(grandparentMessages)

	f := &fakeQuery{requests: []storedRequest{
		{ParentRequest: ParentRequest{RequestID: "grandparent", ConversationID: "conv-1", BranchID: "main", CurrentMessageHash: gpHashes.Current}},
	}}
	l := newLinker(f)

	// seven messages: the parent (n-2) request was never recorded (e.g. the
	// proxy crashed before persisting it), but the grandparent (n-4) was.
	currentMessages := append(append([]hashing.Message{}, grandparentMessages...),
		assistantText("a1"), userText("u2"), assistantText("a2"), userText("u3"))

	res, err := l.Link(context.Background(), Input{
		Domain: "d", Messages: currentMessages, RequestID: "child", Timestamp: time.Unix(4000, 0),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ParentRequestID != "grandparent" {
		t.Fatalf("expected grandparent fallback to resolve 'grandparent', got %q", res.ParentRequestID)
	}
	if res.ConversationID != "conv-1" || res.BranchID != "main" {
		t.Fatalf("expected to inherit grandparent's conversation/branch verbatim, got %#v", res)
	}
}

// TestLink_SubtaskInheritance exercises the single-message sub-task
// correlation path: a lone user message whose text matches a recorded
// Task-tool invocation's prompt inherits the parent's conversation under a
// new subtask_N branch.
func TestLink_SubtaskInheritance(t *testing.T) {
	f := &fakeQuery{
		requests: []storedRequest{
			{ParentRequest: ParentRequest{RequestID: "parent-task", ConversationID: "conv-1", BranchID: "main"}},
		},
		invocations: []TaskInvocation{
			{RequestID: "parent-task", ToolUseID: "tool-1", Prompt: "do the thing", Timestamp: time.Unix(500, 0)},
		},
		maxSeq: 0,
	}
	l := newLinker(f)

	res, err := l.Link(context.Background(), Input{
		Domain:    "d",
		Messages:  []hashing.Message{userText("do the thing")},
		RequestID: "subtask-req",
		ToolUseID: "tool-1",
		Timestamp: time.Unix(600, 0),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.IsSubtask {
		t.Fatal("expected IsSubtask to be true")
	}
	if res.ConversationID != "conv-1" {
		t.Fatalf("expected to inherit the parent task's conversation, got %q", res.ConversationID)
	}
	if res.ParentTaskRequestID != "parent-task" {
		t.Fatalf("expected parent task request id, got %q", res.ParentTaskRequestID)
	}
	if res.BranchID != "subtask_1" {
		t.Fatalf("expected branch subtask_1, got %q", res.BranchID)
	}
}

// TestLink_CompactContinuation exercises the single-message compact-summary
// correlation path.
func TestLink_CompactContinuation(t *testing.T) {
	f := &fakeQuery{
		compact: &ParentRequest{RequestID: "pre-compact", ConversationID: "conv-1", CurrentMessageHash: "abc123"},
	}
	l := newLinker(f)

	text := "This session is being continued from a previous conversation that ran out of context. " +
		"The conversation is summarized below: we were refactoring the widget loader. " +
		"Please continue the conversation from where it left off."

	res, err := l.Link(context.Background(), Input{
		Domain:    "d",
		Messages:  []hashing.Message{userText(text)},
		RequestID: "compact-req",
		Timestamp: time.Unix(7000, 0),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ConversationID != "conv-1" {
		t.Fatalf("expected to resolve the pre-compact conversation, got %q", res.ConversationID)
	}
	if res.ParentRequestID != "pre-compact" {
		t.Fatalf("expected parent request id pre-compact, got %q", res.ParentRequestID)
	}
	if res.ParentHash != "abc123" {
		t.Fatalf("expected parent hash carried from the matched response, got %q", res.ParentHash)
	}
}

func TestLink_TooFewMessagesForParentHashFallsBackToNew(t *testing.T) {
	f := &fakeQuery{}
	l := newLinker(f)

	// two messages: parent_hash is undefined (n < 3), so this can never
	// resolve via the priority ladder regardless of what Query returns.
	res, err := l.Link(context.Background(), Input{
		Domain:    "d",
		Messages:  []hashing.Message{userText("u0"), assistantText("a0")},
		RequestID: "r1",
		Timestamp: time.Unix(1000, 0),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ParentRequestID != "" {
		t.Fatalf("expected no parent for a 2-message request, got %q", res.ParentRequestID)
	}
}
