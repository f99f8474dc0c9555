package conversation

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"convoy/internal/hashing"
	"convoy/internal/observability"
	"convoy/internal/proxyerr"
)

const (
	compactMarkerStart   = "This session is being continued from a previous conversation that ran out of context"
	compactMarkerSummary = "The conversation is summarized below:"
	compactMarkerContinue = "Please continue the conversation"

	summarizationSystemPhrase = "You are a helpful AI assistant tasked with summarizing conversations"

	compactWindow = 7 * 24 * time.Hour
)

// Input is what the orchestrator hands the linker for one request.
type Input struct {
	Domain    string
	Messages  []hashing.Message
	System    []hashing.SystemBlock
	RequestID string
	Timestamp time.Time

	// ToolUseID, when set, is the tool_use id of the Task-tool invocation
	// that spawned this request. The spec does not name this field
	// explicitly; it is required to deterministically correlate a
	// sub-task execution request back to the specific invocation that
	// queued it when more than one invocation shares the same prompt text
	// — see DESIGN.md.
	ToolUseID string
}

// Result is what the linker resolves for the orchestrator to persist.
type Result struct {
	ConversationID      string
	ParentRequestID     string
	BranchID            string
	CurrentHash         string
	ParentHash          string
	SystemHash          string
	IsSubtask           bool
	ParentTaskRequestID string
	SubtaskSequence     int
}

// Linker coordinates the executors; it holds no state between calls.
type Linker struct {
	Query           QueryExecutor
	CompactSearch   CompactSearchExecutor
	RequestByID     RequestByIDExecutor
	SubtaskQuery    SubtaskQueryExecutor
	SubtaskSequence SubtaskSequenceQueryExecutor
}

// Link resolves conversation linkage for in. Executor errors are caught and
// logged; the linker falls back to "new conversation" rather than
// propagating them. Empty messages is the one hard error.
func (l *Linker) Link(ctx context.Context, in Input) (Result, error) {
	if len(in.Messages) == 0 {
		return Result{}, &proxyerr.ValidationError{Message: "conversation linker requires at least one message"}
	}

	log := observability.LoggerWithTrace(ctx)
	hashes := hashing.Derive(in.Messages)
	systemHash := ""
	if len(in.System) > 0 {
		systemHash = hashing.HashSystem(in.System)
	}

	result := Result{CurrentHash: hashes.Current, SystemHash: systemHash, BranchID: "main"}

	if countUserMessages(in.Messages) == 1 {
		if res, ok := l.singleMessageBranch(ctx, in, log); ok {
			res.CurrentHash = hashes.Current
			res.SystemHash = systemHash
			return res, nil
		}
		return result, nil
	}

	if hashing.DedupedLen(in.Messages) < 3 {
		return result, nil
	}

	res, ok := l.multiMessageBranch(ctx, in, hashes, systemHash, log)
	if !ok {
		return result, nil
	}
	return res, nil
}

func countUserMessages(msgs []hashing.Message) int {
	n := 0
	for _, m := range msgs {
		if m.Role == hashing.RoleUser {
			n++
		}
	}
	return n
}

func singleUserText(msgs []hashing.Message) string {
	for _, m := range msgs {
		if m.Role != hashing.RoleUser {
			continue
		}
		var sb strings.Builder
		for _, b := range m.Content {
			if b.Kind == hashing.BlockText {
				sb.WriteString(b.Text)
			}
		}
		return strings.TrimSpace(sb.String())
	}
	return ""
}

// singleMessageBranch implements spec §4.2's sub-task and
// compact-continuation checks. ok is false when neither check matched and
// the caller should fall through to "new conversation".
func (l *Linker) singleMessageBranch(ctx context.Context, in Input, log *zerolog.Logger) (Result, bool) {
	text := singleUserText(in.Messages)

	if res, ok := l.subtaskCheck(ctx, in, text, log); ok {
		return res, true
	}
	if res, ok := l.compactCheck(ctx, in, text, log); ok {
		return res, true
	}
	return Result{}, false
}

func (l *Linker) subtaskCheck(ctx context.Context, in Input, text string, log *zerolog.Logger) (Result, bool) {
	if l.SubtaskQuery == nil || l.RequestByID == nil || l.SubtaskSequence == nil || text == "" {
		return Result{}, false
	}
	invocations, err := l.SubtaskQuery.SubtaskQuery(ctx, in.Domain, in.Timestamp, false, text)
	if err != nil {
		log.Error().Err(err).Str("domain", in.Domain).Msg("conversation_subtask_query_error")
		return Result{}, false
	}
	if len(invocations) == 0 {
		return Result{}, false
	}

	matched := selectInvocation(invocations, in.ToolUseID)
	if matched == nil {
		return Result{}, false
	}

	parentTask, err := l.RequestByID.RequestByID(ctx, matched.RequestID)
	if err != nil || parentTask == nil {
		if err != nil {
			log.Error().Err(err).Str("request_id", matched.RequestID).Msg("conversation_subtask_parent_lookup_error")
		}
		return Result{}, false
	}

	base, err := l.SubtaskSequence.MaxSubtaskSequence(ctx, parentTask.ConversationID, in.Timestamp)
	if err != nil {
		log.Error().Err(err).Str("conversation_id", parentTask.ConversationID).Msg("conversation_subtask_sequence_error")
		base = 0
	}
	k := siblingRank(invocations, *matched)

	return Result{
		ConversationID:      parentTask.ConversationID,
		BranchID:            subtaskBranchID(base + k),
		IsSubtask:            true,
		ParentTaskRequestID: matched.RequestID,
		SubtaskSequence:     base + k,
	}, true
}

// selectInvocation picks the TaskInvocation this request correlates to. When
// toolUseID is known it is matched exactly; otherwise, with a single
// candidate there is no ambiguity, and with multiple candidates the most
// recent is used as a best-effort default.
func selectInvocation(invocations []TaskInvocation, toolUseID string) *TaskInvocation {
	if toolUseID != "" {
		for i := range invocations {
			if invocations[i].ToolUseID == toolUseID {
				return &invocations[i]
			}
		}
		return nil
	}
	if len(invocations) == 1 {
		return &invocations[0]
	}
	latest := invocations[0]
	for _, inv := range invocations[1:] {
		if inv.Timestamp.After(latest.Timestamp) {
			latest = inv
		}
	}
	return &latest
}

// siblingRank returns matched's 1-based position, by ascending timestamp,
// among invocations sharing matched's RequestID (its parent).
func siblingRank(invocations []TaskInvocation, matched TaskInvocation) int {
	siblings := make([]TaskInvocation, 0, len(invocations))
	for _, inv := range invocations {
		if inv.RequestID == matched.RequestID {
			siblings = append(siblings, inv)
		}
	}
	sort.Slice(siblings, func(i, j int) bool { return siblings[i].Timestamp.Before(siblings[j].Timestamp) })
	for i, inv := range siblings {
		if inv.ToolUseID == matched.ToolUseID && inv.Timestamp.Equal(matched.Timestamp) {
			return i + 1
		}
	}
	return len(siblings)
}

func subtaskBranchID(n int) string {
	return "subtask_" + strconv.Itoa(n)
}

func (l *Linker) compactCheck(ctx context.Context, in Input, text string, log *zerolog.Logger) (Result, bool) {
	if l.CompactSearch == nil {
		return Result{}, false
	}
	summary, ok := extractCompactSummary(text)
	if !ok {
		return Result{}, false
	}

	match, err := l.CompactSearch.CompactSearch(ctx, in.Domain, summary, in.Timestamp.Add(-compactWindow), in.Timestamp)
	if err != nil {
		log.Error().Err(err).Str("domain", in.Domain).Msg("conversation_compact_search_error")
		return Result{}, false
	}
	if match == nil {
		return Result{}, false
	}

	return Result{
		ConversationID:  match.ConversationID,
		ParentRequestID: match.RequestID,
		BranchID:        "compact_" + in.Timestamp.Format("150405"),
		ParentHash:      match.CurrentMessageHash,
	}, true
}

// extractCompactSummary extracts and normalizes the summary text per spec
// §4.2 step 2: the literal start-of-continuation marker must appear,
// followed by the summary marker; the summary runs from there to the
// optional "Please continue the conversation" marker (or to the end),
// trimmed and with trailing dots stripped, then lowercased for the prefix
// match the compact search executor performs.
func extractCompactSummary(text string) (string, bool) {
	startIdx := strings.Index(text, compactMarkerStart)
	if startIdx == -1 {
		return "", false
	}
	rest := text[startIdx:]
	summaryIdx := strings.Index(rest, compactMarkerSummary)
	if summaryIdx == -1 {
		return "", false
	}
	summary := rest[summaryIdx+len(compactMarkerSummary):]
	if contIdx := strings.Index(summary, compactMarkerContinue); contIdx != -1 {
		summary = summary[:contIdx]
	}
	summary = strings.TrimSpace(summary)
	summary = strings.TrimRight(summary, ".")
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return "", false
	}
	return strings.ToLower(summary), true
}

// multiMessageBranch implements the priority ladder and branching rule.
func (l *Linker) multiMessageBranch(ctx context.Context, in Input, hashes hashing.Hashes, systemHash string, log *zerolog.Logger) (Result, bool) {
	if l.Query == nil {
		return Result{}, false
	}

	parent, viaGrandparent, err := l.resolveParent(ctx, in, hashes, systemHash)
	if err != nil {
		log.Error().Err(err).Str("domain", in.Domain).Msg("conversation_query_error")
		return Result{}, false
	}
	if parent == nil {
		return Result{}, false
	}

	result := Result{
		ParentRequestID: parent.RequestID,
		CurrentHash:     hashes.Current,
		ParentHash:      hashes.Parent,
		SystemHash:      systemHash,
	}

	if viaGrandparent {
		result.ConversationID = parent.ConversationID
		result.BranchID = parent.BranchID
		return result, true
	}

	result.ConversationID = parent.ConversationID
	result.BranchID = l.resolveBranch(ctx, in, *parent, log)
	return result, true
}

// resolveParent runs the priority ladder i-iv, returning the first
// non-empty match and whether it was found via the grandparent fallback.
//
// The ladder looks up the literal ancestor row: a candidate whose own
// current_message_hash equals our computed parent_hash (respectively
// grandparent_hash for rung iv) is, by construction of §4.1, the request
// that sent exactly our message sequence minus the trailing exchange(s).
// That is the CurrentMessageHash filter, not ParentMessageHash — the
// latter is reserved for the branching rule's child lookup below, which
// matches against a candidate's own stored parent_message_hash field.
func (l *Linker) resolveParent(ctx context.Context, in Input, hashes hashing.Hashes, systemHash string) (*ParentRequest, bool, error) {
	base := QueryCriteria{
		Domain:             in.Domain,
		CurrentMessageHash: hashes.Parent,
		ExcludeRequestID:   in.RequestID,
	}

	if systemHash != "" {
		criteria := base
		criteria.SystemHash = systemHash
		if p, err := l.firstMatch(ctx, criteria); err != nil {
			return nil, false, err
		} else if p != nil {
			return p, false, nil
		}
	}

	if isSummarizationRequest(in.System) {
		if p, err := l.firstMatch(ctx, base); err != nil {
			return nil, false, err
		} else if p != nil {
			return p, false, nil
		}
	}

	if p, err := l.firstMatch(ctx, base); err != nil {
		return nil, false, err
	} else if p != nil {
		return p, false, nil
	}

	if hashes.HasGrandparent && hashing.DedupedLen(in.Messages) > 4 {
		gp := QueryCriteria{
			Domain:             in.Domain,
			CurrentMessageHash: hashes.Grandparent,
			ExcludeRequestID:   in.RequestID,
		}
		if p, err := l.firstMatch(ctx, gp); err != nil {
			return nil, false, err
		} else if p != nil {
			return p, true, nil
		}
	}

	return nil, false, nil
}

func (l *Linker) firstMatch(ctx context.Context, criteria QueryCriteria) (*ParentRequest, error) {
	results, err := l.Query.Query(ctx, criteria)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}
	return &results[0], nil
}

func isSummarizationRequest(system []hashing.SystemBlock) bool {
	return strings.Contains(hashing.CanonicalizeSystem(system), summarizationSystemPhrase)
}

// resolveBranch implements the branching rule: a compact-branch parent's
// branch is inherited unconditionally; otherwise a new branch is opened iff
// another request already exists with parent_message_hash equal to the
// resolved parent's current_message_hash.
func (l *Linker) resolveBranch(ctx context.Context, in Input, parent ParentRequest, log *zerolog.Logger) string {
	if strings.HasPrefix(parent.BranchID, "compact_") {
		return parent.BranchID
	}

	siblings, err := l.Query.Query(ctx, QueryCriteria{
		Domain:            in.Domain,
		ParentMessageHash: parent.CurrentMessageHash,
		ConversationID:    parent.ConversationID,
		ExcludeRequestID:  in.RequestID,
	})
	if err != nil {
		log.Error().Err(err).Str("domain", in.Domain).Msg("conversation_sibling_query_error")
		return parent.BranchID
	}
	if len(siblings) > 0 {
		return "branch_" + in.Timestamp.Format("20060102150405")
	}
	return parent.BranchID
}
