package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"convoy/internal/breaker"
	"convoy/internal/conversation"
	"convoy/internal/credentials"
	"convoy/internal/metrics"
	"convoy/internal/observability"
	"convoy/internal/retry"
	"convoy/internal/upstream"
)

// TaskRecorder persists a Task tool_use block so a later single-message
// request can be linked back to it as a sub-task (spec §4.2 step 1). Storage
// is the only implementation; this seam exists so the orchestrator doesn't
// depend on internal/storage directly.
type TaskRecorder interface {
	RecordTaskInvocation(ctx context.Context, domain, requestID, toolUseID, prompt string, timestamp time.Time) error
}

// upstreamName is the breaker/metrics label for the single upstream this
// proxy forwards to.
const upstreamName = "anthropic-messages"

// Orchestrator binds the conversation linker, credential manager, circuit
// breaker, retry engine, upstream client, and metrics dispatcher into the
// request lifecycle described by spec §4.7. One Orchestrator is shared
// across all domains and requests.
type Orchestrator struct {
	Linker      *conversation.Linker
	Credentials *credentials.Manager
	Breakers    *breaker.Registry
	RetryConfig retry.Config
	Upstream    *upstream.Client
	Dispatcher  *metrics.Dispatcher
	Tasks       TaskRecorder
}

// New constructs an Orchestrator from its already-built collaborators.
func New(linker *conversation.Linker, creds *credentials.Manager, breakers *breaker.Registry, retryCfg retry.Config, up *upstream.Client, dispatcher *metrics.Dispatcher, tasks TaskRecorder) *Orchestrator {
	return &Orchestrator{
		Linker:      linker,
		Credentials: creds,
		Breakers:    breakers,
		RetryConfig: retryCfg,
		Upstream:    up,
		Dispatcher:  dispatcher,
		Tasks:       tasks,
	}
}

// Handle runs the full non-streaming lifecycle: link, authenticate, forward
// (breaker + retry), persist, dispatch. Failures at any stage are logged and
// reported via the dispatcher before the error is returned to the caller.
func (o *Orchestrator) Handle(ctx context.Context, req Request) (Response, error) {
	start := time.Now()
	link := o.link(ctx, req)

	outcome, err := o.Credentials.Resolve(ctx, req.Domain, req.InboundBearer)
	if err != nil {
		o.dispatch(ctx, req, link, upstream.Response{}, "error", err, start)
		return Response{}, err
	}

	upReq := toUpstreamRequest(req)
	var upResp upstream.Response
	err = o.Breakers.Get(upstreamName).Execute(ctx, func(ctx context.Context) error {
		log := observability.LoggerWithTrace(ctx)
		return retry.Do(ctx, o.RetryConfig, log, func(ctx context.Context) error {
			var attemptErr error
			upResp, attemptErr = o.Upstream.Send(ctx, upReq, outcome, req.InboundHeaders)
			return attemptErr
		})
	})

	status := "ok"
	if err != nil {
		status = "error"
	}
	if err == nil {
		o.recordTaskInvocations(ctx, req, upResp)
	}
	o.dispatch(ctx, req, link, upResp, status, err, start)
	if err != nil {
		return Response{}, err
	}
	return toProxyResponse(req, upResp, status), nil
}

// HandleStream runs the streaming lifecycle: link, authenticate, forward
// (breaker-guarded, not retried — once bytes reach w a retry would
// duplicate output), tee the raw SSE bytes to w as they arrive, then persist
// and dispatch after the stream terminates. A client disconnect (ctx
// canceled mid-stream) is not treated as an error: the response is recorded
// with status "partial" and persisted best-effort, per spec §5.
func (o *Orchestrator) HandleStream(ctx context.Context, req Request, w io.Writer) (Response, error) {
	start := time.Now()
	link := o.link(ctx, req)

	outcome, err := o.Credentials.Resolve(ctx, req.Domain, req.InboundBearer)
	if err != nil {
		o.dispatch(ctx, req, link, upstream.Response{}, "error", err, start)
		return Response{}, err
	}

	upReq := toUpstreamRequest(req)
	var upResp upstream.Response
	err = o.Breakers.Get(upstreamName).Execute(ctx, func(ctx context.Context) error {
		var streamErr error
		upResp, streamErr = o.Upstream.Stream(ctx, upReq, outcome, req.InboundHeaders, w)
		return streamErr
	})

	status := "ok"
	switch {
	case err != nil && isClientDisconnect(ctx, err):
		status = "partial"
		err = nil
	case err != nil:
		status = "error"
	}

	if status != "error" {
		o.recordTaskInvocations(ctx, req, upResp)
	}
	o.dispatch(ctx, req, link, upResp, status, err, start)
	if err != nil {
		return Response{}, err
	}
	return toProxyResponse(req, upResp, status), nil
}

// isClientDisconnect reports whether err reflects the request context being
// canceled (as opposed to a genuine upstream failure), using context.Cause
// so the specific reason is available to the caller's logging.
func isClientDisconnect(ctx context.Context, err error) bool {
	if ctx.Err() == nil {
		return false
	}
	cause := context.Cause(ctx)
	return errors.Is(err, context.Canceled) || errors.Is(cause, context.Canceled)
}

func (o *Orchestrator) link(ctx context.Context, req Request) conversation.Result {
	if len(req.Messages) == 0 || o.Linker == nil {
		return conversation.Result{BranchID: "main"}
	}
	in := conversation.Input{
		Domain:    req.Domain,
		Messages:  req.Messages,
		System:    req.System,
		RequestID: req.RequestID,
		Timestamp: req.Timestamp,
		ToolUseID: req.ToolUseID,
	}
	res, err := o.Linker.Link(ctx, in)
	if err != nil {
		// Empty messages is the linker's one hard error, already excluded
		// above; any other failure path is swallowed internally by Link
		// itself. This is defensive in case that contract ever changes.
		observability.LoggerWithTrace(ctx).Error().Err(err).Str("domain", req.Domain).Msg("conversation_link_error")
		return conversation.Result{BranchID: "main"}
	}
	if res.ConversationID == "" {
		res.ConversationID = uuid.NewString()
	}
	return res
}

// recordTaskInvocations scans resp for Task tool_use blocks and persists
// each one via Tasks, so a later single-message request can be linked back
// to it as a sub-task (spec §4.2 step 1, §8 scenario 5). Best-effort: a
// failure here is logged, never surfaced, matching dispatch's posture.
func (o *Orchestrator) recordTaskInvocations(ctx context.Context, req Request, resp upstream.Response) {
	if o.Tasks == nil {
		return
	}
	for _, b := range resp.Content {
		if b.Type != "tool_use" || b.ToolName != "Task" {
			continue
		}
		prompt := taskPrompt(b.ToolInput)
		if prompt == "" {
			continue
		}
		if err := o.Tasks.RecordTaskInvocation(ctx, req.Domain, req.RequestID, b.ToolUseID, prompt, req.Timestamp); err != nil {
			observability.LoggerWithTrace(ctx).Error().Err(err).Str("domain", req.Domain).Str("request_id", req.RequestID).Msg("record_task_invocation_error")
		}
	}
}

// taskPrompt extracts the "prompt" field a Task tool_use block's input
// carries. Malformed or prompt-less input is skipped rather than recorded.
func taskPrompt(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var in struct {
		Prompt string `json:"prompt"`
	}
	if err := json.Unmarshal(raw, &in); err != nil {
		return ""
	}
	return strings.TrimSpace(in.Prompt)
}

// dispatch builds the metrics.Event for this request and hands it to the
// dispatcher. It never returns an error: dispatch failures are the
// dispatcher's own concern to log (spec §4.7: "Linker, Notification, and
// Metrics errors are never surfaced to the caller").
func (o *Orchestrator) dispatch(ctx context.Context, req Request, link conversation.Result, resp upstream.Response, status string, upErr error, start time.Time) {
	if o.Dispatcher == nil {
		return
	}
	e := metrics.Event{
		Domain:    req.Domain,
		RequestID: req.RequestID,
		Model:     req.Model,
		Type:      req.Type,
		Status:    status,

		Messages: req.Messages,
		System:   req.System,

		CurrentMessageHash:  link.CurrentHash,
		ParentMessageHash:   link.ParentHash,
		SystemHash:          link.SystemHash,
		ConversationID:      link.ConversationID,
		BranchID:            link.BranchID,
		ParentRequestID:     link.ParentRequestID,
		ParentTaskRequestID: link.ParentTaskRequestID,
		IsSubtask:           link.IsSubtask,

		LastUserText:      lastUserText(req.Messages),
		ResponseFirstText: firstResponseText(resp.Content),
		InputTokens:       resp.Usage.InputTokens,
		OutputTokens:      resp.Usage.OutputTokens,
		CacheCreation:     resp.Usage.CacheCreationInputTokens,
		CacheRead:         resp.Usage.CacheReadInputTokens,
		ToolCallCount:     toolCallCount(resp.Content),
		ProcessingTime:    time.Since(start),
		FullResponseBody:  marshalResponseBody(resp),
		Err:               upErr,
		Timestamp:         req.Timestamp,
	}
	o.Dispatcher.Dispatch(ctx, e)
}

func toProxyResponse(req Request, resp upstream.Response, status string) Response {
	return Response{
		RequestID:  req.RequestID,
		Model:      resp.Model,
		Content:    resp.Content,
		StopReason: resp.StopReason,
		Usage:      resp.Usage,
		Status:     status,
	}
}

// responseBody is the persisted/archived JSON shape of a reconstructed
// upstream response — independent of the upstream SDK's own wire types so a
// storage or archive format change there never leaks into this package.
type responseBody struct {
	ID         string                  `json:"id"`
	Model      string                  `json:"model"`
	Role       string                  `json:"role"`
	Content    []upstream.ContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Usage      upstream.Usage          `json:"usage"`
}

func marshalResponseBody(resp upstream.Response) []byte {
	b, err := json.Marshal(responseBody{
		ID:         resp.ID,
		Model:      resp.Model,
		Role:       resp.Role,
		Content:    resp.Content,
		StopReason: resp.StopReason,
		Usage:      resp.Usage,
	})
	if err != nil {
		return nil
	}
	return b
}
