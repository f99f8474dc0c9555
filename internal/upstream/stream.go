package upstream

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"convoy/internal/credentials"
	"convoy/internal/observability"
)

// teeTransport forwards every byte of a successful response body to sink
// while letting the caller's own reader (the SDK's SSE decoder) consume the
// same stream. Non-2xx responses are passed through untouched so error
// decoding sees the original body.
type teeTransport struct {
	base http.RoundTripper
	sink io.Writer
}

func (t *teeTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err != nil || resp == nil {
		return resp, err
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		resp.Body = &teeReadCloser{r: io.TeeReader(resp.Body, t.sink), c: resp.Body}
	}
	return resp, nil
}

type teeReadCloser struct {
	r io.Reader
	c io.Closer
}

func (t *teeReadCloser) Read(p []byte) (int, error) { return t.r.Read(p) }
func (t *teeReadCloser) Close() error                { return t.c.Close() }

// toolBuffer accumulates a single tool_use block's input JSON across
// content_block_start and content_block_delta events, the same way the
// upstream client tracks it for retained-buffer fallback when the SDK's own
// accumulation misses partial JSON from input_json_delta events.
type toolBuffer struct {
	name      string
	id        string
	buf       strings.Builder
	hasDeltas bool
}

func (tb *toolBuffer) appendInitial(raw json.RawMessage) {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	tb.buf.WriteString(string(raw))
}

func (tb *toolBuffer) appendPartial(partial string) {
	if partial == "" {
		return
	}
	if !tb.hasDeltas {
		tb.buf.Reset()
		tb.hasDeltas = true
	}
	tb.buf.WriteString(partial)
}

func (tb *toolBuffer) block() ContentBlock {
	args := strings.TrimSpace(tb.buf.String())
	if args == "" {
		args = "{}"
	}
	if !strings.HasPrefix(args, "{") {
		args = "{" + args
	}
	if !strings.HasSuffix(args, "}") {
		args += "}"
	}
	if !json.Valid([]byte(args)) {
		args = "{}"
	}
	return ContentBlock{Type: "tool_use", ToolUseID: tb.id, ToolName: tb.name, ToolInput: json.RawMessage(args)}
}

// Stream performs a streaming call. Raw SSE bytes are teed to w as they
// arrive off the wire; the returned Response is reconstructed in parallel
// from the same event sequence the SDK decodes from that tee (see spec
// §4.6: message_start/content_block_start/content_block_delta/
// content_block_stop/message_delta/message_stop). Unparseable data: lines
// are the SDK decoder's concern; this client only logs accumulation errors
// at debug level and otherwise continues using its own tool-buffer
// tracking.
func (c *Client) Stream(ctx context.Context, req Request, outcome credentials.Outcome, inbound map[string]string, w io.Writer) (Response, error) {
	ctx, cancel := context.WithTimeout(ctx, hardDeadline)
	defer cancel()

	params, err := buildParams(req)
	if err != nil {
		return Response{}, err
	}

	headers := headersFor(outcome, inbound, c.cfg.BetaHeaders)
	teedClient := observability.WithHeaders(c.httpClient, headers)
	base := teedClient.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	teedClient.Transport = &teeTransport{base: base, sink: w}

	opts := []option.RequestOption{
		option.WithHTTPClient(teedClient),
		option.WithAPIKey(placeholderKey(outcome)),
	}
	if b := strings.TrimSpace(c.cfg.BaseURL); b != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimSuffix(b, "/")))
	}
	sdk := anthropic.NewClient(opts...)

	stream := sdk.Messages.NewStreaming(ctx, params)
	defer func() { _ = stream.Close() }()

	var acc anthropic.Message
	toolBuffers := map[int64]*toolBuffer{}

	for stream.Next() {
		event := stream.Current()
		if err := acc.Accumulate(event); err != nil {
			observability.LoggerWithTrace(ctx).Debug().Err(err).Msg("stream_accumulate_error")
		}

		switch ev := event.AsAny().(type) {
		case anthropic.ContentBlockStartEvent:
			if block, ok := ev.ContentBlock.AsAny().(anthropic.ToolUseBlock); ok {
				tb := &toolBuffer{name: block.Name, id: block.ID}
				tb.appendInitial(block.Input)
				toolBuffers[ev.Index] = tb
			}
		case anthropic.ContentBlockDeltaEvent:
			if delta, ok := ev.Delta.AsAny().(anthropic.InputJSONDelta); ok {
				if tb := toolBuffers[ev.Index]; tb != nil {
					tb.appendPartial(delta.PartialJSON)
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		return Response{}, translateError(ctx, err)
	}

	out := responseFromMessage(&acc)
	hasStreamedDeltas := false
	for _, tb := range toolBuffers {
		if tb.hasDeltas {
			hasStreamedDeltas = true
			break
		}
	}
	if len(toolBuffers) > 0 && hasStreamedDeltas {
		out.Content = replaceToolBlocks(out.Content, toolBuffers)
	}
	return out, nil
}

// replaceToolBlocks substitutes the SDK-accumulated tool_use blocks with our
// own tracked buffers, ordered by their original content-block index, since
// the SDK's Accumulate can drop partial JSON from input_json_delta events.
func replaceToolBlocks(content []ContentBlock, toolBuffers map[int64]*toolBuffer) []ContentBlock {
	indices := make([]int64, 0, len(toolBuffers))
	for idx := range toolBuffers {
		indices = append(indices, idx)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })

	out := make([]ContentBlock, 0, len(content))
	toolPos := 0
	for _, block := range content {
		if block.Type != "tool_use" {
			out = append(out, block)
			continue
		}
		if toolPos < len(indices) {
			out = append(out, toolBuffers[indices[toolPos]].block())
			toolPos++
			continue
		}
		out = append(out, block)
	}
	return out
}
