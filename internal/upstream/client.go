package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"convoy/internal/config"
	"convoy/internal/credentials"
	"convoy/internal/observability"
	"convoy/internal/proxyerr"
	"convoy/internal/retry"
)

// hardDeadline is the total cancellation deadline for a single upstream
// call, streaming or not. It is enforced regardless of any deadline already
// present on ctx.
const hardDeadline = 10 * time.Minute

// Client builds and sends messages-endpoint calls. One Client instance is
// shared across domains; per-call authentication headers are layered on via
// observability.WithHeaders rather than baked into the client.
type Client struct {
	httpClient *http.Client
	cfg        config.UpstreamConfig
}

// New constructs a Client. httpClient is the base transport (shared
// connection pool); per-call headers are applied on top of it.
func New(cfg config.UpstreamConfig, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{httpClient: httpClient, cfg: cfg}
}

// headersFor merges the credential outcome's headers over the inbound
// request's forwarded headers. Credentials always win (spec §4.6).
func headersFor(outcome credentials.Outcome, inbound map[string]string, betaHeaders []string) map[string]string {
	out := make(map[string]string, len(inbound)+len(outcome.OutboundHeaders)+1)
	for k, v := range inbound {
		out[k] = v
	}
	for k, v := range outcome.OutboundHeaders {
		out[k] = v
	}
	beta := strings.Join(betaHeaders, ",")
	if outcome.BetaHeader != "" {
		if beta != "" {
			beta += ","
		}
		beta += outcome.BetaHeader
	}
	if beta != "" {
		out["anthropic-beta"] = beta
	}
	return out
}

func (c *Client) sdkFor(outcome credentials.Outcome, inbound map[string]string) anthropic.Client {
	headers := headersFor(outcome, inbound, c.cfg.BetaHeaders)
	httpClient := observability.WithHeaders(c.httpClient, headers)

	opts := []option.RequestOption{
		option.WithHTTPClient(httpClient),
		// An auth header is always injected via WithHeaders above; the SDK
		// still requires a non-empty key to build its option set.
		option.WithAPIKey(placeholderKey(outcome)),
	}
	if base := strings.TrimSpace(c.cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimSuffix(base, "/")))
	}
	return anthropic.NewClient(opts...)
}

// placeholderKey satisfies the SDK's option.WithAPIKey requirement; the
// actual credential is carried by the injected headers, so this value is
// never sent as the x-api-key header once headersFor has set one.
func placeholderKey(outcome credentials.Outcome) string {
	if outcome.OpaqueKey != "" {
		return outcome.OpaqueKey
	}
	return "unset"
}

func buildParams(req Request) (anthropic.MessageNewParams, error) {
	messages, err := adaptMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}
	tools, err := adaptTools(req.Tools)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		System:    adaptSystem(req.System),
		Tools:     tools,
		MaxTokens: maxTokens,
	}
	return params, nil
}

// Send performs a non-streaming call and returns the reconstructed response.
func (c *Client) Send(ctx context.Context, req Request, outcome credentials.Outcome, inbound map[string]string) (Response, error) {
	ctx, cancel := context.WithTimeout(ctx, hardDeadline)
	defer cancel()

	params, err := buildParams(req)
	if err != nil {
		return Response{}, &proxyerr.ValidationError{Message: err.Error()}
	}

	sdk := c.sdkFor(outcome, inbound)
	resp, err := sdk.Messages.New(ctx, params)
	if err != nil {
		return Response{}, translateError(ctx, err)
	}
	return responseFromMessage(resp), nil
}

// translateError classifies an SDK-returned error into our proxyerr kinds.
// A deadline exceeded on our own hard cutoff becomes TimeoutError; anything
// carrying an HTTP status is wrapped as UpstreamError (RateLimitError for
// 429s, with any Retry-After header decoded); everything else is wrapped
// as-is.
func translateError(ctx context.Context, err error) error {
	if ctx.Err() == context.DeadlineExceeded {
		return &proxyerr.TimeoutError{Op: "upstream messages call", Err: err}
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		status := apiErr.StatusCode
		body := apiErr.Error()

		if status == http.StatusTooManyRequests {
			rl := &proxyerr.RateLimitError{UpstreamError: proxyerr.UpstreamError{Status: status, Body: body}}
			if apiErr.Response != nil {
				if d, ok := retry.ParseRetryAfter(apiErr.Response.Header.Get("Retry-After")); ok {
					rl.RetryAfterSeconds = int(d.Seconds())
					rl.HasRetryAfter = true
				}
			}
			return rl
		}
		return &proxyerr.UpstreamError{Status: status, Body: body}
	}

	return fmt.Errorf("upstream call: %w", err)
}
