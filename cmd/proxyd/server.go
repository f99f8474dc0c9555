package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"convoy/internal/observability"
	"convoy/internal/proxy"
	"convoy/internal/proxyerr"
	"convoy/internal/reqauth"
)

// newMux builds the HTTP surface: liveness/readiness probes plus the
// messages endpoint, wrapped in the inbound service-auth middleware. Framing
// and routing are deliberately thin — every real decision (auth, retry,
// linking, persistence) lives in internal/proxy and its collaborators.
func newMux(orch *proxy.Orchestrator, authn *reqauth.Authenticator, reqMetrics *observability.RequestMetrics) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok\n"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ready\n"))
	})
	mux.Handle("/v1/messages", authn.Middleware(http.HandlerFunc(messagesHandler(orch, reqMetrics))))
	return mux
}

// messagesHandler decodes a wire request, builds a proxy.Request, and
// dispatches to the orchestrator's streaming or non-streaming lifecycle
// depending on the body's "stream" field.
func messagesHandler(orch *proxy.Orchestrator, reqMetrics *observability.RequestMetrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var wreq wireRequest
		if err := json.NewDecoder(r.Body).Decode(&wreq); err != nil {
			writeError(w, &proxyerr.ValidationError{Message: "invalid JSON body: " + err.Error()})
			return
		}

		messages, err := decodeMessages(wreq.Messages)
		if err != nil {
			writeError(w, &proxyerr.ValidationError{Message: err.Error()})
			return
		}
		system, err := decodeSystem(wreq.System)
		if err != nil {
			writeError(w, &proxyerr.ValidationError{Message: err.Error()})
			return
		}

		req := proxy.Request{
			Domain:         requestDomain(r),
			RequestID:      uuid.NewString(),
			Type:           requestType(r),
			Model:          wreq.Model,
			Messages:       messages,
			System:         system,
			Stream:         wreq.Stream,
			Tools:          decodeTools(wreq.Tools),
			MaxTokens:      wreq.MaxTokens,
			Temperature:    wreq.Temperature,
			InboundHeaders: forwardedHeaders(r.Header),
			InboundBearer:  bearerToken(r.Header),
			ToolUseID:      r.Header.Get("X-Tool-Use-Id"),
			Timestamp:      time.Now(),
		}

		log := observability.LoggerWithTrace(r.Context())
		log.Info().Str("domain", req.Domain).Str("request_id", req.RequestID).Str("type", req.Type).Bool("stream", req.Stream).Msg("proxy_request")
		reqMetrics.IncRequest(r.Context(), req.Domain, req.Type, "dispatched")

		if req.Stream {
			handleStreamRequest(w, r, orch, req)
			return
		}
		handleSyncRequest(w, r, orch, req)
	}
}

func handleSyncRequest(w http.ResponseWriter, r *http.Request, orch *proxy.Orchestrator, req proxy.Request) {
	resp, err := orch.Handle(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(encodeResponse(resp.Content, resp.Model, resp.RequestID, resp.StopReason, resp.Usage))
}

func handleStreamRequest(w http.ResponseWriter, r *http.Request, orch *proxy.Orchestrator, req proxy.Request) {
	fl, ok := w.(http.Flusher)
	if !ok {
		writeError(w, errors.New("streaming not supported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	fw := flushingWriter{w: w, fl: fl}
	_, err := orch.HandleStream(r.Context(), req, fw)
	if err != nil {
		// Headers/body are already partially written at this point, so the
		// only option left is an SSE-framed error event rather than an HTTP
		// error response.
		body, _ := json.Marshal(encodeError("upstream_error", err.Error()))
		w.Write([]byte("event: error\ndata: "))
		w.Write(body)
		w.Write([]byte("\n\n"))
		fl.Flush()
	}
}

// flushingWriter flushes after every write so SSE bytes reach the client as
// soon as the upstream client tees them, matching the teacher's
// write-then-flush SSE idiom.
type flushingWriter struct {
	w  http.ResponseWriter
	fl http.Flusher
}

func (f flushingWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	f.fl.Flush()
	return n, err
}

func writeError(w http.ResponseWriter, err error) {
	status := proxyerr.StatusCode(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(encodeError(errKind(err, status), err.Error()))
}

func errKind(err error, status int) string {
	var authErr *proxyerr.AuthenticationError
	var valErr *proxyerr.ValidationError
	var rlErr *proxyerr.RateLimitError
	var toErr *proxyerr.TimeoutError
	var coErr *proxyerr.CircuitOpenError
	var stErr *proxyerr.StorageError
	switch {
	case errors.As(err, &authErr):
		return "authentication_error"
	case errors.As(err, &valErr):
		return "invalid_request_error"
	case errors.As(err, &rlErr):
		return "rate_limit_error"
	case errors.As(err, &toErr):
		return "timeout_error"
	case errors.As(err, &coErr):
		return "overloaded_error"
	case errors.As(err, &stErr):
		return "storage_error"
	case status >= 500:
		return "api_error"
	default:
		return "invalid_request_error"
	}
}

// requestDomain extracts the tenant domain this request is billed/routed
// under. X-Tenant-Domain lets a caller address this proxy directly; absent
// that, the inbound Host header stands in for deployments that front one
// domain per hostname.
func requestDomain(r *http.Request) string {
	if d := strings.TrimSpace(r.Header.Get("X-Tenant-Domain")); d != "" {
		return d
	}
	return r.Host
}

// requestType maps the optional X-Request-Type header to the three request
// kinds spec §3 distinguishes, defaulting to ordinary inference.
func requestType(r *http.Request) string {
	switch strings.ToLower(strings.TrimSpace(r.Header.Get("X-Request-Type"))) {
	case "query_evaluation":
		return "query_evaluation"
	case "quota":
		return "quota"
	default:
		return "inference"
	}
}

func bearerToken(h http.Header) string {
	auth := h.Get("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(auth, prefix) {
		return strings.TrimPrefix(auth, prefix)
	}
	return ""
}

// forwardedHeaders carries any beta/opt-in headers through to the upstream
// client untouched; credential headers always win over these (see
// internal/upstream.headersFor).
func forwardedHeaders(h http.Header) map[string]string {
	out := make(map[string]string)
	for _, k := range []string{"Anthropic-Beta", "Anthropic-Version"} {
		if v := h.Get(k); v != "" {
			out[k] = v
		}
	}
	return out
}
