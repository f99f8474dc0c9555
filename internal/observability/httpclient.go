package observability

import (
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// NewHTTPClient returns an http.Client instrumented with otelhttp transport.
func NewHTTPClient(base *http.Client) *http.Client {
	if base == nil {
		base = &http.Client{}
	}
	rt := base.Transport
	if rt == nil {
		rt = http.DefaultTransport
	}
	base.Transport = otelhttp.NewTransport(rt)
	return base
}

// headerTransport injects a fixed set of headers into every outgoing
// request, skipping any header the caller already set explicitly.
type headerTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	for k, v := range t.headers {
		if req.Header.Get(k) != "" {
			continue
		}
		req.Header.Set(k, v)
	}
	return t.base.RoundTrip(req)
}

// WithHeaders returns a shallow copy of base whose transport injects the
// given headers into every request that doesn't already carry them. Used to
// attach per-domain credential headers (Authorization, anthropic-beta) to a
// client shared across an upstream client pool without mutating base.
func WithHeaders(base *http.Client, headers map[string]string) *http.Client {
	c := *base
	rt := c.Transport
	if rt == nil {
		rt = http.DefaultTransport
	}
	c.Transport = &headerTransport{base: rt, headers: headers}
	return &c
}
