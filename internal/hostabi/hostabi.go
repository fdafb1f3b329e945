// Package hostabi abstracts the single thing both gateway filters need
// from their execution environment: making an outbound HTTP call and
// getting the status, headers and body back.
//
// The original implementation runs as a proxy-wasm filter: dispatch_http_call
// hands a request to the Envoy host and the filter's on_http_call_response
// is invoked later, keyed by a host-assigned token_id, once the host has
// the reply. Running as a plain net/http server collapses that
// token/callback indirection — a handler already owns a goroutine and can
// simply block on the call — but the filters still address the dependency
// through this interface, for the same reason the original code addresses
// it through the wasm host ABI: it is the one seam every test fakes.
package hostabi

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Header is a single HTTP header, kept as an ordered pair rather than a
// map so a caller can send the same header name twice (as the original
// filter's get_http_call_response_headers does for Set-Cookie-shaped
// values).
type Header struct {
	Key   string
	Value string
}

// CalloutRequest describes one outbound HTTP call: the cluster (upstream
// provider or developer endpoint) to dial, the method and path, headers,
// and an optional body.
type CalloutRequest struct {
	// UpstreamCluster names the target for logging and for ServerError
	// attribution — it has no effect on where the request is actually
	// sent; that's BaseURL.
	UpstreamCluster string
	BaseURL         string
	Method          string
	Path            string
	Headers         []Header
	Body            []byte
	Timeout         time.Duration
}

// CalloutResponse is what comes back from a dispatched call.
type CalloutResponse struct {
	StatusCode int
	Headers    []Header
	Body       []byte
}

// Host is the dependency every filter takes instead of talking to
// net/http directly. Swapped for FakeHost in tests, which programs
// fixed responses per method/path instead of dialing out.
type Host interface {
	// Dispatch performs one outbound HTTP call synchronously, returning
	// once the full response body has been read. The original's
	// token-indexed on_http_call_response becomes an ordinary return
	// here — there is no wasm host to hand the continuation to.
	Dispatch(ctx context.Context, req CalloutRequest) (CalloutResponse, error)

	// Now returns the current time. Routed through Host so tests can
	// pin timestamps for trace spans and latency metrics.
	Now() time.Time
}

// HTTPHost is the production Host, backed by a real *http.Client.
type HTTPHost struct {
	Client *http.Client
}

// NewHTTPHost builds an HTTPHost with the given default per-call timeout
// applied when a CalloutRequest doesn't specify its own.
func NewHTTPHost(defaultTimeout time.Duration) *HTTPHost {
	return &HTTPHost{Client: &http.Client{Timeout: defaultTimeout}}
}

func (h *HTTPHost) Dispatch(ctx context.Context, req CalloutRequest) (CalloutResponse, error) {
	url := req.BaseURL + req.Path

	var bodyReader io.Reader
	if req.Body != nil {
		bodyReader = bytes.NewReader(req.Body)
	}

	client := h.Client
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
		// The request's own timeout replaces the client-wide default.
		c := *h.Client
		c.Timeout = 0
		client = &c
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, url, bodyReader)
	if err != nil {
		return CalloutResponse{}, fmt.Errorf("building request to %s %q: %w", req.UpstreamCluster, url, err)
	}
	for _, h := range req.Headers {
		httpReq.Header.Add(h.Key, h.Value)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return CalloutResponse{}, fmt.Errorf("dispatching to %s %q: %w", req.UpstreamCluster, url, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return CalloutResponse{}, fmt.Errorf("reading response body from %s: %w", req.UpstreamCluster, err)
	}

	var headers []Header
	for k, vs := range resp.Header {
		for _, v := range vs {
			headers = append(headers, Header{Key: k, Value: v})
		}
	}

	return CalloutResponse{
		StatusCode: resp.StatusCode,
		Headers:    headers,
		Body:       respBody,
	}, nil
}

func (h *HTTPHost) Now() time.Time { return time.Now() }
