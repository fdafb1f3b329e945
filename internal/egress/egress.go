// Package egress implements the LLM-egress filter (C6): the last hop
// before an upstream LLM provider. It injects auth and a routing header,
// enforces the ingress rate-limit check, and observes the upstream
// response (streaming or not) to produce latency/TTFT/throughput metrics
// and a trace span.
//
// Ported from original_source's llm_gateway/src/stream_context.rs. That
// code is a wasm HttpContext: request-headers, request-body,
// response-headers, response-body* arrive as separate lifecycle events
// and a handler can "pause" the stream between them. A net/http.Handler
// already owns its goroutine for the whole request/response round trip,
// so the phases below run sequentially in one ServeHTTP call instead of
// being strung across host callbacks — the behavior at each phase
// boundary is unchanged.
package egress

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/howard-nolan/archgw/internal/apierr"
	"github.com/howard-nolan/archgw/internal/metrics"
	"github.com/howard-nolan/archgw/internal/openai"
	"github.com/howard-nolan/archgw/internal/provider"
	"github.com/howard-nolan/archgw/internal/ratelimit"
	"github.com/howard-nolan/archgw/internal/tokencount"
	"github.com/howard-nolan/archgw/internal/tracing"
)

const (
	HealthzPath                = "/healthz"
	RoutingHeader              = "x-arch-llm-provider"
	RoutingHintHeader          = "x-arch-llm-provider-hint"
	RatelimitSelectorHeaderKey = "x-ratelimit-selector"
	RequestIDHeader            = "x-request-id"
	TraceparentHeader          = "traceparent"
	AgentOrchestratorModel     = "agent_orchestrator"
)

// Deps are the collaborators ServeHTTP needs. All fields are required
// except Now, ProviderAdapters, Tokens, RateLimiter, Metrics and Traces,
// which degrade gracefully to a no-op when nil (useful in tests that
// only care about one phase).
type Deps struct {
	Providers         *provider.Set
	ProviderAdapters  map[string]provider.Provider // keyed by Record.Interface, e.g. "google"
	Client            *http.Client
	RateLimiter       *ratelimit.Registry
	Tokens            *tokencount.Counter
	Metrics           *metrics.Metrics
	Traces            *tracing.Buffer
	AgentOrchestrator bool
	Now               func() time.Time
}

// Handler is the LLM-egress filter's http.Handler.
type Handler struct {
	deps Deps
}

// New builds a Handler from deps.
func New(deps Deps) *Handler {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Handler{deps: deps}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == HealthzPath {
		w.WriteHeader(http.StatusOK)
		return
	}

	start := h.deps.Now()

	record, err := h.resolveProvider(r)
	if err != nil {
		apierr.WriteJSON(w, err)
		return
	}

	// The body will be rewritten below; a stale Content-Length would make
	// well-behaved servers reject the request outright. A missing length
	// is fine — intermediary hops routinely drop it for the same reason.
	r.Header.Del("Content-Length")

	selector := captureSelector(r)
	requestID := r.Header.Get(RequestIDHeader)
	traceparentRaw := r.Header.Get(TraceparentHeader)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		apierr.WriteJSON(w, apierr.Wrap(apierr.KindBadRequest, "reading request body", err))
		return
	}
	if len(body) == 0 {
		h.proxy(w, r, record, body, start, nil, requestID, traceparentRaw)
		return
	}

	var req openai.ChatCompletionsRequest
	if err := json.Unmarshal(body, &req); err != nil {
		apierr.WriteJSON(w, apierr.Wrap(apierr.KindBadRequest, "decoding chat completions request", err))
		return
	}

	for i := range req.Messages {
		req.Messages[i].Model = nil
	}

	model := req.Model
	if model == "" || model == "none" {
		model = record.Model
	}
	if model == "" {
		if h.deps.AgentOrchestrator {
			model = AgentOrchestratorModel
		} else {
			apierr.WriteJSON(w, apierr.BadRequest("no model specified and provider %q has no default", record.Name))
			return
		}
	}
	req.Model = model

	if req.Stream && req.StreamOptions == nil {
		req.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}

	tokenCount := 0
	if h.deps.Tokens != nil {
		n, err := h.deps.Tokens.Count(model, joinContents(req.Messages))
		if err == nil {
			tokenCount = n
		}
	}
	if h.deps.Metrics != nil {
		h.deps.Metrics.InputSequenceLength.WithLabelValues(model).Observe(float64(tokenCount))
	}

	if selector.Key != "" && h.deps.RateLimiter != nil {
		if err := h.deps.RateLimiter.CheckLimit(r.Context(), model, selector, int64(tokenCount)); err != nil {
			if h.deps.Metrics != nil {
				h.deps.Metrics.RatelimitedRequests.WithLabelValues(model).Inc()
			}
			apierr.WriteJSON(w, apierr.Wrap(apierr.KindExceededRatelimit, err.Error(), err))
			return
		}
	}

	mutated, err := json.Marshal(req)
	if err != nil {
		apierr.WriteJSON(w, apierr.Wrap(apierr.KindLogic, "re-marshaling mutated request", err))
		return
	}

	h.proxy(w, r, record, mutated, start, &req, requestID, traceparentRaw)
}

// resolveProvider implements the "on request headers" phase: trust an
// already-stamped routing header, else run the provider selector (C4)
// and stamp + authenticate the request.
func (h *Handler) resolveProvider(r *http.Request) (provider.Record, error) {
	if v := r.Header.Get(RoutingHeader); v != "" {
		if h.deps.Providers != nil {
			if rec, ok := h.deps.Providers.Get(v); ok {
				return rec, nil
			}
		}
		return provider.Record{Name: v, Interface: "openai"}, nil
	}

	if h.deps.Providers == nil {
		return provider.Record{}, apierr.New(apierr.KindLogic, "no provider set configured")
	}

	hint := r.Header.Get(RoutingHintHeader)
	rec, err := h.deps.Providers.Select(hint)
	if err != nil {
		return provider.Record{}, apierr.Wrap(apierr.KindBadRequest, "selecting provider", err)
	}

	stamp := rec.Interface
	if rec.Endpoint != "" {
		stamp = rec.Name
	}
	r.Header.Set(RoutingHeader, stamp)

	if rec.AccessKey != "" {
		r.Header.Set("Authorization", "Bearer "+rec.AccessKey)
	}
	if rec.AccessKey == "" && rec.Endpoint == "" && !h.deps.AgentOrchestrator {
		return provider.Record{}, apierr.BadRequest("provider %q has no access key and no endpoint configured", rec.Name)
	}
	return rec, nil
}

func captureSelector(r *http.Request) ratelimit.Header {
	name := r.Header.Get(RatelimitSelectorHeaderKey)
	if name == "" {
		return ratelimit.Header{}
	}
	val := r.Header.Get(name)
	if val == "" {
		return ratelimit.Header{}
	}
	return ratelimit.Header{Key: name, Value: val}
}

func joinContents(msgs []openai.Message) string {
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		parts = append(parts, m.ContentOrEmpty())
	}
	return strings.Join(parts, " ")
}

func lastUserMessageContent(msgs []openai.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			return msgs[i].ContentOrEmpty()
		}
	}
	return ""
}
