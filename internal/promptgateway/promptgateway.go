// Package promptgateway implements the prompt-gateway filter (C7): an
// intent-resolution state machine that sits in front of the LLM-egress
// filter. It calls out to a function-calling model, interprets the
// reply as a clarification, a tool dispatch, or a default-target
// fallback, optionally performs a developer-defined HTTP API call, and
// rewrites the client's chat-completions request to carry the result as
// context before resuming to the next handler in the chain.
//
// Ported from original_source's prompt_gateway/src/{stream_context,
// context, tools}.rs. That code is a wasm HttpContext addressed by a
// host-assigned callout token: dispatch_http_call returns a token,
// on_http_call_response is invoked later with that token once the host
// has a reply, and the filter looks up the StreamCallContext it stashed
// under that token to know how to interpret the response. A net/http
// handler already owns its goroutine for the whole round trip and can
// simply block on hostabi.Host.Dispatch, so there is no real
// asynchronous callback boundary here — but the token-keyed map is kept
// anyway: each callout's StreamCallContext is registered under a fresh
// token for as long as its Dispatch is in flight, alongside the same
// active_http_calls gauge the original filter maintains.
package promptgateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/howard-nolan/archgw/internal/apierr"
	"github.com/howard-nolan/archgw/internal/config"
	"github.com/howard-nolan/archgw/internal/egress"
	"github.com/howard-nolan/archgw/internal/hostabi"
	"github.com/howard-nolan/archgw/internal/metrics"
	"github.com/howard-nolan/archgw/internal/openai"
	"github.com/howard-nolan/archgw/internal/pathtmpl"
)

// ChatCompletionsPath is the only path this filter acts on; every other
// request (including /healthz) passes straight through to Next.
const ChatCompletionsPath = "/v1/chat/completions"

const (
	systemRole    = "system"
	userRole      = "user"
	assistantRole = "assistant"
	toolRole      = "tool"

	// fcModelLabel tags the "model" field of direct replies the gateway
	// itself constructs on behalf of the function-calling model, mirroring
	// original_source's ARCH_FC_MODEL_NAME.
	fcModelLabel = "arch_fc"

	internalCalloutTimeout = 5 * time.Second
)

// ResponseHandlerType discriminates which phase of the state machine a
// pending callout's response belongs to.
type ResponseHandlerType int

const (
	// AwaitingFC: the response belongs to the function-calling model.
	AwaitingFC ResponseHandlerType = iota
	// AwaitingAPI: the response belongs to a developer-defined endpoint.
	AwaitingAPI
	// AwaitingDefault: the response belongs to the default-target
	// fallback.
	AwaitingDefault
)

// StreamCallContext is what the filter needs to interpret a callout's
// reply: which phase it's in, the original client request, and (once
// resolved) the matched prompt target and tool call.
type StreamCallContext struct {
	ResponseHandlerType ResponseHandlerType
	RequestBody         openai.ChatCompletionsRequest
	PromptTargetName    string
	UpstreamCluster     string
	UpstreamClusterPath string
	ToolCalls           []openai.ToolCall
	ToolCallResponse    string
}

// Deps are the collaborators the filter needs.
type Deps struct {
	Host          hostabi.Host
	PromptTargets []config.PromptTargetConfig
	SystemPrompt  string
	FCModel       config.FCModelConfig
	Overrides     config.OverridesConfig
	Metrics       *metrics.Metrics
	// Next is served for any request this filter doesn't act on, and
	// resumed into with a rewritten body once intent resolution
	// completes. Typically an *egress.Handler.
	Next http.Handler
	Now  func() time.Time
}

// Handler is the prompt-gateway filter's http.Handler.
type Handler struct {
	deps          Deps
	promptTargets map[string]config.PromptTargetConfig
	defaultTarget *config.PromptTargetConfig

	mu        sync.Mutex
	callouts  map[uint32]*StreamCallContext
	nextToken atomic.Uint32
}

// New builds a Handler from deps.
func New(deps Deps) *Handler {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	h := &Handler{
		deps:          deps,
		promptTargets: make(map[string]config.PromptTargetConfig, len(deps.PromptTargets)),
		callouts:      make(map[uint32]*StreamCallContext),
	}
	for _, pt := range deps.PromptTargets {
		h.promptTargets[pt.Name] = pt
		if pt.Default {
			cp := pt
			h.defaultTarget = &cp
		}
	}
	return h
}

// PromptTarget looks up a configured prompt target by name.
func (h *Handler) PromptTarget(name string) (config.PromptTargetConfig, bool) {
	pt, ok := h.promptTargets[name]
	return pt, ok
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != ChatCompletionsPath {
		h.deps.Next.ServeHTTP(w, r)
		return
	}

	start := h.deps.Now()
	requestID := r.Header.Get(egress.RequestIDHeader)
	traceparentRaw := r.Header.Get(egress.TraceparentHeader)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		apierr.WriteJSON(w, apierr.Wrap(apierr.KindBadRequest, "reading request body", err))
		return
	}
	if len(body) == 0 {
		h.deps.Next.ServeHTTP(w, r)
		return
	}

	var req openai.ChatCompletionsRequest
	if err := json.Unmarshal(body, &req); err != nil {
		apierr.WriteJSON(w, apierr.Wrap(apierr.KindBadRequest, "decoding chat completions request", err))
		return
	}

	cc := &StreamCallContext{ResponseHandlerType: AwaitingFC, RequestBody: req}

	fcReq := openai.ChatCompletionsRequest{
		Model:    h.deps.FCModel.Model,
		Messages: req.Messages,
	}
	fcBody, err := json.Marshal(fcReq)
	if err != nil {
		apierr.WriteJSON(w, apierr.Wrap(apierr.KindLogic, "marshaling function-calling model request", err))
		return
	}

	calloutReq := hostabi.CalloutRequest{
		UpstreamCluster: h.deps.FCModel.Name,
		BaseURL:         h.deps.FCModel.BaseURL,
		Method:          http.MethodPost,
		Path:            h.deps.FCModel.Path,
		Headers:         calloutHeaders(requestID, traceparentRaw),
		Body:            fcBody,
		Timeout:         internalCalloutTimeout,
	}

	resp, err := h.dispatch(r.Context(), calloutReq, cc)
	h.handleCalloutResponse(w, r, cc, resp, err, start, requestID, traceparentRaw)
}

// dispatch registers cc under a fresh token, issues the callout, and
// removes the token on return — the synchronous stand-in for
// dispatch_http_call / on_http_call_response.
func (h *Handler) dispatch(ctx context.Context, req hostabi.CalloutRequest, cc *StreamCallContext) (hostabi.CalloutResponse, error) {
	token := h.nextToken.Add(1)

	h.mu.Lock()
	h.callouts[token] = cc
	h.mu.Unlock()
	if h.deps.Metrics != nil {
		h.deps.Metrics.ActiveHTTPCalls.Inc()
	}

	resp, err := h.deps.Host.Dispatch(ctx, req)

	h.mu.Lock()
	delete(h.callouts, token)
	h.mu.Unlock()
	if h.deps.Metrics != nil {
		h.deps.Metrics.ActiveHTTPCalls.Dec()
	}

	return resp, err
}

// handleCalloutResponse is the counterpart of context.rs's
// on_http_call_response: it applies the one status check every callout
// shares, then branches to the phase-specific handler.
func (h *Handler) handleCalloutResponse(w http.ResponseWriter, r *http.Request, cc *StreamCallContext, resp hostabi.CalloutResponse, err error, start time.Time, requestID, traceparentRaw string) {
	if err != nil {
		apierr.WriteJSON(w, apierr.Wrap(apierr.KindBadRequest, "dispatching callout", err))
		return
	}

	if !isSuccess(resp.StatusCode) {
		log.Printf("promptgateway: upstream %s %s returned non-2xx status %d", cc.UpstreamCluster, cc.UpstreamClusterPath, resp.StatusCode)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.StatusCode)
		json.NewEncoder(w).Encode(map[string]string{
			"error": fmt.Sprintf("upstream error: host=%s path=%s status=%d body=%s",
				cc.UpstreamCluster, cc.UpstreamClusterPath, resp.StatusCode, resp.Body),
		})
		return
	}

	switch cc.ResponseHandlerType {
	case AwaitingFC:
		h.awaitingFC(w, r, cc, resp.Body, start, requestID, traceparentRaw)
	case AwaitingAPI:
		h.awaitingAPI(w, r, cc, resp.Body)
	case AwaitingDefault:
		h.awaitingDefault(w, r, cc, resp.Body)
	}
}

// resume rewrites the client request's body to req and hands it to
// Next — the net/http equivalent of set_http_request_body +
// resume_http_request.
func (h *Handler) resume(w http.ResponseWriter, r *http.Request, req openai.ChatCompletionsRequest) {
	data, err := json.Marshal(req)
	if err != nil {
		apierr.WriteJSON(w, apierr.Wrap(apierr.KindLogic, "marshaling rewritten request", err))
		return
	}
	next := r.Clone(r.Context())
	next.Body = io.NopCloser(bytes.NewReader(data))
	next.ContentLength = int64(len(data))
	next.Header.Set("Content-Type", "application/json")
	h.deps.Next.ServeHTTP(w, next)
}

func calloutHeaders(requestID, traceparentRaw string, extra ...hostabi.Header) []hostabi.Header {
	headers := []hostabi.Header{{Key: "Content-Type", Value: "application/json"}}
	if requestID != "" {
		headers = append(headers, hostabi.Header{Key: egress.RequestIDHeader, Value: requestID})
	}
	if traceparentRaw != "" {
		headers = append(headers, hostabi.Header{Key: egress.TraceparentHeader, Value: traceparentRaw})
	}
	return append(headers, extra...)
}

// filterOutArchMessages drops messages a prior turn of this filter
// added: tool-role messages, content-less messages, and tool-call
// carrier messages.
func filterOutArchMessages(messages []openai.Message) []openai.Message {
	out := make([]openai.Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == toolRole || m.Content == nil || len(m.ToolCalls) > 0 {
			continue
		}
		out = append(out, m)
	}
	return out
}

// constructLLMMessages builds system-prompt + filtered-history messages
// for a matched prompt target, falling back to the global system prompt
// when the target declares none of its own.
func (h *Handler) constructLLMMessages(targetName string, history []openai.Message) []openai.Message {
	systemPrompt := h.deps.SystemPrompt
	if pt, ok := h.PromptTarget(targetName); ok && pt.SystemPrompt != "" {
		systemPrompt = pt.SystemPrompt
	}

	var messages []openai.Message
	if systemPrompt != "" {
		messages = append(messages, openai.Message{Role: systemRole, Content: openai.StrPtr(systemPrompt)})
	}
	return append(messages, filterOutArchMessages(history)...)
}

func toPathtmplParams(params []config.ParameterConfig) []pathtmpl.Parameter {
	out := make([]pathtmpl.Parameter, 0, len(params))
	for _, p := range params {
		out = append(out, pathtmpl.Parameter{Name: p.Name, Default: p.Default, HasDefault: p.Default != ""})
	}
	return out
}

func endpointMethod(m string) pathtmpl.Method {
	if strings.EqualFold(m, "POST") {
		return pathtmpl.MethodPost
	}
	return pathtmpl.MethodGet
}

// writeDirectReply renders a reply the filter constructs itself rather
// than forwarding to the LLM provider: the SSE two-chunk
// preamble+delta shape when the client asked to stream, the raw body
// bytes otherwise.
func writeDirectReply(w http.ResponseWriter, streaming bool, rawBody []byte, content, model string) {
	if streaming {
		w.Header().Set("Content-Type", "text/event-stream")
		chunks := []openai.ChatCompletionStreamResponse{
			openai.NewStreamResponse(nil, openai.StrPtr(assistantRole), openai.StrPtr(model)),
			openai.NewStreamResponse(openai.StrPtr(content), nil, openai.StrPtr(model)),
		}
		w.Write([]byte(openai.ToServerEvents(chunks)))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(rawBody)
}

func isSuccess(status int) bool { return status >= 200 && status < 300 }
