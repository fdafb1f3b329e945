package egress

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/howard-nolan/archgw/internal/apierr"
	"github.com/howard-nolan/archgw/internal/openai"
	"github.com/howard-nolan/archgw/internal/provider"
	"github.com/howard-nolan/archgw/internal/stream"
	"github.com/howard-nolan/archgw/internal/tracing"
)

// turn accumulates everything the response-observation phase needs
// across however many chunks the upstream response arrives in — the
// in-process stand-in for the fields stream_context.rs keeps on
// `StreamContext` between on_http_response_body calls.
type turn struct {
	model          string
	userPrompt     string
	start          time.Time
	ttft           time.Time
	ttftSet        bool
	responseTokens int
}

// proxy dispatches the (possibly mutated) request body to the resolved
// provider and observes the response. body may be empty (pass-through,
// no chat-completions semantics); req is nil in that case.
func (h *Handler) proxy(w http.ResponseWriter, r *http.Request, record provider.Record, body []byte, start time.Time, req *openai.ChatCompletionsRequest, requestID, traceparentRaw string) {
	t := &turn{start: start}
	if req != nil {
		t.model = req.Model
		t.userPrompt = lastUserMessageContent(req.Messages)
	}

	if record.Interface != "" && record.Interface != "openai" {
		h.proxyViaAdapter(w, r, record, req, t, traceparentRaw)
		return
	}
	h.proxyOpenAI(w, r, record, body, t, requestID, traceparentRaw)
}

// proxyOpenAI is the primary path: the resolved provider speaks the
// OpenAI chat-completions dialect directly, so the (rewritten) request
// body is forwarded byte-for-byte over net/http.
func (h *Handler) proxyOpenAI(w http.ResponseWriter, r *http.Request, record provider.Record, body []byte, t *turn, requestID, traceparentRaw string) {
	baseURL := record.BaseURL()
	if baseURL == "" {
		apierr.WriteJSON(w, apierr.New(apierr.KindBadRequest, fmt.Sprintf("provider %q has no endpoint configured", record.Name)))
		return
	}

	upstreamReq, err := http.NewRequestWithContext(r.Context(), r.Method, baseURL+r.URL.Path, bytes.NewReader(body))
	if err != nil {
		apierr.WriteJSON(w, apierr.Wrap(apierr.KindHTTPDispatch, "building upstream request", err))
		return
	}
	upstreamReq.Header = r.Header.Clone()
	upstreamReq.Header.Set("Content-Type", "application/json")
	upstreamReq.ContentLength = int64(len(body))

	resp, err := h.deps.Client.Do(upstreamReq)
	if err != nil {
		apierr.WriteJSON(w, apierr.Wrap(apierr.KindHTTPDispatch, "dispatching to upstream provider", err))
		return
	}
	defer resp.Body.Close()

	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	if !isSuccess(resp.StatusCode) {
		io.Copy(w, resp.Body)
		return
	}

	if isStreamingResponse(resp.Header) {
		h.observeStreaming(w, resp.Body, t, traceparentRaw)
		return
	}
	h.observeNonStreaming(w, resp.Body, t, traceparentRaw)
}

// proxyViaAdapter dispatches through the teacher's provider.Provider
// adapters (Google/Anthropic) for a provider whose interface isn't
// OpenAI-dialect. Per spec.md §3, only the OpenAI dialect is required
// for the core; this path exists so the adapters stay wired rather than
// dropped.
func (h *Handler) proxyViaAdapter(w http.ResponseWriter, r *http.Request, record provider.Record, req *openai.ChatCompletionsRequest, t *turn, traceparentRaw string) {
	adapter, ok := h.deps.ProviderAdapters[record.Interface]
	if !ok || req == nil {
		apierr.WriteJSON(w, apierr.New(apierr.KindLogic, fmt.Sprintf("no adapter wired for provider interface %q", record.Interface)))
		return
	}

	creq := &provider.ChatRequest{
		Model:     req.Model,
		Stream:    req.Stream,
		MaxTokens: 1024,
	}
	for _, m := range req.Messages {
		creq.Messages = append(creq.Messages, provider.Message{Role: m.Role, Content: m.ContentOrEmpty()})
	}

	if req.Stream {
		chunks, err := adapter.ChatCompletionStream(r.Context(), creq)
		if err != nil {
			apierr.WriteJSON(w, apierr.Wrap(apierr.KindUpstream, "provider stream error", err))
			return
		}
		observed := make(chan provider.StreamChunk)
		go func() {
			defer close(observed)
			for c := range chunks {
				if !t.ttftSet && c.Delta != "" {
					t.ttft = h.deps.Now()
					t.ttftSet = true
					if h.deps.Metrics != nil {
						h.deps.Metrics.TimeToFirstToken.WithLabelValues(t.model).Observe(float64(t.ttft.Sub(t.start).Milliseconds()))
					}
				}
				if c.Delta != "" {
					t.responseTokens += h.countTokens(t.model, c.Delta)
				}
				observed <- c
			}
		}()
		if err := stream.Write(w, observed); err != nil {
			log.Printf("egress: stream write error: %v", err)
		}
		h.finishTurn(t, traceparentRaw)
		return
	}

	cresp, err := adapter.ChatCompletion(r.Context(), creq)
	if err != nil {
		apierr.WriteJSON(w, apierr.Wrap(apierr.KindUpstream, "provider error", err))
		return
	}
	t.responseTokens = cresp.Usage.CompletionTokens
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(openai.ChatCompletionsResponse{
		ID:    cresp.ID,
		Model: cresp.Model,
		Choices: []openai.Choice{{
			Message: openai.Message{Role: "assistant", Content: openai.StrPtr(cresp.Content)},
		}},
		Usage: &openai.Usage{
			PromptTokens:     cresp.Usage.PromptTokens,
			CompletionTokens: cresp.Usage.CompletionTokens,
			TotalTokens:       cresp.Usage.TotalTokens,
		},
	})
	h.finishTurn(t, traceparentRaw)
}

// observeStreaming copies the upstream SSE body to the client while
// scanning it for the first non-empty content delta (TTFT) and
// accumulating response tokens, lossily — counts are monotonic and
// best-effort, never exact, per spec.md §9.
func (h *Handler) observeStreaming(w http.ResponseWriter, upstream io.Reader, t *turn, traceparentRaw string) {
	flusher, _ := w.(http.Flusher)

	var pending bytes.Buffer
	buf := make([]byte, 4096)
	for {
		n, readErr := upstream.Read(buf)
		if n > 0 {
			w.Write(buf[:n])
			if flusher != nil {
				flusher.Flush()
			}
			pending.Write(buf[:n])
			h.scanSSE(&pending, t)
		}
		if readErr != nil {
			break
		}
	}
	h.finishTurn(t, traceparentRaw)
}

// scanSSE consumes complete "data: ...\n\n" frames from buf, updating
// t.ttft (once) and t.responseTokens as content deltas are found.
// Incomplete trailing frames are left in buf for the next read.
func (h *Handler) scanSSE(buf *bytes.Buffer, t *turn) {
	raw := buf.String()
	frames := strings.Split(raw, "\n\n")
	if len(frames) == 0 {
		return
	}
	// The last element may be an incomplete frame; keep it buffered.
	complete, rest := frames[:len(frames)-1], frames[len(frames)-1]
	buf.Reset()
	buf.WriteString(rest)

	for _, frame := range complete {
		line := strings.TrimSpace(frame)
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" || payload == "" {
			continue
		}
		var ev openai.ChatCompletionStreamResponse
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			continue
		}
		if len(ev.Choices) == 0 {
			continue
		}
		content := ev.Choices[0].Delta.Content
		if content == "" {
			continue
		}
		if !t.ttftSet {
			t.ttft = h.deps.Now()
			t.ttftSet = true
			if h.deps.Metrics != nil {
				h.deps.Metrics.TimeToFirstToken.WithLabelValues(t.model).Observe(float64(t.ttft.Sub(t.start).Milliseconds()))
			}
		}
		t.responseTokens += h.countTokens(t.model, content)
	}
}

// observeNonStreaming reads the full JSON response, forwards it
// unchanged to the client, and uses its usage.completion_tokens (if
// present) for response-token accounting.
func (h *Handler) observeNonStreaming(w http.ResponseWriter, upstream io.Reader, t *turn, traceparentRaw string) {
	body, err := io.ReadAll(upstream)
	if err != nil {
		log.Printf("egress: reading non-streaming upstream body: %v", err)
		h.finishTurn(t, traceparentRaw)
		return
	}
	w.Write(body)

	var resp openai.ChatCompletionsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		log.Printf("egress: deserializing upstream response, passing through unchanged: %v", err)
		h.finishTurn(t, traceparentRaw)
		return
	}
	if resp.Usage != nil {
		t.responseTokens = resp.Usage.CompletionTokens
	}
	h.finishTurn(t, traceparentRaw)
}

func (h *Handler) countTokens(model, text string) int {
	if h.deps.Tokens == nil {
		return 0
	}
	n, err := h.deps.Tokens.Count(model, text)
	if err != nil {
		return 0
	}
	return n
}

// finishTurn records end-to-end latency/throughput metrics and, if a
// valid traceparent was present, emits an egress_traffic span — the
// counterpart of stream_context.rs's `end_of_stream && body_size == 0`
// branch, which original_source reaches for both streaming and
// non-streaming turns alike.
func (h *Handler) finishTurn(t *turn, traceparentRaw string) {
	latency := h.deps.Now().Sub(t.start)
	latencyMs := latency.Milliseconds()

	if h.deps.Metrics != nil {
		h.deps.Metrics.RequestLatency.WithLabelValues(t.model).Observe(float64(latencyMs))
		h.deps.Metrics.OutputSequenceLength.WithLabelValues(t.model).Observe(float64(t.responseTokens))
		if t.responseTokens > 0 && latencyMs > 0 {
			tpot := float64(latencyMs) / float64(t.responseTokens)
			h.deps.Metrics.TimePerOutputToken.WithLabelValues(t.model).Observe(tpot)
			if tpot > 0 {
				h.deps.Metrics.TokensPerSecond.WithLabelValues(t.model).Observe(1000 / tpot)
			}
		}
	}

	if traceparentRaw == "" || h.deps.Traces == nil {
		return
	}
	tp, err := tracing.ParseTraceparent(traceparentRaw)
	if err != nil {
		log.Printf("egress: invalid traceparent, skipping trace for this turn: %v", err)
		return
	}

	span := tracing.NewSpan("egress_traffic", tp.TraceID, tp.ParentID, t.start, h.deps.Now())
	if t.userPrompt != "" {
		span.AddAttribute("user_prompt", t.userPrompt)
	}
	span.AddAttribute("model", t.model)
	if t.ttftSet {
		span.AddEvent(tracing.Event{Name: "time_to_first_token", At: t.ttft})
	}

	data := tracing.NewTraceData()
	data.AddSpan(span)
	h.deps.Traces.Push(data)
}

func isSuccess(status int) bool { return status >= 200 && status < 300 }

func isStreamingResponse(h http.Header) bool {
	return strings.HasPrefix(h.Get("Content-Type"), "text/event-stream")
}
