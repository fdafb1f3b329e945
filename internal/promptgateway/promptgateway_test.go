package promptgateway

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/howard-nolan/archgw/internal/config"
	"github.com/howard-nolan/archgw/internal/hostabi"
	"github.com/howard-nolan/archgw/internal/openai"
)

// capturingNext records the request body it was resumed with, and
// replies 200 with a small fixed body so tests can assert on both ends.
type capturingNext struct {
	gotBody []byte
	gotPath string
}

func (n *capturingNext) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	n.gotBody = body
	n.gotPath = r.URL.Path
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"id":"resumed","model":"gpt-4o","choices":[{"message":{"role":"assistant","content":"ok"}}]}`))
}

func newTestHandler(t *testing.T, host hostabi.Host, targets []config.PromptTargetConfig) (*Handler, *capturingNext) {
	t.Helper()
	next := &capturingNext{}
	h := New(Deps{
		Host:          host,
		PromptTargets: targets,
		SystemPrompt:  "you are a helpful assistant",
		FCModel:       config.FCModelConfig{Name: "arch_fc", BaseURL: "http://fc.internal", Path: "/v1/chat/completions", Model: "Arch-Function"},
		Next:          next,
		Now:           func() time.Time { return time.Unix(0, 0) },
	})
	return h, next
}

func postChatCompletions(t *testing.T, h *Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, ChatCompletionsPath, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestServeHTTP_NonChatPathPassesThrough(t *testing.T) {
	host := hostabi.NewFakeHost(time.Unix(0, 0))
	h, next := newTestHandler(t, host, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if next.gotPath != "/healthz" {
		t.Errorf("expected request forwarded to Next, got path %q", next.gotPath)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestAwaitingFC_ClarificationWhenNoToolCalls(t *testing.T) {
	host := hostabi.NewFakeHost(time.Unix(0, 0))
	host.Respond(http.MethodPost, "/v1/chat/completions", hostabi.CalloutResponse{
		StatusCode: 200,
		Body:       []byte(`{"model":"Arch-Function","metadata":{"function_latency":12},"choices":[{"message":{"role":"assistant","content":"which city?"}}]}`),
	})
	h, next := newTestHandler(t, host, nil)

	rec := postChatCompletions(t, h, `{"model":"gpt-4o","messages":[{"role":"user","content":"what's the weather"}]}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if next.gotBody != nil {
		t.Errorf("expected no resume to Next for clarification reply")
	}
	if !strings.Contains(rec.Body.String(), "which city?") {
		t.Errorf("body = %s, want clarification content", rec.Body.String())
	}
}

func TestAwaitingFC_IntentMatchedDispatchesAndInjectsContext(t *testing.T) {
	host := hostabi.NewFakeHost(time.Unix(0, 0))
	host.Respond(http.MethodPost, "/v1/chat/completions", hostabi.CalloutResponse{
		StatusCode: 200,
		Body: []byte(`{"model":"Arch-Function","metadata":{"function_latency":12},"choices":[{"message":{"role":"assistant",` +
			`"tool_calls":[{"id":"call_1","function":{"name":"weather","arguments":{"city":"Seattle"}}}]}}]}`),
	})
	host.Respond(http.MethodGet, "/forecast/Seattle?", hostabi.CalloutResponse{
		StatusCode: 200,
		Body:       []byte(`{"tempF":72}`),
	})

	targets := []config.PromptTargetConfig{
		{
			Name: "weather",
			Endpoint: config.EndpointConfig{
				Name:    "weather-api",
				BaseURL: "http://weather.internal",
				Path:    "/forecast/{city}",
				Method:  "GET",
			},
		},
	}
	h, next := newTestHandler(t, host, targets)

	rec := postChatCompletions(t, h, `{"model":"gpt-4o","messages":[{"role":"user","content":"weather in Seattle?"}]}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if next.gotBody == nil {
		t.Fatal("expected resume to Next with rewritten body")
	}

	var resumed openai.ChatCompletionsRequest
	if err := json.Unmarshal(next.gotBody, &resumed); err != nil {
		t.Fatalf("unmarshal resumed body: %v", err)
	}
	last := resumed.Messages[len(resumed.Messages)-1]
	want := "weather in Seattle?\ncontext: {\"tempF\":72}"
	if last.ContentOrEmpty() != want {
		t.Errorf("last message content = %q, want %q", last.ContentOrEmpty(), want)
	}
}

func TestAwaitingFC_NoIntentMatchNoDefaultForwardsClean(t *testing.T) {
	host := hostabi.NewFakeHost(time.Unix(0, 0))
	host.Respond(http.MethodPost, "/v1/chat/completions", hostabi.CalloutResponse{
		StatusCode: 200,
		Body:       []byte(`{"model":"Arch-Function","choices":[{"message":{"role":"assistant","content":"general chat"}}]}`),
	})
	h, next := newTestHandler(t, host, nil)

	rec := postChatCompletions(t, h, `{"model":"gpt-4o","messages":[{"role":"user","content":"tell me a joke"}]}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resumed openai.ChatCompletionsRequest
	if err := json.Unmarshal(next.gotBody, &resumed); err != nil {
		t.Fatalf("unmarshal resumed body: %v", err)
	}
	if resumed.Messages[0].Role != systemRole {
		t.Errorf("expected system prompt prepended, got role %q", resumed.Messages[0].Role)
	}
}

func TestAwaitingFC_NoIntentMatchWithDefaultTargetDispatches(t *testing.T) {
	host := hostabi.NewFakeHost(time.Unix(0, 0))
	host.Respond(http.MethodPost, "/v1/chat/completions", hostabi.CalloutResponse{
		StatusCode: 200,
		Body:       []byte(`{"model":"Arch-Function","choices":[{"message":{"role":"assistant","content":"general chat"}}]}`),
	})
	host.Respond(http.MethodPost, "/", hostabi.CalloutResponse{
		StatusCode: 200,
		Body:       []byte(`{"model":"default-model","choices":[{"message":{"role":"assistant","content":"default says hi"}}]}`),
	})

	targets := []config.PromptTargetConfig{
		{Name: "catch-all", Default: true, Endpoint: config.EndpointConfig{Name: "default-target", BaseURL: "http://default.internal"}},
	}
	h, next := newTestHandler(t, host, targets)

	rec := postChatCompletions(t, h, `{"model":"gpt-4o","messages":[{"role":"user","content":"hello"}]}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resumed openai.ChatCompletionsRequest
	if err := json.Unmarshal(next.gotBody, &resumed); err != nil {
		t.Fatalf("unmarshal resumed body: %v", err)
	}
	last := resumed.Messages[len(resumed.Messages)-1]
	if !strings.Contains(last.ContentOrEmpty(), "default says hi") {
		t.Errorf("last message content = %q, want context from default target", last.ContentOrEmpty())
	}
}

func TestHandleCalloutResponse_NonSuccessEchoesStatus(t *testing.T) {
	host := hostabi.NewFakeHost(time.Unix(0, 0))
	host.Respond(http.MethodPost, "/v1/chat/completions", hostabi.CalloutResponse{
		StatusCode: 503,
		Body:       []byte(`service unavailable`),
	})
	h, _ := newTestHandler(t, host, nil)

	rec := postChatCompletions(t, h, `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "service unavailable") {
		t.Errorf("body = %s, want upstream body echoed", rec.Body.String())
	}
}

func TestHandleCalloutResponse_DispatchErrorIs400(t *testing.T) {
	host := hostabi.NewFakeHost(time.Unix(0, 0))
	h, _ := newTestHandler(t, host, nil)

	rec := postChatCompletions(t, h, `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 (no programmed fake response triggers a dispatch error)", rec.Code)
	}
}
