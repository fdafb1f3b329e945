package egress

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/howard-nolan/archgw/internal/metrics"
	"github.com/howard-nolan/archgw/internal/provider"
	"github.com/prometheus/client_golang/prometheus"
)

func newTestHandler(t *testing.T, upstreamURL string) *Handler {
	t.Helper()
	reg := prometheus.NewRegistry()
	return New(Deps{
		Providers: provider.NewSet([]provider.Record{
			{Name: "openai", Interface: "openai", Endpoint: upstreamURL, Model: "gpt-4o", Default: true},
		}),
		Client:  http.DefaultClient,
		Metrics: metrics.New(reg),
		Now:     time.Now,
	})
}

func TestServeHTTP_HealthzShortCircuits(t *testing.T) {
	h := newTestHandler(t, "http://unused")
	req := httptest.NewRequest(http.MethodGet, HealthzPath, nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("body = %q, want empty", rec.Body.String())
	}
}

func TestServeHTTP_StampsRoutingHeaderAndForwards(t *testing.T) {
	var gotAuth, gotRouting string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotRouting = r.Header.Get(RoutingHeader)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id": "resp-1", "model": "gpt-4o",
			"choices": []map[string]any{{"message": map[string]any{"role": "assistant", "content": "hi"}}},
			"usage":   map[string]any{"completion_tokens": 3},
		})
	}))
	defer upstream.Close()

	h := newTestHandler(t, strings.TrimPrefix(upstream.URL, "http://"))
	h.deps.Providers = provider.NewSet([]provider.Record{
		{Name: "openai", Interface: "openai", Endpoint: upstream.URL, AccessKey: "sk-test", Model: "gpt-4o", Default: true},
	})
	h.deps.Client = upstream.Client()

	body := `{"model":"gpt-4o","messages":[{"role":"user","content":"hello"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if gotAuth != "Bearer sk-test" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotRouting != "openai" {
		t.Errorf("routing header = %q", gotRouting)
	}
}

func TestServeHTTP_MissingModelNoFallback400(t *testing.T) {
	h := newTestHandler(t, "http://unused")
	h.deps.Providers = provider.NewSet([]provider.Record{
		{Name: "openai", Interface: "openai", Endpoint: "http://unused", Default: true},
	})

	body := `{"messages":[{"role":"user","content":"hello"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestServeHTTP_AgentOrchestratorFallbackModel(t *testing.T) {
	var gotBody map[string]any
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id": "x", "model": "agent_orchestrator",
			"choices": []map[string]any{{"message": map[string]any{"role": "assistant", "content": "ok"}}},
		})
	}))
	defer upstream.Close()

	h := newTestHandler(t, upstream.URL)
	h.deps.AgentOrchestrator = true
	h.deps.Providers = provider.NewSet([]provider.Record{
		{Name: "openai", Interface: "openai", Endpoint: upstream.URL, Default: true},
	})
	h.deps.Client = upstream.Client()

	body := `{"messages":[{"role":"user","content":"hello"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if gotBody["model"] != AgentOrchestratorModel {
		t.Errorf("forwarded model = %v, want %q", gotBody["model"], AgentOrchestratorModel)
	}
}

func TestServeHTTP_TrustsExistingRoutingHeader(t *testing.T) {
	var sawRouting string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawRouting = r.Header.Get(RoutingHeader)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id": "x", "model": "gpt-4o",
			"choices": []map[string]any{{"message": map[string]any{"role": "assistant", "content": "ok"}}},
		})
	}))
	defer upstream.Close()

	h := newTestHandler(t, upstream.URL)
	h.deps.Providers = provider.NewSet([]provider.Record{
		{Name: "trusted", Interface: "openai", Endpoint: upstream.URL},
	})
	h.deps.Client = upstream.Client()

	body := `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	req.Header.Set(RoutingHeader, "trusted")
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if sawRouting != "trusted" {
		t.Errorf("routing header forwarded upstream = %q, want %q", sawRouting, "trusted")
	}
}

func TestServeHTTP_NonOpenAIInterfaceUsesProviderAdapter(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"candidates": []map[string]any{{
				"content":      map[string]any{"parts": []map[string]any{{"text": "hi from gemini"}}},
				"finishReason": "STOP",
			}},
			"usageMetadata": map[string]any{"promptTokenCount": 4, "candidatesTokenCount": 2, "totalTokenCount": 6},
		})
	}))
	defer upstream.Close()

	h := newTestHandler(t, "unused")
	h.deps.Providers = provider.NewSet([]provider.Record{
		{Name: "google", Interface: "google", AccessKey: "test-key", Model: "gemini-2.0-flash", Default: true},
	})
	h.deps.ProviderAdapters = map[string]provider.Provider{
		"google": provider.NewGoogleProvider("test-key", upstream.URL, upstream.Client()),
	}

	body := `{"model":"gemini-2.0-flash","messages":[{"role":"user","content":"hello"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	choices := resp["choices"].([]any)
	msg := choices[0].(map[string]any)["message"].(map[string]any)
	if msg["content"] != "hi from gemini" {
		t.Errorf("content = %v, want %q", msg["content"], "hi from gemini")
	}
}
