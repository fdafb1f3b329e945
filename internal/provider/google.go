package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// GoogleProvider implements the Provider interface for Google's Gemini
// API. It translates ChatRequest into Gemini's "contents"/"parts" shape,
// makes the HTTP call, and translates the response back. Used by
// internal/egress's proxyViaAdapter for any configured provider whose
// Interface is "google" — the OpenAI-dialect path in internal/egress
// never touches this file.
type GoogleProvider struct {
	apiKey  string       // sent as a query parameter, not a header
	baseURL string       // e.g. "https://generativelanguage.googleapis.com/v1beta"
	client  *http.Client
}

// NewGoogleProvider creates a GoogleProvider ready to make API calls.
func NewGoogleProvider(apiKey, baseURL string, client *http.Client) *GoogleProvider {
	return &GoogleProvider{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  client,
	}
}

// Name returns the provider identifier.
func (g *GoogleProvider) Name() string {
	return "google"
}

// --- Gemini wire types, private to this adapter ---

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

// geminiContent is one message in the conversation. Gemini nests text in
// "parts" (an array) to support multimodal input; text-only requests
// always send a single part.
type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenerationConfig struct {
	MaxOutputTokens int `json:"maxOutputTokens,omitempty"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate    `json:"candidates"`
	UsageMetadata *geminiUsageMetadata `json:"usageMetadata"`
}

// geminiCandidate is one generated response; Gemini can return several,
// but only the first is used, same as OpenAI's choices[0].
type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

// toGeminiRequest translates a ChatRequest into Gemini's format: system
// messages move into systemInstruction (Gemini has no "system" role in
// contents), assistant becomes "model", and max_tokens becomes
// generationConfig.maxOutputTokens.
func toGeminiRequest(req *ChatRequest) *geminiRequest {
	gr := &geminiRequest{}

	for _, msg := range req.Messages {
		if msg.Role == "system" {
			if gr.SystemInstruction == nil {
				gr.SystemInstruction = &geminiContent{
					Parts: []geminiPart{{Text: msg.Content}},
				}
			} else {
				gr.SystemInstruction.Parts = append(
					gr.SystemInstruction.Parts,
					geminiPart{Text: msg.Content},
				)
			}
			continue
		}

		role := msg.Role
		if role == "assistant" {
			role = "model"
		}

		gr.Contents = append(gr.Contents, geminiContent{
			Role:  role,
			Parts: []geminiPart{{Text: msg.Content}},
		})
	}

	if req.MaxTokens > 0 {
		gr.GenerationConfig = &geminiGenerationConfig{
			MaxOutputTokens: req.MaxTokens,
		}
	}

	return gr
}

// ChatCompletion sends a non-streaming request to Gemini's
// generateContent endpoint and returns the complete response.
func (g *GoogleProvider) ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	geminiReq := toGeminiRequest(req)

	body, err := json.Marshal(geminiReq)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	// The API key goes as a query parameter rather than a header — one
	// of the ways Gemini's auth convention differs from Anthropic's.
	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s",
		g.baseURL, req.Model, g.apiKey,
	)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request to gemini: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		var errBody map[string]any
		json.NewDecoder(httpResp.Body).Decode(&errBody)
		return nil, fmt.Errorf("gemini API error (status %d): %v",
			httpResp.StatusCode, errBody,
		)
	}

	var geminiResp geminiResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&geminiResp); err != nil {
		return nil, fmt.Errorf("decoding gemini response: %w", err)
	}

	if len(geminiResp.Candidates) == 0 || len(geminiResp.Candidates[0].Content.Parts) == 0 {
		return nil, fmt.Errorf("gemini returned no candidates")
	}

	candidate := geminiResp.Candidates[0]

	resp := &ChatResponse{
		Model:   req.Model,
		Content: candidate.Content.Parts[0].Text,
	}

	if geminiResp.UsageMetadata != nil {
		resp.Usage = Usage{
			PromptTokens:     geminiResp.UsageMetadata.PromptTokenCount,
			CompletionTokens: geminiResp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      geminiResp.UsageMetadata.TotalTokenCount,
		}
	}

	return resp, nil
}

// ChatCompletionStream sends a streaming request to Gemini's
// streamGenerateContent endpoint (SSE) and returns a channel of
// StreamChunks, closed once the stream ends or the context is
// cancelled.
func (g *GoogleProvider) ChatCompletionStream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error) {
	geminiReq := toGeminiRequest(req)

	body, err := json.Marshal(geminiReq)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse&key=%s",
		g.baseURL, req.Model, g.apiKey,
	)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request to gemini: %w", err)
	}

	// Errors are checked before the goroutine starts so they surface to
	// the caller directly, rather than as the first (and only) event on
	// the channel.
	if httpResp.StatusCode != http.StatusOK {
		defer httpResp.Body.Close()
		var errBody map[string]any
		json.NewDecoder(httpResp.Body).Decode(&errBody)
		return nil, fmt.Errorf("gemini API error (status %d): %v",
			httpResp.StatusCode, errBody,
		)
	}

	ch := make(chan StreamChunk)

	go func() {
		defer close(ch)
		defer httpResp.Body.Close()

		scanner := bufio.NewScanner(httpResp.Body)

		for scanner.Scan() {
			line := scanner.Text()

			// Blank lines and SSE comment lines (":") separate events;
			// only "data: " lines carry a payload.
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			jsonData := strings.TrimPrefix(line, "data: ")

			var geminiResp geminiResponse
			if err := json.Unmarshal([]byte(jsonData), &geminiResp); err != nil {
				ch <- StreamChunk{
					Done:  true,
					Error: fmt.Errorf("decoding gemini stream event: %w", err),
				}
				return
			}

			if len(geminiResp.Candidates) == 0 {
				continue
			}
			candidate := geminiResp.Candidates[0]

			var delta string
			if len(candidate.Content.Parts) > 0 {
				delta = candidate.Content.Parts[0].Text
			}

			chunk := StreamChunk{
				Model: req.Model,
				Delta: delta,
			}

			// An empty FinishReason means more chunks are coming; Gemini
			// sets it ("STOP", "MAX_TOKENS", ...) only on the last one.
			if candidate.FinishReason != "" {
				chunk.Done = true
				if geminiResp.UsageMetadata != nil {
					chunk.Usage = &Usage{
						PromptTokens:     geminiResp.UsageMetadata.PromptTokenCount,
						CompletionTokens: geminiResp.UsageMetadata.CandidatesTokenCount,
						TotalTokens:      geminiResp.UsageMetadata.TotalTokenCount,
					}
				}
			}

			select {
			case ch <- chunk:
			case <-ctx.Done():
				return
			}
		}

		if err := scanner.Err(); err != nil {
			select {
			case ch <- StreamChunk{Done: true, Error: fmt.Errorf("reading gemini stream: %w", err)}:
			case <-ctx.Done():
			}
		}
	}()

	return ch, nil
}
