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

// AnthropicProvider implements the Provider interface for Anthropic's
// Messages API. Same pattern as GoogleProvider: translate ChatRequest
// into the wire format, make the HTTP call, translate the response
// back. Used by internal/egress's proxyViaAdapter for any configured
// provider whose Interface is "anthropic".
type AnthropicProvider struct {
	apiKey  string
	baseURL string // e.g. "https://api.anthropic.com/v1"
	client  *http.Client
}

// NewAnthropicProvider creates an AnthropicProvider ready to make API calls.
func NewAnthropicProvider(apiKey, baseURL string, client *http.Client) *AnthropicProvider {
	return &AnthropicProvider{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  client,
	}
}

// Name returns the provider identifier.
func (a *AnthropicProvider) Name() string {
	return "anthropic"
}

// anthropicRequest is the body for Anthropic's /v1/messages endpoint.
// Unlike Gemini, system prompt is a top-level string rather than a
// message, and max_tokens is required.
type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
	Stream    bool               `json:"stream,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	ID         string                  `json:"id"`
	Content    []anthropicContentBlock `json:"content"`
	Model      string                  `json:"model"`
	StopReason string                  `json:"stop_reason"`
	Usage      anthropicUsage          `json:"usage"`
}

// anthropicContentBlock is one piece of the response body. Anthropic
// returns an array because a response can mix text and tool_use
// blocks; only "text" blocks matter here.
type anthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// anthropicStreamEvent is a decode-first wrapper for SSE events.
// Anthropic names each event ("message_start", "content_block_delta",
// "message_delta", "message_stop") and gives each a different payload
// shape, unlike Gemini which reuses the same response struct for every
// event. Every field here is optional; Type determines which are
// populated.
type anthropicStreamEvent struct {
	Type    string                 `json:"type"`
	Message *anthropicEventMessage `json:"message,omitempty"`
	Delta   *anthropicEventDelta   `json:"delta,omitempty"`
	Usage   *anthropicUsage        `json:"usage,omitempty"`
}

// anthropicEventMessage is the payload of a message_start event: the
// response ID, model, and input token count. Output tokens are always
// 0 here since nothing has been generated yet.
type anthropicEventMessage struct {
	ID    string         `json:"id"`
	Model string         `json:"model"`
	Usage anthropicUsage `json:"usage"`
}

// anthropicEventDelta carries a text fragment on content_block_delta
// or a stop reason on message_delta; the unused field stays zero on
// either event.
type anthropicEventDelta struct {
	Type       string `json:"type,omitempty"`
	Text       string `json:"text,omitempty"`
	StopReason string `json:"stop_reason,omitempty"`
}

// anthropicAPIVersion pins API behavior. Anthropic versions by a
// date-stamped header rather than a URL path segment.
const anthropicAPIVersion = "2023-06-01"

// defaultMaxTokens is used when the caller doesn't set MaxTokens;
// Anthropic rejects requests that omit max_tokens entirely.
const defaultMaxTokens = 1024

// toAnthropicRequest pulls system messages into the top-level "system"
// string, maps the rest straight across (roles already match), and
// fills max_tokens with a default when the caller left it unset.
func toAnthropicRequest(req *ChatRequest) *anthropicRequest {
	ar := &anthropicRequest{Model: req.Model}

	var systemParts []string
	for _, msg := range req.Messages {
		if msg.Role == "system" {
			systemParts = append(systemParts, msg.Content)
			continue
		}
		ar.Messages = append(ar.Messages, anthropicMessage{
			Role:    msg.Role,
			Content: msg.Content,
		})
	}

	if len(systemParts) > 0 {
		ar.System = strings.Join(systemParts, "\n")
	}

	if req.MaxTokens > 0 {
		ar.MaxTokens = req.MaxTokens
	} else {
		ar.MaxTokens = defaultMaxTokens
	}

	return ar
}

func anthropicHeaders(req *http.Request, apiKey string) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", apiKey)
	req.Header.Set("anthropic-version", anthropicAPIVersion)
}

// ChatCompletion sends a non-streaming request to Anthropic's
// /v1/messages endpoint and returns the complete response.
func (a *AnthropicProvider) ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	anthropicReq := toAnthropicRequest(req)

	body, err := json.Marshal(anthropicReq)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	url := fmt.Sprintf("%s/messages", a.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	anthropicHeaders(httpReq, a.apiKey)

	httpResp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request to anthropic: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		var errBody map[string]any
		json.NewDecoder(httpResp.Body).Decode(&errBody)
		return nil, fmt.Errorf("anthropic API error (status %d): %v",
			httpResp.StatusCode, errBody,
		)
	}

	var anthropicResp anthropicResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&anthropicResp); err != nil {
		return nil, fmt.Errorf("decoding anthropic response: %w", err)
	}

	var text string
	for _, block := range anthropicResp.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}

	return &ChatResponse{
		ID:      anthropicResp.ID,
		Model:   anthropicResp.Model,
		Content: text,
		Usage: Usage{
			PromptTokens:     anthropicResp.Usage.InputTokens,
			CompletionTokens: anthropicResp.Usage.OutputTokens,
			TotalTokens:      anthropicResp.Usage.InputTokens + anthropicResp.Usage.OutputTokens,
		},
	}, nil
}

// ChatCompletionStream sends a streaming request (stream: true in the
// body switches Anthropic to SSE; the URL doesn't change) and returns
// a channel of StreamChunks assembled from message_start,
// content_block_delta, message_delta and message_stop events.
func (a *AnthropicProvider) ChatCompletionStream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error) {
	anthropicReq := toAnthropicRequest(req)
	anthropicReq.Stream = true

	body, err := json.Marshal(anthropicReq)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	url := fmt.Sprintf("%s/messages", a.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	anthropicHeaders(httpReq, a.apiKey)

	httpResp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request to anthropic: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		defer httpResp.Body.Close()
		var errBody map[string]any
		json.NewDecoder(httpResp.Body).Decode(&errBody)
		return nil, fmt.Errorf("anthropic API error (status %d): %v",
			httpResp.StatusCode, errBody,
		)
	}

	ch := make(chan StreamChunk)

	go func() {
		defer close(ch)
		defer httpResp.Body.Close()

		// Anthropic spreads response metadata across the stream instead
		// of repeating it on every event, so these accumulate until
		// message_stop assembles the final Done chunk.
		var (
			respID       string
			model        string
			inputTokens  int
			outputTokens int
		)

		scanner := bufio.NewScanner(httpResp.Body)

		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			jsonData := strings.TrimPrefix(line, "data: ")

			var event anthropicStreamEvent
			if err := json.Unmarshal([]byte(jsonData), &event); err != nil {
				ch <- StreamChunk{
					Done:  true,
					Error: fmt.Errorf("decoding anthropic stream event: %w", err),
				}
				return
			}

			switch event.Type {
			case "message_start":
				if event.Message != nil {
					respID = event.Message.ID
					model = event.Message.Model
					inputTokens = event.Message.Usage.InputTokens
				}

			case "content_block_delta":
				if event.Delta == nil {
					continue
				}
				chunk := StreamChunk{ID: respID, Model: model, Delta: event.Delta.Text}
				select {
				case ch <- chunk:
				case <-ctx.Done():
					return
				}

			case "message_delta":
				if event.Usage != nil {
					outputTokens = event.Usage.OutputTokens
				}

			case "message_stop":
				chunk := StreamChunk{
					ID:    respID,
					Model: model,
					Done:  true,
					Usage: &Usage{
						PromptTokens:     inputTokens,
						CompletionTokens: outputTokens,
						TotalTokens:      inputTokens + outputTokens,
					},
				}
				select {
				case ch <- chunk:
				case <-ctx.Done():
					return
				}

			// content_block_start, content_block_stop and ping carry
			// nothing this adapter needs.
			}
		}

		if err := scanner.Err(); err != nil {
			select {
			case ch <- StreamChunk{Done: true, Error: fmt.Errorf("reading anthropic stream: %w", err)}:
			case <-ctx.Done():
			}
		}
	}()

	return ch, nil
}
