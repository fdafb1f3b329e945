// Package openai defines the OpenAI-compatible chat-completions wire
// types shared by the prompt-gateway and LLM-egress filters: request and
// response bodies, streaming event framing, and tool-call structures.
package openai

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Message is one entry in a chat-completions conversation.
type Message struct {
	Role       string     `json:"role"`
	Content    *string    `json:"content,omitempty"`
	Model      *string    `json:"model,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID *string    `json:"tool_call_id,omitempty"`
}

// ContentOrEmpty returns the message content, or "" if unset.
func (m Message) ContentOrEmpty() string {
	if m.Content == nil {
		return ""
	}
	return *m.Content
}

// StrPtr is a convenience constructor for Message.Content-shaped fields.
func StrPtr(s string) *string { return &s }

// ToolCall is a single structured tool invocation emitted by the
// function-calling model.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type,omitempty"`
	Function FunctionCall `json:"function"`
}

// FunctionCall carries the tool name and its arguments. Arguments are
// kept as a raw string-keyed map: scalar values (string/number/bool) are
// the only ones that matter to the path templater, everything else is
// dropped there.
type FunctionCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// StreamOptions controls whether a streaming response includes a final
// usage event.
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// ChatCompletionsRequest mirrors the OpenAI /v1/chat/completions request
// body, plus the "metadata" extension used by the agent-orchestrator
// rewrite path.
type ChatCompletionsRequest struct {
	Model         string            `json:"model"`
	Messages      []Message         `json:"messages"`
	Tools         []any             `json:"tools,omitempty"`
	Stream        bool              `json:"stream,omitempty"`
	StreamOptions *StreamOptions    `json:"stream_options,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Usage holds token accounting for a completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Choice is one generated completion. The core only ever looks at
// choices[0].
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason *string `json:"finish_reason,omitempty"`
}

// ChatCompletionsResponse mirrors a non-streaming OpenAI response, plus
// the function-calling-model's "metadata" extension (used to signal
// intent match via the function_latency key).
type ChatCompletionsResponse struct {
	ID      string            `json:"id,omitempty"`
	Object  string            `json:"object,omitempty"`
	Model   string            `json:"model"`
	Choices []Choice          `json:"choices"`
	Usage   *Usage            `json:"usage,omitempty"`
	Metadata map[string]any   `json:"metadata,omitempty"`
}

// ---------------------------------------------------------------------------
// Streaming event framing
// ---------------------------------------------------------------------------

// StreamDelta is the incremental content of one streaming chunk.
type StreamDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// StreamChoice is one choice within a streaming chunk.
type StreamChoice struct {
	Index        int         `json:"index"`
	Delta        StreamDelta `json:"delta"`
	FinishReason *string     `json:"finish_reason,omitempty"`
}

// ChatCompletionStreamResponse is a single SSE "data:" frame of a
// streaming chat-completions response.
type ChatCompletionStreamResponse struct {
	ID      string         `json:"id,omitempty"`
	Object  string         `json:"object"`
	Model   string         `json:"model,omitempty"`
	Choices []StreamChoice `json:"choices"`
	Usage   *Usage         `json:"usage,omitempty"`
}

// NewStreamResponse builds one SSE frame. content and role are mutually
// exclusive in practice (role-only preamble, then content deltas), but
// both are accepted since some providers mix them.
func NewStreamResponse(content *string, role *string, model *string) ChatCompletionStreamResponse {
	delta := StreamDelta{}
	if role != nil {
		delta.Role = *role
	}
	if content != nil {
		delta.Content = *content
	}
	resp := ChatCompletionStreamResponse{
		Object: "chat.completion.chunk",
		Choices: []StreamChoice{{Index: 0, Delta: delta}},
	}
	if model != nil {
		resp.Model = *model
	}
	return resp
}

// ToServerEvents renders a sequence of stream chunks as the SSE wire
// format, terminated by the "[DONE]" sentinel. This is what a direct
// reply (clarification, non-auto-dispatch tool response) emits when the
// originating client request was itself streaming.
func ToServerEvents(chunks []ChatCompletionStreamResponse) string {
	var b strings.Builder
	for _, c := range chunks {
		data, err := json.Marshal(c)
		if err != nil {
			continue
		}
		fmt.Fprintf(&b, "data: %s\n\n", data)
	}
	b.WriteString("data: [DONE]\n")
	return b.String()
}

// StreamEvents is the result of parsing a chunk of raw SSE bytes: one or
// more "data:" frames, decoded into their JSON payload.
type StreamEvents struct {
	Events []ChatCompletionStreamResponse
}

// ParseStreamEvents splits raw SSE bytes on blank lines and decodes each
// "data: {json}" frame. The "data: [DONE]" sentinel is recognized and
// excluded from Events rather than treated as a decode failure.
func ParseStreamEvents(raw string) (StreamEvents, error) {
	var out StreamEvents
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			continue
		}
		var ev ChatCompletionStreamResponse
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return out, fmt.Errorf("decoding stream event: %w", err)
		}
		out.Events = append(out.Events, ev)
	}
	return out, nil
}

// ConcatContent joins the text deltas of every event, in order — used to
// feed the token counter for streamed response accounting.
func (e StreamEvents) ConcatContent() string {
	var b strings.Builder
	for _, ev := range e.Events {
		if len(ev.Choices) > 0 {
			b.WriteString(ev.Choices[0].Delta.Content)
		}
	}
	return b.String()
}

// FirstModel returns the model field of the first event, if any.
func (e StreamEvents) FirstModel() string {
	if len(e.Events) == 0 {
		return ""
	}
	return e.Events[0].Model
}
