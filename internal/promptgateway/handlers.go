package promptgateway

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/howard-nolan/archgw/internal/apierr"
	"github.com/howard-nolan/archgw/internal/config"
	"github.com/howard-nolan/archgw/internal/hostabi"
	"github.com/howard-nolan/archgw/internal/openai"
	"github.com/howard-nolan/archgw/internal/pathtmpl"
)

// awaitingFC interprets the function-calling model's reply: a matched
// intent schedules either an API call, an agent-orchestrator rewrite, or
// (if the tool-call list came back empty) a direct clarification reply.
// An unmatched intent falls back to the default target, or a clean
// rewrite if none is configured.
func (h *Handler) awaitingFC(w http.ResponseWriter, r *http.Request, cc *StreamCallContext, body []byte, start time.Time, requestID, traceparentRaw string) {
	var fcResp openai.ChatCompletionsResponse
	if err := json.Unmarshal(body, &fcResp); err != nil {
		apierr.WriteJSON(w, apierr.Wrap(apierr.KindLogic, "decoding function-calling model response", err))
		return
	}

	_, intentMatched := fcResp.Metadata["function_latency"]

	if !intentMatched {
		if def, ok := h.defaultTargetConfig(); ok {
			h.dispatchDefaultTarget(w, r, cc, def, start, requestID, traceparentRaw)
			return
		}
		h.forwardClean(w, r, cc)
		return
	}

	if len(fcResp.Choices) == 0 {
		apierr.WriteJSON(w, apierr.New(apierr.KindUpstream, "function-calling model returned no choices"))
		return
	}

	toolCalls := fcResp.Choices[0].Message.ToolCalls
	if len(toolCalls) > 1 {
		log.Printf("promptgateway: multiple tool calls not supported, using first of %d", len(toolCalls))
	}
	if len(toolCalls) == 0 {
		// Arch FC didn't have enough information to resolve the call; it
		// replied with a message asking the user for more. Send that
		// straight back to initialize a lightweight clarification dialog.
		writeDirectReply(w, cc.RequestBody.Stream, body, fcResp.Choices[0].Message.ContentOrEmpty(), fcModelLabel)
		return
	}

	cc.ToolCalls = toolCalls[:1]
	cc.PromptTargetName = toolCalls[0].Function.Name

	if h.deps.Overrides.UseAgentOrchestrator {
		h.forwardAgentOrchestrator(w, r, cc)
		return
	}

	h.scheduleAPICall(w, r, cc, start, requestID, traceparentRaw)
}

// forwardClean rewrites the request to the global system prompt plus the
// filtered conversation history, used when intent didn't match and no
// default target is configured.
func (h *Handler) forwardClean(w http.ResponseWriter, r *http.Request, cc *StreamCallContext) {
	var messages []openai.Message
	if h.deps.SystemPrompt != "" {
		messages = append(messages, openai.Message{Role: systemRole, Content: openai.StrPtr(h.deps.SystemPrompt)})
	}
	messages = append(messages, filterOutArchMessages(cc.RequestBody.Messages)...)

	h.resume(w, r, openai.ChatCompletionsRequest{
		Model:         cc.RequestBody.Model,
		Messages:      messages,
		Stream:        cc.RequestBody.Stream,
		StreamOptions: cc.RequestBody.StreamOptions,
	})
}

// forwardAgentOrchestrator rewrites the request with orchestrator
// metadata instead of dispatching a developer API call, when the
// agent-orchestrator override is enabled.
func (h *Handler) forwardAgentOrchestrator(w http.ResponseWriter, r *http.Request, cc *StreamCallContext) {
	metadata := map[string]string{
		"use_agent_orchestrator": "true",
		"agent-name":             cc.PromptTargetName,
	}
	if h.deps.Overrides.OptimizeContextWindow {
		metadata["optimize_context_window"] = "true"
	}

	h.resume(w, r, openai.ChatCompletionsRequest{
		Model:         cc.RequestBody.Model,
		Messages:      h.constructLLMMessages(cc.PromptTargetName, cc.RequestBody.Messages),
		Stream:        cc.RequestBody.Stream,
		StreamOptions: cc.RequestBody.StreamOptions,
		Metadata:      metadata,
	})
}

// scheduleAPICall templates the matched prompt target's endpoint path
// against the tool-call arguments and dispatches the developer API
// request. State -> AwaitingAPI.
func (h *Handler) scheduleAPICall(w http.ResponseWriter, r *http.Request, cc *StreamCallContext, start time.Time, requestID, traceparentRaw string) {
	pt, ok := h.PromptTarget(cc.PromptTargetName)
	if !ok {
		apierr.WriteJSON(w, apierr.New(apierr.KindLogic, fmt.Sprintf("no prompt target configured for %q", cc.PromptTargetName)))
		return
	}

	toolCall := cc.ToolCalls[0]
	method := endpointMethod(pt.Endpoint.Method)

	path, apiBody, err := pathtmpl.ComputeRequestPathBody(pt.Endpoint.Path, toolCall.Function.Arguments, toPathtmplParams(pt.Parameters), method)
	if err != nil {
		apierr.WriteJSON(w, apierr.Wrap(apierr.KindBadRequest, "computing developer endpoint request", err))
		return
	}

	headers := calloutHeaders(requestID, traceparentRaw, hostabi.Header{Key: "x-envoy-max-retries", Value: "3"})
	for k, v := range pt.Endpoint.HTTPHeaders {
		headers = append(headers, hostabi.Header{Key: k, Value: v})
	}

	timeout := pt.Endpoint.Timeout
	if timeout <= 0 {
		timeout = internalCalloutTimeout
	}

	cc.UpstreamCluster = pt.Endpoint.Name
	cc.UpstreamClusterPath = path
	cc.ResponseHandlerType = AwaitingAPI

	calloutReq := hostabi.CalloutRequest{
		UpstreamCluster: pt.Endpoint.Name,
		BaseURL:         pt.Endpoint.BaseURL,
		Method:          string(method),
		Path:            path,
		Headers:         headers,
		Body:            apiBody,
		Timeout:         timeout,
	}

	resp, err := h.dispatch(r.Context(), calloutReq, cc)
	h.handleCalloutResponse(w, r, cc, resp, err, start, requestID, traceparentRaw)
}

// awaitingAPI interprets the developer endpoint's reply: either a direct
// pass-through or an injection of the API response as context into the
// user's message, followed by a resume to the LLM provider.
func (h *Handler) awaitingAPI(w http.ResponseWriter, r *http.Request, cc *StreamCallContext, body []byte) {
	pt, _ := h.PromptTarget(cc.PromptTargetName)
	cc.ToolCallResponse = string(body)

	if !pt.AutoDispatch() {
		writeDirectReply(w, cc.RequestBody.Stream, body, cc.ToolCallResponse, fcModelLabel)
		return
	}

	messages := h.constructLLMMessages(cc.PromptTargetName, cc.RequestBody.Messages)
	if len(messages) == 0 {
		apierr.WriteJSON(w, apierr.New(apierr.KindLogic, "no messages found to append api response context to"))
		return
	}
	userMessage := messages[len(messages)-1]
	messages = messages[:len(messages)-1]
	messages = append(messages, openai.Message{
		Role:    userRole,
		Content: openai.StrPtr(fmt.Sprintf("%s\ncontext: %s", userMessage.ContentOrEmpty(), cc.ToolCallResponse)),
	})

	h.resume(w, r, openai.ChatCompletionsRequest{
		Model:         cc.RequestBody.Model,
		Messages:      messages,
		Stream:        cc.RequestBody.Stream,
		StreamOptions: cc.RequestBody.StreamOptions,
	})
}

// dispatchDefaultTarget POSTs the original message history to the
// default prompt target's endpoint. State -> AwaitingDefault.
func (h *Handler) dispatchDefaultTarget(w http.ResponseWriter, r *http.Request, cc *StreamCallContext, def config.PromptTargetConfig, start time.Time, requestID, traceparentRaw string) {
	payload, err := json.Marshal(map[string]any{"messages": cc.RequestBody.Messages})
	if err != nil {
		apierr.WriteJSON(w, apierr.Wrap(apierr.KindLogic, "marshaling default target request", err))
		return
	}

	path := def.Endpoint.Path
	if path == "" {
		path = "/"
	}

	cc.PromptTargetName = def.Name
	cc.UpstreamCluster = def.Endpoint.Name
	cc.UpstreamClusterPath = path
	cc.ResponseHandlerType = AwaitingDefault

	calloutReq := hostabi.CalloutRequest{
		UpstreamCluster: def.Endpoint.Name,
		BaseURL:         def.Endpoint.BaseURL,
		Method:          http.MethodPost,
		Path:            path,
		Headers:         calloutHeaders(requestID, traceparentRaw, hostabi.Header{Key: "x-envoy-max-retries", Value: "3"}),
		Body:            payload,
		Timeout:         internalCalloutTimeout,
	}

	resp, err := h.dispatch(r.Context(), calloutReq, cc)
	h.handleCalloutResponse(w, r, cc, resp, err, start, requestID, traceparentRaw)
}

// awaitingDefault interprets the default target's reply. It mirrors
// awaitingAPI's auto-dispatch branch, except the system prompt comes
// from the default target itself (with no global fallback, matching
// original_source's default_target_handler) and the context string is
// the target's chat-completions choice rather than a raw API body.
func (h *Handler) awaitingDefault(w http.ResponseWriter, r *http.Request, cc *StreamCallContext, body []byte) {
	pt, _ := h.PromptTarget(cc.PromptTargetName)

	if !pt.AutoDispatch() {
		if !cc.RequestBody.Stream {
			writeDirectReply(w, false, body, "", "")
			return
		}
		var resp openai.ChatCompletionsResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			apierr.WriteJSON(w, apierr.Wrap(apierr.KindLogic, "decoding default target response", err))
			return
		}
		content := ""
		if len(resp.Choices) > 0 {
			content = resp.Choices[0].Message.ContentOrEmpty()
		}
		writeDirectReply(w, true, nil, content, resp.Model)
		return
	}

	var resp openai.ChatCompletionsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		apierr.WriteJSON(w, apierr.Wrap(apierr.KindLogic, "decoding default target response", err))
		return
	}
	if len(resp.Choices) == 0 {
		apierr.WriteJSON(w, apierr.New(apierr.KindUpstream, "default target response had no choices"))
		return
	}
	apiResp := resp.Choices[0].Message.ContentOrEmpty()

	var messages []openai.Message
	if pt.SystemPrompt != "" {
		messages = append(messages, openai.Message{Role: systemRole, Content: openai.StrPtr(pt.SystemPrompt)})
	}
	messages = append(messages, cc.RequestBody.Messages...)

	if len(messages) == 0 {
		apierr.WriteJSON(w, apierr.New(apierr.KindLogic, "no messages found to append default target context to"))
		return
	}
	userMessage := messages[len(messages)-1]
	messages = messages[:len(messages)-1]
	messages = append(messages, openai.Message{
		Role:    userRole,
		Content: openai.StrPtr(fmt.Sprintf("%s\ncontext: %s", userMessage.ContentOrEmpty(), apiResp)),
	})

	h.resume(w, r, openai.ChatCompletionsRequest{
		Model:         cc.RequestBody.Model,
		Messages:      messages,
		Stream:        cc.RequestBody.Stream,
		StreamOptions: cc.RequestBody.StreamOptions,
	})
}

func (h *Handler) defaultTargetConfig() (config.PromptTargetConfig, bool) {
	if h.defaultTarget == nil {
		return config.PromptTargetConfig{}, false
	}
	return *h.defaultTarget, true
}
