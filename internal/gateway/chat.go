package gateway

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/localforge/gateway/internal/backend"
	"github.com/localforge/gateway/internal/gatewayerr"
	"github.com/localforge/gateway/internal/router"
	"github.com/localforge/gateway/internal/upstream"
)

// chatCompletionRequest is the OpenAI-compatible wire shape accepted by
// POST /v1/chat/completions.
type chatCompletionRequest struct {
	Model       string             `json:"model"`
	Messages    []upstream.Message `json:"messages"`
	Stream      bool               `json:"stream,omitempty"`
	Tools       []map[string]any   `json:"tools,omitempty"`
	Temperature *float64           `json:"temperature,omitempty"`
}

// completionRequest is the legacy prompt-string/list shape accepted by
// POST /v1/completions, synthesised into a single user chat message.
type completionRequest struct {
	Model       string          `json:"model"`
	Prompt      json.RawMessage `json:"prompt"`
	Stream      bool            `json:"stream,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
}

func decodeJSONBody(r *http.Request, v any) *gatewayerr.Error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return gatewayerr.New(gatewayerr.KindInvalidRequest, "invalid JSON body: "+err.Error())
	}
	return nil
}

func promptToText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return strings.Join(list, "\n")
	}
	return ""
}

func (gc *Context) handleCompletions(w http.ResponseWriter, r *http.Request) {
	var req completionRequest
	if gerr := decodeJSONBody(r, &req); gerr != nil {
		gatewayerr.WriteJSON(w, gerr)
		return
	}
	text := promptToText(req.Prompt)
	if strings.TrimSpace(text) == "" {
		gatewayerr.WriteJSON(w, gatewayerr.New(gatewayerr.KindInvalidRequest, "prompt must be a non-empty string or list of strings"))
		return
	}

	gc.runChat(w, r, chatCompletionRequest{
		Model:       req.Model,
		Messages:    []upstream.Message{{Role: "user", Content: text}},
		Stream:      req.Stream,
		Temperature: req.Temperature,
	})
}

func (gc *Context) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req chatCompletionRequest
	if gerr := decodeJSONBody(r, &req); gerr != nil {
		gatewayerr.WriteJSON(w, gerr)
		return
	}
	if len(req.Messages) == 0 {
		gatewayerr.WriteJSON(w, gatewayerr.New(gatewayerr.KindInvalidRequest, "messages must be a non-empty array"))
		return
	}
	gc.runChat(w, r, req)
}

// runChat is the shared chat/completions body: route, admit, dispatch to
// the backend-class adapter, and — on success — stamp the attribution
// headers §6 requires on every chat response.
func (gc *Context) runChat(w http.ResponseWriter, r *http.Request, req chatCompletionRequest) {
	headers := map[string]string{
		"x-backend":      r.Header.Get("X-Backend"),
		"x-request-type": r.Header.Get("X-Request-Type"),
	}
	routerMessages := make([]router.Message, len(req.Messages))
	for i, m := range req.Messages {
		routerMessages[i] = router.Message{Role: m.Role, Content: m.Content}
	}
	decision := router.Decide(gc.RouterCfg, gc.Aliases, req.Model, headers, routerMessages, len(req.Tools) > 0)

	if holder := outcomeFrom(r.Context()); holder != nil {
		holder.set(routeOutcome{Backend: decision.Backend, BackendClass: decision.Backend, UpstreamModel: decision.Model, RouterReason: decision.Reason, Stream: req.Stream})
	}

	if gerr := gc.Health.CheckReady(decision.Backend, backend.CapabilityChat); gerr != nil {
		gatewayerr.WriteJSON(w, gerr)
		return
	}

	lease, gerr := gc.Admission.Acquire(decision.Backend, backend.CapabilityChat)
	if gerr != nil {
		gatewayerr.WriteJSON(w, gerr)
		return
	}
	defer lease.Release()

	cfg, ok := gc.Backends.Get(decision.Backend)
	if !ok {
		gatewayerr.WriteJSON(w, gatewayerr.New(gatewayerr.KindInvalidRequest, "backend not configured: "+decision.Backend))
		return
	}
	adapter, ok := upstream.ForClass(cfg.AdapterKind)
	if !ok {
		gatewayerr.WriteJSON(w, gatewayerr.New(gatewayerr.KindInvalidRequest, "no adapter for backend class: "+cfg.AdapterKind))
		return
	}

	upReq := upstream.Request{
		Model:       decision.Model,
		Messages:    req.Messages,
		Tools:       req.Tools,
		Temperature: req.Temperature,
	}

	w.Header().Set("X-Request-Id", requestIDFrom(r))
	w.Header().Set("X-Backend-Used", decision.Backend)
	w.Header().Set("X-Model-Used", decision.Model)
	w.Header().Set("X-Router-Reason", decision.Reason)

	if req.Stream {
		gc.streamChat(w, r, adapter, cfg, upReq)
		return
	}

	resp, err := adapter.Call(r.Context(), cfg, upReq)
	if err != nil {
		gatewayerr.WriteJSON(w, gatewayerr.New(gatewayerr.KindUpstreamError, err.Error()))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"id":      resp.ID,
		"object":  "chat.completion",
		"created": resp.Created,
		"model":   resp.Model,
		"choices": []map[string]any{
			{
				"index":         0,
				"message":       resp.Message,
				"finish_reason": resp.FinishReason,
			},
		},
	})
}

func (gc *Context) streamChat(w http.ResponseWriter, r *http.Request, adapter upstream.Adapter, cfg *backend.Config, upReq upstream.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		gatewayerr.WriteJSON(w, gatewayerr.New(gatewayerr.KindInvalidRequest, "streaming not supported by this transport"))
		return
	}

	events, err := adapter.Stream(r.Context(), cfg, upReq)
	if err != nil {
		gatewayerr.WriteJSON(w, gatewayerr.New(gatewayerr.KindUpstreamError, err.Error()))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range events {
		if ev.Err != nil {
			break
		}
		if len(ev.Data) > 0 {
			_, _ = w.Write(ev.Data)
			flusher.Flush()
		}
		if ev.Done {
			break
		}
	}
}
