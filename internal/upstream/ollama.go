package upstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/localforge/gateway/internal/backend"
)

// ollamaAdapter talks to Ollama's native /api/chat, which speaks
// newline-delimited JSON rather than OpenAI SSE. Call decodes one final
// object; Stream translates the NDJSON line stream into OpenAI
// chat.completion.chunk SSE frames.
type ollamaAdapter struct {
	callClient   *http.Client
	streamClient *http.Client
}

// NewOllamaAdapter builds the Ollama-class wire adapter.
func NewOllamaAdapter() Adapter {
	return &ollamaAdapter{
		callClient:   &http.Client{Timeout: 600 * time.Second},
		streamClient: &http.Client{},
	}
}

func ollamaPayload(req Request, stream bool) map[string]any {
	msgs := make([]map[string]any, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, map[string]any{"role": m.Role, "content": m.Content})
	}
	payload := map[string]any{
		"model":    req.Model,
		"messages": msgs,
		"stream":   stream,
	}
	if len(req.Tools) > 0 {
		payload["tools"] = req.Tools
	}
	if req.Temperature != nil {
		opts, _ := payload["options"].(map[string]any)
		if opts == nil {
			opts = map[string]any{}
		}
		opts["temperature"] = *req.Temperature
		payload["options"] = opts
	}
	return payload
}

func (a *ollamaAdapter) Call(ctx context.Context, cfg *backend.Config, req Request) (Response, error) {
	body, err := json.Marshal(ollamaPayload(req, false))
	if err != nil {
		return Response{}, fmt.Errorf("encoding ollama request: %w", err)
	}

	var respBody []byte
	var status int

	operation := func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(cfg.BaseURL, "/")+"/api/chat", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := a.callClient.Do(httpReq)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		status = resp.StatusCode
		respBody, err = io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if status >= 500 {
			return fmt.Errorf("ollama upstream returned %d", status)
		}
		return nil
	}

	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2)
	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return Response{}, fmt.Errorf("calling ollama backend: %w", err)
	}

	if status >= 400 {
		return Response{}, &UpstreamError{Upstream: "ollama", Status: status, Body: truncate(respBody, 5000)}
	}

	var decoded struct {
		Message struct {
			Role      string `json:"role"`
			Content   any    `json:"content"`
			ToolCalls []struct {
				Function struct {
					Name      string `json:"name"`
					Arguments any    `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"message"`
		DoneReason string `json:"done_reason"`
		Error      string `json:"error"`
	}
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return Response{}, fmt.Errorf("decoding ollama response: %w", err)
	}
	if decoded.Error != "" {
		return Response{}, &UpstreamError{Upstream: "ollama", Status: 502, Body: []byte(decoded.Error)}
	}

	finish := decoded.DoneReason
	if finish == "" {
		finish = "stop"
	}

	// Ollama's native tool_calls carry arguments as a JSON object rather
	// than an encoded string; re-encode so callers see the same
	// function.arguments-is-a-JSON-string shape OpenAI-class backends give.
	toolCalls := make([]ToolCall, 0, len(decoded.Message.ToolCalls))
	for i, tc := range decoded.Message.ToolCalls {
		args, err := json.Marshal(tc.Function.Arguments)
		if err != nil {
			args = []byte("{}")
		}
		call := ToolCall{ID: fmt.Sprintf("call_%d", i), Type: "function"}
		call.Function.Name = tc.Function.Name
		call.Function.Arguments = string(args)
		toolCalls = append(toolCalls, call)
	}

	return Response{
		ID:      NewID("chatcmpl"),
		Created: NowUnix(),
		Model:   req.Model,
		Message: Message{
			Role:      decoded.Message.Role,
			Content:   decoded.Message.Content,
			ToolCalls: toolCalls,
		},
		FinishReason: finish,
	}, nil
}

func (a *ollamaAdapter) Stream(ctx context.Context, cfg *backend.Config, req Request) (<-chan Event, error) {
	chunkID := NewID("chatcmpl")
	created := NowUnix()
	modelID := "ollama:" + req.Model

	out := make(chan Event, 8)

	body, err := json.Marshal(ollamaPayload(req, true))
	if err != nil {
		out <- Event{Err: fmt.Errorf("encoding ollama stream request: %w", err), Done: true}
		close(out)
		return out, nil
	}

	go func() {
		defer close(out)

		// Always announce assistant role first, so clients see at least one
		// event even if the upstream connection never opens.
		out <- Event{Data: SSE(map[string]any{
			"id": chunkID, "object": "chat.completion.chunk", "created": created, "model": modelID,
			"choices": []map[string]any{{"index": 0, "delta": map[string]any{"role": "assistant"}, "finish_reason": nil}},
		})}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(cfg.BaseURL, "/")+"/api/chat", bytes.NewReader(body))
		if err != nil {
			emitUpstreamError(out, "ollama", err.Error())
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := a.streamClient.Do(httpReq)
		if err != nil {
			emitUpstreamError(out, "ollama", err.Error())
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			respBody, _ := io.ReadAll(resp.Body)
			emitUpstreamErrorDetail(out, "ollama", resp.StatusCode, truncate(respBody, 5000))
			return
		}

		finishSent := translateNDJSONToSSE(ctx, resp.Body, modelID, chunkID, created, out)
		if !finishSent {
			out <- Event{Data: SSE(map[string]any{
				"id": chunkID, "object": "chat.completion.chunk", "created": created, "model": modelID,
				"choices": []map[string]any{{"index": 0, "delta": map[string]any{}, "finish_reason": "stop"}},
			})}
		}
		out <- Event{Data: SSEDone(), Done: true}
	}()

	return out, nil
}

// translateNDJSONToSSE reads Ollama's NDJSON stream and writes translated
// OpenAI chat.completion.chunk frames to out. It never writes the final
// SSEDone() marker; the caller does that exactly once after this returns.
// Returns true if a finish_reason chunk was emitted.
func translateNDJSONToSSE(ctx context.Context, body io.Reader, modelName, chunkID string, created int64, out chan<- Event) bool {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)

	sentRole := true // role chunk already sent by the caller
	contentEmitted := false

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return true
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var obj map[string]any
		if err := json.Unmarshal(line, &obj); err != nil {
			continue
		}

		if errMsg, ok := obj["error"].(string); ok && errMsg != "" {
			out <- Event{Data: SSE(map[string]any{
				"error": map[string]any{
					"message": errMsg, "type": "upstream_error", "param": nil, "code": nil,
					"detail": map[string]any{"upstream": "ollama", "model": modelName},
				},
			})}
			out <- Event{Data: SSE(map[string]any{
				"id": chunkID, "object": "chat.completion.chunk", "created": created, "model": modelName,
				"choices": []map[string]any{{"index": 0, "delta": map[string]any{}, "finish_reason": "stop"}},
			})}
			return true
		}

		done, _ := obj["done"].(bool)

		var content any
		var thinking string
		if msg, ok := obj["message"].(map[string]any); ok {
			content = msg["content"]
			if t, ok := msg["thinking"].(string); ok && t != "" {
				thinking = t
			} else if t, ok := msg["reasoning"].(string); ok && t != "" {
				thinking = t
			} else if t, ok := msg["thoughts"].(string); ok && t != "" {
				thinking = t
			}
		}
		if content == nil {
			content = obj["response"]
		}

		if thinking != "" {
			delta := map[string]any{"thinking": thinking}
			if !sentRole {
				delta["role"] = "assistant"
				sentRole = true
			}
			out <- Event{Data: SSE(map[string]any{
				"id": chunkID, "object": "chat.completion.chunk", "created": created, "model": modelName,
				"choices": []map[string]any{{"index": 0, "delta": delta, "finish_reason": nil}},
			})}
		}

		if s, ok := content.(string); ok && s != "" {
			contentEmitted = true
			delta := map[string]any{"content": s}
			if !sentRole {
				delta["role"] = "assistant"
				sentRole = true
			}
			out <- Event{Data: SSE(map[string]any{
				"id": chunkID, "object": "chat.completion.chunk", "created": created, "model": modelName,
				"choices": []map[string]any{{"index": 0, "delta": delta, "finish_reason": nil}},
			})}
		}

		if done {
			finishReason, _ := obj["done_reason"].(string)
			if finishReason == "" {
				finishReason = "stop"
			}
			_ = contentEmitted
			out <- Event{Data: SSE(map[string]any{
				"id": chunkID, "object": "chat.completion.chunk", "created": created, "model": modelName,
				"choices": []map[string]any{{"index": 0, "delta": map[string]any{}, "finish_reason": finishReason}},
			})}
			return true
		}
	}

	return false
}
