package upstream

import (
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

// openaiAdapter talks to OpenAI-compatible chat completion servers
// (MLX-class backends). Requests are normalized so role alternation holds:
// consecutive messages of the same role are merged and "system" becomes
// "user", matching the constraint MLX-style servers enforce.
type openaiAdapter struct {
	callClient   *http.Client
	streamClient *http.Client
}

// NewOpenAIAdapter builds the MLX-class wire adapter.
func NewOpenAIAdapter() Adapter {
	return &openaiAdapter{
		callClient:   &http.Client{Timeout: 600 * time.Second},
		streamClient: &http.Client{}, // no client timeout; context governs lifetime
	}
}

func contentToString(c any) string {
	switch v := c.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		if b, err := json.Marshal(v); err == nil {
			return string(b)
		}
		return fmt.Sprint(v)
	}
}

// normalizeForAlternation merges consecutive same-role messages and folds
// "system" into "user", the shape strict user/assistant-alternating servers
// require.
func normalizeForAlternation(messages []Message) []map[string]any {
	out := make([]map[string]any, 0, len(messages))
	lastRole := ""
	haveLast := false
	for _, m := range messages {
		role := strings.TrimSpace(m.Role)
		if role == "system" {
			role = "user"
		}
		contentStr := contentToString(m.Content)

		if haveLast && lastRole == role && len(out) > 0 {
			prev := out[len(out)-1]
			prevContent, _ := prev["content"].(string)
			prev["content"] = prevContent + "\n" + contentStr
			continue
		}
		out = append(out, map[string]any{"role": role, "content": contentStr})
		lastRole = role
		haveLast = true
	}
	return out
}

func (a *openaiAdapter) buildPayload(req Request) map[string]any {
	payload := map[string]any{}
	for k, v := range req.Extra {
		payload[k] = v
	}
	payload["model"] = req.Model
	payload["messages"] = normalizeForAlternation(req.Messages)
	if len(req.Tools) > 0 {
		payload["tools"] = req.Tools
	}
	if req.Temperature != nil {
		payload["temperature"] = *req.Temperature
	}
	return payload
}

func (a *openaiAdapter) Call(ctx context.Context, cfg *backend.Config, req Request) (Response, error) {
	payload := a.buildPayload(req)
	payload["stream"] = false

	body, err := json.Marshal(payload)
	if err != nil {
		return Response{}, fmt.Errorf("encoding mlx request: %w", err)
	}

	var respBody []byte
	var status int

	operation := func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(cfg.BaseURL, "/")+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := a.callClient.Do(httpReq)
		if err != nil {
			return err // transient: retry
		}
		defer resp.Body.Close()
		status = resp.StatusCode
		respBody, err = io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if status >= 500 {
			return fmt.Errorf("mlx upstream returned %d", status)
		}
		return nil
	}

	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2)
	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return Response{}, fmt.Errorf("calling mlx backend: %w", err)
	}

	if status >= 400 {
		return Response{}, &UpstreamError{Upstream: "mlx", Status: status, Body: truncate(respBody, 5000)}
	}

	var decoded struct {
		ID      string `json:"id"`
		Created int64  `json:"created"`
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Role      string     `json:"role"`
				Content   any        `json:"content"`
				ToolCalls []ToolCall `json:"tool_calls"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return Response{}, fmt.Errorf("decoding mlx response: %w", err)
	}

	out := Response{ID: decoded.ID, Created: decoded.Created, Model: decoded.Model}
	if len(decoded.Choices) > 0 {
		out.Message = Message{
			Role:      decoded.Choices[0].Message.Role,
			Content:   decoded.Choices[0].Message.Content,
			ToolCalls: decoded.Choices[0].Message.ToolCalls,
		}
		out.FinishReason = decoded.Choices[0].FinishReason
	}
	return out, nil
}

func (a *openaiAdapter) Stream(ctx context.Context, cfg *backend.Config, req Request) (<-chan Event, error) {
	payload := a.buildPayload(req)
	payload["stream"] = true

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding mlx stream request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(cfg.BaseURL, "/")+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := a.streamClient.Do(httpReq)
	if err != nil {
		out := make(chan Event, 2)
		emitUpstreamError(out, "mlx", err.Error())
		close(out)
		return out, nil
	}
	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		out := make(chan Event, 2)
		emitUpstreamErrorDetail(out, "mlx", resp.StatusCode, truncate(respBody, 5000))
		close(out)
		return out, nil
	}

	out := make(chan Event, 8)
	go a.pumpPassthrough(ctx, resp.Body, out)
	return out, nil
}

// pumpPassthrough forwards raw upstream SSE bytes unchanged, detecting the
// "data: [DONE]" marker across chunk boundaries so it is emitted exactly
// once even if upstream never sends one.
func (a *openaiAdapter) pumpPassthrough(ctx context.Context, body io.ReadCloser, out chan<- Event) {
	defer close(out)
	defer body.Close()

	doneSeen := false
	var tail []byte
	buf := make([]byte, 32*1024)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := body.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			hay := append(append([]byte(nil), tail...), chunk...)
			if bytes.Contains(hay, []byte("data: [DONE]")) {
				doneSeen = true
			}
			if len(hay) > 64 {
				tail = hay[len(hay)-64:]
			} else {
				tail = hay
			}
			out <- Event{Data: chunk}
		}
		if err != nil {
			break
		}
	}

	if !doneSeen {
		out <- Event{Data: SSEDone(), Done: true}
	} else {
		out <- Event{Done: true}
	}
}

func emitUpstreamError(out chan<- Event, name, msg string) {
	emitUpstreamErrorDetail(out, name, 0, []byte(msg))
}

func emitUpstreamErrorDetail(out chan<- Event, name string, status int, body []byte) {
	frame := SSE(map[string]any{
		"error": map[string]any{
			"message": "Upstream error",
			"type":    "upstream_error",
			"param":   nil,
			"code":    nil,
			"detail": map[string]any{
				"upstream": name,
				"status":   status,
				"body":     string(body),
			},
		},
	})
	out <- Event{Data: frame}
	out <- Event{Data: SSEDone(), Done: true}
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}

// UpstreamError wraps a non-2xx response from a backend's synchronous API.
type UpstreamError struct {
	Upstream string
	Status   int
	Body     []byte
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s upstream returned %d: %s", e.Upstream, e.Status, e.Body)
}
