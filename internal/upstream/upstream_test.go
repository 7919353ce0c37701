package upstream

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/localforge/gateway/internal/backend"
	"github.com/stretchr/testify/require"
)

func TestNormalizeForAlternationMergesAndConvertsSystem(t *testing.T) {
	msgs := []Message{
		{Role: "system", Content: "be nice"},
		{Role: "system", Content: "be concise"},
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello"},
	}
	out := normalizeForAlternation(msgs)
	require.Len(t, out, 3)
	require.Equal(t, "user", out[0]["role"])
	require.Equal(t, "be nice\nbe concise", out[0]["content"])
	require.Equal(t, "user", out[1]["role"])
	require.Equal(t, "hi", out[1]["content"])
	require.Equal(t, "assistant", out[2]["role"])
}

func TestSSEFramingAndDone(t *testing.T) {
	frame := SSE(map[string]any{"x": 1})
	require.True(t, bytes.HasPrefix(frame, []byte("data: ")))
	require.True(t, bytes.HasSuffix(frame, []byte("\n\n")))
	require.Equal(t, []byte("data: [DONE]\n\n"), SSEDone())
}

func TestOllamaCallDecodesMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat", r.URL.Path)
		w.Write([]byte(`{"message":{"role":"assistant","content":"hi there"},"done_reason":"stop"}`))
	}))
	defer srv.Close()

	cfg := &backend.Config{BackendClass: "ollama", BaseURL: srv.URL, AdapterKind: "ollama"}
	a := NewOllamaAdapter()
	resp, err := a.Call(context.Background(), cfg, Request{Model: "qwen2.5:7b", Messages: []Message{{Role: "user", Content: "hi"}}})
	require.NoError(t, err)
	require.Equal(t, "hi there", resp.Message.Content)
	require.Equal(t, "stop", resp.FinishReason)
}

func TestOllamaStreamTranslatesNDJSONAndEndsWithDone(t *testing.T) {
	ndjson := strings.Join([]string{
		`{"message":{"role":"assistant","content":"Hel"},"done":false}`,
		`{"message":{"role":"assistant","content":"lo"},"done":false}`,
		`{"done":true,"done_reason":"stop"}`,
	}, "\n")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(ndjson))
	}))
	defer srv.Close()

	cfg := &backend.Config{BackendClass: "ollama", BaseURL: srv.URL, AdapterKind: "ollama"}
	a := NewOllamaAdapter()
	events, err := a.Stream(context.Background(), cfg, Request{Model: "qwen2.5:7b", Messages: []Message{{Role: "user", Content: "hi"}}})
	require.NoError(t, err)

	var frames [][]byte
	var sawDone bool
	for ev := range events {
		if ev.Err != nil {
			t.Fatalf("unexpected stream error: %v", ev.Err)
		}
		if len(ev.Data) > 0 {
			frames = append(frames, ev.Data)
		}
		if ev.Done {
			sawDone = true
		}
	}
	require.True(t, sawDone)
	require.True(t, bytes.Equal(frames[len(frames)-1], SSEDone()), "stream must end with exactly one [DONE] marker")

	joined := bytes.Join(frames, nil)
	require.Contains(t, string(joined), `"role":"assistant"`)
	require.Contains(t, string(joined), "Hel")
	require.Contains(t, string(joined), `"finish_reason":"stop"`)
}

func TestAdapterRegistryDispatchesByKind(t *testing.T) {
	_, ok := ForClass("ollama")
	require.True(t, ok)
	_, ok = ForClass("openai")
	require.True(t, ok)
	_, ok = ForClass("unknown-kind")
	require.False(t, ok)
}
