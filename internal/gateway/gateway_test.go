package gateway

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/localforge/gateway/internal/admission"
	"github.com/localforge/gateway/internal/alias"
	"github.com/localforge/gateway/internal/backend"
	"github.com/localforge/gateway/internal/health"
	"github.com/localforge/gateway/internal/router"
	"github.com/localforge/gateway/internal/tokenstore"
	"github.com/localforge/gateway/internal/toolbus"
)

func testContext(t *testing.T, upstreamURL string) *Context {
	t.Helper()
	reg, _ := backend.Load("", map[string]string{"OLLAMA_BASE_URL": upstreamURL})
	tokens, err := tokenstore.Load(`[{"token":"tok-a","name":"a"}]`, "", false)
	require.NoError(t, err)

	return &Context{
		Backends:        reg,
		Admission:       admission.New(reg),
		Health:          health.New(reg, 0, 0, nil),
		Aliases:         alias.Load("", "", alias.Defaults{DefaultBackend: "ollama", OllamaModelFast: "fast-model", OllamaModelStrong: "strong-model"}),
		ToolBus:         toolbus.New(toolbus.Config{AllowSystemInfo: true}),
		Tokens:          tokens,
		Log:             zerolog.Nop(),
		RouterCfg:       router.Config{DefaultBackend: "ollama", OllamaModelFast: "fast-model", OllamaModelStrong: "strong-model"},
		MaxRequestBytes: 1_000_000,
	}
}

func TestChatCompletionsHappyPath(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"message":     map[string]any{"role": "assistant", "content": "hi there"},
			"done_reason": "stop",
		})
	}))
	defer upstream.Close()

	gc := testContext(t, upstream.URL)
	handler := NewRouter(gc)

	body, _ := json.Marshal(map[string]any{
		"model":    "auto",
		"messages": []map[string]string{{"role": "user", "content": "hello"}},
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer tok-a")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ollama", rec.Header().Get("X-Backend-Used"))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	require.Equal(t, "chat.completion", decoded["object"])
}

func TestChatCompletionsMissingBearerToken(t *testing.T) {
	gc := testContext(t, "http://127.0.0.1:1")
	handler := NewRouter(gc)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestChatCompletionsUnknownBearerToken(t *testing.T) {
	gc := testContext(t, "http://127.0.0.1:1")
	handler := NewRouter(gc)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("Authorization", "Bearer not-a-real-token")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestSizeGuardRejectsOversizedBody(t *testing.T) {
	gc := testContext(t, "http://127.0.0.1:1")
	gc.MaxRequestBytes = 10
	handler := NewRouter(gc)

	body := bytes.Repeat([]byte("a"), 100)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer tok-a")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestIPAllowlistRejectsUnlistedCaller(t *testing.T) {
	gc := testContext(t, "http://127.0.0.1:1")
	gc.IPAllowlist = []string{"10.0.0.0/8"}
	handler := NewRouter(gc)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("Authorization", "Bearer tok-a")
	req.RemoteAddr = "203.0.113.5:12345"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestEmbeddingsRejectsEmptyInput(t *testing.T) {
	gc := testContext(t, "http://127.0.0.1:1")
	handler := NewRouter(gc)

	body, _ := json.Marshal(map[string]any{"model": "embed", "input": ""})
	req := httptest.NewRequest(http.MethodPost, "/v1/embeddings", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer tok-a")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListToolsHonorsPerTokenAllowlist(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	gc := testContext(t, upstream.URL)
	tokens, err := tokenstore.Load(`[{"token":"tok-limited","name":"limited","tools_allowlist":["system_info"]}]`, "", false)
	require.NoError(t, err)
	gc.Tokens = tokens

	handler := NewRouter(gc)

	req := httptest.NewRequest(http.MethodGet, "/v1/tools", nil)
	req.Header.Set("Authorization", "Bearer tok-limited")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var decoded struct {
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	require.Len(t, decoded.Tools, 1)
	require.Equal(t, "system_info", decoded.Tools[0].Name)
}
