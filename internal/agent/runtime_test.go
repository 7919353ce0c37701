package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/localforge/gateway/internal/alias"
	"github.com/localforge/gateway/internal/backend"
	"github.com/localforge/gateway/internal/router"
	"github.com/localforge/gateway/internal/toolbus"
	"github.com/stretchr/testify/require"
)

func testRegistry(t *testing.T, url string) *backend.Registry {
	t.Helper()
	reg, _ := backend.Load("", map[string]string{"OLLAMA_BASE_URL": url})
	return reg
}

func testAliases() *alias.Table {
	return alias.Load("", "", alias.Defaults{
		DefaultBackend:   "ollama",
		OllamaModelFast:  "fast-model",
		OllamaModelStrong: "strong-model",
	})
}

func testBus(t *testing.T) *toolbus.Bus {
	t.Helper()
	dir := t.TempDir()
	return toolbus.New(toolbus.Config{
		AllowFS:         true,
		AllowHTTPFetch:  true,
		FSRoots:         []string{dir},
		FSMaxBytes:      10_000,
		LogPath:         filepath.Join(dir, "invocations.jsonl"),
		LogMode:         "ndjson",
		MaxConcurrent:   4,
		ConcurrencyTimeoutSec: 2,
	})
}

func newTestRuntime(t *testing.T, serverURL string, specs map[string]Spec) (*Runtime, string) {
	t.Helper()
	runDir := t.TempDir()
	rt := NewRuntime(
		specs,
		NewAdmission(AdmissionConfig{BackendConcurrency: map[string]int{"ollama": 4, "mlx": 2}, QueueMax: 32, QueueTimeoutSec: 2}),
		testBus(t),
		testRegistry(t, serverURL),
		testAliases(),
		router.Config{DefaultBackend: "ollama", OllamaModelFast: "fast-model", OllamaModelStrong: "strong-model"},
		nil,
		filepath.Join(runDir, "runs.jsonl"),
		runDir,
		"both",
	)
	return rt, runDir
}

func TestRunCompletesWithoutToolCalls(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		switch n {
		case 1:
			json.NewEncoder(w).Encode(map[string]any{"message": map[string]any{"role": "assistant", "content": "planning"}})
		case 2:
			json.NewEncoder(w).Encode(map[string]any{"message": map[string]any{"role": "assistant", "content": "final answer"}})
		default:
			t.Fatalf("unexpected extra call %d", n)
		}
	}))
	defer srv.Close()

	specs := map[string]Spec{"default": {Model: "fast", Tier: 0, MaxTurns: 4, MaxRuntimeSec: 30, MaxTotalToolIOBytes: 1_000_000}}
	rt, _ := newTestRuntime(t, srv.URL, specs)

	payload, gerr := rt.Run(context.Background(), RunRequest{Agent: "default", Input: "hello"})
	require.Nil(t, gerr)
	require.True(t, payload.OK)
	require.Equal(t, "final answer", payload.OutputText)
	require.Equal(t, "ollama", payload.Backend)
	require.NotEmpty(t, payload.RunID)
	require.NotEmpty(t, payload.RequestHash)

	var types []string
	for _, ev := range payload.Events {
		types = append(types, ev["type"].(string))
	}
	require.Equal(t, []string{"run_started", "plan", "assistant", "run_completed"}, types)
}

func TestRunExecutesToolCallThenCompletes(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		switch n {
		case 1:
			json.NewEncoder(w).Encode(map[string]any{"message": map[string]any{"role": "assistant", "content": "planning"}})
		case 2:
			json.NewEncoder(w).Encode(map[string]any{
				"message": map[string]any{
					"role": "assistant",
					"tool_calls": []map[string]any{
						{"function": map[string]any{"name": "noop", "arguments": map[string]any{"text": "x"}}},
					},
				},
			})
		case 3:
			json.NewEncoder(w).Encode(map[string]any{"message": map[string]any{"role": "assistant", "content": "still planning"}})
		case 4:
			json.NewEncoder(w).Encode(map[string]any{"message": map[string]any{"role": "assistant", "content": "done"}})
		default:
			t.Fatalf("unexpected extra call %d", n)
		}
	}))
	defer srv.Close()

	specs := map[string]Spec{"default": {Model: "fast", Tier: 0, MaxTurns: 4, MaxRuntimeSec: 30, MaxTotalToolIOBytes: 1_000_000}}
	rt, runDir := newTestRuntime(t, srv.URL, specs)

	payload, gerr := rt.Run(context.Background(), RunRequest{Agent: "default", Input: "hello"})
	require.Nil(t, gerr)
	require.True(t, payload.OK)
	require.Equal(t, "done", payload.OutputText)

	var sawTool bool
	for _, ev := range payload.Events {
		if ev["type"] == "tool" {
			sawTool = true
			require.Equal(t, "noop", ev["name"])
		}
	}
	require.True(t, sawTool)

	data, err := os.ReadFile(filepath.Join(runDir, payload.RunID+".json"))
	require.NoError(t, err)
	require.Contains(t, string(data), payload.RunID)
}

func TestRunFailsOnUnknownAgent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"message": map[string]any{"role": "assistant", "content": "ok"}})
	}))
	defer srv.Close()

	specs := map[string]Spec{"default": {Model: "fast", Tier: 0, MaxTurns: 4, MaxRuntimeSec: 30, MaxTotalToolIOBytes: 1_000_000}}
	rt, _ := newTestRuntime(t, srv.URL, specs)

	_, gerr := rt.Run(context.Background(), RunRequest{Agent: "nonexistent", Input: "hi"})
	require.NotNil(t, gerr)
	require.Equal(t, "invalid_request", string(gerr.Kind))
}

func TestRunRejectsEmptyInputWithNoMessages(t *testing.T) {
	specs := map[string]Spec{"default": {Model: "fast", Tier: 0, MaxTurns: 4, MaxRuntimeSec: 30, MaxTotalToolIOBytes: 1_000_000}}
	rt, _ := newTestRuntime(t, "http://127.0.0.1:0", specs)

	_, gerr := rt.Run(context.Background(), RunRequest{Agent: "default", Input: "  "})
	require.NotNil(t, gerr)
}

func TestRunTurnLimitExceededReportsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Every ACT step returns a tool call, so the run never terminates
		// before exhausting max_turns.
		if r.URL.Path != "/api/chat" {
			return
		}
		var body struct {
			Messages []map[string]any `json:"messages"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		isAct := len(body.Messages) > 0 && body.Messages[0]["role"] != "system"
		if isAct {
			json.NewEncoder(w).Encode(map[string]any{
				"message": map[string]any{
					"role": "assistant",
					"tool_calls": []map[string]any{
						{"function": map[string]any{"name": "noop", "arguments": map[string]any{}}},
					},
				},
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"message": map[string]any{"role": "assistant", "content": "planning"}})
	}))
	defer srv.Close()

	specs := map[string]Spec{"default": {Model: "fast", Tier: 0, MaxTurns: 2, MaxRuntimeSec: 30, MaxTotalToolIOBytes: 1_000_000}}
	rt, _ := newTestRuntime(t, srv.URL, specs)

	payload, gerr := rt.Run(context.Background(), RunRequest{Agent: "default", Input: "hi"})
	require.Nil(t, gerr)
	require.False(t, payload.OK)
	require.Equal(t, "agent turn limit exceeded", payload.Error)
}

func TestReplayFindsPerRunFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"message": map[string]any{"role": "assistant", "content": "done"}})
	}))
	defer srv.Close()

	specs := map[string]Spec{"default": {Model: "fast", Tier: 0, MaxTurns: 1, MaxRuntimeSec: 30, MaxTotalToolIOBytes: 1_000_000}}
	rt, _ := newTestRuntime(t, srv.URL, specs)

	payload, gerr := rt.Run(context.Background(), RunRequest{Agent: "default", Input: "hi"})
	require.Nil(t, gerr)

	replayed, rerr := rt.Replay(payload.RunID)
	require.Nil(t, rerr)
	require.Equal(t, payload.RunID, replayed.RunID)
}

func TestAdmissionShedsHeavyTierWhenConfigured(t *testing.T) {
	a := NewAdmission(AdmissionConfig{BackendConcurrency: map[string]int{"ollama": 1}, QueueMax: 4, QueueTimeoutSec: 1, ShedHeavy: true})
	_, gerr := a.Acquire(context.Background(), "ollama", 1)
	require.NotNil(t, gerr)
	require.Equal(t, "shed_heavy", gerr.Fields["reason"])
}

func TestAdmissionQueueFullRefusesImmediately(t *testing.T) {
	a := NewAdmission(AdmissionConfig{BackendConcurrency: map[string]int{"ollama": 1}, QueueMax: 0, QueueTimeoutSec: 1})
	lease, gerr := a.Acquire(context.Background(), "ollama", 0)
	require.Nil(t, gerr)
	defer lease.Release()

	_, gerr = a.Acquire(context.Background(), "ollama", 0)
	require.NotNil(t, gerr)
	require.Equal(t, "queue_full", gerr.Fields["reason"])
}

func TestToolsForTierIsCumulative(t *testing.T) {
	t0 := ToolsForTier(0)
	t1 := ToolsForTier(1)
	t2 := ToolsForTier(2)
	require.False(t, t0["write_file"])
	require.True(t, t1["write_file"])
	require.True(t, t1["read_file"])
	require.False(t, t1["shell"])
	require.True(t, t2["shell"])
}

func TestAllowedToolsIntersectsSpecAllowlist(t *testing.T) {
	spec := Spec{Tier: 1, ToolsAllowlist: []string{"read_file"}}
	names := AllowedTools(spec)
	require.Equal(t, []string{"read_file"}, names)
}
