package router_test

import (
	"testing"

	"github.com/localforge/gateway/internal/alias"
	"github.com/localforge/gateway/internal/router"
	"github.com/stretchr/testify/require"
)

func testConfig() router.Config {
	return router.Config{
		DefaultBackend:    "ollama",
		OllamaModelStrong: "qwen2.5:32b",
		OllamaModelFast:   "qwen2.5:7b",
		MLXModelStrong:    "mlx-community/strong",
		MLXModelFast:      "mlx-community/fast",
		LongContextChars:  40000,
		EnablePolicy:      true,
		EnableRequestType: true,
	}
}

func testAliases() *alias.Table {
	return alias.Load("", "", alias.Defaults{
		DefaultBackend:    "ollama",
		OllamaModelStrong: "qwen2.5:32b",
		OllamaModelFast:   "qwen2.5:7b",
		MLXModelStrong:    "mlx-community/strong",
		MLXModelFast:      "mlx-community/fast",
		LongContextChars:  40000,
	})
}

// Testable Property 1: Decide is a pure function of its inputs — calling it
// twice with identical arguments always yields an identical Decision.
func TestDecidePurity(t *testing.T) {
	cfg := testConfig()
	aliases := testAliases()
	msgs := []router.Message{{Role: "user", Content: "hello there"}}
	headers := map[string]string{"x-request-type": "chat"}

	d1 := router.Decide(cfg, aliases, "auto", headers, msgs, false)
	d2 := router.Decide(cfg, aliases, "auto", headers, msgs, false)
	require.Equal(t, d1, d2)
}

// Testable Property 2: sentinel model values (auto, default, <backend>,
// <backend>-default, empty) are never forwarded upstream as the model name.
func TestSentinelsNeverLeakUpstream(t *testing.T) {
	cfg := testConfig()
	aliases := testAliases()
	msgs := []router.Message{{Role: "user", Content: "hi"}}

	sentinels := []string{"", "auto", "default", "ollama", "ollama-default", "mlx", "mlx-default"}
	for _, s := range sentinels {
		d := router.Decide(cfg, aliases, s, nil, msgs, false)
		require.NotEqual(t, s, d.Model, "sentinel %q leaked as model", s)
		require.NotEmpty(t, d.Model)
	}
}

// Scenario A: header X-Backend overrides everything else.
func TestHeaderBackendOverride(t *testing.T) {
	cfg := testConfig()
	aliases := testAliases()
	msgs := []router.Message{{Role: "user", Content: "hi"}}

	d := router.Decide(cfg, aliases, "some-model", map[string]string{"x-backend": "mlx"}, msgs, false)
	require.Equal(t, "mlx", d.Backend)
	require.Equal(t, "some-model", d.Model)
	require.Equal(t, "override:x-backend", d.Reason)
}

// Scenario B: an explicit alias key resolves to its declared backend/model.
func TestAliasResolution(t *testing.T) {
	cfg := testConfig()
	aliases := testAliases()
	msgs := []router.Message{{Role: "user", Content: "hi"}}

	d := router.Decide(cfg, aliases, "long", nil, msgs, false)
	require.Equal(t, "mlx", d.Backend)
	require.Equal(t, cfg.MLXModelStrong, d.Model)
	require.Equal(t, "alias:model", d.Reason)
}

func TestPinnedBackendPrefix(t *testing.T) {
	cfg := testConfig()
	aliases := testAliases()
	msgs := []router.Message{{Role: "user", Content: "hi"}}

	d := router.Decide(cfg, aliases, "mlx:custom-model", nil, msgs, false)
	require.Equal(t, "mlx", d.Backend)
	require.Equal(t, "custom-model", d.Model)
	require.Equal(t, "pinned:model", d.Reason)
}

func TestPolicyDisabledPassesThrough(t *testing.T) {
	cfg := testConfig()
	cfg.EnablePolicy = false
	aliases := testAliases()
	msgs := []router.Message{{Role: "user", Content: "hi"}}

	d := router.Decide(cfg, aliases, "some-explicit-model", nil, msgs, false)
	require.Equal(t, "ollama", d.Backend)
	require.Equal(t, "some-explicit-model", d.Model)
	require.Equal(t, "direct:model", d.Reason)
}

func TestPolicyRoutesToolCallsToToolCapableAlias(t *testing.T) {
	cfg := testConfig()
	aliases := testAliases()
	msgs := []router.Message{{Role: "user", Content: "do something"}}

	d := router.Decide(cfg, aliases, "auto", nil, msgs, true)
	require.Equal(t, "policy:tools->alias:default", d.Reason)
}

func TestPolicyRoutesLongContextToLongAlias(t *testing.T) {
	cfg := testConfig()
	aliases := testAliases()
	longText := make([]byte, cfg.LongContextChars+1)
	for i := range longText {
		longText[i] = 'x'
	}
	msgs := []router.Message{{Role: "user", Content: string(longText)}}

	d := router.Decide(cfg, aliases, "auto", nil, msgs, false)
	require.Equal(t, "mlx", d.Backend)
	require.Equal(t, "policy:long_context->alias:long", d.Reason)
}

func TestPolicyDetectsCodingRequest(t *testing.T) {
	cfg := testConfig()
	aliases := testAliases()
	msgs := []router.Message{{Role: "user", Content: "I got a TypeError: undefined is not a function, please fix"}}

	d := router.Decide(cfg, aliases, "auto", nil, msgs, false)
	require.Equal(t, "policy:coding->alias:coder", d.Reason)
}

func TestPolicyFallsBackToFast(t *testing.T) {
	cfg := testConfig()
	aliases := testAliases()
	msgs := []router.Message{{Role: "user", Content: "what's the weather like"}}

	d := router.Decide(cfg, aliases, "auto", map[string]string{"x-request-type": "chat"}, msgs, false)
	require.Equal(t, "policy:fast->alias:fast", d.Reason)
}
