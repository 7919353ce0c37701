// Package alias implements the ModelAliasTable: named routing shortcuts
// (fast, coder, long, default, ...) that resolve to a concrete
// (backend, upstream_model, capability caps) tuple.
package alias

import (
	"encoding/json"
	"os"
	"strings"
)

// Alias is one named routing shortcut.
type Alias struct {
	Backend        string
	UpstreamModel  string
	ContextWindow  int  // 0 means unset
	Tools          *bool
	MaxTokensCap   int
	TemperatureCap float64
}

// Defaults needed to build the built-in alias set from Settings.
type Defaults struct {
	DefaultBackend    string
	OllamaModelStrong string
	OllamaModelFast   string
	MLXModelStrong    string
	MLXModelFast      string
	LongContextChars  int
}

func boolPtr(b bool) *bool { return &b }

func builtinAliases(d Defaults) map[string]Alias {
	strongFor := func(backend string) string {
		if backend == "ollama" {
			return d.OllamaModelStrong
		}
		return d.MLXModelStrong
	}
	fastFor := func(backend string) string {
		if backend == "ollama" {
			return d.OllamaModelFast
		}
		return d.MLXModelFast
	}

	return map[string]Alias{
		"default": {Backend: d.DefaultBackend, UpstreamModel: strongFor(d.DefaultBackend), Tools: boolPtr(true)},
		"fast":    {Backend: d.DefaultBackend, UpstreamModel: fastFor(d.DefaultBackend), Tools: boolPtr(false)},
		"coder":   {Backend: "ollama", UpstreamModel: d.OllamaModelStrong, Tools: boolPtr(true)},
		"long":    {Backend: "mlx", UpstreamModel: d.MLXModelStrong, ContextWindow: d.LongContextChars, Tools: boolPtr(false)},
	}
}

// Table is the immutable, process-wide alias lookup. Loaded once at
// startup; lookup is case-insensitive on the alias key.
type Table struct {
	aliases map[string]Alias
}

// Get returns the alias for name (case-insensitive), or false if unknown.
// Unknown aliases are not an error at the call site: callers fall through
// to other routing rules.
func (t *Table) Get(name string) (Alias, bool) {
	a, ok := t.aliases[strings.ToLower(strings.TrimSpace(name))]
	return a, ok
}

type rawAlias struct {
	Backend        string   `json:"backend"`
	Model          string   `json:"model"`
	UpstreamModel  string   `json:"upstream_model"`
	Context        *int     `json:"context"`
	ContextWindow  *int     `json:"context_window"`
	Window         *int     `json:"window"`
	Tools          *bool    `json:"tools"`
	MaxTokensCap   *int     `json:"max_tokens_cap"`
	MaxTokens      *int     `json:"max_tokens"`
	MaxOutputTok   *int     `json:"max_output_tokens"`
	TemperatureCap *float64 `json:"temperature_cap"`
	TempCap        *float64 `json:"temp_cap"`
}

func firstInt(ptrs ...*int) int {
	for _, p := range ptrs {
		if p != nil && *p > 0 {
			return *p
		}
	}
	return 0
}

func firstFloat(ptrs ...*float64) float64 {
	for _, p := range ptrs {
		if p != nil && *p >= 0 {
			return *p
		}
	}
	return 0
}

// parseAliasValue accepts either a "backend:model" string or the object
// form accepted by the original JSON schema.
func parseAliasValue(raw json.RawMessage) (Alias, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		s = strings.TrimSpace(s)
		switch {
		case strings.HasPrefix(s, "ollama:"):
			return Alias{Backend: "ollama", UpstreamModel: strings.TrimPrefix(s, "ollama:")}, true
		case strings.HasPrefix(s, "mlx:"):
			return Alias{Backend: "mlx", UpstreamModel: strings.TrimPrefix(s, "mlx:")}, true
		default:
			return Alias{}, false
		}
	}

	var obj rawAlias
	if err := json.Unmarshal(raw, &obj); err != nil {
		return Alias{}, false
	}
	backend := strings.ToLower(strings.TrimSpace(obj.Backend))
	model := strings.TrimSpace(obj.Model)
	if model == "" {
		model = strings.TrimSpace(obj.UpstreamModel)
	}
	if (backend != "ollama" && backend != "mlx") || model == "" {
		return Alias{}, false
	}
	model = strings.TrimPrefix(strings.TrimPrefix(model, "ollama:"), "mlx:")

	return Alias{
		Backend:        backend,
		UpstreamModel:  model,
		ContextWindow:  firstInt(obj.Context, obj.ContextWindow, obj.Window),
		Tools:          obj.Tools,
		MaxTokensCap:   firstInt(obj.MaxTokensCap, obj.MaxTokens, obj.MaxOutputTok),
		TemperatureCap: firstFloat(obj.TemperatureCap, obj.TempCap),
	}, true
}

// Load builds the Table from inline JSON, a JSON file, or the built-in
// defaults, in that precedence order, with the built-ins always present as
// a base that explicit entries override.
func Load(inlineJSON, path string, d Defaults) *Table {
	aliases := builtinAliases(d)

	var payload map[string]json.RawMessage
	raw := strings.TrimSpace(inlineJSON)
	if raw != "" {
		_ = json.Unmarshal([]byte(raw), &payload)
	} else if path != "" {
		if data, err := os.ReadFile(path); err == nil {
			_ = json.Unmarshal(data, &payload)
		}
	}

	// Allow {"aliases": {...}} wrapping.
	if payload != nil {
		if wrapped, ok := payload["aliases"]; ok {
			var inner map[string]json.RawMessage
			if err := json.Unmarshal(wrapped, &inner); err == nil {
				payload = inner
			}
		}
	}

	for k, v := range payload {
		if a, ok := parseAliasValue(v); ok {
			aliases[strings.ToLower(strings.TrimSpace(k))] = a
		}
	}

	return &Table{aliases: aliases}
}
