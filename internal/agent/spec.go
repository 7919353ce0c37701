// Package agent implements the AgentRuntime: a bounded PLAN/ACT/TOOL loop
// that drives a chat backend and the tool bus under a fixed per-run budget
// (turns, wall-clock, total tool I/O), persisting a full transcript of every
// step so a run can be replayed later.
package agent

import (
	"encoding/json"
	"os"
	"strings"
)

// Spec is one named agent configuration: which alias/model to route
// through, how deep its tool tier reaches, and the budgets that bound a
// single run.
type Spec struct {
	Model               string   `json:"model"`
	Tier                int      `json:"tier"`
	MaxTurns            int      `json:"max_turns"`
	MaxRuntimeSec       float64  `json:"max_runtime_sec"`
	MaxTotalToolIOBytes int64    `json:"max_total_tool_io_bytes"`
	ToolsAllowlist      []string `json:"tools_allowlist,omitempty"`
}

func defaultSpecs() map[string]Spec {
	return map[string]Spec{
		"default": {Model: "fast", Tier: 0, MaxTurns: 8, MaxRuntimeSec: 60.0, MaxTotalToolIOBytes: 2_000_000},
	}
}

// LoadSpecs reads the agent spec table from a JSON file at path. A missing
// or unreadable file, or one with no valid entries, falls back to a single
// "default" spec rather than failing the process — an agent with no
// configured specs should still answer with conservative tier-0 budgets.
func LoadSpecs(path string) map[string]Spec {
	path = strings.TrimSpace(path)
	if path == "" {
		return defaultSpecs()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return defaultSpecs()
	}
	var obj map[string]Spec
	if err := json.Unmarshal(raw, &obj); err != nil || len(obj) == 0 {
		return defaultSpecs()
	}
	out := make(map[string]Spec, len(obj))
	for k, v := range obj {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		out[k] = v
	}
	if len(out) == 0 {
		return defaultSpecs()
	}
	return out
}

// tier0 is the read-only floor every agent gets regardless of tier.
var tier0 = []string{"read_file", "http_fetch_local", "noop"}

// tier1 adds filesystem writes on top of tier0.
var tier1Extra = []string{"write_file"}

// tier2 adds unrestricted shell execution on top of tier1.
var tier2Extra = []string{"shell"}

// ToolsForTier returns the tool names a run at this tier may call,
// regardless of what its spec's allowlist additionally restricts. Tiers are
// cumulative: each tier grants everything the tier below it grants.
func ToolsForTier(tier int) map[string]bool {
	names := append([]string{}, tier0...)
	if tier >= 1 {
		names = append(names, tier1Extra...)
	}
	if tier >= 2 {
		names = append(names, tier2Extra...)
	}
	out := make(map[string]bool, len(names))
	for _, n := range names {
		out[n] = true
	}
	return out
}

// AllowedTools intersects a spec's own allowlist (if any) with its tier's
// tool set, and returns the result as a sorted slice for deterministic
// tool-spec ordering in the ACT step.
func AllowedTools(spec Spec) []string {
	allowed := ToolsForTier(spec.Tier)
	if len(spec.ToolsAllowlist) > 0 {
		declared := make(map[string]bool, len(spec.ToolsAllowlist))
		for _, t := range spec.ToolsAllowlist {
			t = strings.TrimSpace(t)
			if t != "" {
				declared[t] = true
			}
		}
		for name := range allowed {
			if !declared[name] {
				delete(allowed, name)
			}
		}
	}
	out := make([]string, 0, len(allowed))
	for name := range allowed {
		out = append(out, name)
	}
	sortStrings(out)
	return out
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}
