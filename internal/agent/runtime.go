package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/localforge/gateway/internal/alias"
	"github.com/localforge/gateway/internal/backend"
	"github.com/localforge/gateway/internal/gatewayerr"
	"github.com/localforge/gateway/internal/metrics"
	"github.com/localforge/gateway/internal/router"
	"github.com/localforge/gateway/internal/toolbus"
	"github.com/localforge/gateway/internal/upstream"
)

// planSystemPrompt is the fixed system prompt for every PLAN step. It is
// deliberately invariant across agents and runs: the loop's shape is a
// property of AgentRuntime, not of any one agent's configuration.
const planSystemPrompt = "You are AgentRuntimeV1. Follow a strict loop: PLAN -> (optional TOOL) -> OBSERVE -> NEXT -> TERMINATE. Do not exceed the user's budgets. Be concise."

// Message is one chat turn in a run's transcript, OpenAI-shaped so it can
// be round-tripped through upstream.Request/Response directly.
type Message struct {
	Role       string              `json:"role"`
	Content    any                 `json:"content,omitempty"`
	ToolCallID string              `json:"tool_call_id,omitempty"`
	ToolCalls  []upstream.ToolCall `json:"tool_calls,omitempty"`
}

// RunRequest is the input to Run: either a flat input string (wrapped into
// a single user message) or a caller-supplied message list.
type RunRequest struct {
	Agent       string
	Input       string
	Messages    []Message
	BearerToken string
}

// Event is one entry in a run's transcript.
type Event map[string]any

// Payload is the full, persisted record of one run — exactly what Replay
// returns.
type Payload struct {
	RunID         string  `json:"run_id"`
	RequestHash   string  `json:"request_hash"`
	Agent         string  `json:"agent"`
	Tier          int     `json:"tier"`
	Backend       string  `json:"backend"`
	UpstreamModel string  `json:"upstream_model"`
	OK            bool    `json:"ok"`
	OutputText    string  `json:"output_text"`
	Error         string  `json:"error,omitempty"`
	Events        []Event `json:"events"`
}

// Runtime wires AgentSpecs, admission control, the tool bus, and the
// backend/router/alias stack into the PLAN/ACT/TOOL loop, persisting a
// transcript of every run.
type Runtime struct {
	specs     map[string]Spec
	admission *Admission
	bus       *toolbus.Bus
	backends  *backend.Registry
	aliases   *alias.Table
	routerCfg router.Config
	metrics   *metrics.Collector
	persist   *transcriptStore
}

// NewRuntime builds a Runtime. runsLogPath/runsLogDir/runsLogMode configure
// transcript persistence exactly as internal/config's AgentConfig does.
func NewRuntime(
	specs map[string]Spec,
	admission *Admission,
	bus *toolbus.Bus,
	backends *backend.Registry,
	aliases *alias.Table,
	routerCfg router.Config,
	m *metrics.Collector,
	runsLogPath, runsLogDir, runsLogMode string,
) *Runtime {
	return &Runtime{
		specs:     specs,
		admission: admission,
		bus:       bus,
		backends:  backends,
		aliases:   aliases,
		routerCfg: routerCfg,
		metrics:   m,
		persist:   newTranscriptStore(runsLogPath, runsLogDir, runsLogMode),
	}
}

// Run executes one agent run to completion (or to a budget violation) and
// returns its full payload. The returned *gatewayerr.Error, when non-nil,
// is the rejection reason for requests that never even started a run
// (unknown agent, admission refusal); once a run starts, every failure is
// captured inside the returned Payload instead so the transcript always
// records what happened.
func (rt *Runtime) Run(ctx context.Context, req RunRequest) (Payload, *gatewayerr.Error) {
	name := req.Agent
	if name == "" {
		name = "default"
	}
	spec, ok := rt.specs[name]
	if !ok {
		return Payload{}, gatewayerr.New(gatewayerr.KindInvalidRequest, "unknown agent")
	}
	if spec.MaxTurns <= 0 {
		return Payload{}, gatewayerr.New(gatewayerr.KindInvalidRequest, "agent max_turns must be > 0")
	}

	messages := req.Messages
	if messages == nil {
		input := strings.TrimSpace(req.Input)
		if input == "" {
			return Payload{}, gatewayerr.New(gatewayerr.KindInvalidRequest, "input must be a non-empty string (or provide messages)")
		}
		messages = []Message{{Role: "user", Content: input}}
	}

	allowed := AllowedTools(spec)
	tools := rt.toolSpecsFor(allowed)

	routerMessages := make([]router.Message, len(messages))
	for i, m := range messages {
		routerMessages[i] = router.Message{Role: m.Role, Content: m.Content}
	}
	decision := router.Decide(rt.routerCfg, rt.aliases, spec.Model, map[string]string{}, routerMessages, len(tools) > 0)
	backendClass := decision.Backend
	upstreamModel := decision.Model

	lease, gerr := rt.admission.Acquire(ctx, backendClass, spec.Tier)
	if gerr != nil {
		return Payload{}, gerr
	}
	defer lease.Release()

	start := time.Now()
	runID := upstream.NewID("run")

	requestHashInput := map[string]any{
		"agent":          req.Agent,
		"spec":           spec,
		"messages":       messages,
		"backend":        backendClass,
		"upstream_model": upstreamModel,
	}
	canon, err := canonicalJSON(requestHashInput)
	requestHash := ""
	if err == nil {
		requestHash = sha256Hex(canon)
	}

	var events []Event
	emit := func(ev Event) { events = append(events, ev) }

	emit(Event{
		"ts":             upstream.NowUnix(),
		"type":           "run_started",
		"run_id":         runID,
		"request_hash":   requestHash,
		"agent":          req.Agent,
		"tier":           spec.Tier,
		"backend":        backendClass,
		"upstream_model": upstreamModel,
		"max_turns":      spec.MaxTurns,
	})

	cfg, ok := rt.backends.Get(backendClass)
	if !ok {
		return rt.finish(runID, requestHash, req.Agent, spec, backendClass, upstreamModel, start, events, emit,
			false, "", fmt.Sprintf("backend not configured: %s", backendClass))
	}

	outputText, ok, runErr := rt.loop(ctx, cfg, spec, upstreamModel, backendClass, messages, tools, allowed, start, emit)
	return rt.finish(runID, requestHash, req.Agent, spec, backendClass, upstreamModel, start, events, emit, ok, outputText, runErr)
}

func (rt *Runtime) finish(
	runID, requestHash, agentName string,
	spec Spec,
	backendClass, upstreamModel string,
	start time.Time,
	events []Event,
	emit func(Event),
	ok bool,
	outputText, runErr string,
) (Payload, *gatewayerr.Error) {
	events = append(events, Event{
		"ts":                  upstream.NowUnix(),
		"type":                ternary(ok, "run_completed", "run_failed"),
		"run_id":              runID,
		"ok":                  ok,
		"output_text":         outputText,
		"error":               runErr,
		"total_tool_io_bytes": totalToolIOFromEvents(events),
		"duration_ms":         float64(time.Since(start).Microseconds()) / 1000.0,
	})

	payload := Payload{
		RunID:         runID,
		RequestHash:   requestHash,
		Agent:         agentName,
		Tier:          spec.Tier,
		Backend:       backendClass,
		UpstreamModel: upstreamModel,
		OK:            ok,
		OutputText:    outputText,
		Error:         runErr,
		Events:        events,
	}

	rt.persist.save(runID, payload)

	if rt.metrics != nil {
		rt.metrics.ObserveAgentRun(agentName, ok, time.Since(start).Seconds())
	}

	return payload, nil
}

func ternary(cond bool, a, b string) string {
	if cond {
		return a
	}
	return b
}

func totalToolIOFromEvents(events []Event) int64 {
	var total int64
	for _, ev := range events {
		if ev["type"] != "tool" {
			continue
		}
		result, _ := ev["result"].(map[string]any)
		if v, ok := result["tool_io_bytes"]; ok {
			switch n := v.(type) {
			case int64:
				total += n
			case int:
				total += int64(n)
			case float64:
				total += int64(n)
			}
		}
	}
	return total
}

// loop runs the bounded PLAN/ACT/TOOL loop and returns (output_text, ok,
// error_message). It never returns a Go error; every failure mode the
// original distinguishes (runtime budget, turn limit, tool IO budget,
// malformed tool call, upstream error) is converted to a message string so
// finish() can always persist a complete transcript.
func (rt *Runtime) loop(
	ctx context.Context,
	cfg *backend.Config,
	spec Spec,
	upstreamModel, backendClass string,
	messages []Message,
	tools []map[string]any,
	allowed []string,
	start time.Time,
	emit func(Event),
) (string, bool, string) {
	allowedSet := make(map[string]bool, len(allowed))
	for _, name := range allowed {
		allowedSet[name] = true
	}

	adapter, ok := upstream.ForClass(cfg.AdapterKind)
	if !ok {
		return "", false, fmt.Sprintf("no adapter for backend class: %s", backendClass)
	}

	var totalToolIO int64
	withinBudget := func() bool {
		return spec.MaxRuntimeSec <= 0 || time.Since(start).Seconds() <= spec.MaxRuntimeSec
	}

	for turn := 0; turn < spec.MaxTurns; turn++ {
		if !withinBudget() {
			return "", false, "agent runtime budget exceeded"
		}

		planMessages := append([]Message{{Role: "system", Content: planSystemPrompt}}, messages...)
		planResp, err := adapter.Call(ctx, cfg, upstream.Request{Model: upstreamModel, Messages: toUpstreamMessages(planMessages)})
		if err != nil {
			return "", false, err.Error()
		}
		planMsg := Message{Role: planResp.Message.Role, Content: planResp.Message.Content}
		if planMsg.Role == "" {
			planMsg.Role = "assistant"
		}
		emit(Event{"ts": upstream.NowUnix(), "type": "plan", "turn": turn, "message": planMsg})
		messages = append(messages, planMsg)

		actionResp, err := adapter.Call(ctx, cfg, upstream.Request{Model: upstreamModel, Messages: toUpstreamMessages(messages), Tools: tools})
		if err != nil {
			return "", false, err.Error()
		}
		actionMsg := Message{Role: actionResp.Message.Role, Content: actionResp.Message.Content, ToolCalls: actionResp.Message.ToolCalls}
		if actionMsg.Role == "" {
			actionMsg.Role = "assistant"
		}
		toolCalls := actionMsg.ToolCalls
		emit(Event{"ts": upstream.NowUnix(), "type": "assistant", "turn": turn, "message": actionMsg})
		messages = append(messages, actionMsg)

		if len(toolCalls) == 0 {
			text, _ := actionMsg.Content.(string)
			return text, true, ""
		}

		for _, tc := range toolCalls {
			name := strings.TrimSpace(tc.Function.Name)
			if name == "" {
				return "", false, "invalid tool call from model"
			}
			if !withinBudget() {
				return "", false, "agent runtime budget exceeded"
			}

			toolCallID := tc.ID
			if toolCallID == "" {
				toolCallID = toolbus.NewToolID()
			}

			result := rt.runToolCall(ctx, name, tc.Function.Arguments, allowedSet)
			if v, ok := result["tool_io_bytes"]; ok {
				switch n := v.(type) {
				case int64:
					totalToolIO += n
				case int:
					totalToolIO += int64(n)
				case float64:
					totalToolIO += int64(n)
				}
			}

			emit(Event{"ts": upstream.NowUnix(), "type": "tool", "turn": turn, "tool_call_id": toolCallID, "name": name, "result": result})

			if spec.MaxTotalToolIOBytes > 0 && totalToolIO > spec.MaxTotalToolIOBytes {
				return "", false, "tool IO budget exceeded"
			}

			resultJSON, _ := json.Marshal(result)
			messages = append(messages, Message{Role: "tool", ToolCallID: toolCallID, Content: string(resultJSON)})
		}
	}

	return "", false, "agent turn limit exceeded"
}

// runToolCall parses the model's JSON-string arguments and dispatches
// through the tool bus, converting every failure into a result map rather
// than propagating a Go error — matching the original's behavior of always
// handing the model a tool result to observe, even a failed one.
func (rt *Runtime) runToolCall(ctx context.Context, name, argumentsJSON string, allowed map[string]bool) map[string]any {
	if !allowed[name] {
		return map[string]any{"ok": false, "error_type": "unknown_tool", "error_message": "unknown tool: " + name}
	}

	args := map[string]any{}
	if strings.TrimSpace(argumentsJSON) != "" {
		if err := json.Unmarshal([]byte(argumentsJSON), &args); err != nil {
			return map[string]any{"ok": false, "error_type": "invalid_arguments", "error_message": "tool arguments must be valid JSON"}
		}
	}

	result, err := rt.bus.Execute(ctx, "", name, args)
	if err != nil {
		return map[string]any{"ok": false, "error_type": "execution_error", "error_message": err.Error()}
	}

	out := map[string]any{"tool_io_bytes": result.ToolIOBytes}
	for k, v := range result.Fields {
		out[k] = v
	}
	return out
}

func (rt *Runtime) toolSpecsFor(names []string) []map[string]any {
	if len(names) == 0 {
		return nil
	}
	byName := map[string]toolbus.Spec{}
	for _, s := range rt.bus.ListTools() {
		byName[s.Name] = s
	}
	out := make([]map[string]any, 0, len(names))
	for _, name := range names {
		spec, ok := byName[name]
		if !ok {
			continue
		}
		out = append(out, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        spec.Name,
				"description": spec.Description,
				"parameters":  spec.Parameters,
			},
		})
	}
	return out
}

func toUpstreamMessages(messages []Message) []upstream.Message {
	out := make([]upstream.Message, len(messages))
	for i, m := range messages {
		out[i] = upstream.Message{Role: m.Role, Content: m.Content, ToolCalls: m.ToolCalls}
	}
	return out
}
