// Package router implements the Router: a pure function mapping a client's
// requested model, headers, and message shape to a concrete
// (backend, upstream_model) pair plus a stable reason string. It performs no
// I/O and is deterministic given its inputs (Testable Property 1).
package router

import (
	"encoding/json"
	"regexp"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/localforge/gateway/internal/alias"
)

// Decision is the immutable result of a routing decision.
type Decision struct {
	Backend string
	Model   string
	Reason  string
}

// Config carries the static knobs Decide needs; it never changes across a
// single process's lifetime.
type Config struct {
	DefaultBackend    string
	OllamaModelStrong string
	OllamaModelFast   string
	MLXModelStrong    string
	MLXModelFast      string
	LongContextChars  int
	EnablePolicy      bool
	EnableRequestType bool
	// RequestTypeExpr, when non-empty, overrides the built-in regex coding
	// heuristic: a github.com/expr-lang/expr boolean expression evaluated
	// against {text, has_tools}, returning true for a coding request.
	RequestTypeExpr string
}

// Message is the minimal shape the router inspects: role and content. The
// gateway's full chat message type satisfies this via a narrowing copy at
// the call site so this package stays free of upstream wire-format
// dependencies.
type Message struct {
	Role    string
	Content any // string, nil, or any JSON-serialisable structured content
}

func approxTextSize(messages []Message) int {
	n := 0
	for _, m := range messages {
		switch c := m.Content.(type) {
		case string:
			n += len(c)
		case nil:
			continue
		default:
			if b, err := json.Marshal(c); err == nil {
				n += len(b)
			}
		}
	}
	return n
}

func chooseBackendByModel(model, defaultBackend string) string {
	m := strings.ToLower(strings.TrimSpace(model))
	switch {
	case strings.HasPrefix(m, "ollama:"):
		return "ollama"
	case strings.HasPrefix(m, "mlx:"):
		return "mlx"
	case m == "ollama" || m == "ollama-default":
		return "ollama"
	case m == "mlx" || m == "mlx-default":
		return "mlx"
	default:
		return defaultBackend
	}
}

// normalizeModel folds sentinels (auto, default, <backend>, <backend>-default,
// empty) into the configured strong model for that backend, and strips a
// leading "<backend>:" prefix otherwise. The sentinel is never forwarded
// upstream (Testable Property 2).
func normalizeModel(model, backend string, cfg Config) string {
	m := strings.TrimSpace(model)

	if backend == "ollama" {
		m = strings.TrimPrefix(m, "ollama:")
		switch strings.ToLower(m) {
		case "default", "ollama", "ollama-default", "auto", "":
			return cfg.OllamaModelStrong
		}
		return m
	}

	m = strings.TrimPrefix(m, "mlx:")
	switch strings.ToLower(m) {
	case "default", "mlx", "mlx-default", "auto", "":
		return cfg.MLXModelStrong
	}
	return m
}

var (
	codeHintRE  = regexp.MustCompile(`(?i)\b(typescript|javascript|python|py|node|npm|pip|pytest|uvicorn|fastapi|dockerfile|kubernetes|terraform|ansible|git)\b`)
	codeErrorRE = regexp.MustCompile(`(?i)\b(traceback|stack trace|exception|segmentation fault|syntaxerror|typeerror|valueerror|nullpointerexception|panic:)\b`)
	codeExtRE   = regexp.MustCompile(`(?i)\.(py|js|ts|tsx|jsx|java|go|rs|cs|cpp|cxx|hpp|h|sql|yaml|yml|toml|json)\b`)
	codeTokenRE = regexp.MustCompile(`(^|\s)(def|class|import|from|function|const|let|var|public|private)\b`)
)

func lastUserText(messages []Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		m := messages[i]
		if strings.ToLower(strings.TrimSpace(m.Role)) != "user" {
			continue
		}
		switch c := m.Content.(type) {
		case string:
			return c
		case nil:
			continue
		default:
			if b, err := json.Marshal(c); err == nil {
				return string(b)
			}
			return ""
		}
	}
	return ""
}

var (
	exprCacheMu sync.Mutex
	exprCache   = map[string]*vm.Program{}
)

// compileRequestTypeExpr compiles and caches code, keyed by its source
// text, so a steady-state process only pays expr's compile cost once per
// distinct ROUTER_REQUEST_TYPE_EXPR value.
func compileRequestTypeExpr(code string) (*vm.Program, error) {
	exprCacheMu.Lock()
	defer exprCacheMu.Unlock()
	if prog, ok := exprCache[code]; ok {
		return prog, nil
	}
	prog, err := expr.Compile(code, expr.Env(map[string]any{"text": "", "has_tools": false}), expr.AsBool())
	if err != nil {
		return nil, err
	}
	exprCache[code] = prog
	return prog, nil
}

// evalRequestTypeExpr runs the configured override expression against the
// last user message's text and whether tools were requested, falling back
// to the regex heuristic on any compile/eval error so a bad expression
// degrades gracefully instead of breaking routing.
func evalRequestTypeExpr(code string, messages []Message, hasTools bool) bool {
	prog, err := compileRequestTypeExpr(code)
	if err != nil {
		return isProbablyCodingRequest(messages)
	}
	out, err := expr.Run(prog, map[string]any{"text": lastUserText(messages), "has_tools": hasTools})
	if err != nil {
		return isProbablyCodingRequest(messages)
	}
	b, ok := out.(bool)
	if !ok {
		return isProbablyCodingRequest(messages)
	}
	return b
}

// isProbablyCodingRequest is a deterministic, conservative heuristic used
// only when request-type routing is enabled.
func isProbablyCodingRequest(messages []Message) bool {
	text := strings.TrimSpace(lastUserText(messages))
	if text == "" {
		return false
	}
	if strings.Contains(text, "```") {
		return true
	}
	if codeErrorRE.MatchString(text) {
		return true
	}
	if codeExtRE.MatchString(text) {
		return true
	}
	if codeTokenRE.MatchString(text) && (strings.Contains(text, "{") || strings.Contains(text, ":") || strings.Contains(text, "(")) {
		return true
	}
	lower := strings.ToLower(text)
	if codeHintRE.MatchString(text) && (strings.Contains(lower, "error") || strings.Contains(lower, "debug") || strings.Contains(lower, "fix")) {
		return true
	}
	return false
}

// Decide selects {backend, model} with simple, stable heuristics, in the
// fixed decision order of §4.5. It never performs I/O.
//
// Overrides, highest priority first:
//   - header X-Backend: ollama|mlx
//   - request_model equal to a declared alias key
//   - model prefixed with "<backend>:" or an explicit backend sentinel
//   - policy disabled: pass through directly
//   - policy enabled: tool-heavy / long-context / request-type heuristics,
//     falling back to the "fast" alias.
func Decide(cfg Config, aliases *alias.Table, requestModel string, headers map[string]string, messages []Message, hasTools bool) Decision {
	hdrBackend := strings.ToLower(strings.TrimSpace(headers["x-backend"]))
	if hdrBackend == "ollama" || hdrBackend == "mlx" {
		normalized := normalizeModel(requestModel, hdrBackend, cfg)
		return Decision{Backend: hdrBackend, Model: normalized, Reason: "override:x-backend"}
	}

	requestModelNorm := strings.TrimSpace(requestModel)
	requestModelKey := strings.ToLower(requestModelNorm)
	if requestModelKey == "auto" {
		requestModelNorm = ""
		requestModelKey = ""
	}

	if requestModelKey != "" {
		if a, ok := aliases.Get(requestModelKey); ok {
			normalized := normalizeModel(a.UpstreamModel, a.Backend, cfg)
			return Decision{Backend: a.Backend, Model: normalized, Reason: "alias:model"}
		}
	}

	backend := chooseBackendByModel(requestModelNorm, cfg.DefaultBackend)

	explicitlyPinned := strings.HasPrefix(requestModelKey, "ollama:") ||
		strings.HasPrefix(requestModelKey, "mlx:") ||
		requestModelKey == "ollama" || requestModelKey == "mlx" ||
		requestModelKey == "ollama-default" || requestModelKey == "mlx-default"

	if explicitlyPinned {
		normalized := normalizeModel(requestModelNorm, backend, cfg)
		return Decision{Backend: backend, Model: normalized, Reason: "pinned:model"}
	}

	if !cfg.EnablePolicy {
		normalized := normalizeModel(requestModelNorm, backend, cfg)
		return Decision{Backend: backend, Model: normalized, Reason: "direct:model"}
	}

	size := approxTextSize(messages)

	longThreshold := cfg.LongContextChars
	if a, ok := aliases.Get("long"); ok && a.ContextWindow > 0 {
		longThreshold = a.ContextWindow
	}

	if hasTools {
		if a, ok := aliases.Get("default"); ok && (a.Tools == nil || *a.Tools) {
			return Decision{Backend: a.Backend, Model: normalizeModel(a.UpstreamModel, a.Backend, cfg), Reason: "policy:tools->alias:default"}
		}
		if a, ok := aliases.Get("coder"); ok && (a.Tools == nil || *a.Tools) {
			return Decision{Backend: a.Backend, Model: normalizeModel(a.UpstreamModel, a.Backend, cfg), Reason: "policy:tools->alias:coder"}
		}
		if backend == "ollama" {
			return Decision{Backend: backend, Model: cfg.OllamaModelStrong, Reason: "policy:tools->strong"}
		}
		return Decision{Backend: backend, Model: cfg.MLXModelStrong, Reason: "policy:tools->strong"}
	}

	if size >= longThreshold {
		if a, ok := aliases.Get("long"); ok {
			return Decision{Backend: a.Backend, Model: normalizeModel(a.UpstreamModel, a.Backend, cfg), Reason: "policy:long_context->alias:long"}
		}
		if cfg.MLXModelStrong != "" {
			return Decision{Backend: "mlx", Model: cfg.MLXModelStrong, Reason: "policy:long_context->mlx"}
		}
		if backend == "ollama" {
			return Decision{Backend: backend, Model: cfg.OllamaModelStrong, Reason: "policy:long_context->strong"}
		}
		return Decision{Backend: backend, Model: cfg.MLXModelStrong, Reason: "policy:long_context->strong"}
	}

	hdrReqType := strings.ToLower(strings.TrimSpace(headers["x-request-type"]))
	isCoding := false
	if cfg.EnableRequestType {
		switch hdrReqType {
		case "coding", "code", "dev":
			isCoding = true
		case "chat", "general":
			isCoding = false
		default:
			if strings.TrimSpace(cfg.RequestTypeExpr) != "" {
				isCoding = evalRequestTypeExpr(cfg.RequestTypeExpr, messages, hasTools)
			} else {
				isCoding = isProbablyCodingRequest(messages)
			}
		}
	}

	if isCoding {
		if a, ok := aliases.Get("coder"); ok {
			return Decision{Backend: a.Backend, Model: normalizeModel(a.UpstreamModel, a.Backend, cfg), Reason: "policy:coding->alias:coder"}
		}
		if backend == "ollama" {
			return Decision{Backend: backend, Model: cfg.OllamaModelStrong, Reason: "policy:coding->strong"}
		}
		return Decision{Backend: backend, Model: cfg.MLXModelStrong, Reason: "policy:coding->strong"}
	}

	if a, ok := aliases.Get("fast"); ok {
		return Decision{Backend: a.Backend, Model: normalizeModel(a.UpstreamModel, a.Backend, cfg), Reason: "policy:fast->alias:fast"}
	}
	if backend == "ollama" {
		return Decision{Backend: backend, Model: cfg.OllamaModelFast, Reason: "policy:fast"}
	}
	return Decision{Backend: backend, Model: cfg.MLXModelFast, Reason: "policy:fast"}
}
