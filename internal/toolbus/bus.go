// Package toolbus implements the tool invocation pipeline: validating,
// rate-limiting, executing, logging, and replaying calls to builtin and
// registry-declared tools, in-process or via subprocess.
package toolbus

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/localforge/gateway/internal/gatewayerr"
	"github.com/localforge/gateway/internal/metrics"
)

// Config carries internal/config.Config's ToolsConfig settings in the
// shapes the bus uses (list fields already split, plus the refresh targets
// and metrics sink); NewConfig builds it from a ToolsConfig.
type Config struct {
	AllowShell         bool
	AllowFS            bool
	AllowFSWrite       bool
	AllowHTTPFetch     bool
	AllowGit           bool
	AllowSystemInfo    bool
	AllowModelsRefresh bool
	Allowlist          string

	ShellCWD         string
	ShellTimeoutSec  int
	ShellAllowedCmds string

	FSRoots   []string
	FSMaxBytes int

	HTTPAllowedHosts []string
	HTTPTimeoutSec   int
	HTTPMaxBytes     int

	LogPath string
	LogDir  string
	LogMode string // "ndjson" | "per_invocation" | "both"

	MaxConcurrent         int
	ConcurrencyTimeoutSec float64

	SubprocessStdoutMax int
	SubprocessStderrMax int

	RegistryPath   string
	RegistrySHA256 string

	RateLimitRPS   float64
	RateLimitBurst int

	// ModelsRefreshTargets maps a human label to a URL that models_refresh
	// pings to confirm upstream reachability.
	ModelsRefreshTargets map[string]string

	// Metrics, when set, receives one ObserveTool observation per Execute
	// call. Nil is valid: a Bus built without a composition root wiring
	// metrics (e.g. in tests) simply doesn't record them.
	Metrics *metrics.Collector
}

func (c Config) shellCommandAllowed(cmd string) bool {
	if strings.TrimSpace(c.ShellAllowedCmds) == "" {
		return false
	}
	for _, allowed := range strings.Split(c.ShellAllowedCmds, ",") {
		if strings.TrimSpace(allowed) == cmd {
			return true
		}
	}
	return false
}

// Bus executes tool calls against the builtin set and the declarative
// registry, subject to concurrency and rate limits, and logs every
// invocation for later replay.
type Bus struct {
	cfg Config

	sem chan struct{}

	registryMu sync.Mutex
	registry   *loadedRegistry

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter

	logger *eventLogger
}

// New builds a Bus from its configuration. It does not load the declarative
// registry eagerly; that happens lazily on first use and is cached by the
// registry file's mtime.
func New(cfg Config) *Bus {
	cap := cfg.MaxConcurrent
	if cap <= 0 {
		cap = 8
	}
	return &Bus{
		cfg:      cfg,
		sem:      make(chan struct{}, cap),
		limiters: map[string]*rate.Limiter{},
		logger:   newEventLogger(cfg),
	}
}

// allowedToolNames returns the set of tool names this deployment permits,
// honoring an explicit allowlist override or falling back to the
// individual tools_allow_* flags. "noop" is always allowed.
func (b *Bus) allowedToolNames() map[string]bool {
	allowed := map[string]bool{"noop": true}

	if strings.TrimSpace(b.cfg.Allowlist) != "" {
		for _, name := range strings.Split(b.cfg.Allowlist, ",") {
			name = strings.TrimSpace(name)
			if name != "" {
				allowed[name] = true
			}
		}
		return allowed
	}

	if b.cfg.AllowShell {
		allowed["shell"] = true
	}
	if b.cfg.AllowFS {
		allowed["read_file"] = true
		if b.cfg.AllowFSWrite {
			allowed["write_file"] = true
		}
	}
	if b.cfg.AllowHTTPFetch {
		allowed["http_fetch"] = true
		allowed["http_fetch_local"] = true
	}
	if b.cfg.AllowGit {
		allowed["git"] = true
	}
	if b.cfg.AllowSystemInfo {
		allowed["system_info"] = true
	}
	if b.cfg.AllowModelsRefresh {
		allowed["models_refresh"] = true
	}
	return allowed
}

func (b *Bus) isToolAllowed(name string) bool {
	return b.allowedToolNames()[name]
}

// resolveTool looks the tool up in the declarative registry first, then
// the builtin schema table. Declared-but-unregistered names are reported
// distinctly from genuinely unknown ones.
func (b *Bus) resolveTool(name string) (Spec, error) {
	if reg, err := b.loadRegistry(); err == nil {
		if spec, ok := reg.tools[name]; ok {
			spec.Declared = true
			spec.Source = "registry"
			return spec, nil
		}
	}
	if spec, ok := builtinSchemas[name]; ok {
		spec.Declared = true
		spec.Source = "builtin"
		return spec, nil
	}
	return Spec{}, gatewayerr.New(gatewayerr.KindUnknownTool, "unknown tool: "+name)
}

// ListTools returns the declared Spec for every tool this deployment
// permits, sorted by name. Callers that need a tool's schema for model-
// facing tool-calling (the gateway's GET /v1/tools, AgentRuntime's ACT
// step) resolve through this instead of reaching into builtinSchemas
// directly, so registry-declared tools are represented too.
func (b *Bus) ListTools() []Spec {
	names := b.allowedToolNames()
	out := make([]Spec, 0, len(names))
	for name := range names {
		if spec, err := b.resolveTool(name); err == nil {
			out = append(out, spec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (b *Bus) rateLimiterFor(token string) *rate.Limiter {
	if b.cfg.RateLimitRPS <= 0 {
		return nil
	}
	b.limitersMu.Lock()
	defer b.limitersMu.Unlock()
	l, ok := b.limiters[token]
	if !ok {
		burst := b.cfg.RateLimitBurst
		if burst <= 0 {
			burst = 1
		}
		l = rate.NewLimiter(rate.Limit(b.cfg.RateLimitRPS), burst)
		b.limiters[token] = l
	}
	return l
}

// requestHash canonicalizes {tool, version, arguments} as sorted-key,
// compact JSON and SHA-256 hashes it, giving identical calls the same
// hash regardless of argument key order.
func requestHash(name, version string, args map[string]any) (string, error) {
	canon, err := canonicalJSON(map[string]any{
		"tool": name, "version": version, "arguments": args,
	})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return fmt.Sprintf("%x", sum), nil
}

// canonicalJSON marshals v with object keys sorted recursively, matching
// Python's json.dumps(..., sort_keys=True, separators=(",", ":")).
func canonicalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			buf.Write(kb)
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case []any:
		buf.WriteByte('[')
		for i, e := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(b)
		return nil
	}
}

// Result is the backward-compatible response envelope: the tool's own
// result fields merged with replay bookkeeping.
type Result struct {
	ReplayID     string         `json:"replay_id"`
	RequestHash  string         `json:"request_hash"`
	ToolRuntimeMs float64       `json:"tool_runtime_ms"`
	ToolCPUMs     float64       `json:"tool_cpu_ms"`
	ToolIOBytes   int64         `json:"tool_io_bytes"`
	Fields        map[string]any `json:"-"`
}

// MarshalJSON flattens Fields alongside the bookkeeping fields, so callers
// see one JSON object rather than a nested envelope.
func (r Result) MarshalJSON() ([]byte, error) {
	out := map[string]any{
		"replay_id":       r.ReplayID,
		"request_hash":    r.RequestHash,
		"tool_runtime_ms": r.ToolRuntimeMs,
		"tool_cpu_ms":     r.ToolCPUMs,
		"tool_io_bytes":   r.ToolIOBytes,
	}
	for k, v := range r.Fields {
		out[k] = v
	}
	return json.Marshal(out)
}

// Execute runs one tool call end to end: allowlist check, resolution,
// schema validation, rate limiting, concurrency-bounded dispatch,
// timing/IO accounting, logging, and envelope construction.
func (b *Bus) Execute(ctx context.Context, bearerToken, name string, args map[string]any) (Result, error) {
	if !b.isToolAllowed(name) {
		return Result{}, gatewayerr.New(gatewayerr.KindUndeclaredTool, "tool not allowed: "+name)
	}

	spec, err := b.resolveTool(name)
	if err != nil {
		return Result{}, err
	}

	if limiter := b.rateLimiterFor(bearerToken); limiter != nil && !limiter.Allow() {
		return Result{}, gatewayerr.New(gatewayerr.KindRateLimited, "tool rate limit exceeded")
	}

	if args == nil {
		args = map[string]any{}
	}
	if verrs := validateAgainstSchema(spec.Parameters, args); len(verrs) > 0 {
		return Result{}, gatewayerr.New(gatewayerr.KindInvalidArguments, strings.Join(verrs, "; "))
	}

	hash, err := requestHash(name, spec.Version, args)
	if err != nil {
		return Result{}, fmt.Errorf("hashing request: %w", err)
	}
	replayID := NewToolID()

	acquireTimeout := time.Duration(b.cfg.ConcurrencyTimeoutSec * float64(time.Second))
	if acquireTimeout <= 0 {
		acquireTimeout = 5 * time.Second
	}
	acquireCtx, cancel := context.WithTimeout(ctx, acquireTimeout)
	select {
	case b.sem <- struct{}{}:
		cancel()
	case <-acquireCtx.Done():
		cancel()
		// Fall back to a blocking acquire, matching the original's
		// behavior of degrading rather than failing outright under load.
		select {
		case b.sem <- struct{}{}:
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	defer func() { <-b.sem }()

	start := time.Now()
	cpuStart := cpuTimeNow()

	var fields map[string]any
	var execErr error
	if spec.Source == "registry" {
		reg, _ := b.loadRegistry()
		entry := reg.execByName[name]
		fields, execErr = runSubprocessTool(ctx, entry, args, b.cfg)
	} else {
		impl, ok := builtinImpl[name]
		if !ok {
			return Result{}, gatewayerr.New(gatewayerr.KindUnknownTool, "no implementation for tool: "+name)
		}
		fields, execErr = impl(ctx, b.cfg, args)
	}

	runtimeMs := float64(time.Since(start).Microseconds()) / 1000.0
	cpuMs := (cpuTimeNow() - cpuStart) * 1000.0

	fields = normalizeToolResult(fields, execErr)

	ioBytes := int64(0)
	if v, ok := fields["__io_bytes"]; ok {
		if n, ok := v.(int); ok {
			ioBytes = int64(n)
		}
		delete(fields, "__io_bytes")
	}

	result := Result{
		ReplayID:      replayID,
		RequestHash:   hash,
		ToolRuntimeMs: runtimeMs,
		ToolCPUMs:     cpuMs,
		ToolIOBytes:   ioBytes,
		Fields:        fields,
	}

	ok, _ := fields["ok"].(bool)
	b.logger.logInvocation(invocationEvent{
		ReplayID:    replayID,
		Tool:        name,
		Version:     spec.Version,
		RequestHash: hash,
		Arguments:   args,
		Result:      fields,
		OK:          ok,
		RuntimeMs:   runtimeMs,
		CPUMs:       cpuMs,
		IOBytes:     ioBytes,
		Timestamp:   time.Now().UTC(),
	})

	if b.cfg.Metrics != nil {
		b.cfg.Metrics.ObserveTool(name, ok, runtimeMs)
	}

	return result, nil
}

// normalizeToolResult enforces the dict-with-bool-ok shape every tool
// result must have, deriving an error envelope from exec errors and
// wrapping non-conforming shapes as invalid_tool_result.
func normalizeToolResult(fields map[string]any, execErr error) map[string]any {
	if execErr != nil {
		return map[string]any{
			"ok":           false,
			"error_type":   "execution_error",
			"error_message": execErr.Error(),
		}
	}
	if fields == nil {
		return map[string]any{"ok": false, "error_type": "invalid_tool_result", "error_message": "tool returned no result"}
	}
	if _, ok := fields["ok"].(bool); !ok {
		wrapped := map[string]any{
			"ok": false, "error_type": "invalid_tool_result",
			"error_message": "tool result missing boolean ok field",
		}
		wrapped["raw"] = fields
		return wrapped
	}
	return fields
}
