// Package config holds the gateway's immutable process-wide configuration.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config is the full set of settings for one gateway process. It is built
// once at startup by Load and never mutated afterward; every component that
// needs a setting is handed either the whole struct or the specific field it
// needs at construction time.
type Config struct {
	Host string
	Port int

	LogLevel string
	LogPretty bool

	BearerToken      string
	BearerTokens     string // comma-separated, takes precedence over BearerToken when set
	TokenPoliciesJSON string
	TokenPoliciesPath string
	TokenPoliciesStrict bool

	MaxRequestBytes int64
	IPAllowlist     string

	Observability ObservabilityConfig
	Router        RouterConfig
	Tools         ToolsConfig
	Agent         AgentConfig
	RequestLog    RequestLogConfig
	Telemetry     TelemetryConfig
	Backends      BackendsConfig
}

type ObservabilityConfig struct {
	Enabled bool
	Host    string
	Port    int
}

type RouterConfig struct {
	EnablePolicy      bool
	EnableRequestType bool
	RequestTypeExpr   string
	LongContextChars  int
	DefaultBackend    string
	OllamaModelStrong string
	OllamaModelFast   string
	MLXModelStrong    string
	MLXModelFast      string
	AliasesJSON       string
	AliasesPath       string
}

type ToolsConfig struct {
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

	FSRoots    string
	FSMaxBytes int

	HTTPAllowedHosts string
	HTTPTimeoutSec   int
	HTTPMaxBytes     int

	LogPath string
	LogDir  string
	LogMode string // ndjson | per_invocation | both

	MaxConcurrent          int
	ConcurrencyTimeoutSec  float64
	SubprocessStdoutMax    int
	SubprocessStderrMax    int
	RegistryPath           string
	RegistrySHA256         string

	RateLimitRPS   float64
	RateLimitBurst int
}

type AgentConfig struct {
	SpecsPath             string
	RunsLogPath           string
	RunsLogDir            string
	RunsLogMode           string
	BackendConcurrency    map[string]int
	QueueMax              int
	QueueTimeoutSec       float64
	ShedHeavy             bool
}

type RequestLogConfig struct {
	Enabled bool
	Path    string
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

type BackendsConfig struct {
	ConfigPath string
}

// Load reads configuration from the environment, the same flat
// os.Getenv-with-typed-default style used throughout this codebase.
func Load() *Config {
	return &Config{
		Host: envStr("GATEWAY_HOST", "0.0.0.0"),
		Port: envInt("GATEWAY_PORT", 8800),

		LogLevel:  envStr("GATEWAY_LOG_LEVEL", "info"),
		LogPretty: envBool("GATEWAY_LOG_PRETTY", false),

		BearerToken:         envStr("GATEWAY_BEARER_TOKEN", ""),
		BearerTokens:        envStr("GATEWAY_BEARER_TOKENS", ""),
		TokenPoliciesJSON:   envStr("GATEWAY_TOKEN_POLICIES_JSON", ""),
		TokenPoliciesPath:   envStr("GATEWAY_TOKEN_POLICIES_PATH", "/var/lib/gateway/data/token_policies.json"),
		TokenPoliciesStrict: envBool("GATEWAY_TOKEN_POLICIES_STRICT", false),

		MaxRequestBytes: envInt64("MAX_REQUEST_BYTES", 1_000_000),
		IPAllowlist:     envStr("IP_ALLOWLIST", ""),

		Observability: ObservabilityConfig{
			Enabled: envBool("OBSERVABILITY_ENABLED", true),
			Host:    envStr("OBSERVABILITY_HOST", "127.0.0.1"),
			Port:    envInt("OBSERVABILITY_PORT", 8801),
		},

		Router: RouterConfig{
			EnablePolicy:      envBool("ROUTER_ENABLE_POLICY", false),
			EnableRequestType: envBool("ROUTER_ENABLE_REQUEST_TYPE", false),
			RequestTypeExpr:   envStr("ROUTER_REQUEST_TYPE_EXPR", ""),
			LongContextChars:  envInt("ROUTER_LONG_CONTEXT_CHARS", 40_000),
			DefaultBackend:    envStr("DEFAULT_BACKEND", "ollama"),
			OllamaModelStrong: envStr("OLLAMA_MODEL_STRONG", "qwen2.5:32b"),
			OllamaModelFast:   envStr("OLLAMA_MODEL_FAST", "qwen2.5:7b"),
			MLXModelStrong:    envStr("MLX_MODEL_STRONG", "mlx-community/gemma-2-2b-it-8bit"),
			MLXModelFast:      envStr("MLX_MODEL_FAST", "mlx-community/gemma-2-2b-it-8bit"),
			AliasesJSON:       envStr("MODEL_ALIASES_JSON", ""),
			AliasesPath:       envStr("MODEL_ALIASES_PATH", "/var/lib/gateway/app/model_aliases.json"),
		},

		Tools: ToolsConfig{
			AllowShell:         envBool("TOOLS_ALLOW_SHELL", false),
			AllowFS:            envBool("TOOLS_ALLOW_FS", false),
			AllowFSWrite:       envBool("TOOLS_ALLOW_FS_WRITE", false),
			AllowHTTPFetch:     envBool("TOOLS_ALLOW_HTTP_FETCH", false),
			AllowGit:           envBool("TOOLS_ALLOW_GIT", false),
			AllowSystemInfo:    envBool("TOOLS_ALLOW_SYSTEM_INFO", false),
			AllowModelsRefresh: envBool("TOOLS_ALLOW_MODELS_REFRESH", false),
			Allowlist:          envStr("TOOLS_ALLOWLIST", ""),

			ShellCWD:         envStr("TOOLS_SHELL_CWD", "/var/lib/gateway/tools"),
			ShellTimeoutSec:  envInt("TOOLS_SHELL_TIMEOUT_SEC", 20),
			ShellAllowedCmds: envStr("TOOLS_SHELL_ALLOWED_CMDS", ""),

			FSRoots:    envStr("TOOLS_FS_ROOTS", "/var/lib/gateway"),
			FSMaxBytes: envInt("TOOLS_FS_MAX_BYTES", 200_000),

			HTTPAllowedHosts: envStr("TOOLS_HTTP_ALLOWED_HOSTS", "127.0.0.1,localhost"),
			HTTPTimeoutSec:   envInt("TOOLS_HTTP_TIMEOUT_SEC", 10),
			HTTPMaxBytes:     envInt("TOOLS_HTTP_MAX_BYTES", 200_000),

			LogPath: envStr("TOOLS_LOG_PATH", "/var/lib/gateway/data/tools/invocations.jsonl"),
			LogDir:  envStr("TOOLS_LOG_DIR", "/var/lib/gateway/data/tools"),
			LogMode: envStr("TOOLS_LOG_MODE", "ndjson"),

			MaxConcurrent:         envInt("TOOLS_MAX_CONCURRENT", 8),
			ConcurrencyTimeoutSec: envFloat("TOOLS_CONCURRENCY_TIMEOUT_SEC", 5.0),
			SubprocessStdoutMax:   envInt("TOOLS_SUBPROCESS_STDOUT_MAX_CHARS", 20_000),
			SubprocessStderrMax:   envInt("TOOLS_SUBPROCESS_STDERR_MAX_CHARS", 20_000),
			RegistryPath:          envStr("TOOLS_REGISTRY_PATH", "/var/lib/gateway/app/tools_registry.json"),
			RegistrySHA256:        envStr("TOOLS_REGISTRY_SHA256", ""),

			RateLimitRPS:   envFloat("TOOLS_RATE_LIMIT_RPS", 0.0),
			RateLimitBurst: envInt("TOOLS_RATE_LIMIT_BURST", 0),
		},

		Agent: AgentConfig{
			SpecsPath:   envStr("AGENT_SPECS_PATH", "/var/lib/gateway/app/agent_specs.json"),
			RunsLogPath: envStr("AGENT_RUNS_LOG_PATH", "/var/lib/gateway/data/agent/runs.jsonl"),
			RunsLogDir:  envStr("AGENT_RUNS_LOG_DIR", "/var/lib/gateway/data/agent"),
			RunsLogMode: envStr("AGENT_RUNS_LOG_MODE", "per_run"),
			BackendConcurrency: map[string]int{
				"ollama": envInt("AGENT_BACKEND_CONCURRENCY_OLLAMA", 4),
				"mlx":    envInt("AGENT_BACKEND_CONCURRENCY_MLX", 2),
			},
			QueueMax:        envInt("AGENT_QUEUE_MAX", 32),
			QueueTimeoutSec: envFloat("AGENT_QUEUE_TIMEOUT_SEC", 2.0),
			ShedHeavy:       envBool("AGENT_SHED_HEAVY", true),
		},

		RequestLog: RequestLogConfig{
			Enabled: envBool("REQUEST_LOG_ENABLED", true),
			Path:    envStr("REQUEST_LOG_PATH", "/var/lib/gateway/data/requests.jsonl"),
		},

		Telemetry: TelemetryConfig{
			Enabled:      envBool("TELEMETRY_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "gatewayd"),
		},

		Backends: BackendsConfig{
			ConfigPath: envStr("BACKENDS_CONFIG_PATH", "/var/lib/gateway/app/backends.yaml"),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
