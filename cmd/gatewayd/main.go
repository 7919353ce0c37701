// Local AI Gateway — gatewayd is the gateway process entry point.
//
// It composes the full stack — backend registry, admission control,
// health checker, model aliases, token store, tool bus, agent runtime —
// into the Request gateway's HTTP handler, starts the observability
// listener alongside it, and serves until signaled to shut down.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/localforge/gateway/internal/admission"
	"github.com/localforge/gateway/internal/agent"
	"github.com/localforge/gateway/internal/alias"
	"github.com/localforge/gateway/internal/backend"
	"github.com/localforge/gateway/internal/config"
	"github.com/localforge/gateway/internal/gateway"
	"github.com/localforge/gateway/internal/health"
	"github.com/localforge/gateway/internal/metrics"
	"github.com/localforge/gateway/internal/obsserver"
	"github.com/localforge/gateway/internal/telemetry"
	"github.com/localforge/gateway/internal/tokenstore"
	"github.com/localforge/gateway/internal/toolbus"
)

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func setupLogger(cfg *config.Config) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var logger zerolog.Logger
	if cfg.LogPretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	log.Logger = logger
	return logger
}

func main() {
	cfg := config.Load()
	logger := setupLogger(cfg)

	shutdownTelemetry, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		logger.Fatal().Err(err).Msg("telemetry: init failed")
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	envFallback := map[string]string{
		"OLLAMA_BASE_URL": os.Getenv("OLLAMA_BASE_URL"),
		"MLX_BASE_URL":    os.Getenv("MLX_BASE_URL"),
	}
	registry, loadErrs := backend.Load(cfg.Backends.ConfigPath, envFallback)
	for _, e := range loadErrs {
		logger.Warn().Err(e).Msg("backend registry: load warning")
	}

	m := metrics.NewCollector("gateway")

	healthChecker := health.New(registry, 30*time.Second, 5*time.Second, m)
	checkerCtx, cancelHealth := context.WithCancel(context.Background())
	healthChecker.Start(checkerCtx)
	defer cancelHealth()

	admissionCtl := admission.New(registry)

	aliasTable := alias.Load(cfg.Router.AliasesJSON, cfg.Router.AliasesPath, alias.Defaults{
		DefaultBackend:    cfg.Router.DefaultBackend,
		OllamaModelStrong: cfg.Router.OllamaModelStrong,
		OllamaModelFast:   cfg.Router.OllamaModelFast,
		MLXModelStrong:    cfg.Router.MLXModelStrong,
		MLXModelFast:      cfg.Router.MLXModelFast,
		LongContextChars:  cfg.Router.LongContextChars,
	})

	tokens, err := tokenstore.Load(cfg.TokenPoliciesJSON, cfg.TokenPoliciesPath, cfg.TokenPoliciesStrict)
	if err != nil {
		logger.Fatal().Err(err).Msg("tokenstore: load failed")
	}

	toolsCfg := toolbus.Config{
		AllowShell:         cfg.Tools.AllowShell,
		AllowFS:            cfg.Tools.AllowFS,
		AllowFSWrite:       cfg.Tools.AllowFSWrite,
		AllowHTTPFetch:     cfg.Tools.AllowHTTPFetch,
		AllowGit:           cfg.Tools.AllowGit,
		AllowSystemInfo:    cfg.Tools.AllowSystemInfo,
		AllowModelsRefresh: cfg.Tools.AllowModelsRefresh,
		Allowlist:          cfg.Tools.Allowlist,

		ShellCWD:         cfg.Tools.ShellCWD,
		ShellTimeoutSec:  cfg.Tools.ShellTimeoutSec,
		ShellAllowedCmds: cfg.Tools.ShellAllowedCmds,

		FSRoots:    splitCSV(cfg.Tools.FSRoots),
		FSMaxBytes: cfg.Tools.FSMaxBytes,

		HTTPAllowedHosts: splitCSV(cfg.Tools.HTTPAllowedHosts),
		HTTPTimeoutSec:   cfg.Tools.HTTPTimeoutSec,
		HTTPMaxBytes:     cfg.Tools.HTTPMaxBytes,

		LogPath: cfg.Tools.LogPath,
		LogDir:  cfg.Tools.LogDir,
		LogMode: cfg.Tools.LogMode,

		MaxConcurrent:         cfg.Tools.MaxConcurrent,
		ConcurrencyTimeoutSec: cfg.Tools.ConcurrencyTimeoutSec,

		SubprocessStdoutMax: cfg.Tools.SubprocessStdoutMax,
		SubprocessStderrMax: cfg.Tools.SubprocessStderrMax,

		RegistryPath:   cfg.Tools.RegistryPath,
		RegistrySHA256: cfg.Tools.RegistrySHA256,

		RateLimitRPS:   cfg.Tools.RateLimitRPS,
		RateLimitBurst: cfg.Tools.RateLimitBurst,

		Metrics: m,
	}
	bus := toolbus.New(toolsCfg)

	routerCfg := gateway.Config{
		DefaultBackend:    cfg.Router.DefaultBackend,
		OllamaModelStrong: cfg.Router.OllamaModelStrong,
		OllamaModelFast:   cfg.Router.OllamaModelFast,
		MLXModelStrong:    cfg.Router.MLXModelStrong,
		MLXModelFast:      cfg.Router.MLXModelFast,
		LongContextChars:  cfg.Router.LongContextChars,
		EnablePolicy:      cfg.Router.EnablePolicy,
		EnableRequestType: cfg.Router.EnableRequestType,
		RequestTypeExpr:   cfg.Router.RequestTypeExpr,
	}

	agentAdmission := agent.NewAdmission(agent.AdmissionConfig{
		BackendConcurrency: cfg.Agent.BackendConcurrency,
		QueueMax:           cfg.Agent.QueueMax,
		QueueTimeoutSec:    cfg.Agent.QueueTimeoutSec,
		ShedHeavy:          cfg.Agent.ShedHeavy,
	})
	specs := agent.LoadSpecs(cfg.Agent.SpecsPath)
	agentRuntime := agent.NewRuntime(specs, agentAdmission, bus, registry, aliasTable, routerCfg, m,
		cfg.Agent.RunsLogPath, cfg.Agent.RunsLogDir, cfg.Agent.RunsLogMode)

	gc := &gateway.Context{
		Backends:  registry,
		Admission: admissionCtl,
		Health:    healthChecker,
		Aliases:   aliasTable,
		ToolBus:   bus,
		Agent:     agentRuntime,
		Tokens:    tokens,
		Metrics:   m,
		Log:       logger,

		RouterCfg: routerCfg,

		MaxRequestBytes: cfg.MaxRequestBytes,
		IPAllowlist:     splitCSV(cfg.IPAllowlist),

		RequestLogEnabled: cfg.RequestLog.Enabled,
		RequestLogPath:    cfg.RequestLog.Path,
	}

	handler := gateway.NewRouter(gc)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming responses must not be cut off by a fixed write deadline
		IdleTimeout:  120 * time.Second,
	}

	var obs *obsserver.Server
	if cfg.Observability.Enabled {
		upstreams := make([]obsserver.UpstreamTarget, 0, len(registry.All()))
		for _, b := range registry.All() {
			upstreams = append(upstreams, obsserver.UpstreamTarget{
				Name:           b.BackendClass,
				BaseURL:        b.BaseURL,
				ReadinessProbe: b.HealthReadiness,
			})
		}
		obs = obsserver.New(fmt.Sprintf("%s:%d", cfg.Observability.Host, cfg.Observability.Port), healthChecker, upstreams, logger)
		obs.Start()
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info().Msg("gatewayd: shutting down")
		if obs != nil {
			obs.Stop(5 * time.Second)
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", httpServer.Addr).Msg("gatewayd: listening")
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal().Err(err).Msg("gatewayd: server failed")
	}
}
