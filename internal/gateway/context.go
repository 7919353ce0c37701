// Package gateway implements the Request gateway: the HTTP entry point that
// authenticates, size-guards, and instruments every call before routing it
// to the chat/embeddings/media/tools/agent handlers, the way
// internal/api/router.go composes its middleware chain and route tree.
package gateway

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/localforge/gateway/internal/admission"
	"github.com/localforge/gateway/internal/agent"
	"github.com/localforge/gateway/internal/alias"
	"github.com/localforge/gateway/internal/backend"
	"github.com/localforge/gateway/internal/health"
	"github.com/localforge/gateway/internal/metrics"
	"github.com/localforge/gateway/internal/router"
	"github.com/localforge/gateway/internal/tokenstore"
	"github.com/localforge/gateway/internal/toolbus"
)

// Context is the constructor-injected aggregate every handler closes over
// — the spec's "GatewayContext" — assembled once in cmd/gatewayd/main.go
// and never mutated afterward.
type Context struct {
	Backends  *backend.Registry
	Admission *admission.Controller
	Health    *health.Checker
	Aliases   *alias.Table
	ToolBus   *toolbus.Bus
	Agent     *agent.Runtime
	Tokens    *tokenstore.Store
	Metrics   *metrics.Collector
	Log       zerolog.Logger

	RouterCfg Config

	MaxRequestBytes int64
	IPAllowlist     []string // CIDR or bare IP; empty means "all"

	RequestLogEnabled bool
	RequestLogPath    string
}

// Config is an alias of router.Config, the subset of
// internal/config.RouterConfig Decide needs, so this package depends on
// internal/router rather than importing internal/config for it.
type Config = router.Config

// NewRouter builds the full chi handler tree: global middleware (chi's
// RequestID/RealIP/Recoverer/Compress, then CORS), this package's own auth
// and instrumentation chain, and the route tree for chat, embeddings,
// media, tools, and agent endpoints.
func NewRouter(gc *Context) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id", "X-Backend", "X-Request-Type"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Backend-Used", "X-Model-Used", "X-Router-Reason"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Use(gc.instrumentation)
	r.Use(gc.sizeGuard)
	r.Use(gc.bearerAuth)
	r.Use(gc.ipAllowlist)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/chat/completions", gc.handleChatCompletions)
		r.Post("/completions", gc.handleCompletions)

		r.Post("/embeddings", gc.handleEmbeddings)
		r.Post("/rerank", gc.handleRerank)

		r.Post("/images/generations", gc.handleImageGenerations)
		r.Post("/music/generations", gc.handleMusicGenerations)
		r.Post("/tts/generations", gc.handleTTSGenerations)
		r.Post("/audio/speech", gc.handleTTSGenerations)

		r.Get("/tools", gc.handleListTools)
		r.Post("/tools", gc.handleExecuteTool)
		r.Post("/tools/{name}", gc.handleExecuteNamedTool)
		r.Get("/tools/replay/{replay_id}", gc.handleToolReplay)

		r.Post("/agent/run", gc.handleAgentRun)
		r.Get("/agent/replay/{run_id}", gc.handleAgentReplay)
	})

	return r
}

// effectiveMaxBytes resolves the per-token override (if any) over the
// global default, matching §4.9's size-guard precedence.
func (gc *Context) effectiveMaxBytes(bearerToken string) int64 {
	if gc.Tokens != nil {
		if p, ok := gc.Tokens.Lookup(bearerToken); ok && p.MaxRequestBytes > 0 {
			return p.MaxRequestBytes
		}
	}
	return gc.MaxRequestBytes
}

// effectiveIPAllowlist resolves the per-token override (if any) over the
// global default; an empty result means "all".
func (gc *Context) effectiveIPAllowlist(bearerToken string) []string {
	if gc.Tokens != nil {
		if p, ok := gc.Tokens.Lookup(bearerToken); ok && len(p.IPAllowlist) > 0 {
			return p.IPAllowlist
		}
	}
	return gc.IPAllowlist
}

// effectiveToolsAllowlist resolves the per-token tool allowlist override,
// consulted by the tools handlers in addition to the ToolBus's own global
// allowlist.
func (gc *Context) effectiveToolsAllowlist(bearerToken string) ([]string, bool) {
	if gc.Tokens == nil {
		return nil, false
	}
	p, ok := gc.Tokens.Lookup(bearerToken)
	if !ok || len(p.ToolsAllowlist) == 0 {
		return nil, false
	}
	return p.ToolsAllowlist, true
}

func toolAllowedForToken(name string, allowlist []string, has bool) bool {
	if !has {
		return true
	}
	for _, n := range allowlist {
		if strings.EqualFold(n, name) {
			return true
		}
	}
	return false
}

func requestIDFrom(r *http.Request) string {
	return chimw.GetReqID(r.Context())
}

func nowMs() float64 {
	return float64(time.Now().UnixNano()) / 1e6
}
