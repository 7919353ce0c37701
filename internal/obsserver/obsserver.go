// Package obsserver implements the observability server: a second HTTP
// listener, bound to a private host:port separate from the gateway's main
// traffic port, exposing /health, /readyz, /health/upstreams, and
// /metrics — grounded on
// original_source/services/gateway/app/observability_server.py running its
// own uvicorn instance alongside the main app.
package obsserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/localforge/gateway/internal/health"
)

// UpstreamTarget is one backend base URL this server pings directly for
// /health/upstreams, independent of the main health.Checker's cached
// readiness state.
type UpstreamTarget struct {
	Name           string
	BaseURL        string
	ReadinessProbe string // path appended to BaseURL, e.g. "/api/tags"
}

// Server owns the observability listener's lifecycle.
type Server struct {
	httpServer *http.Server
	log        zerolog.Logger
	addr       string
}

// New builds the observability HTTP server. It does not start listening
// until Start is called.
func New(addr string, checker *health.Checker, upstreams []UpstreamTarget, log zerolog.Logger) *Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		handleReadyz(w, checker)
	})

	mux.HandleFunc("/health/upstreams", func(w http.ResponseWriter, r *http.Request) {
		handleUpstreams(w, r, upstreams)
	})

	mux.Handle("/metrics", promhttp.Handler())

	return &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		log:  log,
		addr: addr,
	}
}

// Start runs the listener in a background goroutine, logging and
// returning immediately; a failure other than a clean shutdown is logged
// at error level from that goroutine and is not reported to the caller.
func (s *Server) Start() {
	go func() {
		s.log.Info().Str("addr", s.addr).Msg("observability: started")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("observability: server failed")
		}
	}()
}

// Stop gracefully shuts the listener down, giving in-flight scrapes up to
// the given timeout to complete.
func (s *Server) Stop(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	_ = s.httpServer.Shutdown(ctx)
	s.log.Info().Msg("observability: stopped")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func handleReadyz(w http.ResponseWriter, checker *health.Checker) {
	if checker == nil {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "ready": true, "detail": "no_backends"})
		return
	}
	statuses := checker.AllStatus()
	if len(statuses) == 0 {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "ready": true, "detail": "no_backends"})
		return
	}

	ready := true
	backends := make(map[string]any, len(statuses))
	for name, s := range statuses {
		if !s.Healthy || !s.Ready {
			ready = false
		}
		backends[name] = map[string]any{
			"healthy":    s.Healthy,
			"ready":      s.Ready,
			"last_check": s.LastCheck,
			"error":      s.Error,
		}
	}

	payload := map[string]any{"ok": ready, "ready": ready, "backends": backends}
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

func handleUpstreams(w http.ResponseWriter, r *http.Request, upstreams []UpstreamTarget) {
	client := &http.Client{Timeout: 10 * time.Second}
	results := make(map[string]any, len(upstreams))
	allOK := true

	for _, u := range upstreams {
		url := u.BaseURL + u.ReadinessProbe
		req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, url, nil)
		if err != nil {
			allOK = false
			results[u.Name] = map[string]any{"ok": false, "error": err.Error()}
			continue
		}
		resp, err := client.Do(req)
		if err != nil {
			allOK = false
			results[u.Name] = map[string]any{"ok": false, "error": err.Error()}
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 300 {
			allOK = false
			results[u.Name] = map[string]any{"ok": false, "error": fmt.Sprintf("status %d", resp.StatusCode)}
			continue
		}
		results[u.Name] = map[string]any{"ok": true, "status": resp.StatusCode}
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": allOK, "upstreams": results})
}
