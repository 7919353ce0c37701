// Package health implements the HealthChecker: a background loop that
// probes every backend's liveness/readiness endpoints and gates traffic to
// unready ones.
package health

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/localforge/gateway/internal/backend"
	"github.com/localforge/gateway/internal/gatewayerr"
	"github.com/localforge/gateway/internal/metrics"
)

// Status is the cached health/readiness state for one backend class.
type Status struct {
	BackendClass string
	Healthy      bool
	Ready        bool
	LastCheck    time.Time
	Error        string
}

// Checker owns the status map and the background probe loop.
type Checker struct {
	registry      *backend.Registry
	checkInterval time.Duration
	timeout       time.Duration
	client        *http.Client
	metrics       *metrics.Collector

	mu     sync.RWMutex
	status map[string]Status

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Checker. Nothing is probed until Start is called.
func New(reg *backend.Registry, checkInterval, timeout time.Duration, m *metrics.Collector) *Checker {
	if checkInterval <= 0 {
		checkInterval = 30 * time.Second
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Checker{
		registry:      reg,
		checkInterval: checkInterval,
		timeout:       timeout,
		client:        &http.Client{Timeout: timeout},
		metrics:       m,
		status:        map[string]Status{},
	}
}

// Start launches the background probe loop. Calling Start twice is a no-op.
func (c *Checker) Start(ctx context.Context) {
	if c.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.checkInterval)
		defer ticker.Stop()
		c.checkAll(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.checkAll(ctx)
			}
		}
	}()
}

// Stop cancels the background loop and waits for it to exit.
func (c *Checker) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
}

// checkAll probes every backend concurrently; a panicking or erroring probe
// never blocks the others or the loop itself.
func (c *Checker) checkAll(ctx context.Context) {
	g, gctx := errgroup.WithContext(context.Background())
	_ = ctx
	for _, cfg := range c.registry.All() {
		cfg := cfg
		g.Go(func() error {
			defer func() { _ = recover() }()
			c.checkBackend(gctx, cfg)
			return nil
		})
	}
	_ = g.Wait()
}

func (c *Checker) checkBackend(ctx context.Context, cfg *backend.Config) {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	if baseURL == "" || !(strings.HasPrefix(baseURL, "http://") || strings.HasPrefix(baseURL, "https://")) {
		c.setStatus(Status{
			BackendClass: cfg.BackendClass,
			Healthy:      false,
			Ready:        false,
			LastCheck:    time.Now(),
			Error:        "base_url not configured",
		})
		return
	}

	healthy := false
	ready := false
	var probeErr string

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+cfg.HealthLiveness, nil)
	if err == nil {
		resp, err := c.client.Do(req)
		if err != nil {
			probeErr = fmt.Sprintf("liveness check failed: %v", err)
		} else {
			resp.Body.Close()
			healthy = resp.StatusCode == http.StatusOK
		}
	}

	if healthy {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+cfg.HealthReadiness, nil)
		if err == nil {
			resp, err := c.client.Do(req)
			if err != nil {
				probeErr = fmt.Sprintf("readiness check failed: %v", err)
			} else {
				resp.Body.Close()
				ready = resp.StatusCode == http.StatusOK
			}
		}
	}

	c.setStatus(Status{
		BackendClass: cfg.BackendClass,
		Healthy:      healthy,
		Ready:        ready,
		LastCheck:    time.Now(),
		Error:        probeErr,
	})
}

func (c *Checker) setStatus(s Status) {
	c.mu.Lock()
	c.status[s.BackendClass] = s
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.SetBackendReady(s.BackendClass, s.Ready)
	}
}

// GetStatus returns the cached status for a backend, if any probe has run.
func (c *Checker) GetStatus(backendClass string) (Status, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.status[backendClass]
	return s, ok
}

// AllStatus returns a copy of the full status map.
func (c *Checker) AllStatus() map[string]Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Status, len(c.status))
	for k, v := range c.status {
		out[k] = v
	}
	return out
}

// IsReady returns true if no probe has run yet for backendClass (optimistic
// start) or the latest probe reported ready.
func (c *Checker) IsReady(backendClass string) bool {
	s, ok := c.GetStatus(backendClass)
	if !ok {
		return true
	}
	return s.Ready
}

// availability builds the {capability, available_backends, available_count}
// diagnostic block embedded in capability_not_supported/backend_not_ready
// error bodies.
func (c *Checker) availability(cap backend.Capability) map[string]any {
	type entry struct {
		BackendClass string `json:"backend_class"`
		BaseURL      string `json:"base_url"`
		Description  string `json:"description"`
		Healthy      bool   `json:"healthy,omitempty"`
		Ready        bool   `json:"ready,omitempty"`
		HealthError  string `json:"health_error,omitempty"`
	}
	var avail []entry
	for _, cfg := range c.registry.ByCapability(cap) {
		e := entry{BackendClass: cfg.BackendClass, BaseURL: cfg.BaseURL, Description: cfg.Description}
		if s, ok := c.GetStatus(cfg.BackendClass); ok {
			e.Healthy = s.Healthy
			e.Ready = s.Ready
			e.HealthError = s.Error
		}
		avail = append(avail, e)
	}
	return map[string]any{
		"capability":         string(cap),
		"available_backends": avail,
		"available_count":    len(avail),
	}
}

// CheckReady is the pre-flight gate request handlers call before routing:
// it returns a backend_not_ready (503, Retry-After: 30) error if the target
// backend isn't ready, including the capability-availability diagnostics.
func (c *Checker) CheckReady(backendClass string, cap backend.Capability) *gatewayerr.Error {
	cfg, ok := c.registry.Get(backendClass)
	if !ok {
		e := gatewayerr.New(gatewayerr.KindInvalidRequest, fmt.Sprintf("backend %s is not configured", backendClass)).
			WithField("backend_class", backendClass)
		for k, v := range c.availability(cap) {
			e.WithField(k, v)
		}
		return e
	}

	if c.IsReady(backendClass) {
		return nil
	}

	s, _ := c.GetStatus(backendClass)
	e := gatewayerr.New(gatewayerr.KindBackendNotReady,
		fmt.Sprintf("backend %s is not ready to accept requests", backendClass)).
		WithField("backend_class", backendClass).
		WithField("backend", map[string]any{
			"backend_class": cfg.BackendClass,
			"base_url":      cfg.BaseURL,
			"description":   cfg.Description,
			"healthy":       s.Healthy,
			"ready":         s.Ready,
		}).
		WithRetryAfter(30)
	if s.Error != "" {
		e.WithField("health_error", s.Error)
	}
	for k, v := range c.availability(cap) {
		e.WithField(k, v)
	}
	return e
}
