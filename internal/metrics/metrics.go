// Package metrics exposes the gateway's Prometheus counters and histograms.
// It is internal and not meant to be imported outside this module.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector owns every metric this process reports under /metrics.
type Collector struct {
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	toolInvocationsTotal *prometheus.CounterVec
	toolRuntimeMs        *prometheus.HistogramVec

	admissionInflight *prometheus.GaugeVec
	admissionRefused  *prometheus.CounterVec

	agentRunsTotal    *prometheus.CounterVec
	agentRunDuration  *prometheus.HistogramVec

	healthStatus *prometheus.GaugeVec
}

// NewCollector registers every metric under the given namespace via
// promauto, so a second call with the same namespace from tests will panic
// on duplicate registration by design — callers should build one Collector
// per process.
func NewCollector(namespace string) *Collector {
	return &Collector{
		httpRequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests served by the gateway.",
		}, []string{"method", "path", "status"}),

		httpRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		toolInvocationsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_invocations_total",
			Help:      "Total tool invocations by outcome.",
		}, []string{"tool", "status"}),

		toolRuntimeMs: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_runtime_ms",
			Help:      "Tool invocation wall-clock runtime in milliseconds.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000, 20000},
		}, []string{"tool"}),

		admissionInflight: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "admission_inflight",
			Help:      "Currently held admission leases.",
		}, []string{"backend_class", "capability"}),

		admissionRefused: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_refused_total",
			Help:      "Admission acquire calls refused at capacity.",
		}, []string{"backend_class", "capability"}),

		agentRunsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_runs_total",
			Help:      "Total agent runs by outcome.",
		}, []string{"agent", "ok"}),

		agentRunDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_run_duration_seconds",
			Help:      "Agent run duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"agent"}),

		healthStatus: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backend_ready",
			Help:      "1 if the backend is currently ready, 0 otherwise.",
		}, []string{"backend_class"}),
	}
}

func (c *Collector) ObserveHTTP(method, path, status string, seconds float64) {
	c.httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(seconds)
}

func (c *Collector) ObserveTool(tool string, ok bool, runtimeMs float64) {
	status := "ok"
	if !ok {
		status = "error"
	}
	c.toolInvocationsTotal.WithLabelValues(tool, status).Inc()
	c.toolRuntimeMs.WithLabelValues(tool).Observe(runtimeMs)
}

func (c *Collector) SetAdmissionInflight(backendClass, capability string, inflight int) {
	c.admissionInflight.WithLabelValues(backendClass, capability).Set(float64(inflight))
}

func (c *Collector) IncAdmissionRefused(backendClass, capability string) {
	c.admissionRefused.WithLabelValues(backendClass, capability).Inc()
}

func (c *Collector) ObserveAgentRun(agent string, ok bool, seconds float64) {
	okStr := "true"
	if !ok {
		okStr = "false"
	}
	c.agentRunsTotal.WithLabelValues(agent, okStr).Inc()
	c.agentRunDuration.WithLabelValues(agent).Observe(seconds)
}

func (c *Collector) SetBackendReady(backendClass string, ready bool) {
	v := 0.0
	if ready {
		v = 1.0
	}
	c.healthStatus.WithLabelValues(backendClass).Set(v)
}
