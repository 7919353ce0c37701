package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/localforge/gateway/internal/gatewayerr"
)

type ctxKey int

const (
	ctxKeyBearerToken ctxKey = iota
	ctxKeyRequestLog
)

func bearerTokenFromRequest(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return ""
}

func bearerTokenFrom(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeyBearerToken).(string)
	return v
}

// sizeGuard rejects requests whose body exceeds the effective per-token (or
// global) byte limit: it rejects up front on Content-Length and otherwise
// reads the body once (up to limit+1 bytes) rather than trusting a
// client-supplied header.
func (gc *Context) sizeGuard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerTokenFromRequest(r)
		limit := gc.effectiveMaxBytes(token)

		if limit > 0 && r.ContentLength > limit {
			gatewayerr.WriteJSON(w, gatewayerr.New(gatewayerr.KindRequestTooLarge, "request body exceeds the configured size limit"))
			return
		}

		if r.Body != nil && limit > 0 {
			limited := io.LimitReader(r.Body, limit+1)
			data, err := io.ReadAll(limited)
			if err == nil && int64(len(data)) > limit {
				gatewayerr.WriteJSON(w, gatewayerr.New(gatewayerr.KindRequestTooLarge, "request body exceeds the configured size limit"))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(data))
		}

		next.ServeHTTP(w, r)
	})
}

// bearerAuth extracts and validates the Authorization: Bearer <token>
// header against the token store. Missing ⇒ 401; unknown or disabled ⇒
// 403. The raw token is stashed in the request context for downstream
// handlers (tool rate limiting, per-token policy lookups).
func (gc *Context) bearerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerTokenFromRequest(r)
		if token == "" {
			gatewayerr.WriteJSON(w, gatewayerr.New(gatewayerr.KindUnauthorized, "missing bearer token"))
			return
		}
		if gc.Tokens != nil && !gc.Tokens.IsKnown(token) {
			gatewayerr.WriteJSON(w, gatewayerr.New(gatewayerr.KindForbidden, "unknown or disabled token"))
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyBearerToken, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func parseAllowlist(entries []string) ([]*net.IPNet, []net.IP, bool) {
	var nets []*net.IPNet
	var ips []net.IP
	for _, raw := range entries {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if strings.Contains(raw, "/") {
			_, n, err := net.ParseCIDR(raw)
			if err != nil {
				return nil, nil, false
			}
			nets = append(nets, n)
			continue
		}
		ip := net.ParseIP(raw)
		if ip == nil {
			return nil, nil, false
		}
		ips = append(ips, ip)
	}
	return nets, ips, true
}

func ipAllowed(remote string, entries []string) bool {
	if len(entries) == 0 {
		return true
	}
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		host = remote
	}
	callerIP := net.ParseIP(host)
	if callerIP == nil {
		return false
	}
	nets, ips, ok := parseAllowlist(entries)
	if !ok {
		// Unparseable configuration fails closed per §4.9.
		return false
	}
	for _, ip := range ips {
		if ip.Equal(callerIP) {
			return true
		}
	}
	for _, n := range nets {
		if n.Contains(callerIP) {
			return true
		}
	}
	return false
}

// ipAllowlist enforces the global or per-token CIDR/IP allowlist. An empty
// effective list means "all" (no restriction).
func (gc *Context) ipAllowlist(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerTokenFrom(r.Context())
		entries := gc.effectiveIPAllowlist(token)
		if len(entries) > 0 && !ipAllowed(r.RemoteAddr, entries) {
			gatewayerr.WriteJSON(w, gatewayerr.New(gatewayerr.KindForbidden, "caller IP is not in the allowlist"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusWriter wraps http.ResponseWriter to capture status and byte counts
// for the request log and metrics, exactly internal/api/middleware/logger.go's
// responseWriter wrapper.
type statusWriter struct {
	http.ResponseWriter
	status      int
	bytes       int
	firstByteAt time.Time
	flusher     http.Flusher
}

func newStatusWriter(w http.ResponseWriter) *statusWriter {
	f, _ := w.(http.Flusher)
	return &statusWriter{ResponseWriter: w, status: http.StatusOK, flusher: f}
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if sw.firstByteAt.IsZero() {
		sw.firstByteAt = time.Now()
	}
	n, err := sw.ResponseWriter.Write(b)
	sw.bytes += n
	return n, err
}

func (sw *statusWriter) Flush() {
	if sw.flusher != nil {
		sw.flusher.Flush()
	}
}

// requestLogEntry is one NDJSON line appended to the request log, per
// §6's persisted-state layout.
type requestLogEntry struct {
	TS            string  `json:"ts"`
	RequestID     string  `json:"request_id"`
	Method        string  `json:"method"`
	Path          string  `json:"path"`
	Status        int     `json:"status"`
	Stream        bool    `json:"stream,omitempty"`
	DurationMs    float64 `json:"duration_ms"`
	TTFTMs        float64 `json:"ttft_ms,omitempty"`
	BytesOut      int     `json:"bytes_out,omitempty"`
	Backend       string  `json:"backend,omitempty"`
	BackendClass  string  `json:"backend_class,omitempty"`
	UpstreamModel string  `json:"upstream_model,omitempty"`
	RouterReason  string  `json:"router_reason,omitempty"`
}

var requestLogMu sync.Mutex

func (gc *Context) appendRequestLog(entry requestLogEntry) {
	if !gc.RequestLogEnabled || gc.RequestLogPath == "" {
		return
	}
	requestLogMu.Lock()
	defer requestLogMu.Unlock()
	f, err := os.OpenFile(gc.RequestLogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	line, err := json.Marshal(entry)
	if err != nil {
		return
	}
	w := bufio.NewWriter(f)
	w.Write(line)
	w.WriteByte('\n')
	w.Flush()
}

// routeOutcome carries the fields a handler sets on the request context so
// instrumentation can log backend/router attribution after the handler
// returns, without every handler writing its own log line.
type routeOutcome struct {
	Backend       string
	BackendClass  string
	UpstreamModel string
	RouterReason  string
	Stream        bool
}

type outcomeHolder struct {
	mu sync.Mutex
	v  routeOutcome
}

func (h *outcomeHolder) set(o routeOutcome) {
	h.mu.Lock()
	h.v = o
	h.mu.Unlock()
}

func (h *outcomeHolder) get() routeOutcome {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.v
}

func outcomeFrom(ctx context.Context) *outcomeHolder {
	v, _ := ctx.Value(ctxKeyRequestLog).(*outcomeHolder)
	return v
}

// instrumentation assigns each request a holder for post-hoc router/backend
// attribution, times the request, and appends one request-log NDJSON line
// when it completes, recording TTFT for streaming responses.
func (gc *Context) instrumentation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		holder := &outcomeHolder{}
		ctx := context.WithValue(r.Context(), ctxKeyRequestLog, holder)
		sw := newStatusWriter(w)

		next.ServeHTTP(sw, r.WithContext(ctx))

		outcome := holder.get()
		duration := time.Since(start)

		entry := requestLogEntry{
			TS:            start.UTC().Format(time.RFC3339Nano),
			RequestID:     requestIDFrom(r),
			Method:        r.Method,
			Path:          r.URL.Path,
			Status:        sw.status,
			Stream:        outcome.Stream,
			DurationMs:    float64(duration.Microseconds()) / 1000.0,
			BytesOut:      sw.bytes,
			Backend:       outcome.Backend,
			BackendClass:  outcome.BackendClass,
			UpstreamModel: outcome.UpstreamModel,
			RouterReason:  outcome.RouterReason,
		}
		if !sw.firstByteAt.IsZero() {
			entry.TTFTMs = float64(sw.firstByteAt.Sub(start).Microseconds()) / 1000.0
		}
		gc.appendRequestLog(entry)

		if gc.Metrics != nil {
			gc.Metrics.ObserveHTTP(r.Method, r.URL.Path, strconv.Itoa(sw.status), duration.Seconds())
		}
	})
}
