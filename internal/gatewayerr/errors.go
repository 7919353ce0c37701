// Package gatewayerr defines the stable error taxonomy surfaced to gateway
// clients and the single helper that renders it to HTTP.
package gatewayerr

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// Kind is one of the stable error-kind strings from the error taxonomy.
type Kind string

const (
	KindInvalidRequest         Kind = "invalid_request"
	KindInvalidArguments       Kind = "invalid_arguments"
	KindCapabilityNotSupported Kind = "capability_not_supported"
	KindUnknownTool            Kind = "unknown_tool"
	KindUndeclaredTool         Kind = "undeclared_tool"
	KindUnauthorized           Kind = "unauthorized"
	KindForbidden              Kind = "forbidden"
	KindReplayNotFound         Kind = "replay_not_found"
	KindBackendNotReady        Kind = "backend_not_ready"
	KindBackendOverloaded      Kind = "backend_overloaded"
	KindRateLimited            Kind = "rate_limited"
	KindRequestTooLarge        Kind = "request_too_large"
	KindTimeout                Kind = "timeout"
	KindUpstreamError          Kind = "upstream_error"
)

var statusByKind = map[Kind]int{
	KindInvalidRequest:         http.StatusBadRequest,
	KindInvalidArguments:       http.StatusBadRequest,
	KindCapabilityNotSupported: http.StatusBadRequest,
	KindUnknownTool:            http.StatusNotFound,
	KindUndeclaredTool:         http.StatusNotFound,
	KindUnauthorized:           http.StatusUnauthorized,
	KindForbidden:              http.StatusForbidden,
	KindReplayNotFound:         http.StatusNotFound,
	KindBackendNotReady:        http.StatusServiceUnavailable,
	KindBackendOverloaded:      http.StatusTooManyRequests,
	KindRateLimited:            http.StatusTooManyRequests,
	KindRequestTooLarge:        http.StatusRequestEntityTooLarge,
	KindTimeout:                http.StatusRequestTimeout,
	KindUpstreamError:          http.StatusBadGateway,
}

// Error is the discriminated-union result type the design notes call for:
// every HTTP-boundary failure in this module is one of these, never a raw
// error string.
type Error struct {
	Kind    Kind           `json:"error"`
	Message string         `json:"error_message,omitempty"`
	Fields  map[string]any `json:"-"`

	// RetryAfterSec, when non-zero, is sent as a Retry-After header.
	RetryAfterSec int `json:"-"`
}

func (e *Error) Error() string {
	if e.Message != "" {
		return string(e.Kind) + ": " + e.Message
	}
	return string(e.Kind)
}

// Status returns the HTTP status code for this error's kind.
func (e *Error) Status() int {
	if s, ok := statusByKind[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// New builds an Error of the given kind with a human-readable message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// WithField attaches a structured detail field and returns the same error
// for chaining.
func (e *Error) WithField(key string, value any) *Error {
	if e.Fields == nil {
		e.Fields = map[string]any{}
	}
	e.Fields[key] = value
	return e
}

// WithRetryAfter sets the Retry-After header value in seconds.
func (e *Error) WithRetryAfter(sec int) *Error {
	e.RetryAfterSec = sec
	return e
}

// WriteJSON renders err as the JSON error envelope and sets the matching
// status code and optional Retry-After header. It is the single place HTTP
// responses for error conditions are constructed.
func WriteJSON(w http.ResponseWriter, err *Error) {
	if err.RetryAfterSec > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(err.RetryAfterSec))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.Status())

	body := map[string]any{
		"error":         string(err.Kind),
		"error_type":    string(err.Kind),
		"error_message": err.Message,
	}
	for k, v := range err.Fields {
		body[k] = v
	}
	_ = json.NewEncoder(w).Encode(body)
}

