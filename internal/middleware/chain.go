// Package middleware implements the admission pipeline that sits in front of
// the application handlers on the external listener:
// magic link → auth → IP filter → circuit breaker → rate limit → CORS.
// Every stage can be switched off at runtime; a disabled stage passes the
// request through untouched.
package middleware

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/seawall/seawall/internal/auth"
	"github.com/seawall/seawall/internal/events"
	"github.com/seawall/seawall/internal/observability"
	"github.com/seawall/seawall/internal/ratelimit"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// RequestIDHeader is the canonical HTTP header for request correlation.
const RequestIDHeader = "X-Request-Id"

// maxRequestIDLen is the maximum allowed length for a client-supplied X-Request-Id.
const maxRequestIDLen = 128

// Error codes carried in the "error" field of rejection bodies.
const (
	CodeRateLimited  = "rate_limited"
	CodeCircuitOpen  = "circuit_open"
	CodeIPBlocked    = "ip_blocked"
	CodeAuthRequired = "auth_required"
	CodeAuthFailed   = "auth_failed"
	CodeInternal     = "internal_error"
	CodeNotFound     = "not_found"
	CodeBadRequest   = "bad_request"
	CodeForbidden    = "forbidden"
	CodeUnavailable  = "service_unavailable"
	CodeBadGateway   = "bad_gateway"
	CodeTooLarge     = "request_too_large"
)

// generateRequestID creates a 16-byte hex-encoded random ID (128 bits).
func generateRequestID() string {
	var buf [16]byte
	_, _ = rand.Read(buf[:])
	return hex.EncodeToString(buf[:])
}

// validRequestID checks that a client-supplied request ID is safe to propagate.
// Allowed characters: alphanumeric, hyphens, underscores, dots, colons.
func validRequestID(s string) bool {
	if len(s) == 0 || len(s) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.' || c == ':':
		default:
			return false
		}
	}
	return true
}

// ErrorBody is the structured error body returned on every rejection.
type ErrorBody struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
}

// WriteError writes a structured JSON error response. A positive retryAfter
// also sets the Retry-After header, in whole seconds.
func WriteError(w http.ResponseWriter, status int, code, message string, retryAfter int) {
	resp := ErrorBody{
		Error:      code,
		Message:    message,
		RetryAfter: retryAfter,
		RequestID:  w.Header().Get(RequestIDHeader),
	}
	body, _ := json.Marshal(resp)
	if retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// Deps are the collaborators shared by the chain boundary and every stage.
type Deps struct {
	Counters *observability.Counters
	// Events may be nil when event delivery is disabled.
	Events *events.Emitter
	Logger *slog.Logger
}

func (d Deps) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return d.Logger
}

// reject writes the error body, marks the current span and queues an
// admission event. The stage's counter is bumped by the caller.
func (d Deps) reject(w http.ResponseWriter, r *http.Request, stage string, status int, code, message string, retryAfter int) {
	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("seawall.rejected_by", stage))
	span.SetStatus(codes.Error, code)

	d.Events.Emit(events.AdmissionEvent{
		Stage:      stage,
		Reason:     code,
		ClientIP:   ratelimit.ClientIP(r),
		Method:     r.Method,
		Path:       r.URL.Path,
		StatusCode: status,
		RequestID:  w.Header().Get(RequestIDHeader),
		Timestamp:  time.Now().UTC(),
	})
	WriteError(w, status, code, message, retryAfter)
}

// Chain is the boundary every request crosses exactly once. It assigns the
// request ID, keeps the connection gauge and response counters, and turns
// panics into 500 responses. Stages run inside it in the order given.
type Chain struct {
	deps    Deps
	stages  []Stage
	handler http.Handler
}

// NewChain composes stages around final. stages[0] sees the request first.
func NewChain(stages []Stage, final http.Handler, deps Deps) *Chain {
	h := final
	for i := len(stages) - 1; i >= 0; i-- {
		h = stages[i].Wrap(h)
	}
	return &Chain{deps: deps, stages: stages, handler: h}
}

// Stages returns the stage names in execution order.
func (c *Chain) Stages() []string {
	names := make([]string, len(c.stages))
	for i, s := range c.stages {
		names[i] = s.Name()
	}
	return names
}

// ServeHTTP runs the request through every stage and the final handler.
func (c *Chain) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	counters := c.deps.Counters
	counters.ConnOpened()

	sw := statusWriterPool.Get().(*statusWriter)
	sw.ResponseWriter = w
	sw.code = http.StatusOK
	sw.written = false

	// Client-supplied IDs are only propagated when they are safe to log.
	reqID := r.Header.Get(RequestIDHeader)
	if !validRequestID(reqID) {
		reqID = generateRequestID()
		r.Header.Set(RequestIDHeader, reqID)
	}
	sw.Header().Set(RequestIDHeader, reqID)

	defer func() {
		abort := false
		if rec := recover(); rec != nil {
			abort = c.recovered(sw, r, rec)
		}
		counters.ObserveResponse(time.Since(start), sw.code >= 200 && sw.code < 300)
		counters.ConnClosed()
		sw.ResponseWriter = nil
		statusWriterPool.Put(sw)
		if abort {
			// net/http must drop the connection so the client sees a
			// truncated body instead of a clean end of response.
			panic(http.ErrAbortHandler)
		}
	}()

	c.handler.ServeHTTP(sw, r)
}

// recovered accounts for a panic and reports whether the connection must be
// aborted because part of the response is already on the wire.
func (c *Chain) recovered(sw *statusWriter, r *http.Request, rec any) bool {
	c.deps.Counters.IncInternalErrors()

	err, ok := rec.(error)
	if !ok {
		err = fmt.Errorf("%v", rec)
	}
	if errors.Is(err, http.ErrAbortHandler) {
		sw.code = http.StatusInternalServerError
		return true
	}

	c.deps.logger().Error("panic in request handler",
		"error", err,
		"method", r.Method,
		"path", r.URL.Path,
		"request_id", r.Header.Get(RequestIDHeader),
		"stack", string(debug.Stack()))

	if sw.written {
		sw.code = http.StatusInternalServerError
		return true
	}
	WriteError(sw, http.StatusInternalServerError, CodeInternal, "internal server error", 0)
	return false
}

// ---------------------------------------------------------------------------
// Principal propagation
// ---------------------------------------------------------------------------

type principalKey struct{}

// withPrincipal stores p in the request context.
func withPrincipal(r *http.Request, p auth.Principal) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), principalKey{}, p))
}

// PrincipalFrom returns the identity established by the auth stages, or
// auth.Anonymous when none ran.
func PrincipalFrom(ctx context.Context) auth.Principal {
	if p, ok := ctx.Value(principalKey{}).(auth.Principal); ok {
		return p
	}
	return auth.Anonymous
}

// ---------------------------------------------------------------------------
// Status capture
// ---------------------------------------------------------------------------

// statusWriter captures the HTTP status code written by downstream handlers.
type statusWriter struct {
	http.ResponseWriter
	code    int
	written bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.written {
		sw.code = code
		sw.written = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if !sw.written {
		sw.code = http.StatusOK
		sw.written = true
	}
	return sw.ResponseWriter.Write(b)
}

// Unwrap supports http.ResponseController.
func (sw *statusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}

// Flush implements http.Flusher for handlers that assert it directly.
func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// statusWriterPool amortizes statusWriter allocations on the hot path.
var statusWriterPool = sync.Pool{
	New: func() any { return &statusWriter{} },
}
