package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/seawall/seawall/internal/middleware"
	"github.com/seawall/seawall/internal/proxy"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gorilla/mux/otelmux"
)

// RouteOption configures optional route behavior.
type RouteOption func(*mux.Router)

// WithOTelMiddleware adds OpenTelemetry HTTP instrumentation middleware.
// Health and metrics scrapes are not traced.
func WithOTelMiddleware(serviceName string) RouteOption {
	return func(r *mux.Router) {
		r.Use(otelmux.Middleware(serviceName,
			otelmux.WithFilter(func(r *http.Request) bool {
				return r.URL.Path != "/health" &&
					r.URL.Path != "/api/health" &&
					r.URL.Path != "/api/metrics"
			}),
		))
	}
}

func newRouter(opts []RouteOption) *mux.Router {
	router := mux.NewRouter()
	for _, opt := range opts {
		opt(router)
	}
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		middleware.WriteError(w, http.StatusNotFound, middleware.CodeNotFound, "no such endpoint", 0)
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		middleware.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", 0)
	})
	return router
}

// publicRoutes are served on both surfaces.
func publicRoutes(router *mux.Router, h *Handlers) {
	router.HandleFunc("/health", h.Health).Methods(http.MethodGet)

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/search", h.Upstream).Methods(http.MethodGet, http.MethodPost)
	api.HandleFunc("/engines", h.Upstream).Methods(http.MethodGet)
	api.HandleFunc("/stats", h.Stats).Methods(http.MethodGet)
	api.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	api.HandleFunc("/version", h.Version).Methods(http.MethodGet)
	api.HandleFunc("/metrics", h.Metrics).Methods(http.MethodGet)
	api.HandleFunc("/metrics/realtime", h.RealtimeMetrics).Methods(http.MethodGet)
}

// NewExternalRouter returns the route table for the external listener. It
// carries no administrative endpoints; the admission chain wraps it.
func NewExternalRouter(h *Handlers, opts ...RouteOption) *mux.Router {
	router := newRouter(opts)
	publicRoutes(router, h)
	return router
}

// NewInternalRouter returns the route table for the loopback listener:
// the public paths plus administration.
func NewInternalRouter(h *Handlers, opts ...RouteOption) *mux.Router {
	router := newRouter(opts)
	publicRoutes(router, h)

	admin := router.PathPrefix("/api").Subrouter()
	admin.HandleFunc("/magic-link/generate", h.GenerateMagicLink).Methods(http.MethodPost)
	admin.HandleFunc("/auth/token", h.IssueToken).Methods(http.MethodPost)
	admin.HandleFunc("/cache/clear", h.ClearCache).Methods(http.MethodPost)
	admin.HandleFunc("/cache/cleanup", h.Cleanup).Methods(http.MethodPost)
	admin.HandleFunc("/circuit-breakers", h.CircuitBreakers).Methods(http.MethodGet)

	admin.HandleFunc("/ipfilter", h.ListIPFilter).Methods(http.MethodGet)
	admin.HandleFunc("/ipfilter/mode", h.SetIPFilterMode).Methods(http.MethodPut)
	admin.HandleFunc("/ipfilter/{list}", h.AddIPFilterEntry).Methods(http.MethodPost)
	admin.HandleFunc("/ipfilter/{list}/{ip}", h.RemoveIPFilterEntry).Methods(http.MethodDelete)

	return router
}

// UpstreamErrorHandler renders proxy failures in the common error shape.
func UpstreamErrorHandler() proxy.ErrorHandler {
	return func(w http.ResponseWriter, _ *http.Request, status int, _ error) {
		switch status {
		case http.StatusRequestEntityTooLarge:
			middleware.WriteError(w, status, middleware.CodeTooLarge, "request body too large", 0)
		default:
			middleware.WriteError(w, status, middleware.CodeBadGateway, "upstream unavailable", 0)
		}
	}
}
