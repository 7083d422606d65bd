// Package api holds the HTTP route tables for Seawall's two surfaces and
// their handlers. The internal surface adds administrative endpoints; the
// external surface serves only the public paths and is wrapped by the
// admission chain.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/netip"
	"time"

	"github.com/gorilla/mux"
	"github.com/seawall/seawall/internal/auth"
	"github.com/seawall/seawall/internal/breaker"
	"github.com/seawall/seawall/internal/ipfilter"
	"github.com/seawall/seawall/internal/middleware"
	"github.com/seawall/seawall/internal/observability"
	"github.com/seawall/seawall/internal/ratelimit"
)

// maxBodyBytes bounds the JSON bodies accepted by administrative endpoints.
const maxBodyBytes = 64 << 10

// Deps are the components the handlers read and administer.
type Deps struct {
	Counters      *observability.Counters
	Exporter      *observability.Exporter
	Health        *observability.Health
	Authenticator *auth.Authenticator
	MagicLinks    *auth.MagicLinks
	IPFilter      *ipfilter.Filter
	Breakers      *breaker.Registry
	Limiter       *ratelimit.Limiter
	// Upstream serves the business paths (/api/search, /api/engines).
	Upstream http.Handler
	Logger   *slog.Logger
}

// Handlers contains the HTTP handlers for both surfaces.
type Handlers struct {
	d      Deps
	logger *slog.Logger
}

// NewHandlers creates a new handlers instance.
func NewHandlers(d Deps) *Handlers {
	logger := d.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Handlers{d: d, logger: logger.With("component", "api")}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeBody reads a JSON body into dst. An empty body leaves dst untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Upstream forwards business requests to the upstream service.
// GET/POST /api/search, GET /api/engines
func (h *Handlers) Upstream(w http.ResponseWriter, r *http.Request) {
	if h.d.Upstream == nil {
		middleware.WriteError(w, http.StatusServiceUnavailable, middleware.CodeUnavailable, "no upstream configured", 0)
		return
	}
	h.d.Upstream.ServeHTTP(w, r)
}

// Health reports liveness and drain state.
// GET /health, GET /api/health
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	h.d.Health.Handler()(w, r)
}

// VersionResponse is the body of /api/version.
type VersionResponse struct {
	Service string `json:"service"`
	Version string `json:"version"`
}

// Version reports the build version.
// GET /api/version
func (h *Handlers) Version(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, VersionResponse{Service: "seawall", Version: h.d.Health.Version()})
}

// Metrics renders the Prometheus text exposition.
// GET /api/metrics
func (h *Handlers) Metrics(w http.ResponseWriter, r *http.Request) {
	h.d.Exporter.TextHandler()(w, r)
}

// RealtimeMetrics renders the counters as JSON.
// GET /api/metrics/realtime
func (h *Handlers) RealtimeMetrics(w http.ResponseWriter, r *http.Request) {
	h.d.Exporter.JSONHandler()(w, r)
}

// IPFilterSummary is the list sizes reported by /api/stats.
type IPFilterSummary struct {
	Mode      ipfilter.Mode `json:"mode"`
	Blacklist int           `json:"blacklist"`
	Whitelist int           `json:"whitelist"`
}

// StatsResponse is the body of /api/stats.
type StatsResponse struct {
	TrackedClients   int                   `json:"tracked_clients"`
	ActiveMagicLinks int                   `json:"active_magic_links"`
	Breakers         []breaker.GroupStatus `json:"breakers"`
	IPFilter         IPFilterSummary       `json:"ip_filter"`
	UptimeSeconds    float64               `json:"uptime_seconds"`
}

// Stats summarizes the admission state.
// GET /api/stats
func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	active, err := h.d.MagicLinks.Active(r.Context())
	if err != nil {
		h.d.Counters.IncInternalErrors()
		h.logger.Warn("counting active magic links failed", "error", err)
		active = -1
	}
	writeJSON(w, http.StatusOK, StatsResponse{
		TrackedClients:   h.d.Limiter.Len(),
		ActiveMagicLinks: active,
		Breakers:         h.d.Breakers.Snapshot(),
		IPFilter: IPFilterSummary{
			Mode:      h.d.IPFilter.Mode(),
			Blacklist: h.d.IPFilter.Len(ipfilter.Blacklist),
			Whitelist: h.d.IPFilter.Len(ipfilter.Whitelist),
		},
		UptimeSeconds: h.d.Counters.Snapshot().UptimeSeconds,
	})
}

// ---------------------------------------------------------------------------
// Internal-only handlers
// ---------------------------------------------------------------------------

// MagicLinkRequest is the body of /api/magic-link/generate.
type MagicLinkRequest struct {
	Purpose string `json:"purpose"`
}

// GenerateMagicLink issues a one-time token.
// POST /api/magic-link/generate
func (h *Handlers) GenerateMagicLink(w http.ResponseWriter, r *http.Request) {
	var req MagicLinkRequest
	if err := decodeBody(w, r, &req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, middleware.CodeBadRequest, "invalid request body", 0)
		return
	}
	link, err := h.d.MagicLinks.Generate(r.Context(), req.Purpose)
	if err != nil {
		h.d.Counters.IncInternalErrors()
		h.logger.Error("magic link generation failed", "error", err)
		middleware.WriteError(w, http.StatusServiceUnavailable, middleware.CodeUnavailable, "magic link store unavailable", 0)
		return
	}
	writeJSON(w, http.StatusOK, link)
}

// TokenRequest is the body of /api/auth/token.
type TokenRequest struct {
	Subject string `json:"subject"`
}

// TokenResponse carries an issued JWT.
type TokenResponse struct {
	Token     string    `json:"token"`
	TokenType string    `json:"token_type"`
	ExpiresIn int       `json:"expires_in"`
	ExpiresAt time.Time `json:"expires_at"`
}

// IssueToken signs a JWT for the given subject.
// POST /api/auth/token
func (h *Handlers) IssueToken(w http.ResponseWriter, r *http.Request) {
	var req TokenRequest
	if err := decodeBody(w, r, &req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, middleware.CodeBadRequest, "invalid request body", 0)
		return
	}
	token, exp, err := h.d.Authenticator.Issue(req.Subject)
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, middleware.CodeBadRequest, err.Error(), 0)
		return
	}
	writeJSON(w, http.StatusOK, TokenResponse{
		Token:     token,
		TokenType: "Bearer",
		ExpiresIn: int(h.d.Authenticator.Expiration().Seconds()),
		ExpiresAt: exp,
	})
}

// ClearCache drops every verified token from the auth cache.
// POST /api/cache/clear
func (h *Handlers) ClearCache(w http.ResponseWriter, _ *http.Request) {
	h.d.Authenticator.ClearCache()
	h.logger.Info("token cache cleared")
	writeJSON(w, http.StatusOK, map[string]bool{"cleared": true})
}

// CleanupResponse reports what a forced sweep removed.
type CleanupResponse struct {
	EvictedClients    int `json:"evicted_clients"`
	ExpiredMagicLinks int `json:"expired_magic_links"`
}

// Cleanup runs the idle-bucket and expired-token sweeps now.
// POST /api/cache/cleanup
func (h *Handlers) Cleanup(w http.ResponseWriter, r *http.Request) {
	resp := CleanupResponse{EvictedClients: h.d.Limiter.Sweep()}
	n, err := h.d.MagicLinks.Cleanup(r.Context())
	if err != nil {
		h.d.Counters.IncInternalErrors()
		h.logger.Error("magic link cleanup failed", "error", err)
		middleware.WriteError(w, http.StatusServiceUnavailable, middleware.CodeUnavailable, "magic link store unavailable", 0)
		return
	}
	resp.ExpiredMagicLinks = n
	writeJSON(w, http.StatusOK, resp)
}

// CircuitBreakers lists every breaker group.
// GET /api/circuit-breakers
func (h *Handlers) CircuitBreakers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.d.Breakers.Snapshot())
}

// ListIPFilter returns the mode and both lists.
// GET /api/ipfilter
func (h *Handlers) ListIPFilter(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.d.IPFilter.Entries())
}

// IPEntryRequest is the body of POST /api/ipfilter/{list}.
type IPEntryRequest struct {
	IP     string `json:"ip"`
	Reason string `json:"reason"`
}

// IPEntryResponse reports the result of a list mutation.
type IPEntryResponse struct {
	List    ipfilter.List `json:"list"`
	IP      string        `json:"ip"`
	Changed bool          `json:"changed"`
}

// AddIPFilterEntry adds an address to a list.
// POST /api/ipfilter/{list}
func (h *Handlers) AddIPFilterEntry(w http.ResponseWriter, r *http.Request) {
	list, err := ipfilter.ParseList(mux.Vars(r)["list"])
	if err != nil {
		middleware.WriteError(w, http.StatusNotFound, middleware.CodeNotFound, err.Error(), 0)
		return
	}
	var req IPEntryRequest
	if err := decodeBody(w, r, &req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, middleware.CodeBadRequest, "invalid request body", 0)
		return
	}
	addr, err := netip.ParseAddr(req.IP)
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, middleware.CodeBadRequest, "invalid ip address", 0)
		return
	}

	added, err := h.d.IPFilter.Add(list, addr, req.Reason)
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, middleware.CodeBadRequest, err.Error(), 0)
		return
	}
	status := http.StatusOK
	if added {
		status = http.StatusCreated
	}
	writeJSON(w, status, IPEntryResponse{List: list, IP: addr.Unmap().String(), Changed: added})
}

// RemoveIPFilterEntry removes an address from a list.
// DELETE /api/ipfilter/{list}/{ip}
func (h *Handlers) RemoveIPFilterEntry(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	list, err := ipfilter.ParseList(vars["list"])
	if err != nil {
		middleware.WriteError(w, http.StatusNotFound, middleware.CodeNotFound, err.Error(), 0)
		return
	}
	addr, err := netip.ParseAddr(vars["ip"])
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, middleware.CodeBadRequest, "invalid ip address", 0)
		return
	}

	removed, err := h.d.IPFilter.Remove(list, addr)
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, middleware.CodeBadRequest, err.Error(), 0)
		return
	}
	if !removed {
		middleware.WriteError(w, http.StatusNotFound, middleware.CodeNotFound, "address not listed", 0)
		return
	}
	writeJSON(w, http.StatusOK, IPEntryResponse{List: list, IP: addr.Unmap().String(), Changed: true})
}

// ModeRequest is the body of PUT /api/ipfilter/mode.
type ModeRequest struct {
	Mode string `json:"mode"`
}

// SetIPFilterMode switches between blacklist and whitelist mode.
// PUT /api/ipfilter/mode
func (h *Handlers) SetIPFilterMode(w http.ResponseWriter, r *http.Request) {
	var req ModeRequest
	if err := decodeBody(w, r, &req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, middleware.CodeBadRequest, "invalid request body", 0)
		return
	}
	mode, err := ipfilter.ParseMode(req.Mode)
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, middleware.CodeBadRequest, err.Error(), 0)
		return
	}
	if err := h.d.IPFilter.SetMode(mode); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, middleware.CodeBadRequest, err.Error(), 0)
		return
	}
	writeJSON(w, http.StatusOK, map[string]ipfilter.Mode{"mode": mode})
}
