package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/seawall/seawall/internal/auth"
	"github.com/seawall/seawall/internal/breaker"
	"github.com/seawall/seawall/internal/ipfilter"
	"github.com/seawall/seawall/internal/middleware"
	"github.com/seawall/seawall/internal/observability"
	"github.com/seawall/seawall/internal/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	clk      *clock
	deps     Deps
	upstream []string
	internal http.Handler
	external http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{clk: &clock{now: time.Unix(1_800_000_000, 0)}}

	authn, err := auth.New(auth.Config{Secret: "s3cret", Expiration: time.Hour, CacheSize: 100},
		auth.WithClock(f.clk.Now))
	require.NoError(t, err)
	t.Cleanup(authn.Close)

	counters := observability.NewCounters()
	health := observability.NewHealth("1.2.3")
	health.SetReady()

	f.deps = Deps{
		Counters:      counters,
		Exporter:      observability.NewExporter(counters),
		Health:        health,
		Authenticator: authn,
		MagicLinks: auth.NewMagicLinks(auth.NewMemoryStore(),
			auth.MagicLinkConfig{Secret: "link", TTL: 5 * time.Minute},
			auth.WithClock(f.clk.Now)),
		IPFilter: ipfilter.New(ipfilter.ModeBlacklist),
		Breakers: breaker.NewRegistry(breaker.Config{FailureThreshold: 5, SuccessThreshold: 2, Timeout: time.Minute}),
		Limiter: ratelimit.New(ratelimit.Config{
			GlobalRate: 100, GlobalBurst: 200, ClientRate: 10, ClientBurst: 20,
			IdleTimeout: 10 * time.Minute,
		}, ratelimit.WithClock(f.clk.Now)),
		Upstream: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			f.upstream = append(f.upstream, r.Method+" "+r.URL.Path)
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"results":[]}`))
		}),
	}
	h := NewHandlers(f.deps)
	f.internal = NewInternalRouter(h)
	f.external = NewExternalRouter(h)
	return f
}

func do(h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func TestPublicRoutesOnBothSurfaces(t *testing.T) {
	f := newFixture(t)

	for name, h := range map[string]http.Handler{"internal": f.internal, "external": f.external} {
		t.Run(name, func(t *testing.T) {
			rr := do(h, http.MethodGet, "/health", "")
			assert.Equal(t, http.StatusOK, rr.Code)

			rr = do(h, http.MethodGet, "/api/health", "")
			assert.Equal(t, "ok", decode[observability.HealthStatus](t, rr).Status)

			rr = do(h, http.MethodGet, "/api/version", "")
			assert.Equal(t, VersionResponse{Service: "seawall", Version: "1.2.3"}, decode[VersionResponse](t, rr))

			rr = do(h, http.MethodGet, "/api/metrics", "")
			assert.Equal(t, http.StatusOK, rr.Code)
			assert.Contains(t, rr.Body.String(), "seawall_requests_total")

			rr = do(h, http.MethodGet, "/api/metrics/realtime", "")
			assert.Equal(t, http.StatusOK, rr.Code)
			snap := decode[map[string]any](t, rr)
			assert.Contains(t, snap, "active_connections")

			rr = do(h, http.MethodGet, "/api/stats", "")
			assert.Equal(t, http.StatusOK, rr.Code)
		})
	}
}

func TestUpstreamRoutes(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, http.StatusOK, do(f.external, http.MethodGet, "/api/search?q=x", "").Code)
	assert.Equal(t, http.StatusOK, do(f.external, http.MethodPost, "/api/search", `{"q":"x"}`).Code)
	assert.Equal(t, http.StatusOK, do(f.internal, http.MethodGet, "/api/engines", "").Code)
	assert.Equal(t, []string{"GET /api/search", "POST /api/search", "GET /api/engines"}, f.upstream)

	rr := do(f.external, http.MethodDelete, "/api/search", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestUpstreamMissing(t *testing.T) {
	f := newFixture(t)
	f.deps.Upstream = nil
	h := NewExternalRouter(NewHandlers(f.deps))

	rr := do(h, http.MethodGet, "/api/search", "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestExternalHasNoAdminRoutes(t *testing.T) {
	f := newFixture(t)

	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/api/magic-link/generate"},
		{http.MethodPost, "/api/auth/token"},
		{http.MethodPost, "/api/cache/clear"},
		{http.MethodPost, "/api/cache/cleanup"},
		{http.MethodGet, "/api/ipfilter"},
		{http.MethodGet, "/api/circuit-breakers"},
	} {
		t.Run(tc.path, func(t *testing.T) {
			rr := do(f.external, tc.method, tc.path, "")
			assert.Equal(t, http.StatusNotFound, rr.Code)
			assert.Equal(t, middleware.CodeNotFound, decode[middleware.ErrorBody](t, rr).Error)
		})
	}
}

func TestGenerateMagicLink(t *testing.T) {
	f := newFixture(t)

	rr := do(f.internal, http.MethodPost, "/api/magic-link/generate", `{"purpose":"demo"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	link := decode[auth.Link](t, rr)
	assert.Len(t, link.Token, 43)
	assert.Equal(t, 300, link.ExpiresIn)
	assert.Equal(t, "demo", link.Purpose)
	assert.Equal(t, "/api/search?magic_token="+link.Token, link.URL)

	rr = do(f.internal, http.MethodPost, "/api/magic-link/generate", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, auth.DefaultPurpose, decode[auth.Link](t, rr).Purpose)

	rr = do(f.internal, http.MethodPost, "/api/magic-link/generate", `{"bogus":1}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(f.internal, http.MethodGet, "/api/stats", "")
	assert.Equal(t, 2, decode[StatsResponse](t, rr).ActiveMagicLinks)
}

func TestIssueToken(t *testing.T) {
	f := newFixture(t)

	rr := do(f.internal, http.MethodPost, "/api/auth/token", `{"subject":"alice"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	tok := decode[TokenResponse](t, rr)
	assert.Equal(t, "Bearer", tok.TokenType)
	assert.Equal(t, 3600, tok.ExpiresIn)
	assert.Equal(t, f.clk.Now().Add(time.Hour).Unix(), tok.ExpiresAt.Unix())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok.Token)
	p, err := f.deps.Authenticator.Authenticate(req)
	require.NoError(t, err)
	assert.Equal(t, "alice", p.Subject)

	rr = do(f.internal, http.MethodPost, "/api/auth/token", `{"subject":""}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestCacheEndpoints(t *testing.T) {
	f := newFixture(t)

	rr := do(f.internal, http.MethodPost, "/api/cache/clear", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"cleared":true}`, rr.Body.String())

	f.deps.Limiter.Admit("192.0.2.1")
	_, err := f.deps.MagicLinks.Generate(t.Context(), "")
	require.NoError(t, err)

	f.clk.Advance(11 * time.Minute)
	rr = do(f.internal, http.MethodPost, "/api/cache/cleanup", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, CleanupResponse{EvictedClients: 1, ExpiredMagicLinks: 1}, decode[CleanupResponse](t, rr))
	assert.Equal(t, 0, f.deps.Limiter.Len())
}

func TestStats(t *testing.T) {
	f := newFixture(t)
	f.deps.Limiter.Admit("192.0.2.1")
	f.deps.Limiter.Admit("192.0.2.2")
	f.deps.Breakers.Get("search")
	require.NoError(t, f.deps.IPFilter.Seed(ipfilter.Blacklist, []string{"203.0.113.1", "203.0.113.2"}, "seed"))

	rr := do(f.external, http.MethodGet, "/api/stats", "")
	require.Equal(t, http.StatusOK, rr.Code)
	stats := decode[StatsResponse](t, rr)
	assert.Equal(t, 2, stats.TrackedClients)
	assert.Equal(t, 0, stats.ActiveMagicLinks)
	assert.Equal(t, IPFilterSummary{Mode: ipfilter.ModeBlacklist, Blacklist: 2}, stats.IPFilter)
	require.Len(t, stats.Breakers, 1)
	assert.Equal(t, "search", stats.Breakers[0].Group)
}

func TestCircuitBreakers(t *testing.T) {
	f := newFixture(t)
	f.deps.Breakers.Get("search")
	f.deps.Breakers.Get("engines")

	rr := do(f.internal, http.MethodGet, "/api/circuit-breakers", "")
	require.Equal(t, http.StatusOK, rr.Code)
	groups := decode[[]map[string]any](t, rr)
	require.Len(t, groups, 2)
	assert.Equal(t, "engines", groups[0]["group"])
	assert.Equal(t, "closed", groups[1]["state"])
}

func TestIPFilterAdmin(t *testing.T) {
	f := newFixture(t)

	rr := do(f.internal, http.MethodPost, "/api/ipfilter/blacklist", `{"ip":"203.0.113.7","reason":"scraper"}`)
	require.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, IPEntryResponse{List: ipfilter.Blacklist, IP: "203.0.113.7", Changed: true}, decode[IPEntryResponse](t, rr))

	rr = do(f.internal, http.MethodPost, "/api/ipfilter/blacklist", `{"ip":"203.0.113.7"}`)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = do(f.internal, http.MethodGet, "/api/ipfilter", "")
	require.Equal(t, http.StatusOK, rr.Code)
	listing := decode[ipfilter.Listing](t, rr)
	assert.Equal(t, ipfilter.ModeBlacklist, listing.Mode)
	require.Len(t, listing.Blacklist, 1)
	assert.Equal(t, "203.0.113.7", listing.Blacklist[0].IP.String())
	assert.Empty(t, listing.Whitelist)

	rr = do(f.internal, http.MethodDelete, "/api/ipfilter/blacklist/203.0.113.7", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	rr = do(f.internal, http.MethodDelete, "/api/ipfilter/blacklist/203.0.113.7", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	t.Run("errors", func(t *testing.T) {
		assert.Equal(t, http.StatusNotFound, do(f.internal, http.MethodPost, "/api/ipfilter/greylist", `{"ip":"1.2.3.4"}`).Code)
		assert.Equal(t, http.StatusBadRequest, do(f.internal, http.MethodPost, "/api/ipfilter/whitelist", `{"ip":"nope"}`).Code)
		assert.Equal(t, http.StatusBadRequest, do(f.internal, http.MethodDelete, "/api/ipfilter/whitelist/nope", "").Code)
		assert.Equal(t, http.StatusBadRequest, do(f.internal, http.MethodPut, "/api/ipfilter/mode", `{"mode":"open"}`).Code)
	})

	rr = do(f.internal, http.MethodPut, "/api/ipfilter/mode", `{"mode":"whitelist"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, ipfilter.ModeWhitelist, f.deps.IPFilter.Mode())
}

func TestNotFound(t *testing.T) {
	f := newFixture(t)
	rr := do(f.internal, http.MethodGet, "/nope", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
}

func TestUpstreamErrorHandler(t *testing.T) {
	h := UpstreamErrorHandler()

	rr := httptest.NewRecorder()
	h(rr, httptest.NewRequest(http.MethodPost, "/api/search", nil), http.StatusRequestEntityTooLarge, &http.MaxBytesError{Limit: 1})
	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
	assert.Equal(t, middleware.CodeTooLarge, decode[middleware.ErrorBody](t, rr).Error)

	rr = httptest.NewRecorder()
	h(rr, httptest.NewRequest(http.MethodGet, "/api/search", nil), http.StatusBadGateway, errors.New("dial tcp: refused"))
	assert.Equal(t, http.StatusBadGateway, rr.Code)
	assert.Equal(t, middleware.CodeBadGateway, decode[middleware.ErrorBody](t, rr).Error)
}
