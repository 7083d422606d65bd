package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/seawall/seawall/internal/auth"
	"github.com/seawall/seawall/internal/config"
	"github.com/seawall/seawall/internal/ipfilter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"path":"` + r.URL.Path + `"}`))
	}))
	t.Cleanup(backend.Close)

	cfg := config.Defaults()
	cfg.Upstream.URL = backend.URL
	cfg.Auth.JWTSecret = "test-secret"
	cfg.Network.Internal.Port = 0
	cfg.Network.External.Host = "127.0.0.1"
	cfg.Network.External.Port = 0
	cfg.Server.DrainTimeout = "2s"
	return cfg
}

// start runs srv until the test ends and returns the base URLs.
func start(t *testing.T, srv *Server) (internal, external string) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	select {
	case <-srv.Ready():
	case err := <-done:
		cancel()
		t.Fatalf("server exited before ready: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("server did not become ready")
	}

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not shut down")
		}
	})

	if a := srv.Addr("internal"); a != "" {
		internal = "http://" + a
	}
	if a := srv.Addr("external"); a != "" {
		external = "http://" + a
	}
	return internal, external
}

func TestNew(t *testing.T) {
	t.Run("rejects non-loopback internal host", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Network.Internal.Host = "0.0.0.0"

		_, err := New(cfg, testLogger(), "test")
		require.ErrorIs(t, err, ErrNotLoopback)
	})

	t.Run("internal host ignored in external mode", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Network.Mode = config.NetworkModeExternal
		cfg.Network.Internal.Host = "0.0.0.0"

		srv, err := New(cfg, testLogger(), "test")
		require.NoError(t, err)
		require.Len(t, srv.listeners, 1)
		assert.Equal(t, "external", srv.listeners[0].name)
		srv.closeComponents()
	})

	t.Run("invalid upstream", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Upstream.URL = "://bad"

		_, err := New(cfg, testLogger(), "test")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "create proxy")
	})

	t.Run("invalid seed address", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.IPFilter.Blacklist = []string{"not-an-ip"}

		_, err := New(cfg, testLogger(), "test")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "ip_filter.blacklist")
	})

	t.Run("warns about the default secret", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Auth.JWTSecret = config.DefaultJWTSecret

		var buf bytes.Buffer
		srv, err := New(cfg, slog.New(slog.NewTextHandler(&buf, nil)), "test")
		require.NoError(t, err)
		srv.closeComponents()
		assert.Contains(t, buf.String(), "jwt_secret")
	})
}

func TestRunDualMode(t *testing.T) {
	cfg := testConfig(t)
	srv, err := New(cfg, testLogger(), "v9")
	require.NoError(t, err)
	internal, external := start(t, srv)
	require.NotEmpty(t, internal)
	require.NotEmpty(t, external)

	t.Run("health on both", func(t *testing.T) {
		for _, base := range []string{internal, external} {
			resp, err := http.Get(base + "/api/health")
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, http.StatusOK, resp.StatusCode)
			assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))
		}
	})

	t.Run("external proxies search", func(t *testing.T) {
		resp, err := http.Get(external + "/api/search?q=go")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		body, _ := io.ReadAll(resp.Body)
		assert.JSONEq(t, `{"path":"/api/search"}`, string(body))
	})

	t.Run("admin routes are internal only", func(t *testing.T) {
		resp, err := http.Post(external+"/api/magic-link/generate", "application/json", strings.NewReader(`{}`))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("magic link round trip", func(t *testing.T) {
		resp, err := http.Post(internal+"/api/magic-link/generate", "application/json", strings.NewReader(`{"purpose":"demo"}`))
		require.NoError(t, err)
		var link auth.Link
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&link))
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		resp, err = http.Get(external + link.URL)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, int64(1), srv.counters.Snapshot().MagicLinkUsed)
	})

	t.Run("ip filter administered internally applies externally", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodPost, internal+"/api/ipfilter/blacklist",
			strings.NewReader(`{"ip":"198.51.100.23","reason":"test"}`))
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusCreated, resp.StatusCode)

		req, _ = http.NewRequest(http.MethodGet, external+"/api/search", nil)
		req.Header.Set("X-Forwarded-For", "198.51.100.23")
		resp, err = http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})
}

func TestRunExternalOnly(t *testing.T) {
	cfg := testConfig(t)
	cfg.Network.Mode = config.NetworkModeExternal
	srv, err := New(cfg, testLogger(), "test")
	require.NoError(t, err)

	internal, external := start(t, srv)
	assert.Empty(t, internal)
	assert.NotEmpty(t, external)
}

func TestRunFailsOnBusyPort(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	cfg := testConfig(t)
	cfg.Network.External.Port = busy.Addr().(*net.TCPAddr).Port
	srv, err := New(cfg, testLogger(), "test")
	require.NoError(t, err)

	err = srv.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "external listener")
	assert.Equal(t, "", srv.Addr("external"))
}

func TestReload(t *testing.T) {
	cfg := testConfig(t)
	srv, err := New(cfg, testLogger(), "test")
	require.NoError(t, err)
	defer srv.closeComponents()

	next := testConfig(t)
	next.Upstream.URL = cfg.Upstream.URL
	next.Network.External.Features = config.Features{EnableJWTAuth: true}
	next.IPFilter.Mode = config.IPFilterModeWhitelist
	next.Auth.APIKeys = []string{"rotated"}

	require.NoError(t, srv.Reload(next))
	assert.Equal(t, config.Features{EnableJWTAuth: true}, srv.external.Features())
	assert.Equal(t, ipfilter.ModeWhitelist, srv.filter.Mode())

	req := httptest.NewRequest(http.MethodGet, "/api/search", nil)
	req.Header.Set("Authorization", "ApiKey rotated")
	p, err := srv.authn.Authenticate(req)
	require.NoError(t, err)
	assert.Equal(t, auth.MethodAPIKey, p.Method)

	bad := testConfig(t)
	bad.IPFilter.Mode = "greylist"
	require.Error(t, srv.Reload(bad))
	assert.Equal(t, ipfilter.ModeWhitelist, srv.filter.Mode())
}

func TestReloadKeepsAdminIPFilterMode(t *testing.T) {
	cfg := testConfig(t)
	srv, err := New(cfg, testLogger(), "test")
	require.NoError(t, err)
	defer srv.closeComponents()

	require.NoError(t, srv.filter.SetMode(ipfilter.ModeWhitelist))

	unrelated := testConfig(t)
	unrelated.Upstream.URL = cfg.Upstream.URL
	unrelated.Auth.APIKeys = []string{"rotated"}
	require.NoError(t, srv.Reload(unrelated))
	assert.Equal(t, ipfilter.ModeWhitelist, srv.filter.Mode())

	changed := testConfig(t)
	changed.Upstream.URL = cfg.Upstream.URL
	changed.IPFilter.Mode = config.IPFilterModeWhitelist
	require.NoError(t, srv.Reload(changed))

	back := testConfig(t)
	back.Upstream.URL = cfg.Upstream.URL
	require.NoError(t, srv.Reload(back))
	assert.Equal(t, ipfilter.ModeBlacklist, srv.filter.Mode())
}

func TestReloadDisablesStagesOnLiveListener(t *testing.T) {
	cfg := testConfig(t)
	cfg.Network.External.Features.EnableJWTAuth = true
	srv, err := New(cfg, testLogger(), "test")
	require.NoError(t, err)
	_, external := start(t, srv)

	resp, err := http.Get(external + "/api/search")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	next := testConfig(t)
	next.Upstream.URL = cfg.Upstream.URL
	next.Network.External.Features.EnableJWTAuth = false
	require.NoError(t, srv.Reload(next))

	resp, err = http.Get(external + "/api/search")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRedisMagicLinkStore(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := testConfig(t)
	cfg.MagicLink.Store = config.MagicLinkStoreRedis
	cfg.Redis.Endpoints = []string{mr.Addr()}

	srv, err := New(cfg, testLogger(), "test")
	require.NoError(t, err)
	defer srv.closeComponents()
	require.NotNil(t, srv.redis)

	link, err := srv.magicLinks.Generate(context.Background(), "redis")
	require.NoError(t, err)
	assert.True(t, mr.Exists("seawall:magic:{links}:t:"+link.Token))

	_, err = srv.magicLinks.Consume(context.Background(), link.Token)
	require.NoError(t, err)
	_, err = srv.magicLinks.Consume(context.Background(), link.Token)
	assert.ErrorIs(t, err, auth.ErrTokenConsumed)
}

func TestRedisUnavailable(t *testing.T) {
	cfg := testConfig(t)
	cfg.MagicLink.Store = config.MagicLinkStoreRedis
	cfg.Redis.Endpoints = []string{"127.0.0.1:" + strconv.Itoa(closedPort(t))}
	cfg.Redis.DialTimeout = "200ms"

	_, err := New(cfg, testLogger(), "test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "magic link store")
}

// closedPort returns a port nothing listens on.
func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}
