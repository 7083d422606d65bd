package proxy

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/seawall/seawall/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestProxy(t *testing.T, url string, opts ...Option) *Proxy {
	t.Helper()
	p, err := New(config.UpstreamConfig{URL: url, Timeout: "2s"}, testLogger(), opts...)
	require.NoError(t, err)
	return p
}

func TestNew(t *testing.T) {
	t.Run("parses upstream", func(t *testing.T) {
		p := newTestProxy(t, "http://search:8888")
		assert.Equal(t, "search:8888", p.upstream.Host)
	})

	t.Run("rejects empty URL", func(t *testing.T) {
		_, err := New(config.UpstreamConfig{}, testLogger())
		assert.Error(t, err)
	})

	t.Run("rejects bad timeout", func(t *testing.T) {
		_, err := New(config.UpstreamConfig{URL: "http://search:8888", Timeout: "later"}, testLogger())
		assert.Error(t, err)
	})
}

func TestProxyHTTP(t *testing.T) {
	t.Run("forwards request and response", func(t *testing.T) {
		upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/api/search", r.URL.Path)
			assert.Equal(t, "q=go", r.URL.RawQuery)
			w.Header().Set("X-Upstream", "true")
			_, _ = w.Write([]byte(`{"results":[]}`))
		}))
		defer upstream.Close()

		rr := httptest.NewRecorder()
		newTestProxy(t, upstream.URL).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/search?q=go", nil))

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "true", rr.Header().Get("X-Upstream"))
		assert.JSONEq(t, `{"results":[]}`, rr.Body.String())
	})

	t.Run("passes upstream status through", func(t *testing.T) {
		upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer upstream.Close()

		rr := httptest.NewRecorder()
		newTestProxy(t, upstream.URL).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/search", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	})

	t.Run("preserves Host and sets forwarding headers", func(t *testing.T) {
		upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "search.example.com", r.Host)
			assert.Equal(t, "search.example.com", r.Header.Get("X-Forwarded-Host"))
			assert.Equal(t, "http", r.Header.Get("X-Forwarded-Proto"))
			assert.Equal(t, "198.51.100.1, 192.0.2.1", r.Header.Get("X-Forwarded-For"))
			w.WriteHeader(http.StatusNoContent)
		}))
		defer upstream.Close()

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Host = "search.example.com"
		req.RemoteAddr = "192.0.2.1:12345"
		req.Header.Set("X-Forwarded-For", "198.51.100.1")
		rr := httptest.NewRecorder()
		newTestProxy(t, upstream.URL).ServeHTTP(rr, req)
		assert.Equal(t, http.StatusNoContent, rr.Code)
	})

	t.Run("keeps an existing X-Forwarded-Host", func(t *testing.T) {
		upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "original.example.com", r.Header.Get("X-Forwarded-Host"))
		}))
		defer upstream.Close()

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Forwarded-Host", "original.example.com")
		rr := httptest.NewRecorder()
		newTestProxy(t, upstream.URL).ServeHTTP(rr, req)
		assert.Equal(t, http.StatusOK, rr.Code)
	})
}

func TestProxyErrors(t *testing.T) {
	t.Run("502 when upstream is down", func(t *testing.T) {
		rr := httptest.NewRecorder()
		newTestProxy(t, "http://127.0.0.1:1").ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusBadGateway, rr.Code)
	})

	t.Run("custom error handler", func(t *testing.T) {
		var gotStatus int
		var gotErr error
		p := newTestProxy(t, "http://127.0.0.1:1", WithErrorHandler(func(w http.ResponseWriter, _ *http.Request, status int, err error) {
			gotStatus, gotErr = status, err
			w.WriteHeader(status)
		}))

		rr := httptest.NewRecorder()
		p.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusBadGateway, gotStatus)
		assert.Error(t, gotErr)
	})

	t.Run("413 for oversized body", func(t *testing.T) {
		upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.ReadAll(r.Body)
		}))
		defer upstream.Close()

		p, err := New(config.UpstreamConfig{URL: upstream.URL, MaxRequestBodySize: 5}, testLogger())
		require.NoError(t, err)

		rr := httptest.NewRecorder()
		p.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/search", strings.NewReader("more than five bytes")))
		assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
	})
}

func TestIsClientDisconnect(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.False(t, isClientDisconnect(req.Context(), nil))
	assert.True(t, isClientDisconnect(req.Context(), errors.New("write: broken pipe")))
	assert.False(t, isClientDisconnect(req.Context(), errors.New("dial tcp: connection refused")))
}
