// Package proxy forwards admitted requests to the search upstream.
// HTTP/1.1 requests use a pooled HTTP/1.1 transport; requests that arrived
// over HTTP/2 (including h2c) are forwarded over HTTP/2 so the protocol is
// preserved end to end.
package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/seawall/seawall/internal/config"
	"golang.org/x/net/http2"
)

// ErrorHandler writes the response for a failed upstream round trip.
type ErrorHandler func(w http.ResponseWriter, r *http.Request, status int, err error)

// Option configures optional proxy behavior.
type Option func(*Proxy)

// WithErrorHandler replaces the default plain-text error response.
func WithErrorHandler(h ErrorHandler) Option {
	return func(p *Proxy) { p.onError = h }
}

// Proxy is a reverse proxy to a single upstream.
type Proxy struct {
	upstream       *url.URL
	rp             *httputil.ReverseProxy
	maxRequestBody int64
	logger         *slog.Logger
	onError        ErrorHandler
}

// New creates a proxy for cfg.URL. The URL is expected to be normalized
// by config validation.
func New(cfg config.UpstreamConfig, logger *slog.Logger, opts ...Option) (*Proxy, error) {
	target, err := url.Parse(cfg.URL)
	if err != nil || target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("invalid upstream URL %q", cfg.URL)
	}

	timeout, err := config.ParseDuration(cfg.Timeout, 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("upstream.timeout: %w", err)
	}
	idleConnTimeout, err := config.ParseDuration(cfg.IdleConnTimeout, 90*time.Second)
	if err != nil {
		return nil, fmt.Errorf("upstream.idle_conn_timeout: %w", err)
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 100
	}

	p := &Proxy{
		upstream:       target,
		maxRequestBody: cfg.MaxRequestBodySize,
		logger:         logger,
		onError:        defaultErrorHandler,
	}
	for _, o := range opts {
		o(p)
	}

	h1, h2 := buildTransports(cfg.Transport, target.Scheme == "https", cfg.TLSInsecureVerify, timeout, maxIdle, idleConnTimeout)
	p.rp = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.Out.Host = pr.In.Host
			pr.SetXForwarded()
			// SetXForwarded replaces the chain; keep the hops we were given.
			if prior := pr.In.Header.Get("X-Forwarded-For"); prior != "" {
				pr.Out.Header.Set("X-Forwarded-For", prior+", "+pr.Out.Header.Get("X-Forwarded-For"))
			}
			if host := pr.In.Header.Get("X-Forwarded-Host"); host != "" {
				pr.Out.Header.Set("X-Forwarded-Host", host)
			}
		},
		Transport:     &protocolAwareTransport{http1: h1, http2: h2},
		FlushInterval: -1,
		ErrorHandler:  p.handleError,
	}
	return p, nil
}

func buildTransports(cfg config.TransportConfig, useTLS, insecure bool, responseTimeout time.Duration, maxIdleConns int, idleConnTimeout time.Duration) (*http.Transport, *http2.Transport) {
	dialTimeout, _ := config.ParseDuration(cfg.DialTimeout, 10*time.Second)
	dialKeepAlive, _ := config.ParseDuration(cfg.DialKeepAlive, 30*time.Second)
	tlsHandshakeTimeout, _ := config.ParseDuration(cfg.TLSHandshakeTimeout, 10*time.Second)
	expectContinueTimeout, _ := config.ParseDuration(cfg.ExpectContinueTimeout, time.Second)

	tlsCfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: insecure, //nolint:gosec // operator opt-in
	}

	h1 := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: dialKeepAlive,
		}).DialContext,
		TLSClientConfig:       tlsCfg,
		MaxIdleConns:          maxIdleConns,
		MaxIdleConnsPerHost:   maxIdleConns,
		IdleConnTimeout:       idleConnTimeout,
		TLSHandshakeTimeout:   tlsHandshakeTimeout,
		ExpectContinueTimeout: expectContinueTimeout,
		ResponseHeaderTimeout: responseTimeout,
	}

	h2 := &http2.Transport{
		AllowHTTP:       true,
		TLSClientConfig: tlsCfg,
		DialTLSContext: func(ctx context.Context, network, addr string, tc *tls.Config) (net.Conn, error) {
			d := &net.Dialer{Timeout: dialTimeout}
			if useTLS {
				return (&tls.Dialer{NetDialer: d, Config: tc}).DialContext(ctx, network, addr)
			}
			return d.DialContext(ctx, network, addr)
		},
		ReadIdleTimeout: 30 * time.Second,
		PingTimeout:     15 * time.Second,
	}
	return h1, h2
}

// ServeHTTP forwards r upstream.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if p.maxRequestBody > 0 && r.Body != nil {
		if r.ContentLength > p.maxRequestBody {
			p.onError(w, r, http.StatusRequestEntityTooLarge, &http.MaxBytesError{Limit: p.maxRequestBody})
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, p.maxRequestBody)
	}
	p.rp.ServeHTTP(w, r)
}

func (p *Proxy) handleError(w http.ResponseWriter, r *http.Request, err error) {
	if isClientDisconnect(r.Context(), err) {
		p.logger.Debug("client went away during upstream request", "path", r.URL.Path)
		return
	}
	status := http.StatusBadGateway
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		status = http.StatusRequestEntityTooLarge
	} else {
		p.logger.Error("upstream error", "error", err, "path", r.URL.Path)
	}
	p.onError(w, r, status, err)
}

func defaultErrorHandler(w http.ResponseWriter, _ *http.Request, status int, _ error) {
	http.Error(w, http.StatusText(status), status)
}

// protocolAwareTransport forwards HTTP/2 requests over HTTP/2 and the
// rest over the pooled HTTP/1.1 transport.
type protocolAwareTransport struct {
	http1 http.RoundTripper
	http2 http.RoundTripper
}

func (t *protocolAwareTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.ProtoMajor >= 2 {
		return t.http2.RoundTrip(req)
	}
	return t.http1.RoundTrip(req)
}

func isClientDisconnect(ctx context.Context, err error) bool {
	if errors.Is(ctx.Err(), context.Canceled) {
		return true
	}
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "client disconnected") ||
		strings.Contains(msg, "connection reset by peer") ||
		strings.Contains(msg, "broken pipe")
}
