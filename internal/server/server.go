// Package server binds Seawall's listeners for the configured network mode
// and runs them with the background sweepers. The internal listener is
// loopback-only and serves the administrative routes without admission
// checks; the external listener runs every request through the admission
// chain.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/seawall/seawall/internal/api"
	"github.com/seawall/seawall/internal/auth"
	"github.com/seawall/seawall/internal/breaker"
	"github.com/seawall/seawall/internal/config"
	"github.com/seawall/seawall/internal/events"
	"github.com/seawall/seawall/internal/ipfilter"
	"github.com/seawall/seawall/internal/middleware"
	"github.com/seawall/seawall/internal/observability"
	"github.com/seawall/seawall/internal/proxy"
	"github.com/seawall/seawall/internal/ratelimit"
	iredis "github.com/seawall/seawall/internal/redis"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"
)

// ErrNotLoopback is returned when the internal listener would be reachable
// from outside the host.
var ErrNotLoopback = errors.New("internal listener must bind to a loopback address")

// Option customizes a Server.
type Option func(*Server)

// WithConfigPath enables hot reload from the given file while Run is active.
func WithConfigPath(path string) Option {
	return func(s *Server) { s.configPath = path }
}

// listener pairs an http.Server with the address it should bind.
type listener struct {
	name string
	addr string
	srv  *http.Server
	// loopback requires the bound address to be a loopback IP.
	loopback bool

	bound net.Addr
}

// Server is the Seawall process: both listeners and every shared component.
type Server struct {
	mu  sync.Mutex
	cfg *config.Config

	logger     *slog.Logger
	version    string
	configPath string

	counters *observability.Counters
	health   *observability.Health

	limiter    *ratelimit.Limiter
	breakers   *breaker.Registry
	filter     *ipfilter.Filter
	authn      *auth.Authenticator
	magicLinks *auth.MagicLinks
	events     *events.Emitter
	redis      iredis.Client // nil with the memory magic-link store

	external  *middleware.External
	internal  *middleware.Chain
	listeners []*listener

	ready           chan struct{}
	tracingShutdown func(context.Context) error
}

// New creates every component from cfg. Nothing listens until Run.
func New(cfg *config.Config, logger *slog.Logger, version string, opts ...Option) (*Server, error) {
	if cfg.Network.ServeInternal() && !config.IsLoopbackHost(cfg.Network.Internal.Host) {
		return nil, fmt.Errorf("%w: %q", ErrNotLoopback, cfg.Network.Internal.Host)
	}

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		version:  version,
		counters: observability.NewCounters(),
		health:   observability.NewHealth(version),
		ready:    make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}

	if cfg.UsingDefaultJWTSecret() {
		logger.Warn("SECURITY WARNING: auth.jwt_secret is the built-in default. " +
			"Set SEAWALL_AUTH_JWT_SECRET before exposing the external listener.")
	}

	if err := s.buildGuards(cfg); err != nil {
		s.closeComponents()
		return nil, err
	}

	upstream, err := proxy.New(cfg.Upstream, logger.With("component", "proxy"),
		proxy.WithErrorHandler(api.UpstreamErrorHandler()))
	if err != nil {
		s.closeComponents()
		return nil, fmt.Errorf("create proxy: %w", err)
	}
	if cfg.Upstream.TLSInsecureVerify {
		logger.Warn("SECURITY WARNING: upstream TLS certificate verification is DISABLED (tls_insecure_skip_verify=true)")
	}

	handlers := api.NewHandlers(api.Deps{
		Counters:      s.counters,
		Exporter:      observability.NewExporter(s.counters),
		Health:        s.health,
		Authenticator: s.authn,
		MagicLinks:    s.magicLinks,
		IPFilter:      s.filter,
		Breakers:      s.breakers,
		Limiter:       s.limiter,
		Upstream:      upstream,
		Logger:        logger,
	})
	var routeOpts []api.RouteOption
	if cfg.Tracing.Enabled {
		routeOpts = append(routeOpts, api.WithOTelMiddleware(cfg.Tracing.ServiceName))
	}

	deps := middleware.Deps{Counters: s.counters, Events: s.events, Logger: logger.With("component", "middleware")}
	s.internal = middleware.NewInternal(api.NewInternalRouter(handlers, routeOpts...), deps)
	s.external = middleware.NewExternal(middleware.Guards{
		MagicLinks:    s.magicLinks,
		Authenticator: s.authn,
		IPFilter:      s.filter,
		Breakers:      s.breakers,
		Limiter:       s.limiter,
		CORSOrigins:   cfg.Network.External.CORSOrigins,
	}, cfg.Network.External.Features, api.NewExternalRouter(handlers, routeOpts...), deps)

	if cfg.Network.ServeInternal() {
		s.listeners = append(s.listeners, &listener{
			name:     "internal",
			addr:     cfg.Network.Internal.Addr(),
			srv:      buildHTTPServer(cfg, s.internal),
			loopback: true,
		})
	}
	if cfg.Network.ServeExternal() {
		s.listeners = append(s.listeners, &listener{
			name: "external",
			addr: cfg.Network.External.Listener().Addr(),
			srv:  buildHTTPServer(cfg, s.external),
		})
	}
	return s, nil
}

// buildGuards creates the admission components shared by both surfaces.
func (s *Server) buildGuards(cfg *config.Config) error {
	logger := s.logger

	s.limiter = ratelimit.New(ratelimit.Config{
		GlobalRate:    cfg.RateLimit.GlobalRate,
		GlobalBurst:   cfg.RateLimit.GlobalBurst,
		ClientRate:    cfg.RateLimit.EffectiveClientRate(),
		ClientBurst:   cfg.RateLimit.EffectiveClientBurst(),
		IdleTimeout:   config.MustParseDuration(cfg.RateLimit.IdleTimeout, 10*time.Minute),
		SweepInterval: config.MustParseDuration(cfg.RateLimit.SweepInterval, time.Minute),
	}, ratelimit.WithLogger(logger.With("component", "ratelimit")))

	s.breakers = breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		SuccessThreshold: cfg.CircuitBreaker.SuccessThreshold,
		Timeout:          config.MustParseDuration(cfg.CircuitBreaker.Timeout, 60*time.Second),
	},
		breaker.WithOnTrip(func(string) { s.counters.IncCircuitBreakerTrips() }),
		breaker.WithLogger(logger.With("component", "breaker")))

	mode, err := ipfilter.ParseMode(string(cfg.IPFilter.Mode))
	if err != nil {
		return err
	}
	s.filter = ipfilter.New(mode, ipfilter.WithLogger(logger.With("component", "ipfilter")))
	if err := s.filter.Seed(ipfilter.Blacklist, cfg.IPFilter.Blacklist, "config"); err != nil {
		return fmt.Errorf("ip_filter.blacklist: %w", err)
	}
	if err := s.filter.Seed(ipfilter.Whitelist, cfg.IPFilter.Whitelist, "config"); err != nil {
		return fmt.Errorf("ip_filter.whitelist: %w", err)
	}

	authLogger := logger.With("component", "auth")
	s.authn, err = auth.New(auth.Config{
		Secret:     cfg.Auth.JWTSecret.Value(),
		Expiration: config.MustParseDuration(cfg.Auth.JWTExpiration, time.Hour),
		APIKeys:    cfg.Auth.APIKeys,
		CacheSize:  cfg.Auth.TokenCacheSize,
	}, auth.WithLogger(authLogger))
	if err != nil {
		return fmt.Errorf("create authenticator: %w", err)
	}

	store, err := s.magicLinkStore(cfg)
	if err != nil {
		return err
	}
	s.magicLinks = auth.NewMagicLinks(store, auth.MagicLinkConfig{
		Secret:   cfg.MagicLinkSecret(),
		TTL:      config.MustParseDuration(cfg.MagicLink.Expiration, 5*time.Minute),
		BasePath: cfg.MagicLink.BasePath,
	}, auth.WithLogger(authLogger))

	s.events = events.NewEmitter(cfg.Events, logger, s.counters)
	return nil
}

func (s *Server) magicLinkStore(cfg *config.Config) (auth.Store, error) {
	if cfg.MagicLink.Store != config.MagicLinkStoreRedis {
		return auth.NewMemoryStore(), nil
	}

	iredis.InitLogger(s.logger)
	iredis.WarnInsecureRedis(cfg.Redis.TLS, s.logger)
	client, err := iredis.NewClient(cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("connect magic link store: %w", err)
	}
	s.redis = client
	return auth.NewRedisStore(client, cfg.MagicLink.KeyPrefix), nil
}

func buildHTTPServer(cfg *config.Config, h http.Handler) *http.Server {
	readTimeout, _ := config.ParseDuration(cfg.Server.ReadTimeout, 30*time.Second)
	writeTimeout, _ := config.ParseDuration(cfg.Server.WriteTimeout, 30*time.Second)
	idleTimeout, _ := config.ParseDuration(cfg.Server.IdleTimeout, 120*time.Second)

	return &http.Server{
		Handler:           h2c.NewHandler(h, &http2.Server{}),
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
}

// Ready is closed once every listener is bound.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr returns the bound address of the named listener ("internal" or
// "external"), or "" before Ready or when that listener is not served.
func (s *Server) Addr(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.listeners {
		if l.name == name && l.bound != nil {
			return l.bound.String()
		}
	}
	return ""
}

// bind opens every listener before any of them serves, so a bad address
// fails startup without half the process running.
func (s *Server) bind() ([]net.Listener, error) {
	var lns []net.Listener
	closeAll := func() {
		for _, ln := range lns {
			_ = ln.Close()
		}
	}
	for _, l := range s.listeners {
		ln, err := net.Listen("tcp", l.addr)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("%s listener: %w", l.name, err)
		}
		lns = append(lns, ln)
		if l.loopback {
			tcp, ok := ln.Addr().(*net.TCPAddr)
			if !ok || !tcp.IP.IsLoopback() {
				closeAll()
				return nil, fmt.Errorf("%w: bound %s", ErrNotLoopback, ln.Addr())
			}
		}
		s.mu.Lock()
		l.bound = ln.Addr()
		s.mu.Unlock()
	}
	return lns, nil
}

// Run binds the listeners and serves until ctx is canceled or a listener
// fails, then drains.
func (s *Server) Run(ctx context.Context) error {
	tracingShutdown, err := observability.InitTracing(ctx, s.cfg.Tracing, s.version)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
		tracingShutdown = func(context.Context) error { return nil }
	}
	s.tracingShutdown = tracingShutdown

	lns, err := s.bind()
	if err != nil {
		s.closeComponents()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, l := range s.listeners {
		ln := lns[i]
		s.logger.Info("listener starting", "surface", l.name, "address", ln.Addr().String())
		g.Go(func() error {
			if err := l.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("%s listener: %w", l.name, err)
			}
			return nil
		})
	}

	g.Go(func() error {
		s.limiter.Run(gctx)
		return nil
	})
	g.Go(func() error {
		s.magicLinks.Run(gctx, config.MustParseDuration(s.cfg.MagicLink.CleanupInterval, time.Minute))
		return nil
	})
	if s.configPath != "" {
		w := config.NewWatcher(s.configPath, func(newCfg *config.Config) {
			if err := s.Reload(newCfg); err != nil {
				s.logger.Error("config reload rejected", "error", err)
			}
		}, s.logger.With("component", "config"))
		g.Go(func() error {
			if err := w.Run(gctx); err != nil {
				s.logger.Error("config watcher unavailable, hot reload disabled", "error", err)
			}
			return nil
		})
	}

	s.health.SetReady()
	close(s.ready)
	s.logger.Info("seawall is ready", "version", s.version, "mode", s.cfg.Network.Mode)

	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("shutdown signal received, draining...")
		s.shutdown()
		return nil
	})
	return g.Wait()
}

// Reload applies the hot-reloadable parts of newCfg: the five stage
// switches, the IP filter mode and the API key set. Everything else is
// reported and left for the next restart.
func (s *Server) Reload(newCfg *config.Config) error {
	mode, err := ipfilter.ParseMode(string(newCfg.IPFilter.Mode))
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if fields := newCfg.RequiresRestart(s.cfg); len(fields) > 0 {
		s.logger.Warn("config changes require a restart to take effect", "fields", fields)
	}

	s.external.Apply(newCfg.Network.External.Features)
	// An unchanged file mode must not undo a mode set through the admin API.
	if old, _ := ipfilter.ParseMode(string(s.cfg.IPFilter.Mode)); old != mode {
		if err := s.filter.SetMode(mode); err != nil {
			return err
		}
	}
	s.authn.SetAPIKeys(newCfg.Auth.APIKeys)

	s.cfg = newCfg
	f := newCfg.Network.External.Features
	s.logger.Info("configuration applied",
		"enable_rate_limit", f.EnableRateLimit,
		"enable_circuit_breaker", f.EnableCircuitBreaker,
		"enable_ip_filter", f.EnableIPFilter,
		"enable_jwt_auth", f.EnableJWTAuth,
		"enable_magic_link", f.EnableMagicLink,
		"ip_filter_mode", s.filter.Mode())
	return nil
}

func (s *Server) shutdown() {
	s.health.SetNotReady()

	drainTimeout, _ := config.ParseDuration(s.cfg.Server.DrainTimeout, 30*time.Second)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	for _, l := range s.listeners {
		if err := l.srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("listener shutdown error", "surface", l.name, "error", err)
		}
	}

	s.closeComponents()

	if s.tracingShutdown != nil {
		if err := s.tracingShutdown(shutdownCtx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}
	s.logger.Info("shutdown complete")
}

// closeComponents releases what New acquired. Safe on a partially built
// server.
func (s *Server) closeComponents() {
	if s.events != nil {
		_ = s.events.Close()
		s.events = nil
	}
	if s.authn != nil {
		s.authn.Close()
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
		s.redis = nil
	}
}
