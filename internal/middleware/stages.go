package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/cors"
	"github.com/seawall/seawall/internal/auth"
	"github.com/seawall/seawall/internal/breaker"
	"github.com/seawall/seawall/internal/ipfilter"
	"github.com/seawall/seawall/internal/ratelimit"
)

// Magic-link token sources, checked in this order.
const (
	MagicTokenParam  = "magic_token"
	MagicTokenHeader = "X-Magic-Token"
)

// ---------------------------------------------------------------------------
// Magic link
// ---------------------------------------------------------------------------

// magicRejectedKey marks a request whose magic token was refused.
type magicRejectedKey struct{}

type magicLinkStage struct {
	links *auth.MagicLinks
	deps  Deps
}

// NewMagicLinkStage redeems a one-time token from the magic_token query
// parameter or the X-Magic-Token header. A redeemed token authenticates the
// request; a bad token is counted and logged, and the request falls through
// to the regular credential check.
func NewMagicLinkStage(links *auth.MagicLinks, deps Deps) Stage {
	return &magicLinkStage{links: links, deps: deps}
}

func (s *magicLinkStage) Name() string { return StageMagicLink }

func (s *magicLinkStage) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get(MagicTokenParam)
		if token == "" {
			token = strings.TrimSpace(r.Header.Get(MagicTokenHeader))
		}
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}

		rec, err := s.links.Consume(r.Context(), token)
		switch {
		case err == nil:
			s.deps.Counters.IncMagicLinkUsed()
			r = withPrincipal(r, auth.Principal{
				Subject:   "magic_link:" + rec.Purpose,
				Method:    auth.MethodMagicLink,
				ExpiresAt: rec.ExpiresAt,
			})
		case errors.Is(err, auth.ErrStoreUnavailable):
			s.deps.Counters.IncInternalErrors()
			s.deps.logger().Error("magic link store unavailable", "error", err)
		default:
			s.deps.Counters.IncAuthFailed()
			s.deps.logger().Info("magic link rejected",
				"reason", err.Error(),
				"client_ip", ratelimit.ClientIP(r),
				"request_id", r.Header.Get(RequestIDHeader))
			r = r.WithContext(context.WithValue(r.Context(), magicRejectedKey{}, true))
		}
		next.ServeHTTP(w, r)
	})
}

// ---------------------------------------------------------------------------
// Authentication
// ---------------------------------------------------------------------------

type authStage struct {
	authn *auth.Authenticator
	deps  Deps
}

// NewAuthStage requires a valid bearer JWT or API key unless the magic-link
// stage already established an identity.
func NewAuthStage(authn *auth.Authenticator, deps Deps) Stage {
	return &authStage{authn: authn, deps: deps}
}

func (s *authStage) Name() string { return StageAuth }

func (s *authStage) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if PrincipalFrom(r.Context()).Method == auth.MethodMagicLink {
			next.ServeHTTP(w, r)
			return
		}

		p, err := s.authn.Authenticate(r)
		if err != nil {
			// A rejected magic token was already counted for this request.
			counted, _ := r.Context().Value(magicRejectedKey{}).(bool)
			if !counted {
				s.deps.Counters.IncAuthFailed()
			}
			code, msg := CodeAuthFailed, "invalid credentials"
			if errors.Is(err, auth.ErrMissingCredentials) && !counted {
				code, msg = CodeAuthRequired, "authentication required"
			}
			s.deps.logger().Debug("authentication failed", "error", err, "path", r.URL.Path)
			w.Header().Set("WWW-Authenticate", `Bearer realm="seawall"`)
			s.deps.reject(w, r, StageAuth, http.StatusUnauthorized, code, msg, 0)
			return
		}
		next.ServeHTTP(w, withPrincipal(r, p))
	})
}

// ---------------------------------------------------------------------------
// IP filter
// ---------------------------------------------------------------------------

type ipFilterStage struct {
	filter *ipfilter.Filter
	deps   Deps
}

// NewIPFilterStage denies clients the filter rejects with 403.
func NewIPFilterStage(filter *ipfilter.Filter, deps Deps) Stage {
	return &ipFilterStage{filter: filter, deps: deps}
}

func (s *ipFilterStage) Name() string { return StageIPFilter }

func (s *ipFilterStage) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		addr, _ := ratelimit.ParseClientIP(ratelimit.ClientIP(r))
		if !s.filter.Check(addr) {
			s.deps.Counters.IncIPBlocked()
			s.deps.reject(w, r, StageIPFilter, http.StatusForbidden, CodeIPBlocked, "access denied", 0)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ---------------------------------------------------------------------------
// Circuit breaker
// ---------------------------------------------------------------------------

type breakerStage struct {
	breakers *breaker.Registry
	deps     Deps
}

// NewBreakerStage guards each path group with its own breaker. A 5xx
// response or a panic downstream is a failure; a 429 from the rate limiter
// says nothing about upstream health and only releases the admission.
func NewBreakerStage(breakers *breaker.Registry, deps Deps) Stage {
	return &breakerStage{breakers: breakers, deps: deps}
}

func (s *breakerStage) Name() string { return StageBreaker }

func (s *breakerStage) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		group := breaker.GroupFor(r.URL.Path)
		ticket, err := s.breakers.Get(group).Allow()
		if err != nil {
			s.deps.Counters.IncCircuitRejected()
			s.deps.reject(w, r, StageBreaker, http.StatusServiceUnavailable, CodeCircuitOpen,
				"service temporarily unavailable", 0)
			return
		}

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		defer func() {
			if rec := recover(); rec != nil {
				ticket.Done(breaker.Failure)
				panic(rec)
			}
			ticket.Done(outcomeFor(sw.code))
		}()
		next.ServeHTTP(sw, r)
	})
}

func outcomeFor(status int) breaker.Outcome {
	switch {
	case status >= 500:
		return breaker.Failure
	case status == http.StatusTooManyRequests:
		return breaker.Ignored
	default:
		return breaker.Success
	}
}

// ---------------------------------------------------------------------------
// Rate limit
// ---------------------------------------------------------------------------

type rateLimitStage struct {
	limiter *ratelimit.Limiter
	deps    Deps
}

// NewRateLimitStage admits the request against the global bucket and the
// client's own bucket, keyed by normalized client IP.
func NewRateLimitStage(limiter *ratelimit.Limiter, deps Deps) Stage {
	return &rateLimitStage{limiter: limiter, deps: deps}
}

func (s *rateLimitStage) Name() string { return StageRateLimit }

func (s *rateLimitStage) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := ratelimit.ClientIP(r)
		identity := raw
		if addr, ok := ratelimit.ParseClientIP(raw); ok {
			identity = addr.String()
		}

		d := s.limiter.Admit(identity)
		if !d.Allowed {
			s.deps.Counters.IncRateLimited()
			s.deps.reject(w, r, StageRateLimit, http.StatusTooManyRequests, CodeRateLimited,
				"rate limit exceeded ("+string(d.Scope)+")", d.RetryAfterSeconds())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ---------------------------------------------------------------------------
// CORS
// ---------------------------------------------------------------------------

type corsStage struct {
	c *cors.Cors
}

// NewCORSStage answers preflight requests and decorates responses for the
// allowed origins. "*" allows any origin.
func NewCORSStage(origins []string) Stage {
	return &corsStage{c: cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{
			http.MethodGet, http.MethodPost, http.MethodPut,
			http.MethodDelete, http.MethodOptions,
		},
		AllowedHeaders: []string{"Authorization", "Content-Type", MagicTokenHeader, RequestIDHeader},
		ExposedHeaders: []string{RequestIDHeader, "Retry-After"},
		MaxAge:         600,
	})}
}

func (s *corsStage) Name() string { return StageCORS }

func (s *corsStage) Wrap(next http.Handler) http.Handler {
	return s.c.Handler(next)
}
