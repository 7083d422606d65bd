package middleware

import (
	"net/http"

	"github.com/seawall/seawall/internal/auth"
	"github.com/seawall/seawall/internal/breaker"
	"github.com/seawall/seawall/internal/config"
	"github.com/seawall/seawall/internal/ipfilter"
	"github.com/seawall/seawall/internal/ratelimit"
)

// Guards are the admission components the external chain consults.
type Guards struct {
	MagicLinks    *auth.MagicLinks
	Authenticator *auth.Authenticator
	IPFilter      *ipfilter.Filter
	Breakers      *breaker.Registry
	Limiter       *ratelimit.Limiter
	CORSOrigins   []string
}

// External is the full chain served on the external listener. The CORS
// stage is always on; the other five follow the feature flags.
type External struct {
	*Chain

	magicLink *Toggle
	auth      *Toggle
	ipFilter  *Toggle
	breaker   *Toggle
	rateLimit *Toggle
}

// NewExternal builds the chain in its fixed order around final.
func NewExternal(g Guards, features config.Features, final http.Handler, deps Deps) *External {
	e := &External{
		magicLink: NewToggle(NewMagicLinkStage(g.MagicLinks, deps), features.EnableMagicLink),
		auth:      NewToggle(NewAuthStage(g.Authenticator, deps), features.EnableJWTAuth),
		ipFilter:  NewToggle(NewIPFilterStage(g.IPFilter, deps), features.EnableIPFilter),
		breaker:   NewToggle(NewBreakerStage(g.Breakers, deps), features.EnableCircuitBreaker),
		rateLimit: NewToggle(NewRateLimitStage(g.Limiter, deps), features.EnableRateLimit),
	}
	stages := []Stage{
		e.magicLink,
		e.auth,
		e.ipFilter,
		e.breaker,
		e.rateLimit,
		NewToggle(NewCORSStage(g.CORSOrigins), true),
	}
	e.Chain = NewChain(stages, final, deps)
	return e
}

// Apply switches stages to match features. In-flight requests finish with
// the state they started with per stage.
func (e *External) Apply(features config.Features) {
	e.magicLink.Set(features.EnableMagicLink)
	e.auth.Set(features.EnableJWTAuth)
	e.ipFilter.Set(features.EnableIPFilter)
	e.breaker.Set(features.EnableCircuitBreaker)
	e.rateLimit.Set(features.EnableRateLimit)
}

// Features reports the current stage switches.
func (e *External) Features() config.Features {
	return config.Features{
		EnableRateLimit:      e.rateLimit.Enabled(),
		EnableCircuitBreaker: e.breaker.Enabled(),
		EnableIPFilter:       e.ipFilter.Enabled(),
		EnableJWTAuth:        e.auth.Enabled(),
		EnableMagicLink:      e.magicLink.Enabled(),
	}
}

// NewInternal returns the loopback chain: no admission stages, only the
// request ID, counters and panic recovery.
func NewInternal(final http.Handler, deps Deps) *Chain {
	return NewChain(nil, final, deps)
}
