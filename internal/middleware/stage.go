package middleware

import (
	"net/http"
	"sync/atomic"

	"github.com/seawall/seawall/internal/observability"
)

// Stage names, also used as span suffixes and admission event stages.
const (
	StageMagicLink = "magic_link"
	StageAuth      = "auth"
	StageIPFilter  = "ip_filter"
	StageBreaker   = "circuit_breaker"
	StageRateLimit = "rate_limit"
	StageCORS      = "cors"
)

// Stage is one step of the admission pipeline. Wrap is called once when the
// chain is built; the returned handler either forwards to next or writes a
// rejection and returns.
type Stage interface {
	Name() string
	Wrap(next http.Handler) http.Handler
}

// Toggle makes a stage switchable at runtime. While disabled the request
// goes straight to next, so flipping a feature flag never rebuilds the
// chain or reorders the stages.
type Toggle struct {
	stage   Stage
	enabled atomic.Bool
}

// NewToggle wraps s with the given initial state.
func NewToggle(s Stage, enabled bool) *Toggle {
	t := &Toggle{stage: s}
	t.enabled.Store(enabled)
	return t
}

func (t *Toggle) Name() string { return t.stage.Name() }

// Enabled reports whether the stage currently runs.
func (t *Toggle) Enabled() bool { return t.enabled.Load() }

// Set switches the stage on or off. It takes effect for the next request.
func (t *Toggle) Set(on bool) { t.enabled.Store(on) }

// Wrap runs the inner stage inside a "seawall.<name>" span when enabled.
func (t *Toggle) Wrap(next http.Handler) http.Handler {
	inner := t.stage.Wrap(next)
	spanName := "seawall." + t.stage.Name()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !t.enabled.Load() {
			next.ServeHTTP(w, r)
			return
		}
		ctx, span := observability.Tracer().Start(r.Context(), spanName)
		defer span.End()
		inner.ServeHTTP(w, r.WithContext(ctx))
	})
}
