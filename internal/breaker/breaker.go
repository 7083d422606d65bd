package breaker

import (
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrOpen is returned by Allow when the breaker refuses the request,
// either because it is Open or because the HalfOpen probe slot is taken.
var ErrOpen = errors.New("circuit breaker is open")

// Outcome is what an admitted request reports back.
type Outcome uint8

const (
	Success Outcome = iota
	Failure
	// Ignored releases the admission without counting either way.
	Ignored
)

// Breaker guards one group. All methods are safe for concurrent use.
type Breaker struct {
	group string
	cfg   Config
	now   func() time.Time

	onTrip func(group string)
	logger *slog.Logger

	mu  sync.Mutex
	st  Status
	gen uint64 // bumped on every state change
}

// Ticket is an admission handed out by Allow. Done must be called exactly
// once.
type Ticket struct {
	b   *Breaker
	gen uint64
}

// Allow asks to send one request through.
func (b *Breaker) Allow() (Ticket, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	eff := b.apply(EventRequest)
	if eff.Has(EffectReject) {
		return Ticket{}, ErrOpen
	}
	return Ticket{b: b, gen: b.gen}, nil
}

// Done reports the outcome of the admitted request. Outcomes from a
// previous state episode are dropped.
func (t Ticket) Done(o Outcome) {
	if t.b == nil {
		return
	}
	b := t.b
	b.mu.Lock()
	defer b.mu.Unlock()

	if t.gen != b.gen {
		return
	}
	switch o {
	case Success:
		b.apply(EventSuccess)
	case Failure:
		b.apply(EventFailure)
	default:
		b.apply(EventRelease)
	}
}

// apply runs one transition under b.mu.
func (b *Breaker) apply(ev Event) Effect {
	now := b.now()
	prev := b.st.State
	next, eff := Next(b.st, ev, now.Sub(b.st.ChangedAt), b.cfg)
	if next.State != prev {
		next.ChangedAt = now
		b.gen++
		b.logTransition(prev, next.State)
	}
	b.st = next
	if eff.Has(EffectTrip) && b.onTrip != nil {
		b.onTrip(b.group)
	}
	return eff
}

func (b *Breaker) logTransition(from, to State) {
	if b.logger == nil {
		return
	}
	if to == Open {
		b.logger.Warn("circuit breaker opened", "group", b.group, "from", from.String())
		return
	}
	b.logger.Info("circuit breaker state change", "group", b.group, "from", from.String(), "to", to.String())
}

// Status returns a copy of the breaker record.
func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.st
}

// State returns the current state.
func (b *Breaker) State() State {
	return b.Status().State
}

// Option customizes breakers created by a Registry.
type Option func(*Registry)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithOnTrip is called, under the breaker lock, on every Closed to Open edge.
func WithOnTrip(fn func(group string)) Option {
	return func(r *Registry) { r.onTrip = fn }
}

// WithLogger logs state changes.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// WithGroups replaces DefaultGroups as the set of groups that get their own
// breaker.
func WithGroups(groups ...string) Option {
	return func(r *Registry) { r.known = groupSet(groups) }
}

// DefaultGroup collects every request whose group is not known.
const DefaultGroup = "default"

// DefaultGroups are the first path segments served on the external surface.
var DefaultGroups = []string{"search", "engines", "stats", "health", "version", "metrics"}

func groupSet(groups []string) map[string]struct{} {
	set := make(map[string]struct{}, len(groups))
	for _, g := range groups {
		set[g] = struct{}{}
	}
	return set
}

// Registry owns one Breaker per known group, created on first use. Unknown
// groups share the DefaultGroup breaker, so client-chosen paths cannot grow
// the registry.
type Registry struct {
	cfg    Config
	now    func() time.Time
	onTrip func(group string)
	logger *slog.Logger
	known  map[string]struct{}

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config, opts ...Option) *Registry {
	r := &Registry{
		cfg:      cfg,
		now:      time.Now,
		known:    groupSet(DefaultGroups),
		breakers: make(map[string]*Breaker),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Get returns the breaker for group, creating it Closed if needed. Groups
// outside the known set resolve to DefaultGroup.
func (r *Registry) Get(group string) *Breaker {
	if _, ok := r.known[group]; !ok {
		group = DefaultGroup
	}

	r.mu.RLock()
	b, ok := r.breakers[group]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[group]; ok {
		return b
	}
	b = &Breaker{
		group:  group,
		cfg:    r.cfg,
		now:    r.now,
		onTrip: r.onTrip,
		logger: r.logger,
		st:     Status{State: Closed, ChangedAt: r.now()},
	}
	r.breakers[group] = b
	return b
}

// GroupStatus is one row of Snapshot.
type GroupStatus struct {
	Group               string    `json:"group"`
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	ConsecutiveSuccess  int       `json:"consecutive_successes"`
	ProbeInFlight       bool      `json:"probe_in_flight"`
	LastStateChange     time.Time `json:"last_state_change"`
}

// Snapshot lists every known group sorted by name.
func (r *Registry) Snapshot() []GroupStatus {
	r.mu.RLock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.RUnlock()

	out := make([]GroupStatus, 0, len(breakers))
	for _, b := range breakers {
		st := b.Status()
		out = append(out, GroupStatus{
			Group:               b.group,
			State:               st.State,
			ConsecutiveFailures: st.Failures,
			ConsecutiveSuccess:  st.Successes,
			ProbeInFlight:       st.ProbeInFlight,
			LastStateChange:     st.ChangedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Group < out[j].Group })
	return out
}

// GroupFor maps a request path to its breaker group: the first segment
// after /api/, e.g. "/api/search" → "search". Paths outside /api use their
// first segment, and "/" maps to DefaultGroup.
func GroupFor(path string) string {
	p := strings.TrimPrefix(path, "/")
	if rest, ok := strings.CutPrefix(p, "api/"); ok && rest != "" {
		p = rest
	}
	if seg, _, _ := strings.Cut(p, "/"); seg != "" {
		return seg
	}
	return DefaultGroup
}
