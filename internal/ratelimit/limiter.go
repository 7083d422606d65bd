// Package ratelimit implements in-process token-bucket admission: one
// global bucket shared by every request plus one bucket per client
// identity. Buckets refill lazily from elapsed time; idle client buckets
// are evicted by a periodic sweep.
package ratelimit

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/time/rate"
)

// shardCount is the number of independently locked client-bucket maps.
const shardCount = 64

// Scope names the bucket that rejected a request.
type Scope string

const (
	ScopeNone   Scope = ""
	ScopeGlobal Scope = "global"
	ScopeClient Scope = "client"
)

// Decision is the result of Admit.
type Decision struct {
	Allowed bool
	// Scope is the bucket that was empty when Allowed is false.
	Scope Scope
	// RetryAfter is the time until the rejecting bucket holds a full token.
	RetryAfter time.Duration
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, minimum 1, for
// the Retry-After header.
func (d Decision) RetryAfterSeconds() int {
	secs := int(math.Ceil(d.RetryAfter.Seconds()))
	return max(secs, 1)
}

// Config sizes the buckets. Client values are used as given; derivation
// from the global bucket happens in the config package.
type Config struct {
	GlobalRate  float64
	GlobalBurst int
	ClientRate  float64
	ClientBurst int

	// IdleTimeout evicts client buckets not used for this long.
	IdleTimeout time.Duration
	// SweepInterval is the period of Run's eviction loop.
	SweepInterval time.Duration
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now, letting tests drive refill deterministically.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithLogger sets the logger used by the sweeper.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

type clientBucket struct {
	lim      *rate.Limiter
	lastSeen atomic.Int64 // unix nanos
}

type shard struct {
	mu      sync.RWMutex
	buckets map[string]*clientBucket
}

// Limiter is the two-level admission check. It is safe for concurrent use.
type Limiter struct {
	cfg    Config
	global *rate.Limiter
	shards [shardCount]shard
	now    func() time.Time
	logger *slog.Logger
}

// New creates a Limiter with full buckets.
func New(cfg Config, opts ...Option) *Limiter {
	l := &Limiter{
		cfg:    cfg,
		global: rate.NewLimiter(rate.Limit(cfg.GlobalRate), cfg.GlobalBurst),
		now:    time.Now,
		logger: slog.Default(),
	}
	for i := range l.shards {
		l.shards[i].buckets = make(map[string]*clientBucket)
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

func (l *Limiter) shardFor(identity string) *shard {
	return &l.shards[xxhash.Sum64String(identity)%shardCount]
}

// Admit takes one token from the global bucket and one from identity's
// bucket, or from neither. A rejected request never drains a bucket.
func (l *Limiter) Admit(identity string) Decision {
	now := l.now()

	g := l.global.ReserveN(now, 1)
	if !g.OK() {
		return Decision{Scope: ScopeGlobal, RetryAfter: l.refillDelay(l.cfg.GlobalRate)}
	}
	if delay := g.DelayFrom(now); delay > 0 {
		g.CancelAt(now)
		return Decision{Scope: ScopeGlobal, RetryAfter: delay}
	}

	ok, delay := l.admitClient(identity, now)
	if !ok {
		g.CancelAt(now)
		return Decision{Scope: ScopeClient, RetryAfter: delay}
	}
	return Decision{Allowed: true}
}

// admitClient runs the per-client check while holding the shard lock, so a
// concurrent Sweep can never remove the bucket in use.
func (l *Limiter) admitClient(identity string, now time.Time) (bool, time.Duration) {
	sh := l.shardFor(identity)

	sh.mu.RLock()
	b, ok := sh.buckets[identity]
	if ok {
		allowed, delay := l.take(b, now)
		sh.mu.RUnlock()
		return allowed, delay
	}
	sh.mu.RUnlock()

	sh.mu.Lock()
	defer sh.mu.Unlock()
	b, ok = sh.buckets[identity]
	if !ok {
		b = &clientBucket{lim: rate.NewLimiter(rate.Limit(l.cfg.ClientRate), l.cfg.ClientBurst)}
		sh.buckets[identity] = b
	}
	return l.take(b, now)
}

func (l *Limiter) take(b *clientBucket, now time.Time) (bool, time.Duration) {
	b.lastSeen.Store(now.UnixNano())
	r := b.lim.ReserveN(now, 1)
	if !r.OK() {
		return false, l.refillDelay(l.cfg.ClientRate)
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// refillDelay is the time one token takes to accrue at r tokens/second.
func (l *Limiter) refillDelay(r float64) time.Duration {
	if r <= 0 {
		return time.Hour
	}
	return time.Duration(float64(time.Second) / r)
}

// Sweep evicts client buckets idle for longer than IdleTimeout and returns
// how many were removed.
func (l *Limiter) Sweep() int {
	if l.cfg.IdleTimeout <= 0 {
		return 0
	}
	cutoff := l.now().Add(-l.cfg.IdleTimeout).UnixNano()

	evicted := 0
	for i := range l.shards {
		sh := &l.shards[i]
		sh.mu.Lock()
		for id, b := range sh.buckets {
			if b.lastSeen.Load() < cutoff {
				delete(sh.buckets, id)
				evicted++
			}
		}
		sh.mu.Unlock()
	}
	return evicted
}

// Len returns the number of tracked client buckets.
func (l *Limiter) Len() int {
	n := 0
	for i := range l.shards {
		sh := &l.shards[i]
		sh.mu.RLock()
		n += len(sh.buckets)
		sh.mu.RUnlock()
	}
	return n
}

// Run sweeps idle buckets every SweepInterval until ctx is canceled.
func (l *Limiter) Run(ctx context.Context) {
	if l.cfg.SweepInterval <= 0 || l.cfg.IdleTimeout <= 0 {
		return
	}
	t := time.NewTicker(l.cfg.SweepInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := l.Sweep(); n > 0 {
				l.logger.Debug("evicted idle client buckets", "count", n, "remaining", l.Len())
			}
		}
	}
}
