// Package observability provides the request counters and their Prometheus
// and JSON exports, health state, structured logging, and OpenTelemetry
// tracing for Seawall.
package observability

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/common/expfmt"
)

const namespace = "seawall"

// LatencyBucketsMs are the upper bounds of the response-time histogram.
var LatencyBucketsMs = [...]float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

// responseState holds every register a finished request touches. It is
// immutable once published and replaced as a unit, so a reader never sees
// the totals, the mean and the histogram disagree.
type responseState struct {
	total   int64
	success int64
	failed  int64
	mean    float64
	// buckets[i] counts samples <= LatencyBucketsMs[i] and > the previous
	// bound; the last slot holds samples above every bound.
	buckets [len(LatencyBucketsMs) + 1]uint64
}

// Counters holds the process-wide request registers. Every update is a
// single atomic operation; nothing here takes a lock.
type Counters struct {
	responses atomic.Pointer[responseState]

	rateLimited         atomic.Int64
	circuitBreakerTrips atomic.Int64
	circuitRejected     atomic.Int64
	ipBlocked           atomic.Int64
	authFailed          atomic.Int64
	magicLinkUsed       atomic.Int64
	internalErrors      atomic.Int64
	eventsDropped       atomic.Int64

	activeConnections atomic.Int64

	started time.Time
	now     func() time.Time
}

// NewCounters returns zeroed counters whose uptime starts now.
func NewCounters() *Counters {
	return newCountersWithClock(time.Now)
}

func newCountersWithClock(now func() time.Time) *Counters {
	c := &Counters{
		started: now(),
		now:     now,
	}
	c.responses.Store(&responseState{})
	return c
}

// ConnOpened increments the active connection gauge.
func (c *Counters) ConnOpened() { c.activeConnections.Add(1) }

// ConnClosed decrements the active connection gauge.
func (c *Counters) ConnClosed() { c.activeConnections.Add(-1) }

// IncRateLimited records a request rejected by the rate limiter.
func (c *Counters) IncRateLimited() { c.rateLimited.Add(1) }

// IncCircuitBreakerTrips records a Closed to Open transition.
func (c *Counters) IncCircuitBreakerTrips() { c.circuitBreakerTrips.Add(1) }

// IncCircuitRejected records a request refused by an open breaker.
func (c *Counters) IncCircuitRejected() { c.circuitRejected.Add(1) }

// IncIPBlocked records a request denied by the IP filter.
func (c *Counters) IncIPBlocked() { c.ipBlocked.Add(1) }

// IncAuthFailed records a request rejected by authentication.
func (c *Counters) IncAuthFailed() { c.authFailed.Add(1) }

// IncMagicLinkUsed records a consumed magic-link token.
func (c *Counters) IncMagicLinkUsed() { c.magicLinkUsed.Add(1) }

// IncInternalErrors records a recovered panic.
func (c *Counters) IncInternalErrors() { c.internalErrors.Add(1) }

// IncEventsDropped records an admission event lost to buffer overflow.
func (c *Counters) IncEventsDropped() { c.eventsDropped.Add(1) }

// ObserveResponse records one finished request.
func (c *Counters) ObserveResponse(d time.Duration, success bool) {
	ms := float64(d) / float64(time.Millisecond)
	slot := sort.SearchFloat64s(LatencyBucketsMs[:], ms)

	for {
		old := c.responses.Load()
		next := *old
		next.total++
		if success {
			next.success++
		} else {
			next.failed++
		}
		next.mean += (ms - old.mean) / float64(next.total)
		next.buckets[slot]++
		if c.responses.CompareAndSwap(old, &next) {
			return
		}
	}
}

// LatencyBucket is one cumulative histogram bucket.
type LatencyBucket struct {
	UpperBoundMs float64 `json:"le"`
	Count        uint64  `json:"count"`
}

// Snapshot is a point-in-time copy of all counters. Both export formats are
// rendered from a single Snapshot.
type Snapshot struct {
	TotalRequests        int64           `json:"total_requests"`
	SuccessfulRequests   int64           `json:"successful_requests"`
	FailedRequests       int64           `json:"failed_requests"`
	AvgResponseTimeMs    float64         `json:"avg_response_time_ms"`
	ActiveConnections    int64           `json:"active_connections"`
	RateLimited          int64           `json:"rate_limited"`
	CircuitBreakerTrips  int64           `json:"circuit_breaker_trips"`
	CircuitRejected      int64           `json:"circuit_breaker_rejected"`
	IPBlocked            int64           `json:"ip_blocked"`
	AuthFailed           int64           `json:"auth_failed"`
	MagicLinkUsed        int64           `json:"magic_link_used"`
	InternalErrors       int64           `json:"internal_errors"`
	EventsDropped        int64           `json:"events_dropped"`
	UptimeSeconds        float64         `json:"uptime_seconds"`
	ResponseTimeSamples  uint64          `json:"response_time_samples"`
	ResponseTimeBuckets  []LatencyBucket `json:"response_time_buckets"`

	responseTimeSumMs float64
}

// Snapshot reads every counter once.
func (c *Counters) Snapshot() Snapshot {
	rs := c.responses.Load()
	s := Snapshot{
		TotalRequests:       rs.total,
		SuccessfulRequests:  rs.success,
		FailedRequests:      rs.failed,
		AvgResponseTimeMs:   rs.mean,
		ActiveConnections:   c.activeConnections.Load(),
		RateLimited:         c.rateLimited.Load(),
		CircuitBreakerTrips: c.circuitBreakerTrips.Load(),
		CircuitRejected:     c.circuitRejected.Load(),
		IPBlocked:           c.ipBlocked.Load(),
		AuthFailed:          c.authFailed.Load(),
		MagicLinkUsed:       c.magicLinkUsed.Load(),
		InternalErrors:      c.internalErrors.Load(),
		EventsDropped:       c.eventsDropped.Load(),
		UptimeSeconds:       c.now().Sub(c.started).Seconds(),
		ResponseTimeSamples: uint64(rs.total),
		ResponseTimeBuckets: make([]LatencyBucket, len(LatencyBucketsMs)),
		responseTimeSumMs:   rs.mean * float64(rs.total),
	}
	var cumulative uint64
	for i, le := range LatencyBucketsMs {
		cumulative += rs.buckets[i]
		s.ResponseTimeBuckets[i] = LatencyBucket{UpperBoundMs: le, Count: cumulative}
	}
	return s
}

// ---------------------------------------------------------------------------
// Prometheus collector
// ---------------------------------------------------------------------------

func desc(name, help string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, nil, nil)
}

var (
	descRequestsTotal   = desc("requests_total", "Total number of completed requests.")
	descRequestsSuccess = desc("requests_success_total", "Number of requests answered with a 2xx status.")
	descRequestsFailed  = desc("requests_failed_total", "Number of requests answered with a non-2xx status.")
	descRateLimited     = desc("rate_limited_total", "Number of requests rejected by the rate limiter.")
	descTrips           = desc("circuit_breaker_trips_total", "Number of circuit breaker Closed to Open transitions.")
	descCircuitRejected = desc("circuit_breaker_rejected_total", "Number of requests refused by an open circuit breaker.")
	descIPBlocked       = desc("ip_blocked_total", "Number of requests denied by the IP filter.")
	descAuthFailed      = desc("auth_failed_total", "Number of requests rejected by authentication.")
	descMagicLinkUsed   = desc("magic_link_used_total", "Number of magic-link tokens consumed.")
	descInternalErrors  = desc("internal_errors_total", "Number of recovered handler panics.")
	descEventsDropped   = desc("events_dropped_total", "Number of admission events dropped on buffer overflow.")
	descActiveConns     = desc("active_connections", "Requests currently in flight.")
	descMeanLatency     = desc("response_time_mean_ms", "Running mean response time in milliseconds.")
	descUptime          = desc("uptime_seconds", "Seconds since the process started serving.")
	descLatency         = desc("response_time_ms", "Response time in milliseconds.")
)

// Collector exposes Counters to a Prometheus registry. Each scrape takes one
// Snapshot.
type Collector struct {
	counters *Counters
}

// NewCollector wraps counters as a prometheus.Collector.
func NewCollector(c *Counters) *Collector {
	return &Collector{counters: c}
}

// Describe implements prometheus.Collector.
func (col *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		descRequestsTotal, descRequestsSuccess, descRequestsFailed,
		descRateLimited, descTrips, descCircuitRejected, descIPBlocked,
		descAuthFailed, descMagicLinkUsed, descInternalErrors, descEventsDropped,
		descActiveConns, descMeanLatency, descUptime, descLatency,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (col *Collector) Collect(ch chan<- prometheus.Metric) {
	s := col.counters.Snapshot()

	counter := func(d *prometheus.Desc, v int64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}
	counter(descRequestsTotal, s.TotalRequests)
	counter(descRequestsSuccess, s.SuccessfulRequests)
	counter(descRequestsFailed, s.FailedRequests)
	counter(descRateLimited, s.RateLimited)
	counter(descTrips, s.CircuitBreakerTrips)
	counter(descCircuitRejected, s.CircuitRejected)
	counter(descIPBlocked, s.IPBlocked)
	counter(descAuthFailed, s.AuthFailed)
	counter(descMagicLinkUsed, s.MagicLinkUsed)
	counter(descInternalErrors, s.InternalErrors)
	counter(descEventsDropped, s.EventsDropped)

	ch <- prometheus.MustNewConstMetric(descActiveConns, prometheus.GaugeValue, float64(s.ActiveConnections))
	ch <- prometheus.MustNewConstMetric(descMeanLatency, prometheus.GaugeValue, s.AvgResponseTimeMs)
	ch <- prometheus.MustNewConstMetric(descUptime, prometheus.GaugeValue, s.UptimeSeconds)

	buckets := make(map[float64]uint64, len(s.ResponseTimeBuckets))
	for _, b := range s.ResponseTimeBuckets {
		buckets[b.UpperBoundMs] = b.Count
	}
	ch <- prometheus.MustNewConstHistogram(descLatency, s.ResponseTimeSamples, s.responseTimeSumMs, buckets)
}

// ---------------------------------------------------------------------------
// Exporter
// ---------------------------------------------------------------------------

// Exporter renders Counters as Prometheus text and as JSON.
type Exporter struct {
	counters *Counters
	registry *prometheus.Registry
}

// NewExporter registers the counters collector together with the Go runtime
// and process collectors on a fresh registry.
func NewExporter(c *Counters) *Exporter {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		NewCollector(c),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Exporter{counters: c, registry: reg}
}

// Registry returns the registry backing the text export.
func (e *Exporter) Registry() *prometheus.Registry { return e.registry }

// textFormat is the Prometheus text exposition format, version 0.0.4.
var textFormat = expfmt.NewFormat(expfmt.TypeTextPlain)

// WriteText writes every registered metric family in text format.
func (e *Exporter) WriteText(w io.Writer) error {
	families, err := e.registry.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	enc := expfmt.NewEncoder(w, textFormat)
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return fmt.Errorf("encode %s: %w", mf.GetName(), err)
		}
	}
	return nil
}

// WriteJSON writes one Snapshot as a JSON object.
func (e *Exporter) WriteJSON(w io.Writer) error {
	return json.NewEncoder(w).Encode(e.counters.Snapshot())
}

// TextHandler serves WriteText.
func (e *Exporter) TextHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", string(textFormat))
		if err := e.WriteText(w); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}

// JSONHandler serves WriteJSON.
func (e *Exporter) JSONHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = e.WriteJSON(w)
	}
}
