package observability

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

// Health tracks whether the process is accepting traffic. It starts not
// ready; the server flips it once listeners are bound and back during drain.
type Health struct {
	ready   atomic.Bool
	version string
	started time.Time
}

// NewHealth creates a Health for the given build version.
func NewHealth(version string) *Health {
	return &Health{version: version, started: time.Now()}
}

// SetReady marks the service as ready to receive traffic.
func (h *Health) SetReady() { h.ready.Store(true) }

// SetNotReady marks the service as draining.
func (h *Health) SetNotReady() { h.ready.Store(false) }

// IsReady reports whether the service is ready.
func (h *Health) IsReady() bool { return h.ready.Load() }

// Version returns the build version reported by the health endpoints.
func (h *Health) Version() string { return h.version }

// HealthStatus is the body of the health endpoint.
type HealthStatus struct {
	Status        string  `json:"status"`
	Version       string  `json:"version"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// Status returns the current health body.
func (h *Health) Status() HealthStatus {
	st := HealthStatus{
		Status:        "ok",
		Version:       h.version,
		UptimeSeconds: time.Since(h.started).Seconds(),
	}
	if !h.IsReady() {
		st.Status = "draining"
	}
	return st
}

// Handler answers 200 while ready and 503 otherwise.
func (h *Health) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		st := h.Status()
		w.Header().Set("Content-Type", "application/json")
		if st.Status != "ok" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}
