// Package breaker implements a three-state circuit breaker per protected
// route group. State changes are computed by Next, a pure function of the
// current status, an event and the time since the last state change, so
// every edge can be tested without real clocks.
package breaker

import "time"

// State is the breaker position.
type State uint8

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	}
	return "unknown"
}

// MarshalText renders the state as its lowercase name in JSON.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Event drives a transition.
type Event uint8

const (
	// EventRequest is an admission attempt.
	EventRequest Event = iota
	// EventSuccess and EventFailure report the outcome of an admitted request.
	EventSuccess
	EventFailure
	// EventRelease gives back an admitted request without an outcome, e.g.
	// when a later stage rejected it before the backend ran.
	EventRelease
)

// Config holds the thresholds.
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
}

// Status is the mutable breaker record.
type Status struct {
	State State
	// Failures counts consecutive failures while Closed.
	Failures int
	// Successes counts probe successes while HalfOpen.
	Successes int
	// ProbeInFlight is set while the single HalfOpen probe is outstanding.
	ProbeInFlight bool
	ChangedAt     time.Time
}

// Effect is a set of side effects produced by a transition.
type Effect uint8

const (
	EffectAdmit Effect = 1 << iota
	EffectReject
	// EffectTrip marks a Closed to Open edge. Only these count as trips.
	EffectTrip
	// EffectReopen marks a failed probe sending HalfOpen back to Open.
	EffectReopen
	// EffectProbe marks Open to HalfOpen after the timeout.
	EffectProbe
	// EffectRecover marks HalfOpen to Closed.
	EffectRecover
)

// Has reports whether all bits of f are set.
func (e Effect) Has(f Effect) bool { return e&f == f }

// Next returns the status after ev, given elapsed time since s.ChangedAt.
// The returned status keeps s.ChangedAt; callers stamp the new time when
// the state differs.
func Next(s Status, ev Event, elapsed time.Duration, cfg Config) (Status, Effect) {
	switch s.State {
	case Closed:
		return nextClosed(s, ev, cfg)
	case Open:
		return nextOpen(s, ev, elapsed, cfg)
	case HalfOpen:
		return nextHalfOpen(s, ev, cfg)
	}
	return s, EffectReject
}

func nextClosed(s Status, ev Event, cfg Config) (Status, Effect) {
	switch ev {
	case EventRequest:
		return s, EffectAdmit
	case EventSuccess:
		s.Failures = 0
		return s, 0
	case EventFailure:
		s.Failures++
		if s.Failures >= cfg.FailureThreshold {
			return Status{State: Open, ChangedAt: s.ChangedAt}, EffectTrip
		}
		return s, 0
	}
	return s, 0
}

func nextOpen(s Status, ev Event, elapsed time.Duration, cfg Config) (Status, Effect) {
	if ev != EventRequest {
		// Late outcomes from requests admitted before the trip.
		return s, 0
	}
	if elapsed < cfg.Timeout {
		return s, EffectReject
	}
	return Status{State: HalfOpen, ProbeInFlight: true, ChangedAt: s.ChangedAt}, EffectProbe | EffectAdmit
}

func nextHalfOpen(s Status, ev Event, cfg Config) (Status, Effect) {
	switch ev {
	case EventRequest:
		if s.ProbeInFlight {
			return s, EffectReject
		}
		s.ProbeInFlight = true
		return s, EffectAdmit
	case EventSuccess:
		s.ProbeInFlight = false
		s.Successes++
		if s.Successes >= cfg.SuccessThreshold {
			return Status{State: Closed, ChangedAt: s.ChangedAt}, EffectRecover
		}
		return s, 0
	case EventFailure:
		return Status{State: Open, ChangedAt: s.ChangedAt}, EffectReopen
	case EventRelease:
		s.ProbeInFlight = false
		return s, 0
	}
	return s, 0
}
