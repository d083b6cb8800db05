// Package circuitbreaker short-circuits requests to failing providers, so
// failover costs a state check instead of a timeout. Breakers come in two
// granularities, provider:{id} and vendor:{vendorId}:{type}, both instances
// of the same machine.
package circuitbreaker

import (
	"sync"
	"sync/atomic"
	"time"

	hub "github.com/relaymesh/cch/internal"
)

// State of one breaker. The numeric values feed the state gauge:
// 0 closed, 1 half-open, 2 open.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the state name rather than the gauge number.
func (s State) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// UnmarshalJSON accepts the names produced by MarshalJSON. Unknown input
// lands on closed.
func (s *State) UnmarshalJSON(b []byte) error {
	switch string(b) {
	case `"half_open"`:
		*s = StateHalfOpen
	case `"open"`:
		*s = StateOpen
	default:
		*s = StateClosed
	}
	return nil
}

// Config holds the tuning of one breaker.
type Config struct {
	FailureThreshold         int           // consecutive failures to trip
	OpenDuration             time.Duration // time in OPEN before the first probe
	HalfOpenSuccessThreshold int           // probe successes needed to close
}

// DefaultConfig returns the built-in tuning.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:         5,
		OpenDuration:             30 * time.Second,
		HalfOpenSuccessThreshold: 2,
	}
}

// FromProvider merges per-provider tuning over the defaults.
func FromProvider(bc hub.BreakerConfig) Config {
	cfg := DefaultConfig()
	if bc.FailureThreshold > 0 {
		cfg.FailureThreshold = bc.FailureThreshold
	}
	if bc.OpenDurationMs > 0 {
		cfg.OpenDuration = time.Duration(bc.OpenDurationMs) * time.Millisecond
	}
	if bc.HalfOpenSuccessThreshold > 0 {
		cfg.HalfOpenSuccessThreshold = bc.HalfOpenSuccessThreshold
	}
	return cfg
}

// Snapshot is the immutable state of one breaker. Transitions produce a new
// Snapshot; readers get a consistent view from a single pointer load.
type Snapshot struct {
	State             State     `json:"state"`
	Failures          int       `json:"failures"`
	HalfOpenSuccesses int       `json:"half_open_successes,omitempty"`
	OpenedAt          time.Time `json:"opened_at"`
	Manual            bool      `json:"manual,omitempty"`
	Trips             int       `json:"trips,omitempty"` // calls rejected while open
	Probing           bool      `json:"-"`               // a half-open probe is in flight
}

type event int

const (
	eventCall event = iota
	eventSuccess
	eventFailure
	eventCancel // admitted call concluded without a countable result
	eventManualOpen
	eventManualReset
)

// transition computes the next state for one event. Pure: the clock comes in
// as an argument and nothing is mutated. The boolean reports whether an
// eventCall was admitted.
func transition(s Snapshot, ev event, now time.Time, cfg Config) (Snapshot, bool) {
	switch ev {
	case eventManualOpen:
		return Snapshot{State: StateOpen, OpenedAt: now, Manual: true}, false
	case eventManualReset:
		return Snapshot{}, false
	}

	switch s.State {
	case StateClosed:
		switch ev {
		case eventCall:
			return s, true
		case eventSuccess:
			s.Failures = 0
			return s, false
		case eventFailure:
			s.Failures++
			if s.Failures >= cfg.FailureThreshold {
				return Snapshot{State: StateOpen, OpenedAt: now, Failures: s.Failures}, false
			}
			return s, false
		}

	case StateOpen:
		switch ev {
		case eventCall:
			if !s.Manual && now.Sub(s.OpenedAt) >= cfg.OpenDuration {
				// First call after the open window becomes the probe.
				return Snapshot{State: StateHalfOpen, Probing: true, Trips: s.Trips}, true
			}
			s.Trips++
			return s, false
		default:
			// Stragglers admitted before the trip. The timer decides reentry.
			return s, false
		}

	case StateHalfOpen:
		switch ev {
		case eventCall:
			if s.Probing {
				return s, false
			}
			s.Probing = true
			return s, true
		case eventSuccess:
			s.Probing = false
			s.HalfOpenSuccesses++
			if s.HalfOpenSuccesses >= cfg.HalfOpenSuccessThreshold {
				return Snapshot{}, false
			}
			return s, false
		case eventFailure:
			return Snapshot{State: StateOpen, OpenedAt: now, Trips: s.Trips}, false
		case eventCancel:
			s.Probing = false
			return s, false
		}
	}
	return s, false
}

// Breaker guards one upstream id.
//
// Every admitted call must be concluded with RecordSuccess, RecordFailure or
// cancelProbe, otherwise a half-open probe slot stays taken until the process
// restarts.
type Breaker struct {
	id       string
	mu       sync.Mutex // serializes writers; readers load the pointer
	cur      atomic.Pointer[Snapshot]
	cfg      atomic.Pointer[Config]
	onChange func(id string, s Snapshot)
	lastUsed atomic.Int64 // unix nanos, drives stale eviction
}

func newBreaker(id string, cfg Config, onChange func(string, Snapshot)) *Breaker {
	b := &Breaker{id: id, onChange: onChange}
	b.cur.Store(&Snapshot{})
	b.cfg.Store(&cfg)
	b.lastUsed.Store(time.Now().UnixNano())
	return b
}

// reconfigure keeps the tuning current with the provider record.
func (b *Breaker) reconfigure(cfg Config) {
	if *b.cfg.Load() != cfg {
		b.cfg.Store(&cfg)
	}
}

// Snapshot returns the current state without blocking writers.
func (b *Breaker) Snapshot() Snapshot { return *b.cur.Load() }

// State returns the current state.
func (b *Breaker) State() State { return b.cur.Load().State }

// Ready reports whether a call would currently be admitted, without
// consuming the half-open probe slot. The resolver filters candidates on
// Ready; only the chosen provider's Allow runs the machine.
func (b *Breaker) Ready(now time.Time) bool {
	s := *b.cur.Load()
	switch s.State {
	case StateClosed:
		return true
	case StateOpen:
		return !s.Manual && now.Sub(s.OpenedAt) >= b.cfg.Load().OpenDuration
	case StateHalfOpen:
		return !s.Probing
	default:
		return false
	}
}

// Allow admits or rejects a call, consuming the probe slot when half-open.
func (b *Breaker) Allow() bool {
	_, admitted := b.apply(eventCall)
	return admitted
}

// RecordSuccess concludes an admitted call that the provider served.
func (b *Breaker) RecordSuccess() { b.apply(eventSuccess) }

// RecordFailure concludes an admitted call with a countable fault.
func (b *Breaker) RecordFailure() { b.apply(eventFailure) }

// cancelProbe concludes an admitted call without a verdict, releasing the
// probe slot in half-open.
func (b *Breaker) cancelProbe() { b.apply(eventCancel) }

// ManualOpen forces the breaker open with the timer bypassed until
// ManualReset.
func (b *Breaker) ManualOpen() { b.apply(eventManualOpen) }

// ManualReset returns the breaker to closed with counters cleared.
func (b *Breaker) ManualReset() { b.apply(eventManualReset) }

func (b *Breaker) apply(ev event) (Snapshot, bool) {
	now := time.Now()
	b.lastUsed.Store(now.UnixNano())

	b.mu.Lock()
	prev := *b.cur.Load()
	next, admitted := transition(prev, ev, now, *b.cfg.Load())
	if next != prev {
		b.cur.Store(&next)
	}
	b.mu.Unlock()

	if next.State != prev.State && b.onChange != nil {
		b.onChange(b.id, next)
	}
	return next, admitted
}

// adopt installs a persisted snapshot if the breaker has seen no local
// traffic yet. Local state stays authoritative once the machine has run.
func (b *Breaker) adopt(s Snapshot) bool {
	s.Probing = false
	b.mu.Lock()
	defer b.mu.Unlock()
	if *b.cur.Load() != (Snapshot{}) || s == (Snapshot{}) {
		return false
	}
	b.cur.Store(&s)
	return true
}

// LastUsed returns the time of last activity.
func (b *Breaker) LastUsed() time.Time {
	return time.Unix(0, b.lastUsed.Load())
}
