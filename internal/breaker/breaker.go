// Package breaker provides per-resource circuit breakers over upload
// operations. A breaker trips on a run of consecutive failures or on a high
// error rate over a rolling window, blocks calls while open, and closes
// again only after a string of successful probes.
package breaker

import (
	"fmt"
	"sync"
	"time"

	"github.com/Averden/uploadmatrix/internal/metrics"
	"github.com/Averden/uploadmatrix/internal/types"
)

// State is the breaker state machine position.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// clock abstracts time for tests.
type clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Settings tune one breaker. Zero fields take defaults.
type Settings struct {
	ConsecutiveFailures int           // trip after this many failures in a row
	ErrorRate           float64       // or when the window error rate exceeds this
	MinVolume           int           // rate check needs at least this many calls
	Window              time.Duration // rolling observation window
	ResetTimeout        time.Duration // open -> half-open delay
	ProbeSuccesses      int           // half-open -> closed threshold
}

func (s *Settings) applyDefaults() {
	if s.ConsecutiveFailures <= 0 {
		s.ConsecutiveFailures = 5
	}
	if s.ErrorRate <= 0 {
		s.ErrorRate = 0.5
	}
	if s.MinVolume <= 0 {
		s.MinVolume = 10
	}
	if s.Window <= 0 {
		s.Window = 5 * time.Minute
	}
	if s.ResetTimeout <= 0 {
		s.ResetTimeout = 60 * time.Second
	}
	if s.ProbeSuccesses <= 0 {
		s.ProbeSuccesses = 3
	}
}

type outcome struct {
	at time.Time
	ok bool
}

// Breaker guards one resource (an account or a browser window).
type Breaker struct {
	mu       sync.Mutex
	name     string
	settings Settings
	clock    clock

	state          State
	window         []outcome
	consecFailures int
	probeSuccesses int
	probesInFlight int
	openedAt       time.Time
}

// Option configures a breaker.
type Option func(*Breaker)

// WithClock injects a clock for tests.
func WithClock(c clock) Option {
	return func(b *Breaker) { b.clock = c }
}

// New creates a closed breaker for the named resource.
func New(name string, settings Settings, opts ...Option) *Breaker {
	settings.applyDefaults()
	b := &Breaker{
		name:     name,
		settings: settings,
		clock:    realClock{},
		state:    StateClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	metrics.SetBreakerState(name, string(b.state))
	return b
}

// Allow reports whether a call may proceed. An open breaker past its reset
// timeout transitions to half-open; half-open admits at most ProbeSuccesses
// concurrent probes, rejecting the rest until an outcome lands.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateHalfOpen:
		return b.admitProbe()
	default: // StateOpen
		if b.clock.Now().Sub(b.openedAt) >= b.settings.ResetTimeout {
			b.transitionTo(StateHalfOpen)
			return b.admitProbe()
		}
		return fmt.Errorf("%s: %w", b.name, types.ErrBreakerOpen)
	}
}

// admitProbe bounds concurrent half-open probes. Caller holds the lock.
func (b *Breaker) admitProbe() error {
	if b.probesInFlight >= b.settings.ProbeSuccesses {
		return fmt.Errorf("%s: %w", b.name, types.ErrBreakerOpen)
	}
	b.probesInFlight++
	return nil
}

// Record feeds one call outcome into the breaker.
func (b *Breaker) Record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	b.window = append(b.window, outcome{at: now, ok: success})
	b.pruneWindow(now)

	if b.state == StateHalfOpen && b.probesInFlight > 0 {
		b.probesInFlight--
	}

	if success {
		b.consecFailures = 0
		if b.state == StateHalfOpen {
			b.probeSuccesses++
			if b.probeSuccesses >= b.settings.ProbeSuccesses {
				b.transitionTo(StateClosed)
			}
		}
		return
	}

	b.consecFailures++
	switch b.state {
	case StateHalfOpen:
		// A single failed probe reopens.
		metrics.BreakerTrips.WithLabelValues(b.name, "probe_failure").Inc()
		b.transitionTo(StateOpen)
	case StateClosed:
		if b.consecFailures >= b.settings.ConsecutiveFailures {
			metrics.BreakerTrips.WithLabelValues(b.name, "consecutive_failures").Inc()
			b.transitionTo(StateOpen)
			return
		}
		if calls, rate := b.windowRate(); calls >= b.settings.MinVolume && rate > b.settings.ErrorRate {
			metrics.BreakerTrips.WithLabelValues(b.name, "error_rate").Inc()
			b.transitionTo(StateOpen)
		}
	}
}

// State returns the current state, applying any due open -> half-open move.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.clock.Now().Sub(b.openedAt) >= b.settings.ResetTimeout {
		b.transitionTo(StateHalfOpen)
	}
	return b.state
}

func (b *Breaker) pruneWindow(now time.Time) {
	cutoff := now.Add(-b.settings.Window)
	keep := b.window[:0]
	for _, o := range b.window {
		if o.at.After(cutoff) {
			keep = append(keep, o)
		}
	}
	b.window = keep
}

func (b *Breaker) windowRate() (calls int, errRate float64) {
	failures := 0
	for _, o := range b.window {
		if !o.ok {
			failures++
		}
	}
	calls = len(b.window)
	if calls == 0 {
		return 0, 0
	}
	return calls, float64(failures) / float64(calls)
}

// transitionTo moves the state machine. Caller holds the lock.
func (b *Breaker) transitionTo(next State) {
	if b.state == next {
		return
	}
	b.state = next
	switch next {
	case StateOpen:
		b.openedAt = b.clock.Now()
		b.probeSuccesses = 0
		b.probesInFlight = 0
	case StateHalfOpen:
		b.probeSuccesses = 0
		b.probesInFlight = 0
	case StateClosed:
		b.consecFailures = 0
		b.probesInFlight = 0
		b.window = b.window[:0]
	}
	metrics.SetBreakerState(b.name, string(next))
}

// Registry hands out one breaker per resource id.
type Registry struct {
	mu       sync.Mutex
	settings Settings
	breakers map[string]*Breaker
	opts     []Option
}

// NewRegistry creates a registry applying the same settings to every
// resource.
func NewRegistry(settings Settings, opts ...Option) *Registry {
	settings.applyDefaults()
	return &Registry{
		settings: settings,
		breakers: make(map[string]*Breaker),
		opts:     opts,
	}
}

// Get returns the breaker for a resource, creating it closed on first use.
func (r *Registry) Get(resourceID string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[resourceID]
	if !ok {
		b = New(resourceID, r.settings, r.opts...)
		r.breakers[resourceID] = b
	}
	return b
}

// States snapshots every known breaker's state.
func (r *Registry) States() map[string]State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]State, len(r.breakers))
	for id, b := range r.breakers {
		out[id] = b.State()
	}
	return out
}
