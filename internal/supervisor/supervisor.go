// Package supervisor watches the error stream, raises alerts when
// thresholds are crossed, and choreographs graceful shutdown: claims stop
// first, in-flight uploads drain up to a deadline, then everything is
// cancelled hard.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Averden/uploadmatrix/internal/metrics"
	"github.com/Averden/uploadmatrix/internal/types"
)

// AlertReason identifies which threshold fired.
type AlertReason string

const (
	ReasonErrorRate   AlertReason = "error_rate"
	ReasonConsecutive AlertReason = "consecutive_failures"
	ReasonCritical    AlertReason = "critical_errors"
	ReasonUncaught    AlertReason = "uncaught"
)

// Alert describes one threshold crossing.
type Alert struct {
	Reason   AlertReason
	Category types.ErrorCategory
	Count    int
	Rate     float64
	Message  string
}

// AlertFunc receives alerts. Called with the monitor lock held; keep it fast.
type AlertFunc func(Alert)

// Settings holds the alert thresholds.
type Settings struct {
	// ErrorRate is the failure fraction that fires ReasonErrorRate once
	// MinVolume outcomes sit in the window.
	ErrorRate float64

	// ConsecutiveThreshold fires ReasonConsecutive after that many
	// failures without an intervening success.
	ConsecutiveThreshold int

	// CriticalThreshold fires ReasonCritical after that many resource
	// category errors (disk, memory) in the window.
	CriticalThreshold int

	// Window is the rolling window for rate and critical counting.
	Window time.Duration

	// MinVolume is the minimum outcomes before the rate check applies.
	MinVolume int
}

func (s *Settings) applyDefaults() {
	if s.ErrorRate <= 0 || s.ErrorRate > 1 {
		s.ErrorRate = 0.5
	}
	if s.ConsecutiveThreshold <= 0 {
		s.ConsecutiveThreshold = 10
	}
	if s.CriticalThreshold <= 0 {
		s.CriticalThreshold = 5
	}
	if s.Window <= 0 {
		s.Window = 5 * time.Minute
	}
	if s.MinVolume <= 0 {
		s.MinVolume = 10
	}
}

type outcome struct {
	at       time.Time
	success  bool
	critical bool
}

// Monitor accumulates classified outcomes and fires alerts on threshold
// crossings. Repeat alerts for the same reason are suppressed for one
// window so a sustained failure storm does not flood the log.
type Monitor struct {
	settings Settings
	onAlert  AlertFunc
	now      func() time.Time

	mu          sync.Mutex
	counts      map[types.ErrorCategory]int64
	consecutive int
	window      []outcome
	lastAlert   map[AlertReason]time.Time
}

// NewMonitor creates a monitor. onAlert may be nil.
func NewMonitor(settings Settings, onAlert AlertFunc) *Monitor {
	settings.applyDefaults()
	if onAlert == nil {
		onAlert = func(Alert) {}
	}
	return &Monitor{
		settings:  settings,
		onAlert:   onAlert,
		now:       time.Now,
		counts:    make(map[types.ErrorCategory]int64),
		lastAlert: make(map[AlertReason]time.Time),
	}
}

// RecordSuccess notes one successful operation and resets the consecutive
// failure run.
func (m *Monitor) RecordSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consecutive = 0
	m.window = append(m.window, outcome{at: m.now(), success: true})
	m.prune()
}

// RecordError notes one classified failure and evaluates the thresholds.
func (m *Monitor) RecordError(err error) {
	cat := types.Classify(err)
	metrics.ErrorsTotal.WithLabelValues(string(cat)).Inc()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[cat]++
	m.consecutive++
	m.window = append(m.window, outcome{
		at:       m.now(),
		critical: cat == types.CategoryResource,
	})
	m.prune()

	if m.consecutive >= m.settings.ConsecutiveThreshold {
		m.fire(Alert{
			Reason:  ReasonConsecutive,
			Count:   m.consecutive,
			Message: fmt.Sprintf("%d consecutive failures", m.consecutive),
		})
	}

	failures, criticals := 0, 0
	for _, o := range m.window {
		if !o.success {
			failures++
		}
		if o.critical {
			criticals++
		}
	}
	if criticals >= m.settings.CriticalThreshold {
		m.fire(Alert{
			Reason:   ReasonCritical,
			Category: types.CategoryResource,
			Count:    criticals,
			Message:  fmt.Sprintf("%d resource errors in %s", criticals, m.settings.Window),
		})
	}
	if len(m.window) >= m.settings.MinVolume {
		rate := float64(failures) / float64(len(m.window))
		if rate > m.settings.ErrorRate {
			m.fire(Alert{
				Reason:  ReasonErrorRate,
				Count:   failures,
				Rate:    rate,
				Message: fmt.Sprintf("error rate %.0f%% over %d outcomes", rate*100, len(m.window)),
			})
		}
	}
}

// Uncaught reports an error that escaped every handler. These always alert
// and are expected to trigger shutdown upstream.
func (m *Monitor) Uncaught(err error) {
	cat := types.Classify(err)
	metrics.ErrorsTotal.WithLabelValues(string(cat)).Inc()
	log.Error().Err(err).Str("category", string(cat)).Msg("Uncaught error reached supervisor")

	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[cat]++
	// Never suppressed: each uncaught error is a bug.
	m.onAlert(Alert{Reason: ReasonUncaught, Category: cat, Count: 1, Message: err.Error()})
}

// Counts returns a copy of the per-category error totals.
func (m *Monitor) Counts() map[types.ErrorCategory]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[types.ErrorCategory]int64, len(m.counts))
	for k, v := range m.counts {
		out[k] = v
	}
	return out
}

// fire dispatches an alert unless the same reason fired within the window.
// Caller holds the lock.
func (m *Monitor) fire(a Alert) {
	now := m.now()
	if last, ok := m.lastAlert[a.Reason]; ok && now.Sub(last) < m.settings.Window {
		return
	}
	m.lastAlert[a.Reason] = now
	log.Warn().
		Str("reason", string(a.Reason)).
		Int("count", a.Count).
		Float64("rate", a.Rate).
		Msg("Alert threshold crossed: " + a.Message)
	m.onAlert(a)
}

// prune drops window entries older than the rolling window. Caller holds
// the lock.
func (m *Monitor) prune() {
	cutoff := m.now().Add(-m.settings.Window)
	keep := m.window[:0]
	for _, o := range m.window {
		if o.at.After(cutoff) {
			keep = append(keep, o)
		}
	}
	m.window = keep
}

// Supervisor couples the monitor with the shutdown choreography. The
// daemon binds the two cancel functions and the drained signal after the
// worker pool starts.
type Supervisor struct {
	Monitor *Monitor

	timeout time.Duration

	mu         sync.Mutex
	stopClaims context.CancelFunc
	stopWork   context.CancelFunc
	drained    <-chan struct{}

	once       sync.Once
	shutdownCh chan struct{}
}

// New creates a supervisor. Uncaught errors request shutdown; other alerts
// only log.
func New(settings Settings, shutdownTimeout time.Duration) *Supervisor {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}
	s := &Supervisor{
		timeout:    shutdownTimeout,
		shutdownCh: make(chan struct{}),
	}
	s.Monitor = NewMonitor(settings, func(a Alert) {
		if a.Reason == ReasonUncaught {
			s.RequestShutdown()
		}
	})
	return s
}

// Bind attaches the shutdown controls. stopClaims halts new queue claims,
// stopWork hard-cancels in-flight attempts, drained closes when the worker
// pool has exited.
func (s *Supervisor) Bind(stopClaims, stopWork context.CancelFunc, drained <-chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopClaims = stopClaims
	s.stopWork = stopWork
	s.drained = drained
}

// RequestShutdown signals the daemon loop to begin graceful shutdown.
// Idempotent.
func (s *Supervisor) RequestShutdown() {
	s.once.Do(func() { close(s.shutdownCh) })
}

// ShutdownRequested closes when shutdown has been requested.
func (s *Supervisor) ShutdownRequested() <-chan struct{} {
	return s.shutdownCh
}

// Shutdown runs the choreography: stop claiming, wait for in-flight
// uploads up to the drain timeout, then cancel them and wait for the pool
// to exit. Returns an error when the drain deadline forced a hard cancel.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.RequestShutdown()

	s.mu.Lock()
	stopClaims, stopWork, drained := s.stopClaims, s.stopWork, s.drained
	s.mu.Unlock()
	if stopClaims == nil {
		return nil
	}

	log.Info().Dur("timeout", s.timeout).Msg("Graceful shutdown: draining in-flight uploads")
	stopClaims()

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()
	select {
	case <-drained:
		log.Info().Msg("All workers drained cleanly")
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	log.Warn().Msg("Drain deadline reached, cancelling in-flight uploads")
	stopWork()
	<-drained
	return fmt.Errorf("shutdown forced after %s drain timeout", s.timeout)
}
