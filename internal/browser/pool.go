// Package browser manages pre-authenticated browser sessions. Each session
// attaches to one profile window owned by the external control process and
// is keyed by the window name an account is bound to. Sessions stay warm
// between uploads; unhealthy ones are evicted and rebuilt on demand.
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/Averden/uploadmatrix/internal/control"
	"github.com/Averden/uploadmatrix/internal/metrics"
	"github.com/Averden/uploadmatrix/internal/ratelimit"
	"github.com/Averden/uploadmatrix/internal/types"
)

// Config holds pool tunables.
type Config struct {
	MaxSessions   int           // cap on live sessions, idle included
	LeaseWait     time.Duration // how long Lease blocks for a free slot
	MaxSessionAge time.Duration // sessions older than this are rebuilt on release
	ProbeURL      string        // authenticated-area URL for login probes
}

func (c *Config) applyDefaults() {
	if c.MaxSessions <= 0 {
		c.MaxSessions = 10
	}
	if c.LeaseWait <= 0 {
		c.LeaseWait = 10 * time.Second
	}
	if c.MaxSessionAge <= 0 {
		c.MaxSessionAge = 30 * time.Minute
	}
	if c.ProbeURL == "" {
		c.ProbeURL = "https://studio.youtube.com"
	}
}

// entry tracks one window's session and its lease state. doomed marks a
// busy session for disposal on release.
type entry struct {
	sess   *Session
	busy   bool
	doomed bool
}

// Pool hands out window-bound sessions. A window has at most one session
// and a session has at most one holder; the semaphore bounds concurrent
// leases across all windows.
//
// Lock ordering: mu is never held across control-API or CDP calls.
type Pool struct {
	cfg     Config
	control *control.Client
	limiter *ratelimit.ControlLimiter

	mu       sync.Mutex
	sessions map[string]*entry
	sem      *semaphore.Weighted
	closed   atomic.Bool

	// Injection points for tests; production uses the rod implementations.
	dial   func(ctx context.Context, ws string) (*rod.Browser, error)
	health func(ctx context.Context, b *rod.Browser) bool
	probe  func(ctx context.Context, s *Session, probeURL string) error
}

// NewPool creates a session pool over the given control client.
func NewPool(cfg Config, ctrl *control.Client, limiter *ratelimit.ControlLimiter) *Pool {
	cfg.applyDefaults()
	return &Pool{
		cfg:      cfg,
		control:  ctrl,
		limiter:  limiter,
		sessions: make(map[string]*entry),
		sem:      semaphore.NewWeighted(int64(cfg.MaxSessions)),
		dial:     attach,
		health:   checkHealth,
		probe:    probeLogin,
	}
}

// Lease grants exclusive use of the named window's session, building one if
// none is warm. It blocks up to LeaseWait for a concurrency slot and fails
// with ErrLeaseTimeout when the pool stays saturated.
func (p *Pool) Lease(ctx context.Context, windowName string) (*Session, error) {
	if p.closed.Load() {
		return nil, types.ErrPoolClosed
	}
	if windowName == "" {
		return nil, errors.New("empty window name")
	}

	waitCtx, cancel := context.WithTimeout(ctx, p.cfg.LeaseWait)
	defer cancel()
	if err := p.sem.Acquire(waitCtx, 1); err != nil {
		metrics.SessionLeases.WithLabelValues("timeout").Inc()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("window %s: %w", windowName, types.ErrLeaseTimeout)
	}

	sess, err := p.leaseLocked(ctx, windowName)
	if err != nil {
		p.sem.Release(1)
		metrics.SessionLeases.WithLabelValues("error").Inc()
		return nil, err
	}
	sess.useCount.Add(1)
	metrics.SessionLeases.WithLabelValues("granted").Inc()
	return sess, nil
}

func (p *Pool) leaseLocked(ctx context.Context, windowName string) (*Session, error) {
	p.mu.Lock()
	if p.closed.Load() {
		p.mu.Unlock()
		return nil, types.ErrPoolClosed
	}

	if e, ok := p.sessions[windowName]; ok {
		if e.busy {
			p.mu.Unlock()
			return nil, fmt.Errorf("window %s: %w", windowName, types.ErrSessionBusy)
		}
		e.busy = true
		sess := e.sess
		p.mu.Unlock()

		if p.health(ctx, sess.browser) {
			return sess, nil
		}
		log.Warn().Str("window_name", windowName).Msg("Warm session unhealthy, rebuilding")
		p.evict(context.WithoutCancel(ctx), sess)
		// Fall through to a fresh build; the placeholder below reserves the slot.
		p.mu.Lock()
	}

	// Reserve the window while building outside the lock.
	placeholder := &entry{busy: true}
	p.sessions[windowName] = placeholder
	if len(p.sessions) > p.cfg.MaxSessions {
		p.evictOldestIdleLocked()
	}
	p.mu.Unlock()

	sess, err := p.open(ctx, windowName)
	if err != nil {
		p.mu.Lock()
		if p.sessions[windowName] == placeholder {
			delete(p.sessions, windowName)
		}
		p.mu.Unlock()
		return nil, err
	}

	p.mu.Lock()
	placeholder.sess = sess
	p.mu.Unlock()
	p.refreshGauges()
	return sess, nil
}

// open asks the control process for the window and attaches over CDP.
func (p *Pool) open(ctx context.Context, windowName string) (*Session, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	res, err := p.control.OpenWindow(ctx, "", windowName)
	if err != nil {
		return nil, err
	}

	browser, err := p.dial(ctx, res.WS)
	if err != nil {
		// The window opened but we cannot drive it; close it so the control
		// process does not accumulate orphans.
		_ = p.control.CloseWindow(context.WithoutCancel(ctx), res.WindowID)
		return nil, types.NewUploadError(types.CategoryBrowser, windowName,
			fmt.Sprintf("attach to window: %v", err), true, err)
	}

	log.Info().
		Str("window_name", windowName).
		Str("window_id", res.WindowID).
		Msg("Session attached")

	return &Session{
		WindowName: windowName,
		WindowID:   res.WindowID,
		OpenedAt:   time.Now(),
		browser:    browser,
	}, nil
}

// CheckLogin verifies the session's profile is still authenticated.
// ErrNotLoggedIn is permanent for the attempt; the account needs operator
// attention, not a retry.
func (p *Pool) CheckLogin(ctx context.Context, sess *Session) error {
	return p.probe(ctx, sess, p.cfg.ProbeURL)
}

// Release returns a leased session. Healthy sessions stay warm for the next
// lease; unhealthy or aged ones are torn down so the next lease rebuilds.
func (p *Pool) Release(ctx context.Context, sess *Session, healthy bool) {
	if sess == nil {
		return
	}
	defer p.sem.Release(1)

	p.mu.Lock()
	e, ok := p.sessions[sess.WindowName]
	doomed := ok && e.sess == sess && e.doomed
	p.mu.Unlock()

	expired := time.Since(sess.OpenedAt) > p.cfg.MaxSessionAge
	if p.closed.Load() || !healthy || expired || doomed {
		if expired {
			log.Info().Str("window_name", sess.WindowName).Msg("Session aged out, recycling")
		}
		p.evict(context.WithoutCancel(ctx), sess)
		return
	}

	p.mu.Lock()
	if e, ok := p.sessions[sess.WindowName]; ok && e.sess == sess {
		e.busy = false
	}
	p.mu.Unlock()
	p.refreshGauges()
}

// Evict disposes of the named window's session. Idle sessions are torn
// down immediately; a session still under lease is marked and torn down
// when its holder releases it, so the next lease rebuilds from scratch.
// Used by the recovery engine on browser-category failures.
func (p *Pool) Evict(ctx context.Context, windowName string) {
	p.mu.Lock()
	e, ok := p.sessions[windowName]
	if !ok || e.sess == nil {
		p.mu.Unlock()
		return
	}
	if e.busy {
		e.doomed = true
		p.mu.Unlock()
		log.Debug().Str("window_name", windowName).Msg("Leased session marked for disposal on release")
		return
	}
	delete(p.sessions, windowName)
	p.mu.Unlock()
	p.teardown(ctx, e.sess)
	p.refreshGauges()
}

// evict removes a session the caller holds the lease for.
func (p *Pool) evict(ctx context.Context, sess *Session) {
	p.mu.Lock()
	if e, ok := p.sessions[sess.WindowName]; ok && e.sess == sess {
		delete(p.sessions, sess.WindowName)
	}
	p.mu.Unlock()
	p.teardown(ctx, sess)
	p.refreshGauges()
}

// evictOldestIdleLocked drops the least recently opened idle session to
// stay under the cap. Caller holds mu.
func (p *Pool) evictOldestIdleLocked() {
	var victim *entry
	var victimName string
	for name, e := range p.sessions {
		if e.busy || e.sess == nil {
			continue
		}
		if victim == nil || e.sess.OpenedAt.Before(victim.sess.OpenedAt) {
			victim, victimName = e, name
		}
	}
	if victim == nil {
		return
	}
	delete(p.sessions, victimName)
	go p.teardown(context.Background(), victim.sess)
	log.Debug().Str("window_name", victimName).Msg("Idle session evicted for capacity")
}

// teardown closes the CDP connection and the profile window.
func (p *Pool) teardown(ctx context.Context, sess *Session) {
	if sess.browser != nil {
		done := make(chan struct{})
		go func() {
			defer close(done)
			if err := sess.browser.Close(); err != nil {
				log.Warn().Err(err).Str("window_name", sess.WindowName).Msg("Error detaching session")
			}
		}()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			log.Warn().Str("window_name", sess.WindowName).Msg("Session detach timed out")
		}
	}

	cctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := p.control.CloseWindow(cctx, sess.WindowID); err != nil {
		log.Warn().Err(err).Str("window_id", sess.WindowID).Msg("Failed to close profile window")
	}
}

// Counts snapshots the pool for systemStatus.
func (p *Pool) Counts() types.PoolCounts {
	p.mu.Lock()
	defer p.mu.Unlock()
	var counts types.PoolCounts
	for _, e := range p.sessions {
		if e.sess == nil {
			continue // mid-build
		}
		counts.Total++
		if e.busy {
			counts.Busy++
		} else {
			counts.Idle++
		}
	}
	return counts
}

func (p *Pool) refreshGauges() {
	counts := p.Counts()
	metrics.SessionsTotal.WithLabelValues("idle").Set(float64(counts.Idle))
	metrics.SessionsTotal.WithLabelValues("busy").Set(float64(counts.Busy))
}

// Close tears down every session. Leases in flight are allowed to finish
// releasing; new leases fail with ErrPoolClosed.
func (p *Pool) Close(ctx context.Context) error {
	if p.closed.Swap(true) {
		return nil
	}
	log.Info().Msg("Closing session pool")

	p.mu.Lock()
	var toClose []*Session
	for _, e := range p.sessions {
		if e.sess != nil {
			toClose = append(toClose, e.sess)
		}
	}
	p.sessions = make(map[string]*entry)
	p.mu.Unlock()

	eg := new(errgroup.Group)
	eg.SetLimit(4)
	for _, sess := range toClose {
		eg.Go(func() error {
			p.teardown(ctx, sess)
			return nil
		})
	}
	err := eg.Wait()
	log.Info().Int("sessions_closed", len(toClose)).Msg("Session pool closed")
	return err
}
