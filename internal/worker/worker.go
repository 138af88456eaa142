// Package worker runs the upload loop: claim a job, lease an account and
// its window's session, verify authentication, perform the upload, and
// settle the outcome. Resources acquired along the way are released in
// reverse order no matter where the attempt stops.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Averden/uploadmatrix/internal/breaker"
	"github.com/Averden/uploadmatrix/internal/browser"
	"github.com/Averden/uploadmatrix/internal/metrics"
	"github.com/Averden/uploadmatrix/internal/recovery"
	"github.com/Averden/uploadmatrix/internal/selector"
	"github.com/Averden/uploadmatrix/internal/types"
)

// Uploader performs the platform upload flow on an authenticated session.
// Implementations navigate the studio UI; the worker only orchestrates.
type Uploader interface {
	Upload(ctx context.Context, sess *browser.Session, job *types.Job, report func(percent int, stage string)) (resultURL string, err error)
}

// jobStore is the slice of the store the worker needs.
type jobStore interface {
	GetJob(ctx context.Context, id string) (*types.Job, error)
	ActivateJob(ctx context.Context, id string) (*types.Job, error)
	ReleaseJob(ctx context.Context, id string) error
	SetJobStatus(ctx context.Context, id string, from, to types.JobStatus) error
	FinalizeSuccess(ctx context.Context, rec types.HistoryRecord, terminal types.JobStatus, resultURL string) error
	FinalizeFailure(ctx context.Context, rec types.HistoryRecord, next types.JobStatus, lastError string, decayHealth bool) error
}

// jobQueue is the queue surface the worker consumes.
type jobQueue interface {
	Claim(ctx context.Context) (string, error)
	Ack(ctx context.Context, jobID string) error
	Nack(ctx context.Context, jobID string, delay time.Duration) error
	RetryDelay(attempt int) time.Duration
}

// accountLeaser grants exclusive account reservations.
type accountLeaser interface {
	Acquire(ctx context.Context, jobID, pinnedAccountID string) (*selector.Lease, error)
	Refresh(ctx context.Context, lease *selector.Lease) error
	Release(ctx context.Context, lease *selector.Lease) error
}

// sessionPool hands out window-bound browser sessions.
type sessionPool interface {
	Lease(ctx context.Context, windowName string) (*browser.Session, error)
	Release(ctx context.Context, sess *browser.Session, healthy bool)
	CheckLogin(ctx context.Context, sess *browser.Session) error
}

// uploadLimiter paces upload starts per account.
type uploadLimiter interface {
	Allow(ctx context.Context, accountID string) (bool, error)
	RetryAfter(ctx context.Context, accountID string) (time.Duration, error)
}

// recoverer maps a failed attempt to corrective action.
type recoverer interface {
	Recover(ctx context.Context, jobID, accountID, windowName string, attempt int, pinned bool, cause error) recovery.Outcome
}

// Observer receives every attempt outcome, classified. The supervisor's
// monitor sits behind this.
type Observer interface {
	RecordSuccess()
	RecordError(err error)
}

// ProgressFunc receives best-effort progress updates.
type ProgressFunc func(types.Progress)

// Config holds worker pool tunables.
type Config struct {
	Workers           int
	UploadTimeout     time.Duration
	PollInterval      time.Duration // idle wait between empty claims
	HeartbeatInterval time.Duration // account lease refresh cadence
	NoAccountDelay    time.Duration // redelivery delay when no account is free
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 5
	}
	if c.UploadTimeout <= 0 {
		c.UploadTimeout = 30 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 1 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 1 * time.Minute
	}
	if c.NoAccountDelay <= 0 {
		c.NoAccountDelay = 30 * time.Second
	}
}

// Pool runs a fixed set of upload workers.
type Pool struct {
	cfg      Config
	store    jobStore
	queue    jobQueue
	selector accountLeaser
	sessions sessionPool
	limiter  uploadLimiter
	breakers *breaker.Registry
	recovery recoverer
	uploader Uploader
	progress ProgressFunc
	observer Observer

	wg sync.WaitGroup
}

// SetObserver registers an outcome observer. Must be called before Run.
func (p *Pool) SetObserver(obs Observer) {
	p.observer = obs
}

// NewPool wires a worker pool. progress may be nil.
func NewPool(cfg Config, st jobStore, q jobQueue, sel accountLeaser, sessions sessionPool,
	limiter uploadLimiter, breakers *breaker.Registry, rec recoverer, up Uploader, progress ProgressFunc) *Pool {
	cfg.applyDefaults()
	if progress == nil {
		progress = func(types.Progress) {}
	}
	return &Pool{
		cfg:      cfg,
		store:    st,
		queue:    q,
		selector: sel,
		sessions: sessions,
		limiter:  limiter,
		breakers: breakers,
		recovery: rec,
		uploader: up,
		progress: progress,
	}
}

// Run starts the workers and blocks until they drain. claimCtx stops new
// claims; workCtx hard-cancels in-flight attempts. Graceful shutdown
// cancels claimCtx first and workCtx only after the drain timeout.
func (p *Pool) Run(claimCtx, workCtx context.Context) {
	log.Info().Int("workers", p.cfg.Workers).Msg("Starting upload workers")
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			p.runWorker(claimCtx, workCtx, id)
		}(i)
	}
	p.wg.Wait()
	log.Info().Msg("Upload workers drained")
}

func (p *Pool) runWorker(claimCtx, workCtx context.Context, id int) {
	logger := log.With().Int("worker", id).Logger()
	for {
		select {
		case <-claimCtx.Done():
			logger.Debug().Msg("Worker stopping")
			return
		default:
		}

		jobID, err := p.queue.Claim(claimCtx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			logger.Error().Err(err).Msg("Queue claim failed")
			sleepCtx(claimCtx, p.cfg.PollInterval)
			continue
		}
		if jobID == "" {
			sleepCtx(claimCtx, p.cfg.PollInterval)
			continue
		}

		p.process(workCtx, jobID, logger)
	}
}

// process runs one claimed job end to end.
func (p *Pool) process(ctx context.Context, jobID string, logger zerologger) {
	job, err := p.store.ActivateJob(ctx, jobID)
	if errors.Is(err, types.ErrJobTerminal) || errors.Is(err, types.ErrJobNotFound) {
		// Cancelled or settled while waiting in the queue.
		_ = p.queue.Ack(ctx, jobID)
		return
	}
	if err != nil {
		logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to activate job")
		_ = p.queue.Nack(ctx, jobID, p.cfg.NoAccountDelay)
		return
	}

	if job.CancelRequested {
		p.settleCancelled(ctx, job)
		return
	}

	// Step 1: account lease (pinned or selected).
	lease, err := p.selector.Acquire(ctx, job.ID, job.PinnedAccountID)
	if err != nil {
		if errors.Is(err, types.ErrPinIneligible) {
			p.failPinned(ctx, job, err, logger)
			return
		}
		p.deferAttempt(ctx, job, err, logger)
		return
	}
	acct := lease.Account

	// Step 2: per-account pacing.
	allowed, err := p.limiter.Allow(ctx, acct.ID)
	if err == nil && !allowed {
		wait, werr := p.limiter.RetryAfter(ctx, acct.ID)
		if werr != nil || wait <= 0 {
			wait = p.cfg.NoAccountDelay
		}
		_ = p.selector.Release(ctx, lease)
		_ = p.store.ReleaseJob(ctx, job.ID)
		_ = p.queue.Nack(ctx, job.ID, wait)
		logger.Debug().Str("account_id", acct.ID).Dur("wait", wait).Msg("Account at upload rate, deferred")
		return
	}
	if err != nil {
		logger.Warn().Err(err).Msg("Rate limiter unavailable, proceeding")
	}

	// Step 3: account circuit breaker.
	br := p.breakers.Get(acct.ID)
	if err := br.Allow(); err != nil {
		_ = p.selector.Release(ctx, lease)
		p.deferAttempt(ctx, job, err, logger)
		return
	}

	p.runAttempt(ctx, job, lease, br, logger)
}

// runAttempt owns the account lease from here on and releases it on exit.
func (p *Pool) runAttempt(ctx context.Context, job *types.Job, lease *selector.Lease, br *breaker.Breaker, logger zerologger) {
	acct := lease.Account
	started := time.Now()
	defer func() { _ = p.selector.Release(ctx, lease) }()

	// Step 4: window session.
	sess, err := p.sessions.Lease(ctx, acct.WindowName)
	if err != nil {
		br.Record(false)
		p.settleFailure(ctx, job, acct, acct.WindowName, started, err, logger)
		return
	}
	sessionHealthy := true
	defer func() { p.sessions.Release(ctx, sess, sessionHealthy) }()

	// Step 5: the profile must already be signed in.
	if err := p.sessions.CheckLogin(ctx, sess); err != nil {
		if types.Classify(err) == types.CategoryBrowser {
			sessionHealthy = false
		}
		br.Record(false)
		p.settleFailure(ctx, job, acct, sess.WindowName, started, err, logger)
		return
	}

	// Step 6: the upload itself, with lease heartbeats and cancel watching.
	uploadCtx, cancel := context.WithTimeout(ctx, p.cfg.UploadTimeout)
	defer cancel()
	stopHeartbeat := p.startHeartbeat(uploadCtx, lease, cancel, logger)
	defer stopHeartbeat()

	p.report(job.ID, 0, "starting")
	resultURL, err := p.uploader.Upload(uploadCtx, sess, job, func(percent int, stage string) {
		p.report(job.ID, percent, stage)
	})
	duration := time.Since(started)
	metrics.UploadDuration.Observe(duration.Seconds())

	if err != nil {
		if uploadCtx.Err() != nil && ctx.Err() == nil {
			err = types.NewUploadError(types.CategoryBrowser, acct.WindowName,
				fmt.Sprintf("upload timed out after %s", p.cfg.UploadTimeout), true, err)
			sessionHealthy = false
		}
		br.Record(false)
		metrics.UploadsTotal.WithLabelValues("failure").Inc()
		p.settleFailure(ctx, job, acct, sess.WindowName, started, err, logger)
		return
	}

	br.Record(true)
	if p.observer != nil {
		p.observer.RecordSuccess()
	}
	metrics.UploadsTotal.WithLabelValues("success").Inc()
	p.report(job.ID, 100, "done")

	// A cancel that arrived mid-flight still counts as a completed upload
	// against the account; only the job's terminal state differs.
	terminal := types.JobCompleted
	if fresh, gerr := p.store.GetJob(ctx, job.ID); gerr == nil && fresh.CancelRequested {
		terminal = types.JobCancelled
	}
	rec := types.HistoryRecord{
		JobID:         job.ID,
		AccountID:     acct.ID,
		SessionPoolID: acct.WindowName,
		Success:       true,
		Duration:      duration,
		StartedAt:     started,
		FinishedAt:    time.Now(),
	}
	if err := p.store.FinalizeSuccess(ctx, rec, terminal, resultURL); err != nil {
		logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to finalize successful upload")
		// The upload happened; redelivery would duplicate it. Settle the row
		// directly so no job is left active.
		if serr := p.store.SetJobStatus(ctx, job.ID, types.JobActive, terminal); serr != nil {
			logger.Error().Err(serr).Str("job_id", job.ID).Msg("Failed to settle job after upload")
		}
	}
	_ = p.queue.Ack(ctx, job.ID)
	logger.Info().
		Str("job_id", job.ID).
		Str("account_id", acct.ID).
		Dur("duration", duration).
		Str("result_url", resultURL).
		Msg("Upload completed")
}

// settleFailure routes a failed attempt through recovery and decides
// between a delayed retry and a terminal failure.
func (p *Pool) settleFailure(ctx context.Context, job *types.Job, acct *types.Account, windowName string, started time.Time, cause error, logger zerologger) {
	if p.observer != nil {
		p.observer.RecordError(cause)
	}
	outcome := p.recovery.Recover(ctx, job.ID, acct.ID, windowName, job.Attempts, job.PinnedAccountID != "", cause)

	rec := types.HistoryRecord{
		JobID:         job.ID,
		AccountID:     acct.ID,
		SessionPoolID: windowName,
		Success:       false,
		Duration:      time.Since(started),
		ErrorSummary:  cause.Error(),
		StartedAt:     started,
		FinishedAt:    time.Now(),
	}

	retry := outcome.Reschedule && job.Attempts < job.MaxAttempts
	next := types.JobFailed
	if retry {
		next = types.JobQueued
	}
	if err := p.store.FinalizeFailure(ctx, rec, next, cause.Error(), outcome.DecayHealth); err != nil {
		logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to finalize attempt")
	}

	if retry {
		delay := outcome.Delay
		if delay <= 0 {
			delay = p.queue.RetryDelay(job.Attempts)
		}
		_ = p.queue.Nack(ctx, job.ID, delay)
		logger.Warn().
			Str("job_id", job.ID).
			Int("attempt", job.Attempts).
			Dur("delay", delay).
			Err(cause).
			Msg("Upload attempt failed, rescheduled")
		return
	}

	_ = p.queue.Ack(ctx, job.ID)
	logger.Error().
		Str("job_id", job.ID).
		Int("attempts", job.Attempts).
		Err(cause).
		Msg("Job failed terminally")
}

// failPinned terminal-fails a job whose pinned account cannot serve it at
// all: missing, suspended, or out of daily quota. Waiting would not help
// because the pin forbids substitution. The account's counters are left
// untouched; nothing was uploaded.
func (p *Pool) failPinned(ctx context.Context, job *types.Job, cause error, logger zerologger) {
	if p.observer != nil {
		p.observer.RecordError(cause)
	}
	now := time.Now()
	rec := types.HistoryRecord{
		JobID:        job.ID,
		AccountID:    job.PinnedAccountID,
		Success:      false,
		ErrorSummary: cause.Error(),
		StartedAt:    now,
		FinishedAt:   now,
	}
	if err := p.store.FinalizeFailure(ctx, rec, types.JobFailed, cause.Error(), false); err != nil {
		logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to finalize pinned-account failure")
	}
	_ = p.queue.Ack(ctx, job.ID)
	logger.Error().
		Str("job_id", job.ID).
		Str("account_id", job.PinnedAccountID).
		Err(cause).
		Msg("Pinned account cannot serve the job, failed terminally")
}

// deferAttempt returns the job to the queue without consuming an attempt
// (no account was secured, so nothing ran).
func (p *Pool) deferAttempt(ctx context.Context, job *types.Job, cause error, logger zerologger) {
	_ = p.store.ReleaseJob(ctx, job.ID)

	delay := p.cfg.NoAccountDelay
	switch {
	case errors.Is(cause, types.ErrPinUnavailable):
		logger.Warn().Str("job_id", job.ID).Err(cause).Msg("Pinned account unavailable, deferred")
	case errors.Is(cause, types.ErrNoAccount):
		logger.Debug().Str("job_id", job.ID).Msg("No eligible account, deferred")
	case errors.Is(cause, types.ErrBreakerOpen):
		logger.Warn().Str("job_id", job.ID).Err(cause).Msg("Account breaker open, deferred")
	default:
		logger.Error().Str("job_id", job.ID).Err(cause).Msg("Account acquisition failed, deferred")
	}
	_ = p.queue.Nack(ctx, job.ID, delay)
}

func (p *Pool) settleCancelled(ctx context.Context, job *types.Job) {
	if err := p.store.SetJobStatus(ctx, job.ID, types.JobActive, types.JobCancelled); err != nil {
		log.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to mark claimed job cancelled")
	}
	_ = p.queue.Ack(ctx, job.ID)
	log.Info().Str("job_id", job.ID).Msg("Job cancelled before start")
}

// startHeartbeat refreshes the account lease while the upload runs. A lost
// lease aborts the attempt: another job may already own the account.
func (p *Pool) startHeartbeat(ctx context.Context, lease *selector.Lease, abort context.CancelFunc, logger zerologger) func() {
	done := make(chan struct{})
	var once sync.Once
	stop := func() { once.Do(func() { close(done) }) }

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.selector.Refresh(ctx, lease); err != nil {
					logger.Error().Err(err).
						Str("account_id", lease.Account.ID).
						Msg("Account lease lost mid-upload, aborting attempt")
					abort()
					return
				}
			}
		}
	}()
	return stop
}

func (p *Pool) report(jobID string, percent int, stage string) {
	p.progress(types.Progress{JobID: jobID, Percent: percent, Stage: stage, At: time.Now()})
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// zerologger keeps signatures short.
type zerologger = zerolog.Logger
