// Package recovery maps classified upload failures to corrective actions:
// session eviction for browser faults, account state changes for platform
// verdicts, and retry pacing for transient errors. Every action lands in
// the persistent recovery log.
package recovery

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Averden/uploadmatrix/internal/metrics"
	"github.com/Averden/uploadmatrix/internal/types"
)

// networkSchedule is the fixed retry ladder for network-class failures,
// indexed by attempt number.
var networkSchedule = []time.Duration{
	1 * time.Second,
	5 * time.Second,
	15 * time.Second,
	30 * time.Second,
	60 * time.Second,
}

// Health penalties applied on top of the standard failure decay.
const (
	rateLimitPenalty = -20
	unknownPenalty   = -5
)

// accountStore is the slice of the store the engine mutates.
type accountStore interface {
	MarkStatus(ctx context.Context, id string, status types.AccountStatus) error
	AdjustHealth(ctx context.Context, id string, delta int) error
	AppendRecovery(ctx context.Context, act types.RecoveryAction) error
}

// sessionEvictor tears down a window's browser session.
type sessionEvictor interface {
	Evict(ctx context.Context, windowName string)
}

// Outcome tells the worker what to do with the failed attempt.
type Outcome struct {
	Reschedule  bool          // retry later instead of failing terminally
	Delay       time.Duration // explicit delay; zero means the queue's backoff
	DecayHealth bool          // apply the standard health decay to the account
}

// Engine executes recovery strategies.
type Engine struct {
	store accountStore
	pool  sessionEvictor
}

// New creates a recovery engine.
func New(store accountStore, pool sessionEvictor) *Engine {
	return &Engine{store: store, pool: pool}
}

// Recover inspects a failed attempt and applies the strategy for its error
// class. accountID and windowName may be empty when the failure happened
// before an account or session was acquired. pinned tells the engine the job
// is bound to this account; an account-level verdict (suspension, lost
// authentication) then fails the job instead of rescheduling it, since no
// other account may serve it.
func (e *Engine) Recover(ctx context.Context, jobID, accountID, windowName string, attempt int, pinned bool, cause error) Outcome {
	category := types.Classify(cause)
	metrics.ErrorsTotal.WithLabelValues(string(category)).Inc()

	logger := log.With().
		Str("job_id", jobID).
		Str("account_id", accountID).
		Str("category", string(category)).
		Logger()

	switch category {
	case types.CategoryBrowser:
		// The window is suspect, not the account. Rebuild the session and
		// let the attempt retry on a fresh one.
		if windowName != "" {
			e.pool.Evict(ctx, windowName)
			e.record(ctx, category, windowName, "recycle_session", true, cause)
		}
		logger.Warn().Err(cause).Msg("Browser fault, session recycled")
		return Outcome{Reschedule: true, DecayHealth: true}

	case types.CategorySuspended:
		e.markAccount(ctx, accountID, types.StatusSuspended, category, "mark_suspended", cause)
		logger.Error().Err(cause).Bool("pinned", pinned).Msg("Platform suspended the account")
		// The marked account is out of selection; an unpinned job may still
		// complete on another one.
		return Outcome{Reschedule: !pinned}

	case types.CategoryAuth:
		e.markAccount(ctx, accountID, types.StatusNeedsAttention, category, "mark_needs_attention", cause)
		logger.Error().Err(cause).Bool("pinned", pinned).Msg("Profile session lost authentication")
		return Outcome{Reschedule: !pinned}

	case types.CategoryRateLimit:
		e.markAccount(ctx, accountID, types.StatusLimited, category, "mark_limited", cause)
		if accountID != "" {
			if err := e.store.AdjustHealth(ctx, accountID, rateLimitPenalty); err != nil {
				logger.Warn().Err(err).Msg("Failed to apply rate-limit health penalty")
			}
		}
		logger.Warn().Err(cause).Msg("Platform rate limit hit, account rested")
		// The job itself is fine; retry on another account.
		return Outcome{Reschedule: true}

	case types.CategoryNetwork:
		delay := networkSchedule[len(networkSchedule)-1]
		if attempt-1 < len(networkSchedule) && attempt >= 1 {
			delay = networkSchedule[attempt-1]
		}
		e.record(ctx, category, jobID, "retry_after_network", true, cause)
		logger.Warn().Err(cause).Dur("delay", delay).Msg("Network failure, retrying on schedule")
		// Coordinator-side failure; the account did nothing wrong.
		return Outcome{Reschedule: true, Delay: delay}

	case types.CategoryValidation:
		e.record(ctx, category, jobID, "fail_invalid_job", true, cause)
		logger.Error().Err(cause).Msg("Job rejected as invalid, not retrying")
		return Outcome{Reschedule: false}

	default: // CategoryResource, CategoryUnknown
		if accountID != "" {
			if err := e.store.AdjustHealth(ctx, accountID, unknownPenalty); err != nil {
				logger.Warn().Err(err).Msg("Failed to apply health penalty")
			}
		}
		e.record(ctx, category, jobID, "retry_with_backoff", true, cause)
		retryable := types.Retryable(cause)
		logger.Warn().Err(cause).Bool("retryable", retryable).Msg("Unclassified failure")
		return Outcome{Reschedule: retryable, DecayHealth: true}
	}
}

func (e *Engine) markAccount(ctx context.Context, accountID string, status types.AccountStatus, category types.ErrorCategory, action string, cause error) {
	if accountID == "" {
		return
	}
	err := e.store.MarkStatus(ctx, accountID, status)
	if err != nil {
		log.Error().Err(err).Str("account_id", accountID).Msg("Failed to update account status")
	}
	e.recordFor(ctx, category, accountID, action, err == nil, cause)
}

func (e *Engine) record(ctx context.Context, category types.ErrorCategory, resourceID, action string, success bool, cause error) {
	e.recordFor(ctx, category, resourceID, action, success, cause)
}

func (e *Engine) recordFor(ctx context.Context, category types.ErrorCategory, resourceID, action string, success bool, cause error) {
	result := "ok"
	if !success {
		result = "error"
	}
	metrics.RecoveryActions.WithLabelValues(string(category), result).Inc()

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	act := types.RecoveryAction{
		Class:      category,
		ResourceID: resourceID,
		Action:     action,
		Success:    success,
		Message:    msg,
		At:         time.Now(),
	}
	if err := e.store.AppendRecovery(ctx, act); err != nil {
		log.Warn().Err(err).Str("action", action).Msg("Failed to persist recovery action")
	}
}
