package types

import "errors"

// Sentinel errors for consistent handling across the orchestrator.
// Check with errors.Is().
var (
	// Browser pool errors
	ErrPoolClosed       = errors.New("browser pool is closed")
	ErrSessionBusy      = errors.New("session is leased by another worker")
	ErrSessionUnhealthy = errors.New("browser session is unhealthy")
	ErrLeaseTimeout     = errors.New("timeout waiting for session lease")
	ErrNotLoggedIn      = errors.New("platform session is not logged in")

	// Account errors
	ErrAccountNotFound   = errors.New("account not found")
	ErrNoAccount         = errors.New("no eligible account available")
	ErrPinUnavailable    = errors.New("pinned account unavailable")
	ErrPinIneligible     = errors.New("pinned account cannot serve the job")
	ErrDailyLimitReached = errors.New("daily upload limit reached")
	ErrAccountLeased     = errors.New("account is leased by another job")

	// Queue errors
	ErrJobNotFound  = errors.New("job not found")
	ErrJobTerminal  = errors.New("job is in a terminal state")
	ErrJobNotFailed = errors.New("job is not in failed state")
	ErrQueuePaused  = errors.New("queue is paused")
	ErrClaimExpired = errors.New("job claim lease expired")
	ErrRateLimited  = errors.New("per-account rate limit exceeded")

	// Breaker errors
	ErrBreakerOpen = errors.New("circuit breaker is open")

	// Control API errors
	ErrWindowNotFound   = errors.New("browser window not found")
	ErrControlPermanent = errors.New("control API rejected the request")

	// Lifecycle errors
	ErrShuttingDown = errors.New("orchestrator is shutting down")
)

// ErrorCategory is the behavioral classification of a failure. Categories
// drive the recovery strategy; the concrete error type does not.
type ErrorCategory string

const (
	CategoryNetwork    ErrorCategory = "network"
	CategoryBrowser    ErrorCategory = "browser"
	CategoryAuth       ErrorCategory = "auth"
	CategoryRateLimit  ErrorCategory = "rate_limit"
	CategorySuspended  ErrorCategory = "suspended"
	CategoryValidation ErrorCategory = "validation"
	CategoryResource   ErrorCategory = "resource"
	CategoryUnknown    ErrorCategory = "unknown"
)

// UploadError is a classified failure flowing through the worker's
// finalize/release path. It implements error and supports unwrapping.
type UploadError struct {
	Category   ErrorCategory
	ResourceID string // account id, window name, or "control-api"
	Message    string
	Retryable  bool
	Err        error
}

// Error implements the error interface.
func (e *UploadError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Category) + " failure"
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *UploadError) Unwrap() error {
	return e.Err
}

// NewUploadError builds a classified failure.
func NewUploadError(cat ErrorCategory, resource, msg string, retryable bool, err error) *UploadError {
	return &UploadError{
		Category:   cat,
		ResourceID: resource,
		Message:    msg,
		Retryable:  retryable,
		Err:        err,
	}
}

// Classify extracts the category of err. Bare sentinels classify by what
// they mean; anything else unclassified is CategoryUnknown, which is
// retryable up to the attempt budget.
func Classify(err error) ErrorCategory {
	var ue *UploadError
	if errors.As(err, &ue) {
		return ue.Category
	}
	switch {
	case errors.Is(err, ErrNotLoggedIn):
		return CategoryAuth
	case errors.Is(err, ErrDailyLimitReached), errors.Is(err, ErrRateLimited):
		return CategoryRateLimit
	case errors.Is(err, ErrSessionBusy), errors.Is(err, ErrSessionUnhealthy),
		errors.Is(err, ErrLeaseTimeout), errors.Is(err, ErrPoolClosed),
		errors.Is(err, ErrBreakerOpen):
		return CategoryResource
	}
	return CategoryUnknown
}

// Retryable reports whether err may be retried on a later attempt.
// Unknown errors are retryable; classified errors carry their own flag.
func Retryable(err error) bool {
	var ue *UploadError
	if errors.As(err, &ue) {
		return ue.Retryable
	}
	if errors.Is(err, ErrNotLoggedIn) {
		return false
	}
	return true
}
