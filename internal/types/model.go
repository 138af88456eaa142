// Package types provides shared domain records, enums, and errors for the
// upload orchestrator. Records are fixed value types validated at boundaries;
// partial updates are expressed as option structs, never open maps.
package types

import (
	"time"
)

// AccountStatus describes the lifecycle state of a platform account.
// Only StatusActive accounts are eligible for selection.
type AccountStatus string

const (
	StatusActive         AccountStatus = "active"
	StatusLimited        AccountStatus = "limited"
	StatusSuspended      AccountStatus = "suspended"
	StatusNeedsAttention AccountStatus = "needs_attention"
	StatusError          AccountStatus = "error"
)

// Valid reports whether s is a known account status.
func (s AccountStatus) Valid() bool {
	switch s {
	case StatusActive, StatusLimited, StatusSuspended, StatusNeedsAttention, StatusError:
		return true
	}
	return false
}

// Account is a platform login bound 1:1 to a browser-profile window.
// EncryptedCredentials holds an AES-GCM sealed blob; decrypted material
// exists only in RAM and must never be logged.
type Account struct {
	ID                   string
	Login                string
	WindowName           string
	EncryptedCredentials []byte
	Status               AccountStatus
	HealthScore          int // 0-100
	DailyUploadCount     int
	DailyUploadLimit     int
	LastUploadAt         time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Eligible reports whether the account may be selected for an upload under
// the given health threshold. Lease state is checked separately.
func (a *Account) Eligible(healthThreshold int) bool {
	return a.Status == StatusActive &&
		a.DailyUploadCount < a.DailyUploadLimit &&
		a.HealthScore >= healthThreshold
}

// AccountUpdate is a partial update for an account row. Nil fields are
// left untouched.
type AccountUpdate struct {
	Login            *string
	WindowName       *string
	Credentials      []byte // already sealed; nil means unchanged
	Status           *AccountStatus
	HealthScore      *int
	DailyUploadLimit *int
}

// AccountFilter narrows List results.
type AccountFilter struct {
	Status     AccountStatus // zero value matches all
	WindowName string
	MinHealth  int
}

// JobStatus describes the queue lifecycle of an upload job.
//
// pending -> queued -> active -> {completed | failed | cancelled}
// A failed job with attempts remaining transitions back to queued with a
// delayed release. completed and cancelled are terminal.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobQueued    JobStatus = "queued"
	JobActive    JobStatus = "active"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions
// (a failed job may only leave via an explicit operator retry).
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// Privacy values accepted by the platform.
const (
	PrivacyPublic   = "public"
	PrivacyUnlisted = "unlisted"
	PrivacyPrivate  = "private"
)

// VideoSpec describes one video to upload.
type VideoSpec struct {
	Title       string
	SourcePath  string
	Description string
	Tags        []string
	Privacy     string
	ScheduleAt  time.Time // zero means publish immediately
}

// Job is one upload request for one video against one chosen or pinned
// account. Priority is numeric with lower = higher priority.
type Job struct {
	ID              string
	Video           VideoSpec
	PinnedAccountID string // empty means the selector chooses
	Priority        int    // 0-10, lower first
	Attempts        int
	MaxAttempts     int
	ScheduledFor    time.Time // zero means immediately
	Status          JobStatus
	LastError       string
	ResultURL       string
	CancelRequested bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// SubmitHints tune a single submission. Zero values fall back to defaults.
type SubmitHints struct {
	Priority        int
	PinnedAccountID string
	ScheduledFor    time.Time
	MaxAttempts     int
}

// HistoryRecord is one append-only outcome row. Never mutated.
type HistoryRecord struct {
	ID            int64
	JobID         string
	AccountID     string
	SessionPoolID string
	Success       bool
	Duration      time.Duration
	ErrorSummary  string
	StartedAt     time.Time
	FinishedAt    time.Time
}

// RecoveryAction is one recorded recovery attempt, keyed by
// (error class, resource id) with rolling retention.
type RecoveryAction struct {
	Class      ErrorCategory
	ResourceID string
	Action     string
	Success    bool
	Duration   time.Duration
	Message    string
	At         time.Time
}

// Progress is a coarse, informational progress update for one job.
// Updates are delivered best-effort; consumers must tolerate gaps.
type Progress struct {
	JobID   string
	Percent int
	Stage   string
	At      time.Time
}

// SystemStatus is the orchestrator-level snapshot returned by the facade.
type SystemStatus struct {
	Accounts AccountCounts
	Queue    QueueCounts
	Pool     PoolCounts
	Paused   bool
}

// AccountCounts aggregates account rows by status.
type AccountCounts struct {
	Total     int
	Active    int
	Limited   int
	Suspended int
	Errored   int
}

// QueueCounts aggregates job rows by lifecycle stage.
type QueueCounts struct {
	Waiting   int
	Active    int
	Completed int
	Failed    int
}

// PoolCounts aggregates live browser sessions by state.
type PoolCounts struct {
	Total int
	Idle  int
	Busy  int
	Error int
}

// JobView is the introspection record returned by Status(jobID).
type JobView struct {
	ID           string
	Status       JobStatus
	Attempts     int
	MaxAttempts  int
	Priority     int
	ScheduledFor time.Time
	LastError    string
	ResultURL    string
	Progress     Progress
}
