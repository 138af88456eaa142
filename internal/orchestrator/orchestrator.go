// Package orchestrator is the public facade: job submission, cancellation,
// retry, introspection, account administration, and lifecycle. It owns no
// upload logic; it wires the store, the queue, and the supervisor into one
// coherent surface.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/Averden/uploadmatrix/internal/policy"
	"github.com/Averden/uploadmatrix/internal/queue"
	"github.com/Averden/uploadmatrix/internal/store"
	"github.com/Averden/uploadmatrix/internal/supervisor"
	"github.com/Averden/uploadmatrix/internal/types"
)

// sessionCounts is the only pool surface the facade needs.
type sessionCounts interface {
	Counts() types.PoolCounts
}

// Config holds facade tunables.
type Config struct {
	HealthThreshold int // selector eligibility floor, used for batch spread
	ProgressBuffer  int // bounded progress channel size
}

func (c *Config) applyDefaults() {
	if c.HealthThreshold <= 0 {
		c.HealthThreshold = 50
	}
	if c.ProgressBuffer <= 0 {
		c.ProgressBuffer = 256
	}
}

// Orchestrator is the single entry point for callers.
type Orchestrator struct {
	cfg      Config
	store    *store.Store
	queue    *queue.Queue
	sessions sessionCounts
	sup      *supervisor.Supervisor

	progress chan types.Progress
	mu       sync.Mutex
	latest   map[string]types.Progress

	closed atomic.Bool
}

// New wires the facade. sessions and sup may be nil in reduced setups
// (status then omits pool counts, Shutdown is a no-op).
func New(cfg Config, st *store.Store, q *queue.Queue, sessions sessionCounts, sup *supervisor.Supervisor) *Orchestrator {
	cfg.applyDefaults()
	return &Orchestrator{
		cfg:      cfg,
		store:    st,
		queue:    q,
		sessions: sessions,
		sup:      sup,
		progress: make(chan types.Progress, cfg.ProgressBuffer),
		latest:   make(map[string]types.Progress),
	}
}

// Submit persists a job and enqueues it. It returns only after the row is
// durable; persistence failures surface to the caller.
func (o *Orchestrator) Submit(ctx context.Context, video types.VideoSpec, hints types.SubmitHints) (string, error) {
	if o.closed.Load() {
		return "", types.ErrShuttingDown
	}

	job := &types.Job{
		ID:              uuid.NewString(),
		Video:           video,
		PinnedAccountID: hints.PinnedAccountID,
		Priority:        clampPriority(hints.Priority),
		MaxAttempts:     hints.MaxAttempts,
		ScheduledFor:    hints.ScheduledFor,
		Status:          types.JobPending,
	}
	if err := o.store.CreateJob(ctx, job); err != nil {
		return "", fmt.Errorf("persist job: %w", err)
	}
	if err := o.store.SetJobStatus(ctx, job.ID, types.JobPending, types.JobQueued); err != nil {
		return "", fmt.Errorf("queue job: %w", err)
	}
	if err := o.queue.Enqueue(ctx, job.ID, job.Priority, job.ScheduledFor); err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}

	log.Info().
		Str("job_id", job.ID).
		Str("title", video.Title).
		Int("priority", job.Priority).
		Str("pinned_account", hints.PinnedAccountID).
		Msg("Job submitted")
	return job.ID, nil
}

// SubmitBatch submits many videos at once. Without a caller pin it spreads
// the batch across currently eligible accounts by pinning round-robin; when
// no account qualifies the jobs go in unpinned and the selector decides at
// claim time. A caller pin applies to every job. Returns the ids created so
// far alongside the first error.
func (o *Orchestrator) SubmitBatch(ctx context.Context, videos []types.VideoSpec, hints types.SubmitHints) ([]string, error) {
	var pins []string
	if hints.PinnedAccountID == "" {
		accounts, err := o.store.GetEligible(ctx, len(videos), o.cfg.HealthThreshold)
		if err != nil {
			log.Warn().Err(err).Msg("Eligibility lookup failed, submitting batch unpinned")
		}
		for _, acct := range accounts {
			pins = append(pins, acct.ID)
		}
	}

	ids := make([]string, 0, len(videos))
	for i, video := range videos {
		h := hints
		if len(pins) > 0 {
			h.PinnedAccountID = pins[i%len(pins)]
		}
		id, err := o.Submit(ctx, video, h)
		if err != nil {
			return ids, fmt.Errorf("batch item %d: %w", i, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Cancel requests job cancellation. Before activation the job leaves the
// queue immediately; an active job keeps running and settles as cancelled
// when its worker finishes.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) error {
	status, err := o.store.RequestCancel(ctx, jobID)
	if err != nil {
		return err
	}
	if status == types.JobCancelled {
		// Not claimed yet; drop the queue entries too.
		if err := o.queue.Remove(ctx, jobID); err != nil {
			log.Warn().Err(err).Str("job_id", jobID).Msg("Failed to remove cancelled job from queue")
		}
	}
	log.Info().Str("job_id", jobID).Str("status", string(status)).Msg("Cancellation requested")
	return nil
}

// Retry re-queues a terminally failed job with a fresh attempt budget.
func (o *Orchestrator) Retry(ctx context.Context, jobID string) error {
	if err := o.store.RetryJob(ctx, jobID); err != nil {
		return err
	}
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if err := o.queue.Enqueue(ctx, jobID, job.Priority, time.Time{}); err != nil {
		return fmt.Errorf("re-enqueue job: %w", err)
	}
	log.Info().Str("job_id", jobID).Msg("Job retried")
	return nil
}

// Status returns the job's current view including its latest progress.
func (o *Orchestrator) Status(ctx context.Context, jobID string) (types.JobView, error) {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return types.JobView{}, err
	}
	o.mu.Lock()
	prog := o.latest[jobID]
	o.mu.Unlock()

	return types.JobView{
		ID:           job.ID,
		Status:       job.Status,
		Attempts:     job.Attempts,
		MaxAttempts:  job.MaxAttempts,
		Priority:     job.Priority,
		ScheduledFor: job.ScheduledFor,
		LastError:    job.LastError,
		ResultURL:    job.ResultURL,
		Progress:     prog,
	}, nil
}

// History returns the attempt history for a job, oldest first.
func (o *Orchestrator) History(ctx context.Context, jobID string) ([]types.HistoryRecord, error) {
	return o.store.JobHistory(ctx, jobID)
}

// ListAccounts returns accounts matching the filter.
func (o *Orchestrator) ListAccounts(ctx context.Context, filter types.AccountFilter) ([]*types.Account, error) {
	return o.store.ListAccounts(ctx, filter)
}

// UpsertAccount creates the account or updates an existing one. Plain
// credentials are sealed before they touch disk; pass nil to keep the
// stored ones.
func (o *Orchestrator) UpsertAccount(ctx context.Context, acct *types.Account, plainCredentials []byte) error {
	existing, err := o.store.GetAccount(ctx, acct.ID)
	if err == nil && existing != nil {
		upd := types.AccountUpdate{
			Login:      &acct.Login,
			WindowName: &acct.WindowName,
		}
		if acct.Status.Valid() {
			upd.Status = &acct.Status
		}
		if acct.DailyUploadLimit > 0 {
			upd.DailyUploadLimit = &acct.DailyUploadLimit
		}
		if plainCredentials != nil {
			sealed, serr := o.store.Seal(plainCredentials)
			if serr != nil {
				return serr
			}
			upd.Credentials = sealed
		}
		return o.store.UpdateAccount(ctx, acct.ID, upd)
	}
	return o.store.CreateAccount(ctx, acct, plainCredentials)
}

// DisableAccount takes an account out of rotation without deleting its
// history.
func (o *Orchestrator) DisableAccount(ctx context.Context, id string) error {
	return o.store.MarkStatus(ctx, id, types.StatusError)
}

// SystemStatus aggregates account, queue, and pool counters.
func (o *Orchestrator) SystemStatus(ctx context.Context) (types.SystemStatus, error) {
	var status types.SystemStatus
	var err error

	if status.Accounts, err = o.store.AccountCounts(ctx); err != nil {
		return status, err
	}
	if status.Queue, err = o.store.QueueCounts(ctx); err != nil {
		return status, err
	}
	if o.sessions != nil {
		status.Pool = o.sessions.Counts()
	}
	if status.Paused, err = o.queue.Paused(ctx); err != nil {
		return status, err
	}
	return status, nil
}

// Pause stops job dispatch. In-flight jobs continue.
func (o *Orchestrator) Pause(ctx context.Context) error {
	log.Info().Msg("Dispatch paused")
	return o.queue.Pause(ctx)
}

// Resume re-enables job dispatch.
func (o *Orchestrator) Resume(ctx context.Context) error {
	log.Info().Msg("Dispatch resumed")
	return o.queue.Resume(ctx)
}

// Progress returns the bounded progress stream. When no consumer keeps up
// the oldest updates are dropped.
func (o *Orchestrator) Progress() <-chan types.Progress {
	return o.progress
}

// Report is the worker pool's progress sink.
func (o *Orchestrator) Report(p types.Progress) {
	o.mu.Lock()
	o.latest[p.JobID] = p
	if len(o.latest) > 4*o.cfg.ProgressBuffer {
		o.dropSettledLocked()
	}
	o.mu.Unlock()

	for {
		select {
		case o.progress <- p:
			return
		default:
		}
		// Full: drop the oldest update and try again.
		select {
		case <-o.progress:
		default:
		}
	}
}

// dropSettledLocked bounds the latest-progress map by evicting finished
// jobs. Caller holds the lock.
func (o *Orchestrator) dropSettledLocked() {
	for id, p := range o.latest {
		if p.Percent >= 100 {
			delete(o.latest, id)
		}
	}
}

// SyncPolicy pushes the policy's per-account daily limits into the store.
// Called at startup and after policy reloads.
func (o *Orchestrator) SyncPolicy(ctx context.Context, p *policy.Policy) error {
	accounts, err := o.store.ListAccounts(ctx, types.AccountFilter{})
	if err != nil {
		return err
	}
	for _, acct := range accounts {
		want := p.DailyLimit(acct.ID)
		if want <= 0 || want == acct.DailyUploadLimit {
			continue
		}
		if err := o.store.UpdateAccount(ctx, acct.ID, types.AccountUpdate{DailyUploadLimit: &want}); err != nil {
			return fmt.Errorf("apply daily limit for %s: %w", acct.ID, err)
		}
		log.Info().Str("account_id", acct.ID).Int("daily_limit", want).Msg("Applied policy daily limit")
	}
	return nil
}

// Shutdown stops accepting submissions and runs the supervisor's graceful
// drain.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.closed.Store(true)
	if o.sup == nil {
		return nil
	}
	return o.sup.Shutdown(ctx)
}

func clampPriority(p int) int {
	if p < 0 {
		return 0
	}
	if p > 10 {
		return 10
	}
	return p
}
