package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Averden/uploadmatrix/internal/metrics"
	"github.com/Averden/uploadmatrix/internal/types"
)

// Removal policy: completed rows survive 24h (but at least the most recent
// 1000 stay queryable); failed rows survive 7 days.
const (
	completedRetention = 24 * time.Hour
	completedKeepLast  = 1000
	failedRetention    = 7 * 24 * time.Hour
)

// CreateJob persists a new job row in `pending` state. Submission is not
// acknowledged to the caller until this write succeeds.
func (s *Store) CreateJob(ctx context.Context, job *types.Job) error {
	if job.ID == "" {
		return errors.New("job requires an id")
	}
	if job.Video.Title == "" || job.Video.SourcePath == "" {
		return errors.New("job requires a video title and source path")
	}
	if job.Status == "" {
		job.Status = types.JobPending
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = 3
	}
	if job.Video.Privacy == "" {
		job.Video.Privacy = types.PrivacyPrivate
	}

	tags, err := json.Marshal(job.Video.Tags)
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}

	now := fmtTime(time.Now())
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, title, source_path, description, tags, privacy, schedule_at,
			pinned_account_id, priority, attempts, max_attempts, scheduled_for, status,
			last_error, result_url, cancel_requested, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', '', 0, ?, ?)`,
		job.ID, job.Video.Title, job.Video.SourcePath, job.Video.Description, string(tags),
		job.Video.Privacy, fmtNullableTime(job.Video.ScheduleAt), job.PinnedAccountID,
		job.Priority, job.Attempts, job.MaxAttempts, fmtNullableTime(job.ScheduledFor),
		string(job.Status), now, now)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob returns one job row.
func (s *Store) GetJob(ctx context.Context, id string) (*types.Job, error) {
	row := s.db.QueryRowContext(ctx, jobSelect+` WHERE id = ?`, id)
	return scanJob(row)
}

// SetJobStatus moves a job to the given status with an optional transition
// guard. If from is non-empty the update only applies when the current
// status matches, serializing contended transitions.
func (s *Store) SetJobStatus(ctx context.Context, id string, from, to types.JobStatus) error {
	query := `UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?`
	args := []any{string(to), fmtTime(time.Now()), id}
	if from != "" {
		query += ` AND status = ?`
		args = append(args, string(from))
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("set job status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Either missing or a lost transition race.
		if _, err := s.GetJob(ctx, id); err != nil {
			return err
		}
		return types.ErrJobTerminal
	}
	return nil
}

// ActivateJob transitions queued -> active and increments the attempt
// counter in one statement. A second claimer loses the guard and gets
// ErrJobTerminal, preserving the at-most-one-active invariant.
func (s *Store) ActivateJob(ctx context.Context, id string) (*types.Job, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'active', attempts = attempts + 1, updated_at = ?
		WHERE id = ? AND status = 'queued'`, fmtTime(time.Now()), id)
	if err != nil {
		return nil, fmt.Errorf("activate job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetJob(ctx, id); err != nil {
			return nil, err
		}
		return nil, types.ErrJobTerminal
	}
	return s.GetJob(ctx, id)
}

// ReleaseJob returns an active job to queued without consuming an attempt
// (used when no account or session was available; the attempt never began).
func (s *Store) ReleaseJob(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'queued', attempts = MAX(0, attempts - 1), updated_at = ?
		WHERE id = ? AND status = 'active'`, fmtTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("release job: %w", err)
	}
	return nil
}

// FinalizeSuccess records a completed upload: job terminal state, daily
// counter increment, health recovery, and the history row all commit in a
// single transaction. terminal is JobCompleted, or JobCancelled when the
// worker observed completion after a cancel request.
func (s *Store) FinalizeSuccess(ctx context.Context, rec types.HistoryRecord, terminal types.JobStatus, resultURL string) error {
	if terminal != types.JobCompleted && terminal != types.JobCancelled {
		return fmt.Errorf("invalid success terminal state %q", terminal)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := fmtTime(time.Now())
	res, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = ?, result_url = ?, last_error = '', updated_at = ?
		WHERE id = ? AND status IN ('active', 'queued')`,
		string(terminal), resultURL, now, rec.JobID)
	if err != nil {
		return fmt.Errorf("finalize job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.ErrJobTerminal
	}

	if err := s.incrementDailyExec(ctx, tx, rec.AccountID); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE accounts SET health_score = MIN(100, health_score + ?), updated_at = ?
		WHERE id = ?`, healthSuccessDelta, now, rec.AccountID); err != nil {
		return fmt.Errorf("bump health: %w", err)
	}

	if err := appendHistoryTx(ctx, tx, rec); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	metrics.JobsTotal.WithLabelValues(string(terminal)).Inc()
	return nil
}

// FinalizeFailure records a failed attempt: job status (terminal failed, or
// queued for a later retry, or cancelled), health decay, and the history
// row commit together. decayHealth is false when the failure was not the
// account's fault (e.g. coordinator-side network).
func (s *Store) FinalizeFailure(ctx context.Context, rec types.HistoryRecord, next types.JobStatus, lastError string, decayHealth bool) error {
	if next != types.JobFailed && next != types.JobQueued && next != types.JobCancelled {
		return fmt.Errorf("invalid failure next state %q", next)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := fmtTime(time.Now())
	res, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = ?, last_error = ?, updated_at = ?
		WHERE id = ? AND status = 'active'`,
		string(next), lastError, now, rec.JobID)
	if err != nil {
		return fmt.Errorf("finalize job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.ErrJobTerminal
	}

	if decayHealth && rec.AccountID != "" {
		if _, err := tx.ExecContext(ctx, `
			UPDATE accounts SET health_score = MAX(0, health_score + ?), updated_at = ?
			WHERE id = ?`, healthFailureDelta, now, rec.AccountID); err != nil {
			return fmt.Errorf("decay health: %w", err)
		}
	}

	if err := appendHistoryTx(ctx, tx, rec); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	if next.Terminal() {
		metrics.JobsTotal.WithLabelValues(string(next)).Inc()
	}
	return nil
}

// RequestCancel marks a job for cancellation. Queued jobs transition to
// cancelled immediately; an active job finishes its in-flight attempt and
// is marked cancelled by the worker. Idempotent.
func (s *Store) RequestCancel(ctx context.Context, id string) (types.JobStatus, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", types.ErrJobNotFound
	}
	if err != nil {
		return "", err
	}

	now := fmtTime(time.Now())
	switch types.JobStatus(status) {
	case types.JobPending, types.JobQueued:
		if _, err := tx.ExecContext(ctx, `
			UPDATE jobs SET status = 'cancelled', cancel_requested = 1, updated_at = ? WHERE id = ?`, now, id); err != nil {
			return "", err
		}
		if err := tx.Commit(); err != nil {
			return "", err
		}
		metrics.JobsTotal.WithLabelValues(string(types.JobCancelled)).Inc()
		return types.JobCancelled, nil
	case types.JobActive:
		if _, err := tx.ExecContext(ctx, `
			UPDATE jobs SET cancel_requested = 1, updated_at = ? WHERE id = ?`, now, id); err != nil {
			return "", err
		}
		return types.JobActive, tx.Commit()
	default:
		// Terminal already; cancel is idempotent.
		return types.JobStatus(status), tx.Commit()
	}
}

// RetryJob resets a failed job for redelivery: attempts back to zero, the
// prior error stays in history, the row returns to queued.
func (s *Store) RetryJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'queued', attempts = 0, updated_at = ?
		WHERE id = ? AND status = 'failed'`, fmtTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("retry job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetJob(ctx, id); err != nil {
			return err
		}
		return types.ErrJobNotFailed
	}
	return nil
}

// ListJobs returns jobs in a given status, oldest first.
func (s *Store) ListJobs(ctx context.Context, status types.JobStatus, limit int) ([]*types.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, jobSelect+` WHERE status = ? ORDER BY created_at ASC LIMIT ?`,
		string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []*types.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ActiveJobIDs returns ids of jobs currently marked active. Used by the
// shutdown supervisor to verify no stragglers remain.
func (s *Store) ActiveJobIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM jobs WHERE status = 'active'`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// QueueCounts aggregates jobs by lifecycle stage for systemStatus.
func (s *Store) QueueCounts(ctx context.Context) (types.QueueCounts, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return types.QueueCounts{}, err
	}
	defer func() { _ = rows.Close() }()

	var counts types.QueueCounts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return counts, err
		}
		switch types.JobStatus(status) {
		case types.JobPending, types.JobQueued:
			counts.Waiting += n
		case types.JobActive:
			counts.Active = n
		case types.JobCompleted:
			counts.Completed = n
		case types.JobFailed:
			counts.Failed = n
		}
	}
	return counts, rows.Err()
}

// PruneJobs applies the removal policy. Returns rows removed.
func (s *Store) PruneJobs(ctx context.Context) (int64, error) {
	now := time.Now()
	var removed int64

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE status = 'completed' AND updated_at < ?
		  AND id NOT IN (
			SELECT id FROM jobs WHERE status = 'completed' ORDER BY updated_at DESC LIMIT ?
		  )`, fmtTime(now.Add(-completedRetention)), completedKeepLast)
	if err != nil {
		return 0, fmt.Errorf("prune completed jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	removed += n

	res, err = s.db.ExecContext(ctx, `
		DELETE FROM jobs WHERE status IN ('failed', 'cancelled') AND updated_at < ?`,
		fmtTime(now.Add(-failedRetention)))
	if err != nil {
		return 0, fmt.Errorf("prune failed jobs: %w", err)
	}
	n, _ = res.RowsAffected()
	removed += n

	return removed, nil
}

const jobSelect = `
	SELECT id, title, source_path, description, tags, privacy, schedule_at,
		pinned_account_id, priority, attempts, max_attempts, scheduled_for,
		status, last_error, result_url, cancel_requested, created_at, updated_at
	FROM jobs`

func scanJob(row rowScanner) (*types.Job, error) {
	var (
		job          types.Job
		tags         string
		scheduleAt   sql.NullString
		pinned       sql.NullString
		scheduledFor sql.NullString
		status       string
		cancelReq    int
		createdAt    sql.NullString
		updatedAt    sql.NullString
	)
	err := row.Scan(&job.ID, &job.Video.Title, &job.Video.SourcePath, &job.Video.Description,
		&tags, &job.Video.Privacy, &scheduleAt, &pinned, &job.Priority, &job.Attempts,
		&job.MaxAttempts, &scheduledFor, &status, &job.LastError, &job.ResultURL,
		&cancelReq, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	if tags != "" {
		_ = json.Unmarshal([]byte(tags), &job.Video.Tags)
	}
	job.Video.ScheduleAt = parseTime(scheduleAt)
	job.PinnedAccountID = pinned.String
	job.ScheduledFor = parseTime(scheduledFor)
	job.Status = types.JobStatus(status)
	job.CancelRequested = cancelReq == 1
	job.CreatedAt = parseTime(createdAt)
	job.UpdatedAt = parseTime(updatedAt)
	return &job, nil
}
