package store

import (
	"context"
	"fmt"
	"time"

	"github.com/Averden/uploadmatrix/internal/types"
)

// Recovery log retention: only the most recent actions per
// (class, resource) key are kept.
const recoveryKeepLast = 10

func appendHistoryTx(ctx context.Context, ex execer, rec types.HistoryRecord) error {
	success := 0
	if rec.Success {
		success = 1
	}
	_, err := ex.ExecContext(ctx, `
		INSERT INTO history (job_id, account_id, session_pool_id, success, duration_ms,
			error_summary, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.JobID, rec.AccountID, rec.SessionPoolID, success, rec.Duration.Milliseconds(),
		rec.ErrorSummary, fmtTime(rec.StartedAt), fmtTime(rec.FinishedAt))
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// AppendHistory writes one outcome row outside a finalize transaction
// (attempt-level records for jobs that will retry).
func (s *Store) AppendHistory(ctx context.Context, rec types.HistoryRecord) error {
	return appendHistoryTx(ctx, s.db, rec)
}

// JobHistory returns a job's outcome rows, oldest first.
func (s *Store) JobHistory(ctx context.Context, jobID string) ([]types.HistoryRecord, error) {
	return s.queryHistory(ctx, `WHERE job_id = ?`, jobID)
}

// AccountHistory returns an account's recent outcome rows, newest first.
func (s *Store) AccountHistory(ctx context.Context, accountID string, limit int) ([]types.HistoryRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.queryHistory(ctx, `WHERE account_id = ? ORDER BY id DESC LIMIT ?`, accountID, limit)
}

func (s *Store) queryHistory(ctx context.Context, clause string, args ...any) ([]types.HistoryRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, account_id, session_pool_id, success, duration_ms,
			error_summary, started_at, finished_at
		FROM history `+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []types.HistoryRecord
	for rows.Next() {
		var (
			rec        types.HistoryRecord
			success    int
			durationMS int64
			started    string
			finished   string
		)
		if err := rows.Scan(&rec.ID, &rec.JobID, &rec.AccountID, &rec.SessionPoolID,
			&success, &durationMS, &rec.ErrorSummary, &started, &finished); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		rec.Success = success == 1
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		rec.StartedAt, _ = time.Parse(timeFmt, started)
		rec.FinishedAt, _ = time.Parse(timeFmt, finished)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// AppendRecovery records one recovery attempt and trims the key's log to
// the rolling retention window.
func (s *Store) AppendRecovery(ctx context.Context, act types.RecoveryAction) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	success := 0
	if act.Success {
		success = 1
	}
	at := act.At
	if at.IsZero() {
		at = time.Now()
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO recovery_log (class, resource_id, action, success, duration_ms, message, at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(act.Class), act.ResourceID, act.Action, success,
		act.Duration.Milliseconds(), act.Message, fmtTime(at)); err != nil {
		return fmt.Errorf("append recovery action: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM recovery_log
		WHERE class = ? AND resource_id = ?
		  AND id NOT IN (
			SELECT id FROM recovery_log WHERE class = ? AND resource_id = ?
			ORDER BY id DESC LIMIT ?
		  )`,
		string(act.Class), act.ResourceID, string(act.Class), act.ResourceID, recoveryKeepLast); err != nil {
		return fmt.Errorf("trim recovery log: %w", err)
	}

	return tx.Commit()
}

// RecoveryLog returns the retained actions for one (class, resource) key,
// newest first.
func (s *Store) RecoveryLog(ctx context.Context, class types.ErrorCategory, resourceID string) ([]types.RecoveryAction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT class, resource_id, action, success, duration_ms, message, at
		FROM recovery_log
		WHERE class = ? AND resource_id = ?
		ORDER BY id DESC`, string(class), resourceID)
	if err != nil {
		return nil, fmt.Errorf("query recovery log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var actions []types.RecoveryAction
	for rows.Next() {
		var (
			act        types.RecoveryAction
			class      string
			success    int
			durationMS int64
			at         string
		)
		if err := rows.Scan(&class, &act.ResourceID, &act.Action, &success,
			&durationMS, &act.Message, &at); err != nil {
			return nil, fmt.Errorf("scan recovery action: %w", err)
		}
		act.Class = types.ErrorCategory(class)
		act.Success = success == 1
		act.Duration = time.Duration(durationMS) * time.Millisecond
		act.At, _ = time.Parse(timeFmt, at)
		actions = append(actions, act)
	}
	return actions, rows.Err()
}
