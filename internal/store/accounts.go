package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Averden/uploadmatrix/internal/metrics"
	"github.com/Averden/uploadmatrix/internal/types"
)

// Health scoring constants. Health recovers slowly on success and decays
// fast on failure so a flapping account falls out of selection quickly.
const (
	healthSuccessDelta = 2
	healthFailureDelta = -10
)

// CreateAccount inserts a new account row. Credentials are sealed before
// insert; plaintext never reaches the database.
func (s *Store) CreateAccount(ctx context.Context, acct *types.Account, plainCredentials []byte) error {
	if acct.ID == "" || acct.Login == "" || acct.WindowName == "" {
		return errors.New("account requires id, login, and window_name")
	}
	if acct.Status == "" {
		acct.Status = types.StatusActive
	}
	if !acct.Status.Valid() {
		return fmt.Errorf("invalid account status %q", acct.Status)
	}
	if acct.HealthScore == 0 {
		acct.HealthScore = 100
	}
	if acct.DailyUploadLimit <= 0 {
		acct.DailyUploadLimit = 2
	}

	sealed := acct.EncryptedCredentials
	if plainCredentials != nil {
		var err error
		sealed, err = s.sealer.Seal(plainCredentials)
		if err != nil {
			return fmt.Errorf("seal credentials: %w", err)
		}
	}

	now := fmtTime(time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, login, window_name, credentials, status, health_score,
			daily_upload_count, daily_upload_limit, last_upload_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		acct.ID, acct.Login, acct.WindowName, sealed, string(acct.Status), acct.HealthScore,
		acct.DailyUploadCount, acct.DailyUploadLimit, fmtNullableTime(acct.LastUploadAt), now, now)
	if err != nil {
		return fmt.Errorf("insert account: %w", err)
	}
	metrics.AccountHealth.WithLabelValues(acct.ID).Set(float64(acct.HealthScore))
	return nil
}

// GetAccount returns one account row.
func (s *Store) GetAccount(ctx context.Context, id string) (*types.Account, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, login, window_name, credentials, status, health_score,
			daily_upload_count, daily_upload_limit, last_upload_at, created_at, updated_at
		FROM accounts WHERE id = ?`, id)
	return scanAccount(row)
}

// Credentials returns the decrypted credential blob for an account.
// Callers must not retain or log the returned bytes.
func (s *Store) Credentials(ctx context.Context, id string) ([]byte, error) {
	var sealed []byte
	err := s.db.QueryRowContext(ctx, `SELECT credentials FROM accounts WHERE id = ?`, id).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	if len(sealed) == 0 {
		return nil, nil
	}
	return s.sealer.Open(sealed)
}

// UpdateAccount applies a partial update.
func (s *Store) UpdateAccount(ctx context.Context, id string, upd types.AccountUpdate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	set := "updated_at = ?"
	args := []any{fmtTime(time.Now())}

	if upd.Login != nil {
		set += ", login = ?"
		args = append(args, *upd.Login)
	}
	if upd.WindowName != nil {
		set += ", window_name = ?"
		args = append(args, *upd.WindowName)
	}
	if upd.Credentials != nil {
		set += ", credentials = ?"
		args = append(args, upd.Credentials)
	}
	if upd.Status != nil {
		if !upd.Status.Valid() {
			return fmt.Errorf("invalid account status %q", *upd.Status)
		}
		set += ", status = ?"
		args = append(args, string(*upd.Status))
	}
	if upd.HealthScore != nil {
		set += ", health_score = ?"
		args = append(args, clampHealth(*upd.HealthScore))
	}
	if upd.DailyUploadLimit != nil {
		set += ", daily_upload_limit = ?"
		args = append(args, *upd.DailyUploadLimit)
	}

	args = append(args, id)
	res, err := tx.ExecContext(ctx, "UPDATE accounts SET "+set+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("update account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.ErrAccountNotFound
	}
	return tx.Commit()
}

// DeleteAccount removes an account row.
func (s *Store) DeleteAccount(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.ErrAccountNotFound
	}
	metrics.AccountHealth.DeleteLabelValues(id)
	return nil
}

// ListAccounts returns accounts matching the filter, newest first.
func (s *Store) ListAccounts(ctx context.Context, filter types.AccountFilter) ([]*types.Account, error) {
	query := `
		SELECT id, login, window_name, credentials, status, health_score,
			daily_upload_count, daily_upload_limit, last_upload_at, created_at, updated_at
		FROM accounts WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if filter.WindowName != "" {
		query += " AND window_name = ?"
		args = append(args, filter.WindowName)
	}
	if filter.MinHealth > 0 {
		query += " AND health_score >= ?"
		args = append(args, filter.MinHealth)
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var accounts []*types.Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acct)
	}
	return accounts, rows.Err()
}

// GetEligible returns up to count accounts eligible for selection:
// active, under daily limit, health at or above the threshold. Ordered by
// highest health first, then earliest last upload so quota spreads evenly.
func (s *Store) GetEligible(ctx context.Context, count, healthThreshold int) ([]*types.Account, error) {
	if count < 1 {
		count = 1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, login, window_name, credentials, status, health_score,
			daily_upload_count, daily_upload_limit, last_upload_at, created_at, updated_at
		FROM accounts
		WHERE status = 'active'
		  AND daily_upload_count < daily_upload_limit
		  AND health_score >= ?
		ORDER BY health_score DESC, COALESCE(last_upload_at, '') ASC
		LIMIT ?`, healthThreshold, count)
	if err != nil {
		return nil, fmt.Errorf("query eligible accounts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var accounts []*types.Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acct)
	}
	return accounts, rows.Err()
}

// UpdateHealth adjusts the health score: +2 on success capped at 100,
// -10 on failure floored at 0. Atomic in a single statement.
func (s *Store) UpdateHealth(ctx context.Context, id string, success bool) (int, error) {
	delta := healthFailureDelta
	if success {
		delta = healthSuccessDelta
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts
		SET health_score = MAX(0, MIN(100, health_score + ?)), updated_at = ?
		WHERE id = ?`, delta, fmtTime(time.Now()), id)
	if err != nil {
		return 0, fmt.Errorf("update health: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, types.ErrAccountNotFound
	}

	var score int
	if err := s.db.QueryRowContext(ctx, `SELECT health_score FROM accounts WHERE id = ?`, id).Scan(&score); err != nil {
		return 0, err
	}
	metrics.AccountHealth.WithLabelValues(id).Set(float64(score))
	return score, nil
}

// AdjustHealth applies an arbitrary delta (used by the recovery engine for
// category-specific penalties). Clamped to [0, 100].
func (s *Store) AdjustHealth(ctx context.Context, id string, delta int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts
		SET health_score = MAX(0, MIN(100, health_score + ?)), updated_at = ?
		WHERE id = ?`, delta, fmtTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("adjust health: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.ErrAccountNotFound
	}
	var score int
	if err := s.db.QueryRowContext(ctx, `SELECT health_score FROM accounts WHERE id = ?`, id).Scan(&score); err == nil {
		metrics.AccountHealth.WithLabelValues(id).Set(float64(score))
	}
	return nil
}

// IncrementDaily bumps the daily upload counter. The increment is a
// conditional update: it fails with ErrDailyLimitReached instead of
// check-then-increment, so two workers cannot race past the limit.
func (s *Store) IncrementDaily(ctx context.Context, id string) error {
	return s.incrementDailyExec(ctx, s.db, id)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) incrementDailyExec(ctx context.Context, ex execer, id string) error {
	now := time.Now()
	res, err := ex.ExecContext(ctx, `
		UPDATE accounts
		SET daily_upload_count = daily_upload_count + 1, last_upload_at = ?, updated_at = ?
		WHERE id = ? AND daily_upload_count < daily_upload_limit`,
		fmtTime(now), fmtTime(now), id)
	if err != nil {
		return fmt.Errorf("increment daily counter: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 1 {
		return nil
	}

	// Distinguish missing account from exhausted quota.
	var exists int
	if err := ex.QueryRowContext(ctx, `SELECT 1 FROM accounts WHERE id = ?`, id).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.ErrAccountNotFound
		}
		return err
	}
	return types.ErrDailyLimitReached
}

// MarkStatus sets the account status.
func (s *Store) MarkStatus(ctx context.Context, id string, status types.AccountStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid account status %q", status)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), fmtTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("mark status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.ErrAccountNotFound
	}
	return nil
}

// RolloverDaily zeroes every daily counter and lifts `limited` back to
// `active` for accounts whose only defect was quota. Runs at the configured
// local midnight.
func (s *Store) RolloverDaily(ctx context.Context) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	now := fmtTime(time.Now())
	res, err := tx.ExecContext(ctx,
		`UPDATE accounts SET daily_upload_count = 0, updated_at = ? WHERE daily_upload_count > 0`, now)
	if err != nil {
		return 0, fmt.Errorf("reset daily counters: %w", err)
	}
	reset, _ := res.RowsAffected()

	if _, err := tx.ExecContext(ctx,
		`UPDATE accounts SET status = 'active', updated_at = ? WHERE status = 'limited'`, now); err != nil {
		return 0, fmt.Errorf("restore limited accounts: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	log.Info().Int64("accounts_reset", reset).Msg("Daily rollover completed")
	return int(reset), nil
}

// AccountCounts aggregates accounts by status for systemStatus.
func (s *Store) AccountCounts(ctx context.Context) (types.AccountCounts, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM accounts GROUP BY status`)
	if err != nil {
		return types.AccountCounts{}, err
	}
	defer func() { _ = rows.Close() }()

	var counts types.AccountCounts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return counts, err
		}
		counts.Total += n
		switch types.AccountStatus(status) {
		case types.StatusActive:
			counts.Active = n
		case types.StatusLimited:
			counts.Limited = n
		case types.StatusSuspended:
			counts.Suspended = n
		case types.StatusError, types.StatusNeedsAttention:
			counts.Errored += n
		}
	}
	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*types.Account, error) {
	var (
		acct       types.Account
		status     string
		lastUpload sql.NullString
		createdAt  sql.NullString
		updatedAt  sql.NullString
	)
	err := row.Scan(&acct.ID, &acct.Login, &acct.WindowName, &acct.EncryptedCredentials,
		&status, &acct.HealthScore, &acct.DailyUploadCount, &acct.DailyUploadLimit,
		&lastUpload, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan account: %w", err)
	}
	acct.Status = types.AccountStatus(status)
	acct.LastUploadAt = parseTime(lastUpload)
	acct.CreatedAt = parseTime(createdAt)
	acct.UpdatedAt = parseTime(updatedAt)
	return &acct, nil
}

func clampHealth(h int) int {
	if h < 0 {
		return 0
	}
	if h > 100 {
		return 100
	}
	return h
}
