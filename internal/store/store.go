// Package store provides SQLite persistence for accounts, jobs, upload
// history, and the recovery log. All writes are transactional; account
// credentials are sealed before they reach a row.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure Go driver, no CGO

	"github.com/Averden/uploadmatrix/internal/security"
)

// Store is the system-of-record for accounts and jobs.
type Store struct {
	db     *sql.DB
	sealer *security.Sealer
}

// Open initializes the SQLite store and runs migrations.
// WAL mode and busy_timeout are mandatory; the pragmas ride the DSN so
// they apply to every connection in the pool.
func Open(dbPath string, sealer *security.Sealer) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)", dbPath)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(1 * time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db, sealer: sealer}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Seal encrypts plaintext credentials with the store's key. Callers that
// build an AccountUpdate with new credentials must seal them first.
func (s *Store) Seal(plain []byte) ([]byte, error) {
	return s.sealer.Seal(plain)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		login TEXT NOT NULL,
		window_name TEXT NOT NULL UNIQUE,
		credentials BLOB,
		status TEXT NOT NULL DEFAULT 'active' CHECK(status IN ('active', 'limited', 'suspended', 'needs_attention', 'error')),
		health_score INTEGER NOT NULL DEFAULT 100 CHECK(health_score BETWEEN 0 AND 100),
		daily_upload_count INTEGER NOT NULL DEFAULT 0,
		daily_upload_limit INTEGER NOT NULL DEFAULT 2,
		last_upload_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_accounts_status ON accounts(status, created_at);
	CREATE INDEX IF NOT EXISTS idx_accounts_window ON accounts(window_name);

	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		source_path TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		tags TEXT NOT NULL DEFAULT '',
		privacy TEXT NOT NULL DEFAULT 'private',
		schedule_at TEXT,
		pinned_account_id TEXT,
		priority INTEGER NOT NULL DEFAULT 5,
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 3,
		scheduled_for TEXT,
		status TEXT NOT NULL DEFAULT 'pending' CHECK(status IN ('pending', 'queued', 'active', 'completed', 'failed', 'cancelled')),
		last_error TEXT NOT NULL DEFAULT '',
		result_url TEXT NOT NULL DEFAULT '',
		cancel_requested INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status, created_at);
	CREATE INDEX IF NOT EXISTS idx_jobs_account ON jobs(pinned_account_id);

	CREATE TABLE IF NOT EXISTS history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL,
		account_id TEXT NOT NULL,
		session_pool_id TEXT NOT NULL DEFAULT '',
		success INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		error_summary TEXT NOT NULL DEFAULT '',
		started_at TEXT NOT NULL,
		finished_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_history_job ON history(job_id);
	CREATE INDEX IF NOT EXISTS idx_history_account ON history(account_id);

	CREATE TABLE IF NOT EXISTS recovery_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		class TEXT NOT NULL,
		resource_id TEXT NOT NULL,
		action TEXT NOT NULL,
		success INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		message TEXT NOT NULL DEFAULT '',
		at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_recovery_key ON recovery_log(class, resource_id, at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// timeFmt is the canonical row timestamp layout (UTC, RFC3339 with ms).
const timeFmt = "2006-01-02T15:04:05.000Z07:00"

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeFmt)
}

func fmtNullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return fmtTime(t)
}

func parseTime(s sql.NullString) time.Time {
	if !s.Valid || s.String == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeFmt, s.String)
	if err != nil {
		// Fall back to plain RFC3339 for rows written by older builds
		t, _ = time.Parse(time.RFC3339, s.String)
	}
	return t
}
