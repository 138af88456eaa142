package store

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/Averden/uploadmatrix/internal/security"
	"github.com/Averden/uploadmatrix/internal/types"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	sealer, err := security.NewSealer(bytes.Repeat([]byte{0x42}, 32))
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), sealer)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testAccount(t *testing.T, s *Store, id string) *types.Account {
	t.Helper()
	acct := &types.Account{
		ID:         id,
		Login:      id + "@example.com",
		WindowName: "win-" + id,
	}
	if err := s.CreateAccount(context.Background(), acct, []byte(`{"password":"secret"}`)); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	return acct
}

func testJob(t *testing.T, s *Store, id string) *types.Job {
	t.Helper()
	job := &types.Job{
		ID: id,
		Video: types.VideoSpec{
			Title:      "clip " + id,
			SourcePath: "/videos/" + id + ".mp4",
			Tags:       []string{"demo", "test"},
		},
		Priority: 5,
	}
	if err := s.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	return job
}

func TestAccountRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	testAccount(t, s, "a1")

	got, err := s.GetAccount(ctx, "a1")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if got.Status != types.StatusActive || got.HealthScore != 100 || got.DailyUploadLimit != 2 {
		t.Errorf("unexpected defaults: %+v", got)
	}
	if bytes.Contains(got.EncryptedCredentials, []byte("secret")) {
		t.Error("credentials stored in plaintext")
	}

	creds, err := s.Credentials(ctx, "a1")
	if err != nil {
		t.Fatalf("Credentials: %v", err)
	}
	if !bytes.Contains(creds, []byte("secret")) {
		t.Errorf("decrypted credentials wrong: %s", creds)
	}
}

func TestGetAccountMissing(t *testing.T) {
	s := testStore(t)
	if _, err := s.GetAccount(context.Background(), "nope"); !errors.Is(err, types.ErrAccountNotFound) {
		t.Errorf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestUpdateAccountPartial(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	testAccount(t, s, "a1")

	limit := 5
	status := types.StatusNeedsAttention
	if err := s.UpdateAccount(ctx, "a1", types.AccountUpdate{
		Status:           &status,
		DailyUploadLimit: &limit,
	}); err != nil {
		t.Fatalf("UpdateAccount: %v", err)
	}

	got, _ := s.GetAccount(ctx, "a1")
	if got.Status != types.StatusNeedsAttention || got.DailyUploadLimit != 5 {
		t.Errorf("update not applied: %+v", got)
	}
	if got.Login != "a1@example.com" {
		t.Errorf("untouched field changed: %q", got.Login)
	}
}

func TestHealthClamping(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	testAccount(t, s, "a1")

	// Success from 100 stays at the cap.
	score, err := s.UpdateHealth(ctx, "a1", true)
	if err != nil {
		t.Fatalf("UpdateHealth: %v", err)
	}
	if score != 100 {
		t.Errorf("expected 100, got %d", score)
	}

	// Repeated failures floor at 0.
	for i := 0; i < 12; i++ {
		if score, err = s.UpdateHealth(ctx, "a1", false); err != nil {
			t.Fatalf("UpdateHealth: %v", err)
		}
	}
	if score != 0 {
		t.Errorf("expected floor 0, got %d", score)
	}

	// Recovery is slow: one success from 0 gives 2.
	if score, _ = s.UpdateHealth(ctx, "a1", true); score != 2 {
		t.Errorf("expected 2, got %d", score)
	}
}

func TestIncrementDailyEnforcesLimit(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	testAccount(t, s, "a1") // limit defaults to 2

	if err := s.IncrementDaily(ctx, "a1"); err != nil {
		t.Fatalf("first increment: %v", err)
	}
	if err := s.IncrementDaily(ctx, "a1"); err != nil {
		t.Fatalf("second increment: %v", err)
	}
	if err := s.IncrementDaily(ctx, "a1"); !errors.Is(err, types.ErrDailyLimitReached) {
		t.Errorf("expected ErrDailyLimitReached, got %v", err)
	}
	if err := s.IncrementDaily(ctx, "ghost"); !errors.Is(err, types.ErrAccountNotFound) {
		t.Errorf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestGetEligibleOrdering(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	testAccount(t, s, "healthy")
	weak := testAccount(t, s, "weak")
	low := 30
	_ = s.UpdateAccount(ctx, weak.ID, types.AccountUpdate{HealthScore: &low})
	suspended := testAccount(t, s, "suspended")
	_ = s.MarkStatus(ctx, suspended.ID, types.StatusSuspended)
	spent := testAccount(t, s, "spent")
	_ = s.IncrementDaily(ctx, spent.ID)
	_ = s.IncrementDaily(ctx, spent.ID)

	eligible, err := s.GetEligible(ctx, 10, 50)
	if err != nil {
		t.Fatalf("GetEligible: %v", err)
	}
	if len(eligible) != 1 || eligible[0].ID != "healthy" {
		t.Errorf("expected only healthy account, got %+v", eligible)
	}
}

func TestRolloverDaily(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	testAccount(t, s, "a1")
	_ = s.IncrementDaily(ctx, "a1")
	limited := testAccount(t, s, "a2")
	_ = s.MarkStatus(ctx, limited.ID, types.StatusLimited)
	_ = s.IncrementDaily(ctx, limited.ID)

	reset, err := s.RolloverDaily(ctx)
	if err != nil {
		t.Fatalf("RolloverDaily: %v", err)
	}
	if reset != 2 {
		t.Errorf("expected 2 counters reset, got %d", reset)
	}

	a2, _ := s.GetAccount(ctx, "a2")
	if a2.Status != types.StatusActive || a2.DailyUploadCount != 0 {
		t.Errorf("limited account not restored: %+v", a2)
	}
}

func TestJobLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	testAccount(t, s, "a1")
	job := testJob(t, s, "j1")

	if job.Status != types.JobPending {
		t.Fatalf("expected pending, got %s", job.Status)
	}
	if err := s.SetJobStatus(ctx, "j1", types.JobPending, types.JobQueued); err != nil {
		t.Fatalf("queue job: %v", err)
	}

	active, err := s.ActivateJob(ctx, "j1")
	if err != nil {
		t.Fatalf("ActivateJob: %v", err)
	}
	if active.Status != types.JobActive || active.Attempts != 1 {
		t.Errorf("unexpected active job: %+v", active)
	}

	// Second activation loses the guard.
	if _, err := s.ActivateJob(ctx, "j1"); !errors.Is(err, types.ErrJobTerminal) {
		t.Errorf("double activation should fail, got %v", err)
	}

	started := time.Now().Add(-time.Minute)
	err = s.FinalizeSuccess(ctx, types.HistoryRecord{
		JobID:      "j1",
		AccountID:  "a1",
		Success:    true,
		Duration:   time.Minute,
		StartedAt:  started,
		FinishedAt: time.Now(),
	}, types.JobCompleted, "https://platform.example/v/abc")
	if err != nil {
		t.Fatalf("FinalizeSuccess: %v", err)
	}

	done, _ := s.GetJob(ctx, "j1")
	if done.Status != types.JobCompleted || done.ResultURL == "" {
		t.Errorf("unexpected final job: %+v", done)
	}

	// Counter, health, and history all committed together.
	acct, _ := s.GetAccount(ctx, "a1")
	if acct.DailyUploadCount != 1 {
		t.Errorf("daily counter not incremented: %d", acct.DailyUploadCount)
	}
	hist, _ := s.JobHistory(ctx, "j1")
	if len(hist) != 1 || !hist[0].Success {
		t.Errorf("unexpected history: %+v", hist)
	}
}

func TestFinalizeFailureDecaysHealth(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	testAccount(t, s, "a1")
	testJob(t, s, "j1")
	_ = s.SetJobStatus(ctx, "j1", types.JobPending, types.JobQueued)
	_, _ = s.ActivateJob(ctx, "j1")

	err := s.FinalizeFailure(ctx, types.HistoryRecord{
		JobID:        "j1",
		AccountID:    "a1",
		ErrorSummary: "upload button missing",
		StartedAt:    time.Now(),
		FinishedAt:   time.Now(),
	}, types.JobFailed, "upload button missing", true)
	if err != nil {
		t.Fatalf("FinalizeFailure: %v", err)
	}

	acct, _ := s.GetAccount(ctx, "a1")
	if acct.HealthScore != 90 {
		t.Errorf("expected health 90, got %d", acct.HealthScore)
	}
	if acct.DailyUploadCount != 0 {
		t.Errorf("failure must not consume quota: %d", acct.DailyUploadCount)
	}
	job, _ := s.GetJob(ctx, "j1")
	if job.Status != types.JobFailed || job.LastError == "" {
		t.Errorf("unexpected job: %+v", job)
	}
}

func TestRetryJobResetsAttempts(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	testAccount(t, s, "a1")
	testJob(t, s, "j1")
	_ = s.SetJobStatus(ctx, "j1", types.JobPending, types.JobQueued)
	_, _ = s.ActivateJob(ctx, "j1")
	_ = s.FinalizeFailure(ctx, types.HistoryRecord{JobID: "j1", AccountID: "a1",
		StartedAt: time.Now(), FinishedAt: time.Now()}, types.JobFailed, "boom", true)

	if err := s.RetryJob(ctx, "j1"); err != nil {
		t.Fatalf("RetryJob: %v", err)
	}
	job, _ := s.GetJob(ctx, "j1")
	if job.Status != types.JobQueued || job.Attempts != 0 {
		t.Errorf("retry did not reset: %+v", job)
	}
	// History keeps the failed attempt.
	hist, _ := s.JobHistory(ctx, "j1")
	if len(hist) != 1 {
		t.Errorf("history lost on retry: %+v", hist)
	}

	// Retrying a non-failed job is rejected.
	if err := s.RetryJob(ctx, "j1"); !errors.Is(err, types.ErrJobNotFailed) {
		t.Errorf("expected ErrJobNotFailed, got %v", err)
	}
}

func TestRequestCancel(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	// Queued jobs cancel immediately.
	testJob(t, s, "queued")
	_ = s.SetJobStatus(ctx, "queued", types.JobPending, types.JobQueued)
	st, err := s.RequestCancel(ctx, "queued")
	if err != nil || st != types.JobCancelled {
		t.Fatalf("cancel queued: status=%s err=%v", st, err)
	}

	// Active jobs only get flagged; the worker finishes the attempt.
	testJob(t, s, "active")
	_ = s.SetJobStatus(ctx, "active", types.JobPending, types.JobQueued)
	_, _ = s.ActivateJob(ctx, "active")
	st, err = s.RequestCancel(ctx, "active")
	if err != nil || st != types.JobActive {
		t.Fatalf("cancel active: status=%s err=%v", st, err)
	}
	job, _ := s.GetJob(ctx, "active")
	if !job.CancelRequested || job.Status != types.JobActive {
		t.Errorf("active cancel should only flag: %+v", job)
	}

	// Idempotent on terminal jobs.
	st, err = s.RequestCancel(ctx, "queued")
	if err != nil || st != types.JobCancelled {
		t.Errorf("repeat cancel: status=%s err=%v", st, err)
	}

	if _, err := s.RequestCancel(ctx, "ghost"); !errors.Is(err, types.ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
}

func TestQueueCounts(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	testJob(t, s, "j1")
	testJob(t, s, "j2")
	_ = s.SetJobStatus(ctx, "j2", types.JobPending, types.JobQueued)
	testJob(t, s, "j3")
	_ = s.SetJobStatus(ctx, "j3", types.JobPending, types.JobQueued)
	_, _ = s.ActivateJob(ctx, "j3")

	counts, err := s.QueueCounts(ctx)
	if err != nil {
		t.Fatalf("QueueCounts: %v", err)
	}
	if counts.Waiting != 2 || counts.Active != 1 {
		t.Errorf("unexpected counts: %+v", counts)
	}
}

func TestRecoveryLogRetention(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for i := 0; i < 15; i++ {
		err := s.AppendRecovery(ctx, types.RecoveryAction{
			Class:      types.CategoryBrowser,
			ResourceID: "win-1",
			Action:     "recycle_session",
			Success:    true,
		})
		if err != nil {
			t.Fatalf("AppendRecovery: %v", err)
		}
	}
	// A different key keeps its own window.
	_ = s.AppendRecovery(ctx, types.RecoveryAction{
		Class: types.CategoryAuth, ResourceID: "a1", Action: "mark_needs_attention",
	})

	actions, err := s.RecoveryLog(ctx, types.CategoryBrowser, "win-1")
	if err != nil {
		t.Fatalf("RecoveryLog: %v", err)
	}
	if len(actions) != recoveryKeepLast {
		t.Errorf("expected %d retained actions, got %d", recoveryKeepLast, len(actions))
	}

	other, _ := s.RecoveryLog(ctx, types.CategoryAuth, "a1")
	if len(other) != 1 {
		t.Errorf("unrelated key trimmed: %+v", other)
	}
}

func TestPruneJobs(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	testAccount(t, s, "a1")
	testJob(t, s, "old")
	_ = s.SetJobStatus(ctx, "old", types.JobPending, types.JobQueued)
	_, _ = s.ActivateJob(ctx, "old")
	_ = s.FinalizeSuccess(ctx, types.HistoryRecord{JobID: "old", AccountID: "a1",
		Success: true, StartedAt: time.Now(), FinishedAt: time.Now()},
		types.JobCompleted, "https://x")

	// Backdate past the retention window.
	if _, err := s.db.ExecContext(ctx, `UPDATE jobs SET updated_at = ? WHERE id = 'old'`,
		fmtTime(time.Now().Add(-48*time.Hour))); err != nil {
		t.Fatal(err)
	}

	// Fresh completed rows survive. With keep-last large this one would also
	// survive the backdate, so only check removal once the cap is exceeded by
	// verifying the query executes cleanly.
	removed, err := s.PruneJobs(ctx)
	if err != nil {
		t.Fatalf("PruneJobs: %v", err)
	}
	if removed != 0 {
		// keep-last 1000 protects the sole completed row
		t.Errorf("prune removed protected row: %d", removed)
	}
}

func TestJobTagsRoundTrip(t *testing.T) {
	s := testStore(t)
	job := testJob(t, s, "j1")

	got, err := s.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if len(got.Video.Tags) != 2 || got.Video.Tags[0] != "demo" {
		t.Errorf("tags lost: %+v", got.Video.Tags)
	}
}
