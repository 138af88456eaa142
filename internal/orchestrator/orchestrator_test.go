package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/Averden/uploadmatrix/internal/policy"
	"github.com/Averden/uploadmatrix/internal/queue"
	"github.com/Averden/uploadmatrix/internal/security"
	"github.com/Averden/uploadmatrix/internal/store"
	"github.com/Averden/uploadmatrix/internal/types"
)

type fakePoolCounts struct {
	counts types.PoolCounts
}

func (f *fakePoolCounts) Counts() types.PoolCounts { return f.counts }

func testOrchestrator(t *testing.T) (*Orchestrator, *store.Store, *queue.Queue) {
	t.Helper()
	sealer, err := security.NewSealer(bytes.Repeat([]byte{0x42}, 32))
	if err != nil {
		t.Fatal(err)
	}
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), sealer)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	q := queue.New(rdb, queue.Config{})
	o := New(Config{ProgressBuffer: 4}, st, q, &fakePoolCounts{counts: types.PoolCounts{Total: 3, Idle: 2, Busy: 1}}, nil)
	return o, st, q
}

func video(title string) types.VideoSpec {
	return types.VideoSpec{Title: title, SourcePath: "/videos/" + title + ".mp4"}
}

func addAccount(t *testing.T, st *store.Store, id string, health int) {
	t.Helper()
	acct := &types.Account{ID: id, Login: id + "@example.com", WindowName: "win-" + id, HealthScore: health}
	if err := st.CreateAccount(context.Background(), acct, nil); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
}

func TestSubmitPersistsAndEnqueues(t *testing.T) {
	o, st, q := testOrchestrator(t)
	ctx := context.Background()

	id, err := o.Submit(ctx, video("clip"), types.SubmitHints{Priority: 3})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	job, err := st.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != types.JobQueued || job.Priority != 3 {
		t.Errorf("unexpected job row: %+v", job)
	}

	claimed, err := q.Claim(ctx)
	if err != nil || claimed != id {
		t.Errorf("job not claimable: %q %v", claimed, err)
	}
}

func TestSubmitClampsPriority(t *testing.T) {
	o, st, _ := testOrchestrator(t)
	ctx := context.Background()

	id, err := o.Submit(ctx, video("clip"), types.SubmitHints{Priority: 99})
	if err != nil {
		t.Fatal(err)
	}
	job, _ := st.GetJob(ctx, id)
	if job.Priority != 10 {
		t.Errorf("priority not clamped: %d", job.Priority)
	}
}

func TestSubmitRejectsInvalidVideo(t *testing.T) {
	o, _, _ := testOrchestrator(t)

	if _, err := o.Submit(context.Background(), types.VideoSpec{}, types.SubmitHints{}); err == nil {
		t.Error("expected validation error")
	}
}

func TestSubmitBatchSpreadsAcrossAccounts(t *testing.T) {
	o, st, _ := testOrchestrator(t)
	ctx := context.Background()
	addAccount(t, st, "a1", 90)
	addAccount(t, st, "a2", 80)

	ids, err := o.SubmitBatch(ctx, []types.VideoSpec{video("one"), video("two"), video("three")}, types.SubmitHints{})
	if err != nil {
		t.Fatalf("SubmitBatch: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("expected 3 jobs, got %d", len(ids))
	}

	pins := map[string]int{}
	for _, id := range ids {
		job, err := st.GetJob(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		pins[job.PinnedAccountID]++
	}
	// Round-robin over two accounts: 2 + 1.
	if pins["a1"] != 2 || pins["a2"] != 1 {
		t.Errorf("batch not spread round-robin: %v", pins)
	}
}

func TestSubmitBatchUnpinnedWithoutAccounts(t *testing.T) {
	o, st, _ := testOrchestrator(t)
	ctx := context.Background()

	ids, err := o.SubmitBatch(ctx, []types.VideoSpec{video("one"), video("two")}, types.SubmitHints{})
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range ids {
		job, _ := st.GetJob(ctx, id)
		if job.PinnedAccountID != "" {
			t.Errorf("job pinned with no eligible accounts: %s", job.PinnedAccountID)
		}
	}
}

func TestSubmitBatchCallerPinWins(t *testing.T) {
	o, st, _ := testOrchestrator(t)
	ctx := context.Background()
	addAccount(t, st, "a1", 90)

	ids, err := o.SubmitBatch(ctx, []types.VideoSpec{video("one"), video("two")}, types.SubmitHints{PinnedAccountID: "chosen"})
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range ids {
		job, _ := st.GetJob(ctx, id)
		if job.PinnedAccountID != "chosen" {
			t.Errorf("caller pin overridden: %s", job.PinnedAccountID)
		}
	}
}

func TestCancelQueuedRemovesFromQueue(t *testing.T) {
	o, st, q := testOrchestrator(t)
	ctx := context.Background()

	id, err := o.Submit(ctx, video("clip"), types.SubmitHints{})
	if err != nil {
		t.Fatal(err)
	}
	if err := o.Cancel(ctx, id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	job, _ := st.GetJob(ctx, id)
	if job.Status != types.JobCancelled {
		t.Errorf("expected cancelled, got %s", job.Status)
	}
	if claimed, _ := q.Claim(ctx); claimed != "" {
		t.Errorf("cancelled job still claimable: %q", claimed)
	}
}

func TestCancelUnknownJob(t *testing.T) {
	o, _, _ := testOrchestrator(t)
	if err := o.Cancel(context.Background(), "missing"); !errors.Is(err, types.ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
}

func TestRetryRequeuesFailedJob(t *testing.T) {
	o, st, q := testOrchestrator(t)
	ctx := context.Background()

	id, err := o.Submit(ctx, video("clip"), types.SubmitHints{})
	if err != nil {
		t.Fatal(err)
	}
	// Walk the job to a terminal failure.
	if _, err := q.Claim(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := st.ActivateJob(ctx, id); err != nil {
		t.Fatal(err)
	}
	rec := types.HistoryRecord{JobID: id, AccountID: "", Success: false, StartedAt: time.Now(), FinishedAt: time.Now()}
	if err := st.FinalizeFailure(ctx, rec, types.JobFailed, "boom", false); err != nil {
		t.Fatal(err)
	}
	if err := q.Ack(ctx, id); err != nil {
		t.Fatal(err)
	}

	if err := o.Retry(ctx, id); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	job, _ := st.GetJob(ctx, id)
	if job.Status != types.JobQueued || job.Attempts != 0 {
		t.Errorf("retry did not reset job: %+v", job)
	}
	if claimed, _ := q.Claim(ctx); claimed != id {
		t.Errorf("retried job not claimable: %q", claimed)
	}
}

func TestRetryRejectsNonFailedJob(t *testing.T) {
	o, _, _ := testOrchestrator(t)
	ctx := context.Background()

	id, err := o.Submit(ctx, video("clip"), types.SubmitHints{})
	if err != nil {
		t.Fatal(err)
	}
	if err := o.Retry(ctx, id); !errors.Is(err, types.ErrJobNotFailed) {
		t.Errorf("expected ErrJobNotFailed, got %v", err)
	}
}

func TestStatusIncludesProgress(t *testing.T) {
	o, _, _ := testOrchestrator(t)
	ctx := context.Background()

	id, err := o.Submit(ctx, video("clip"), types.SubmitHints{})
	if err != nil {
		t.Fatal(err)
	}
	o.Report(types.Progress{JobID: id, Percent: 40, Stage: "uploading", At: time.Now()})

	view, err := o.Status(ctx, id)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if view.Progress.Percent != 40 || view.Progress.Stage != "uploading" {
		t.Errorf("progress not surfaced: %+v", view.Progress)
	}
}

func TestSystemStatusAggregates(t *testing.T) {
	o, st, _ := testOrchestrator(t)
	ctx := context.Background()
	addAccount(t, st, "a1", 90)

	if _, err := o.Submit(ctx, video("clip"), types.SubmitHints{}); err != nil {
		t.Fatal(err)
	}

	status, err := o.SystemStatus(ctx)
	if err != nil {
		t.Fatalf("SystemStatus: %v", err)
	}
	if status.Accounts.Total != 1 || status.Accounts.Active != 1 {
		t.Errorf("account counts wrong: %+v", status.Accounts)
	}
	if status.Queue.Waiting != 1 {
		t.Errorf("queue counts wrong: %+v", status.Queue)
	}
	if status.Pool.Total != 3 || status.Pool.Busy != 1 {
		t.Errorf("pool counts wrong: %+v", status.Pool)
	}
	if status.Paused {
		t.Error("fresh system reported paused")
	}
}

func TestPauseResumeAffectDispatch(t *testing.T) {
	o, _, q := testOrchestrator(t)
	ctx := context.Background()

	id, err := o.Submit(ctx, video("clip"), types.SubmitHints{})
	if err != nil {
		t.Fatal(err)
	}

	if err := o.Pause(ctx); err != nil {
		t.Fatal(err)
	}
	if claimed, _ := q.Claim(ctx); claimed != "" {
		t.Errorf("claim succeeded while paused: %q", claimed)
	}

	if err := o.Resume(ctx); err != nil {
		t.Fatal(err)
	}
	if claimed, _ := q.Claim(ctx); claimed != id {
		t.Errorf("claim failed after resume: %q", claimed)
	}
}

func TestProgressChannelDropsOldest(t *testing.T) {
	o, _, _ := testOrchestrator(t)

	// Buffer is 4; push 6 without a consumer.
	for i := 1; i <= 6; i++ {
		o.Report(types.Progress{JobID: "j1", Percent: i * 10})
	}

	var got []int
	for {
		select {
		case p := <-o.Progress():
			got = append(got, p.Percent)
			continue
		default:
		}
		break
	}
	if len(got) != 4 {
		t.Fatalf("expected 4 buffered updates, got %d", len(got))
	}
	if got[len(got)-1] != 60 {
		t.Errorf("newest update lost: %v", got)
	}
}

func TestUpsertAccountCreatesAndUpdates(t *testing.T) {
	o, st, _ := testOrchestrator(t)
	ctx := context.Background()

	acct := &types.Account{ID: "a1", Login: "one@example.com", WindowName: "win-1"}
	if err := o.UpsertAccount(ctx, acct, []byte(`{"user":"one"}`)); err != nil {
		t.Fatalf("create: %v", err)
	}

	acct.Login = "renamed@example.com"
	acct.DailyUploadLimit = 5
	if err := o.UpsertAccount(ctx, acct, nil); err != nil {
		t.Fatalf("update: %v", err)
	}

	stored, err := st.GetAccount(ctx, "a1")
	if err != nil {
		t.Fatal(err)
	}
	if stored.Login != "renamed@example.com" || stored.DailyUploadLimit != 5 {
		t.Errorf("update not applied: %+v", stored)
	}
	// Credentials kept from the create.
	creds, err := st.Credentials(ctx, "a1")
	if err != nil || string(creds) != `{"user":"one"}` {
		t.Errorf("credentials lost on update: %q %v", creds, err)
	}
}

func TestDisableAccountRemovesEligibility(t *testing.T) {
	o, st, _ := testOrchestrator(t)
	ctx := context.Background()
	addAccount(t, st, "a1", 90)

	if err := o.DisableAccount(ctx, "a1"); err != nil {
		t.Fatal(err)
	}
	eligible, err := st.GetEligible(ctx, 1, 50)
	if err != nil {
		t.Fatal(err)
	}
	if len(eligible) != 0 {
		t.Errorf("disabled account still eligible: %+v", eligible)
	}
}

func TestSyncPolicyAppliesOverrides(t *testing.T) {
	o, st, _ := testOrchestrator(t)
	ctx := context.Background()
	addAccount(t, st, "trusted", 90)
	addAccount(t, st, "other", 90)

	p := &policy.Policy{
		DefaultDailyLimit:   2,
		DailyLimitOverrides: map[string]int{"trusted": 10},
	}
	if err := o.SyncPolicy(ctx, p); err != nil {
		t.Fatalf("SyncPolicy: %v", err)
	}

	trusted, _ := st.GetAccount(ctx, "trusted")
	other, _ := st.GetAccount(ctx, "other")
	if trusted.DailyUploadLimit != 10 {
		t.Errorf("override not applied: %d", trusted.DailyUploadLimit)
	}
	if other.DailyUploadLimit != 2 {
		t.Errorf("default changed unexpectedly: %d", other.DailyUploadLimit)
	}
}

func TestSubmitAfterShutdownRejected(t *testing.T) {
	o, _, _ := testOrchestrator(t)
	ctx := context.Background()

	if err := o.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := o.Submit(ctx, video("clip"), types.SubmitHints{}); !errors.Is(err, types.ErrShuttingDown) {
		t.Errorf("expected ErrShuttingDown, got %v", err)
	}
}
