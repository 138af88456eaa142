package selector

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/Averden/uploadmatrix/internal/security"
	"github.com/Averden/uploadmatrix/internal/store"
	"github.com/Averden/uploadmatrix/internal/types"
)

func testSelector(t *testing.T) (*Selector, *store.Store, *miniredis.Miniredis) {
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

	sel := New(st, rdb, Config{HealthThreshold: 50, LeaseTTL: time.Minute})
	return sel, st, mr
}

func addAccount(t *testing.T, st *store.Store, id string, health int) {
	t.Helper()
	acct := &types.Account{ID: id, Login: id + "@example.com", WindowName: "win-" + id, HealthScore: health}
	if err := st.CreateAccount(context.Background(), acct, nil); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
}

func TestAcquirePrefersHealthiest(t *testing.T) {
	sel, st, _ := testSelector(t)
	addAccount(t, st, "weak", 60)
	addAccount(t, st, "strong", 95)

	lease, err := sel.Acquire(context.Background(), "j1", "")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if lease.Account.ID != "strong" {
		t.Errorf("expected strong, got %s", lease.Account.ID)
	}
}

func TestAcquireSkipsLeasedAccounts(t *testing.T) {
	sel, st, _ := testSelector(t)
	ctx := context.Background()
	addAccount(t, st, "a1", 95)
	addAccount(t, st, "a2", 80)

	first, err := sel.Acquire(ctx, "j1", "")
	if err != nil || first.Account.ID != "a1" {
		t.Fatalf("first acquire: %+v %v", first, err)
	}
	second, err := sel.Acquire(ctx, "j2", "")
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if second.Account.ID != "a2" {
		t.Errorf("leased account handed out twice: %s", second.Account.ID)
	}

	if _, err := sel.Acquire(ctx, "j3", ""); !errors.Is(err, types.ErrNoAccount) {
		t.Errorf("expected ErrNoAccount, got %v", err)
	}
}

func TestAcquireNoEligible(t *testing.T) {
	sel, st, _ := testSelector(t)
	addAccount(t, st, "sick", 20) // below threshold

	if _, err := sel.Acquire(context.Background(), "j1", ""); !errors.Is(err, types.ErrNoAccount) {
		t.Errorf("expected ErrNoAccount, got %v", err)
	}
}

func TestPinnedAccountUsed(t *testing.T) {
	sel, st, _ := testSelector(t)
	addAccount(t, st, "preferred", 60)
	addAccount(t, st, "healthier", 100)

	lease, err := sel.Acquire(context.Background(), "j1", "preferred")
	if err != nil {
		t.Fatalf("Acquire pinned: %v", err)
	}
	if lease.Account.ID != "preferred" {
		t.Errorf("pin substituted: %s", lease.Account.ID)
	}
}

func TestPinnedIneligibleNeverSubstitutes(t *testing.T) {
	sel, st, _ := testSelector(t)
	ctx := context.Background()
	addAccount(t, st, "pinned", 90)
	addAccount(t, st, "other", 90)
	_ = st.MarkStatus(ctx, "pinned", types.StatusSuspended)

	_, err := sel.Acquire(ctx, "j1", "pinned")
	if !errors.Is(err, types.ErrPinIneligible) {
		t.Errorf("suspended pin: expected ErrPinIneligible, got %v", err)
	}
	if cat := types.Classify(err); cat != types.CategorySuspended {
		t.Errorf("suspended pin classified as %s", cat)
	}

	if _, err := sel.Acquire(ctx, "j1", "ghost"); !errors.Is(err, types.ErrPinIneligible) {
		t.Errorf("missing pin: expected ErrPinIneligible, got %v", err)
	}
}

func TestPinnedQuotaExhaustedIsIneligible(t *testing.T) {
	sel, st, _ := testSelector(t)
	ctx := context.Background()
	addAccount(t, st, "full", 90)
	if err := st.IncrementDaily(ctx, "full"); err != nil {
		t.Fatal(err)
	}
	if err := st.IncrementDaily(ctx, "full"); err != nil {
		t.Fatal(err)
	}

	_, err := sel.Acquire(ctx, "j1", "full")
	if !errors.Is(err, types.ErrPinIneligible) {
		t.Fatalf("saturated pin: expected ErrPinIneligible, got %v", err)
	}
	if cat := types.Classify(err); cat != types.CategoryRateLimit {
		t.Errorf("saturated pin classified as %s, want rate_limit", cat)
	}
	if types.Retryable(err) {
		t.Error("saturated pin must not be retryable")
	}
}

func TestPinnedLeasedElsewhereIsTransient(t *testing.T) {
	sel, st, _ := testSelector(t)
	ctx := context.Background()
	addAccount(t, st, "busy", 90)

	if _, err := sel.Acquire(ctx, "j1", "busy"); err != nil {
		t.Fatal(err)
	}
	if _, err := sel.Acquire(ctx, "j2", "busy"); !errors.Is(err, types.ErrPinUnavailable) {
		t.Errorf("leased pin: expected ErrPinUnavailable, got %v", err)
	}
}

func TestReleaseMakesAccountAvailable(t *testing.T) {
	sel, st, _ := testSelector(t)
	ctx := context.Background()
	addAccount(t, st, "a1", 90)

	lease, err := sel.Acquire(ctx, "j1", "")
	if err != nil {
		t.Fatal(err)
	}
	if leased, _ := sel.Leased(ctx, "a1"); !leased {
		t.Fatal("lease not visible")
	}
	if err := sel.Release(ctx, lease); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := sel.Acquire(ctx, "j2", ""); err != nil {
		t.Errorf("account unavailable after release: %v", err)
	}
}

func TestRefreshExtendsLease(t *testing.T) {
	sel, st, mr := testSelector(t)
	ctx := context.Background()
	addAccount(t, st, "a1", 90)

	lease, err := sel.Acquire(ctx, "j1", "")
	if err != nil {
		t.Fatal(err)
	}
	mr.FastForward(50 * time.Second)
	if err := sel.Refresh(ctx, lease); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	mr.FastForward(50 * time.Second)
	if leased, _ := sel.Leased(ctx, "a1"); !leased {
		t.Error("refreshed lease expired")
	}
}

func TestRefreshAfterExpiryFails(t *testing.T) {
	sel, st, mr := testSelector(t)
	ctx := context.Background()
	addAccount(t, st, "a1", 90)

	lease, err := sel.Acquire(ctx, "j1", "")
	if err != nil {
		t.Fatal(err)
	}
	mr.FastForward(2 * time.Minute)
	if err := sel.Refresh(ctx, lease); !errors.Is(err, types.ErrLeaseTimeout) {
		t.Errorf("expected ErrLeaseTimeout, got %v", err)
	}
}

func TestReleaseDoesNotStealSuccessorLease(t *testing.T) {
	sel, st, mr := testSelector(t)
	ctx := context.Background()
	addAccount(t, st, "a1", 90)

	stale, err := sel.Acquire(ctx, "j1", "")
	if err != nil {
		t.Fatal(err)
	}
	mr.FastForward(2 * time.Minute) // stale lease expires

	fresh, err := sel.Acquire(ctx, "j2", "")
	if err != nil {
		t.Fatalf("fresh acquire: %v", err)
	}
	if err := sel.Release(ctx, stale); err != nil {
		t.Fatalf("stale release: %v", err)
	}
	if leased, _ := sel.Leased(ctx, fresh.Account.ID); !leased {
		t.Error("stale holder released the fresh lease")
	}
}
