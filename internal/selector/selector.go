// Package selector picks upload accounts. Eligibility comes from the
// relational store (active, under daily quota, healthy); exclusivity comes
// from a Redis lease so one account never runs two uploads at once, even
// across processes.
package selector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/Averden/uploadmatrix/internal/store"
	"github.com/Averden/uploadmatrix/internal/types"
)

const leaseKeyPrefix = "um:lease:acct:"

// releaseScript deletes the lease only if the holder token matches, so a
// worker whose lease expired cannot release a successor's lease.
var releaseScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

// refreshScript extends the lease only for the current holder.
var refreshScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('PEXPIRE', KEYS[1], ARGV[2])
	end
	return 0
`)

// Config holds selector tunables.
type Config struct {
	HealthThreshold int           // minimum health score for selection
	LeaseTTL        time.Duration // lock lifetime between refreshes
	CandidateCount  int           // eligible accounts fetched per attempt
}

func (c *Config) applyDefaults() {
	if c.HealthThreshold <= 0 {
		c.HealthThreshold = 50
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 5 * time.Minute
	}
	if c.CandidateCount <= 0 {
		c.CandidateCount = 10
	}
}

// Lease is a granted account reservation. The holder must call Release
// exactly once and Refresh periodically while the upload runs.
type Lease struct {
	Account *types.Account
	token   string
}

// Selector grants account leases.
type Selector struct {
	store *store.Store
	rdb   redis.UniversalClient
	cfg   Config
}

// New creates a selector.
func New(st *store.Store, rdb redis.UniversalClient, cfg Config) *Selector {
	cfg.applyDefaults()
	return &Selector{store: st, rdb: rdb, cfg: cfg}
}

// Acquire leases an account for the given job. A pinned id bypasses
// selection: the pinned account is used or the call fails with
// ErrPinUnavailable, never silently substituted. Without a pin the
// healthiest eligible unleased account wins; ErrNoAccount when none.
func (s *Selector) Acquire(ctx context.Context, jobID, pinnedAccountID string) (*Lease, error) {
	if pinnedAccountID != "" {
		return s.acquirePinned(ctx, jobID, pinnedAccountID)
	}

	candidates, err := s.store.GetEligible(ctx, s.cfg.CandidateCount, s.cfg.HealthThreshold)
	if err != nil {
		return nil, fmt.Errorf("load eligible accounts: %w", err)
	}
	for _, acct := range candidates {
		lease, err := s.tryLock(ctx, jobID, acct)
		if err != nil {
			return nil, err
		}
		if lease != nil {
			return lease, nil
		}
	}
	return nil, types.ErrNoAccount
}

// acquirePinned reserves the pinned account or explains why it cannot.
// ErrPinIneligible means waiting will not help (missing, suspended, or out
// of quota accounts stay that way for the job's lifetime); ErrPinUnavailable
// means transient contention with another holder.
func (s *Selector) acquirePinned(ctx context.Context, jobID, accountID string) (*Lease, error) {
	acct, err := s.store.GetAccount(ctx, accountID)
	if errors.Is(err, types.ErrAccountNotFound) {
		return nil, types.NewUploadError(types.CategoryValidation, accountID,
			fmt.Sprintf("pinned account %s does not exist", accountID),
			false, types.ErrPinIneligible)
	}
	if err != nil {
		return nil, err
	}
	if !acct.Eligible(s.cfg.HealthThreshold) {
		msg := fmt.Sprintf("pinned account %s ineligible (status=%s health=%d quota=%d/%d)",
			acct.ID, acct.Status, acct.HealthScore, acct.DailyUploadCount, acct.DailyUploadLimit)
		return nil, types.NewUploadError(pinFailureCategory(acct), acct.ID, msg,
			false, types.ErrPinIneligible)
	}

	lease, err := s.tryLock(ctx, jobID, acct)
	if err != nil {
		return nil, err
	}
	if lease == nil {
		return nil, fmt.Errorf("pinned account %s: %w", acct.ID, types.ErrPinUnavailable)
	}
	return lease, nil
}

// pinFailureCategory classifies why an ineligible pin failed.
func pinFailureCategory(acct *types.Account) types.ErrorCategory {
	switch {
	case acct.Status == types.StatusSuspended:
		return types.CategorySuspended
	case acct.DailyUploadCount >= acct.DailyUploadLimit:
		return types.CategoryRateLimit
	default:
		return types.CategoryResource
	}
}

// tryLock attempts the Redis lease. Returns (nil, nil) when the account is
// already leased elsewhere.
func (s *Selector) tryLock(ctx context.Context, jobID string, acct *types.Account) (*Lease, error) {
	token := jobID + ":" + acct.ID
	ok, err := s.rdb.SetNX(ctx, leaseKeyPrefix+acct.ID, token, s.cfg.LeaseTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire account lease: %w", err)
	}
	if !ok {
		return nil, nil
	}
	log.Debug().Str("account_id", acct.ID).Str("job_id", jobID).Msg("Account leased")
	return &Lease{Account: acct, token: token}, nil
}

// Refresh extends the lease TTL. ErrLeaseTimeout means the lease already
// expired and another job may hold the account; the caller should abort.
func (s *Selector) Refresh(ctx context.Context, lease *Lease) error {
	n, err := refreshScript.Run(ctx, s.rdb,
		[]string{leaseKeyPrefix + lease.Account.ID},
		lease.token, s.cfg.LeaseTTL.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("refresh account lease: %w", err)
	}
	if n == 0 {
		return types.ErrLeaseTimeout
	}
	return nil
}

// Release drops the lease. Safe to call after expiry; only the original
// holder's lock is removed.
func (s *Selector) Release(ctx context.Context, lease *Lease) error {
	_, err := releaseScript.Run(ctx, s.rdb,
		[]string{leaseKeyPrefix + lease.Account.ID}, lease.token).Int()
	if err != nil {
		return fmt.Errorf("release account lease: %w", err)
	}
	return nil
}

// Leased reports whether the account currently has a holder.
func (s *Selector) Leased(ctx context.Context, accountID string) (bool, error) {
	n, err := s.rdb.Exists(ctx, leaseKeyPrefix+accountID).Result()
	if err != nil {
		return false, fmt.Errorf("check account lease: %w", err)
	}
	return n > 0, nil
}
