// Package ratelimit spaces uploads per account with a Redis sliding window
// and throttles control-API traffic with a local token bucket. The window
// survives restarts; the bucket does not need to.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

const windowKeyPrefix = "um:rl:acct:"

// AccountLimiter enforces at most Burst upload starts per account within
// Window. Entries are timestamped members in a per-account sorted set.
type AccountLimiter struct {
	rdb    redis.UniversalClient
	window time.Duration
	burst  int
	now    func() time.Time
}

// NewAccountLimiter creates the per-account window limiter.
func NewAccountLimiter(rdb redis.UniversalClient, window time.Duration, burst int) *AccountLimiter {
	if window <= 0 {
		window = time.Hour
	}
	if burst < 1 {
		burst = 1
	}
	return &AccountLimiter{rdb: rdb, window: window, burst: burst, now: time.Now}
}

// Allow records an upload start for the account if the window has room.
// Returns false (without recording) when the account is at its rate.
func (l *AccountLimiter) Allow(ctx context.Context, accountID string) (bool, error) {
	key := windowKeyPrefix + accountID
	now := l.now()
	cutoff := now.Add(-l.window).UnixMilli()

	if err := l.rdb.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("%d", cutoff)).Err(); err != nil {
		return false, fmt.Errorf("trim rate window: %w", err)
	}
	n, err := l.rdb.ZCard(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("count rate window: %w", err)
	}
	if n >= int64(l.burst) {
		return false, nil
	}

	pipe := l.rdb.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(now.UnixMilli()),
		Member: uuid.NewString(),
	})
	pipe.Expire(ctx, key, l.window+time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("record rate entry: %w", err)
	}
	return true, nil
}

// RetryAfter reports how long until the oldest window entry ages out.
// Zero when the window has room now.
func (l *AccountLimiter) RetryAfter(ctx context.Context, accountID string) (time.Duration, error) {
	key := windowKeyPrefix + accountID
	entries, err := l.rdb.ZRangeWithScores(ctx, key, 0, 0).Result()
	if err != nil {
		return 0, fmt.Errorf("inspect rate window: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}
	n, err := l.rdb.ZCard(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if n < int64(l.burst) {
		return 0, nil
	}
	oldest := time.UnixMilli(int64(entries[0].Score))
	wait := oldest.Add(l.window).Sub(l.now())
	if wait < 0 {
		wait = 0
	}
	return wait, nil
}

// Reset clears an account's window. Used by the daily rollover.
func (l *AccountLimiter) Reset(ctx context.Context, accountID string) error {
	return l.rdb.Del(ctx, windowKeyPrefix+accountID).Err()
}

// ControlLimiter is a process-local token bucket in front of the
// browser-control API so bursts of session churn cannot flood it.
type ControlLimiter struct {
	limiter *rate.Limiter
}

// NewControlLimiter allows rps sustained calls with the given burst.
func NewControlLimiter(rps float64, burst int) *ControlLimiter {
	if rps <= 0 {
		rps = 5
	}
	if burst < 1 {
		burst = 10
	}
	return &ControlLimiter{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Wait blocks until a token is available or ctx is done.
func (l *ControlLimiter) Wait(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}
