// Package queue implements the Redis-backed job queue: a priority-ordered
// ready set, a delayed set for scheduled and backed-off jobs, and a claim
// set granting at-least-once delivery. Claims carry a lease; a reaper
// returns expired claims to the ready set.
package queue

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/Averden/uploadmatrix/internal/metrics"
)

const (
	keyReady   = "um:q:ready"
	keyDelayed = "um:q:delayed"
	keyClaims  = "um:q:claims"
	keySeq     = "um:q:seq"
	keyPaused  = "um:q:paused"
	keyPrio    = "um:q:prio"
)

// priorityStride spaces priority bands apart in the ready-set score so the
// sequence number only breaks ties within one band. Priorities are 0-10;
// the sequence counter would need ~31 years at 1k jobs/s to cross a band.
const priorityStride = 1e12

// claimScript atomically pops the lowest-score ready member and records a
// claim with its lease deadline. The pop and the claim commit together, so
// a crash cannot lose a job between sets.
var claimScript = redis.NewScript(`
	local popped = redis.call('ZPOPMIN', KEYS[1])
	if #popped == 0 then return false end
	redis.call('ZADD', KEYS[2], ARGV[1], popped[1])
	return popped[1]
`)

// Config holds queue tunables.
type Config struct {
	ClaimLease      time.Duration // how long a claim may run before the reaper reclaims it
	PromoteInterval time.Duration // delayed -> ready scan cadence
	BackoffBase     time.Duration // retry delay base
	BackoffCap      time.Duration // retry delay ceiling
}

func (c *Config) applyDefaults() {
	if c.ClaimLease <= 0 {
		c.ClaimLease = 35 * time.Minute
	}
	if c.PromoteInterval <= 0 {
		c.PromoteInterval = 1 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 60 * time.Second
	}
}

// Queue schedules job ids. Job bodies live in the relational store; Redis
// only orders and leases the ids.
type Queue struct {
	rdb redis.UniversalClient
	cfg Config
	now func() time.Time
}

// New creates a queue over an existing Redis client.
func New(rdb redis.UniversalClient, cfg Config) *Queue {
	cfg.applyDefaults()
	return &Queue{rdb: rdb, cfg: cfg, now: time.Now}
}

// Enqueue schedules a job. delay > 0 (or a future notBefore) parks it in
// the delayed set; otherwise it is immediately ready. Lower priority values
// dequeue first; equal priorities dequeue in FIFO order.
func (q *Queue) Enqueue(ctx context.Context, jobID string, priority int, notBefore time.Time) error {
	if jobID == "" {
		return errors.New("empty job id")
	}
	if priority < 0 {
		priority = 0
	}
	if priority > 10 {
		priority = 10
	}

	// Remember the submitted priority so delayed and reclaimed jobs re-enter
	// the ready set in their own band.
	if err := q.rdb.HSet(ctx, keyPrio, jobID, priority).Err(); err != nil {
		return fmt.Errorf("store priority: %w", err)
	}

	if !notBefore.IsZero() && notBefore.After(q.now()) {
		err := q.rdb.ZAdd(ctx, keyDelayed, redis.Z{
			Score:  float64(notBefore.UnixMilli()),
			Member: jobID,
		}).Err()
		if err != nil {
			return fmt.Errorf("enqueue delayed: %w", err)
		}
		return nil
	}

	return q.pushReady(ctx, jobID, priority)
}

func (q *Queue) pushReady(ctx context.Context, jobID string, priority int) error {
	seq, err := q.rdb.Incr(ctx, keySeq).Result()
	if err != nil {
		return fmt.Errorf("next sequence: %w", err)
	}
	err = q.rdb.ZAdd(ctx, keyReady, redis.Z{
		Score:  float64(priority)*priorityStride + float64(seq),
		Member: jobID,
	}).Err()
	if err != nil {
		return fmt.Errorf("enqueue ready: %w", err)
	}
	return nil
}

// Claim pops the highest-priority ready job and leases it to the caller.
// Returns ("", nil) when the queue is empty or paused. The caller must Ack
// or Nack before the lease expires or the reaper redelivers the job.
func (q *Queue) Claim(ctx context.Context) (string, error) {
	paused, err := q.Paused(ctx)
	if err != nil {
		return "", err
	}
	if paused {
		return "", nil
	}

	deadline := q.now().Add(q.cfg.ClaimLease).UnixMilli()
	res, err := claimScript.Run(ctx, q.rdb, []string{keyReady, keyClaims}, deadline).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("claim job: %w", err)
	}
	jobID, ok := res.(string)
	if !ok || jobID == "" {
		return "", nil
	}
	return jobID, nil
}

// Ack releases a claim after the job reached a terminal state.
func (q *Queue) Ack(ctx context.Context, jobID string) error {
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, keyClaims, jobID)
	pipe.HDel(ctx, keyPrio, jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ack job: %w", err)
	}
	return nil
}

// Nack releases a claim and reschedules the job after the given delay.
// Used for retryable failures; the delay normally comes from RetryDelay.
func (q *Queue) Nack(ctx context.Context, jobID string, delay time.Duration) error {
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, keyClaims, jobID)
	pipe.ZAdd(ctx, keyDelayed, redis.Z{
		Score:  float64(q.now().Add(delay).UnixMilli()),
		Member: jobID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("nack job: %w", err)
	}
	return nil
}

// Remove drops a job from every set. Used on cancellation; removing an
// unknown id is a no-op.
func (q *Queue) Remove(ctx context.Context, jobID string) error {
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, keyReady, jobID)
	pipe.ZRem(ctx, keyDelayed, jobID)
	pipe.ZRem(ctx, keyClaims, jobID)
	pipe.HDel(ctx, keyPrio, jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remove job: %w", err)
	}
	return nil
}

// RetryDelay computes the redelivery delay for the given attempt number
// (1-based): base * 2^(attempt-1), capped, with up to 20% added jitter.
func (q *Queue) RetryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := q.cfg.BackoffBase << (attempt - 1)
	if d > q.cfg.BackoffCap || d <= 0 {
		d = q.cfg.BackoffCap
	}
	jitter := time.Duration(rand.Int63n(int64(d)/5 + 1))
	return d + jitter
}

// Pause stops Claim from handing out jobs. In-flight claims are unaffected.
func (q *Queue) Pause(ctx context.Context) error {
	return q.rdb.Set(ctx, keyPaused, "1", 0).Err()
}

// Resume re-enables Claim.
func (q *Queue) Resume(ctx context.Context) error {
	return q.rdb.Del(ctx, keyPaused).Err()
}

// Paused reports whether the queue is paused.
func (q *Queue) Paused(ctx context.Context) (bool, error) {
	n, err := q.rdb.Exists(ctx, keyPaused).Result()
	if err != nil {
		return false, fmt.Errorf("check paused: %w", err)
	}
	return n > 0, nil
}

// Peek returns up to limit ready job ids in dequeue order without
// claiming them.
func (q *Queue) Peek(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := q.rdb.ZRange(ctx, keyReady, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("peek ready: %w", err)
	}
	return ids, nil
}

// Stats reports set sizes per lane and refreshes the depth gauges.
func (q *Queue) Stats(ctx context.Context) (ready, delayed, claimed int64, err error) {
	pipe := q.rdb.Pipeline()
	readyCmd := pipe.ZCard(ctx, keyReady)
	delayedCmd := pipe.ZCard(ctx, keyDelayed)
	claimedCmd := pipe.ZCard(ctx, keyClaims)
	if _, err = pipe.Exec(ctx); err != nil {
		return 0, 0, 0, fmt.Errorf("queue stats: %w", err)
	}
	ready, delayed, claimed = readyCmd.Val(), delayedCmd.Val(), claimedCmd.Val()
	metrics.QueueDepth.WithLabelValues("ready").Set(float64(ready))
	metrics.QueueDepth.WithLabelValues("delayed").Set(float64(delayed))
	metrics.QueueDepth.WithLabelValues("claimed").Set(float64(claimed))
	return ready, delayed, claimed, nil
}

// storedPriority looks up the priority a job was submitted with, falling
// back when the hash entry is gone (jobs enqueued before a flush).
func (q *Queue) storedPriority(ctx context.Context, jobID string, fallback int) int {
	val, err := q.rdb.HGet(ctx, keyPrio, jobID).Result()
	if err != nil {
		return fallback
	}
	p, err := strconv.Atoi(val)
	if err != nil || p < 0 || p > 10 {
		return fallback
	}
	return p
}

// Promote moves due delayed jobs to the ready set, restoring each job's
// submitted priority. Returns how many moved.
func (q *Queue) Promote(ctx context.Context) (int, error) {
	now := q.now().UnixMilli()
	due, err := q.rdb.ZRangeByScore(ctx, keyDelayed, &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", now), Count: 100,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("scan delayed: %w", err)
	}

	moved := 0
	for _, jobID := range due {
		removed, err := q.rdb.ZRem(ctx, keyDelayed, jobID).Result()
		if err != nil {
			return moved, fmt.Errorf("promote job: %w", err)
		}
		if removed == 0 {
			continue // another promoter won the race
		}
		if err := q.pushReady(ctx, jobID, q.storedPriority(ctx, jobID, 5)); err != nil {
			return moved, err
		}
		moved++
	}
	return moved, nil
}

// Reap returns expired claims to the ready set at their submitted priority
// (top priority when unknown) so a crashed worker's job runs again.
func (q *Queue) Reap(ctx context.Context) (int, error) {
	now := q.now().UnixMilli()
	expired, err := q.rdb.ZRangeByScore(ctx, keyClaims, &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", now), Count: 100,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("scan claims: %w", err)
	}

	reclaimed := 0
	for _, jobID := range expired {
		removed, err := q.rdb.ZRem(ctx, keyClaims, jobID).Result()
		if err != nil {
			return reclaimed, fmt.Errorf("reap claim: %w", err)
		}
		if removed == 0 {
			continue
		}
		if err := q.pushReady(ctx, jobID, q.storedPriority(ctx, jobID, 0)); err != nil {
			return reclaimed, err
		}
		reclaimed++
		log.Warn().Str("job_id", jobID).Msg("Reclaimed expired job claim")
	}
	return reclaimed, nil
}

// Run drives the promoter and reaper until ctx is cancelled.
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(q.cfg.PromoteInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := q.Promote(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("Delayed job promotion failed")
			}
			if _, err := q.Reap(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("Claim reaping failed")
			}
			if _, _, _, err := q.Stats(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Debug().Err(err).Msg("Queue stats refresh failed")
			}
		}
	}
}
