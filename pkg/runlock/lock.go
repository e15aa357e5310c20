// Package runlock coordinates sync runs across instances through Redis.
// A per-category lock keeps two instances from syncing the same dataset
// at once, and the last-run record makes the most recent outcome visible
// without a database round trip.
package runlock

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Redis key prefixes for run coordination.
const (
	lockKeyPrefix    = "crmsync:lock:"
	lastRunKeyPrefix = "crmsync:lastrun:"
)

// DefaultTTL bounds how long a crashed run can hold a category lock.
const DefaultTTL = 30 * time.Minute

// Prometheus metrics for run coordination.
var (
	locksAcquiredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crmsync_locks_acquired_total",
		Help: "Total number of category sync locks acquired",
	}, []string{"category"})

	locksContendedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crmsync_locks_contended_total",
		Help: "Total number of sync attempts skipped because the category lock was held",
	}, []string{"category"})
)

func lockKey(category string) string {
	return lockKeyPrefix + category
}

func lastRunKey(category string) string {
	return lastRunKeyPrefix + category
}

// Coordinator manages category sync locks and last-run state in Redis.
type Coordinator struct {
	redis  *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

// NewCoordinator creates a run coordinator. A non-positive ttl falls back
// to DefaultTTL.
func NewCoordinator(redisClient *redis.Client, ttl time.Duration) *Coordinator {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Coordinator{
		redis:  redisClient,
		ttl:    ttl,
		logger: log.With().Str("component", "runlock").Logger(),
	}
}

// Acquire takes the category lock for runID. It returns false without an
// error when another run already holds the lock; the caller skips the
// sync rather than waiting.
func (c *Coordinator) Acquire(ctx context.Context, category, runID string) (bool, error) {
	ok, err := c.redis.SetNX(ctx, lockKey(category), runID, c.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock for %s: %w", category, err)
	}

	if !ok {
		holder, err := c.redis.Get(ctx, lockKey(category)).Result()
		if err != nil && err != redis.Nil {
			holder = "unknown"
		}
		locksContendedTotal.WithLabelValues(category).Inc()
		c.logger.Warn().
			Str("category", category).
			Str("run_id", runID).
			Str("holder", holder).
			Msg("Sync already running for category, skipping")
		return false, nil
	}

	locksAcquiredTotal.WithLabelValues(category).Inc()
	c.logger.Debug().
		Str("category", category).
		Str("run_id", runID).
		Dur("ttl", c.ttl).
		Msg("Category lock acquired")

	return true, nil
}

// Release drops the category lock when runID still owns it. A lock that
// expired and was taken over by a newer run is left untouched.
func (c *Coordinator) Release(ctx context.Context, category, runID string) error {
	holder, err := c.redis.Get(ctx, lockKey(category)).Result()
	if err == redis.Nil {
		// Lock already expired.
		return nil
	}
	if err != nil {
		return fmt.Errorf("read lock for %s: %w", category, err)
	}

	if holder != runID {
		c.logger.Warn().
			Str("category", category).
			Str("run_id", runID).
			Str("holder", holder).
			Msg("Lock held by a different run, leaving it in place")
		return nil
	}

	if err := c.redis.Del(ctx, lockKey(category)).Err(); err != nil {
		return fmt.Errorf("release lock for %s: %w", category, err)
	}

	c.logger.Debug().
		Str("category", category).
		Str("run_id", runID).
		Msg("Category lock released")

	return nil
}
