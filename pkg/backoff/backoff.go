// Package backoff executes operations with bounded exponential retry.
//
// Retries are driven by an explicit attempt counter and a delay schedule
// derived purely from the configuration, so tests can pin the exact schedule
// without touching the wall clock. Sleeping is injectable for the same
// reason.
package backoff

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for retry operations.
var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crmsync_retries_total",
		Help: "Total number of retry attempts by phase",
	}, []string{"phase"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "crmsync_retry_backoff_seconds",
		Help:    "Backoff delay scheduled before retries by phase",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"phase"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crmsync_retry_exhausted_total",
		Help: "Total number of operations that exhausted all retry attempts by phase",
	}, []string{"phase"})
)

// Common errors returned by the executor.
var (
	// ErrExhausted is returned when all retry attempts are exhausted.
	ErrExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during backoff.
	ErrContextCancelled = errors.New("context cancelled")
)

// SleepFunc blocks for the given duration or until the context is cancelled.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Config holds the configuration for the retry executor.
type Config struct {
	// MaxAttempts is the maximum number of attempts (including the initial one).
	MaxAttempts int

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration

	// MaxDelay caps the exponential delay growth.
	MaxDelay time.Duration

	// Multiplier is the factor applied to the delay after each retry.
	Multiplier float64

	// Phase labels metrics and log lines, e.g. "contacts_pages".
	Phase string

	// Retryable reports whether an error is worth retrying.
	// Nil means every error is retried.
	Retryable func(error) bool

	// Sleep is the sleep implementation. Nil means a context-aware
	// real sleep; tests inject a recording fake.
	Sleep SleepFunc
}

// DefaultConfig returns the default retry configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}
}

// normalized fills zero values with defaults so a zero Config is usable.
func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = d.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.Multiplier <= 1 {
		c.Multiplier = d.Multiplier
	}
	if c.Phase == "" {
		c.Phase = "default"
	}
	if c.Sleep == nil {
		c.Sleep = SleepContext
	}
	return c
}

// delayFor returns the delay scheduled after the given failed attempt
// (1-based), capped at MaxDelay. Pure function of the configuration.
func delayFor(cfg Config, attempt int) time.Duration {
	delay := cfg.InitialDelay
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if delay >= cfg.MaxDelay {
			return cfg.MaxDelay
		}
	}
	if delay > cfg.MaxDelay {
		return cfg.MaxDelay
	}
	return delay
}

// Do executes op with exponential backoff retry. A successful attempt
// returns its value immediately. After MaxAttempts total attempts the last
// error is returned wrapped in ErrExhausted with the attempt count; callers
// above the scheduler treat that as a per-unit failure, not a panic.
func Do[T any](ctx context.Context, cfg Config, op func(ctx context.Context) (T, error)) (T, error) {
	cfg = cfg.normalized()

	var zero T
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		v, err := op(ctx)
		if err == nil {
			if attempt > 1 {
				log.Info().
					Str("phase", cfg.Phase).
					Int("attempt", attempt).
					Msg("Operation succeeded after retry")
			}
			return v, nil
		}

		lastErr = err

		if cfg.Retryable != nil && !cfg.Retryable(err) {
			return zero, lastErr
		}

		if attempt >= cfg.MaxAttempts {
			break
		}

		delay := delayFor(cfg, attempt)
		retriesTotal.WithLabelValues(cfg.Phase).Inc()
		retryBackoffSeconds.WithLabelValues(cfg.Phase).Observe(delay.Seconds())

		log.Debug().
			Str("phase", cfg.Phase).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Err(err).
			Msg("Retrying after backoff")

		if err := cfg.Sleep(ctx, delay); err != nil {
			log.Warn().
				Str("phase", cfg.Phase).
				Int("attempt", attempt).
				Msg("Context cancelled during retry backoff")
			return zero, fmt.Errorf("%w: %v", ErrContextCancelled, err)
		}
	}

	retryExhaustedTotal.WithLabelValues(cfg.Phase).Inc()
	log.Warn().
		Str("phase", cfg.Phase).
		Int("max_attempts", cfg.MaxAttempts).
		Err(lastErr).
		Msg("Retry attempts exhausted")

	return zero, fmt.Errorf("%w after %d attempts: %v", ErrExhausted, cfg.MaxAttempts, lastErr)
}

// SleepContext sleeps for d, returning early with the context error when
// the context is cancelled first. It is the default SleepFunc.
func SleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
