// Package batch runs work units in paced concurrent groups.
//
// Units are partitioned into consecutive groups of bounded size. All units
// of a group run concurrently and a barrier waits for the whole group before
// the next one starts, which holds the steady-state request rate at
// GroupSize per GroupInterval. Failures never abort a run: every unit
// produces a result slot at its original index.
package batch

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"

	"github.com/crmtools/crmsync/pkg/backoff"
)

// Prometheus metrics for group scheduling.
var (
	batchGroupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crmsync_batch_groups_total",
		Help: "Total number of task groups executed by phase",
	}, []string{"phase"})

	batchTasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crmsync_batch_tasks_total",
		Help: "Total number of tasks executed by phase and outcome",
	}, []string{"phase", "status"})

	batchGroupDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "crmsync_batch_group_duration_seconds",
		Help:    "Wall clock duration of task groups by phase",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"phase"})
)

// Task is a single unit of work producing a value or an error.
type Task[T any] func(ctx context.Context) (T, error)

// Result holds a task outcome at its original submission index.
// Err == nil means success.
type Result[T any] struct {
	Index int
	Value T
	Err   error
}

// Config holds scheduler configuration.
type Config struct {
	// GroupSize is the maximum number of tasks running concurrently.
	GroupSize int

	// GroupInterval is the minimum start-to-start spacing between groups.
	GroupInterval time.Duration

	// Retry configures the per-task retry executor.
	Retry backoff.Config

	// Phase labels metrics and log lines, e.g. "contacts_pages".
	Phase string

	// Sleep is the pacing sleep implementation. Nil means a context-aware
	// real sleep; tests inject a recording fake.
	Sleep backoff.SleepFunc
}

// DefaultConfig returns the default scheduler configuration:
// 10 concurrent tasks per group, at most one group started per second.
func DefaultConfig() Config {
	return Config{
		GroupSize:     10,
		GroupInterval: 1 * time.Second,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.GroupSize <= 0 {
		c.GroupSize = d.GroupSize
	}
	if c.GroupInterval < 0 {
		c.GroupInterval = d.GroupInterval
	}
	if c.Phase == "" {
		c.Phase = "default"
	}
	if c.Retry.Phase == "" {
		c.Retry.Phase = c.Phase
	}
	if c.Sleep == nil {
		c.Sleep = backoff.SleepContext
	}
	return c
}

// Run executes every task and returns one result per task in submission
// order. Each task runs under the configured retry executor; a task that
// exhausts its retries yields a failed result slot, never an early return.
func Run[T any](ctx context.Context, tasks []Task[T], cfg Config) []Result[T] {
	cfg = cfg.normalized()

	results := make([]Result[T], len(tasks))
	if len(tasks) == 0 {
		return results
	}

	start := time.Now()
	groups := (len(tasks) + cfg.GroupSize - 1) / cfg.GroupSize

	log.Debug().
		Str("phase", cfg.Phase).
		Int("tasks", len(tasks)).
		Int("groups", groups).
		Int("group_size", cfg.GroupSize).
		Msg("Scheduling task groups")

	for g := 0; g < groups; g++ {
		groupStart := time.Now()

		lo := g * cfg.GroupSize
		hi := lo + cfg.GroupSize
		if hi > len(tasks) {
			hi = len(tasks)
		}

		var wg sync.WaitGroup
		for i := lo; i < hi; i++ {
			wg.Add(1)
			go func(idx int) {
				defer wg.Done()

				// Each goroutine writes only its own slot.
				v, err := backoff.Do(ctx, cfg.Retry, tasks[idx])
				results[idx] = Result[T]{Index: idx, Value: v, Err: err}

				if err != nil {
					batchTasksTotal.WithLabelValues(cfg.Phase, "failed").Inc()
					log.Warn().
						Str("phase", cfg.Phase).
						Int("index", idx).
						Err(err).
						Msg("Task failed")
					return
				}
				batchTasksTotal.WithLabelValues(cfg.Phase, "ok").Inc()
			}(i)
		}
		wg.Wait()

		elapsed := time.Since(groupStart)
		batchGroupsTotal.WithLabelValues(cfg.Phase).Inc()
		batchGroupDurationSeconds.WithLabelValues(cfg.Phase).Observe(elapsed.Seconds())

		log.Debug().
			Str("phase", cfg.Phase).
			Int("group", g+1).
			Int("groups", groups).
			Int("tasks", hi-lo).
			Dur("duration", elapsed).
			Msg("Group complete")

		// Pace the next group so group starts stay at least
		// GroupInterval apart.
		if g < groups-1 {
			if wait := cfg.GroupInterval - elapsed; wait > 0 {
				if err := cfg.Sleep(ctx, wait); err != nil {
					log.Debug().
						Str("phase", cfg.Phase).
						Msg("Pacing sleep interrupted, continuing without delay")
				}
			}
		}
	}

	failed := 0
	for i := range results {
		if results[i].Err != nil {
			failed++
		}
	}

	log.Info().
		Str("phase", cfg.Phase).
		Int("tasks", len(tasks)).
		Int("groups", groups).
		Int("failed", failed).
		Dur("duration", time.Since(start)).
		Msg("Batch run complete")

	return results
}
