// Package collector assembles the remainder of a paginated dataset.
//
// The caller fetches page 1 itself, learns the total, and hands the
// collector the number of pages still missing. The collector turns each
// missing page into a work unit for the group scheduler and concatenates
// whatever came back. Page loss is lossy on purpose: a page that fails all
// its retries is logged and counted, and the snapshot simply goes on
// without it.
package collector

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"

	"github.com/crmtools/crmsync/pkg/batch"
)

// Prometheus metrics for page collection.
var (
	pagesFetchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crmsync_pages_fetched_total",
		Help: "Total number of pages fetched successfully by phase",
	}, []string{"phase"})

	pagesFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crmsync_pages_failed_total",
		Help: "Total number of pages lost after retry exhaustion by phase",
	}, []string{"phase"})
)

// PageFunc fetches a single page of a dataset. Page numbers start at 1;
// the collector only ever requests pages 2 and beyond.
type PageFunc[T any] func(ctx context.Context, page int) ([]T, error)

// Stats summarizes a collection pass.
type Stats struct {
	// Pages is the number of pages the collector attempted.
	Pages int

	// Failed is the number of pages lost after retry exhaustion.
	Failed int
}

// TotalPages returns the page count needed to cover total records at the
// given page size.
func TotalPages(total, pageSize int) int {
	if total <= 0 || pageSize <= 0 {
		return 0
	}
	return (total + pageSize - 1) / pageSize
}

// Collect fetches pages 2 through remainingPages+1 through the group
// scheduler and concatenates successful pages in page order. With nothing
// to fetch it returns immediately without touching the scheduler.
func Collect[T any](ctx context.Context, fetch PageFunc[T], remainingPages int, cfg batch.Config) ([]T, Stats) {
	if remainingPages <= 0 {
		return nil, Stats{}
	}

	phase := cfg.Phase
	if phase == "" {
		phase = "default"
	}

	tasks := make([]batch.Task[[]T], remainingPages)
	for i := 0; i < remainingPages; i++ {
		page := i + 2
		tasks[i] = func(ctx context.Context) ([]T, error) {
			return fetch(ctx, page)
		}
	}

	results := batch.Run(ctx, tasks, cfg)

	stats := Stats{Pages: remainingPages}
	var records []T
	var failedPages []int

	for i, r := range results {
		if r.Err != nil {
			stats.Failed++
			failedPages = append(failedPages, i+2)
			pagesFailedTotal.WithLabelValues(phase).Inc()
			continue
		}
		records = append(records, r.Value...)
		pagesFetchedTotal.WithLabelValues(phase).Inc()
	}

	if len(failedPages) > 0 {
		log.Warn().
			Str("phase", phase).
			Ints("pages", failedPages).
			Int("failed", stats.Failed).
			Int("total", stats.Pages).
			Msg("Pages lost for this snapshot")
	}

	log.Debug().
		Str("phase", phase).
		Int("pages", stats.Pages).
		Int("failed", stats.Failed).
		Int("records", len(records)).
		Msg("Page collection complete")

	return records, stats
}
