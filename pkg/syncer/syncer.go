// Package syncer orchestrates full dataset snapshots end to end.
//
// A dataset sync is one pass: fetch the first page to learn the total,
// collect the remaining pages through the group scheduler, fetch the
// reference datasets, enrich, and store the result as a new snapshot
// generation. Datasets are synced independently; a failing dataset never
// stops the others.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/crmtools/crmsync/pkg/backoff"
	"github.com/crmtools/crmsync/pkg/batch"
	"github.com/crmtools/crmsync/pkg/collector"
	"github.com/crmtools/crmsync/pkg/crm"
	"github.com/crmtools/crmsync/pkg/enrich"
	"github.com/crmtools/crmsync/pkg/runlock"
	"github.com/crmtools/crmsync/pkg/snapstore"
)

// Prometheus metrics for sync runs.
var (
	syncRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crmsync_sync_runs_total",
		Help: "Total number of dataset sync runs by category and status",
	}, []string{"category", "status"})

	syncDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "crmsync_sync_duration_seconds",
		Help:    "Duration of dataset sync runs by category",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300},
	}, []string{"category"})

	recordsSynced = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "crmsync_records_synced",
		Help: "Number of records in the latest snapshot generation by category",
	}, []string{"category"})

	lastSyncTimestamp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "crmsync_last_sync_timestamp_seconds",
		Help: "Unix timestamp of the last successful sync by category",
	}, []string{"category"})
)

// ErrAlreadyRunning is returned when another instance holds the category
// lock. Callers treat it as a skip, not a failure.
var ErrAlreadyRunning = errors.New("sync already running for category")

// Dataset binds a snapshot category to its upstream endpoint.
type Dataset struct {
	Category string
	Endpoint string
}

// DefaultDatasets returns the datasets synced out of the box.
func DefaultDatasets() []Dataset {
	return []Dataset{
		{Category: "contacts", Endpoint: crm.EndpointContacts},
		{Category: "deals", Endpoint: crm.EndpointDeals},
	}
}

// PageFetcher is the slice of the CRM client the syncer needs.
type PageFetcher interface {
	PageSize() int
	FetchPage(ctx context.Context, endpoint string, limit, offset int) (crm.Page, error)
	FetchUsers(ctx context.Context) ([]crm.User, error)
	FetchStages(ctx context.Context) ([]crm.Stage, error)
	FetchFields(ctx context.Context) ([]crm.FieldDef, error)
}

// SnapshotStore persists finished generations and the run log.
type SnapshotStore interface {
	StoreGeneration(ctx context.Context, category, generationID string, records []enrich.Record) error
	AppendRun(ctx context.Context, run snapstore.SyncRun) error
}

// RunCoordinator gates concurrent runs per category.
type RunCoordinator interface {
	Acquire(ctx context.Context, category, runID string) (bool, error)
	Release(ctx context.Context, category, runID string) error
	StoreLastRun(ctx context.Context, category string, info runlock.RunInfo) error
}

var (
	_ PageFetcher    = (*crm.Client)(nil)
	_ SnapshotStore  = (*snapstore.Store)(nil)
	_ RunCoordinator = (*runlock.Coordinator)(nil)
)

// Config holds syncer configuration.
type Config struct {
	// Datasets are the categories to sync. Empty means DefaultDatasets.
	Datasets []Dataset

	// Retry governs the first-page and reference fetches.
	Retry backoff.Config

	// Batch governs group scheduling for the remaining pages.
	Batch batch.Config
}

// DefaultConfig returns the default syncer configuration.
func DefaultConfig() Config {
	return Config{
		Datasets: DefaultDatasets(),
		Retry:    backoff.DefaultConfig(),
		Batch:    batch.DefaultConfig(),
	}
}

// Syncer runs dataset snapshot syncs.
type Syncer struct {
	crm    PageFetcher
	store  SnapshotStore
	locks  RunCoordinator
	config Config
	logger zerolog.Logger
}

// New creates a Syncer. locks may be nil, in which case runs are not
// coordinated across instances.
func New(crmClient PageFetcher, store SnapshotStore, locks RunCoordinator, cfg Config) *Syncer {
	if len(cfg.Datasets) == 0 {
		cfg.Datasets = DefaultDatasets()
	}
	return &Syncer{
		crm:    crmClient,
		store:  store,
		locks:  locks,
		config: cfg,
		logger: log.With().Str("component", "syncer").Logger(),
	}
}

// Datasets returns the configured datasets.
func (s *Syncer) Datasets() []Dataset {
	return s.config.Datasets
}

// Summary describes one finished dataset sync.
type Summary struct {
	Category     string `json:"category"`
	GenerationID string `json:"generation_id,omitempty"`
	RecordCount  int    `json:"record_count"`
	PagesTotal   int    `json:"pages_total"`
	PagesFailed  int    `json:"pages_failed"`
	DurationMS   int64  `json:"duration_ms"`
	Skipped      bool   `json:"skipped,omitempty"`
}

// SyncDataset runs one full snapshot sync for a dataset. The first page,
// the reference fetches and the generation write are fatal on failure;
// individual pages beyond the first are lossy and only counted.
func (s *Syncer) SyncDataset(ctx context.Context, ds Dataset) (Summary, error) {
	start := time.Now()
	runID := uuid.NewString()
	generationID := uuid.NewString()

	logger := s.logger.With().
		Str("category", ds.Category).
		Str("run_id", runID).
		Logger()

	if s.locks != nil {
		ok, err := s.locks.Acquire(ctx, ds.Category, runID)
		if err != nil {
			return Summary{Category: ds.Category}, fmt.Errorf("acquire %s lock: %w", ds.Category, err)
		}
		if !ok {
			syncRunsTotal.WithLabelValues(ds.Category, "skipped").Inc()
			return Summary{Category: ds.Category, Skipped: true}, ErrAlreadyRunning
		}
		defer func() {
			if err := s.locks.Release(ctx, ds.Category, runID); err != nil {
				logger.Warn().Err(err).Msg("Failed to release category lock")
			}
		}()
	}

	logger.Info().Msg("Dataset sync started")

	summary, err := s.runDataset(ctx, logger, ds, generationID)
	duration := time.Since(start)
	summary.Category = ds.Category
	summary.DurationMS = duration.Milliseconds()

	syncDurationSeconds.WithLabelValues(ds.Category).Observe(duration.Seconds())

	s.recordOutcome(ctx, logger, ds, runID, summary, start, err)

	if err != nil {
		syncRunsTotal.WithLabelValues(ds.Category, "failed").Inc()
		logger.Error().
			Err(err).
			Dur("duration", duration).
			Msg("Dataset sync failed")
		return summary, err
	}

	syncRunsTotal.WithLabelValues(ds.Category, "ok").Inc()
	recordsSynced.WithLabelValues(ds.Category).Set(float64(summary.RecordCount))
	lastSyncTimestamp.WithLabelValues(ds.Category).Set(float64(time.Now().Unix()))

	logger.Info().
		Str("generation", summary.GenerationID).
		Int("records", summary.RecordCount).
		Int("pages_failed", summary.PagesFailed).
		Dur("duration", duration).
		Msg("Dataset sync complete")

	return summary, nil
}

// runDataset is the fetch, enrich and store pipeline of a single run.
func (s *Syncer) runDataset(ctx context.Context, logger zerolog.Logger, ds Dataset, generationID string) (Summary, error) {
	pageSize := s.crm.PageSize()

	retryCfg := s.config.Retry
	retryCfg.Retryable = crm.IsRetryable

	// Without the first page there is no total and nothing to build on.
	firstCfg := retryCfg
	firstCfg.Phase = "first_page"
	first, err := backoff.Do(ctx, firstCfg, func(ctx context.Context) (crm.Page, error) {
		return s.crm.FetchPage(ctx, ds.Endpoint, pageSize, 0)
	})
	if err != nil {
		return Summary{}, fmt.Errorf("fetch first page of %s: %w", ds.Category, err)
	}

	totalPages := collector.TotalPages(first.Total, pageSize)
	logger.Debug().
		Int("total", first.Total).
		Int("pages", totalPages).
		Msg("First page fetched")

	batchCfg := s.config.Batch
	batchCfg.Phase = "pages"
	batchCfg.Retry = retryCfg

	fetch := func(ctx context.Context, page int) ([]crm.Record, error) {
		p, err := s.crm.FetchPage(ctx, ds.Endpoint, pageSize, (page-1)*pageSize)
		if err != nil {
			return nil, err
		}
		return p.Records, nil
	}

	rest, stats := collector.Collect(ctx, fetch, totalPages-1, batchCfg)

	records := make([]crm.Record, 0, len(first.Records)+len(rest))
	records = append(records, first.Records...)
	records = append(records, rest...)

	refs, err := s.fetchReferences(ctx, retryCfg)
	if err != nil {
		return Summary{}, fmt.Errorf("fetch references for %s: %w", ds.Category, err)
	}

	enriched := enrich.Enrich(records, refs)

	if err := s.store.StoreGeneration(ctx, ds.Category, generationID, enriched); err != nil {
		return Summary{}, fmt.Errorf("store %s generation: %w", ds.Category, err)
	}

	return Summary{
		GenerationID: generationID,
		RecordCount:  len(enriched),
		PagesTotal:   totalPages,
		PagesFailed:  stats.Failed,
	}, nil
}

// fetchReferences pulls the reference datasets under retry. Any of them
// failing fails the run; enrichment without references would silently
// produce a bare snapshot.
func (s *Syncer) fetchReferences(ctx context.Context, retryCfg backoff.Config) (enrich.References, error) {
	cfg := retryCfg
	cfg.Phase = "references"

	users, err := backoff.Do(ctx, cfg, s.crm.FetchUsers)
	if err != nil {
		return enrich.References{}, fmt.Errorf("fetch users: %w", err)
	}

	stages, err := backoff.Do(ctx, cfg, s.crm.FetchStages)
	if err != nil {
		return enrich.References{}, fmt.Errorf("fetch stages: %w", err)
	}

	fields, err := backoff.Do(ctx, cfg, s.crm.FetchFields)
	if err != nil {
		return enrich.References{}, fmt.Errorf("fetch fields: %w", err)
	}

	return enrich.BuildReferences(users, stages, fields), nil
}

// recordOutcome appends the run log row and the Redis last-run record.
// Both are best-effort observability; their failure is logged, never
// escalated.
func (s *Syncer) recordOutcome(ctx context.Context, logger zerolog.Logger, ds Dataset, runID string, summary Summary, start time.Time, runErr error) {
	finished := time.Now().UTC()

	run := snapstore.SyncRun{
		ID:           runID,
		Category:     ds.Category,
		GenerationID: summary.GenerationID,
		StartedAt:    start.UTC(),
		FinishedAt:   finished,
		Success:      runErr == nil,
		RecordCount:  summary.RecordCount,
		PagesFailed:  summary.PagesFailed,
	}
	info := runlock.RunInfo{
		RunID:        runID,
		GenerationID: summary.GenerationID,
		FinishedAt:   finished,
		Success:      runErr == nil,
		RecordCount:  summary.RecordCount,
		PagesFailed:  summary.PagesFailed,
	}
	if runErr != nil {
		run.ErrorText = runErr.Error()
		info.Error = runErr.Error()
	}

	if err := s.store.AppendRun(ctx, run); err != nil {
		logger.Warn().Err(err).Msg("Failed to append run log")
	}
	if s.locks != nil {
		if err := s.locks.StoreLastRun(ctx, ds.Category, info); err != nil {
			logger.Warn().Err(err).Msg("Failed to store last-run record")
		}
	}
}

// SyncAll syncs every configured dataset concurrently. Datasets are
// independent; the returned error joins the failures of all datasets
// that failed. A dataset skipped because its lock was held does not
// count as a failure.
func (s *Syncer) SyncAll(ctx context.Context) ([]Summary, error) {
	datasets := s.config.Datasets

	summaries := make([]Summary, len(datasets))
	errs := make([]error, len(datasets))

	var wg sync.WaitGroup
	for i, ds := range datasets {
		wg.Add(1)
		go func(i int, ds Dataset) {
			defer wg.Done()
			summary, err := s.SyncDataset(ctx, ds)
			summaries[i] = summary
			if err != nil && !errors.Is(err, ErrAlreadyRunning) {
				errs[i] = err
			}
		}(i, ds)
	}
	wg.Wait()

	return summaries, errors.Join(errs...)
}
