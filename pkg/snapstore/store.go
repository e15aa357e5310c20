// Package snapstore persists dataset snapshots as compressed chunk
// generations in PostgreSQL.
//
// Each sync run writes a fresh generation: the record set split into
// chunks, each chunk gzip-compressed and inserted with one shared
// timestamp. Previous generations are retired in the same transaction,
// after the new chunks are written, so readers always find exactly one
// complete generation per category.
package snapstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/crmtools/crmsync/pkg/enrich"
)

// Prometheus metrics for snapshot storage.
var (
	chunksWrittenTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crmsync_chunks_written_total",
		Help: "Total number of snapshot chunks written by category",
	}, []string{"category"})

	chunkWriteDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "crmsync_chunk_write_duration_seconds",
		Help:    "Duration of full generation writes by category",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"category"})

	chunkBytes = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "crmsync_chunk_bytes",
		Help:    "Snapshot chunk sizes by category, raw and compressed",
		Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
	}, []string{"category", "kind"})

	chunksSkippedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crmsync_chunks_skipped_total",
		Help: "Total number of corrupt chunks skipped during loads by category",
	}, []string{"category"})
)

// Config holds storage configuration.
type Config struct {
	// ChunkSize is the number of records per stored chunk.
	ChunkSize int

	// GzipLevel is the compression level for chunk payloads.
	// Zero means gzip.DefaultCompression.
	GzipLevel int
}

// DefaultConfig returns the default storage configuration.
func DefaultConfig() Config {
	return Config{
		ChunkSize: 10000,
		GzipLevel: gzip.DefaultCompression,
	}
}

func (c Config) normalized() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = 10000
	}
	if c.GzipLevel == 0 {
		c.GzipLevel = gzip.DefaultCompression
	}
	return c
}

// Store persists snapshot generations and the sync run log in PostgreSQL.
type Store struct {
	db     *sql.DB
	config Config
	logger zerolog.Logger
}

// New creates a Store using the provided database handle.
func New(db *sql.DB, cfg Config) *Store {
	return &Store{
		db:     db,
		config: cfg.normalized(),
		logger: log.With().Str("component", "snapstore").Logger(),
	}
}

// schema is applied by EnsureSchema, statement by statement.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS snapshot_chunks (
		id            BIGSERIAL PRIMARY KEY,
		category      TEXT        NOT NULL,
		generation_id TEXT        NOT NULL,
		seq           INTEGER     NOT NULL,
		payload       BYTEA       NOT NULL,
		record_count  INTEGER     NOT NULL,
		created_at    TIMESTAMPTZ NOT NULL,
		UNIQUE (category, generation_id, seq)
	)`,
	`CREATE INDEX IF NOT EXISTS snapshot_chunks_category_created_at_idx
		ON snapshot_chunks (category, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS sync_runs (
		id            TEXT PRIMARY KEY,
		category      TEXT        NOT NULL,
		generation_id TEXT        NOT NULL,
		started_at    TIMESTAMPTZ NOT NULL,
		finished_at   TIMESTAMPTZ NOT NULL,
		success       BOOLEAN     NOT NULL,
		record_count  INTEGER     NOT NULL,
		pages_failed  INTEGER     NOT NULL,
		error_text    TEXT        NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS sync_runs_category_started_at_idx
		ON sync_runs (category, started_at DESC)`,
}

// EnsureSchema creates the storage tables when they do not exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// StoreGeneration writes all chunks of a new snapshot generation and
// retires every other generation of the category in the same transaction.
// All chunks share one timestamp, which is what makes timestamp-based
// latest-generation selection unambiguous. An empty record set writes no
// chunks but still retires previous generations.
func (s *Store) StoreGeneration(ctx context.Context, category, generationID string, records []enrich.Record) error {
	start := time.Now()
	createdAt := start.UTC()

	chunks := chunkRecords(records, s.config.ChunkSize)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin generation write: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for seq, chunk := range chunks {
		payload, rawSize, err := encodeChunk(chunk, s.config.GzipLevel)
		if err != nil {
			return fmt.Errorf("encode chunk %d: %w", seq, err)
		}

		chunkBytes.WithLabelValues(category, "raw").Observe(float64(rawSize))
		chunkBytes.WithLabelValues(category, "compressed").Observe(float64(len(payload)))

		if len(payload) >= rawSize {
			s.logger.Warn().
				Str("category", category).
				Int("chunk_seq", seq).
				Int("raw_bytes", rawSize).
				Int("compressed_bytes", len(payload)).
				Msg("Compressed chunk not smaller than raw payload")
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO snapshot_chunks (category, generation_id, seq, payload, record_count, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, category, generationID, seq, payload, len(chunk), createdAt)
		if err != nil {
			return fmt.Errorf("write chunk %d: %w", seq, err)
		}

		chunksWrittenTotal.WithLabelValues(category).Inc()
	}

	// The new generation is fully written; retire everything else.
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM snapshot_chunks WHERE category = $1 AND generation_id <> $2
	`, category, generationID); err != nil {
		return fmt.Errorf("retire previous generations: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit generation write: %w", err)
	}

	chunkWriteDurationSeconds.WithLabelValues(category).Observe(time.Since(start).Seconds())

	s.logger.Info().
		Str("category", category).
		Str("generation", generationID).
		Int("chunks", len(chunks)).
		Int("records", len(records)).
		Dur("duration", time.Since(start)).
		Msg("Generation stored")

	return nil
}

// LoadLatest returns the records of the newest generation for a category.
// Chunks that fail to decode are skipped with a log line; partial data is
// preferred over a failed load. A category with no stored generation
// yields an empty collection.
func (s *Store) LoadLatest(ctx context.Context, category string) ([]enrich.Record, error) {
	var latest sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT max(created_at) FROM snapshot_chunks WHERE category = $1
	`, category).Scan(&latest)
	if err != nil {
		return nil, fmt.Errorf("find latest generation: %w", err)
	}
	if !latest.Valid {
		return []enrich.Record{}, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT generation_id, seq, payload, record_count
		FROM snapshot_chunks
		WHERE category = $1 AND created_at = $2
		ORDER BY seq
	`, category, latest.Time)
	if err != nil {
		return nil, fmt.Errorf("load generation chunks: %w", err)
	}
	defer rows.Close()

	records := []enrich.Record{}
	skipped := 0

	for rows.Next() {
		var (
			generationID string
			seq          int
			payload      []byte
			recordCount  int
		)
		if err := rows.Scan(&generationID, &seq, &payload, &recordCount); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}

		chunk, err := decodeChunk(payload)
		if err != nil {
			skipped++
			chunksSkippedTotal.WithLabelValues(category).Inc()
			s.logger.Warn().
				Str("category", category).
				Str("generation", generationID).
				Int("chunk_seq", seq).
				Int("records", recordCount).
				Err(err).
				Msg("Skipping corrupt chunk")
			continue
		}

		records = append(records, chunk...)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunks: %w", err)
	}

	s.logger.Debug().
		Str("category", category).
		Int("records", len(records)).
		Int("skipped_chunks", skipped).
		Msg("Latest generation loaded")

	return records, nil
}
