package snapstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SyncRun is one appended run-log row. Rows are written once and never
// mutated; they exist for observability only.
type SyncRun struct {
	ID           string    `json:"id"`
	Category     string    `json:"category"`
	GenerationID string    `json:"generation_id"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	Success      bool      `json:"success"`
	RecordCount  int       `json:"record_count"`
	PagesFailed  int       `json:"pages_failed"`
	ErrorText    string    `json:"error,omitempty"`
}

// AppendRun inserts one run-log row. Callers treat this as best-effort:
// a lost run-log line is logged, never escalated into a sync failure.
func (s *Store) AppendRun(ctx context.Context, run SyncRun) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_runs (id, category, generation_id, started_at, finished_at, success, record_count, pages_failed, error_text)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, run.ID, run.Category, run.GenerationID, run.StartedAt, run.FinishedAt,
		run.Success, run.RecordCount, run.PagesFailed, run.ErrorText)
	if err != nil {
		return fmt.Errorf("append run log: %w", err)
	}
	return nil
}

// RecentRuns returns the newest run-log rows for a category.
func (s *Store) RecentRuns(ctx context.Context, category string, limit int) ([]SyncRun, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, category, generation_id, started_at, finished_at, success, record_count, pages_failed, error_text
		FROM sync_runs
		WHERE category = $1
		ORDER BY started_at DESC
		LIMIT $2
	`, category, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := []SyncRun{}
	for rows.Next() {
		var run SyncRun
		if err := rows.Scan(&run.ID, &run.Category, &run.GenerationID, &run.StartedAt,
			&run.FinishedAt, &run.Success, &run.RecordCount, &run.PagesFailed, &run.ErrorText); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}

	return runs, nil
}
