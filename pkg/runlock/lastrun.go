package runlock

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RunInfo is the outcome of the most recent sync run for a category.
// It is stored as JSON under a per-category key and overwritten on
// every completed run, success or not.
type RunInfo struct {
	RunID        string    `json:"run_id"`
	GenerationID string    `json:"generation_id,omitempty"`
	FinishedAt   time.Time `json:"finished_at"`
	Success      bool      `json:"success"`
	RecordCount  int       `json:"record_count"`
	PagesFailed  int       `json:"pages_failed"`
	Error        string    `json:"error,omitempty"`
}

// StoreLastRun records the outcome of a completed run for a category.
func (c *Coordinator) StoreLastRun(ctx context.Context, category string, info RunInfo) error {
	payload, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshal last run for %s: %w", category, err)
	}

	if err := c.redis.Set(ctx, lastRunKey(category), payload, 0).Err(); err != nil {
		return fmt.Errorf("store last run for %s: %w", category, err)
	}

	return nil
}

// LastRun returns the most recent run outcome for a category, or nil
// when no run has completed yet.
func (c *Coordinator) LastRun(ctx context.Context, category string) (*RunInfo, error) {
	raw, err := c.redis.Get(ctx, lastRunKey(category)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get last run for %s: %w", category, err)
	}

	var info RunInfo
	if err := json.Unmarshal([]byte(raw), &info); err != nil {
		return nil, fmt.Errorf("parse last run for %s: %w", category, err)
	}

	return &info, nil
}
