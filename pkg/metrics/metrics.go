// Package metrics provides the centralized Prometheus metrics registry for
// the sync service. All metrics are defined in their respective packages
// (backoff, batch, collector, crm, runlock, snapstore, syncer) to maintain
// modularity and avoid circular dependencies.
//
// This package provides documentation and reference for all available metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the default Prometheus registry used by the sync service.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Metrics Documentation
//
// Retry Metrics (pkg/backoff):
//   - crmsync_retries_total{phase} (Counter): Retry attempts by phase
//   - crmsync_retry_backoff_seconds{phase} (Histogram): Backoff delay by phase
//   - crmsync_retry_exhausted_total{phase} (Counter): Operations that exhausted max attempts
//
// Scheduler Metrics (pkg/batch):
//   - crmsync_batch_groups_total{phase} (Counter): Groups executed by phase
//   - crmsync_batch_tasks_total{phase, status} (Counter): Tasks by phase and outcome (ok, failed)
//   - crmsync_batch_group_duration_seconds{phase} (Histogram): Wall-clock duration per group
//
// Collector Metrics (pkg/collector):
//   - crmsync_pages_fetched_total{phase} (Counter): Pages fetched successfully
//   - crmsync_pages_failed_total{phase} (Counter): Pages lost after retry exhaustion
//
// Upstream API Metrics (pkg/crm):
//   - crmsync_api_requests_total{endpoint, status} (Counter): Upstream requests by endpoint and HTTP status
//   - crmsync_api_request_duration_seconds{endpoint} (Histogram): Upstream request duration
//
// Storage Metrics (pkg/snapstore):
//   - crmsync_chunks_written_total{category} (Counter): Chunks written by category
//   - crmsync_chunk_write_duration_seconds{category} (Histogram): Generation write duration
//   - crmsync_chunk_bytes{category, kind} (Histogram): Chunk sizes, kind is raw or compressed
//   - crmsync_chunks_skipped_total{category} (Counter): Corrupt chunks skipped during load
//
// Run Lock Metrics (pkg/runlock):
//   - crmsync_locks_acquired_total{category} (Counter): Category locks acquired
//   - crmsync_locks_contended_total{category} (Counter): Acquisitions refused because the lock was held
//
// Sync Run Metrics (pkg/syncer):
//   - crmsync_sync_runs_total{category, status} (Counter): Sync runs by category and outcome
//   - crmsync_sync_duration_seconds{category} (Histogram): Full sync duration by category
//   - crmsync_records_synced{category} (Gauge): Records in the latest snapshot
//   - crmsync_last_sync_timestamp_seconds{category} (Gauge): Unix time of the last successful sync
//
// Example Prometheus Queries:
//
//   # Page Loss Rate
//   sum(rate(crmsync_pages_failed_total[1h])) /
//   (sum(rate(crmsync_pages_fetched_total[1h])) + sum(rate(crmsync_pages_failed_total[1h])))
//
//   # Sync Failure Rate
//   rate(crmsync_sync_runs_total{status="failed"}[6h])
//
//   # Snapshot Staleness (seconds since last success)
//   time() - crmsync_last_sync_timestamp_seconds
//
//   # P95 Upstream Latency
//   histogram_quantile(0.95, rate(crmsync_api_request_duration_seconds_bucket[5m]))
//
//   # Compression Ratio by Category
//   sum(rate(crmsync_chunk_bytes_sum{kind="compressed"}[1h])) by (category) /
//   sum(rate(crmsync_chunk_bytes_sum{kind="raw"}[1h])) by (category)
