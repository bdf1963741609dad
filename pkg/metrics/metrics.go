// Package metrics provides the centralized Prometheus registry reference
// for the harvester. All metrics are defined in their respective packages
// (session, requestlog, cache, harvest) to maintain modularity and avoid
// circular dependencies.
//
// This package provides documentation and reference for all available metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the default Prometheus registerer used by the harvester.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Metrics Documentation
//
// Request Metrics (pkg/session):
//   - grale_requests_total{class} (Counter): Outbound requests by outcome class
//   - grale_request_duration_seconds (Histogram): Outbound request duration
//
// Retry Metrics (pkg/session):
//   - grale_retries_total{error_class} (Counter): Retry attempts by error class
//   - grale_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - grale_retry_exhausted_total{error_class} (Counter): Requests that exhausted max retries
//
// Lineage Metrics (pkg/requestlog):
//   - grale_log_entries_total{status} (Counter): Finalized log entries by status
//
// Cache Metrics (pkg/cache):
//   - grale_cache_hits_total{layer="redis"} (Counter): Cache hits by layer
//   - grale_cache_misses_total (Counter): Cache misses
//   - grale_cache_size_bytes{layer="redis"} (Gauge): Current cache size in bytes
//   - grale_cache_errors_total{operation} (Counter): Cache operation errors
//
// Harvest Metrics (pkg/harvest):
//   - grale_harvests_total (Counter): Harvest runs started
//   - grale_harvest_chunks_total{outcome} (Counter): Chunks by outcome (success, failed, skipped)
//   - grale_harvest_features_total (Counter): Features returned across all harvests
//   - grale_harvest_duration_seconds (Histogram): End-to-end harvest duration
//   - grale_spill_bytes_total{kind} (Counter): Spill artifact bytes (uncompressed, compressed)
//
// Example Prometheus Queries:
//
//   # Chunk Failure Rate
//   sum(rate(grale_harvest_chunks_total{outcome="failed"}[5m])) /
//   sum(rate(grale_harvest_chunks_total[5m]))
//
//   # Cache Hit Rate
//   sum(rate(grale_cache_hits_total[5m])) /
//   (sum(rate(grale_cache_hits_total[5m])) + sum(rate(grale_cache_misses_total[5m])))
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(grale_request_duration_seconds_bucket[5m]))
//
//   # Retry Pressure
//   rate(grale_retries_total[5m])
