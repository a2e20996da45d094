// Package metrics provides the centralized Prometheus metrics reference for
// the feed sync core. All metrics are defined in their respective packages
// (gateway, pagecache, batcher, events, mutation) to maintain modularity and
// avoid circular dependencies.
//
// This package provides documentation and reference for all available metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the default Prometheus registry used by the sync core.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Metrics Documentation
//
// Request Metrics (pkg/gateway):
//   - feedsync_requests_total{endpoint, status} (Counter): Total feed API requests by endpoint and HTTP status
//   - feedsync_request_duration_seconds{endpoint} (Histogram): Request duration by endpoint
//   - feedsync_errors_total{class} (Counter): Errors by class (client, server, conflict, not_found, network)
//
// Retry Metrics (pkg/gateway):
//   - feedsync_retries_total{error_class} (Counter): Retry attempts by error class
//   - feedsync_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - feedsync_retry_exhausted_total{error_class} (Counter): Requests that exhausted max retries
//
// Page Cache Metrics (pkg/pagecache):
//   - feedsync_cache_hits_total (Counter): Page cache hits
//   - feedsync_cache_misses_total (Counter): Page cache misses
//   - feedsync_merges_rejected_total (Counter): Merges rejected by the version gate
//
// Batcher Metrics (pkg/batcher):
//   - feedsync_batch_calls_total (Counter): Batched remote calls issued
//   - feedsync_batch_keys_per_call (Histogram): Keys coalesced into one remote call
//   - feedsync_batch_cache_hits_total (Counter): Lookups served from the batcher cache
//
// Push Channel Metrics (pkg/events):
//   - feedsync_events_total{type} (Counter): Push events received by domain type
//   - feedsync_events_deduped_total (Counter): Events discarded as already applied
//   - feedsync_reconnects_total (Counter): Push channel reconnect attempts
//   - feedsync_channel_degraded (Gauge): 1 while operating pull-only
//
// Mutation Metrics (pkg/mutation):
//   - feedsync_mutations_total{outcome} (Counter): Optimistic mutations by outcome
//     (confirmed, confirmed_by_push, rolled_back)
//
// Example Prometheus Queries:
//
//   # Page Cache Hit Rate
//   sum(rate(feedsync_cache_hits_total[5m])) /
//   (sum(rate(feedsync_cache_hits_total[5m])) + sum(rate(feedsync_cache_misses_total[5m])))
//
//   # Rollback Rate
//   rate(feedsync_mutations_total{outcome="rolled_back"}[5m]) /
//   sum(rate(feedsync_mutations_total[5m]))
//
//   # Degraded Channels
//   feedsync_channel_degraded > 0
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(feedsync_request_duration_seconds_bucket[5m]))
//
//   # Batch Efficiency (average keys per remote call)
//   rate(feedsync_batch_keys_per_call_sum[5m]) / rate(feedsync_batch_keys_per_call_count[5m])
