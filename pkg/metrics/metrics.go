// Package metrics is the reference for the gateway client's Prometheus
// metrics and serves them over HTTP.
// All metrics are defined in their respective packages (transport,
// ratelimit, pagination, oauth, session, client) via promauto to keep the
// packages independent of each other.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the registerer the gateway packages register with.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the source Handler exposes.
var Gatherer = prometheus.DefaultGatherer

// Handler serves every registered metric in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// Transport Metrics (pkg/transport):
//   - gateway_requests_total{method, status} (Counter): Requests by method and outcome status
//   - gateway_request_duration_seconds{method} (Histogram): Request duration by method
//
// Rate Limit Metrics (pkg/ratelimit):
//   - gateway_ratelimit_waits_total{bucket, role} (Counter): Waits by bucket, leader or follower
//   - gateway_ratelimit_wait_seconds{bucket} (Histogram): Duration of shared bucket waits
//   - gateway_ratelimit_fatal_total{reason} (Counter): Hard quota and ambiguous 429s
//
// Pagination Metrics (pkg/pagination):
//   - gateway_pagination_pages_total (Counter): Pages fetched
//
// Session Metrics (pkg/oauth, pkg/session):
//   - gateway_oauth_exchanges_total{grant, result} (Counter): Token endpoint calls
//   - gateway_session_store_errors_total{backend, operation} (Counter): Session store failures
//
// Client Metrics (pkg/client):
//   - gateway_errors_total{class} (Counter): Errors by class (client, server, rate_limit, network, abort)
//   - gateway_error_hook_total{outcome} (Counter): Error hook decisions
//   - gateway_retries_total{error_class} (Counter): Retry attempts by error class
//   - gateway_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - gateway_retry_exhausted_total{error_class} (Counter): Requests that exhausted max retries
//
// Example Prometheus Queries:
//
//   # Rate limit waits per bucket
//   sum by (bucket) (rate(gateway_ratelimit_waits_total{role="leader"}[5m]))
//
//   # Hard quota hits
//   increase(gateway_ratelimit_fatal_total{reason="hard_quota"}[1h]) > 0
//
//   # Request Error Rate
//   rate(gateway_errors_total[5m])
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(gateway_request_duration_seconds_bucket[5m]))
