// Package telemetry provides application-level observability for the image service.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and are
// served by the side-channel HTTP server started by cmd/server:
//
//	GET http://<host>:<IMGA_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// Default port: 9090. The endpoint is not served by the Gin router.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template, not raw URL)
//   - Storage backend operation counters and latency histograms
//   - Staging ledger flush outcomes (post-commit deletes, post-rollback compensation)
//   - Thumbnail derivation outcomes
//   - Object storage retries and region redirects
//   - Image migration progress
//   - Rate limiter rejections
//   - Database connection pool gauge (polled every 30 s)
package telemetry

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics, labelled by method, route template, and status code.
//
// The path label holds the Gin route template (e.g. /v1/images/:object_type/:object_id),
// NOT the raw URL, to prevent unbounded cardinality.
//
// Example PromQL queries:
//   - Request rate (req/s, 5 m window):  rate(http_requests_total[5m])
//   - p99 latency per route:             histogram_quantile(0.99, sum by (path, le) (rate(http_request_duration_seconds_bucket[5m])))
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed, by method, route template, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, by method and route template.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)
)

// Storage backend metrics, recorded by storage.Instrument around every primitive.
//
// BackendOperationsTotal carries {backend, operation, result}; result is "ok",
// "not_found" or "error". A rising not_found rate on get_file usually means
// metadata rows point at bytes that were never written.
//
// Example PromQL queries:
//   - Error ratio per backend:  sum by (backend) (rate(storage_backend_operations_total{result="error"}[5m])) / sum by (backend) (rate(storage_backend_operations_total[5m]))
var (
	BackendOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storage_backend_operations_total",
			Help: "Total number of storage backend primitive calls, by backend, operation, and result.",
		},
		[]string{"backend", "operation", "result"},
	)

	BackendOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "storage_backend_operation_duration_seconds",
			Help:    "Histogram of storage backend primitive latencies, by backend and operation.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"backend", "operation"},
	)
)

// LedgerFlushTotal counts physical actions taken when a transaction resolves,
// labelled {phase, result}. phase is "commit" (deferred deletes) or "rollback"
// (compensating deletes of eagerly written bytes, result "restored" when an
// overwritten object was put back). A non-zero error rate means
// orphaned blobs are accumulating in a backend.
//
// Example PromQL queries:
//   - Alert expression:  increase(image_ledger_flush_total{result="error"}[1h]) > 0
var LedgerFlushTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "image_ledger_flush_total",
		Help: "Total number of staged image actions flushed at transaction resolution, by phase and result.",
	},
	[]string{"phase", "result"},
)

// ThumbnailDerivationsTotal counts thumbnail requests by outcome:
// "cached_pending" (found among variants added in the same transaction),
// "cached_persisted" (found in the database) or "resized" (codec invoked).
var ThumbnailDerivationsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "image_thumbnail_derivations_total",
		Help: "Total number of thumbnail derivation requests, by outcome.",
	},
	[]string{"outcome"},
)

// Object storage transport metrics.
//
// ObjectStorageRetriesTotal is labelled {reason}: "throttled", "server_error" or "transport".
// ObjectStorageRegionRedirectsTotal counts sticky region switches; it should stay at
// zero once storage.s3.region is configured correctly.
var (
	ObjectStorageRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "object_storage_retries_total",
			Help: "Total number of retried object storage requests, by reason.",
		},
		[]string{"reason"},
	)

	ObjectStorageRegionRedirectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "object_storage_region_redirects_total",
			Help: "Total number of region redirects that switched the object storage endpoint.",
		},
	)
)

// MigratedImagesTotal counts images copied between backends by the relocate
// command, labelled {result}.
var MigratedImagesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "image_migrated_total",
		Help: "Total number of images copied between storage backends, by result.",
	},
	[]string{"result"},
)

// RateLimitRejectionsTotal counts requests answered 429, labelled {limiter}:
// "memory" or "redis". LimiterErrorsTotal counts limiter failures; requests are
// let through when the limiter cannot answer.
var (
	RateLimitRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_rate_limit_rejections_total",
			Help: "Total number of requests rejected by the rate limiter, by limiter.",
		},
		[]string{"limiter"},
	)

	LimiterErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "http_rate_limiter_errors_total",
			Help: "Total number of rate limiter failures that let a request through.",
		},
	)
)

// DBOpenConnections is a Gauge that tracks the number of open connections currently
// held by the sql.DB connection pool. It is sampled every 30 seconds by
// StartDBStatsCollector rather than per-request to avoid the overhead of sql.DB.Stats().
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// CollectDBStats samples sql.DB pool statistics every interval until ctx is
// cancelled or the database becomes unreachable. Run it on its own goroutine:
//
//	safego.Go("db-stats", func() { telemetry.CollectDBStats(ctx, sqlDB, 30*time.Second) })
func CollectDBStats(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := db.PingContext(ctx); err != nil {
				slog.Warn("db stats collector: database unreachable, stopping collector", "error", err)
				return
			}
			DBOpenConnections.Set(float64(db.Stats().OpenConnections))
		}
	}
}
