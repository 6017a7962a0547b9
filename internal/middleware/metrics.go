// Package middleware provides Gin HTTP middleware components for the image service.
// All middleware in this package is registered in internal/api/router.go before any
// route handlers so that every request is covered regardless of handler.
package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/imageattach/imageattach/internal/telemetry"
)

// noRoute labels requests that matched no route, so scanning clients cannot
// inflate label cardinality with raw URLs.
const noRoute = "<no-route>"

// MetricsMiddleware records http_requests_total{method, path, status} and
// http_request_duration_seconds{method, path} for every request. The path label
// is the matched route template (c.FullPath()), e.g.
// /v1/images/:object_type/:object_id/thumbnail.
//
// Register it after gin.Recovery() and RequestIDMiddleware so the status set by
// error handlers is captured.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = noRoute
		}
		method := c.Request.Method

		telemetry.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
		telemetry.HTTPRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}
