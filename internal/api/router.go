// Package api wires together all HTTP routes for the image service.
//
// Route layout:
//   - /v1/images/:object_type/:object_id[/thumbnail|/file] manages the image
//     group of one application object (see package images).
//   - /images/ serves the filesystem backend's tree when storage.local.serve_directly
//     is set, so locators returned by that backend resolve against this server.
//   - /health, /ready and /version are health checks for orchestrators and operators.
package api

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/imageattach/imageattach/internal/api/images"
	"github.com/imageattach/imageattach/internal/config"
	"github.com/imageattach/imageattach/internal/db/repositories"
	"github.com/imageattach/imageattach/internal/imaging"
	"github.com/imageattach/imageattach/internal/middleware"
	"github.com/imageattach/imageattach/internal/storage"
	"github.com/imageattach/imageattach/internal/storage/local"
)

// Version is reported by /version. cmd/server overrides it at link time.
var Version = "dev"

// readinessCheckKey addresses an image that never exists; looking it up exercises
// backend authentication and connectivity without creating state.
var readinessCheckKey = storage.Key{
	Identity: storage.Identity{
		ObjectType: ".readiness-check",
		Width:      1,
		Height:     1,
		MimeType:   "image/png",
	},
}

// BackgroundServices holds resources that must be released during graceful
// shutdown. The caller (cmd/server) calls Shutdown after the HTTP server has
// drained in-flight requests.
type BackgroundServices struct {
	rateLimiters []*middleware.RateLimiter
	redis        *redis.Client
}

// Shutdown stops background goroutines and closes connections.
func (bg *BackgroundServices) Shutdown() {
	slog.Info("stopping background services")
	for _, rl := range bg.rateLimiters {
		rl.Stop()
	}
	if bg.redis != nil {
		if err := bg.redis.Close(); err != nil {
			slog.Warn("failed to close redis client", "error", err)
		}
	}
	slog.Info("all background services stopped")
}

// NewRouter creates and configures the Gin router. Image bytes are written to
// backend; rows go to db.
func NewRouter(cfg *config.Config, db *sqlx.DB, backend storage.Backend) (*gin.Engine, *BackgroundServices, error) {
	filter, err := imaging.ParseFilter(cfg.Images.ThumbnailFilter)
	if err != nil {
		return nil, nil, fmt.Errorf("images.thumbnail_filter: %w", err)
	}

	router := gin.New()
	bg := &BackgroundServices{}

	imageHandlers := images.NewHandlers(db, repositories.NewImageRepository(db), imaging.New(), backend, images.Options{
		Filter:        filter,
		MaxUploadSize: cfg.Images.MaxUploadSize,
		Logger:        slog.Default(),
	})

	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.SecurityHeadersMiddleware(middleware.ImageSecurityHeadersConfig()))
	router.Use(middleware.MetricsMiddleware())
	router.Use(LoggerMiddleware())
	router.Use(CORSMiddleware(cfg))

	router.GET("/health", healthCheckHandler(db.DB))
	router.GET("/ready", readinessHandler(db.DB, backend))
	router.GET("/version", versionHandler())

	var uploadMiddleware []gin.HandlerFunc
	if cfg.Security.RateLimiting.Enabled {
		limiter := newUploadLimiter(cfg, bg)
		uploadMiddleware = append(uploadMiddleware, middleware.RateLimitMiddleware(limiter))
		slog.Info("upload rate limiting enabled",
			"limiter", limiter.Name(),
			"requests_per_minute", cfg.Security.RateLimiting.RequestsPerMinute,
		)
	}
	imageHandlers.Register(router.Group("/v1/images"), uploadMiddleware...)

	if servesLocalTree(cfg) {
		prefix := strings.TrimSuffix(local.ExposePrefix, "/")
		files := http.StripPrefix(prefix, local.FileHandler(cfg.Storage.Local.BasePath))
		router.GET(local.ExposePrefix+"*filepath", gin.WrapH(files))
		router.HEAD(local.ExposePrefix+"*filepath", gin.WrapH(files))
		slog.Info("serving local image tree", "prefix", local.ExposePrefix, "base_path", cfg.Storage.Local.BasePath)
	}

	return router, bg, nil
}

// newUploadLimiter shares the upload limit through Redis when redis.addr is
// set and keeps it in process otherwise.
func newUploadLimiter(cfg *config.Config, bg *BackgroundServices) middleware.Limiter {
	rlCfg := middleware.RateLimitConfigFrom(cfg.Security.RateLimiting)
	if cfg.Redis.Addr != "" {
		bg.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return middleware.NewRedisLimiter(bg.redis, rlCfg, "imageattach:ratelimit:upload:")
	}
	rl := middleware.NewRateLimiter(rlCfg)
	bg.rateLimiters = append(bg.rateLimiters, rl)
	return rl
}

// servesLocalTree reports whether a filesystem backend in use wants its tree
// served by this process.
func servesLocalTree(cfg *config.Config) bool {
	if !cfg.Storage.Local.ServeDirectly {
		return false
	}
	switch cfg.Storage.DefaultBackend {
	case "local":
		return true
	case "sandbox":
		return cfg.Storage.Sandbox.Underlying == "local" || cfg.Storage.Sandbox.Overriding == "local"
	}
	return false
}

// @Summary      Health check
// @Description  Returns the health status of the service including database connectivity.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "status: healthy, time: RFC3339 timestamp"
// @Failure      503  {object}  map[string]interface{}  "status: unhealthy, error: database connection failed"
// @Router       /health [get]
// healthCheckHandler returns the health status of the service
func healthCheckHandler(db *sql.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "database connection failed",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// @Summary      Readiness check
// @Description  Returns whether the service is ready to accept traffic. Checks database and storage backend connectivity.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "ready: true, checks, time"
// @Failure      503  {object}  map[string]interface{}  "ready: false, checks, error"
// @Router       /ready [get]
// readinessHandler also checks the storage backend, so a readiness gate fails
// when uploads and thumbnail derivation would error.
func readinessHandler(db *sql.DB, backend storage.Backend) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		checks := gin.H{}

		if err := db.PingContext(ctx); err != nil {
			checks["database"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  "database not ready",
			})
			return
		}
		checks["database"] = "healthy"

		if _, err := backend.Exists(ctx, readinessCheckKey); err != nil {
			slog.Warn("storage readiness check failed", "error", err)
			checks["storage"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  "storage backend not ready",
			})
			return
		}
		checks["storage"] = "healthy"

		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"checks": checks,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// @Summary      API version
// @Description  Returns the build version and API version.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "version, api_version"
// @Router       /version [get]
func versionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":     Version,
			"api_version": "v1",
		})
	}
}

// LoggerMiddleware logs one structured record per request. The output format
// follows the handler installed by telemetry.SetupLogger.
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		level := slog.LevelInfo
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		slog.LogAttrs(
			c.Request.Context(),
			level,
			"http request",
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.String("query", query),
			slog.Int("status", c.Writer.Status()),
			slog.Int("size", c.Writer.Size()),
			slog.Duration("latency", time.Since(start)),
			slog.String("ip", c.ClientIP()),
			slog.String("request_id", c.GetString(middleware.RequestIDKey)),
			slog.String("user_agent", c.Request.UserAgent()),
		)
	}
}

// CORSMiddleware answers browser clients from the configured origins.
func CORSMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		allowed := false
		for _, allowedOrigin := range cfg.Security.CORS.AllowedOrigins {
			if allowedOrigin == "*" || allowedOrigin == origin {
				allowed = true
				break
			}
		}

		if allowed {
			if origin == "" {
				c.Header("Access-Control-Allow-Origin", "*")
			} else {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Vary", "Origin")
			}
			c.Header("Access-Control-Allow-Methods", "GET, HEAD, POST, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, X-Request-ID")
			c.Header("Access-Control-Expose-Headers", "X-Request-ID, X-RateLimit-Limit, X-RateLimit-Remaining, Retry-After")
			c.Header("Access-Control-Max-Age", "3600")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
