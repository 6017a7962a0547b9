// Package main is the entry point for the image service binary.
// It dispatches four subcommands (serve, migrate, relocate and version) via a
// switch on os.Args so the binary's full CLI surface is readable in one place.
// The serve command runs migrations on startup, so a freshly deployed container
// never needs a separate migration step.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/imageattach/imageattach/internal/api"
	"github.com/imageattach/imageattach/internal/config"
	"github.com/imageattach/imageattach/internal/db"
	"github.com/imageattach/imageattach/internal/db/models"
	"github.com/imageattach/imageattach/internal/db/repositories"
	"github.com/imageattach/imageattach/internal/migration"
	"github.com/imageattach/imageattach/internal/safego"
	"github.com/imageattach/imageattach/internal/storage"
	"github.com/imageattach/imageattach/internal/telemetry"

	// Storage backends register themselves with the storage factory.
	_ "github.com/imageattach/imageattach/internal/storage/azure"
	_ "github.com/imageattach/imageattach/internal/storage/gcs"
	_ "github.com/imageattach/imageattach/internal/storage/local"
	_ "github.com/imageattach/imageattach/internal/storage/memory"
	_ "github.com/imageattach/imageattach/internal/storage/s3"
	_ "github.com/imageattach/imageattach/internal/storage/sandbox"
	"github.com/imageattach/imageattach/internal/storage/urlcache"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "0.1.0"

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %v\n", err)
	}
}

func run() error {
	command := "serve"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	if command == "version" {
		fmt.Printf("imageattach v%s\n", version)
		return nil
	}

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	telemetry.SetupLoggerTo(telemetry.OutputWriter(cfg.Logging.Output), cfg.Logging.Format, cfg.Logging.Level)

	switch command {
	case "serve":
		return serve(cfg)
	case "migrate":
		if len(os.Args) < 3 {
			return fmt.Errorf("usage: %s migrate <up|down>", os.Args[0])
		}
		return runMigrations(cfg, os.Args[2])
	case "relocate":
		if len(os.Args) < 4 {
			return fmt.Errorf("usage: %s relocate <source-backend> <destination-backend> [object_type]", os.Args[0])
		}
		objectType := ""
		if len(os.Args) > 4 {
			objectType = os.Args[4]
		}
		return relocate(cfg, os.Args[2], os.Args[3], objectType)
	default:
		return fmt.Errorf("unknown command: %s\nAvailable commands: serve, migrate, relocate, version", command)
	}
}

// newBackend builds the configured default backend, behind the locator cache
// when storage.url_cache is enabled.
func newBackend(cfg *config.Config) (storage.Backend, error) {
	backend, err := storage.NewBackend(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Storage.URLCache.Enabled {
		backend = urlcache.Wrap(backend, cfg.Storage.URLCache.Size, cfg.Storage.URLCache.TTL)
	}
	return backend, nil
}

func serve(cfg *config.Config) error {
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("connecting to database",
		"host", cfg.Database.Host,
		"port", cfg.Database.Port,
		"name", cfg.Database.Name,
		"ssl_mode", cfg.Database.SSLMode,
	)
	database, err := db.Connect(ctx, cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	if err := db.RunMigrations(database.DB, "up"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	if v, dirty, err := db.GetMigrationVersion(database.DB); err != nil {
		slog.Warn("failed to read migration version", "error", err)
	} else {
		slog.Info("database schema ready", "version", v, "dirty", dirty)
	}

	backend, err := newBackend(cfg)
	if err != nil {
		return err
	}

	safego.Go("db-stats", func() { telemetry.CollectDBStats(ctx, database.DB, 30*time.Second) })

	// Metrics are served on their own port so the scrape path stays off the
	// public ingress.
	var metricsServer *http.Server
	if cfg.Telemetry.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Telemetry.Metrics.PrometheusPort),
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		safego.Go("metrics-server", func() {
			slog.Info("starting Prometheus metrics server", "addr", metricsServer.Addr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server error", "error", err)
			}
		})
	}

	api.Version = version
	router, bgServices, err := api.NewRouter(cfg, database, backend)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:         cfg.Server.GetAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	safego.Go("http-server", func() {
		slog.Info("starting server",
			"addr", server.Addr,
			"base_url", cfg.Server.BaseURL,
			"storage_backend", cfg.Storage.DefaultBackend,
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	})

	select {
	case err := <-serveErr:
		return fmt.Errorf("failed to start server: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Warn("metrics server shutdown failed", "error", err)
		}
	}
	bgServices.Shutdown()

	slog.Info("server stopped gracefully")
	return nil
}

func runMigrations(cfg *config.Config, direction string) error {
	database, err := db.Connect(context.Background(), cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	slog.Info("running migrations", "direction", direction)
	if err := db.RunMigrations(database.DB, direction); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	v, dirty, err := db.GetMigrationVersion(database.DB)
	if err != nil {
		return fmt.Errorf("failed to get migration version: %w", err)
	}
	slog.Info("migration completed", "version", v, "dirty", dirty)
	return nil
}

// relocate copies the bytes of every stored image from one configured backend
// to another. Rows are untouched; switch storage.default_backend afterwards.
func relocate(cfg *config.Config, srcName, dstName, objectType string) error {
	if srcName == dstName {
		return fmt.Errorf("source and destination backend are both %q", srcName)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	database, err := db.Connect(ctx, cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	src, err := storage.NewNamedBackend(cfg, srcName)
	if err != nil {
		return err
	}
	dst, err := storage.NewNamedBackend(cfg, dstName)
	if err != nil {
		return err
	}

	plan := migration.ForType(repositories.NewImageRepository(database), objectType, src, dst)
	plan.VerifyCopies = os.Getenv("IMGA_RELOCATE_VERIFY") != "false"

	start := time.Now()
	n, err := plan.Execute(ctx, func(img *models.Image) {
		slog.Debug("image copied", "key", img.StorageKey())
	})
	slog.Info("relocation finished",
		"source", srcName,
		"destination", dstName,
		"object_type", objectType,
		"copied", n,
		"duration", time.Since(start),
	)
	return err
}
