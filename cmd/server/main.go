// Package main is the entry point for the buildhook server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"buildhook/internal/config"
	"buildhook/internal/logger"
	"buildhook/internal/notify"
	"buildhook/internal/observability"
	"buildhook/internal/pipeline"
	"buildhook/internal/runtime"
	"buildhook/internal/scheduler"
	"buildhook/internal/server"
	"buildhook/internal/server/handlers"
	"buildhook/internal/state"
	"buildhook/internal/store"
	"buildhook/internal/store/postgres"
)

func main() {
	// Parse flags
	migrateFlag := flag.Bool("migrate", false, "Run database migrations before starting")
	configPath := flag.String("config", "", "Path to config file (default: buildhook.{toml,yaml} in current directory)")
	flag.Parse()

	// Load Config
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.NewWithLevel(os.Stdout, cfg.LogLevel)
	slog.SetDefault(log)

	if err := run(cfg, *migrateFlag, log); err != nil {
		log.Error("server exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("server exited properly")
}

func run(cfg *config.Config, migrate bool, log *slog.Logger) error {
	ctx := context.Background()

	// Tracing
	if cfg.OTELEndpoint != "" {
		shutdownTracer, err := observability.InitTracer(ctx, cfg)
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		defer func() {
			if err := shutdownTracer(context.Background()); err != nil {
				log.Warn("failed to shutdown tracer", "error", err)
			}
		}()
	}

	// Metrics
	metricsHandler, shutdownMetrics, err := observability.InitMetrics()
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			log.Warn("failed to shutdown metrics", "error", err)
		}
	}()

	st := state.New()

	token, err := config.ReadToken(cfg.TokenPath)
	if err != nil {
		return fmt.Errorf("read project token: %w", err)
	}
	st.SetProjectToken(token)

	// Optional build archive
	var archive store.BuildArchive
	if cfg.DatabaseURL != "" {
		db, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		defer db.Close()

		if migrate {
			log.Info("running database migrations")
			if err := postgres.Migrate(db.DB()); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			log.Info("migrations completed successfully")
		}
		archive = db
	}

	buildMetrics, err := observability.NewBuildMetrics(observability.Meter(), st.QueueLen)
	if err != nil {
		log.Warn("failed to register build metrics", "error", err)
	}

	runner := pipeline.New(st, runtime.NewExecRuntime(cfg.Project.Shell), cfg, buildMetrics, log)
	notifier := notify.New(st, cfg, archive, log)
	sched := scheduler.New(st, runner, notifier, cfg, log)

	h := handlers.New(sched, st, archive, cfg, log)

	// The API port serves /metrics unless a dedicated port is set.
	apiMetrics := metricsHandler
	if cfg.MetricsPort != 0 {
		apiMetrics = nil
		metricsSrv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.MetricsPort),
			Handler:           metricsHandler,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Info("metrics listening", "addr", metricsSrv.Addr)
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics server stopped", "error", err)
			}
		}()
		defer metricsSrv.Close()
	}

	srv := server.New(cfg, h, apiMetrics, log)

	// Graceful Shutdown
	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("buildhook server starting", "name", cfg.Name, "port", cfg.Port, "project", cfg.Project.ProjectPath)
	runErr := srv.Run(sigCtx)
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := sched.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("build worker did not stop: %w", err)
	}
	return runErr
}
