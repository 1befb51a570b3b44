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

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"github.com/atlasguide/enrich/internal/api"
	"github.com/atlasguide/enrich/internal/collector"
	"github.com/atlasguide/enrich/internal/config"
	"github.com/atlasguide/enrich/internal/db"
	"github.com/atlasguide/enrich/internal/kv"
	"github.com/atlasguide/enrich/internal/pipeline"
)

func main() {
	// Parse command-line flags
	configFile := flag.String("config", "", "Path to configuration file (TOML)")
	flag.Parse()

	// Load configuration first so the logger honors its settings
	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	slog.Info("starting enrichment pipeline service")
	slog.Info("database configuration",
		"driver", cfg.Database.Driver,
		"dsn", cfg.Database.DSN)

	// Open database connection with pool settings
	database, err := db.OpenWithConfig(cfg.Database)
	if err != nil {
		slog.Error("failed to connect to database", "error", err, "driver", cfg.Database.Driver)
		os.Exit(1)
	}
	defer database.Close()

	// Run embedded migrations
	if !cfg.Database.SkipMigrations {
		if err := database.RunMigrations(); err != nil {
			slog.Error("failed to run migrations", "error", err)
			os.Exit(1)
		}

		version, err := database.CurrentVersion()
		if err != nil {
			slog.Error("failed to get schema version", "error", err)
			os.Exit(1)
		}
		slog.Info("database schema ready", "version", version)
	} else {
		slog.Info("skipping migrations", "reason", "configured to skip")
	}

	// Coordination store. In-process implementation: the slot counters,
	// stage backlogs, and quota flags all live here.
	store := kv.NewMemory()

	// Stage collaborators
	client := collector.NewClient(cfg.Collector, logger)
	stages, err := pipeline.NewStageSet(client.Bindings(), cfg.Pipeline)
	if err != nil {
		slog.Error("failed to build stage set", "error", err)
		os.Exit(1)
	}

	// Pipeline wiring
	gate := pipeline.NewGate(store, cfg.Pipeline.SlotPollInterval, logger)
	backlog := pipeline.NewBacklog(store)
	quota := pipeline.NewQuotaTracker(store, cfg.Quota, logger)
	cleanup := pipeline.NewCleanup(database, backlog, logger)
	pool := pipeline.NewPool(cfg.Pipeline.Workers, cfg.Pipeline.QueueSize, cfg.Pipeline.DispatchTimeout, logger)

	executor := pipeline.NewExecutor(database, gate, backlog, quota, stages, pool, cleanup, cfg.Pipeline, logger)
	pool.Start(executor.HandleTask)

	orchestrator := pipeline.NewOrchestrator(database, backlog, pool, cleanup, stages, cfg.Pipeline, logger)

	sweeper := pipeline.NewSweeper(database, quota, stages, cfg.Sweeper, logger)
	if cfg.Sweeper.Enabled {
		sweeper.Start()
	}

	// HTTP API
	var server *http.Server
	if cfg.HTTP.Enabled {
		mux := http.NewServeMux()
		api.New(logger, orchestrator, quota, sweeper, database).Register(mux)

		server = &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.HTTP.Address, cfg.HTTP.Port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}

		go func() {
			slog.Info("http api listening", "addr", server.Addr)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("http server failed", "error", err)
				os.Exit(1)
			}
		}()
	}

	slog.Info("enrichment pipeline is running")

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	slog.Info("shutting down gracefully")

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("http shutdown failed", "error", err)
		}
	}

	if cfg.Sweeper.Enabled {
		sweeper.Shutdown()
	}

	// Let in-flight stage tasks finish before closing the database.
	pool.Stop()

	slog.Info("shutdown complete")
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
