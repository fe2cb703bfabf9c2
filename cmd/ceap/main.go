// Ceap - outlier detection for congressional meal reimbursements.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/opensource-finance/ceap/internal/api"
	"github.com/opensource-finance/ceap/internal/audit"
	"github.com/opensource-finance/ceap/internal/bus"
	"github.com/opensource-finance/ceap/internal/cache"
	"github.com/opensource-finance/ceap/internal/domain"
	"github.com/opensource-finance/ceap/internal/repository"
	"github.com/opensource-finance/ceap/internal/trainer"
	"github.com/opensource-finance/ceap/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// A missing .env is normal outside development
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	slog.SetDefault(newLogger(cfg.Logging))

	slog.Info("starting ceap",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"common_threshold", cfg.Classifier.CommonThreshold,
		"min_applicants", cfg.Classifier.MinApplicants,
		"clusters", cfg.Classifier.Clusters,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type, "two_phase", cfg.Cache.EnableTwoPhase)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize Trainer and restore the fits of known tenants
	trainerSvc := trainer.NewService(cfg.Classifier, repo, cacheImpl, busImpl, cfg.Cache.ModelTTL)
	tenantIDs := parseTenants(os.Getenv("CEAP_TENANTS"))
	for _, tenantID := range tenantIDs {
		if _, err := trainerSvc.Restore(ctx, tenantID); err != nil {
			slog.Warn("no fit restored for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
		}
	}

	processor := audit.NewProcessor()

	// Initialize async Worker (Pro tier)
	var asyncWorker *worker.Worker
	if cfg.Tier == domain.TierPro || os.Getenv("CEAP_ASYNC_WORKER") == "true" {
		asyncWorker = worker.NewWorker(busImpl, repo, trainerSvc, processor)

		workerCfg := worker.Config{
			TenantIDs:   tenantIDs,
			WatchModels: cfg.EventBus.Type == "nats",
		}

		if err := asyncWorker.Start(workerCfg); err != nil {
			slog.Error("failed to start async worker", "error", err)
		} else {
			slog.Info("async worker started", "tenant_count", len(tenantIDs))
		}
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, cfg.Classifier, repo, cacheImpl, busImpl, trainerSvc, processor, Version)

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("ceap is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop async worker first
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("ceap shutdown complete")
}

// loadConfig picks the tier defaults from CEAP_TIER and overlays the YAML
// file named by CEAP_CONFIG, if any.
func loadConfig() (*domain.Config, error) {
	cfg := domain.DefaultConfig()
	if os.Getenv("CEAP_TIER") == string(domain.TierPro) {
		cfg = domain.ProConfig()
	}

	if path := os.Getenv("CEAP_CONFIG"); path != "" {
		loaded, err := domain.LoadConfig(path, cfg)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if os.Getenv("CEAP_DEBUG") == "true" {
		cfg.Logging.Level = "debug"
	}

	return cfg, nil
}

func newLogger(cfg domain.LoggingConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// parseTenants splits a comma-separated tenant list, dropping blanks.
func parseTenants(s string) []string {
	var tenants []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tenants = append(tenants, t)
		}
	}
	return tenants
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ceap - meal reimbursement outlier classifier")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /reimbursements             - Store reimbursements")
	fmt.Println("    POST /fit                        - Fit the tenant classifier")
	fmt.Println("    POST /predict                    - Label reimbursements (1 inlier, -1 outlier)")
	fmt.Println("    POST /assess                     - Label with baselines and store the evaluation")
	fmt.Println("    GET  /model                      - Current fit summary")
	fmt.Println("    GET  /model/groups/{identity}    - Fitted groups of a payee")
	fmt.Println("    GET  /evaluations/{id}           - Get evaluation by ID")
	fmt.Println("    GET  /categories                 - Category rules")
	fmt.Println("    POST /categories/validate        - Compile a category rule")
	fmt.Println("    GET  /health                     - Health check")
	fmt.Println()
}
