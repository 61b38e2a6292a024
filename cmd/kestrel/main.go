// Kestrel - Fraud and risk decisions for vendor onboarding.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/classifier"
	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/model"
	"github.com/opensource-finance/kestrel/internal/policy"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/velocity"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"tracing", cfg.Tracing.Enabled,
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

	// Load the model artifact once; the handle is immutable afterwards
	handle := loadModel(ctx, cfg.Model, logger)
	metrics.SetModel(handle.Active(), handle.Source())
	slog.Info("model initialized",
		"active", handle.Active(),
		"source", handle.Source(),
		"families", handle.Families(),
	)

	// Initialize heuristic scorer
	scorer, err := newScorer(cfg.Risk, logger)
	if err != nil {
		slog.Error("failed to initialize rule engine", "error", err)
		os.Exit(1)
	}
	slog.Info("rule engine initialized", "rules_count", scorer.RulesCount())

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
	if cacheImpl != nil {
		defer cacheImpl.Close()
	}
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize decision engine
	opts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithVersion(Version),
		engine.WithModelSource(handle.Source()),
		engine.WithMaxWorkers(cfg.Engine.MaxBatchWorkers),
	}
	if cacheImpl != nil && cfg.Engine.CacheDecisions {
		opts = append(opts, engine.WithCache(cacheImpl, cfg.Engine.DecisionTTL))
	}
	if cacheImpl != nil && cfg.Engine.VelocityWindow > 0 {
		opts = append(opts, engine.WithVelocity(velocity.NewService(cacheImpl, cfg.Engine.VelocityWindow)))
	}

	fraudClassifier := classifier.New(handle,
		classifier.WithLogger(logger),
		classifier.WithObserver(metrics.ObserveAttempt),
	)
	eng := engine.New(scorer, fraudClassifier, policy.New(), opts...)

	// Initialize async Worker
	var asyncWorker *worker.Worker
	if cfg.Worker.Enabled {
		asyncWorker = worker.NewWorker(busImpl, repo, eng, logger)
		if err := asyncWorker.Start(cfg.Worker.Concurrency); err != nil {
			slog.Error("failed to start async worker", "error", err)
			asyncWorker = nil
		}
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, api.Dependencies{
		Engine:       eng,
		Rules:        scorer,
		Model:        handle,
		Repo:         repo,
		Cache:        cacheImpl,
		Bus:          busImpl,
		MaxBatchSize: cfg.Engine.MaxBatchSize,
	})

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, handle, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	// Drain the worker after HTTP stops accepting submissions
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	slog.Info("kestrel shutdown complete")
}

func newLogger(cfg domain.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// loadModel resolves the artifact from disk or S3. S3 is only configured
// when a candidate location uses an s3:// URI.
func loadModel(ctx context.Context, cfg domain.ModelConfig, logger *slog.Logger) *model.Handle {
	source := model.RoutingSource{Files: model.FileSource{}}

	usesS3 := false
	for _, loc := range []string{cfg.PrimaryPath, cfg.SecondaryPath, cfg.LegacyModelPath, cfg.LegacyScalerPath} {
		if strings.HasPrefix(loc, "s3://") {
			usesS3 = true
		}
	}
	if usesS3 {
		s3Source, err := model.NewS3Source(ctx, model.S3Config{
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		})
		if err != nil {
			slog.Warn("failed to initialize S3 artifact source", "error", err)
		} else {
			source.S3 = s3Source
		}
	}

	loadCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return model.NewLoader(cfg, source, logger).Load(loadCtx)
}

// newScorer builds the heuristic scorer from configured rules, or the
// built-in rule set when none are configured.
func newScorer(cfg domain.RiskConfig, logger *slog.Logger) (*rules.Engine, error) {
	scorer, err := rules.NewEngine(cfg.BaseScore, logger)
	if err != nil {
		return nil, err
	}

	ruleSet := cfg.Rules
	if len(ruleSet) == 0 {
		ruleSet = rules.BuiltinRules()
	}
	if err := scorer.LoadRules(ruleSet); err != nil {
		return nil, fmt.Errorf("failed to load risk rules: %w", err)
	}
	return scorer, nil
}

func printBanner(cfg *domain.Config, handle *model.Handle, version string) {
	fmt.Println()
	fmt.Println("  +-------------------------------------------+")
	fmt.Println("  |                 KESTREL                   |")
	fmt.Println("  |      Onboarding Fraud & Risk Engine       |")
	fmt.Println("  +-------------------------------------------+")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Model:    %s (%s)\n", handle.Active(), handle.Source())
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /evaluate             - Evaluate a submission")
	fmt.Println("    POST /evaluate/batch       - Evaluate up to maxBatchSize submissions")
	fmt.Println("    POST /submissions          - Queue a submission for async evaluation")
	fmt.Println("    GET  /evaluations          - List evaluations")
	fmt.Println("    GET  /evaluations/summary  - Counts per status")
	fmt.Println("    GET  /evaluations/{id}     - Get evaluation by ID")
	fmt.Println("    GET  /model                - Active model and fallback chain")
	fmt.Println("    GET  /rules                - Loaded risk rules")
	fmt.Println("    POST /rules/validate       - Compile a candidate rule")
	fmt.Println("    GET  /health               - Health check")
	fmt.Println("    GET  /metrics              - Prometheus metrics")
	fmt.Println()
}
