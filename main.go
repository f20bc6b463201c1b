package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/openresearchlab/orchestrator/internal/budget"
	"github.com/openresearchlab/orchestrator/internal/config"
	"github.com/openresearchlab/orchestrator/internal/db"
	"github.com/openresearchlab/orchestrator/internal/dispatch"
	"github.com/openresearchlab/orchestrator/internal/evidence"
	"github.com/openresearchlab/orchestrator/internal/health"
	"github.com/openresearchlab/orchestrator/internal/httpapi"
	"github.com/openresearchlab/orchestrator/internal/llm"
	"github.com/openresearchlab/orchestrator/internal/orchestrator"
	"github.com/openresearchlab/orchestrator/internal/pricing"
	"github.com/openresearchlab/orchestrator/internal/quality"
	"github.com/openresearchlab/orchestrator/internal/research"
	"github.com/openresearchlab/orchestrator/internal/search"
	"github.com/openresearchlab/orchestrator/internal/thoughtlog"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Model pricing catalog with hot reload.
	catalogPath := os.Getenv("MODELS_CONFIG_PATH")
	if catalogPath == "" {
		catalogPath = "config/models.yaml"
	}
	catalog, err := pricing.LoadCatalog(catalogPath, logger)
	if err != nil {
		logger.Fatal("Failed to load model catalog", zap.Error(err))
	}
	if err := catalog.Watch(ctx); err != nil {
		logger.Warn("Model catalog hot reload unavailable", zap.Error(err))
	}

	thoughts := thoughtlog.New(cfg.Service.RingCapacity)

	cache, err := evidence.NewCache(cfg.Redis, cfg.Research.CacheTTL, thoughts, logger)
	if err != nil {
		logger.Fatal("Failed to connect evidence cache", zap.Error(err))
	}
	defer cache.Close()

	// Postgres is optional: without it runs still execute, they just are
	// not persisted.
	var store orchestrator.Store = orchestrator.NopStore{}
	var reader httpapi.RunReader
	dbClient, err := db.NewClient(cfg.Postgres, logger)
	if err != nil {
		logger.Warn("Persistent store unavailable, runs will not be persisted", zap.Error(err))
	} else {
		defer dbClient.Close()
		store = dbClient
		reader = dbClient
		// Archive every reasoning event; SaveThoughtEvent enqueues to the
		// async write queue, so appends never block on Postgres.
		thoughts.Tap(dbClient.SaveThoughtEvent)
	}

	invoker := llm.NewClient(cfg.LLM, catalog, logger)
	provider := search.NewClient(cfg.Search, logger)

	planner := research.NewPlanner(invoker, cfg.Research.MinWorkers, cfg.Research.MaxWorkers, thoughts, logger)
	worker := research.NewWorker(invoker, cache, provider,
		search.Params{Depth: cfg.Search.Depth, MaxResults: cfg.Search.MaxResults},
		cfg.Research.SearchesPerAngle, thoughts, logger)
	gate := quality.NewGate(cfg.Research.QualityThreshold, quality.DefaultWeights(), thoughts, logger)
	checker := research.NewFactChecker(invoker, provider,
		search.Params{Depth: cfg.Search.Depth, MaxResults: cfg.Search.MaxResults},
		cfg.Research.MaxFactCheckClaims, thoughts, logger)
	synthesizer := research.NewSynthesizer(invoker, thoughts, logger)
	dispatcher := dispatch.New(cfg.Research.MaxConcurrency, cfg.Research.TaskTimeout, thoughts, logger)
	tracker := budget.NewTracker(cfg.Research.TokenWarnCeiling, logger)

	orch := orchestrator.New(planner, dispatcher, worker, gate, checker, synthesizer, store, tracker, thoughts, logger, cfg.Research.MaxIterations)

	hm := health.NewManager(logger)
	hm.Register(health.CheckFunc{ComponentName: "redis", IsCritical: true, Probe: cache.Ping})
	if dbClient != nil {
		hm.Register(health.CheckFunc{ComponentName: "postgres", IsCritical: false, Probe: dbClient.Ping})
	}

	mux := http.NewServeMux()
	health.NewHandler(hm).RegisterRoutes(mux)
	httpapi.NewStreamingHandler(thoughts, logger).RegisterRoutes(mux)
	httpapi.NewResearchHandler(orch, reader, thoughts, logger).RegisterRoutes(mux)
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Service.Port),
		Handler:      mux,
		ReadTimeout:  cfg.Service.ReadTimeout,
		WriteTimeout: cfg.Service.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("HTTP server listening", zap.Int("port", cfg.Service.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.GracefulTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", zap.Error(err))
	}
	logger.Info("Shutdown complete")
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", cfg.Level, err)
	}
	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
