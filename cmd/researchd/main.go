// Command researchd runs the deep-research orchestration service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"deepresearch/internal/agents"
	"deepresearch/internal/checkpoint"
	"deepresearch/internal/config"
	"deepresearch/internal/httpapi"
	"deepresearch/internal/llm"
	"deepresearch/internal/research"
	"deepresearch/internal/session"
	"deepresearch/internal/streaming"
	"deepresearch/internal/synthesis"
)

func main() {
	configPath := flag.String("config", "", "path to config yaml (defaults to CONFIG_PATH)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := buildStore(ctx, cfg.Checkpoint, logger)
	if err != nil {
		logger.Fatal("Failed to initialize checkpoint store", zap.Error(err))
	}
	defer store.Close()

	client, err := llm.NewChatClient(llm.Config{
		Model:             cfg.LLM.Model,
		BaseURL:           cfg.LLM.BaseURL,
		APIKey:            cfg.LLM.APIKey,
		MaxRetries:        cfg.LLM.MaxRetries,
		RequestsPerSecond: cfg.LLM.RequestsPerSecond,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to initialize llm client", zap.Error(err))
	}

	search := agents.NewHTTPSearchProvider(cfg.Search.Endpoint, cfg.Search.APIKey, logger)
	planner := agents.NewPlanner(client, cfg.Research.MaxSubQuestions, logger)
	finder := agents.NewFinder(search, cfg.Search.ResultsPerQuestion, logger)
	summarizer := agents.NewSummarizer(client, logger)
	reviewer := agents.NewReviewer(client, logger)
	writer := synthesis.NewWriter(client, logger)

	engine := research.NewEngine(research.Steps{
		Plan:      planner.Plan,
		Find:      finder.Find,
		Summarize: summarizer.Summarize,
		Review:    reviewer.Review,
	}, writer, store, research.EngineConfig{
		Timeout:       cfg.Research.Timeout,
		MaxIterations: cfg.Research.MaxIterations,
		TokenBudget:   cfg.Research.TokenBudget,
		StepCost:      cfg.Research.StepCost,
	}, logger)

	sessions := session.NewManager(engine, streaming.NewManager(0), logger)

	// Hot-reload the research limits when the config file changes.
	if *configPath != "" {
		watcher, err := config.NewWatcher(*configPath, cfg.Research, logger)
		if err != nil {
			logger.Warn("Config hot-reload disabled", zap.Error(err))
		} else {
			defer watcher.Close()
			watcher.OnChange(func(limits config.ResearchConfig) {
				engine.SetLimits(research.EngineConfig{
					Timeout:       limits.Timeout,
					MaxIterations: limits.MaxIterations,
					TokenBudget:   limits.TokenBudget,
					StepCost:      cfg.Research.StepCost,
				})
			})
		}
	}

	// Periodic cleanup of finished sessions.
	go func() {
		ticker := time.NewTicker(cfg.Research.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sessions.Cleanup(cfg.Research.SessionMaxAge)
			}
		}
	}()

	mux := http.NewServeMux()
	httpapi.NewHandler(sessions, logger).RegisterRoutes(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Research service listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Graceful shutdown incomplete", zap.Error(err))
	}
}

func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, err
		}
		zcfg.Level = zap.NewAtomicLevelAt(level)
	}
	return zcfg.Build()
}

func buildStore(ctx context.Context, cfg config.CheckpointConfig, logger *zap.Logger) (checkpoint.Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return checkpoint.NewMemoryStore(), nil
	case "sqlite":
		path := cfg.Path
		if path == "" {
			path = "checkpoints.db"
		}
		return checkpoint.NewSQLiteStore(path, logger)
	case "redis":
		url := cfg.RedisURL
		if url == "" {
			url = os.Getenv("REDIS_URL")
		}
		return checkpoint.NewRedisStore(ctx, url, cfg.TTL, logger)
	case "postgres":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = os.Getenv("DATABASE_URL")
		}
		return checkpoint.NewPostgresStore(ctx, dsn, logger)
	}
	return nil, fmt.Errorf("unknown checkpoint backend: %q", cfg.Backend)
}
