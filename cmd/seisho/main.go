package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/seisho-ai/seisho/api"
	"github.com/seisho-ai/seisho/internal/archive"
	"github.com/seisho-ai/seisho/internal/auth"
	"github.com/seisho-ai/seisho/internal/bus"
	"github.com/seisho-ai/seisho/internal/config"
	"github.com/seisho-ai/seisho/internal/engine"
	"github.com/seisho-ai/seisho/internal/mcp"
	"github.com/seisho-ai/seisho/internal/pipeline"
	"github.com/seisho-ai/seisho/internal/ratelimit"
	"github.com/seisho-ai/seisho/internal/server"
	"github.com/seisho-ai/seisho/internal/stages"
	"github.com/seisho-ai/seisho/internal/storage"
	"github.com/seisho-ai/seisho/internal/telemetry"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("SEISHO_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// Load configuration.
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("seisho starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Open the archive store (optional — disabled if DATABASE_URL is empty).
	store, err := storage.Open(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	var buf *archive.Buffer
	if store != nil {
		defer func() { _ = store.Close() }()
		buf = archive.NewBuffer(store, logger, cfg.ArchiveBatchSize, cfg.ArchiveFlushInterval)
		buf.Start(ctx)
		logger.Info("archive: enabled", "store", store.Kind())
	} else {
		logger.Info("archive: disabled (no DATABASE_URL)")
	}

	// Build the pipeline stages. The section writer is the LLM client
	// when an API key is configured, the deterministic mock otherwise.
	stageCfg := stages.Config{
		SourceDir:    cfg.SourceDir,
		OutputDir:    cfg.OutputDir,
		DocumentType: cfg.DocumentType,
		StepDelay:    cfg.StepDelay,
		Logger:       logger,
	}
	if cfg.LLMAPIKey != "" {
		stageCfg.Writer = stages.NewLLMWriter(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModel)
		logger.Info("section writer: llm", "model", cfg.LLMModel)
	} else {
		logger.Info("section writer: mock (no SEISHO_LLM_API_KEY)")
	}
	stageSet, err := stages.All(stageCfg)
	if err != nil {
		return fmt.Errorf("stages: %w", err)
	}

	// Stage weight spans come from config; validation happens here at
	// startup, never at run time.
	pipe, err := pipeline.FromWeights(cfg.StageWeights, stageSet...)
	if err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}

	// Run engine. The engine subscribes itself to the bus and is the
	// only subscriber that mutates run state.
	var archiver engine.Archiver
	if buf != nil {
		archiver = buf
	}
	eng, err := engine.New(engine.Config{
		Registry:      engine.NewRegistry(),
		Bus:           bus.New(logger),
		Pipeline:      pipe,
		Logger:        logger,
		Archive:       archiver,
		MaxConcurrent: cfg.MaxConcurrentRuns,
	})
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	// JWT manager (only needed when auth is on).
	var jwtMgr *auth.JWTManager
	if cfg.AuthEnabled {
		jwtMgr, err = auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
		if err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}

	// Rate limiter for run submission.
	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		memLimiter := ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		defer func() { _ = memLimiter.Close() }()
		limiter = memLimiter
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	// MCP server.
	mcpSrv := mcp.New(eng, logger, version)

	// Create and start HTTP server (MCP mounted at /mcp).
	srv := server.New(server.ServerConfig{
		Engine:              eng,
		Logger:              logger,
		Store:               store,
		Buffer:              buf,
		JWTMgr:              jwtMgr,
		Limiter:             limiter,
		MCPServer:           mcpSrv.MCPServer(),
		AuthEnabled:         cfg.AuthEnabled,
		APIKeyHash:          cfg.APIKeyHash,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		SSEKeepAlive:        cfg.SSEKeepAlive,
		OpenAPISpec:         api.OpenAPISpec,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown. Each phase gets its own timeout so early
	// completion doesn't steal budget from later phases.
	// Order: (1) stop accepting new HTTP requests and drain in-flight
	// (they may still start runs), (2) drain in-flight runs (they still
	// append to the archive buffer), (3) flush the archive buffer.
	slog.Info("seisho shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	runCtx, runCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := eng.Drain(runCtx); err != nil {
		slog.Warn("runs still in flight, cancelling", "error", err)
		eng.Stop()
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = eng.Drain(stopCtx)
		stopCancel()
	}
	runCancel()

	if buf != nil {
		bufCtx, bufCancel := context.WithTimeout(context.Background(), 10*time.Second)
		buf.Drain(bufCtx)
		bufCancel()
	}

	slog.Info("seisho stopped")
	return nil
}
