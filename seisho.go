// Package seisho is the public API for embedding the Seisho document
// generation server.
//
// Consumers import this package to construct and extend the server
// without forking it:
//
//	app, err := seisho.New(
//	    seisho.WithVersion(version),
//	    seisho.WithLogger(logger),
//	    seisho.WithRunHook(myHook{}),
//	    seisho.WithExtraRoutes(myRoutes),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: seisho (root)
// imports internal/*, but internal/* never imports seisho (root).
// Public types (RunView, SectionPrompt) are standalone structs with no
// internal imports; conversion helpers (toRunView, adapters) live here
// because this is the only file that sees both sides of the boundary.
package seisho

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"github.com/seisho-ai/seisho/api"
	"github.com/seisho-ai/seisho/internal/archive"
	"github.com/seisho-ai/seisho/internal/auth"
	"github.com/seisho-ai/seisho/internal/bus"
	"github.com/seisho-ai/seisho/internal/config"
	"github.com/seisho-ai/seisho/internal/engine"
	"github.com/seisho-ai/seisho/internal/mcp"
	"github.com/seisho-ai/seisho/internal/model"
	"github.com/seisho-ai/seisho/internal/pipeline"
	"github.com/seisho-ai/seisho/internal/ratelimit"
	"github.com/seisho-ai/seisho/internal/server"
	"github.com/seisho-ai/seisho/internal/stages"
	"github.com/seisho-ai/seisho/internal/storage"
	"github.com/seisho-ai/seisho/internal/telemetry"
)

// App is the Seisho server lifecycle. Construct with New(), run with
// Run(). App has no public fields — use New() options to configure it.
type App struct {
	cfg          config.Config
	store        storage.Store // nil when archiving is disabled
	buf          *archive.Buffer
	eng          *engine.Engine
	srv          *server.Server
	limiter      ratelimit.Limiter
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the Seisho server. It loads configuration, opens the
// archive store, wires the pipeline, engine, and HTTP surface, and
// returns a ready-to-run App. It does NOT start any goroutines or
// accept HTTP connections — call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// Load configuration (env vars), then apply option overrides.
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.sourceDir != "" {
		cfg.SourceDir = o.sourceDir
	}
	if o.outputDir != "" {
		cfg.OutputDir = o.outputDir
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("seisho starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Open the archive store. An empty DATABASE_URL disables archiving;
	// the in-memory registry stays the source of truth either way.
	store, err := storage.Open(context.Background(), cfg.DatabaseURL, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}

	var buf *archive.Buffer
	if store != nil {
		buf = archive.NewBuffer(store, logger, cfg.ArchiveBatchSize, cfg.ArchiveFlushInterval)
		logger.Info("archive: enabled", "store", store.Kind())
	} else {
		logger.Info("archive: disabled (no DATABASE_URL)")
	}

	// Build the stage set. Option-injected collaborators override the
	// built-in extractor and section writer.
	stageCfg := stages.Config{
		SourceDir:    cfg.SourceDir,
		OutputDir:    cfg.OutputDir,
		DocumentType: cfg.DocumentType,
		StepDelay:    cfg.StepDelay,
		Logger:       logger,
	}
	if o.extractor != nil {
		stageCfg.Extractor = &extractorAdapter{ex: o.extractor}
	}
	switch {
	case o.sectionWriter != nil:
		stageCfg.Writer = &sectionWriterAdapter{w: o.sectionWriter}
	case cfg.LLMAPIKey != "":
		stageCfg.Writer = stages.NewLLMWriter(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModel)
		logger.Info("section writer: llm", "model", cfg.LLMModel)
	default:
		logger.Info("section writer: mock (no SEISHO_LLM_API_KEY)")
	}
	stageSet, err := stages.All(stageCfg)
	if err != nil {
		closeOnInitError(store, otelShutdown)
		return nil, fmt.Errorf("stages: %w", err)
	}

	pipe, err := pipeline.FromWeights(cfg.StageWeights, stageSet...)
	if err != nil {
		closeOnInitError(store, otelShutdown)
		return nil, fmt.Errorf("pipeline: %w", err)
	}

	// Adapt run hooks from public seisho.RunHook to the engine callback.
	// Hooks run in their own goroutine with a bounded context so a slow
	// hook cannot stall run finalization.
	var onFinished func(model.Run)
	if len(o.runHooks) > 0 {
		hooks := o.runHooks
		onFinished = func(run model.Run) {
			view := toRunView(run)
			go func() {
				hookCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				for _, h := range hooks {
					if err := h.OnRunFinished(hookCtx, view); err != nil {
						logger.Warn("run hook failed", "error", err, "run_id", view.ID)
					}
				}
			}()
		}
	}

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
		OnRunFinished: onFinished,
	})
	if err != nil {
		closeOnInitError(store, otelShutdown)
		return nil, fmt.Errorf("engine: %w", err)
	}

	// JWT manager is only needed when auth is on.
	var jwtMgr *auth.JWTManager
	if cfg.AuthEnabled {
		jwtMgr, err = auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
		if err != nil {
			closeOnInitError(store, otelShutdown)
			return nil, fmt.Errorf("auth: %w", err)
		}
	}

	// Rate limiter for run submission.
	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	// MCP server.
	mcpSrv := mcp.New(eng, logger, version)

	// Adapt route registrars and middlewares to the internal server shape.
	var middlewares []func(http.Handler) http.Handler
	for _, mw := range o.middlewares {
		middlewares = append(middlewares, (func(http.Handler) http.Handler)(mw))
	}

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
		ExtraRoutes:         routeRegistrarFunc(o.routeRegistrars),
		Middleware:          middlewares,
	})

	return &App{
		cfg:          cfg,
		store:        store,
		buf:          buf,
		eng:          eng,
		srv:          srv,
		limiter:      limiter,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts the archive flush loop and the HTTP server, then blocks
// until ctx is cancelled or a fatal server error occurs. On return,
// Shutdown is called automatically — callers should not call Shutdown
// separately.
func (a *App) Run(ctx context.Context) error {
	if a.buf != nil {
		a.buf.Start(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown performs a three-phase graceful shutdown:
// (1) stop accepting HTTP requests and drain in-flight,
// (2) cancel and drain in-flight runs,
// (3) flush the archive buffer.
// It then closes the store and the OTEL provider.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("seisho shutting down")

	// Phase 1: HTTP drain.
	httpCtx, httpCancel := context.WithTimeout(ctx, 10*time.Second)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	// Phase 2: run drain. In-flight runs get a grace period; whatever
	// is still going after that is cancelled and drained again.
	drainCtx, drainCancel := context.WithTimeout(ctx, 10*time.Second)
	if err := a.eng.Drain(drainCtx); err != nil {
		a.logger.Warn("runs still in flight, cancelling", "error", err)
		a.eng.Stop()
		stopCtx, stopCancel := context.WithTimeout(ctx, 5*time.Second)
		_ = a.eng.Drain(stopCtx)
		stopCancel()
	}
	drainCancel()

	// Phase 3: archive flush.
	if a.buf != nil {
		bufCtx, bufCancel := context.WithTimeout(ctx, 10*time.Second)
		a.buf.Drain(bufCtx)
		bufCancel()
	}

	_ = a.limiter.Close()
	if a.store != nil {
		_ = a.store.Close()
	}
	_ = a.otelShutdown(context.Background())

	a.logger.Info("seisho stopped")
	return nil
}

// Handler exposes the root HTTP handler for in-process testing of an
// embedded App without binding a port.
func (a *App) Handler() http.Handler { return a.srv.Handler() }

// closeOnInitError releases resources acquired before a later New()
// step failed.
func closeOnInitError(store storage.Store, otelShutdown telemetry.Shutdown) {
	if store != nil {
		_ = store.Close()
	}
	_ = otelShutdown(context.Background())
}

// routeRegistrarFunc folds the registered RouteRegistrars into the
// single callback the internal server accepts.
func routeRegistrarFunc(regs []RouteRegistrar) func(mux *http.ServeMux) {
	if len(regs) == 0 {
		return nil
	}
	return func(mux *http.ServeMux) {
		for _, fn := range regs {
			fn(mux)
		}
	}
}

// ── Adapters (defined here because this file imports both sides) ──────

// extractorAdapter wraps a public seisho.Extractor for the ingest stage.
type extractorAdapter struct {
	ex Extractor
}

func (a *extractorAdapter) Extract(path string) (string, error) {
	return a.ex.Extract(path)
}

// sectionWriterAdapter wraps a public seisho.SectionWriter for the
// generation stage, converting the request type at the boundary.
type sectionWriterAdapter struct {
	w SectionWriter
}

func (a *sectionWriterAdapter) WriteSection(ctx context.Context, req stages.SectionRequest) (string, error) {
	return a.w.WriteSection(ctx, SectionPrompt{
		SectionID:    req.SectionID,
		Title:        req.Title,
		Query:        req.Query,
		DocumentType: req.DocumentType,
		Context:      req.Context,
	})
}

func (a *sectionWriterAdapter) Mock() bool { return a.w.Mock() }

// ── Type converters ───────────────────────────────────────────────────

// toRunView converts an internal model.Run to the public seisho.RunView.
// Lives here because this is the only file that imports both sides of
// the boundary.
func toRunView(run model.Run) RunView {
	return RunView{
		ID:            run.ID,
		Status:        string(run.Status),
		Query:         run.Query,
		MaxDocs:       run.MaxDocs,
		ProcessedDocs: run.ProcessedDocs,
		TotalDocs:     run.TotalDocs,
		CurrentStep:   run.CurrentStep,
		Progress:      run.Progress,
		Error:         run.Error,
		Finished:      run.Finished,
		CreatedAt:     run.CreatedAt,
		UpdatedAt:     run.UpdatedAt,
	}
}
