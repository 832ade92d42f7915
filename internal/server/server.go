package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/seisho-ai/seisho/internal/archive"
	"github.com/seisho-ai/seisho/internal/auth"
	"github.com/seisho-ai/seisho/internal/engine"
	"github.com/seisho-ai/seisho/internal/ratelimit"
	"github.com/seisho-ai/seisho/internal/storage"
)

// Server is the Seisho HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a
// Server. Optional fields (nil-safe): Store, Buffer, JWTMgr, Limiter,
// MCPServer, OpenAPISpec, ExtraRoutes, Middleware.
type ServerConfig struct {
	// Required dependencies.
	Engine *engine.Engine
	Logger *slog.Logger

	// Optional dependencies (nil = disabled). Store is the archive read
	// path and Buffer its write path; Limiter throttles run submission.
	Store     storage.Store
	Buffer    *archive.Buffer
	JWTMgr    *auth.JWTManager
	Limiter   ratelimit.Limiter
	MCPServer *mcpserver.MCPServer

	// Auth settings. When AuthEnabled is false all endpoints are open.
	AuthEnabled bool
	APIKeyHash  string // Argon2id hash accepted via X-API-Key.

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
	SSEKeepAlive        time.Duration

	// Optional embedded assets.
	OpenAPISpec []byte

	// ExtraRoutes registers additional routes on the mux before the
	// middleware chain is applied. Used by embedders.
	ExtraRoutes func(mux *http.ServeMux)

	// Middleware wraps the mux inside the standard chain, first entry
	// outermost.
	Middleware []func(http.Handler) http.Handler
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Engine:              cfg.Engine,
		Store:               cfg.Store,
		Buffer:              cfg.Buffer,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		SSEKeepAlive:        cfg.SSEKeepAlive,
		OpenAPISpec:         cfg.OpenAPISpec,
	})

	// Request ID extractor for rate limit error responses.
	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}

	// Run submission is the only write-heavy endpoint; throttle it per
	// client IP. Reads and the watch stream stay unthrottled.
	submitRL := ratelimit.Middleware(cfg.Limiter, ratelimit.IPKeyFunc, reqIDFunc)

	mux := http.NewServeMux()

	// Run lifecycle.
	mux.Handle("POST /v1/runs", submitRL(http.HandlerFunc(h.HandleStartRun)))
	mux.HandleFunc("GET /v1/runs", h.HandleListRuns)
	mux.HandleFunc("GET /v1/runs/{run_id}", h.HandleGetRun)
	mux.HandleFunc("DELETE /v1/runs/{run_id}", h.HandleCancelRun)

	// Run introspection.
	mux.HandleFunc("GET /v1/runs/{run_id}/events", h.HandleRunEvents)
	mux.HandleFunc("GET /v1/runs/{run_id}/summary", h.HandleRunSummary)
	mux.HandleFunc("GET /v1/runs/{run_id}/result", h.HandleRunResult)

	// Live progress stream (SSE, long-lived connection).
	mux.HandleFunc("GET /v1/runs/{run_id}/watch", h.HandleWatchRun)

	// Durable archive reads (503 when no archive store is configured).
	mux.HandleFunc("GET /v1/archive/runs", h.HandleArchiveListRuns)
	mux.HandleFunc("GET /v1/archive/runs/{run_id}", h.HandleArchiveGetRun)
	mux.HandleFunc("GET /v1/archive/runs/{run_id}/events", h.HandleArchiveRunEvents)

	// MCP StreamableHTTP transport.
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", mcpHTTP)
	}

	// OpenAPI spec (no auth, no rate limit).
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	if cfg.ExtraRoutes != nil {
		cfg.ExtraRoutes(mux)
	}

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	for i := len(cfg.Middleware) - 1; i >= 0; i-- {
		handler = cfg.Middleware[i](handler)
	}
	handler = recoveryMiddleware(cfg.Logger, handler)
	if cfg.AuthEnabled {
		handler = authMiddleware(authnConfig{jwtMgr: cfg.JWTMgr, apiKeyHash: cfg.APIKeyHash}, handler)
	}
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
