package seisho

import "log/slog"

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	port            int
	databaseURL     string
	sourceDir       string
	outputDir       string
	logger          *slog.Logger
	version         string
	extractor       Extractor
	sectionWriter   SectionWriter
	runHooks        []RunHook
	routeRegistrars []RouteRegistrar
	middlewares     []Middleware
}

// WithPort overrides the TCP port from config (SEISHO_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the archive connection string from config
// (DATABASE_URL env var). An empty value keeps the configured default.
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithSourceDir overrides the directory scanned for source documents
// (SEISHO_SOURCE_DIR env var).
func WithSourceDir(dir string) Option {
	return func(o *resolvedOptions) { o.sourceDir = dir }
}

// WithOutputDir overrides the directory assembled documents are written
// to (SEISHO_OUTPUT_DIR env var).
func WithOutputDir(dir string) Option {
	return func(o *resolvedOptions) { o.outputDir = dir }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithExtractor replaces the built-in plain-text extractor used by the
// document ingest stage. Use this to plug in PDF or DOCX extraction.
func WithExtractor(ex Extractor) Option {
	return func(o *resolvedOptions) { o.extractor = ex }
}

// WithSectionWriter replaces the configured section writer (LLM client
// or built-in mock). Only the last call wins.
func WithSectionWriter(w SectionWriter) Option {
	return func(o *resolvedOptions) { o.sectionWriter = w }
}

// WithRunHook registers a hook notified when a run reaches a terminal
// status. Multiple hooks may be registered; all receive every run.
func WithRunHook(hook RunHook) Option {
	return func(o *resolvedOptions) { o.runHooks = append(o.runHooks, hook) }
}

// WithExtraRoutes registers additional routes on the shared HTTP mux.
// Multiple registrars may be registered; all are called in registration order.
func WithExtraRoutes(fn RouteRegistrar) Option {
	return func(o *resolvedOptions) { o.routeRegistrars = append(o.routeRegistrars, fn) }
}

// WithMiddleware registers an HTTP middleware inside the standard chain.
// Multiple middlewares may be registered. Applied in registration order:
// the first-registered middleware is outermost among them.
func WithMiddleware(mw Middleware) Option {
	return func(o *resolvedOptions) { o.middlewares = append(o.middlewares, mw) }
}
