package seisho

import (
	"context"
	"net/http"
)

// Extractor turns one source file into plain text for the ingest stage.
// When provided via WithExtractor, replaces the built-in extractor that
// only reads .txt and .md files. An error for one file is handled as a
// warning and the file is skipped; it never fails the run.
type Extractor interface {
	Extract(path string) (string, error)
}

// SectionWriter drafts one section of the output document.
// When provided via WithSectionWriter, replaces the configured writer
// (the OpenAI-compatible LLM client or the deterministic mock).
// Mock reports whether the writer produces placeholder content; it
// feeds the using_mock flag and per-section confidence in results.
type SectionWriter interface {
	WriteSection(ctx context.Context, prompt SectionPrompt) (string, error)
	Mock() bool
}

// RunHook receives async notifications when a run reaches a terminal
// status (succeeded, failed, or canceled). Multiple hooks may be
// registered via multiple WithRunHook calls. Hook methods run in
// goroutines with a bounded context — they must not block indefinitely.
// Failures are logged but do not affect the run.
type RunHook interface {
	OnRunFinished(ctx context.Context, run RunView) error
}

// RouteRegistrar registers additional routes on the shared HTTP mux.
// Extra routes share the mux, middleware chain, and OTEL
// instrumentation with the built-in routes. The function is called once
// during New() after all built-in routes are registered.
type RouteRegistrar func(mux *http.ServeMux)

// Middleware wraps the HTTP mux inside the standard middleware chain.
// Use for custom logging, licensing, or cross-cutting headers.
// Multiple middlewares are applied in registration order
// (first-registered = outermost among them).
type Middleware func(http.Handler) http.Handler
