// Package testutil provides shared test infrastructure for tests that
// need a fully wired run engine over the real pipeline stages.
package testutil

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/seisho-ai/seisho/internal/bus"
	"github.com/seisho-ai/seisho/internal/engine"
	"github.com/seisho-ai/seisho/internal/pipeline"
	"github.com/seisho-ai/seisho/internal/stages"
)

// TestLogger returns a logger configured for test output (warns only).
func TestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// NewEngine builds an engine over the real three-stage pipeline with
// temp source and output directories and the default 40/50/10 weights.
// The source directory starts empty; seed it with WriteSourceDoc.
func NewEngine(t *testing.T) (*engine.Engine, string) {
	t.Helper()

	sourceDir := t.TempDir()
	stageSet, err := stages.All(stages.Config{
		SourceDir: sourceDir,
		OutputDir: t.TempDir(),
		Logger:    TestLogger(),
	})
	if err != nil {
		t.Fatalf("testutil: build stages: %v", err)
	}

	pipe, err := pipeline.FromWeights([]float64{40, 50, 10}, stageSet...)
	if err != nil {
		t.Fatalf("testutil: build pipeline: %v", err)
	}

	eng, err := engine.New(engine.Config{
		Registry: engine.NewRegistry(),
		Bus:      bus.New(TestLogger()),
		Pipeline: pipe,
		Logger:   TestLogger(),
	})
	if err != nil {
		t.Fatalf("testutil: build engine: %v", err)
	}
	return eng, sourceDir
}

// WriteSourceDoc drops one text file into the source directory.
func WriteSourceDoc(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600); err != nil {
		t.Fatalf("testutil: write source doc: %v", err)
	}
}
