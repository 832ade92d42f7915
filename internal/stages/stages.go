// Package stages provides the built-in pipeline stage implementations:
// document ingest, section generation, and final assembly.
package stages

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/seisho-ai/seisho/internal/pipeline"
)

// Config carries the knobs shared by the built-in stages. Zero values
// select the defaults: plain-text extraction, the deterministic mock
// writer, and no inter-step delay.
type Config struct {
	SourceDir    string
	OutputDir    string
	DocumentType string

	// StepDelay inserts a pause between sub-steps so interactive
	// clients can watch progress advance. No correctness meaning.
	StepDelay time.Duration

	Extractor Extractor
	Writer    SectionWriter
	Logger    *slog.Logger
}

func (c Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c Config) documentType() string {
	if c.DocumentType != "" {
		return c.DocumentType
	}
	return "environmental_assessment"
}

// New constructs the stage implementation for kind.
func New(kind pipeline.Kind, cfg Config) (pipeline.Stage, error) {
	switch kind {
	case pipeline.KindProcess:
		return NewProcessor(cfg), nil
	case pipeline.KindGenerate:
		return NewGenerator(cfg), nil
	case pipeline.KindAssemble:
		return NewAssembler(cfg), nil
	default:
		return nil, fmt.Errorf("stages: unknown stage kind %q", kind)
	}
}

// All constructs the standard three stages in pipeline order.
func All(cfg Config) ([]pipeline.Stage, error) {
	kinds := pipeline.Kinds()
	out := make([]pipeline.Stage, 0, len(kinds))
	for _, k := range kinds {
		st, err := New(k, cfg)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// pause sleeps for d unless the context ends first.
func pause(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// slugify turns free text into a safe file name fragment.
func slugify(s string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	out := strings.Trim(b.String(), "-")
	if len(out) > 40 {
		out = strings.Trim(out[:40], "-")
	}
	if out == "" {
		return "document"
	}
	return out
}
