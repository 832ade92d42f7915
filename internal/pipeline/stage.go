// Package pipeline defines the stage contract, the progress span
// arithmetic, and the event envelope shared by every generation run.
package pipeline

import (
	"context"

	"github.com/seisho-ai/seisho/internal/model"
)

// Kind identifies a stage implementation. The set is closed; stage
// labels double as the stage field on emitted events.
type Kind string

const (
	KindProcess  Kind = "document_processor"
	KindGenerate Kind = "content_generator"
	KindAssemble Kind = "document_assembler"
)

// Kinds returns the closed set of stage kinds in canonical pipeline order.
func Kinds() []Kind {
	return []Kind{KindProcess, KindGenerate, KindAssemble}
}

// Valid reports whether k names a known stage implementation.
func (k Kind) Valid() bool {
	switch k {
	case KindProcess, KindGenerate, KindAssemble:
		return true
	}
	return false
}

// Artifact is the typed bundle that flows through a run. Each stage
// reads the fields of earlier stages and fills in its own; the zero
// Artifact (plus Query and MaxDocs) seeds the first stage.
type Artifact struct {
	Query     string
	MaxDocs   int
	Documents []model.Document

	Processing *model.ProcessingSummary
	Generation *model.GenerationSummary
	Assembly   *model.AssemblySummary
}

// Stage is one phase of the generation pipeline. Execute reports
// progress through the emitter and returns the artifact advanced by its
// own output. A returned error aborts the run; item-level problems are
// reported as warning events instead.
type Stage interface {
	Kind() Kind
	Execute(ctx context.Context, em *Emitter, art Artifact) (Artifact, error)
}
