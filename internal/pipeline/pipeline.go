package pipeline

import (
	"context"
	"fmt"
	"math"

	"github.com/seisho-ai/seisho/internal/model"
)

// Step pairs a stage with the progress span it reports into.
type Step struct {
	Stage Stage
	Span  Span
}

// Pipeline is an ordered, validated sequence of stages. Construction is
// the only place span geometry is checked; runs never re-validate.
type Pipeline struct {
	steps []Step
}

// New builds a pipeline from explicit steps. It rejects empty pipelines,
// duplicate stage kinds, and any span layout that does not partition
// [0,100] exactly: the first span starts at 0, each span starts where
// the previous one ended, and the last span ends at 100.
func New(steps ...Step) (*Pipeline, error) {
	if len(steps) == 0 {
		return nil, fmt.Errorf("pipeline: at least one stage required")
	}
	seen := make(map[Kind]bool, len(steps))
	for i, st := range steps {
		if st.Stage == nil {
			return nil, fmt.Errorf("pipeline: step %d has no stage", i)
		}
		kind := st.Stage.Kind()
		if seen[kind] {
			return nil, fmt.Errorf("pipeline: duplicate stage kind %q", kind)
		}
		seen[kind] = true
		if st.Span.Lo < 0 || st.Span.Hi > 100 || st.Span.Lo >= st.Span.Hi {
			return nil, fmt.Errorf("pipeline: stage %q has invalid span [%g,%g]", kind, st.Span.Lo, st.Span.Hi)
		}
		if i == 0 && st.Span.Lo != 0 {
			return nil, fmt.Errorf("pipeline: first span must start at 0, got %g", st.Span.Lo)
		}
		if i > 0 && st.Span.Lo != steps[i-1].Span.Hi {
			return nil, fmt.Errorf("pipeline: span gap or overlap between %q and %q (%g != %g)",
				steps[i-1].Stage.Kind(), kind, steps[i-1].Span.Hi, st.Span.Lo)
		}
	}
	if last := steps[len(steps)-1].Span.Hi; last != 100 {
		return nil, fmt.Errorf("pipeline: last span must end at 100, got %g", last)
	}
	p := &Pipeline{steps: make([]Step, len(steps))}
	copy(p.steps, steps)
	return p, nil
}

// FromWeights builds a pipeline by converting a weight per stage (e.g.
// 40, 50, 10) into contiguous spans. Weights must be positive and sum
// to 100.
func FromWeights(weights []float64, stages ...Stage) (*Pipeline, error) {
	if len(weights) != len(stages) {
		return nil, fmt.Errorf("pipeline: %d weights for %d stages", len(weights), len(stages))
	}
	sum := 0.0
	for i, w := range weights {
		if w <= 0 {
			return nil, fmt.Errorf("pipeline: weight %d must be positive, got %g", i, w)
		}
		sum += w
	}
	if math.Abs(sum-100) > 1e-9 {
		return nil, fmt.Errorf("pipeline: weights must sum to 100, got %g", sum)
	}
	steps := make([]Step, len(stages))
	lo := 0.0
	for i, st := range stages {
		hi := lo + weights[i]
		if i == len(stages)-1 {
			hi = 100
		}
		steps[i] = Step{Stage: st, Span: Span{Lo: lo, Hi: hi}}
		lo = hi
	}
	return New(steps...)
}

// Steps returns the pipeline's steps in execution order.
func (p *Pipeline) Steps() []Step {
	out := make([]Step, len(p.steps))
	copy(out, p.steps)
	return out
}

// SpanFor returns the span owned by the given stage kind.
func (p *Pipeline) SpanFor(kind Kind) (Span, bool) {
	for _, st := range p.steps {
		if st.Stage.Kind() == kind {
			return st.Span, true
		}
	}
	return Span{}, false
}

// Labels returns the stage labels in execution order.
func (p *Pipeline) Labels() []string {
	out := make([]string, len(p.steps))
	for i, st := range p.steps {
		out[i] = string(st.Stage.Kind())
	}
	return out
}

// Run executes one stage inside the standard event envelope: exactly one
// started event, then exactly one of completed or failed. The stage's
// error is returned unchanged so the caller decides run disposition.
func Run(ctx context.Context, st Stage, em *Emitter, art Artifact) (Artifact, error) {
	kind := string(st.Kind())
	em.emit(model.EventStarted, "Starting "+kind, nil, nil)

	out, err := st.Execute(ctx, em, art)
	if err != nil {
		detail := err.Error()
		em.emit(model.EventFailed, "Failed "+kind, nil, &detail)
		return art, err
	}

	em.emit(model.EventCompleted, "Completed "+kind, map[string]any{
		model.PayloadResult: stageResult(st.Kind(), out),
	}, nil)
	return out, nil
}

// stageResult renders the short result line carried by completed events.
func stageResult(kind Kind, art Artifact) string {
	switch kind {
	case KindProcess:
		if art.Processing != nil {
			return fmt.Sprintf("processed %d of %d documents", art.Processing.FilesProcessed, art.Processing.FilesFound)
		}
	case KindGenerate:
		if art.Generation != nil {
			return fmt.Sprintf("generated %d sections", len(art.Generation.Sections))
		}
	case KindAssemble:
		if art.Assembly != nil {
			return fmt.Sprintf("assembled %d sections into %d files", art.Assembly.SectionsCount, len(art.Assembly.Files))
		}
	}
	return "completed"
}
