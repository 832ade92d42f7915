package pipeline

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/seisho-ai/seisho/internal/bus"
	"github.com/seisho-ai/seisho/internal/model"
)

// Emitter publishes events for one stage execution. It stamps every
// event with the run ID and the stage label so subscribers never see an
// unattributed event.
type Emitter struct {
	bus   *bus.Bus
	runID uuid.UUID
	stage string
}

// NewEmitter binds an emitter to a run and a stage.
func NewEmitter(b *bus.Bus, runID uuid.UUID, kind Kind) *Emitter {
	return &Emitter{bus: b, runID: runID, stage: string(kind)}
}

// Step announces a named sub-step. An empty message defaults to
// "Starting <name>".
func (e *Emitter) Step(name, message string) {
	if message == "" {
		message = "Starting " + name
	}
	e.emit(model.EventStepStarted, message, map[string]any{model.PayloadStep: name}, nil)
}

// StepDone announces completion of a named sub-step. An empty message
// defaults to "Completed <name>".
func (e *Emitter) StepDone(name, message string) {
	if message == "" {
		message = "Completed " + name
	}
	e.emit(model.EventStepCompleted, message, map[string]any{model.PayloadStep: name}, nil)
}

// Progress reports intra-stage progress as current out of total. An
// empty message defaults to "Progress: current/total". The payload
// carries the raw counters plus the 0..100 local percentage.
func (e *Emitter) Progress(current, total int, message string) {
	if message == "" {
		message = fmt.Sprintf("Progress: %d/%d", current, total)
	}
	e.emit(model.EventProgress, message, map[string]any{
		model.PayloadCurrent: current,
		model.PayloadTotal:   total,
		model.PayloadPercent: Percent(current, total),
	}, nil)
}

// ProgressPayload reports progress with extra payload keys merged in on
// top of the standard counters.
func (e *Emitter) ProgressPayload(current, total int, message string, extra map[string]any) {
	payload := map[string]any{
		model.PayloadCurrent: current,
		model.PayloadTotal:   total,
		model.PayloadPercent: Percent(current, total),
	}
	for k, v := range extra {
		payload[k] = v
	}
	if message == "" {
		message = fmt.Sprintf("Progress: %d/%d", current, total)
	}
	e.emit(model.EventProgress, message, payload, nil)
}

// Warning reports an item-level problem that does not abort the stage.
func (e *Emitter) Warning(message string, payload map[string]any) {
	e.emit(model.EventWarning, message, payload, nil)
}

// Error reports a non-fatal error condition with detail. Fatal errors
// are returned from Execute instead and surface as a failed event.
func (e *Emitter) Error(message string, detail error) {
	var errText *string
	if detail != nil {
		s := detail.Error()
		errText = &s
	}
	e.emit(model.EventError, message, nil, errText)
}

func (e *Emitter) emit(t model.EventType, message string, payload map[string]any, errDetail *string) {
	e.bus.Publish(model.Event{
		ID:        uuid.New(),
		RunID:     e.runID,
		Stage:     e.stage,
		Type:      t,
		Timestamp: time.Now().UTC(),
		Message:   message,
		Payload:   payload,
		Error:     errDetail,
	})
}
