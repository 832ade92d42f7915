package model

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the category of a run event.
type EventType string

const (
	// Stage lifecycle events. Every stage execution emits exactly one
	// started event and exactly one of completed or failed.
	EventStarted   EventType = "started"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"

	// Intra-stage reporting events.
	EventProgress      EventType = "progress"
	EventStepStarted   EventType = "step_started"
	EventStepCompleted EventType = "step_completed"
	EventWarning       EventType = "warning"
	EventError         EventType = "error"
)

// Payload keys with engine-side meaning. Progress events carry Current,
// Total and Percent; step events carry Step; the document-discovery
// progress event additionally carries TotalDocs.
const (
	PayloadCurrent   = "current"
	PayloadTotal     = "total"
	PayloadPercent   = "progress"
	PayloadStep      = "step"
	PayloadTotalDocs = "total_docs"
	PayloadResult    = "result"
)

// Event is one record in a run's append-only event log.
// Source of truth for what happened during a run. Never mutated.
type Event struct {
	ID        uuid.UUID      `json:"id"`
	RunID     uuid.UUID      `json:"run_id"`
	Stage     string         `json:"stage"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Message   string         `json:"message"`
	Payload   map[string]any `json:"payload,omitempty"`
	Error     *string        `json:"error,omitempty"`
}
