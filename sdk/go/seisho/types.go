package seisho

import (
	"time"

	"github.com/google/uuid"
)

// Run statuses as reported in Run.Status.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusCanceled  = "canceled"
)

// Run is one generation run's queryable snapshot.
type Run struct {
	ID            uuid.UUID      `json:"id"`
	Status        string         `json:"status"`
	Query         string         `json:"query"`
	MaxDocs       int            `json:"max_docs"`
	ProcessedDocs int            `json:"processed_docs"`
	TotalDocs     *int           `json:"total_docs,omitempty"`
	CurrentStep   string         `json:"current_step"`
	Progress      float64        `json:"progress"`
	Error         *string        `json:"error,omitempty"`
	Finished      bool           `json:"finished"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	Result        map[string]any `json:"result,omitempty"`
}

// Terminal reports whether the run's status is final.
func (r Run) Terminal() bool {
	switch r.Status {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// Event is one record in a run's append-only event log.
type Event struct {
	ID        uuid.UUID      `json:"id"`
	RunID     uuid.UUID      `json:"run_id"`
	Stage     string         `json:"stage"`
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Message   string         `json:"message"`
	Payload   map[string]any `json:"payload,omitempty"`
	Error     *string        `json:"error,omitempty"`
}

// RunSummary is a run snapshot with counts derived from its event log.
type RunSummary struct {
	Run
	TotalEvents    int      `json:"total_events"`
	Warnings       int      `json:"warnings"`
	Errors         int      `json:"errors"`
	StepsCompleted int      `json:"steps_completed"`
	StagesInvolved []string `json:"stages_involved"`
}

// StartRunResponse is the acknowledgement for StartRun.
type StartRunResponse struct {
	RunID   uuid.UUID `json:"run_id"`
	Status  string    `json:"status"`
	Message string    `json:"message"`
}

// CancelRunResponse is the acknowledgement for Cancel.
type CancelRunResponse struct {
	RunID   uuid.UUID `json:"run_id"`
	Status  string    `json:"status"`
	Message string    `json:"message"`
}

// WatchFrame is one frame of a Watch stream: either a status snapshot
// or a single event.
type WatchFrame struct {
	// Kind is "status_update" or "agent_event".
	Kind  string
	Run   *Run
	Event *Event
}

// startRunRequest is the body for POST /v1/runs.
type startRunRequest struct {
	Query   string `json:"query"`
	MaxDocs int    `json:"max_docs,omitempty"`
}

// runEventsResponse is the body for GET /v1/runs/{id}/events.
type runEventsResponse struct {
	RunID  uuid.UUID `json:"run_id"`
	Events []Event   `json:"events"`
}
