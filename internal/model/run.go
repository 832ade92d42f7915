// Package model defines the core domain types for Seisho.
//
// All types correspond directly to wire payloads and archive tables.
// Types use strong typing (UUIDs, time.Time, enums) and avoid
// interface{} wherever possible.
package model

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus represents the lifecycle state of a generation run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCanceled  RunStatus = "canceled"
)

// Terminal reports whether the status is final. A run in a terminal
// status never changes status again.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusCanceled:
		return true
	}
	return false
}

// Run is the queryable snapshot of one generation run. The event log is
// tracked separately; a Run never embeds its events.
//
// Progress is normalized to [0, 100] and never decreases. Result is set
// only when Status is succeeded; Error is set when the run failed or was
// canceled. Finished is true exactly when Status is terminal.
type Run struct {
	ID            uuid.UUID  `json:"id"`
	Status        RunStatus  `json:"status"`
	Query         string     `json:"query"`
	MaxDocs       int        `json:"max_docs"`
	ProcessedDocs int        `json:"processed_docs"`
	TotalDocs     *int       `json:"total_docs,omitempty"`
	CurrentStep   string     `json:"current_step"`
	Progress      float64    `json:"progress"`
	Error         *string    `json:"error,omitempty"`
	Finished      bool       `json:"finished"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	Result        *RunResult `json:"result,omitempty"`
}
