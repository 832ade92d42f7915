package seisho

import (
	"time"

	"github.com/google/uuid"
)

// Run statuses as reported in RunView.Status.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusCanceled  = "canceled"
)

// RunView is the public representation of a generation run.
// It is a curated view of the internal run state for use in extension
// interfaces. No internal package imports — safe to use from outside
// the module.
type RunView struct {
	ID            uuid.UUID
	Status        string
	Query         string
	MaxDocs       int
	ProcessedDocs int
	TotalDocs     *int
	CurrentStep   string
	// Progress is normalized to [0, 100] and never decreases.
	Progress  float64
	Error     *string
	Finished  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SectionPrompt is the input handed to a SectionWriter for one section
// of the output document.
type SectionPrompt struct {
	// SectionID is the stable key of the section (e.g. "executive_summary").
	SectionID string
	// Title is the human-readable section heading.
	Title string
	// Query is the original run request.
	Query string
	// DocumentType labels the kind of document being generated.
	DocumentType string
	// Context summarises the most relevant extracted source content.
	Context string
}
