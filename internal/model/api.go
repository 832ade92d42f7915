package model

import (
	"time"

	"github.com/google/uuid"
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for paginated list endpoints.
type ListResponse struct {
	Data    any          `json:"data"`
	Total   *int         `json:"total,omitempty"`
	HasMore bool         `json:"has_more"`
	Limit   int          `json:"limit"`
	Meta    ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeInvalidState  = "INVALID_STATE"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeUnavailable   = "SERVICE_UNAVAILABLE"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// StartRunRequest is the request body for POST /v1/runs.
type StartRunRequest struct {
	Query   string `json:"query"`
	MaxDocs int    `json:"max_docs,omitempty"`
}

// StartRunResponse is the 202 body for POST /v1/runs.
type StartRunResponse struct {
	RunID   uuid.UUID `json:"run_id"`
	Status  RunStatus `json:"status"`
	Message string    `json:"message"`
}

// CancelRunResponse is the body for DELETE /v1/runs/{run_id}.
type CancelRunResponse struct {
	RunID   uuid.UUID `json:"run_id"`
	Status  RunStatus `json:"status"`
	Message string    `json:"message"`
}

// RunEventsResponse is the body for GET /v1/runs/{run_id}/events.
// Events is always present, empty for unknown run IDs.
type RunEventsResponse struct {
	RunID  uuid.UUID `json:"run_id"`
	Events []Event   `json:"events"`
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

// ArchiveHealth reports the durable archive's write path.
type ArchiveHealth struct {
	Enabled        bool   `json:"enabled"`
	Store          string `json:"store,omitempty"` // "ok" or "error"
	BufferedEvents int    `json:"buffered_events"`
	DroppedEvents  int64  `json:"dropped_events"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status     string        `json:"status"`
	Version    string        `json:"version"`
	Uptime     int64         `json:"uptime_seconds"`
	ActiveRuns int           `json:"active_runs"`
	TotalRuns  int           `json:"total_runs"`
	Stages     []string      `json:"stages"`
	Archive    ArchiveHealth `json:"archive"`
}
