package server

import (
	"errors"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/seisho-ai/seisho/internal/engine"
	"github.com/seisho-ai/seisho/internal/model"
)

// HandleStartRun handles POST /v1/runs.
func (h *Handlers) HandleStartRun(w http.ResponseWriter, r *http.Request) {
	var req model.StartRunRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	// An empty query is accepted: the engine runs it and the generator
	// falls back to its basic template, same as the mock path.
	if req.MaxDocs < 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "max_docs must not be negative")
		return
	}

	task, err := h.engine.StartRun(req)
	if err != nil {
		h.writeInternalError(w, r, "failed to start run", err)
		return
	}

	// Set OTEL span attributes for trace correlation.
	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("seisho.run_id", task.RunID.String()))

	writeJSON(w, r, http.StatusAccepted, model.StartRunResponse{
		RunID:   task.RunID,
		Status:  model.RunStatusQueued,
		Message: "Generation started. Track progress at /v1/runs/" + task.RunID.String(),
	})
}

// HandleListRuns handles GET /v1/runs.
func (h *Handlers) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 50)
	reg := h.engine.Registry()
	runs := reg.List(limit)
	total := reg.Total()
	writeList(w, r, http.StatusOK, runs, &total, limit, total > len(runs))
}

// HandleGetRun handles GET /v1/runs/{run_id}.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	id, err := parseRunID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	run, err := h.engine.Registry().Get(id)
	if err != nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
		return
	}
	writeJSON(w, r, http.StatusOK, run)
}

// HandleCancelRun handles DELETE /v1/runs/{run_id}.
func (h *Handlers) HandleCancelRun(w http.ResponseWriter, r *http.Request) {
	id, err := parseRunID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	run, err := h.engine.Cancel(id)
	switch {
	case err == nil:
		writeJSON(w, r, http.StatusOK, model.CancelRunResponse{
			RunID:   run.ID,
			Status:  run.Status,
			Message: "Run canceled",
		})
	case errors.Is(err, engine.ErrRunNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
	case errors.Is(err, engine.ErrRunFinished):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidState, "run already finished")
	default:
		h.writeInternalError(w, r, "failed to cancel run", err)
	}
}

// HandleRunEvents handles GET /v1/runs/{run_id}/events.
// Unknown run IDs yield an empty event list, not a 404.
func (h *Handlers) HandleRunEvents(w http.ResponseWriter, r *http.Request) {
	id, err := parseRunID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	events := h.engine.Registry().Events(id)
	writeJSON(w, r, http.StatusOK, model.RunEventsResponse{
		RunID:  id,
		Events: events,
	})
}

// HandleRunSummary handles GET /v1/runs/{run_id}/summary.
func (h *Handlers) HandleRunSummary(w http.ResponseWriter, r *http.Request) {
	id, err := parseRunID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	summary, err := h.engine.Registry().Summary(id)
	if err != nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
		return
	}
	writeJSON(w, r, http.StatusOK, summary)
}

// HandleRunResult handles GET /v1/runs/{run_id}/result.
// Results exist only for succeeded runs; other states map to explicit
// error responses so pollers can tell "not yet" from "never".
func (h *Handlers) HandleRunResult(w http.ResponseWriter, r *http.Request) {
	id, err := parseRunID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	reg := h.engine.Registry()
	result, err := reg.Result(id)
	switch {
	case err == nil:
		writeJSON(w, r, http.StatusOK, result)
	case errors.Is(err, engine.ErrRunNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
	case errors.Is(err, engine.ErrRunNotFinished):
		msg := "run has not finished"
		if run, gerr := reg.Get(id); gerr == nil {
			msg = fmt.Sprintf("run has not finished (status %s)", run.Status)
		}
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidState, msg)
	case errors.Is(err, engine.ErrRunFailed):
		msg := "run failed"
		if run, gerr := reg.Get(id); gerr == nil && run.Error != nil {
			msg = "run failed: " + *run.Error
		}
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidState, msg)
	case errors.Is(err, engine.ErrNoResult):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run produced no result")
	default:
		h.writeInternalError(w, r, "failed to read result", err)
	}
}
