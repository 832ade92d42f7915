package server

import (
	"errors"
	"net/http"

	"github.com/seisho-ai/seisho/internal/model"
	"github.com/seisho-ai/seisho/internal/storage"
)

// archiveEvents caps how many archived events one request returns.
const archiveEventsLimit = 1000

// HandleArchiveListRuns handles GET /v1/archive/runs.
func (h *Handlers) HandleArchiveListRuns(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "archive not configured")
		return
	}

	limit := queryLimit(r, 50)
	runs, err := h.store.ListRuns(r.Context(), limit)
	if err != nil {
		h.writeInternalError(w, r, "failed to list archived runs", err)
		return
	}
	writeList(w, r, http.StatusOK, runs, nil, limit, len(runs) == limit)
}

// HandleArchiveGetRun handles GET /v1/archive/runs/{run_id}.
func (h *Handlers) HandleArchiveGetRun(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "archive not configured")
		return
	}

	id, err := parseRunID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	run, err := h.store.GetRun(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found in archive")
			return
		}
		h.writeInternalError(w, r, "failed to read archived run", err)
		return
	}
	writeJSON(w, r, http.StatusOK, run)
}

// HandleArchiveRunEvents handles GET /v1/archive/runs/{run_id}/events.
// Mirrors the live endpoint: unknown runs yield an empty list.
func (h *Handlers) HandleArchiveRunEvents(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "archive not configured")
		return
	}

	id, err := parseRunID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	events, err := h.store.EventsByRun(r.Context(), id, archiveEventsLimit)
	if err != nil {
		h.writeInternalError(w, r, "failed to read archived events", err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.RunEventsResponse{
		RunID:  id,
		Events: events,
	})
}
