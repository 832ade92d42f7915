package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/seisho-ai/seisho/internal/engine"
	"github.com/seisho-ai/seisho/internal/model"
)

// HandleWatchRun handles GET /v1/runs/{run_id}/watch (SSE).
//
// The stream opens with a status_update frame carrying the current
// snapshot, then mirrors the run's live frames: agent_event for each
// appended event, status_update for each state change. The final
// status_update has finished=true, after which the stream closes. For a
// run that already finished the snapshot is the only frame.
func (h *Handlers) HandleWatchRun(w http.ResponseWriter, r *http.Request) {
	id, err := parseRunID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	snapshot, frames, stop, err := h.engine.Registry().Watch(id)
	if err != nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
		return
	}
	defer stop()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Disable the server's WriteTimeout for this long-lived connection.
	// Without this, idle watch connections are killed after WriteTimeout.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	// Current snapshot first, so late watchers start with full state.
	snap := snapshot
	snap.Result = nil
	if err := writeSSE(w, flusher, "status_update", snap); err != nil {
		return
	}

	keepalive := time.NewTicker(h.sseKeepAlive)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := io.WriteString(w, ":keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case frame, ok := <-frames:
			if !ok {
				// Run finished; the final status frame is already out.
				return
			}
			switch frame.Kind {
			case engine.FrameEvent:
				if err := writeSSE(w, flusher, "agent_event", frame.Event); err != nil {
					return
				}
			case engine.FrameStatus:
				if err := writeSSE(w, flusher, "status_update", frame.Run); err != nil {
					return
				}
			}
		}
	}
}

// writeSSE writes one Server-Sent Events frame and flushes it.
func writeSSE(w io.Writer, flusher http.Flusher, event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
