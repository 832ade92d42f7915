// Package engine owns run state: the in-memory run registry, the engine
// that executes pipelines in the background, and per-run watch fan-out.
package engine

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/seisho-ai/seisho/internal/model"
)

// Sentinel errors callers branch on.
var (
	ErrRunNotFound    = errors.New("engine: run not found")
	ErrRunFinished    = errors.New("engine: run already finished")
	ErrRunNotFinished = errors.New("engine: run not finished")
	ErrRunFailed      = errors.New("engine: run failed")
	ErrNoResult       = errors.New("engine: run has no result")
)

// Default and maximum page size for List.
const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// record couples one run's snapshot with its event log and watch hub.
type record struct {
	run    model.Run
	events []model.Event
	hub    *hub
}

// Registry is the authoritative in-memory store of runs. All access goes
// through its methods; read methods return copies, so callers can never
// mutate registry state. Event interpretation lives in the Engine; the
// registry only stores.
type Registry struct {
	mu    sync.RWMutex
	runs  map[uuid.UUID]*record
	order []uuid.UUID // creation order, oldest first
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{runs: make(map[uuid.UUID]*record)}
}

// add registers a new run. The caller owns ID uniqueness.
func (r *Registry) add(run model.Run) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[run.ID] = &record{run: run, hub: newHub()}
	r.order = append(r.order, run.ID)
}

// Get returns a snapshot of the run.
func (r *Registry) Get(id uuid.UUID) (model.Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.runs[id]
	if !ok {
		return model.Run{}, ErrRunNotFound
	}
	return cloneRun(rec.run), nil
}

// Events returns a copy of the run's event log, in emission order. An
// unknown ID yields an empty log, not an error.
func (r *Registry) Events(id uuid.UUID) []model.Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.runs[id]
	if !ok {
		return []model.Event{}
	}
	out := make([]model.Event, len(rec.events))
	copy(out, rec.events)
	return out
}

// Summary returns the run snapshot with counts derived from its event
// log.
func (r *Registry) Summary(id uuid.UUID) (model.RunSummary, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.runs[id]
	if !ok {
		return model.RunSummary{}, ErrRunNotFound
	}
	s := model.RunSummary{Run: cloneRun(rec.run), StagesInvolved: []string{}}
	seen := make(map[string]bool)
	for _, ev := range rec.events {
		s.TotalEvents++
		switch ev.Type {
		case model.EventWarning:
			s.Warnings++
		case model.EventError:
			s.Errors++
		case model.EventStepCompleted:
			s.StepsCompleted++
		}
		if !seen[ev.Stage] {
			seen[ev.Stage] = true
			s.StagesInvolved = append(s.StagesInvolved, ev.Stage)
		}
	}
	return s, nil
}

// Result returns the stored result of a succeeded run. It distinguishes
// unknown runs, unfinished runs, failed runs (wrapping the failure
// detail) and finished runs that produced nothing.
func (r *Registry) Result(id uuid.UUID) (*model.RunResult, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	run := rec.run
	switch {
	case !run.Finished:
		return nil, fmt.Errorf("%w: current status %s", ErrRunNotFinished, run.Status)
	case run.Status == model.RunStatusFailed:
		detail := ""
		if run.Error != nil {
			detail = *run.Error
		}
		return nil, fmt.Errorf("%w: %s", ErrRunFailed, detail)
	case run.Result == nil:
		return nil, ErrNoResult
	}
	return run.Result, nil
}

// List returns run snapshots newest-first, with results stripped. A
// non-positive limit selects the default.
func (r *Registry) List(limit int) []model.Run {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Run, 0, min(limit, len(r.order)))
	for i := len(r.order) - 1; i >= 0 && len(out) < limit; i-- {
		rec := r.runs[r.order[i]]
		run := cloneRun(rec.run)
		run.Result = nil
		out = append(out, run)
	}
	return out
}

// Active counts runs that have not reached a terminal status.
func (r *Registry) Active() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, rec := range r.runs {
		if !rec.run.Status.Terminal() {
			n++
		}
	}
	return n
}

// Total counts every registered run.
func (r *Registry) Total() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.runs)
}

// appendEvent stores ev on its run's log and fans an event frame out to
// watchers. Events for unknown runs are dropped.
func (r *Registry) appendEvent(ev model.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.runs[ev.RunID]
	if !ok {
		return false
	}
	rec.events = append(rec.events, ev)
	rec.run.UpdatedAt = time.Now().UTC()
	rec.hub.broadcast(WatchFrame{Kind: FrameEvent, Event: &ev})
	return true
}

// mutate applies fn to the run under the registry lock and bumps
// UpdatedAt. Returns false for unknown runs.
func (r *Registry) mutate(id uuid.UUID, fn func(*model.Run)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.runs[id]
	if !ok {
		return false
	}
	fn(&rec.run)
	rec.run.UpdatedAt = time.Now().UTC()
	return true
}

// observeProgress raises the run's progress to mapped if that is an
// increase. Regressions and repeats are ignored, which keeps overall
// progress monotonic and replays idempotent.
func (r *Registry) observeProgress(id uuid.UUID, mapped float64) bool {
	return r.mutate(id, func(run *model.Run) {
		if mapped > run.Progress {
			run.Progress = mapped
		}
	})
}

func (r *Registry) setCurrentStep(id uuid.UUID, step string) bool {
	return r.mutate(id, func(run *model.Run) { run.CurrentStep = step })
}

func (r *Registry) setError(id uuid.UUID, msg string) bool {
	return r.mutate(id, func(run *model.Run) { run.Error = &msg })
}

// setDocCounters records ingest-stage document counts. total is applied
// only when non-nil; the discovery event is the only one that carries it.
func (r *Registry) setDocCounters(id uuid.UUID, processed int, total *int) bool {
	return r.mutate(id, func(run *model.Run) {
		run.ProcessedDocs = processed
		if total != nil {
			t := *total
			run.TotalDocs = &t
		}
	})
}

// markRunning flips a queued run to running. Any other starting status
// (a cancel that won the race) leaves the run untouched.
func (r *Registry) markRunning(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.runs[id]
	if !ok || rec.run.Status != model.RunStatusQueued {
		return false
	}
	rec.run.Status = model.RunStatusRunning
	rec.run.UpdatedAt = time.Now().UTC()
	return true
}

// finalize moves a run to a terminal status exactly once. Later
// finalize calls (a stage failing after a user cancel, for example)
// return false and change nothing. Success forces progress to 100,
// attaches the result and the completion label; failure records the
// error and a failure label; cancellation records the error and leaves
// the current step where it was. The run's watch hub delivers one final
// status frame and closes.
func (r *Registry) finalize(id uuid.UUID, status model.RunStatus, result *model.RunResult, errMsg string) (model.Run, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.runs[id]
	if !ok || rec.run.Status.Terminal() {
		return model.Run{}, false
	}
	rec.run.Status = status
	rec.run.Finished = true
	rec.run.UpdatedAt = time.Now().UTC()
	switch status {
	case model.RunStatusSucceeded:
		rec.run.Progress = 100
		rec.run.Result = result
		rec.run.CurrentStep = "Generation completed successfully"
	case model.RunStatusFailed:
		rec.run.Error = &errMsg
		rec.run.CurrentStep = "Failed: " + errMsg
	default:
		if errMsg != "" {
			rec.run.Error = &errMsg
		}
	}
	run := cloneRun(rec.run)
	statusCopy := run
	statusCopy.Result = nil
	rec.hub.broadcast(WatchFrame{Kind: FrameStatus, Run: &statusCopy})
	rec.hub.close()
	return run, true
}

// pushStatus fans the current (result-stripped) snapshot out to
// watchers.
func (r *Registry) pushStatus(id uuid.UUID) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.runs[id]
	if !ok {
		return
	}
	run := cloneRun(rec.run)
	run.Result = nil
	rec.hub.broadcast(WatchFrame{Kind: FrameStatus, Run: &run})
}

// cloneRun copies a run, detaching the pointer fields callers could
// otherwise reach back through. Result is shared: it is written once at
// finalize and treated as immutable after that.
func cloneRun(run model.Run) model.Run {
	out := run
	if run.TotalDocs != nil {
		v := *run.TotalDocs
		out.TotalDocs = &v
	}
	if run.Error != nil {
		v := *run.Error
		out.Error = &v
	}
	return out
}
