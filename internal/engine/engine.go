package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/seisho-ai/seisho/internal/bus"
	"github.com/seisho-ai/seisho/internal/model"
	"github.com/seisho-ai/seisho/internal/pipeline"
)

// Defaults applied by New when Config leaves them zero.
const (
	defaultMaxConcurrent = 4
	defaultMaxDocs       = 10
	maxDocsCap           = 50
)

// Archiver is the write side of the durable run archive. Implemented by
// archive.Buffer; a nil Archiver disables archiving.
type Archiver interface {
	UpsertRun(run model.Run)
	Append(ev model.Event)
}

// Config wires an Engine. Registry, Bus and Pipeline are required.
type Config struct {
	Registry *Registry
	Bus      *bus.Bus
	Pipeline *pipeline.Pipeline
	Logger   *slog.Logger

	// Archive receives run upserts and events for durable storage.
	Archive Archiver

	// MaxConcurrent caps pipelines executing at once; runs beyond the
	// cap wait in queued status.
	MaxConcurrent int

	// OnRunFinished is invoked from the run goroutine after a run
	// reaches a terminal status.
	OnRunFinished func(model.Run)
}

// Engine executes generation runs. Each run gets its own goroutine and
// cancelable context; stages within a run are strictly sequential, and
// state updates flow exclusively through bus events and the registry.
type Engine struct {
	reg    *Registry
	bus    *bus.Bus
	pipe   *pipeline.Pipeline
	logger *slog.Logger

	archive  Archiver
	sem      *semaphore.Weighted
	onFinish func(model.Run)

	tasks *taskSet
}

// New builds an engine and subscribes it to the bus. The engine is the
// only bus subscriber that mutates run state.
func New(cfg Config) (*Engine, error) {
	if cfg.Registry == nil || cfg.Bus == nil || cfg.Pipeline == nil {
		return nil, fmt.Errorf("engine: registry, bus and pipeline are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxConc := cfg.MaxConcurrent
	if maxConc <= 0 {
		maxConc = defaultMaxConcurrent
	}
	e := &Engine{
		reg:      cfg.Registry,
		bus:      cfg.Bus,
		pipe:     cfg.Pipeline,
		logger:   logger,
		archive:  cfg.Archive,
		sem:      semaphore.NewWeighted(int64(maxConc)),
		onFinish: cfg.OnRunFinished,
		tasks:    newTaskSet(),
	}
	cfg.Bus.Subscribe(e.handleEvent)
	return e, nil
}

// Registry exposes the engine's run registry for query surfaces.
func (e *Engine) Registry() *Registry { return e.reg }

// StageLabels returns the pipeline's stage labels in execution order.
func (e *Engine) StageLabels() []string { return e.pipe.Labels() }

// StartRun registers a run and launches its pipeline in the background.
// It returns as soon as the run is queued; the task handle resolves when
// the run reaches a terminal status.
func (e *Engine) StartRun(req model.StartRunRequest) (*Task, error) {
	maxDocs := req.MaxDocs
	if maxDocs <= 0 {
		maxDocs = defaultMaxDocs
	}
	if maxDocs > maxDocsCap {
		maxDocs = maxDocsCap
	}
	now := time.Now().UTC()
	run := model.Run{
		ID:        uuid.New(),
		Status:    model.RunStatusQueued,
		Query:     req.Query,
		MaxDocs:   maxDocs,
		CreatedAt: now,
		UpdatedAt: now,
	}
	e.reg.add(run)
	e.archiveRun(run.ID)

	ctx, cancel := context.WithCancel(context.Background())
	t := newTask(run.ID, cancel)
	e.tasks.add(t)

	e.logger.Info("engine: run queued", "run_id", run.ID, "query", run.Query, "max_docs", maxDocs)
	go e.execute(ctx, t, run)
	return t, nil
}

// Cancel moves an unfinished run to canceled and stops its pipeline.
// Stages observe their context between items, so remaining work winds
// down cooperatively; any late stage events still land in the log but
// can no longer change the run's status.
func (e *Engine) Cancel(id uuid.UUID) (model.Run, error) {
	if _, err := e.reg.Get(id); err != nil {
		return model.Run{}, err
	}
	run, ok := e.reg.finalize(id, model.RunStatusCanceled, nil, "Canceled by user")
	if !ok {
		return model.Run{}, ErrRunFinished
	}
	if t, found := e.tasks.get(id); found {
		t.cancel()
	}
	e.logger.Info("engine: run canceled", "run_id", id)
	e.archiveRun(id)
	e.finished(run)
	return run, nil
}

// Wait blocks until the run finishes or ctx ends. For runs that already
// finished it returns immediately.
func (e *Engine) Wait(ctx context.Context, id uuid.UUID) (model.Run, error) {
	run, err := e.reg.Get(id)
	if err != nil {
		return model.Run{}, err
	}
	if run.Finished {
		return run, nil
	}
	t, ok := e.tasks.get(id)
	if !ok {
		return e.reg.Get(id)
	}
	select {
	case <-ctx.Done():
		return model.Run{}, ctx.Err()
	case <-t.Done():
		return e.reg.Get(id)
	}
}

// Drain waits for all in-flight runs to finish or ctx to end.
func (e *Engine) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.tasks.wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop cancels the context of every in-flight run. Pair with Drain for
// bounded shutdown.
func (e *Engine) Stop() {
	for _, t := range e.tasks.all() {
		t.cancel()
	}
}

// execute runs the full pipeline for one run.
func (e *Engine) execute(ctx context.Context, t *Task, run model.Run) {
	var finalErr error
	defer func() {
		e.tasks.remove(t.RunID)
		t.finish(finalErr)
	}()

	if err := e.sem.Acquire(ctx, 1); err != nil {
		// Canceled while queued; Cancel already finalized the run.
		finalErr = err
		return
	}
	defer e.sem.Release(1)

	if !e.reg.markRunning(run.ID) {
		return
	}
	e.reg.pushStatus(run.ID)
	e.archiveRun(run.ID)
	e.logger.Info("engine: run started", "run_id", run.ID)

	art := pipeline.Artifact{Query: run.Query, MaxDocs: run.MaxDocs}
	for _, step := range e.pipe.Steps() {
		if err := ctx.Err(); err != nil {
			finalErr = err
			e.archiveRun(run.ID)
			return
		}
		kind := step.Stage.Kind()
		e.reg.setCurrentStep(run.ID, stagePreamble(kind))
		e.reg.pushStatus(run.ID)

		out, err := pipeline.Run(ctx, step.Stage, pipeline.NewEmitter(e.bus, run.ID, kind), art)
		if err != nil {
			finalErr = err
			if final, ok := e.reg.finalize(run.ID, model.RunStatusFailed, nil, err.Error()); ok {
				e.logger.Warn("engine: run failed", "run_id", run.ID, "stage", kind, "error", err)
				e.finished(final)
			}
			e.archiveRun(run.ID)
			return
		}
		art = out
	}

	if final, ok := e.reg.finalize(run.ID, model.RunStatusSucceeded, buildResult(art), ""); ok {
		e.logger.Info("engine: run succeeded", "run_id", run.ID)
		e.finished(final)
	}
	e.archiveRun(run.ID)
}

// handleEvent is the bus subscriber that folds events into run state.
// Ordering mirrors emission order because the bus is synchronous.
func (e *Engine) handleEvent(ev model.Event) {
	if !e.reg.appendEvent(ev) {
		return
	}
	switch ev.Type {
	case model.EventStepStarted:
		step := ev.Message
		if s, ok := ev.Payload[model.PayloadStep].(string); ok && s != "" {
			step = s
		}
		e.reg.setCurrentStep(ev.RunID, step)

	case model.EventProgress:
		current, curOK := payloadInt(ev.Payload, model.PayloadCurrent)
		total, totOK := payloadInt(ev.Payload, model.PayloadTotal)
		if curOK && totOK {
			if span, ok := e.pipe.SpanFor(pipeline.Kind(ev.Stage)); ok {
				e.reg.observeProgress(ev.RunID, span.Map(pipeline.Local(current, total)))
			}
			if ev.Stage == string(pipeline.KindProcess) {
				var totalDocs *int
				if td, ok := payloadInt(ev.Payload, model.PayloadTotalDocs); ok {
					totalDocs = &td
				}
				e.reg.setDocCounters(ev.RunID, current, totalDocs)
			}
		}

	case model.EventError:
		detail := ev.Message
		if ev.Error != nil {
			detail = *ev.Error
		}
		e.reg.setError(ev.RunID, detail)
	}

	e.reg.pushStatus(ev.RunID)
	if e.archive != nil {
		e.archive.Append(ev)
	}
}

// finished delivers completion side effects outside any lock.
func (e *Engine) finished(run model.Run) {
	if e.onFinish != nil {
		e.onFinish(run)
	}
}

func (e *Engine) archiveRun(id uuid.UUID) {
	if e.archive == nil {
		return
	}
	if run, err := e.reg.Get(id); err == nil {
		e.archive.UpsertRun(run)
	}
}

// stagePreamble is the current-step label set just before a stage runs.
func stagePreamble(k pipeline.Kind) string {
	switch k {
	case pipeline.KindProcess:
		return "Processing source documents"
	case pipeline.KindGenerate:
		return "Generating document content"
	case pipeline.KindAssemble:
		return "Assembling final document"
	}
	return "Running " + string(k)
}

// buildResult assembles the combined result payload from the final
// artifact.
func buildResult(art pipeline.Artifact) *model.RunResult {
	var proc model.ProcessingSummary
	if art.Processing != nil {
		proc = *art.Processing
	}
	var gen model.GenerationSummary
	if art.Generation != nil {
		gen = *art.Generation
	}
	var asm model.AssemblySummary
	if art.Assembly != nil {
		asm = *art.Assembly
	}
	return &model.RunResult{
		PipelineCompleted:  true,
		DocumentProcessing: proc,
		ContentGeneration: model.GenerationResult{
			SectionsGenerated: len(gen.Sections),
			UsingMock:         gen.UsingMock,
			Sections:          gen.Sections,
		},
		DocumentAssembly: model.AssemblyResult{
			Markdown: asm.Markdown,
			HTML:     asm.HTML,
			Files:    asm.Files,
			Metadata: asm.Metadata,
		},
		Summary: model.ResultSummary{
			Query:                art.Query,
			DocumentType:         gen.DocumentType,
			SourceFilesProcessed: proc.FilesProcessed,
			SectionsGenerated:    len(gen.Sections),
			OutputFiles:          asm.Files,
		},
	}
}

// payloadInt reads an integer payload value, tolerating the float64
// form JSON decoding produces.
func payloadInt(p map[string]any, key string) (int, bool) {
	switch v := p[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}

// taskSet tracks live task handles.
type taskSet struct {
	mu sync.Mutex
	m  map[uuid.UUID]*Task
	wg sync.WaitGroup
}

func newTaskSet() *taskSet {
	return &taskSet{m: make(map[uuid.UUID]*Task)}
}

func (s *taskSet) add(t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[t.RunID] = t
	s.wg.Add(1)
}

func (s *taskSet) get(id uuid.UUID) (*Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.m[id]
	return t, ok
}

func (s *taskSet) remove(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[id]; ok {
		delete(s.m, id)
		s.wg.Done()
	}
}

func (s *taskSet) all() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Task, 0, len(s.m))
	for _, t := range s.m {
		out = append(out, t)
	}
	return out
}

func (s *taskSet) wait() { s.wg.Wait() }
