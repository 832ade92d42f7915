package server_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seisho-ai/seisho/internal/archive"
	"github.com/seisho-ai/seisho/internal/auth"
	"github.com/seisho-ai/seisho/internal/bus"
	"github.com/seisho-ai/seisho/internal/engine"
	"github.com/seisho-ai/seisho/internal/model"
	"github.com/seisho-ai/seisho/internal/pipeline"
	"github.com/seisho-ai/seisho/internal/ratelimit"
	"github.com/seisho-ai/seisho/internal/server"
	"github.com/seisho-ai/seisho/internal/storage"
)

// ---- test fixtures ----

// scripted is a stage whose behavior is supplied inline by the test.
type scripted struct {
	kind pipeline.Kind
	fn   func(ctx context.Context, em *pipeline.Emitter, art pipeline.Artifact) (pipeline.Artifact, error)
}

func (s scripted) Kind() pipeline.Kind { return s.kind }

func (s scripted) Execute(ctx context.Context, em *pipeline.Emitter, art pipeline.Artifact) (pipeline.Artifact, error) {
	return s.fn(ctx, em, art)
}

// gate is a stage that blocks until released, so tests can observe runs
// mid-flight.
type gate struct {
	kind    pipeline.Kind
	entered chan struct{}
	release chan struct{}
}

func newGate(kind pipeline.Kind) *gate {
	return &gate{kind: kind, entered: make(chan struct{}, 1), release: make(chan struct{})}
}

func (g *gate) Kind() pipeline.Kind { return g.kind }

func (g *gate) Execute(ctx context.Context, _ *pipeline.Emitter, art pipeline.Artifact) (pipeline.Artifact, error) {
	select {
	case g.entered <- struct{}{}:
	default:
	}
	select {
	case <-g.release:
		return art, nil
	case <-ctx.Done():
		return art, ctx.Err()
	}
}

// happyStages is a fast three-stage pipeline producing a full artifact.
func happyStages() []pipeline.Stage {
	process := scripted{kind: pipeline.KindProcess, fn: func(_ context.Context, em *pipeline.Emitter, art pipeline.Artifact) (pipeline.Artifact, error) {
		em.ProgressPayload(0, 2, "Found 2 documents", map[string]any{model.PayloadTotalDocs: 2})
		em.Progress(1, 2, "")
		em.Progress(2, 2, "")
		art.Documents = []model.Document{
			{Name: "site_survey.txt", Type: ".txt", Content: "survey data"},
			{Name: "impact_notes.md", Type: ".md", Content: "impact notes"},
		}
		art.Processing = &model.ProcessingSummary{
			FilesFound:     2,
			FilesProcessed: 2,
			ProcessedFiles: []string{"site_survey.txt", "impact_notes.md"},
		}
		return art, nil
	}}
	generate := scripted{kind: pipeline.KindGenerate, fn: func(_ context.Context, em *pipeline.Emitter, art pipeline.Artifact) (pipeline.Artifact, error) {
		em.Step("executive_summary", "")
		em.Progress(1, 1, "")
		em.StepDone("executive_summary", "")
		art.Generation = &model.GenerationSummary{
			Sections: map[string]model.Section{
				"executive_summary": {Title: "Executive Summary", Content: "All clear.", Confidence: 0.9},
			},
			DocumentType: "environmental_assessment",
			SourceFiles:  2,
			Query:        art.Query,
			UsingMock:    true,
		}
		return art, nil
	}}
	assemble := scripted{kind: pipeline.KindAssemble, fn: func(_ context.Context, em *pipeline.Emitter, art pipeline.Artifact) (pipeline.Artifact, error) {
		em.Progress(1, 1, "")
		art.Assembly = &model.AssemblySummary{
			Markdown:      "# Report",
			HTML:          "<h1>Report</h1>",
			Files:         []string{"report.md", "report.html"},
			SectionsCount: 1,
			DocumentType:  "environmental_assessment",
		}
		return art, nil
	}}
	return []pipeline.Stage{process, generate, assemble}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// newTestEnv builds an engine over the given stages and serves it with
// httptest. mutate customizes the server config before construction.
func newTestEnv(t *testing.T, mutate func(*server.ServerConfig), stages ...pipeline.Stage) (*httptest.Server, *engine.Engine) {
	t.Helper()
	logger := testLogger()

	var pipe *pipeline.Pipeline
	var err error
	switch len(stages) {
	case 1:
		pipe, err = pipeline.New(pipeline.Step{Stage: stages[0], Span: pipeline.Span{Lo: 0, Hi: 100}})
	case 2:
		pipe, err = pipeline.New(
			pipeline.Step{Stage: stages[0], Span: pipeline.Span{Lo: 0, Hi: 50}},
			pipeline.Step{Stage: stages[1], Span: pipeline.Span{Lo: 50, Hi: 100}},
		)
	default:
		pipe, err = pipeline.FromWeights([]float64{40, 50, 10}, stages...)
	}
	require.NoError(t, err)

	eng, err := engine.New(engine.Config{
		Registry:      engine.NewRegistry(),
		Bus:           bus.New(logger),
		Pipeline:      pipe,
		Logger:        logger,
		MaxConcurrent: 4,
	})
	require.NoError(t, err)

	cfg := server.ServerConfig{
		Engine:              eng,
		Logger:              logger,
		Version:             "test",
		MaxRequestBodyBytes: 1 * 1024 * 1024,
		SSEKeepAlive:        50 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	ts := httptest.NewServer(server.New(cfg).Handler())
	t.Cleanup(ts.Close)
	return ts, eng
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func doRequest(t *testing.T, method, url string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

// startRun submits a run and returns its ID.
func startRun(t *testing.T, baseURL, query string) uuid.UUID {
	t.Helper()
	resp := postJSON(t, baseURL+"/v1/runs", model.StartRunRequest{Query: query})
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var env struct {
		Data model.StartRunResponse `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	require.NotEqual(t, uuid.Nil, env.Data.RunID)
	assert.Equal(t, model.RunStatusQueued, env.Data.Status)
	return env.Data.RunID
}

// waitRun blocks until the run reaches a terminal status.
func waitRun(t *testing.T, eng *engine.Engine, id uuid.UUID) model.Run {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	run, err := eng.Wait(ctx, id)
	require.NoError(t, err)
	return run
}

func errCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	var env model.APIError
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return env.Error.Code
}

// ---- tests ----

func TestHealthEndpoint(t *testing.T) {
	ts, _ := newTestEnv(t, nil, happyStages()...)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var env struct {
		Data model.HealthResponse `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	assert.Equal(t, "healthy", env.Data.Status)
	assert.Equal(t, "test", env.Data.Version)
	assert.Equal(t, []string{"document_processor", "content_generator", "document_assembler"}, env.Data.Stages)
	assert.False(t, env.Data.Archive.Enabled)
}

func TestResponseEnvelopeAndHeaders(t *testing.T) {
	ts, _ := newTestEnv(t, nil, happyStages()...)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))

	var env model.APIResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	assert.NotEmpty(t, env.Meta.RequestID)
	assert.False(t, env.Meta.Timestamp.IsZero())
}

func TestStartRunLifecycle(t *testing.T) {
	ts, eng := newTestEnv(t, nil, happyStages()...)

	id := startRun(t, ts.URL, "solar farm expansion")
	final := waitRun(t, eng, id)
	assert.Equal(t, model.RunStatusSucceeded, final.Status)

	// Snapshot reflects the finished run.
	resp := doRequest(t, http.MethodGet, ts.URL+"/v1/runs/"+id.String())
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var env struct {
		Data model.Run `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	assert.Equal(t, model.RunStatusSucceeded, env.Data.Status)
	assert.InDelta(t, 100.0, env.Data.Progress, 0.001)
	assert.True(t, env.Data.Finished)
	assert.Equal(t, "Generation completed successfully", env.Data.CurrentStep)
	assert.Equal(t, 2, env.Data.ProcessedDocs)
	require.NotNil(t, env.Data.Result)
	assert.True(t, env.Data.Result.PipelineCompleted)

	// Result endpoint serves the stored result.
	resp = doRequest(t, http.MethodGet, ts.URL+"/v1/runs/"+id.String()+"/result")
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var resEnv struct {
		Data model.RunResult `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&resEnv))
	assert.Equal(t, 2, resEnv.Data.DocumentProcessing.FilesProcessed)
	assert.Equal(t, 1, resEnv.Data.ContentGeneration.SectionsGenerated)
	assert.Equal(t, []string{"report.md", "report.html"}, resEnv.Data.DocumentAssembly.Files)
	assert.Equal(t, "solar farm expansion", resEnv.Data.Summary.Query)
}

func TestStartRunValidation(t *testing.T) {
	ts, eng := newTestEnv(t, nil, happyStages()...)

	// An empty query is accepted, not rejected; the generator handles it.
	resp := postJSON(t, ts.URL+"/v1/runs", model.StartRunRequest{Query: ""})
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	var accEnv struct {
		Data model.StartRunResponse `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&accEnv))
	waitRun(t, eng, accEnv.Data.RunID)

	// Unknown field.
	resp2, err := http.Post(ts.URL+"/v1/runs", "application/json",
		strings.NewReader(`{"query":"q","bogus":true}`))
	require.NoError(t, err)
	defer func() { _ = resp2.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)

	// Negative max_docs.
	resp3 := postJSON(t, ts.URL+"/v1/runs", model.StartRunRequest{Query: "q", MaxDocs: -1})
	defer func() { _ = resp3.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp3.StatusCode)

	// Malformed JSON.
	resp4, err := http.Post(ts.URL+"/v1/runs", "application/json", strings.NewReader(`{`))
	require.NoError(t, err)
	defer func() { _ = resp4.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp4.StatusCode)
}

func TestRequestBodyLimit(t *testing.T) {
	ts, _ := newTestEnv(t, func(cfg *server.ServerConfig) {
		cfg.MaxRequestBodyBytes = 64
	}, happyStages()...)

	big := model.StartRunRequest{Query: strings.Repeat("x", 200)}
	resp := postJSON(t, ts.URL+"/v1/runs", big)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestGetRunErrors(t *testing.T) {
	ts, _ := newTestEnv(t, nil, happyStages()...)

	// Unknown ID.
	resp := doRequest(t, http.MethodGet, ts.URL+"/v1/runs/"+uuid.NewString())
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, model.ErrCodeNotFound, errCode(t, resp))

	// Malformed ID.
	resp2 := doRequest(t, http.MethodGet, ts.URL+"/v1/runs/not-a-uuid")
	defer func() { _ = resp2.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)
}

func TestRunEventsEmptyForUnknownRun(t *testing.T) {
	ts, _ := newTestEnv(t, nil, happyStages()...)

	resp := doRequest(t, http.MethodGet, ts.URL+"/v1/runs/"+uuid.NewString()+"/events")
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var env struct {
		Data model.RunEventsResponse `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	assert.NotNil(t, env.Data.Events)
	assert.Empty(t, env.Data.Events)
}

func TestRunEventsAndSummary(t *testing.T) {
	ts, eng := newTestEnv(t, nil, happyStages()...)

	id := startRun(t, ts.URL, "wind farm assessment")
	waitRun(t, eng, id)

	resp := doRequest(t, http.MethodGet, ts.URL+"/v1/runs/"+id.String()+"/events")
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var evEnv struct {
		Data model.RunEventsResponse `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&evEnv))
	require.NotEmpty(t, evEnv.Data.Events)
	assert.Equal(t, "Starting document_processor", evEnv.Data.Events[0].Message)
	last := evEnv.Data.Events[len(evEnv.Data.Events)-1]
	assert.Equal(t, model.EventCompleted, last.Type)
	assert.Equal(t, "document_assembler", last.Stage)

	resp2 := doRequest(t, http.MethodGet, ts.URL+"/v1/runs/"+id.String()+"/summary")
	defer func() { _ = resp2.Body.Close() }()
	require.Equal(t, http.StatusOK, resp2.StatusCode)

	var sumEnv struct {
		Data model.RunSummary `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&sumEnv))
	assert.Equal(t, len(evEnv.Data.Events), sumEnv.Data.TotalEvents)
	assert.Equal(t, []string{"document_processor", "content_generator", "document_assembler"}, sumEnv.Data.StagesInvolved)
	assert.Equal(t, 1, sumEnv.Data.StepsCompleted) // the one generation step
	assert.Zero(t, sumEnv.Data.Errors)
	assert.Zero(t, sumEnv.Data.Warnings)
}

func TestResultStateErrors(t *testing.T) {
	g := newGate(pipeline.KindGenerate)
	stages := happyStages()
	stages[1] = g
	ts, eng := newTestEnv(t, nil, stages...)

	id := startRun(t, ts.URL, "blocked run")
	select {
	case <-g.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("stage never entered")
	}

	// Result before the run finishes.
	resp := doRequest(t, http.MethodGet, ts.URL+"/v1/runs/"+id.String()+"/result")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, model.ErrCodeInvalidState, errCode(t, resp))
	_ = resp.Body.Close()

	// Unknown run.
	resp2 := doRequest(t, http.MethodGet, ts.URL+"/v1/runs/"+uuid.NewString()+"/result")
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
	_ = resp2.Body.Close()

	close(g.release)
	waitRun(t, eng, id)
}

func TestResultAfterFailure(t *testing.T) {
	boom := scripted{kind: pipeline.KindGenerate, fn: func(context.Context, *pipeline.Emitter, pipeline.Artifact) (pipeline.Artifact, error) {
		return pipeline.Artifact{}, fmt.Errorf("model endpoint unreachable")
	}}
	stages := happyStages()
	stages[1] = boom
	ts, eng := newTestEnv(t, nil, stages...)

	id := startRun(t, ts.URL, "doomed run")
	final := waitRun(t, eng, id)
	require.Equal(t, model.RunStatusFailed, final.Status)

	resp := doRequest(t, http.MethodGet, ts.URL+"/v1/runs/"+id.String()+"/result")
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var env model.APIError
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	assert.Equal(t, model.ErrCodeInvalidState, env.Error.Code)
	assert.Contains(t, env.Error.Message, "model endpoint unreachable")
}

func TestCancelRun(t *testing.T) {
	g := newGate(pipeline.KindGenerate)
	stages := happyStages()
	stages[1] = g
	ts, eng := newTestEnv(t, nil, stages...)

	id := startRun(t, ts.URL, "to be canceled")
	select {
	case <-g.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("stage never entered")
	}

	resp := doRequest(t, http.MethodDelete, ts.URL+"/v1/runs/"+id.String())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var env struct {
		Data model.CancelRunResponse `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	_ = resp.Body.Close()
	assert.Equal(t, model.RunStatusCanceled, env.Data.Status)

	waitRun(t, eng, id)

	// A second cancel is rejected: the run is already terminal.
	resp2 := doRequest(t, http.MethodDelete, ts.URL+"/v1/runs/"+id.String())
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)
	assert.Equal(t, model.ErrCodeInvalidState, errCode(t, resp2))
	_ = resp2.Body.Close()

	// Canceled runs have no result.
	resp3 := doRequest(t, http.MethodGet, ts.URL+"/v1/runs/"+id.String()+"/result")
	assert.Equal(t, http.StatusNotFound, resp3.StatusCode)
	_ = resp3.Body.Close()

	// Unknown runs cannot be canceled.
	resp4 := doRequest(t, http.MethodDelete, ts.URL+"/v1/runs/"+uuid.NewString())
	assert.Equal(t, http.StatusNotFound, resp4.StatusCode)
	_ = resp4.Body.Close()
}

func TestListRunsNewestFirstWithoutResults(t *testing.T) {
	ts, eng := newTestEnv(t, nil, happyStages()...)

	first := startRun(t, ts.URL, "first query")
	waitRun(t, eng, first)
	second := startRun(t, ts.URL, "second query")
	waitRun(t, eng, second)

	resp := doRequest(t, http.MethodGet, ts.URL+"/v1/runs")
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var env struct {
		Data    []model.Run `json:"data"`
		Total   *int        `json:"total"`
		HasMore bool        `json:"has_more"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	require.Len(t, env.Data, 2)
	assert.Equal(t, second, env.Data[0].ID)
	assert.Equal(t, first, env.Data[1].ID)
	for _, run := range env.Data {
		assert.Nil(t, run.Result, "list must strip results")
	}
	require.NotNil(t, env.Total)
	assert.Equal(t, 2, *env.Total)
	assert.False(t, env.HasMore)

	// Limit clamps the page.
	resp2 := doRequest(t, http.MethodGet, ts.URL+"/v1/runs?limit=1")
	defer func() { _ = resp2.Body.Close() }()
	var env2 struct {
		Data    []model.Run `json:"data"`
		HasMore bool        `json:"has_more"`
	}
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&env2))
	assert.Len(t, env2.Data, 1)
	assert.True(t, env2.HasMore)
}

func TestWatchStreamsRunToCompletion(t *testing.T) {
	g := newGate(pipeline.KindGenerate)
	stages := happyStages()
	stages[1] = g
	ts, eng := newTestEnv(t, nil, stages...)

	id := startRun(t, ts.URL, "watched run")
	select {
	case <-g.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("stage never entered")
	}

	resp := doRequest(t, http.MethodGet, ts.URL+"/v1/runs/"+id.String()+"/watch")
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	type frame struct {
		event string
		data  string
	}
	frames := make(chan frame, 256)
	go func() {
		defer close(frames)
		scanner := bufio.NewScanner(resp.Body)
		var cur frame
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "event: "):
				cur.event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				cur.data = strings.TrimPrefix(line, "data: ")
			case line == "" && cur.event != "":
				frames <- cur
				cur = frame{}
			}
		}
	}()

	// The first frame is the current snapshot.
	var firstFrame frame
	select {
	case firstFrame = <-frames:
	case <-time.After(5 * time.Second):
		t.Fatal("no snapshot frame")
	}
	require.Equal(t, "status_update", firstFrame.event)
	var snap model.Run
	require.NoError(t, json.Unmarshal([]byte(firstFrame.data), &snap))
	assert.Equal(t, id, snap.ID)
	assert.Equal(t, model.RunStatusRunning, snap.Status)

	close(g.release)
	waitRun(t, eng, id)

	// Drain the stream; it ends after the terminal status frame.
	sawEvent := false
	var lastStatus model.Run
	for f := range frames {
		switch f.event {
		case "agent_event":
			sawEvent = true
		case "status_update":
			require.NoError(t, json.Unmarshal([]byte(f.data), &lastStatus))
		}
	}
	assert.True(t, sawEvent, "expected at least one agent_event frame")
	assert.True(t, lastStatus.Finished)
	assert.Equal(t, model.RunStatusSucceeded, lastStatus.Status)
	assert.Nil(t, lastStatus.Result, "status frames must strip results")
}

func TestWatchUnknownRun(t *testing.T) {
	ts, _ := newTestEnv(t, nil, happyStages()...)

	resp := doRequest(t, http.MethodGet, ts.URL+"/v1/runs/"+uuid.NewString()+"/watch")
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestArchiveEndpointsWithoutStore(t *testing.T) {
	ts, _ := newTestEnv(t, nil, happyStages()...)

	for _, path := range []string{
		"/v1/archive/runs",
		"/v1/archive/runs/" + uuid.NewString(),
		"/v1/archive/runs/" + uuid.NewString() + "/events",
	} {
		resp := doRequest(t, http.MethodGet, ts.URL+path)
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode, path)
		assert.Equal(t, model.ErrCodeUnavailable, errCode(t, resp), path)
		_ = resp.Body.Close()
	}
}

func TestArchiveEndpointsServeFlushedRuns(t *testing.T) {
	ctx := context.Background()
	store, err := storage.NewSQLite(ctx, filepath.Join(t.TempDir(), "seisho.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	buf := archive.NewBuffer(store, testLogger(), 8, 20*time.Millisecond)
	bufCtx, cancelBuf := context.WithCancel(ctx)
	buf.Start(bufCtx)
	t.Cleanup(cancelBuf)

	var ts *httptest.Server
	var eng *engine.Engine
	ts, eng = newTestEnv(t, func(cfg *server.ServerConfig) {
		cfg.Store = store
		cfg.Buffer = buf
	}, happyStages()...)

	// Wire the buffer in after engine construction is not possible, so
	// archive directly: run the pipeline, then flush what it produced.
	id := startRun(t, ts.URL, "archived run")
	final := waitRun(t, eng, id)
	buf.UpsertRun(final)
	for _, ev := range eng.Registry().Events(id) {
		buf.Append(ev)
	}
	buf.Drain(ctx)

	resp := doRequest(t, http.MethodGet, ts.URL+"/v1/archive/runs/"+id.String())
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var env struct {
		Data model.Run `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	assert.Equal(t, id, env.Data.ID)
	assert.Equal(t, model.RunStatusSucceeded, env.Data.Status)

	resp2 := doRequest(t, http.MethodGet, ts.URL+"/v1/archive/runs")
	defer func() { _ = resp2.Body.Close() }()
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	var listEnv struct {
		Data []model.Run `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&listEnv))
	require.Len(t, listEnv.Data, 1)
	assert.Equal(t, id, listEnv.Data[0].ID)

	resp3 := doRequest(t, http.MethodGet, ts.URL+"/v1/archive/runs/"+id.String()+"/events")
	defer func() { _ = resp3.Body.Close() }()
	require.Equal(t, http.StatusOK, resp3.StatusCode)
	var evEnv struct {
		Data model.RunEventsResponse `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp3.Body).Decode(&evEnv))
	assert.NotEmpty(t, evEnv.Data.Events)

	// Unknown run in the archive.
	resp4 := doRequest(t, http.MethodGet, ts.URL+"/v1/archive/runs/"+uuid.NewString())
	assert.Equal(t, http.StatusNotFound, resp4.StatusCode)
	_ = resp4.Body.Close()

	// Health reports the archive as enabled and reachable.
	resp5 := doRequest(t, http.MethodGet, ts.URL+"/health")
	defer func() { _ = resp5.Body.Close() }()
	var healthEnv struct {
		Data model.HealthResponse `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp5.Body).Decode(&healthEnv))
	assert.True(t, healthEnv.Data.Archive.Enabled)
	assert.Equal(t, "ok", healthEnv.Data.Archive.Store)
}

func TestAuthEnabledEndToEnd(t *testing.T) {
	jwtMgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)
	keyHash, err := auth.HashAPIKey("server-test-key")
	require.NoError(t, err)

	ts, _ := newTestEnv(t, func(cfg *server.ServerConfig) {
		cfg.AuthEnabled = true
		cfg.JWTMgr = jwtMgr
		cfg.APIKeyHash = keyHash
	}, happyStages()...)

	// No credentials.
	resp := doRequest(t, http.MethodGet, ts.URL+"/v1/runs")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, model.ErrCodeUnauthorized, errCode(t, resp))
	_ = resp.Body.Close()

	// Health bypasses auth.
	resp2 := doRequest(t, http.MethodGet, ts.URL+"/health")
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
	_ = resp2.Body.Close()

	// Bearer token.
	token, _, err := jwtMgr.IssueToken("test-suite", "")
	require.NoError(t, err)
	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/v1/runs", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp3, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp3.StatusCode)
	_ = resp3.Body.Close()

	// API key.
	req2, _ := http.NewRequest(http.MethodGet, ts.URL+"/v1/runs", nil)
	req2.Header.Set("X-API-Key", "server-test-key")
	resp4, err := http.DefaultClient.Do(req2)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp4.StatusCode)
	_ = resp4.Body.Close()
}

func TestRunSubmissionRateLimit(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(0.001, 2)
	t.Cleanup(func() { _ = limiter.Close() })

	ts, _ := newTestEnv(t, func(cfg *server.ServerConfig) {
		cfg.Limiter = limiter
	}, happyStages()...)

	// Burst of 2 passes, the third submission is throttled.
	for i := 0; i < 2; i++ {
		resp := postJSON(t, ts.URL+"/v1/runs", model.StartRunRequest{Query: "q"})
		assert.Equal(t, http.StatusAccepted, resp.StatusCode)
		_ = resp.Body.Close()
	}
	resp := postJSON(t, ts.URL+"/v1/runs", model.StartRunRequest{Query: "q"})
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))

	// Reads stay unthrottled.
	resp2 := doRequest(t, http.MethodGet, ts.URL+"/v1/runs")
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
	_ = resp2.Body.Close()
}

func TestOpenAPISpecServedWhenEmbedded(t *testing.T) {
	spec := []byte("openapi: 3.0.3\ninfo:\n  title: test\n")
	ts, _ := newTestEnv(t, func(cfg *server.ServerConfig) {
		cfg.OpenAPISpec = spec
	}, happyStages()...)

	resp := doRequest(t, http.MethodGet, ts.URL+"/openapi.yaml")
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/yaml", resp.Header.Get("Content-Type"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, spec, body)

	// Without an embedded spec the route 404s.
	ts2, _ := newTestEnv(t, nil, happyStages()...)
	resp2 := doRequest(t, http.MethodGet, ts2.URL+"/openapi.yaml")
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
	_ = resp2.Body.Close()
}

func TestExtraRoutesAndMiddleware(t *testing.T) {
	var middlewareRan bool
	ts, _ := newTestEnv(t, func(cfg *server.ServerConfig) {
		cfg.ExtraRoutes = func(mux *http.ServeMux) {
			mux.HandleFunc("GET /custom", func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusTeapot)
			})
		}
		cfg.Middleware = []func(http.Handler) http.Handler{
			func(next http.Handler) http.Handler {
				return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					middlewareRan = true
					next.ServeHTTP(w, r)
				})
			},
		}
	}, happyStages()...)

	resp := doRequest(t, http.MethodGet, ts.URL+"/custom")
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
	assert.True(t, middlewareRan)
}
