package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seisho-ai/seisho/internal/testutil"
)

// toolRequest builds a CallToolRequest with the given arguments.
func toolRequest(name string, args map[string]any) mcplib.CallToolRequest {
	return mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

// parseToolText extracts the first TextContent text from a CallToolResult.
func parseToolText(t *testing.T, result *mcplib.CallToolResult) string {
	t.Helper()
	for _, c := range result.Content {
		if tc, ok := c.(mcplib.TextContent); ok {
			return tc.Text
		}
	}
	t.Fatal("no TextContent found in tool result")
	return ""
}

// newTestServer wires an MCP server over a real engine with seeded
// source documents.
func newTestServer(t *testing.T) *Server {
	t.Helper()
	eng, sourceDir := testutil.NewEngine(t)
	testutil.WriteSourceDoc(t, sourceDir, "notes.txt", "solar plant near the river delta")
	return New(eng, testutil.TestLogger(), "test")
}

// mustGenerate starts a run via the tool surface and returns its ID.
func mustGenerate(t *testing.T, s *Server, query string) uuid.UUID {
	t.Helper()
	result, err := s.handleGenerate(context.Background(), toolRequest("seisho_generate", map[string]any{
		"query": query,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, "generate should succeed: %s", parseToolText(t, result))

	var resp struct {
		RunID uuid.UUID `json:"run_id"`
	}
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &resp))
	require.NotEqual(t, uuid.Nil, resp.RunID)
	return resp.RunID
}

// waitFinished blocks until the run reaches a terminal status.
func waitFinished(t *testing.T, s *Server, id uuid.UUID) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	run, err := s.eng.Wait(ctx, id)
	require.NoError(t, err)
	require.True(t, run.Finished)
}

func TestGenerateRequiresQuery(t *testing.T) {
	s := newTestServer(t)

	result, err := s.handleGenerate(context.Background(), toolRequest("seisho_generate", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "query is required")
}

func TestGenerateRejectsNegativeMaxDocs(t *testing.T) {
	s := newTestServer(t)

	result, err := s.handleGenerate(context.Background(), toolRequest("seisho_generate", map[string]any{
		"query":    "solar",
		"max_docs": -1,
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestGenerateThenStatus(t *testing.T) {
	s := newTestServer(t)
	id := mustGenerate(t, s, "solar plant assessment")
	waitFinished(t, s, id)

	result, err := s.handleStatus(context.Background(), toolRequest("seisho_status", map[string]any{
		"run_id": id.String(),
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var status struct {
		Status      string  `json:"status"`
		Progress    float64 `json:"progress"`
		TotalEvents int     `json:"total_events"`
	}
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &status))
	assert.Equal(t, "succeeded", status.Status)
	assert.Equal(t, 100.0, status.Progress)
	assert.Greater(t, status.TotalEvents, 0)
}

func TestStatusUnknownRun(t *testing.T) {
	s := newTestServer(t)

	result, err := s.handleStatus(context.Background(), toolRequest("seisho_status", map[string]any{
		"run_id": uuid.NewString(),
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "not found")
}

func TestStatusInvalidRunID(t *testing.T) {
	s := newTestServer(t)

	result, err := s.handleStatus(context.Background(), toolRequest("seisho_status", map[string]any{
		"run_id": "not-a-uuid",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "invalid run_id")
}

func TestResultAfterSuccess(t *testing.T) {
	s := newTestServer(t)
	id := mustGenerate(t, s, "solar plant assessment")
	waitFinished(t, s, id)

	result, err := s.handleResult(context.Background(), toolRequest("seisho_result", map[string]any{
		"run_id": id.String(),
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, parseToolText(t, result))

	var payload struct {
		PipelineCompleted bool `json:"pipeline_completed"`
		ContentGeneration struct {
			SectionsGenerated int `json:"sections_generated"`
		} `json:"content_generation"`
	}
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &payload))
	assert.True(t, payload.PipelineCompleted)
	assert.Greater(t, payload.ContentGeneration.SectionsGenerated, 0)
}

func TestResultUnknownRun(t *testing.T) {
	s := newTestServer(t)

	result, err := s.handleResult(context.Background(), toolRequest("seisho_result", map[string]any{
		"run_id": uuid.NewString(),
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestRunsListsNewestFirst(t *testing.T) {
	s := newTestServer(t)
	first := mustGenerate(t, s, "first")
	waitFinished(t, s, first)
	second := mustGenerate(t, s, "second")
	waitFinished(t, s, second)

	result, err := s.handleRuns(context.Background(), toolRequest("seisho_runs", map[string]any{
		"limit": 10,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var resp struct {
		Runs []struct {
			ID    uuid.UUID `json:"id"`
			Query string    `json:"query"`
		} `json:"runs"`
		Total int `json:"total"`
	}
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &resp))
	require.Equal(t, 2, resp.Total)
	assert.Equal(t, second, resp.Runs[0].ID)
	assert.Equal(t, first, resp.Runs[1].ID)
}

func TestRecentRunsResource(t *testing.T) {
	s := newTestServer(t)
	id := mustGenerate(t, s, "resource check")
	waitFinished(t, s, id)

	contents, err := s.handleRunsRecent(context.Background(), mcplib.ReadResourceRequest{
		Params: mcplib.ReadResourceParams{URI: "seisho://runs/recent"},
	})
	require.NoError(t, err)
	require.Len(t, contents, 1)

	text, ok := contents[0].(mcplib.TextResourceContents)
	require.True(t, ok)
	assert.Equal(t, "seisho://runs/recent", text.URI)

	var runs []struct {
		ID uuid.UUID `json:"id"`
	}
	require.NoError(t, json.Unmarshal([]byte(text.Text), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, id, runs[0].ID)
}
