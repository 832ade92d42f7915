package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/seisho-ai/seisho/internal/model"
)

func (s *Server) registerTools() {
	// seisho_generate — start a document generation run.
	s.mcpServer.AddTool(
		mcplib.NewTool("seisho_generate",
			mcplib.WithDescription("Start a document generation run. Returns the run ID; track progress with seisho_status."),
			mcplib.WithString("query", mcplib.Description("What the document should cover"), mcplib.Required()),
			mcplib.WithNumber("max_docs", mcplib.Description("Maximum source documents to ingest (default 10, capped at 50)")),
		),
		s.handleGenerate,
	)

	// seisho_status — run snapshot with progress and current step.
	s.mcpServer.AddTool(
		mcplib.NewTool("seisho_status",
			mcplib.WithDescription("Get the current status, progress, and current step of a generation run"),
			mcplib.WithString("run_id", mcplib.Description("Run identifier returned by seisho_generate"), mcplib.Required()),
		),
		s.handleStatus,
	)

	// seisho_result — final result of a finished run.
	s.mcpServer.AddTool(
		mcplib.NewTool("seisho_result",
			mcplib.WithDescription("Get the final result of a succeeded generation run, including the assembled document"),
			mcplib.WithString("run_id", mcplib.Description("Run identifier returned by seisho_generate"), mcplib.Required()),
		),
		s.handleResult,
	)

	// seisho_runs — recent runs, newest first.
	s.mcpServer.AddTool(
		mcplib.NewTool("seisho_runs",
			mcplib.WithDescription("List recent generation runs, newest first"),
			mcplib.WithNumber("limit", mcplib.Description("Maximum runs to return (default 20)")),
		),
		s.handleRuns,
	)
}

func (s *Server) handleGenerate(_ context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	query := request.GetString("query", "")
	if query == "" {
		return errorResult("query is required"), nil
	}
	maxDocs := request.GetInt("max_docs", 0)
	if maxDocs < 0 {
		return errorResult("max_docs must not be negative"), nil
	}

	task, err := s.eng.StartRun(model.StartRunRequest{Query: query, MaxDocs: maxDocs})
	if err != nil {
		return errorResult(fmt.Sprintf("failed to start run: %v", err)), nil
	}

	s.logger.Info("mcp: run started", "run_id", task.RunID)
	return jsonResult(map[string]any{
		"run_id": task.RunID,
		"status": model.RunStatusQueued,
	})
}

func (s *Server) handleStatus(_ context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, errRes := parseRunID(request)
	if errRes != nil {
		return errRes, nil
	}

	summary, err := s.eng.Registry().Summary(id)
	if err != nil {
		return errorResult(fmt.Sprintf("run %s not found", id)), nil
	}
	return jsonResult(summary)
}

func (s *Server) handleResult(_ context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, errRes := parseRunID(request)
	if errRes != nil {
		return errRes, nil
	}

	result, err := s.eng.Registry().Result(id)
	if err != nil {
		// The sentinel messages already explain not-found, unfinished,
		// failed, and no-result; pass them through.
		return errorResult(err.Error()), nil
	}
	return jsonResult(result)
}

func (s *Server) handleRuns(_ context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	limit := request.GetInt("limit", 20)
	runs := s.eng.Registry().List(limit)
	return jsonResult(map[string]any{
		"runs":  runs,
		"total": len(runs),
	})
}

// parseRunID extracts and validates the run_id tool argument. Returns a
// non-nil tool error result when the argument is missing or malformed.
func parseRunID(request mcplib.CallToolRequest) (uuid.UUID, *mcplib.CallToolResult) {
	raw := request.GetString("run_id", "")
	if raw == "" {
		return uuid.Nil, errorResult("run_id is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, errorResult(fmt.Sprintf("invalid run_id: %s", raw))
	}
	return id, nil
}

// jsonResult marshals data into a text tool result.
func jsonResult(data any) (*mcplib.CallToolResult, error) {
	payload, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return errorResult(fmt.Sprintf("marshal result: %v", err)), nil
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(payload)},
		},
	}, nil
}

// errorResult reports a tool-level failure to the caller. Tool errors
// are results with IsError set, never protocol errors.
func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
