package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

// recentRunsLimit caps the seisho://runs/recent resource payload.
const recentRunsLimit = 20

func (s *Server) registerResources() {
	// seisho://runs/recent — recent generation runs, newest first.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"seisho://runs/recent",
			"Recent Runs",
			mcplib.WithResourceDescription("Recent document generation runs, newest first, result payloads omitted"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleRunsRecent,
	)
}

func (s *Server) handleRunsRecent(_ context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	runs := s.eng.Registry().List(recentRunsLimit)

	data, err := json.MarshalIndent(runs, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal recent runs: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
