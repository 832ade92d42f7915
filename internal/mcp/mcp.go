// Package mcp implements the Model Context Protocol server for Seisho.
//
// The MCP server exposes the run API through MCP tools and resources,
// allowing MCP-compatible AI agents to start generation runs and track
// their progress without going through the HTTP surface.
package mcp

import (
	"log/slog"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/seisho-ai/seisho/internal/engine"
)

// Server wraps the MCP server around the run engine.
type Server struct {
	mcpServer *mcpserver.MCPServer
	eng       *engine.Engine
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources and tools.
func New(eng *engine.Engine, logger *slog.Logger, version string) *Server {
	s := &Server{
		eng:    eng,
		logger: logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"seisho",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
	)

	s.registerResources()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}
