// Package mcp implements the Model Context Protocol server for Kagami.
//
// The MCP server exposes the fact-sheet operations as tools, so
// MCP-compatible AI agents can read and update subject profiles the same
// way the HTTP API does.
package mcp

import (
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/kagami-ai/kagami/internal/service/profile"
)

// Server wraps the MCP server with Kagami's service layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	svc       *profile.Service
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all tools.
func New(svc *profile.Service, logger *slog.Logger, version string) *Server {
	s := &Server{
		svc:    svc,
		logger: logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"kagami",
		version,
		mcpserver.WithToolCapabilities(true),
	)

	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
