// Package mcp implements the Model Context Protocol surface, letting
// MCP-compatible clinical agents resolve terms and inspect governance
// without going through the HTTP API.
package mcp

import (
	"log/slog"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/caresync-health/setu/internal/service/mapping"
	"github.com/caresync-health/setu/internal/storage"
)

// Server wraps the MCP server with the mapping service layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	svc       *mapping.Service
	store     storage.Store
	logger    *slog.Logger
}

// New creates and configures an MCP server with all tools registered.
func New(svc *mapping.Service, store storage.Store, logger *slog.Logger) *Server {
	s := &Server{
		svc:    svc,
		store:  store,
		logger: logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"setu",
		"0.1.0",
		mcpserver.WithToolCapabilities(true),
	)

	s.registerTools()
	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}
