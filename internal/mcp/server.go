// Package mcp exposes theme verification as MCP tools so coding agents can check a page
// after editing it.
package mcp

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/kuitang/themecheck/internal/obs"
)

// Server wraps the MCP server with theme verification handling.
type Server struct {
	mcpServer *mcp.Server
	handler   *Handler
}

// NewServer creates an MCP server with every theme tool registered.
func NewServer(handler *Handler, version string) *Server {
	mcpServer := mcp.NewServer(
		&mcp.Implementation{
			Name:    "themecheck",
			Version: version,
		},
		nil,
	)
	for _, tool := range ToolDefinitions() {
		mcp.AddTool(mcpServer, tool, handler.createToolHandler(tool.Name))
	}
	return &Server{mcpServer: mcpServer, handler: handler}
}

// MCPServer returns the underlying SDK server.
func (s *Server) MCPServer() *mcp.Server {
	return s.mcpServer
}

// Run serves on transport until the client disconnects or ctx is cancelled.
func (s *Server) Run(ctx context.Context, transport mcp.Transport) error {
	log := obs.Pkg("mcp")
	log.Info("mcp_serving", "tools", len(ToolDefinitions()))
	err := s.mcpServer.Run(ctx, transport)
	if err != nil && ctx.Err() == nil {
		log.Error("mcp_stopped", "error", err.Error())
		return err
	}
	log.Info("mcp_stopped")
	return nil
}

// RunStdio serves over stdin/stdout. Logs go to stderr, which keeps stdout for JSON-RPC.
func (s *Server) RunStdio(ctx context.Context) error {
	return s.Run(ctx, &mcp.StdioTransport{})
}
