// Package mcp implements the Model Context Protocol server for Receipts.
//
// It exposes the audited claim store to MCP-compatible AI agents as
// read-only tools: semantic search over claim cards, full card lookup,
// and the audit listing. Agents researching an apologetics claim can
// pull a finished audit — verdict, prose, and verified sources — instead
// of re-deriving it. Nothing here mutates the store.
package mcp

import (
	"encoding/json"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/thereceipts/receipts/internal/service/embedding"
	"github.com/thereceipts/receipts/internal/storage"
)

// Server wraps the MCP server with the claim store and embedder.
type Server struct {
	mcpServer *mcpserver.MCPServer
	db        *storage.DB
	embedder  embedding.Provider
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources and tools.
func New(db *storage.DB, embedder embedding.Provider, logger *slog.Logger) *Server {
	s := &Server{
		db:       db,
		embedder: embedder,
		logger:   logger.With("component", "mcp"),
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"receipts",
		"0.1.0",
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

// errorResult builds a tool-level error. Tool failures are content, not
// protocol errors, so the calling model can read and react to them.
func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		IsError: true,
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
	}
}

// jsonResult marshals v as indented JSON tool output.
func jsonResult(v any) *mcplib.CallToolResult {
	data, _ := json.MarshalIndent(v, "", "  ")
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}
}
