// Package mcp exposes investigation state to MCP-compatible agents.
//
// Every tool is read-only: agents can inspect records, progress, the event
// stream and routing decisions, but mutations go through the HTTP API where
// If-Match preconditions apply.
package mcp

import (
	"encoding/json"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/routing"
	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/service/investigations"
	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/service/progress"
)

// Server wraps the MCP server with the investigation services.
type Server struct {
	mcpServer *mcpserver.MCPServer
	records   *investigations.Service
	progress  *progress.Service
	selector  *routing.Selector
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all tools, resources and
// prompts registered.
func New(records *investigations.Service, events *progress.Service, selector *routing.Selector, logger *slog.Logger, version string) *Server {
	s := &Server{
		records:  records,
		progress: events,
		selector: selector,
		logger:   logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"olorin",
		version,
		mcpserver.WithResourceCapabilities(false, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(true),
		mcpserver.WithInstructions(`Olorin runs fraud investigations across six analysis domains
(network, device, location, logs, authentication, risk).

Use olorin_progress to follow a running investigation, olorin_events to read
what happened since a cursor, and olorin_investigation for the full record
including results. olorin_strategy_preview shows whether an id would run its
analyzers in parallel or sequentially.`),
	)

	s.registerTools()
	s.registerResources()
	s.registerPrompts()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult("marshal result: " + err.Error()), nil
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
