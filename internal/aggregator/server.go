package aggregator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/proxykit/mcp-sse-proxy/internal/proxylog"
)

// Server exposes the aggregate catalog as a single MCP server over stdio.
// Every aggregated tool is served by one generic dispatch handler keyed on
// the request's tool name; no per-tool callables are synthesized.
type Server struct {
	agg       *Aggregator
	log       *proxylog.Logger
	mcpServer *server.MCPServer
}

// NewServer builds the MCP front for an already-populated aggregator.
func NewServer(agg *Aggregator, log *proxylog.Logger, version string) *Server {
	mcpServer := server.NewMCPServer(
		"mcp-proxy",
		version,
		server.WithToolCapabilities(false),
	)

	s := &Server{
		agg:       agg,
		log:       log,
		mcpServer: mcpServer,
	}
	s.registerTools()
	return s
}

// Start serves the aggregate over stdio until the client disconnects.
func (s *Server) Start(ctx context.Context) error {
	return server.ServeStdio(s.mcpServer)
}

func (s *Server) registerTools() {
	listServersTool := mcp.NewTool("list_servers",
		mcp.WithDescription("List all registered backend MCP servers and their tools"),
	)
	s.mcpServer.AddTool(listServersTool, s.handleListServers)

	listToolsTool := mcp.NewTool("list_all_tools",
		mcp.WithDescription("List every tool available through the aggregate catalog"),
	)
	s.mcpServer.AddTool(listToolsTool, s.handleListAllTools)

	// Each aggregated tool keeps the backend's input schema but is served by
	// the shared dispatch handler under its aggregate name.
	for _, info := range s.agg.ListTools() {
		tool := info.Tool
		tool.Name = info.Name
		tool.Description = fmt.Sprintf("[from %s] %s", info.Server, info.Tool.Description)
		s.mcpServer.AddTool(tool, s.handleDispatch)
	}
}

// handleDispatch forwards any aggregated tool call to the owning backend.
func (s *Server) handleDispatch(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok && request.Params.Arguments != nil {
		return mcp.NewToolResultError("invalid arguments type"), nil
	}

	result, err := s.agg.CallTool(ctx, request.Params.Name, args)
	if err != nil {
		s.log.Error("", "tool dispatch failed", err)
		return mcp.NewToolResultError(fmt.Sprintf("tool call failed: %v", err)), nil
	}
	return result, nil
}

// handleListServers handles the list_servers tool request.
func (s *Server) handleListServers(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(s.agg.ListServers())
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal servers: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// handleListAllTools handles the list_all_tools tool request.
func (s *Server) handleListAllTools(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	type toolEntry struct {
		Name        string `json:"name"`
		Server      string `json:"server"`
		Description string `json:"description"`
		InputSchema any    `json:"inputSchema,omitempty"`
	}

	infos := s.agg.ListTools()
	entries := make([]toolEntry, 0, len(infos))
	for _, info := range infos {
		entries = append(entries, toolEntry{
			Name:        info.Name,
			Server:      info.Server,
			Description: info.Tool.Description,
			InputSchema: info.Tool.InputSchema,
		})
	}

	data, err := json.Marshal(struct {
		Tools      []toolEntry `json:"tools"`
		TotalCount int         `json:"total_count"`
	}{Tools: entries, TotalCount: len(entries)})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal tools: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
