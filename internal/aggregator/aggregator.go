package aggregator

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/proxykit/mcp-sse-proxy/internal/config"
	"github.com/proxykit/mcp-sse-proxy/internal/proxylog"
)

// ErrToolNotFound is returned by CallTool for names absent from the
// aggregate catalog.
var ErrToolNotFound = fmt.Errorf("tool not found")

// backendConn is the slice of the MCP client surface the aggregator needs.
// *client.Client satisfies it; tests substitute fakes.
type backendConn interface {
	Initialize(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error)
	ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

// dialFunc opens a fresh stdio transport to a backend. Every handshake is a
// cold start; there is no connection pooling.
type dialFunc func(command string, args []string) (backendConn, error)

func stdioDial(command string, args []string) (backendConn, error) {
	return client.NewStdioMCPClient(command, nil, args...)
}

// Aggregator owns the registry and performs the per-call
// connect/initialize/call/teardown cycle against backends.
type Aggregator struct {
	registry *registry
	log      *proxylog.Logger
	dial     dialFunc
}

// New creates an empty aggregator.
func New(log *proxylog.Logger) *Aggregator {
	return &Aggregator{
		registry: newRegistry(log),
		log:      log,
		dial:     stdioDial,
	}
}

// Register connects to the backend, retrieves its tool catalog, and merges
// it into the aggregate namespace. The handshake connection is torn down
// before returning.
func (a *Aggregator) Register(ctx context.Context, name, command string, args []string) error {
	conn, err := a.dial(command, args)
	if err != nil {
		return fmt.Errorf("launch %s: %w", name, err)
	}
	defer func() { _ = conn.Close() }()

	if _, err := conn.Initialize(ctx, mcp.InitializeRequest{}); err != nil {
		return fmt.Errorf("initialize %s: %w", name, err)
	}

	tools, err := conn.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return fmt.Errorf("list tools of %s: %w", name, err)
	}

	a.registry.put(&ServerEntry{
		Name:    name,
		Command: command,
		Args:    args,
		Tools:   tools.Tools,
	})
	a.log.Infof("registered server %s with %d tools", name, len(tools.Tools))
	return nil
}

// RegisterAll registers every configured backend. A failing backend is
// logged and skipped; it never aborts the remaining registrations.
func (a *Aggregator) RegisterAll(ctx context.Context, specs []config.ServerSpec) {
	for _, spec := range specs {
		if err := a.Register(ctx, spec.Name, spec.Command, spec.Args); err != nil {
			a.log.Error("", "backend registration failed", err)
		}
	}
}

// CallTool routes an aggregate tool name to its owning backend over a fresh
// connection and returns the backend's result.
func (a *Aggregator) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	entry, tool, ok := a.registry.lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}

	conn, err := a.dial(entry.Command, entry.Args)
	if err != nil {
		return nil, fmt.Errorf("launch %s: %w", entry.Name, err)
	}
	defer func() { _ = conn.Close() }()

	if _, err := conn.Initialize(ctx, mcp.InitializeRequest{}); err != nil {
		return nil, fmt.Errorf("initialize %s: %w", entry.Name, err)
	}

	// The backend knows the tool by its original name, not the aggregate
	// (possibly prefixed) one.
	req := mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      tool.Name,
			Arguments: args,
		},
	}

	result, err := conn.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("call %s on %s: %w", tool.Name, entry.Name, err)
	}
	return result, nil
}

// ListTools returns the merged catalog with owning servers attached.
func (a *Aggregator) ListTools() []ToolInfo {
	return a.registry.listTools()
}

// ListServers returns registration metadata and aggregate counts.
func (a *Aggregator) ListServers() Summary {
	return a.registry.listServers()
}
