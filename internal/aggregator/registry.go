// Package aggregator merges the tool catalogs of multiple backend MCP
// servers into one namespace and routes tool invocations to the owning
// backend over a cold stdio connection per call.
package aggregator

import (
	"sort"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/proxykit/mcp-sse-proxy/internal/proxylog"
)

// ServerEntry is the registration record for one backend tool server.
// Entries are immutable after registration; re-registering a name replaces
// the entry wholesale.
type ServerEntry struct {
	Name    string
	Command string
	Args    []string
	Tools   []mcp.Tool
}

// ToolInfo is one entry of the aggregated catalog.
type ToolInfo struct {
	// Name is the aggregate name, prefixed with the server name when the
	// bare tool name collided with an earlier registration.
	Name string
	// Server is the owning backend.
	Server string
	// Tool is the backend's original tool definition (original name inside).
	Tool mcp.Tool
}

// ServerSummary is the metadata returned by list_servers.
type ServerSummary struct {
	Name      string   `json:"name"`
	Command   string   `json:"command"`
	Args      []string `json:"args,omitempty"`
	ToolCount int      `json:"tools_count"`
	Tools     []string `json:"tools"`
}

// Summary aggregates registration metadata across all backends.
type Summary struct {
	TotalServers int             `json:"total_servers"`
	TotalTools   int             `json:"total_tools"`
	Servers      []ServerSummary `json:"servers"`
}

type toolRef struct {
	server string
	tool   mcp.Tool
}

// registry holds the aggregate tool namespace. The single mutex serializes
// registration against lookups so a caller never observes a half-updated
// entry.
type registry struct {
	log *proxylog.Logger

	mu      sync.Mutex
	servers map[string]*ServerEntry
	order   []string
	tools   map[string]toolRef
}

func newRegistry(log *proxylog.Logger) *registry {
	return &registry{
		log:     log,
		servers: make(map[string]*ServerEntry),
		tools:   make(map[string]toolRef),
	}
}

// put merges the entry into the aggregate namespace. The first registration
// of a tool name keeps the bare name; later collisions are stored under
// "<server>_<tool>" with a logged warning.
func (r *registry) put(entry *ServerEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.servers[entry.Name]; exists {
		r.removeLocked(entry.Name)
	} else {
		r.order = append(r.order, entry.Name)
	}
	r.servers[entry.Name] = entry

	for _, tool := range entry.Tools {
		name := tool.Name
		if owner, taken := r.tools[name]; taken {
			name = entry.Name + "_" + tool.Name
			r.log.Warnf("tool name collision: %q already provided by %q, registering as %q",
				tool.Name, owner.server, name)
		}
		r.tools[name] = toolRef{server: entry.Name, tool: tool}
	}
}

// removeLocked drops a server and its tool mappings. Caller holds r.mu.
func (r *registry) removeLocked(serverName string) {
	delete(r.servers, serverName)
	for name, ref := range r.tools {
		if ref.server == serverName {
			delete(r.tools, name)
		}
	}
}

// lookup resolves an aggregate tool name to its owning server entry and the
// backend's original tool definition.
func (r *registry) lookup(name string) (ServerEntry, mcp.Tool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ref, ok := r.tools[name]
	if !ok {
		return ServerEntry{}, mcp.Tool{}, false
	}
	return *r.servers[ref.server], ref.tool, true
}

// listTools returns the merged catalog sorted by aggregate name.
func (r *registry) listTools() []ToolInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]ToolInfo, 0, len(r.tools))
	for name, ref := range r.tools {
		out = append(out, ToolInfo{Name: name, Server: ref.server, Tool: ref.tool})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// listServers returns per-server metadata in registration order plus
// aggregate counts.
func (r *registry) listServers() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()

	summary := Summary{
		TotalServers: len(r.servers),
		TotalTools:   len(r.tools),
	}
	for _, name := range r.order {
		entry, ok := r.servers[name]
		if !ok {
			continue
		}
		s := ServerSummary{
			Name:      entry.Name,
			Command:   entry.Command,
			Args:      entry.Args,
			ToolCount: len(entry.Tools),
		}
		for _, tool := range entry.Tools {
			s.Tools = append(s.Tools, tool.Name)
		}
		summary.Servers = append(summary.Servers, s)
	}
	return summary
}
