package aggregator

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/proxykit/mcp-sse-proxy/internal/config"
	"github.com/proxykit/mcp-sse-proxy/internal/proxylog"
)

// fakeConn is a scripted backend connection.
type fakeConn struct {
	tools   []mcp.Tool
	initErr error
	listErr error
	result  *mcp.CallToolResult

	calls  []mcp.CallToolRequest
	closed bool
}

func (f *fakeConn) Initialize(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error) {
	if f.initErr != nil {
		return nil, f.initErr
	}
	return &mcp.InitializeResult{}, nil
}

func (f *fakeConn) ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return &mcp.ListToolsResult{Tools: f.tools}, nil
}

func (f *fakeConn) CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	f.calls = append(f.calls, req)
	if f.result != nil {
		return f.result, nil
	}
	return mcp.NewToolResultText("ok"), nil
}

func (f *fakeConn) Close() error {
	f.closed = true
	return nil
}

// fakeBackends wires an Aggregator to scripted connections keyed by command,
// counting how many connections each backend saw.
type fakeBackends struct {
	conns     map[string]func() *fakeConn
	dialCount map[string]int
	last      map[string]*fakeConn
}

func newFakeBackends() *fakeBackends {
	return &fakeBackends{
		conns:     make(map[string]func() *fakeConn),
		dialCount: make(map[string]int),
		last:      make(map[string]*fakeConn),
	}
}

func (fb *fakeBackends) dial(command string, args []string) (backendConn, error) {
	mk, ok := fb.conns[command]
	if !ok {
		return nil, errors.New("unknown backend " + command)
	}
	fb.dialCount[command]++
	conn := mk()
	fb.last[command] = conn
	return conn, nil
}

func newTestAggregator() (*Aggregator, *fakeBackends, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	agg := New(proxylog.NewWithWriter(buf))
	fb := newFakeBackends()
	agg.dial = fb.dial
	return agg, fb, buf
}

func tool(name string) mcp.Tool {
	return mcp.Tool{Name: name, Description: "does " + name}
}

func TestRegisterMergesCatalog(t *testing.T) {
	agg, fb, _ := newTestAggregator()
	fb.conns["sin"] = func() *fakeConn {
		return &fakeConn{tools: []mcp.Tool{tool("calculate_sin"), tool("sin_table")}}
	}

	if err := agg.Register(context.Background(), "sin-server", "sin", nil); err != nil {
		t.Fatalf("Register: %v", err)
	}

	tools := agg.ListTools()
	if len(tools) != 2 {
		t.Fatalf("ListTools() = %d entries, want 2", len(tools))
	}
	if tools[0].Name != "calculate_sin" || tools[0].Server != "sin-server" {
		t.Errorf("tool 0 = %+v", tools[0])
	}
	if !fb.last["sin"].closed {
		t.Error("handshake connection was not closed")
	}

	summary := agg.ListServers()
	if summary.TotalServers != 1 || summary.TotalTools != 2 {
		t.Errorf("summary = %+v", summary)
	}
}

func TestRegisterFailureIsIsolated(t *testing.T) {
	agg, fb, buf := newTestAggregator()
	fb.conns["bad"] = func() *fakeConn { return &fakeConn{initErr: errors.New("handshake refused")} }
	fb.conns["good"] = func() *fakeConn { return &fakeConn{tools: []mcp.Tool{tool("works")}} }

	agg.RegisterAll(context.Background(), []config.ServerSpec{
		{Name: "bad-server", Command: "bad"},
		{Name: "good-server", Command: "good"},
	})

	summary := agg.ListServers()
	if summary.TotalServers != 1 {
		t.Errorf("TotalServers = %d, want 1 (failing backend excluded)", summary.TotalServers)
	}
	if len(agg.ListTools()) != 1 {
		t.Errorf("ListTools() = %d, want 1", len(agg.ListTools()))
	}
	if !strings.Contains(buf.String(), "registration failed") {
		t.Error("missing registration error record")
	}
	if !fb.last["bad"].closed {
		t.Error("failed handshake connection was not closed")
	}
}

func TestCollisionPrefixing(t *testing.T) {
	agg, fb, buf := newTestAggregator()
	fb.conns["a"] = func() *fakeConn { return &fakeConn{tools: []mcp.Tool{tool("foo")}} }
	fb.conns["b"] = func() *fakeConn { return &fakeConn{tools: []mcp.Tool{tool("foo")}} }

	if err := agg.Register(context.Background(), "alpha", "a", nil); err != nil {
		t.Fatal(err)
	}
	if err := agg.Register(context.Background(), "beta", "b", nil); err != nil {
		t.Fatal(err)
	}

	tools := agg.ListTools()
	if len(tools) != 2 {
		t.Fatalf("ListTools() = %d entries, want 2", len(tools))
	}
	names := map[string]string{}
	for _, info := range tools {
		names[info.Name] = info.Server
	}
	if names["foo"] != "alpha" {
		t.Errorf("bare name owned by %q, want first-registered alpha", names["foo"])
	}
	if names["beta_foo"] != "beta" {
		t.Errorf("prefixed name missing: %v", names)
	}
	if !strings.Contains(buf.String(), "collision") {
		t.Error("missing collision warning")
	}
}

func TestReRegistrationIsIdempotent(t *testing.T) {
	agg, fb, _ := newTestAggregator()
	fb.conns["sin"] = func() *fakeConn {
		return &fakeConn{tools: []mcp.Tool{tool("calculate_sin")}}
	}

	for i := 0; i < 2; i++ {
		if err := agg.Register(context.Background(), "sin-server", "sin", nil); err != nil {
			t.Fatal(err)
		}
	}

	if got := len(agg.ListTools()); got != 1 {
		t.Errorf("ListTools() = %d entries, want 1 after re-registration", got)
	}
	summary := agg.ListServers()
	if summary.TotalServers != 1 || summary.TotalTools != 1 {
		t.Errorf("summary = %+v", summary)
	}
	// No self-collision prefix may appear.
	if agg.ListTools()[0].Name != "calculate_sin" {
		t.Errorf("tool name = %q", agg.ListTools()[0].Name)
	}
}

func TestCallToolColdConnectionPerCall(t *testing.T) {
	agg, fb, _ := newTestAggregator()
	fb.conns["sin"] = func() *fakeConn {
		return &fakeConn{tools: []mcp.Tool{tool("calculate_sin")}}
	}

	if err := agg.Register(context.Background(), "sin-server", "sin", nil); err != nil {
		t.Fatal(err)
	}
	dialsAfterRegister := fb.dialCount["sin"]

	for i := 0; i < 3; i++ {
		result, err := agg.CallTool(context.Background(), "calculate_sin", map[string]any{"angle": 30})
		if err != nil {
			t.Fatalf("CallTool: %v", err)
		}
		if result.IsError {
			t.Fatalf("unexpected tool error: %+v", result)
		}
		if !fb.last["sin"].closed {
			t.Error("call connection was not closed")
		}
	}

	if got := fb.dialCount["sin"] - dialsAfterRegister; got != 3 {
		t.Errorf("dials per 3 calls = %d, want 3 (no pooling)", got)
	}
}

func TestCallToolUsesOriginalName(t *testing.T) {
	agg, fb, _ := newTestAggregator()
	fb.conns["a"] = func() *fakeConn { return &fakeConn{tools: []mcp.Tool{tool("foo")}} }
	fb.conns["b"] = func() *fakeConn { return &fakeConn{tools: []mcp.Tool{tool("foo")}} }

	if err := agg.Register(context.Background(), "alpha", "a", nil); err != nil {
		t.Fatal(err)
	}
	if err := agg.Register(context.Background(), "beta", "b", nil); err != nil {
		t.Fatal(err)
	}

	if _, err := agg.CallTool(context.Background(), "beta_foo", nil); err != nil {
		t.Fatalf("CallTool: %v", err)
	}

	conn := fb.last["b"]
	if len(conn.calls) != 1 {
		t.Fatalf("backend saw %d calls, want 1", len(conn.calls))
	}
	if got := conn.calls[0].Params.Name; got != "foo" {
		t.Errorf("backend tool name = %q, want the original %q", got, "foo")
	}
}

func TestCallToolNotFound(t *testing.T) {
	agg, _, _ := newTestAggregator()

	_, err := agg.CallTool(context.Background(), "missing", nil)
	if !errors.Is(err, ErrToolNotFound) {
		t.Errorf("err = %v, want ErrToolNotFound", err)
	}
}
