package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/proxykit/mcp-sse-proxy/internal/proxylog"
)

// errExit is a sentinel error used to signal REPL exit
var errExit = errors.New("exit")

// REPL is an interactive console over the aggregate catalog: list servers
// and tools, and invoke tools with JSON arguments.
type REPL struct {
	agg *Aggregator
	log *proxylog.Logger
}

// NewREPL creates a REPL for an already-populated aggregator.
func NewREPL(agg *Aggregator, log *proxylog.Logger) *REPL {
	return &REPL{agg: agg, log: log}
}

// Run starts the console and blocks until exit or context cancellation.
func (r *REPL) Run(ctx context.Context) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:            "proxy> ",
		HistoryFile:       filepath.Join(os.TempDir(), ".mcp_proxy_history"),
		AutoComplete:      r.createCompleter(),
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		return fmt.Errorf("failed to create readline instance: %w", err)
	}
	defer func() { _ = rl.Close() }()

	fmt.Println("MCP proxy console. Type 'help' for available commands. Use TAB for completion.")
	fmt.Println()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				continue
			}
		} else if err == io.EOF {
			fmt.Println("Goodbye!")
			return nil
		} else if err != nil {
			return fmt.Errorf("readline error: %w", err)
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}

		if err := r.executeCommand(ctx, input); err != nil {
			if errors.Is(err, errExit) {
				fmt.Println("Goodbye!")
				return nil
			}
			fmt.Printf("Error: %v\n", err)
		}
		fmt.Println()
	}
}

func (r *REPL) executeCommand(ctx context.Context, input string) error {
	parts := strings.SplitN(input, " ", 3)
	switch parts[0] {
	case "help", "?":
		r.printHelp()
		return nil
	case "servers":
		return r.handleServers()
	case "tools":
		return r.handleTools()
	case "call":
		if len(parts) < 2 {
			return fmt.Errorf("usage: call <tool> [json-args]")
		}
		argsStr := ""
		if len(parts) == 3 {
			argsStr = parts[2]
		}
		return r.handleCall(ctx, parts[1], argsStr)
	case "exit", "quit":
		return errExit
	default:
		return fmt.Errorf("unknown command %q, type 'help' for a list", parts[0])
	}
}

func (r *REPL) printHelp() {
	fmt.Println("Available commands:")
	fmt.Println("  servers              List registered backend servers")
	fmt.Println("  tools                List the aggregate tool catalog")
	fmt.Println("  call <tool> [args]   Invoke a tool, args as a JSON object")
	fmt.Println("  help, ?              Show this help")
	fmt.Println("  exit, quit           Leave the console")
}

func (r *REPL) handleServers() error {
	summary := r.agg.ListServers()
	fmt.Printf("%d servers, %d tools\n", summary.TotalServers, summary.TotalTools)
	for _, s := range summary.Servers {
		fmt.Printf("  %s (%s): %d tools: %s\n",
			s.Name, s.Command, s.ToolCount, strings.Join(s.Tools, ", "))
	}
	return nil
}

func (r *REPL) handleTools() error {
	for _, info := range r.agg.ListTools() {
		fmt.Printf("  %-30s [%s] %s\n", info.Name, info.Server, info.Tool.Description)
	}
	return nil
}

func (r *REPL) handleCall(ctx context.Context, name, argsStr string) error {
	var args map[string]interface{}
	if argsStr != "" {
		if err := json.Unmarshal([]byte(argsStr), &args); err != nil {
			fmt.Printf("Example: call %s {\"param1\": \"value1\"}\n", name)
			return fmt.Errorf("invalid JSON arguments: %w", err)
		}
	}

	result, err := r.agg.CallTool(ctx, name, args)
	if err != nil {
		return err
	}
	displayToolResult(result)
	return nil
}

// displayToolResult prints a tool result, pretty-printing JSON text content.
func displayToolResult(result *mcp.CallToolResult) {
	if result.IsError {
		fmt.Println("Tool returned an error:")
	} else {
		fmt.Println("Result:")
	}
	for _, content := range result.Content {
		if textContent, ok := mcp.AsTextContent(content); ok {
			var jsonData interface{}
			if err := json.Unmarshal([]byte(textContent.Text), &jsonData); err == nil {
				pretty, _ := json.MarshalIndent(jsonData, "", "  ")
				fmt.Println(string(pretty))
			} else {
				fmt.Println(textContent.Text)
			}
		}
	}
}

// createCompleter builds tab completion over commands and tool names.
func (r *REPL) createCompleter() *readline.PrefixCompleter {
	var toolItems []readline.PrefixCompleterInterface
	for _, info := range r.agg.ListTools() {
		toolItems = append(toolItems, readline.PcItem(info.Name))
	}

	return readline.NewPrefixCompleter(
		readline.PcItem("help"),
		readline.PcItem("?"),
		readline.PcItem("servers"),
		readline.PcItem("tools"),
		readline.PcItem("call", toolItems...),
		readline.PcItem("exit"),
		readline.PcItem("quit"),
	)
}
