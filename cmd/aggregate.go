package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/proxykit/mcp-sse-proxy/internal/aggregator"
	"github.com/proxykit/mcp-sse-proxy/internal/proxylog"
)

var aggregateREPL bool

func newAggregateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "aggregate",
		Short: "Aggregate multiple backend MCP tool servers into one",
		Long: `The aggregate command launches the tool aggregator. Each backend listed
in the configuration file is contacted once over stdio to collect its tool
catalog; the merged catalog is then served as a single MCP server on
stdio. Colliding tool names are disambiguated by prefixing the later
registration with its server name.

Every tool call opens a fresh connection to the owning backend: connect,
initialize, call, teardown. Backends that fail to register are logged and
skipped without affecting the others.

With --repl, an interactive console is started instead of the stdio
server, for exploring the catalog and invoking tools by hand.`,
		RunE: runAggregate,
	}

	cmd.Flags().BoolVar(&aggregateREPL, "repl", false, "Start an interactive console instead of the stdio server")
	return cmd
}

func runAggregate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if len(cfg.Servers) == 0 {
		return fmt.Errorf("no backend servers configured; add a 'servers' section to the config file")
	}

	// Protocol traffic owns stdout in stdio server mode, so console logs go
	// to stderr.
	logger, err := proxylog.NewTo(os.Stderr, cfg.LogDir, verbose)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Close() }()

	ctx := cmd.Context()

	agg := aggregator.New(logger)
	agg.RegisterAll(ctx, cfg.Servers)

	summary := agg.ListServers()
	logger.Infof("aggregator ready: %d servers, %d tools", summary.TotalServers, summary.TotalTools)

	if aggregateREPL {
		repl := aggregator.NewREPL(agg, logger)
		if err := repl.Run(ctx); err != nil {
			return fmt.Errorf("console error: %w", err)
		}
		return nil
	}

	server := aggregator.NewServer(agg, logger, version)
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("aggregator server error: %w", err)
	}
	return nil
}
