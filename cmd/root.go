package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/proxykit/mcp-sse-proxy/internal/config"
	"github.com/proxykit/mcp-sse-proxy/internal/credstore"
	"github.com/proxykit/mcp-sse-proxy/internal/proxy"
	"github.com/proxykit/mcp-sse-proxy/internal/proxylog"
	"github.com/proxykit/mcp-sse-proxy/internal/session"
)

var (
	version string

	cfgFile        string
	listenAddr     string
	targetURL      string
	logDir         string
	credentialsDir string
	verbose        bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "mcp-sse-proxy",
	Short: "Logging reverse proxy for MCP SSE traffic",
	Long: `mcp-sse-proxy sits between an MCP client and an MCP server and forwards
all HTTP traffic to a single upstream while recording every request,
response, SSE frame, and connection-status change as structured JSON.

Requests whose Accept header asks for text/event-stream are relayed as a
live event stream: lines are reassembled across chunk boundaries, logged
as classified SSE frames, and forwarded to the client verbatim. All other
requests are forwarded as ordinary request/response pairs with a 30s
upstream timeout.

Logs are written to stdout and to a daily file under the log directory,
one JSON record per event, tagged with a short per-connection session id.

When a credentials directory is configured, the proxy reads the persisted
OAuth client registration and token files from it, refreshes the access
token shortly before expiry, and attaches it to upstream requests as a
bearer token.

The 'aggregate' subcommand runs the companion tool aggregator instead: it
registers multiple backend MCP tool servers over stdio and fronts their
merged tool catalog as one MCP server.`,
	RunE: runProxy,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// SetVersion sets the version for the application
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to the YAML configuration file")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable verbose logging (include debug records)")

	rootCmd.Flags().StringVar(&listenAddr, "listen", "", "Proxy listen address (default :8000)")
	rootCmd.Flags().StringVar(&targetURL, "target", "", "Upstream base URL (default http://localhost:8080)")
	rootCmd.Flags().StringVar(&logDir, "log-dir", "", "Directory for daily log files (default mcp_logs)")
	rootCmd.Flags().StringVar(&credentialsDir, "credentials-dir", "", "Directory holding persisted OAuth client and token files")

	rootCmd.AddCommand(newAggregateCmd())
	rootCmd.AddCommand(newSelfUpdateCmd())
}

// loadConfig layers changed CLI flags over the config file over defaults.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return cfg, err
	}

	if cmd.Flags().Changed("listen") {
		cfg.Listen = listenAddr
	}
	if cmd.Flags().Changed("target") {
		cfg.Target = targetURL
	}
	if cmd.Flags().Changed("log-dir") {
		cfg.LogDir = logDir
	}
	if cmd.Flags().Changed("credentials-dir") {
		cfg.CredentialsDir = credentialsDir
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// setupSignalHandler sets up graceful shutdown on interrupt signals
func setupSignalHandler(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\nReceived interrupt signal, shutting down gracefully...")
		cancel()
	}()
}

func runProxy(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger, err := proxylog.New(cfg.LogDir, verbose)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Close() }()

	var creds *credstore.Store
	if cfg.CredentialsDir != "" {
		creds, err = credstore.Load(cfg.CredentialsDir, logger)
		if err != nil {
			return fmt.Errorf("load credentials: %w", err)
		}
	}

	target, err := url.Parse(cfg.Target)
	if err != nil {
		return fmt.Errorf("invalid target URL: %w", err)
	}

	tracker := session.NewTracker(logger)
	handler := proxy.New(target, tracker, logger, creds)

	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: handler,
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	setupSignalHandler(cancel)

	// Periodic active-connection report, visible in verbose mode.
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := tracker.ActiveCount(); n > 0 {
					logger.Debugf("active connections: %d", n)
				}
			}
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Infof("proxy listening on %s, forwarding to %s", cfg.Listen, cfg.Target)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("proxy server error: %w", err)
	}
	return nil
}
