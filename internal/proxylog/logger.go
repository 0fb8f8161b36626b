// Package proxylog provides the structured logger shared by the proxy and
// aggregator. Every record is a JSON object carrying a session id and a
// record type, written to stdout and to a log file that rotates by day.
package proxylog

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/proxykit/mcp-sse-proxy/internal/sse"
)

// Record types, one per observable proxy event.
const (
	typeRequest    = "REQUEST"
	typeResponse   = "RESPONSE"
	typeSSEEvent   = "SSE_EVENT"
	typeConnStatus = "CONNECTION_STATUS"
	typeError      = "ERROR"
)

// Logger emits structured records for requests, responses, SSE frames,
// connection-status changes, and errors. It is safe for concurrent use.
type Logger struct {
	log    zerolog.Logger
	closer io.Closer
}

// New creates a Logger writing to stdout and to a daily log file under dir.
// The directory is created if missing. An empty dir logs to stdout only.
func New(dir string, verbose bool) (*Logger, error) {
	return NewTo(os.Stdout, dir, verbose)
}

// NewTo is New with an explicit console sink. The aggregator's stdio MCP
// mode uses stderr, since stdout carries the protocol.
func NewTo(console io.Writer, dir string, verbose bool) (*Logger, error) {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}

	w := console
	var closer io.Closer
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		df := &dailyFile{dir: dir}
		w = zerolog.MultiLevelWriter(console, df)
		closer = df
	}

	log := zerolog.New(w).Level(level).With().Timestamp().Logger()
	return &Logger{log: log, closer: closer}, nil
}

// NewWithWriter creates a Logger writing to w. Used by tests to capture the
// emitted records.
func NewWithWriter(w io.Writer) *Logger {
	return &Logger{log: zerolog.New(w).With().Timestamp().Logger()}
}

// Close releases the underlying log file, if any.
func (l *Logger) Close() error {
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}

// Request records an inbound client request.
func (l *Logger) Request(sessionID, method, url string, headers http.Header, body string) {
	l.log.Info().
		Str("session_id", sessionID).
		Str("type", typeRequest).
		Str("direction", "CLIENT_TO_PROXY").
		Str("method", method).
		Str("url", url).
		Interface("headers", headers).
		Str("body", body).
		Msg("request")
}

// Response records an upstream response observed by the proxy.
func (l *Logger) Response(sessionID string, status int, headers http.Header, body string) {
	l.log.Info().
		Str("session_id", sessionID).
		Str("type", typeResponse).
		Str("direction", "SERVER_TO_PROXY").
		Int("status", status).
		Interface("headers", headers).
		Str("body", body).
		Msg("response")
}

// Frame records one classified SSE frame relayed to the client.
func (l *Logger) Frame(sessionID string, f sse.Frame) {
	l.log.Info().
		Str("session_id", sessionID).
		Str("type", typeSSEEvent).
		Str("direction", "SERVER_TO_CLIENT").
		Str("event_type", f.Kind.String()).
		Str("data", f.Payload).
		Msg("sse event")
}

// Status records a connection lifecycle transition.
func (l *Logger) Status(sessionID, status, detail string) {
	l.log.Info().
		Str("session_id", sessionID).
		Str("type", typeConnStatus).
		Str("status", status).
		Str("details", detail).
		Msg("connection status")
}

// Error records a failure attributed to a session. A missing session id is
// written as-is so startup errors remain traceable.
func (l *Logger) Error(sessionID, msg string, err error) {
	ev := l.log.Error().
		Str("session_id", sessionID).
		Str("type", typeError)
	if err != nil {
		ev = ev.Err(err)
	}
	ev.Msg(msg)
}

// Warnf records a formatted warning not tied to a session.
func (l *Logger) Warnf(format string, args ...any) {
	l.log.Warn().Msgf(format, args...)
}

// Infof records a formatted informational message not tied to a session.
func (l *Logger) Infof(format string, args ...any) {
	l.log.Info().Msgf(format, args...)
}

// Debugf records a formatted debug message, visible only in verbose mode.
func (l *Logger) Debugf(format string, args ...any) {
	l.log.Debug().Msgf(format, args...)
}

// dailyFile is an io.Writer that writes to mcp_proxy_YYYYMMDD.log in its
// directory, reopening the file whenever the date changes. No third-party
// rotation is involved; stale files are left for the operator to prune.
type dailyFile struct {
	dir string

	mu   sync.Mutex
	day  string
	file *os.File
}

func (d *dailyFile) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	day := time.Now().Format("20060102")
	if d.file == nil || day != d.day {
		if d.file != nil {
			_ = d.file.Close()
		}
		name := filepath.Join(d.dir, "mcp_proxy_"+day+".log")
		f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return 0, err
		}
		d.file = f
		d.day = day
	}
	return d.file.Write(p)
}

func (d *dailyFile) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file == nil {
		return nil
	}
	err := d.file.Close()
	d.file = nil
	return err
}
