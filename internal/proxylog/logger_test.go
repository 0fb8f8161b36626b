package proxylog

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/proxykit/mcp-sse-proxy/internal/sse"
)

// decodeRecords parses each JSON line written by the logger.
func decodeRecords(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var records []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var rec map[string]any
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("invalid JSON record %q: %v", line, err)
		}
		records = append(records, rec)
	}
	return records
}

func TestRecordShapes(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := NewWithWriter(buf)

	headers := http.Header{"Accept": []string{"text/event-stream"}}
	logger.Request("abc123", "GET", "http://localhost:8000/foo", headers, "")
	logger.Response("abc123", 200, http.Header{}, "[SSE Stream Started]")
	logger.Frame("abc123", sse.Frame{Kind: sse.KindEvent, Payload: "ping"})
	logger.Frame("abc123", sse.Frame{Kind: sse.KindData, Payload: `{"n":1}`})
	logger.Status("abc123", "CLOSED", "")
	logger.Error("abc123", "relay failed", errors.New("boom"))

	records := decodeRecords(t, buf)
	if len(records) != 6 {
		t.Fatalf("expected 6 records, got %d", len(records))
	}

	wantTypes := []string{"REQUEST", "RESPONSE", "SSE_EVENT", "SSE_EVENT", "CONNECTION_STATUS", "ERROR"}
	for i, rec := range records {
		if rec["type"] != wantTypes[i] {
			t.Errorf("record %d type = %v, want %v", i, rec["type"], wantTypes[i])
		}
		if rec["session_id"] != "abc123" {
			t.Errorf("record %d session_id = %v", i, rec["session_id"])
		}
		if _, ok := rec["time"]; !ok {
			t.Errorf("record %d missing timestamp", i)
		}
	}

	if records[2]["event_type"] != "event" || records[2]["data"] != "ping" {
		t.Errorf("event frame record = %v", records[2])
	}
	if records[3]["event_type"] != "data" || records[3]["data"] != `{"n":1}` {
		t.Errorf("data frame record = %v", records[3])
	}
	if records[5]["error"] != "boom" {
		t.Errorf("error record = %v", records[5])
	}
}

func TestDailyFileWriter(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewTo(io.Discard, dir, false)
	if err != nil {
		t.Fatalf("NewTo: %v", err)
	}
	defer func() { _ = logger.Close() }()

	logger.Status("s1", "ESTABLISHED", "test")

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read log dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 log file, got %d", len(entries))
	}
	name := entries[0].Name()
	if !strings.HasPrefix(name, "mcp_proxy_") || !strings.HasSuffix(name, ".log") {
		t.Errorf("unexpected log file name %q", name)
	}

	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), `"CONNECTION_STATUS"`) {
		t.Errorf("log file missing record: %q", data)
	}
}

func TestVerboseGatesDebug(t *testing.T) {
	dir := t.TempDir()

	quiet, err := NewTo(io.Discard, dir, false)
	if err != nil {
		t.Fatalf("NewTo: %v", err)
	}
	quiet.Debugf("hidden %d", 1)
	_ = quiet.Close()

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read log dir: %v", err)
	}
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			t.Fatalf("read log file: %v", err)
		}
		if strings.Contains(string(data), "hidden") {
			t.Error("debug record written without verbose")
		}
	}
}
