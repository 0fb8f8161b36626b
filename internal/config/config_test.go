package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen != ":8000" {
		t.Errorf("Listen = %q, want :8000", cfg.Listen)
	}
	if cfg.Target != "http://localhost:8080" {
		t.Errorf("Target = %q", cfg.Target)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
listen: ":9000"
target: "http://backend:8080"
servers:
  - name: sin-server
    command: /usr/local/bin/sin-server
  - name: cos-server
    command: /usr/local/bin/cos-server
    args: ["--precision", "6"]
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen != ":9000" {
		t.Errorf("Listen = %q", cfg.Listen)
	}
	if cfg.Target != "http://backend:8080" {
		t.Errorf("Target = %q", cfg.Target)
	}
	// Unset keys keep their defaults.
	if cfg.LogDir != "mcp_logs" {
		t.Errorf("LogDir = %q, want default", cfg.LogDir)
	}
	if len(cfg.Servers) != 2 {
		t.Fatalf("Servers = %d entries, want 2", len(cfg.Servers))
	}
	if cfg.Servers[1].Args[1] != "6" {
		t.Errorf("server args = %v", cfg.Servers[1].Args)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing listen",
			mutate:  func(c *Config) { c.Listen = "" },
			wantErr: "listen address",
		},
		{
			name:    "bad target scheme",
			mutate:  func(c *Config) { c.Target = "ftp://example.com" },
			wantErr: "must be http or https",
		},
		{
			name: "server without command",
			mutate: func(c *Config) {
				c.Servers = []ServerSpec{{Name: "x"}}
			},
			wantErr: "name and a command",
		},
		{
			name: "duplicate server name",
			mutate: func(c *Config) {
				c.Servers = []ServerSpec{
					{Name: "x", Command: "/bin/x"},
					{Name: "x", Command: "/bin/y"},
				}
			},
			wantErr: "duplicate server name",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}
