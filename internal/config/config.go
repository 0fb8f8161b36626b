// Package config loads the YAML configuration shared by the proxy and the
// tool aggregator. CLI flags override file values; the file overrides the
// built-in defaults.
package config

import (
	"fmt"
	"net/url"
	"os"

	"gopkg.in/yaml.v3"
)

// ServerSpec describes one backend tool server launched over stdio.
type ServerSpec struct {
	Name    string   `yaml:"name"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

// Config is the full on-disk configuration.
type Config struct {
	// Listen is the proxy's host:port.
	Listen string `yaml:"listen"`
	// Target is the single upstream base URL requests are forwarded to.
	Target string `yaml:"target"`
	// LogDir receives the daily structured log files; empty disables the
	// file sink.
	LogDir string `yaml:"log_dir"`
	// CredentialsDir holds the persisted OAuth state; empty disables
	// upstream bearer-token injection.
	CredentialsDir string `yaml:"credentials_dir"`
	// Servers lists the aggregator's backend tool servers.
	Servers []ServerSpec `yaml:"servers"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Listen: ":8000",
		Target: "http://localhost:8080",
		LogDir: "mcp_logs",
	}
}

// Load reads path over the defaults. An empty path returns the defaults
// unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Validate checks the fields the proxy cannot start without.
func (c Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	target, err := url.Parse(c.Target)
	if err != nil {
		return fmt.Errorf("invalid target URL %q: %w", c.Target, err)
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return fmt.Errorf("target URL %q must be http or https", c.Target)
	}
	seen := make(map[string]bool, len(c.Servers))
	for _, srv := range c.Servers {
		if srv.Name == "" || srv.Command == "" {
			return fmt.Errorf("every server entry needs a name and a command")
		}
		if seen[srv.Name] {
			return fmt.Errorf("duplicate server name %q", srv.Name)
		}
		seen[srv.Name] = true
	}
	return nil
}
