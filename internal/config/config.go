// Package config loads the coworker server configuration from a YAML file
// with environment variable expansion and overrides, and parses the thin CLI
// argument surface.
package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Config is the full server configuration.
type Config struct {
	Server        ServerConfig  `yaml:"server"`
	Session       SessionConfig `yaml:"session"`
	Logging       LoggingConfig `yaml:"logging"`
	Tracing       TracingConfig `yaml:"tracing"`
	Metrics       MetricsConfig `yaml:"metrics"`
	CredentialDir string        `yaml:"credentialDir"`
	MCPConfigPath string        `yaml:"mcpConfigPath"`
}

// ServerConfig configures the listener.
type ServerConfig struct {
	ListenAddr string `yaml:"listenAddr"`
	OutputDir  string `yaml:"outputDir"`
}

// SessionConfig holds the defaults applied to every new session.
type SessionConfig struct {
	Provider       string   `yaml:"provider"`
	Model          string   `yaml:"model"`
	WorkingDir     string   `yaml:"workingDir"`
	EnableMCP      bool     `yaml:"enableMcp"`
	Yolo           bool     `yaml:"yolo"`
	MaxSteps       int      `yaml:"maxSteps"`
	WorkspaceRoots []string `yaml:"workspaceRoots"`
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"addSource"`
}

// TracingConfig configures the OTLP trace exporter. An empty endpoint
// disables export.
type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"samplingRate"`
	Insecure     bool    `yaml:"insecure"`
}

// MetricsConfig configures the Prometheus scrape endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Default returns the built-in configuration.
func Default() *Config {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".coworker")
	return &Config{
		Server: ServerConfig{
			ListenAddr: "127.0.0.1:8377",
			OutputDir:  filepath.Join(base, "sessions"),
		},
		Session: SessionConfig{
			Provider: "anthropic",
			Model:    "claude-sonnet-4-20250514",
			MaxSteps: 24,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			SamplingRate: 1.0,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		CredentialDir: filepath.Join(base, "credentials"),
		MCPConfigPath: filepath.Join(base, "mcp.yaml"),
	}
}

// Validate checks the loaded configuration for unusable values.
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listenAddr is required")
	}
	if c.Session.Provider == "" {
		return fmt.Errorf("session.provider is required")
	}
	if c.Session.Model == "" {
		return fmt.Errorf("session.model is required")
	}
	if c.Session.MaxSteps < 0 {
		return fmt.Errorf("session.maxSteps must not be negative")
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("tracing.samplingRate must be within [0, 1]")
	}
	return nil
}
