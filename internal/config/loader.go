package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// EnvPrefix namespaces the environment override variables.
const EnvPrefix = "COWORKER_"

// Load reads the configuration file, expands $VAR references, applies
// environment overrides and validates the result. A missing file is not an
// error; defaults plus environment overrides apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			// Defaults only.
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			expanded := os.ExpandEnv(string(data))
			if err := decodeStrict([]byte(expanded), cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decodeStrict rejects unknown keys and multi-document files.
func decodeStrict(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("expected a single YAML document")
	}
	return nil
}

// applyEnv layers COWORKER_* variables over the file values.
func applyEnv(cfg *Config) {
	setString(&cfg.Server.ListenAddr, "LISTEN_ADDR")
	setString(&cfg.Server.OutputDir, "OUTPUT_DIR")
	setString(&cfg.Session.Provider, "PROVIDER")
	setString(&cfg.Session.Model, "MODEL")
	setString(&cfg.Session.WorkingDir, "WORKING_DIR")
	setBool(&cfg.Session.EnableMCP, "ENABLE_MCP")
	setBool(&cfg.Session.Yolo, "YOLO")
	setInt(&cfg.Session.MaxSteps, "MAX_STEPS")
	setString(&cfg.Logging.Level, "LOG_LEVEL")
	setString(&cfg.Logging.Format, "LOG_FORMAT")
	setString(&cfg.Tracing.Endpoint, "OTLP_ENDPOINT")
	setString(&cfg.CredentialDir, "CREDENTIAL_DIR")
	setString(&cfg.MCPConfigPath, "MCP_CONFIG")

	if roots := os.Getenv(EnvPrefix + "WORKSPACE_ROOTS"); roots != "" {
		var parsed []string
		for _, root := range strings.Split(roots, string(os.PathListSeparator)) {
			if root = strings.TrimSpace(root); root != "" {
				parsed = append(parsed, root)
			}
		}
		cfg.Session.WorkspaceRoots = parsed
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			*dst = parsed
		}
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			*dst = parsed
		}
	}
}
