package mcp

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Transport type discriminators in the server document.
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
	TransportSSE   = "sse"
)

// TransportSpec describes how to reach one MCP server.
type TransportSpec struct {
	Type string `yaml:"type" json:"type"`

	// stdio
	Command string            `yaml:"command,omitempty" json:"command,omitempty"`
	Args    []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Cwd     string            `yaml:"cwd,omitempty" json:"cwd,omitempty"`

	// http / sse
	URL     string            `yaml:"url,omitempty" json:"url,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
}

// ServerSpec is one entry in the MCP server document.
type ServerSpec struct {
	Name      string        `yaml:"name" json:"name"`
	Transport TransportSpec `yaml:"transport" json:"transport"`
	Required  bool          `yaml:"required,omitempty" json:"required,omitempty"`
	Retries   int           `yaml:"retries,omitempty" json:"retries,omitempty"`
}

// Validate checks the spec before it is persisted or dialed.
func (s *ServerSpec) Validate() error {
	if s.Name == "" {
		return errors.New("server name is required")
	}
	if strings.Contains(s.Name, "__") {
		return fmt.Errorf("server name %q must not contain %q", s.Name, "__")
	}
	switch s.Transport.Type {
	case TransportStdio:
		if s.Transport.Command == "" {
			return fmt.Errorf("stdio server %s: command is required", s.Name)
		}
	case TransportHTTP, TransportSSE:
		if !strings.HasPrefix(s.Transport.URL, "http://") && !strings.HasPrefix(s.Transport.URL, "https://") {
			return fmt.Errorf("%s server %s: url must start with http:// or https://", s.Transport.Type, s.Name)
		}
	default:
		return fmt.Errorf("server %s: unknown transport type %q", s.Name, s.Transport.Type)
	}
	return nil
}

// Document is the YAML-backed MCP server list.
type Document struct {
	Servers []ServerSpec `yaml:"servers" json:"servers"`
}

// Find returns the spec with the given name, or nil.
func (d *Document) Find(name string) *ServerSpec {
	for i := range d.Servers {
		if d.Servers[i].Name == name {
			return &d.Servers[i]
		}
	}
	return nil
}

// Upsert inserts or replaces a server. A non-empty previousName renames: the
// old entry is replaced in place so the document keeps its order.
func (d *Document) Upsert(server ServerSpec, previousName string) error {
	if err := server.Validate(); err != nil {
		return err
	}
	target := previousName
	if target == "" {
		target = server.Name
	}
	for i := range d.Servers {
		if d.Servers[i].Name == target {
			d.Servers[i] = server
			return nil
		}
	}
	d.Servers = append(d.Servers, server)
	return nil
}

// Delete removes a server by name and reports whether it existed.
func (d *Document) Delete(name string) bool {
	for i := range d.Servers {
		if d.Servers[i].Name == name {
			d.Servers = append(d.Servers[:i], d.Servers[i+1:]...)
			return true
		}
	}
	return false
}

// LoadDocument reads the server document. A missing file is an empty
// document, not an error.
func LoadDocument(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &Document{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read mcp servers: %w", err)
	}
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse mcp servers: %w", err)
	}
	return &doc, nil
}

// SaveDocument writes the document atomically via temp file and rename.
func SaveDocument(path string, doc *Document) error {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode mcp servers: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
