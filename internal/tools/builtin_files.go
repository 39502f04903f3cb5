package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/haasonsaas/coworker/internal/protocol"
)

const fileReadMax = 256 * 1024

// NewReadFileTool returns the file reading built-in. Relative paths resolve
// against the session working directory.
func NewReadFileTool() *Descriptor {
	return &Descriptor{
		Name:        "read_file",
		Description: "Read a text file and return its contents.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"required": ["path"],
			"properties": {
				"path": {"type": "string", "minLength": 1}
			}
		}`),
		Execute: func(ctx context.Context, inv Invocation) (*protocol.ToolOutcome, error) {
			path := resolvePath(inv, "path")
			data, err := os.ReadFile(path)
			if err != nil {
				return errorOutcome("%s", err.Error()), nil
			}
			content := string(data)
			if len(content) > fileReadMax {
				content = content[:fileReadMax] + fmt.Sprintf("\n… truncated (%d bytes total)", len(data))
			}
			return &protocol.ToolOutcome{Content: protocol.Text(content)}, nil
		},
	}
}

// NewWriteFileTool returns the file writing built-in.
func NewWriteFileTool() *Descriptor {
	return &Descriptor{
		Name:        "write_file",
		Description: "Write content to a file, creating parent directories as needed.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"required": ["path", "content"],
			"properties": {
				"path": {"type": "string", "minLength": 1},
				"content": {"type": "string"}
			}
		}`),
		Execute: func(ctx context.Context, inv Invocation) (*protocol.ToolOutcome, error) {
			path := resolvePath(inv, "path")
			content, _ := inv.Input["content"].(string)
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return errorOutcome("%s", err.Error()), nil
			}
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				return errorOutcome("%s", err.Error()), nil
			}
			return &protocol.ToolOutcome{
				Content: protocol.Text(fmt.Sprintf("wrote %d bytes to %s", len(content), path)),
			}, nil
		},
	}
}

// NewListDirTool returns the directory listing built-in.
func NewListDirTool() *Descriptor {
	return &Descriptor{
		Name:        "list_dir",
		Description: "List the entries of a directory.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string"}
			}
		}`),
		Execute: func(ctx context.Context, inv Invocation) (*protocol.ToolOutcome, error) {
			path := resolvePath(inv, "path")
			if path == "" {
				path = inv.WorkingDir
			}
			entries, err := os.ReadDir(path)
			if err != nil {
				return errorOutcome("%s", err.Error()), nil
			}
			names := make([]string, 0, len(entries))
			for _, entry := range entries {
				name := entry.Name()
				if entry.IsDir() {
					name += "/"
				}
				names = append(names, name)
			}
			sort.Strings(names)
			if len(names) == 0 {
				return &protocol.ToolOutcome{Content: protocol.Text("(empty)")}, nil
			}
			return &protocol.ToolOutcome{Content: protocol.Text(strings.Join(names, "\n"))}, nil
		},
	}
}

func resolvePath(inv Invocation, key string) string {
	path, _ := inv.Input[key].(string)
	if path == "" || filepath.IsAbs(path) || inv.WorkingDir == "" {
		return path
	}
	return filepath.Join(inv.WorkingDir, path)
}
