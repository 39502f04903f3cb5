package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/haasonsaas/coworker/internal/protocol"
)

const (
	bashDefaultTimeout = 2 * time.Minute
	bashMaxOutput      = 48 * 1024
)

// NewBashTool returns the shell execution built-in. Commands run through
// bash -c in the session's working directory.
func NewBashTool() *Descriptor {
	return &Descriptor{
		Name:        "bash",
		Description: "Run a shell command and return its combined output.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"required": ["command"],
			"properties": {
				"command": {"type": "string", "minLength": 1, "description": "The shell command to run"},
				"timeout_seconds": {"type": "integer", "minimum": 1, "maximum": 600}
			}
		}`),
		Timeout: bashDefaultTimeout,
		Execute: execBash,
	}
}

func execBash(ctx context.Context, inv Invocation) (*protocol.ToolOutcome, error) {
	command, _ := inv.Input["command"].(string)

	if secs, ok := inv.Input["timeout_seconds"].(float64); ok && secs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(secs)*time.Second)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "bash", "-c", command)
	if inv.WorkingDir != "" {
		cmd.Dir = inv.WorkingDir
	}

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()

	output := truncateOutput(buf.String())
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil {
		if output != "" {
			output += "\n"
		}
		return &protocol.ToolOutcome{
			Content: protocol.Text(output + err.Error()),
			IsError: true,
		}, nil
	}
	if output == "" {
		output = "(no output)"
	}
	return &protocol.ToolOutcome{Content: protocol.Text(output)}, nil
}

func truncateOutput(s string) string {
	s = strings.TrimRight(s, "\n")
	if len(s) <= bashMaxOutput {
		return s
	}
	return s[:bashMaxOutput] + fmt.Sprintf("\n… output truncated (%d bytes total)", len(s))
}
