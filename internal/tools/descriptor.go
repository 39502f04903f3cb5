// Package tools implements the tool dispatcher: a registry of descriptors
// with schema-validated input, approval gating for dangerous calls, and
// execution with optional per-descriptor timeouts. Built-in tools and
// MCP-hosted tools run through the same path.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/coworker/internal/protocol"
)

// Invocation is the validated input handed to a tool's execute function.
type Invocation struct {
	Input      map[string]any
	Raw        json.RawMessage
	WorkingDir string
}

// ExecuteFunc runs a tool call. A returned error is treated as a thrown
// failure unless it is the context's cancellation, which propagates.
type ExecuteFunc func(ctx context.Context, inv Invocation) (*protocol.ToolOutcome, error)

// Descriptor declares one tool: its schema, approval posture, and execution.
type Descriptor struct {
	Name             string
	Description      string
	InputSchema      json.RawMessage
	RequiresApproval bool
	Timeout          time.Duration
	Execute          ExecuteFunc

	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
}

// Validate checks raw input against the descriptor's schema and returns the
// decoded object. An empty input validates as an empty object.
func (d *Descriptor) Validate(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	var input map[string]any
	if err := json.Unmarshal(raw, &input); err != nil {
		return nil, fmt.Errorf("input is not a JSON object: %w", err)
	}
	if len(d.InputSchema) == 0 {
		return input, nil
	}

	d.compileOnce.Do(func() {
		d.compiled, d.compileErr = jsonschema.CompileString(d.Name+".json", string(d.InputSchema))
	})
	if d.compileErr != nil {
		return nil, fmt.Errorf("schema for %s does not compile: %w", d.Name, d.compileErr)
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	if err := d.compiled.Validate(doc); err != nil {
		return nil, fmt.Errorf("%s", firstIssue(err))
	}
	return input, nil
}

// firstIssue digs out the most specific validation failure message.
func firstIssue(err error) string {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return err.Error()
	}
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	if ve.Message != "" {
		return ve.Message
	}
	return err.Error()
}

func errorOutcome(format string, args ...any) *protocol.ToolOutcome {
	return &protocol.ToolOutcome{
		Content: protocol.Text(fmt.Sprintf(format, args...)),
		IsError: true,
	}
}
