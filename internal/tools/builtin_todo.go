package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/coworker/internal/protocol"
)

// TodoSink receives the replacement todo list each time the model rewrites
// it. The session publishes the corresponding todos event.
type TodoSink func(items []protocol.TodoItem)

// NewTodoWriteTool returns the built-in that lets the model maintain a
// session-scoped todo list. Each call replaces the whole list.
func NewTodoWriteTool(sink TodoSink) *Descriptor {
	return &Descriptor{
		Name:        "todo_write",
		Description: "Replace the session todo list to track multi-step work.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"required": ["todos"],
			"properties": {
				"todos": {
					"type": "array",
					"items": {
						"type": "object",
						"required": ["text", "status"],
						"properties": {
							"id": {"type": "string"},
							"text": {"type": "string", "minLength": 1},
							"status": {"enum": ["pending", "in_progress", "done"]}
						}
					}
				}
			}
		}`),
		Execute: func(ctx context.Context, inv Invocation) (*protocol.ToolOutcome, error) {
			var payload struct {
				Todos []protocol.TodoItem `json:"todos"`
			}
			if err := json.Unmarshal(inv.Raw, &payload); err != nil {
				return errorOutcome("%s", err.Error()), nil
			}
			for i := range payload.Todos {
				if payload.Todos[i].ID == "" {
					payload.Todos[i].ID = fmt.Sprintf("todo-%d", i+1)
				}
			}
			sink(payload.Todos)
			return &protocol.ToolOutcome{
				Content: protocol.Text(fmt.Sprintf("todo list updated (%d items)", len(payload.Todos))),
			}, nil
		},
	}
}
