package mcp

import (
	"context"
	"fmt"
	"strings"

	"github.com/haasonsaas/coworker/internal/protocol"
	"github.com/haasonsaas/coworker/internal/tools"
)

// ToolName builds the dispatcher-visible name for an MCP-hosted tool.
func ToolName(server, tool string) string {
	return fmt.Sprintf("mcp__%s__%s", server, tool)
}

// Descriptors lists a server's tools and wraps each one as a dispatcher
// descriptor. MCP tools always go through the approval gate.
func Descriptors(ctx context.Context, server string, conn Conn) ([]*tools.Descriptor, error) {
	remote, err := conn.ListTools(ctx)
	if err != nil {
		return nil, err
	}

	descs := make([]*tools.Descriptor, 0, len(remote))
	for _, tool := range remote {
		tool := tool
		descs = append(descs, &tools.Descriptor{
			Name:             ToolName(server, tool.Name),
			Description:      tool.Description,
			InputSchema:      tool.InputSchema,
			RequiresApproval: true,
			Execute: func(ctx context.Context, inv tools.Invocation) (*protocol.ToolOutcome, error) {
				result, err := conn.CallTool(ctx, tool.Name, inv.Raw)
				if err != nil {
					if ctx.Err() != nil {
						return nil, ctx.Err()
					}
					return nil, err
				}
				return toOutcome(result), nil
			},
		})
	}
	return descs, nil
}

// toOutcome flattens MCP result content into the dispatcher's outcome
// shape. Non-text content is summarized rather than inlined.
func toOutcome(result *ToolResult) *protocol.ToolOutcome {
	var parts []string
	for _, content := range result.Content {
		switch content.Type {
		case "text":
			parts = append(parts, content.Text)
		default:
			parts = append(parts, fmt.Sprintf("[%s content, %s]", content.Type, content.MimeType))
		}
	}
	text := strings.Join(parts, "\n")
	if text == "" {
		text = "(no content)"
	}
	return &protocol.ToolOutcome{
		Content: protocol.Text(text),
		IsError: result.IsError,
	}
}
