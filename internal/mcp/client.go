package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

const mcpProtocolVersion = "2024-11-05"

// Conn is the surface the registry and the tool bridge need from one MCP
// server connection.
type Conn interface {
	ListTools(ctx context.Context) ([]*Tool, error)
	CallTool(ctx context.Context, name string, args json.RawMessage) (*ToolResult, error)
	Close() error
}

// Client connects to a single MCP server over its configured transport.
type Client struct {
	spec      ServerSpec
	transport transport
	logger    *slog.Logger

	serverInfo ServerInfo
}

// NewClient creates a client for the given server spec. Connect must be
// called before any other method.
func NewClient(spec ServerSpec, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		spec:      spec,
		transport: newTransport(spec),
		logger:    logger.With("component", "mcp", "server", spec.Name),
	}
}

// Connect establishes the transport and runs the initialize handshake.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.transport.Connect(ctx); err != nil {
		return fmt.Errorf("transport connect: %w", err)
	}

	result, err := c.transport.Call(ctx, "initialize", map[string]any{
		"protocolVersion": mcpProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "coworker",
			"version": "1.0.0",
		},
	})
	if err != nil {
		c.transport.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	var init InitializeResult
	if err := json.Unmarshal(result, &init); err != nil {
		c.transport.Close()
		return fmt.Errorf("parse initialize result: %w", err)
	}
	c.serverInfo = init.ServerInfo
	c.logger.Info("connected to mcp server",
		"name", c.serverInfo.Name,
		"version", c.serverInfo.Version,
		"protocol", init.ProtocolVersion)

	if err := c.transport.Notify(ctx, "notifications/initialized", nil); err != nil {
		c.logger.Warn("initialized notification failed", "error", err)
	}
	return nil
}

// Close tears down the transport. Stdio subprocesses are killed.
func (c *Client) Close() error {
	return c.transport.Close()
}

// ServerInfo reports the identity the server declared during initialize.
func (c *Client) ServerInfo() ServerInfo {
	return c.serverInfo
}

// Connected reports whether the transport is up.
func (c *Client) Connected() bool {
	return c.transport.Connected()
}

// ListTools fetches the server's tool list.
func (c *Client) ListTools(ctx context.Context) ([]*Tool, error) {
	result, err := c.transport.Call(ctx, "tools/list", nil)
	if err != nil {
		return nil, fmt.Errorf("tools/list: %w", err)
	}
	var resp listToolsResult
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, fmt.Errorf("parse tools/list result: %w", err)
	}
	return resp.Tools, nil
}

// CallTool invokes a tool on the server.
func (c *Client) CallTool(ctx context.Context, name string, args json.RawMessage) (*ToolResult, error) {
	result, err := c.transport.Call(ctx, "tools/call", callToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("tools/call %s: %w", name, err)
	}
	var resp ToolResult
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, fmt.Errorf("parse tools/call result: %w", err)
	}
	return &resp, nil
}
