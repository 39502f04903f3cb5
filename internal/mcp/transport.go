package mcp

import (
	"context"
	"encoding/json"
)

// transport carries JSON-RPC traffic to one MCP server.
type transport interface {
	Connect(ctx context.Context) error
	Close() error
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
	Notify(ctx context.Context, method string, params any) error
	Connected() bool
}

func newTransport(spec ServerSpec) transport {
	switch spec.Transport.Type {
	case TransportHTTP, TransportSSE:
		return newHTTPTransport(spec)
	default:
		return newStdioTransport(spec)
	}
}
