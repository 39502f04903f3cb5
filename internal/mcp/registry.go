package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultConnectRetries bounds connection attempts when a spec does not set
// its own retry count.
const DefaultConnectRetries = 3

// Dialer connects to one server. Swappable for tests.
type Dialer func(ctx context.Context, spec ServerSpec) (Conn, error)

// Registry holds one live connection per MCP server for the whole process.
// Sessions acquire and release by server name; the last release closes the
// connection. CloseAll tears down in reverse open order.
type Registry struct {
	logger *slog.Logger
	dial   Dialer

	mu      sync.Mutex
	entries map[string]*registryEntry
	order   []string
}

type registryEntry struct {
	conn Conn
	refs int
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithDialer replaces the default client dialer.
func WithDialer(dial Dialer) RegistryOption {
	return func(r *Registry) { r.dial = dial }
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger, opts ...RegistryOption) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		logger:  logger.With("component", "mcp"),
		entries: make(map[string]*registryEntry),
	}
	r.dial = func(ctx context.Context, spec ServerSpec) (Conn, error) {
		client := NewClient(spec, logger)
		if err := client.Connect(ctx); err != nil {
			return nil, err
		}
		return client, nil
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Acquire returns the shared connection for a server, dialing it on first
// use. Connection attempts follow the spec's retry count with a growing
// pause between attempts.
func (r *Registry) Acquire(ctx context.Context, spec ServerSpec) (Conn, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.entries[spec.Name]; ok {
		entry.refs++
		return entry.conn, nil
	}

	conn, err := r.connect(ctx, spec)
	if err != nil {
		return nil, err
	}
	r.entries[spec.Name] = &registryEntry{conn: conn, refs: 1}
	r.order = append(r.order, spec.Name)
	return conn, nil
}

func (r *Registry) connect(ctx context.Context, spec ServerSpec) (Conn, error) {
	retries := spec.Retries
	if retries <= 0 {
		retries = DefaultConnectRetries
	}

	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		conn, err := r.dial(ctx, spec)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		r.logger.Warn("mcp connect failed", "server", spec.Name, "attempt", attempt, "error", err)
		if attempt == retries {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt) * time.Second):
		}
	}
	return nil, fmt.Errorf("mcp server %s: connect failed after %d attempts: %w", spec.Name, retries, lastErr)
}

// Release drops one reference. The connection closes when the last
// reference goes away.
func (r *Registry) Release(name string) {
	r.mu.Lock()
	entry, ok := r.entries[name]
	if !ok {
		r.mu.Unlock()
		return
	}
	entry.refs--
	if entry.refs > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.entries, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	if err := entry.conn.Close(); err != nil {
		r.logger.Warn("mcp close failed", "server", name, "error", err)
	}
}

// Refs reports the reference count for a server. Zero means not connected.
func (r *Registry) Refs(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.entries[name]; ok {
		return entry.refs
	}
	return 0
}

// CloseAll closes every connection in reverse open order, ignoring
// reference counts. Used at process shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	order := r.order
	entries := r.entries
	r.order = nil
	r.entries = make(map[string]*registryEntry)
	r.mu.Unlock()

	for i := len(order) - 1; i >= 0; i-- {
		name := order[i]
		if entry, ok := entries[name]; ok {
			if err := entry.conn.Close(); err != nil {
				r.logger.Warn("mcp close failed", "server", name, "error", err)
			}
		}
	}
}
