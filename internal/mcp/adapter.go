package mcp

import "context"

// Adapter is the uniform contract every provider backend satisfies. Adapters
// must be safe for concurrent CallTool and Ping.
type Adapter interface {
	// DiscoverTools lists the tools the backend exposes. Idempotent and
	// stable for the lifetime of a handle.
	DiscoverTools(ctx context.Context) ([]ToolSchema, error)

	// CallTool invokes a named tool. At-most-once relative to the caller;
	// arguments are JSON-compatible values.
	CallTool(ctx context.Context, name string, args map[string]any) (any, error)

	// Ping is a cheap liveness check. Adapters without a dedicated ping fall
	// back to DiscoverTools and cache its result.
	Ping(ctx context.Context) error

	// Close releases the session, process, or sockets behind the adapter.
	Close() error
}
