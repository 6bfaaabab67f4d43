// Package tool defines the contract the step executor calls external tools
// through, decoupling kernel/executor logic from any one transport.
//
// Grounded on original/kernel/ports/toolrunner.py's ToolRunner protocol
// (a single async call(tenant_id, tool, args) method) and the registry's
// "mcp:<server_id>/<tool_name>" tool naming convention used by
// original/.../kernel/adapters/toolrunner_mcp_http.py.
package tool

import "context"

// Request is everything an Invoker needs to perform one tool call.
type Request struct {
	TenantID  string
	ActionID  string
	Tool      string
	Args      map[string]any
	TimeoutMS int
}

// Invoker calls a named tool and returns its result payload. Implementors
// must return a plain error (never panic); the executor classifies it via
// pkg/retry.Classify.
type Invoker interface {
	Call(ctx context.Context, req Request) (map[string]any, error)
}

// InvokerFunc adapts a function to the Invoker interface, used by tests.
type InvokerFunc func(ctx context.Context, req Request) (map[string]any, error)

func (f InvokerFunc) Call(ctx context.Context, req Request) (map[string]any, error) {
	return f(ctx, req)
}
