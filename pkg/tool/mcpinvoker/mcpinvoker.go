// Package mcpinvoker is a tool.Invoker backed by real MCP servers over the
// Model Context Protocol, grounded on the teacher's pkg/mcp/client.go and
// pkg/mcp/executor.go (session-per-server map, mcpsdk.NewClient +
// CallTool, TextContent extraction) adapted to the kernel's
// "mcp:<server_id>/<tool_name>" naming from
// original/.../kernel/adapters/toolrunner_mcp_http.py, in place of the
// teacher's "server.tool" convention.
package mcpinvoker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/wmag/kernel/pkg/tool"
)

// ServerConfig names one MCP server this invoker can dial.
type ServerConfig struct {
	ID        string
	Transport mcpsdk.Transport
}

// Invoker holds one MCP client session per configured server, established
// lazily on first use and reused across calls.
type Invoker struct {
	impl *mcpsdk.Implementation

	mu       sync.Mutex
	servers  map[string]ServerConfig
	sessions map[string]*mcpsdk.ClientSession
}

// New constructs an Invoker over the given servers. impl identifies this
// process to the MCP servers during the handshake.
func New(impl *mcpsdk.Implementation, servers []ServerConfig) *Invoker {
	byID := make(map[string]ServerConfig, len(servers))
	for _, s := range servers {
		byID[s.ID] = s
	}
	return &Invoker{
		impl:     impl,
		servers:  byID,
		sessions: make(map[string]*mcpsdk.ClientSession),
	}
}

var _ tool.Invoker = (*Invoker)(nil)

// Call implements tool.Invoker. req.Tool must be "mcp:<server_id>/<tool_name>".
// A positive req.TimeoutMS bounds the CallTool round trip.
func (inv *Invoker) Call(ctx context.Context, req tool.Request) (map[string]any, error) {
	serverID, toolName, err := parseTool(req.Tool)
	if err != nil {
		return nil, err
	}

	session, err := inv.sessionFor(ctx, serverID)
	if err != nil {
		return nil, err
	}

	if req.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	result, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      toolName,
		Arguments: req.Args,
	})
	if err != nil {
		return nil, fmt.Errorf("mcpinvoker: call %s/%s: %w", serverID, toolName, err)
	}
	if result.IsError {
		return nil, fmt.Errorf("mcpinvoker: tool %s/%s returned an error result: %s", serverID, toolName, extractText(result))
	}

	return decodeResult(result), nil
}

func (inv *Invoker) sessionFor(ctx context.Context, serverID string) (*mcpsdk.ClientSession, error) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	if s, ok := inv.sessions[serverID]; ok {
		return s, nil
	}
	cfg, ok := inv.servers[serverID]
	if !ok {
		return nil, fmt.Errorf("mcpinvoker: unknown MCP server_id %q", serverID)
	}

	client := mcpsdk.NewClient(inv.impl, nil)
	session, err := client.Connect(ctx, cfg.Transport, nil)
	if err != nil {
		return nil, fmt.Errorf("mcpinvoker: connect to %s: %w", serverID, err)
	}
	inv.sessions[serverID] = session
	return session, nil
}

// Close tears down every open session.
func (inv *Invoker) Close() error {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	var firstErr error
	for id, s := range inv.sessions {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("mcpinvoker: close %s: %w", id, err)
		}
	}
	inv.sessions = make(map[string]*mcpsdk.ClientSession)
	return firstErr
}

func parseTool(tool string) (serverID, toolName string, err error) {
	const prefix = "mcp:"
	if !strings.HasPrefix(tool, prefix) {
		return "", "", fmt.Errorf("mcpinvoker: tool %q is not an MCP tool (expected mcp:<server>/<tool>)", tool)
	}
	rest := tool[len(prefix):]
	idx := strings.IndexByte(rest, '/')
	if idx < 0 {
		return "", "", fmt.Errorf("mcpinvoker: malformed MCP tool %q (expected mcp:<server>/<tool>)", tool)
	}
	return rest[:idx], rest[idx+1:], nil
}

// decodeResult concatenates text content and, when it parses as JSON,
// returns the decoded object directly; otherwise it's wrapped under "text".
func decodeResult(result *mcpsdk.CallToolResult) map[string]any {
	text := extractText(result)
	var obj map[string]any
	if json.Unmarshal([]byte(text), &obj) == nil {
		return obj
	}
	return map[string]any{"text": text}
}

func extractText(result *mcpsdk.CallToolResult) string {
	var parts []string
	for _, c := range result.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}
