// Package mcpbridge answers remote tool calls with tools served by MCP
// servers or registered in-process.
//
// [Host] connects to MCP servers via stdio or streamable-HTTP transports
// using the official MCP Go SDK and keeps a concurrent-safe tool registry.
// Its catalogue is advertised to the remote model through
// [Host.Declarations]. [Handler] plugs into the tool-call dispatcher and
// executes each requested call against an [Executor].
//
// Typical usage:
//
//	h := mcpbridge.NewHost()
//	err := h.RegisterServers(ctx, []mcpbridge.ServerConfig{{
//	    Name:      "music",
//	    Transport: mcpbridge.TransportStdio,
//	    Command:   "/usr/local/bin/mcp-music",
//	}})
//	cfg.Tools = h.Declarations()
//	mgr.SetToolHandler(mcpbridge.NewHandler(h, mgr))
package mcpbridge

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/companion/pkg/remote"
)

// Transport selects the connection mechanism for an MCP server.
type Transport string

const (
	// TransportStdio spawns a subprocess and communicates over stdin/stdout.
	TransportStdio Transport = "stdio"

	// TransportStreamableHTTP communicates via the MCP Streamable HTTP protocol.
	TransportStreamableHTTP Transport = "streamable-http"
)

// IsValid reports whether t is a recognised transport.
func (t Transport) IsValid() bool {
	return t == TransportStdio || t == TransportStreamableHTTP
}

// ServerConfig describes one MCP server.
type ServerConfig struct {
	Name      string
	Transport Transport
	// Command is split on whitespace into executable and arguments (stdio).
	Command string
	// URL is the endpoint address (streamable-http).
	URL string
	// Env holds extra environment variables for stdio servers.
	Env map[string]string
}

// Result is the outcome of one tool execution.
type Result struct {
	Content string
	// IsError marks an application-level failure reported by the tool.
	IsError bool
}

// Builtin is a tool implemented as an in-process Go function.
type Builtin struct {
	Declaration remote.ToolDeclaration
	// Fn receives the decoded call arguments. A returned error becomes an
	// error result, not a transport failure.
	Fn func(ctx context.Context, args map[string]any) (string, error)
}

// toolEntry holds the metadata for a single registered tool.
type toolEntry struct {
	decl       remote.ToolDeclaration
	serverName string
	builtinFn  func(ctx context.Context, args map[string]any) (string, error)
}

// builtinServerName is the pseudo server name used for in-process tools.
const builtinServerName = "__builtin__"

// Host manages MCP server connections and the tools they expose.
//
// The zero value is NOT usable; create instances with [NewHost].
type Host struct {
	mu      sync.RWMutex
	tools   map[string]toolEntry             // key: tool name
	servers map[string]*mcpsdk.ClientSession // key: server name

	// client is reused across all server connections.
	client *mcpsdk.Client
}

// NewHost creates and returns a ready-to-use Host.
func NewHost() *Host {
	client := mcpsdk.NewClient(
		&mcpsdk.Implementation{Name: "companion-mcpbridge", Version: "1.0.0"},
		nil,
	)
	return &Host{
		tools:   make(map[string]toolEntry),
		servers: make(map[string]*mcpsdk.ClientSession),
		client:  client,
	}
}

// RegisterServers connects to every server in parallel. All servers are
// attempted; the returned error joins the failures.
func (h *Host) RegisterServers(ctx context.Context, cfgs []ServerConfig) error {
	var g errgroup.Group
	errs := make([]error, len(cfgs))
	for i, cfg := range cfgs {
		g.Go(func() error {
			errs[i] = h.RegisterServer(ctx, cfg)
			return nil
		})
	}
	_ = g.Wait()

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("mcpbridge: register servers: %w", err)
	}
	return nil
}

// RegisterServer connects to the MCP server described by cfg and imports its
// tool catalogue. If a server with the same Name is already registered, the
// old connection is closed and replaced.
func (h *Host) RegisterServer(ctx context.Context, cfg ServerConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("mcpbridge: server config must have a non-empty name")
	}
	if !cfg.Transport.IsValid() {
		return fmt.Errorf("mcpbridge: unknown transport %q for server %q", cfg.Transport, cfg.Name)
	}

	var transport mcpsdk.Transport
	switch cfg.Transport {
	case TransportStdio:
		executable, args := splitCommand(cfg.Command)
		if executable == "" {
			return fmt.Errorf("mcpbridge: stdio server %q requires a non-empty command", cfg.Name)
		}
		// The server outlives ctx, so it is not bound to it.
		cmd := exec.Command(executable, args...)
		if len(cfg.Env) > 0 {
			cmd.Env = os.Environ()
			for k, v := range cfg.Env {
				cmd.Env = append(cmd.Env, k+"="+v)
			}
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}

	case TransportStreamableHTTP:
		if cfg.URL == "" {
			return fmt.Errorf("mcpbridge: streamable-http server %q requires a non-empty URL", cfg.Name)
		}
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
	}

	return h.connect(ctx, cfg.Name, transport)
}

// connect opens a session over transport and imports its tools.
func (h *Host) connect(ctx context.Context, name string, transport mcpsdk.Transport) error {
	session, err := h.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("mcpbridge: connect to server %q: %w", name, err)
	}

	var discovered []*mcpsdk.Tool
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("mcpbridge: list tools for server %q: %w", name, err)
		}
		discovered = append(discovered, tool)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if old, ok := h.servers[name]; ok {
		_ = old.Close()
		for toolName, t := range h.tools {
			if t.serverName == name {
				delete(h.tools, toolName)
			}
		}
	}
	h.servers[name] = session

	for _, t := range discovered {
		h.tools[t.Name] = toolEntry{
			decl: remote.ToolDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  schemaToMap(t.InputSchema),
			},
			serverName: name,
		}
	}
	return nil
}

// RegisterBuiltin registers an in-process tool, replacing any tool of the
// same name.
func (h *Host) RegisterBuiltin(b Builtin) error {
	if b.Declaration.Name == "" {
		return fmt.Errorf("mcpbridge: builtin tool must have a non-empty name")
	}
	if b.Fn == nil {
		return fmt.Errorf("mcpbridge: builtin tool %q must have a non-nil function", b.Declaration.Name)
	}
	decl := b.Declaration
	if decl.Parameters == nil {
		decl.Parameters = map[string]any{"type": "object"}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.tools[decl.Name] = toolEntry{decl: decl, serverName: builtinServerName, builtinFn: b.Fn}
	return nil
}

// Declarations returns every registered tool, sorted by name, in the form
// the remote channel advertises to the model.
func (h *Host) Declarations() []remote.ToolDeclaration {
	h.mu.RLock()
	out := make([]remote.ToolDeclaration, 0, len(h.tools))
	for _, e := range h.tools {
		out = append(out, e.decl)
	}
	h.mu.RUnlock()

	slices.SortFunc(out, func(a, b remote.ToolDeclaration) int { return cmp.Compare(a.Name, b.Name) })
	return out
}

// ExecuteTool calls the named tool. A Go error is returned only for unknown
// tools and transport or protocol failures; tool-reported failures come
// back as a Result with IsError set.
func (h *Host) ExecuteTool(ctx context.Context, name string, args map[string]any) (Result, error) {
	h.mu.RLock()
	entry, ok := h.tools[name]
	var session *mcpsdk.ClientSession
	if ok && entry.builtinFn == nil {
		session = h.servers[entry.serverName]
	}
	h.mu.RUnlock()

	if !ok {
		return Result{}, fmt.Errorf("mcpbridge: tool %q not found", name)
	}

	if entry.builtinFn != nil {
		out, err := entry.builtinFn(ctx, args)
		if err != nil {
			return Result{Content: err.Error(), IsError: true}, nil
		}
		return Result{Content: out}, nil
	}

	if session == nil {
		return Result{}, fmt.Errorf("mcpbridge: server %q not found for tool %q", entry.serverName, name)
	}
	res, err := session.CallTool(ctx, &mcpsdk.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return Result{}, fmt.Errorf("mcpbridge: call tool %q: %w", name, err)
	}

	var sb strings.Builder
	for _, c := range res.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	return Result{Content: sb.String(), IsError: res.IsError}, nil
}

// Close shuts down all server connections and clears the registry. After
// Close returns the Host must not be used again.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var firstErr error
	for name, session := range h.servers {
		if err := session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("mcpbridge: close server %q: %w", name, err)
		}
		delete(h.servers, name)
	}
	h.tools = make(map[string]toolEntry)
	return firstErr
}

// schemaToMap converts any schema value to a map[string]any.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil || m == nil {
		return map[string]any{"type": "object"}
	}
	return m
}

// splitCommand splits a command string into executable and arguments.
// e.g. "/bin/foo --bar baz" → ("/bin/foo", ["--bar", "baz"]).
func splitCommand(command string) (executable string, args []string) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}
