// Package mcpplugin exposes the tools of external MCP servers as plugins.
//
// Each connected server becomes one [plugin.Plugin] named after the server.
// Tool names that are not valid function names are sanitised (every character
// outside [A-Za-z0-9_] becomes "_"); calls are always forwarded with the
// server's original tool name.
//
// Typical usage:
//
//	h := mcpplugin.NewHost()
//	defer h.Close()
//	plugins, err := h.ConnectAll(ctx, []mcpplugin.ServerConfig{{
//	    Name:      "weather",
//	    Transport: mcpplugin.TransportStdio,
//	    Command:   "/usr/local/bin/mcp-weather",
//	}})
package mcpplugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/mosscap/internal/plugin"
)

// Transport selects the connection mechanism for an MCP server.
type Transport string

const (
	// TransportStdio spawns a subprocess and talks over stdin/stdout.
	TransportStdio Transport = "stdio"

	// TransportStreamableHTTP uses the MCP streamable HTTP protocol.
	TransportStreamableHTTP Transport = "streamable-http"
)

// IsValid reports whether t is a recognised transport.
func (t Transport) IsValid() bool {
	return t == TransportStdio || t == TransportStreamableHTTP
}

// ServerConfig describes one MCP server.
type ServerConfig struct {
	// Name becomes the plugin name and must match [A-Za-z0-9_]+.
	Name      string            `yaml:"name"`
	Transport Transport         `yaml:"transport"`
	Command   string            `yaml:"command"`
	URL       string            `yaml:"url"`
	Env       map[string]string `yaml:"env"`
}

// Host owns the MCP client and every open server session.
type Host struct {
	client *mcpsdk.Client

	mu       sync.Mutex
	sessions map[string]*mcpsdk.ClientSession
}

// NewHost returns a Host with no connected servers.
func NewHost() *Host {
	return &Host{
		client:   mcpsdk.NewClient(&mcpsdk.Implementation{Name: "mosscap", Version: "1.0.0"}, nil),
		sessions: make(map[string]*mcpsdk.ClientSession),
	}
}

// ConnectAll connects to every server concurrently and returns their plugins
// in the order of cfgs. Any failure closes the sessions opened so far.
func (h *Host) ConnectAll(ctx context.Context, cfgs []ServerConfig) ([]plugin.Plugin, error) {
	plugins := make([]plugin.Plugin, len(cfgs))
	g, gctx := errgroup.WithContext(ctx)
	for i, cfg := range cfgs {
		g.Go(func() error {
			p, err := h.Connect(gctx, cfg)
			if err != nil {
				return err
			}
			plugins[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		_ = h.Close()
		return nil, err
	}
	return plugins, nil
}

// Connect opens a session to the server described by cfg and returns its tools
// as a plugin.
func (h *Host) Connect(ctx context.Context, cfg ServerConfig) (plugin.Plugin, error) {
	if cfg.Name == "" {
		return plugin.Plugin{}, errors.New("mcpplugin: server config must have a non-empty name")
	}

	var transport mcpsdk.Transport
	switch cfg.Transport {
	case TransportStdio:
		fields := strings.Fields(cfg.Command)
		if len(fields) == 0 {
			return plugin.Plugin{}, fmt.Errorf("mcpplugin: stdio server %q requires a command", cfg.Name)
		}
		// The subprocess outlives ctx; it is stopped by Close.
		cmd := exec.Command(fields[0], fields[1:]...)
		cmd.Env = os.Environ()
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}
	case TransportStreamableHTTP:
		if cfg.URL == "" {
			return plugin.Plugin{}, fmt.Errorf("mcpplugin: streamable-http server %q requires a url", cfg.Name)
		}
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
	default:
		return plugin.Plugin{}, fmt.Errorf("mcpplugin: unknown transport %q for server %q", cfg.Transport, cfg.Name)
	}
	return h.ConnectTransport(ctx, cfg.Name, transport)
}

// ConnectTransport opens a session over an already constructed transport.
func (h *Host) ConnectTransport(ctx context.Context, name string, transport mcpsdk.Transport) (plugin.Plugin, error) {
	session, err := h.client.Connect(ctx, transport, nil)
	if err != nil {
		return plugin.Plugin{}, fmt.Errorf("mcpplugin: connect to %q: %w", name, err)
	}

	var tools []*mcpsdk.Tool
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return plugin.Plugin{}, fmt.Errorf("mcpplugin: list tools of %q: %w", name, err)
		}
		tools = append(tools, tool)
	}

	h.mu.Lock()
	if old, ok := h.sessions[name]; ok {
		_ = old.Close()
	}
	h.sessions[name] = session
	h.mu.Unlock()

	p := plugin.Plugin{Name: name, Description: "Tools provided by MCP server " + name + "."}
	seen := make(map[string]bool, len(tools))
	for _, t := range tools {
		fnName := sanitize(t.Name)
		if seen[fnName] {
			slog.Warn("mcp tool name collides after sanitising, skipping", "server", name, "tool", t.Name)
			continue
		}
		seen[fnName] = true
		p.Functions = append(p.Functions, plugin.Function{
			Name:        fnName,
			Description: t.Description,
			Schema:      schemaToMap(t.InputSchema),
			Handler:     callHandler(session, t.Name),
		})
	}
	slog.Info("mcp server connected", "server", name, "tools", len(p.Functions))
	return p, nil
}

// callHandler forwards a call to tool on session and concatenates the text
// content of the result. Results flagged IsError become Go errors.
func callHandler(session *mcpsdk.ClientSession, tool string) plugin.HandlerFunc {
	return func(ctx context.Context, args plugin.Arguments) (any, error) {
		res, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
			Name:      tool,
			Arguments: map[string]any(args),
		})
		if err != nil {
			return nil, fmt.Errorf("mcpplugin: call %q: %w", tool, err)
		}
		var sb strings.Builder
		for _, c := range res.Content {
			if tc, ok := c.(*mcpsdk.TextContent); ok {
				sb.WriteString(tc.Text)
			}
		}
		if res.IsError {
			return nil, fmt.Errorf("mcpplugin: tool %q failed: %s", tool, sb.String())
		}
		return sb.String(), nil
	}
}

// Ping checks that every connected server still answers.
func (h *Host) Ping(ctx context.Context) error {
	h.mu.Lock()
	sessions := make(map[string]*mcpsdk.ClientSession, len(h.sessions))
	for name, s := range h.sessions {
		sessions[name] = s
	}
	h.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for name, s := range sessions {
		g.Go(func() error {
			if err := s.Ping(gctx, nil); err != nil {
				return fmt.Errorf("mcpplugin: ping %q: %w", name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Close closes every open session.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	var errs []error
	for name, s := range h.sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("mcpplugin: close %q: %w", name, err))
		}
		delete(h.sessions, name)
	}
	return errors.Join(errs...)
}

func sanitize(name string) string {
	b := []byte(name)
	for i, c := range b {
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_') {
			b[i] = '_'
		}
	}
	if len(b) == 0 {
		return "_"
	}
	return string(b)
}

// schemaToMap converts an SDK schema value to a plain map.
func schemaToMap(schema any) map[string]any {
	fallback := map[string]any{"type": "object", "properties": map[string]any{}}
	if schema == nil {
		return fallback
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return fallback
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil || m == nil {
		return fallback
	}
	return m
}
