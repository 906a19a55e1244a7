// Package mcp bridges external Model Context Protocol servers into the
// tool registry. Bridged tools always require EXECUTE: the gateway cannot
// know what a remote tool does, so it assumes the worst.
package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/torbolabs/torbo/internal/access"
	"github.com/torbolabs/torbo/internal/config"
	"github.com/torbolabs/torbo/internal/tools"
)

const defaultCallTimeout = 60 * time.Second

// ServerStatus reports one server's connection state.
type ServerStatus struct {
	Name      string `json:"name"`
	Transport string `json:"transport"`
	Connected bool   `json:"connected"`
	ToolCount int    `json:"toolCount"`
	Error     string `json:"error,omitempty"`
}

type serverState struct {
	cfg       config.MCPServer
	client    *mcpclient.Client
	connected atomic.Bool
	toolNames []string
	lastErr   string
}

// Manager owns the MCP server connections and their registry entries.
type Manager struct {
	mu       sync.RWMutex
	servers  map[string]*serverState
	registry *tools.Registry
}

func NewManager(registry *tools.Registry) *Manager {
	return &Manager{
		servers:  make(map[string]*serverState),
		registry: registry,
	}
}

// Start connects every configured server. Failures are logged and
// reported in Statuses but never abort gateway startup.
func (m *Manager) Start(ctx context.Context, configs []config.MCPServer) {
	for _, cfg := range configs {
		if err := m.connect(ctx, cfg); err != nil {
			slog.Warn("mcp server connect failed", "server", cfg.Name, "error", err)
			m.mu.Lock()
			m.servers[cfg.Name] = &serverState{cfg: cfg, lastErr: err.Error()}
			m.mu.Unlock()
		}
	}
}

func (m *Manager) connect(ctx context.Context, cfg config.MCPServer) error {
	client, err := newClient(cfg)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}

	if cfg.Transport != "stdio" {
		if err := client.Start(ctx); err != nil {
			client.Close()
			return fmt.Errorf("start transport: %w", err)
		}
	}

	initReq := mcpgo.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpgo.Implementation{Name: "torbo", Version: "1.0.0"}
	if _, err := client.Initialize(ctx, initReq); err != nil {
		client.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	listed, err := client.ListTools(ctx, mcpgo.ListToolsRequest{})
	if err != nil {
		client.Close()
		return fmt.Errorf("list tools: %w", err)
	}

	ss := &serverState{cfg: cfg, client: client}
	ss.connected.Store(true)

	for _, remote := range listed.Tools {
		bt := &BridgeTool{
			server:    cfg.Name,
			tool:      remote,
			client:    client,
			timeout:   defaultCallTimeout,
			connected: &ss.connected,
		}
		if m.registry.Has(bt.Name()) {
			slog.Warn("mcp tool name collision, skipped", "server", cfg.Name, "tool", bt.Name())
			continue
		}
		m.registry.Register(bt, access.LevelExecute)
		ss.toolNames = append(ss.toolNames, bt.Name())
	}

	m.mu.Lock()
	m.servers[cfg.Name] = ss
	m.mu.Unlock()

	slog.Info("mcp server connected", "server", cfg.Name, "transport", cfg.Transport, "tools", len(ss.toolNames))
	return nil
}

func newClient(cfg config.MCPServer) (*mcpclient.Client, error) {
	switch cfg.Transport {
	case "stdio":
		if cfg.Command == "" {
			return nil, fmt.Errorf("stdio transport needs a command")
		}
		return mcpclient.NewStdioMCPClient(cfg.Command, nil, cfg.Args...)
	case "sse":
		if cfg.URL == "" {
			return nil, fmt.Errorf("sse transport needs a url")
		}
		return mcpclient.NewSSEMCPClient(cfg.URL)
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

// Statuses reports every configured server.
func (m *Manager) Statuses() []ServerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ServerStatus, 0, len(m.servers))
	for _, ss := range m.servers {
		out = append(out, ServerStatus{
			Name:      ss.cfg.Name,
			Transport: ss.cfg.Transport,
			Connected: ss.connected.Load(),
			ToolCount: len(ss.toolNames),
			Error:     ss.lastErr,
		})
	}
	return out
}

// Close disconnects all servers.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ss := range m.servers {
		ss.connected.Store(false)
		if ss.client != nil {
			ss.client.Close()
		}
	}
	m.servers = make(map[string]*serverState)
}
