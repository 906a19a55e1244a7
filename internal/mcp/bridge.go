package mcp

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/torbolabs/torbo/internal/tools"
)

// BridgeTool exposes one remote MCP tool through the local registry.
// Registry names are prefixed with the server name to avoid collisions
// between servers.
type BridgeTool struct {
	server    string
	tool      mcpgo.Tool
	client    *mcpclient.Client
	timeout   time.Duration
	connected *atomic.Bool
}

func (t *BridgeTool) Name() string {
	return t.server + "_" + t.tool.Name
}

// OriginalName is the tool's name on the remote server.
func (t *BridgeTool) OriginalName() string { return t.tool.Name }

func (t *BridgeTool) Description() string {
	desc := strings.TrimSpace(t.tool.Description)
	if desc == "" {
		desc = "Remote tool " + t.tool.Name
	}
	return fmt.Sprintf("[%s] %s", t.server, desc)
}

func (t *BridgeTool) Parameters() map[string]any {
	params := map[string]any{"type": "object"}
	if t.tool.InputSchema.Type != "" {
		params["type"] = t.tool.InputSchema.Type
	}
	if len(t.tool.InputSchema.Properties) > 0 {
		params["properties"] = t.tool.InputSchema.Properties
	}
	if len(t.tool.InputSchema.Required) > 0 {
		params["required"] = t.tool.InputSchema.Required
	}
	return params
}

func (t *BridgeTool) Execute(ctx context.Context, args map[string]any) *tools.Result {
	if t.connected != nil && !t.connected.Load() {
		return tools.Errorf("MCP server %s is not connected", t.server)
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	req := mcpgo.CallToolRequest{}
	req.Params.Name = t.tool.Name
	req.Params.Arguments = args

	result, err := t.client.CallTool(ctx, req)
	if err != nil {
		return tools.Errorf("MCP tool %s failed: %v", t.tool.Name, err)
	}

	text := flattenContent(result.Content)
	if result.IsError {
		if text == "" {
			text = fmt.Sprintf("MCP tool %s reported an error", t.tool.Name)
		}
		return tools.ErrorResult(text)
	}
	if text == "" {
		text = "(no output)"
	}
	return tools.NewResult(text)
}

func flattenContent(content []mcpgo.Content) string {
	var sb strings.Builder
	for _, c := range content {
		if tc, ok := c.(mcpgo.TextContent); ok {
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(tc.Text)
		}
	}
	return sb.String()
}
