package mcp

import (
	"testing"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
)

func TestBridgeToolNaming(t *testing.T) {
	bt := &BridgeTool{
		server: "github",
		tool: mcpgo.Tool{
			Name:        "create_issue",
			Description: "Create an issue",
			InputSchema: mcpgo.ToolInputSchema{
				Type:       "object",
				Properties: map[string]any{"title": map[string]any{"type": "string"}},
				Required:   []string{"title"},
			},
		},
	}

	if bt.Name() != "github_create_issue" {
		t.Errorf("Name = %q", bt.Name())
	}
	if bt.OriginalName() != "create_issue" {
		t.Errorf("OriginalName = %q", bt.OriginalName())
	}
	if bt.Description() != "[github] Create an issue" {
		t.Errorf("Description = %q", bt.Description())
	}

	params := bt.Parameters()
	if params["type"] != "object" {
		t.Errorf("type = %v", params["type"])
	}
	if _, ok := params["properties"].(map[string]any)["title"]; !ok {
		t.Error("properties not forwarded")
	}
	req, _ := params["required"].([]string)
	if len(req) != 1 || req[0] != "title" {
		t.Errorf("required = %v", req)
	}
}

func TestFlattenContent(t *testing.T) {
	got := flattenContent([]mcpgo.Content{
		mcpgo.TextContent{Type: "text", Text: "line one"},
		mcpgo.ImageContent{Type: "image"},
		mcpgo.TextContent{Type: "text", Text: "line two"},
	})
	if got != "line one\nline two" {
		t.Errorf("flattenContent = %q", got)
	}
}
