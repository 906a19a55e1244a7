package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const maxReadBytes = 256 << 10

// resolveWorkspacePath confines a tool path to the workspace root.
// Relative paths resolve under the workspace; absolute paths and any form
// of traversal that escapes it are rejected.
func resolveWorkspacePath(workspace, path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	if filepath.IsAbs(path) {
		return "", fmt.Errorf("absolute paths are not allowed")
	}

	root, err := filepath.Abs(workspace)
	if err != nil {
		return "", err
	}
	resolved := filepath.Clean(filepath.Join(root, path))
	if resolved != root && !strings.HasPrefix(resolved, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes the workspace")
	}
	return resolved, nil
}

// ReadFileTool reads a file from the workspace.
type ReadFileTool struct {
	workspace string
}

func NewReadFileTool(workspace string) *ReadFileTool {
	return &ReadFileTool{workspace: workspace}
}

func (t *ReadFileTool) Name() string        { return "read_file" }
func (t *ReadFileTool) Description() string { return "Read the contents of a file in the workspace." }

func (t *ReadFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Workspace-relative path to the file.",
			},
		},
		"required": []string{"path"},
	}
}

func (t *ReadFileTool) Execute(ctx context.Context, args map[string]any) *Result {
	path, _ := args["path"].(string)
	resolved, err := resolveWorkspacePath(t.workspace, path)
	if err != nil {
		return ErrorResult(err.Error())
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return Errorf("stat %s: %v", path, err)
	}
	if info.IsDir() {
		return Errorf("%s is a directory", path)
	}
	if info.Size() > maxReadBytes {
		return Errorf("%s is too large (%d bytes, limit %d)", path, info.Size(), maxReadBytes)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return Errorf("read %s: %v", path, err)
	}
	return NewResult(string(data))
}

// WriteFileTool writes a file inside the workspace, creating parent
// directories as needed.
type WriteFileTool struct {
	workspace string
}

func NewWriteFileTool(workspace string) *WriteFileTool {
	return &WriteFileTool{workspace: workspace}
}

func (t *WriteFileTool) Name() string        { return "write_file" }
func (t *WriteFileTool) Description() string { return "Write content to a file in the workspace." }

func (t *WriteFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Workspace-relative path to write.",
			},
			"content": map[string]any{
				"type":        "string",
				"description": "The full file content.",
			},
		},
		"required": []string{"path", "content"},
	}
}

func (t *WriteFileTool) Execute(ctx context.Context, args map[string]any) *Result {
	path, _ := args["path"].(string)
	content, _ := args["content"].(string)

	resolved, err := resolveWorkspacePath(t.workspace, path)
	if err != nil {
		return ErrorResult(err.Error())
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return Errorf("create directories: %v", err)
	}
	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return Errorf("write %s: %v", path, err)
	}
	return NewResult(fmt.Sprintf("Wrote %d bytes to %s", len(content), path))
}

// ListFilesTool lists a workspace directory.
type ListFilesTool struct {
	workspace string
}

func NewListFilesTool(workspace string) *ListFilesTool {
	return &ListFilesTool{workspace: workspace}
}

func (t *ListFilesTool) Name() string        { return "list_files" }
func (t *ListFilesTool) Description() string { return "List files in a workspace directory." }

func (t *ListFilesTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Workspace-relative directory. Defaults to the workspace root.",
			},
		},
	}
}

func (t *ListFilesTool) Execute(ctx context.Context, args map[string]any) *Result {
	path, _ := args["path"].(string)
	if path == "" {
		path = "."
	}
	resolved, err := resolveWorkspacePath(t.workspace, path)
	if err != nil {
		return ErrorResult(err.Error())
	}

	entries, err := os.ReadDir(resolved)
	if err != nil {
		return Errorf("list %s: %v", path, err)
	}
	if len(entries) == 0 {
		return NewResult("(empty directory)")
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return NewResult(strings.Join(names, "\n"))
}
