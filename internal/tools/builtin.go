package tools

import (
	"github.com/torbolabs/torbo/internal/access"
	"github.com/torbolabs/torbo/internal/config"
)

// RegisterBuiltins wires the built-in tools with their level gates.
// Chat-level callers get no tools; READ unlocks lookups; WRITE adds
// workspace writes.
func RegisterBuiltins(reg *Registry, cfg *config.Config) {
	workspace := cfg.WorkspacePath()

	reg.Register(NewWebSearchTool(cfg.Tools.WebSearchMax), access.LevelRead)
	reg.Register(NewWebFetchTool(cfg.Tools.WebFetchMaxChars, cfg.Tools.SSRFProtectEnabled), access.LevelRead)
	reg.Register(NewReadFileTool(workspace), access.LevelRead)
	reg.Register(NewListFilesTool(workspace), access.LevelRead)
	reg.Register(NewGetTimeTool(), access.LevelRead)
	reg.Register(NewWriteFileTool(workspace), access.LevelWrite)
}
