// Package tools provides the built-in tool registry the chat pipeline
// injects into model requests. Each tool carries a minimum access level;
// the registry filters both advertisement and execution by the caller's
// effective level.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/torbolabs/torbo/internal/access"
	"github.com/torbolabs/torbo/internal/openai"
)

// Tool is one callable capability.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any
	Execute(ctx context.Context, args map[string]any) *Result
}

// Result is the unified return from tool execution.
type Result struct {
	ForLLM  string
	IsError bool
}

func NewResult(forLLM string) *Result    { return &Result{ForLLM: forLLM} }
func ErrorResult(message string) *Result { return &Result{ForLLM: message, IsError: true} }
func Errorf(format string, a ...any) *Result {
	return ErrorResult(fmt.Sprintf(format, a...))
}

type entry struct {
	tool     Tool
	minLevel access.Level
}

// Registry holds tools keyed by name.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]entry
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]entry)}
}

// Register adds a tool gated at the given level. Re-registering a name
// replaces it.
func (r *Registry) Register(t Tool, minLevel access.Level) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = entry{tool: t, minLevel: minLevel}
}

// Specs returns the OpenAI tool definitions visible at the given level,
// sorted by name for stable request bodies.
func (r *Registry) Specs(level access.Level) []openai.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []openai.Tool
	for _, e := range r.tools {
		if !level.Allows(e.minLevel) {
			continue
		}
		out = append(out, openai.Tool{
			Type: "function",
			Function: openai.FunctionDef{
				Name:        e.tool.Name(),
				Description: e.tool.Description(),
				Parameters:  e.tool.Parameters(),
			},
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Function.Name < out[j].Function.Name })
	return out
}

// Has reports whether the registry knows the tool at all.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// MinLevel returns the gate for a registered tool.
func (r *Registry) MinLevel(name string) (access.Level, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	if !ok {
		return access.LevelOff, false
	}
	return e.minLevel, true
}

// Execute runs a tool by name with raw JSON arguments, enforcing the
// level gate. Failures come back as tool results, not errors, so the
// model can react to them; only unknown tools return an error.
func (r *Registry) Execute(ctx context.Context, name, argsJSON string, level access.Level) (*Result, error) {
	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", name)
	}
	if !level.Allows(e.minLevel) {
		return Errorf("Access level %d (%s) required to use %s", int(e.minLevel), e.minLevel, name), nil
	}

	args := map[string]any{}
	if argsJSON != "" {
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return Errorf("invalid tool arguments: %v", err), nil
		}
	}
	return e.tool.Execute(ctx, args), nil
}
