package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/AKrns21/oxytec-evaluator-sub002/internal/provider"
)

// ToolHandler executes a tool call and returns the result as a JSON string.
type ToolHandler func(ctx context.Context, args string) (string, error)

// ToolRegistry maps tool names to definitions and handlers.
type ToolRegistry struct {
	mu       sync.RWMutex
	defs     map[string]provider.Tool
	handlers map[string]ToolHandler
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		defs:     make(map[string]provider.Tool),
		handlers: make(map[string]ToolHandler),
	}
}

// Register adds or replaces a tool.
func (r *ToolRegistry) Register(def provider.Tool, handler ToolHandler) {
	if def.Type == "" {
		def.Type = "function"
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.Function.Name] = def
	r.handlers[def.Function.Name] = handler
}

// Has reports whether name is registered.
func (r *ToolRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[name]
	return ok
}

// Names returns registered tool names in sorted order.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.defs))
	for n := range r.defs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Definitions returns the definitions for the named tools, or for every tool
// when no names are given. Unknown names are skipped.
func (r *ToolRegistry) Definitions(names ...string) []provider.Tool {
	if len(names) == 0 {
		names = r.Names()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]provider.Tool, 0, len(names))
	for _, n := range names {
		if def, ok := r.defs[n]; ok {
			out = append(out, def)
		}
	}
	return out
}

// Execute runs a tool by name. A panicking handler is reported as an error.
func (r *ToolRegistry) Execute(ctx context.Context, name, args string) (result string, err error) {
	r.mu.RLock()
	h, ok := r.handlers[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("unknown tool: %s", name)
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("tool %s panicked: %v", name, p)
		}
	}()
	return h(ctx, args)
}
