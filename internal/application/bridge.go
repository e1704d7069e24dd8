package application

import (
	"context"
	"fmt"
	"sync"

	domaintool "github.com/ngoclaw/ngoclaw/gateway/internal/domain/tool"
)

// toolBridge adapts domaintool.Registry → service.ToolExecutor.
// This allows the AgentLoop to discover and execute tools through the shared registry.
//
// It also backs C8's "tool-set switching" operation (spec.md §4.4): an
// optional active-name filter narrows GetDefinitions (and therefore what
// the LLM is offered) without touching the underlying registry, so
// switching back to the full set is just clearing the filter.
type toolBridge struct {
	registry domaintool.Registry

	mu     sync.RWMutex
	active map[string]bool // nil = every registered tool is active
}

// SetActive replaces the active tool-name filter. An empty or nil slice
// clears the filter (every registered tool becomes active again).
func (b *toolBridge) SetActive(names []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(names) == 0 {
		b.active = nil
		return
	}
	b.active = make(map[string]bool, len(names))
	for _, n := range names {
		b.active[n] = true
	}
}

// ActiveNames returns the current filter, or nil if unfiltered.
func (b *toolBridge) ActiveNames() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.active == nil {
		return nil
	}
	out := make([]string, 0, len(b.active))
	for n := range b.active {
		out = append(out, n)
	}
	return out
}

func (b *toolBridge) isActive(name string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.active == nil {
		return true
	}
	return b.active[name]
}

// Execute implements service.ToolExecutor.Execute
func (b *toolBridge) Execute(ctx context.Context, name string, args map[string]interface{}) (*domaintool.Result, error) {
	tool, ok := b.registry.Get(name)
	if !ok || !b.isActive(name) {
		return &domaintool.Result{
			Output:  fmt.Sprintf("Tool '%s' not found", name),
			Success: false,
			Error:   fmt.Sprintf("tool '%s' not registered", name),
		}, nil
	}
	return tool.Execute(ctx, args)
}

// GetDefinitions implements service.ToolExecutor.GetDefinitions
func (b *toolBridge) GetDefinitions() []domaintool.Definition {
	all := b.registry.List()
	if b.ActiveNames() == nil {
		return all
	}
	out := make([]domaintool.Definition, 0, len(all))
	for _, d := range all {
		if b.isActive(d.Name) {
			out = append(out, d)
		}
	}
	return out
}

// GetToolKind implements service.ToolExecutor.GetToolKind
func (b *toolBridge) GetToolKind(name string) domaintool.Kind {
	tool, ok := b.registry.Get(name)
	if !ok {
		return domaintool.KindExecute
	}
	return tool.Kind()
}
