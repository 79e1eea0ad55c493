// Package tools holds the tools the model may call during a turn.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/xiaot623/localapi/internal/adapter/llm"
)

// ErrToolNotFound is returned for a name with no registered tool.
var ErrToolNotFound = errors.New("tool not found")

// Tool is a server-side capability exposed to the model.
type Tool interface {
	Name() string
	Description() string
	Schema() Schema
	Invoke(ctx context.Context, args map[string]any) (any, error)
}

// Registry stores tools keyed by name. It is filled at startup and only
// read while serving.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]Tool),
	}
}

// Register adds a tool.
func (r *Registry) Register(tool Tool) error {
	if tool == nil {
		return fmt.Errorf("tool is required")
	}
	name := tool.Name()
	if name == "" {
		return fmt.Errorf("tool name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool already registered for %s", name)
	}
	r.tools[name] = tool
	return nil
}

// MustRegister adds a tool or panics.
func (r *Registry) MustRegister(tool Tool) {
	if err := r.Register(tool); err != nil {
		panic(err)
	}
}

// Get looks up a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names lists registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Prepare looks up the named tool and validates args against its schema,
// filling defaults. Validation errors are tagged with the tool name.
func (r *Registry) Prepare(name string, args map[string]any) (Tool, map[string]any, error) {
	tool, ok := r.Get(name)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	validated, err := Validate(tool.Schema(), args)
	if err != nil {
		var ie *InvalidArgumentsError
		if errors.As(err, &ie) {
			ie.Tool = name
		}
		return tool, nil, err
	}
	return tool, validated, nil
}

// Definitions renders the registry in the OpenAI tools format.
func (r *Registry) Definitions() []llm.Tool {
	names := r.Names()
	if len(names) == 0 {
		return nil
	}
	defs := make([]llm.Tool, 0, len(names))
	for _, n := range names {
		t, _ := r.Get(n)
		desc := t.Description()
		if desc == "" {
			desc = "Function tool: " + n
		}
		defs = append(defs, llm.Tool{
			Type: "function",
			Function: llm.ToolFunction{
				Name:        n,
				Description: desc,
				Parameters:  t.Schema(),
			},
		})
	}
	return defs
}
