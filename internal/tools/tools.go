// ABOUTME: Tool interface and registry for agent function calling
// ABOUTME: Execution failures become structured ToolError values, never invocation aborts

package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownTool is returned when an agent requests a tool that was never
// registered.
var ErrUnknownTool = errors.New("unknown tool")

// Tool is one structured capability an agent may invoke.
type Tool interface {
	// Name returns the unique identifier for this tool (snake_case).
	Name() string

	// Description is shown to the model so it knows when to use the tool.
	Description() string

	// Parameters returns a JSON-schema-like map describing the arguments.
	Parameters() map[string]any

	// Execute runs the tool. The returned string is handed back to the
	// model as the tool result.
	Execute(ctx context.Context, args map[string]any) (string, error)
}

// ToolError represents errors that occur during tool execution. Tool
// errors are reported back to the model as failed results; they never
// abort the surrounding invocation.
type ToolError struct {
	Tool    string `json:"tool"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

func (e *ToolError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("tool error [%s] in %s: %s", e.Code, e.Tool, e.Message)
	}
	return fmt.Sprintf("tool error in %s: %s", e.Tool, e.Message)
}

// NewToolError creates a new ToolError with the specified details.
func NewToolError(tool, message, code string) *ToolError {
	return &ToolError{Tool: tool, Message: message, Code: code}
}

// Definition is the provider-facing description of a registered tool.
type Definition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Registry holds the tools available to agents. Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Registering a duplicate name is an error.
func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		return fmt.Errorf("tool %q already registered", t.Name())
	}
	r.tools[t.Name()] = t
	return nil
}

// Describe returns definitions for the named tools, or every registered
// tool when names is empty. Unknown names are skipped.
func (r *Registry) Describe(names []string) []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(names) == 0 {
		names = make([]string, 0, len(r.tools))
		for name := range r.tools {
			names = append(names, name)
		}
		sort.Strings(names)
	}

	defs := make([]Definition, 0, len(names))
	for _, name := range names {
		t, ok := r.tools[name]
		if !ok {
			continue
		}
		defs = append(defs, Definition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	return defs
}

// Execute runs the named tool. Unknown tools and execution failures are
// returned as *ToolError so the invoker can feed them back to the model.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (string, error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return "", NewToolError(name, ErrUnknownTool.Error(), "UNKNOWN_TOOL")
	}

	result, err := t.Execute(ctx, args)
	if err != nil {
		var toolErr *ToolError
		if errors.As(err, &toolErr) {
			return "", toolErr
		}
		return "", NewToolError(name, err.Error(), "EXECUTION_ERROR")
	}
	return result, nil
}

// FuncTool adapts a plain Go function into a Tool.
type FuncTool struct {
	name        string
	description string
	parameters  map[string]any
	fn          func(ctx context.Context, args map[string]any) (string, error)
}

// NewFuncTool constructs a FuncTool from explicit schema and function.
func NewFuncTool(name, description string, parameters map[string]any,
	fn func(ctx context.Context, args map[string]any) (string, error)) *FuncTool {
	return &FuncTool{name: name, description: description, parameters: parameters, fn: fn}
}

func (t *FuncTool) Name() string               { return t.name }
func (t *FuncTool) Description() string        { return t.description }
func (t *FuncTool) Parameters() map[string]any { return t.parameters }

func (t *FuncTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	return t.fn(ctx, args)
}
