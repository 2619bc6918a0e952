// Package tools provides the in-process tool registry. Tools registered here
// run locally instead of going to the MCP endpoint.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrToolNotFound is returned when executing an unregistered tool.
var ErrToolNotFound = errors.New("tool not found")

// ToolHandler is a function that executes a tool.
type ToolHandler func(ctx context.Context, params map[string]any) (map[string]any, error)

// ToolDefinition defines a tool's metadata and handler.
type ToolDefinition struct {
	Name        string
	Description string
	Keywords    []string
	Handler     ToolHandler
}

// StatusError is a tool failure reported in-band: the call completed and the
// caller receives Status with Data instead of an error.
type StatusError struct {
	Status  int
	Message string
	Data    map[string]any
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("tool failed with status %d: %s", e.Status, e.Message)
}

// NewStatusError creates a StatusError.
func NewStatusError(status int, message string, data map[string]any) *StatusError {
	return &StatusError{Status: status, Message: message, Data: data}
}

// Registry executes tools by name.
type Registry struct {
	tools map[string]*ToolDefinition
	mu    sync.RWMutex
}

// NewRegistry creates a new Registry.
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]*ToolDefinition),
	}
}

// Register registers a tool, replacing any tool with the same name.
func (r *Registry) Register(def *ToolDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool handler is required for '%s'", def.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.tools[def.Name] = def
	return nil
}

// Execute executes a tool by name.
func (r *Registry) Execute(ctx context.Context, toolName string, params map[string]any) (map[string]any, error) {
	r.mu.RLock()
	def, exists := r.tools[toolName]
	r.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, toolName)
	}
	if params == nil {
		params = map[string]any{}
	}

	ReportProgress(ctx, "tool_start", map[string]any{"tool": toolName})
	result, err := def.Handler(ctx, params)
	ReportProgress(ctx, "tool_end", map[string]any{"tool": toolName, "ok": err == nil})
	return result, err
}

// Has checks if a tool is registered.
func (r *Registry) Has(toolName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.tools[toolName]
	return exists
}

// List returns all registered tool names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns copies of all definitions sorted by name.
func (r *Registry) Definitions() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ToolDefinition, 0, len(r.tools))
	for _, def := range r.tools {
		out = append(out, *def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// GetDefinition gets a tool definition by name.
func (r *Registry) GetDefinition(toolName string) *ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[toolName]
}

// =============================================================================
// PROGRESS
// =============================================================================

// ProgressFunc receives progress events from a running tool.
type ProgressFunc func(eventType string, payload map[string]any)

type progressKey struct{}

// WithProgress attaches a progress callback to ctx.
func WithProgress(ctx context.Context, fn ProgressFunc) context.Context {
	if fn == nil {
		return ctx
	}
	return context.WithValue(ctx, progressKey{}, fn)
}

// ReportProgress sends a progress event to the callback attached to ctx, if any.
func ReportProgress(ctx context.Context, eventType string, payload map[string]any) {
	if fn, ok := ctx.Value(progressKey{}).(ProgressFunc); ok {
		fn(eventType, payload)
	}
}
