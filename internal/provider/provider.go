// ABOUTME: Provider-neutral model invocation types and error classification
// ABOUTME: Adapters translate these into the Anthropic and OpenAI wire formats

package provider

import (
	"context"
	"errors"
	"fmt"
)

// Role identifies who produced a message in a model exchange.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a model request to run one tool. Arguments is the raw JSON
// argument payload as emitted by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// ToolResult answers one ToolCall. IsError marks failed executions; the
// model sees the failure and may recover, the invocation continues.
type ToolResult struct {
	CallID  string
	Name    string
	Content string
	IsError bool
}

// Message is one turn of a model exchange.
type Message struct {
	Role        Role
	Content     string
	ToolCalls   []ToolCall   // assistant turns requesting tools
	ToolResults []ToolResult // tool turns answering them
}

// ToolDefinition describes one callable tool to the model.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Request is one model completion call.
type Request struct {
	Model       string
	System      string
	Messages    []Message
	Tools       []ToolDefinition
	MaxTokens   int64
	Temperature float64
}

// Response is the model's reply. A non-empty ToolCalls means the model
// wants tools run before it can finish.
type Response struct {
	Text       string
	ToolCalls  []ToolCall
	StopReason string
}

// Provider is a model backend capable of completing an exchange.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Error classifies a provider failure. Transient failures (rate limits,
// server errors, network faults) are retried with backoff; everything
// else fails the invocation immediately.
type Error struct {
	Provider   string
	StatusCode int
	Transient  bool
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s provider error (status %d): %v", e.Provider, e.StatusCode, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTransient reports whether err is a provider failure worth retrying.
func IsTransient(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Transient
	}
	return false
}

// TransientStatus reports whether an HTTP status indicates a retryable
// condition.
func TransientStatus(code int) bool {
	return code == 408 || code == 429 || code >= 500
}

// Registry maps provider names to backends.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry builds a registry from the given providers.
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	return r
}

// Get returns the named provider.
func (r *Registry) Get(name string) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("no provider registered for %q", name)
	}
	return p, nil
}
