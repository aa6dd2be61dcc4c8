// ABOUTME: Agent invocation: persona prompt, history window, tool loop, retry
// ABOUTME: Provider calls retry transient failures with exponential backoff

package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/2389/agency-relay/internal/config"
	"github.com/2389/agency-relay/internal/provider"
	"github.com/2389/agency-relay/internal/store"
	"github.com/2389/agency-relay/internal/tools"
)

const truncationNote = "\n\n[Tool iteration limit reached; this response may be incomplete.]"

// Options tune the invoker. Zero values fall back to defaults.
type Options struct {
	MaxToolIterations int           // tool round-trips per invocation (default 5)
	ProviderRetries   int           // retries after the initial call (default 3)
	BackoffBase       time.Duration // first retry delay, doubled per retry (default 1s)
	RequestTimeout    time.Duration // per provider call (default 60s)
}

// ToolTrace observes tool executions during an invocation so the caller
// can record them in the conversation transcript.
type ToolTrace func(call provider.ToolCall, result provider.ToolResult)

// Invoker runs one agent against a conversation history. It owns prompt
// construction, the tool calling loop, and provider retry.
type Invoker struct {
	roster    *config.Roster
	providers *provider.Registry
	registry  *tools.Registry
	opts      Options
	logger    *slog.Logger

	// sleep is swapped in tests to avoid real backoff delays.
	sleep func(time.Duration)
}

// NewInvoker builds an Invoker over the given roster, providers, and tools.
func NewInvoker(roster *config.Roster, providers *provider.Registry, registry *tools.Registry, opts Options, logger *slog.Logger) *Invoker {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxToolIterations <= 0 {
		opts.MaxToolIterations = 5
	}
	if opts.ProviderRetries <= 0 {
		opts.ProviderRetries = 3
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Second
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	return &Invoker{
		roster:    roster,
		providers: providers,
		registry:  registry,
		opts:      opts,
		logger:    logger.With("component", "invoker"),
		sleep:     time.Sleep,
	}
}

// Invoke runs agentID against the history window and returns its response
// text. notice, when non-empty, is appended as a final system-style user
// turn (pending-response notices). trace may be nil.
func (inv *Invoker) Invoke(ctx context.Context, agentID string, history []*store.Message, notice string, trace ToolTrace) (string, error) {
	agent, ok := inv.roster.Agent(agentID)
	if !ok {
		return "", fmt.Errorf("agent %q is not in the roster", agentID)
	}
	backend, err := inv.providers.Get(agent.Provider)
	if err != nil {
		return "", err
	}

	messages := inv.buildMessages(agentID, history, notice)
	defs := inv.toolDefinitions(agent)

	var text strings.Builder
	for iteration := 0; iteration < inv.opts.MaxToolIterations; iteration++ {
		req := provider.Request{
			Model:    agent.Model,
			System:   inv.systemPrompt(agentID, agent),
			Messages: messages,
			Tools:    defs,
		}

		resp, err := inv.completeWithRetry(ctx, backend, req)
		if err != nil {
			return "", err
		}
		if resp.Text != "" {
			if text.Len() > 0 {
				text.WriteString("\n")
			}
			text.WriteString(resp.Text)
		}
		if len(resp.ToolCalls) == 0 {
			return text.String(), nil
		}

		messages = append(messages, provider.Message{
			Role:      provider.RoleAssistant,
			Content:   resp.Text,
			ToolCalls: resp.ToolCalls,
		})
		results := make([]provider.ToolResult, 0, len(resp.ToolCalls))
		for _, call := range resp.ToolCalls {
			result := inv.runTool(ctx, agentID, call)
			if trace != nil {
				trace(call, result)
			}
			results = append(results, result)
		}
		messages = append(messages, provider.Message{
			Role:        provider.RoleTool,
			ToolResults: results,
		})
	}

	// The model is still asking for tools after the last allowed round.
	inv.logger.Warn("tool iteration limit reached", "agent_id", agentID)
	return text.String() + truncationNote, nil
}

// completeWithRetry calls the provider, retrying transient failures with
// exponential backoff. Non-transient failures return immediately.
func (inv *Invoker) completeWithRetry(ctx context.Context, backend provider.Provider, req provider.Request) (*provider.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= inv.opts.ProviderRetries; attempt++ {
		if attempt > 0 {
			delay := inv.opts.BackoffBase << (attempt - 1)
			inv.logger.Warn("retrying provider call",
				"provider", backend.Name(), "attempt", attempt, "delay", delay, "error", lastErr)
			inv.sleep(delay)
		}
		callCtx, cancel := context.WithTimeout(ctx, inv.opts.RequestTimeout)
		resp, err := backend.Complete(callCtx, req)
		cancel()
		if err == nil {
			return resp, nil
		}
		if !provider.IsTransient(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("provider retries exhausted: %w", lastErr)
}

// runTool executes one tool call. Failures become error results handed
// back to the model; they never abort the invocation.
func (inv *Invoker) runTool(ctx context.Context, agentID string, call provider.ToolCall) provider.ToolResult {
	args, err := tools.ParseArguments(call.Arguments)
	if err != nil {
		inv.logger.Warn("malformed tool arguments",
			"agent_id", agentID, "tool", call.Name, "error", err)
		return provider.ToolResult{
			CallID:  call.ID,
			Name:    call.Name,
			Content: fmt.Sprintf("invalid arguments: %v", err),
			IsError: true,
		}
	}

	output, err := inv.registry.Execute(ctx, call.Name, args)
	if err != nil {
		inv.logger.Warn("tool execution failed",
			"agent_id", agentID, "tool", call.Name, "error", err)
		return provider.ToolResult{
			CallID:  call.ID,
			Name:    call.Name,
			Content: err.Error(),
			IsError: true,
		}
	}
	return provider.ToolResult{CallID: call.ID, Name: call.Name, Content: output}
}

// systemPrompt assembles the agent's identity, skills, team context, and
// the directed mention syntax teammates are addressed with.
func (inv *Invoker) systemPrompt(agentID string, agent config.Agent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s (@%s).", agent.Name, agentID)
	if agent.Personality != "" {
		fmt.Fprintf(&b, " %s", agent.Personality)
	}
	if len(agent.Skills) > 0 {
		fmt.Fprintf(&b, "\n\nYour skills: %s.", strings.Join(agent.Skills, ", "))
	}

	if teamID, team, ok := inv.roster.TeamOf(agentID); ok {
		fmt.Fprintf(&b, "\n\nYou are part of the %s team (@%s).", team.Name, teamID)
		var mates []string
		for _, member := range append([]string{team.Leader}, team.Members...) {
			if member == agentID {
				continue
			}
			mates = append(mates, fmt.Sprintf("%s (@%s)", inv.roster.DisplayName(member), member))
		}
		if len(mates) > 0 {
			fmt.Fprintf(&b, " Your teammates: %s.", strings.Join(mates, ", "))
		}
		b.WriteString("\n\nTo send a message to a teammate, include [@agent_id: your message] " +
			"in your response. The text outside those blocks is shared with every teammate " +
			"you address. Only mention a teammate when you need something from them.")
	}

	b.WriteString("\n\nAnswer concisely and stay in character.")
	return b.String()
}

// buildMessages converts the transcript window into provider messages
// from agentID's point of view. Tool rows are transcript records only and
// are not replayed.
func (inv *Invoker) buildMessages(agentID string, history []*store.Message, notice string) []provider.Message {
	var messages []provider.Message
	for _, msg := range history {
		switch msg.Kind {
		case store.KindMessage:
			messages = append(messages, provider.Message{
				Role:    provider.RoleUser,
				Content: fmt.Sprintf("%s: %s", msg.Author, msg.Content),
			})
		case store.KindResponse:
			if msg.AgentID == agentID {
				messages = append(messages, provider.Message{
					Role:    provider.RoleAssistant,
					Content: msg.Content,
				})
				continue
			}
			messages = append(messages, provider.Message{
				Role: provider.RoleUser,
				Content: fmt.Sprintf("%s (@%s): %s",
					inv.roster.DisplayName(msg.AgentID), msg.AgentID, msg.Content),
			})
		case store.KindNotice:
			messages = append(messages, provider.Message{
				Role:    provider.RoleUser,
				Content: "[system] " + msg.Content,
			})
		}
	}
	if notice != "" {
		if n := len(messages); n > 0 && messages[n-1].Role == provider.RoleUser {
			messages[n-1].Content += notice
		} else {
			messages = append(messages, provider.Message{
				Role:    provider.RoleUser,
				Content: strings.TrimSpace(notice),
			})
		}
	}
	return messages
}

func (inv *Invoker) toolDefinitions(agent config.Agent) []provider.ToolDefinition {
	defs := inv.registry.Describe(agent.Tools)
	out := make([]provider.ToolDefinition, len(defs))
	for i, d := range defs {
		out[i] = provider.ToolDefinition{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  d.Parameters,
		}
	}
	return out
}
