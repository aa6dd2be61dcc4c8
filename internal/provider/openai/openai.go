// ABOUTME: OpenAI Chat Completions adapter behind the provider interface
// ABOUTME: Maps tool calling both directions and classifies API errors for retry

package openai

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/2389/agency-relay/internal/provider"
)

const defaultMaxTokens = 4096

// Provider wraps the OpenAI Chat Completions API.
type Provider struct {
	client *openai.Client
}

// New creates a Provider using the given API key. An empty key falls back
// to the SDK's environment lookup.
func New(apiKey string) *Provider {
	var clientOpts []option.RequestOption
	if apiKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(apiKey))
	}
	client := openai.NewClient(clientOpts...)
	return &Provider{client: &client}
}

// Name implements provider.Provider.
func (p *Provider) Name() string { return "openai" }

// Complete implements provider.Provider.
func (p *Provider) Complete(ctx context.Context, req provider.Request) (*provider.Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	params := openai.ChatCompletionNewParams{
		Model:               req.Model,
		Messages:            buildMessages(req),
		MaxCompletionTokens: openai.Int(maxTokens),
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	if len(req.Tools) > 0 {
		tools := make([]openai.ChatCompletionToolParam, len(req.Tools))
		for i, def := range req.Tools {
			tools[i] = openai.ChatCompletionToolParam{
				Type: "function",
				Function: openai.FunctionDefinitionParam{
					Name:        def.Name,
					Description: openai.String(def.Description),
					Parameters:  def.Parameters,
				},
			}
		}
		params.Tools = tools
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, classify(err)
	}
	if len(resp.Choices) == 0 {
		return nil, &provider.Error{
			Provider: "openai",
			Err:      fmt.Errorf("no choices returned"),
		}
	}

	choice := resp.Choices[0]
	out := &provider.Response{
		Text:       choice.Message.Content,
		StopReason: choice.FinishReason,
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, provider.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return out, nil
}

// buildMessages converts neutral messages into OpenAI chat messages,
// attaching tool responses immediately after the assistant tool calls
// they answer.
func buildMessages(req provider.Request) []openai.ChatCompletionMessageParamUnion {
	var messages []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case provider.RoleAssistant:
			if len(m.ToolCalls) == 0 {
				messages = append(messages, openai.AssistantMessage(m.Content))
				continue
			}
			toolCalls := make([]openai.ChatCompletionMessageToolCallParam, len(m.ToolCalls))
			for i, call := range m.ToolCalls {
				toolCalls[i] = openai.ChatCompletionMessageToolCallParam{
					ID:   call.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      call.Name,
						Arguments: call.Arguments,
					},
				}
			}
			messages = append(messages,
				openai.ChatCompletionMessageParamUnion{OfAssistant: &openai.ChatCompletionAssistantMessageParam{
					Role:      "assistant",
					ToolCalls: toolCalls,
				}})
		case provider.RoleTool:
			for _, res := range m.ToolResults {
				messages = append(messages, openai.ToolMessage(res.Content, res.CallID))
			}
		default:
			if m.Content != "" {
				messages = append(messages, openai.UserMessage(m.Content))
			}
		}
	}
	return messages
}

// classify wraps an SDK error with retry classification.
func classify(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return &provider.Error{
			Provider:   "openai",
			StatusCode: apiErr.StatusCode,
			Transient:  provider.TransientStatus(apiErr.StatusCode),
			Err:        err,
		}
	}
	// Network-level failures have no status; treat them as transient.
	return &provider.Error{
		Provider:  "openai",
		Transient: true,
		Err:       fmt.Errorf("openai api error: %w", err),
	}
}
