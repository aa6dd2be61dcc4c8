// ABOUTME: Built-in tools available to every agent
// ABOUTME: Small deterministic helpers useful in multi-agent exchanges

package tools

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// RegisterBuiltins adds the default tool set to a registry.
func RegisterBuiltins(r *Registry) error {
	builtins := []Tool{
		NewFuncTool(
			"current_time",
			"Get the current date and time in UTC",
			map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
			func(ctx context.Context, args map[string]any) (string, error) {
				return time.Now().UTC().Format(time.RFC3339), nil
			},
		),
		NewFuncTool(
			"word_count",
			"Count the words in a piece of text",
			map[string]any{
				"type": "object",
				"properties": map[string]any{
					"text": map[string]any{
						"type":        "string",
						"description": "The text to count words in",
					},
				},
				"required": []string{"text"},
			},
			func(ctx context.Context, args map[string]any) (string, error) {
				text, ok := args["text"].(string)
				if !ok {
					return "", NewToolError("word_count", "text argument must be a string", "VALIDATION_ERROR")
				}
				return fmt.Sprintf("%d", len(strings.Fields(text))), nil
			},
		),
	}
	for _, t := range builtins {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}
