// ABOUTME: Helpers for decoding model-emitted tool argument payloads

package tools

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ParseArguments decodes a JSON argument payload as emitted by a model.
// An empty payload means no arguments.
func ParseArguments(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("decoding tool arguments: %w", err)
	}
	return args, nil
}
