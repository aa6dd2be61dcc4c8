// ABOUTME: Tokenizer for @agent and @team mentions plus [@agent: msg] directed blocks
// ABOUTME: Produces (target type, target id) pairs independent of roster resolution

package mention

import (
	"regexp"
	"strings"
)

// TargetType classifies a parsed mention before roster resolution.
type TargetType int

const (
	TargetAgent TargetType = iota
	TargetTeam
	TargetUnknown
)

// Token is one @identifier occurrence in a message body, in order.
type Token struct {
	Type TargetType
	ID   string
}

var (
	// @identifier at start of body or after whitespace.
	mentionRe = regexp.MustCompile(`(?:^|\s)@([a-zA-Z0-9_-]+)`)
	// [@identifier: directed message] blocks inside an agent response.
	directedRe = regexp.MustCompile(`\[@([a-zA-Z0-9_-]+):\s*([^\]]+)\]`)
)

// Tokenize extracts @identifier tokens from body in order of appearance.
// Identifiers are lowercased; classification against a roster happens later,
// so every token starts as TargetUnknown.
func Tokenize(body string) []Token {
	matches := mentionRe.FindAllStringSubmatch(body, -1)
	tokens := make([]Token, 0, len(matches))
	for _, m := range matches {
		tokens = append(tokens, Token{Type: TargetUnknown, ID: strings.ToLower(m[1])})
	}
	return tokens
}

// Directed is a teammate mention embedded in an agent response:
// [@agent_id: message for that agent].
type Directed struct {
	AgentID string
	Message string
}

// ExtractDirected returns the [@agent: message] blocks of a response in order.
func ExtractDirected(body string) []Directed {
	matches := directedRe.FindAllStringSubmatch(body, -1)
	out := make([]Directed, 0, len(matches))
	for _, m := range matches {
		out = append(out, Directed{
			AgentID: strings.ToLower(m[1]),
			Message: strings.TrimSpace(m[2]),
		})
	}
	return out
}

// SharedContext returns the response text outside of directed blocks. The
// shared part is prepended to every directed message so teammates see the
// surrounding explanation, not just their instruction.
func SharedContext(body string) string {
	return strings.TrimSpace(directedRe.ReplaceAllString(body, ""))
}

// ComposeDirected combines shared context with one directed message.
func ComposeDirected(shared, directed string) string {
	switch {
	case shared != "" && directed != "":
		return shared + "\n\n" + directed
	case shared != "":
		return shared
	default:
		return directed
	}
}

// StripLeadingMention removes a single leading @identifier from body,
// returning the remaining message. Routing keeps the mention in the stored
// envelope; this is used to build the text actually handed to an agent.
func StripLeadingMention(body string) string {
	trimmed := strings.TrimSpace(body)
	loc := mentionRe.FindStringIndex(trimmed)
	if loc == nil || loc[0] != 0 {
		return trimmed
	}
	return strings.TrimSpace(trimmed[loc[1]:])
}
