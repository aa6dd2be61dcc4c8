// ABOUTME: Resolves mention tokens against the agent/team roster
// ABOUTME: Expands one inbound body into ordered, de-duplicated target agents

package mention

import "fmt"

// Team is the roster view the router needs: a leader plus ordered members.
type Team struct {
	ID      string
	Leader  string
	Members []string
}

// Roster answers identifier lookups during expansion. Implemented by the
// config package's roster.
type Roster interface {
	HasAgent(id string) bool
	Team(id string) (Team, bool)
}

// Resolved is one expansion target. Unknown targets produce an immediate
// error response for that target only, never a failure of the whole
// expansion.
type Resolved struct {
	AgentID string
	Via     string // team id when the target came from a team expansion
	Unknown bool
}

// Router expands message bodies into per-agent targets.
type Router struct {
	roster       Roster
	defaultAgent string
}

// NewRouter builds a Router. defaultAgent receives messages with no
// recognized mention; empty means such messages expand to nothing.
func NewRouter(roster Roster, defaultAgent string) *Router {
	return &Router{roster: roster, defaultAgent: defaultAgent}
}

// Expand resolves every mention in body. A team expands to its leader plus
// every member except sender, preserving mention order; duplicate agents
// collapse to a single target. A body without mentions routes to the
// default agent.
func (r *Router) Expand(body, sender string) []Resolved {
	tokens := Tokenize(body)
	if len(tokens) == 0 {
		if r.defaultAgent == "" {
			return nil
		}
		return []Resolved{{AgentID: r.defaultAgent}}
	}

	seen := make(map[string]bool)
	var out []Resolved
	add := func(res Resolved) {
		if res.AgentID == sender || seen[res.AgentID] {
			return
		}
		seen[res.AgentID] = true
		out = append(out, res)
	}

	for _, tok := range tokens {
		if team, ok := r.roster.Team(tok.ID); ok {
			add(Resolved{AgentID: team.Leader, Via: team.ID})
			for _, member := range team.Members {
				if member == team.Leader {
					continue
				}
				add(Resolved{AgentID: member, Via: team.ID})
			}
			continue
		}
		if r.roster.HasAgent(tok.ID) {
			add(Resolved{AgentID: tok.ID})
			continue
		}
		add(Resolved{AgentID: tok.ID, Unknown: true})
	}
	return out
}

// ValidateDirected filters directed teammate mentions from an agent
// response, splitting them into valid targets and unknown ids.
func (r *Router) ValidateDirected(directed []Directed, sender string) (valid []Directed, unknown []string) {
	seen := make(map[string]bool)
	for _, d := range directed {
		if d.AgentID == sender || seen[d.AgentID] {
			continue
		}
		seen[d.AgentID] = true
		if !r.roster.HasAgent(d.AgentID) {
			unknown = append(unknown, d.AgentID)
			continue
		}
		valid = append(valid, d)
	}
	return valid, unknown
}

// PendingNotice tells an agent other teammate responses are still in
// flight, preventing re-ask spirals where agents keep mentioning teammates
// who have not answered yet.
func PendingNotice(pending int) string {
	if pending <= 0 {
		return ""
	}
	if pending == 1 {
		return "\n\n[1 other teammate response is still being processed and will be " +
			"delivered when ready. Do not re-mention teammates who haven't responded yet.]"
	}
	return fmt.Sprintf("\n\n[%d other teammate responses are still being processed and will be "+
		"delivered when ready. Do not re-mention teammates who haven't responded yet.]", pending)
}
