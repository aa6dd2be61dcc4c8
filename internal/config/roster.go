// ABOUTME: Agent and team roster loading from TOML
// ABOUTME: Declares who exists, their personas, and team membership for routing

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/2389/agency-relay/internal/mention"
)

// Agent is one declared agent identity.
type Agent struct {
	Name        string   `toml:"name"`
	Provider    string   `toml:"provider"`
	Model       string   `toml:"model"`
	Personality string   `toml:"personality"`
	Skills      []string `toml:"skills"`
	Tools       []string `toml:"tools"`
}

// Team groups agents under a leader for @team mentions.
type Team struct {
	Name        string   `toml:"name"`
	Leader      string   `toml:"leader"`
	Members     []string `toml:"members"`
	Description string   `toml:"description"`
}

// Roster holds all declared agents and teams, keyed by lowercase id.
type Roster struct {
	Agents map[string]Agent `toml:"agents"`
	Teams  map[string]Team  `toml:"teams"`
}

// LoadRoster reads the roster from the given TOML path, expanding
// environment variables.
func LoadRoster(path string) (*Roster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading roster file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var roster Roster
	if _, err := toml.Decode(expanded, &roster); err != nil {
		return nil, fmt.Errorf("parsing roster: %w", err)
	}

	roster.normalize()

	if err := roster.Validate(); err != nil {
		return nil, fmt.Errorf("validating roster: %w", err)
	}

	return &roster, nil
}

// normalize lowercases every id so roster lookups match mention tokens.
func (r *Roster) normalize() {
	agents := make(map[string]Agent, len(r.Agents))
	for id, a := range r.Agents {
		agents[strings.ToLower(id)] = a
	}
	r.Agents = agents

	teams := make(map[string]Team, len(r.Teams))
	for id, t := range r.Teams {
		t.Leader = strings.ToLower(t.Leader)
		for i, m := range t.Members {
			t.Members[i] = strings.ToLower(m)
		}
		teams[strings.ToLower(id)] = t
	}
	r.Teams = teams
}

// Validate checks agent references and required fields.
func (r *Roster) Validate() error {
	if len(r.Agents) == 0 {
		return fmt.Errorf("roster declares no agents")
	}
	for id, a := range r.Agents {
		if a.Name == "" {
			return fmt.Errorf("agent %q: name is required", id)
		}
		if a.Provider == "" {
			return fmt.Errorf("agent %q: provider is required", id)
		}
		if a.Model == "" {
			return fmt.Errorf("agent %q: model is required", id)
		}
	}
	for id, t := range r.Teams {
		if t.Leader == "" {
			return fmt.Errorf("team %q: leader is required", id)
		}
		if _, ok := r.Agents[t.Leader]; !ok {
			return fmt.Errorf("team %q: leader %q is not a declared agent", id, t.Leader)
		}
		if _, ok := r.Teams[t.Leader]; ok {
			return fmt.Errorf("team %q: leader %q is a team, not an agent", id, t.Leader)
		}
		for _, m := range t.Members {
			if _, ok := r.Agents[m]; !ok {
				return fmt.Errorf("team %q: member %q is not a declared agent", id, m)
			}
		}
	}
	return nil
}

// HasAgent reports whether id names a declared agent.
func (r *Roster) HasAgent(id string) bool {
	_, ok := r.Agents[id]
	return ok
}

// Agent returns the declared agent for id.
func (r *Roster) Agent(id string) (Agent, bool) {
	a, ok := r.Agents[id]
	return a, ok
}

// Team returns the routing view of a team for mention expansion.
func (r *Roster) Team(id string) (mention.Team, bool) {
	t, ok := r.Teams[id]
	if !ok {
		return mention.Team{}, false
	}
	return mention.Team{ID: id, Leader: t.Leader, Members: t.Members}, true
}

// TeamOf returns the id of the first team containing agentID, for prompt
// construction. Empty when the agent belongs to no team.
func (r *Roster) TeamOf(agentID string) (string, Team, bool) {
	for id, t := range r.Teams {
		if t.Leader == agentID {
			return id, t, true
		}
		for _, m := range t.Members {
			if m == agentID {
				return id, t, true
			}
		}
	}
	return "", Team{}, false
}

// DisplayName returns the agent's human name, falling back to the id.
func (r *Roster) DisplayName(id string) string {
	if a, ok := r.Agents[id]; ok && a.Name != "" {
		return a.Name
	}
	return id
}
