// ABOUTME: Tests for TOML roster loading and validation

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRoster(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "roster.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const sampleRoster = `
[agents.Lead]
name = "Lead"
provider = "anthropic"
model = "claude-sonnet-4-20250514"
personality = "Decisive."
skills = ["planning"]

[agents.dev]
name = "Dev"
provider = "openai"
model = "gpt-4o-mini"

[teams.eng]
name = "Engineering"
leader = "LEAD"
members = ["dev"]
description = "Builds things"
`

func TestLoadRosterNormalizesIDs(t *testing.T) {
	roster, err := LoadRoster(writeRoster(t, sampleRoster))
	require.NoError(t, err)

	assert.True(t, roster.HasAgent("lead"))
	assert.True(t, roster.HasAgent("dev"))
	assert.False(t, roster.HasAgent("Lead"), "lookups use lowercase ids")

	team, ok := roster.Team("eng")
	require.True(t, ok)
	assert.Equal(t, "lead", team.Leader)
	assert.Equal(t, []string{"dev"}, team.Members)
}

func TestLoadRosterTeamOf(t *testing.T) {
	roster, err := LoadRoster(writeRoster(t, sampleRoster))
	require.NoError(t, err)

	teamID, team, ok := roster.TeamOf("dev")
	require.True(t, ok)
	assert.Equal(t, "eng", teamID)
	assert.Equal(t, "Engineering", team.Name)

	_, _, ok = roster.TeamOf("nobody")
	assert.False(t, ok)
}

func TestLoadRosterDisplayName(t *testing.T) {
	roster, err := LoadRoster(writeRoster(t, sampleRoster))
	require.NoError(t, err)
	assert.Equal(t, "Dev", roster.DisplayName("dev"))
	assert.Equal(t, "ghost", roster.DisplayName("ghost"))
}

func TestLoadRosterRejectsUnknownLeader(t *testing.T) {
	_, err := LoadRoster(writeRoster(t, `
[agents.dev]
name = "Dev"
provider = "openai"
model = "gpt-4o-mini"

[teams.eng]
name = "Engineering"
leader = "ghost"
members = ["dev"]
`))
	assert.ErrorContains(t, err, "leader")
}

func TestLoadRosterRejectsUnknownMember(t *testing.T) {
	_, err := LoadRoster(writeRoster(t, `
[agents.lead]
name = "Lead"
provider = "openai"
model = "gpt-4o-mini"

[teams.eng]
name = "Engineering"
leader = "lead"
members = ["ghost"]
`))
	assert.ErrorContains(t, err, "member")
}

func TestLoadRosterRejectsMissingProvider(t *testing.T) {
	_, err := LoadRoster(writeRoster(t, `
[agents.dev]
name = "Dev"
model = "gpt-4o-mini"
`))
	assert.ErrorContains(t, err, "provider")
}

func TestLoadRosterRejectsEmpty(t *testing.T) {
	_, err := LoadRoster(writeRoster(t, ""))
	assert.ErrorContains(t, err, "no agents")
}
