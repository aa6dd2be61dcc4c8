// Package config handles configuration loading for agency-relay.
//
// # Overview
//
// Configuration is loaded from a YAML file with environment variable
// expansion, plus a TOML roster describing agents and teams. The package
// provides validation and sensible defaults.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from AGENCY_RELAY_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/agency-relay/relay.yaml
//  3. ~/.config/agency-relay/relay.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	providers:
//	  anthropic_api_key: "${ANTHROPIC_API_KEY}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	queue:
//	  reclaim_after: "5m"
//	  poll_interval: "2s"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Queue:
//
//	queue:
//	  path: "/var/lib/agency-relay/queue"
//	  max_attempts: 3
//	  reclaim_after: "5m"
//	  poll_interval: "2s"
//
// Database:
//
//	database:
//	  path: "/var/lib/agency-relay/relay.db"
//
// Conversations:
//
//	conversations:
//	  max_messages: 50
//	  max_depth: 5
//	  history_window: 20
//	  target_timeout: "10m"
//
// Invoker:
//
//	invoker:
//	  max_tool_iterations: 5
//	  provider_retries: 3
//	  backoff_base: "1s"
//	  request_timeout: "60s"
//
// Routing:
//
//	routing:
//	  default_agent: "helper"
//	  roster_path: "/etc/agency-relay/roster.toml"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Roster File
//
// Agents and teams live in a TOML roster:
//
//	[agents.helper]
//	name = "Helper"
//	provider = "anthropic"
//	model = "claude-sonnet-4-5"
//	personality = "Friendly and concise."
//	skills = ["general assistance"]
//
//	[teams.support]
//	name = "Support"
//	leader = "helper"
//	members = ["researcher"]
//
// Agent and team ids are case-insensitive and normalized to lowercase.
// Team leaders and members must be declared agents.
//
// # Validation
//
// Load() validates:
//
//   - Required paths (queue.path, database.path, routing.roster_path)
//   - Duration format validity
//
// LoadRoster() validates:
//
//   - Agent name, provider, and model presence
//   - Team leader and member references
//
// # Usage
//
// Load configuration:
//
//	cfg, err := config.Load(path)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	roster, err := config.LoadRoster(cfg.Routing.RosterPath)
package config
