// ABOUTME: Entry point for the agency-relay message queue daemon
// ABOUTME: Runs agent chains and provides send/status/poll subcommands

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/agency-relay/internal/agent"
	"github.com/2389/agency-relay/internal/config"
	"github.com/2389/agency-relay/internal/conversation"
	"github.com/2389/agency-relay/internal/dedupe"
	"github.com/2389/agency-relay/internal/dispatch"
	"github.com/2389/agency-relay/internal/envelope"
	"github.com/2389/agency-relay/internal/mention"
	"github.com/2389/agency-relay/internal/provider"
	providerAnthropic "github.com/2389/agency-relay/internal/provider/anthropic"
	providerOpenAI "github.com/2389/agency-relay/internal/provider/openai"
	"github.com/2389/agency-relay/internal/queue"
	"github.com/2389/agency-relay/internal/store"
	"github.com/2389/agency-relay/internal/tools"
)

// version is overridden with -ldflags at release build time.
var version = "dev"

const banner = `
                                                       _
  __ _  __ _  ___ _ __   ___ _   _       _ __ ___| | __ _ _   _
 / _' |/ _' |/ _ \ '_ \ / __| | | |_____| '__/ _ \ |/ _' | | | |
| (_| | (_| |  __/ | | | (__| |_| |_____| | |  __/ | (_| | |_| |
 \__,_|\__, |\___|_| |_|\___|\__, |     |_|  \___|_|\__,_|\__, |
       |___/                 |___/                        |___/
`

// getConfigPath returns the path to the relay config file.
// Priority: AGENCY_RELAY_CONFIG env var > XDG_CONFIG_HOME/agency-relay/relay.yaml > ~/.config/agency-relay/relay.yaml
func getConfigPath() string {
	if envPath := os.Getenv("AGENCY_RELAY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "relay.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "agency-relay", "relay.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: agency-relay <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                      Start the relay and its agent chains")
		fmt.Println("  send --sender NAME MSG     Push a message into the queue")
		fmt.Println("  poll                       Print and acknowledge deliverable replies")
		fmt.Println("  status                     Show queue depths")
		fmt.Println("  reset [CONVERSATION_ID]    Close a conversation, or all active ones")
		fmt.Println("  init                       Write a starter config and roster")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "send":
		err = runSend(ctx)
	case "poll":
		err = runPoll(ctx)
	case "status":
		err = runStatus()
	case "reset":
		err = runReset(ctx)
	case "init":
		err = runInit()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	svc, err := buildService(cfg, logger, true)
	if err != nil {
		return err
	}
	defer svc.close()

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:  %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Queue:   %s\n", cfg.Queue.Path)
	green.Print("    ▶ ")
	fmt.Printf("Ledger:  %s\n", cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Printf("Agents:  %d", len(svc.roster.Agents))
	if len(svc.roster.Teams) > 0 {
		gray.Printf(" (%d teams)", len(svc.roster.Teams))
	}
	fmt.Println()
	fmt.Println()

	logger.Info("starting agency-relay",
		"config", configPath,
		"queue", cfg.Queue.Path,
		"agents", len(svc.roster.Agents),
	)

	return svc.dispatcher.Run(ctx)
}

func runSend(ctx context.Context) error {
	sender := "user"
	channel := "cli"
	var parts []string
	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--sender" || arg == "-s":
			if i+1 >= len(args) {
				return fmt.Errorf("--sender requires a value")
			}
			sender = args[i+1]
			i++
		case strings.HasPrefix(arg, "--sender="):
			sender = strings.TrimPrefix(arg, "--sender=")
		case arg == "--channel" || arg == "-c":
			if i+1 >= len(args) {
				return fmt.Errorf("--channel requires a value")
			}
			channel = args[i+1]
			i++
		case strings.HasPrefix(arg, "--channel="):
			channel = strings.TrimPrefix(arg, "--channel=")
		case strings.HasPrefix(arg, "-"):
			return fmt.Errorf("unknown flag: %s", arg)
		default:
			parts = append(parts, arg)
		}
	}
	body := strings.TrimSpace(strings.Join(parts, " "))
	if body == "" {
		return fmt.Errorf("message body is required")
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := setupLogger(cfg.Logging)

	// Intake only: the serve process picks up the enqueued envelopes via
	// its poll fallback.
	svc, err := buildService(cfg, logger, false)
	if err != nil {
		return err
	}
	defer svc.close()

	env := &envelope.Envelope{
		Channel: channel,
		Sender:  sender,
		Body:    body,
	}
	conv, err := svc.dispatcher.Push(ctx, env)
	if err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Print("  ✓ ")
	fmt.Printf("Accepted envelope %s\n", env.ID)
	if conv != nil {
		fmt.Printf("    conversation: %s\n", conv.ID)
		fmt.Printf("    pending:      %d\n", conv.Pending)
	}
	return nil
}

func runPoll(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := setupLogger(cfg.Logging)

	svc, err := buildService(cfg, logger, false)
	if err != nil {
		return err
	}
	defer svc.close()

	replies, err := svc.dispatcher.PollOutgoing()
	if err != nil {
		return err
	}
	if len(replies) == 0 {
		fmt.Println("no deliverable replies")
		return nil
	}

	cyan := color.New(color.FgCyan)
	for _, env := range replies {
		cyan.Printf("── %s", env.ID)
		fmt.Printf("  (conversation %s)\n", env.ConversationID)
		fmt.Println(env.Result)
		fmt.Println()
		if err := svc.dispatcher.Ack(env); err != nil {
			return fmt.Errorf("acknowledging %s: %w", env.ID, err)
		}
	}
	return nil
}

func runStatus() error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := setupLogger(cfg.Logging)

	svc, err := buildService(cfg, logger, false)
	if err != nil {
		return err
	}
	defer svc.close()

	depths, err := svc.dispatcher.Depths()
	if err != nil {
		return err
	}
	for _, state := range []envelope.State{
		envelope.StateIncoming, envelope.StateProcessing,
		envelope.StateOutgoing, envelope.StateDeadLetter,
	} {
		fmt.Printf("%-12s %d\n", state, depths[state])
	}
	return nil
}

func runReset(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := setupLogger(cfg.Logging)

	svc, err := buildService(cfg, logger, false)
	if err != nil {
		return err
	}
	defer svc.close()

	green := color.New(color.FgGreen)
	if len(os.Args) > 2 {
		id := os.Args[2]
		if err := svc.tracker.Reset(ctx, id); err != nil {
			return fmt.Errorf("resetting conversation %s: %w", id, err)
		}
		green.Print("  ✓ ")
		fmt.Printf("Closed conversation %s\n", id)
		return nil
	}

	n, err := svc.tracker.ResetAll(ctx)
	if err != nil {
		return fmt.Errorf("resetting conversations: %w", err)
	}
	green.Print("  ✓ ")
	fmt.Printf("Closed %d active conversations\n", n)
	return nil
}

func runInit() error {
	configPath := getConfigPath()
	configDir := filepath.Dir(configPath)
	rosterPath := filepath.Join(configDir, "roster.toml")

	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists: %s", configPath)
	}
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	configContent := fmt.Sprintf(`# agency-relay configuration
# Generated by agency-relay init

queue:
  path: "%s"
  max_attempts: 3
  reclaim_after: "5m"
  poll_interval: "2s"

database:
  path: "%s"

conversations:
  max_messages: 50
  max_depth: 5
  history_window: 20
  target_timeout: "10m"

invoker:
  max_tool_iterations: 5
  provider_retries: 3
  backoff_base: "1s"
  request_timeout: "60s"

routing:
  default_agent: "helper"
  roster_path: "%s"

providers:
  anthropic_api_key: "${ANTHROPIC_API_KEY}"
  openai_api_key: "${OPENAI_API_KEY}"

logging:
  level: "info"
  format: "text"
`, filepath.Join(configDir, "queue"), filepath.Join(configDir, "relay.db"), rosterPath)

	rosterContent := `# agency-relay roster
# Generated by agency-relay init

[agents.helper]
name = "Helper"
provider = "anthropic"
model = "claude-sonnet-4-20250514"
personality = "You are a friendly generalist who answers clearly and briefly."
skills = ["general questions", "summaries"]

[agents.researcher]
name = "Researcher"
provider = "openai"
model = "gpt-4o-mini"
personality = "You are a meticulous researcher who cites what you know."
skills = ["research", "fact checking"]

[teams.support]
name = "Support"
leader = "helper"
members = ["researcher"]
description = "General question answering"
`

	if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	if err := os.WriteFile(rosterPath, []byte(rosterContent), 0644); err != nil {
		return fmt.Errorf("writing roster file: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Created config: %s\n", configPath)
	green.Printf("  ✓ Created roster: %s\n", rosterPath)
	fmt.Println("\nTo start the relay:")
	fmt.Println("  agency-relay serve")
	return nil
}

// service bundles the wired components so subcommands share one setup
// path.
type service struct {
	roster     *config.Roster
	queue      *queue.Store
	ledger     store.Store
	tracker    *conversation.Tracker
	dedupe     *dedupe.Cache
	dispatcher *dispatch.Dispatcher
}

func (s *service) close() {
	s.dedupe.Close()
	if err := s.ledger.Close(); err != nil {
		slog.Warn("closing ledger", "error", err)
	}
}

// buildService wires the queue, ledger, tracker, router, and dispatcher.
// withInvoker is false for intake-only commands, which never call a model
// provider and need no API keys.
func buildService(cfg *config.Config, logger *slog.Logger, withInvoker bool) (*service, error) {
	slog.SetDefault(logger)

	roster, err := config.LoadRoster(cfg.Routing.RosterPath)
	if err != nil {
		return nil, fmt.Errorf("loading roster: %w", err)
	}
	if d := cfg.Routing.DefaultAgent; d != "" && !roster.HasAgent(d) {
		return nil, fmt.Errorf("default agent %q is not in the roster", d)
	}

	q, err := queue.Open(cfg.Queue.Path, queue.Options{MaxAttempts: cfg.Queue.MaxAttempts}, logger)
	if err != nil {
		return nil, fmt.Errorf("opening queue: %w", err)
	}

	ledger, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}

	tracker := conversation.New(ledger, conversation.Options{
		MaxMessages:   cfg.Conversations.MaxMessages,
		MaxDepth:      cfg.Conversations.MaxDepth,
		HistoryWindow: cfg.Conversations.HistoryWindow,
	}, logger)

	router := mention.NewRouter(roster, cfg.Routing.DefaultAgent)
	dd := dedupe.New(time.Hour, 10000)

	var invoker *agent.Invoker
	if withInvoker {
		registry := tools.NewRegistry()
		if err := tools.RegisterBuiltins(registry); err != nil {
			ledger.Close()
			return nil, fmt.Errorf("registering tools: %w", err)
		}
		providers := provider.NewRegistry(
			providerAnthropic.New(cfg.Providers.AnthropicAPIKey),
			providerOpenAI.New(cfg.Providers.OpenAIAPIKey),
		)
		invoker = agent.NewInvoker(roster, providers, registry, agent.Options{
			MaxToolIterations: cfg.Invoker.MaxToolIterations,
			ProviderRetries:   cfg.Invoker.ProviderRetries,
			BackoffBase:       cfg.Invoker.BackoffBase,
			RequestTimeout:    cfg.Invoker.RequestTimeout,
		}, logger)
	}

	dispatcher := dispatch.New(q, tracker, router, invoker, roster, dd, dispatch.Options{
		PollInterval:  cfg.Queue.PollInterval,
		ReclaimAfter:  cfg.Queue.ReclaimAfter,
		TargetTimeout: cfg.Conversations.TargetTimeout,
	}, logger)

	return &service{
		roster:     roster,
		queue:      q,
		ledger:     ledger,
		tracker:    tracker,
		dedupe:     dd,
		dispatcher: dispatcher,
	}, nil
}
