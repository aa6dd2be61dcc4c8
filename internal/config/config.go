// ABOUTME: Configuration loading and parsing for agency-relay
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete agency-relay configuration
type Config struct {
	Queue         QueueConfig         `yaml:"queue"`
	Database      DatabaseConfig      `yaml:"database"`
	Conversations ConversationsConfig `yaml:"conversations"`
	Invoker       InvokerConfig       `yaml:"invoker"`
	Routing       RoutingConfig       `yaml:"routing"`
	Providers     ProvidersConfig     `yaml:"providers"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// QueueConfig holds the file queue location and retry tuning
type QueueConfig struct {
	Path        string `yaml:"path"`
	MaxAttempts int    `yaml:"max_attempts"`

	ReclaimAfter time.Duration `yaml:"-"`
	PollInterval time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	ReclaimAfterRaw string `yaml:"reclaim_after"`
	PollIntervalRaw string `yaml:"poll_interval"`
}

// DatabaseConfig holds the conversation ledger database path
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// ConversationsConfig holds loop protection and history tuning
type ConversationsConfig struct {
	MaxMessages   int `yaml:"max_messages"`
	MaxDepth      int `yaml:"max_depth"`
	HistoryWindow int `yaml:"history_window"`

	TargetTimeout time.Duration `yaml:"-"`

	TargetTimeoutRaw string `yaml:"target_timeout"`
}

// InvokerConfig holds provider call and tool loop tuning
type InvokerConfig struct {
	MaxToolIterations int `yaml:"max_tool_iterations"`
	ProviderRetries   int `yaml:"provider_retries"`

	BackoffBase    time.Duration `yaml:"-"`
	RequestTimeout time.Duration `yaml:"-"`

	BackoffBaseRaw    string `yaml:"backoff_base"`
	RequestTimeoutRaw string `yaml:"request_timeout"`
}

// RoutingConfig holds mention routing configuration
type RoutingConfig struct {
	DefaultAgent string `yaml:"default_agent"`
	RosterPath   string `yaml:"roster_path"`
}

// ProvidersConfig holds model provider credentials
type ProvidersConfig struct {
	AnthropicAPIKey string `yaml:"anthropic_api_key"`
	OpenAIAPIKey    string `yaml:"openai_api_key"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Queue.MaxAttempts == 0 {
		c.Queue.MaxAttempts = 3
	}
	if c.Queue.ReclaimAfterRaw == "" {
		c.Queue.ReclaimAfterRaw = "5m"
	}
	if c.Queue.PollIntervalRaw == "" {
		c.Queue.PollIntervalRaw = "2s"
	}
	if c.Conversations.MaxMessages == 0 {
		c.Conversations.MaxMessages = 50
	}
	if c.Conversations.MaxDepth == 0 {
		c.Conversations.MaxDepth = 5
	}
	if c.Conversations.HistoryWindow == 0 {
		c.Conversations.HistoryWindow = 20
	}
	if c.Conversations.TargetTimeoutRaw == "" {
		c.Conversations.TargetTimeoutRaw = "10m"
	}
	if c.Invoker.MaxToolIterations == 0 {
		c.Invoker.MaxToolIterations = 5
	}
	if c.Invoker.ProviderRetries == 0 {
		c.Invoker.ProviderRetries = 3
	}
	if c.Invoker.BackoffBaseRaw == "" {
		c.Invoker.BackoffBaseRaw = "1s"
	}
	if c.Invoker.RequestTimeoutRaw == "" {
		c.Invoker.RequestTimeoutRaw = "60s"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Queue.Path == "" {
		return fmt.Errorf("queue.path is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Routing.RosterPath == "" {
		return fmt.Errorf("routing.roster_path is required")
	}
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("queue.max_attempts must be at least 1")
	}
	if c.Conversations.MaxMessages < 1 {
		return fmt.Errorf("conversations.max_messages must be at least 1")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Queue.ReclaimAfterRaw != "" {
		cfg.Queue.ReclaimAfter, err = time.ParseDuration(cfg.Queue.ReclaimAfterRaw)
		if err != nil {
			return fmt.Errorf("parsing reclaim_after %q: %w", cfg.Queue.ReclaimAfterRaw, err)
		}
	}

	if cfg.Queue.PollIntervalRaw != "" {
		cfg.Queue.PollInterval, err = time.ParseDuration(cfg.Queue.PollIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing poll_interval %q: %w", cfg.Queue.PollIntervalRaw, err)
		}
	}

	if cfg.Conversations.TargetTimeoutRaw != "" {
		cfg.Conversations.TargetTimeout, err = time.ParseDuration(cfg.Conversations.TargetTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing target_timeout %q: %w", cfg.Conversations.TargetTimeoutRaw, err)
		}
	}

	if cfg.Invoker.BackoffBaseRaw != "" {
		cfg.Invoker.BackoffBase, err = time.ParseDuration(cfg.Invoker.BackoffBaseRaw)
		if err != nil {
			return fmt.Errorf("parsing backoff_base %q: %w", cfg.Invoker.BackoffBaseRaw, err)
		}
	}

	if cfg.Invoker.RequestTimeoutRaw != "" {
		cfg.Invoker.RequestTimeout, err = time.ParseDuration(cfg.Invoker.RequestTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing request_timeout %q: %w", cfg.Invoker.RequestTimeoutRaw, err)
		}
	}

	return nil
}
