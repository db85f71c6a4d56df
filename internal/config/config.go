// Package config loads the control plane's YAML configuration: a Config
// struct tree, Load/LoadOrDefault, an XDG-aware default path, and a Diff
// for sections safe to hot-reload.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration object.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Store   StoreConfig   `yaml:"store"`
	Auth    AuthConfig    `yaml:"auth"`
	Timeouts TimeoutsConfig `yaml:"timeouts"`
	Logging LoggingConfig `yaml:"logging"`
	Bus     BusConfig     `yaml:"bus"`
}

// ServerConfig controls the HTTP/WebSocket listener.
type ServerConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	MaxAgentConns  int      `yaml:"max_agent_connections"`
	MaxUIConns     int      `yaml:"max_ui_connections"`
}

// StoreConfig points at the persistent SQLite database.
type StoreConfig struct {
	DSN string `yaml:"dsn"`
}

// AuthConfig configures the bundled static bearer-token resolver.
type AuthConfig struct {
	// StaticTokens maps a bearer token to a role (admin|operator|observer)
	// for REST/UI callers. Agent tokens are issued separately via the
	// store's agent_tokens table.
	StaticTokens map[string]string `yaml:"static_tokens"`
}

// TimeoutsConfig carries every tunable duration in the system.
type TimeoutsConfig struct {
	CommandResult         time.Duration `yaml:"command_result"`          // default 30s
	HostCommandResult     time.Duration `yaml:"host_command_result"`     // default 15s
	TerminalIdle          time.Duration `yaml:"terminal_idle"`           // default 10m
	ApprovalTimeout       time.Duration `yaml:"approval_timeout"`
	OrchestratorThrottle  time.Duration `yaml:"orchestrator_throttle"`    // default 3000ms
	ApprovalPruneGrace    time.Duration `yaml:"approval_prune_grace"`    // default 60s
	HostStaleAfter        time.Duration `yaml:"host_stale_after"`
}

// LoggingConfig controls the global logger.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// BusConfig bounds per-socket outbound queues.
type BusConfig struct {
	OutboundQueueSize int `yaml:"outbound_queue_size"`
}

// Load reads and parses the YAML file at path over the default config.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// LoadOrDefault loads config from path, or returns the default config when
// path does not exist.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return defaultConfig(), nil
	}
	return Load(path)
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:          "127.0.0.1",
			Port:          8080,
			MaxAgentConns: 1000,
			MaxUIConns:    1000,
		},
		Store: StoreConfig{
			DSN: filepath.Join(defaultStateDir(), "agent-commander", "control-plane.db"),
		},
		Timeouts: TimeoutsConfig{
			CommandResult:        30 * time.Second,
			HostCommandResult:    15 * time.Second,
			TerminalIdle:         10 * time.Minute,
			ApprovalTimeout:      0, // 0 disables automatic approval timeout
			OrchestratorThrottle: 3000 * time.Millisecond,
			ApprovalPruneGrace:   60 * time.Second,
			HostStaleAfter:       2 * time.Minute,
		},
		Logging: LoggingConfig{
			Level: "info",
			JSON:  false,
		},
		Bus: BusConfig{
			OutboundQueueSize: 256,
		},
	}
}

func defaultStateDir() string {
	if v := os.Getenv("XDG_STATE_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".local", "state")
}

func defaultConfigDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config")
}

// DefaultConfigPath returns the default XDG-compliant config file path.
func DefaultConfigPath() string {
	return filepath.Join(defaultConfigDir(), "agent-commander", "config.yaml")
}

// Diff compares two configs and describes what changed, for the sections
// that are safe to hot-reload (auth tokens, timeouts, logging level). Server
// listener settings and store DSN require a restart and are not compared.
func Diff(old, next *Config) []string {
	var changes []string

	for tok, role := range next.Auth.StaticTokens {
		if oldRole, ok := old.Auth.StaticTokens[tok]; !ok {
			changes = append(changes, "auth: added a static token")
		} else if oldRole != role {
			changes = append(changes, fmt.Sprintf("auth: token role changed %s -> %s", oldRole, role))
		}
	}
	for tok := range old.Auth.StaticTokens {
		if _, ok := next.Auth.StaticTokens[tok]; !ok {
			changes = append(changes, "auth: removed a static token")
		}
	}

	if old.Timeouts != next.Timeouts {
		changes = append(changes, "timeouts: configuration changed")
	}
	if old.Logging.Level != next.Logging.Level {
		changes = append(changes, fmt.Sprintf("logging.level: %s -> %s", old.Logging.Level, next.Logging.Level))
	}

	return changes
}
