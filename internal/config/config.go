// Package config handles Vigor configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/vigor/config.yaml, /etc/vigor/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "vigor", "config.yaml"))
	}

	paths = append(paths, "/etc/vigor/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Vigor configuration.
type Config struct {
	Listen    ListenConfig `yaml:"listen"`
	Database  string       `yaml:"database"`
	Model     ModelConfig  `yaml:"model"`
	Agent     AgentConfig  `yaml:"agent"`
	Auth      AuthConfig   `yaml:"auth"`
	LogLevel  string       `yaml:"log_level"`
	LogFormat string       `yaml:"log_format"` // text (default) or json
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// Addr returns the listen address in host:port form.
func (l ListenConfig) Addr() string {
	return fmt.Sprintf("%s:%d", l.Address, l.Port)
}

// ModelConfig defines the chat completion endpoint settings.
type ModelConfig struct {
	BaseURL string `yaml:"base_url"` // OpenAI-compatible endpoint
	Name    string `yaml:"name"`    // Model identifier sent on every request
	APIKey  string `yaml:"api_key"`

	// RequestTimeoutSec is the per-attempt deadline for one model
	// round-trip. Exceeding it counts as a transient failure and is
	// subject to the retry policy (default 60).
	RequestTimeoutSec int `yaml:"request_timeout_sec"`

	// MaxRetries is the number of additional attempts after the first
	// failed model call (default 3).
	MaxRetries int `yaml:"max_retries"`

	// RetryBaseDelayMS is the delay before the first retry; it doubles
	// on each subsequent attempt (default 500).
	RetryBaseDelayMS int `yaml:"retry_base_delay_ms"`
}

// AgentConfig bounds the tool-calling loop.
type AgentConfig struct {
	// MaxIterations caps the number of tool-resolution rounds per chat
	// turn. When reached, the turn ends with a fixed fallback message
	// instead of another model call (default 5).
	MaxIterations int `yaml:"max_iterations"`

	// PersonaFile optionally overrides the built-in system prompt.
	PersonaFile string `yaml:"persona_file"`
}

// AuthConfig defines the bearer token lifetime.
type AuthConfig struct {
	TokenTTLMinutes int `yaml:"token_ttl_minutes"` // default 30
}

// RequestTimeout returns the per-attempt model deadline as a Duration.
func (m ModelConfig) RequestTimeout() time.Duration {
	if m.RequestTimeoutSec <= 0 {
		return 60 * time.Second
	}
	return time.Duration(m.RequestTimeoutSec) * time.Second
}

// RetryBaseDelay returns the initial backoff delay as a Duration.
func (m ModelConfig) RetryBaseDelay() time.Duration {
	if m.RetryBaseDelayMS <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(m.RetryBaseDelayMS) * time.Millisecond
}

// TokenTTL returns the bearer token lifetime as a Duration.
func (a AuthConfig) TokenTTL() time.Duration {
	if a.TokenTTLMinutes <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(a.TokenTTLMinutes) * time.Minute
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables so secrets can live outside the file.
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks fields whose bad values would only surface much later.
func (c *Config) Validate() error {
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("unknown log format %q (valid: text, json)", c.LogFormat)
	}
	if c.Model.BaseURL == "" {
		return fmt.Errorf("model.base_url is required")
	}
	return nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen:   ListenConfig{Port: 8080},
		Database: "vigor.db",
		Model: ModelConfig{
			BaseURL:           "http://localhost:11434/v1",
			Name:              "qwen3:4b",
			RequestTimeoutSec: 60,
			MaxRetries:        3,
			RetryBaseDelayMS:  500,
		},
		Agent: AgentConfig{MaxIterations: 5},
		Auth:  AuthConfig{TokenTTLMinutes: 30},
	}
}

// DefaultYAML is the commented starter config written by "vigor init".
const DefaultYAML = `# Vigor configuration

listen:
  address: ""      # all interfaces
  port: 8080

# SQLite database file. Created on first run.
database: vigor.db

model:
  # Any OpenAI-compatible chat completions endpoint works here.
  base_url: http://localhost:11434/v1
  name: qwen3:4b
  # api_key: ${VIGOR_API_KEY}
  request_timeout_sec: 60
  max_retries: 3
  retry_base_delay_ms: 500

agent:
  max_iterations: 5
  # persona_file: coach.md   # optional system prompt override

auth:
  token_ttl_minutes: 30

log_level: info     # trace, debug, info, warn, error
log_format: text    # text or json
`
