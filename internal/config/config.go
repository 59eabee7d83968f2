// ABOUTME: Configuration loading and parsing for courier
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete courier configuration
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Tailscale    TailscaleConfig    `yaml:"tailscale"`
	Matrix       MatrixConfig       `yaml:"matrix"`
	Conversation ConversationConfig `yaml:"conversation"`
	Auth         AuthConfig         `yaml:"auth"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
	HTTPS     bool   `yaml:"https"`  // Serve HTTPS with tailnet certs
	Funnel    bool   `yaml:"funnel"` // Enable public Funnel (implies HTTPS)
}

// MatrixConfig holds the Matrix channel configuration
type MatrixConfig struct {
	Homeserver     string `yaml:"homeserver"`
	UserID         string `yaml:"user_id"`
	AccessToken    string `yaml:"access_token"`
	RoomID         string `yaml:"room_id"`
	AuthorizedUser string `yaml:"authorized_user"`
}

// ConversationConfig holds history and wait behavior configuration
type ConversationConfig struct {
	HistoryCapacity  int  `yaml:"history_capacity"`
	SanitizeOutbound bool `yaml:"sanitize_outbound"`

	DefaultWaitTimeout time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	DefaultWaitTimeoutRaw string `yaml:"default_wait_timeout"`
}

// AuthConfig holds MCP endpoint authentication configuration
type AuthConfig struct {
	Required     bool     `yaml:"required"`
	JWTSecret    string   `yaml:"jwt_secret"`
	AccessTokens []string `yaml:"access_tokens"`
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

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// A listener address is required unless Tailscale provides one
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Matrix.Homeserver == "" {
		return fmt.Errorf("matrix.homeserver is required")
	}
	if c.Matrix.UserID == "" {
		return fmt.Errorf("matrix.user_id is required")
	}
	if c.Matrix.AccessToken == "" {
		return fmt.Errorf("matrix.access_token is required")
	}
	if c.Matrix.RoomID == "" {
		return fmt.Errorf("matrix.room_id is required")
	}
	if c.Matrix.AuthorizedUser == "" {
		return fmt.Errorf("matrix.authorized_user is required")
	}

	if c.Conversation.HistoryCapacity < 0 {
		return fmt.Errorf("conversation.history_capacity must not be negative")
	}

	if c.Auth.Required && c.Auth.JWTSecret == "" && len(c.Auth.AccessTokens) == 0 {
		return fmt.Errorf("auth.jwt_secret or auth.access_tokens is required when auth is required")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Conversation.DefaultWaitTimeoutRaw != "" {
		cfg.Conversation.DefaultWaitTimeout, err = time.ParseDuration(cfg.Conversation.DefaultWaitTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing default_wait_timeout %q: %w", cfg.Conversation.DefaultWaitTimeoutRaw, err)
		}
	}

	return nil
}
