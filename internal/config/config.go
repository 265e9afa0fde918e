// ABOUTME: Configuration loading and parsing for ria-gateway
// ABOUTME: Supports YAML files with environment variable expansion, defaults and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete ria-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Flow      FlowConfig      `yaml:"flow"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Models    ModelsConfig    `yaml:"models"`
	Agents    AgentsConfig    `yaml:"agents"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds the HTTP boundary configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	// MaxConcurrency bounds the number of dispatches running at once
	MaxConcurrency int `yaml:"max_concurrency"`
	// TrustProxy makes login honor X-Forwarded-For when matching website hosts
	TrustProxy bool `yaml:"trust_proxy"`

	ReadHeaderTimeout    time.Duration `yaml:"-"`
	ReadHeaderTimeoutRaw string        `yaml:"read_header_timeout"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
	HTTPS     bool   `yaml:"https"`  // Serve TLS with Tailscale certs on :443
	Funnel    bool   `yaml:"funnel"` // Enable public Funnel (implies HTTPS)
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	// Driver is "sqlite" (pure Go, default) or "sqlite3" (cgo)
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

// AuthConfig holds website token and admin configuration
type AuthConfig struct {
	TokenSecret string `yaml:"token_secret"`
	AdminToken  string `yaml:"admin_token"`

	TokenTTL    time.Duration `yaml:"-"`
	TokenTTLRaw string        `yaml:"token_ttl"`
}

// FlowConfig points at the main flow definition
type FlowConfig struct {
	Path string `yaml:"path"`

	ScriptTimeout    time.Duration `yaml:"-"`
	ScriptTimeoutRaw string        `yaml:"script_timeout"`
}

// SessionsConfig holds session lifetime configuration
type SessionsConfig struct {
	Timeout       time.Duration `yaml:"-"`
	SweepInterval time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	TimeoutRaw       string `yaml:"timeout"`
	SweepIntervalRaw string `yaml:"sweep_interval"`
}

// ModelsConfig holds AI backend pool configuration
type ModelsConfig struct {
	ContextLines   int     `yaml:"context_lines"`
	MaxQueryLength int     `yaml:"max_query_length"`
	Model          string  `yaml:"model"`
	Temperature    float64 `yaml:"temperature"`
	APIKey         string  `yaml:"api_key"`
	// SlowFactor is the multiple of normal turnaround that triggers a slow-response warning
	SlowFactor float64 `yaml:"slow_factor"`

	RequestTimeout   time.Duration `yaml:"-"`
	NormalTurnaround time.Duration `yaml:"-"`

	RequestTimeoutRaw   string `yaml:"request_timeout"`
	NormalTurnaroundRaw string `yaml:"normal_turnaround"`
}

// AgentsConfig holds human agent relay configuration
type AgentsConfig struct {
	RequestTimeout    time.Duration `yaml:"-"`
	RequestTimeoutRaw string        `yaml:"request_timeout"`
}

// ArchiveConfig holds archive destinations
type ArchiveConfig struct {
	Dir       string `yaml:"dir"`
	RedisURL  string `yaml:"redis_url"`
	RedisKey  string `yaml:"redis_key"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values and unset fields get defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes raw YAML configuration content.
func Parse(data []byte) (*Config, error) {
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Server.MaxConcurrency <= 0 {
		c.Server.MaxConcurrency = 64
	}
	if c.Server.ReadHeaderTimeout == 0 {
		c.Server.ReadHeaderTimeout = 10 * time.Second
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = 12 * time.Hour
	}
	if c.Flow.ScriptTimeout == 0 {
		c.Flow.ScriptTimeout = 2 * time.Second
	}
	if c.Sessions.Timeout == 0 {
		c.Sessions.Timeout = 15 * time.Minute
	}
	if c.Sessions.SweepInterval == 0 {
		c.Sessions.SweepInterval = time.Minute
	}
	if c.Models.ContextLines <= 0 {
		c.Models.ContextLines = 20
	}
	if c.Models.MaxQueryLength <= 0 {
		c.Models.MaxQueryLength = 8000
	}
	if c.Models.RequestTimeout == 0 {
		c.Models.RequestTimeout = 60 * time.Second
	}
	if c.Models.NormalTurnaround == 0 {
		c.Models.NormalTurnaround = 5 * time.Second
	}
	if c.Models.SlowFactor <= 0 {
		c.Models.SlowFactor = 3
	}
	if c.Agents.RequestTimeout == 0 {
		c.Agents.RequestTimeout = 10 * time.Second
	}
	if c.Archive.RedisKey == "" {
		c.Archive.RedisKey = "ria:archives"
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
	// Server address is required unless Tailscale is enabled
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Database.Driver {
	case "sqlite", "sqlite3":
	default:
		return fmt.Errorf("database.driver must be sqlite or sqlite3, got %q", c.Database.Driver)
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Auth.TokenSecret == "" {
		return fmt.Errorf("auth.token_secret is required")
	}
	if len(c.Auth.TokenSecret) < 32 {
		return fmt.Errorf("auth.token_secret must be at least 32 bytes")
	}

	if c.Flow.Path == "" {
		return fmt.Errorf("flow.path is required")
	}

	if c.Archive.Dir == "" {
		return fmt.Errorf("archive.dir is required")
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

type durationField struct {
	name string
	raw  string
	dst  *time.Duration
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []durationField{
		{"server.read_header_timeout", cfg.Server.ReadHeaderTimeoutRaw, &cfg.Server.ReadHeaderTimeout},
		{"auth.token_ttl", cfg.Auth.TokenTTLRaw, &cfg.Auth.TokenTTL},
		{"flow.script_timeout", cfg.Flow.ScriptTimeoutRaw, &cfg.Flow.ScriptTimeout},
		{"sessions.timeout", cfg.Sessions.TimeoutRaw, &cfg.Sessions.Timeout},
		{"sessions.sweep_interval", cfg.Sessions.SweepIntervalRaw, &cfg.Sessions.SweepInterval},
		{"models.request_timeout", cfg.Models.RequestTimeoutRaw, &cfg.Models.RequestTimeout},
		{"models.normal_turnaround", cfg.Models.NormalTurnaroundRaw, &cfg.Models.NormalTurnaround},
		{"agents.request_timeout", cfg.Agents.RequestTimeoutRaw, &cfg.Agents.RequestTimeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %q", f.name, f.raw)
		}
		*f.dst = d
	}

	return nil
}
