// ABOUTME: Configuration loading and parsing for parley-gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete parley-gateway configuration
type Config struct {
	Server      ServerConfig      `yaml:"server" toml:"server"`
	Tailscale   TailscaleConfig   `yaml:"tailscale" toml:"tailscale"`
	Database    DatabaseConfig    `yaml:"database" toml:"database"`
	Auth        AuthConfig        `yaml:"auth" toml:"auth"`
	Model       ModelConfig       `yaml:"model" toml:"model"`
	Transcriber TranscriberConfig `yaml:"transcriber" toml:"transcriber"`
	Synthesizer SynthesizerConfig `yaml:"synthesizer" toml:"synthesizer"`
	Session     SessionConfig     `yaml:"session" toml:"session"`
	Redis       RedisConfig       `yaml:"redis" toml:"redis"`
	Telemetry   TelemetryConfig   `yaml:"telemetry" toml:"telemetry"`
	Logging     LoggingConfig     `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // public Funnel, implies HTTPS
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path   string `yaml:"path" toml:"path"`
	Driver string `yaml:"driver" toml:"driver"` // "sqlite" (pure Go) or "sqlite3" (cgo)
}

// AuthConfig holds authentication configuration. An empty secret disables auth.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// ModelConfig configures the completion provider and its retry policy
type ModelConfig struct {
	BaseURL          string `yaml:"base_url" toml:"base_url"`
	APIKey           string `yaml:"api_key" toml:"api_key"`
	Identifier       string `yaml:"identifier" toml:"identifier"`
	MaxContextTokens int    `yaml:"max_context_tokens" toml:"max_context_tokens"`
	MaxRetryAttempts int    `yaml:"max_retry_attempts" toml:"max_retry_attempts"`

	RetryBackoff time.Duration `yaml:"-" toml:"-"`
	Timeout      time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	RetryBackoffRaw string `yaml:"retry_backoff" toml:"retry_backoff"`
	TimeoutRaw      string `yaml:"timeout" toml:"timeout"`
}

// TranscriberConfig configures speech-to-text
type TranscriberConfig struct {
	Enabled  bool   `yaml:"enabled" toml:"enabled"`
	BaseURL  string `yaml:"base_url" toml:"base_url"` // defaults to model.base_url
	APIKey   string `yaml:"api_key" toml:"api_key"`   // defaults to model.api_key
	Model    string `yaml:"model" toml:"model"`
	Language string `yaml:"language" toml:"language"`

	Timeout    time.Duration `yaml:"-" toml:"-"`
	TimeoutRaw string        `yaml:"timeout" toml:"timeout"`
}

// SynthesizerConfig configures text-to-speech
type SynthesizerConfig struct {
	Enabled      bool   `yaml:"enabled" toml:"enabled"`
	BaseURL      string `yaml:"base_url" toml:"base_url"`
	APIKey       string `yaml:"api_key" toml:"api_key"`
	Model        string `yaml:"model" toml:"model"`
	VoiceProfile string `yaml:"voice_profile" toml:"voice_profile"`
	Format       string `yaml:"format" toml:"format"`

	Timeout    time.Duration `yaml:"-" toml:"-"`
	TimeoutRaw string        `yaml:"timeout" toml:"timeout"`
}

// Lease backends
const (
	LeaseBackendStore = "store"
	LeaseBackendRedis = "redis"
)

// SessionConfig configures per-session exclusivity
type SessionConfig struct {
	LeaseBackend string `yaml:"lease_backend" toml:"lease_backend"`

	LeaseTTL    time.Duration `yaml:"-" toml:"-"`
	LeaseTTLRaw string        `yaml:"lease_ttl" toml:"lease_ttl"`
}

// RedisConfig holds the redis connection used by the redis lease backend
type RedisConfig struct {
	Addr      string `yaml:"addr" toml:"addr"`
	Password  string `yaml:"password" toml:"password"`
	DB        int    `yaml:"db" toml:"db"`
	KeyPrefix string `yaml:"key_prefix" toml:"key_prefix"`
}

// TelemetryConfig holds OpenTelemetry tracing configuration
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" toml:"enabled"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" toml:"otlp_endpoint"`
	Insecure     bool    `yaml:"insecure" toml:"insecure"`
	ServiceName  string  `yaml:"service_name" toml:"service_name"`
	SampleRatio  float64 `yaml:"sample_ratio" toml:"sample_ratio"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Path returns the path to the gateway config file.
// Priority: PARLEY_CONFIG env var > XDG_CONFIG_HOME/parley/gateway.yaml > ~/.config/parley/gateway.yaml
func Path() string {
	if envPath := os.Getenv("PARLEY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "parley", "gateway.yaml")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, anything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(expandEnvVars(string(data)), formatFor(path))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes already-expanded config text in the given format ("yaml" or "toml"),
// applies defaults and validates the result.
func Parse(data, format string) (*Config, error) {
	var cfg Config
	switch format {
	case "toml":
		if _, err := toml.Decode(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		if err := yaml.Unmarshal([]byte(data), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func formatFor(path string) string {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return "toml"
	}
	return "yaml"
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// ApplyDefaults fills unset fields
func (c *Config) ApplyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}

	if c.Model.Identifier == "" {
		c.Model.Identifier = "gpt-4o-mini"
	}
	if c.Model.MaxRetryAttempts == 0 {
		c.Model.MaxRetryAttempts = 3
	}
	if c.Model.RetryBackoffRaw == "" {
		c.Model.RetryBackoff = 500 * time.Millisecond
	}
	if c.Model.Timeout == 0 {
		c.Model.Timeout = 60 * time.Second
	}

	if c.Transcriber.BaseURL == "" {
		c.Transcriber.BaseURL = c.Model.BaseURL
	}
	if c.Transcriber.APIKey == "" {
		c.Transcriber.APIKey = c.Model.APIKey
	}
	if c.Transcriber.Model == "" {
		c.Transcriber.Model = "whisper-1"
	}
	if c.Transcriber.Timeout == 0 {
		c.Transcriber.Timeout = 60 * time.Second
	}

	if c.Synthesizer.BaseURL == "" {
		c.Synthesizer.BaseURL = c.Model.BaseURL
	}
	if c.Synthesizer.APIKey == "" {
		c.Synthesizer.APIKey = c.Model.APIKey
	}
	if c.Synthesizer.Model == "" {
		c.Synthesizer.Model = "tts-1"
	}
	if c.Synthesizer.VoiceProfile == "" {
		c.Synthesizer.VoiceProfile = "alloy"
	}
	if c.Synthesizer.Format == "" {
		c.Synthesizer.Format = "mp3"
	}
	if c.Synthesizer.Timeout == 0 {
		c.Synthesizer.Timeout = 60 * time.Second
	}

	if c.Session.LeaseBackend == "" {
		c.Session.LeaseBackend = LeaseBackendStore
	}
	if c.Session.LeaseTTL == 0 {
		c.Session.LeaseTTL = 2 * time.Minute
	}

	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "parley:lease:"
	}

	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "parley-gateway"
	}
	if c.Telemetry.SampleRatio == 0 {
		c.Telemetry.SampleRatio = 1
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
	// Server addresses are required unless Tailscale is enabled
	if !c.Tailscale.Enabled {
		if c.Server.GRPCAddr == "" {
			return fmt.Errorf("server.grpc_addr is required (or enable tailscale)")
		}
		if c.Server.HTTPAddr == "" {
			return fmt.Errorf("server.http_addr is required (or enable tailscale)")
		}
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Database.Driver != "sqlite" && c.Database.Driver != "sqlite3" {
		return fmt.Errorf("database.driver must be sqlite or sqlite3, got %q", c.Database.Driver)
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}

	if c.Model.MaxRetryAttempts < 1 {
		return fmt.Errorf("model.max_retry_attempts must be at least 1")
	}
	if c.Model.RetryBackoff < 0 {
		return fmt.Errorf("model.retry_backoff must not be negative")
	}
	if c.Model.MaxContextTokens < 0 {
		return fmt.Errorf("model.max_context_tokens must not be negative")
	}

	switch c.Session.LeaseBackend {
	case LeaseBackendStore:
	case LeaseBackendRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required when session.lease_backend is redis")
		}
	default:
		return fmt.Errorf("session.lease_backend must be %q or %q, got %q",
			LeaseBackendStore, LeaseBackendRedis, c.Session.LeaseBackend)
	}

	if c.Telemetry.Enabled && c.Telemetry.OTLPEndpoint == "" {
		return fmt.Errorf("telemetry.otlp_endpoint is required when telemetry is enabled")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be between 0 and 1")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"model.retry_backoff", cfg.Model.RetryBackoffRaw, &cfg.Model.RetryBackoff},
		{"model.timeout", cfg.Model.TimeoutRaw, &cfg.Model.Timeout},
		{"transcriber.timeout", cfg.Transcriber.TimeoutRaw, &cfg.Transcriber.Timeout},
		{"synthesizer.timeout", cfg.Synthesizer.TimeoutRaw, &cfg.Synthesizer.Timeout},
		{"session.lease_ttl", cfg.Session.LeaseTTLRaw, &cfg.Session.LeaseTTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
