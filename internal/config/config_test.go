// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, durations, defaults and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidYAML(t *testing.T) {
	path := writeConfig(t, "gateway.yaml", `
server:
  grpc_addr: "0.0.0.0:50051"
  http_addr: "0.0.0.0:8080"

database:
  path: "./test.db"
  driver: "sqlite3"

model:
  base_url: "http://localhost:11434/v1"
  identifier: "llama3"
  max_context_tokens: 8000
  max_retry_attempts: 5
  retry_backoff: "250ms"
  timeout: "30s"

synthesizer:
  enabled: true
  voice_profile: "nova"
  timeout: "10s"

session:
  lease_ttl: "45s"

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.GRPCAddr != "0.0.0.0:50051" {
		t.Errorf("Server.GRPCAddr = %q, want %q", cfg.Server.GRPCAddr, "0.0.0.0:50051")
	}
	if cfg.Database.Driver != "sqlite3" {
		t.Errorf("Database.Driver = %q, want sqlite3", cfg.Database.Driver)
	}
	if cfg.Model.Identifier != "llama3" {
		t.Errorf("Model.Identifier = %q, want llama3", cfg.Model.Identifier)
	}
	if cfg.Model.MaxContextTokens != 8000 {
		t.Errorf("Model.MaxContextTokens = %d, want 8000", cfg.Model.MaxContextTokens)
	}
	if cfg.Model.MaxRetryAttempts != 5 {
		t.Errorf("Model.MaxRetryAttempts = %d, want 5", cfg.Model.MaxRetryAttempts)
	}
	if cfg.Model.RetryBackoff != 250*time.Millisecond {
		t.Errorf("Model.RetryBackoff = %v, want 250ms", cfg.Model.RetryBackoff)
	}
	if cfg.Model.Timeout != 30*time.Second {
		t.Errorf("Model.Timeout = %v, want 30s", cfg.Model.Timeout)
	}
	if cfg.Synthesizer.VoiceProfile != "nova" {
		t.Errorf("Synthesizer.VoiceProfile = %q, want nova", cfg.Synthesizer.VoiceProfile)
	}
	if cfg.Synthesizer.Timeout != 10*time.Second {
		t.Errorf("Synthesizer.Timeout = %v, want 10s", cfg.Synthesizer.Timeout)
	}
	if cfg.Session.LeaseTTL != 45*time.Second {
		t.Errorf("Session.LeaseTTL = %v, want 45s", cfg.Session.LeaseTTL)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q, want json", cfg.Logging.Format)
	}

	// Adapters inherit the model endpoint when they name none
	if cfg.Synthesizer.BaseURL != "http://localhost:11434/v1" {
		t.Errorf("Synthesizer.BaseURL = %q, want model base_url", cfg.Synthesizer.BaseURL)
	}
}

func TestLoad_ValidTOML(t *testing.T) {
	path := writeConfig(t, "gateway.toml", `
[server]
grpc_addr = "127.0.0.1:50051"
http_addr = "127.0.0.1:8080"

[database]
path = "/tmp/parley.db"

[model]
identifier = "gpt-4o"
retry_backoff = "1s"

[session]
lease_backend = "redis"

[redis]
addr = "localhost:6379"
db = 2
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "127.0.0.1:8080" {
		t.Errorf("Server.HTTPAddr = %q, want 127.0.0.1:8080", cfg.Server.HTTPAddr)
	}
	if cfg.Model.Identifier != "gpt-4o" {
		t.Errorf("Model.Identifier = %q, want gpt-4o", cfg.Model.Identifier)
	}
	if cfg.Model.RetryBackoff != time.Second {
		t.Errorf("Model.RetryBackoff = %v, want 1s", cfg.Model.RetryBackoff)
	}
	if cfg.Session.LeaseBackend != LeaseBackendRedis {
		t.Errorf("Session.LeaseBackend = %q, want redis", cfg.Session.LeaseBackend)
	}
	if cfg.Redis.DB != 2 {
		t.Errorf("Redis.DB = %d, want 2", cfg.Redis.DB)
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "gateway.yaml", `
server:
  grpc_addr: "localhost:50051"
  http_addr: "localhost:8080"
database:
  path: ":memory:"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	checks := []struct {
		name string
		got  any
		want any
	}{
		{"Database.Driver", cfg.Database.Driver, "sqlite"},
		{"Model.Identifier", cfg.Model.Identifier, "gpt-4o-mini"},
		{"Model.MaxRetryAttempts", cfg.Model.MaxRetryAttempts, 3},
		{"Model.RetryBackoff", cfg.Model.RetryBackoff, 500 * time.Millisecond},
		{"Model.Timeout", cfg.Model.Timeout, 60 * time.Second},
		{"Transcriber.Model", cfg.Transcriber.Model, "whisper-1"},
		{"Synthesizer.Model", cfg.Synthesizer.Model, "tts-1"},
		{"Synthesizer.VoiceProfile", cfg.Synthesizer.VoiceProfile, "alloy"},
		{"Synthesizer.Format", cfg.Synthesizer.Format, "mp3"},
		{"Session.LeaseBackend", cfg.Session.LeaseBackend, LeaseBackendStore},
		{"Session.LeaseTTL", cfg.Session.LeaseTTL, 2 * time.Minute},
		{"Telemetry.ServiceName", cfg.Telemetry.ServiceName, "parley-gateway"},
		{"Logging.Level", cfg.Logging.Level, "info"},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestLoad_ExplicitZeroBackoff(t *testing.T) {
	path := writeConfig(t, "gateway.yaml", `
server:
  grpc_addr: "localhost:50051"
  http_addr: "localhost:8080"
database:
  path: ":memory:"
model:
  retry_backoff: "0s"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Model.RetryBackoff != 0 {
		t.Errorf("Model.RetryBackoff = %v, want 0", cfg.Model.RetryBackoff)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_PARLEY_KEY", "sk-test")
	t.Setenv("TEST_PARLEY_DB", "/var/lib/parley/test.db")

	path := writeConfig(t, "gateway.yaml", `
server:
  grpc_addr: "localhost:50051"
  http_addr: "localhost:8080"
database:
  path: "${TEST_PARLEY_DB}"
model:
  api_key: "${TEST_PARLEY_KEY}"
  base_url: "${TEST_PARLEY_UNSET}"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.Path != "/var/lib/parley/test.db" {
		t.Errorf("Database.Path = %q, want expanded value", cfg.Database.Path)
	}
	if cfg.Model.APIKey != "sk-test" {
		t.Errorf("Model.APIKey = %q, want sk-test", cfg.Model.APIKey)
	}
	if cfg.Transcriber.APIKey != "sk-test" {
		t.Errorf("Transcriber.APIKey = %q, want inherited sk-test", cfg.Transcriber.APIKey)
	}
	if cfg.Model.BaseURL != "" {
		t.Errorf("Model.BaseURL = %q, want empty for unset var", cfg.Model.BaseURL)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/gateway.yaml")
	if err == nil {
		t.Fatal("Load() should fail for a missing file")
	}
	if !strings.Contains(err.Error(), "reading config file") {
		t.Errorf("error = %v, want reading config file", err)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := writeConfig(t, "gateway.yaml", `
server:
  grpc_addr: "localhost:50051"
  http_addr: "localhost:8080"
database:
  path: ":memory:"
model:
  timeout: "soon"
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("Load() should fail for an invalid duration")
	}
	if !strings.Contains(err.Error(), "model.timeout") {
		t.Errorf("error = %v, want mention of model.timeout", err)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := &Config{
			Server:   ServerConfig{GRPCAddr: "localhost:50051", HTTPAddr: "localhost:8080"},
			Database: DatabaseConfig{Path: ":memory:"},
		}
		cfg.ApplyDefaults()
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing grpc addr", func(c *Config) { c.Server.GRPCAddr = "" }, "server.grpc_addr"},
		{"missing http addr", func(c *Config) { c.Server.HTTPAddr = "" }, "server.http_addr"},
		{"tailscale replaces addrs", func(c *Config) {
			c.Server = ServerConfig{}
			c.Tailscale = TailscaleConfig{Enabled: true, Hostname: "parley"}
		}, ""},
		{"tailscale needs hostname", func(c *Config) { c.Tailscale.Enabled = true }, "tailscale.hostname"},
		{"missing database", func(c *Config) { c.Database.Path = "" }, "database.path"},
		{"bad driver", func(c *Config) { c.Database.Driver = "postgres" }, "database.driver"},
		{"short secret", func(c *Config) { c.Auth.JWTSecret = "short" }, "jwt_secret"},
		{"zero attempts", func(c *Config) { c.Model.MaxRetryAttempts = 0 }, "max_retry_attempts"},
		{"negative backoff", func(c *Config) { c.Model.RetryBackoff = -time.Second }, "retry_backoff"},
		{"unknown lease backend", func(c *Config) { c.Session.LeaseBackend = "etcd" }, "lease_backend"},
		{"redis needs addr", func(c *Config) { c.Session.LeaseBackend = LeaseBackendRedis }, "redis.addr"},
		{"telemetry needs endpoint", func(c *Config) { c.Telemetry.Enabled = true }, "otlp_endpoint"},
		{"sample ratio range", func(c *Config) { c.Telemetry.SampleRatio = 2 }, "sample_ratio"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestPath(t *testing.T) {
	t.Run("env override", func(t *testing.T) {
		t.Setenv("PARLEY_CONFIG", "/etc/parley/gateway.toml")
		if got := Path(); got != "/etc/parley/gateway.toml" {
			t.Errorf("Path() = %q, want env value", got)
		}
	})

	t.Run("xdg", func(t *testing.T) {
		t.Setenv("PARLEY_CONFIG", "")
		t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
		if got := Path(); got != filepath.Join("/tmp/xdg", "parley", "gateway.yaml") {
			t.Errorf("Path() = %q", got)
		}
	})
}

func TestFormatFor(t *testing.T) {
	if formatFor("a/b/gateway.TOML") != "toml" {
		t.Error("formatFor(.TOML) should be toml")
	}
	if formatFor("gateway.yml") != "yaml" {
		t.Error("formatFor(.yml) should be yaml")
	}
}
