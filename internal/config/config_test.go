// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, defaults and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
server:
  http_addr: "0.0.0.0:8080"
  public_url: "https://hive.example.com/"

database:
  path: "./test.db"

auth:
  api_key: "secret"

sessions:
  dir: "/var/lib/hive"
  throttle_window: "2s"
  max_retries: 4
  base_delay: "1s"
  max_delay: "1m"

delivery:
  concurrency: 3
  timeout: "5s"

cache:
  artifact:
    ttl: "15s"
    max_size: 10

matrix:
  homeserver: "https://matrix.example.com"

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:8080" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "0.0.0.0:8080")
	}
	assert.Equal(t, "https://hive.example.com", cfg.Server.PublicURL)
	assert.Equal(t, "./test.db", cfg.Database.Path)
	assert.Equal(t, 2*time.Second, cfg.Sessions.ThrottleWindow)
	assert.Equal(t, 4, cfg.Sessions.MaxRetries)
	assert.Equal(t, time.Second, cfg.Sessions.BaseDelay)
	assert.Equal(t, time.Minute, cfg.Sessions.MaxDelay)
	assert.Equal(t, 3, cfg.Delivery.Concurrency)
	assert.Equal(t, 5*time.Second, cfg.Delivery.Timeout)
	assert.Equal(t, 15*time.Second, cfg.Cache.Artifact.TTL)
	assert.Equal(t, 10, cfg.Cache.Artifact.MaxSize)
	assert.Equal(t, "json", cfg.Logging.Format)

	// untouched settings fall back to defaults
	assert.Equal(t, 45*time.Second, cfg.Sessions.ConnectTimeout)
	assert.Equal(t, 1.5, cfg.Sessions.BackoffFactor)
	assert.Equal(t, 10000, cfg.Delivery.MaxQueueSize)
	assert.Equal(t, 2*time.Hour, cfg.Cache.Verification.TTL)
}

func TestLoad_TOML(t *testing.T) {
	path := writeConfig(t, "gateway.toml", `
[server]
http_addr = "127.0.0.1:9000"

[auth]
jwt_secret = "0123456789abcdef0123456789abcdef"

[sessions]
dir = "/tmp/hive"
connect_timeout = "30s"

[matrix]
homeserver = "https://matrix.example.com"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Server.HTTPAddr)
	assert.Equal(t, "http://127.0.0.1:9000", cfg.Server.PublicURL)
	assert.Equal(t, 30*time.Second, cfg.Sessions.ConnectTimeout)
	assert.Equal(t, filepath.Join("/tmp/hive", "gateway.db"), cfg.Database.Path)
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("HIVE_TEST_KEY", "from-env")
	t.Setenv("HIVE_TEST_HS", "https://hs.example.com")

	path := writeConfig(t, "config.yaml", `
auth:
  api_key: "${HIVE_TEST_KEY}"
matrix:
  homeserver: "${HIVE_TEST_HS}"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Auth.APIKey)
	assert.Equal(t, "https://hs.example.com", cfg.Matrix.Homeserver)
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
auth:
  api_key: "k"
matrix:
  homeserver: "https://matrix.example.com"
sessions:
  base_delay: "soon"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sessions.base_delay")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "reading config file"))
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Matrix.Homeserver = "https://matrix.example.com"
		cfg.Auth.APIKey = "k"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing homeserver", func(c *Config) { c.Matrix.Homeserver = "" }, "matrix.homeserver is required"},
		{"bad homeserver scheme", func(c *Config) { c.Matrix.Homeserver = "ftp://x" }, "http or https"},
		{"no auth", func(c *Config) { c.Auth.APIKey = "" }, "auth requires"},
		{"auth disabled", func(c *Config) { c.Auth.APIKey = ""; c.Auth.Disabled = true }, ""},
		{"short jwt secret", func(c *Config) { c.Auth.JWTSecret = "short" }, "at least 32 bytes"},
		{"encryption without secret", func(c *Config) { c.Matrix.Encryption = true }, "pickle_secret"},
		{"max delay below base", func(c *Config) { c.Sessions.MaxDelay = time.Millisecond }, "max_delay"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"tailscale without hostname", func(c *Config) { c.Tailscale.Enabled = true }, "tailscale.hostname"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
