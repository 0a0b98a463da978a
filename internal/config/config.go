// ABOUTME: Configuration loading and parsing for hive-gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete hive-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Sessions  SessionsConfig  `yaml:"sessions" toml:"sessions"`
	Delivery  DeliveryConfig  `yaml:"delivery" toml:"delivery"`
	Cache     CacheConfig     `yaml:"cache" toml:"cache"`
	Matrix    MatrixConfig    `yaml:"matrix" toml:"matrix"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"` // gRPC health service, optional
	// PublicURL is the externally reachable base URL, used to build the
	// pairing callback. Defaults to http://<http_addr>.
	PublicURL string `yaml:"public_url" toml:"public_url"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // Enable public Funnel (implies HTTPS)
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AuthConfig holds API authentication configuration. At least one of the
// key fields or the JWT secret must be set unless Disabled is true.
type AuthConfig struct {
	Disabled   bool   `yaml:"disabled" toml:"disabled"`
	APIKey     string `yaml:"api_key" toml:"api_key"`
	APIKeyHash string `yaml:"api_key_hash" toml:"api_key_hash"` // bcrypt hash, see `hive-gateway token hash`
	JWTSecret  string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// SessionsConfig holds per-tenant session lifecycle settings
type SessionsConfig struct {
	Dir                 string  `yaml:"dir" toml:"dir"`
	MaxRetries          int     `yaml:"max_retries" toml:"max_retries"`
	BackoffFactor       float64 `yaml:"backoff_factor" toml:"backoff_factor"`
	DefaultIgnoreGroups bool    `yaml:"default_ignore_groups" toml:"default_ignore_groups"`
	MessagesPerMinute   int     `yaml:"messages_per_minute" toml:"messages_per_minute"`
	MessageBurst        int     `yaml:"message_burst" toml:"message_burst"`
	RestoreConcurrency  int     `yaml:"restore_concurrency" toml:"restore_concurrency"`

	ThrottleWindow time.Duration `yaml:"-" toml:"-"`
	ConnectTimeout time.Duration `yaml:"-" toml:"-"`
	LogoutTimeout  time.Duration `yaml:"-" toml:"-"`
	BaseDelay      time.Duration `yaml:"-" toml:"-"`
	MaxDelay       time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	ThrottleWindowRaw string `yaml:"throttle_window" toml:"throttle_window"`
	ConnectTimeoutRaw string `yaml:"connect_timeout" toml:"connect_timeout"`
	LogoutTimeoutRaw  string `yaml:"logout_timeout" toml:"logout_timeout"`
	BaseDelayRaw      string `yaml:"base_delay" toml:"base_delay"`
	MaxDelayRaw       string `yaml:"max_delay" toml:"max_delay"`
}

// DeliveryConfig holds webhook delivery queue settings
type DeliveryConfig struct {
	MaxQueueSize int           `yaml:"max_queue_size" toml:"max_queue_size"`
	Concurrency  int           `yaml:"concurrency" toml:"concurrency"`
	MaxRetries   int           `yaml:"max_retries" toml:"max_retries"`
	UserAgent    string        `yaml:"user_agent" toml:"user_agent"`
	Breaker      BreakerConfig `yaml:"breaker" toml:"breaker"`

	RetryBaseDelay time.Duration `yaml:"-" toml:"-"`
	Timeout        time.Duration `yaml:"-" toml:"-"`
	PollInterval   time.Duration `yaml:"-" toml:"-"`

	RetryBaseDelayRaw string `yaml:"retry_base_delay" toml:"retry_base_delay"`
	TimeoutRaw        string `yaml:"timeout" toml:"timeout"`
	PollIntervalRaw   string `yaml:"poll_interval" toml:"poll_interval"`
}

// BreakerConfig controls the per-host circuit breaker used for deliveries
type BreakerConfig struct {
	Enabled          bool `yaml:"enabled" toml:"enabled"`
	FailureThreshold int  `yaml:"failure_threshold" toml:"failure_threshold"`

	RecoveryTime    time.Duration `yaml:"-" toml:"-"`
	RecoveryTimeRaw string        `yaml:"recovery_time" toml:"recovery_time"`
}

// CacheConfig holds the verification and artifact cache policies
type CacheConfig struct {
	SweepEvery   int         `yaml:"sweep_every" toml:"sweep_every"`
	Verification CachePolicy `yaml:"verification" toml:"verification"`
	Artifact     CachePolicy `yaml:"artifact" toml:"artifact"`
	Seen         CachePolicy `yaml:"seen" toml:"seen"`
}

// CachePolicy is the TTL and capacity of one cache
type CachePolicy struct {
	MaxSize int           `yaml:"max_size" toml:"max_size"`
	TTL     time.Duration `yaml:"-" toml:"-"`
	TTLRaw  string        `yaml:"ttl" toml:"ttl"`
}

// MatrixConfig holds settings for the Matrix engine
type MatrixConfig struct {
	Homeserver string `yaml:"homeserver" toml:"homeserver"`
	DeviceName string `yaml:"device_name" toml:"device_name"`
	Encryption bool   `yaml:"encryption" toml:"encryption"`
	// PickleSecret seeds the per-tenant crypto store keys. Required with encryption.
	PickleSecret string `yaml:"pickle_secret" toml:"pickle_secret"`

	PairingTimeout    time.Duration `yaml:"-" toml:"-"`
	PairingTimeoutRaw string        `yaml:"pairing_timeout" toml:"pairing_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
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

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Default returns a configuration with every default applied and nothing else set.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills every zero-valued setting with its default.
func (c *Config) ApplyDefaults() {
	setString(&c.Server.HTTPAddr, "127.0.0.1:8080")
	if c.Server.PublicURL == "" && c.Server.HTTPAddr != "" {
		c.Server.PublicURL = "http://" + c.Server.HTTPAddr
	}
	c.Server.PublicURL = strings.TrimRight(c.Server.PublicURL, "/")

	setString(&c.Sessions.Dir, "./sessions")
	setString(&c.Database.Path, filepath.Join(c.Sessions.Dir, "gateway.db"))
	setInt(&c.Sessions.MaxRetries, 10)
	if c.Sessions.BackoffFactor <= 0 {
		c.Sessions.BackoffFactor = 1.5
	}
	setInt(&c.Sessions.MessagesPerMinute, 60)
	setInt(&c.Sessions.MessageBurst, 10)
	setInt(&c.Sessions.RestoreConcurrency, 8)
	setDuration(&c.Sessions.ThrottleWindow, 5*time.Second)
	setDuration(&c.Sessions.ConnectTimeout, 45*time.Second)
	setDuration(&c.Sessions.LogoutTimeout, 10*time.Second)
	setDuration(&c.Sessions.BaseDelay, 5*time.Second)
	setDuration(&c.Sessions.MaxDelay, 5*time.Minute)

	setInt(&c.Delivery.MaxQueueSize, 10000)
	setInt(&c.Delivery.Concurrency, 10)
	setInt(&c.Delivery.MaxRetries, 3)
	setString(&c.Delivery.UserAgent, "hive-gateway/1.0")
	setDuration(&c.Delivery.RetryBaseDelay, time.Second)
	setDuration(&c.Delivery.Timeout, 10*time.Second)
	setDuration(&c.Delivery.PollInterval, 100*time.Millisecond)
	setInt(&c.Delivery.Breaker.FailureThreshold, 5)
	setDuration(&c.Delivery.Breaker.RecoveryTime, 30*time.Second)

	setInt(&c.Cache.SweepEvery, 1000)
	setInt(&c.Cache.Verification.MaxSize, 50000)
	setDuration(&c.Cache.Verification.TTL, 2*time.Hour)
	setInt(&c.Cache.Artifact.MaxSize, 200)
	setDuration(&c.Cache.Artifact.TTL, 30*time.Second)
	setInt(&c.Cache.Seen.MaxSize, 10000)
	setDuration(&c.Cache.Seen.TTL, 10*time.Minute)

	setString(&c.Matrix.DeviceName, "hive-gateway")
	setDuration(&c.Matrix.PairingTimeout, 5*time.Minute)

	setString(&c.Logging.Level, "info")
	setString(&c.Logging.Format, "text")
	setString(&c.Metrics.Path, "/metrics")
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Sessions.Dir == "" {
		return fmt.Errorf("sessions.dir is required")
	}

	if c.Matrix.Homeserver == "" {
		return fmt.Errorf("matrix.homeserver is required")
	}
	u, err := url.Parse(c.Matrix.Homeserver)
	if err != nil {
		return fmt.Errorf("matrix.homeserver is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("matrix.homeserver must use http or https scheme")
	}
	if c.Matrix.Encryption && c.Matrix.PickleSecret == "" {
		return fmt.Errorf("matrix.pickle_secret is required when encryption is enabled")
	}

	if !c.Auth.Disabled && c.Auth.APIKey == "" && c.Auth.APIKeyHash == "" && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth requires api_key, api_key_hash or jwt_secret (or auth.disabled: true)")
	}
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}

	if c.Sessions.MaxRetries < 0 {
		return fmt.Errorf("sessions.max_retries must not be negative")
	}
	if c.Sessions.MaxDelay < c.Sessions.BaseDelay {
		return fmt.Errorf("sessions.max_delay must be >= sessions.base_delay")
	}
	if c.Delivery.Concurrency < 1 {
		return fmt.Errorf("delivery.concurrency must be at least 1")
	}
	if c.Delivery.MaxRetries < 1 {
		return fmt.Errorf("delivery.max_retries must be at least 1")
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
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
		{"sessions.throttle_window", cfg.Sessions.ThrottleWindowRaw, &cfg.Sessions.ThrottleWindow},
		{"sessions.connect_timeout", cfg.Sessions.ConnectTimeoutRaw, &cfg.Sessions.ConnectTimeout},
		{"sessions.logout_timeout", cfg.Sessions.LogoutTimeoutRaw, &cfg.Sessions.LogoutTimeout},
		{"sessions.base_delay", cfg.Sessions.BaseDelayRaw, &cfg.Sessions.BaseDelay},
		{"sessions.max_delay", cfg.Sessions.MaxDelayRaw, &cfg.Sessions.MaxDelay},
		{"delivery.retry_base_delay", cfg.Delivery.RetryBaseDelayRaw, &cfg.Delivery.RetryBaseDelay},
		{"delivery.timeout", cfg.Delivery.TimeoutRaw, &cfg.Delivery.Timeout},
		{"delivery.poll_interval", cfg.Delivery.PollIntervalRaw, &cfg.Delivery.PollInterval},
		{"delivery.breaker.recovery_time", cfg.Delivery.Breaker.RecoveryTimeRaw, &cfg.Delivery.Breaker.RecoveryTime},
		{"cache.verification.ttl", cfg.Cache.Verification.TTLRaw, &cfg.Cache.Verification.TTL},
		{"cache.artifact.ttl", cfg.Cache.Artifact.TTLRaw, &cfg.Cache.Artifact.TTL},
		{"cache.seen.ttl", cfg.Cache.Seen.TTLRaw, &cfg.Cache.Seen.TTL},
		{"matrix.pairing_timeout", cfg.Matrix.PairingTimeoutRaw, &cfg.Matrix.PairingTimeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", f.name)
		}
		*f.dst = d
	}

	return nil
}

func setString(dst *string, def string) {
	if *dst == "" {
		*dst = def
	}
}

func setInt(dst *int, def int) {
	if *dst == 0 {
		*dst = def
	}
}

func setDuration(dst *time.Duration, def time.Duration) {
	if *dst == 0 {
		*dst = def
	}
}
