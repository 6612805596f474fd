// Package config provides application configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment variable read by Load.
// Nested keys are separated by a double underscore: PAM_BACKEND__URL.
const EnvPrefix = "PAM_"

// FileEnv names the environment variable holding an optional YAML config file.
const FileEnv = "PAM_CONFIG_FILE"

// Config holds all application configuration.
type Config struct {
	LogLevel   string           `koanf:"log_level"`
	Server     ServerConfig     `koanf:"server"`
	Backend    BackendConfig    `koanf:"backend"`
	Credential CredentialConfig `koanf:"credential"`
	Reconnect  ReconnectConfig  `koanf:"reconnect"`
	Outbox     OutboxConfig     `koanf:"outbox"`
	Session    SessionConfig    `koanf:"session"`
	Wake       WakeConfig       `koanf:"wake"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
}

// ServerConfig configures the local control surface.
type ServerConfig struct {
	Addr        string `koanf:"addr"`
	FrontendURL string `koanf:"frontend_url"`
}

// BackendConfig points at the assistant backend.
type BackendConfig struct {
	URL          string        `koanf:"url"`
	HealthAddr   string        `koanf:"health_addr"`
	AuthTimeout  time.Duration `koanf:"auth_timeout"`
	PingInterval time.Duration `koanf:"ping_interval"`
	PingTimeout  time.Duration `koanf:"ping_timeout"`
}

// CredentialConfig controls where the bearer token comes from.
type CredentialConfig struct {
	UserID       string        `koanf:"user_id"`
	TokenFile    string        `koanf:"token_file"`
	PollInterval time.Duration `koanf:"poll_interval"`
	RefreshSkew  time.Duration `koanf:"refresh_skew"`
}

// ReconnectConfig tunes backoff and the per-kind retry budget.
type ReconnectConfig struct {
	MaxRetries     int           `koanf:"max_retries"`
	InitialBackoff time.Duration `koanf:"initial_backoff"`
	MaxBackoff     time.Duration `koanf:"max_backoff"`
	Multiplier     float64       `koanf:"multiplier"`
	Jitter         float64       `koanf:"jitter"`
}

// OutboxConfig controls the offline queue.
type OutboxConfig struct {
	Driver        string        `koanf:"driver"`
	DBPath        string        `koanf:"db_path"`
	AckTimeout    time.Duration `koanf:"ack_timeout"`
	MaxAttempts   int           `koanf:"max_attempts"`
	RetryDelay    time.Duration `koanf:"retry_delay"`
	SweepInterval time.Duration `koanf:"sweep_interval"`
	MaxAge        time.Duration `koanf:"max_age"`
}

// SessionConfig tunes the façade.
type SessionConfig struct {
	SendTimeout time.Duration `koanf:"send_timeout"`
}

// WakeConfig enables hands-free activation from stdin transcripts.
type WakeConfig struct {
	Enabled       bool          `koanf:"enabled"`
	Phrases       []string      `koanf:"phrases"`
	MinConfidence float64       `koanf:"min_confidence"`
	Debounce      time.Duration `koanf:"debounce"`
	RestartDelay  time.Duration `koanf:"restart_delay"`
	MaxRestarts   int           `koanf:"max_restarts"`
}

// TelemetryConfig controls tracing output.
type TelemetryConfig struct {
	Tracing     bool   `koanf:"tracing"`
	ServiceName string `koanf:"service_name"`
}

// Outbox drivers.
const (
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

var defaults = map[string]any{
	"log_level":                 "info",
	"server.addr":               ":8080",
	"server.frontend_url":       "",
	"backend.url":               "ws://localhost:8000/ws",
	"backend.auth_timeout":      "10s",
	"backend.ping_interval":     "30s",
	"backend.ping_timeout":      "10s",
	"credential.token_file":     "./data/token",
	"credential.poll_interval":  "2s",
	"credential.refresh_skew":   "1m",
	"reconnect.max_retries":     3,
	"reconnect.initial_backoff": "500ms",
	"reconnect.max_backoff":     "30s",
	"reconnect.multiplier":      2.0,
	"reconnect.jitter":          0.2,
	"outbox.driver":             DriverSQLite,
	"outbox.db_path":            "./data/outbox.db",
	"outbox.ack_timeout":        "15s",
	"outbox.max_attempts":       5,
	"outbox.retry_delay":        "200ms",
	"outbox.sweep_interval":     "5m",
	"outbox.max_age":            "24h",
	"session.send_timeout":      "10s",
	"wake.enabled":              false,
	"wake.min_confidence":       0.85,
	"wake.debounce":             "2s",
	"wake.restart_delay":        "250ms",
	"wake.max_restarts":         5,
	"telemetry.tracing":         false,
	"telemetry.service_name":    "pamlink",
}

// Load reads configuration from defaults, the optional YAML file named by
// PAM_CONFIG_FILE, and PAM_ environment variables, in that order.
func Load() (*Config, error) {
	k := koanf.New(".")
	for key, value := range defaults {
		if err := k.Set(key, value); err != nil {
			return nil, fmt.Errorf("set default %s: %w", key, err)
		}
	}

	if path := os.Getenv(FileEnv); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decode configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// envKey maps PAM_OUTBOX__DB_PATH to outbox.db_path.
func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr cannot be empty")
	}
	if c.Backend.URL == "" {
		return fmt.Errorf("backend.url cannot be empty")
	}
	u, err := url.Parse(c.Backend.URL)
	if err != nil {
		return fmt.Errorf("backend.url is invalid: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return fmt.Errorf("backend.url scheme %q is not supported", u.Scheme)
	}
	if c.Credential.TokenFile == "" {
		return fmt.Errorf("credential.token_file cannot be empty")
	}
	if c.Reconnect.MaxRetries <= 0 {
		return fmt.Errorf("reconnect.max_retries must be > 0")
	}
	if c.Reconnect.InitialBackoff <= 0 || c.Reconnect.MaxBackoff < c.Reconnect.InitialBackoff {
		return fmt.Errorf("reconnect backoff must satisfy 0 < initial_backoff <= max_backoff")
	}
	if c.Reconnect.Jitter < 0 || c.Reconnect.Jitter >= 1 {
		return fmt.Errorf("reconnect.jitter must be in [0, 1)")
	}
	switch c.Outbox.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Outbox.DBPath == "" {
			return fmt.Errorf("outbox.db_path cannot be empty")
		}
	default:
		return fmt.Errorf("outbox.driver %q is not supported", c.Outbox.Driver)
	}
	if c.Outbox.MaxAttempts <= 0 {
		return fmt.Errorf("outbox.max_attempts must be > 0")
	}
	if c.Wake.MinConfidence < 0 || c.Wake.MinConfidence > 1 {
		return fmt.Errorf("wake.min_confidence must be in [0, 1]")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Server.FrontendURL == "" ||
		strings.Contains(c.Server.FrontendURL, "localhost") ||
		strings.Contains(c.Server.FrontendURL, "127.0.0.1")
}

// AllowedOrigins returns the origins accepted by the control surface.
func (c *Config) AllowedOrigins() []string {
	if c.IsDevelopment() {
		return []string{"*"}
	}
	return []string{c.Server.FrontendURL}
}
