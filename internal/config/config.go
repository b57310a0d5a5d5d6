// Package config loads opswire configuration from YAML or JSON5 files.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/haasonsaas/opswire/internal/backoff"
	"github.com/haasonsaas/opswire/internal/ratelimit"
)

// ErrConfigNotFound is returned when the config file does not exist.
var ErrConfigNotFound = errors.New("config file not found")

// Config is the root configuration.
type Config struct {
	// Environment selects an entry of Gateway.Endpoints.
	Environment string           `yaml:"environment"`
	Gateway     GatewayConfig    `yaml:"gateway"`
	Operator    OperatorConfig   `yaml:"operator"`
	Presence    PresenceConfig   `yaml:"presence"`
	Moderation  ModerationConfig `yaml:"moderation"`
	Alerts      AlertsConfig     `yaml:"alerts"`
	Logging     LoggingConfig    `yaml:"logging"`
	Metrics     MetricsConfig    `yaml:"metrics"`
	Tracing     TracingConfig    `yaml:"tracing"`
	Server      ServerConfig     `yaml:"server"`
}

// GatewayConfig configures the client connection.
type GatewayConfig struct {
	// URL overrides Endpoints when set.
	URL               string            `yaml:"url"`
	Endpoints         map[string]string `yaml:"endpoints"`
	HeartbeatInterval time.Duration     `yaml:"heartbeat_interval"`
	DialTimeout       time.Duration     `yaml:"dial_timeout"`
	WriteTimeout      time.Duration     `yaml:"write_timeout"`
	OutboundBuffer    int               `yaml:"outbound_buffer"`
	Backoff           BackoffConfig     `yaml:"backoff"`
}

// BackoffConfig configures reconnect delays.
type BackoffConfig struct {
	Mode   string        `yaml:"mode"`
	Delay  time.Duration `yaml:"delay"`
	Max    time.Duration `yaml:"max"`
	Factor float64       `yaml:"factor"`
	Jitter float64       `yaml:"jitter"`
}

// Policy converts the config to a backoff policy.
func (b BackoffConfig) Policy() backoff.Policy {
	return backoff.Policy{
		Mode:   backoff.Mode(strings.ToLower(strings.TrimSpace(b.Mode))),
		Delay:  b.Delay,
		Max:    b.Max,
		Factor: b.Factor,
		Jitter: b.Jitter,
	}
}

// OperatorConfig describes the local operator. Fields left empty are filled
// from the token claims when a token is present.
type OperatorConfig struct {
	ID        string `yaml:"id"`
	Name      string `yaml:"name"`
	Role      string `yaml:"role"`
	Token     string `yaml:"token"`
	TokenFile string `yaml:"token_file"`
}

// PresenceConfig configures the presence table.
type PresenceConfig struct {
	InitialSection string `yaml:"initial_section"`
	// StaleAfter treats entries not refreshed within the window as offline.
	// Zero keeps entries until the next snapshot.
	StaleAfter    time.Duration `yaml:"stale_after"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// ModerationConfig lists the sections where moderation updates are relevant.
type ModerationConfig struct {
	Sections []string `yaml:"sections"`
}

// AlertsConfig configures the unread badge.
type AlertsConfig struct {
	// MaxUnread saturates the badge. Zero means unbounded.
	MaxUnread int `yaml:"max_unread"`
}

// LoggingConfig configures slog output.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// TracingConfig configures OTLP export.
type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	Insecure     bool    `yaml:"insecure"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// ServerConfig configures the development gateway.
type ServerConfig struct {
	Listen       string        `yaml:"listen"`
	Path         string        `yaml:"path"`
	TokenSecret  string        `yaml:"token_secret"`
	TokenExpiry  time.Duration `yaml:"token_expiry"`
	DemoSchedule string        `yaml:"demo_schedule"`

	// RateLimit bounds the frames each session may send.
	RateLimit ratelimit.Config `yaml:"rate_limit"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Environment: "development",
		Gateway: GatewayConfig{
			Endpoints: map[string]string{
				"development": "ws://localhost:8080/ws/admin",
				"staging":     "wss://staging.ops.example.com/ws/admin",
				"production":  "wss://ops.example.com/ws/admin",
			},
			HeartbeatInterval: 30 * time.Second,
			DialTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			OutboundBuffer:    64,
			Backoff: BackoffConfig{
				Mode:   string(backoff.ModeFixed),
				Delay:  5 * time.Second,
				Max:    time.Minute,
				Factor: 2,
			},
		},
		Presence: PresenceConfig{
			InitialSection: "dashboard",
			SweepInterval:  30 * time.Second,
		},
		Moderation: ModerationConfig{
			Sections: []string{"moderation"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Tracing: TracingConfig{
			SamplingRate: 1.0,
		},
		Server: ServerConfig{
			Listen:      ":8080",
			Path:        "/ws/admin",
			TokenExpiry: 12 * time.Hour,
			RateLimit:   ratelimit.DefaultConfig(),
		},
	}
}

// Endpoint returns the gateway URL for the configured environment.
func (c *Config) Endpoint() (string, error) {
	if u := strings.TrimSpace(c.Gateway.URL); u != "" {
		return u, nil
	}
	env := strings.TrimSpace(c.Environment)
	u, ok := c.Gateway.Endpoints[env]
	if !ok || strings.TrimSpace(u) == "" {
		return "", fmt.Errorf("no gateway endpoint for environment %q", env)
	}
	return strings.TrimSpace(u), nil
}

// Validate reports every problem found in the configuration.
func (c *Config) Validate() error {
	var errs []error

	endpoint, err := c.Endpoint()
	if err != nil {
		errs = append(errs, err)
	} else if parsed, err := url.Parse(endpoint); err != nil {
		errs = append(errs, fmt.Errorf("gateway endpoint: %w", err))
	} else if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		errs = append(errs, fmt.Errorf("gateway endpoint must use ws or wss, got %q", parsed.Scheme))
	}

	if c.Gateway.HeartbeatInterval <= 0 {
		errs = append(errs, fmt.Errorf("gateway.heartbeat_interval must be positive"))
	}
	if c.Gateway.DialTimeout <= 0 {
		errs = append(errs, fmt.Errorf("gateway.dial_timeout must be positive"))
	}
	if c.Gateway.OutboundBuffer <= 0 {
		errs = append(errs, fmt.Errorf("gateway.outbound_buffer must be positive"))
	}
	if err := c.Gateway.Backoff.Policy().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("gateway.backoff: %w", err))
	}
	if c.Presence.StaleAfter < 0 {
		errs = append(errs, fmt.Errorf("presence.stale_after must not be negative"))
	}
	if c.Presence.StaleAfter > 0 && c.Presence.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("presence.sweep_interval must be positive when stale_after is set"))
	}
	if c.Alerts.MaxUnread < 0 {
		errs = append(errs, fmt.Errorf("alerts.max_unread must not be negative"))
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		errs = append(errs, fmt.Errorf("server.rate_limit.requests_per_second must be positive"))
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		errs = append(errs, fmt.Errorf("tracing.sampling_rate must be within [0, 1]"))
	}

	return errors.Join(errs...)
}
