package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/opswire/internal/backoff"
	"github.com/haasonsaas/opswire/internal/identity"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Gateway.HeartbeatInterval != 30*time.Second {
		t.Errorf("expected 30s heartbeat, got %v", cfg.Gateway.HeartbeatInterval)
	}
	if got := cfg.Gateway.Backoff.Policy(); got.Mode != backoff.ModeFixed || got.Delay != 5*time.Second {
		t.Errorf("expected fixed 5s reconnect, got %+v", got)
	}
}

func TestLoadYAML(t *testing.T) {
	t.Setenv("OPSWIRE_TEST_TOKEN", "from-env")
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", `
environment: production
gateway:
  heartbeat_interval: 15s
  backoff:
    mode: exponential
    delay: 1s
    max: 30s
    factor: 2
    jitter: 0.1
operator:
  id: a1
  token: ${OPSWIRE_TEST_TOKEN}
moderation:
  sections: [moderation, reports]
server:
  rate_limit:
    requests_per_second: 5
    burst_size: 10
    enabled: true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.HeartbeatInterval != 15*time.Second {
		t.Errorf("expected 15s heartbeat, got %v", cfg.Gateway.HeartbeatInterval)
	}
	if cfg.Gateway.DialTimeout != 10*time.Second {
		t.Errorf("expected default dial timeout to survive, got %v", cfg.Gateway.DialTimeout)
	}
	if cfg.Operator.Token != "from-env" {
		t.Errorf("expected env expansion, got %q", cfg.Operator.Token)
	}
	if len(cfg.Moderation.Sections) != 2 || cfg.Moderation.Sections[1] != "reports" {
		t.Errorf("unexpected moderation sections %v", cfg.Moderation.Sections)
	}
	endpoint, err := cfg.Endpoint()
	if err != nil || endpoint != "wss://ops.example.com/ws/admin" {
		t.Errorf("expected production endpoint, got %q (%v)", endpoint, err)
	}
	if p := cfg.Gateway.Backoff.Policy(); p.Mode != backoff.ModeExponential || p.Max != 30*time.Second {
		t.Errorf("unexpected policy %+v", p)
	}
	if rl := cfg.Server.RateLimit; rl.RequestsPerSecond != 5 || rl.BurstSize != 10 || !rl.Enabled {
		t.Errorf("unexpected rate limit %+v", rl)
	}
}

func TestLoadJSON5WithInclude(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
environment: staging
logging:
  level: debug
`)
	path := writeFile(t, dir, "config.json5", `{
  // shared settings
  include: "base.yaml",
  gateway: { url: "ws://127.0.0.1:9000/ws", outbound_buffer: 8 },
  alerts: { max_unread: 99 }
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Environment != "staging" || cfg.Logging.Level != "debug" {
		t.Errorf("expected included values, got env=%q level=%q", cfg.Environment, cfg.Logging.Level)
	}
	if cfg.Gateway.OutboundBuffer != 8 || cfg.Alerts.MaxUnread != 99 {
		t.Errorf("unexpected values %+v %+v", cfg.Gateway, cfg.Alerts)
	}
	endpoint, err := cfg.Endpoint()
	if err != nil || endpoint != "ws://127.0.0.1:9000/ws" {
		t.Errorf("expected explicit url to win, got %q (%v)", endpoint, err)
	}
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	if _, err := Load(filepath.Join(dir, "missing.yaml")); !errors.Is(err, ErrConfigNotFound) {
		t.Errorf("expected ErrConfigNotFound, got %v", err)
	}

	unknown := writeFile(t, dir, "unknown.yaml", "gatway:\n  url: ws://x\n")
	if _, err := Load(unknown); err == nil {
		t.Error("expected error for unknown field")
	}

	multi := writeFile(t, dir, "multi.yaml", "environment: a\n---\nenvironment: b\n")
	if _, err := Load(multi); err == nil {
		t.Error("expected error for multiple documents")
	}

	cycleA := filepath.Join(dir, "a.yaml")
	writeFile(t, dir, "a.yaml", "include: b.yaml\n")
	writeFile(t, dir, "b.yaml", "include: a.yaml\n")
	if _, err := Load(cycleA); err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Errorf("expected include cycle error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "unknown environment", mutate: func(c *Config) { c.Environment = "qa" }, want: "no gateway endpoint"},
		{name: "http scheme", mutate: func(c *Config) { c.Gateway.URL = "http://example.com" }, want: "ws or wss"},
		{name: "zero heartbeat", mutate: func(c *Config) { c.Gateway.HeartbeatInterval = 0 }, want: "heartbeat_interval"},
		{name: "bad backoff", mutate: func(c *Config) { c.Gateway.Backoff.Mode = "linear" }, want: "backoff"},
		{name: "stale without sweep", mutate: func(c *Config) {
			c.Presence.StaleAfter = time.Minute
			c.Presence.SweepInterval = 0
		}, want: "sweep_interval"},
		{name: "sampling rate", mutate: func(c *Config) { c.Tracing.SamplingRate = 2 }, want: "sampling_rate"},
		{name: "rate limit", mutate: func(c *Config) { c.Server.RateLimit.RequestsPerSecond = 0 }, want: "rate_limit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestResolveOperator(t *testing.T) {
	svc := identity.NewTokenService("secret", time.Hour)
	token, err := svc.Issue(identity.Operator{ID: "op-3", Name: "Linus", Role: "moderator"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	dir := t.TempDir()
	tokenPath := writeFile(t, dir, "token", token+"\n")

	cfg := Default()
	cfg.Operator.TokenFile = tokenPath
	cfg.Operator.Role = "admin"

	op, err := cfg.ResolveOperator()
	if err != nil {
		t.Fatalf("ResolveOperator: %v", err)
	}
	if op.ID != "op-3" || op.Name != "Linus" {
		t.Errorf("expected claims to fill identity, got %+v", op)
	}
	if op.Role != "admin" {
		t.Errorf("expected explicit role to win, got %q", op.Role)
	}
	if op.Token != token {
		t.Error("expected token to be carried")
	}

	empty := Default()
	if _, err := empty.ResolveOperator(); err == nil {
		t.Error("expected error without id or token")
	}
}

func TestResolvePath(t *testing.T) {
	t.Setenv(EnvConfigPath, "/etc/opswire.yaml")
	if got := ResolvePath("custom.yaml"); got != "custom.yaml" {
		t.Errorf("expected explicit path, got %q", got)
	}
	if got := ResolvePath(""); got != "/etc/opswire.yaml" {
		t.Errorf("expected env path, got %q", got)
	}
}

func TestWriteRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := Default()
	cfg.Operator.ID = "a1"
	if err := Write(path, &cfg); err != nil {
		t.Fatalf("Write: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Operator.ID != "a1" || loaded.Gateway.HeartbeatInterval != 30*time.Second {
		t.Errorf("unexpected round trip result %+v", loaded)
	}
}
