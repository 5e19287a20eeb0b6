package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// validBaseConfig builds a valid config with rate limiting on.
func validBaseConfig() *Config {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.HTTP.RequestsPerSecond = 10
	cfg.RateLimiting.HTTP.Burst = 20
	cfg.RateLimiting.HTTP.MaxConcurrent = 5
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 60
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 50
	cfg.RateLimiting.WebSocket.Burst = 100
	cfg.RateLimiting.WebSocket.MaxConcurrent = 10
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 65536
	return cfg
}

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
	require.NoError(t, validBaseConfig().Validate())
}

func TestValidate_RateLimitingDisabled_AllowsZeroValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 0
	cfg.RateLimiting.HTTP.Burst = 0
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 0
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 0
	cfg.RateLimiting.WebSocket.Burst = 0

	assert.NoError(t, cfg.Validate())
}

func TestValidate_InvalidValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty address", func(c *Config) { c.Server.Address = "" }},
		{"pong not after ping", func(c *Config) { c.Signal.PongTimeout = c.Signal.PingInterval }},
		{"half port range", func(c *Config) { c.WebRTC.PortRange.Min = 10000 }},
		{"inverted port range", func(c *Config) { c.WebRTC.PortRange.Min, c.WebRTC.PortRange.Max = 20000, 10000 }},
		{"no remote slots", func(c *Config) { c.WebRTC.RemoteSlots = 0 }},
		{"empty app id", func(c *Config) { c.Visit.AppID = "" }},
		{"zero debounce", func(c *Config) { c.Cart.DebounceWindow = 0 }},
		{"zero rate ttl", func(c *Config) { c.Cart.RateTTL = 0 }},
		{"negative retries", func(c *Config) { c.Cart.FetchRetries = -1 }},
		{"zero lock ttl", func(c *Config) { c.Cart.LockTTL = 0 }},
		{"tracing without url", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.JaegerURL = "" }},
		{"sample rate out of range", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.SampleRate = 1.5 }},
		{"redis without address", func(c *Config) { c.Redis.Enabled = true; c.Redis.Address = "" }},
		{"postgres min above max", func(c *Config) { c.Postgres.Enabled = true; c.Postgres.MinConns = 30 }},
		{"empty jwt secret", func(c *Config) { c.Auth.JWTSecret = "" }},
		{"http rps must be > 0", func(c *Config) { c.RateLimiting.HTTP.RequestsPerSecond = 0 }},
		{"http burst must be > 0", func(c *Config) { c.RateLimiting.HTTP.Burst = 0 }},
		{"http max concurrent must be >= 0", func(c *Config) { c.RateLimiting.HTTP.MaxConcurrent = -1 }},
		{"ws connections per minute must be > 0", func(c *Config) { c.RateLimiting.WebSocket.ConnectionsPerMinute = 0 }},
		{"ws messages per second must be > 0", func(c *Config) { c.RateLimiting.WebSocket.MessagesPerSecond = 0 }},
		{"ws burst must be > 0", func(c *Config) { c.RateLimiting.WebSocket.Burst = 0 }},
		{"ws max message size must be >= 0", func(c *Config) { c.RateLimiting.WebSocket.MaxMessageSizeBytes = -1 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validBaseConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, 500*time.Millisecond, cfg.Cart.DebounceWindow)
}

func TestLoad_FileAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  address: ":9000"
visit:
  app_id: "clinic-a"
cart:
  debounce_window: 250ms
  rate_ttl: 1m
webrtc:
  port_range:
    min: 40000
    max: 40100
`), 0o600))

	t.Setenv("CAREBRIDGE_JWT_SECRET", "from-env")
	t.Setenv("CAREBRIDGE_DATABASE_URL", "postgres://db/carebridge")
	t.Setenv("CAREBRIDGE_CART_DEBOUNCE_MS", "750")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Server.Address)
	assert.Equal(t, "clinic-a", cfg.Visit.AppID)
	assert.Equal(t, time.Minute, cfg.Cart.RateTTL)
	assert.Equal(t, uint16(40000), cfg.WebRTC.PortRange.Min)
	assert.Equal(t, "from-env", cfg.Auth.JWTSecret)
	assert.True(t, cfg.Postgres.Enabled)
	assert.Equal(t, "postgres://db/carebridge", cfg.Postgres.URL)
	assert.Equal(t, 750*time.Millisecond, cfg.Cart.DebounceWindow)
	// Untouched sections keep their defaults.
	assert.Equal(t, 4, cfg.Cart.FetchConcurrency)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [unclosed"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_InvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("visit:\n  app_id: \"\"\n"), 0o600))

	_, err := Load(path)
	assert.ErrorContains(t, err, "visit.app_id")
}
