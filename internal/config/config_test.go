package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lexrelay/pkg/types"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Auth.Secret = "test-secret"
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, 5*time.Minute, cfg.Presence.EvictionGrace)
	assert.Equal(t, 3*time.Second, cfg.Typing.AutoStop)
	assert.Equal(t, 60*time.Second, cfg.RateLimit.SweepInterval)

	rule, ok := cfg.RateLimit.Rules[types.EventSendMessage]
	require.True(t, ok, "send_message must carry a default rate rule")
	assert.Equal(t, 100, rule.Points)
	assert.Equal(t, 60*time.Second, rule.Window)
	assert.Equal(t, 60*time.Second, rule.Block)
}

func TestValidateRejectsMissingSecret(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auth secret")
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero port", func(c *Config) { c.HTTP.Port = 0 }},
		{"port too large", func(c *Config) { c.HTTP.Port = 70000 }},
		{"empty host", func(c *Config) { c.HTTP.Host = "" }},
		{"read timeout below ping", func(c *Config) { c.WebSocket.ReadTimeout = c.WebSocket.PingInterval }},
		{"zero buffer", func(c *Config) { c.WebSocket.BufferSize = 0 }},
		{"empty db path", func(c *Config) { c.Database.Path = "" }},
		{"zero grace", func(c *Config) { c.Presence.EvictionGrace = 0 }},
		{"zero auto-stop", func(c *Config) { c.Typing.AutoStop = 0 }},
		{"zero rule points", func(c *Config) {
			c.RateLimit.Rules["broken"] = RateRule{Points: 0, Window: time.Minute}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadFromEnvOverrides(t *testing.T) {
	t.Setenv("LEXRELAY_HTTP_PORT", "9090")
	t.Setenv("LEXRELAY_AUTH_SECRET", "env-secret")
	t.Setenv("LEXRELAY_PRESENCE_EVICTION_GRACE", "90s")
	t.Setenv("LEXRELAY_TYPING_AUTO_STOP", "5s")

	cfg := LoadFromEnv()

	assert.Equal(t, 9090, cfg.HTTP.Port)
	assert.Equal(t, "env-secret", cfg.Auth.Secret)
	assert.Equal(t, 90*time.Second, cfg.Presence.EvictionGrace)
	assert.Equal(t, 5*time.Second, cfg.Typing.AutoStop)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromEnvIgnoresUnparseable(t *testing.T) {
	t.Setenv("LEXRELAY_HTTP_PORT", "not-a-number")
	t.Setenv("LEXRELAY_TYPING_AUTO_STOP", "not-a-duration")

	cfg := LoadFromEnv()

	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, 3*time.Second, cfg.Typing.AutoStop)
}

func TestLoadFromFile(t *testing.T) {
	content := `{
		"http": {"port": 9191, "host": "127.0.0.1"},
		"auth": {"secret": "file-secret", "leeway": "10s"},
		"presence": {"eviction_grace": "2m"},
		"rate_limit": {
			"rules": {
				"send_message": {"points": 5, "window": "30s", "block": "15s"}
			}
		}
	}`

	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.HTTP.Port)
	assert.Equal(t, "127.0.0.1", cfg.HTTP.Host)
	assert.Equal(t, "file-secret", cfg.Auth.Secret)
	assert.Equal(t, 10*time.Second, cfg.Auth.Leeway)
	assert.Equal(t, 2*time.Minute, cfg.Presence.EvictionGrace)

	rule := cfg.RateLimit.Rules[types.EventSendMessage]
	assert.Equal(t, 5, rule.Points)
	assert.Equal(t, 30*time.Second, rule.Window)
	assert.Equal(t, 15*time.Second, rule.Block)

	// Rules the file doesn't mention keep their defaults.
	assert.Equal(t, 200, cfg.RateLimit.Rules[types.EventAddReaction].Points)
}

func TestLoadFromFileErrors(t *testing.T) {
	_, err := LoadFromFile("/nonexistent/config.json")
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	_, err = LoadFromFile(path)
	assert.Error(t, err)
}

func TestLoadConfigWithPrecedence(t *testing.T) {
	t.Setenv("LEXRELAY_HTTP_PORT", "9090")

	// Missing file falls back to the environment.
	cfg := LoadConfigWithPrecedence("/nonexistent/config.json")
	assert.Equal(t, 9090, cfg.HTTP.Port)

	// A valid file wins over the environment.
	content := `{"http": {"port": 7070}, "auth": {"secret": "s"}}`
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg = LoadConfigWithPrecedence(path)
	assert.Equal(t, 7070, cfg.HTTP.Port)
}
