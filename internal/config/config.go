package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"lexrelay/pkg/types"
)

// Config is the system-wide settings coordinator. All tunables the core
// treats as defaults (presence grace, typing auto-stop, rate-limit rules)
// live here rather than as hard-coded constants.
type Config struct {
	HTTP      *HTTPConfig      `json:"http"`
	WebSocket *WebSocketConfig `json:"websocket"`
	Auth      *AuthConfig      `json:"auth"`
	Database  *DatabaseConfig  `json:"database"`
	Presence  *PresenceConfig  `json:"presence"`
	Typing    *TypingConfig    `json:"typing"`
	RateLimit *RateLimitConfig `json:"rate_limit"`
}

type HTTPConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
}

type WebSocketConfig struct {
	PingInterval time.Duration `json:"ping_interval"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	BufferSize   int           `json:"buffer_size"`
}

type AuthConfig struct {
	Secret     string        `json:"secret"`
	Leeway     time.Duration `json:"leeway"`
	AdminToken string        `json:"admin_token"`
}

type DatabaseConfig struct {
	Path    string        `json:"path"`
	Timeout time.Duration `json:"timeout"`
}

type PresenceConfig struct {
	// EvictionGrace is how long an offline user's presence entry survives
	// before it is fully evicted; a reconnect inside the window cancels it.
	EvictionGrace time.Duration `json:"eviction_grace"`
}

type TypingConfig struct {
	// AutoStop is how long after the last typing_start a stop is forced.
	AutoStop time.Duration `json:"auto_stop"`
}

// RateRule is the (points, window, block) triple for one event type.
type RateRule struct {
	Points int           `json:"points"`
	Window time.Duration `json:"window"`
	Block  time.Duration `json:"block"`
}

type RateLimitConfig struct {
	// SweepInterval controls the background eviction of idle counters.
	SweepInterval time.Duration `json:"sweep_interval"`
	// Rules maps event names to limits. An event with no rule is never
	// rate-limited.
	Rules map[string]RateRule `json:"rules"`
}

// DefaultConfig returns production defaults. Rate-limit rules follow the
// platform's per-event budgets; file_upload_start is budgeted hourly
// because uploads are heavyweight on the storage side.
func DefaultConfig() *Config {
	return &Config{
		HTTP: &HTTPConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		WebSocket: &WebSocketConfig{
			PingInterval: 30 * time.Second,
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 10 * time.Second,
			BufferSize:   100,
		},
		Auth: &AuthConfig{
			Secret: "",
			Leeway: 30 * time.Second,
		},
		Database: &DatabaseConfig{
			Path:    "./lexrelay.db",
			Timeout: 30 * time.Second,
		},
		Presence: &PresenceConfig{
			EvictionGrace: 5 * time.Minute,
		},
		Typing: &TypingConfig{
			AutoStop: 3 * time.Second,
		},
		RateLimit: &RateLimitConfig{
			SweepInterval: 60 * time.Second,
			Rules: map[string]RateRule{
				types.EventSendMessage:    {Points: 100, Window: 60 * time.Second, Block: 60 * time.Second},
				types.EventTypingStart:    {Points: 60, Window: 60 * time.Second, Block: 10 * time.Second},
				types.EventTypingStop:     {Points: 60, Window: 60 * time.Second, Block: 10 * time.Second},
				types.EventAddReaction:    {Points: 200, Window: 60 * time.Second, Block: 30 * time.Second},
				types.EventRemoveReaction: {Points: 200, Window: 60 * time.Second, Block: 30 * time.Second},
				"file_upload_start":       {Points: 10, Window: time.Hour, Block: 300 * time.Second},
			},
		},
	}
}

// Validate rejects configurations that would fail at runtime.
func (c *Config) Validate() error {
	if c.HTTP == nil {
		return fmt.Errorf("HTTP configuration is required")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 1 and 65535")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("HTTP host cannot be empty")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("HTTP timeouts must be positive")
	}

	if c.WebSocket == nil {
		return fmt.Errorf("WebSocket configuration is required")
	}
	if c.WebSocket.PingInterval <= 0 {
		return fmt.Errorf("WebSocket ping interval must be positive")
	}
	if c.WebSocket.ReadTimeout <= c.WebSocket.PingInterval {
		return fmt.Errorf("WebSocket read timeout must exceed ping interval")
	}
	if c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("WebSocket write timeout must be positive")
	}
	if c.WebSocket.BufferSize <= 0 {
		return fmt.Errorf("WebSocket buffer size must be positive")
	}

	if c.Auth == nil {
		return fmt.Errorf("auth configuration is required")
	}
	if c.Auth.Secret == "" {
		return fmt.Errorf("auth secret cannot be empty")
	}
	if c.Auth.Leeway < 0 {
		return fmt.Errorf("auth leeway cannot be negative")
	}

	if c.Database == nil {
		return fmt.Errorf("database configuration is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if c.Database.Timeout <= 0 {
		return fmt.Errorf("database timeout must be positive")
	}

	if c.Presence == nil || c.Presence.EvictionGrace <= 0 {
		return fmt.Errorf("presence eviction grace must be positive")
	}
	if c.Typing == nil || c.Typing.AutoStop <= 0 {
		return fmt.Errorf("typing auto-stop must be positive")
	}

	if c.RateLimit == nil {
		return fmt.Errorf("rate limit configuration is required")
	}
	if c.RateLimit.SweepInterval <= 0 {
		return fmt.Errorf("rate limit sweep interval must be positive")
	}
	for event, rule := range c.RateLimit.Rules {
		if rule.Points <= 0 {
			return fmt.Errorf("rate limit points for %s must be positive", event)
		}
		if rule.Window <= 0 {
			return fmt.Errorf("rate limit window for %s must be positive", event)
		}
		if rule.Block < 0 {
			return fmt.Errorf("rate limit block for %s cannot be negative", event)
		}
	}

	return nil
}

// LoadFromEnv builds configuration from defaults with environment variable
// overrides. Supports containerized deployments.
func LoadFromEnv() *Config {
	config := DefaultConfig()

	if host := os.Getenv("LEXRELAY_HTTP_HOST"); host != "" {
		config.HTTP.Host = host
	}
	if port := os.Getenv("LEXRELAY_HTTP_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.HTTP.Port = p
		}
	}
	if timeout := os.Getenv("LEXRELAY_HTTP_READ_TIMEOUT"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			config.HTTP.ReadTimeout = d
		}
	}
	if timeout := os.Getenv("LEXRELAY_HTTP_WRITE_TIMEOUT"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			config.HTTP.WriteTimeout = d
		}
	}

	if interval := os.Getenv("LEXRELAY_WEBSOCKET_PING_INTERVAL"); interval != "" {
		if d, err := time.ParseDuration(interval); err == nil {
			config.WebSocket.PingInterval = d
		}
	}
	if timeout := os.Getenv("LEXRELAY_WEBSOCKET_READ_TIMEOUT"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			config.WebSocket.ReadTimeout = d
		}
	}
	if timeout := os.Getenv("LEXRELAY_WEBSOCKET_WRITE_TIMEOUT"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			config.WebSocket.WriteTimeout = d
		}
	}
	if size := os.Getenv("LEXRELAY_WEBSOCKET_BUFFER_SIZE"); size != "" {
		if n, err := strconv.Atoi(size); err == nil {
			config.WebSocket.BufferSize = n
		}
	}

	if secret := os.Getenv("LEXRELAY_AUTH_SECRET"); secret != "" {
		config.Auth.Secret = secret
	}
	if leeway := os.Getenv("LEXRELAY_AUTH_LEEWAY"); leeway != "" {
		if d, err := time.ParseDuration(leeway); err == nil {
			config.Auth.Leeway = d
		}
	}
	if token := os.Getenv("LEXRELAY_ADMIN_TOKEN"); token != "" {
		config.Auth.AdminToken = token
	}

	if path := os.Getenv("LEXRELAY_DATABASE_PATH"); path != "" {
		config.Database.Path = path
	}
	if timeout := os.Getenv("LEXRELAY_DATABASE_TIMEOUT"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			config.Database.Timeout = d
		}
	}

	if grace := os.Getenv("LEXRELAY_PRESENCE_EVICTION_GRACE"); grace != "" {
		if d, err := time.ParseDuration(grace); err == nil {
			config.Presence.EvictionGrace = d
		}
	}
	if autoStop := os.Getenv("LEXRELAY_TYPING_AUTO_STOP"); autoStop != "" {
		if d, err := time.ParseDuration(autoStop); err == nil {
			config.Typing.AutoStop = d
		}
	}
	if interval := os.Getenv("LEXRELAY_RATELIMIT_SWEEP_INTERVAL"); interval != "" {
		if d, err := time.ParseDuration(interval); err == nil {
			config.RateLimit.SweepInterval = d
		}
	}

	return config
}

// configFile mirrors Config for JSON parsing, with durations as strings.
type configFile struct {
	HTTP *struct {
		Host         string `json:"host"`
		Port         int    `json:"port"`
		ReadTimeout  string `json:"read_timeout"`
		WriteTimeout string `json:"write_timeout"`
	} `json:"http"`
	WebSocket *struct {
		PingInterval string `json:"ping_interval"`
		ReadTimeout  string `json:"read_timeout"`
		WriteTimeout string `json:"write_timeout"`
		BufferSize   int    `json:"buffer_size"`
	} `json:"websocket"`
	Auth *struct {
		Secret     string `json:"secret"`
		Leeway     string `json:"leeway"`
		AdminToken string `json:"admin_token"`
	} `json:"auth"`
	Database *struct {
		Path    string `json:"path"`
		Timeout string `json:"timeout"`
	} `json:"database"`
	Presence *struct {
		EvictionGrace string `json:"eviction_grace"`
	} `json:"presence"`
	Typing *struct {
		AutoStop string `json:"auto_stop"`
	} `json:"typing"`
	RateLimit *struct {
		SweepInterval string `json:"sweep_interval"`
		Rules         map[string]struct {
			Points int    `json:"points"`
			Window string `json:"window"`
			Block  string `json:"block"`
		} `json:"rules"`
	} `json:"rate_limit"`
}

// LoadFromFile loads JSON configuration, starting from defaults so partial
// files stay valid.
func LoadFromFile(filepath string) (*Config, error) {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", filepath, err)
	}

	var file configFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", filepath, err)
	}

	config := DefaultConfig()

	if file.HTTP != nil {
		if file.HTTP.Host != "" {
			config.HTTP.Host = file.HTTP.Host
		}
		if file.HTTP.Port > 0 {
			config.HTTP.Port = file.HTTP.Port
		}
		setDuration(&config.HTTP.ReadTimeout, file.HTTP.ReadTimeout)
		setDuration(&config.HTTP.WriteTimeout, file.HTTP.WriteTimeout)
	}
	if file.WebSocket != nil {
		setDuration(&config.WebSocket.PingInterval, file.WebSocket.PingInterval)
		setDuration(&config.WebSocket.ReadTimeout, file.WebSocket.ReadTimeout)
		setDuration(&config.WebSocket.WriteTimeout, file.WebSocket.WriteTimeout)
		if file.WebSocket.BufferSize > 0 {
			config.WebSocket.BufferSize = file.WebSocket.BufferSize
		}
	}
	if file.Auth != nil {
		if file.Auth.Secret != "" {
			config.Auth.Secret = file.Auth.Secret
		}
		setDuration(&config.Auth.Leeway, file.Auth.Leeway)
		if file.Auth.AdminToken != "" {
			config.Auth.AdminToken = file.Auth.AdminToken
		}
	}
	if file.Database != nil {
		if file.Database.Path != "" {
			config.Database.Path = file.Database.Path
		}
		setDuration(&config.Database.Timeout, file.Database.Timeout)
	}
	if file.Presence != nil {
		setDuration(&config.Presence.EvictionGrace, file.Presence.EvictionGrace)
	}
	if file.Typing != nil {
		setDuration(&config.Typing.AutoStop, file.Typing.AutoStop)
	}
	if file.RateLimit != nil {
		setDuration(&config.RateLimit.SweepInterval, file.RateLimit.SweepInterval)
		for event, raw := range file.RateLimit.Rules {
			rule := RateRule{Points: raw.Points}
			setDuration(&rule.Window, raw.Window)
			setDuration(&rule.Block, raw.Block)
			config.RateLimit.Rules[event] = rule
		}
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", filepath, err)
	}

	return config, nil
}

// LoadConfigWithPrecedence applies file > environment > defaults.
func LoadConfigWithPrecedence(filepath string) *Config {
	config := LoadFromEnv()

	if filepath != "" {
		if fileConfig, err := LoadFromFile(filepath); err == nil {
			config = fileConfig
		}
		// File errors are non-fatal; environment/defaults still apply.
	}

	return config
}

func setDuration(target *time.Duration, value string) {
	if value == "" {
		return
	}
	if d, err := time.ParseDuration(value); err == nil {
		*target = d
	}
}
