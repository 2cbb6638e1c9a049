package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"time"
)

// Config is the complete client configuration.
type Config struct {
	Server    *ServerConfig    `validate:"required"`
	WebSocket *WebSocketConfig `validate:"required"`
	Reconnect *ReconnectConfig `validate:"required"`
	Auth      *AuthConfig      `validate:"required"`
	Database  *DatabaseConfig  `validate:"required"`
	Log       *LogConfig       `validate:"required"`
}

// ServerConfig locates the request/response API.
type ServerConfig struct {
	BaseURL        string        `validate:"required,url" label:"server.base_url"`
	RequestTimeout time.Duration `validate:"gt=0" label:"server.request_timeout"`
}

// WebSocketConfig tunes the notification connection.
type WebSocketConfig struct {
	URL              string        `validate:"required,url" label:"websocket.url"`
	PingInterval     time.Duration `validate:"gt=0" label:"websocket.ping_interval"`
	ReadTimeout      time.Duration `validate:"gt=0" label:"websocket.read_timeout"`
	WriteTimeout     time.Duration `validate:"gt=0" label:"websocket.write_timeout"`
	HandshakeTimeout time.Duration `validate:"gt=0" label:"websocket.handshake_timeout"`
	BufferSize       int           `validate:"gt=0" label:"websocket.buffer_size"`
}

// ReconnectConfig is the retry policy applied after transport instability.
type ReconnectConfig struct {
	InitialDelay time.Duration `validate:"gt=0" label:"reconnect.initial_delay"`
	MaxDelay     time.Duration `validate:"gtefield=InitialDelay" label:"reconnect.max_delay"`
	Multiplier   float64       `validate:"gte=1" label:"reconnect.multiplier"`
	// MaxAttempts of zero retries forever.
	MaxAttempts int `validate:"gte=0" label:"reconnect.max_attempts"`
}

// Backoff returns the delay before retry number attempt (1-based).
func (r *ReconnectConfig) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(r.InitialDelay) * math.Pow(r.Multiplier, float64(attempt-1))
	if delay > float64(r.MaxDelay) || math.IsInf(delay, 0) {
		return r.MaxDelay
	}
	return time.Duration(delay)
}

// Exhausted reports whether attempt exceeds the retry budget.
func (r *ReconnectConfig) Exhausted(attempt int) bool {
	return r.MaxAttempts > 0 && attempt > r.MaxAttempts
}

// AuthConfig configures credential issuance and renewal.
type AuthConfig struct {
	LoginPath   string `validate:"required,startswith=/" label:"auth.login_path"`
	RefreshPath string `validate:"required,startswith=/" label:"auth.refresh_path"`
	LogoutPath  string `validate:"required,startswith=/" label:"auth.logout_path"`
	Profile     string `validate:"required,max=64" label:"auth.profile"`
	// Persist keeps the credential in the database across restarts.
	Persist       bool `label:"auth.persist"`
	ReplayWorkers int  `validate:"gt=0" label:"auth.replay_workers"`
	// PublishRate is the per-topic publish budget per second; zero disables it.
	PublishRate int `validate:"gte=0" label:"auth.publish_rate"`
}

// DatabaseConfig locates the credential database.
type DatabaseConfig struct {
	Path           string `label:"database.path"`
	MaxConnections int    `validate:"gt=0" label:"database.max_connections"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level       string   `validate:"oneof=debug info warn error" label:"log.level"`
	OutputPaths []string `label:"log.output_paths"`
}

// DefaultConfig returns settings for a client talking to a local backend.
func DefaultConfig() *Config {
	return &Config{
		Server: &ServerConfig{
			BaseURL:        "http://localhost:8080",
			RequestTimeout: 30 * time.Second,
		},
		WebSocket: &WebSocketConfig{
			URL:              "ws://localhost:8080/ws",
			PingInterval:     30 * time.Second,
			ReadTimeout:      60 * time.Second,
			WriteTimeout:     10 * time.Second,
			HandshakeTimeout: 10 * time.Second,
			BufferSize:       100,
		},
		Reconnect: &ReconnectConfig{
			InitialDelay: time.Second,
			MaxDelay:     30 * time.Second,
			Multiplier:   2,
			MaxAttempts:  0,
		},
		Auth: &AuthConfig{
			LoginPath:     "/api/auth/login",
			RefreshPath:   "/api/auth/refresh",
			LogoutPath:    "/api/auth/logout",
			Profile:       "default",
			Persist:       true,
			ReplayWorkers: 8,
			PublishRate:   10,
		},
		Database: &DatabaseConfig{
			Path:           "./data/dispatchlink.db",
			MaxConnections: 4,
		},
		Log: &LogConfig{
			Level:       "info",
			OutputPaths: []string{"stderr"},
		},
	}
}

// Validate checks struct constraints and the rules that span sections.
func (c *Config) Validate() error {
	if err := translate(validate.Struct(c)); err != nil {
		return err
	}

	if c.Auth.Persist && c.Database.Path == "" {
		return fmt.Errorf("database.path is required when auth.persist is enabled")
	}
	if c.WebSocket.ReadTimeout <= c.WebSocket.PingInterval {
		return fmt.Errorf("websocket.read_timeout must exceed websocket.ping_interval")
	}
	return nil
}

// LoadFromEnv applies DISPATCHLINK_* variables over the defaults.
func LoadFromEnv() *Config {
	config := DefaultConfig()
	applyEnv(config)
	return config
}

func applyEnv(config *Config) {
	setString("DISPATCHLINK_SERVER_BASE_URL", &config.Server.BaseURL)
	setDuration("DISPATCHLINK_SERVER_REQUEST_TIMEOUT", &config.Server.RequestTimeout)

	setString("DISPATCHLINK_WEBSOCKET_URL", &config.WebSocket.URL)
	setDuration("DISPATCHLINK_WEBSOCKET_PING_INTERVAL", &config.WebSocket.PingInterval)
	setDuration("DISPATCHLINK_WEBSOCKET_READ_TIMEOUT", &config.WebSocket.ReadTimeout)
	setDuration("DISPATCHLINK_WEBSOCKET_WRITE_TIMEOUT", &config.WebSocket.WriteTimeout)
	setDuration("DISPATCHLINK_WEBSOCKET_HANDSHAKE_TIMEOUT", &config.WebSocket.HandshakeTimeout)
	setInt("DISPATCHLINK_WEBSOCKET_BUFFER_SIZE", &config.WebSocket.BufferSize)

	setDuration("DISPATCHLINK_RECONNECT_INITIAL_DELAY", &config.Reconnect.InitialDelay)
	setDuration("DISPATCHLINK_RECONNECT_MAX_DELAY", &config.Reconnect.MaxDelay)
	setInt("DISPATCHLINK_RECONNECT_MAX_ATTEMPTS", &config.Reconnect.MaxAttempts)

	setString("DISPATCHLINK_AUTH_PROFILE", &config.Auth.Profile)
	if v := os.Getenv("DISPATCHLINK_AUTH_PERSIST"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			config.Auth.Persist = b
		}
	}
	setInt("DISPATCHLINK_AUTH_PUBLISH_RATE", &config.Auth.PublishRate)

	setString("DISPATCHLINK_DATABASE_PATH", &config.Database.Path)
	setString("DISPATCHLINK_LOG_LEVEL", &config.Log.Level)
}

func setString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// LoadConfigWithPrecedence resolves file > environment > defaults. An
// empty path skips the file.
func LoadConfigWithPrecedence(path string) (*Config, error) {
	config := LoadFromEnv()

	if path != "" {
		if err := applyFile(config, path); err != nil {
			return nil, err
		}
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}
