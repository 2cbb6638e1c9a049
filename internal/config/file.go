package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// configFile mirrors Config with durations as strings so one shape
// decodes from TOML, YAML and JSON alike.
type configFile struct {
	Server    *serverFile    `json:"server" toml:"server" yaml:"server"`
	WebSocket *webSocketFile `json:"websocket" toml:"websocket" yaml:"websocket"`
	Reconnect *reconnectFile `json:"reconnect" toml:"reconnect" yaml:"reconnect"`
	Auth      *authFile      `json:"auth" toml:"auth" yaml:"auth"`
	Database  *databaseFile  `json:"database" toml:"database" yaml:"database"`
	Log       *logFile       `json:"log" toml:"log" yaml:"log"`
}

type serverFile struct {
	BaseURL        string `json:"base_url" toml:"base_url" yaml:"base_url"`
	RequestTimeout string `json:"request_timeout" toml:"request_timeout" yaml:"request_timeout"`
}

type webSocketFile struct {
	URL              string `json:"url" toml:"url" yaml:"url"`
	PingInterval     string `json:"ping_interval" toml:"ping_interval" yaml:"ping_interval"`
	ReadTimeout      string `json:"read_timeout" toml:"read_timeout" yaml:"read_timeout"`
	WriteTimeout     string `json:"write_timeout" toml:"write_timeout" yaml:"write_timeout"`
	HandshakeTimeout string `json:"handshake_timeout" toml:"handshake_timeout" yaml:"handshake_timeout"`
	BufferSize       int    `json:"buffer_size" toml:"buffer_size" yaml:"buffer_size"`
}

type reconnectFile struct {
	InitialDelay string  `json:"initial_delay" toml:"initial_delay" yaml:"initial_delay"`
	MaxDelay     string  `json:"max_delay" toml:"max_delay" yaml:"max_delay"`
	Multiplier   float64 `json:"multiplier" toml:"multiplier" yaml:"multiplier"`
	MaxAttempts  *int    `json:"max_attempts" toml:"max_attempts" yaml:"max_attempts"`
}

type authFile struct {
	LoginPath     string `json:"login_path" toml:"login_path" yaml:"login_path"`
	RefreshPath   string `json:"refresh_path" toml:"refresh_path" yaml:"refresh_path"`
	LogoutPath    string `json:"logout_path" toml:"logout_path" yaml:"logout_path"`
	Profile       string `json:"profile" toml:"profile" yaml:"profile"`
	Persist       *bool  `json:"persist" toml:"persist" yaml:"persist"`
	ReplayWorkers int    `json:"replay_workers" toml:"replay_workers" yaml:"replay_workers"`
	PublishRate   *int   `json:"publish_rate" toml:"publish_rate" yaml:"publish_rate"`
}

type databaseFile struct {
	Path           string `json:"path" toml:"path" yaml:"path"`
	MaxConnections int    `json:"max_connections" toml:"max_connections" yaml:"max_connections"`
}

type logFile struct {
	Level       string   `json:"level" toml:"level" yaml:"level"`
	OutputPaths []string `json:"output_paths" toml:"output_paths" yaml:"output_paths"`
}

// LoadFromFile reads a .toml, .yaml/.yml or .json file over the defaults
// and validates the result.
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()
	if err := applyFile(config, path); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return config, nil
}

func applyFile(config *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var file configFile
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		err = toml.Unmarshal(data, &file)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &file)
	case ".json":
		err = json.Unmarshal(data, &file)
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
	if err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := file.apply(config); err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}
	return nil
}

func (f *configFile) apply(config *Config) error {
	var errs durationErrors

	if s := f.Server; s != nil {
		overrideString(&config.Server.BaseURL, s.BaseURL)
		errs.parse("server.request_timeout", s.RequestTimeout, &config.Server.RequestTimeout)
	}

	if ws := f.WebSocket; ws != nil {
		overrideString(&config.WebSocket.URL, ws.URL)
		errs.parse("websocket.ping_interval", ws.PingInterval, &config.WebSocket.PingInterval)
		errs.parse("websocket.read_timeout", ws.ReadTimeout, &config.WebSocket.ReadTimeout)
		errs.parse("websocket.write_timeout", ws.WriteTimeout, &config.WebSocket.WriteTimeout)
		errs.parse("websocket.handshake_timeout", ws.HandshakeTimeout, &config.WebSocket.HandshakeTimeout)
		if ws.BufferSize > 0 {
			config.WebSocket.BufferSize = ws.BufferSize
		}
	}

	if r := f.Reconnect; r != nil {
		errs.parse("reconnect.initial_delay", r.InitialDelay, &config.Reconnect.InitialDelay)
		errs.parse("reconnect.max_delay", r.MaxDelay, &config.Reconnect.MaxDelay)
		if r.Multiplier != 0 {
			config.Reconnect.Multiplier = r.Multiplier
		}
		if r.MaxAttempts != nil {
			config.Reconnect.MaxAttempts = *r.MaxAttempts
		}
	}

	if a := f.Auth; a != nil {
		overrideString(&config.Auth.LoginPath, a.LoginPath)
		overrideString(&config.Auth.RefreshPath, a.RefreshPath)
		overrideString(&config.Auth.LogoutPath, a.LogoutPath)
		overrideString(&config.Auth.Profile, a.Profile)
		if a.Persist != nil {
			config.Auth.Persist = *a.Persist
		}
		if a.ReplayWorkers > 0 {
			config.Auth.ReplayWorkers = a.ReplayWorkers
		}
		if a.PublishRate != nil {
			config.Auth.PublishRate = *a.PublishRate
		}
	}

	if d := f.Database; d != nil {
		overrideString(&config.Database.Path, d.Path)
		if d.MaxConnections > 0 {
			config.Database.MaxConnections = d.MaxConnections
		}
	}

	if l := f.Log; l != nil {
		overrideString(&config.Log.Level, l.Level)
		if len(l.OutputPaths) > 0 {
			config.Log.OutputPaths = l.OutputPaths
		}
	}

	return errs.err()
}

func overrideString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

type durationErrors []string

func (e *durationErrors) parse(field, value string, dst *time.Duration) {
	if value == "" {
		return
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		*e = append(*e, fmt.Sprintf("%s: %q is not a duration", field, value))
		return
	}
	*dst = d
}

func (e durationErrors) err() error {
	if len(e) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInvalidDuration, strings.Join(e, "; "))
}
