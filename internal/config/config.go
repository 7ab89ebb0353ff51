package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Paths     PathsConfig     `yaml:"paths"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Sync      SyncConfig      `yaml:"sync"`
	Events    EventsConfig    `yaml:"events"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type AuthConfig struct {
	JWTSecret     string        `yaml:"jwt_secret"`
	Issuer        string        `yaml:"issuer"`
	Audience      string        `yaml:"audience"`
	Leeway        time.Duration `yaml:"leeway"`
	MaxTokenBytes int           `yaml:"max_token_bytes"`
}

type PathsConfig struct {
	Sync     string `yaml:"sync"`
	Presence string `yaml:"presence"`
	Health   string `yaml:"health"`
	Metrics  string `yaml:"metrics"`
}

type WebSocketConfig struct {
	PingInterval   time.Duration `yaml:"ping_interval"`
	PongTimeout    time.Duration `yaml:"pong_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	MaxMessageSize int64         `yaml:"max_message_size"`
	SendBuffer     int           `yaml:"send_buffer"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
}

type SyncConfig struct {
	// Engine is "relay" or "disabled".
	Engine string `yaml:"engine"`
}

type EventsConfig struct {
	NATSURL       string `yaml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

const DefaultPort = 3003

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            DefaultPort,
			ShutdownTimeout: 10 * time.Second,
		},
		Auth: AuthConfig{
			MaxTokenBytes: 8 << 10,
		},
		Paths: PathsConfig{
			Sync:     "/yjs",
			Presence: "/presence",
			Health:   "/health",
			Metrics:  "/metrics",
		},
		WebSocket: WebSocketConfig{
			PingInterval:   25 * time.Second,
			PongTimeout:    60 * time.Second,
			WriteTimeout:   10 * time.Second,
			MaxMessageSize: 1 << 20,
			SendBuffer:     64,
		},
		Sync: SyncConfig{
			Engine: "relay",
		},
		Events: EventsConfig{
			SubjectPrefix: "presence.update",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaultConfig()
}

// Load reads path over the defaults. It does not apply environment
// overrides or validate; see Resolve.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault is Load, except a missing file yields the defaults.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return defaultConfig(), nil
	}
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return defaultConfig(), nil
	}
	return cfg, err
}

// Resolve loads path (missing is fine), applies environment overrides and
// validates the result.
func Resolve(path string) (*Config, error) {
	cfg, err := LoadOrDefault(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from the environment variables the rest of the
// platform already sets for this service.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PORT: %w", err)
		}
		c.Server.Port = port
	}
	if v, ok := lookup("HOST"); ok && v != "" {
		c.Server.Host = v
	}
	if v, ok := lookup("JWT_SECRET"); ok && v != "" {
		c.Auth.JWTSecret = v
	}
	if v, ok := lookup("NATS_URL"); ok {
		c.Events.NATSURL = v
	}
	if v, ok := lookup("LOG_LEVEL"); ok && v != "" {
		c.Log.Level = v
	}
	if v, ok := lookup("SYNC_ENGINE"); ok && v != "" {
		c.Sync.Engine = v
	}
	return nil
}

func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret (or JWT_SECRET) must be set")
	}

	paths := map[string]string{
		"paths.sync":     c.Paths.Sync,
		"paths.presence": c.Paths.Presence,
		"paths.health":   c.Paths.Health,
		"paths.metrics":  c.Paths.Metrics,
	}
	seen := make(map[string]string, len(paths))
	for name, p := range paths {
		if !strings.HasPrefix(p, "/") || p == "/" {
			return fmt.Errorf("%s %q must be an absolute path below /", name, p)
		}
		if other, dup := seen[p]; dup {
			return fmt.Errorf("%s and %s both use %q", name, other, p)
		}
		seen[p] = name
	}

	if c.WebSocket.PingInterval <= 0 || c.WebSocket.PongTimeout <= 0 {
		return errors.New("websocket.ping_interval and websocket.pong_timeout must be positive")
	}
	if c.WebSocket.PingInterval >= c.WebSocket.PongTimeout {
		return errors.New("websocket.ping_interval should be less than websocket.pong_timeout")
	}
	if c.WebSocket.SendBuffer < 1 {
		return errors.New("websocket.send_buffer must be positive")
	}
	if c.WebSocket.MaxMessageSize < 1 {
		return errors.New("websocket.max_message_size must be positive")
	}

	switch c.Sync.Engine {
	case "relay", "disabled":
	default:
		return fmt.Errorf("sync.engine %q: must be relay or disabled", c.Sync.Engine)
	}

	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("log.format %q: must be text or json", c.Log.Format)
	}

	return nil
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
