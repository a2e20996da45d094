// Package config loads the feedsyncd daemon configuration from a YAML file
// with environment overrides for deployment-specific and sensitive values.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Feed    FeedConfig    `yaml:"feed"`
	Push    PushConfig    `yaml:"push"`
	Redis   RedisConfig   `yaml:"redis"`
	Batcher BatcherConfig `yaml:"batcher"`
	Logging LoggingConfig `yaml:"logging"`
}

type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Addr returns the listen address in host:port form.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// FeedConfig configures the pull channel and the default feed scope.
type FeedConfig struct {
	BaseURL      string        `yaml:"base_url"`
	AuthToken    string        `yaml:"auth_token"`
	Scope        string        `yaml:"scope"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// PushConfig configures the websocket push channel.
type PushConfig struct {
	URL                  string        `yaml:"url"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	PingInterval         time.Duration `yaml:"ping_interval"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// BatcherConfig configures token metadata coalescing.
type BatcherConfig struct {
	Window       time.Duration `yaml:"window"`
	RefreshDelay time.Duration `yaml:"refresh_delay"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Feed: FeedConfig{
			BaseURL:      "http://localhost:9000",
			Scope:        "channel:general",
			PollInterval: 15 * time.Second,
		},
		Push: PushConfig{
			URL:                  "ws://localhost:9000/ws",
			MaxReconnectAttempts: 5,
			PingInterval:         30 * time.Second,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads the YAML file at path into the defaults, then applies
// environment overrides. An empty path skips the file and uses defaults
// plus environment only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Sensitive and deployment-specific values come from the environment.
	cfg.Feed.BaseURL = getEnv("FEED_BASE_URL", cfg.Feed.BaseURL)
	cfg.Feed.AuthToken = getEnv("FEED_AUTH_TOKEN", cfg.Feed.AuthToken)
	cfg.Feed.Scope = getEnv("FEED_SCOPE", cfg.Feed.Scope)
	cfg.Push.URL = getEnv("PUSH_URL", cfg.Push.URL)
	cfg.Redis.Addr = getEnv("REDIS_URL", cfg.Redis.Addr)
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Logging.Level = getEnv("LOG_LEVEL", cfg.Logging.Level)
	if port := os.Getenv("PORT"); port != "" {
		if _, err := fmt.Sscanf(port, "%d", &cfg.Server.Port); err != nil {
			return nil, fmt.Errorf("parse PORT: %w", err)
		}
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
