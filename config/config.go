// Package config loads gateway settings from the environment and worker
// definitions from a YAML file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
)

// Config is the process configuration. Every field is read from a
// GEOGATE_-prefixed environment variable; defaults live in the struct tags.
type Config struct {
	// ListenAddr for the HTTP gateway. ENV: GEOGATE_LISTEN_ADDR
	ListenAddr string `env:"GEOGATE_LISTEN_ADDR,default=:8080"`
	// LogLevel is one of debug, info, warn, error. ENV: GEOGATE_LOG_LEVEL
	LogLevel string `env:"GEOGATE_LOG_LEVEL,default=info"`
	// LogFormat is text or json. ENV: GEOGATE_LOG_FORMAT
	LogFormat string `env:"GEOGATE_LOG_FORMAT,default=text"`
	// ServersFile is the YAML worker definitions file. ENV: GEOGATE_SERVERS_FILE
	ServersFile string `env:"GEOGATE_SERVERS_FILE,default=servers.yaml"`

	CallTimeout     time.Duration `env:"GEOGATE_CALL_TIMEOUT,default=30s"`
	StopGrace       time.Duration `env:"GEOGATE_STOP_GRACE,default=5s"`
	ProtocolVersion string        `env:"GEOGATE_PROTOCOL_VERSION,default=2024-11-05"`
	ClientName      string        `env:"GEOGATE_CLIENT_NAME,default=mcp-client-go"`
	ClientVersion   string        `env:"GEOGATE_CLIENT_VERSION,default=1.0.0"`

	// ValidateArgs checks tool arguments against the worker's advertised
	// input schema before sending. ENV: GEOGATE_VALIDATE_ARGS
	ValidateArgs bool `env:"GEOGATE_VALIDATE_ARGS,default=true"`

	Cache CacheConfig
	Auth  AuthConfig
}

// CacheConfig selects the tool result cache.
type CacheConfig struct {
	// Backend is none, memory or redis. ENV: GEOGATE_CACHE_BACKEND
	Backend string        `env:"GEOGATE_CACHE_BACKEND,default=none"`
	TTL     time.Duration `env:"GEOGATE_CACHE_TTL,default=5m"`
	// Size bounds the memory backend. ENV: GEOGATE_CACHE_SIZE
	Size           int    `env:"GEOGATE_CACHE_SIZE,default=1024"`
	RedisAddr      string `env:"GEOGATE_REDIS_ADDR,default=localhost:6379"`
	RedisKeyPrefix string `env:"GEOGATE_REDIS_KEY_PREFIX,default=geogate:cache:"`
}

// AuthConfig enables bearer authentication when Issuer is set. With JWKSURI
// the keys are fetched from it directly; otherwise OIDC discovery is used.
type AuthConfig struct {
	Issuer   string `env:"GEOGATE_AUTH_ISSUER"`
	Audience string `env:"GEOGATE_AUTH_AUDIENCE"`
	JWKSURI  string `env:"GEOGATE_AUTH_JWKS_URI"`
}

// Cache backends.
const (
	CacheNone   = "none"
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

// FromEnv decodes the environment into a validated Config.
func FromEnv() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports the first inconsistent setting.
func (c *Config) Validate() error {
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("config: unknown log format %q", c.LogFormat)
	}
	switch c.Cache.Backend {
	case CacheNone, CacheMemory, CacheRedis:
	default:
		return fmt.Errorf("config: unknown cache backend %q", c.Cache.Backend)
	}
	if c.Cache.Backend == CacheMemory && c.Cache.Size <= 0 {
		return fmt.Errorf("config: cache size must be positive, got %d", c.Cache.Size)
	}
	if c.CallTimeout < 0 || c.StopGrace < 0 {
		return errors.New("config: durations must not be negative")
	}
	if c.Auth.Issuer == "" && (c.Auth.Audience != "" || c.Auth.JWKSURI != "") {
		return errors.New("config: GEOGATE_AUTH_ISSUER is required when auth is configured")
	}
	if c.Auth.Issuer != "" && c.Auth.Audience == "" {
		return errors.New("config: GEOGATE_AUTH_AUDIENCE is required when GEOGATE_AUTH_ISSUER is set")
	}
	return nil
}

// AuthEnabled reports whether bearer authentication is configured.
func (c *Config) AuthEnabled() bool { return c.Auth.Issuer != "" }

// SlogLevel returns the configured log level.
func (c *Config) SlogLevel() slog.Level {
	l, _ := parseLevel(c.LogLevel)
	return l
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("config: unknown log level %q", s)
	}
	return l, nil
}
