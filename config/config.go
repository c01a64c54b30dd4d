// Package config loads runtime configuration from FIFO_* environment
// variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Lock modes.
const (
	LockLocal = "local"
	LockRedis = "redis"
)

// Config holds runtime configuration for the server and fifoctl.
type Config struct {
	Env      string `envconfig:"ENV" default:"development"`
	HTTPAddr string `envconfig:"HTTP_ADDR" default:":8080"`

	Store      string `envconfig:"STORE" default:"sqlite"`
	SQLitePath string `envconfig:"SQLITE_PATH" default:"lot-engine.db"`
	PGDSN      string `envconfig:"PG_DSN"`
	PGMaxConns int32  `envconfig:"PG_MAX_CONNS" default:"10"`

	RedisAddr string        `envconfig:"REDIS_ADDR"`
	LockMode  string        `envconfig:"LOCK_MODE" default:"local"`
	LockTTL   time.Duration `envconfig:"LOCK_TTL" default:"30s"`
	CacheTTL  time.Duration `envconfig:"CACHE_TTL" default:"5m"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	CORSOrigins    []string      `envconfig:"CORS_ORIGINS" default:"*"`
	VerifyInterval time.Duration `envconfig:"VERIFY_INTERVAL" default:"0"`
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"30s"`

	JaegerEndpoint string  `envconfig:"JAEGER_ENDPOINT"`
	TraceSample    float64 `envconfig:"TRACE_SAMPLE" default:"1"`
}

// Load reads configuration from the environment and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("FIFO", &cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks combinations envconfig cannot express.
func (c *Config) Validate() error {
	c.Store = strings.ToLower(c.Store)
	c.LockMode = strings.ToLower(c.LockMode)

	switch c.Store {
	case StoreMemory, StoreSQLite:
	case StorePostgres:
		if c.PGDSN == "" {
			return fmt.Errorf("config: FIFO_PG_DSN is required for the postgres store")
		}
	default:
		return fmt.Errorf("config: unknown store %q", c.Store)
	}

	switch c.LockMode {
	case LockLocal:
	case LockRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("config: FIFO_REDIS_ADDR is required for redis locking")
		}
	default:
		return fmt.Errorf("config: unknown lock mode %q", c.LockMode)
	}

	if c.VerifyInterval < 0 {
		return fmt.Errorf("config: FIFO_VERIFY_INTERVAL must not be negative")
	}
	return nil
}

// IsProduction reports whether the service runs in production.
func (c *Config) IsProduction() bool {
	return c != nil && c.Env == "production"
}

// CacheEnabled reports whether a Redis availability cache should be used.
func (c *Config) CacheEnabled() bool {
	return c.RedisAddr != "" && c.CacheTTL > 0
}
