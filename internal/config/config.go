// Package config loads process configuration from GLASS_HUB_* environment
// variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"glass-frontier/hub/internal/auth"
	"glass-frontier/hub/logging"
)

// Prefix is prepended to every variable name.
const Prefix = "GLASS_HUB_"

// Storage drivers.
const (
	StorageMemory   = "memory"
	StorageSQLite   = "sqlite"
	StoragePostgres = "postgres"
)

// Authentication modes.
const (
	AuthHandshake = "handshake"
	AuthJWT       = "jwt"
)

// Config is the hub process configuration.
type Config struct {
	HTTPAddr        string        `env:"HTTP_ADDR" envDefault:":8080"`
	GRPCAddr        string        `env:"GRPC_ADDR" envDefault:":8081"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`

	CatalogPath         string        `env:"CATALOG_PATH" envDefault:"config/verbs.json"`
	CatalogTTL          time.Duration `env:"CATALOG_TTL" envDefault:"30s"`
	CatalogPollInterval time.Duration `env:"CATALOG_POLL_INTERVAL" envDefault:"15s"`

	Shards             int           `env:"SHARDS" envDefault:"4"`
	BusCapacity        int           `env:"BUS_CAPACITY" envDefault:"1024"`
	ShardQueueCapacity int           `env:"SHARD_QUEUE_CAPACITY" envDefault:"256"`
	ReplayLimit        int           `env:"REPLAY_LIMIT" envDefault:"50"`
	TrackerLimit       int           `env:"TRACKER_LIMIT" envDefault:"200"`
	JournalCapacity    int           `env:"JOURNAL_CAPACITY" envDefault:"10000"`
	JournalMaxAge      time.Duration `env:"JOURNAL_MAX_AGE"`
	RateLimitPrune     time.Duration `env:"RATE_LIMIT_PRUNE_INTERVAL" envDefault:"1m"`

	StorageDriver string `env:"STORAGE_DRIVER" envDefault:"memory"`
	SQLitePath    string `env:"SQLITE_PATH" envDefault:"data/hub.sqlite"`
	PostgresDSN   string `env:"POSTGRES_DSN"`

	AuthMode    string `env:"AUTH_MODE" envDefault:"handshake"`
	JWTIssuer   string `env:"JWT_ISSUER"`
	JWTAudience string `env:"JWT_AUDIENCE"`
	JWTSecret   string `env:"JWT_SECRET"`

	WorkflowURL      string `env:"WORKFLOW_URL"`
	NarrativeEnabled bool   `env:"NARRATIVE_ENABLED" envDefault:"true"`

	LogSinks    []string `env:"LOG_SINKS" envDefault:"console" envSeparator:","`
	LogSeverity string   `env:"LOG_SEVERITY" envDefault:"info"`
	LogColor    bool     `env:"LOG_COLOR"`
	LogJSONPath string   `env:"LOG_JSON_PATH"`
	LogRetain   int      `env:"LOG_MEMORY_RETAIN" envDefault:"1000"`

	OTelEndpoint     string `env:"OTEL_ENDPOINT"`
	ServiceName      string `env:"SERVICE_NAME" envDefault:"glass-frontier-hub"`
	EnablePprofTrace bool   `env:"ENABLE_PPROF_TRACE"`
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: Prefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.StorageDriver = strings.ToLower(strings.TrimSpace(cfg.StorageDriver))
	cfg.AuthMode = strings.ToLower(strings.TrimSpace(cfg.AuthMode))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if strings.TrimSpace(c.HTTPAddr) == "" {
		return fmt.Errorf("%sHTTP_ADDR is required", Prefix)
	}
	if c.Shards <= 0 {
		return fmt.Errorf("%sSHARDS must be positive, got %d", Prefix, c.Shards)
	}
	if c.BusCapacity <= 0 {
		return fmt.Errorf("%sBUS_CAPACITY must be positive, got %d", Prefix, c.BusCapacity)
	}
	switch c.StorageDriver {
	case StorageMemory:
	case StorageSQLite:
		if strings.TrimSpace(c.SQLitePath) == "" {
			return fmt.Errorf("%sSQLITE_PATH is required for sqlite storage", Prefix)
		}
	case StoragePostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			return fmt.Errorf("%sPOSTGRES_DSN is required for postgres storage", Prefix)
		}
	default:
		return fmt.Errorf("%sSTORAGE_DRIVER %q is not one of memory, sqlite, postgres", Prefix, c.StorageDriver)
	}
	switch c.AuthMode {
	case AuthHandshake:
	case AuthJWT:
		if err := c.JWT().Validate(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%sAUTH_MODE %q is not one of handshake, jwt", Prefix, c.AuthMode)
	}
	return nil
}

// JWT is the verifier configuration for AuthJWT.
func (c Config) JWT() auth.JWTConfig {
	return auth.JWTConfig{
		Issuer:   strings.TrimSpace(c.JWTIssuer),
		Audience: strings.TrimSpace(c.JWTAudience),
		Secret:   []byte(strings.TrimSpace(c.JWTSecret)),
		Leeway:   5 * time.Second,
	}
}

// Logging is the router configuration.
func (c Config) Logging() logging.Config {
	cfg := logging.DefaultConfig()
	if len(c.LogSinks) > 0 {
		cfg.EnabledSinks = nil
		for _, sink := range c.LogSinks {
			if sink = strings.TrimSpace(sink); sink != "" {
				cfg.EnabledSinks = append(cfg.EnabledSinks, sink)
			}
		}
	}
	cfg.MinimumSeverity = logging.ParseSeverity(c.LogSeverity)
	cfg.Console.UseColor = c.LogColor
	cfg.JSON.FilePath = c.LogJSONPath
	cfg.Memory.Retain = c.LogRetain
	if c.ServiceName != "" {
		cfg.Fields = map[string]any{"service": c.ServiceName}
	}
	return cfg
}
