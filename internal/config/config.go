// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/GeoCodable/grale/pkg/session"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Session SessionConfig `mapstructure:"session"`
	Harvest HarvestConfig `mapstructure:"harvest"`
	Cache   CacheConfig   `mapstructure:"cache"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig controls the admin HTTP server (health and metrics).
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// SessionConfig configures the outbound HTTP session.
type SessionConfig struct {
	UserAgent          string  `mapstructure:"user_agent"`
	TimeoutSeconds     int     `mapstructure:"timeout_seconds"`
	MaxRetries         int     `mapstructure:"max_retries"`
	BackoffInitialMs   int     `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs       int     `mapstructure:"backoff_max_ms"`
	InsecureSkipVerify bool    `mapstructure:"insecure_skip_verify"`
	CertFile           string  `mapstructure:"cert_file"`
	KeyFile            string  `mapstructure:"key_file"`
	CAFile             string  `mapstructure:"ca_file"`
	MaxConnsPerHost    int     `mapstructure:"max_conns_per_host"`
	RequestsPerSecond  float64 `mapstructure:"requests_per_second"`
	Burst              int     `mapstructure:"burst"`
}

// HarvestConfig governs chunking, concurrency, and output behavior.
type HarvestConfig struct {
	ChunkSize  int    `mapstructure:"chunk_size"`
	MaxWorkers int    `mapstructure:"max_workers"`
	LowMemory  bool   `mapstructure:"low_memory"`
	SpillDir   string `mapstructure:"spill_dir"`
	Cleanup    bool   `mapstructure:"cleanup"`
	OutDir     string `mapstructure:"out_dir"`
}

// CacheConfig controls the Redis metadata cache.
type CacheConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Addr       string `mapstructure:"addr"`
	Password   string `mapstructure:"password"`
	DB         int    `mapstructure:"db"`
	TTLMinutes int    `mapstructure:"ttl_minutes"`
}

// LoggingConfig controls zerolog output.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// Load builds a Config from disk/environment. Environment variables use the
// GRALE_ prefix with underscores (e.g. GRALE_SESSION_MAX_RETRIES).
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("GRALE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	defaults := session.DefaultConfig()

	v.SetDefault("server.enabled", false)
	v.SetDefault("server.port", 8080)
	v.SetDefault("session.user_agent", defaults.UserAgent)
	v.SetDefault("session.timeout_seconds", int(defaults.Timeout/time.Second))
	v.SetDefault("session.max_retries", defaults.MaxRetries)
	v.SetDefault("session.backoff_initial_ms", int(defaults.InitialBackoff/time.Millisecond))
	v.SetDefault("session.backoff_max_ms", int(defaults.MaxBackoff/time.Millisecond))
	v.SetDefault("session.max_conns_per_host", defaults.MaxConnsPerHost)
	v.SetDefault("session.requests_per_second", 0)
	v.SetDefault("session.burst", 1)
	v.SetDefault("harvest.chunk_size", 0)
	v.SetDefault("harvest.max_workers", 0)
	v.SetDefault("harvest.low_memory", false)
	v.SetDefault("harvest.cleanup", true)
	v.SetDefault("harvest.out_dir", ".")
	v.SetDefault("cache.enabled", false)
	v.SetDefault("cache.addr", "localhost:6379")
	v.SetDefault("cache.ttl_minutes", 15)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.pretty", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Enabled && c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0 when the admin server is enabled")
	}
	if c.Session.UserAgent == "" {
		return fmt.Errorf("session.user_agent must be set")
	}
	if c.Session.TimeoutSeconds <= 0 {
		return fmt.Errorf("session.timeout_seconds must be > 0")
	}
	if c.Session.MaxRetries < 0 {
		return fmt.Errorf("session.max_retries must be >= 0")
	}
	if (c.Session.CertFile == "") != (c.Session.KeyFile == "") {
		return fmt.Errorf("session.cert_file and session.key_file must be set together")
	}
	if c.Harvest.ChunkSize < 0 {
		return fmt.Errorf("harvest.chunk_size must be >= 0")
	}
	if c.Harvest.MaxWorkers < 0 {
		return fmt.Errorf("harvest.max_workers must be >= 0")
	}
	if c.Cache.Enabled && c.Cache.Addr == "" {
		return fmt.Errorf("cache.addr must be set when the cache is enabled")
	}
	return nil
}

// SessionConfig converts the loaded knobs into a session configuration.
func (c Config) SessionConfig() session.Config {
	cfg := session.DefaultConfig()
	cfg.UserAgent = c.Session.UserAgent
	cfg.Timeout = time.Duration(c.Session.TimeoutSeconds) * time.Second
	cfg.MaxRetries = c.Session.MaxRetries
	cfg.InitialBackoff = time.Duration(c.Session.BackoffInitialMs) * time.Millisecond
	cfg.MaxBackoff = time.Duration(c.Session.BackoffMaxMs) * time.Millisecond
	cfg.InsecureSkipVerify = c.Session.InsecureSkipVerify
	cfg.CertFile = c.Session.CertFile
	cfg.KeyFile = c.Session.KeyFile
	cfg.CAFile = c.Session.CAFile
	cfg.MaxConnsPerHost = c.Session.MaxConnsPerHost
	cfg.RateLimit.RequestsPerSecond = c.Session.RequestsPerSecond
	cfg.RateLimit.Burst = c.Session.Burst
	return cfg
}

// CacheTTL returns the configured cache TTL.
func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLMinutes) * time.Minute
}
