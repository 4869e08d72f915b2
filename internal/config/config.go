// Package config provides configuration loading for matchd.
//
// Configuration is loaded from a YAML file and overridden by environment
// variables, with hardcoded defaults for everything optional.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete matchd configuration.
type Config struct {
	Server     ServerConfig
	Logging    LoggingConfig
	Store      StoreConfig
	Embeddings EmbeddingsConfig
	Index      IndexConfig
	Matcher    MatcherConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"http_port"`
	RateLimit       float64       `koanf:"rate_limit"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig holds logger configuration.
type LoggingConfig struct {
	Level       string `koanf:"level"`
	Format      string `koanf:"format"`
	Development bool   `koanf:"development"`
}

// StoreConfig holds postgres connection configuration.
type StoreConfig struct {
	DSN             Secret        `koanf:"dsn"`
	MaxConns        int32         `koanf:"max_conns"`
	MinConns        int32         `koanf:"min_conns"`
	MaxConnLifetime time.Duration `koanf:"max_conn_lifetime"`
}

// EmbeddingsConfig holds embedding provider configuration.
type EmbeddingsConfig struct {
	Provider  string        `koanf:"provider"`
	Model     string        `koanf:"model"`
	BaseURL   string        `koanf:"base_url"`
	CacheDir  string        `koanf:"cache_dir"`
	Timeout   time.Duration `koanf:"timeout"`
	Dimension int           `koanf:"dimension"`
}

// IndexConfig holds team index cache configuration.
type IndexConfig struct {
	// MaxEntries caps cached team indexes; zero means unlimited.
	MaxEntries int `koanf:"max_entries"`
}

// MatcherConfig holds resolution pipeline configuration.
type MatcherConfig struct {
	MinConfidence      float64 `koanf:"min_confidence"`
	BuildingConfidence float64 `koanf:"building_confidence"`
	BuildingDiscount   float64 `koanf:"building_discount"`
	TieBreak           string  `koanf:"tie_break"`
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	// Server defaults
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	// Logging defaults
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	// Store defaults
	if cfg.Store.MaxConns == 0 {
		cfg.Store.MaxConns = 8
	}
	if cfg.Store.MaxConnLifetime == 0 {
		cfg.Store.MaxConnLifetime = 30 * time.Minute
	}

	// Embeddings defaults
	if cfg.Embeddings.Provider == "" {
		cfg.Embeddings.Provider = "fastembed"
	}
	if cfg.Embeddings.Timeout == 0 {
		cfg.Embeddings.Timeout = 30 * time.Second
	}

	// Matcher defaults
	if cfg.Matcher.MinConfidence == 0 {
		cfg.Matcher.MinConfidence = 0.8
	}
	if cfg.Matcher.BuildingConfidence == 0 {
		cfg.Matcher.BuildingConfidence = 0.7
	}
	if cfg.Matcher.BuildingDiscount == 0 {
		cfg.Matcher.BuildingDiscount = 0.9
	}
	if cfg.Matcher.TieBreak == "" {
		cfg.Matcher.TieBreak = "first_match_wins"
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}
	if c.Server.RateLimit < 0 {
		return errors.New("rate limit cannot be negative")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging level: %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid logging format: %q", c.Logging.Format)
	}

	if !c.Store.DSN.IsSet() {
		return errors.New("store dsn is required")
	}
	if c.Store.MinConns < 0 {
		return errors.New("store min_conns cannot be negative")
	}
	if c.Store.MinConns > c.Store.MaxConns {
		return fmt.Errorf("store min_conns %d exceeds max_conns %d", c.Store.MinConns, c.Store.MaxConns)
	}

	switch c.Embeddings.Provider {
	case "fastembed":
	case "tei":
		if c.Embeddings.BaseURL == "" {
			return errors.New("embeddings base_url is required for the tei provider")
		}
	default:
		return fmt.Errorf("invalid embeddings provider: %q", c.Embeddings.Provider)
	}
	if c.Embeddings.Dimension < 0 {
		return errors.New("embeddings dimension cannot be negative")
	}

	if c.Index.MaxEntries < 0 {
		return errors.New("index max_entries cannot be negative")
	}

	if c.Matcher.MinConfidence <= 0 || c.Matcher.MinConfidence > 1 {
		return fmt.Errorf("matcher min_confidence must be in (0, 1], got %v", c.Matcher.MinConfidence)
	}
	if c.Matcher.BuildingConfidence <= 0 || c.Matcher.BuildingConfidence > 1 {
		return fmt.Errorf("matcher building_confidence must be in (0, 1], got %v", c.Matcher.BuildingConfidence)
	}
	if c.Matcher.BuildingDiscount <= 0 || c.Matcher.BuildingDiscount > 1 {
		return fmt.Errorf("matcher building_discount must be in (0, 1], got %v", c.Matcher.BuildingDiscount)
	}
	switch c.Matcher.TieBreak {
	case "first_match_wins", "error_on_ambiguity":
	default:
		return fmt.Errorf("invalid matcher tie_break policy: %q", c.Matcher.TieBreak)
	}

	return nil
}
