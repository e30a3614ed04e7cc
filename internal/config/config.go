// SFCrime - San Francisco Civic Event Feed Mirror
// Copyright 2026 wolfiesch
// SPDX-License-Identifier: MIT
// https://github.com/wolfiesch/SFCrime

// Package config loads layered application configuration: built-in defaults,
// an optional YAML file, then environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// Config is the root application configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server" validate:"required"`
	Database  DatabaseConfig  `koanf:"database" validate:"required"`
	Soda      SodaConfig      `koanf:"soda" validate:"required"`
	Sync      SyncConfig      `koanf:"sync" validate:"required"`
	Chronicle ChronicleConfig `koanf:"chronicle"`
	Logging   LoggingConfig   `koanf:"logging"`
}

// ServerConfig controls the HTTP/WebSocket surface.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port" validate:"min=1,max=65535"`
	CORSOrigins     []string      `koanf:"cors_origins"`
	RateLimit       int           `koanf:"rate_limit" validate:"min=1"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// DatabaseConfig locates the two DuckDB stores.
type DatabaseConfig struct {
	// Path is the primary mirror store.
	Path string `koanf:"path" validate:"required"`
	// ChroniclePath is the secondary historical store.
	ChroniclePath string `koanf:"chronicle_path"`
	Threads       int    `koanf:"threads" validate:"min=1,max=64"`
	MemoryLimit   string `koanf:"memory_limit"`
}

// SodaConfig controls the upstream open-data API client.
type SodaConfig struct {
	BaseURL        string        `koanf:"base_url" validate:"required,url"`
	AppToken       string        `koanf:"app_token"`
	Timeout        time.Duration `koanf:"timeout"`
	MaxRetries     int           `koanf:"max_retries" validate:"min=1,max=10"`
	PageSize       int           `koanf:"page_size" validate:"min=1,max=50000"`
	RequestsPerSec float64       `koanf:"requests_per_sec"`
}

// SyncConfig controls the per-source sync schedules and batching.
type SyncConfig struct {
	DispatchInterval  time.Duration `koanf:"dispatch_interval"`
	IncidentsInterval time.Duration `koanf:"incidents_interval"`
	DefaultInterval   time.Duration `koanf:"default_interval"`
	BatchSize         int           `koanf:"batch_size" validate:"min=1,max=10000"`
	RetentionHours    int           `koanf:"retention_hours" validate:"min=1"`
	BackfillChunkDays int           `koanf:"backfill_chunk_days" validate:"min=1,max=31"`
}

// ChronicleConfig controls the secondary fact write path.
type ChronicleConfig struct {
	Enabled          bool    `koanf:"enabled"`
	ProximityMeters  float64 `koanf:"proximity_meters"`
	QueueBufferSize  int     `koanf:"queue_buffer_size"`
	DefaultPlaceName string  `koanf:"default_place_name"`
}

// LoggingConfig mirrors logging.Config.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"omitempty,oneof=trace debug info warn error"`
	Format string `koanf:"format" validate:"omitempty,oneof=json console"`
}

// defaultConfig returns the built-in defaults, layered under file and env.
func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8000,
			CORSOrigins:     []string{"*"},
			RateLimit:       100,
			RateLimitWindow: time.Minute,
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Path:          "data/mirror.duckdb",
			ChroniclePath: "data/chronicle.duckdb",
			Threads:       4,
			MemoryLimit:   "1GB",
		},
		Soda: SodaConfig{
			BaseURL:        "https://data.sfgov.org/resource",
			Timeout:        30 * time.Second,
			MaxRetries:     3,
			PageSize:       1000,
			RequestsPerSec: 5,
		},
		Sync: SyncConfig{
			DispatchInterval:  5 * time.Minute,
			IncidentsInterval: 60 * time.Minute,
			DefaultInterval:   60 * time.Minute,
			BatchSize:         500,
			RetentionHours:    48,
			BackfillChunkDays: 7,
		},
		Chronicle: ChronicleConfig{
			Enabled:          true,
			ProximityMeters:  10,
			QueueBufferSize:  64,
			DefaultPlaceName: "San Francisco",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// DefaultConfigPaths are checked in order when CONFIG_PATH is unset.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config/config.yaml",
	"/etc/sfcrime/config.yaml",
}

// envMappings translates environment variables to config keys.
var envMappings = map[string]string{
	"SERVER_HOST":              "server.host",
	"SERVER_PORT":              "server.port",
	"CORS_ORIGINS":             "server.cors_origins",
	"DATABASE_PATH":            "database.path",
	"CHRONICLE_DATABASE_PATH":  "database.chronicle_path",
	"SODA_BASE_URL":            "soda.base_url",
	"SODA_APP_TOKEN":           "soda.app_token",
	"SYNC_DISPATCH_INTERVAL":   "sync.dispatch_interval",
	"SYNC_INCIDENTS_INTERVAL":  "sync.incidents_interval",
	"SYNC_BATCH_SIZE":          "sync.batch_size",
	"SYNC_RETENTION_HOURS":     "sync.retention_hours",
	"CHRONICLE_ENABLED":        "chronicle.enabled",
	"LOG_LEVEL":                "logging.level",
	"LOG_FORMAT":               "logging.format",
}

// Load builds the configuration: defaults, then the first config file found
// (or CONFIG_PATH), then environment overrides, then validation.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", func(s string) string {
		if key, ok := envMappings[s]; ok {
			return key
		}
		return ""
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	processSliceFields(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func findConfigFile() string {
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		return path
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// processSliceFields splits comma-separated env values that koanf leaves as a
// single-element slice.
func processSliceFields(cfg *Config) {
	if len(cfg.Server.CORSOrigins) == 1 && strings.Contains(cfg.Server.CORSOrigins[0], ",") {
		parts := strings.Split(cfg.Server.CORSOrigins[0], ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		cfg.Server.CORSOrigins = out
	}
}

// Validate checks structural constraints on the loaded configuration.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// Interval returns the sync interval for a named source.
func (c *SyncConfig) Interval(source string) time.Duration {
	switch source {
	case "dispatch":
		return c.DispatchInterval
	case "incidents":
		return c.IncidentsInterval
	default:
		return c.DefaultInterval
	}
}
