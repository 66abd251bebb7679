// Package config loads engine configuration from YAML and constructs the
// configured collaborators: the journal store and the logger.
package config

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/pflow-xyz/go-colornet/eventsource"
)

// Store drivers.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
)

// Config is the root configuration.
type Config struct {
	Store  StoreConfig  `yaml:"store"`
	Engine EngineConfig `yaml:"engine"`
	Log    LogConfig    `yaml:"log"`
}

// StoreConfig selects and parameterizes the journal backend.
type StoreConfig struct {
	Driver string `yaml:"driver"` // "memory" or "sqlite"
	Path   string `yaml:"path"`   // sqlite database file, ":memory:" allowed
}

// EngineConfig tunes the execution engine.
type EngineConfig struct {
	MaxConcurrent int `yaml:"max_concurrent"` // handler worker pool size
	SnapshotEvery int `yaml:"snapshot_every"` // 0 disables snapshots
}

// LogConfig configures zerolog output.
type LogConfig struct {
	Level  string `yaml:"level"`  // trace, debug, info, warn, error
	Pretty bool   `yaml:"pretty"` // console writer instead of JSON
}

// Default returns the configuration used when no file is given: an
// in-memory store, a small worker pool and info-level JSON logs.
func Default() *Config {
	return &Config{
		Store:  StoreConfig{Driver: DriverMemory},
		Engine: EngineConfig{MaxConcurrent: 8},
		Log:    LogConfig{Level: "info"},
	}
}

// Load reads and validates a YAML configuration file. Missing fields
// keep their defaults.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(raw)
}

// Parse decodes and validates YAML configuration bytes.
func Parse(raw []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Store.Path == "" {
			return fmt.Errorf("store: sqlite driver requires a path")
		}
	default:
		return fmt.Errorf("store: unknown driver %q", c.Store.Driver)
	}
	if c.Engine.MaxConcurrent < 1 {
		return fmt.Errorf("engine: max_concurrent must be at least 1, got %d", c.Engine.MaxConcurrent)
	}
	if c.Engine.SnapshotEvery < 0 {
		return fmt.Errorf("engine: snapshot_every must not be negative, got %d", c.Engine.SnapshotEvery)
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	return nil
}

// OpenStore constructs the configured journal store.
func (c *Config) OpenStore() (eventsource.Store, error) {
	switch c.Store.Driver {
	case DriverSQLite:
		return eventsource.NewSQLiteStore(c.Store.Path)
	default:
		return eventsource.NewMemoryStore(), nil
	}
}

// NewLogger builds a zerolog logger per the log configuration.
func (c LogConfig) NewLogger() zerolog.Logger {
	level, err := zerolog.ParseLevel(c.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if c.Pretty {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Logger()
}
