// Package config provides configuration loading for the learning core.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/danielpatrickdp/agent-learning/internal/embedding"
	"github.com/danielpatrickdp/agent-learning/internal/learning"
	"github.com/danielpatrickdp/agent-learning/internal/logging"
	"github.com/danielpatrickdp/agent-learning/internal/maintenance"
	"github.com/danielpatrickdp/agent-learning/internal/patterns"
)

// Embedding providers.
const (
	ProviderHash = "hash"
	ProviderGRPC = "grpc"
)

// Config holds the complete configuration.
type Config struct {
	Store       StoreConfig           `koanf:"store"`
	Learning    learning.Config       `koanf:"learning"`
	Patterns    patterns.Config       `koanf:"patterns"`
	Index       embedding.IndexConfig `koanf:"index"`
	Embedding   EmbeddingConfig       `koanf:"embedding"`
	Maintenance maintenance.Config    `koanf:"maintenance"`
	Logging     logging.Config        `koanf:"logging"`
	Server      ServerConfig          `koanf:"server"`
}

// StoreConfig locates the SQLite database.
type StoreConfig struct {
	Path        string        `koanf:"path"`
	BusyTimeout time.Duration `koanf:"busy_timeout"`
}

// EmbeddingConfig selects how pattern descriptions are embedded.
type EmbeddingConfig struct {
	Provider string        `koanf:"provider"` // hash | grpc
	Addr     string        `koanf:"addr"`
	Method   string        `koanf:"method"`
	Timeout  time.Duration `koanf:"timeout"`
}

// ServerConfig holds the HTTP listener settings of learnd.
type ServerConfig struct {
	Addr            string        `koanf:"addr"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Store: StoreConfig{
			Path:        "agent-learning.db",
			BusyTimeout: 5 * time.Second,
		},
		Learning:    learning.DefaultConfig(),
		Patterns:    patterns.DefaultConfig(),
		Index:       embedding.DefaultIndexConfig(),
		Embedding:   EmbeddingConfig{Provider: ProviderHash, Timeout: 5 * time.Second},
		Maintenance: maintenance.DefaultConfig(),
		Logging:     logging.NewDefaultConfig(),
		Server: ServerConfig{
			Addr:            ":8089",
			ShutdownTimeout: 10 * time.Second,
		},
	}
}

// Validate checks the configuration for values no component can run with.
func (c *Config) Validate() error {
	if c.Store.Path == "" {
		return errors.New("store path required")
	}
	if c.Store.BusyTimeout < 0 {
		return errors.New("store busy_timeout must not be negative")
	}
	if err := c.Learning.Validate(); err != nil {
		return err
	}
	if c.Patterns.MinOccurrences < 1 {
		return fmt.Errorf("invalid patterns min_occurrences: %d (must be >= 1)", c.Patterns.MinOccurrences)
	}
	for name, v := range map[string]float64{
		"min_success_rate":       c.Patterns.MinSuccessRate,
		"success_threshold":      c.Patterns.SuccessThreshold,
		"usage_weight":           c.Patterns.UsageWeight,
		"default_min_score":      c.Patterns.DefaultMinScore,
		"prune_confidence_floor": c.Patterns.PruneConfidenceFloor,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("invalid patterns %s: %v (must be 0-1)", name, v)
		}
	}
	if c.Index.Dimensions < 1 {
		return fmt.Errorf("invalid index dimensions: %d", c.Index.Dimensions)
	}
	if c.Index.Bits < 1 || c.Index.Bits > 32 {
		return fmt.Errorf("invalid index bits: %d (must be 1-32)", c.Index.Bits)
	}
	switch c.Embedding.Provider {
	case ProviderHash:
	case ProviderGRPC:
		if c.Embedding.Addr == "" {
			return errors.New("embedding addr required for grpc provider")
		}
	default:
		return fmt.Errorf("unknown embedding provider %q", c.Embedding.Provider)
	}
	if c.Maintenance.Interval < 0 || c.Maintenance.ExperienceRetention < 0 {
		return errors.New("maintenance durations must not be negative")
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("invalid logging format %q (json or console)", c.Logging.Format)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}
	return nil
}
