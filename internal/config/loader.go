package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB

	// EnvPrefix marks environment variables that override file settings.
	EnvPrefix = "AGENTLEARN_"
)

// Load reads configuration from the YAML file at path, then overrides it with
// AGENTLEARN_ environment variables. An empty path or a missing file leaves
// the built-in defaults in place.
//
// Environment variables map to keys by splitting on the first underscore
// after the prefix:
//
//	AGENTLEARN_STORE_PATH              -> store.path
//	AGENTLEARN_LEARNING_LEARNING_RATE  -> learning.learning_rate
//	AGENTLEARN_MAINTENANCE_LEASE_TTL   -> maintenance.lease_ttl
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		content, err := readConfigFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, err
		default:
			if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
			}
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("config path %s is a directory", path)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

// envKey maps AGENTLEARN_SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, field, ok := strings.Cut(lower, "_")
	if !ok {
		return lower
	}
	return section + "." + field
}

// applyDefaults fills settings an empty value cannot mean anything for.
func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.Store.Path == "" {
		cfg.Store.Path = def.Store.Path
	}
	if cfg.Store.BusyTimeout == 0 {
		cfg.Store.BusyTimeout = def.Store.BusyTimeout
	}
	if cfg.Embedding.Provider == "" {
		cfg.Embedding.Provider = def.Embedding.Provider
	}
	if cfg.Embedding.Timeout == 0 {
		cfg.Embedding.Timeout = def.Embedding.Timeout
	}
	if cfg.Index.Dimensions == 0 {
		cfg.Index.Dimensions = def.Index.Dimensions
	}
	if cfg.Maintenance.LeaseTTL == 0 {
		cfg.Maintenance.LeaseTTL = def.Maintenance.LeaseTTL
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = def.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = def.Logging.Format
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = def.Server.Addr
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = def.Server.ShutdownTimeout
	}
}
