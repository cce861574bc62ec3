// Package config loads the YAML configuration of foliocache programs.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	backingstore "github.com/sushant-115/foliocache/core/storage_engine/backing_store"
	"github.com/sushant-115/foliocache/pkg/logger"
	"github.com/sushant-115/foliocache/pkg/pagecache"
	"github.com/sushant-115/foliocache/pkg/telemetry"
)

// Store kinds.
const (
	StoreFile   = "file"
	StoreMemory = "memory"
)

// StoreConfig selects the backing store.
type StoreConfig struct {
	// Kind is "file" or "memory".
	Kind string `yaml:"kind"`
	// Dir holds one file per container for the file store.
	Dir string `yaml:"dir"`
	// StableWrites makes writers wait for writeback before changing a folio.
	StableWrites bool `yaml:"stable_writes"`
}

// Config is the root of a configuration file.
type Config struct {
	Logger    logger.Config    `yaml:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Cache     pagecache.Config `yaml:"cache"`
	Store     StoreConfig      `yaml:"store"`
}

// Default returns the configuration used for anything a file leaves out.
func Default() Config {
	return Config{
		Logger: logger.Config{
			Level:  "info",
			Format: "json",
		},
		Telemetry: telemetry.Config{
			ServiceName: "foliocache",
		},
		Cache: pagecache.DefaultConfig(),
		Store: StoreConfig{
			Kind: StoreMemory,
		},
	}
}

// Load reads the file at path over the defaults. An empty path returns the
// defaults.
func Load(path string) (Config, error) {
	if path == "" {
		cfg := Default()
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults. Unknown keys are rejected.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if err := c.Cache.Validate(); err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	switch c.Store.Kind {
	case StoreMemory:
	case StoreFile:
		if c.Store.Dir == "" {
			return errors.New("store: dir is required for the file store")
		}
	default:
		return fmt.Errorf("store: unknown kind %q", c.Store.Kind)
	}
	if c.Telemetry.Enabled && (c.Telemetry.PrometheusPort < 0 || c.Telemetry.PrometheusPort > 65535) {
		return fmt.Errorf("telemetry: invalid prometheus_port %d", c.Telemetry.PrometheusPort)
	}
	return nil
}

// OpenStore creates the configured backing store.
func (c Config) OpenStore(logger *zap.Logger) (backingstore.Store, error) {
	switch c.Store.Kind {
	case StoreFile:
		fs, err := backingstore.NewFileStore(c.Store.Dir, c.Cache.PageSize, c.Store.StableWrites, logger)
		if err != nil {
			return nil, err
		}
		return fs, nil
	case StoreMemory:
		return backingstore.NewMemStore(c.Cache.PageSize, c.Store.StableWrites), nil
	}
	return nil, fmt.Errorf("unknown store kind %q", c.Store.Kind)
}
