// Package config loads the YAML configuration of a gojostore process.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	lockmanager "github.com/sushant-115/gojostore/core/concurrency/lock_manager"
	"github.com/sushant-115/gojostore/core/write_engine/wal"
	"github.com/sushant-115/gojostore/pkg/logger"
	"github.com/sushant-115/gojostore/pkg/telemetry"
)

// StorageConfig sizes pages and the buffer pool.
type StorageConfig struct {
	DataDir         string `yaml:"data_dir"`
	PageSize        int    `yaml:"page_size"`
	BufferPoolPages int    `yaml:"buffer_pool_pages"`
}

// Config is the root of the configuration file.
type Config struct {
	Storage   StorageConfig      `yaml:"storage"`
	WAL       wal.Config         `yaml:"wal"`
	Lock      lockmanager.Config `yaml:"lock"`
	Logger    logger.Config      `yaml:"logger"`
	Telemetry telemetry.Config   `yaml:"telemetry"`
}

// Default returns a configuration that runs out of ./gojostore_data.
func Default() Config {
	return Config{
		Storage: StorageConfig{
			DataDir:         "gojostore_data",
			PageSize:        4096,
			BufferPoolPages: 50,
		},
		WAL: wal.Config{
			BufferSize:  64 * 1024,
			SyncOnForce: true,
		},
		Lock: lockmanager.Config{
			DeadlockDetection: true,
		},
		Logger: logger.Config{
			Level:  "info",
			Format: "console",
		},
		Telemetry: telemetry.Config{
			ServiceName: "gojostore",
		},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// WALDir is the configured log directory, or "wal" under the data directory.
func (c Config) WALDir() string {
	if c.WAL.Dir != "" {
		return c.WAL.Dir
	}
	return filepath.Join(c.Storage.DataDir, "wal")
}

// Validate checks the values the storage layer cannot work with.
func (c Config) Validate() error {
	switch {
	case c.Storage.DataDir == "":
		return fmt.Errorf("storage.data_dir is required")
	case c.Storage.PageSize <= 0:
		return fmt.Errorf("storage.page_size must be positive, got %d", c.Storage.PageSize)
	case c.Storage.BufferPoolPages <= 0:
		return fmt.Errorf("storage.buffer_pool_pages must be positive, got %d", c.Storage.BufferPoolPages)
	case c.WAL.BufferSize < 0:
		return fmt.Errorf("wal.buffer_size must not be negative, got %d", c.WAL.BufferSize)
	case c.WAL.FlushInterval < 0:
		return fmt.Errorf("wal.flush_interval must not be negative, got %s", c.WAL.FlushInterval)
	case c.Lock.WaitTimeout < 0:
		return fmt.Errorf("lock.wait_timeout must not be negative, got %s", c.Lock.WaitTimeout)
	case c.Telemetry.Enabled && (c.Telemetry.PrometheusPort < 0 || c.Telemetry.PrometheusPort > 65535):
		return fmt.Errorf("telemetry.prometheus_port out of range: %d", c.Telemetry.PrometheusPort)
	}
	return c.Logger.Validate()
}

// String renders the configuration as YAML.
func (c Config) String() string {
	out, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Sprintf("config: %v", err)
	}
	return string(out)
}
