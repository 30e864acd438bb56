// Package config loads the YAML configuration of the hybridkv binaries.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	boltstorage "github.com/sushant-115/hybridkv/core/storage_engine/bolt_storage"
	"github.com/sushant-115/hybridkv/core/shard"
	"github.com/sushant-115/hybridkv/pkg/logger"
	"github.com/sushant-115/hybridkv/pkg/telemetry"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// AdminConfig sets the listen addresses of the administrative surface. An
// empty address disables that listener.
type AdminConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"`
	// ShutdownTimeout bounds the graceful stop of both listeners.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Config is the root of the configuration file.
type Config struct {
	Logger    logger.Config       `yaml:"logger"`
	Telemetry telemetry.Config    `yaml:"telemetry"`
	DataDir   string              `yaml:"data_dir"`
	Shards    []string            `yaml:"shards"`
	Shard     shard.Config        `yaml:"shard"`
	Storage   boltstorage.Options `yaml:"storage"`
	Admin     AdminConfig         `yaml:"admin"`
}

func Default() Config {
	return Config{
		Logger: logger.Config{
			Level:      "info",
			Format:     "json",
			OutputFile: "stdout",
			Service:    "hybridkv",
		},
		Telemetry: telemetry.Config{
			ServiceName:      "hybridkv",
			TraceSampleRatio: 1.0,
		},
		DataDir: "data",
		Shards:  []string{"0"},
		Shard:   shard.DefaultConfig(),
		Storage: boltstorage.Options{Timeout: time.Second},
		Admin: AdminConfig{
			HTTPAddr:        ":8080",
			GRPCAddr:        ":9090",
			ShutdownTimeout: 10 * time.Second,
		},
	}
}

// Load reads the file at path over the defaults. An empty path returns the
// defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("%w: data_dir must be set", ErrInvalidConfig)
	}
	if len(c.Shards) == 0 {
		return fmt.Errorf("%w: at least one shard is required", ErrInvalidConfig)
	}
	seen := make(map[string]struct{}, len(c.Shards))
	for _, tag := range c.Shards {
		if tag == "" || strings.ContainsAny(tag, `/\.`) {
			return fmt.Errorf("%w: bad shard tag %q", ErrInvalidConfig, tag)
		}
		if _, dup := seen[tag]; dup {
			return fmt.Errorf("%w: duplicate shard tag %q", ErrInvalidConfig, tag)
		}
		seen[tag] = struct{}{}
	}
	if c.Shard.CheckpointOpThreshold < 0 {
		return fmt.Errorf("%w: checkpoint_op_threshold must not be negative", ErrInvalidConfig)
	}
	if c.Shard.WAL.BufferSize > 0 && c.Shard.WAL.SegmentSizeLimit > 0 && c.Shard.WAL.SegmentSizeLimit < int64(c.Shard.WAL.BufferSize) {
		return fmt.Errorf("%w: wal segment_size_limit is smaller than buffer_size", ErrInvalidConfig)
	}
	return nil
}

// ShardDir is where the engine file and the WAL of a shard live.
func (c Config) ShardDir(tag string) string {
	return filepath.Join(c.DataDir, "shard-"+tag)
}
