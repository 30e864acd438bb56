package shard

import (
	"path/filepath"
	"time"

	asyncbridge "github.com/sushant-115/hybridkv/core/write_engine/async_bridge"
	flushmanager "github.com/sushant-115/hybridkv/core/write_engine/flush_manager"
	"github.com/sushant-115/hybridkv/core/write_engine/wal"
)

// Config tunes one shard.
type Config struct {
	// CheckpointOpThreshold starts a rotating checkpoint once the active
	// generation holds this many operations. Zero disables the trigger.
	CheckpointOpThreshold int `yaml:"checkpoint_op_threshold"`
	// CheckpointInterval starts a rotating checkpoint when it elapsed since
	// the last one and there are pending operations. Zero disables it.
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`
	TickInterval       time.Duration `yaml:"tick_interval"`
	// ExpireBatch bounds the keys expired per tick.
	ExpireBatch int `yaml:"expire_batch"`

	Checkpoint flushmanager.Config `yaml:"checkpoint"`
	Bridge     asyncbridge.Config  `yaml:"bridge"`
	// WAL.Dir defaults to <shard dir>/wal. A relative archive dir is taken
	// relative to the WAL dir.
	WAL wal.Config `yaml:"wal"`
}

func DefaultConfig() Config {
	def := wal.DefaultConfig("")
	return Config{
		CheckpointOpThreshold: 10000,
		CheckpointInterval:    30 * time.Second,
		TickInterval:          100 * time.Millisecond,
		ExpireBatch:           64,
		Checkpoint: flushmanager.Config{
			BatchSize:  flushmanager.DefaultBatchSize,
			MaxRetries: 3,
		},
		Bridge: asyncbridge.Config{Workers: 4, QueueSize: 64},
		WAL: wal.Config{
			ArchiveDir:       "archive",
			BufferSize:       def.BufferSize,
			SegmentSizeLimit: def.SegmentSizeLimit,
			FlushInterval:    def.FlushInterval,
		},
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.TickInterval <= 0 {
		c.TickInterval = def.TickInterval
	}
	if c.ExpireBatch <= 0 {
		c.ExpireBatch = def.ExpireBatch
	}
	return c
}

func (c Config) walConfig(shardDir string) wal.Config {
	wc := c.WAL
	if wc.Dir == "" {
		wc.Dir = filepath.Join(shardDir, "wal")
	}
	if wc.ArchiveDir != "" && !filepath.IsAbs(wc.ArchiveDir) {
		wc.ArchiveDir = filepath.Join(wc.Dir, wc.ArchiveDir)
	}
	return wc
}
