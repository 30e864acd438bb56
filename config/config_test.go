package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hybridkv.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
data_dir: /var/lib/hybridkv
shards: ["a", "b"]
logger:
  level: debug
shard:
  checkpoint_op_threshold: 500
  checkpoint_interval: 2s
  checkpoint:
    batch_size: 16
    batches_per_second: 50
  bridge:
    workers: 2
  wal:
    flush_interval: 250ms
    sync_on_append: true
storage:
  no_sync: true
admin:
  http_addr: "127.0.0.1:18080"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/hybridkv", cfg.DataDir)
	assert.Equal(t, []string{"a", "b"}, cfg.Shards)
	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.Equal(t, "json", cfg.Logger.Format)
	assert.Equal(t, 500, cfg.Shard.CheckpointOpThreshold)
	assert.Equal(t, 2*time.Second, cfg.Shard.CheckpointInterval)
	assert.Equal(t, 100*time.Millisecond, cfg.Shard.TickInterval)
	assert.Equal(t, 16, cfg.Shard.Checkpoint.BatchSize)
	assert.Equal(t, 3, cfg.Shard.Checkpoint.MaxRetries)
	assert.Equal(t, 50.0, cfg.Shard.Checkpoint.BatchesPerSecond)
	assert.Equal(t, 2, cfg.Shard.Bridge.Workers)
	assert.Equal(t, 64, cfg.Shard.Bridge.QueueSize)
	assert.Equal(t, 250*time.Millisecond, cfg.Shard.WAL.FlushInterval)
	assert.True(t, cfg.Shard.WAL.SyncOnAppend)
	assert.True(t, cfg.Storage.NoSync)
	assert.Equal(t, "127.0.0.1:18080", cfg.Admin.HTTPAddr)
	assert.Equal(t, ":9090", cfg.Admin.GRPCAddr)
	assert.Equal(t, filepath.Join("/var/lib/hybridkv", "shard-a"), cfg.ShardDir("a"))
}

func TestLoadWithoutFileReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadRejectsBadShards(t *testing.T) {
	_, err := Load(writeConfig(t, "shards: [\"a\", \"a\"]\n"))
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = Load(writeConfig(t, "shards: [\"../x\"]\n"))
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = Load(writeConfig(t, "shards: []\n"))
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "shard: [\n"))
	require.ErrorIs(t, err, ErrInvalidConfig)
}
