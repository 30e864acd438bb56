package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWritesJSONWithService(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.log")
	log, err := New(Config{Level: "debug", Format: "json", OutputFile: path, Service: "hybridkv-test"})
	require.NoError(t, err)

	log.Named("shard").Debug("Applied operation")
	require.NoError(t, log.Sync())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"service":"hybridkv-test"`)
	assert.Contains(t, string(b), `"level":"DEBUG"`)
	assert.Contains(t, string(b), `"logger":"shard"`)
}

func TestNewDefaultsToInfo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.log")
	log, err := New(Config{Level: "bogus", OutputFile: path})
	require.NoError(t, err)

	log.Debug("hidden")
	log.Info("shown")
	require.NoError(t, log.Sync())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(b), "hidden")
	assert.Contains(t, string(b), `"service":"hybridkv"`)
}
