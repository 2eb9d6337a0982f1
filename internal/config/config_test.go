package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 10, cfg.RPC.MaxConcurrent)
	assert.Equal(t, 30*time.Second, cfg.RPC.CallTimeout)
	assert.Equal(t, 1000, cfg.Cache.Memory.MaxEntries)
	assert.Equal(t, int64(100*1024*1024), cfg.Cache.Memory.MaxBytes)
	assert.Equal(t, 5*time.Minute, cfg.Cache.Memory.TTL)
	assert.Equal(t, 24*time.Hour, cfg.Cache.BoltTTL)
	assert.Equal(t, 7*24*time.Hour, cfg.Cache.SQLTTL)
	assert.Equal(t, 30*time.Minute, cfg.Providers.IdleTimeout)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  path: /tmp/test.db
  synchronous: FULL
rpc:
  max_concurrent: 4
cache:
  memory:
    strategy: lru
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/test.db", cfg.Database.Path)
	assert.Equal(t, "FULL", cfg.Database.Synchronous)
	assert.Equal(t, 4, cfg.RPC.MaxConcurrent)
	assert.Equal(t, "lru", cfg.Cache.Memory.Strategy)
	// Untouched keys keep their defaults.
	assert.Equal(t, 30*time.Second, cfg.RPC.CallTimeout)
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
cache:
  memory:
    strategy: roulette
`), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOCALRETRIEVE_DB_PATH", "/tmp/env.db")
	t.Setenv("LOCALRETRIEVE_MAX_CONCURRENT", "7")
	t.Setenv("LOCALRETRIEVE_OPENAI_API_KEY", "sk-test")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/env.db", cfg.Database.Path)
	assert.Equal(t, 7, cfg.RPC.MaxConcurrent)
	assert.Equal(t, "sk-test", cfg.Providers.OpenAI.APIKey)
}

func TestValidateErrors(t *testing.T) {
	cfg := Default()
	cfg.RPC.MaxConcurrent = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Database.Path = ""
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Queue.BatchSize = -1
	assert.Error(t, cfg.Validate())
}
