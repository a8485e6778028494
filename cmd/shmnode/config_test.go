package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srediag/remote-node/api"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "shmnode.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, `
listen: ""
log_level: debug
remote:
  pool_size: 4
  node:
    memory_lock: false
    strict_buffer_ids: true
    wakeup_retry_interval: 100us
  loop:
    poll_timeout: 20ms
demo:
  nodes: 2
  interval: 5ms
`))
	require.NoError(t, err)
	assert.Equal(t, "", cfg.Listen)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 4, cfg.Remote.PoolSize)
	assert.False(t, cfg.Remote.Node.MemoryLock)
	assert.True(t, cfg.Remote.Node.StrictBufferIDs)
	assert.Equal(t, 100*time.Microsecond, cfg.Remote.Node.WakeupRetryInterval)
	assert.Equal(t, uint64(3), cfg.Remote.Node.WakeupRetries)
	assert.Equal(t, 20*time.Millisecond, cfg.Remote.Loop.PollTimeout)
	assert.Equal(t, 256, cfg.Remote.Loop.MaxSources)
	assert.Equal(t, 2, cfg.Demo.Nodes)
	assert.Equal(t, uint32(4), cfg.Demo.Buffers)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := loadConfig(writeConfig(t, "bogus: 1\n"))
	assert.Error(t, err)

	_, err = loadConfig(writeConfig(t, "log_level: loud\n"))
	assert.ErrorIs(t, err, api.ErrInvalidArgument)

	_, err = loadConfig(writeConfig(t, "demo:\n  nodes: 100\n"))
	assert.ErrorIs(t, err, api.ErrInvalidArgument)

	_, err = loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	cfg, err := loadConfig(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, defaultConfig().Listen, cfg.Listen)
}

func TestConfigCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"config", "--log-level", "warn"})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "log_level: warn")
	assert.Contains(t, out.String(), "pool_size: 16")
	assert.Contains(t, out.String(), "interval: 10ms")
}
