package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seedvault/seedvault/pkg/types"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, BackendBolt, cfg.Store)
	assert.Equal(t, 60*time.Second, cfg.Lease.Duration)
	assert.Equal(t, 15*time.Second, cfg.Lease.HeartbeatInterval)
	assert.Equal(t, 5*time.Minute, cfg.Recovery.StaleJobThreshold)
	assert.Equal(t, 5, cfg.Retry.MaxCount)
	assert.Equal(t, int64(10<<20), cfg.Upload.PartSize)
	assert.Equal(t, int64(8<<20), cfg.Upload.DriveChunkSize)
	assert.Equal(t, 5*time.Second, cfg.Cancel.PollInterval)

	assert.NoError(t, cfg.Validate())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
dataDir: /tmp/seedvault
redis:
  addr: redis.internal:6380
lease:
  duration: 2m
queues:
  torrent: fast-torrents
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/seedvault", cfg.DataDir)
	assert.Equal(t, "redis.internal:6380", cfg.Redis.Addr)
	assert.Equal(t, 2*time.Minute, cfg.Lease.Duration)
	assert.Equal(t, "fast-torrents", cfg.Queues[string(types.JobKindTorrent)])
	// Untouched settings keep their defaults.
	assert.Equal(t, 15*time.Second, cfg.Lease.HeartbeatInterval)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadEmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Redis.Addr, cfg.Redis.Addr)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }},
		{"bad store", func(c *Config) { c.Store = "etcd" }},
		{"zero lease", func(c *Config) { c.Lease.Duration = 0 }},
		{"empty redis addr", func(c *Config) { c.Redis.Addr = "" }},
		{"postgres without dsn", func(c *Config) { c.Store = BackendPostgres }},
		{"no queues", func(c *Config) { c.Queues = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestQueueFor(t *testing.T) {
	cfg := Default()

	q, ok := cfg.QueueFor(string(types.ProviderAwsS3))
	assert.True(t, ok)
	assert.Equal(t, "s3", q)

	_, ok = cfg.QueueFor("ftp")
	assert.False(t, ok)
}
