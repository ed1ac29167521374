package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 1, cfg.Storage.Versions)
	assert.Equal(t, "rtree", cfg.Storage.SpatialIndex.Strategy)
}

func TestLoadMissingFileFallsBackToDefault(t *testing.T) {
	cfg, found, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
logger:
  level: DEBUG
  json: true
storage:
  path: /var/lib/bboxkv
  memtable:
    max_entries: 1000
  versions: 3
  flush:
    queue_size: 4
    shutdown_poll_interval: 50ms
  spatial_index:
    strategy: flat
cluster:
  zookeeper: ["zk1:2181", "zk2:2181"]
  node_addr: node-1:8080
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, found, err := Load(path)
	require.NoError(t, err)
	assert.True(t, found)

	assert.Equal(t, "DEBUG", cfg.Logger.Level)
	assert.True(t, cfg.Logger.JSON)
	assert.Equal(t, "/var/lib/bboxkv", cfg.Storage.RootPath)
	assert.Equal(t, 1000, cfg.Storage.Memtable.MaxEntries)
	assert.Equal(t, int64(64<<20), cfg.Storage.Memtable.MaxBytes, "untouched keys keep defaults")
	assert.Equal(t, 3, cfg.Storage.Versions)
	assert.Equal(t, 4, cfg.Storage.Flush.QueueSize)
	assert.Equal(t, 50*time.Millisecond, cfg.Storage.Flush.ShutdownPollInterval)
	assert.Equal(t, "flat", cfg.Storage.SpatialIndex.Strategy)
	assert.Equal(t, []string{"zk1:2181", "zk2:2181"}, cfg.Cluster.ZooKeeper)
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
storage:
  versions: -1
  bloom_filter:
    fp_rate: 1.5
  spatial_index:
    strategy: quadtree
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	_, found, err := Load(path)
	assert.True(t, found)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage.versions")
	assert.Contains(t, err.Error(), "fp_rate")
	assert.Contains(t, err.Error(), "quadtree")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"default", func(*Config) {}, false},
		{"no memtable limits", func(c *Config) {
			c.Storage.Memtable.MaxEntries = 0
			c.Storage.Memtable.MaxBytes = 0
		}, true},
		{"entries only", func(c *Config) { c.Storage.Memtable.MaxBytes = 0 }, false},
		{"zero queue", func(c *Config) { c.Storage.Flush.QueueSize = 0 }, true},
		{"tiny node size", func(c *Config) { c.Storage.SpatialIndex.MaxNodeSize = 1 }, true},
		{"bad codec", func(c *Config) { c.Storage.SSTable.Compression = "brotli" }, true},
		{"zstd codec", func(c *Config) { c.Storage.SSTable.Compression = "zstd" }, false},
		{"bad level", func(c *Config) { c.Logger.Level = "TRACE" }, true},
		{"bad port", func(c *Config) { c.Server.Port = 0 }, true},
		{"keep all versions", func(c *Config) { c.Storage.Versions = 0 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
