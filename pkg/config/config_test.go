package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: DEBUG
store:
  metadata_device: /dev/mapper/meta
  snapshot_device: /dev/mapper/snap
  origin_device: /dev/mapper/origin
  self_check: true
server:
  socket: /tmp/snapstore.sock
metrics:
  enabled: true
  addr: ":9001"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "DEBUG", cfg.Logging.Level)
	assert.Equal(t, "/dev/mapper/meta", cfg.Store.MetadataDevice)
	assert.True(t, cfg.Store.SelfCheck)
	assert.False(t, cfg.Combined())
	assert.Equal(t, "/tmp/snapstore.sock", cfg.Server.Socket)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, ":9001", cfg.Metrics.Addr)

	// Defaults fill the gaps.
	assert.Equal(t, int64(128)<<20, cfg.Store.CacheBytes)
	assert.Equal(t, uint32(12), cfg.Store.MetaChunkBits)
	assert.Equal(t, 100, cfg.Server.MaxClients)
}

func TestCombinedLayout(t *testing.T) {
	path := writeConfig(t, `
store:
  metadata_device: /dev/mapper/meta
  origin_device: /dev/mapper/origin
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.Combined())
}

func TestEnvOverride(t *testing.T) {
	path := writeConfig(t, `
store:
  metadata_device: /dev/mapper/meta
  origin_device: /dev/mapper/origin
logging:
  level: INFO
`)
	t.Setenv("SNAPSTORE_LOGGING_LEVEL", "ERROR")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ERROR", cfg.Logging.Level)
}

func TestValidation(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"missing metadata device", func(c *Config) { c.Store.MetadataDevice = "" }, "metadata_device"},
		{"missing origin device", func(c *Config) { c.Store.OriginDevice = "" }, "origin_device"},
		{"combined chunk mismatch", func(c *Config) {
			c.Store.SnapshotDevice = ""
			c.Store.SnapChunkBits = 13
		}, "equal chunk sizes"},
		{"chunk bits out of range", func(c *Config) { c.Store.MetaChunkBits = 25 }, "chunk bits"},
		{"missing socket", func(c *Config) { c.Server.Socket = "" }, "socket"},
		{"bad level", func(c *Config) { c.Logging.Level = "LOUD" }, "logging.level"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := &Config{
				Logging: LoggingConfig{Level: "INFO"},
				Store: StoreConfig{
					MetadataDevice: "/dev/a",
					OriginDevice:   "/dev/c",
					MetaChunkBits:  12,
					SnapChunkBits:  12,
				},
				Server: ServerConfig{Socket: "/tmp/s.sock"},
			}
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}
