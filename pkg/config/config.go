// Package config loads the server configuration.
//
// Sources in order of precedence: environment variables (SNAPSTORE_*),
// the configuration file (YAML), built-in defaults.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config is the full server configuration.
type Config struct {
	Logging LoggingConfig `mapstructure:"logging"`
	Store   StoreConfig   `mapstructure:"store"`
	Server  ServerConfig  `mapstructure:"server"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	// Level is DEBUG, INFO, WARN or ERROR.
	Level string `mapstructure:"level"`

	// Format is text or json.
	Format string `mapstructure:"format"`

	// Output is stdout, stderr or a file path.
	Output string `mapstructure:"output"`
}

// StoreConfig names the devices and the engine tunables.
type StoreConfig struct {
	// MetadataDevice holds the superblock, bitmaps, journal and B-tree.
	MetadataDevice string `mapstructure:"metadata_device"`

	// SnapshotDevice holds exception chunks. Empty means the combined
	// layout: snapshot data shares the metadata device and space.
	SnapshotDevice string `mapstructure:"snapshot_device"`

	// OriginDevice is the live volume being snapshotted.
	OriginDevice string `mapstructure:"origin_device"`

	// CacheBytes is the buffer cache budget.
	CacheBytes int64 `mapstructure:"cache_bytes"`

	// SelfCheck recounts the allocation bitmaps after every commit.
	SelfCheck bool `mapstructure:"self_check"`

	// JournalBytes, MetaChunkBits and SnapChunkBits only apply to init.
	JournalBytes  uint32 `mapstructure:"journal_bytes"`
	MetaChunkBits uint32 `mapstructure:"meta_chunk_bits"`
	SnapChunkBits uint32 `mapstructure:"snap_chunk_bits"`
}

// ServerConfig configures the client-facing socket and the agent channel.
type ServerConfig struct {
	// Socket is the unix socket clients connect to.
	Socket string `mapstructure:"socket"`

	// AgentSocket, when set, is dialed at startup for the control
	// channel; the server announces itself with SERVER_READY.
	AgentSocket string `mapstructure:"agent_socket"`

	// MaxClients bounds concurrent client connections.
	MaxClients int `mapstructure:"max_clients"`
}

// MetricsConfig configures the optional Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "INFO")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.output", "stderr")
	v.SetDefault("store.cache_bytes", int64(128)<<20)
	v.SetDefault("store.self_check", false)
	v.SetDefault("store.journal_bytes", uint32(100*4096))
	v.SetDefault("store.meta_chunk_bits", uint32(12))
	v.SetDefault("store.snap_chunk_bits", uint32(12))
	v.SetDefault("server.socket", "/var/run/snapstore/server.sock")
	v.SetDefault("server.agent_socket", "")
	v.SetDefault("server.max_clients", 100)
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9655")
}

// Load reads the configuration. path may be empty, in which case only
// defaults and the environment apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SNAPSTORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %q: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for obvious mistakes.
func (c *Config) Validate() error {
	if c.Store.MetadataDevice == "" {
		return fmt.Errorf("store.metadata_device is required")
	}
	if c.Store.OriginDevice == "" {
		return fmt.Errorf("store.origin_device is required")
	}
	if c.Store.MetaChunkBits < 9 || c.Store.MetaChunkBits > 20 ||
		c.Store.SnapChunkBits < 9 || c.Store.SnapChunkBits > 20 {
		return fmt.Errorf("chunk bits must be within [9, 20]")
	}
	if c.Store.SnapshotDevice == "" && c.Store.MetaChunkBits != c.Store.SnapChunkBits {
		return fmt.Errorf("combined layout requires equal chunk sizes (meta %d, snap %d bits)",
			c.Store.MetaChunkBits, c.Store.SnapChunkBits)
	}
	if c.Server.Socket == "" {
		return fmt.Errorf("server.socket is required")
	}
	switch strings.ToUpper(c.Logging.Level) {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return fmt.Errorf("invalid logging.level %q", c.Logging.Level)
	}
	return nil
}

// Combined reports whether the store uses the combined layout.
func (c *Config) Combined() bool { return c.Store.SnapshotDevice == "" }
