// Package config provides a reusable loader for the storage engine's
// configuration file and environment variable overrides.
package config

import (
	"time"

	"github.com/spf13/viper"

	"quorumfs/pkg/utils"
)

// Config is the unified, on-disk configuration for a storage engine node. The
// mapstructure tags document the config.toml key of each field. The cache
// eviction weights are three flat keys (cache.weight_lru, cache.weight_freq,
// cache.weight_size); there is no nested cache.policy_weights table.
type Config struct {
	Erasure struct {
		DataShards   int `mapstructure:"data_shards"`
		ParityShards int `mapstructure:"parity_shards"`
	} `mapstructure:"erasure"`

	Network struct {
		WriteQuorum    int      `mapstructure:"write_quorum"`
		WriteFraction  float64  `mapstructure:"write_fraction"`
		ReadQuorum     int      `mapstructure:"read_quorum"`
		OpTimeoutMS    int      `mapstructure:"op_timeout_ms"`
		ListenAddr     string   `mapstructure:"listen_addr"`
		BootstrapPeers []string `mapstructure:"bootstrap_peers"`
		DiscoveryTag   string   `mapstructure:"discovery_tag"`
	} `mapstructure:"network"`

	Chunks struct {
		MaxConcurrentUploads   int `mapstructure:"max_concurrent_uploads"`
		MaxConcurrentDownloads int `mapstructure:"max_concurrent_downloads"`
		Retries                int `mapstructure:"retries"`
		RetryBaseMS            int `mapstructure:"retry_base_ms"`
	} `mapstructure:"chunks"`

	Bootstrap struct {
		MinConnected    int `mapstructure:"min_connected"`
		DialTimeoutMS   int `mapstructure:"dial_timeout_ms"`
		QuarantineAfter int `mapstructure:"quarantine_after"`
		QuarantineForS  int `mapstructure:"quarantine_for_s"`
	} `mapstructure:"bootstrap"`

	Cache struct {
		Enabled    bool    `mapstructure:"enabled"`
		MaxBytes   int64   `mapstructure:"max_bytes"`
		WeightLRU  float64 `mapstructure:"weight_lru"`
		WeightFreq float64 `mapstructure:"weight_freq"`
		WeightSize float64 `mapstructure:"weight_size"`
		MaxEntries int     `mapstructure:"max_entries"`
	} `mapstructure:"cache"`

	Keystore struct {
		KDF struct {
			MemoryCost  uint32 `mapstructure:"memory_cost"`
			TimeCost    uint32 `mapstructure:"time_cost"`
			Parallelism uint8  `mapstructure:"parallelism"`
		} `mapstructure:"kdf"`
		DeletePasses int `mapstructure:"delete_passes"`
	} `mapstructure:"keystore"`

	PeerSelection struct {
		MaxPeerShare float64 `mapstructure:"max_peer_share"`
	} `mapstructure:"peer_selection"`

	Logging struct {
		Level string `mapstructure:"level"`
		File  string `mapstructure:"file"`
	} `mapstructure:"logging"`

	Storage struct {
		DataDir string `mapstructure:"data_dir"`
	} `mapstructure:"storage"`
}

// OpTimeout returns Network.OpTimeoutMS as a time.Duration.
func (c *Config) OpTimeout() time.Duration {
	return time.Duration(c.Network.OpTimeoutMS) * time.Millisecond
}

// applyDefaults seeds every option with the value this specification
// requires before the config file and environment are merged in. Viper only
// falls back to a default when neither the file nor the environment sets it.
func applyDefaults(v *viper.Viper) {
	v.SetDefault("erasure.data_shards", 4)
	v.SetDefault("erasure.parity_shards", 2)

	v.SetDefault("network.write_quorum", 3)
	v.SetDefault("network.write_fraction", 0.75)
	v.SetDefault("network.read_quorum", 1)
	v.SetDefault("network.op_timeout_ms", 30000)
	v.SetDefault("network.listen_addr", "/ip4/0.0.0.0/tcp/0")
	v.SetDefault("network.discovery_tag", "quorumfs")

	v.SetDefault("chunks.max_concurrent_uploads", 4)
	v.SetDefault("chunks.max_concurrent_downloads", 8)
	v.SetDefault("chunks.retries", 3)
	v.SetDefault("chunks.retry_base_ms", 250)

	v.SetDefault("bootstrap.min_connected", 1)
	v.SetDefault("bootstrap.dial_timeout_ms", 5000)
	v.SetDefault("bootstrap.quarantine_after", 5)
	v.SetDefault("bootstrap.quarantine_for_s", 300)

	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.max_bytes", 1<<30)
	v.SetDefault("cache.weight_lru", 0.5)
	v.SetDefault("cache.weight_freq", 0.3)
	v.SetDefault("cache.weight_size", 0.2)
	v.SetDefault("cache.max_entries", 10_000)

	v.SetDefault("keystore.kdf.memory_cost", 64*1024)
	v.SetDefault("keystore.kdf.time_cost", 3)
	v.SetDefault("keystore.kdf.parallelism", 2)
	v.SetDefault("keystore.delete_passes", 3)

	v.SetDefault("peer_selection.max_peer_share", 0.5)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", "")

	v.SetDefault("storage.data_dir", ".")
}

// Load reads config.toml from dir (falling back to built-in defaults for any
// option the file omits) and applies QFS_-prefixed environment overrides.
func Load(dir string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	if dir != "" {
		v.AddConfigPath(dir)
	}
	v.AddConfigPath(".")
	applyDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, utils.Wrap(err, "read config.toml")
		}
	}

	v.SetEnvPrefix("QFS")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &cfg, nil
}
