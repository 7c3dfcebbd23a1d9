// Package config loads pendingd configuration from defaults, a config file,
// COSIGN_* environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"Cosign/internal/policy"
)

// EnvPrefix prefixes every environment variable (e.g. COSIGN_HTTP_ADDR).
const EnvPrefix = "COSIGN"

type Config struct {
	DataDir       string              `mapstructure:"data_dir"`
	HTTP          HTTPConfig          `mapstructure:"http"`
	QUIC          QUICConfig          `mapstructure:"quic"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Policy        PolicyConfig        `mapstructure:"policy"`
	Log           LogConfig           `mapstructure:"log"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

// QUICConfig configures the QUIC listener. An empty Addr disables it.
type QUICConfig struct {
	Addr    string `mapstructure:"addr"`
	KeyFile string `mapstructure:"key_file"`
}

type StorageConfig struct {
	Backend string            `mapstructure:"backend"`
	Config  map[string]string `mapstructure:"config"`
}

// PolicyConfig holds the staleness expression and how often stale operations are swept.
type PolicyConfig struct {
	Stale         string        `mapstructure:"stale"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type LogConfig struct {
	Level     string `mapstructure:"level"`
	Format    string `mapstructure:"format"`
	File      string `mapstructure:"file"`
	MaxSizeKB int64  `mapstructure:"max_size_kb"`
	MaxRolls  int    `mapstructure:"max_rolls"`
}

type ObservabilityConfig struct {
	MetricsAddr  string `mapstructure:"metrics_addr"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	OTLPProtocol string `mapstructure:"otlp_protocol"`
	ServiceName  string `mapstructure:"service_name"`
}

// fileBackends store data under a local path.
var fileBackends = map[string]string{
	"pebble":  "pending.pebble",
	"badger":  "pending.badger",
	"leveldb": "pending.leveldb",
	"sqlite":  "pending.db",
}

// DefaultDataDir returns the default data directory (~/.cosign).
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".cosign"
	}
	return filepath.Join(home, ".cosign")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", DefaultDataDir())

	v.SetDefault("http.addr", ":7000")
	v.SetDefault("quic.addr", ":7001")
	v.SetDefault("quic.key_file", "")

	v.SetDefault("storage.backend", "pebble")

	v.SetDefault("policy.stale", policy.DefaultStale)
	v.SetDefault("policy.sweep_interval", time.Minute)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_kb", 10*1024)
	v.SetDefault("log.max_rolls", 3)

	v.SetDefault("observability.metrics_addr", "")
	v.SetDefault("observability.otlp_endpoint", "")
	v.SetDefault("observability.otlp_protocol", "http")
	v.SetDefault("observability.service_name", "pendingd")
}

// BindFlags registers the daemon flags on cmd and binds them to v.
func BindFlags(cmd *cobra.Command, v *viper.Viper) {
	f := cmd.Flags()
	f.String("config", "", "config file path (default ./cosign.yaml)")
	f.String("data-dir", "", "data directory (default ~/.cosign)")
	f.String("http", "", "HTTP API listen address")
	f.String("quic", "", "QUIC listen address, empty to disable")
	f.String("key", "", "QUIC identity key file (default <data-dir>/pendingd.key)")
	f.String("storage", "", "storage backend (pebble, badger, leveldb, sqlite, redis, s3, memory)")
	f.String("stale", "", "CEL staleness expression")
	f.String("log-level", "", "log level (debug, info, warn, error)")
	f.String("log-format", "", "log format (text, json)")
	f.String("log-file", "", "rotating log file")
	f.String("metrics-addr", "", "metrics HTTP listen address")

	_ = v.BindPFlag("data_dir", f.Lookup("data-dir"))
	_ = v.BindPFlag("http.addr", f.Lookup("http"))
	_ = v.BindPFlag("quic.addr", f.Lookup("quic"))
	_ = v.BindPFlag("quic.key_file", f.Lookup("key"))
	_ = v.BindPFlag("storage.backend", f.Lookup("storage"))
	_ = v.BindPFlag("policy.stale", f.Lookup("stale"))
	_ = v.BindPFlag("log.level", f.Lookup("log-level"))
	_ = v.BindPFlag("log.format", f.Lookup("log-format"))
	_ = v.BindPFlag("log.file", f.Lookup("log-file"))
	_ = v.BindPFlag("observability.metrics_addr", f.Lookup("metrics-addr"))
}

// Load reads config from flags, env, and file, returning the merged Config.
// A missing config file is only an error when configFile names it explicitly.
func Load(v *viper.Viper, configFile string) (Config, error) {
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("cosign")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.cosign")
		v.AddConfigPath("/etc/cosign")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || configFile != "" {
			return Config{}, fmt.Errorf("read config:\n%w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config:\n%w", err)
	}

	return cfg, cfg.Validate()
}

// Validate checks values that would otherwise fail late at startup.
func (c Config) Validate() error {
	if c.HTTP.Addr == "" && c.QUIC.Addr == "" {
		return fmt.Errorf("at least one of http.addr and quic.addr must be set")
	}

	if c.Storage.Backend == "" {
		return fmt.Errorf("storage.backend cannot be empty")
	}

	if c.Policy.SweepInterval < 0 {
		return fmt.Errorf("policy.sweep_interval cannot be negative")
	}

	return nil
}

// StorageOptions returns the backend config, placing file-based backends
// under the data directory unless a path is configured.
func (c Config) StorageOptions() map[string]string {
	out := make(map[string]string, len(c.Storage.Config)+1)
	for k, v := range c.Storage.Config {
		out[k] = v
	}

	if name, ok := fileBackends[c.Storage.Backend]; ok && out["path"] == "" {
		out["path"] = filepath.Join(c.DataDir, name)
	}

	return out
}

// KeyFile returns the QUIC identity key path.
func (c Config) KeyFile() string {
	if c.QUIC.KeyFile != "" {
		return c.QUIC.KeyFile
	}
	return filepath.Join(c.DataDir, "pendingd.key")
}
