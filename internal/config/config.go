package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds everything the fraud service needs. Values come from an
// optional YAML file and FRAUD_* environment variables; cmd flags may
// override individual fields afterwards.
type Config struct {
	Bootstrap string `mapstructure:"bootstrap"`
	GroupID   string `mapstructure:"group_id"`

	TopicOrders      string `mapstructure:"topic_orders"`
	TopicValidations string `mapstructure:"topic_validations"`
	TopicChangelog   string `mapstructure:"topic_changelog"`
	TopicSnapshots   string `mapstructure:"topic_snapshots"`

	StateDir     string `mapstructure:"state_dir"`
	StateBackend string `mapstructure:"state_backend"` // memory|pebble|badger
	SnapshotDir  string `mapstructure:"snapshot_dir"`
	ChangelogDir string `mapstructure:"changelog_dir"`

	InactivityGap    time.Duration `mapstructure:"inactivity_gap"`
	FraudLimit       float64       `mapstructure:"fraud_limit"`
	StartTimeout     time.Duration `mapstructure:"start_timeout"`
	SnapshotInterval time.Duration `mapstructure:"snapshot_interval"`
	EvictInterval    time.Duration `mapstructure:"evict_interval"`

	ChangelogSink string `mapstructure:"changelog_sink"` // file|kafka|both
	ManifestSink  string `mapstructure:"manifest_sink"`  // file|kafka|both

	TxID        string `mapstructure:"tx_id"` // enables EOS output when set
	MetricsAddr string `mapstructure:"metrics_addr"`
	LogLevel    string `mapstructure:"log_level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("bootstrap", "localhost:9092")
	v.SetDefault("group_id", "fraudsvc")
	v.SetDefault("topic_orders", "orders")
	v.SetDefault("topic_validations", "order-validations")
	v.SetDefault("topic_changelog", "fraudsvc-changelog")
	v.SetDefault("topic_snapshots", "fraudsvc-snapshots")
	v.SetDefault("state_dir", "./data/fraudsvc")
	v.SetDefault("state_backend", "pebble")
	v.SetDefault("snapshot_dir", "./snapshots")
	v.SetDefault("changelog_dir", "./changelog")
	v.SetDefault("inactivity_gap", "1h")
	v.SetDefault("fraud_limit", 2000.0)
	v.SetDefault("start_timeout", "60s")
	v.SetDefault("snapshot_interval", "60s")
	v.SetDefault("evict_interval", "1m")
	v.SetDefault("changelog_sink", "file")
	v.SetDefault("manifest_sink", "file")
	v.SetDefault("tx_id", "")
	v.SetDefault("metrics_addr", ":8080")
	v.SetDefault("log_level", "info")
}

// Load reads configuration. configPath may be empty, in which case only
// defaults and environment variables apply.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("FRAUD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config failed: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config failed: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field combinations that would only fail at runtime.
func (c *Config) Validate() error {
	if c.Bootstrap == "" {
		return fmt.Errorf("bootstrap is required")
	}
	if c.InactivityGap <= 0 {
		return fmt.Errorf("inactivity_gap must be positive")
	}
	if c.FraudLimit <= 0 {
		return fmt.Errorf("fraud_limit must be positive")
	}
	if c.StartTimeout <= 0 {
		return fmt.Errorf("start_timeout must be positive")
	}
	switch c.StateBackend {
	case "memory", "pebble", "badger":
	default:
		return fmt.Errorf("state_backend must be memory, pebble or badger; got %q", c.StateBackend)
	}
	switch c.ChangelogSink {
	case "file", "kafka", "both":
	default:
		return fmt.Errorf("changelog_sink must be file, kafka or both; got %q", c.ChangelogSink)
	}
	switch c.ManifestSink {
	case "file", "kafka", "both":
	default:
		return fmt.Errorf("manifest_sink must be file, kafka or both; got %q", c.ManifestSink)
	}
	return nil
}
