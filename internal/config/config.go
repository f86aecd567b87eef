package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/shivanibhat24/docstore/internal/logging"
)

// EnvPrefix prefixes every environment override, e.g. DOCSTORE_BACKEND_TYPE
const EnvPrefix = "DOCSTORE"

type Backend struct {
	Type string `mapstructure:"type" yaml:"type"`
	Path string `mapstructure:"path" yaml:"path"`
	DSN  string `mapstructure:"dsn" yaml:"dsn,omitempty"`
}

type Sync struct {
	AsyncDelay    time.Duration `mapstructure:"async_delay" yaml:"async_delay"`
	LeaseDuration time.Duration `mapstructure:"lease_duration" yaml:"lease_duration"`
	JournalBatch  int           `mapstructure:"journal_batch" yaml:"journal_batch"`
}

type GC struct {
	MaxAge    time.Duration `mapstructure:"max_age" yaml:"max_age"`
	Interval  time.Duration `mapstructure:"interval" yaml:"interval"`
	BatchSize int           `mapstructure:"batch_size" yaml:"batch_size"`
}

type Redis struct {
	Addr    string `mapstructure:"addr" yaml:"addr,omitempty"`
	Channel string `mapstructure:"channel" yaml:"channel"`
}

type HTTP struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// Config is the effective docstore configuration
type Config struct {
	ClusterID int            `mapstructure:"cluster_id" yaml:"cluster_id"`
	Backend   Backend        `mapstructure:"backend" yaml:"backend"`
	Sync      Sync           `mapstructure:"sync" yaml:"sync"`
	GC        GC             `mapstructure:"gc" yaml:"gc"`
	Redis     Redis          `mapstructure:"redis" yaml:"redis"`
	HTTP      HTTP           `mapstructure:"http" yaml:"http"`
	Log       logging.Config `mapstructure:"log" yaml:"log"`
}

// SetDefaults registers the default of every key on v. Keys need a default
// to be picked up from the environment.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("cluster_id", 0)
	v.SetDefault("backend.type", "bolt")
	v.SetDefault("backend.path", "docstore.db")
	v.SetDefault("backend.dsn", "")
	v.SetDefault("sync.async_delay", time.Second)
	v.SetDefault("sync.lease_duration", 2*time.Minute)
	v.SetDefault("sync.journal_batch", 100)
	v.SetDefault("gc.max_age", 24*time.Hour)
	v.SetDefault("gc.interval", time.Hour)
	v.SetDefault("gc.batch_size", 100)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.channel", "docstore:journal")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// Init prepares v to read .docstore.yaml from the working directory or
// $HOME, or file when it is not empty, plus DOCSTORE_ environment overrides.
func Init(v *viper.Viper, file string) error {
	SetDefaults(v)
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName(".docstore")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME")
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file == "" && errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("failed to read config: %w", err)
	}
	return nil
}

// Load decodes and validates the configuration held by v
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges
func (c *Config) Validate() error {
	switch c.Backend.Type {
	case "memory", "bolt", "sqlite":
	case "postgres":
		if c.Backend.DSN == "" {
			return fmt.Errorf("backend.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("unknown backend.type %q", c.Backend.Type)
	}
	if c.ClusterID < 0 {
		return fmt.Errorf("cluster_id must not be negative")
	}
	if c.Sync.AsyncDelay <= 0 || c.Sync.LeaseDuration <= 0 {
		return fmt.Errorf("sync durations must be positive")
	}
	if c.Sync.LeaseDuration <= c.Sync.AsyncDelay {
		return fmt.Errorf("sync.lease_duration must exceed sync.async_delay")
	}
	if c.GC.BatchSize <= 0 || c.Sync.JournalBatch <= 0 {
		return fmt.Errorf("batch sizes must be positive")
	}
	return nil
}
