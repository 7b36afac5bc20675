package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"chronostore/pkg/domain"
)

// Config is the runtime configuration of a chronostore process.
type Config struct {
	Log            LogConfig            `mapstructure:"log"`
	Storage        StorageConfig        `mapstructure:"storage"`
	Archive        ArchiveConfig        `mapstructure:"archive"`
	Metrics        MetricsConfig        `mapstructure:"metrics"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	Entities       []EntityConfig       `mapstructure:"entities"`
}

// EntityConfig declares one entity type to register.
type EntityConfig struct {
	Name             string   `mapstructure:"name"`
	Kind             string   `mapstructure:"kind"`
	NonTransactional bool     `mapstructure:"non_transactional"`
	Unique           []string `mapstructure:"unique"`
	Indexed          []string `mapstructure:"indexed"`
}

// EntityTypes returns the configured entity types. An empty kind means
// non-dated.
func (c Config) EntityTypes() []domain.EntityType {
	out := make([]domain.EntityType, 0, len(c.Entities))
	for _, e := range c.Entities {
		kind := domain.Kind(e.Kind)
		if kind == "" {
			kind = domain.KindNonDated
		}
		out = append(out, domain.EntityType{
			Name:             e.Name,
			Kind:             kind,
			NonTransactional: e.NonTransactional,
			Unique:           e.Unique,
			Indexed:          e.Indexed,
		})
	}
	return out
}

// LogConfig selects the log level and format.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// StorageConfig selects the persistent store.
type StorageConfig struct {
	Driver      string `mapstructure:"driver"`
	SQLitePath  string `mapstructure:"sqlite_path"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
	BadgerPath  string `mapstructure:"badger_path"`
}

// ArchiveConfig selects the archive store.
type ArchiveConfig struct {
	Driver string   `mapstructure:"driver"`
	FSRoot string   `mapstructure:"fs_root"`
	S3     S3Config `mapstructure:"s3"`
}

// S3Config holds the S3 archive settings.
type S3Config struct {
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Prefix          string `mapstructure:"prefix"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	PathStyle       bool   `mapstructure:"path_style"`
}

// MetricsConfig selects the metrics recorder: none, expvar or prometheus.
type MetricsConfig struct {
	Driver    string `mapstructure:"driver"`
	Namespace string `mapstructure:"namespace"`
}

// CircuitBreakerConfig enables and tunes the persistence circuit breaker.
type CircuitBreakerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	MaxRequests  uint32        `mapstructure:"max_requests"`
	Interval     time.Duration `mapstructure:"interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MinRequests  uint32        `mapstructure:"min_requests"`
	FailureRatio float64       `mapstructure:"failure_ratio"`
}

// Settings converts the configuration to BreakerSettings.
func (c CircuitBreakerConfig) Settings() BreakerSettings {
	return BreakerSettings{
		MaxRequests:  c.MaxRequests,
		Interval:     c.Interval,
		Timeout:      c.Timeout,
		MinRequests:  c.MinRequests,
		FailureRatio: c.FailureRatio,
	}
}

// envPrefix prefixes every environment override.
const envPrefix = "CHRONOSTORE"

// LoadConfig reads the optional config file at path and applies defaults and
// CHRONOSTORE_* environment overrides.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envAliases {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// envAliases maps storage keys to their short environment names.
var envAliases = map[string]string{
	"storage.sqlite_path":  envPrefix + "_SQLITE_PATH",
	"storage.postgres_dsn": envPrefix + "_POSTGRES_DSN",
	"storage.badger_path":  envPrefix + "_BADGER_PATH",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("storage.driver", string(StorageMemory))
	v.SetDefault("storage.sqlite_path", "chronostore.db")
	v.SetDefault("storage.postgres_dsn", "")
	v.SetDefault("storage.badger_path", "")

	v.SetDefault("archive.driver", "")
	v.SetDefault("archive.fs_root", "archive")
	v.SetDefault("archive.s3.bucket", "")
	v.SetDefault("archive.s3.region", "us-east-1")
	v.SetDefault("archive.s3.prefix", "")
	v.SetDefault("archive.s3.endpoint", "")
	v.SetDefault("archive.s3.access_key_id", "")
	v.SetDefault("archive.s3.secret_access_key", "")
	v.SetDefault("archive.s3.path_style", false)

	v.SetDefault("metrics.driver", "none")
	v.SetDefault("metrics.namespace", "chronostore")

	v.SetDefault("circuit_breaker.enabled", false)
	v.SetDefault("circuit_breaker.max_requests", 1)
	v.SetDefault("circuit_breaker.interval", "0s")
	v.SetDefault("circuit_breaker.timeout", "30s")
	v.SetDefault("circuit_breaker.min_requests", 3)
	v.SetDefault("circuit_breaker.failure_ratio", 0.5)
}
