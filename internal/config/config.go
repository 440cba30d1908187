// Package config loads application configuration from file and environment
// and initializes the global logger.
package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/marketsync/internal/store"
	"github.com/sells-group/marketsync/pkg/marketdata"
)

// Config holds the full application configuration.
type Config struct {
	Store  StoreConfig       `yaml:"store" mapstructure:"store"`
	Vendor marketdata.Config `yaml:"vendor" mapstructure:"vendor"`
	Ingest IngestConfig      `yaml:"ingest" mapstructure:"ingest"`
	DQ     DQConfig          `yaml:"dq" mapstructure:"dq"`
	Server ServerConfig      `yaml:"server" mapstructure:"server"`
	Log    LogConfig         `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string           `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string           `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string           `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	Pool        store.PoolConfig `yaml:"pool" mapstructure:"pool"`
}

// IngestConfig configures batch ingestion behavior.
type IngestConfig struct {
	Marketplace   string `yaml:"marketplace" mapstructure:"marketplace"`
	ChunkSize     int    `yaml:"chunk_size" mapstructure:"chunk_size"`
	Concurrency   int    `yaml:"concurrency" mapstructure:"concurrency"`
	CacheTTLMins  int    `yaml:"cache_ttl_minutes" mapstructure:"cache_ttl_minutes"`
	StatsDays     int    `yaml:"stats_days" mapstructure:"stats_days"`
	Offers        int    `yaml:"offers" mapstructure:"offers"`
	BreakerLimit  int    `yaml:"breaker_failure_threshold" mapstructure:"breaker_failure_threshold"`
	BreakerResetS int    `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
}

// CacheTTL returns the snapshot freshness window as a duration.
func (c IngestConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLMins) * time.Minute
}

// DQConfig configures data-quality thresholds.
type DQConfig struct {
	RequiredFields      []string `yaml:"required_fields" mapstructure:"required_fields"`
	MaxVendorAgeHours   int      `yaml:"max_vendor_age_hours" mapstructure:"max_vendor_age_hours"`
	VolatilityThreshold float64  `yaml:"volatility_threshold" mapstructure:"volatility_threshold"`
}

// ServerConfig configures the read-only consumer API.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("MARKETSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.sqlite_path", "marketsync.db")
	v.SetDefault("store.pool.max_conns", 10)
	v.SetDefault("store.pool.min_conns", 2)
	v.SetDefault("store.pool.ping_max_attempts", 3)
	v.SetDefault("store.pool.ping_backoff_ms", 500)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("vendor.base_url", "https://api.marketdata.example.com")
	v.SetDefault("vendor.domain", 2)
	v.SetDefault("vendor.batch_size", 10)
	v.SetDefault("vendor.max_attempts", 4)
	v.SetDefault("vendor.inter_batch_delay_ms", 200)
	v.SetDefault("vendor.requests_per_second", 1)
	v.SetDefault("vendor.timeout_secs", 30)
	v.SetDefault("vendor.epoch_offset_minutes", marketdata.DefaultEpochOffsetMinutes)
	v.SetDefault("ingest.marketplace", "amazon.co.uk")
	v.SetDefault("ingest.chunk_size", 10)
	v.SetDefault("ingest.concurrency", 3)
	v.SetDefault("ingest.cache_ttl_minutes", 360)
	v.SetDefault("ingest.stats_days", 90)
	v.SetDefault("ingest.offers", 20)
	v.SetDefault("ingest.breaker_failure_threshold", 5)
	v.SetDefault("ingest.breaker_reset_secs", 60)
	v.SetDefault("dq.required_fields", []string{"price_inc_vat", "stock"})
	v.SetDefault("dq.max_vendor_age_hours", 24)
	v.SetDefault("dq.volatility_threshold", 0.5)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
