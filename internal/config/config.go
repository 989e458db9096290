// Package config loads the engine configuration from YAML files and the
// environment.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/subventia/matching-engine/internal/usage"
)

type Config struct {
	App       AppConfig       `mapstructure:"app"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Catalog   CatalogConfig   `mapstructure:"catalog"`
	Usage     UsageConfig     `mapstructure:"usage"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Refine    RefineConfig    `mapstructure:"refine"`
	Retrieval RetrievalConfig `mapstructure:"retrieval"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type CatalogConfig struct {
	DBPath string `mapstructure:"db_path"`
}

type UsageConfig struct {
	DBPath   string             `mapstructure:"db_path"`
	Pricing  usage.Pricing      `mapstructure:"pricing"`
	Ceilings map[string]float64 `mapstructure:"ceilings"`
}

type AuditConfig struct {
	DBPath string `mapstructure:"db_path"`
}

type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type RefineConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

type RetrievalConfig struct {
	PerQueryLimit      int     `mapstructure:"per_query_limit"`
	FallbackLimit      int     `mapstructure:"fallback_limit"`
	HighValueThreshold float64 `mapstructure:"high_value_threshold"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "matching-engine"
	}
	if cfg.App.Environment == "" {
		cfg.App.Environment = "development"
	}
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":8080"
	}
	if cfg.Catalog.DBPath == "" {
		cfg.Catalog.DBPath = "data/catalog.db"
	}
	if cfg.Usage.DBPath == "" {
		cfg.Usage.DBPath = "data/usage.db"
	}
	if cfg.Audit.DBPath == "" {
		cfg.Audit.DBPath = "data/audit.db"
	}
	if cfg.Usage.Pricing == (usage.Pricing{}) {
		cfg.Usage.Pricing = usage.DefaultPricing()
	}
	if len(cfg.Usage.Ceilings) == 0 {
		cfg.Usage.Ceilings = usage.DefaultPlanCeilings()
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Refine.Timeout <= 0 {
		cfg.Refine.Timeout = 45 * time.Second
	}
	if cfg.Refine.MaxAttempts <= 0 {
		cfg.Refine.MaxAttempts = 3
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func validate(cfg *Config) error {
	if cfg.Usage.Pricing.USDToEUR <= 0 {
		return errors.New("usage.pricing.usd_to_eur must be positive")
	}
	for plan, ceiling := range cfg.Usage.Ceilings {
		if ceiling <= 0 {
			return fmt.Errorf("usage.ceilings.%s must be positive", plan)
		}
	}
	if _, ok := cfg.Usage.Ceilings["decouverte"]; !ok {
		return errors.New("usage.ceilings must define the decouverte plan")
	}
	return nil
}
