// Package config loads application configuration from config.yaml and
// RECEIPTS_-prefixed environment variables.
package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Staging   StagingConfig   `yaml:"staging" mapstructure:"staging"`
	Trigger   TriggerConfig   `yaml:"trigger" mapstructure:"trigger"`
	Ledger    LedgerConfig    `yaml:"ledger" mapstructure:"ledger"`
	Pipeline  PipelineConfig  `yaml:"pipeline" mapstructure:"pipeline"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the ledger database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// AnthropicConfig holds vision-model API settings.
type AnthropicConfig struct {
	Key   string `yaml:"key" mapstructure:"key"`
	Model string `yaml:"model" mapstructure:"model"`
}

// StagingConfig configures the staging store backend.
type StagingConfig struct {
	Driver    string `yaml:"driver" mapstructure:"driver"`
	Root      string `yaml:"root" mapstructure:"root"`
	Endpoint  string `yaml:"endpoint" mapstructure:"endpoint"`
	AccessKey string `yaml:"access_key" mapstructure:"access_key"`
	SecretKey string `yaml:"secret_key" mapstructure:"secret_key"`
	Bucket    string `yaml:"bucket" mapstructure:"bucket"`
	UseSSL    bool   `yaml:"use_ssl" mapstructure:"use_ssl"`
}

// TriggerConfig guards the HTTP run trigger.
type TriggerConfig struct {
	Secret string `yaml:"secret" mapstructure:"secret"`
}

// LedgerConfig holds accounting defaults for generated entries.
type LedgerConfig struct {
	DefaultCreditAccount string `yaml:"default_credit_account" mapstructure:"default_credit_account"`
}

// PipelineConfig tunes the per-run processing limits.
type PipelineConfig struct {
	MaxFilesPerRun  int           `yaml:"max_files_per_run" mapstructure:"max_files_per_run"`
	MaxFileBytes    int64         `yaml:"max_file_bytes" mapstructure:"max_file_bytes"`
	TaxFallbackRate float64       `yaml:"tax_fallback_rate" mapstructure:"tax_fallback_rate"`
	ItemDelay       time.Duration `yaml:"item_delay" mapstructure:"item_delay"`
	RulesFile       string        `yaml:"rules_file" mapstructure:"rules_file"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures zap.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads config.yaml (optional) and the environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("RECEIPTS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("staging.driver", "fs")
	v.SetDefault("ledger.default_credit_account", "普通預金")
	v.SetDefault("pipeline.max_files_per_run", 50)
	v.SetDefault("pipeline.max_file_bytes", 10_485_760)
	v.SetDefault("pipeline.item_delay", "2s")
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

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

// Validate checks every required key and reports all missing ones in a
// single error. Commands call this before touching the database, so a
// configuration problem aborts the run before any lock is taken.
func (c *Config) Validate() error {
	var missing []string

	if c.Store.DatabaseURL == "" {
		missing = append(missing, "store.database_url")
	}
	if c.Anthropic.Key == "" {
		missing = append(missing, "anthropic.key")
	}
	if c.Trigger.Secret == "" {
		missing = append(missing, "trigger.secret")
	}

	switch c.Staging.Driver {
	case "fs", "":
		if c.Staging.Root == "" {
			missing = append(missing, "staging.root")
		}
	case "minio":
		if c.Staging.Endpoint == "" {
			missing = append(missing, "staging.endpoint")
		}
		if c.Staging.AccessKey == "" {
			missing = append(missing, "staging.access_key")
		}
		if c.Staging.SecretKey == "" {
			missing = append(missing, "staging.secret_key")
		}
		if c.Staging.Bucket == "" {
			missing = append(missing, "staging.bucket")
		}
	default:
		return eris.Errorf("config: unknown staging driver %q", c.Staging.Driver)
	}

	if c.Pipeline.TaxFallbackRate < 0 || c.Pipeline.TaxFallbackRate > 1 {
		return eris.Errorf("config: pipeline.tax_fallback_rate must be within [0, 1], got %v", c.Pipeline.TaxFallbackRate)
	}

	if len(missing) > 0 {
		return eris.Errorf("config: missing required keys: %s", strings.Join(missing, ", "))
	}
	return nil
}

// InitLogger builds the global zap logger from config.
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
