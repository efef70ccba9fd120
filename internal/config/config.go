// Package config loads application configuration from file and
// environment and initializes the global logger.
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
	Status    StatusConfig    `yaml:"status" mapstructure:"status"`
	Queue     QueueConfig     `yaml:"queue" mapstructure:"queue"`
	Ingest    IngestConfig    `yaml:"ingest" mapstructure:"ingest"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the lead store backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // "postgres" or "sqlite"
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
}

// StatusConfig configures status record retention.
type StatusConfig struct {
	TTLHours int `yaml:"ttl_hours" mapstructure:"ttl_hours"`
}

// TTL returns the configured status record lifetime.
func (c StatusConfig) TTL() time.Duration {
	return time.Duration(c.TTLHours) * time.Hour
}

// QueueConfig configures batch unit delivery.
type QueueConfig struct {
	MaxRetries         int `yaml:"max_retries" mapstructure:"max_retries"`
	VisibilitySecs     int `yaml:"visibility_secs" mapstructure:"visibility_secs"`
	RetryBackoffMillis int `yaml:"retry_backoff_millis" mapstructure:"retry_backoff_millis"`
}

// VisibilityTimeout returns how long a dequeued unit stays invisible
// before it is considered abandoned and redelivered.
func (c QueueConfig) VisibilityTimeout() time.Duration {
	return time.Duration(c.VisibilitySecs) * time.Second
}

// RetryBackoff returns the base delay between redeliveries.
func (c QueueConfig) RetryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffMillis) * time.Millisecond
}

// IngestConfig configures splitting and batch processing.
type IngestConfig struct {
	BatchSize  int `yaml:"batch_size" mapstructure:"batch_size"`
	MaxWorkers int `yaml:"max_workers" mapstructure:"max_workers"`
}

// AnthropicConfig holds Anthropic API settings for the standardizer.
type AnthropicConfig struct {
	Key            string  `yaml:"key" mapstructure:"key"`
	Model          string  `yaml:"model" mapstructure:"model"`
	MaxTokens      int64   `yaml:"max_tokens" mapstructure:"max_tokens"`
	RequestsPerSec float64 `yaml:"requests_per_sec" mapstructure:"requests_per_sec"`
	Burst          int     `yaml:"burst" mapstructure:"burst"`
}

// ServerConfig configures the status/ingest HTTP server.
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
	v.SetEnvPrefix("LEADS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults. Secrets default to empty so AutomaticEnv can bind them
	// without a config file.
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.sqlite_path", "leads.db")
	v.SetDefault("anthropic.key", "")
	v.SetDefault("status.ttl_hours", 24)
	v.SetDefault("queue.max_retries", 3)
	v.SetDefault("queue.visibility_secs", 120)
	v.SetDefault("queue.retry_backoff_millis", 500)
	v.SetDefault("ingest.batch_size", 50)
	v.SetDefault("ingest.max_workers", 5)
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 4096)
	v.SetDefault("anthropic.requests_per_sec", 2.0)
	v.SetDefault("anthropic.burst", 4)
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
