// Package config loads pool configuration from an optional YAML file and
// EXECPOOL_* environment variables on top of built-in defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. EXECPOOL_POOL_IDLETTL.
const EnvPrefix = "EXECPOOL"

// Config is the complete pool configuration.
type Config struct {
	Pool    PoolConfig    `mapstructure:"pool"`
	Backend BackendConfig `mapstructure:"backend"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Logging LoggingConfig `mapstructure:"logging"`
}

type PoolConfig struct {
	IdleTTL             time.Duration `mapstructure:"idleTTL"`
	SweepInterval       time.Duration `mapstructure:"sweepInterval"`
	CreateTimeout       time.Duration `mapstructure:"createTimeout"`
	ProbeTimeout        time.Duration `mapstructure:"probeTimeout"`
	CloseTimeout        time.Duration `mapstructure:"closeTimeout"`
	MaxSessions         int           `mapstructure:"maxSessions"`
	CapacityPolicy      string        `mapstructure:"capacityPolicy"` // reject or evict-lru
	Shards              int           `mapstructure:"shards"`
	ShutdownConcurrency int           `mapstructure:"shutdownConcurrency"`
}

type BackendConfig struct {
	Type      string          `mapstructure:"type"` // inmemory, openai or anthropic
	OpenAI    OpenAIConfig    `mapstructure:"openai"`
	Anthropic AnthropicConfig `mapstructure:"anthropic"`
}

type OpenAIConfig struct {
	APIKey              string `mapstructure:"apiKey"`
	BaseURL             string `mapstructure:"baseURL"`
	Model               string `mapstructure:"model"`
	ExpiresAfterMinutes int64  `mapstructure:"expiresAfterMinutes"`
}

type AnthropicConfig struct {
	APIKey    string `mapstructure:"apiKey"`
	BaseURL   string `mapstructure:"baseURL"`
	Model     string `mapstructure:"model"`
	MaxTokens int64  `mapstructure:"maxTokens"`
	// RemotePing probes containers with a model turn; needs pool.probeTimeout >= 30s.
	RemotePing bool `mapstructure:"remotePing"`
}

type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Address  string        `mapstructure:"address"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	PoolSize int           `mapstructure:"poolSize"`
	Prefix   string        `mapstructure:"prefix"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
	Path    string `mapstructure:"path"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads the configuration. path may be empty, in which case only
// defaults and environment variables apply. The result is validated.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := bindEnvVars(v); err != nil {
		return nil, fmt.Errorf("config env binding error: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config file error: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config unmarshal error: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}
