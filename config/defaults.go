package config

import (
	"time"

	"github.com/spf13/viper"
)

func setDefaults(v *viper.Viper) {
	// Pool
	v.SetDefault("pool.idleTTL", 30*time.Minute)
	v.SetDefault("pool.sweepInterval", 5*time.Minute)
	v.SetDefault("pool.createTimeout", 60*time.Second)
	v.SetDefault("pool.probeTimeout", 5*time.Second)
	v.SetDefault("pool.closeTimeout", 10*time.Second)
	v.SetDefault("pool.maxSessions", 0)
	v.SetDefault("pool.capacityPolicy", "reject")
	v.SetDefault("pool.shards", 32)
	v.SetDefault("pool.shutdownConcurrency", 8)

	// Backend
	v.SetDefault("backend.type", "inmemory")
	v.SetDefault("backend.openai.apiKey", "")
	v.SetDefault("backend.openai.baseURL", "")
	v.SetDefault("backend.openai.model", "gpt-4.1-mini")
	v.SetDefault("backend.openai.expiresAfterMinutes", 60)
	v.SetDefault("backend.anthropic.apiKey", "")
	v.SetDefault("backend.anthropic.baseURL", "")
	v.SetDefault("backend.anthropic.model", "claude-haiku-4-5")
	v.SetDefault("backend.anthropic.maxTokens", 2048)
	v.SetDefault("backend.anthropic.remotePing", false)

	// Redis record mirror
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.poolSize", 10)
	v.SetDefault("redis.prefix", "execpool")
	v.SetDefault("redis.ttl", time.Hour)

	// Metrics
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.address", ":9090")
	v.SetDefault("metrics.path", "/metrics")

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// bindEnvVars accepts the provider SDKs' own variables as a fallback for
// the API keys.
func bindEnvVars(v *viper.Viper) error {
	if err := v.BindEnv("backend.openai.apiKey", EnvPrefix+"_BACKEND_OPENAI_APIKEY", "OPENAI_API_KEY"); err != nil {
		return err
	}
	return v.BindEnv("backend.anthropic.apiKey", EnvPrefix+"_BACKEND_ANTHROPIC_APIKEY", "ANTHROPIC_API_KEY")
}
