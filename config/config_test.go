package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "execpool.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("ANTHROPIC_API_KEY", "")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 30*time.Minute, cfg.Pool.IdleTTL)
	assert.Equal(t, 5*time.Minute, cfg.Pool.SweepInterval)
	assert.Equal(t, 60*time.Second, cfg.Pool.CreateTimeout)
	assert.Equal(t, 5*time.Second, cfg.Pool.ProbeTimeout)
	assert.Equal(t, 10*time.Second, cfg.Pool.CloseTimeout)
	assert.Zero(t, cfg.Pool.MaxSessions)
	assert.Equal(t, "reject", cfg.Pool.CapacityPolicy)
	assert.Equal(t, 32, cfg.Pool.Shards)
	assert.Equal(t, 8, cfg.Pool.ShutdownConcurrency)
	assert.Equal(t, "inmemory", cfg.Backend.Type)
	assert.Empty(t, cfg.Backend.OpenAI.APIKey)
	assert.False(t, cfg.Backend.Anthropic.RemotePing)
	assert.False(t, cfg.Redis.Enabled)
	assert.False(t, cfg.Metrics.Enabled)
	assert.Equal(t, ":9090", cfg.Metrics.Address)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := writeFile(t, `
pool:
  idleTTL: 10m
  maxSessions: 100
  capacityPolicy: evict-lru
backend:
  type: openai
  openai:
    model: gpt-4.1
metrics:
  enabled: true
`)
	t.Setenv("EXECPOOL_POOL_PROBETIMEOUT", "2s")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 10*time.Minute, cfg.Pool.IdleTTL)
	assert.Equal(t, 2*time.Second, cfg.Pool.ProbeTimeout)
	assert.Equal(t, 100, cfg.Pool.MaxSessions)
	assert.Equal(t, "evict-lru", cfg.Pool.CapacityPolicy)
	assert.Equal(t, "openai", cfg.Backend.Type)
	assert.Equal(t, "gpt-4.1", cfg.Backend.OpenAI.Model)
	assert.Equal(t, "sk-test", cfg.Backend.OpenAI.APIKey)
	assert.True(t, cfg.Metrics.Enabled)
}

func TestLoad_PrefixedKeyWinsOverSDKVariable(t *testing.T) {
	t.Setenv("EXECPOOL_BACKEND_ANTHROPIC_APIKEY", "prefixed")
	t.Setenv("ANTHROPIC_API_KEY", "sdk")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "prefixed", cfg.Backend.Anthropic.APIKey)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "config file error")
}

func TestLoad_InvalidValues(t *testing.T) {
	_, err := Load(writeFile(t, "backend:\n  type: lambda\n"))
	assert.ErrorContains(t, err, "invalid backend type")
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
		errMsg string
	}{
		{"non-positive idle ttl", func(c *Config) { c.Pool.IdleTTL = 0 }, "pool.idleTTL"},
		{"non-positive create timeout", func(c *Config) { c.Pool.CreateTimeout = -time.Second }, "pool.createTimeout"},
		{"probe not shorter than create", func(c *Config) { c.Pool.ProbeTimeout = c.Pool.CreateTimeout }, "pool.probeTimeout should be less"},
		{"unknown policy", func(c *Config) { c.Pool.CapacityPolicy = "fifo" }, "invalid capacity policy"},
		{"negative max sessions", func(c *Config) { c.Pool.MaxSessions = -1 }, "pool.maxSessions"},
		{"redis ttl too short", func(c *Config) { c.Redis.Enabled = true; c.Redis.TTL = time.Minute }, "redis.ttl"},
		{"remote anthropic ping with short probe timeout", func(c *Config) {
			c.Backend.Type = "anthropic"
			c.Backend.Anthropic.RemotePing = true
		}, "backend.anthropic.remotePing"},
		{"unknown log format", func(c *Config) { c.Logging.Format = "xml" }, "invalid logging format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.errMsg)
		})
	}

	t.Run("remote anthropic ping with long probe timeout", func(t *testing.T) {
		cfg := valid()
		cfg.Backend.Type = "anthropic"
		cfg.Backend.Anthropic.RemotePing = true
		cfg.Pool.ProbeTimeout = MinAnthropicRemotePingTimeout
		assert.NoError(t, cfg.Validate())
	})

	t.Run("missing api key is valid", func(t *testing.T) {
		t.Setenv("OPENAI_API_KEY", "")
		cfg := valid()
		cfg.Backend.Type = "openai"
		assert.NoError(t, cfg.Validate())
	})
}
