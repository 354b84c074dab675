package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// MinAnthropicRemotePingTimeout is the smallest probe timeout accepted for
// remote Anthropic pings, which are full model turns.
const MinAnthropicRemotePingTimeout = 30 * time.Second

// Validate checks the configuration for values the pool cannot run with.
// Missing API keys are not checked here; the backend reports them on the
// first session creation.
func (c *Config) Validate() error {
	p := c.Pool
	if p.IdleTTL <= 0 {
		return errors.New("pool.idleTTL must be positive")
	}
	if p.SweepInterval <= 0 {
		return errors.New("pool.sweepInterval must be positive")
	}
	if p.CreateTimeout <= 0 {
		return errors.New("pool.createTimeout must be positive")
	}
	if p.ProbeTimeout <= 0 {
		return errors.New("pool.probeTimeout must be positive")
	}
	if p.CloseTimeout <= 0 {
		return errors.New("pool.closeTimeout must be positive")
	}
	if p.ProbeTimeout >= p.CreateTimeout {
		return errors.New("pool.probeTimeout should be less than pool.createTimeout")
	}
	if p.MaxSessions < 0 {
		return errors.New("pool.maxSessions must not be negative")
	}

	switch strings.ToLower(p.CapacityPolicy) {
	case "reject", "evict-lru":
	default:
		return fmt.Errorf("invalid capacity policy: %s. Must be 'reject' or 'evict-lru'", p.CapacityPolicy)
	}

	switch strings.ToLower(c.Backend.Type) {
	case "inmemory", "openai", "anthropic":
	default:
		return fmt.Errorf("invalid backend type: %s. Must be 'inmemory', 'openai' or 'anthropic'", c.Backend.Type)
	}

	if strings.EqualFold(c.Backend.Type, "anthropic") && c.Backend.Anthropic.RemotePing && p.ProbeTimeout < MinAnthropicRemotePingTimeout {
		return fmt.Errorf("pool.probeTimeout must be at least %s with backend.anthropic.remotePing", MinAnthropicRemotePingTimeout)
	}

	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return errors.New("redis.address must be specified when redis is enabled")
		}
		if c.Redis.TTL <= p.IdleTTL {
			return errors.New("redis.ttl should be greater than pool.idleTTL")
		}
	}

	if c.Metrics.Enabled && c.Metrics.Address == "" {
		return errors.New("metrics.address must be specified when metrics are enabled")
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("invalid logging format: %s. Must be 'json' or 'text'", c.Logging.Format)
	}
	return nil
}
