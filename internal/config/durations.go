package config

import "time"

// seconds converts a fractional-seconds config value to a duration.
func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// FastTickPeriod returns the fast tick cadence as a duration.
func (c *Config) FastTickPeriod() time.Duration {
	return seconds(c.Ticks.FastTickSec)
}

// HeavyTickPeriod returns the heavy tick cadence as a duration.
func (c *Config) HeavyTickPeriod() time.Duration {
	return seconds(c.Ticks.HeavyTickSec)
}

// HeavyTickGrace returns how long shutdown waits for an in-flight heavy tick.
func (c *Config) HeavyTickGrace() time.Duration {
	return seconds(c.Ticks.HeavyTickGrace)
}

// LLMTimeout returns the per-call LLM timeout.
func (c *Config) LLMTimeout() time.Duration {
	return seconds(c.LLM.TimeoutSec)
}

// CacheTTL returns the LLM response cache TTL.
func (c *Config) CacheTTL() time.Duration {
	return seconds(c.Cache.TTLSeconds)
}

// RecoveryTimeout returns the circuit breaker open-to-half-open delay.
func (c *Config) RecoveryTimeout() time.Duration {
	return seconds(c.CircuitBreaker.RecoveryTimeoutSec)
}

// HeartbeatTimeout returns how long before a silent agent is marked stale.
func (c *Config) HeartbeatTimeout() time.Duration {
	return seconds(c.MultiAgent.HeartbeatTimeoutSec)
}

// VisibilityTimeout returns how long a claimed message stays invisible.
func (c *Config) VisibilityTimeout() time.Duration {
	return seconds(c.MultiAgent.VisibilityTimeoutSec)
}

// HealthCacheTTL returns how long aggregated health samples stay fresh.
func (c *Config) HealthCacheTTL() time.Duration {
	return seconds(c.Health.CacheTTLSec)
}

// ShutdownTimeout returns the total budget for graceful shutdown.
func (c *Config) ShutdownTimeout() time.Duration {
	return seconds(c.Shutdown.TotalTimeoutSec)
}
