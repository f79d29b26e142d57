// Package config loads and validates the agent configuration.
//
// Configuration comes from three layers, later layers winning:
// compiled-in defaults, the YAML config file, and ANIMA_* environment
// variables. A missing config file is not an error; the agent runs on
// defaults.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds all agent configuration.
type Config struct {
	// Agent identity and data root
	Agent AgentConfig `yaml:"agent"`

	// Tick cadences
	Ticks TicksConfig `yaml:"ticks"`

	// LLM transport (chat + embeddings)
	LLM LLMConfig `yaml:"llm"`

	// LLM response cache
	Cache CacheConfig `yaml:"cache"`

	// Token-bucket rate limits for LLM traffic
	RateLimit RateLimitConfig `yaml:"rate_limit"`

	// Circuit breaker for LLM and other flaky dependencies
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`

	// Episodic memory retention
	Memory MemoryConfig `yaml:"memory"`

	// Multi-agent coordination (registry, message bus, consensus)
	MultiAgent MultiAgentConfig `yaml:"multi_agent"`

	// Health aggregation
	Health HealthConfig `yaml:"health"`

	// Graceful shutdown
	Shutdown ShutdownConfig `yaml:"shutdown"`

	// Category file logging
	Logging LoggingConfig `yaml:"logging"`

	// Read-only introspection HTTP server
	Introspect IntrospectConfig `yaml:"introspect"`

	// Strict rejects unknown config keys instead of ignoring them.
	Strict bool `yaml:"strict"`
}

// AgentConfig identifies this agent instance.
type AgentConfig struct {
	Name    string `yaml:"name"`
	ID      string `yaml:"id"`       // stable across restarts; derived from name+hostname when empty
	DataDir string `yaml:"data_dir"` // root of the on-disk layout
}

// TicksConfig sets the two scheduler cadences. All values are seconds.
type TicksConfig struct {
	FastTickSec    float64 `yaml:"fast_tick_sec"`
	HeavyTickSec   float64 `yaml:"heavy_tick_sec"`
	HeavyTickGrace float64 `yaml:"heavy_tick_grace_sec"` // max wait for an in-flight heavy tick on shutdown
}

// LLMConfig configures the chat and embedding backends.
type LLMConfig struct {
	Provider string `yaml:"provider"` // openai (any OpenAI-compatible endpoint)
	BaseURL  string `yaml:"base_url"`
	APIKey   string `yaml:"api_key"`

	ChatModel string `yaml:"chat_model"`

	// Embedding backend: "ollama" (local) or "genai" (Google cloud)
	EmbedProvider string `yaml:"embed_provider"`
	EmbedBaseURL  string `yaml:"embed_base_url"`
	EmbedModel    string `yaml:"embed_model"`
	GenAIAPIKey   string `yaml:"genai_api_key"`
	GenAITaskType string `yaml:"genai_task_type"`

	TimeoutSec float64 `yaml:"timeout_sec"`

	// Per-tick call budgets, reset at the top of every slow tick
	PerTickChatBudget  int `yaml:"per_tick_chat_budget"`
	PerTickEmbedBudget int `yaml:"per_tick_embed_budget"`

	// EmbeddingDim is the vector dimensionality this deployment commits to.
	// Changing it invalidates the vector store.
	EmbeddingDim int `yaml:"embedding_dim"`
}

// CacheConfig configures the LLM response cache.
type CacheConfig struct {
	MaxSize    int     `yaml:"max_size"`
	TTLSeconds float64 `yaml:"ttl_seconds"`
}

// RateLimitConfig configures the token buckets in front of the LLM.
type RateLimitConfig struct {
	ChatRate   float64 `yaml:"chat_rate"` // refills per second
	ChatBurst  int     `yaml:"chat_burst"`
	EmbedRate  float64 `yaml:"embed_rate"`
	EmbedBurst int     `yaml:"embed_burst"`
}

// CircuitBreakerConfig configures failure tripping for LLM calls.
type CircuitBreakerConfig struct {
	FailureThreshold   int     `yaml:"failure_threshold"`
	RecoveryTimeoutSec float64 `yaml:"recovery_timeout_sec"`
	SuccessThreshold   int     `yaml:"success_threshold"`
}

// MemoryConfig sets retention windows for episodic and vector memory.
type MemoryConfig struct {
	ArchiveAfterDays       int `yaml:"archive_after_days"`
	VectorCleanupAfterDays int `yaml:"vector_cleanup_after_days"`
}

// MultiAgentConfig configures swarm coordination.
type MultiAgentConfig struct {
	Enabled              bool    `yaml:"enabled"`
	HeartbeatTimeoutSec  float64 `yaml:"heartbeat_timeout_sec"`
	VisibilityTimeoutSec float64 `yaml:"visibility_timeout_sec"`
	MaxRetries           int     `yaml:"max_retries"`
}

// HealthConfig configures the health aggregator.
type HealthConfig struct {
	CacheTTLSec        float64  `yaml:"cache_ttl_sec"`
	CriticalComponents []string `yaml:"critical_components"`
}

// ShutdownConfig bounds graceful shutdown.
type ShutdownConfig struct {
	TotalTimeoutSec float64 `yaml:"total_timeout_sec"`
}

// LoggingConfig configures the category file loggers.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"`       // debug, info, warn, error
	JSONFormat bool            `yaml:"json_format"` // true = JSON entries
	Categories map[string]bool `yaml:"categories,omitempty"` // per-category enable/disable
}

// IntrospectConfig configures the read-only HTTP surface.
type IntrospectConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bind    string `yaml:"bind"` // host:port
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			Name:    "anima",
			DataDir: "data",
		},

		Ticks: TicksConfig{
			FastTickSec:    1.0,
			HeavyTickSec:   60.0,
			HeavyTickGrace: 30.0,
		},

		LLM: LLMConfig{
			Provider:           "openai",
			BaseURL:            "http://localhost:11434/v1",
			ChatModel:          "llama3.1:8b",
			EmbedProvider:      "ollama",
			EmbedBaseURL:       "http://localhost:11434",
			EmbedModel:         "embeddinggemma",
			GenAITaskType:      "SEMANTIC_SIMILARITY",
			TimeoutSec:         30.0,
			PerTickChatBudget:  5,
			PerTickEmbedBudget: 20,
			EmbeddingDim:       768,
		},

		Cache: CacheConfig{
			MaxSize:    100,
			TTLSeconds: 300.0,
		},

		RateLimit: RateLimitConfig{
			ChatRate:   5.0,
			ChatBurst:  10,
			EmbedRate:  20.0,
			EmbedBurst: 50,
		},

		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold:   5,
			RecoveryTimeoutSec: 30.0,
			SuccessThreshold:   2,
		},

		Memory: MemoryConfig{
			ArchiveAfterDays:       90,
			VectorCleanupAfterDays: 30,
		},

		MultiAgent: MultiAgentConfig{
			Enabled:              false,
			HeartbeatTimeoutSec:  60.0,
			VisibilityTimeoutSec: 60.0,
			MaxRetries:           3,
		},

		Health: HealthConfig{
			CacheTTLSec:        10.0,
			CriticalComponents: []string{"llm", "episodic_store"},
		},

		Shutdown: ShutdownConfig{
			TotalTimeoutSec: 30.0,
		},

		Logging: LoggingConfig{
			DebugMode: false,
			Level:     "info",
		},

		Introspect: IntrospectConfig{
			Enabled: false,
			Bind:    "127.0.0.1:8600",
		},
	}
}

// Load loads configuration from a YAML file, layering file values over
// defaults and environment overrides over both. A missing file yields
// defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	// Peek at strict before the full decode so unknown-key rejection
	// can be controlled from the file itself.
	var probe struct {
		Strict bool `yaml:"strict"`
	}
	_ = yaml.Unmarshal(data, &probe)

	if probe.Strict {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config (strict): %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// AgentID returns the identity this agent registers and heartbeats
// under. An explicit agent.id wins; otherwise the id is derived from
// the agent name and hostname so two hosts sharing a registry do not
// collide.
func (c *Config) AgentID() string {
	if c.Agent.ID != "" {
		return c.Agent.ID
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		return c.Agent.Name
	}
	return c.Agent.Name + "-" + host
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("ANIMA_DATA_DIR"); v != "" {
		c.Agent.DataDir = v
	}
	if v := os.Getenv("ANIMA_AGENT_ID"); v != "" {
		c.Agent.ID = v
	}
	if v := os.Getenv("ANIMA_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("ANIMA_LLM_BASE_URL"); v != "" {
		c.LLM.BaseURL = v
	}
	if v := os.Getenv("ANIMA_LLM_API_KEY"); v != "" {
		c.LLM.APIKey = v
	}

	// Provider keys fill in only when nothing explicit was set.
	if v := os.Getenv("OPENAI_API_KEY"); v != "" && c.LLM.APIKey == "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" && c.LLM.GenAIAPIKey == "" {
		c.LLM.GenAIAPIKey = v
	}
}

// Validate checks the configuration for values the runtime cannot start
// with. All problems are reported at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Agent.Name == "" {
		errs = append(errs, errors.New("agent.name must not be empty"))
	}
	if c.Agent.DataDir == "" {
		errs = append(errs, errors.New("agent.data_dir must not be empty"))
	}

	if c.Ticks.FastTickSec <= 0 {
		errs = append(errs, fmt.Errorf("ticks.fast_tick_sec must be positive, got %v", c.Ticks.FastTickSec))
	}
	if c.Ticks.HeavyTickSec <= 0 {
		errs = append(errs, fmt.Errorf("ticks.heavy_tick_sec must be positive, got %v", c.Ticks.HeavyTickSec))
	}
	if c.Ticks.HeavyTickSec <= c.Ticks.FastTickSec {
		errs = append(errs, fmt.Errorf("ticks.heavy_tick_sec (%v) must exceed fast_tick_sec (%v)",
			c.Ticks.HeavyTickSec, c.Ticks.FastTickSec))
	}
	if c.Ticks.HeavyTickGrace < 0 {
		errs = append(errs, fmt.Errorf("ticks.heavy_tick_grace_sec must not be negative, got %v", c.Ticks.HeavyTickGrace))
	}

	switch c.LLM.Provider {
	case "openai":
	default:
		errs = append(errs, fmt.Errorf("llm.provider %q is not supported (want openai)", c.LLM.Provider))
	}
	switch c.LLM.EmbedProvider {
	case "ollama", "genai":
	default:
		errs = append(errs, fmt.Errorf("llm.embed_provider %q is not supported (want ollama or genai)", c.LLM.EmbedProvider))
	}
	if c.LLM.BaseURL == "" {
		errs = append(errs, errors.New("llm.base_url must not be empty"))
	}
	if c.LLM.ChatModel == "" {
		errs = append(errs, errors.New("llm.chat_model must not be empty"))
	}
	if c.LLM.EmbedModel == "" {
		errs = append(errs, errors.New("llm.embed_model must not be empty"))
	}
	if c.LLM.TimeoutSec <= 0 {
		errs = append(errs, fmt.Errorf("llm.timeout_sec must be positive, got %v", c.LLM.TimeoutSec))
	}
	if c.LLM.PerTickChatBudget < 0 || c.LLM.PerTickEmbedBudget < 0 {
		errs = append(errs, errors.New("llm per-tick budgets must not be negative"))
	}
	if c.LLM.EmbeddingDim <= 0 {
		errs = append(errs, fmt.Errorf("llm.embedding_dim must be positive, got %d", c.LLM.EmbeddingDim))
	}

	if c.Cache.MaxSize <= 0 {
		errs = append(errs, fmt.Errorf("cache.max_size must be positive, got %d", c.Cache.MaxSize))
	}
	if c.Cache.TTLSeconds <= 0 {
		errs = append(errs, fmt.Errorf("cache.ttl_seconds must be positive, got %v", c.Cache.TTLSeconds))
	}

	if c.RateLimit.ChatRate <= 0 || c.RateLimit.EmbedRate <= 0 {
		errs = append(errs, errors.New("rate_limit rates must be positive"))
	}
	if c.RateLimit.ChatBurst < 1 || c.RateLimit.EmbedBurst < 1 {
		errs = append(errs, errors.New("rate_limit bursts must be at least 1"))
	}

	if c.CircuitBreaker.FailureThreshold < 1 {
		errs = append(errs, fmt.Errorf("circuit_breaker.failure_threshold must be at least 1, got %d", c.CircuitBreaker.FailureThreshold))
	}
	if c.CircuitBreaker.RecoveryTimeoutSec <= 0 {
		errs = append(errs, fmt.Errorf("circuit_breaker.recovery_timeout_sec must be positive, got %v", c.CircuitBreaker.RecoveryTimeoutSec))
	}
	if c.CircuitBreaker.SuccessThreshold < 1 {
		errs = append(errs, fmt.Errorf("circuit_breaker.success_threshold must be at least 1, got %d", c.CircuitBreaker.SuccessThreshold))
	}

	if c.Memory.ArchiveAfterDays < 1 {
		errs = append(errs, fmt.Errorf("memory.archive_after_days must be at least 1, got %d", c.Memory.ArchiveAfterDays))
	}
	if c.Memory.VectorCleanupAfterDays < 1 {
		errs = append(errs, fmt.Errorf("memory.vector_cleanup_after_days must be at least 1, got %d", c.Memory.VectorCleanupAfterDays))
	}

	if c.MultiAgent.Enabled {
		if c.MultiAgent.HeartbeatTimeoutSec <= 0 {
			errs = append(errs, errors.New("multi_agent.heartbeat_timeout_sec must be positive"))
		}
		if c.MultiAgent.VisibilityTimeoutSec <= 0 {
			errs = append(errs, errors.New("multi_agent.visibility_timeout_sec must be positive"))
		}
		if c.MultiAgent.MaxRetries < 0 {
			errs = append(errs, errors.New("multi_agent.max_retries must not be negative"))
		}
	}

	if c.Health.CacheTTLSec <= 0 {
		errs = append(errs, fmt.Errorf("health.cache_ttl_sec must be positive, got %v", c.Health.CacheTTLSec))
	}

	if c.Shutdown.TotalTimeoutSec <= 0 {
		errs = append(errs, fmt.Errorf("shutdown.total_timeout_sec must be positive, got %v", c.Shutdown.TotalTimeoutSec))
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level))
	}

	if c.Introspect.Enabled {
		if _, _, err := net.SplitHostPort(c.Introspect.Bind); err != nil {
			errs = append(errs, fmt.Errorf("introspect.bind %q is not host:port: %w", c.Introspect.Bind, err))
		}
	}

	return errors.Join(errs...)
}
