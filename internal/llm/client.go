package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"anima/internal/config"
	"anima/internal/embedding"
	"anima/internal/logging"
	"anima/internal/metrics"
	"anima/internal/resilience"
)

// Operation classes. Each has its own rate bucket, breaker, and budget.
const (
	opChat  = "chat"
	opEmbed = "embed"
)

// Client composes the full LLM call pipeline:
//
//	budget → rate gate → cache (chat only) → breaker → retry(backend)
//
// One Client serves the whole process; all methods are safe for
// concurrent use.
type Client struct {
	backend  ChatBackend
	embedder embedding.EmbeddingEngine

	gate     *resilience.Gate
	breakers *resilience.BreakerRegistry
	cache    *ResponseCache
	budget   *Budget
	retryCfg resilience.RetryConfig
	usage    *Tracker
}

// NewClient wires the pipeline from config. usage may be nil to disable
// token accounting.
func NewClient(cfg *config.Config, backend ChatBackend, embedder embedding.EmbeddingEngine, usage *Tracker) *Client {
	gate := resilience.NewGate()
	gate.Configure(opChat, cfg.RateLimit.ChatRate, cfg.RateLimit.ChatBurst)
	gate.Configure(opEmbed, cfg.RateLimit.EmbedRate, cfg.RateLimit.EmbedBurst)

	breakers := resilience.NewBreakerRegistry(resilience.BreakerConfig{
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		RecoveryTimeout:  cfg.RecoveryTimeout(),
		SuccessThreshold: cfg.CircuitBreaker.SuccessThreshold,
	})

	return &Client{
		backend:  backend,
		embedder: embedder,
		gate:     gate,
		breakers: breakers,
		cache:    NewResponseCache(cfg.Cache.MaxSize, cfg.CacheTTL()),
		budget:   NewBudget(cfg.LLM.PerTickChatBudget, cfg.LLM.PerTickEmbedBudget),
		retryCfg: resilience.DefaultRetryConfig(),
		usage:    usage,
	}
}

// ResetTick restores the per-tick budgets. The slow tick calls this
// before running any step.
func (c *Client) ResetTick() {
	c.budget.ResetTick()
}

// Chat sends a prompt with no system message.
func (c *Client) Chat(ctx context.Context, prompt string) (string, error) {
	return c.ChatWithSystem(ctx, "", prompt)
}

// ChatWithSystem runs one chat call through the pipeline. On success the
// response is cached under the prompt fingerprint; a fresh cache hit
// returns without touching the network or spending budget.
func (c *Client) ChatWithSystem(ctx context.Context, system, prompt string) (string, error) {
	start := time.Now()
	model := c.backend.Model()

	if strings.TrimSpace(prompt) == "" {
		metrics.LLMCalls.WithLabelValues(opChat, model, "fatal").Inc()
		return "", ErrEmptyPrompt
	}

	if !c.budget.ReserveChat() {
		metrics.LLMCalls.WithLabelValues(opChat, model, "budget_exhausted").Inc()
		logging.LLMDebug("chat rejected: budget exhausted")
		return "", ErrBudgetExhausted
	}

	fp := Fingerprint(system, prompt)
	breaker := c.breakers.Get(opChat)

	var (
		result           string
		networkAttempted bool
	)

	attempt := func(ctx context.Context) error {
		if !c.gate.Allow(opChat) {
			return ErrRateLimited
		}
		if cached, ok := c.cache.Get(fp); ok {
			result = cached
			return errCacheHit
		}
		if err := breaker.Allow(); err != nil {
			return err
		}

		networkAttempted = true
		resp, usage, err := c.backend.Chat(ctx, system, prompt)
		if err != nil {
			if isCallerCancel(ctx, err) {
				breaker.RecordCancel()
			} else {
				breaker.RecordFailure()
			}
			return err
		}
		breaker.RecordSuccess()
		if c.usage != nil {
			c.usage.Track(model, opChat, usage)
		}
		result = resp
		return nil
	}

	attempts, err := resilience.Retry(ctx, c.retryCfg, isTransient, attempt)

	outcome := OutcomeLabel(ctx, err)
	switch {
	case err == nil:
		c.cache.Put(fp, result)
	case errors.Is(err, errCacheHit):
		c.budget.RefundChat()
		outcome = "cached"
		err = nil
	case errors.Is(err, ErrRateLimited), errors.Is(err, resilience.ErrCircuitOpen):
		if !networkAttempted {
			c.budget.RefundChat()
		}
	}

	metrics.LLMCalls.WithLabelValues(opChat, model, outcome).Inc()
	metrics.LLMLatency.WithLabelValues(opChat).Observe(time.Since(start).Seconds())
	metrics.LLMAttempts.WithLabelValues(opChat).Observe(float64(attempts))

	if err != nil {
		logging.LLMWarn("chat %s after %d attempts in %v: %v", outcome, attempts, time.Since(start), err)
		if outcome == "transient_failed" {
			return "", fmt.Errorf("chat failed after %d attempts: %w", attempts, err)
		}
		return "", err
	}

	logging.LLMDebug("chat %s in %v fingerprint=%s", outcome, time.Since(start), fp)
	return result, nil
}

// Embed returns the embedding for one text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		metrics.LLMCalls.WithLabelValues(opEmbed, c.embedder.Name(), "fatal").Inc()
		return nil, ErrEmptyPrompt
	}
	vecs, err := c.embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds several texts in one budgeted call.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	return c.embed(ctx, texts)
}

func (c *Client) embed(ctx context.Context, texts []string) ([][]float32, error) {
	start := time.Now()
	model := c.embedder.Name()

	if !c.budget.ReserveEmbed() {
		metrics.LLMCalls.WithLabelValues(opEmbed, model, "budget_exhausted").Inc()
		logging.LLMDebug("embed rejected: budget exhausted")
		return nil, ErrBudgetExhausted
	}

	breaker := c.breakers.Get(opEmbed)

	var (
		result           [][]float32
		networkAttempted bool
	)

	attempt := func(ctx context.Context) error {
		if !c.gate.Allow(opEmbed) {
			return ErrRateLimited
		}
		if err := breaker.Allow(); err != nil {
			return err
		}

		networkAttempted = true
		var (
			vecs [][]float32
			err  error
		)
		if len(texts) == 1 {
			var vec []float32
			vec, err = c.embedder.Embed(ctx, texts[0])
			vecs = [][]float32{vec}
		} else {
			vecs, err = c.embedder.EmbedBatch(ctx, texts)
		}
		if err != nil {
			if isCallerCancel(ctx, err) {
				breaker.RecordCancel()
			} else {
				breaker.RecordFailure()
			}
			return err
		}
		breaker.RecordSuccess()
		result = vecs
		return nil
	}

	attempts, err := resilience.Retry(ctx, c.retryCfg, isTransient, attempt)

	outcome := OutcomeLabel(ctx, err)
	if err != nil &&
		(errors.Is(err, ErrRateLimited) || errors.Is(err, resilience.ErrCircuitOpen)) &&
		!networkAttempted {
		c.budget.RefundEmbed()
	}

	metrics.LLMCalls.WithLabelValues(opEmbed, model, outcome).Inc()
	metrics.LLMLatency.WithLabelValues(opEmbed).Observe(time.Since(start).Seconds())
	metrics.LLMAttempts.WithLabelValues(opEmbed).Observe(float64(attempts))

	if err != nil {
		logging.LLMWarn("embed %s after %d attempts in %v: %v", outcome, attempts, time.Since(start), err)
		if outcome == "transient_failed" {
			return nil, fmt.Errorf("embed failed after %d attempts: %w", attempts, err)
		}
		return nil, err
	}

	logging.LLMDebug("embed %s in %v texts=%d", outcome, time.Since(start), len(texts))
	return result, nil
}

// Health reports whether the LLM dependencies are believed usable. Any
// open breaker makes the client unhealthy.
func (c *Client) Health() (bool, string) {
	for _, snap := range c.breakers.Snapshots() {
		if snap.State == "open" {
			return false, fmt.Sprintf("circuit %s open since %s", snap.Name, snap.ChangedAt.Format(time.RFC3339))
		}
	}
	chat, embed := c.budget.Remaining()
	return true, fmt.Sprintf("budgets chat=%d embed=%d", chat, embed)
}

// CacheStats exposes response cache counters for introspection.
func (c *Client) CacheStats() CacheStats {
	return c.cache.Stats()
}

// BreakerSnapshots exposes breaker states for introspection.
func (c *Client) BreakerSnapshots() []resilience.BreakerSnapshot {
	return c.breakers.Snapshots()
}

// BudgetRemaining exposes the unspent per-tick allowances.
func (c *Client) BudgetRemaining() (chat, embed int) {
	return c.budget.Remaining()
}

// UsageStats exposes accumulated token counters. Zero value when no
// tracker is attached.
func (c *Client) UsageStats() UsageData {
	if c.usage == nil {
		return UsageData{}
	}
	return c.usage.Stats()
}

// Model returns the configured chat model name.
func (c *Client) Model() string {
	return c.backend.Model()
}
