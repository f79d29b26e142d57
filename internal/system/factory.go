package system

import (
	"context"
	"fmt"
	"os"
	"time"

	"anima/internal/config"
	"anima/internal/embedding"
	"anima/internal/events"
	"anima/internal/health"
	"anima/internal/llm"
	"anima/internal/logging"
	"anima/internal/store"
	"anima/internal/swarm"
)

// criticalEventErrorsPerHour is the handler error rate above which the
// event bus reports unhealthy.
const criticalEventErrorsPerHour = 50

// Core is a fully wired set of runtime subsystems. The CLI and the
// agent runtime both boot through here so the wiring stays identical.
type Core struct {
	Config   *config.Config
	Events   *events.Bus
	Episodes *store.EpisodeStore
	Vectors  *store.VectorStore
	Usage    *llm.Tracker
	LLM      *llm.Client
	Health   *health.Aggregator

	// Multi-agent subsystems, nil unless multi_agent.enabled.
	Registry    *swarm.Registry
	Bus         *swarm.MessageBus
	Coordinator *swarm.Coordinator
	Consensus   *swarm.Consensus

	StartedAt time.Time
}

// Boot initializes the full subsystem stack for the given config.
// On any failure it closes whatever it already opened and returns the
// error; a non-nil Core is always completely wired.
func Boot(ctx context.Context, cfg *config.Config) (*Core, error) {
	core := &Core{Config: cfg, StartedAt: time.Now()}

	// 1. Directory layout and logging. The validator normally creates
	// the layout already, but Boot is also called from tests and
	// one-shot commands that skip validation.
	for _, dir := range []string{cfg.Agent.DataDir, cfg.MemoryDir(), cfg.ArchivesDir(), cfg.LogsDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	if err := logging.Initialize(cfg.Agent.DataDir); err != nil {
		return nil, fmt.Errorf("initialize logging: %w", err)
	}
	logging.SetDebugMode(cfg.Logging.DebugMode, cfg.Logging.Level)
	logging.Boot("Booting agent %q (id %s)", cfg.Agent.Name, cfg.Agent.ID)

	// 2. Usage tracker. Non-fatal: losing token accounting is not a
	// reason to refuse to run.
	tracker, err := llm.NewTracker(cfg.UsagePath())
	if err != nil {
		logging.BootWarn("Usage tracker unavailable: %v", err)
		tracker = nil
	}
	core.Usage = tracker

	// 3. Event bus.
	core.Events = events.NewBus()

	// 4. Stores.
	episodes, err := store.NewEpisodeStore(cfg.EpisodicDBPath(), cfg.ArchivesDir())
	if err != nil {
		core.Close()
		return nil, fmt.Errorf("open episodic store: %w", err)
	}
	core.Episodes = episodes

	vectors, err := store.NewVectorStore(cfg.VectorDBPath(), cfg.LLM.EmbeddingDim)
	if err != nil {
		core.Close()
		return nil, fmt.Errorf("open vector store: %w", err)
	}
	core.Vectors = vectors

	// 5. LLM pipeline: embedding engine, chat backend, client.
	engine, err := embedding.NewEngine(embedding.Config{
		Provider:       cfg.LLM.EmbedProvider,
		OllamaEndpoint: cfg.LLM.EmbedBaseURL,
		OllamaModel:    cfg.LLM.EmbedModel,
		GenAIAPIKey:    cfg.LLM.GenAIAPIKey,
		GenAIModel:     cfg.LLM.EmbedModel,
		TaskType:       cfg.LLM.GenAITaskType,
		Dimensions:     cfg.LLM.EmbeddingDim,
	})
	if err != nil {
		core.Close()
		return nil, fmt.Errorf("create embedding engine: %w", err)
	}
	core.LLM = llm.NewClient(cfg, llm.NewOpenAIBackend(cfg), engine, tracker)

	// 6. Health aggregator over every subsystem that can degrade.
	core.Health = health.NewAggregator(cfg.HealthCacheTTL(), cfg.Health.CriticalComponents)
	core.Health.Register("llm", func(ctx context.Context) error {
		if ok, detail := core.LLM.Health(); !ok {
			return fmt.Errorf("%s", detail)
		}
		return nil
	})
	core.Health.Register("episodic_store", core.Episodes.Health)
	core.Health.Register("vector_store", core.Vectors.Health)
	core.Health.Register("event_bus", func(ctx context.Context) error {
		report := core.Events.Health()
		if report.ErrorsLastHour > criticalEventErrorsPerHour {
			return fmt.Errorf("%d handler errors in the last hour", report.ErrorsLastHour)
		}
		return nil
	})

	// 7. Multi-agent layer, only when enabled.
	if cfg.MultiAgent.Enabled {
		registry, err := swarm.NewRegistry(cfg.RegistryPath(), cfg.HeartbeatTimeout())
		if err != nil {
			core.Close()
			return nil, fmt.Errorf("open agent registry: %w", err)
		}
		core.Registry = registry

		bus, err := swarm.NewMessageBus(cfg.MessagesDBPath(), swarm.BusConfig{
			VisibilityTimeout: cfg.VisibilityTimeout(),
			MaxDeliveries:     cfg.MultiAgent.MaxRetries,
		})
		if err != nil {
			core.Close()
			return nil, fmt.Errorf("open message bus: %w", err)
		}
		core.Bus = bus

		consensus, err := swarm.NewConsensus(cfg.ProposalsDBPath())
		if err != nil {
			core.Close()
			return nil, fmt.Errorf("open consensus store: %w", err)
		}
		core.Consensus = consensus
		core.Coordinator = swarm.NewCoordinator(registry, bus, core.Events)

		core.Health.Register("message_bus", func(ctx context.Context) error {
			_, err := core.Bus.QueueStats(ctx)
			return err
		})
	}

	logging.Boot("Boot complete in %v", time.Since(core.StartedAt).Round(time.Millisecond))
	return core, nil
}

// Close releases every open subsystem in reverse boot order. Safe on a
// partially booted Core; nil members are skipped.
func (c *Core) Close() error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if c.Consensus != nil {
		record(c.Consensus.Close())
	}
	if c.Bus != nil {
		record(c.Bus.Close())
	}
	if c.Vectors != nil {
		record(c.Vectors.Close())
	}
	if c.Episodes != nil {
		record(c.Episodes.Close())
	}
	if c.Usage != nil {
		record(c.Usage.Close())
	}
	logging.CloseAll()
	return firstErr
}
