// Package agent composes the wired subsystems into a living process:
// the built-in fast and slow tick steps, the inbox file watcher, the
// outbox writer, and the Runtime that starts and stops all of it.
package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"anima/internal/config"
	"anima/internal/introspect"
	"anima/internal/logging"
	"anima/internal/swarm"
	"anima/internal/system"
	"anima/internal/ticks"
)

// pendingMessage is an inbox message waiting for the slow cadence to
// answer it. The queue lives in memory only; the episode written by
// inbox.probe is the durable record, so a restart loses at most the
// not-yet-answered replies, never the messages themselves.
type pendingMessage struct {
	EpisodeID int64
	Content   string
	Received  time.Time
}

// Runtime ties the wired subsystems into a running agent: the tick
// scheduler, the inbox and outbox files, the optional introspection
// server, and the shutdown handler that unwinds them in reverse.
type Runtime struct {
	cfg      *config.Config
	core     *system.Core
	sched    *ticks.Scheduler
	inbox    *InboxWatcher
	outbox   *Outbox
	server   *introspect.Server
	shutdown *system.ShutdownHandler

	mu             sync.Mutex
	pendingReplies []pendingMessage
	lastBusSweep   time.Time
	lastStalePass  time.Time
	lastArchive    time.Time
	lastCleanup    time.Time

	now func() time.Time
}

// NewRuntime assembles the runtime on top of a booted core. Nothing
// starts yet; Run does that.
func NewRuntime(cfg *config.Config, core *system.Core) *Runtime {
	r := &Runtime{
		cfg:      cfg,
		core:     core,
		inbox:    NewInboxWatcher(cfg.InboxPath()),
		outbox:   NewOutbox(cfg.OutboxPath(), cfg.Agent.Name),
		shutdown: system.NewShutdownHandler(cfg.ShutdownTimeout()),
		now:      time.Now,
	}

	r.sched = ticks.NewScheduler(ticks.Config{
		FastPeriod: cfg.FastTickPeriod(),
		SlowPeriod: cfg.HeavyTickPeriod(),
		Grace:      cfg.HeavyTickGrace(),
	}, core.Events, core.Episodes, core.Health, core.LLM)

	if cfg.Introspect.Enabled {
		r.server = introspect.NewServer(introspect.Deps{
			Config:      cfg,
			Health:      core.Health,
			Episodes:    core.Episodes,
			LLM:         core.LLM,
			Scheduler:   r.sched,
			Registry:    core.Registry,
			Bus:         core.Bus,
			Coordinator: core.Coordinator,
			Consensus:   core.Consensus,
			StartedAt:   core.StartedAt,
		})
	}

	r.registerSteps()
	r.registerShutdownHooks()
	return r
}

// registerShutdownHooks sets the teardown order. Hooks run in reverse
// registration order: introspection stops answering first, then the
// cadences drain, then the file watcher, then swarm presence flips
// offline, and the core closes its stores last.
func (r *Runtime) registerShutdownHooks() {
	r.shutdown.Register("core", func(ctx context.Context) error {
		return r.core.Close()
	})
	if r.core.Registry != nil {
		r.shutdown.Register("swarm.presence", func(ctx context.Context) error {
			return r.core.Registry.SetStatus(r.selfID(), swarm.StatusOffline)
		})
	}
	r.shutdown.Register("inbox", func(ctx context.Context) error {
		r.inbox.Stop()
		return nil
	})
	r.shutdown.Register("scheduler", func(ctx context.Context) error {
		r.sched.Stop()
		return nil
	})
	if r.server != nil {
		r.shutdown.Register("introspect", func(ctx context.Context) error {
			return r.server.Shutdown(ctx)
		})
	}
}

// Run starts everything and blocks until shutdown completes, whether
// triggered by signal, by context cancellation, or by Shutdown. The
// returned exit code follows shell convention for signal deaths.
func (r *Runtime) Run(ctx context.Context) (int, error) {
	r.shutdown.Arm()

	if r.core.Registry != nil {
		err := r.core.Registry.Register(swarm.AgentInfo{
			ID:   r.selfID(),
			Name: r.cfg.Agent.Name,
		})
		if err != nil {
			return 1, fmt.Errorf("register in swarm: %w", err)
		}
	}

	if err := r.inbox.Start(); err != nil {
		return 1, fmt.Errorf("start inbox watcher: %w", err)
	}

	var g errgroup.Group
	if r.server != nil {
		g.Go(func() error {
			if err := r.server.Start(); err != nil {
				r.shutdown.Shutdown("introspection server failed: " + err.Error())
				return fmt.Errorf("introspection server: %w", err)
			}
			return nil
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			r.shutdown.Shutdown("context cancelled")
		case <-r.shutdown.Done():
		}
	}()

	r.sched.Start()
	logging.Boot("Agent %q running (fast %v, slow %v)",
		r.cfg.Agent.Name, r.cfg.FastTickPeriod(), r.cfg.HeavyTickPeriod())

	<-r.shutdown.Done()
	err := g.Wait()
	logging.Boot("Agent stopped: %s", r.shutdown.Reason())
	return r.shutdown.ExitCode(), err
}

// Shutdown stops the runtime programmatically.
func (r *Runtime) Shutdown(reason string) {
	r.shutdown.Shutdown(reason)
}

// selfID is the identity used on the registry, the message bus, and in
// heartbeats.
func (r *Runtime) selfID() string {
	return r.cfg.AgentID()
}

// due reports whether a gated maintenance pass should run now and, if
// so, stamps the gate. A zero gate is always due, so every gated pass
// runs once shortly after boot.
func (r *Runtime) due(last *time.Time, every time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	if !last.IsZero() && now.Sub(*last) < every {
		return false
	}
	*last = now
	return true
}
