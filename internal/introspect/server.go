// Package introspect exposes the agent's internals over a read-only
// HTTP surface, bound to localhost by default. Nothing here mutates
// state; every endpoint is a JSON view over components that are already
// thread-safe.
package introspect

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"anima/internal/config"
	"anima/internal/health"
	"anima/internal/llm"
	"anima/internal/logging"
	"anima/internal/metrics"
	"anima/internal/resilience"
	"anima/internal/store"
	"anima/internal/swarm"
	"anima/internal/ticks"
)

// maxEpisodeLimit caps the episodes endpoint so a careless query cannot
// drag the whole log over HTTP.
const maxEpisodeLimit = 500

// Deps are the components the surface reads from. The swarm fields and
// the scheduler may be nil; their endpoints then report accordingly.
type Deps struct {
	Config      *config.Config
	Health      *health.Aggregator
	Episodes    *store.EpisodeStore
	LLM         *llm.Client
	Scheduler   *ticks.Scheduler
	Registry    *swarm.Registry
	Bus         *swarm.MessageBus
	Coordinator *swarm.Coordinator
	Consensus   *swarm.Consensus
	StartedAt   time.Time
}

// Server serves the introspection endpoints.
type Server struct {
	echo *echo.Echo
	deps Deps
	bind string
}

// NewServer builds the routing table. Call Start to begin serving.
func NewServer(deps Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{echo: e, deps: deps, bind: deps.Config.Introspect.Bind}

	e.GET("/status", s.handleStatus)
	e.GET("/health", s.handleHealth)
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))
	e.GET("/episodes", s.handleEpisodes)
	e.GET("/agents", s.handleAgents)
	e.GET("/messages", s.handleMessages)
	e.GET("/tasks", s.handleTasks)
	e.GET("/proposals", s.handleProposals)

	return s
}

// Start blocks serving HTTP until Shutdown is called. A clean shutdown
// returns nil.
func (s *Server) Start() error {
	logging.Introspect("Serving introspection on %s", s.bind)
	err := s.echo.Start(s.bind)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the server, letting in-flight requests finish within
// ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	logging.Introspect("Stopping introspection server")
	return s.echo.Shutdown(ctx)
}

// Addr returns the bound listener address once Start has taken effect,
// or "" before that. Useful when the bind port is 0.
func (s *Server) Addr() string {
	if addr := s.echo.ListenerAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

type statusResponse struct {
	Agent       string                       `json:"agent"`
	ID          string                       `json:"id,omitempty"`
	Model       string                       `json:"model"`
	StartedAt   time.Time                    `json:"started_at"`
	Uptime      string                       `json:"uptime"`
	FastTicks   uint64                       `json:"fast_ticks"`
	SlowTicks   uint64                       `json:"slow_ticks"`
	ChatBudget  int                          `json:"chat_budget_remaining"`
	EmbedBudget int                          `json:"embed_budget_remaining"`
	Cache       llm.CacheStats               `json:"cache"`
	Usage       llm.UsageData                `json:"usage"`
	Breakers    []resilience.BreakerSnapshot `json:"breakers"`
}

func (s *Server) handleStatus(c echo.Context) error {
	resp := statusResponse{
		Agent:     s.deps.Config.Agent.Name,
		ID:        s.deps.Config.Agent.ID,
		Model:     s.deps.LLM.Model(),
		StartedAt: s.deps.StartedAt,
		Uptime:    time.Since(s.deps.StartedAt).Round(time.Second).String(),
		Cache:     s.deps.LLM.CacheStats(),
		Usage:     s.deps.LLM.UsageStats(),
		Breakers:  s.deps.LLM.BreakerSnapshots(),
	}
	resp.ChatBudget, resp.EmbedBudget = s.deps.LLM.BudgetRemaining()
	if s.deps.Scheduler != nil {
		resp.FastTicks, resp.SlowTicks = s.deps.Scheduler.TickCounts()
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleHealth(c echo.Context) error {
	report := s.deps.Health.Report(c.Request().Context())
	code := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, report)
}

func (s *Server) handleEpisodes(c echo.Context) error {
	limit, err := strconv.Atoi(c.QueryParam("limit"))
	if err != nil || limit <= 0 {
		limit = 20
	}
	if limit > maxEpisodeLimit {
		limit = maxEpisodeLimit
	}

	var episodes []store.Episode
	if eventType := c.QueryParam("type"); eventType != "" {
		episodes, err = s.deps.Episodes.ByType(eventType, limit)
	} else {
		episodes, err = s.deps.Episodes.Recent(limit)
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, episodes)
}

func (s *Server) handleAgents(c echo.Context) error {
	if s.deps.Registry == nil {
		return multiAgentDisabled(c)
	}
	return c.JSON(http.StatusOK, s.deps.Registry.List(swarm.Filter{}))
}

func (s *Server) handleMessages(c echo.Context) error {
	if s.deps.Bus == nil {
		return multiAgentDisabled(c)
	}
	stats, err := s.deps.Bus.QueueStats(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, stats)
}

func (s *Server) handleTasks(c echo.Context) error {
	if s.deps.Coordinator == nil {
		return multiAgentDisabled(c)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"tasks": s.deps.Coordinator.List(swarm.TaskStatus(c.QueryParam("status"))),
		"stats": s.deps.Coordinator.Stats(),
	})
}

func (s *Server) handleProposals(c echo.Context) error {
	if s.deps.Consensus == nil {
		return multiAgentDisabled(c)
	}
	ctx := c.Request().Context()
	active, err := s.deps.Consensus.ListActive(ctx)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	stats, err := s.deps.Consensus.Stats(ctx)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{
		"active": active,
		"stats":  stats,
	})
}

func multiAgentDisabled(c echo.Context) error {
	return c.JSON(http.StatusNotFound, map[string]string{
		"error": "multi-agent layer is disabled",
	})
}
