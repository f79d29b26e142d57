// Package swarm contains the multi-agent coordination layer: the durable
// agent registry, the SQLite-backed message bus, the task coordinator, and
// the consensus ledger. Everything here assumes multiple agent processes on
// one host sharing a data directory; cross-process safety comes from
// advisory file locks, atomic file renames, and WAL-mode SQLite rather
// than network transport.
package swarm

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"anima/internal/logging"
	"anima/internal/metrics"
)

var (
	// ErrValidation marks rejected input.
	ErrValidation = errors.New("validation failed")

	// ErrUnknownAgent is returned for operations on an unregistered id.
	ErrUnknownAgent = errors.New("unknown agent")
)

// Role classifies what kind of work an agent takes on.
type Role string

const (
	RoleCoordinator Role = "coordinator"
	RoleResearcher  Role = "researcher"
	RoleAnalyst     Role = "analyst"
	RoleExecutor    Role = "executor"
	RolePlanner     Role = "planner"
	RoleTester      Role = "tester"
	RoleGeneralist  Role = "generalist"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleCoordinator, RoleResearcher, RoleAnalyst, RoleExecutor, RolePlanner, RoleTester, RoleGeneralist:
		return true
	}
	return false
}

// AgentStatus is the registry's view of an agent's availability.
type AgentStatus string

const (
	StatusOnline  AgentStatus = "online"
	StatusBusy    AgentStatus = "busy"
	StatusOffline AgentStatus = "offline"
)

// Valid reports whether s is one of the known statuses.
func (s AgentStatus) Valid() bool {
	switch s {
	case StatusOnline, StatusBusy, StatusOffline:
		return true
	}
	return false
}

// AgentInfo is one agent's registry record. Load and HealthScore are
// self-reported in [0,1]; the performance counters are maintained by the
// task coordinator through TaskStarted and TaskFinished.
type AgentInfo struct {
	ID             string      `json:"id"`
	Name           string      `json:"name,omitempty"`
	Role           Role        `json:"role"`
	Capabilities   []string    `json:"capabilities,omitempty"`
	Endpoint       string      `json:"endpoint,omitempty"`
	Status         AgentStatus `json:"status"`
	Load           float64     `json:"load"`
	HealthScore    float64     `json:"health_score"`
	LastHeartbeat  time.Time   `json:"last_heartbeat"`
	ActiveTasks    int         `json:"active_tasks"`
	TasksCompleted int         `json:"tasks_completed"`
	TasksFailed    int         `json:"tasks_failed"`
}

// SuccessRate is the agent's historical completion ratio in [0,1]. Agents
// with no history score a neutral 0.5 so newcomers are neither favored nor
// starved.
func (a AgentInfo) SuccessRate() float64 {
	total := a.TasksCompleted + a.TasksFailed
	if total == 0 {
		return 0.5
	}
	return float64(a.TasksCompleted) / float64(total)
}

// HasCapability reports whether the agent lists the named capability.
func (a AgentInfo) HasCapability(name string) bool {
	for _, c := range a.Capabilities {
		if strings.EqualFold(c, name) {
			return true
		}
	}
	return false
}

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	Role       Role
	Capability string
	Status     AgentStatus
}

// Scoring weights for SelectForTask. The capability bonus scales with the
// fraction of required capabilities present; the load penalty scales with
// the agent's reported load.
const (
	idleBonus         = 2.0
	capabilityBonus   = 5.0
	roleBonus         = 3.0
	successBonus      = 3.0
	healthBonus       = 2.0
	loadPenalty       = 2.0
	defaultScoreFloor = 1.0
	overloadThreshold = 0.9
)

// DefaultHeartbeatTimeout is how long an agent may go silent before the
// staleness pass marks it offline.
const DefaultHeartbeatTimeout = 60 * time.Second

type registryFile struct {
	UpdatedAt time.Time             `json:"updated_at"`
	Agents    map[string]*AgentInfo `json:"agents"`
}

// Registry is the durable roster of agents on this host, one JSON file
// rewritten atomically on every change. Readers in other processes never
// observe a torn file; writers serialize through an advisory lock on a
// sidecar .lock file and fold the current file contents into every
// rewrite, so registrations from other processes survive.
type Registry struct {
	mu               sync.Mutex
	path             string
	agents           map[string]*AgentInfo
	removed          map[string]struct{}
	heartbeatTimeout time.Duration
	scoreFloor       float64
	now              func() time.Time
}

// NewRegistry loads the registry at path, creating the directory and an
// empty roster if the file does not exist yet.
func NewRegistry(path string, heartbeatTimeout time.Duration) (*Registry, error) {
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = DefaultHeartbeatTimeout
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create registry directory: %w", err)
	}

	r := &Registry{
		path:             path,
		agents:           make(map[string]*AgentInfo),
		removed:          make(map[string]struct{}),
		heartbeatTimeout: heartbeatTimeout,
		scoreFloor:       defaultScoreFloor,
		now:              time.Now,
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logging.Swarm("Registry starting empty at %s", path)
			return r, nil
		}
		return nil, fmt.Errorf("failed to read registry: %w", err)
	}

	var file registryFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse registry %s: %w", path, err)
	}
	if file.Agents != nil {
		r.agents = file.Agents
	}
	logging.Swarm("Registry loaded %d agents from %s", len(r.agents), path)
	r.updateOnlineGauge()
	return r, nil
}

// Register upserts an agent record and refreshes its heartbeat. On an
// existing id the performance counters survive; everything else is taken
// from info. An empty role defaults to generalist, an empty status to
// online.
func (r *Registry) Register(info AgentInfo) error {
	if strings.TrimSpace(info.ID) == "" {
		return fmt.Errorf("%w: agent id is required", ErrValidation)
	}
	if info.Role == "" {
		info.Role = RoleGeneralist
	}
	if !info.Role.Valid() {
		return fmt.Errorf("%w: unknown role %q", ErrValidation, info.Role)
	}
	if info.Status == "" {
		info.Status = StatusOnline
	}
	if !info.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrValidation, info.Status)
	}
	info.Load = clamp01(info.Load)
	if info.HealthScore <= 0 {
		info.HealthScore = 1.0
	}
	info.HealthScore = clamp01(info.HealthScore)
	info.LastHeartbeat = r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.agents[info.ID]; ok {
		info.ActiveTasks = existing.ActiveTasks
		info.TasksCompleted = existing.TasksCompleted
		info.TasksFailed = existing.TasksFailed
		logging.SwarmDebug("Agent %s re-registered as %s", info.ID, info.Role)
	} else {
		logging.Swarm("Agent %s registered: role=%s capabilities=%v", info.ID, info.Role, info.Capabilities)
	}
	r.agents[info.ID] = &info
	return r.persistLocked()
}

// Unregister removes an agent record. Removing an unknown id is a no-op.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[id]; !ok {
		return nil
	}
	delete(r.agents, id)
	r.removed[id] = struct{}{}
	logging.Swarm("Agent %s unregistered", id)
	return r.persistLocked()
}

// Heartbeat refreshes an agent's liveness timestamp and load score. An
// agent that was marked offline comes back online; a busy agent stays busy.
func (r *Registry) Heartbeat(id string, load float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}
	agent.LastHeartbeat = r.now()
	agent.Load = clamp01(load)
	if agent.Status == StatusOffline {
		logging.Swarm("Agent %s back online", id)
		agent.Status = StatusOnline
	}
	return r.persistLocked()
}

// SetStatus lets an agent report a status change directly.
func (r *Registry) SetStatus(id string, status AgentStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrValidation, status)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}
	agent.Status = status
	agent.LastHeartbeat = r.now()
	return r.persistLocked()
}

// List returns matching agent records, sorted by id. The returned slice
// holds copies.
func (r *Registry) List(f Filter) []AgentInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]AgentInfo, 0, len(r.agents))
	for _, agent := range r.agents {
		if f.Role != "" && agent.Role != f.Role {
			continue
		}
		if f.Status != "" && agent.Status != f.Status {
			continue
		}
		if f.Capability != "" && !agent.HasCapability(f.Capability) {
			continue
		}
		out = append(out, *agent)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns a copy of one agent's record.
func (r *Registry) Get(id string) (AgentInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	agent, ok := r.agents[id]
	if !ok {
		return AgentInfo{}, false
	}
	return *agent, true
}

// SelectForTask scores every online, non-overloaded agent against the
// required capabilities and preferred role, returning a copy of the best
// candidate. Ties go to the lower load, then the lower id. Returns nil
// when no candidate clears the score floor.
func (r *Registry) SelectForTask(requiredCapabilities []string, preferredRole Role) *AgentInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	var best *AgentInfo
	var bestScore float64
	for _, agent := range r.agents {
		if agent.Status != StatusOnline || agent.Load >= overloadThreshold {
			continue
		}
		score := scoreAgent(*agent, requiredCapabilities, preferredRole)
		if best == nil || score > bestScore ||
			(score == bestScore && (agent.Load < best.Load ||
				(agent.Load == best.Load && agent.ID < best.ID))) {
			best = agent
			bestScore = score
		}
	}
	if best == nil || bestScore < r.scoreFloor {
		return nil
	}
	chosen := *best
	logging.SwarmDebug("Selected agent %s (score %.2f) for capabilities %v", chosen.ID, bestScore, requiredCapabilities)
	return &chosen
}

func scoreAgent(a AgentInfo, required []string, preferred Role) float64 {
	score := 0.0
	if a.ActiveTasks == 0 {
		score += idleBonus
	}
	if len(required) == 0 {
		score += capabilityBonus
	} else {
		matched := 0
		for _, name := range required {
			if a.HasCapability(name) {
				matched++
			}
		}
		score += capabilityBonus * float64(matched) / float64(len(required))
	}
	if preferred != "" && a.Role == preferred {
		score += roleBonus
	}
	score += successBonus * a.SuccessRate()
	score += healthBonus * clamp01(a.HealthScore)
	score -= loadPenalty * clamp01(a.Load)
	return score
}

// MarkStale flips agents whose heartbeat is older than the timeout to
// offline. Records are never removed; consumers filter on status. Returns
// how many agents were flipped.
func (r *Registry) MarkStale() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-r.heartbeatTimeout)
	flipped := 0
	for _, agent := range r.agents {
		if agent.Status != StatusOffline && agent.LastHeartbeat.Before(cutoff) {
			logging.SwarmWarn("Agent %s is stale (last heartbeat %s), marking offline",
				agent.ID, agent.LastHeartbeat.Format(time.RFC3339))
			agent.Status = StatusOffline
			flipped++
		}
	}
	if flipped > 0 {
		if err := r.persistLocked(); err != nil {
			logging.SwarmError("Failed to persist staleness pass: %v", err)
		}
	}
	return flipped
}

// HeartbeatTimeout exposes the configured staleness window; the scheduler
// runs the staleness pass at half this interval.
func (r *Registry) HeartbeatTimeout() time.Duration {
	return r.heartbeatTimeout
}

// TaskStarted bumps an agent's active-task count. Called by the
// coordinator on assignment.
func (r *Registry) TaskStarted(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	agent, ok := r.agents[id]
	if !ok {
		return
	}
	agent.ActiveTasks++
	if err := r.persistLocked(); err != nil {
		logging.SwarmError("Failed to persist task start for %s: %v", id, err)
	}
}

// TaskFinished decrements an agent's active-task count and records the
// outcome in its performance counters.
func (r *Registry) TaskFinished(id string, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	agent, ok := r.agents[id]
	if !ok {
		return
	}
	if agent.ActiveTasks > 0 {
		agent.ActiveTasks--
	}
	if success {
		agent.TasksCompleted++
	} else {
		agent.TasksFailed++
	}
	if err := r.persistLocked(); err != nil {
		logging.SwarmError("Failed to persist task finish for %s: %v", id, err)
	}
}

// persistLocked merges the roster with the file under an advisory lock,
// writes the result to a sibling temp file, and renames it over the
// primary. The merged view replaces the in-memory roster, so a process
// sees its peers' registrations after any write of its own. Callers
// hold r.mu.
func (r *Registry) persistLocked() error {
	lock, err := os.OpenFile(r.path+".lock", os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		logging.SwarmError("Failed to open registry lock file: %v", err)
		return fmt.Errorf("failed to open registry lock: %w", err)
	}
	defer lock.Close()
	if err := syscall.Flock(int(lock.Fd()), syscall.LOCK_EX); err != nil {
		logging.SwarmError("Failed to lock registry: %v", err)
		return fmt.Errorf("failed to lock registry: %w", err)
	}
	defer syscall.Flock(int(lock.Fd()), syscall.LOCK_UN)

	merged := r.mergeFileLocked()
	file := registryFile{UpdatedAt: r.now(), Agents: merged}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		logging.SwarmError("Failed to marshal registry: %v", err)
		return fmt.Errorf("failed to marshal registry: %w", err)
	}

	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		logging.SwarmError("Failed to write registry temp file: %v", err)
		return fmt.Errorf("failed to write registry: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		os.Remove(tmp)
		logging.SwarmError("Failed to replace registry file: %v", err)
		return fmt.Errorf("failed to replace registry: %w", err)
	}

	r.agents = merged
	r.removed = make(map[string]struct{})
	r.updateOnlineGaugeLocked()
	return nil
}

// mergeFileLocked folds the current file contents into this process's
// roster. When both sides hold an id, the record with the newer
// heartbeat wins, ties going to the in-memory copy; ids removed through
// Unregister stay removed. A missing or unparseable file merges as
// empty. Callers hold r.mu and the file lock.
func (r *Registry) mergeFileLocked() map[string]*AgentInfo {
	merged := make(map[string]*AgentInfo, len(r.agents))
	if data, err := os.ReadFile(r.path); err == nil {
		var file registryFile
		if err := json.Unmarshal(data, &file); err == nil {
			for id, agent := range file.Agents {
				merged[id] = agent
			}
		} else {
			logging.SwarmWarn("Registry file unparseable during merge, rewriting: %v", err)
		}
	}
	for id, agent := range r.agents {
		if other, ok := merged[id]; ok && other.LastHeartbeat.After(agent.LastHeartbeat) {
			continue
		}
		merged[id] = agent
	}
	for id := range r.removed {
		delete(merged, id)
	}
	return merged
}

func (r *Registry) updateOnlineGauge() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updateOnlineGaugeLocked()
}

func (r *Registry) updateOnlineGaugeLocked() {
	online := 0
	for _, agent := range r.agents {
		if agent.Status == StatusOnline {
			online++
		}
	}
	metrics.AgentsOnline.Set(float64(online))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
