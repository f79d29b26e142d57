package swarm

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry(filepath.Join(t.TempDir(), "registry.json"), time.Minute)
	require.NoError(t, err)
	return r
}

func TestRegisterDefaultsAndValidation(t *testing.T) {
	r := newTestRegistry(t)

	t.Run("Defaults", func(t *testing.T) {
		require.NoError(t, r.Register(AgentInfo{ID: "worker-1"}))
		agent, ok := r.Get("worker-1")
		require.True(t, ok)
		assert.Equal(t, RoleGeneralist, agent.Role)
		assert.Equal(t, StatusOnline, agent.Status)
		assert.Equal(t, 1.0, agent.HealthScore)
		assert.False(t, agent.LastHeartbeat.IsZero())
	})

	t.Run("Missing ID", func(t *testing.T) {
		err := r.Register(AgentInfo{Name: "nameless"})
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("Unknown Role", func(t *testing.T) {
		err := r.Register(AgentInfo{ID: "bad", Role: "wizard"})
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("Load Clamped", func(t *testing.T) {
		require.NoError(t, r.Register(AgentInfo{ID: "hot", Load: 3.5}))
		agent, _ := r.Get("hot")
		assert.Equal(t, 1.0, agent.Load)
	})
}

func TestReRegisterPreservesCounters(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Register(AgentInfo{ID: "worker-1", Role: RoleExecutor}))

	r.TaskStarted("worker-1")
	r.TaskFinished("worker-1", true)
	r.TaskStarted("worker-1")
	r.TaskFinished("worker-1", false)

	require.NoError(t, r.Register(AgentInfo{ID: "worker-1", Role: RoleResearcher, Capabilities: []string{"search"}}))

	agent, ok := r.Get("worker-1")
	require.True(t, ok)
	assert.Equal(t, RoleResearcher, agent.Role, "re-registration should replace the profile")
	assert.Equal(t, 1, agent.TasksCompleted, "counters should survive re-registration")
	assert.Equal(t, 1, agent.TasksFailed)
	assert.Equal(t, 0, agent.ActiveTasks)
}

func TestRegistryPersistsAcrossReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	r1, err := NewRegistry(path, time.Minute)
	require.NoError(t, err)
	require.NoError(t, r1.Register(AgentInfo{ID: "alpha", Role: RoleResearcher, Capabilities: []string{"search"}}))
	require.NoError(t, r1.Register(AgentInfo{ID: "beta", Role: RoleExecutor, Load: 0.4}))
	r1.TaskStarted("alpha")

	r2, err := NewRegistry(path, time.Minute)
	require.NoError(t, err)

	agents := r2.List(Filter{})
	require.Len(t, agents, 2)
	assert.Equal(t, "alpha", agents[0].ID)
	assert.Equal(t, "beta", agents[1].ID)
	assert.Equal(t, RoleResearcher, agents[0].Role)
	assert.Equal(t, 1, agents[0].ActiveTasks)
	assert.Equal(t, 0.4, agents[1].Load)

	// The write must go through a sibling temp file, never a partial primary.
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file should not linger after a successful write")
}

func TestRegistryMergesWritesFromTwoProcesses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")

	// Two handles on one file stand in for two agent processes sharing
	// a data directory. Each only knows about its own registration.
	r1, err := NewRegistry(path, time.Minute)
	require.NoError(t, err)
	r2, err := NewRegistry(path, time.Minute)
	require.NoError(t, err)

	require.NoError(t, r1.Register(AgentInfo{ID: "agent-a", Role: RoleResearcher}))
	require.NoError(t, r2.Register(AgentInfo{ID: "agent-b", Role: RoleExecutor}))

	reload, err := NewRegistry(path, time.Minute)
	require.NoError(t, err)
	agents := reload.List(Filter{})
	require.Len(t, agents, 2, "the second writer must not erase the first's registration")
	assert.Equal(t, "agent-a", agents[0].ID)
	assert.Equal(t, "agent-b", agents[1].ID)

	// A writer adopts the merged view, so it can now address its peer.
	peer, ok := r2.Get("agent-a")
	require.True(t, ok)
	assert.Equal(t, RoleResearcher, peer.Role)

	// Removal propagates through the merge instead of resurrecting.
	require.NoError(t, r2.Unregister("agent-a"))
	reload, err = NewRegistry(path, time.Minute)
	require.NoError(t, err)
	agents = reload.List(Filter{})
	require.Len(t, agents, 1)
	assert.Equal(t, "agent-b", agents[0].ID)
}

func TestRegistryMergeKeepsNewerHeartbeat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	owner, err := NewRegistry(path, time.Minute)
	require.NoError(t, err)
	ownerClock := newFakeClock(start)
	owner.now = ownerClock.Now
	require.NoError(t, owner.Register(AgentInfo{ID: "worker-1"}))

	observer, err := NewRegistry(path, time.Minute)
	require.NoError(t, err)
	observer.now = newFakeClock(start).Now

	// The owning process heartbeats; the observer then persists an
	// unrelated change while still holding the stale copy of worker-1.
	ownerClock.Advance(30 * time.Second)
	require.NoError(t, owner.Heartbeat("worker-1", 0.7))
	require.NoError(t, observer.Register(AgentInfo{ID: "observer"}))

	reload, err := NewRegistry(path, time.Minute)
	require.NoError(t, err)
	worker, ok := reload.Get("worker-1")
	require.True(t, ok)
	assert.Equal(t, 0.7, worker.Load, "the fresher heartbeat must survive the observer's rewrite")
	assert.True(t, worker.LastHeartbeat.Equal(start.Add(30*time.Second)))
}

func TestRegistryRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	_, err := NewRegistry(path, time.Minute)
	assert.Error(t, err)
}

func TestHeartbeatRevivesOfflineAgent(t *testing.T) {
	r := newTestRegistry(t)
	clock := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	r.now = clock.Now

	require.NoError(t, r.Register(AgentInfo{ID: "drifter"}))
	require.NoError(t, r.Register(AgentInfo{ID: "worker-bee", Status: StatusBusy}))

	assert.Error(t, r.Heartbeat("ghost", 0.1), "heartbeat from an unknown agent should fail")

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 2, r.MarkStale())

	drifter, _ := r.Get("drifter")
	assert.Equal(t, StatusOffline, drifter.Status)

	require.NoError(t, r.Heartbeat("drifter", 0.25))
	drifter, _ = r.Get("drifter")
	assert.Equal(t, StatusOnline, drifter.Status)
	assert.Equal(t, 0.25, drifter.Load)

	// A busy agent heartbeating stays busy; only offline flips back.
	require.NoError(t, r.SetStatus("worker-bee", StatusBusy))
	require.NoError(t, r.Heartbeat("worker-bee", 0.5))
	bee, _ := r.Get("worker-bee")
	assert.Equal(t, StatusBusy, bee.Status)
}

func TestMarkStaleOnlyFlipsSilentAgents(t *testing.T) {
	r := newTestRegistry(t)
	clock := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	r.now = clock.Now

	require.NoError(t, r.Register(AgentInfo{ID: "silent"}))
	require.NoError(t, r.Register(AgentInfo{ID: "chatty"}))

	clock.Advance(45 * time.Second)
	require.NoError(t, r.Heartbeat("chatty", 0.1))
	clock.Advance(30 * time.Second)

	assert.Equal(t, 1, r.MarkStale(), "only the silent agent is past the 60s timeout")
	silent, _ := r.Get("silent")
	chatty, _ := r.Get("chatty")
	assert.Equal(t, StatusOffline, silent.Status)
	assert.Equal(t, StatusOnline, chatty.Status)

	assert.Zero(t, r.MarkStale(), "second pass finds nothing new")
	assert.Len(t, r.List(Filter{}), 2, "stale agents are flipped, never removed")
}

func TestListFilters(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Register(AgentInfo{ID: "a", Role: RoleResearcher, Capabilities: []string{"search", "summarize"}}))
	require.NoError(t, r.Register(AgentInfo{ID: "b", Role: RoleExecutor, Capabilities: []string{"deploy"}}))
	require.NoError(t, r.Register(AgentInfo{ID: "c", Role: RoleResearcher, Status: StatusOffline}))

	assert.Len(t, r.List(Filter{Role: RoleResearcher}), 2)
	assert.Len(t, r.List(Filter{Status: StatusOnline}), 2)
	assert.Len(t, r.List(Filter{Role: RoleResearcher, Status: StatusOnline}), 1)

	bySearch := r.List(Filter{Capability: "SEARCH"})
	require.Len(t, bySearch, 1, "capability match is case-insensitive")
	assert.Equal(t, "a", bySearch[0].ID)
}

func TestSelectForTaskPrefersCapabilityMatch(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Register(AgentInfo{ID: "specialist", Capabilities: []string{"deploy", "rollback"}}))
	require.NoError(t, r.Register(AgentInfo{ID: "bystander", Capabilities: []string{"search"}}))

	chosen := r.SelectForTask([]string{"deploy"}, "")
	require.NotNil(t, chosen)
	assert.Equal(t, "specialist", chosen.ID)

	// The returned record is a copy; mutations do not leak back.
	chosen.Load = 0.99
	stored, _ := r.Get("specialist")
	assert.Zero(t, stored.Load)
}

func TestSelectForTaskPrefersRoleAndTrackRecord(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Register(AgentInfo{ID: "researcher", Role: RoleResearcher}))
	require.NoError(t, r.Register(AgentInfo{ID: "executor", Role: RoleExecutor}))

	chosen := r.SelectForTask(nil, RoleResearcher)
	require.NotNil(t, chosen)
	assert.Equal(t, "researcher", chosen.ID)

	// A proven agent outscores an unproven one of the preferred role.
	for i := 0; i < 4; i++ {
		r.TaskStarted("executor")
		r.TaskFinished("executor", true)
	}
	for i := 0; i < 4; i++ {
		r.TaskStarted("researcher")
		r.TaskFinished("researcher", false)
	}
	chosen = r.SelectForTask(nil, "")
	require.NotNil(t, chosen)
	assert.Equal(t, "executor", chosen.ID)
}

func TestSelectForTaskSkipsUnavailableAgents(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Register(AgentInfo{ID: "offline", Capabilities: []string{"deploy"}, Status: StatusOffline}))
	require.NoError(t, r.Register(AgentInfo{ID: "overloaded", Capabilities: []string{"deploy"}, Load: 0.95}))
	require.NoError(t, r.Register(AgentInfo{ID: "available"}))

	chosen := r.SelectForTask([]string{"deploy"}, "")
	require.NotNil(t, chosen, "a weak match still beats no match")
	assert.Equal(t, "available", chosen.ID)
}

func TestSelectForTaskTieBreaksOnID(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Register(AgentInfo{ID: "beta"}))
	require.NoError(t, r.Register(AgentInfo{ID: "alpha"}))

	chosen := r.SelectForTask(nil, "")
	require.NotNil(t, chosen)
	assert.Equal(t, "alpha", chosen.ID)
}

func TestSelectForTaskEnforcesScoreFloor(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Register(AgentInfo{ID: "hopeless", Load: 0.8, HealthScore: 0.1}))
	r.TaskStarted("hopeless")
	r.TaskFinished("hopeless", false)
	r.TaskStarted("hopeless")

	// Busy, wrong capabilities, all-failure history, poor health, high
	// load: the score lands below the floor and nothing is selected.
	assert.Nil(t, r.SelectForTask([]string{"welding"}, RoleTester))
}

func TestSuccessRateNeutralWithoutHistory(t *testing.T) {
	assert.Equal(t, 0.5, AgentInfo{}.SuccessRate())
	assert.Equal(t, 0.75, AgentInfo{TasksCompleted: 3, TasksFailed: 1}.SuccessRate())
	assert.Zero(t, AgentInfo{TasksFailed: 2}.SuccessRate())
}
