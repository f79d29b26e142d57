package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"anima/internal/config"
	"anima/internal/events"
	"anima/internal/swarm"
	"anima/internal/system"
	"anima/internal/ticks"
)

// bootRuntime builds a runtime on a booted core in a temp data dir.
// Nothing is started; tests drive the step functions directly.
func bootRuntime(t *testing.T, mutate func(*config.Config)) *Runtime {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Agent.DataDir = t.TempDir()
	cfg.Agent.ID = "self"
	cfg.LLM.EmbeddingDim = 8
	if mutate != nil {
		mutate(cfg)
	}
	core, err := system.Boot(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, core.Close()) })
	return NewRuntime(cfg, core)
}

func fastTick() ticks.Tick {
	return ticks.Tick{Number: 1, Cadence: ticks.CadenceFast, Started: time.Now()}
}

func slowTick() ticks.Tick {
	return ticks.Tick{Number: 1, Cadence: ticks.CadenceSlow, Started: time.Now()}
}

// chatStub serves the chat-completions wire format with a fixed reply.
func chatStub(t *testing.T, reply string) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/chat/completions" {
			http.NotFound(w, req)
			return
		}
		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": reply}},
			},
			"usage": map[string]int{"prompt_tokens": 3, "completion_tokens": 4, "total_tokens": 7},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(func() {
		ts.Close()
		http.DefaultTransport.(*http.Transport).CloseIdleConnections()
	})
	return ts
}

// embedStub serves the ollama embeddings wire format with a fixed
// nonzero vector.
func embedStub(t *testing.T, dims int) *httptest.Server {
	t.Helper()
	vec := make([]float32, dims)
	for i := range vec {
		vec[i] = float32(i + 1)
	}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/api/embeddings" {
			http.NotFound(w, req)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"embedding": vec})
	}))
	t.Cleanup(func() {
		ts.Close()
		http.DefaultTransport.(*http.Transport).CloseIdleConnections()
	})
	return ts
}

func TestInboxProbeRecordsAnnouncesAndQueues(t *testing.T) {
	r := bootRuntime(t, nil)
	ctx := context.Background()

	var (
		mu  sync.Mutex
		got map[string]any
	)
	r.core.Events.Subscribe(events.EventInboxMessage, "capture", func(ctx context.Context, data map[string]any) error {
		mu.Lock()
		defer mu.Unlock()
		got = data
		return nil
	})

	require.NoError(t, os.WriteFile(r.cfg.InboxPath(), []byte("what is the plan?\n"), 0644))

	outcome, err := r.stepInboxProbe(ctx, fastTick())
	require.NoError(t, err)
	require.Equal(t, ticks.OutcomeOK, outcome)

	eps, err := r.core.Episodes.Recent(1)
	require.NoError(t, err)
	require.Len(t, eps, 1)
	require.Equal(t, "user.message", eps[0].EventType)
	require.Equal(t, "what is the plan?", eps[0].Description)

	mu.Lock()
	require.Equal(t, "what is the plan?", got["content"])
	require.Equal(t, eps[0].ID, got["episode_id"])
	mu.Unlock()

	r.mu.Lock()
	require.Len(t, r.pendingReplies, 1)
	require.Equal(t, eps[0].ID, r.pendingReplies[0].EpisodeID)
	r.mu.Unlock()

	data, err := os.ReadFile(r.cfg.InboxPath())
	require.NoError(t, err)
	require.Empty(t, data, "probe should truncate the inbox after handoff")

	outcome, err = r.stepInboxProbe(ctx, fastTick())
	require.NoError(t, err)
	require.Equal(t, ticks.OutcomeSkipped, outcome, "nothing new on the second probe")
}

func TestReplyStepAnswersViaChat(t *testing.T) {
	ts := chatStub(t, "Here is the plan.\nStep one: breathe.")
	r := bootRuntime(t, func(cfg *config.Config) {
		cfg.LLM.BaseURL = ts.URL
	})

	r.mu.Lock()
	r.pendingReplies = append(r.pendingReplies, pendingMessage{
		EpisodeID: 7, Content: "what is the plan?", Received: time.Now(),
	})
	r.mu.Unlock()

	outcome, err := r.stepReply(context.Background(), slowTick())
	require.NoError(t, err)
	require.Equal(t, ticks.OutcomeOK, outcome)

	data, err := os.ReadFile(r.cfg.OutboxPath())
	require.NoError(t, err)
	text := string(data)
	require.Contains(t, text, "Here is the plan.\nStep one: breathe.")
	require.Contains(t, text, "] anima ---")

	eps, err := r.core.Episodes.ByType("social.reply", 5)
	require.NoError(t, err)
	require.Len(t, eps, 1)
	require.Equal(t, "Here is the plan.", eps[0].Description, "episode keeps the first line only")

	r.mu.Lock()
	require.Empty(t, r.pendingReplies, "queue drains on success")
	r.mu.Unlock()
}

func TestReplyStepRecallsRelatedEpisodes(t *testing.T) {
	var (
		promptMu  sync.Mutex
		gotPrompt string
	)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/chat/completions" {
			http.NotFound(w, req)
			return
		}
		var body struct {
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
		promptMu.Lock()
		for _, m := range body.Messages {
			if m.Role == "user" {
				gotPrompt = m.Content
			}
		}
		promptMu.Unlock()
		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": "It failed once before; watching it closely."}},
			},
			"usage": map[string]int{"prompt_tokens": 3, "completion_tokens": 4, "total_tokens": 7},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(func() {
		ts.Close()
		http.DefaultTransport.(*http.Transport).CloseIdleConnections()
	})

	es := embedStub(t, 8)
	r := bootRuntime(t, func(cfg *config.Config) {
		cfg.LLM.BaseURL = ts.URL
		cfg.LLM.EmbedBaseURL = es.URL
	})

	// One remembered episode whose vector points the same way as the embed
	// stub's fixed output, so recall scores it at 1.
	id, err := r.core.Episodes.AddEpisode("task.note", "the deploy failed on staging", "error", nil)
	require.NoError(t, err)
	vec := make([]float32, 8)
	for i := range vec {
		vec[i] = float32(i + 1)
	}
	_, err = r.core.Vectors.Add(id, "task.note", "the deploy failed on staging", vec)
	require.NoError(t, err)

	r.mu.Lock()
	r.pendingReplies = append(r.pendingReplies, pendingMessage{
		EpisodeID: 9, Content: "how did the deploy go?", Received: time.Now(),
	})
	r.mu.Unlock()

	outcome, err := r.stepReply(context.Background(), slowTick())
	require.NoError(t, err)
	require.Equal(t, ticks.OutcomeOK, outcome)

	promptMu.Lock()
	defer promptMu.Unlock()
	require.Contains(t, gotPrompt, "how did the deploy go?")
	require.Contains(t, gotPrompt, "Related past episodes:")
	require.Contains(t, gotPrompt, "the deploy failed on staging")
}

func TestReplyStepRecordsUnavailableLLM(t *testing.T) {
	r := bootRuntime(t, func(cfg *config.Config) {
		cfg.LLM.PerTickChatBudget = 0
	})

	r.mu.Lock()
	r.pendingReplies = append(r.pendingReplies, pendingMessage{
		EpisodeID: 3, Content: "anyone home?", Received: time.Now(),
	})
	r.mu.Unlock()

	outcome, err := r.stepReply(context.Background(), slowTick())
	require.NoError(t, err)
	require.Equal(t, ticks.OutcomeDegraded, outcome)

	eps, err := r.core.Episodes.ByType("social.llm_unavailable", 5)
	require.NoError(t, err)
	require.Len(t, eps, 1)
	require.Equal(t, "budget_exhausted", eps[0].Outcome)

	require.NoFileExists(t, r.cfg.OutboxPath(), "no reply means no outbox entry")
}

func TestReplyStepRequeuesOnOutboxFailure(t *testing.T) {
	ts := chatStub(t, "still here")
	r := bootRuntime(t, func(cfg *config.Config) {
		cfg.LLM.BaseURL = ts.URL
	})

	r.mu.Lock()
	r.pendingReplies = append(r.pendingReplies,
		pendingMessage{EpisodeID: 1, Content: "first question", Received: time.Now()},
		pendingMessage{EpisodeID: 2, Content: "second question", Received: time.Now()},
	)
	r.mu.Unlock()

	// A directory where the outbox file should be wedges every append.
	require.NoError(t, os.Mkdir(r.cfg.OutboxPath(), 0755))

	outcome, err := r.stepReply(context.Background(), slowTick())
	require.Error(t, err)
	require.Equal(t, ticks.OutcomeError, outcome)

	r.mu.Lock()
	require.Len(t, r.pendingReplies, 2, "undelivered messages go back in the queue")
	require.Equal(t, int64(1), r.pendingReplies[0].EpisodeID, "order survives the requeue")
	require.Equal(t, int64(2), r.pendingReplies[1].EpisodeID)
	r.mu.Unlock()

	// Once the outbox is writable again the queue drains normally.
	require.NoError(t, os.Remove(r.cfg.OutboxPath()))
	outcome, err = r.stepReply(context.Background(), slowTick())
	require.NoError(t, err)
	require.Equal(t, ticks.OutcomeOK, outcome)

	data, err := os.ReadFile(r.cfg.OutboxPath())
	require.NoError(t, err)
	require.Equal(t, 2, strings.Count(string(data), "still here"))

	r.mu.Lock()
	require.Empty(t, r.pendingReplies)
	r.mu.Unlock()
}

func TestReplyStepSkipsOnDegradedTick(t *testing.T) {
	r := bootRuntime(t, nil)

	r.mu.Lock()
	r.pendingReplies = append(r.pendingReplies, pendingMessage{
		EpisodeID: 1, Content: "hold that thought", Received: time.Now(),
	})
	r.mu.Unlock()

	tick := slowTick()
	tick.Degraded = true
	outcome, err := r.stepReply(context.Background(), tick)
	require.NoError(t, err)
	require.Equal(t, ticks.OutcomeSkipped, outcome)

	r.mu.Lock()
	require.Len(t, r.pendingReplies, 1, "queue survives a degraded tick")
	r.mu.Unlock()
}

func TestConsolidateEmbedsAndAdvancesWatermark(t *testing.T) {
	ts := embedStub(t, 8)
	r := bootRuntime(t, func(cfg *config.Config) {
		cfg.LLM.EmbedBaseURL = ts.URL
	})
	ctx := context.Background()

	var lastID int64
	for _, desc := range []string{"woke up", "read the inbox", "answered a question"} {
		id, err := r.core.Episodes.AddEpisode("test.event", desc, "ok", nil)
		require.NoError(t, err)
		lastID = id
	}

	outcome, err := r.stepConsolidate(ctx, slowTick())
	require.NoError(t, err)
	require.Equal(t, ticks.OutcomeOK, outcome)

	watermark, err := r.core.Vectors.MaxEpisodeID()
	require.NoError(t, err)
	require.Equal(t, lastID, watermark)
	require.Equal(t, int64(3), r.core.Vectors.Stats()["vectors"])

	outcome, err = r.stepConsolidate(ctx, slowTick())
	require.NoError(t, err)
	require.Equal(t, ticks.OutcomeSkipped, outcome, "everything already embedded")
}

func TestConsolidateDegradesWithoutEmbedBudget(t *testing.T) {
	r := bootRuntime(t, func(cfg *config.Config) {
		cfg.LLM.PerTickEmbedBudget = 0
	})

	_, err := r.core.Episodes.AddEpisode("test.event", "never embedded", "ok", nil)
	require.NoError(t, err)

	outcome, err := r.stepConsolidate(context.Background(), slowTick())
	require.NoError(t, err)
	require.Equal(t, ticks.OutcomeDegraded, outcome)
	require.Equal(t, int64(0), r.core.Vectors.Stats()["vectors"])
}

func TestConsolidateDetachesAfterStoreRebuild(t *testing.T) {
	r := bootRuntime(t, nil)
	ctx := context.Background()

	// Vectors still reference episode ids from a previous life of the
	// episodic store; the rebuilt store only has one low-id episode.
	vec := make([]float32, 8)
	vec[0] = 1
	_, err := r.core.Vectors.Add(40, "note", "from before the rebuild", vec)
	require.NoError(t, err)
	id, err := r.core.Episodes.AddEpisode("test.event", "fresh start", "ok", nil)
	require.NoError(t, err)
	require.Less(t, id, int64(40))

	outcome, err := r.stepConsolidate(ctx, slowTick())
	require.NoError(t, err)
	require.Equal(t, ticks.OutcomeDegraded, outcome)

	watermark, err := r.core.Vectors.MaxEpisodeID()
	require.NoError(t, err)
	require.Zero(t, watermark, "stale references cleared")
	require.Equal(t, int64(1), r.core.Vectors.Stats()["vectors"], "the vector itself survives")
}

func TestConsolidateSkipsOnDegradedTick(t *testing.T) {
	r := bootRuntime(t, nil)
	tick := slowTick()
	tick.Degraded = true

	outcome, err := r.stepConsolidate(context.Background(), tick)
	require.NoError(t, err)
	require.Equal(t, ticks.OutcomeSkipped, outcome)
}

func TestHeartbeatRegistersThenBeats(t *testing.T) {
	r := bootRuntime(t, func(cfg *config.Config) {
		cfg.MultiAgent.Enabled = true
	})
	ctx := context.Background()

	// First beat finds no registration, re-registers, and degrades.
	outcome, err := r.stepHeartbeat(ctx, fastTick())
	require.NoError(t, err)
	require.Equal(t, ticks.OutcomeDegraded, outcome)

	info, ok := r.core.Registry.Get("self")
	require.True(t, ok)
	require.Equal(t, swarm.StatusOnline, info.Status)

	outcome, err = r.stepHeartbeat(ctx, fastTick())
	require.NoError(t, err)
	require.Equal(t, ticks.OutcomeOK, outcome)

	info, ok = r.core.Registry.Get("self")
	require.True(t, ok)
	require.WithinDuration(t, time.Now(), info.LastHeartbeat, 5*time.Second)
}

func TestPumpDeliversAndAcks(t *testing.T) {
	r := bootRuntime(t, func(cfg *config.Config) {
		cfg.MultiAgent.Enabled = true
	})
	ctx := context.Background()

	var (
		mu   sync.Mutex
		seen []string
	)
	r.core.Events.Subscribe(events.EventAgentMessage, "capture", func(ctx context.Context, data map[string]any) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, data["from"].(string))
		return nil
	})

	for _, from := range []string{"scout-1", "scout-2"} {
		_, err := r.core.Bus.Send(ctx, swarm.Message{
			From: from, To: "self", Type: swarm.TypeRequest,
			Payload: map[string]any{"ask": "status"},
		})
		require.NoError(t, err)
	}

	outcome, err := r.stepPump(ctx, fastTick())
	require.NoError(t, err)
	require.Equal(t, ticks.OutcomeOK, outcome)

	mu.Lock()
	require.ElementsMatch(t, []string{"scout-1", "scout-2"}, seen)
	mu.Unlock()

	stats, err := r.core.Bus.QueueStats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), stats.ByStatus[swarm.MessageAcked])
	require.Zero(t, stats.ByStatus[swarm.MessagePending])
	require.Zero(t, stats.ByStatus[swarm.MessageInFlight])
}

func TestPumpLeavesFailedDeliveryClaimed(t *testing.T) {
	r := bootRuntime(t, func(cfg *config.Config) {
		cfg.MultiAgent.Enabled = true
	})
	ctx := context.Background()

	r.core.Events.Subscribe(events.EventAgentMessage, "broken", func(ctx context.Context, data map[string]any) error {
		return context.DeadlineExceeded
	})

	_, err := r.core.Bus.Send(ctx, swarm.Message{
		From: "scout-1", To: "self", Type: swarm.TypeRequest,
	})
	require.NoError(t, err)

	outcome, err := r.stepPump(ctx, fastTick())
	require.NoError(t, err)
	require.Equal(t, ticks.OutcomeDegraded, outcome)

	stats, err := r.core.Bus.QueueStats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.ByStatus[swarm.MessageInFlight],
		"unacked message stays claimed for the sweeper")
}

func TestSwarmStepsSkipWhenDisabled(t *testing.T) {
	r := bootRuntime(t, nil)
	ctx := context.Background()

	for name, step := range map[string]func(context.Context, ticks.Tick) (ticks.Outcome, error){
		"heartbeat": r.stepHeartbeat,
		"pump":      r.stepPump,
		"assign":    r.stepAssign,
		"consensus": r.stepConsensusSweep,
	} {
		outcome, err := step(ctx, fastTick())
		require.NoError(t, err, name)
		require.Equal(t, ticks.OutcomeSkipped, outcome, name)
	}
}

func TestAssignRunsCoordinatorPass(t *testing.T) {
	r := bootRuntime(t, func(cfg *config.Config) {
		cfg.MultiAgent.Enabled = true
	})
	ctx := context.Background()

	require.NoError(t, r.core.Registry.Register(swarm.AgentInfo{ID: "worker-1"}))
	_, err := r.core.Coordinator.Submit(swarm.Task{Type: "research", Description: "look into it"})
	require.NoError(t, err)

	outcome, err := r.stepAssign(ctx, fastTick())
	require.NoError(t, err)
	require.Equal(t, ticks.OutcomeOK, outcome)

	assigned := r.core.Coordinator.List(swarm.TaskAssigned)
	require.Len(t, assigned, 1)
	require.Equal(t, "worker-1", assigned[0].AssignedAgent)
}

func TestConsensusSweepSettlesExpiredProposals(t *testing.T) {
	r := bootRuntime(t, func(cfg *config.Config) {
		cfg.MultiAgent.Enabled = true
	})
	ctx := context.Background()

	soon := time.Now().Add(100 * time.Millisecond)
	_, err := r.core.Consensus.Propose(ctx, swarm.Proposal{
		Title: "adopt the plan", Proposer: "self", Deadline: &soon,
	})
	require.NoError(t, err)
	time.Sleep(250 * time.Millisecond)

	outcome, err := r.stepConsensusSweep(ctx, slowTick())
	require.NoError(t, err)
	require.Equal(t, ticks.OutcomeOK, outcome)

	active, err := r.core.Consensus.ListActive(ctx)
	require.NoError(t, err)
	require.Empty(t, active)
}

func TestArchiveAndCleanupAreDaily(t *testing.T) {
	r := bootRuntime(t, nil)
	ctx := context.Background()

	outcome, err := r.stepArchive(ctx, slowTick())
	require.NoError(t, err)
	require.Equal(t, ticks.OutcomeOK, outcome, "first pass runs right away")

	outcome, err = r.stepArchive(ctx, slowTick())
	require.NoError(t, err)
	require.Equal(t, ticks.OutcomeSkipped, outcome, "second pass waits a day")

	outcome, err = r.stepCleanup(ctx, slowTick())
	require.NoError(t, err)
	require.Equal(t, ticks.OutcomeOK, outcome)

	outcome, err = r.stepCleanup(ctx, slowTick())
	require.NoError(t, err)
	require.Equal(t, ticks.OutcomeSkipped, outcome)

	// Winding the clock forward reopens both gates.
	r.now = func() time.Time { return time.Now().Add(25 * time.Hour) }
	outcome, err = r.stepArchive(ctx, slowTick())
	require.NoError(t, err)
	require.Equal(t, ticks.OutcomeOK, outcome)
}

func TestImportantEpisodeIDsCollectFailures(t *testing.T) {
	r := bootRuntime(t, nil)

	failedID, err := r.core.Episodes.AddEpisode("step.error", "reply step crashed", "error", nil)
	require.NoError(t, err)
	fatalID, err := r.core.Episodes.AddEpisode("llm.call", "backend gone", "fatal", nil)
	require.NoError(t, err)
	_, err = r.core.Episodes.AddEpisode("observation", "routine note", "ok", nil)
	require.NoError(t, err)

	require.ElementsMatch(t, []int64{failedID, fatalID}, r.importantEpisodeIDs())
}
