package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"anima/internal/events"
	"anima/internal/llm"
	"anima/internal/logging"
	"anima/internal/swarm"
	"anima/internal/ticks"
)

// receiveBatch bounds how many bus messages one pump tick dispatches.
const receiveBatch = 10

// selfLoadDivisor converts the agent's active task count into the
// [0,1] load figure heartbeats report.
const selfLoadDivisor = 10.0

// replyRecallK bounds how many remembered episodes season a reply.
const replyRecallK = 3

// replyRecallFloor is the minimum similarity for a memory to be worth
// quoting back into the prompt.
const replyRecallFloor = 0.3

// keepImportantScan bounds how many episodes per salient outcome the
// cleanup pass protects from eviction.
const keepImportantScan = 200

// salientOutcomes marks episodes whose vectors outlive the age cutoff.
// Failures carry the lessons; routine successes can age out.
var salientOutcomes = []string{"error", "failure", "fatal"}

// registerSteps wires the built-in steps in their fixed execution
// order. Fast steps stay cheap and never call the chat model; the
// slow cadence owns everything LLM-bound and the periodic maintenance.
func (r *Runtime) registerSteps() {
	fast := []ticks.StepFunc{
		{StepName: "inbox.probe", Fn: r.stepInboxProbe},
		{StepName: "swarm.heartbeat", Fn: r.stepHeartbeat},
		{StepName: "swarm.pump", Fn: r.stepPump},
		{StepName: "tasks.assign", Fn: r.stepAssign},
	}
	slow := []ticks.StepFunc{
		{StepName: "reply.pending", Fn: r.stepReply},
		{StepName: "memory.consolidate", Fn: r.stepConsolidate},
		{StepName: "memory.archive", Fn: r.stepArchive},
		{StepName: "memory.cleanup", Fn: r.stepCleanup},
		{StepName: "consensus.sweep", Fn: r.stepConsensusSweep},
	}
	for _, s := range fast {
		r.sched.RegisterFast(s)
	}
	for _, s := range slow {
		r.sched.RegisterSlow(s)
	}
}

// stepInboxProbe reads the inbox on change, records the message as an
// episode, announces it on the event bus, and queues it for the slow
// cadence to answer. The file is truncated only after all of that
// succeeded.
func (r *Runtime) stepInboxProbe(ctx context.Context, tick ticks.Tick) (ticks.Outcome, error) {
	content, ok, err := r.inbox.Poll()
	if err != nil {
		return ticks.OutcomeError, fmt.Errorf("inbox poll: %w", err)
	}
	if !ok {
		return ticks.OutcomeSkipped, nil
	}

	episodeID, err := r.core.Episodes.AddEpisode("user.message", content, "ok", map[string]any{
		"source": "inbox",
		"length": len(content),
	})
	if err != nil {
		return ticks.OutcomeError, fmt.Errorf("record inbox message: %w", err)
	}

	r.core.Events.Publish(ctx, events.EventInboxMessage, map[string]any{
		"episode_id": episodeID,
		"content":    content,
	})

	if err := r.inbox.Consume(); err != nil {
		return ticks.OutcomeError, fmt.Errorf("truncate inbox: %w", err)
	}

	r.mu.Lock()
	r.pendingReplies = append(r.pendingReplies, pendingMessage{
		EpisodeID: episodeID,
		Content:   content,
		Received:  r.now(),
	})
	r.mu.Unlock()

	logging.Inbox("Inbox message queued (episode %d, %d bytes)", episodeID, len(content))
	return ticks.OutcomeOK, nil
}

// stepHeartbeat announces this agent is alive and, at half the
// heartbeat timeout, flags peers that have gone silent.
func (r *Runtime) stepHeartbeat(ctx context.Context, tick ticks.Tick) (ticks.Outcome, error) {
	if r.core.Registry == nil {
		return ticks.OutcomeSkipped, nil
	}

	load := 0.0
	if info, ok := r.core.Registry.Get(r.selfID()); ok {
		load = float64(info.ActiveTasks) / selfLoadDivisor
		if load > 1 {
			load = 1
		}
	}
	if err := r.core.Registry.Heartbeat(r.selfID(), load); err != nil {
		// The registry file may have been replaced underneath us.
		// Re-register and carry on next tick.
		if regErr := r.core.Registry.Register(swarm.AgentInfo{ID: r.selfID(), Name: r.cfg.Agent.Name}); regErr != nil {
			return ticks.OutcomeError, fmt.Errorf("heartbeat and re-register both failed: %w", regErr)
		}
		return ticks.OutcomeDegraded, nil
	}

	if r.due(&r.lastStalePass, r.core.Registry.HeartbeatTimeout()/2) {
		if flipped := r.core.Registry.MarkStale(); flipped > 0 {
			logging.Swarm("Marked %d agents offline for missed heartbeats", flipped)
		}
	}
	return ticks.OutcomeOK, nil
}

// stepPump receives this agent's bus messages and fans them out as
// agent.message events. Messages whose handlers all succeed are acked;
// anything else stays claimed and the visibility sweeper redelivers or
// dead-letters it. The sweeper itself runs here, at half the
// visibility timeout.
func (r *Runtime) stepPump(ctx context.Context, tick ticks.Tick) (ticks.Outcome, error) {
	if r.core.Bus == nil {
		return ticks.OutcomeSkipped, nil
	}

	if r.due(&r.lastBusSweep, r.cfg.VisibilityTimeout()/2) {
		if stats, err := r.core.Bus.Sweep(ctx); err != nil {
			logging.SwarmWarn("Bus sweep failed: %v", err)
		} else if stats.Requeued+stats.Exhausted+stats.Expired > 0 {
			logging.Swarm("Bus sweep: %d requeued, %d exhausted, %d expired",
				stats.Requeued, stats.Exhausted, stats.Expired)
		}
	}

	msgs, err := r.core.Bus.Receive(ctx, r.selfID(), receiveBatch)
	if err != nil {
		return ticks.OutcomeError, fmt.Errorf("receive bus messages: %w", err)
	}
	if len(msgs) == 0 {
		return ticks.OutcomeSkipped, nil
	}

	degraded := false
	for _, msg := range msgs {
		failures := r.core.Events.Publish(ctx, events.EventAgentMessage, map[string]any{
			"id":       msg.ID,
			"from":     msg.From,
			"type":     string(msg.Type),
			"priority": string(msg.Priority),
			"payload":  msg.Payload,
		})
		if failures > 0 {
			logging.SwarmWarn("Message %s left unacked after %d handler failures", msg.ID, failures)
			degraded = true
			continue
		}
		if err := r.core.Bus.Ack(ctx, msg.ID); err != nil {
			logging.SwarmWarn("Ack of %s failed: %v", msg.ID, err)
			degraded = true
		}
	}
	if degraded {
		return ticks.OutcomeDegraded, nil
	}
	return ticks.OutcomeOK, nil
}

// stepAssign runs a coordinator pass: expire missed deadlines, cascade
// failures, and match pending tasks to agents.
func (r *Runtime) stepAssign(ctx context.Context, tick ticks.Tick) (ticks.Outcome, error) {
	if r.core.Coordinator == nil {
		return ticks.OutcomeSkipped, nil
	}
	if assigned := r.core.Coordinator.AssignPending(ctx); assigned > 0 {
		logging.Swarm("Assigned %d tasks", assigned)
	}
	return ticks.OutcomeOK, nil
}

// stepReply answers queued inbox messages through the chat pipeline,
// seasoning each prompt with similar past episodes pulled from semantic
// memory. On any non-ok chat outcome the message is dropped with a
// social.llm_unavailable episode as the trace; the user sees no reply
// rather than a late flood of them once the service recovers.
func (r *Runtime) stepReply(ctx context.Context, tick ticks.Tick) (ticks.Outcome, error) {
	if tick.Degraded {
		return ticks.OutcomeSkipped, nil
	}

	r.mu.Lock()
	queued := r.pendingReplies
	r.pendingReplies = nil
	r.mu.Unlock()
	if len(queued) == 0 {
		return ticks.OutcomeSkipped, nil
	}

	system := fmt.Sprintf(
		"You are %s, a long-running autonomous agent. Reply to the user's message briefly and helpfully.",
		r.cfg.Agent.Name)

	failed := 0
	for i, msg := range queued {
		prompt := msg.Content
		if notes := r.recallNotes(ctx, msg.Content); notes != "" {
			prompt = fmt.Sprintf("%s\n\nRelated past episodes:\n%s", msg.Content, notes)
		}
		reply, err := r.core.LLM.ChatWithSystem(ctx, system, prompt)
		if err != nil {
			failed++
			label := llm.OutcomeLabel(ctx, err)
			logging.LLMWarn("No reply for episode %d: %s (%v)", msg.EpisodeID, label, err)
			if _, epErr := r.core.Episodes.AddEpisode("social.llm_unavailable",
				fmt.Sprintf("could not answer inbox message from episode %d", msg.EpisodeID),
				label, map[string]any{"episode_id": msg.EpisodeID}); epErr != nil {
				logging.StoreError("Failed to record llm_unavailable episode: %v", epErr)
			}
			continue
		}

		if err := r.outbox.Append(reply); err != nil {
			// The outbox is wedged; put the undelivered tail back in
			// front of anything that arrived meanwhile and retry next
			// slow tick.
			r.requeueReplies(queued[i:])
			return ticks.OutcomeError, fmt.Errorf("write outbox: %w", err)
		}
		if _, err := r.core.Episodes.AddEpisode("social.reply",
			firstLine(reply), "ok", map[string]any{"episode_id": msg.EpisodeID}); err != nil {
			logging.StoreError("Failed to record reply episode: %v", err)
		}
	}

	if failed > 0 {
		return ticks.OutcomeDegraded, nil
	}
	return ticks.OutcomeOK, nil
}

// requeueReplies puts undelivered messages back at the head of the
// pending queue, ahead of anything the fast cadence queued since the
// snapshot, so delivery order survives an outbox failure.
func (r *Runtime) requeueReplies(msgs []pendingMessage) {
	if len(msgs) == 0 {
		return
	}
	r.mu.Lock()
	r.pendingReplies = append(append([]pendingMessage{}, msgs...), r.pendingReplies...)
	r.mu.Unlock()
}

// recallNotes searches semantic memory for episodes similar to the
// message and renders them as extra prompt context. Best effort: an
// empty store or a failed embed just means an unseasoned reply.
func (r *Runtime) recallNotes(ctx context.Context, text string) string {
	if n, err := r.core.Vectors.Count(); err != nil || n == 0 {
		return ""
	}
	vec, err := r.core.LLM.Embed(ctx, text)
	if err != nil {
		logging.EmbeddingDebug("Recall skipped: %s", llm.OutcomeLabel(ctx, err))
		return ""
	}
	hits, err := r.core.Vectors.TopK(ctx, vec, replyRecallK, "", 0)
	if err != nil {
		logging.StoreError("Recall search failed: %v", err)
		return ""
	}

	var b strings.Builder
	for _, hit := range hits {
		if hit.Score < replyRecallFloor {
			continue
		}
		b.WriteString("- ")
		b.WriteString(firstLine(hit.Text))
		b.WriteByte('\n')
	}
	return b.String()
}

// stepConsolidate embeds episodes the vector store has not seen yet,
// walking forward from the highest episode id it references. The embed
// budget caps the batch; whatever does not fit waits for the next
// slow tick.
func (r *Runtime) stepConsolidate(ctx context.Context, tick ticks.Tick) (ticks.Outcome, error) {
	if tick.Degraded {
		return ticks.OutcomeSkipped, nil
	}

	watermark, err := r.core.Vectors.MaxEpisodeID()
	if err != nil {
		return ticks.OutcomeError, fmt.Errorf("read consolidation watermark: %w", err)
	}
	episodes, err := r.core.Episodes.After(watermark, r.cfg.LLM.PerTickEmbedBudget)
	if err != nil {
		return ticks.OutcomeError, fmt.Errorf("list unembedded episodes: %w", err)
	}
	if len(episodes) == 0 {
		if r.rebuiltEpisodeStore(watermark) {
			detached, err := r.core.Vectors.DetachEpisodes()
			if err != nil {
				return ticks.OutcomeError, fmt.Errorf("detach stale vectors: %w", err)
			}
			logging.Store("Episode store was rebuilt; detached %d stale vector references", detached)
			return ticks.OutcomeDegraded, nil
		}
		return ticks.OutcomeSkipped, nil
	}

	embedded := 0
	for _, ep := range episodes {
		vec, err := r.core.LLM.Embed(ctx, ep.Description)
		if err != nil {
			label := llm.OutcomeLabel(ctx, err)
			logging.EmbeddingDebug("Consolidation stopped after %d episodes: %s", embedded, label)
			if embedded == 0 {
				return ticks.OutcomeDegraded, nil
			}
			break
		}
		if _, err := r.core.Vectors.Add(ep.ID, ep.EventType, ep.Description, vec); err != nil {
			return ticks.OutcomeError, fmt.Errorf("store vector for episode %d: %w", ep.ID, err)
		}
		embedded++
	}

	logging.Store("Consolidated %d of %d episodes", embedded, len(episodes))
	return ticks.OutcomeOK, nil
}

// rebuiltEpisodeStore reports whether the episodic store restarted its id
// sequence below the vector store's watermark, which only happens when the
// database was rebuilt from scratch. The stale references would otherwise
// freeze consolidation: every new episode sits below the watermark.
func (r *Runtime) rebuiltEpisodeStore(watermark int64) bool {
	if watermark == 0 {
		return false
	}
	latest, err := r.core.Episodes.Recent(1)
	if err != nil || len(latest) == 0 {
		return false
	}
	return latest[0].ID < watermark
}

// stepArchive moves episodes past the retention window into monthly
// archive databases, once a day.
func (r *Runtime) stepArchive(ctx context.Context, tick ticks.Tick) (ticks.Outcome, error) {
	if !r.due(&r.lastArchive, 24*time.Hour) {
		return ticks.OutcomeSkipped, nil
	}

	stats, err := r.core.Episodes.ArchiveOlderThan(ctx, r.cfg.Memory.ArchiveAfterDays)
	if err != nil {
		return ticks.OutcomeError, fmt.Errorf("archive episodes: %w", err)
	}
	if stats.EpisodesMoved > 0 {
		if _, err := r.core.Episodes.AddEpisode("memory.archived",
			fmt.Sprintf("archived %d episodes into %d chunks", stats.EpisodesMoved, stats.Chunks),
			"ok", map[string]any{"moved": stats.EpisodesMoved, "archives": stats.Archives}); err != nil {
			logging.StoreError("Failed to record archive episode: %v", err)
		}
	}
	return ticks.OutcomeOK, nil
}

// stepCleanup prunes old vectors once a day, sparing those tied to
// failure episodes.
func (r *Runtime) stepCleanup(ctx context.Context, tick ticks.Tick) (ticks.Outcome, error) {
	if !r.due(&r.lastCleanup, 24*time.Hour) {
		return ticks.OutcomeSkipped, nil
	}

	removed, err := r.core.Vectors.Cleanup(ctx, r.cfg.Memory.VectorCleanupAfterDays, r.importantEpisodeIDs())
	if err != nil {
		return ticks.OutcomeError, fmt.Errorf("vector cleanup: %w", err)
	}
	if removed > 0 {
		logging.Store("Vector cleanup removed %d rows", removed)
	}
	return ticks.OutcomeOK, nil
}

// importantEpisodeIDs collects recent failure episodes so cleanup spares
// their vectors. The scan is bounded per outcome; ancient failures
// eventually age out like everything else.
func (r *Runtime) importantEpisodeIDs() []int64 {
	var keep []int64
	for _, outcome := range salientOutcomes {
		eps, err := r.core.Episodes.ByOutcome(outcome, keepImportantScan)
		if err != nil {
			logging.StoreError("Could not list %s episodes for cleanup: %v", outcome, err)
			continue
		}
		for _, ep := range eps {
			keep = append(keep, ep.ID)
		}
	}
	return keep
}

// stepConsensusSweep settles proposals whose deadline has passed.
func (r *Runtime) stepConsensusSweep(ctx context.Context, tick ticks.Tick) (ticks.Outcome, error) {
	if r.core.Consensus == nil {
		return ticks.OutcomeSkipped, nil
	}
	settled, err := r.core.Consensus.SweepDeadlines(ctx)
	if err != nil {
		return ticks.OutcomeError, fmt.Errorf("consensus sweep: %w", err)
	}
	if settled > 0 {
		logging.Swarm("Consensus sweep settled %d proposals", settled)
	}
	return ticks.OutcomeOK, nil
}

// firstLine trims a reply down to an episode-sized description.
func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
