package swarm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"anima/internal/events"
	"anima/internal/logging"
	"anima/internal/metrics"
)

var (
	// ErrUnknownTask is returned for operations on an id the coordinator
	// has never seen.
	ErrUnknownTask = errors.New("unknown task")

	// ErrBadTransition is returned when a lifecycle operation does not
	// apply to the task's current status.
	ErrBadTransition = errors.New("invalid task transition")
)

// TaskStatus is a task's position in its lifecycle.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskAssigned  TaskStatus = "assigned"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// DefaultMaxRetries is how many times a failed task is re-queued before
// it fails terminally.
const DefaultMaxRetries = 2

// Task is one unit of delegated work.
type Task struct {
	ID                   string         `json:"id"`
	Type                 string         `json:"type"`
	Description          string         `json:"description"`
	RequiredCapabilities []string       `json:"required_capabilities,omitempty"`
	PreferredRole        Role           `json:"preferred_role,omitempty"`
	Priority             Priority       `json:"priority"`
	Status               TaskStatus     `json:"status"`
	CreatedAt            time.Time      `json:"created_at"`
	Deadline             *time.Time     `json:"deadline,omitempty"`
	AssignedAgent        string         `json:"assigned_agent,omitempty"`
	Retries              int            `json:"retries"`
	MaxRetries           int            `json:"max_retries"`
	ParentIDs            []string       `json:"parent_ids,omitempty"`
	Result               map[string]any `json:"result,omitempty"`
	FailureReason        string         `json:"failure_reason,omitempty"`
}

// Coordinator owns the task table: submission, dependency-aware
// assignment through the registry, lifecycle transitions, retry
// re-queueing, and failure cascade to dependents. Completion and terminal
// failure invoke the registered callbacks synchronously, outside the
// coordinator's lock.
type Coordinator struct {
	mu    sync.Mutex
	tasks map[string]*Task
	order []string

	registry *Registry
	bus      *MessageBus
	events   *events.Bus

	onCompleted func(Task)
	onFailed    func(Task, string)

	now func() time.Time
}

// NewCoordinator wires the coordinator to its collaborators. Any of them
// may be nil: without a registry nothing is ever assigned, without a bus
// assignment skips the notification message, without an event bus no
// task events are published.
func NewCoordinator(registry *Registry, bus *MessageBus, eventBus *events.Bus) *Coordinator {
	return &Coordinator{
		tasks:    make(map[string]*Task),
		registry: registry,
		bus:      bus,
		events:   eventBus,
		now:      time.Now,
	}
}

// SetCallbacks registers the completion and terminal-failure callbacks.
// Both run synchronously from the transition call; keep them fast. Set
// them before task traffic starts.
func (c *Coordinator) SetCallbacks(onCompleted func(Task), onFailed func(Task, string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onCompleted = onCompleted
	c.onFailed = onFailed
}

// Submit enqueues a task as pending and returns its id. A missing id is
// generated, a missing priority defaults to normal, a zero max-retries
// to DefaultMaxRetries.
func (c *Coordinator) Submit(t Task) (string, error) {
	if strings.TrimSpace(t.Type) == "" {
		return "", fmt.Errorf("%w: task type is required", ErrValidation)
	}
	if strings.TrimSpace(t.Description) == "" {
		return "", fmt.Errorf("%w: task description is required", ErrValidation)
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Priority == "" {
		t.Priority = PriorityNormal
	}
	if t.MaxRetries <= 0 {
		t.MaxRetries = DefaultMaxRetries
	}
	t.Status = TaskPending
	t.CreatedAt = c.now()
	t.AssignedAgent = ""
	t.Retries = 0

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.tasks[t.ID]; exists {
		return "", fmt.Errorf("%w: task id %s already exists", ErrValidation, t.ID)
	}
	c.tasks[t.ID] = &t
	c.order = append(c.order, t.ID)
	metrics.TasksTotal.WithLabelValues(string(TaskPending)).Inc()
	logging.Swarm("Task %s submitted: type=%s priority=%s deps=%d", t.ID, t.Type, t.Priority, len(t.ParentIDs))
	return t.ID, nil
}

// AssignPending walks pending tasks in priority order and hands each one
// whose dependencies are satisfied to the best-scoring agent. Tasks past
// their deadline fail terminally first; tasks whose parent failed cascade
// to terminal failure. Returns how many tasks were assigned.
func (c *Coordinator) AssignPending(ctx context.Context) int {
	c.mu.Lock()

	var finished []finishedTask
	now := c.now()

	// Deadline pass. A missed deadline is not retryable.
	for _, id := range c.order {
		task := c.tasks[id]
		if task.Deadline == nil || terminal(task.Status) || now.Before(*task.Deadline) {
			continue
		}
		logging.SwarmWarn("Task %s missed its deadline", task.ID)
		finished = append(finished, c.failTerminallyLocked(task, "deadline exceeded")...)
	}

	candidates := make([]*Task, 0)
	for _, id := range c.order {
		task := c.tasks[id]
		if task.Status != TaskPending {
			continue
		}
		ready, failedParent := c.dependenciesLocked(task)
		if failedParent != "" {
			finished = append(finished, c.failTerminallyLocked(task,
				fmt.Sprintf("dependency failed: %s", failedParent))...)
			continue
		}
		if ready {
			candidates = append(candidates, task)
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority.rank() != candidates[j].Priority.rank() {
			return candidates[i].Priority.rank() > candidates[j].Priority.rank()
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})

	assigned := 0
	for _, task := range candidates {
		if c.registry == nil {
			break
		}
		agent := c.registry.SelectForTask(task.RequiredCapabilities, task.PreferredRole)
		if agent == nil {
			continue
		}
		task.Status = TaskAssigned
		task.AssignedAgent = agent.ID
		c.registry.TaskStarted(agent.ID)
		metrics.TasksTotal.WithLabelValues(string(TaskAssigned)).Inc()
		logging.Swarm("Task %s assigned to %s", task.ID, agent.ID)
		assigned++

		if c.bus != nil {
			if _, err := c.bus.Send(ctx, Message{
				From:     "coordinator",
				To:       agent.ID,
				Type:     TypeCommand,
				Priority: task.Priority,
				Payload: map[string]any{
					"task_id":     task.ID,
					"task_type":   task.Type,
					"description": task.Description,
				},
			}); err != nil {
				logging.SwarmError("Failed to notify %s of task %s: %v", agent.ID, task.ID, err)
			}
		}
	}

	c.mu.Unlock()
	c.notify(ctx, finished)
	return assigned
}

// Start transitions an assigned task to running, typically when the
// assigned agent reports it has picked the work up.
func (c *Coordinator) Start(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	task, ok := c.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	if task.Status != TaskAssigned {
		return fmt.Errorf("%w: cannot start task in status %s", ErrBadTransition, task.Status)
	}
	task.Status = TaskRunning
	metrics.TasksTotal.WithLabelValues(string(TaskRunning)).Inc()
	return nil
}

// Complete finishes a task successfully and records its result.
func (c *Coordinator) Complete(ctx context.Context, id string, result map[string]any) error {
	c.mu.Lock()
	task, ok := c.tasks[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	if task.Status != TaskAssigned && task.Status != TaskRunning {
		status := task.Status
		c.mu.Unlock()
		return fmt.Errorf("%w: cannot complete task in status %s", ErrBadTransition, status)
	}
	task.Status = TaskCompleted
	task.Result = result
	if c.registry != nil && task.AssignedAgent != "" {
		c.registry.TaskFinished(task.AssignedAgent, true)
	}
	metrics.TasksTotal.WithLabelValues(string(TaskCompleted)).Inc()
	logging.Swarm("Task %s completed by %s", task.ID, task.AssignedAgent)
	finished := []finishedTask{{task: *task}}
	c.mu.Unlock()

	c.notify(ctx, finished)
	return nil
}

// Fail records a failed execution. With retries remaining the task goes
// back to pending for reassignment; otherwise it fails terminally and
// drags every dependent task down with it.
func (c *Coordinator) Fail(ctx context.Context, id, reason string) error {
	c.mu.Lock()
	task, ok := c.tasks[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	if task.Status != TaskAssigned && task.Status != TaskRunning {
		status := task.Status
		c.mu.Unlock()
		return fmt.Errorf("%w: cannot fail task in status %s", ErrBadTransition, status)
	}
	if c.registry != nil && task.AssignedAgent != "" {
		c.registry.TaskFinished(task.AssignedAgent, false)
	}

	var finished []finishedTask
	if task.Retries < task.MaxRetries {
		task.Retries++
		task.Status = TaskPending
		task.AssignedAgent = ""
		metrics.TasksTotal.WithLabelValues(string(TaskPending)).Inc()
		logging.SwarmWarn("Task %s failed (%s), re-queued (retry %d/%d)", task.ID, reason, task.Retries, task.MaxRetries)
	} else {
		finished = c.failTerminallyLocked(task, reason)
	}
	c.mu.Unlock()

	c.notify(ctx, finished)
	return nil
}

// Get returns a copy of one task.
func (c *Coordinator) Get(id string) (Task, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	task, ok := c.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *task, true
}

// List returns copies of tasks with the given status, or all tasks when
// status is empty, in submission order.
func (c *Coordinator) List(status TaskStatus) []Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Task, 0, len(c.order))
	for _, id := range c.order {
		task := c.tasks[id]
		if status != "" && task.Status != status {
			continue
		}
		out = append(out, *task)
	}
	return out
}

// Stats counts tasks by status.
func (c *Coordinator) Stats() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	stats := make(map[string]int)
	for _, task := range c.tasks {
		stats[string(task.Status)]++
	}
	return stats
}

type finishedTask struct {
	task   Task
	reason string
}

// dependenciesLocked reports whether every parent completed, and names
// the first terminally failed parent if any.
func (c *Coordinator) dependenciesLocked(task *Task) (ready bool, failedParent string) {
	for _, parent := range task.ParentIDs {
		p, ok := c.tasks[parent]
		if !ok {
			logging.SwarmDebug("Task %s waits on unknown parent %s", task.ID, parent)
			return false, ""
		}
		if p.Status == TaskFailed {
			return false, parent
		}
		if p.Status != TaskCompleted {
			return false, ""
		}
	}
	return true, ""
}

// failTerminallyLocked marks a task failed and cascades the failure to
// every dependent. Returns the failed tasks so callbacks and events fire
// after the lock is released.
func (c *Coordinator) failTerminallyLocked(task *Task, reason string) []finishedTask {
	queue := []*Task{task}
	reasons := map[string]string{task.ID: reason}
	var finished []finishedTask

	for len(queue) > 0 {
		t := queue[0]
		queue = queue[1:]
		if terminal(t.Status) {
			continue
		}
		t.Status = TaskFailed
		t.FailureReason = reasons[t.ID]
		metrics.TasksTotal.WithLabelValues(string(TaskFailed)).Inc()
		logging.SwarmError("Task %s failed terminally: %s", t.ID, t.FailureReason)
		finished = append(finished, finishedTask{task: *t, reason: t.FailureReason})

		for _, id := range c.order {
			dep := c.tasks[id]
			if terminal(dep.Status) {
				continue
			}
			for _, parent := range dep.ParentIDs {
				if parent == t.ID {
					reasons[dep.ID] = fmt.Sprintf("dependency failed: %s", t.ID)
					queue = append(queue, dep)
					break
				}
			}
		}
	}
	return finished
}

// notify invokes callbacks and publishes task events for settled tasks.
// Runs without the coordinator lock held.
func (c *Coordinator) notify(ctx context.Context, finished []finishedTask) {
	if len(finished) == 0 {
		return
	}
	c.mu.Lock()
	onCompleted, onFailed := c.onCompleted, c.onFailed
	c.mu.Unlock()

	for _, f := range finished {
		switch f.task.Status {
		case TaskCompleted:
			if onCompleted != nil {
				onCompleted(f.task)
			}
			if c.events != nil {
				c.events.Publish(ctx, events.EventTaskCompleted, map[string]any{
					"task_id": f.task.ID,
					"type":    f.task.Type,
					"agent":   f.task.AssignedAgent,
				})
			}
		case TaskFailed:
			if onFailed != nil {
				onFailed(f.task, f.reason)
			}
			if c.events != nil {
				c.events.Publish(ctx, events.EventTaskFailed, map[string]any{
					"task_id": f.task.ID,
					"type":    f.task.Type,
					"agent":   f.task.AssignedAgent,
					"reason":  f.reason,
				})
			}
		}
	}
}

func terminal(s TaskStatus) bool {
	return s == TaskCompleted || s == TaskFailed
}
