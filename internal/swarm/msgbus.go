package swarm

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"anima/internal/logging"
	"anima/internal/metrics"
	"anima/internal/store"
)

// ErrNotInFlight is returned when acking or failing a message that is not
// currently claimed.
var ErrNotInFlight = errors.New("message not in-flight")

// MessageType classifies bus traffic.
type MessageType string

const (
	TypeRequest      MessageType = "request"
	TypeResponse     MessageType = "response"
	TypeBroadcast    MessageType = "broadcast"
	TypeNotification MessageType = "notification"
	TypeCommand      MessageType = "command"
)

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	switch t {
	case TypeRequest, TypeResponse, TypeBroadcast, TypeNotification, TypeCommand:
		return true
	}
	return false
}

// Priority orders delivery: urgent before high before normal before low.
// Within a priority, delivery is FIFO by creation time.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func (p Priority) rank() int {
	switch p {
	case PriorityUrgent:
		return 3
	case PriorityHigh:
		return 2
	case PriorityLow:
		return 0
	default:
		return 1
	}
}

func priorityFromRank(rank int) Priority {
	switch rank {
	case 3:
		return PriorityUrgent
	case 2:
		return PriorityHigh
	case 0:
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// Message statuses. A message is pending until a receiver claims it,
// in-flight while claimed, and terminal on ack or failure.
const (
	MessagePending  = "pending"
	MessageInFlight = "in-flight"
	MessageAcked    = "acked"
	MessageFailed   = "failed"
)

// TopicPrefix marks a recipient as a broadcast topic: sending to
// "@topic:research" fans the message out to every subscriber of
// "research", one copy each.
const TopicPrefix = "@topic:"

// Message is one unit of agent-to-agent traffic.
type Message struct {
	ID          string         `json:"id"`
	From        string         `json:"from"`
	To          string         `json:"to"`
	Type        MessageType    `json:"type"`
	Priority    Priority       `json:"priority"`
	Payload     map[string]any `json:"payload,omitempty"`
	Status      string         `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	ProcessedAt *time.Time     `json:"processed_at,omitempty"`
	Retries     int            `json:"retries"`
	ExpiresAt   *time.Time     `json:"expires_at,omitempty"`
}

// QueueStats summarizes bus state for health and introspection.
type QueueStats struct {
	ByStatus          map[string]int64 `json:"by_status"`
	PendingByPriority map[string]int64 `json:"pending_by_priority"`
	DeadLetters       int64            `json:"dead_letters"`
}

const (
	defaultReceiveBatch      = 10
	defaultVisibilityTimeout = 60 * time.Second
	defaultMaxDeliveries     = 3
	defaultPollInterval      = 2 * time.Second
)

// BusConfig tunes redelivery behavior. Zero fields take the defaults.
type BusConfig struct {
	// VisibilityTimeout is how long a claim holds before the sweeper
	// treats the receiver as gone.
	VisibilityTimeout time.Duration

	// MaxDeliveries bounds redeliveries before a message dead-letters.
	MaxDeliveries int

	// PollInterval is the ReceiveWait fallback poll for sends from other
	// processes.
	PollInterval time.Duration
}

func (c BusConfig) withDefaults() BusConfig {
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = defaultVisibilityTimeout
	}
	if c.MaxDeliveries <= 0 {
		c.MaxDeliveries = defaultMaxDeliveries
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	return c
}

// MessageBus is the durable local bus agents on one host coordinate
// through. Rows live in a WAL-mode SQLite file, so claims are race-free
// across processes; the in-process notifier only shortcuts the poll
// interval for receivers in the same process.
type MessageBus struct {
	db   *sql.DB
	path string

	visibilityTimeout time.Duration
	maxDeliveries     int
	pollInterval      time.Duration

	notifyMu sync.Mutex
	waiters  map[string]chan struct{}

	now func() time.Time
}

// NewMessageBus opens (or creates) the bus database at path.
func NewMessageBus(path string, cfg BusConfig) (*MessageBus, error) {
	cfg = cfg.withDefaults()
	db, err := store.Open(path)
	if err != nil {
		return nil, err
	}

	b := &MessageBus{
		db:                db,
		path:              path,
		visibilityTimeout: cfg.VisibilityTimeout,
		maxDeliveries:     cfg.MaxDeliveries,
		pollInterval:      cfg.PollInterval,
		waiters:           make(map[string]chan struct{}),
		now:               time.Now,
	}
	if err := b.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	logging.Swarm("Message bus ready at %s", path)
	return b, nil
}

func (b *MessageBus) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		from_agent TEXT NOT NULL,
		to_agent TEXT NOT NULL,
		type TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 1,
		payload TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		created_at TEXT NOT NULL,
		processed_at TEXT,
		retries INTEGER NOT NULL DEFAULT 0,
		expires_at TEXT,
		claim_token TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_messages_recipient ON messages(to_agent, status);
	CREATE INDEX IF NOT EXISTS idx_messages_dispatch ON messages(status, priority DESC, created_at);

	CREATE TABLE IF NOT EXISTS subscriptions (
		topic TEXT NOT NULL,
		agent TEXT NOT NULL,
		PRIMARY KEY (topic, agent)
	);

	CREATE TABLE IF NOT EXISTS dead_letters (
		id TEXT PRIMARY KEY,
		from_agent TEXT NOT NULL,
		to_agent TEXT NOT NULL,
		type TEXT NOT NULL,
		priority INTEGER NOT NULL,
		payload TEXT,
		retries INTEGER NOT NULL,
		reason TEXT NOT NULL,
		failed_at TEXT NOT NULL
	);
	`
	if _, err := b.db.Exec(schema); err != nil {
		logging.StoreError("Failed to initialize message bus schema: %v", err)
		return fmt.Errorf("failed to initialize message bus schema: %w", err)
	}
	return nil
}

// Send enqueues a message and returns its id. A missing id is generated,
// a missing type defaults to request, a missing priority to normal. A
// recipient of the form "@topic:<name>" fans out one copy per subscriber;
// the returned id is the logical message id, each copy gets its own.
func (b *MessageBus) Send(ctx context.Context, msg Message) (string, error) {
	if strings.TrimSpace(msg.From) == "" {
		return "", fmt.Errorf("%w: message sender is required", ErrValidation)
	}
	if strings.TrimSpace(msg.To) == "" {
		return "", fmt.Errorf("%w: message recipient is required", ErrValidation)
	}
	if msg.Type == "" {
		msg.Type = TypeRequest
	}
	if !msg.Type.Valid() {
		return "", fmt.Errorf("%w: unknown message type %q", ErrValidation, msg.Type)
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	payload, err := encodePayload(msg.Payload)
	if err != nil {
		return "", fmt.Errorf("%w: payload not serializable: %v", ErrValidation, err)
	}
	createdAt := store.FormatTimestamp(b.now())
	var expiresAt any
	if msg.ExpiresAt != nil {
		expiresAt = store.FormatTimestamp(*msg.ExpiresAt)
	}

	if topic, ok := strings.CutPrefix(msg.To, TopicPrefix); ok {
		subscribers, err := b.Subscribers(ctx, topic)
		if err != nil {
			return "", err
		}
		if len(subscribers) == 0 {
			logging.SwarmDebug("Topic %s has no subscribers, message %s dropped", topic, msg.ID)
			return msg.ID, nil
		}
		for _, agent := range subscribers {
			if _, err := b.db.ExecContext(ctx,
				`INSERT INTO messages (id, from_agent, to_agent, type, priority, payload, status, created_at, expires_at)
				 VALUES (?, ?, ?, ?, ?, ?, 'pending', ?, ?)`,
				uuid.NewString(), msg.From, agent, string(msg.Type), msg.Priority.rank(), payload, createdAt, expiresAt); err != nil {
				return "", fmt.Errorf("failed to fan out to %s: %w", agent, err)
			}
			metrics.BusMessages.WithLabelValues(MessagePending).Inc()
			b.wake(agent)
		}
		logging.SwarmDebug("Message %s fanned out to %d subscribers of %s", msg.ID, len(subscribers), topic)
		return msg.ID, nil
	}

	if _, err := b.db.ExecContext(ctx,
		`INSERT INTO messages (id, from_agent, to_agent, type, priority, payload, status, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, 'pending', ?, ?)`,
		msg.ID, msg.From, msg.To, string(msg.Type), msg.Priority.rank(), payload, createdAt, expiresAt); err != nil {
		logging.SwarmError("Failed to send message from %s to %s: %v", msg.From, msg.To, err)
		return "", fmt.Errorf("failed to send message: %w", err)
	}
	metrics.BusMessages.WithLabelValues(MessagePending).Inc()
	b.wake(msg.To)
	return msg.ID, nil
}

// Receive atomically claims up to max pending messages for agent, moving
// them to in-flight. The claim is a token write followed by a read of the
// tokened rows, so concurrent receivers for the same agent never see the
// same message, in this process or another.
func (b *MessageBus) Receive(ctx context.Context, agent string, max int) ([]Message, error) {
	if max <= 0 {
		max = defaultReceiveBatch
	}
	token := uuid.NewString()
	nowText := store.FormatTimestamp(b.now())

	res, err := b.db.ExecContext(ctx,
		`UPDATE messages SET status = 'in-flight', processed_at = ?, claim_token = ?
		 WHERE id IN (
			SELECT id FROM messages
			WHERE to_agent = ? AND status = 'pending'
			  AND (expires_at IS NULL OR expires_at > ?)
			ORDER BY priority DESC, created_at ASC
			LIMIT ?
		 )`,
		nowText, token, agent, nowText, max)
	if err != nil {
		logging.SwarmError("Failed to claim messages for %s: %v", agent, err)
		return nil, fmt.Errorf("failed to claim messages: %w", err)
	}
	claimed, _ := res.RowsAffected()
	if claimed == 0 {
		return nil, nil
	}
	metrics.BusMessages.WithLabelValues(MessageInFlight).Add(float64(claimed))

	rows, err := b.db.QueryContext(ctx,
		`SELECT id, from_agent, to_agent, type, priority, payload, status, created_at, processed_at, retries, expires_at
		 FROM messages WHERE claim_token = ?
		 ORDER BY priority DESC, created_at ASC`, token)
	if err != nil {
		return nil, fmt.Errorf("failed to read claimed messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows), nil
}

// ReceiveWait blocks until a message arrives for agent or the timeout
// elapses. Wakeups come from in-process sends; a poll every 2s guards
// against sends from other processes. Returns an empty slice on timeout.
func (b *MessageBus) ReceiveWait(ctx context.Context, agent string, timeout time.Duration) ([]Message, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	poll := time.NewTicker(b.pollInterval)
	defer poll.Stop()

	for {
		// Take the wake channel before polling so a send that lands
		// between the two is buffered, not lost.
		wake := b.waiter(agent)
		msgs, err := b.Receive(ctx, agent, defaultReceiveBatch)
		if err != nil || len(msgs) > 0 {
			return msgs, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case <-wake:
		case <-poll.C:
		}
	}
}

// Ack completes an in-flight message.
func (b *MessageBus) Ack(ctx context.Context, id string) error {
	res, err := b.db.ExecContext(ctx,
		`UPDATE messages SET status = 'acked', processed_at = ?, claim_token = NULL
		 WHERE id = ? AND status = 'in-flight'`,
		store.FormatTimestamp(b.now()), id)
	if err != nil {
		return fmt.Errorf("failed to ack message %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotInFlight, id)
	}
	metrics.BusMessages.WithLabelValues(MessageAcked).Inc()
	return nil
}

// Fail terminally fails an in-flight message and appends it to the
// dead-letter table with the given reason.
func (b *MessageBus) Fail(ctx context.Context, id, reason string) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin fail transaction: %w", err)
	}
	defer tx.Rollback()

	nowText := store.FormatTimestamp(b.now())
	res, err := tx.ExecContext(ctx,
		`UPDATE messages SET status = 'failed', retries = retries + 1, processed_at = ?, claim_token = NULL
		 WHERE id = ? AND status = 'in-flight'`, nowText, id)
	if err != nil {
		return fmt.Errorf("failed to fail message %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotInFlight, id)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO dead_letters (id, from_agent, to_agent, type, priority, payload, retries, reason, failed_at)
		 SELECT id, from_agent, to_agent, type, priority, payload, retries, ?, ? FROM messages WHERE id = ?`,
		reason, nowText, id); err != nil {
		return fmt.Errorf("failed to dead-letter message %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit fail of %s: %w", id, err)
	}
	metrics.BusMessages.WithLabelValues(MessageFailed).Inc()
	logging.SwarmWarn("Message %s failed: %s", id, reason)
	return nil
}

// SweepStats reports what one maintenance pass changed.
type SweepStats struct {
	Requeued  int `json:"requeued"`
	Exhausted int `json:"exhausted"`
	Expired   int `json:"expired"`
}

// Sweep restores liveness: in-flight messages whose visibility timeout
// lapsed go back to pending with a retry increment, or to failed plus
// dead-letter once their deliveries are exhausted; expired messages go to
// failed plus dead-letter. Run from a scheduler step.
func (b *MessageBus) Sweep(ctx context.Context) (SweepStats, error) {
	var stats SweepStats
	now := b.now()
	nowText := store.FormatTimestamp(now)
	staleBefore := store.FormatTimestamp(now.Add(-b.visibilityTimeout))

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return stats, fmt.Errorf("failed to begin sweep: %w", err)
	}
	defer tx.Rollback()

	// Expired first so a stale claim on an expired message cannot requeue it.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO dead_letters (id, from_agent, to_agent, type, priority, payload, retries, reason, failed_at)
		 SELECT id, from_agent, to_agent, type, priority, payload, retries, 'expired', ?
		 FROM messages
		 WHERE status IN ('pending', 'in-flight') AND expires_at IS NOT NULL AND expires_at <= ?`,
		nowText, nowText); err != nil {
		return stats, fmt.Errorf("failed to dead-letter expired messages: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE messages SET status = 'failed', processed_at = ?, claim_token = NULL
		 WHERE status IN ('pending', 'in-flight') AND expires_at IS NOT NULL AND expires_at <= ?`,
		nowText, nowText)
	if err != nil {
		return stats, fmt.Errorf("failed to expire messages: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		stats.Expired = int(n)
	}

	// Claims past the visibility timeout with deliveries exhausted.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO dead_letters (id, from_agent, to_agent, type, priority, payload, retries, reason, failed_at)
		 SELECT id, from_agent, to_agent, type, priority, payload, retries + 1, 'visibility timeout, retries exhausted', ?
		 FROM messages
		 WHERE status = 'in-flight' AND processed_at < ? AND retries + 1 > ?`,
		nowText, staleBefore, b.maxDeliveries); err != nil {
		return stats, fmt.Errorf("failed to dead-letter exhausted messages: %w", err)
	}
	res, err = tx.ExecContext(ctx,
		`UPDATE messages SET status = 'failed', retries = retries + 1, processed_at = ?, claim_token = NULL
		 WHERE status = 'in-flight' AND processed_at < ? AND retries + 1 > ?`,
		nowText, staleBefore, b.maxDeliveries)
	if err != nil {
		return stats, fmt.Errorf("failed to fail exhausted messages: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		stats.Exhausted = int(n)
	}

	// Remaining stale claims go back to pending for redelivery.
	res, err = tx.ExecContext(ctx,
		`UPDATE messages SET status = 'pending', retries = retries + 1, processed_at = NULL, claim_token = NULL
		 WHERE status = 'in-flight' AND processed_at < ?`,
		staleBefore)
	if err != nil {
		return stats, fmt.Errorf("failed to requeue stale messages: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		stats.Requeued = int(n)
	}

	if err := tx.Commit(); err != nil {
		return stats, fmt.Errorf("failed to commit sweep: %w", err)
	}

	if stats.Requeued > 0 || stats.Exhausted > 0 || stats.Expired > 0 {
		logging.Swarm("Bus sweep: %d requeued, %d exhausted, %d expired",
			stats.Requeued, stats.Exhausted, stats.Expired)
		metrics.BusMessages.WithLabelValues(MessageFailed).Add(float64(stats.Exhausted + stats.Expired))
		metrics.BusMessages.WithLabelValues(MessagePending).Add(float64(stats.Requeued))
	}
	return stats, nil
}

// Subscribe adds agent to a topic's fan-out list. Idempotent.
func (b *MessageBus) Subscribe(ctx context.Context, topic, agent string) error {
	if strings.TrimSpace(topic) == "" || strings.TrimSpace(agent) == "" {
		return fmt.Errorf("%w: topic and agent are required", ErrValidation)
	}
	if _, err := b.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO subscriptions (topic, agent) VALUES (?, ?)`, topic, agent); err != nil {
		return fmt.Errorf("failed to subscribe %s to %s: %w", agent, topic, err)
	}
	logging.SwarmDebug("Agent %s subscribed to topic %s", agent, topic)
	return nil
}

// Unsubscribe removes agent from a topic's fan-out list. Idempotent.
func (b *MessageBus) Unsubscribe(ctx context.Context, topic, agent string) error {
	if _, err := b.db.ExecContext(ctx,
		`DELETE FROM subscriptions WHERE topic = ? AND agent = ?`, topic, agent); err != nil {
		return fmt.Errorf("failed to unsubscribe %s from %s: %w", agent, topic, err)
	}
	return nil
}

// Subscribers lists the agents subscribed to a topic, sorted.
func (b *MessageBus) Subscribers(ctx context.Context, topic string) ([]string, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT agent FROM subscriptions WHERE topic = ? ORDER BY agent`, topic)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscribers of %s: %w", topic, err)
	}
	defer rows.Close()

	var agents []string
	for rows.Next() {
		var agent string
		if err := rows.Scan(&agent); err != nil {
			continue
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

// QueueStats reports message counts by status, pending counts by
// priority, and the dead-letter depth.
func (b *MessageBus) QueueStats(ctx context.Context) (QueueStats, error) {
	stats := QueueStats{
		ByStatus:          make(map[string]int64),
		PendingByPriority: make(map[string]int64),
	}

	rows, err := b.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM messages GROUP BY status`)
	if err != nil {
		return stats, fmt.Errorf("failed to count messages by status: %w", err)
	}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err == nil {
			stats.ByStatus[status] = n
		}
	}
	rows.Close()

	rows, err = b.db.QueryContext(ctx,
		`SELECT priority, COUNT(*) FROM messages WHERE status = 'pending' GROUP BY priority`)
	if err != nil {
		return stats, fmt.Errorf("failed to count pending by priority: %w", err)
	}
	for rows.Next() {
		var rank int
		var n int64
		if err := rows.Scan(&rank, &n); err == nil {
			stats.PendingByPriority[string(priorityFromRank(rank))] = n
		}
	}
	rows.Close()

	if err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&stats.DeadLetters); err != nil {
		logging.StoreDebug("Failed to count dead letters: %v", err)
	}
	return stats, nil
}

// Health verifies the database answers queries.
func (b *MessageBus) Health(ctx context.Context) error {
	var one int
	return b.db.QueryRowContext(ctx, "SELECT 1").Scan(&one)
}

// Close releases the database handle.
func (b *MessageBus) Close() error {
	logging.StoreDebug("Closing message bus at %s", b.path)
	return b.db.Close()
}

// waiter returns the wake channel for an agent, creating it on first use.
func (b *MessageBus) waiter(agent string) <-chan struct{} {
	b.notifyMu.Lock()
	defer b.notifyMu.Unlock()
	ch, ok := b.waiters[agent]
	if !ok {
		ch = make(chan struct{}, 1)
		b.waiters[agent] = ch
	}
	return ch
}

// wake nudges a blocked ReceiveWait for the agent, if any. Non-blocking;
// a missed wake is recovered by the poll fallback.
func (b *MessageBus) wake(agent string) {
	b.notifyMu.Lock()
	ch, ok := b.waiters[agent]
	b.notifyMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

func scanMessages(rows *sql.Rows) []Message {
	var out []Message
	for rows.Next() {
		var m Message
		var rank, retries int
		var typ, createdAt string
		var payload, processedAt, expiresAt sql.NullString
		if err := rows.Scan(&m.ID, &m.From, &m.To, &typ, &rank, &payload, &m.Status,
			&createdAt, &processedAt, &retries, &expiresAt); err != nil {
			logging.StoreWarn("Skipping unreadable message row: %v", err)
			continue
		}
		m.Type = MessageType(typ)
		m.Priority = priorityFromRank(rank)
		m.Retries = retries
		m.CreatedAt = store.ParseTimestamp(createdAt)
		if processedAt.Valid {
			t := store.ParseTimestamp(processedAt.String)
			m.ProcessedAt = &t
		}
		if expiresAt.Valid {
			t := store.ParseTimestamp(expiresAt.String)
			m.ExpiresAt = &t
		}
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &m.Payload); err != nil {
				logging.StoreWarn("Message %s has unreadable payload: %v", m.ID, err)
			}
		}
		out = append(out, m)
	}
	return out
}

func encodePayload(payload map[string]any) (sql.NullString, error) {
	if payload == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}
