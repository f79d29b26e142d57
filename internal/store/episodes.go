package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"anima/internal/logging"
	"anima/internal/metrics"
)

// =============================================================================
// EPISODIC STORE (append-only event log)
// =============================================================================

// maxDescriptionLen caps stored descriptions. Longer text is truncated, not
// rejected; the structured payload belongs in the data column.
const maxDescriptionLen = 1024

// defaultReadLimit applies when a caller passes a non-positive limit.
const defaultReadLimit = 50

// ErrValidation marks episode writes rejected before touching the database.
var ErrValidation = errors.New("validation failed")

// Episode is one row of the append-only episodic log.
type Episode struct {
	ID          int64          `json:"id"`
	Timestamp   time.Time      `json:"timestamp"`
	EventType   string         `json:"event_type"`
	Description string         `json:"description"`
	Outcome     string         `json:"outcome"`
	Data        map[string]any `json:"data,omitempty"`
}

// ErrorRecord is one row of the errors table.
type ErrorRecord struct {
	ID          int64          `json:"id"`
	Timestamp   time.Time      `json:"timestamp"`
	EventType   string         `json:"event_type"`
	Description string         `json:"description"`
	Data        map[string]any `json:"data,omitempty"`
}

// EpisodeStore persists the agent's experience log. Writes are append-only;
// old rows leave only through archival into monthly sibling databases.
type EpisodeStore struct {
	mu         sync.RWMutex
	db         *sql.DB
	path       string
	archiveDir string
	now        func() time.Time
}

// NewEpisodeStore opens (creating if needed) the episodic database at path.
// Archives produced by ArchiveOlderThan land in archiveDir.
func NewEpisodeStore(path, archiveDir string) (*EpisodeStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "NewEpisodeStore")
	defer timer.Stop()

	logging.Store("Initializing episodic store at %s", path)

	db, err := Open(path)
	if err != nil {
		return nil, err
	}

	s := &EpisodeStore{db: db, path: path, archiveDir: archiveDir, now: time.Now}
	if err := s.initialize(); err != nil {
		logging.StoreError("Failed to initialize episodic schema: %v", err)
		db.Close()
		return nil, err
	}
	logging.StoreDebug("Episodic schema ready")
	return s, nil
}

// initialize creates the required tables and indexes.
func (s *EpisodeStore) initialize() error {
	episodesTable := `
	CREATE TABLE IF NOT EXISTS episodes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp TEXT NOT NULL,
		event_type TEXT NOT NULL,
		description TEXT NOT NULL,
		outcome TEXT NOT NULL,
		data TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_episodes_type ON episodes(event_type);
	CREATE INDEX IF NOT EXISTS idx_episodes_outcome ON episodes(outcome);
	CREATE INDEX IF NOT EXISTS idx_episodes_type_outcome ON episodes(event_type, outcome);
	CREATE INDEX IF NOT EXISTS idx_episodes_timestamp ON episodes(timestamp DESC);
	`

	errorsTable := `
	CREATE TABLE IF NOT EXISTS errors (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp TEXT NOT NULL,
		event_type TEXT NOT NULL,
		description TEXT NOT NULL,
		data TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_errors_timestamp ON errors(timestamp);
	`

	for _, table := range []string{episodesTable, errorsTable} {
		if _, err := s.db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

// AddEpisode validates and appends one episode, returning its new id.
// Outcomes are free-form labels chosen by the caller; an empty outcome is
// stored as "unknown" so the outcome indexes never carry blank keys.
// Validation failures and write failures come back as errors, never panics;
// write failures are additionally recorded in the errors table where
// possible.
func (s *EpisodeStore) AddEpisode(eventType, description, outcome string, data map[string]any) (int64, error) {
	timer := logging.StartTimer(logging.CategoryStore, "AddEpisode")
	defer timer.Stop()

	if strings.TrimSpace(description) == "" {
		return 0, fmt.Errorf("%w: description is empty", ErrValidation)
	}
	description = truncateDescription(description)
	if outcome == "" {
		outcome = "unknown"
	}

	dataJSON, err := encodeData(data)
	if err != nil {
		return 0, fmt.Errorf("%w: data does not JSON-encode: %v", ErrValidation, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ts := FormatTimestamp(s.now())
	res, err := s.db.Exec(
		"INSERT INTO episodes (timestamp, event_type, description, outcome, data) VALUES (?, ?, ?, ?, ?)",
		ts, eventType, description, outcome, dataJSON,
	)
	if err != nil {
		logging.StoreError("Failed to write episode (type=%s): %v", eventType, err)
		s.recordErrorLocked("store.write_failed", fmt.Sprintf("episode write failed: %v", err), map[string]any{
			"event_type": eventType,
			"outcome":    outcome,
		})
		return 0, fmt.Errorf("failed to write episode: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read episode id: %w", err)
	}

	metrics.EpisodesTotal.WithLabelValues(outcome).Inc()
	logging.StoreDebug("Episode %d recorded (type=%s, outcome=%s)", id, eventType, outcome)
	return id, nil
}

// RecordError appends one row to the errors table. Unlike episodes, error
// records carry no outcome.
func (s *EpisodeStore) RecordError(eventType, description string, data map[string]any) error {
	if description == "" {
		return fmt.Errorf("%w: description is empty", ErrValidation)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recordErrorLocked(eventType, description, data)
}

func (s *EpisodeStore) recordErrorLocked(eventType, description string, data map[string]any) error {
	description = truncateDescription(description)
	dataJSON, err := encodeData(data)
	if err != nil {
		dataJSON = sql.NullString{}
	}
	_, err = s.db.Exec(
		"INSERT INTO errors (timestamp, event_type, description, data) VALUES (?, ?, ?, ?)",
		FormatTimestamp(s.now()), eventType, description, dataJSON,
	)
	if err != nil {
		logging.StoreError("Failed to record error row (type=%s): %v", eventType, err)
		return fmt.Errorf("failed to record error: %w", err)
	}
	return nil
}

// Recent returns the n most-recent episodes, newest first.
func (s *EpisodeStore) Recent(n int) ([]Episode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		"SELECT id, timestamp, event_type, description, outcome, data FROM episodes ORDER BY timestamp DESC, id DESC LIMIT ?",
		readLimit(n),
	)
	if err != nil {
		logging.StoreError("Failed to query recent episodes: %v", err)
		return nil, err
	}
	defer rows.Close()
	return scanEpisodes(rows)
}

// ByType returns the n most-recent episodes of one event type, newest first.
func (s *EpisodeStore) ByType(eventType string, n int) ([]Episode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		"SELECT id, timestamp, event_type, description, outcome, data FROM episodes WHERE event_type = ? ORDER BY timestamp DESC, id DESC LIMIT ?",
		eventType, readLimit(n),
	)
	if err != nil {
		logging.StoreError("Failed to query episodes by type=%s: %v", eventType, err)
		return nil, err
	}
	defer rows.Close()
	return scanEpisodes(rows)
}

// After returns up to n episodes with id greater than sinceID, oldest
// first. The consolidation step walks the log this way so every episode
// is embedded exactly once.
func (s *EpisodeStore) After(sinceID int64, n int) ([]Episode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		"SELECT id, timestamp, event_type, description, outcome, data FROM episodes WHERE id > ? ORDER BY id ASC LIMIT ?",
		sinceID, readLimit(n),
	)
	if err != nil {
		logging.StoreError("Failed to query episodes after id=%d: %v", sinceID, err)
		return nil, err
	}
	defer rows.Close()
	return scanEpisodes(rows)
}

// ByOutcome returns the n most-recent episodes with one outcome, newest first.
func (s *EpisodeStore) ByOutcome(outcome string, n int) ([]Episode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		"SELECT id, timestamp, event_type, description, outcome, data FROM episodes WHERE outcome = ? ORDER BY timestamp DESC, id DESC LIMIT ?",
		outcome, readLimit(n),
	)
	if err != nil {
		logging.StoreError("Failed to query episodes by outcome=%s: %v", outcome, err)
		return nil, err
	}
	defer rows.Close()
	return scanEpisodes(rows)
}

// Errors returns the n most-recent error records, newest first.
func (s *EpisodeStore) Errors(n int) ([]ErrorRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		"SELECT id, timestamp, event_type, description, data FROM errors ORDER BY timestamp DESC, id DESC LIMIT ?",
		readLimit(n),
	)
	if err != nil {
		logging.StoreError("Failed to query error records: %v", err)
		return nil, err
	}
	defer rows.Close()

	var records []ErrorRecord
	for rows.Next() {
		var rec ErrorRecord
		var ts string
		var dataJSON sql.NullString
		if err := rows.Scan(&rec.ID, &ts, &rec.EventType, &rec.Description, &dataJSON); err != nil {
			continue
		}
		rec.Timestamp = ParseTimestamp(ts)
		rec.Data = decodeData(dataJSON)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Count returns the number of episodes currently in the primary database.
func (s *EpisodeStore) Count() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	if err := s.db.QueryRow("SELECT COUNT(*) FROM episodes").Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// Stats returns per-table row counts.
func (s *EpisodeStore) Stats() map[string]int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return tableCounts(s.db, "episodes", "errors")
}

// Health verifies the database answers queries.
func (s *EpisodeStore) Health(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("episodic store unhealthy: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *EpisodeStore) Close() error {
	logging.Store("Closing episodic store")
	return s.db.Close()
}

// truncateDescription caps a description at maxDescriptionLen bytes,
// backing off to a rune boundary so the stored text stays valid UTF-8.
func truncateDescription(s string) string {
	if len(s) <= maxDescriptionLen {
		return s
	}
	cut := maxDescriptionLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func readLimit(n int) int {
	if n <= 0 {
		return defaultReadLimit
	}
	return n
}

func scanEpisodes(rows *sql.Rows) ([]Episode, error) {
	var episodes []Episode
	for rows.Next() {
		var ep Episode
		var ts string
		var dataJSON sql.NullString
		if err := rows.Scan(&ep.ID, &ts, &ep.EventType, &ep.Description, &ep.Outcome, &dataJSON); err != nil {
			continue
		}
		ep.Timestamp = ParseTimestamp(ts)
		ep.Data = decodeData(dataJSON)
		episodes = append(episodes, ep)
	}
	return episodes, rows.Err()
}

func encodeData(data map[string]any) (sql.NullString, error) {
	if data == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func decodeData(dataJSON sql.NullString) map[string]any {
	if !dataJSON.Valid || dataJSON.String == "" {
		return nil
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(dataJSON.String), &data); err != nil {
		return nil
	}
	return data
}
