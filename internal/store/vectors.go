package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"anima/internal/logging"
	"anima/internal/metrics"
)

// =============================================================================
// VECTOR STORE (semantic memory)
// =============================================================================

var (
	// ErrDimensionMismatch marks vectors whose length disagrees with the
	// dimensionality the store was built for.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrInvalidVector marks vectors containing NaN or Inf, or with zero
	// norm (such a vector cannot be unit-normalized and carries no signal).
	ErrInvalidVector = errors.New("invalid embedding vector")
)

// defaultTopK applies when a caller passes a non-positive k.
const defaultTopK = 10

// cleanupVacuumThreshold is the deletion count past which cleanup reclaims
// file space with VACUUM.
const cleanupVacuumThreshold = 100

// SearchResult is one scored row returned by TopK, best first.
type SearchResult struct {
	ID        int64     `json:"id"`
	EpisodeID int64     `json:"episode_id,omitempty"`
	EventType string    `json:"event_type"`
	Text      string    `json:"text"`
	Score     float64   `json:"score"`
	CreatedAt time.Time `json:"created_at"`
}

// VectorStore persists unit-normalized embeddings as float32 little-endian
// blobs and answers cosine-similarity searches over them. Every vector in
// the store has the same dimensionality, fixed at creation and enforced on
// reopen.
type VectorStore struct {
	mu   sync.RWMutex
	db   *sql.DB
	path string
	dims int
	now  func() time.Time
}

// NewVectorStore opens (creating if needed) the vector database at path.
// dims fixes the embedding dimensionality; reopening an existing store with
// a different value fails rather than silently mixing vector spaces.
func NewVectorStore(path string, dims int) (*VectorStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "NewVectorStore")
	defer timer.Stop()

	if dims <= 0 {
		return nil, fmt.Errorf("%w: dimensions must be positive, got %d", ErrValidation, dims)
	}

	logging.Store("Initializing vector store at %s (dims=%d)", path, dims)

	db, err := Open(path)
	if err != nil {
		return nil, err
	}

	s := &VectorStore{db: db, path: path, dims: dims, now: time.Now}
	if err := s.initialize(); err != nil {
		logging.StoreError("Failed to initialize vector schema: %v", err)
		db.Close()
		return nil, err
	}

	var n int64
	if err := db.QueryRow("SELECT COUNT(*) FROM vectors").Scan(&n); err == nil {
		metrics.VectorRecords.Set(float64(n))
	}
	logging.StoreDebug("Vector schema ready (%d records)", n)
	return s, nil
}

// initialize creates the schema and pins the store's dimensionality.
func (s *VectorStore) initialize() error {
	vectorsTable := `
	CREATE TABLE IF NOT EXISTS vectors (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		episode_id INTEGER,
		event_type TEXT NOT NULL,
		text TEXT NOT NULL,
		embedding BLOB NOT NULL,
		created_at REAL NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_vectors_episode ON vectors(episode_id);
	CREATE INDEX IF NOT EXISTS idx_vectors_type ON vectors(event_type);
	`

	metaTable := `
	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`

	for _, table := range []string{vectorsTable, metaTable} {
		if _, err := s.db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	var stored string
	err := s.db.QueryRow("SELECT value FROM meta WHERE key = 'dimensions'").Scan(&stored)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := s.db.Exec("INSERT INTO meta (key, value) VALUES ('dimensions', ?)", strconv.Itoa(s.dims)); err != nil {
			return fmt.Errorf("failed to record dimensions: %w", err)
		}
	case err != nil:
		return fmt.Errorf("failed to read dimensions: %w", err)
	default:
		if prev, convErr := strconv.Atoi(stored); convErr == nil && prev != s.dims {
			return fmt.Errorf("%w: store built for %d dimensions, configured %d", ErrDimensionMismatch, prev, s.dims)
		}
	}
	return nil
}

// Dimensions returns the embedding dimensionality this store enforces.
func (s *VectorStore) Dimensions() int {
	return s.dims
}

// Add validates, unit-normalizes, and inserts one embedding, returning its
// new id. episodeID <= 0 stores NULL, for vectors not tied to an episode.
func (s *VectorStore) Add(episodeID int64, eventType, text string, embedding []float32) (int64, error) {
	timer := logging.StartTimer(logging.CategoryStore, "VectorAdd")
	defer timer.Stop()

	unit, err := s.normalize(embedding)
	if err != nil {
		logging.StoreError("Rejected vector (type=%s): %v", eventType, err)
		return 0, err
	}

	var episodeRef any
	if episodeID > 0 {
		episodeRef = episodeID
	}
	createdAt := float64(s.now().UnixMicro()) / 1e6

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		"INSERT INTO vectors (episode_id, event_type, text, embedding, created_at) VALUES (?, ?, ?, ?, ?)",
		episodeRef, eventType, text, encodeVector(unit), createdAt,
	)
	if err != nil {
		logging.StoreError("Failed to insert vector (type=%s): %v", eventType, err)
		return 0, fmt.Errorf("failed to insert vector: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read vector id: %w", err)
	}

	metrics.VectorRecords.Inc()
	logging.StoreDebug("Vector %d stored (type=%s, text length=%d)", id, eventType, len(text))
	return id, nil
}

// TopK returns the k most similar records to the query vector, best first.
// Candidates are the newest maxCandidates rows (all matching rows when
// maxCandidates <= 0), optionally filtered by event type. Scores are dot
// products, which equal cosine similarity since stored vectors and the
// query are unit-normalized. Ties go to the most recent record. Scoring a
// large candidate set can take a while, so cancellation is honored between
// rows; a cancelled search returns no partial results.
func (s *VectorStore) TopK(ctx context.Context, query []float32, k int, typeFilter string, maxCandidates int) ([]SearchResult, error) {
	timer := logging.StartTimer(logging.CategoryStore, "VectorTopK")
	defer timer.Stop()

	if k <= 0 {
		k = defaultTopK
	}

	unit, err := s.normalize(query)
	if err != nil {
		logging.StoreError("Rejected search query vector: %v", err)
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var sb strings.Builder
	sb.WriteString("SELECT id, episode_id, event_type, text, embedding, created_at FROM vectors")
	var args []any
	if typeFilter != "" {
		sb.WriteString(" WHERE event_type = ?")
		args = append(args, typeFilter)
	}
	sb.WriteString(" ORDER BY created_at DESC, id DESC")
	if maxCandidates > 0 {
		sb.WriteString(" LIMIT ?")
		args = append(args, maxCandidates)
	}

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		logging.StoreError("Vector search query failed: %v", err)
		return nil, err
	}
	defer rows.Close()

	var results []SearchResult
	candidates := 0
	for rows.Next() {
		if err := ctx.Err(); err != nil {
			logging.StoreDebug("Vector search cancelled after %d candidates", candidates)
			return nil, err
		}
		var id int64
		var episodeID sql.NullInt64
		var eventType, text string
		var blob []byte
		var createdAt float64
		if err := rows.Scan(&id, &episodeID, &eventType, &text, &blob, &createdAt); err != nil {
			continue
		}
		candidates++

		vec, ok := decodeVector(blob, s.dims)
		if !ok {
			logging.StoreWarn("Skipping vector %d with malformed blob (%d bytes)", id, len(blob))
			continue
		}

		results = append(results, SearchResult{
			ID:        id,
			EpisodeID: episodeID.Int64,
			EventType: eventType,
			Text:      text,
			Score:     dot(unit, vec),
			CreatedAt: time.UnixMicro(int64(math.Round(createdAt * 1e6))).UTC(),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Candidates arrive newest first, so the stable sort leaves ties in
	// most-recent-first order.
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > k {
		results = results[:k]
	}

	logging.StoreDebug("Vector search scored %d candidates, returning %d", candidates, len(results))
	return results, nil
}

// Cleanup deletes vectors older than the cutoff, preserving any whose
// episode id appears in keepEpisodeIDs. Large deletions are followed by a
// VACUUM to reclaim file space. Returns the number of rows removed.
func (s *VectorStore) Cleanup(ctx context.Context, olderThanDays int, keepEpisodeIDs []int64) (int64, error) {
	timer := logging.StartTimer(logging.CategoryStore, "VectorCleanup")
	defer timer.Stop()

	if olderThanDays <= 0 {
		return 0, fmt.Errorf("%w: olderThanDays must be positive", ErrValidation)
	}
	cutoff := float64(s.now().AddDate(0, 0, -olderThanDays).UnixMicro()) / 1e6

	s.mu.Lock()
	defer s.mu.Unlock()

	query := "DELETE FROM vectors WHERE created_at < ?"
	args := []any{cutoff}
	if len(keepEpisodeIDs) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keepEpisodeIDs)), ",")
		query += " AND (episode_id IS NULL OR episode_id NOT IN (" + placeholders + "))"
		for _, id := range keepEpisodeIDs {
			args = append(args, id)
		}
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		logging.StoreError("Vector cleanup failed: %v", err)
		return 0, fmt.Errorf("vector cleanup failed: %w", err)
	}
	removed, _ := res.RowsAffected()
	metrics.VectorRecords.Sub(float64(removed))

	if removed >= cleanupVacuumThreshold {
		if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
			logging.StoreWarn("VACUUM after vector cleanup failed: %v", err)
		}
	}

	logging.Store("Vector cleanup removed %d records older than %d days (%d preserved ids)", removed, olderThanDays, len(keepEpisodeIDs))
	return removed, nil
}

// DetachEpisodes nulls every episode reference while keeping the vectors
// themselves. After the episodic store is rebuilt the old ids point at
// nothing, but the embeddings are still worth searching.
func (s *VectorStore) DetachEpisodes() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("UPDATE vectors SET episode_id = NULL WHERE episode_id IS NOT NULL")
	if err != nil {
		logging.StoreError("Failed to detach episode references: %v", err)
		return 0, fmt.Errorf("failed to detach episode references: %w", err)
	}
	detached, _ := res.RowsAffected()
	logging.Store("Detached %d vectors from their episodes", detached)
	return detached, nil
}

// Count returns the number of vectors currently stored.
func (s *VectorStore) Count() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	if err := s.db.QueryRow("SELECT COUNT(*) FROM vectors").Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// Stats returns per-table row counts.
func (s *VectorStore) Stats() map[string]int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return tableCounts(s.db, "vectors")
}

// MaxEpisodeID returns the highest episode id any vector references, or
// zero on an empty store. Consolidation uses it as the watermark for
// which episodes still need embedding.
func (s *VectorStore) MaxEpisodeID() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var maxID int64
	if err := s.db.QueryRow("SELECT COALESCE(MAX(episode_id), 0) FROM vectors").Scan(&maxID); err != nil {
		return 0, err
	}
	return maxID, nil
}

// Health verifies the database answers queries.
func (s *VectorStore) Health(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("vector store unhealthy: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *VectorStore) Close() error {
	logging.Store("Closing vector store")
	return s.db.Close()
}

// normalize validates a vector and returns a fresh unit-length copy.
func (s *VectorStore) normalize(v []float32) ([]float32, error) {
	if len(v) != s.dims {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(v), s.dims)
	}
	var sum float64
	for _, f := range v {
		f64 := float64(f)
		if math.IsNaN(f64) || math.IsInf(f64, 0) {
			return nil, fmt.Errorf("%w: contains NaN or Inf", ErrInvalidVector)
		}
		sum += f64 * f64
	}
	if sum == 0 {
		return nil, fmt.Errorf("%w: zero norm", ErrInvalidVector)
	}
	norm := math.Sqrt(sum)
	unit := make([]float32, len(v))
	for i, f := range v {
		unit[i] = float32(float64(f) / norm)
	}
	return unit, nil
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(blob []byte, dims int) ([]float32, bool) {
	if len(blob) != 4*dims {
		return nil, false
	}
	out := make([]float32, dims)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return out, true
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
