package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"anima/internal/logging"
)

// =============================================================================
// EPISODE ARCHIVAL (monthly cold storage)
// =============================================================================

// ArchiveStats reports one archival run.
type ArchiveStats struct {
	EpisodesMoved int      `json:"episodes_moved"`
	Chunks        int      `json:"chunks"`
	Archives      []string `json:"archives,omitempty"`
	Vacuumed      bool     `json:"vacuumed"`
}

// ArchiveOlderThan moves episodes strictly older than the cutoff into
// monthly sibling databases named archive_YYYY_MM.db, appending when a
// month's archive already exists. Rows are copied first and deleted in the
// same transaction, one transaction per monthly chunk, so an interrupted
// run never loses rows and a rerun picks up where it stopped. Cancellation
// is honored between chunks; chunks already committed stay archived.
func (s *EpisodeStore) ArchiveOlderThan(ctx context.Context, olderThanDays int) (ArchiveStats, error) {
	timer := logging.StartTimer(logging.CategoryStore, "ArchiveOlderThan")
	defer timer.Stop()

	stats := ArchiveStats{}
	if olderThanDays <= 0 {
		return stats, fmt.Errorf("%w: olderThanDays must be positive", ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := FormatTimestamp(s.now().AddDate(0, 0, -olderThanDays))
	logging.Store("Archiving episodes older than %d days (cutoff %s)", olderThanDays, cutoff)

	months, err := s.archivableMonthsLocked(ctx, cutoff)
	if err != nil {
		logging.StoreError("Failed to enumerate archivable months: %v", err)
		return stats, err
	}
	if len(months) == 0 {
		logging.StoreDebug("Nothing to archive")
		return stats, nil
	}

	if err := os.MkdirAll(s.archiveDir, 0755); err != nil {
		logging.StoreError("Failed to create archive directory %s: %v", s.archiveDir, err)
		return stats, fmt.Errorf("failed to create archive directory: %w", err)
	}

	for _, month := range months {
		if err := ctx.Err(); err != nil {
			logging.Store("Archival stopped after %d chunks: %v", stats.Chunks, err)
			return stats, err
		}
		moved, name, err := s.archiveChunkLocked(ctx, month, cutoff)
		if err != nil {
			logging.StoreError("Archival of chunk %s failed: %v", month, err)
			return stats, err
		}
		stats.EpisodesMoved += moved
		stats.Chunks++
		stats.Archives = append(stats.Archives, name)
	}

	if stats.EpisodesMoved > 0 {
		if _, err := s.db.Exec("VACUUM"); err != nil {
			logging.StoreWarn("VACUUM after archival failed: %v", err)
		} else {
			stats.Vacuumed = true
		}
	}

	logging.Store("Archival complete: moved %d episodes across %d monthly chunks", stats.EpisodesMoved, stats.Chunks)
	return stats, nil
}

// archivableMonthsLocked lists the distinct YYYY-MM month keys holding rows
// older than the cutoff.
func (s *EpisodeStore) archivableMonthsLocked(ctx context.Context, cutoff string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT DISTINCT substr(timestamp, 1, 7) FROM episodes WHERE timestamp < ? ORDER BY 1",
		cutoff,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var months []string
	for rows.Next() {
		var month string
		if err := rows.Scan(&month); err != nil {
			continue
		}
		months = append(months, month)
	}
	return months, rows.Err()
}

// archiveChunkLocked copies one month's worth of old rows into its archive
// database and deletes them from the primary, verifying the copy before the
// delete. Returns the number of rows moved and the archive file name.
func (s *EpisodeStore) archiveChunkLocked(ctx context.Context, month, cutoff string) (int, string, error) {
	name := "archive_" + strings.ReplaceAll(month, "-", "_") + ".db"
	path := filepath.Join(s.archiveDir, name)

	if _, err := s.db.ExecContext(ctx, "ATTACH DATABASE ? AS archive", path); err != nil {
		return 0, name, fmt.Errorf("failed to attach archive %s: %w", name, err)
	}
	// The detach runs without the caller's context so a cancelled chunk
	// never leaves the archive attached to the shared connection.
	defer func() {
		if _, err := s.db.Exec("DETACH DATABASE archive"); err != nil {
			logging.StoreWarn("Failed to detach archive %s: %v", name, err)
		}
	}()

	schema := `
	CREATE TABLE IF NOT EXISTS archive.episodes (
		id INTEGER PRIMARY KEY,
		timestamp TEXT NOT NULL,
		event_type TEXT NOT NULL,
		description TEXT NOT NULL,
		outcome TEXT NOT NULL,
		data TEXT
	);
	CREATE INDEX IF NOT EXISTS archive.idx_archive_timestamp ON episodes(timestamp DESC);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return 0, name, fmt.Errorf("failed to create archive schema in %s: %w", name, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, name, fmt.Errorf("failed to start archive transaction: %w", err)
	}
	defer tx.Rollback()

	// Copy first. OR IGNORE makes a rerun after an interrupted delete skip
	// rows the previous run already copied.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO archive.episodes (id, timestamp, event_type, description, outcome, data)
		 SELECT id, timestamp, event_type, description, outcome, data
		 FROM episodes WHERE timestamp < ? AND substr(timestamp, 1, 7) = ?`,
		cutoff, month,
	); err != nil {
		return 0, name, fmt.Errorf("failed to copy chunk %s: %w", month, err)
	}

	// Refuse to delete anything the archive does not hold.
	var missing int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM episodes e
		 WHERE e.timestamp < ? AND substr(e.timestamp, 1, 7) = ?
		 AND NOT EXISTS (SELECT 1 FROM archive.episodes a WHERE a.id = e.id)`,
		cutoff, month,
	).Scan(&missing); err != nil {
		return 0, name, fmt.Errorf("failed to verify chunk %s: %w", month, err)
	}
	if missing > 0 {
		return 0, name, fmt.Errorf("archive %s is missing %d copied rows, keeping primary rows", name, missing)
	}

	res, err := tx.ExecContext(ctx,
		"DELETE FROM episodes WHERE timestamp < ? AND substr(timestamp, 1, 7) = ?",
		cutoff, month,
	)
	if err != nil {
		return 0, name, fmt.Errorf("failed to delete archived rows for %s: %w", month, err)
	}
	moved, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, name, fmt.Errorf("failed to commit archive chunk %s: %w", month, err)
	}

	logging.Store("Archived %d episodes for %s into %s", moved, month, name)
	return int(moved), name, nil
}
