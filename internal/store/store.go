// Package store provides the two persistence substrates of the agent: the
// append-only episodic log and the vector memory used for semantic recall.
// Both are single-file SQLite databases sharing the same connection settings
// (single writer, WAL journaling, busy timeout) so callers never take
// external locks. Open and the timestamp helpers are shared with the other
// SQLite-backed subsystems (message bus, consensus ledger).
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"anima/internal/logging"

	_ "github.com/mattn/go-sqlite3"
)

// TimestampLayout is fixed-width (millisecond precision, UTC) so that
// lexicographic order on the TEXT column matches chronological order.
const TimestampLayout = "2006-01-02 15:04:05.000"

// FormatTimestamp renders t in TimestampLayout, UTC.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTimestamp is the inverse of FormatTimestamp. Unparseable input
// yields the zero time.
func ParseTimestamp(s string) time.Time {
	t, err := time.Parse(TimestampLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Open opens a SQLite file with the shared connection settings. The
// directory is created if missing. PRAGMA failures are logged but not
// fatal; the database still works without them, just slower.
func Open(path string) (*sql.DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		logging.StoreError("Failed to create directory %s: %v", dir, err)
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		logging.StoreError("Failed to open database at %s: %v", path, err)
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		logging.StoreDebug("Failed to enable sqlite foreign_keys: %v", err)
	}
	logging.StoreDebug("Opened SQLite database at %s", path)
	return db, nil
}

// tableCounts returns per-table row counts, skipping tables that cannot be
// counted rather than failing the whole report.
func tableCounts(db *sql.DB, tables ...string) map[string]int64 {
	counts := make(map[string]int64, len(tables))
	for _, table := range tables {
		var n int64
		if err := db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
			logging.StoreDebug("Failed to count table %s: %v", table, err)
			continue
		}
		counts[table] = n
	}
	return counts
}
