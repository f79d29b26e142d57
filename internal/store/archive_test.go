package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func countArchive(t *testing.T, path string) int64 {
	t.Helper()
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("open archive %s: %v", path, err)
	}
	defer db.Close()

	var n int64
	if err := db.QueryRow("SELECT COUNT(*) FROM episodes").Scan(&n); err != nil {
		t.Fatalf("count archive %s: %v", path, err)
	}
	return n
}

func TestArchiveMovesOldRowsAndPreservesTotal(t *testing.T) {
	s := newTestEpisodeStore(t)
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	addAt := func(ts time.Time, desc string) {
		t.Helper()
		s.now = func() time.Time { return ts }
		if _, err := s.AddEpisode("observation", desc, "success", nil); err != nil {
			t.Fatalf("AddEpisode: %v", err)
		}
	}

	addAt(base.AddDate(0, 0, -200), "february one")
	addAt(base.AddDate(0, 0, -199), "february two")
	addAt(base.AddDate(0, 0, -100), "may one")
	addAt(base.AddDate(0, 0, -10), "recent one")
	addAt(base.AddDate(0, 0, -1), "recent two")
	s.now = func() time.Time { return base }

	before, err := s.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if before != 5 {
		t.Fatalf("seeded %d rows, want 5", before)
	}

	stats, err := s.ArchiveOlderThan(context.Background(), 90)
	if err != nil {
		t.Fatalf("ArchiveOlderThan: %v", err)
	}
	if stats.EpisodesMoved != 3 || stats.Chunks != 2 {
		t.Errorf("stats = %+v, want 3 episodes across 2 chunks", stats)
	}
	if !stats.Vacuumed {
		t.Error("expected VACUUM after a batch that moved rows")
	}

	wantArchives := []string{"archive_2026_02.db", "archive_2026_05.db"}
	if len(stats.Archives) != len(wantArchives) {
		t.Fatalf("archives = %v, want %v", stats.Archives, wantArchives)
	}
	for i, name := range wantArchives {
		if stats.Archives[i] != name {
			t.Errorf("archive[%d] = %s, want %s", i, stats.Archives[i], name)
		}
		if _, err := os.Stat(filepath.Join(s.archiveDir, name)); err != nil {
			t.Errorf("archive file %s missing: %v", name, err)
		}
	}

	after, err := s.Count()
	if err != nil {
		t.Fatalf("Count after archive: %v", err)
	}
	var archived int64
	for _, name := range stats.Archives {
		archived += countArchive(t, filepath.Join(s.archiveDir, name))
	}
	if after+archived != before {
		t.Errorf("row conservation broken: primary %d + archived %d != before %d", after, archived, before)
	}

	remaining, err := s.Recent(10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(remaining) != 2 {
		t.Fatalf("primary holds %d rows, want the 2 recent ones", len(remaining))
	}
	if remaining[0].Description != "recent two" {
		t.Errorf("newest remaining row = %q, want recent two", remaining[0].Description)
	}
}

func TestArchiveIsIdempotent(t *testing.T) {
	s := newTestEpisodeStore(t)
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	s.now = func() time.Time { return base.AddDate(0, 0, -120) }
	if _, err := s.AddEpisode("observation", "old row", "success", nil); err != nil {
		t.Fatalf("AddEpisode: %v", err)
	}
	s.now = func() time.Time { return base }
	ctx := context.Background()

	first, err := s.ArchiveOlderThan(ctx, 90)
	if err != nil {
		t.Fatalf("first ArchiveOlderThan: %v", err)
	}
	if first.EpisodesMoved != 1 {
		t.Fatalf("first run moved %d, want 1", first.EpisodesMoved)
	}

	second, err := s.ArchiveOlderThan(ctx, 90)
	if err != nil {
		t.Fatalf("second ArchiveOlderThan: %v", err)
	}
	if second.EpisodesMoved != 0 || second.Chunks != 0 {
		t.Errorf("second run = %+v, want nothing to do", second)
	}

	archivePath := filepath.Join(s.archiveDir, first.Archives[0])
	if n := countArchive(t, archivePath); n != 1 {
		t.Errorf("archive holds %d rows after rerun, want 1", n)
	}
}

func TestArchiveAppendsToExistingMonth(t *testing.T) {
	s := newTestEpisodeStore(t)
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	s.now = func() time.Time { return base.AddDate(0, 0, -200) }
	if _, err := s.AddEpisode("observation", "first february row", "success", nil); err != nil {
		t.Fatalf("AddEpisode: %v", err)
	}
	s.now = func() time.Time { return base }
	if _, err := s.ArchiveOlderThan(ctx, 90); err != nil {
		t.Fatalf("first ArchiveOlderThan: %v", err)
	}

	s.now = func() time.Time { return base.AddDate(0, 0, -199) }
	if _, err := s.AddEpisode("observation", "second february row", "success", nil); err != nil {
		t.Fatalf("AddEpisode: %v", err)
	}
	s.now = func() time.Time { return base }
	stats, err := s.ArchiveOlderThan(ctx, 90)
	if err != nil {
		t.Fatalf("second ArchiveOlderThan: %v", err)
	}
	if len(stats.Archives) != 1 || stats.Archives[0] != "archive_2026_02.db" {
		t.Fatalf("second run archives = %v, want the same february file", stats.Archives)
	}

	if n := countArchive(t, filepath.Join(s.archiveDir, "archive_2026_02.db")); n != 2 {
		t.Errorf("february archive holds %d rows, want 2 after append", n)
	}
}

func TestArchiveResumesAfterInterruptedDelete(t *testing.T) {
	s := newTestEpisodeStore(t)
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	s.now = func() time.Time { return base.AddDate(0, 0, -120) }
	id, err := s.AddEpisode("observation", "old row", "success", nil)
	if err != nil {
		t.Fatalf("AddEpisode: %v", err)
	}
	s.now = func() time.Time { return base }
	ctx := context.Background()

	if _, err := s.ArchiveOlderThan(ctx, 90); err != nil {
		t.Fatalf("ArchiveOlderThan: %v", err)
	}

	// Simulate a run that copied rows into the archive but died before the
	// delete landed: put the archived row back in the primary with its
	// original id.
	ts := FormatTimestamp(base.AddDate(0, 0, -120))
	if _, err := s.db.Exec(
		"INSERT INTO episodes (id, timestamp, event_type, description, outcome, data) VALUES (?, ?, ?, ?, ?, NULL)",
		id, ts, "observation", "old row", "success",
	); err != nil {
		t.Fatalf("reinsert archived row: %v", err)
	}

	stats, err := s.ArchiveOlderThan(ctx, 90)
	if err != nil {
		t.Fatalf("rerun ArchiveOlderThan: %v", err)
	}
	if stats.EpisodesMoved != 1 {
		t.Errorf("rerun moved %d rows, want 1", stats.EpisodesMoved)
	}

	if n := countArchive(t, filepath.Join(s.archiveDir, "archive_2026_04.db")); n != 1 {
		t.Errorf("archive holds %d rows after resume, want 1 (no duplicate)", n)
	}
	after, err := s.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if after != 0 {
		t.Errorf("primary holds %d rows after resume, want 0", after)
	}
}

func TestArchiveRejectsNonPositiveDays(t *testing.T) {
	s := newTestEpisodeStore(t)
	if _, err := s.ArchiveOlderThan(context.Background(), 0); !errors.Is(err, ErrValidation) {
		t.Errorf("ArchiveOlderThan(0) err = %v, want ErrValidation", err)
	}
}

func TestArchiveStopsCleanlyOnCancellation(t *testing.T) {
	s := newTestEpisodeStore(t)
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	s.now = func() time.Time { return base.AddDate(0, 0, -120) }
	if _, err := s.AddEpisode("observation", "old row", "success", nil); err != nil {
		t.Fatalf("AddEpisode: %v", err)
	}
	s.now = func() time.Time { return base }

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := s.ArchiveOlderThan(ctx, 90); !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled archival err = %v, want context.Canceled", err)
	}

	// Nothing left the primary store.
	n, err := s.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 1 {
		t.Errorf("primary holds %d rows after cancelled run, want 1", n)
	}
}
