package store

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func newTestEpisodeStore(t *testing.T) *EpisodeStore {
	t.Helper()
	dir := t.TempDir()
	s, err := NewEpisodeStore(filepath.Join(dir, "episodic.db"), filepath.Join(dir, "archives"))
	if err != nil {
		t.Fatalf("NewEpisodeStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// steppedClock returns a time source that advances by step on every call,
// giving each row a distinct timestamp.
func steppedClock(start time.Time, step time.Duration) func() time.Time {
	current := start
	return func() time.Time {
		now := current
		current = current.Add(step)
		return now
	}
}

func TestAddEpisodeAndRecent(t *testing.T) {
	s := newTestEpisodeStore(t)
	s.now = steppedClock(time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC), time.Second)

	first, err := s.AddEpisode("tick.completed", "fast tick finished", "success", nil)
	if err != nil {
		t.Fatalf("AddEpisode: %v", err)
	}
	if _, err := s.AddEpisode("llm.call", "chat completion", "success", nil); err != nil {
		t.Fatalf("AddEpisode: %v", err)
	}
	third, err := s.AddEpisode("step.error", "inbox probe crashed", "failure", map[string]any{"step": "inbox.probe"})
	if err != nil {
		t.Fatalf("AddEpisode: %v", err)
	}

	episodes, err := s.Recent(10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(episodes) != 3 {
		t.Fatalf("Recent returned %d episodes, want 3", len(episodes))
	}
	if episodes[0].ID != third || episodes[2].ID != first {
		t.Errorf("episodes not newest-first: got ids %d..%d, want %d..%d", episodes[0].ID, episodes[2].ID, third, first)
	}
	if episodes[0].Data["step"] != "inbox.probe" {
		t.Errorf("data payload = %v, want step=inbox.probe", episodes[0].Data)
	}
	if episodes[0].Timestamp.IsZero() {
		t.Error("timestamp did not round-trip")
	}
	if !episodes[0].Timestamp.After(episodes[2].Timestamp) {
		t.Error("timestamps not descending")
	}
}

func TestAddEpisodeValidation(t *testing.T) {
	s := newTestEpisodeStore(t)

	if _, err := s.AddEpisode("observation", "", "success", nil); !errors.Is(err, ErrValidation) {
		t.Errorf("empty description: err = %v, want ErrValidation", err)
	}
	if _, err := s.AddEpisode("observation", "  \n\t ", "success", nil); !errors.Is(err, ErrValidation) {
		t.Errorf("whitespace description: err = %v, want ErrValidation", err)
	}
	if _, err := s.AddEpisode("observation", "bad payload", "success", map[string]any{"ch": make(chan int)}); !errors.Is(err, ErrValidation) {
		t.Errorf("unencodable data: err = %v, want ErrValidation", err)
	}

	n, err := s.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 0 {
		t.Errorf("rejected writes left %d rows", n)
	}

	// The store stays usable after rejections.
	if _, err := s.AddEpisode("observation", "valid", "success", nil); err != nil {
		t.Fatalf("AddEpisode after rejections: %v", err)
	}
}

func TestAddEpisodeDefaultsEmptyOutcome(t *testing.T) {
	s := newTestEpisodeStore(t)

	if _, err := s.AddEpisode("observation", "outcome left blank", "", nil); err != nil {
		t.Fatalf("AddEpisode: %v", err)
	}

	episodes, err := s.ByOutcome("unknown", 5)
	if err != nil {
		t.Fatalf("ByOutcome: %v", err)
	}
	if len(episodes) != 1 || episodes[0].Outcome != "unknown" {
		t.Errorf("blank outcome stored as %+v, want one row with outcome unknown", episodes)
	}
}

func TestAddEpisodeTruncatesDescription(t *testing.T) {
	s := newTestEpisodeStore(t)

	long := strings.Repeat("x", maxDescriptionLen+500)
	if _, err := s.AddEpisode("observation", long, "success", nil); err != nil {
		t.Fatalf("AddEpisode: %v", err)
	}

	episodes, err := s.Recent(1)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if got := len(episodes[0].Description); got != maxDescriptionLen {
		t.Errorf("stored description length = %d, want %d", got, maxDescriptionLen)
	}
}

func TestTruncationKeepsValidUTF8(t *testing.T) {
	s := newTestEpisodeStore(t)

	// Three-byte runes never divide the cap evenly, so a byte-index cut
	// would land mid-rune.
	long := strings.Repeat("日", maxDescriptionLen)
	if _, err := s.AddEpisode("observation", long, "success", nil); err != nil {
		t.Fatalf("AddEpisode: %v", err)
	}

	episodes, err := s.Recent(1)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	got := episodes[0].Description
	if len(got) > maxDescriptionLen {
		t.Errorf("stored description is %d bytes, cap is %d", len(got), maxDescriptionLen)
	}
	if !utf8.ValidString(got) {
		t.Error("truncation split a rune; stored description is not valid UTF-8")
	}
	if want := maxDescriptionLen - maxDescriptionLen%3; len(got) != want {
		t.Errorf("stored description length = %d, want %d (nearest rune boundary)", len(got), want)
	}
}

func TestEpisodeFilters(t *testing.T) {
	s := newTestEpisodeStore(t)
	s.now = steppedClock(time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC), time.Second)

	add := func(eventType, outcome string) int64 {
		t.Helper()
		id, err := s.AddEpisode(eventType, eventType+" happened", outcome, nil)
		if err != nil {
			t.Fatalf("AddEpisode: %v", err)
		}
		return id
	}

	add("llm.call", "success")
	failed := add("llm.call", "failure")
	add("tick.completed", "success")
	latest := add("llm.call", "success")

	byType, err := s.ByType("llm.call", 10)
	if err != nil {
		t.Fatalf("ByType: %v", err)
	}
	if len(byType) != 3 || byType[0].ID != latest {
		t.Errorf("ByType returned %d rows (first id %d), want 3 newest-first from %d", len(byType), byType[0].ID, latest)
	}

	limited, err := s.ByType("llm.call", 1)
	if err != nil {
		t.Fatalf("ByType limited: %v", err)
	}
	if len(limited) != 1 || limited[0].ID != latest {
		t.Errorf("ByType limit 1 = %d rows (id %d), want just %d", len(limited), limited[0].ID, latest)
	}

	byOutcome, err := s.ByOutcome("failure", 10)
	if err != nil {
		t.Fatalf("ByOutcome: %v", err)
	}
	if len(byOutcome) != 1 || byOutcome[0].ID != failed {
		t.Errorf("ByOutcome failure = %d rows, want the one failed call", len(byOutcome))
	}
}

func TestRecordErrorAndStats(t *testing.T) {
	s := newTestEpisodeStore(t)

	if err := s.RecordError("store.write_failed", "disk full while appending", map[string]any{"path": "/data"}); err != nil {
		t.Fatalf("RecordError: %v", err)
	}
	if _, err := s.AddEpisode("observation", "fine", "success", nil); err != nil {
		t.Fatalf("AddEpisode: %v", err)
	}

	records, err := s.Errors(10)
	if err != nil {
		t.Fatalf("Errors: %v", err)
	}
	if len(records) != 1 || records[0].EventType != "store.write_failed" {
		t.Fatalf("Errors = %+v, want one store.write_failed record", records)
	}
	if records[0].Data["path"] != "/data" {
		t.Errorf("error data = %v, want path=/data", records[0].Data)
	}

	stats := s.Stats()
	if stats["episodes"] != 1 || stats["errors"] != 1 {
		t.Errorf("Stats = %v, want episodes=1 errors=1", stats)
	}
}
