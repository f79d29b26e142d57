package llm

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// TokenCounts holds input/output token sums.
type TokenCounts struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
	Total  int64 `json:"total"`
}

// Add accumulates one call's tokens.
func (tc *TokenCounts) Add(input, output int) {
	tc.Input += int64(input)
	tc.Output += int64(output)
	tc.Total += int64(input + output)
}

// UsageData is the persisted token accounting across restarts.
type UsageData struct {
	Version     string                 `json:"version"`
	Total       TokenCounts            `json:"total"`
	ByModel     map[string]TokenCounts `json:"by_model"`
	ByOperation map[string]TokenCounts `json:"by_operation"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// Tracker records token usage and persists it with a debounced save, so
// bursts of calls cost one disk write.
type Tracker struct {
	mu       sync.Mutex
	data     UsageData
	filePath string
	dirty    bool
}

// NewTracker returns a tracker persisting to path, loading any existing
// counters. A corrupt or missing file starts the counters at zero.
func NewTracker(path string) (*Tracker, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create usage dir: %w", err)
	}

	t := &Tracker{
		filePath: path,
		data: UsageData{
			Version:     "1.0",
			ByModel:     make(map[string]TokenCounts),
			ByOperation: make(map[string]TokenCounts),
		},
	}
	_ = t.load()
	return t, nil
}

func (t *Tracker) load() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	data, err := os.ReadFile(t.filePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, &t.data); err != nil {
		return err
	}
	if t.data.ByModel == nil {
		t.data.ByModel = make(map[string]TokenCounts)
	}
	if t.data.ByOperation == nil {
		t.data.ByOperation = make(map[string]TokenCounts)
	}
	return nil
}

// Track records one call's usage and schedules a save.
func (t *Tracker) Track(model, operation string, usage Usage) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.data.Total.Add(usage.PromptTokens, usage.CompletionTokens)
	addToMap(t.data.ByModel, model, usage.PromptTokens, usage.CompletionTokens)
	addToMap(t.data.ByOperation, operation, usage.PromptTokens, usage.CompletionTokens)
	t.data.UpdatedAt = time.Now()

	if !t.dirty {
		t.dirty = true
		time.AfterFunc(5*time.Second, func() {
			_ = t.Save()
		})
	}
}

// Save writes the counters to disk.
func (t *Tracker) Save() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dirty = false

	data, err := json.MarshalIndent(t.data, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(t.filePath, data, 0644)
}

// Close flushes any pending counters.
func (t *Tracker) Close() error {
	t.mu.Lock()
	pending := t.dirty
	t.mu.Unlock()
	if !pending {
		return nil
	}
	return t.Save()
}

// Stats returns a copy of the current counters.
func (t *Tracker) Stats() UsageData {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats := t.data
	stats.ByModel = copyCounts(t.data.ByModel)
	stats.ByOperation = copyCounts(t.data.ByOperation)
	return stats
}

func copyCounts(src map[string]TokenCounts) map[string]TokenCounts {
	dst := make(map[string]TokenCounts, len(src))
	for key, counts := range src {
		dst[key] = counts
	}
	return dst
}

func addToMap(m map[string]TokenCounts, key string, input, output int) {
	entry := m[key]
	entry.Add(input, output)
	m[key] = entry
}
