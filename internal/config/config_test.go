package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// clearEnv blanks every environment variable Load consults so tests
// see only file and default values.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"ANIMA_DATA_DIR", "ANIMA_AGENT_ID", "ANIMA_LOG_LEVEL",
		"ANIMA_LLM_BASE_URL", "ANIMA_LLM_API_KEY",
		"OPENAI_API_KEY", "GEMINI_API_KEY",
	} {
		t.Setenv(name, "")
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if diff := cmp.Diff(DefaultConfig(), cfg); diff != "" {
		t.Errorf("missing file should yield defaults (-want +got):\n%s", diff)
	}
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
ticks:
  fast_tick_sec: 0.5
llm:
  chat_model: qwen2.5:14b
  per_tick_chat_budget: 2
multi_agent:
  enabled: true
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Ticks.FastTickSec != 0.5 {
		t.Errorf("fast_tick_sec = %v, want 0.5", cfg.Ticks.FastTickSec)
	}
	if cfg.LLM.ChatModel != "qwen2.5:14b" {
		t.Errorf("chat_model = %q", cfg.LLM.ChatModel)
	}
	if cfg.LLM.PerTickChatBudget != 2 {
		t.Errorf("per_tick_chat_budget = %d, want 2", cfg.LLM.PerTickChatBudget)
	}
	if !cfg.MultiAgent.Enabled {
		t.Error("multi_agent.enabled should be true")
	}

	// Untouched sections keep their defaults.
	if cfg.Ticks.HeavyTickSec != 60.0 {
		t.Errorf("heavy_tick_sec = %v, want default 60", cfg.Ticks.HeavyTickSec)
	}
	if cfg.Cache.MaxSize != 100 {
		t.Errorf("cache.max_size = %d, want default 100", cfg.Cache.MaxSize)
	}
}

func TestStrictModeRejectsUnknownKeys(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()

	content := `
strict: true
ticks:
  fast_tick_sec: 2.0
  typo_key: 1
`
	strictPath := filepath.Join(dir, "strict.yaml")
	if err := os.WriteFile(strictPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(strictPath); err == nil {
		t.Fatal("strict config with unknown key should fail to load")
	}

	// The same unknown key is tolerated without strict.
	loosePath := filepath.Join(dir, "loose.yaml")
	loose := strings.Replace(content, "strict: true", "strict: false", 1)
	if err := os.WriteFile(loosePath, []byte(loose), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(loosePath)
	if err != nil {
		t.Fatalf("loose load: %v", err)
	}
	if cfg.Ticks.FastTickSec != 2.0 {
		t.Errorf("fast_tick_sec = %v, want 2.0", cfg.Ticks.FastTickSec)
	}
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("ANIMA_DATA_DIR", "/var/lib/anima")
	t.Setenv("ANIMA_LOG_LEVEL", "debug")
	t.Setenv("ANIMA_LLM_API_KEY", "explicit-key")
	t.Setenv("OPENAI_API_KEY", "fallback-key")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Agent.DataDir != "/var/lib/anima" {
		t.Errorf("data_dir = %q", cfg.Agent.DataDir)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("log level = %q", cfg.Logging.Level)
	}
	if cfg.LLM.APIKey != "explicit-key" {
		t.Errorf("api_key = %q, explicit override should win over OPENAI_API_KEY", cfg.LLM.APIKey)
	}
}

func TestValidateDefaults(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestValidateReportsAllProblems(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Ticks.FastTickSec = 0
	cfg.LLM.EmbeddingDim = -1
	cfg.CircuitBreaker.SuccessThreshold = 0
	cfg.Introspect.Enabled = true
	cfg.Introspect.Bind = "not-a-bind"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation errors")
	}
	msg := err.Error()
	for _, want := range []string{
		"fast_tick_sec", "embedding_dim", "success_threshold", "introspect.bind",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("validation error missing %q: %v", want, msg)
		}
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	clearEnv(t)

	cfg := DefaultConfig()
	cfg.Agent.Name = "scout"
	cfg.Ticks.FastTickSec = 0.25
	cfg.MultiAgent.Enabled = true
	cfg.Health.CriticalComponents = []string{"llm"}

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff(cfg, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestDerivedPaths(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Agent.DataDir = "/srv/agent"

	if got := cfg.EpisodicDBPath(); got != filepath.Join("/srv/agent", "memory", "episodic.db") {
		t.Errorf("EpisodicDBPath = %q", got)
	}
	if got := cfg.ArchivesDir(); got != filepath.Join("/srv/agent", "memory", "archives") {
		t.Errorf("ArchivesDir = %q", got)
	}
	if got := cfg.InboxPath(); got != filepath.Join("/srv/agent", "inbox.txt") {
		t.Errorf("InboxPath = %q", got)
	}
}

func TestDurationAccessors(t *testing.T) {
	cfg := DefaultConfig()
	if got := cfg.FastTickPeriod().Seconds(); got != 1.0 {
		t.Errorf("FastTickPeriod = %vs", got)
	}
	cfg.Ticks.FastTickSec = 0.5
	if got := cfg.FastTickPeriod().Milliseconds(); got != 500 {
		t.Errorf("FastTickPeriod = %vms, want 500", got)
	}
}
