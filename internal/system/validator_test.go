package system

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"anima/internal/config"
	"anima/internal/store"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Agent.DataDir = t.TempDir()
	return cfg
}

func resultByName(t *testing.T, results []CheckResult, name string) CheckResult {
	t.Helper()
	for _, r := range results {
		if r.Name == name {
			return r
		}
	}
	t.Fatalf("no %q check in results", name)
	return CheckResult{}
}

func TestValidateStartupFreshDataDir(t *testing.T) {
	cfg := testConfig(t)

	results := ValidateStartup(cfg)
	require.Len(t, results, 7)

	assert.True(t, resultByName(t, results, "config").Passed)
	assert.True(t, resultByName(t, results, "data-dir").Passed)
	assert.True(t, resultByName(t, results, "disk-space").Passed)
	assert.True(t, resultByName(t, results, "runtime").Passed)

	dim := resultByName(t, results, "embedding-dim")
	assert.True(t, dim.Passed)
	assert.Contains(t, dim.Message, "will be created")

	port := resultByName(t, results, "introspect-port")
	assert.True(t, port.Passed, "disabled introspection must not fail the port check")
	assert.Contains(t, port.Message, "disabled")

	// The LLM endpoint may or may not be reachable on the test host,
	// but either way it never blocks startup.
	assert.False(t, FatalFailure(results))

	for _, dir := range []string{cfg.MemoryDir(), cfg.ArchivesDir(), cfg.LogsDir()} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
	assert.NoFileExists(t, filepath.Join(cfg.Agent.DataDir, ".write-probe"))
}

func TestValidateStartupRejectsBrokenConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Agent.Name = ""
	cfg.Ticks.FastTickSec = 0

	results := ValidateStartup(cfg)

	conf := resultByName(t, results, "config")
	assert.False(t, conf.Passed)
	assert.True(t, conf.Fatal)
	assert.Contains(t, conf.Message, "agent.name")
	assert.Contains(t, conf.Message, "fast_tick_sec")
	assert.True(t, FatalFailure(results))

	// A broken config must not suppress the remaining checks.
	require.Len(t, results, 7)
	assert.True(t, resultByName(t, results, "runtime").Passed)
}

func TestValidateStartupDataDirCreationFailure(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))

	cfg := config.DefaultConfig()
	cfg.Agent.DataDir = filepath.Join(blocker, "data")

	results := ValidateStartup(cfg)

	dataDir := resultByName(t, results, "data-dir")
	assert.False(t, dataDir.Passed)
	assert.True(t, dataDir.Fatal)
	assert.Contains(t, dataDir.Message, "cannot create")

	disk := resultByName(t, results, "disk-space")
	assert.True(t, disk.Passed, "an unmeasurable filesystem is reported, not fatal")
	assert.False(t, disk.Fatal)
	assert.Contains(t, disk.Message, "cannot stat")

	assert.True(t, FatalFailure(results))
}

func TestValidateStartupEmbeddingDimensions(t *testing.T) {
	seedVectorStore := func(t *testing.T, cfg *config.Config, dims int) {
		t.Helper()
		require.NoError(t, os.MkdirAll(cfg.MemoryDir(), 0755))
		vs, err := store.NewVectorStore(cfg.VectorDBPath(), dims)
		require.NoError(t, err)
		require.NoError(t, vs.Close())
	}

	t.Run("Mismatch Is Fatal", func(t *testing.T) {
		cfg := testConfig(t)
		seedVectorStore(t, cfg, 64)
		cfg.LLM.EmbeddingDim = 768

		results := ValidateStartup(cfg)
		dim := resultByName(t, results, "embedding-dim")
		assert.False(t, dim.Passed)
		assert.True(t, dim.Fatal)
		assert.Contains(t, dim.Message, "64")
		assert.Contains(t, dim.Message, "768")
		assert.True(t, FatalFailure(results))
	})

	t.Run("Match Passes", func(t *testing.T) {
		cfg := testConfig(t)
		seedVectorStore(t, cfg, cfg.LLM.EmbeddingDim)

		results := ValidateStartup(cfg)
		dim := resultByName(t, results, "embedding-dim")
		assert.True(t, dim.Passed)
		assert.Contains(t, dim.Message, "768 dimensions")
	})
}

func TestValidateStartupIntrospectPort(t *testing.T) {
	t.Run("Taken Port Is Fatal", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		defer ln.Close()

		cfg := testConfig(t)
		cfg.Introspect.Enabled = true
		cfg.Introspect.Bind = ln.Addr().String()

		results := ValidateStartup(cfg)
		port := resultByName(t, results, "introspect-port")
		assert.False(t, port.Passed)
		assert.True(t, port.Fatal)
		assert.Contains(t, port.Message, "cannot bind")
	})

	t.Run("Free Port Passes", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		bind := ln.Addr().String()
		require.NoError(t, ln.Close())

		cfg := testConfig(t)
		cfg.Introspect.Enabled = true
		cfg.Introspect.Bind = bind

		results := ValidateStartup(cfg)
		assert.True(t, resultByName(t, results, "introspect-port").Passed)
	})
}

func TestValidateStartupProbesLLMEndpoint(t *testing.T) {
	t.Run("Reachable", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		defer ln.Close()

		cfg := testConfig(t)
		cfg.LLM.BaseURL = "http://" + ln.Addr().String() + "/v1"

		results := ValidateStartup(cfg)
		llm := resultByName(t, results, "llm-endpoint")
		assert.True(t, llm.Passed)
		assert.Contains(t, llm.Message, "reachable")
	})

	t.Run("Unreachable Is Not Fatal", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		addr := ln.Addr().String()
		require.NoError(t, ln.Close())

		cfg := testConfig(t)
		cfg.LLM.BaseURL = "http://" + addr + "/v1"

		results := ValidateStartup(cfg)
		llm := resultByName(t, results, "llm-endpoint")
		assert.False(t, llm.Passed)
		assert.False(t, llm.Fatal)
		assert.Contains(t, llm.Message, "unreachable")
		assert.False(t, FatalFailure(results))
	})

	t.Run("Unparseable URL", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.LLM.BaseURL = "not a url"

		results := ValidateStartup(cfg)
		llm := resultByName(t, results, "llm-endpoint")
		assert.False(t, llm.Passed)
		assert.False(t, llm.Fatal)
		assert.Contains(t, llm.Message, "cannot parse")
	})
}

func TestHostPortOf(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{"http://localhost:11434/v1", "localhost:11434"},
		{"https://api.openai.com/v1", "api.openai.com:443"},
		{"http://example.com", "example.com:80"},
	}
	for _, tc := range cases {
		t.Run(tc.raw, func(t *testing.T) {
			got, err := hostPortOf(tc.raw)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	for _, raw := range []string{"", "://nowhere", "just-a-path"} {
		t.Run("Bad "+raw, func(t *testing.T) {
			_, err := hostPortOf(raw)
			assert.Error(t, err)
		})
	}
}
