// Package system owns process lifecycle: the startup validator that
// checks the environment before any subsystem starts, the boot factory
// that wires the subsystems together, and the shutdown handler that
// tears them down in reverse order on signal.
package system

import (
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"anima/internal/config"
	"anima/internal/logging"
	"anima/internal/store"
)

// diskFloorBytes is the minimum free space required under the data
// directory. Below this the archival pass could lose data mid-copy.
const diskFloorBytes = 1 << 30

// dialProbeTimeout bounds the LLM endpoint reachability probe.
const dialProbeTimeout = 2 * time.Second

// CheckResult is one startup check's verdict. Fatal failures abort the
// process; non-fatal ones are surfaced in the summary and logged.
type CheckResult struct {
	Name    string `json:"name"`
	Passed  bool   `json:"passed"`
	Fatal   bool   `json:"fatal"`
	Message string `json:"message"`
}

// ValidateStartup runs every environment check against cfg and returns
// the individual verdicts. It never short-circuits: a broken config
// still gets its disk and port checks so the summary shows everything
// wrong at once.
func ValidateStartup(cfg *config.Config) []CheckResult {
	checks := []func(*config.Config) CheckResult{
		checkConfig,
		checkDataDir,
		checkDiskSpace,
		checkLLMEndpoint,
		checkIntrospectPort,
		checkEmbeddingDim,
		checkRuntime,
	}

	results := make([]CheckResult, 0, len(checks))
	for _, check := range checks {
		r := check(cfg)
		if r.Passed {
			logging.BootDebug("Startup check %s: ok (%s)", r.Name, r.Message)
		} else if r.Fatal {
			logging.BootError("Startup check %s FAILED: %s", r.Name, r.Message)
		} else {
			logging.BootWarn("Startup check %s failed (non-fatal): %s", r.Name, r.Message)
		}
		results = append(results, r)
	}
	return results
}

// FatalFailure reports whether any check failed fatally.
func FatalFailure(results []CheckResult) bool {
	for _, r := range results {
		if !r.Passed && r.Fatal {
			return true
		}
	}
	return false
}

func checkConfig(cfg *config.Config) CheckResult {
	r := CheckResult{Name: "config", Fatal: true}
	if err := cfg.Validate(); err != nil {
		r.Message = err.Error()
		return r
	}
	r.Passed = true
	r.Message = fmt.Sprintf("agent %q, data dir %s", cfg.Agent.Name, cfg.Agent.DataDir)
	return r
}

// checkDataDir creates the on-disk layout and proves it is writable by
// writing and removing a probe file.
func checkDataDir(cfg *config.Config) CheckResult {
	r := CheckResult{Name: "data-dir", Fatal: true}
	for _, dir := range []string{cfg.Agent.DataDir, cfg.MemoryDir(), cfg.ArchivesDir(), cfg.LogsDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			r.Message = fmt.Sprintf("cannot create %s: %v", dir, err)
			return r
		}
	}

	probe := filepath.Join(cfg.Agent.DataDir, ".write-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0644); err != nil {
		r.Message = fmt.Sprintf("data dir is not writable: %v", err)
		return r
	}
	os.Remove(probe)

	r.Passed = true
	r.Message = fmt.Sprintf("layout ready under %s", cfg.Agent.DataDir)
	return r
}

func checkDiskSpace(cfg *config.Config) CheckResult {
	r := CheckResult{Name: "disk-space", Fatal: true}

	var fs syscall.Statfs_t
	if err := syscall.Statfs(cfg.Agent.DataDir, &fs); err != nil {
		// Unmeasurable is suspicious but not proof of a full disk.
		r.Passed = true
		r.Fatal = false
		r.Message = fmt.Sprintf("cannot stat filesystem: %v", err)
		return r
	}

	free := fs.Bavail * uint64(fs.Bsize)
	r.Message = fmt.Sprintf("%.1f GiB free", float64(free)/float64(1<<30))
	if free < diskFloorBytes {
		r.Message = fmt.Sprintf("only %.2f GiB free, need at least 1 GiB", float64(free)/float64(1<<30))
		return r
	}
	r.Passed = true
	return r
}

// checkLLMEndpoint probes the chat endpoint with a TCP dial. The agent
// runs degraded without an LLM, so unreachable is never fatal.
func checkLLMEndpoint(cfg *config.Config) CheckResult {
	r := CheckResult{Name: "llm-endpoint", Fatal: false}

	host, err := hostPortOf(cfg.LLM.BaseURL)
	if err != nil {
		r.Message = fmt.Sprintf("cannot parse llm.base_url %q: %v", cfg.LLM.BaseURL, err)
		return r
	}
	conn, err := net.DialTimeout("tcp", host, dialProbeTimeout)
	if err != nil {
		r.Message = fmt.Sprintf("%s unreachable: %v (agent will run degraded)", host, err)
		return r
	}
	conn.Close()
	r.Passed = true
	r.Message = fmt.Sprintf("%s reachable", host)
	return r
}

// checkIntrospectPort verifies the introspection bind is free. A taken
// port usually means another agent instance owns this data directory.
func checkIntrospectPort(cfg *config.Config) CheckResult {
	r := CheckResult{Name: "introspect-port", Fatal: true}
	if !cfg.Introspect.Enabled {
		r.Passed = true
		r.Fatal = false
		r.Message = "introspection disabled"
		return r
	}

	ln, err := net.Listen("tcp", cfg.Introspect.Bind)
	if err != nil {
		r.Message = fmt.Sprintf("cannot bind %s: %v", cfg.Introspect.Bind, err)
		return r
	}
	ln.Close()
	r.Passed = true
	r.Message = fmt.Sprintf("%s is free", cfg.Introspect.Bind)
	return r
}

// checkEmbeddingDim compares the configured dimensionality against the
// one an existing vector store was built with. A mismatch would mix
// incompatible vector spaces, so it is fatal.
func checkEmbeddingDim(cfg *config.Config) CheckResult {
	r := CheckResult{Name: "embedding-dim", Fatal: true}

	path := cfg.VectorDBPath()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		r.Passed = true
		r.Fatal = false
		r.Message = fmt.Sprintf("no vector store yet, will be created with %d dimensions", cfg.LLM.EmbeddingDim)
		return r
	}

	db, err := store.Open(path)
	if err != nil {
		r.Passed = true
		r.Fatal = false
		r.Message = fmt.Sprintf("cannot open vector store: %v", err)
		return r
	}
	defer db.Close()

	var stored int
	err = db.QueryRow("SELECT value FROM meta WHERE key = 'dimensions'").Scan(&stored)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		r.Passed = true
		r.Fatal = false
		r.Message = "vector store has no recorded dimensionality"
	case err != nil:
		r.Passed = true
		r.Fatal = false
		r.Message = fmt.Sprintf("cannot read vector store metadata: %v", err)
	case stored != cfg.LLM.EmbeddingDim:
		r.Message = fmt.Sprintf("vector store built for %d dimensions, config says %d", stored, cfg.LLM.EmbeddingDim)
	default:
		r.Passed = true
		r.Message = fmt.Sprintf("%d dimensions", stored)
	}
	return r
}

func checkRuntime(cfg *config.Config) CheckResult {
	return CheckResult{
		Name:    "runtime",
		Passed:  true,
		Message: fmt.Sprintf("%s, %d CPUs", runtime.Version(), runtime.NumCPU()),
	}
}

// hostPortOf extracts a dialable host:port from an endpoint URL,
// filling in the scheme's default port when absent.
func hostPortOf(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Host == "" {
		return "", fmt.Errorf("no host in %q", raw)
	}
	if u.Port() != "" {
		return u.Host, nil
	}
	switch u.Scheme {
	case "https":
		return net.JoinHostPort(u.Hostname(), "443"), nil
	default:
		return net.JoinHostPort(u.Hostname(), "80"), nil
	}
}
