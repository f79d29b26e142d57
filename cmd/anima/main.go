package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"anima/internal/agent"
	"anima/internal/config"
	"anima/internal/system"
)

const version = "0.1.0"

var (
	// Global flags
	verbose    bool
	configFile string
	dataDir    string

	// Logger for the CLI's own voice; the runtime keeps its category
	// logs under data/logs.
	logger *zap.Logger

	// exitCode carries the process exit status out of RunE handlers,
	// since cobra only surfaces an error.
	exitCode int
)

var rootCmd = &cobra.Command{
	Use:   "anima",
	Short: "anima - a long-running autonomous agent",
	Long: `anima is a persistent cognitive agent. It runs two cadences over its
subsystems: a fast loop that watches the inbox and the swarm, and a
slow loop that thinks, consolidates memory, and does maintenance.

Talk to it by writing into data/inbox.txt; replies land in
data/outbox.txt. Run without arguments to start the agent.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config := zap.NewProductionConfig()
		config.Encoding = "console"
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAgent(cmd, args)
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the agent and block until shutdown",
	Long: `Validates the environment, boots every subsystem, and runs the tick
loops until SIGINT or SIGTERM. The exit code follows shell convention:
130 after SIGINT, 143 after SIGTERM, 2 when startup validation fails.`,
	RunE: runAgent,
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Run the startup checks without booting the agent",
	RunE:  runValidate,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query a running agent over its introspection endpoint",
	RunE:  showStatus,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("anima %s (%s)\n", version, runtime.Version())
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Config file (default: $ANIMA_CONFIG, then <data-dir>/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&dataDir, "data-dir", "d", "", "Data directory (overrides config)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if exitCode == 0 {
			exitCode = 1
		}
	}
	os.Exit(exitCode)
}

// loadConfig resolves the config path (flag, then ANIMA_CONFIG, then
// the conventional spot under the data dir) and applies the data-dir
// flag on top.
func loadConfig() (*config.Config, error) {
	path := configFile
	if path == "" {
		path = os.Getenv("ANIMA_CONFIG")
	}
	if path == "" {
		probe := config.DefaultConfig()
		if dataDir != "" {
			probe.Agent.DataDir = dataDir
		}
		path = probe.ConfigPath()
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if dataDir != "" {
		cfg.Agent.DataDir = dataDir
	}
	return cfg, nil
}

// runAgent is the main entry point: validate, boot, run, exit.
func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	results := system.ValidateStartup(cfg)
	for _, r := range results {
		switch {
		case r.Passed:
			logger.Debug("check passed", zap.String("check", r.Name), zap.String("detail", r.Message))
		case r.Fatal:
			logger.Error("check failed", zap.String("check", r.Name), zap.String("detail", r.Message))
		default:
			logger.Warn("check degraded", zap.String("check", r.Name), zap.String("detail", r.Message))
		}
	}
	if system.FatalFailure(results) {
		exitCode = 2
		return fmt.Errorf("startup validation failed")
	}

	logger.Info("booting",
		zap.String("agent", cfg.Agent.Name),
		zap.String("data_dir", cfg.Agent.DataDir),
		zap.String("model", cfg.LLM.ChatModel))

	core, err := system.Boot(context.Background(), cfg)
	if err != nil {
		return fmt.Errorf("boot failed: %w", err)
	}

	r := agent.NewRuntime(cfg, core)
	code, err := r.Run(context.Background())
	exitCode = code
	return err
}

// runValidate prints every startup check and fails on fatal ones.
func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	results := system.ValidateStartup(cfg)
	for _, r := range results {
		mark := "✓"
		if !r.Passed {
			mark = "✗"
		}
		suffix := ""
		if !r.Passed && r.Fatal {
			suffix = " (fatal)"
		}
		fmt.Printf("%s %-16s %s%s\n", mark, r.Name, r.Message, suffix)
	}

	if system.FatalFailure(results) {
		exitCode = 2
		return fmt.Errorf("startup validation failed")
	}
	fmt.Println("\nNo fatal problems. The agent can start.")
	return nil
}

// showStatus asks a running agent how it is doing.
func showStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.Introspect.Enabled {
		return fmt.Errorf("introspection is disabled in the config; enable introspect.enabled to use status")
	}

	transport := &http.Transport{}
	defer transport.CloseIdleConnections()
	client := &http.Client{Transport: transport, Timeout: 5 * time.Second}
	base := "http://" + cfg.Introspect.Bind

	var status struct {
		Agent       string `json:"agent"`
		Model       string `json:"model"`
		Uptime      string `json:"uptime"`
		FastTicks   uint64 `json:"fast_ticks"`
		SlowTicks   uint64 `json:"slow_ticks"`
		ChatBudget  int    `json:"chat_budget_remaining"`
		EmbedBudget int    `json:"embed_budget_remaining"`
	}
	if err := getJSON(client, base+"/status", &status); err != nil {
		return fmt.Errorf("agent unreachable at %s: %w", cfg.Introspect.Bind, err)
	}

	fmt.Printf("Agent:  %s (model %s)\n", status.Agent, status.Model)
	fmt.Printf("Uptime: %s\n", status.Uptime)
	fmt.Printf("Ticks:  %d fast, %d slow\n", status.FastTicks, status.SlowTicks)
	fmt.Printf("Budget: %d chat, %d embed remaining this tick\n", status.ChatBudget, status.EmbedBudget)

	var report struct {
		Status     string `json:"status"`
		Components []struct {
			Name    string `json:"name"`
			Healthy bool   `json:"healthy"`
			Error   string `json:"error"`
		} `json:"components"`
	}
	// /health answers 503 when unhealthy but still carries the report.
	if err := getJSON(client, base+"/health", &report); err != nil {
		return fmt.Errorf("health endpoint: %w", err)
	}

	fmt.Printf("\nHealth: %s\n", report.Status)
	for _, c := range report.Components {
		mark := "✓"
		detail := ""
		if !c.Healthy {
			mark = "✗"
			detail = " " + c.Error
		}
		fmt.Printf("  %s %s%s\n", mark, c.Name, detail)
	}
	return nil
}

func getJSON(client *http.Client, url string, out any) error {
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
