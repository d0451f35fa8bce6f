package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/c360studio/convoprobe/config"
	"github.com/c360studio/convoprobe/scenario"
	"github.com/spf13/cobra"
)

// globalFlags are the persistent flags shared by every subcommand.
type globalFlags struct {
	configPath string
	logLevel   string
	logFormat  string
	agentID    string
	baseURL    string
	token      string
	workers    int
	timeout    time.Duration
	vars       []string
}

func rootCmd() *cobra.Command {
	var gf globalFlags

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Multi-turn conversational agent test orchestrator",
		Long: `Convoprobe runs scripted multi-turn conversations against a conversational
agent and checks every answer against the scenario's expectations.

It provides:
- Scenario runs with at most two concurrent sessions
- Weighted category scores and failure categories
- A bounded fix loop that reruns only failing scenarios
- Optional NATS events, SQLite run history and Prometheus metrics

Exit status: 0 all passed, 1 assertion failures, 2 scenarios could not run.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := cmd.PersistentFlags()
	pf.StringVarP(&gf.configPath, "config", "c", "", "Config file path (YAML)")
	pf.StringVar(&gf.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	pf.StringVar(&gf.logFormat, "log-format", "text", "Log format (text, json)")
	pf.StringVar(&gf.agentID, "agent-id", "", "Agent to open sessions against")
	pf.StringVar(&gf.baseURL, "base-url", "", "Agent API base URL")
	pf.StringVar(&gf.token, "token", "", "Bearer token (prefer CONVOPROBE_TOKEN)")
	pf.IntVar(&gf.workers, "workers", 0, "Concurrent sessions (1 or 2)")
	pf.DurationVar(&gf.timeout, "timeout", 0, "Per-call timeout")
	pf.StringArrayVar(&gf.vars, "var", nil, "Session variable name[:Type]=value (repeatable)")

	cmd.AddCommand(
		runCmd(&gf),
		fixLoopCmd(&gf),
		listCmd(&gf),
		validateCmd(&gf),
		historyCmd(&gf),
		versionCmd(),
	)
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	}
}

// newLogger builds the stderr logger and installs it as the default.
func newLogger(w io.Writer, level, format string) *slog.Logger {
	lvl := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// loadConfig layers files and environment, then applies flags on top.
func (gf *globalFlags) loadConfig(logger *slog.Logger) (*config.Config, error) {
	var opts []config.LoaderOption
	if gf.configPath != "" {
		opts = append(opts, config.WithFile(gf.configPath))
	}
	cfg, err := config.NewLoader(logger, opts...).Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if gf.agentID != "" {
		cfg.Agent.AgentID = gf.agentID
	}
	if gf.baseURL != "" {
		cfg.Agent.BaseURL = gf.baseURL
	}
	if gf.token != "" {
		cfg.Agent.Token = gf.token
	}
	if gf.workers != 0 {
		cfg.Run.Workers = gf.workers
	}
	if gf.timeout != 0 {
		cfg.Agent.Timeout = gf.timeout
	}
	cfg.Run.Variables = append(cfg.Run.Variables, gf.vars...)
	return cfg, nil
}

// setup builds the logger and the validated configuration for commands that
// contact the agent.
func (gf *globalFlags) setup(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	logger := newLogger(cmd.ErrOrStderr(), gf.logLevel, gf.logFormat)
	cfg, err := gf.loadConfig(logger)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, logger, nil
}

// loadScenarios resolves args, falling back to the configured paths.
func loadScenarios(args []string, cfg *config.Config) ([]scenario.Scenario, error) {
	paths := args
	if len(paths) == 0 && cfg != nil {
		paths = cfg.Run.Scenarios
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no scenario paths given")
	}

	scenarios, err := scenario.Load(paths)
	if err != nil {
		return nil, err
	}
	if len(scenarios) == 0 {
		return nil, fmt.Errorf("no scenarios found in %s", strings.Join(paths, ", "))
	}
	return scenarios, nil
}

// writeOutput writes to path, or to w when path is empty.
func writeOutput(w io.Writer, path string, write func(io.Writer) error) error {
	if path == "" {
		return write(w)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	if err := write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
