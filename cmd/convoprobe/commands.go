package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/c360studio/convoprobe/fixloop"
	"github.com/c360studio/convoprobe/history"
	"github.com/c360studio/convoprobe/report"
	"github.com/c360studio/convoprobe/scenario"
	"github.com/c360studio/convoprobe/watch"
)

func runCmd(gf *globalFlags) *cobra.Command {
	var (
		asJSON bool
		output string
	)

	cmd := &cobra.Command{
		Use:   "run [paths...]",
		Short: "Run scenarios against the agent",
		Long: `Run loads scenario files (files, directories or globs), runs them against the
agent with at most two concurrent sessions, and prints the aggregate report.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := gf.setup(cmd)
			if err != nil {
				return &exitError{code: report.ExitInfrastructureFail, err: err}
			}
			scenarios, err := loadScenarios(args, cfg)
			if err != nil {
				return &exitError{code: report.ExitInfrastructureFail, err: err}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := NewApp(cfg, logger, nil)
			if err != nil {
				return &exitError{code: report.ExitInfrastructureFail, err: err}
			}
			if err := app.Start(ctx); err != nil {
				return &exitError{code: report.ExitInfrastructureFail, err: err}
			}
			defer app.Shutdown()

			rep := app.RunScenarios(ctx, scenarios, kindRun)
			if err := printReport(cmd.OutOrStdout(), output, asJSON, rep); err != nil {
				return &exitError{code: report.ExitInfrastructureFail, err: err}
			}
			return exitStatus(rep.ExitCode())
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the report as JSON")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write the report to a file instead of stdout")
	return cmd
}

func fixLoopCmd(gf *globalFlags) *cobra.Command {
	var (
		maxAttempts int
		waitPaths   []string
		asJSON      bool
	)

	cmd := &cobra.Command{
		Use:   "fix-loop [paths...]",
		Short: "Rerun failing scenarios until they pass or attempts run out",
		Long: `Fix-loop runs the scenarios, prints fix instructions for every failure
category, and reruns only the failing scenarios. With --wait-for-change it
blocks between attempts until the watched agent sources change.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := gf.setup(cmd)
			if err != nil {
				return &exitError{code: report.ExitInfrastructureFail, err: err}
			}
			if maxAttempts > 0 {
				cfg.FixLoop.MaxAttempts = maxAttempts
			}
			if len(waitPaths) > 0 {
				cfg.FixLoop.WaitForChange = waitPaths
			}
			scenarios, err := loadScenarios(args, cfg)
			if err != nil {
				return &exitError{code: report.ExitInfrastructureFail, err: err}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := NewApp(cfg, logger, nil)
			if err != nil {
				return &exitError{code: report.ExitInfrastructureFail, err: err}
			}
			if err := app.Start(ctx); err != nil {
				return &exitError{code: report.ExitInfrastructureFail, err: err}
			}
			defer app.Shutdown()

			res := app.FixLoop(ctx, scenarios)
			if err := printFixLoop(cmd.OutOrStdout(), asJSON, res); err != nil {
				return &exitError{code: report.ExitInfrastructureFail, err: err}
			}
			return exitStatus(res.ExitCode())
		},
	}

	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "Maximum runs including the first (default from config)")
	cmd.Flags().StringSliceVar(&waitPaths, "wait-for-change", nil, "Paths to watch between attempts")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the fix-loop result as JSON")
	return cmd
}

// FixLoop drives the fix-loop controller over the pool.
func (a *App) FixLoop(ctx context.Context, scenarios []scenario.Scenario) *fixloop.Result {
	opts := []fixloop.Option{
		fixloop.WithMaxAttempts(a.cfg.FixLoop.MaxAttempts),
		fixloop.WithMetrics(a.metrics),
		fixloop.WithLogger(a.logger),
	}
	if len(a.cfg.FixLoop.WaitForChange) > 0 {
		waiter := watch.New(a.cfg.FixLoop.WaitForChange,
			watch.WithDebounce(a.cfg.FixLoop.Debounce),
			watch.WithLogger(a.logger))
		opts = append(opts, fixloop.WithRemediator(waiter))
	}
	if a.publisher != nil {
		opts = append(opts, fixloop.WithEventSink(a.publisher))
	}

	runner := fixloop.RunnerFunc(func(ctx context.Context, set []scenario.Scenario) (*report.Report, error) {
		return a.RunScenarios(ctx, set, kindFixLoop), nil
	})
	return fixloop.New(runner, opts...).Run(ctx, scenarios)
}

func listCmd(gf *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list [paths...]",
		Short: "List scenarios with their turn counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(cmd.ErrOrStderr(), gf.logLevel, gf.logFormat)
			cfg, err := gf.loadConfig(logger)
			if err != nil {
				return &exitError{code: report.ExitInfrastructureFail, err: err}
			}
			scenarios, err := loadScenarios(args, cfg)
			if err != nil {
				return &exitError{code: report.ExitInfrastructureFail, err: err}
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tTURNS\tSOURCE")
			for _, s := range scenarios {
				fmt.Fprintf(tw, "%s\t%d\t%s\n", s.Name, len(s.Turns), s.Source)
			}
			return tw.Flush()
		},
	}
}

func validateCmd(gf *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [paths...]",
		Short: "Validate scenario documents without contacting the agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(cmd.ErrOrStderr(), gf.logLevel, gf.logFormat)
			cfg, err := gf.loadConfig(logger)
			if err != nil {
				return &exitError{code: report.ExitInfrastructureFail, err: err}
			}
			scenarios, err := loadScenarios(args, cfg)
			if err != nil {
				return &exitError{code: report.ExitAssertionFailures, err: err}
			}

			turns := 0
			for _, s := range scenarios {
				turns += len(s.Turns)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ %d scenario(s), %d turn(s) valid\n", len(scenarios), turns)
			return nil
		},
	}
}

func historyCmd(gf *globalFlags) *cobra.Command {
	var (
		limit  int
		runID  string
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List stored runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(cmd.ErrOrStderr(), gf.logLevel, gf.logFormat)
			cfg, err := gf.loadConfig(logger)
			if err != nil {
				return &exitError{code: report.ExitInfrastructureFail, err: err}
			}
			if cfg.History.Path == "" {
				return &exitError{code: report.ExitInfrastructureFail, err: fmt.Errorf("history is disabled: set history.path or CONVOPROBE_HISTORY_DB")}
			}

			store, err := history.Open(cfg.History.Path)
			if err != nil {
				return &exitError{code: report.ExitInfrastructureFail, err: err}
			}
			defer store.Close()

			ctx := cmd.Context()
			if runID != "" {
				rep, err := store.Get(ctx, runID)
				if err != nil {
					return &exitError{code: report.ExitInfrastructureFail, err: err}
				}
				return printReport(cmd.OutOrStdout(), "", asJSON, rep)
			}

			runs, err := store.List(ctx, limit)
			if err != nil {
				return &exitError{code: report.ExitInfrastructureFail, err: err}
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(runs)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN ID\tKIND\tAGENT\tCREATED\tPASSED\tSCORE\tEXIT")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d/%d\t%.1f/%.1f\t%d\n",
					r.RunID, r.Kind, r.AgentID, r.CreatedAt.Format("2006-01-02 15:04:05"),
					r.Passed, r.Total, r.Score, r.MaxScore, r.ExitCode)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", history.DefaultLimit, "Maximum runs to list")
	cmd.Flags().StringVar(&runID, "run", "", "Show the full report of one run")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")
	return cmd
}

func printReport(w io.Writer, output string, asJSON bool, rep *report.Report) error {
	return writeOutput(w, output, func(w io.Writer) error {
		if asJSON {
			return report.WriteJSON(w, rep)
		}
		return report.WriteText(w, rep)
	})
}

func printFixLoop(w io.Writer, asJSON bool, res *fixloop.Result) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}

	for _, it := range res.Iterations {
		fmt.Fprintf(w, "Attempt %d: %s (%d scenario(s), %d failing)\n",
			it.Attempt, it.State, len(it.Scenarios), len(it.FailedScenarios))
		for _, r := range it.Regressions {
			fmt.Fprintf(w, "  ! regression: %s\n", r)
		}
		for _, in := range it.Instructions {
			fmt.Fprintf(w, "  → %s: %s\n", in.Category, in.Fix)
		}
	}
	if res.Final != nil {
		fmt.Fprintln(w)
		if err := report.WriteText(w, res.Final); err != nil {
			return err
		}
	}
	fmt.Fprintf(w, "Fix loop finished: %s after %d attempt(s)", res.State, res.Attempts)
	if res.Reason != "" {
		fmt.Fprintf(w, " (%s)", res.Reason)
	}
	fmt.Fprintln(w)
	return nil
}

// exitStatus converts a report exit code into a command result.
func exitStatus(code int) error {
	if code == 0 {
		return nil
	}
	return &exitError{code: code}
}
