// Package fixloop re-runs failing scenarios after remediation until they pass
// or the attempt budget is spent.
package fixloop

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/c360studio/convoprobe/expect"
	"github.com/c360studio/convoprobe/metrics"
	"github.com/c360studio/convoprobe/report"
	"github.com/c360studio/convoprobe/scenario"
)

// DefaultMaxAttempts is the default number of runs, including the first.
const DefaultMaxAttempts = 3

// Runner executes a scenario set and returns its aggregate report.
type Runner interface {
	Run(ctx context.Context, scenarios []scenario.Scenario) (*report.Report, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, scenarios []scenario.Scenario) (*report.Report, error)

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context, scenarios []scenario.Scenario) (*report.Report, error) {
	return f(ctx, scenarios)
}

// Remediator is called between attempts, after a NeedsFix iteration. It
// typically blocks until someone has changed the agent.
type Remediator interface {
	Remediate(ctx context.Context, it Iteration) error
}

// EventSink receives every finished iteration.
type EventSink interface {
	PublishIteration(ctx context.Context, runID string, it Iteration) error
}

// Iteration records one attempt.
type Iteration struct {
	Attempt            int                     `json:"attempt"`
	State              State                   `json:"state"`
	RunID              string                  `json:"run_id,omitempty"`
	Scenarios          []string                `json:"scenarios"`
	FailedScenarios    []string                `json:"failed_scenarios,omitempty"`
	FailuresByCategory map[expect.Category]int `json:"failures_by_category,omitempty"`
	Instructions       []Instruction           `json:"fix_instructions,omitempty"`
	Regressions        []string                `json:"regressions,omitempty"`
	Reason             string                  `json:"reason,omitempty"`
}

// Result is the outcome of a whole fix loop.
type Result struct {
	State       State       `json:"final_state"`
	Attempts    int         `json:"attempts"`
	Iterations  []Iteration `json:"iterations"`
	Reason      string      `json:"reason,omitempty"`
	Regressions []string    `json:"regressions,omitempty"`
	// Infrastructure is true when the loop stopped because something could not run.
	Infrastructure bool           `json:"infrastructure"`
	Final          *report.Report `json:"final_report,omitempty"`
}

// ExitCode maps the outcome to a process exit status.
func (r *Result) ExitCode() int {
	switch {
	case r.State == StatePassed:
		return report.ExitPassed
	case r.Infrastructure:
		return report.ExitInfrastructureFail
	default:
		return report.ExitAssertionFailures
	}
}

// Controller drives the fix loop. A Controller runs one loop at a time.
type Controller struct {
	runner      Runner
	maxAttempts int
	remediator  Remediator
	sink        EventSink
	metrics     *metrics.Collectors
	logger      *slog.Logger

	state State
}

// Option configures a Controller.
type Option func(*Controller)

// WithMaxAttempts sets the attempt budget. Values below 1 are ignored.
func WithMaxAttempts(n int) Option {
	return func(c *Controller) {
		if n >= 1 {
			c.maxAttempts = n
		}
	}
}

// WithRemediator sets the hook called between attempts.
func WithRemediator(r Remediator) Option {
	return func(c *Controller) {
		c.remediator = r
	}
}

// WithEventSink sets where iterations are published.
func WithEventSink(s EventSink) Option {
	return func(c *Controller) {
		c.sink = s
	}
}

// WithMetrics sets the Prometheus collectors.
func WithMetrics(m *metrics.Collectors) Option {
	return func(c *Controller) {
		c.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates a controller in the Idle state.
func New(runner Runner, opts ...Option) *Controller {
	c := &Controller{
		runner:      runner,
		maxAttempts: DefaultMaxAttempts,
		logger:      slog.Default(),
		state:       StateIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current controller state.
func (c *Controller) State() State {
	return c.state
}

func (c *Controller) transition(to State) {
	if !c.state.CanTransitionTo(to) {
		panic(fmt.Sprintf("fixloop: invalid transition %s -> %s", c.state, to))
	}
	c.logger.Debug("Fix loop transition", slog.String("from", c.state.String()), slog.String("to", to.String()))
	c.state = to
}

// Run executes the loop over scenarios. It never runs more than the attempt
// budget and never re-runs after an infrastructure failure.
func (c *Controller) Run(ctx context.Context, scenarios []scenario.Scenario) *Result {
	c.state = StateIdle
	res := &Result{Iterations: []Iteration{}}
	working := scenarios
	var previous map[string]int

	for attempt := 1; ; attempt++ {
		c.transition(StateRunning)
		res.Attempts = attempt

		it := Iteration{Attempt: attempt, Scenarios: scenario.Names(working)}
		logger := c.logger.With(slog.Int("attempt", attempt), slog.Int("max_attempts", c.maxAttempts))
		logger.Info("Fix loop iteration started", slog.Int("scenarios", len(working)))

		rep, err := c.runner.Run(ctx, working)
		switch {
		case err != nil:
			c.escalate(res, &it, fmt.Sprintf("run failed: %v", err), true)
		case ctx.Err() != nil:
			res.Final = rep
			c.escalate(res, &it, "run cancelled", true)
		default:
			res.Final = rep
			it.RunID = rep.RunID
			c.evaluate(res, &it, rep, previous, attempt)
			previous = passedTurns(rep)
		}

		c.finish(ctx, res, it, logger)
		if c.state.IsTerminal() {
			return res
		}

		if c.remediator != nil {
			if err := c.remediator.Remediate(ctx, it); err != nil {
				reason := fmt.Sprintf("remediation failed: %v", err)
				logger.Warn("Fix loop stopped", slog.String("reason", reason))
				c.transition(StateEscalate)
				res.State = StateEscalate
				res.Reason = reason
				res.Infrastructure = ctx.Err() != nil
				return res
			}
		}
		working = scenario.Filter(working, it.FailedScenarios)
	}
}

// evaluate decides the iteration state from a report.
func (c *Controller) evaluate(res *Result, it *Iteration, rep *report.Report, previous map[string]int, attempt int) {
	if rep.HasInfrastructureFailure() || rep.ExitCode() == report.ExitInfrastructureFail {
		it.FailedScenarios = rep.FailedScenarios()
		c.escalate(res, it, "infrastructure failure; fix credentials or connectivity before retrying", true)
		return
	}
	if rep.ExitCode() == report.ExitPassed {
		c.transition(StatePassed)
		it.State = StatePassed
		res.State = StatePassed
		return
	}

	it.FailedScenarios = rep.FailedScenarios()
	it.FailuresByCategory = rep.ByCategory
	it.Instructions = Instructions(rep.Failures)
	it.Regressions = regressions(previous, passedTurns(rep))
	res.Regressions = mergeNames(res.Regressions, it.Regressions)

	if attempt >= c.maxAttempts {
		c.escalate(res, it, fmt.Sprintf("still failing after %d attempts", attempt), false)
		return
	}
	c.transition(StateNeedsFix)
	it.State = StateNeedsFix
	res.State = StateNeedsFix
}

func (c *Controller) escalate(res *Result, it *Iteration, reason string, infra bool) {
	c.transition(StateEscalate)
	it.State = StateEscalate
	it.Reason = reason
	res.State = StateEscalate
	res.Reason = reason
	res.Infrastructure = infra
}

func (c *Controller) finish(ctx context.Context, res *Result, it Iteration, logger *slog.Logger) {
	res.Iterations = append(res.Iterations, it)
	c.metrics.FixLoopIteration(it.State.String())

	logger.Info("Fix loop iteration finished",
		slog.String("state", it.State.String()),
		slog.Int("failed", len(it.FailedScenarios)),
		slog.Int("regressions", len(it.Regressions)))
	for _, in := range it.Instructions {
		logger.Info("Fix instruction", slog.String("category", in.Category.String()), slog.String("fix", in.Fix))
	}

	if c.sink != nil {
		if err := c.sink.PublishIteration(context.WithoutCancel(ctx), it.RunID, it); err != nil {
			logger.Warn("Failed to publish fix loop iteration", slog.String("error", err.Error()))
		}
	}
}

func passedTurns(rep *report.Report) map[string]int {
	out := make(map[string]int, len(rep.Scenarios))
	for _, s := range rep.Scenarios {
		out[s.Name] = s.PassedTurns
	}
	return out
}

// regressions lists scenarios that now pass fewer turns than in the previous attempt.
func regressions(previous, current map[string]int) []string {
	var out []string
	for name, now := range current {
		if before, ok := previous[name]; ok && now < before {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return out
}

func mergeNames(a, b []string) []string {
	out := append(slices.Clone(a), b...)
	slices.Sort(out)
	return slices.Compact(out)
}
