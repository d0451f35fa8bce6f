// Package engine executes one scenario against one session, turn by turn.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/c360studio/convoprobe/expect"
	"github.com/c360studio/convoprobe/metrics"
	"github.com/c360studio/convoprobe/protocol"
	"github.com/c360studio/convoprobe/scenario"
	"github.com/c360studio/convoprobe/session"
)

// sessionEndedDetail explains checks on turns never sent after the agent ended the session.
const sessionEndedDetail = "session ended by agent"

// DefaultCloseTimeout bounds the end-session call issued when a scenario finishes.
const DefaultCloseTimeout = 10 * time.Second

// Engine runs scenarios. It holds no per-scenario state, so one Engine may run
// scenarios sequentially; workers each get their own.
type Engine struct {
	client       protocol.Client
	agentID      string
	evaluator    *expect.Evaluator
	globalVars   []protocol.Variable
	mutable      []string
	closeTimeout time.Duration
	metrics      *metrics.Collectors
	logger       *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithEvaluator replaces the default expectation evaluator.
func WithEvaluator(ev *expect.Evaluator) Option {
	return func(e *Engine) {
		if ev != nil {
			e.evaluator = ev
		}
	}
}

// WithGlobalVariables sets variables that override scenario variables by name.
func WithGlobalVariables(vars []protocol.Variable) Option {
	return func(e *Engine) {
		e.globalVars = vars
	}
}

// WithMutableVariables names variables that turns may update.
func WithMutableVariables(names []string) Option {
	return func(e *Engine) {
		e.mutable = names
	}
}

// WithCloseTimeout sets the deadline for ending a session.
func WithCloseTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.closeTimeout = d
		}
	}
}

// WithMetrics records run metrics.
func WithMetrics(m *metrics.Collectors) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// New creates an engine that talks to agentID through client.
func New(client protocol.Client, agentID string, opts ...Option) *Engine {
	e := &Engine{
		client:       client,
		agentID:      agentID,
		evaluator:    expect.NewEvaluator(),
		closeTimeout: DefaultCloseTimeout,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes sc and always returns a result.
//
// Assertion failures never stop the scenario. A protocol error aborts it and is
// recorded in Infra. When the agent ends the session, the remaining turns are
// recorded as failed without being sent. Cancelling ctx stops before the next turn; the turn in
// flight completes. The session is closed on every path.
func (e *Engine) Run(ctx context.Context, sc scenario.Scenario) *ScenarioResult {
	res := NewScenarioResult(sc)
	logger := e.logger.With(slog.String("scenario", sc.Name))

	defer func() {
		res.Complete()
		e.metrics.ScenarioFinished(res.Status().String())
		logger.Info("Scenario finished",
			slog.String("status", res.Status().String()),
			slog.Int("passed_turns", res.PassedTurns),
			slog.Int("total_turns", res.TotalTurns),
			slog.Duration("duration", res.Duration))
	}()

	if ctx.Err() != nil {
		res.Cancelled = true
		return res
	}

	// Protocol calls ignore cancellation so the turn in flight can finish;
	// each call is still bounded by the client's per-call timeout.
	callCtx := context.WithoutCancel(ctx)

	vars := protocol.MergeVariables(sc.Variables, e.globalVars)
	sess, err := session.Open(callCtx, e.client, e.agentID, vars,
		session.WithMutableVariables(e.mutable...),
		session.WithLogger(logger))
	if err != nil {
		e.recordInfra(res, logger, err, -1)
		return res
	}
	res.SessionID = sess.ID()
	e.metrics.SessionOpened()

	reason := protocol.ReasonUserRequest
	defer func() {
		closeCtx, cancel := context.WithTimeout(callCtx, e.closeTimeout)
		defer cancel()
		if err := sess.Close(closeCtx, reason); err != nil {
			logger.Warn("Session close failed", slog.String("error", err.Error()))
		}
		e.metrics.SessionClosed()
	}()

	afterGuardrail := false
	for i, turn := range sc.Turns {
		if ctx.Err() != nil {
			res.Cancelled = true
			break
		}

		resp, err := sess.SendTurn(callCtx, turn.User, turn.Variables...)
		if err != nil {
			reason = protocol.ReasonError
			e.recordInfra(res, logger, err, i)
			return res
		}

		tr := e.evaluate(i, turn, resp, sess.Variables(), afterGuardrail)
		res.AddTurn(tr)
		e.metrics.TurnFinished(tr.Passed, tr.FailureCategory.String(), tr.Elapsed)

		if !tr.Passed {
			logger.Debug("Turn failed",
				slog.Int("turn", i+1),
				slog.String("category", tr.FailureCategory.String()))
		}
		afterGuardrail = expect.IsGuardrailDeflection(resp)

		if resp.EndedByAgent {
			e.recordUnsent(res, logger, sc.Turns[i+1:], i+1, afterGuardrail)
			break
		}
	}

	if ctx.Err() != nil {
		reason = protocol.ReasonCancelled
	}
	return res
}

// evaluate runs every expectation independently against the turn's response.
func (e *Engine) evaluate(index int, turn scenario.Turn, resp *session.TurnResponse, vars []protocol.Variable, afterGuardrail bool) TurnResult {
	tr := TurnResult{
		TurnIndex:  index,
		SequenceID: resp.SequenceID,
		Utterance:  turn.User,
		AgentText:  resp.Text,
		Topic:      resp.Topic,
		Actions:    resp.Actions,
		Escalated:  resp.Escalated,
		Checks:     make([]CheckResult, 0, len(turn.Expect)),
		Passed:     true,
		Elapsed:    resp.Elapsed,
	}

	ec := expect.Context{TurnIndex: index, Variables: vars, AfterGuardrail: afterGuardrail}
	for _, exp := range turn.Expect {
		out := e.evaluator.Evaluate(exp, resp, ec)
		tr.Checks = append(tr.Checks, CheckResult{
			Kind:     exp.Kind,
			Expected: exp.Value,
			Passed:   out.Passed,
			Actual:   out.Actual,
			Detail:   out.Detail,
			Category: out.Category,
		})
		if !out.Passed && tr.Passed {
			tr.Passed = false
			tr.FailureCategory = out.Category
		}
	}
	return tr
}

// recordUnsent fails the turns that could not be sent because the agent ended
// the session. The conversation was cut short, so the lost turns count against
// the agent: as a recovery failure right after a guardrail trip, otherwise as
// lost context.
func (e *Engine) recordUnsent(res *ScenarioResult, logger *slog.Logger, turns []scenario.Turn, first int, afterGuardrail bool) {
	if len(turns) == 0 {
		return
	}
	category := expect.CategoryContextPreservation
	if afterGuardrail {
		category = expect.CategoryRecovery
	}
	logger.Warn("Session ended by agent",
		slog.Int("turn", first),
		slog.Int("unsent_turns", len(turns)))

	for j, turn := range turns {
		tr := TurnResult{
			TurnIndex:       first + j,
			Utterance:       turn.User,
			Checks:          make([]CheckResult, 0, len(turn.Expect)),
			FailureCategory: category,
		}
		for _, exp := range turn.Expect {
			tr.Checks = append(tr.Checks, CheckResult{
				Kind:     exp.Kind,
				Expected: exp.Value,
				Actual:   "session_ended",
				Detail:   sessionEndedDetail,
				Category: category,
			})
		}
		res.AddTurn(tr)
		e.metrics.TurnFinished(false, category.String(), 0)
	}
}

func (e *Engine) recordInfra(res *ScenarioResult, logger *slog.Logger, err error, turn int) {
	kind := protocol.Kind(err)
	if kind == "" {
		kind = "session"
		if errors.Is(err, session.ErrImmutableVariable) {
			kind = "scenario"
		}
	}
	res.Infra = &InfraFailure{
		Kind:          kind,
		Message:       err.Error(),
		TurnIndex:     turn,
		Configuration: protocol.IsConfiguration(err),
	}
	e.metrics.InfraError(kind)
	logger.Error("Scenario aborted",
		slog.String("kind", kind),
		slog.Int("turn", turn+1),
		slog.String("error", err.Error()))
}
