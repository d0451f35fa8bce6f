package fixloop_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/c360studio/convoprobe/engine"
	"github.com/c360studio/convoprobe/expect"
	"github.com/c360studio/convoprobe/fixloop"
	"github.com/c360studio/convoprobe/report"
	"github.com/c360studio/convoprobe/scenario"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scenarios(names ...string) []scenario.Scenario {
	out := make([]scenario.Scenario, len(names))
	for i, n := range names {
		out[i] = scenario.Scenario{Name: n, Turns: []scenario.Turn{{User: "a"}, {User: "b"}}}
	}
	return out
}

// outcome describes how a scenario fares on one attempt: passed turns out of
// two, or infra for an infrastructure failure.
type outcome struct {
	passed int
	infra  bool
}

// scriptedRunner answers attempt N from script[N-1] and records the scenario set it was given.
type scriptedRunner struct {
	mu     sync.Mutex
	script []map[string]outcome
	calls  [][]string
	err    error
}

func (r *scriptedRunner) Run(_ context.Context, scs []scenario.Scenario) (*report.Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, scenario.Names(scs))
	if r.err != nil {
		return nil, r.err
	}
	step := r.script[min(len(r.calls), len(r.script))-1]

	var results []*engine.ScenarioResult
	for _, sc := range scs {
		o, ok := step[sc.Name]
		if !ok {
			o = outcome{passed: 2}
		}
		res := engine.NewScenarioResult(sc)
		if o.infra {
			res.Infra = &engine.InfraFailure{Kind: "auth", Message: "401", TurnIndex: -1, Configuration: true}
		} else {
			for i := range sc.Turns {
				passed := i < o.passed
				tr := engine.TurnResult{TurnIndex: i, SequenceID: i + 1, Passed: passed,
					Checks: []engine.CheckResult{{Kind: scenario.KindTopicContains, Expected: "x", Passed: passed}}}
				if !passed {
					tr.FailureCategory = expect.CategoryTopicReMatching
					tr.Checks[0].Category = expect.CategoryTopicReMatching
				}
				res.AddTurn(tr)
			}
		}
		res.Complete()
		results = append(results, res)
	}
	return report.Build(report.FromResults(results...), nil), nil
}

func (r *scriptedRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type recordingSink struct {
	iterations []fixloop.Iteration
}

func (s *recordingSink) PublishIteration(_ context.Context, _ string, it fixloop.Iteration) error {
	s.iterations = append(s.iterations, it)
	return nil
}

type countingRemediator struct {
	calls int
	err   error
}

func (r *countingRemediator) Remediate(context.Context, fixloop.Iteration) error {
	r.calls++
	return r.err
}

func TestRun_PassesFirstTime(t *testing.T) {
	runner := &scriptedRunner{script: []map[string]outcome{{}}}
	c := fixloop.New(runner)

	res := c.Run(context.Background(), scenarios("a", "b"))

	assert.Equal(t, fixloop.StatePassed, res.State)
	assert.Equal(t, fixloop.StatePassed, c.State())
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 0, res.ExitCode())
}

func TestRun_NarrowsToFailedScenarios(t *testing.T) {
	runner := &scriptedRunner{script: []map[string]outcome{
		{"b": {passed: 1}, "c": {passed: 0}},
		{"c": {passed: 1}},
		{},
	}}
	sink := &recordingSink{}
	rem := &countingRemediator{}

	res := fixloop.New(runner, fixloop.WithEventSink(sink), fixloop.WithRemediator(rem)).
		Run(context.Background(), scenarios("a", "b", "c"))

	assert.Equal(t, fixloop.StatePassed, res.State)
	assert.Equal(t, [][]string{{"a", "b", "c"}, {"b", "c"}, {"c"}}, runner.calls)
	assert.Equal(t, 2, rem.calls)

	require.Len(t, sink.iterations, 3)
	assert.Equal(t, fixloop.StateNeedsFix, sink.iterations[0].State)
	assert.Equal(t, []string{"b", "c"}, sink.iterations[0].FailedScenarios)
	require.Len(t, sink.iterations[0].Instructions, 1)
	assert.Equal(t, expect.CategoryTopicReMatching, sink.iterations[0].Instructions[0].Category)
	assert.Equal(t, "b", sink.iterations[0].Instructions[0].ExampleScenario)
	assert.Equal(t, fixloop.StatePassed, sink.iterations[2].State)
}

func TestRun_NeverExceedsMaxAttempts(t *testing.T) {
	for limit := 1; limit <= 6; limit++ {
		runner := &scriptedRunner{script: []map[string]outcome{{"a": {passed: 1}}}}
		rem := &countingRemediator{}

		res := fixloop.New(runner, fixloop.WithMaxAttempts(limit), fixloop.WithRemediator(rem)).
			Run(context.Background(), scenarios("a"))

		assert.Equal(t, fixloop.StateEscalate, res.State, "limit=%d", limit)
		assert.Equal(t, limit, runner.callCount(), "limit=%d", limit)
		assert.Equal(t, limit, res.Attempts)
		assert.Equal(t, limit-1, rem.calls, "no remediation after the last attempt")
		assert.False(t, res.Infrastructure)
		assert.Equal(t, 1, res.ExitCode())
	}
}

func TestRun_InfrastructureFailureEscalatesImmediately(t *testing.T) {
	runner := &scriptedRunner{script: []map[string]outcome{{"a": {infra: true}, "b": {passed: 1}}}}
	rem := &countingRemediator{}

	res := fixloop.New(runner, fixloop.WithMaxAttempts(5), fixloop.WithRemediator(rem)).
		Run(context.Background(), scenarios("a", "b"))

	assert.Equal(t, fixloop.StateEscalate, res.State)
	assert.True(t, res.Infrastructure)
	assert.Equal(t, 1, runner.callCount())
	assert.Zero(t, rem.calls)
	assert.Equal(t, 2, res.ExitCode())
}

func TestRun_InfrastructureOnLaterAttempt(t *testing.T) {
	runner := &scriptedRunner{script: []map[string]outcome{
		{"a": {passed: 1}},
		{"a": {infra: true}},
	}}

	res := fixloop.New(runner, fixloop.WithMaxAttempts(5)).Run(context.Background(), scenarios("a"))

	assert.Equal(t, 2, runner.callCount())
	assert.True(t, res.Infrastructure)
	assert.Equal(t, fixloop.StateEscalate, res.State)
}

func TestRun_RunnerErrorEscalates(t *testing.T) {
	runner := &scriptedRunner{err: errors.New("no scenarios")}
	res := fixloop.New(runner).Run(context.Background(), scenarios("a"))

	assert.Equal(t, fixloop.StateEscalate, res.State)
	assert.True(t, res.Infrastructure)
	assert.Contains(t, res.Reason, "no scenarios")
}

func TestRun_DetectsRegressions(t *testing.T) {
	runner := &scriptedRunner{script: []map[string]outcome{
		{"a": {passed: 1}, "b": {passed: 1}},
		{"a": {passed: 0}, "b": {passed: 1}},
		{"a": {passed: 0}, "b": {passed: 1}},
	}}
	sink := &recordingSink{}

	res := fixloop.New(runner, fixloop.WithEventSink(sink)).Run(context.Background(), scenarios("a", "b"))

	require.Len(t, sink.iterations, 3)
	assert.Empty(t, sink.iterations[0].Regressions)
	assert.Equal(t, []string{"a"}, sink.iterations[1].Regressions)
	assert.Empty(t, sink.iterations[2].Regressions)
	assert.Equal(t, []string{"a"}, res.Regressions)
}

func TestRun_RemediationErrorStops(t *testing.T) {
	runner := &scriptedRunner{script: []map[string]outcome{{"a": {passed: 0}}}}
	rem := &countingRemediator{err: errors.New("watch failed")}

	res := fixloop.New(runner, fixloop.WithRemediator(rem)).Run(context.Background(), scenarios("a"))

	assert.Equal(t, fixloop.StateEscalate, res.State)
	assert.Equal(t, 1, runner.callCount())
	assert.Contains(t, res.Reason, "watch failed")
}

func TestRun_CancelledContextEscalatesAsInfrastructure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	runner := &scriptedRunner{script: []map[string]outcome{{"a": {passed: 0}}}}

	res := fixloop.New(runner).Run(ctx, scenarios("a"))

	assert.Equal(t, fixloop.StateEscalate, res.State)
	assert.True(t, res.Infrastructure)
	assert.Equal(t, 1, runner.callCount())
}

func TestStateTransitions(t *testing.T) {
	tests := []struct {
		from, to fixloop.State
		want     bool
	}{
		{fixloop.StateIdle, fixloop.StateRunning, true},
		{fixloop.StateIdle, fixloop.StatePassed, false},
		{fixloop.StateRunning, fixloop.StatePassed, true},
		{fixloop.StateRunning, fixloop.StateNeedsFix, true},
		{fixloop.StateRunning, fixloop.StateEscalate, true},
		{fixloop.StateNeedsFix, fixloop.StateRunning, true},
		{fixloop.StateNeedsFix, fixloop.StateEscalate, true},
		{fixloop.StatePassed, fixloop.StateRunning, false},
		{fixloop.StateEscalate, fixloop.StateRunning, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransitionTo(tt.to))
		})
	}
	assert.True(t, fixloop.StateEscalate.IsTerminal())
	assert.False(t, fixloop.StateNeedsFix.IsTerminal())
}

func TestInstructions_OnePerCategoryInTaxonomyOrder(t *testing.T) {
	failures := []report.Failure{
		{Scenario: "s2", TurnIndex: 1, Category: expect.CategoryRecovery},
		{Scenario: "s1", TurnIndex: 0, Category: expect.CategoryTopicReMatching,
			Checks: []engine.CheckResult{{Kind: scenario.KindTopicContains}}},
		{Scenario: "s3", TurnIndex: 2, Category: expect.CategoryTopicReMatching},
	}

	ins := fixloop.Instructions(failures)

	require.Len(t, ins, 2)
	assert.Equal(t, expect.CategoryTopicReMatching, ins[0].Category)
	assert.Equal(t, "s1", ins[0].ExampleScenario)
	assert.Equal(t, "topic_contains", ins[0].ExampleCheck)
	assert.Equal(t, expect.CategoryRecovery, ins[1].Category)
	for _, c := range expect.Categories {
		assert.NotEqual(t, "Review the agent configuration", fixloop.FixFor(c), c)
	}
}
