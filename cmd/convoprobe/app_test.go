package main

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/convoprobe/config"
	"github.com/c360studio/convoprobe/engine"
	"github.com/c360studio/convoprobe/fixloop"
	"github.com/c360studio/convoprobe/history"
	"github.com/c360studio/convoprobe/protocol"
	"github.com/c360studio/convoprobe/protocol/testutil"
	"github.com/c360studio/convoprobe/report"
	"github.com/c360studio/convoprobe/scenario"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Agent.BaseURL = "http://agent.invalid"
	cfg.Agent.AgentID = "billing"
	require.NoError(t, cfg.Validate())
	return cfg
}

// topicAgent answers every message with a topic derived from the user text.
func topicAgent() *testutil.MockClient {
	return &testutil.MockClient{
		ReplyFunc: func(_ string, req protocol.MessageRequest) testutil.Reply {
			if strings.Contains(strings.ToLower(req.Text), "refund") {
				return testutil.Inform("Happy to help with your refund.", "Refunds", "LookupOrder")
			}
			return testutil.Inform("I can help with billing questions.", "General")
		},
	}
}

func turn(user string, exp ...scenario.Expectation) scenario.Turn {
	return scenario.Turn{User: user, Expect: exp}
}

func topic(v string) scenario.Expectation {
	return scenario.Expectation{Kind: scenario.KindTopicContains, Value: v}
}

func TestAppRunScenarios(t *testing.T) {
	cfg := testConfig(t)
	cfg.History.Path = filepath.Join(t.TempDir(), "history.db")

	mock := topicAgent()
	app, err := NewApp(cfg, nil, mock)
	require.NoError(t, err)
	require.NoError(t, app.Start(context.Background()))
	defer app.Shutdown()

	scenarios := []scenario.Scenario{
		{Name: "refund", Turns: []scenario.Turn{turn("I want a refund", topic("Refunds"))}},
		{Name: "invoice", Turns: []scenario.Turn{turn("Show my invoice", topic("Invoices"))}},
		{Name: "hello", Turns: []scenario.Turn{turn("hello", scenario.Expectation{Kind: scenario.KindResponseNotEmpty, Value: true})}},
	}

	rep := app.RunScenarios(context.Background(), scenarios, kindRun)
	assert.Equal(t, 3, rep.Summary.Total)
	assert.Equal(t, 2, rep.Summary.Passed)
	assert.Equal(t, 1, rep.Summary.Failed)
	assert.Equal(t, report.ExitAssertionFailures, rep.ExitCode())
	assert.Equal(t, "billing", rep.AgentID)
	assert.Len(t, mock.Creates(), 3)
	assert.Zero(t, mock.OpenSessions())

	// Scoring ran through the metrics-enabled engines.
	families, err := app.registry.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)

	runs, err := app.store.List(context.Background(), history.DefaultLimit)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, rep.RunID, runs[0].RunID)
	assert.Equal(t, kindRun, runs[0].Kind)
}

func TestAppGlobalVariables(t *testing.T) {
	cfg := testConfig(t)
	cfg.Run.Variables = []string{"$Context.AccountId=A-1"}

	mock := topicAgent()
	app, err := NewApp(cfg, nil, mock)
	require.NoError(t, err)

	sc := scenario.Scenario{
		Name:      "vars",
		Variables: []protocol.Variable{{Name: "$Context.AccountId", Type: "Text", Value: "from-scenario"}},
		Turns:     []scenario.Turn{turn("hello")},
	}
	app.RunScenarios(context.Background(), []scenario.Scenario{sc}, kindRun)

	creates := mock.Creates()
	require.Len(t, creates, 1)
	require.Len(t, creates[0].Variables, 1)
	assert.Equal(t, "A-1", creates[0].Variables[0].Value)
}

func TestNewAppRejectsBadSettings(t *testing.T) {
	cfg := testConfig(t)
	cfg.Run.Variables = []string{"no-equals-sign"}
	_, err := NewApp(cfg, nil, topicAgent())
	assert.Error(t, err)

	cfg = testConfig(t)
	cfg.Scoring.Weights = map[string]float64{"vibes": 3}
	_, err = NewApp(cfg, nil, topicAgent())
	assert.Error(t, err)
}

func TestAppFixLoopNarrowsToFailures(t *testing.T) {
	cfg := testConfig(t)
	cfg.FixLoop.MaxAttempts = 3

	mock := topicAgent()
	app, err := NewApp(cfg, nil, mock)
	require.NoError(t, err)

	scenarios := []scenario.Scenario{
		{Name: "refund", Turns: []scenario.Turn{turn("I want a refund", topic("Refunds"))}},
		{Name: "invoice", Turns: []scenario.Turn{turn("Show my invoice", topic("Invoices"))}},
	}

	res := app.FixLoop(context.Background(), scenarios)
	assert.Equal(t, fixloop.StateEscalate, res.State)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, report.ExitAssertionFailures, res.ExitCode())
	// Two sessions on the first attempt, then only the failing scenario.
	assert.Len(t, mock.Creates(), 4)

	require.Len(t, res.Iterations, 3)
	assert.Equal(t, []string{"invoice"}, res.Iterations[0].FailedScenarios)
	assert.Equal(t, []string{"invoice"}, res.Iterations[1].Scenarios)
	assert.NotEmpty(t, res.Iterations[0].Instructions)
}

func TestAppInfrastructureFailure(t *testing.T) {
	cfg := testConfig(t)
	mock := &testutil.MockClient{CreateErr: &protocol.AuthError{StatusCode: 401}}
	app, err := NewApp(cfg, nil, mock)
	require.NoError(t, err)

	rep := app.RunScenarios(context.Background(), []scenario.Scenario{
		{Name: "a", Turns: []scenario.Turn{turn("hi")}},
	}, kindRun)
	assert.Equal(t, report.ExitInfrastructureFail, rep.ExitCode())
	assert.Equal(t, 1, rep.Statuses[engine.StatusErrored])
}
