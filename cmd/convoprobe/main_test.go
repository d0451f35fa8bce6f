package main

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/convoprobe/agentsim"
	"github.com/c360studio/convoprobe/history"
	"github.com/c360studio/convoprobe/report"
)

const e2eToken = "e2e-token"

const passingScenarios = `
scenarios:
  - name: refund_flow
    session_variables:
      - name: $Context.AccountId
        type: Text
        value: A-7
    turns:
      - user: I need a refund
        expect:
          response_not_empty: true
          topic_contains: Refunds
          action_invoked: LookupOrder
      - user: And my invoice please
        expect:
          topic_contains: Invoices
          response_contains: A-7
  - name: escalation
    turns:
      - user: Put me through to a human
        expect:
          escalation_triggered: true
`

const failingScenario = `
name: wrong_topic
turns:
  - user: I need a refund
    expect:
      topic_contains: Invoices
`

// startAgent serves the billing fixture and isolates the test from user and
// project config files.
func startAgent(t *testing.T) string {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	for _, k := range []string{"BASE_URL", "AGENT_ID", "TOKEN", "NATS_URL", "HISTORY_DB", "METRICS_ADDR", "TIMEOUT", "VARIABLES"} {
		t.Setenv("CONVOPROBE_"+k, "")
	}

	fixtures := agentsim.Fixtures{
		"billing": {
			Greeting: "Hi, billing here.",
			Replies: []agentsim.Reply{
				{Match: "refund", Text: "I can help with a refund.", Topic: "Refunds", Actions: []string{"LookupOrder"}},
				{Match: "invoice", Text: "Invoice for {$Context.AccountId} attached.", Topic: "Invoices"},
				{Match: "human", Type: "Escalation", Text: "Let me connect you with a specialist."},
			},
		},
	}
	srv := httptest.NewServer(agentsim.New(fixtures, e2eToken, nil).Handler())
	t.Cleanup(srv.Close)
	return srv.URL
}

func writeScenario(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func agentArgs(url string, args ...string) []string {
	base := []string{"--base-url", url, "--agent-id", "billing", "--token", e2eToken, "--log-level", "error"}
	return append(args, base...)
}

func TestRunCommandPasses(t *testing.T) {
	url := startAgent(t)
	dir := t.TempDir()
	writeScenario(t, dir, "billing.yaml", passingScenarios)

	var stdout, stderr bytes.Buffer
	code := execute(agentArgs(url, "run", dir), &stdout, &stderr)
	require.Equal(t, report.ExitPassed, code, "stderr: %s", stderr.String())
	assert.Contains(t, stdout.String(), "refund_flow")
	assert.Contains(t, stdout.String(), "Passed: 2")
}

func TestRunCommandJSONAndHistory(t *testing.T) {
	url := startAgent(t)
	dir := t.TempDir()
	writeScenario(t, dir, "billing.yaml", passingScenarios)
	writeScenario(t, dir, "broken.yaml", failingScenario)
	out := filepath.Join(dir, "report.json")
	t.Setenv("CONVOPROBE_HISTORY_DB", filepath.Join(dir, "history.db"))

	var stdout, stderr bytes.Buffer
	code := execute(agentArgs(url, "run", filepath.Join(dir, "*.yaml"), "--json", "-o", out, "--workers", "1"), &stdout, &stderr)
	require.Equal(t, report.ExitAssertionFailures, code, "stderr: %s", stderr.String())

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	var rep report.Report
	require.NoError(t, json.Unmarshal(data, &rep))
	assert.Equal(t, 3, rep.Summary.Total)
	assert.Equal(t, 1, rep.Summary.Failed)

	stdout.Reset()
	code = execute([]string{"history", "--json"}, &stdout, &stderr)
	require.Equal(t, 0, code, "stderr: %s", stderr.String())
	var runs []history.Run
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, rep.RunID, runs[0].RunID)
}

func TestRunCommandInfrastructureFailure(t *testing.T) {
	url := startAgent(t)
	dir := t.TempDir()
	path := writeScenario(t, dir, "billing.yaml", passingScenarios)

	var stdout, stderr bytes.Buffer
	args := []string{"run", path, "--base-url", url, "--agent-id", "billing", "--token", "wrong", "--log-level", "error"}
	code := execute(args, &stdout, &stderr)
	assert.Equal(t, report.ExitInfrastructureFail, code)
	assert.Contains(t, stdout.String(), "could not run")
}

func TestFixLoopCommand(t *testing.T) {
	url := startAgent(t)
	dir := t.TempDir()
	path := writeScenario(t, dir, "broken.yaml", failingScenario)

	var stdout, stderr bytes.Buffer
	code := execute(agentArgs(url, "fix-loop", path, "--max-attempts", "2"), &stdout, &stderr)
	assert.Equal(t, report.ExitAssertionFailures, code, "stderr: %s", stderr.String())
	assert.Contains(t, stdout.String(), "Attempt 1: needs_fix")
	assert.Contains(t, stdout.String(), "Attempt 2: escalate")
	assert.Contains(t, stdout.String(), "TOPIC_RE_MATCHING_FAILURE")
}

func TestListAndValidate(t *testing.T) {
	startAgent(t)
	dir := t.TempDir()
	writeScenario(t, dir, "billing.yaml", passingScenarios)

	var stdout, stderr bytes.Buffer
	require.Equal(t, 0, execute([]string{"list", dir}, &stdout, &stderr), stderr.String())
	assert.Contains(t, stdout.String(), "refund_flow")
	assert.Contains(t, stdout.String(), "escalation")

	stdout.Reset()
	require.Equal(t, 0, execute([]string{"validate", dir}, &stdout, &stderr), stderr.String())
	assert.Contains(t, stdout.String(), "2 scenario(s), 3 turn(s) valid")

	bad := writeScenario(t, t.TempDir(), "bad.yaml", "name: empty\nturns: []\n")
	stderr.Reset()
	assert.Equal(t, report.ExitAssertionFailures, execute([]string{"validate", bad}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "Error:")
}

func TestMissingConfiguration(t *testing.T) {
	startAgent(t)
	path := writeScenario(t, t.TempDir(), "billing.yaml", passingScenarios)

	var stdout, stderr bytes.Buffer
	code := execute([]string{"run", path, "--log-level", "error"}, &stdout, &stderr)
	assert.Equal(t, report.ExitInfrastructureFail, code)
	assert.Contains(t, stderr.String(), "invalid configuration")
}

func TestVersion(t *testing.T) {
	var stdout, stderr bytes.Buffer
	require.Equal(t, 0, execute([]string{"version"}, &stdout, &stderr))
	assert.Contains(t, stdout.String(), appName+" version "+Version)
}
