package metrics_test

import (
	"testing"
	"time"

	"github.com/c360studio/convoprobe/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectors_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := metrics.New(reg)

	c.SessionOpened()
	c.SessionOpened()
	c.SessionClosed()
	c.TurnFinished(true, "", 200*time.Millisecond)
	c.TurnFinished(false, "ACTION_CHAIN_FAILURE", time.Second)
	c.ScenarioFinished("partial")
	c.InfraError("auth")
	c.FixLoopIteration("needs_fix")

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["convoprobe_active_sessions"])
	assert.True(t, names["convoprobe_turn_failures_total"])
	assert.True(t, names["convoprobe_turn_duration_seconds"])
	assert.True(t, names["convoprobe_fix_loop_iterations_total"])

	count, err := testutil.GatherAndCount(reg, "convoprobe_turns_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count, "one series per result label")
}

func TestCollectors_NilIsNoop(t *testing.T) {
	var c *metrics.Collectors
	assert.NotPanics(t, func() {
		c.SessionOpened()
		c.SessionClosed()
		c.TurnFinished(false, "RECOVERY_FAILURE", time.Second)
		c.ScenarioFinished("failed")
		c.InfraError("timeout")
		c.FixLoopIteration("escalate")
	})
}
