package publish_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/c360studio/convoprobe/engine"
	"github.com/c360studio/convoprobe/fixloop"
	"github.com/c360studio/convoprobe/publish"
	"github.com/c360studio/convoprobe/report"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu      sync.Mutex
	msgs    []*nats.Msg
	err     error
	flushed bool
	drained bool
}

func (f *fakeConn) PublishMsg(m *nats.Msg) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, m)
	return nil
}

func (f *fakeConn) FlushTimeout(time.Duration) error {
	f.flushed = true
	return nil
}

func (f *fakeConn) Drain() error {
	f.drained = true
	return nil
}

func TestPublishReport(t *testing.T) {
	conn := &fakeConn{}
	p := publish.New(conn)

	res := &engine.ScenarioResult{ScenarioName: "a", TotalTurns: 1, Turns: []engine.TurnResult{}}
	res.AddTurn(engine.TurnResult{TurnIndex: 0, Passed: true})
	rep := report.Build(report.FromResults(res), nil, report.WithRunID("run-42"))

	require.NoError(t, p.PublishReport(context.Background(), rep))

	require.Len(t, conn.msgs, 1)
	msg := conn.msgs[0]
	assert.Equal(t, "convoprobe.run.run-42.report", msg.Subject)
	assert.Equal(t, "application/json", msg.Header.Get("Content-Type"))
	assert.Equal(t, "report", msg.Header.Get("Convoprobe-Event"))
	assert.Equal(t, "run-42", msg.Header.Get("Convoprobe-Run-Id"))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(msg.Data, &decoded))
	assert.Equal(t, "run-42", decoded["run_id"])
}

func TestPublishIteration(t *testing.T) {
	conn := &fakeConn{}
	p := publish.New(conn, publish.WithSubjectPrefix("qa"))

	it := fixloop.Iteration{Attempt: 2, State: fixloop.StateNeedsFix, FailedScenarios: []string{"b"}}
	require.NoError(t, p.PublishIteration(context.Background(), "run-7", it))

	require.Len(t, conn.msgs, 1)
	assert.Equal(t, "qa.fixloop.run-7.iteration", conn.msgs[0].Subject)

	var decoded fixloop.Iteration
	require.NoError(t, json.Unmarshal(conn.msgs[0].Data, &decoded))
	assert.Equal(t, 2, decoded.Attempt)
	assert.Equal(t, fixloop.StateNeedsFix, decoded.State)
}

func TestPublishIteration_WithoutRunID(t *testing.T) {
	conn := &fakeConn{}
	require.NoError(t, publish.New(conn).PublishIteration(context.Background(), "", fixloop.Iteration{Attempt: 1}))
	assert.Equal(t, "convoprobe.fixloop.unknown.iteration", conn.msgs[0].Subject)
}

func TestPublish_Errors(t *testing.T) {
	conn := &fakeConn{err: errors.New("nats: connection closed")}
	p := publish.New(conn)

	err := p.PublishIteration(context.Background(), "r", fixloop.Iteration{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection closed")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	conn.err = nil
	err = p.PublishIteration(ctx, "r", fixloop.Iteration{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, conn.msgs)
}

func TestPublisherSatisfiesEventSink(t *testing.T) {
	var _ fixloop.EventSink = publish.New(&fakeConn{})
}

func TestClose(t *testing.T) {
	conn := &fakeConn{}
	require.NoError(t, publish.New(conn).Close())
	assert.True(t, conn.flushed)
	assert.True(t, conn.drained)
}
