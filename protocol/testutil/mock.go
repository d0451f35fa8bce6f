// Package testutil provides a scripted protocol.Client for tests.
package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/c360studio/convoprobe/protocol"
)

// Reply is one scripted answer to SendMessage.
type Reply struct {
	Messages protocol.Messages
	Err      error
}

// CreateCall records a CreateSession invocation.
type CreateCall struct {
	AgentID   string
	Variables []protocol.Variable
}

// SendCall records a SendMessage invocation.
type SendCall struct {
	SessionID string
	Request   protocol.MessageRequest
}

// EndCall records an EndSession invocation.
type EndCall struct {
	SessionID string
	Reason    string
}

// MockClient is a thread-safe protocol.Client for testing.
// It hands out numbered session ids, enforces per-session sequence ids the way the
// real service does, and answers messages from Replies in order or from ReplyFunc.
//
// Usage:
//
//	mock := &testutil.MockClient{
//	    Replies: []testutil.Reply{
//	        testutil.Inform("Sure, which appointment?", "cancel_appointment"),
//	    },
//	}
type MockClient struct {
	mu sync.Mutex

	// InitialMessages are returned by every CreateSession.
	InitialMessages protocol.Messages
	// Replies are consumed in order across all sessions.
	Replies []Reply
	// ReplyFunc, when set, answers every message and takes precedence over Replies.
	ReplyFunc func(sessionID string, req protocol.MessageRequest) Reply
	// CreateErr is returned by CreateSession when set.
	CreateErr error
	// EndErr is returned by EndSession when set.
	EndErr error

	sessions   int
	replyIndex int
	nextSeq    map[string]int
	ended      map[string]bool
	creates    []CreateCall
	sends      []SendCall
	ends       []EndCall
}

// CreateSession implements protocol.Client.
func (m *MockClient) CreateSession(_ context.Context, agentID string, vars []protocol.Variable) (*protocol.CreateSessionResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.creates = append(m.creates, CreateCall{AgentID: agentID, Variables: append([]protocol.Variable(nil), vars...)})
	if m.CreateErr != nil {
		return nil, m.CreateErr
	}

	m.sessions++
	id := fmt.Sprintf("mock-session-%d", m.sessions)
	if m.nextSeq == nil {
		m.nextSeq = make(map[string]int)
		m.ended = make(map[string]bool)
	}
	m.nextSeq[id] = 1

	return &protocol.CreateSessionResponse{SessionID: id, Messages: m.InitialMessages}, nil
}

// SendMessage implements protocol.Client.
func (m *MockClient) SendMessage(_ context.Context, sessionID string, req protocol.MessageRequest) (*protocol.MessageResponse, error) {
	m.mu.Lock()
	m.sends = append(m.sends, SendCall{SessionID: sessionID, Request: req})

	want, ok := m.nextSeq[sessionID]
	if !ok || m.ended[sessionID] {
		m.mu.Unlock()
		return nil, &protocol.NotFoundError{Resource: "session " + sessionID}
	}
	if req.SequenceID != want {
		m.mu.Unlock()
		return nil, &protocol.SequenceError{SessionID: sessionID, SequenceID: req.SequenceID, Body: fmt.Sprintf("expected %d", want)}
	}
	m.nextSeq[sessionID] = want + 1

	fn := m.ReplyFunc
	var reply Reply
	if fn == nil && m.replyIndex < len(m.Replies) {
		reply = m.Replies[m.replyIndex]
		m.replyIndex++
	}
	m.mu.Unlock()

	// ReplyFunc runs unlocked so it may cancel contexts or inspect the mock.
	if fn != nil {
		reply = fn(sessionID, req)
	}
	if reply.Err != nil {
		return nil, reply.Err
	}
	return &protocol.MessageResponse{Messages: reply.Messages}, nil
}

// EndSession implements protocol.Client.
func (m *MockClient) EndSession(_ context.Context, sessionID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ends = append(m.ends, EndCall{SessionID: sessionID, Reason: reason})
	if m.EndErr != nil {
		return m.EndErr
	}
	if m.ended != nil {
		m.ended[sessionID] = true
	}
	return nil
}

// Creates returns a copy of the recorded CreateSession calls.
func (m *MockClient) Creates() []CreateCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]CreateCall(nil), m.creates...)
}

// Sends returns a copy of the recorded SendMessage calls.
func (m *MockClient) Sends() []SendCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SendCall(nil), m.sends...)
}

// Ends returns a copy of the recorded EndSession calls.
func (m *MockClient) Ends() []EndCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]EndCall(nil), m.ends...)
}

// OpenSessions returns the number of sessions created but not yet ended.
func (m *MockClient) OpenSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	open := 0
	for id := range m.nextSeq {
		if !m.ended[id] {
			open++
		}
	}
	return open
}

// Inform builds a reply with one Inform message.
func Inform(text, topic string, actions ...string) Reply {
	return Reply{Messages: protocol.Messages{&protocol.Inform{Content: protocol.Content{
		Text:    text,
		Topic:   topic,
		Actions: actions,
	}}}}
}

// Escalate builds a reply with one Escalation message.
func Escalate(text string) Reply {
	return Reply{Messages: protocol.Messages{&protocol.Escalation{Content: protocol.Content{
		Text:      text,
		Escalated: true,
	}}}}
}
