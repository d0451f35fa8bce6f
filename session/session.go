// Package session implements one conversation with a remote agent: it owns the
// session id, the message sequence, and the session variables.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360studio/convoprobe/protocol"
)

// ErrImmutableVariable is returned when a turn tries to change a variable that
// was not declared mutable.
var ErrImmutableVariable = errors.New("session variable is immutable")

// Session is a single stateful conversation. It is safe to call from multiple
// goroutines, but turns are serialized.
type Session struct {
	mu sync.Mutex

	client  protocol.Client
	agentID string
	id      string
	state   State
	nextSeq int
	// endedByAgent is set once a reply carries SessionEnded; Close then skips
	// the remote call since the agent side already dropped the session.
	endedByAgent bool

	variables []protocol.Variable
	mutable   map[string]bool
	initial   protocol.Messages

	logger *slog.Logger
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMutableVariables allows the named variables to be updated by later turns.
func WithMutableVariables(names ...string) Option {
	return func(s *Session) {
		for _, n := range names {
			s.mutable[n] = true
		}
	}
}

// Open creates a remote session and returns it Active. On failure no Session is
// returned and nothing needs closing.
func Open(ctx context.Context, client protocol.Client, agentID string, vars []protocol.Variable, opts ...Option) (*Session, error) {
	s := &Session{
		client:    client,
		agentID:   agentID,
		state:     StateCreated,
		nextSeq:   1,
		variables: append([]protocol.Variable(nil), vars...),
		mutable:   make(map[string]bool),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	resp, err := client.CreateSession(ctx, agentID, s.variables)
	if err != nil {
		s.state = StateEnded
		return nil, fmt.Errorf("open session: %w", err)
	}

	s.id = resp.SessionID
	s.initial = resp.Messages
	s.state = StateActive
	s.logger = s.logger.With(slog.String("session_id", s.id))
	s.logger.Debug("Session active", slog.String("agent_id", agentID))

	return s, nil
}

// ID returns the remote session id.
func (s *Session) ID() string {
	return s.id
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SequenceID returns the sequence id of the last message sent, 0 before the first turn.
func (s *Session) SequenceID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextSeq - 1
}

// Variables returns a copy of the current session variables.
func (s *Session) Variables() []protocol.Variable {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Variable(nil), s.variables...)
}

// InitialMessages returns the greeting messages received at creation.
func (s *Session) InitialMessages() protocol.Messages {
	return s.initial
}

// SendTurn sends one user utterance with the next sequence id and parses the reply.
// updates are optional variable changes, allowed only for mutable variables.
func (s *Session) SendTurn(ctx context.Context, utterance string, updates ...protocol.Variable) (*TurnResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateActive {
		return nil, &InvalidStateError{Op: "send turn", State: s.state}
	}
	for _, u := range updates {
		if !s.mutable[u.Name] {
			return nil, fmt.Errorf("%w: %s", ErrImmutableVariable, u.Name)
		}
	}

	// A sequence id is consumed once it goes on the wire, even if the call fails.
	seq := s.nextSeq
	s.nextSeq++

	start := time.Now()
	resp, err := s.client.SendMessage(ctx, s.id, protocol.MessageRequest{
		SequenceID: seq,
		Text:       utterance,
		Variables:  updates,
	})
	if err != nil {
		s.logger.Debug("Turn failed", slog.Int("sequence_id", seq), slog.String("error", err.Error()))
		return nil, fmt.Errorf("turn %d: %w", seq, err)
	}

	if len(updates) > 0 {
		s.variables = protocol.MergeVariables(s.variables, updates)
	}

	turn, unknown := parseMessages(resp.Messages)
	turn.SequenceID = seq
	turn.Utterance = utterance
	turn.Elapsed = time.Since(start)
	if turn.EndedByAgent {
		s.endedByAgent = true
	}

	for _, typ := range unknown {
		s.logger.Debug("Ignoring unrecognized message", slog.String("type", typ))
	}
	s.logger.Debug("Turn complete",
		slog.Int("sequence_id", seq),
		slog.String("topic", turn.Topic),
		slog.Int("actions", len(turn.Actions)),
		slog.Bool("escalated", turn.Escalated),
		slog.Duration("elapsed", turn.Elapsed))

	return turn, nil
}

// Close ends the session with the given reason. Closing an Ended session is a no-op,
// and a session the agent already ended is closed locally only.
// The session is Ended afterwards even when the remote call fails.
func (s *Session) Close(ctx context.Context, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateEnded {
		return nil
	}
	s.state = StateEnded

	if s.endedByAgent {
		s.logger.Debug("Session already ended by agent", slog.String("reason", reason))
		return nil
	}
	if err := s.client.EndSession(ctx, s.id, reason); err != nil {
		s.logger.Warn("Failed to end session", slog.String("reason", reason), slog.String("error", err.Error()))
		return fmt.Errorf("close session: %w", err)
	}
	s.logger.Debug("Session ended", slog.String("reason", reason))
	return nil
}
