// Package agentsim is a deterministic, fixture-driven implementation of the
// agent session protocol. It backs the mock-agent binary and end-to-end tests.
package agentsim

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/c360studio/convoprobe/protocol"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

type session struct {
	agentID string
	nextSeq int
	ended   bool
	vars    []protocol.Variable
}

// Stats are the server counters exposed on /stats.
type Stats struct {
	SessionsCreated int64 `json:"sessions_created"`
	SessionsOpen    int   `json:"sessions_open"`
	Messages        int64 `json:"messages"`
	EndCalls        int64 `json:"end_calls"`
}

// Server serves the session protocol from fixtures.
type Server struct {
	fixtures Fixtures
	token    string
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session

	created  atomic.Int64
	messages atomic.Int64
	ends     atomic.Int64
}

// New creates a server. An empty token disables authentication.
func New(fixtures Fixtures, token string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		fixtures: fixtures,
		token:    token,
		logger:   logger,
		sessions: make(map[string]*session),
	}
}

// Handler returns the HTTP router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/stats", s.handleStats)

	r.Group(func(r chi.Router) {
		r.Use(s.requireToken)
		r.Post("/sessions", s.handleCreate)
		r.Post("/sessions/{sessionID}/messages", s.handleMessage)
		r.Delete("/sessions/{sessionID}", s.handleEnd)
	})
	return r
}

// Stats returns a snapshot of the counters.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	open := 0
	for _, sess := range s.sessions {
		if !sess.ended {
			open++
		}
	}
	s.mu.Unlock()

	return Stats{
		SessionsCreated: s.created.Load(),
		SessionsOpen:    open,
		Messages:        s.messages.Load(),
		EndCalls:        s.ends.Load(),
	}
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" && r.Header.Get("Authorization") != "Bearer "+s.token {
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Stats())
}

type createRequest struct {
	AgentID            string              `json:"agentId"`
	ExternalSessionKey string              `json:"externalSessionKey"`
	SessionVariables   []protocol.Variable `json:"sessionVariables"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	agent, ok := s.fixtures[req.AgentID]
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("agent %q not found", req.AgentID))
		return
	}

	id := uuid.NewString()
	s.mu.Lock()
	s.sessions[id] = &session{agentID: req.AgentID, nextSeq: 1, vars: req.SessionVariables}
	s.mu.Unlock()
	s.created.Add(1)

	s.logger.Debug("Session created", slog.String("agent_id", req.AgentID), slog.String("session_id", id))

	greeting := agent.Greeting
	if greeting == "" {
		greeting = "Hi, how can I help you today?"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId": id,
		"messages":  []wireMessage{{ID: uuid.NewString(), Type: string(protocol.TypeInform), Message: substitute(greeting, req.SessionVariables)}},
	})
}

type messageRequest struct {
	Message struct {
		SequenceID int    `json:"sequenceId"`
		Type       string `json:"type"`
		Text       string `json:"text"`
	} `json:"message"`
	Variables []protocol.Variable `json:"variables"`
}

type wireMessage struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Message       string          `json:"message,omitempty"`
	Topic         string          `json:"topic,omitempty"`
	Actions       []wireAction    `json:"actions,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	IsContentSafe *bool           `json:"isContentSafe,omitempty"`
	Escalation    bool            `json:"escalation,omitempty"`
	Reason        string          `json:"reason,omitempty"`
}

type wireAction struct {
	Name string `json:"name"`
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")

	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok || sess.ended {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, fmt.Sprintf("session %q not found", id))
		return
	}
	if req.Message.SequenceID != sess.nextSeq {
		want := sess.nextSeq
		s.mu.Unlock()
		writeError(w, http.StatusConflict, fmt.Sprintf("sequenceId %d out of order, expected %d", req.Message.SequenceID, want))
		return
	}
	sess.nextSeq++
	sess.vars = protocol.MergeVariables(sess.vars, req.Variables)
	vars := append([]protocol.Variable(nil), sess.vars...)
	reply := s.fixtures[sess.agentID].pick(req.Message.SequenceID, req.Message.Text)
	if reply.EndSession {
		sess.ended = true
	}
	s.mu.Unlock()
	s.messages.Add(1)

	msgs := []wireMessage{toWire(reply, vars)}
	if reply.EndSession {
		msgs = append(msgs, wireMessage{ID: uuid.NewString(), Type: string(protocol.TypeSessionEnded), Reason: "AgentEnded"})
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func toWire(r Reply, vars []protocol.Variable) wireMessage {
	typ := r.Type
	if typ == "" {
		typ = string(protocol.TypeInform)
	}
	m := wireMessage{
		ID:      uuid.NewString(),
		Type:    typ,
		Message: substitute(r.Text, vars),
		Topic:   r.Topic,
		Result:  r.Result,
	}
	for _, a := range r.Actions {
		m.Actions = append(m.Actions, wireAction{Name: a})
	}
	if r.Unsafe {
		safe := false
		m.IsContentSafe = &safe
	}
	if typ == string(protocol.TypeEscalation) {
		m.Escalation = true
	}
	return m
}

// substitute replaces {name} placeholders with session variable values.
func substitute(text string, vars []protocol.Variable) string {
	for _, v := range vars {
		text = strings.ReplaceAll(text, "{"+v.Name+"}", v.Value)
	}
	return text
}

func (s *Server) handleEnd(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	s.ends.Add(1)

	s.mu.Lock()
	sess, ok := s.sessions[id]
	alreadyEnded := ok && sess.ended
	if ok {
		sess.ended = true
	}
	s.mu.Unlock()

	switch {
	case !ok:
		writeError(w, http.StatusNotFound, fmt.Sprintf("session %q not found", id))
	case alreadyEnded:
		writeError(w, http.StatusGone, "session already ended")
	default:
		s.logger.Debug("Session ended", slog.String("session_id", id), slog.String("reason", r.Header.Get("x-session-end-reason")))
		w.WriteHeader(http.StatusNoContent)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}
