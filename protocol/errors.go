package protocol

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Error types returned by Client implementations. Every type implements error and
// is matched with errors.As; none of them is retried by callers except RateLimitError,
// which HTTPClient retries internally before surfacing it.

// AuthError reports a rejected or expired bearer token (HTTP 401/403).
type AuthError struct {
	StatusCode int
	Body       string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed (status %d): %s", e.StatusCode, e.Body)
}

// NotFoundError reports an unknown agent or session (HTTP 404).
type NotFoundError struct {
	Resource string
	Body     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.Body)
}

// IsAgent reports whether the missing resource is an agent. An unknown session
// is a runtime condition (the agent may have ended it); an unknown agent is not.
func (e *NotFoundError) IsAgent() bool {
	kind, _, _ := strings.Cut(e.Resource, " ")
	return kind == "agent"
}

// RateLimitError reports HTTP 429 after the retry budget was exhausted.
type RateLimitError struct {
	Attempts   int
	RetryAfter time.Duration
	Body       string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited after %d attempts: %s", e.Attempts, e.Body)
}

// SequenceError reports a sequence id the service did not expect (HTTP 409).
// It always indicates a bug in the caller's sequencing.
type SequenceError struct {
	SessionID  string
	SequenceID int
	Body       string
}

func (e *SequenceError) Error() string {
	return fmt.Sprintf("sequence %d rejected for session %s: %s", e.SequenceID, e.SessionID, e.Body)
}

// TimeoutError reports a call that exceeded the per-call deadline.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
	err     error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.Timeout)
}

func (e *TimeoutError) Unwrap() error {
	return e.err
}

// ServerError reports a 5xx answer from the agent service.
type ServerError struct {
	StatusCode int
	Body       string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("agent service error (status %d): %s", e.StatusCode, e.Body)
}

// TransportError reports a request that never produced an HTTP response.
type TransportError struct {
	Op  string
	err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.err)
}

func (e *TransportError) Unwrap() error {
	return e.err
}

// APIError reports any other non-success status.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("agent API error (status %d): %s", e.StatusCode, e.Body)
}

// IsInfrastructure returns true if err means the conversation could not be run,
// as opposed to the agent answering badly.
func IsInfrastructure(err error) bool {
	return Kind(err) != ""
}

// IsConfiguration returns true for errors that retrying can never fix:
// bad credentials or an unknown agent.
func IsConfiguration(err error) bool {
	var auth *AuthError
	if errors.As(err, &auth) {
		return true
	}
	var notFound *NotFoundError
	return errors.As(err, &notFound) && notFound.IsAgent()
}

// Kind returns a stable short label for a protocol error, or "" if err is not one.
func Kind(err error) string {
	var (
		auth      *AuthError
		notFound  *NotFoundError
		rateLimit *RateLimitError
		sequence  *SequenceError
		timeout   *TimeoutError
		server    *ServerError
		transport *TransportError
		api       *APIError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &auth):
		return "auth"
	case errors.As(err, &notFound):
		return "not_found"
	case errors.As(err, &rateLimit):
		return "rate_limit"
	case errors.As(err, &sequence):
		return "sequence"
	case errors.As(err, &timeout):
		return "timeout"
	case errors.As(err, &server):
		return "server"
	case errors.As(err, &transport):
		return "transport"
	case errors.As(err, &api):
		return "api"
	default:
		return ""
	}
}

func truncateBody(body []byte) string {
	s := string(body)
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
