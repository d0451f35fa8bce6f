// Package protocol is a stateless client for the conversational-agent session API:
// create a session, send a sequenced message, end a session.
package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// maxResponseSize limits an agent response body.
const maxResponseSize = 4 * 1024 * 1024

// DefaultTimeout is the per-call deadline applied when none is configured.
const DefaultTimeout = 30 * time.Second

// End reasons sent in the x-session-end-reason header.
const (
	ReasonUserRequest = "UserRequest"
	ReasonCancelled   = "Cancelled"
	ReasonError       = "Error"
)

// Client is the three-operation session API. Implementations hold no session state.
type Client interface {
	CreateSession(ctx context.Context, agentID string, vars []Variable) (*CreateSessionResponse, error)
	SendMessage(ctx context.Context, sessionID string, req MessageRequest) (*MessageResponse, error)
	EndSession(ctx context.Context, sessionID, reason string) error
}

// CreateSessionResponse is the result of CreateSession.
type CreateSessionResponse struct {
	SessionID string
	Messages  Messages
}

// MessageRequest is one user turn.
type MessageRequest struct {
	SequenceID int
	Text       string
	// Variables are optional updates sent alongside the message.
	Variables []Variable
}

// MessageResponse is the agent's reply to one turn.
type MessageResponse struct {
	Messages Messages
}

// TokenSource supplies the bearer token for each call. Acquisition and refresh
// happen outside this package.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource that always returns the same token.
type StaticToken string

// Token implements TokenSource.
func (t StaticToken) Token(context.Context) (string, error) {
	return string(t), nil
}

// HTTPClient implements Client over HTTPS+JSON.
type HTTPClient struct {
	baseURL     string
	tokens      TokenSource
	httpClient  *http.Client
	retryConfig RetryConfig
	timeout     time.Duration
	logger      *slog.Logger
}

// ClientOption configures an HTTPClient.
type ClientOption func(*HTTPClient)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *HTTPClient) {
		client.httpClient = c
	}
}

// WithRetryConfig sets the rate-limit retry policy.
func WithRetryConfig(cfg RetryConfig) ClientOption {
	return func(client *HTTPClient) {
		client.retryConfig = cfg
	}
}

// WithTimeout sets the per-call deadline.
func WithTimeout(d time.Duration) ClientOption {
	return func(client *HTTPClient) {
		if d > 0 {
			client.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(client *HTTPClient) {
		if logger != nil {
			client.logger = logger
		}
	}
}

// NewHTTPClient creates a client for the agent service rooted at baseURL.
func NewHTTPClient(baseURL string, tokens TokenSource, opts ...ClientOption) *HTTPClient {
	c := &HTTPClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		tokens:      tokens,
		httpClient:  &http.Client{},
		retryConfig: DefaultRetryConfig(),
		timeout:     DefaultTimeout,
		logger:      slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

type createSessionBody struct {
	AgentID            string     `json:"agentId"`
	ExternalSessionKey string     `json:"externalSessionKey"`
	SessionVariables   []Variable `json:"sessionVariables,omitempty"`
}

type createSessionReply struct {
	SessionID       string   `json:"sessionId"`
	Messages        Messages `json:"messages"`
	InitialMessages Messages `json:"initialMessages"`
}

// CreateSession opens a session for agentID with the given variables.
func (c *HTTPClient) CreateSession(ctx context.Context, agentID string, vars []Variable) (*CreateSessionResponse, error) {
	if agentID == "" {
		return nil, fmt.Errorf("agent id is required")
	}

	body := createSessionBody{
		AgentID:            agentID,
		ExternalSessionKey: uuid.New().String(),
		SessionVariables:   vars,
	}

	raw, err := c.call(ctx, call{
		op:       "create session",
		method:   http.MethodPost,
		path:     "/sessions",
		body:     body,
		resource: "agent " + agentID,
	})
	if err != nil {
		return nil, err
	}

	var reply createSessionReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, fmt.Errorf("parse create session response: %w", err)
	}
	if reply.SessionID == "" {
		return nil, fmt.Errorf("create session response has no sessionId")
	}

	msgs := reply.Messages
	if len(msgs) == 0 {
		msgs = reply.InitialMessages
	}

	c.logger.Debug("Session created",
		slog.String("agent_id", agentID),
		slog.String("session_id", reply.SessionID),
		slog.Int("variables", len(vars)))

	return &CreateSessionResponse{SessionID: reply.SessionID, Messages: msgs}, nil
}

type sendMessageBody struct {
	Message   outgoingMessage `json:"message"`
	Variables []Variable      `json:"variables,omitempty"`
}

type outgoingMessage struct {
	SequenceID int    `json:"sequenceId"`
	Type       string `json:"type"`
	Text       string `json:"text"`
}

type sendMessageReply struct {
	Messages Messages `json:"messages"`
}

// SendMessage sends one user message with an explicit sequence id.
func (c *HTTPClient) SendMessage(ctx context.Context, sessionID string, req MessageRequest) (*MessageResponse, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}

	body := sendMessageBody{
		Message: outgoingMessage{
			SequenceID: req.SequenceID,
			Type:       string(TypeText),
			Text:       req.Text,
		},
		Variables: req.Variables,
	}

	raw, err := c.call(ctx, call{
		op:       "send message",
		method:   http.MethodPost,
		path:     "/sessions/" + url.PathEscape(sessionID) + "/messages",
		body:     body,
		resource: "session " + sessionID,
	})
	if err != nil {
		var seq *SequenceError
		if errors.As(err, &seq) {
			seq.SessionID = sessionID
			seq.SequenceID = req.SequenceID
		}
		return nil, err
	}

	var reply sendMessageReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, fmt.Errorf("parse message response: %w", err)
	}

	return &MessageResponse{Messages: reply.Messages}, nil
}

// EndSession terminates a session. Ending an already-ended or unknown session succeeds.
func (c *HTTPClient) EndSession(ctx context.Context, sessionID, reason string) error {
	if sessionID == "" {
		return fmt.Errorf("session id is required")
	}
	if reason == "" {
		reason = ReasonUserRequest
	}

	_, err := c.call(ctx, call{
		op:       "end session",
		method:   http.MethodDelete,
		path:     "/sessions/" + url.PathEscape(sessionID),
		headers:  map[string]string{"x-session-end-reason": reason},
		resource: "session " + sessionID,
	})
	if err == nil {
		return nil
	}

	var notFound *NotFoundError
	var api *APIError
	if errors.As(err, &notFound) || (errors.As(err, &api) && api.StatusCode == http.StatusGone) {
		c.logger.Debug("Session already ended", slog.String("session_id", sessionID))
		return nil
	}
	return err
}

type call struct {
	op       string
	method   string
	path     string
	body     any
	headers  map[string]string
	resource string
}

// call executes a request, retrying only on HTTP 429.
func (c *HTTPClient) call(ctx context.Context, cl call) ([]byte, error) {
	var payload []byte
	if cl.body != nil {
		var err error
		if payload, err = json.Marshal(cl.body); err != nil {
			return nil, fmt.Errorf("%s: encode body: %w", cl.op, err)
		}
	}

	for retry := 0; ; retry++ {
		raw, header, err := c.do(ctx, cl, payload)
		if err == nil {
			return raw, nil
		}

		var rateLimit *RateLimitError
		if !errors.As(err, &rateLimit) {
			return nil, err
		}
		rateLimit.Attempts = retry + 1
		if retry >= c.retryConfig.MaxRetries {
			return nil, rateLimit
		}

		wait := c.retryConfig.backoff(retry + 1)
		if hint := parseRetryAfter(header); hint > 0 {
			wait = hint
			if c.retryConfig.MaxBackoff > 0 && wait > c.retryConfig.MaxBackoff {
				wait = c.retryConfig.MaxBackoff
			}
		}

		c.logger.Warn("Rate limited, retrying",
			slog.String("op", cl.op),
			slog.Int("retry", retry+1),
			slog.Int("max_retries", c.retryConfig.MaxRetries),
			slog.Duration("backoff", wait))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%s: %w", cl.op, ctx.Err())
		case <-timer.C:
		}
	}
}

// do executes a single HTTP round trip under the per-call deadline.
func (c *HTTPClient) do(ctx context.Context, cl call, payload []byte) ([]byte, http.Header, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(callCtx, cl.method, c.baseURL+cl.path, body)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: create request: %w", cl.op, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range cl.headers {
		req.Header.Set(k, v)
	}

	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, nil, &AuthError{Body: fmt.Sprintf("obtain token: %v", err)}
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, c.wrapTransport(ctx, callCtx, cl.op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, nil, c.wrapTransport(ctx, callCtx, cl.op, fmt.Errorf("read response body: %w", err))
	}

	if err := classifyHTTPError(resp.StatusCode, raw, resp.Header, cl.resource); err != nil {
		return nil, resp.Header, err
	}
	return raw, resp.Header, nil
}

// wrapTransport separates the per-call deadline from cancellation by the caller.
func (c *HTTPClient) wrapTransport(parent, callCtx context.Context, op string, err error) error {
	if parent.Err() != nil {
		return fmt.Errorf("%s: %w", op, parent.Err())
	}
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return &TimeoutError{Op: op, Timeout: c.timeout, err: err}
	}
	return &TransportError{Op: op, err: err}
}

// classifyHTTPError maps a status code onto the protocol error types.
func classifyHTTPError(statusCode int, body []byte, header http.Header, resource string) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	msg := truncateBody(body)
	switch {
	case statusCode == http.StatusUnauthorized, statusCode == http.StatusForbidden:
		return &AuthError{StatusCode: statusCode, Body: msg}
	case statusCode == http.StatusNotFound:
		return &NotFoundError{Resource: resource, Body: msg}
	case statusCode == http.StatusConflict:
		return &SequenceError{Body: msg}
	case statusCode == http.StatusTooManyRequests:
		return &RateLimitError{Attempts: 1, RetryAfter: parseRetryAfter(header), Body: msg}
	case statusCode >= 500:
		return &ServerError{StatusCode: statusCode, Body: msg}
	default:
		return &APIError{StatusCode: statusCode, Body: msg}
	}
}
