package protocol_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/c360studio/convoprobe/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetry() protocol.RetryConfig {
	return protocol.RetryConfig{
		MaxRetries:        3,
		BackoffBase:       time.Millisecond,
		BackoffMultiplier: 2.0,
		MaxBackoff:        5 * time.Millisecond,
	}
}

func TestHTTPClient_CreateSession_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/sessions", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "agent-1", body["agentId"])
		assert.NotEmpty(t, body["externalSessionKey"])
		vars := body["sessionVariables"].([]any)
		require.Len(t, vars, 1)
		assert.Equal(t, map[string]any{"name": "$Context.AccountId", "type": "Text", "value": "001XX"}, vars[0])

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"sessionId":"s-1","messages":[{"type":"Inform","message":"Hi, how can I help?"}]}`))
	}))
	defer server.Close()

	client := protocol.NewHTTPClient(server.URL, protocol.StaticToken("secret"))
	resp, err := client.CreateSession(context.Background(), "agent-1", []protocol.Variable{
		{Name: "$Context.AccountId", Type: "Text", Value: "001XX"},
	})

	require.NoError(t, err)
	assert.Equal(t, "s-1", resp.SessionID)
	require.Len(t, resp.Messages, 1)
	inform, ok := resp.Messages[0].(*protocol.Inform)
	require.True(t, ok)
	assert.Equal(t, "Hi, how can I help?", inform.Text)
}

func TestHTTPClient_CreateSession_InitialMessagesField(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"sessionId":"s-2","initialMessages":[{"type":"Text","text":"Welcome"}]}`))
	}))
	defer server.Close()

	client := protocol.NewHTTPClient(server.URL, protocol.StaticToken("t"))
	resp, err := client.CreateSession(context.Background(), "agent-1", nil)

	require.NoError(t, err)
	require.Len(t, resp.Messages, 1)
	assert.Equal(t, protocol.TypeInform, resp.Messages[0].Type())
}

func TestHTTPClient_StatusClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		check  func(t *testing.T, err error)
	}{
		{
			name:   "unauthorized",
			status: http.StatusUnauthorized,
			check: func(t *testing.T, err error) {
				var target *protocol.AuthError
				assert.ErrorAs(t, err, &target)
				assert.True(t, protocol.IsConfiguration(err))
			},
		},
		{
			name:   "forbidden",
			status: http.StatusForbidden,
			check: func(t *testing.T, err error) {
				var target *protocol.AuthError
				assert.ErrorAs(t, err, &target)
			},
		},
		{
			name:   "not found",
			status: http.StatusNotFound,
			check: func(t *testing.T, err error) {
				var target *protocol.NotFoundError
				require.ErrorAs(t, err, &target)
				assert.Equal(t, "agent agent-x", target.Resource)
				assert.True(t, protocol.IsConfiguration(err))
			},
		},
		{
			name:   "server error",
			status: http.StatusBadGateway,
			check: func(t *testing.T, err error) {
				var target *protocol.ServerError
				assert.ErrorAs(t, err, &target)
				assert.True(t, protocol.IsInfrastructure(err))
				assert.False(t, protocol.IsConfiguration(err))
			},
		},
		{
			name:   "bad request",
			status: http.StatusBadRequest,
			check: func(t *testing.T, err error) {
				var target *protocol.APIError
				assert.ErrorAs(t, err, &target)
				assert.Equal(t, "api", protocol.Kind(err))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
				w.Write([]byte(`{"error":"nope"}`))
			}))
			defer server.Close()

			client := protocol.NewHTTPClient(server.URL, protocol.StaticToken("t"), protocol.WithRetryConfig(fastRetry()))
			_, err := client.CreateSession(context.Background(), "agent-x", nil)

			require.Error(t, err)
			tt.check(t, err)
			assert.Equal(t, int32(1), calls.Load(), "only 429 is retried")
		})
	}
}

func TestHTTPClient_SendMessage_UnknownSessionIsNotConfiguration(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"session ended"}`))
	}))
	defer server.Close()

	client := protocol.NewHTTPClient(server.URL, protocol.StaticToken("t"), protocol.WithRetryConfig(fastRetry()))
	_, err := client.SendMessage(context.Background(), "s-gone", protocol.MessageRequest{SequenceID: 2, Text: "hi"})

	var target *protocol.NotFoundError
	require.ErrorAs(t, err, &target)
	assert.Equal(t, "session s-gone", target.Resource)
	assert.False(t, target.IsAgent())
	assert.False(t, protocol.IsConfiguration(err))
	assert.True(t, protocol.IsInfrastructure(err))
}

func TestHTTPClient_RateLimit_RetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"messages":[{"type":"Inform","message":"ok"}]}`))
	}))
	defer server.Close()

	client := protocol.NewHTTPClient(server.URL, protocol.StaticToken("t"), protocol.WithRetryConfig(fastRetry()))
	resp, err := client.SendMessage(context.Background(), "s-1", protocol.MessageRequest{SequenceID: 1, Text: "hi"})

	require.NoError(t, err)
	assert.Len(t, resp.Messages, 1)
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPClient_RateLimit_Exhausted(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := protocol.NewHTTPClient(server.URL, protocol.StaticToken("t"), protocol.WithRetryConfig(fastRetry()))
	_, err := client.SendMessage(context.Background(), "s-1", protocol.MessageRequest{SequenceID: 1, Text: "hi"})

	var rateLimit *protocol.RateLimitError
	require.ErrorAs(t, err, &rateLimit)
	assert.Equal(t, 4, rateLimit.Attempts)
	assert.Equal(t, int32(4), calls.Load(), "first attempt plus three retries")
	assert.True(t, protocol.IsInfrastructure(err))
}

func TestHTTPClient_RateLimit_HonoursRetryAfterCap(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "120")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"messages":[]}`))
	}))
	defer server.Close()

	client := protocol.NewHTTPClient(server.URL, protocol.StaticToken("t"), protocol.WithRetryConfig(fastRetry()))
	start := time.Now()
	_, err := client.SendMessage(context.Background(), "s-1", protocol.MessageRequest{SequenceID: 1, Text: "hi"})

	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second, "Retry-After is capped by MaxBackoff")
}

func TestHTTPClient_SendMessage_SequenceConflict(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`expected 2`))
	}))
	defer server.Close()

	client := protocol.NewHTTPClient(server.URL, protocol.StaticToken("t"))
	_, err := client.SendMessage(context.Background(), "s-9", protocol.MessageRequest{SequenceID: 5, Text: "hi"})

	var seq *protocol.SequenceError
	require.ErrorAs(t, err, &seq)
	assert.Equal(t, "s-9", seq.SessionID)
	assert.Equal(t, 5, seq.SequenceID)
}

func TestHTTPClient_SendMessage_Body(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sessions/s-1/messages", r.URL.Path)
		var body struct {
			Message struct {
				SequenceID int    `json:"sequenceId"`
				Type       string `json:"type"`
				Text       string `json:"text"`
			} `json:"message"`
			Variables []protocol.Variable `json:"variables"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, 7, body.Message.SequenceID)
		assert.Equal(t, "Text", body.Message.Type)
		assert.Equal(t, "where is my order?", body.Message.Text)
		assert.Equal(t, []protocol.Variable{{Name: "Locale", Type: "Text", Value: "en_US"}}, body.Variables)
		w.Write([]byte(`{"messages":[{"type":"Inform","message":"Shipped","topic":"order_status","actions":["get_order",{"name":"track"}]}]}`))
	}))
	defer server.Close()

	client := protocol.NewHTTPClient(server.URL, protocol.StaticToken("t"))
	resp, err := client.SendMessage(context.Background(), "s-1", protocol.MessageRequest{
		SequenceID: 7,
		Text:       "where is my order?",
		Variables:  []protocol.Variable{{Name: "Locale", Type: "Text", Value: "en_US"}},
	})

	require.NoError(t, err)
	inform := resp.Messages[0].(*protocol.Inform)
	assert.Equal(t, "order_status", inform.Topic)
	assert.Equal(t, []string{"get_order", "track"}, inform.Actions)
}

func TestHTTPClient_PerCallTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	client := protocol.NewHTTPClient(server.URL, protocol.StaticToken("t"), protocol.WithTimeout(50*time.Millisecond))
	_, err := client.SendMessage(context.Background(), "s-1", protocol.MessageRequest{SequenceID: 1, Text: "hi"})

	var timeout *protocol.TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, "send message", timeout.Op)
	assert.Equal(t, "timeout", protocol.Kind(err))
}

func TestHTTPClient_ParentCancellationIsNotTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	client := protocol.NewHTTPClient(server.URL, protocol.StaticToken("t"), protocol.WithTimeout(5*time.Second))
	_, err := client.SendMessage(ctx, "s-1", protocol.MessageRequest{SequenceID: 1, Text: "hi"})

	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	var timeout *protocol.TimeoutError
	assert.False(t, errors.As(err, &timeout))
}

func TestHTTPClient_EndSession(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr bool
	}{
		{name: "ok", status: http.StatusOK},
		{name: "no content", status: http.StatusNoContent},
		{name: "already ended", status: http.StatusNotFound},
		{name: "gone", status: http.StatusGone},
		{name: "server error", status: http.StatusInternalServerError, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodDelete, r.Method)
				assert.Equal(t, "/sessions/s-1", r.URL.Path)
				assert.Equal(t, protocol.ReasonCancelled, r.Header.Get("x-session-end-reason"))
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			client := protocol.NewHTTPClient(server.URL, protocol.StaticToken("t"))
			err := client.EndSession(context.Background(), "s-1", protocol.ReasonCancelled)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

type failingTokens struct{}

func (failingTokens) Token(context.Context) (string, error) {
	return "", errors.New("credential store locked")
}

func TestHTTPClient_TokenSourceFailure(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer server.Close()

	client := protocol.NewHTTPClient(server.URL, failingTokens{})
	_, err := client.CreateSession(context.Background(), "agent-1", nil)

	var auth *protocol.AuthError
	require.ErrorAs(t, err, &auth)
	assert.Contains(t, err.Error(), "credential store locked")
	assert.Equal(t, int32(0), calls.Load())
}
