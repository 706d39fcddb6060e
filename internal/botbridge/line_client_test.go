package botbridge

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/biglist/biglist-go/internal/reliability"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type capturedReply struct {
	Authorization string
	Body          replyRequest
}

// replyServer records every call to the reply endpoint
type replyServer struct {
	*httptest.Server

	mu     sync.Mutex
	calls  []capturedReply
	status int
}

func newReplyServer(t *testing.T) *replyServer {
	t.Helper()
	s := &replyServer{status: http.StatusOK}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body replyRequest
		_ = json.NewDecoder(r.Body).Decode(&body)

		s.mu.Lock()
		s.calls = append(s.calls, capturedReply{Authorization: r.Header.Get("Authorization"), Body: body})
		status := s.status
		s.mu.Unlock()

		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{}`))
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *replyServer) Calls() []capturedReply {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]capturedReply(nil), s.calls...)
}

func (s *replyServer) SetStatus(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

func TestLineClient(t *testing.T) {
	ctx := context.Background()

	t.Run("posts a bearer authenticated text reply", func(t *testing.T) {
		srv := newReplyServer(t)
		client := NewLineClient("channel-token", WithEndpoint(srv.URL), WithClientLogger(discardLogger()))

		require.NoError(t, client.Reply(ctx, "r1", "Bug ID 42: Crash - Open"))

		calls := srv.Calls()
		require.Len(t, calls, 1)
		assert.Equal(t, "Bearer channel-token", calls[0].Authorization)
		assert.Equal(t, replyRequest{
			ReplyToken: "r1",
			Messages:   []textMessage{{Type: "text", Text: "Bug ID 42: Crash - Open"}},
		}, calls[0].Body)
	})

	t.Run("non 2xx is a single failed call", func(t *testing.T) {
		srv := newReplyServer(t)
		srv.SetStatus(http.StatusBadRequest)
		client := NewLineClient("channel-token", WithEndpoint(srv.URL), WithClientLogger(discardLogger()))

		err := client.Reply(ctx, "r1", "hi")

		var apiErr *ReplyAPIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
		assert.False(t, apiErr.IsRetryable())
		assert.Len(t, srv.Calls(), 1)
	})

	t.Run("open circuit stops calling the endpoint", func(t *testing.T) {
		srv := newReplyServer(t)
		srv.SetStatus(http.StatusInternalServerError)
		cb := reliability.NewCircuitBreaker(reliability.WithName("line_reply"), reliability.WithFailureThreshold(2))
		client := NewLineClient("channel-token",
			WithEndpoint(srv.URL),
			WithCircuitBreaker(cb),
			WithClientLogger(discardLogger()))

		assert.Error(t, client.Reply(ctx, "r1", "hi"))
		assert.Error(t, client.Reply(ctx, "r2", "hi"))
		err := client.Reply(ctx, "r3", "hi")

		assert.ErrorIs(t, err, reliability.ErrCircuitOpen)
		assert.Len(t, srv.Calls(), 2)
		assert.Equal(t, reliability.StateOpen, client.Breaker().GetState())
	})
}
