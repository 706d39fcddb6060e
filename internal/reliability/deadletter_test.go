package reliability

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockQueuePublisher struct {
	mock.Mock
}

func (m *mockQueuePublisher) PublishToQueue(ctx context.Context, queue string, payload any) error {
	args := m.Called(ctx, queue, payload)
	return args.Error(0)
}

func TestExtractDeadLetterMetadata(t *testing.T) {
	t.Run("reads the most recent x-death entry", func(t *testing.T) {
		at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
		headers := amqp.Table{
			"x-death": []interface{}{
				amqp.Table{
					"queue":        "bug-service-queue",
					"exchange":     "line-bot-exchange",
					"reason":       "rejected",
					"count":        int64(2),
					"time":         at,
					"routing-keys": []interface{}{"bug-service-queue"},
				},
				amqp.Table{"queue": "older"},
			},
		}

		md := ExtractDeadLetterMetadata(headers)

		assert.Equal(t, "bug-service-queue", md.OriginalQueue)
		assert.Equal(t, "line-bot-exchange", md.OriginalExchange)
		assert.Equal(t, "rejected", md.Reason)
		assert.Equal(t, int64(2), md.Count)
		assert.Equal(t, at, md.DeadLetteredAt)
		assert.Equal(t, []string{"bug-service-queue"}, md.RoutingKeys)
	})

	t.Run("falls back to first-death headers", func(t *testing.T) {
		md := ExtractDeadLetterMetadata(amqp.Table{
			"x-first-death-queue":  "bug-user-updated-consumer",
			"x-first-death-reason": "rejected",
		})

		assert.Equal(t, "bug-user-updated-consumer", md.OriginalQueue)
		assert.Equal(t, "rejected", md.Reason)
	})

	t.Run("empty headers", func(t *testing.T) {
		md := ExtractDeadLetterMetadata(nil)
		assert.Empty(t, md.OriginalQueue)
	})
}

func TestDeadLetterReplayer(t *testing.T) {
	body := []byte(`{"replyToken":"r1","text":"hi"}`)
	headers := amqp.Table{
		"x-death": []interface{}{amqp.Table{"queue": "line-bot-reply-queue", "reason": "rejected", "count": int64(1)}},
	}

	t.Run("republishes to the original queue", func(t *testing.T) {
		pub := &mockQueuePublisher{}
		pub.On("PublishToQueue", mock.Anything, "line-bot-reply-queue", json.RawMessage(body)).Return(nil).Once()

		err := NewDeadLetterReplayer(pub, nil).Replay(context.Background(), headers, body)

		require.NoError(t, err)
		pub.AssertExpectations(t)
	})

	t.Run("publish failure is wrapped", func(t *testing.T) {
		pub := &mockQueuePublisher{}
		pub.On("PublishToQueue", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("down"))

		err := NewDeadLetterReplayer(pub, nil).Replay(context.Background(), headers, body)

		require.Error(t, err)
		assert.Contains(t, err.Error(), "line-bot-reply-queue")
	})

	t.Run("unknown origin is permanent", func(t *testing.T) {
		pub := &mockQueuePublisher{}

		err := NewDeadLetterReplayer(pub, nil).Replay(context.Background(), amqp.Table{}, body)

		assert.ErrorIs(t, err, ErrNoOriginalQueue)
		assert.False(t, isRetryableError(err))
		pub.AssertNotCalled(t, "PublishToQueue", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("describe returns metadata", func(t *testing.T) {
		md := NewDeadLetterReplayer(&mockQueuePublisher{}, nil).Describe(headers, body)
		assert.Equal(t, "line-bot-reply-queue", md.OriginalQueue)
	})
}
