package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/biglist/biglist-go/internal/rabbitmq"
	"github.com/biglist/biglist-go/internal/rabbitmq/rabbitmqtest"
	"github.com/biglist/biglist-go/internal/reliability"
	"github.com/biglist/biglist-go/messaging"
)

// deadLetterOne rejects one message published to d so it lands on the
// dead-letter queue
func deadLetterOne(t *testing.T, stack *rabbitmqtest.Stack, d rabbitmq.Descriptor, body []byte) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	var handled atomic.Int32

	done := make(chan error, 1)
	go func() {
		done <- stack.Consumer.Consume(ctx, d, func(context.Context, rabbitmq.Envelope) error {
			handled.Add(1)
			return errors.New("cannot handle")
		})
	}()
	require.Eventually(t, func() bool { return stack.Broker.Consumers(d.Queue) == 1 }, time.Second, time.Millisecond)

	require.NoError(t, stack.Publisher.PublishDirect(context.Background(), d.Exchange, d.Queue, body))
	require.Eventually(t, func() bool { return stack.Broker.Ready(rabbitmq.DefaultDeadLetterQueue) == 1 }, time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestDrainDeadLetters(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	stack := rabbitmqtest.NewStack()
	t.Cleanup(func() { _ = stack.Close() })

	d := rabbitmq.Descriptor{Exchange: "line-bot-exchange", Kind: rabbitmq.Direct, Queue: "bug-service-queue"}
	body := []byte(`{"UserId":"u1","ReplyToken":"r1","Message":"query 42"}`)
	deadLetterOne(t, stack, d, body)

	replayer := reliability.NewDeadLetterReplayer(
		messaging.NewPublisher(stack.Publisher, messaging.WithPublisherLogger(logger)), logger)

	t.Run("peek leaves messages in place", func(t *testing.T) {
		var out bytes.Buffer
		n, err := drainDeadLetters(ctx, stack.Consumer, replayer, rabbitmq.DefaultDeadLetterQueue, 10, false, &out)

		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.Contains(t, out.String(), "bug-service-queue")
		assert.Contains(t, out.String(), "rejected")
		assert.Equal(t, 1, stack.Broker.Ready(rabbitmq.DefaultDeadLetterQueue))
	})

	t.Run("replay moves messages back to their queue", func(t *testing.T) {
		n, err := drainDeadLetters(ctx, stack.Consumer, replayer, rabbitmq.DefaultDeadLetterQueue, 10, true, io.Discard)

		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.Equal(t, 0, stack.Broker.Ready(rabbitmq.DefaultDeadLetterQueue))
		require.Equal(t, 1, stack.Broker.Ready(d.Queue))
		assert.JSONEq(t, string(body), string(stack.Broker.Bodies(d.Queue)[0]))
	})

	t.Run("empty queue", func(t *testing.T) {
		n, err := drainDeadLetters(ctx, stack.Consumer, replayer, rabbitmq.DefaultDeadLetterQueue, 10, true, io.Discard)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})
}

func TestRootCommand(t *testing.T) {
	root := newRootCmd()

	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"users", "bugs", "linebot", "dlq"}, names)

	dlq, _, err := root.Find([]string{"dlq", "replay"})
	require.NoError(t, err)
	assert.Equal(t, "replay", dlq.Name())
	assert.NotNil(t, dlq.InheritedFlags().Lookup("max"))
}
