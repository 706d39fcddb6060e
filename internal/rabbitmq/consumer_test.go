package rabbitmq_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/biglist/biglist-go/internal/rabbitmq"
)

var botQueue = rabbitmq.Descriptor{
	Exchange: "line-bot-exchange",
	Kind:     rabbitmq.Direct,
	Queue:    "bug-service-queue",
}

type envelopeLog struct {
	mu   sync.Mutex
	envs []rabbitmq.Envelope
}

func (l *envelopeLog) add(env rabbitmq.Envelope) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.envs = append(l.envs, env)
}

func (l *envelopeLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.envs)
}

func (l *envelopeLog) all() []rabbitmq.Envelope {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]rabbitmq.Envelope(nil), l.envs...)
}

// startConsumer runs Consume in the background and waits until the
// consumer is registered
func startConsumer(t *testing.T, env *testEnv, c *rabbitmq.Consumer, d rabbitmq.Descriptor, handler rabbitmq.MessageHandler) (context.CancelFunc, <-chan error) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Consume(ctx, d, handler) }()
	t.Cleanup(cancel)

	require.Eventually(t, func() bool { return env.broker.Consumers(d.Queue) == 1 }, time.Second, time.Millisecond)
	return cancel, done
}

func TestConsumerAcknowledgement(t *testing.T) {
	t.Run("acks every successfully handled message in order", func(t *testing.T) {
		env := newTestEnv(t)
		log := &envelopeLog{}

		startConsumer(t, env, env.consumer(), botQueue, func(_ context.Context, e rabbitmq.Envelope) error {
			log.add(e)
			return nil
		})

		for i := 0; i < 3; i++ {
			require.NoError(t, env.broker.Publish(botQueue.Exchange, botQueue.Queue, []byte(fmt.Sprintf(`{"n":%d}`, i))))
		}

		require.Eventually(t, func() bool { return len(env.broker.Settlements()) == 3 }, time.Second, time.Millisecond)

		for i, e := range log.all() {
			assert.Equal(t, fmt.Sprintf(`{"n":%d}`, i), string(e.Body))
			assert.True(t, e.Persistent)
		}
		for _, s := range env.broker.Settlements() {
			assert.True(t, s.Ack)
			assert.Equal(t, "bug-service-queue", s.Queue)
		}
		assert.Equal(t, 0, env.broker.Ready("bug-service-queue"))
		assert.Equal(t, 0, env.broker.Unacked("bug-service-queue"))
		assert.Empty(t, env.broker.Violations())
	})

	t.Run("failed message is dead-lettered exactly once", func(t *testing.T) {
		env := newTestEnv(t)
		var calls atomic.Int32

		startConsumer(t, env, env.consumer(), botQueue, func(context.Context, rabbitmq.Envelope) error {
			calls.Add(1)
			return errors.New("bug lookup failed")
		})

		require.NoError(t, env.broker.Publish(botQueue.Exchange, botQueue.Queue, []byte(`{"text":"query bug id 1"}`)))

		require.Eventually(t, func() bool { return env.broker.Ready("dlx.queue") == 1 }, time.Second, time.Millisecond)

		assert.Equal(t, int32(1), calls.Load())
		assert.Equal(t, 0, env.broker.Ready("bug-service-queue"))
		assert.Equal(t, 0, env.broker.Unacked("bug-service-queue"))
		assert.Equal(t, [][]byte{[]byte(`{"text":"query bug id 1"}`)}, env.broker.Bodies("dlx.queue"))

		settlements := env.broker.Settlements()
		require.Len(t, settlements, 1)
		assert.False(t, settlements[0].Ack)
		assert.False(t, settlements[0].Requeue)

		deaths := env.broker.Headers("dlx.queue")[0]["x-death"].([]interface{})
		require.Len(t, deaths, 1)
		assert.Equal(t, "bug-service-queue", deaths[0].(amqp.Table)["queue"])
		assert.Empty(t, env.broker.Violations())
	})

	t.Run("panicking handler is treated as a failure and the loop continues", func(t *testing.T) {
		env := newTestEnv(t)
		log := &envelopeLog{}

		startConsumer(t, env, env.consumer(), botQueue, func(_ context.Context, e rabbitmq.Envelope) error {
			if string(e.Body) == "boom" {
				panic("unexpected payload")
			}
			log.add(e)
			return nil
		})

		require.NoError(t, env.broker.Publish(botQueue.Exchange, botQueue.Queue, []byte("boom")))
		require.NoError(t, env.broker.Publish(botQueue.Exchange, botQueue.Queue, []byte("fine")))

		require.Eventually(t, func() bool { return log.len() == 1 }, time.Second, time.Millisecond)
		assert.Eventually(t, func() bool { return env.broker.Ready("dlx.queue") == 1 }, time.Second, time.Millisecond)
	})

	t.Run("no delivery tag is settled twice", func(t *testing.T) {
		env := newTestEnv(t)

		startConsumer(t, env, env.consumer(), botQueue, func(_ context.Context, e rabbitmq.Envelope) error {
			if e.Body[0] == 'x' {
				return errors.New("rejected")
			}
			return nil
		})

		for _, b := range []string{"a", "x", "b", "x", "c"} {
			require.NoError(t, env.broker.Publish(botQueue.Exchange, botQueue.Queue, []byte(b)))
		}

		require.Eventually(t, func() bool { return len(env.broker.Settlements()) == 5 }, time.Second, time.Millisecond)

		seen := make(map[string]bool)
		for _, s := range env.broker.Settlements() {
			key := fmt.Sprintf("%d/%d", s.Channel, s.DeliveryTag)
			assert.False(t, seen[key], "tag %s settled twice", key)
			seen[key] = true
		}
		assert.Empty(t, env.broker.Violations())
		assert.Equal(t, 2, env.broker.Ready("dlx.queue"))
	})

	t.Run("requeue mode leaves failures on the queue", func(t *testing.T) {
		env := newTestEnv(t)
		var calls atomic.Int32

		startConsumer(t, env, env.consumer(rabbitmq.WithRequeueOnError(true)), botQueue, func(context.Context, rabbitmq.Envelope) error {
			if calls.Add(1) == 1 {
				return errors.New("transient")
			}
			return nil
		})

		require.NoError(t, env.broker.Publish(botQueue.Exchange, botQueue.Queue, []byte("retry me")))

		require.Eventually(t, func() bool { return len(env.broker.Settlements()) == 2 }, time.Second, time.Millisecond)
		settlements := env.broker.Settlements()
		assert.True(t, settlements[0].Requeue)
		assert.True(t, settlements[1].Ack)
		assert.Equal(t, 0, env.broker.Ready("dlx.queue"))
	})
}

func TestConsumerRecovery(t *testing.T) {
	t.Run("re-subscribes after the channel is closed", func(t *testing.T) {
		env := newTestEnv(t)
		log := &envelopeLog{}

		startConsumer(t, env, env.consumer(), botQueue, func(_ context.Context, e rabbitmq.Envelope) error {
			log.add(e)
			return nil
		})

		env.broker.CloseChannels()
		require.Eventually(t, func() bool {
			return env.sup.Generation() == 2 && env.broker.Consumers(botQueue.Queue) == 1
		}, time.Second, time.Millisecond)

		require.NoError(t, env.broker.Publish(botQueue.Exchange, botQueue.Queue, []byte("after")))
		assert.Eventually(t, func() bool { return log.len() == 1 }, time.Second, time.Millisecond)
	})

	t.Run("unacked message is redelivered after connection loss", func(t *testing.T) {
		env := newTestEnv(t)
		log := &envelopeLog{}
		release := make(chan struct{})
		var first atomic.Bool
		first.Store(true)

		startConsumer(t, env, env.consumer(), botQueue, func(_ context.Context, e rabbitmq.Envelope) error {
			log.add(e)
			if first.CompareAndSwap(true, false) {
				<-release
			}
			return nil
		})

		require.NoError(t, env.broker.Publish(botQueue.Exchange, botQueue.Queue, []byte("once")))
		require.Eventually(t, func() bool { return log.len() == 1 }, time.Second, time.Millisecond)

		env.broker.DropConnections()
		close(release)

		require.Eventually(t, func() bool { return log.len() == 2 }, time.Second, time.Millisecond)
		envs := log.all()
		assert.False(t, envs[0].Redelivered)
		assert.True(t, envs[1].Redelivered)
		assert.Equal(t, envs[0].Body, envs[1].Body)

		require.Eventually(t, func() bool { return len(env.broker.Settlements()) == 1 }, time.Second, time.Millisecond)
		assert.True(t, env.broker.Settlements()[0].Ack)
		assert.Empty(t, env.broker.Violations())
	})
}

func TestConsumerCancellation(t *testing.T) {
	t.Run("in-flight handler completes before the loop exits", func(t *testing.T) {
		env := newTestEnv(t)
		started := make(chan struct{})
		release := make(chan struct{})
		var handlerCtxErr atomic.Value

		cancel, done := startConsumer(t, env, env.consumer(), botQueue, func(ctx context.Context, _ rabbitmq.Envelope) error {
			close(started)
			<-release
			handlerCtxErr.Store(fmt.Sprint(ctx.Err()))
			return nil
		})

		require.NoError(t, env.broker.Publish(botQueue.Exchange, botQueue.Queue, []byte("slow")))
		<-started

		cancel()
		select {
		case <-done:
			t.Fatal("consume loop exited while a handler was running")
		case <-time.After(20 * time.Millisecond):
		}

		close(release)
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("consume loop did not stop")
		}

		assert.Equal(t, "<nil>", handlerCtxErr.Load())
		settlements := env.broker.Settlements()
		require.Len(t, settlements, 1)
		assert.True(t, settlements[0].Ack)
		assert.Equal(t, 0, env.broker.Consumers(botQueue.Queue))
	})

	t.Run("topology conflict stops the loop with an error", func(t *testing.T) {
		env := newTestEnv(t)
		env.broker.DeclareQueue("bug-service-queue", amqp.Table{"x-dead-letter-exchange": "elsewhere"})

		err := env.consumer().Consume(context.Background(), botQueue, func(context.Context, rabbitmq.Envelope) error {
			return nil
		})

		assert.ErrorIs(t, err, rabbitmq.ErrTopologyConflict)
	})
}

func TestConsumerDrain(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T, bodies ...string) *testEnv {
		env := newTestEnv(t)
		require.NoError(t, env.topology.DeclareDeadLetter(ctx))
		for _, b := range bodies {
			require.NoError(t, env.broker.Publish("dlx.exchange", "dlx.queue", []byte(b)))
		}
		return env
	}

	t.Run("acks handled messages and keeps failures", func(t *testing.T) {
		env := setup(t, "a", "b", "c")

		handled, err := env.consumer().Drain(ctx, "dlx.queue", 10, func(_ context.Context, e rabbitmq.Envelope) error {
			if string(e.Body) == "b" {
				return errors.New("cannot replay")
			}
			return nil
		})

		require.NoError(t, err)
		assert.Equal(t, 2, handled)
		assert.Equal(t, [][]byte{[]byte("b")}, env.broker.Bodies("dlx.queue"))
	})

	t.Run("respects max", func(t *testing.T) {
		env := setup(t, "a", "b", "c")

		handled, err := env.consumer().Drain(ctx, "dlx.queue", 2, func(context.Context, rabbitmq.Envelope) error { return nil })

		require.NoError(t, err)
		assert.Equal(t, 2, handled)
		assert.Equal(t, 1, env.broker.Ready("dlx.queue"))
	})

	t.Run("peek leaves everything in place", func(t *testing.T) {
		env := setup(t, "a", "b")
		var seen []string

		handled, err := env.consumer().Drain(ctx, "dlx.queue", 10, func(_ context.Context, e rabbitmq.Envelope) error {
			seen = append(seen, string(e.Body))
			return rabbitmq.ErrLeaveInQueue
		})

		require.NoError(t, err)
		assert.Equal(t, 0, handled)
		assert.Equal(t, []string{"a", "b"}, seen)
		assert.Equal(t, 2, env.broker.Ready("dlx.queue"))
		assert.Empty(t, env.broker.Violations())
	})
}
