package usersync

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/biglist/biglist-go/contracts"
	"github.com/biglist/biglist-go/internal/rabbitmq/rabbitmqtest"
	"github.com/biglist/biglist-go/messaging"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// permutations returns every ordering of updates
func permutations(updates []contracts.SyncUpdate) [][]contracts.SyncUpdate {
	if len(updates) <= 1 {
		return [][]contracts.SyncUpdate{append([]contracts.SyncUpdate(nil), updates...)}
	}

	var out [][]contracts.SyncUpdate
	for i := range updates {
		rest := make([]contracts.SyncUpdate, 0, len(updates)-1)
		rest = append(rest, updates[:i]...)
		rest = append(rest, updates[i+1:]...)
		for _, p := range permutations(rest) {
			out = append(out, append([]contracts.SyncUpdate{updates[i]}, p...))
		}
	}
	return out
}

func TestApplierLastWriteWins(t *testing.T) {
	ctx := context.Background()
	updates := []contracts.SyncUpdate{
		{SubjectID: 7, Data: "a", LogicalTimestamp: 10},
		{SubjectID: 7, Data: "b", LogicalTimestamp: 30},
		{SubjectID: 7, Data: "c", LogicalTimestamp: 20},
		{SubjectID: 7, Data: "d", LogicalTimestamp: 40},
		{SubjectID: 7, Data: "e", LogicalTimestamp: 5},
	}

	orders := permutations(updates)
	require.Len(t, orders, 120)

	for i, order := range orders {
		store := NewMemoryStore()
		applier := NewApplier(store, WithLogger(discardLogger()))

		for _, u := range order {
			err := applier.Apply(ctx, u)
			if err != nil {
				require.ErrorIs(t, err, contracts.ErrStaleUpdate, "order %d", i)
			}
		}

		rec, err := store.Get(ctx, 7)
		require.NoError(t, err)
		assert.Equal(t, Record{ID: 7, Data: "d", LastUpdated: 40}, rec, "order %d", i)
	}
}

func TestApplier(t *testing.T) {
	ctx := context.Background()

	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			applier := NewApplier(store, WithLogger(discardLogger()))

			t.Run("newer then older keeps the newer", func(t *testing.T) {
				require.NoError(t, applier.Apply(ctx, contracts.SyncUpdate{SubjectID: 7, Data: "X", LogicalTimestamp: 100}))

				err := applier.Apply(ctx, contracts.SyncUpdate{SubjectID: 7, Data: "Y", LogicalTimestamp: 50})

				var stale *contracts.StaleUpdateError
				require.ErrorAs(t, err, &stale)
				assert.Equal(t, int64(100), stale.Current)
				assert.Equal(t, int64(50), stale.Incoming)

				rec, err := store.Get(ctx, 7)
				require.NoError(t, err)
				assert.Equal(t, Record{ID: 7, Data: "X", LastUpdated: 100}, rec)
			})

			t.Run("equal timestamp keeps the existing record", func(t *testing.T) {
				err := applier.Apply(ctx, contracts.SyncUpdate{SubjectID: 7, Data: "W", LogicalTimestamp: 100})
				assert.ErrorIs(t, err, contracts.ErrStaleUpdate)

				rec, err := store.Get(ctx, 7)
				require.NoError(t, err)
				assert.Equal(t, "X", rec.Data)
			})

			t.Run("unknown subject is created with the incoming id", func(t *testing.T) {
				require.NoError(t, applier.Apply(ctx, contracts.SyncUpdate{SubjectID: 9, Data: "Z", LogicalTimestamp: 5}))

				rec, err := store.Get(ctx, 9)
				require.NoError(t, err)
				assert.Equal(t, Record{ID: 9, Data: "Z", LastUpdated: 5}, rec)
			})
		})
	}
}

func TestApplierOverBroker(t *testing.T) {
	ctx := context.Background()
	stack := rabbitmqtest.NewStack()
	t.Cleanup(func() { _ = stack.Close() })

	store := NewMemoryStore()
	applier := NewApplier(store, WithLogger(discardLogger()))
	subscriber := messaging.NewSubscriber(stack.Consumer, messaging.WithSubscriberLogger(discardLogger()))
	publisher := messaging.NewPublisher(stack.Publisher, messaging.WithPublisherLogger(discardLogger()))

	sub := applier.Subscribe(ctx, subscriber)
	t.Cleanup(func() { _ = sub.Stop() })
	require.Eventually(t, func() bool { return stack.Broker.Consumers(contracts.BugUserUpdatedQueue) == 1 }, time.Second, time.Millisecond)

	publish := func(u contracts.SyncUpdate) {
		require.NoError(t, publisher.PublishFanout(ctx, contracts.UserUpdatedExchange, u))
	}

	t.Run("newer update survives an older one", func(t *testing.T) {
		publish(contracts.SyncUpdate{SubjectID: 7, Data: "X", LogicalTimestamp: 100})
		publish(contracts.SyncUpdate{SubjectID: 7, Data: "Y", LogicalTimestamp: 50})

		require.Eventually(t, func() bool { return len(stack.Broker.Settlements()) == 2 }, time.Second, time.Millisecond)

		rec, err := store.Get(ctx, 7)
		require.NoError(t, err)
		assert.Equal(t, "X", rec.Data)
		assert.Equal(t, int64(100), rec.LastUpdated)
	})

	t.Run("first update creates the record", func(t *testing.T) {
		publish(contracts.SyncUpdate{SubjectID: 9, Data: "Z", LogicalTimestamp: 5})

		require.Eventually(t, func() bool {
			_, err := store.Get(ctx, 9)
			return err == nil
		}, time.Second, time.Millisecond)

		rec, err := store.Get(ctx, 9)
		require.NoError(t, err)
		assert.Equal(t, Record{ID: 9, Data: "Z", LastUpdated: 5}, rec)
	})

	t.Run("every update was acked and nothing dead-lettered", func(t *testing.T) {
		require.Eventually(t, func() bool { return len(stack.Broker.Settlements()) == 3 }, time.Second, time.Millisecond)
		for _, s := range stack.Broker.Settlements() {
			assert.True(t, s.Ack, fmt.Sprintf("tag %d", s.DeliveryTag))
		}
		assert.Equal(t, 0, stack.Broker.Ready("dlx.queue"))
	})
}
