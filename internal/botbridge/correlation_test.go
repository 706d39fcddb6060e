package botbridge

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestMemoryCorrelationStore(t *testing.T) {
	ctx := context.Background()

	t.Run("take returns the value once", func(t *testing.T) {
		clock := newFakeClock()
		store := NewMemoryCorrelationStore(WithCorrelationClock(clock.Now))

		require.NoError(t, store.Put(ctx, QueryKey("u1"), "42", DefaultCorrelationTTL))
		clock.Advance(9 * time.Minute)

		v, ok, err := store.Take(ctx, QueryKey("u1"))
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "42", v)

		_, ok, err = store.Take(ctx, QueryKey("u1"))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("entry is gone after the ttl", func(t *testing.T) {
		clock := newFakeClock()
		store := NewMemoryCorrelationStore(WithCorrelationClock(clock.Now))

		require.NoError(t, store.Put(ctx, QueryKey("u1"), "42", DefaultCorrelationTTL))
		clock.Advance(11 * time.Minute)

		_, ok, err := store.Take(ctx, QueryKey("u1"))
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, 0, store.Len())
	})

	t.Run("a new put replaces the value and the deadline", func(t *testing.T) {
		clock := newFakeClock()
		store := NewMemoryCorrelationStore(WithCorrelationClock(clock.Now))

		require.NoError(t, store.Put(ctx, QueryKey("u1"), "1", DefaultCorrelationTTL))
		clock.Advance(8 * time.Minute)
		require.NoError(t, store.Put(ctx, QueryKey("u1"), "2", DefaultCorrelationTTL))
		clock.Advance(8 * time.Minute)

		v, ok, err := store.Take(ctx, QueryKey("u1"))
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "2", v)
	})

	t.Run("keys are per user", func(t *testing.T) {
		store := NewMemoryCorrelationStore()
		require.NoError(t, store.Put(ctx, QueryKey("u1"), "1", 0))

		_, ok, err := store.Take(ctx, QueryKey("u2"))
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, "UserQueryId_u1", QueryKey("u1"))
	})

	t.Run("sweep drops expired entries", func(t *testing.T) {
		clock := newFakeClock()
		store := NewMemoryCorrelationStore(WithCorrelationClock(clock.Now))

		require.NoError(t, store.Put(ctx, "short", "a", time.Minute))
		require.NoError(t, store.Put(ctx, "long", "b", time.Hour))
		clock.Advance(2 * time.Minute)

		assert.Equal(t, 1, store.Sweep())
		assert.Equal(t, 1, store.Len())
	})
}
