package botbridge

import (
	"context"
	"sync"
	"time"
)

// DefaultCorrelationTTL is how long a saved query id stays usable
const DefaultCorrelationTTL = 10 * time.Minute

// CorrelationStore keeps the last disambiguating value per external user
// until a follow-up interaction takes it
type CorrelationStore interface {
	Put(ctx context.Context, key, value string, ttl time.Duration) error
	// Take returns the value and removes it. Expired or missing keys
	// report false.
	Take(ctx context.Context, key string) (string, bool, error)
}

// QueryKey is the correlation key for a user's saved query id
func QueryKey(userID string) string {
	return "UserQueryId_" + userID
}

type correlationEntry struct {
	value     string
	expiresAt time.Time
}

// MemoryCorrelationStore is a CorrelationStore held in process memory.
// Entries expire lazily on access and on Sweep.
type MemoryCorrelationStore struct {
	mu      sync.Mutex
	entries map[string]correlationEntry
	now     func() time.Time
}

// MemoryOption configures the MemoryCorrelationStore
type MemoryOption func(*MemoryCorrelationStore)

// WithCorrelationClock sets the clock used for expiry
func WithCorrelationClock(now func() time.Time) MemoryOption {
	return func(s *MemoryCorrelationStore) {
		s.now = now
	}
}

// NewMemoryCorrelationStore creates an empty store
func NewMemoryCorrelationStore(options ...MemoryOption) *MemoryCorrelationStore {
	s := &MemoryCorrelationStore{
		entries: make(map[string]correlationEntry),
		now:     time.Now,
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

func (s *MemoryCorrelationStore) Put(_ context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultCorrelationTTL
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = correlationEntry{value: value, expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *MemoryCorrelationStore) Take(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return "", false, nil
	}
	delete(s.entries, key)
	if !s.now().Before(e.expiresAt) {
		return "", false, nil
	}
	return e.value, true, nil
}

// Sweep drops expired entries and returns how many were removed
func (s *MemoryCorrelationStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for k, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored entries, expired or not
func (s *MemoryCorrelationStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// RunSweeper sweeps every interval until ctx is done
func (s *MemoryCorrelationStore) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}
