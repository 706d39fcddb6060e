package usersync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/biglist/biglist-go/internal/database"
)

// ErrNotFound is returned when no replica exists for an id
var ErrNotFound = errors.New("user replica not found")

// Record is the local replica of a user owned by user management. Only the
// sync consumer writes it; the id comes from the publisher.
type Record struct {
	ID          int64
	Data        string
	LastUpdated int64
}

// UpdateFunc decides the record to store given the current one. found is
// false when id has no replica yet. Returning an error leaves the store
// unchanged.
type UpdateFunc func(current Record, found bool) (Record, error)

// Store keeps replicas
type Store interface {
	Get(ctx context.Context, id int64) (Record, error)
	// Update reads the replica for id, calls fn and persists its result in
	// one atomic step
	Update(ctx context.Context, id int64, fn UpdateFunc) error
}

// MemoryStore is an in-process Store
type MemoryStore struct {
	mu      sync.Mutex
	records map[int64]Record
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[int64]Record)}
}

func (s *MemoryStore) Get(_ context.Context, id int64) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) Update(_ context.Context, id int64, fn UpdateFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, found := s.records[id]
	next, err := fn(current, found)
	if err != nil {
		return err
	}
	next.ID = id
	s.records[id] = next
	return nil
}

const replicaSchema = `CREATE TABLE IF NOT EXISTS user_replicas (
	id BIGINT NOT NULL PRIMARY KEY,
	data TEXT NOT NULL,
	last_updated BIGINT NOT NULL
)`

// SQLStore keeps replicas in the user_replicas table
type SQLStore struct {
	db *database.DB
}

// NewSQLStore creates the table if needed and returns the store
func NewSQLStore(ctx context.Context, db *database.DB) (*SQLStore, error) {
	if err := db.Migrate(ctx, replicaSchema); err != nil {
		return nil, err
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Get(ctx context.Context, id int64) (Record, error) {
	rec := Record{ID: id}
	err := s.db.QueryRowContext(ctx,
		`SELECT data, last_updated FROM user_replicas WHERE id = ?`, id,
	).Scan(&rec.Data, &rec.LastUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("get user replica %d: %w", id, err)
	}
	return rec, nil
}

// Update inserts with the caller's id when the row is absent
func (s *SQLStore) Update(ctx context.Context, id int64, fn UpdateFunc) error {
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		current := Record{ID: id}
		err := tx.QueryRowContext(ctx,
			`SELECT data, last_updated FROM user_replicas WHERE id = ?`+s.db.LockClause(), id,
		).Scan(&current.Data, &current.LastUpdated)

		found := true
		switch {
		case errors.Is(err, sql.ErrNoRows):
			found = false
			current = Record{}
		case err != nil:
			return fmt.Errorf("read user replica %d: %w", id, err)
		}

		next, err := fn(current, found)
		if err != nil {
			return err
		}

		if found {
			_, err = tx.ExecContext(ctx,
				`UPDATE user_replicas SET data = ?, last_updated = ? WHERE id = ?`,
				next.Data, next.LastUpdated, id)
		} else {
			_, err = tx.ExecContext(ctx,
				`INSERT INTO user_replicas (id, data, last_updated) VALUES (?, ?, ?)`,
				id, next.Data, next.LastUpdated)
		}
		if err != nil {
			return fmt.Errorf("write user replica %d: %w", id, err)
		}
		return nil
	})
}
