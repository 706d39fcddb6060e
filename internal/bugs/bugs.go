// Package bugs stores bug reports and answers lookups for the chat bot
package bugs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/biglist/biglist-go/internal/database"
)

// ErrNotFound is returned when no bug has the requested id
var ErrNotFound = errors.New("bug not found")

// Bug is a tracked issue
type Bug struct {
	ID          int64  `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Status      string `json:"status"`
}

// Store finds and records bugs
type Store interface {
	FindByID(ctx context.Context, id int64) (Bug, error)
	Create(ctx context.Context, b Bug) (Bug, error)
}

// MemoryStore is an in-process Store
type MemoryStore struct {
	mu   sync.RWMutex
	bugs map[int64]Bug
	next int64
}

// NewMemoryStore creates a store holding bugs
func NewMemoryStore(bugs ...Bug) *MemoryStore {
	s := &MemoryStore{bugs: make(map[int64]Bug)}
	for _, b := range bugs {
		s.bugs[b.ID] = b
		if b.ID > s.next {
			s.next = b.ID
		}
	}
	return s
}

func (s *MemoryStore) FindByID(_ context.Context, id int64) (Bug, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.bugs[id]
	if !ok {
		return Bug{}, ErrNotFound
	}
	return b, nil
}

func (s *MemoryStore) Create(_ context.Context, b Bug) (Bug, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.next++
	b.ID = s.next
	b.Status = defaultStatus(b.Status)
	s.bugs[b.ID] = b
	return b, nil
}

const bugsSchema = `CREATE TABLE IF NOT EXISTS bugs (
	id INTEGER PRIMARY KEY AUTO_INCREMENT,
	title VARCHAR(255) NOT NULL,
	description TEXT NOT NULL,
	status VARCHAR(64) NOT NULL
)`

// SQLStore keeps bugs in the bugs table
type SQLStore struct {
	db *database.DB
}

// NewSQLStore creates the table if needed and returns the store
func NewSQLStore(ctx context.Context, db *database.DB) (*SQLStore, error) {
	schema := bugsSchema
	if db.Dialect == database.SQLite {
		schema = strings.Replace(schema, "INTEGER PRIMARY KEY AUTO_INCREMENT", "INTEGER PRIMARY KEY AUTOINCREMENT", 1)
	}
	if err := db.Migrate(ctx, schema); err != nil {
		return nil, err
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) FindByID(ctx context.Context, id int64) (Bug, error) {
	b := Bug{ID: id}
	err := s.db.QueryRowContext(ctx,
		`SELECT title, description, status FROM bugs WHERE id = ?`, id,
	).Scan(&b.Title, &b.Description, &b.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return Bug{}, ErrNotFound
	}
	if err != nil {
		return Bug{}, fmt.Errorf("find bug %d: %w", id, err)
	}
	return b, nil
}

func (s *SQLStore) Create(ctx context.Context, b Bug) (Bug, error) {
	b.Status = defaultStatus(b.Status)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO bugs (title, description, status) VALUES (?, ?, ?)`,
		b.Title, b.Description, b.Status)
	if err != nil {
		return Bug{}, fmt.Errorf("create bug: %w", err)
	}
	if b.ID, err = res.LastInsertId(); err != nil {
		return Bug{}, fmt.Errorf("create bug: %w", err)
	}
	return b, nil
}

func defaultStatus(status string) string {
	if status == "" {
		return "Open"
	}
	return status
}
