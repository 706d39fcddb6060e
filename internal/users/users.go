// Package users manages user accounts and broadcasts every committed change
// as a SyncUpdate so other services can keep replicas.
package users

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/biglist/biglist-go/contracts"
	"github.com/biglist/biglist-go/internal/database"
)

var (
	ErrNotFound     = errors.New("user not found")
	ErrInvalidInput = errors.New("invalid user")
)

// User is an account. PasswordHash is stored but never published.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Input carries the fields a caller may set
type Input struct {
	Username     string `json:"username"`
	PasswordHash string `json:"passwordHash"`
	Role         string `json:"role"`
}

func (in Input) validate() error {
	if strings.TrimSpace(in.Username) == "" {
		return fmt.Errorf("%w: username is required", ErrInvalidInput)
	}
	return nil
}

// FanoutPublisher broadcasts a payload on an exchange
type FanoutPublisher interface {
	PublishFanout(ctx context.Context, exchange string, payload any) error
}

const usersSchema = `CREATE TABLE IF NOT EXISTS users (
	id INTEGER PRIMARY KEY AUTO_INCREMENT,
	username VARCHAR(255) NOT NULL UNIQUE,
	password_hash VARCHAR(255) NOT NULL,
	role VARCHAR(64) NOT NULL,
	created_at TIMESTAMP NOT NULL
)`

// Service writes users and publishes their changes after commit
type Service struct {
	db        *database.DB
	publisher FanoutPublisher
	logger    *slog.Logger
	now       func() time.Time

	clockMu sync.Mutex
	lastTS  int64
}

// Option configures the Service
type Option func(*Service)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithClock replaces the wall clock used for timestamps
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// NewService creates the users table if needed and returns the service
func NewService(ctx context.Context, db *database.DB, publisher FanoutPublisher, options ...Option) (*Service, error) {
	schema := usersSchema
	if db.Dialect == database.SQLite {
		schema = strings.Replace(schema, "INTEGER PRIMARY KEY AUTO_INCREMENT", "INTEGER PRIMARY KEY AUTOINCREMENT", 1)
	}
	if err := db.Migrate(ctx, schema); err != nil {
		return nil, err
	}

	s := &Service{
		db:        db,
		publisher: publisher,
		logger:    slog.Default(),
		now:       time.Now,
	}

	for _, opt := range options {
		opt(s)
	}

	return s, nil
}

// Create inserts a user and then broadcasts it. When publishing fails the
// user stays created and the error is returned with it.
func (s *Service) Create(ctx context.Context, in Input) (User, error) {
	if err := in.validate(); err != nil {
		return User{}, err
	}

	u := User{
		Username:     in.Username,
		PasswordHash: in.PasswordHash,
		Role:         defaultRole(in.Role),
		CreatedAt:    s.now().UTC().Truncate(time.Second),
	}

	var ts int64
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO users (username, password_hash, role, created_at) VALUES (?, ?, ?, ?)`,
			u.Username, u.PasswordHash, u.Role, u.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert user: %w", err)
		}
		u.ID, err = res.LastInsertId()
		ts = s.nextTimestamp()
		return err
	})
	if err != nil {
		return User{}, err
	}

	s.logger.Info("user created", "userId", u.ID, "username", u.Username)
	return u, s.broadcast(ctx, u, ts)
}

// Update changes a user's name, role and, when given, password hash, then
// broadcasts the result
func (s *Service) Update(ctx context.Context, id int64, in Input) (User, error) {
	if err := in.validate(); err != nil {
		return User{}, err
	}

	var (
		u  User
		ts int64
	)
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		u, err = s.get(ctx, tx, id, s.db.LockClause())
		if err != nil {
			return err
		}

		u.Username = in.Username
		if in.Role != "" {
			u.Role = in.Role
		}
		if in.PasswordHash != "" {
			u.PasswordHash = in.PasswordHash
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE users SET username = ?, password_hash = ?, role = ? WHERE id = ?`,
			u.Username, u.PasswordHash, u.Role, id)
		if err != nil {
			return fmt.Errorf("update user %d: %w", id, err)
		}
		// stamped while the row lock is held so timestamps follow commit order
		ts = s.nextTimestamp()
		return nil
	})
	if err != nil {
		return User{}, err
	}

	s.logger.Info("user updated", "userId", u.ID)
	return u, s.broadcast(ctx, u, ts)
}

// Get returns one user
func (s *Service) Get(ctx context.Context, id int64) (User, error) {
	return s.get(ctx, s.db, id, "")
}

// List returns all users ordered by id
func (s *Service) List(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, username, password_hash, role, created_at FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Service) get(ctx context.Context, q queryer, id int64, lock string) (User, error) {
	u := User{ID: id}
	err := q.QueryRowContext(ctx,
		`SELECT username, password_hash, role, created_at FROM users WHERE id = ?`+lock, id,
	).Scan(&u.Username, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("get user %d: %w", id, err)
	}
	return u, nil
}

// broadcast publishes the committed state of u stamped with ts
func (s *Service) broadcast(ctx context.Context, u User, ts int64) error {
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("encode user %d: %w", u.ID, err)
	}

	update := contracts.SyncUpdate{
		SubjectID:        u.ID,
		Data:             string(data),
		LogicalTimestamp: ts,
	}
	if err := s.publisher.PublishFanout(ctx, contracts.UserUpdatedExchange, update); err != nil {
		s.logger.Error("user saved but update not published", "userId", u.ID, "error", err)
		return fmt.Errorf("publish update for user %d: %w", u.ID, err)
	}
	return nil
}

// nextTimestamp returns the write time in microseconds, strictly
// increasing within the process. Callers take it inside the transaction.
func (s *Service) nextTimestamp() int64 {
	s.clockMu.Lock()
	defer s.clockMu.Unlock()

	ts := s.now().UnixMicro()
	if ts <= s.lastTS {
		ts = s.lastTS + 1
	}
	s.lastTS = ts
	return ts
}

func defaultRole(role string) string {
	if role == "" {
		return "User"
	}
	return role
}
