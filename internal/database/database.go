// Package database opens the SQL stores the services keep their records in.
// MySQL is the production driver; SQLite serves single-node setups and tests.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

// Dialect names a supported driver
type Dialect string

const (
	MySQL  Dialect = "mysql"
	SQLite Dialect = "sqlite3"
)

// Config describes a database connection
type Config struct {
	Driver          string        `yaml:"driver" env:"DRIVER"`
	DSN             string        `yaml:"dsn" env:"DSN"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// Validate checks the driver is supported and a DSN is set
func (c Config) Validate() error {
	var errs []error
	switch Dialect(c.Driver) {
	case MySQL, SQLite:
	default:
		errs = append(errs, fmt.Errorf("database driver %q is not supported", c.Driver))
	}
	if c.DSN == "" {
		errs = append(errs, errors.New("database dsn is required"))
	}
	return errors.Join(errs...)
}

// DB is a connection pool that knows its dialect
type DB struct {
	*sql.DB
	Dialect Dialect
}

// Open opens and pings the database described by cfg
func Open(ctx context.Context, cfg Config) (*DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	sqlDB, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", cfg.Driver, err)
	}

	db := &DB{DB: sqlDB, Dialect: Dialect(cfg.Driver)}
	switch {
	case db.Dialect == SQLite:
		// every sqlite connection to :memory: is a separate database
		sqlDB.SetMaxOpenConns(1)
	case cfg.MaxOpenConns > 0:
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping %s database: %w", cfg.Driver, err)
	}

	return db, nil
}

// LockClause is appended to a SELECT that reads a row about to be updated
func (db *DB) LockClause() string {
	if db.Dialect == MySQL {
		return " FOR UPDATE"
	}
	return ""
}

// WithTx runs fn in a transaction, committing when it returns nil
func (db *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Migrate executes schema statements in order
func (db *DB) Migrate(ctx context.Context, statements ...string) error {
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
