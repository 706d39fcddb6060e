package database

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openMemory(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), Config{Driver: "sqlite3", DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, Config{Driver: "mysql", DSN: "user:pw@tcp(db:3306)/biglist"}.Validate())

	err := Config{Driver: "postgres"}.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"postgres" is not supported`)
	assert.Contains(t, err.Error(), "dsn is required")
}

func TestWithTx(t *testing.T) {
	ctx := context.Background()
	db := openMemory(t)
	require.NoError(t, db.Migrate(ctx, `CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT NOT NULL)`))

	t.Run("commits", func(t *testing.T) {
		err := db.WithTx(ctx, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `INSERT INTO items (id, name) VALUES (?, ?)`, 1, "a")
			return err
		})
		require.NoError(t, err)

		var name string
		require.NoError(t, db.QueryRowContext(ctx, `SELECT name FROM items WHERE id = 1`).Scan(&name))
		assert.Equal(t, "a", name)
	})

	t.Run("rolls back on error", func(t *testing.T) {
		boom := errors.New("boom")
		err := db.WithTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, `INSERT INTO items (id, name) VALUES (?, ?)`, 2, "b"); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)

		var n int
		require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM items WHERE id = 2`).Scan(&n))
		assert.Zero(t, n)
	})
}

func TestLockClause(t *testing.T) {
	assert.Equal(t, " FOR UPDATE", (&DB{Dialect: MySQL}).LockClause())
	assert.Equal(t, "", (&DB{Dialect: SQLite}).LockClause())
}
