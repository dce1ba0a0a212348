package sqlutil_test

import (
	"context"
	"database/sql"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/identity/internal/sqlutil"
	"github.com/element-hq/identity/setup/config"
)

var dummyMigrations = []sqlutil.Migration{
	{
		Version: "init",
		Up: func(ctx context.Context, txn *sql.Tx) error {
			_, err := txn.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS dummy ( test TEXT );")
			return err
		},
	},
	{
		Version: "v2",
		Up: func(ctx context.Context, txn *sql.Tx) error {
			_, err := txn.ExecContext(ctx, "ALTER TABLE dummy ADD COLUMN test2 TEXT;")
			return err
		},
	},
	{
		Version: "v2", // duplicate, this migration will be skipped
		Up: func(ctx context.Context, txn *sql.Tx) error {
			_, err := txn.ExecContext(ctx, "ALTER TABLE dummy ADD COLUMN test2 TEXT;")
			return err
		},
	},
}

var failMigration = sqlutil.Migration{
	Version: "iFail",
	Up: func(ctx context.Context, txn *sql.Tx) error {
		return fmt.Errorf("iFail")
	},
}

func openMemoryDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sqlutil.Open(&config.DatabaseOptions{ConnectionString: "file::memory:"})
	require.NoError(t, err)
	// a single connection keeps the in-memory database alive between statements
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func Test_migrations_Up(t *testing.T) {
	ctx := context.Background()

	t.Run("dummy migration", func(t *testing.T) {
		m := sqlutil.NewMigrator(openMemoryDB(t))
		m.AddMigrations(dummyMigrations...)
		require.NoError(t, m.Up(ctx))

		result, err := m.ExecutedMigrations(ctx)
		require.NoError(t, err)
		assert.Equal(t, map[string]struct{}{"init": {}, "v2": {}}, result)

		// running again is a no-op
		require.NoError(t, m.Up(ctx))
	})

	t.Run("with fail", func(t *testing.T) {
		m := sqlutil.NewMigrator(openMemoryDB(t))
		m.AddMigrations(dummyMigrations...)
		m.AddMigrations(failMigration)
		assert.Error(t, m.Up(ctx))

		// the whole batch is rolled back
		result, err := m.ExecutedMigrations(ctx)
		require.NoError(t, err)
		assert.Empty(t, result)
	})
}
