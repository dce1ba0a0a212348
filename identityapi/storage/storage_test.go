package storage_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/identity/identityapi/storage"
	"github.com/element-hq/identity/internal/sqlutil"
	"github.com/element-hq/identity/setup/config"
	"github.com/element-hq/identity/test"
)

var ctx = context.Background()

func mustCreateDatabase(t *testing.T, dbType test.DBType) (storage.Database, func()) {
	t.Helper()
	connStr, close := test.PrepareDBConnectionString(t, dbType)
	cm := sqlutil.NewConnectionManager(nil, config.DatabaseOptions{})
	db, err := storage.NewDatabase(cm, &config.DatabaseOptions{
		ConnectionString: config.DataSource(connStr),
	})
	if err != nil {
		t.Fatalf("failed to create new database: %v", err)
	}
	return db, close
}

func TestAccounts(t *testing.T) {
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		db, close := mustCreateDatabase(t, dbType)
		defer close()

		first, err := db.CreateAccount(ctx, "@alice:example.com", "token1")
		require.NoError(t, err)
		assert.Equal(t, "@alice:example.com", first.UserID)
		assert.NotZero(t, first.CreatedTS)

		// registering again issues another token for the same account
		second, err := db.CreateAccount(ctx, "@alice:example.com", "token2")
		require.NoError(t, err)
		assert.Equal(t, first.CreatedTS, second.CreatedTS)

		account, err := db.GetAccountByToken(ctx, "token1")
		require.NoError(t, err)
		require.NotNil(t, account)
		assert.Equal(t, "@alice:example.com", account.UserID)

		require.NoError(t, db.RemoveToken(ctx, "token1"))
		account, err = db.GetAccountByToken(ctx, "token1")
		require.NoError(t, err)
		assert.Nil(t, account)

		account, err = db.GetAccountByToken(ctx, "token2")
		require.NoError(t, err)
		assert.NotNil(t, account)

		account, err = db.GetAccountByToken(ctx, "unknown")
		require.NoError(t, err)
		assert.Nil(t, account)
	})
}
