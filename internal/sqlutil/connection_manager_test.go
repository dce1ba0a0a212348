package sqlutil_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/identity/internal/sqlutil"
	"github.com/element-hq/identity/setup/config"
	"github.com/element-hq/identity/test"
)

func TestConnectionManager(t *testing.T) {
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		conStr, closeDB := test.PrepareDBConnectionString(t, dbType)
		t.Cleanup(closeDB)
		cm := sqlutil.NewConnectionManager(nil, config.DatabaseOptions{ConnectionString: config.DataSource(conStr)})

		dbProps := &config.DatabaseOptions{ConnectionString: config.DataSource(conStr)}
		db, writer, err := cm.Connection(dbProps)
		require.NoError(t, err)

		switch dbType {
		case test.DBTypeSQLite:
			assert.IsType(t, &sqlutil.ExclusiveWriter{}, writer)
		case test.DBTypePostgres:
			assert.IsType(t, &sqlutil.DummyWriter{}, writer)
		}

		// an empty connection string falls back to the global pool
		dbGlobal, writerGlobal, err := cm.Connection(&config.DatabaseOptions{})
		require.NoError(t, err)
		assert.Same(t, db, dbGlobal, "expected database connection to be reused")
		assert.Equal(t, writer, writerGlobal, "expected database writer to be reused")

		// nothing configured at all
		cm = sqlutil.NewConnectionManager(nil, config.DatabaseOptions{})
		_, _, err = cm.Connection(&config.DatabaseOptions{})
		assert.Error(t, err)
	})
}
