package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/identity/internal/sqlutil"
	"github.com/element-hq/identity/setup/config"
	"github.com/element-hq/identity/test"
	"github.com/element-hq/identity/validation/api"
	"github.com/element-hq/identity/validation/storage"
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

func tokenGen(tokens ...string) func() (string, error) {
	return func() (string, error) {
		token := tokens[0]
		tokens = tokens[1:]
		return token, nil
	}
}

func TestGetOrCreateSession(t *testing.T) {
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		db, close := mustCreateDatabase(t, dbType)
		defer close()

		gen := tokenGen("token1", "token2", "token3")
		first, err := db.GetOrCreateSession(ctx, api.MediumEmail, "alice@example.com", "secret", "https://app.example.com", gen)
		require.NoError(t, err)
		assert.Equal(t, "token1", first.Token)
		assert.Equal(t, 0, first.SendAttemptNumber)
		assert.False(t, first.Validated)

		// the same triple returns the same session
		again, err := db.GetOrCreateSession(ctx, api.MediumEmail, "alice@example.com", "secret", "", gen)
		require.NoError(t, err)
		assert.Equal(t, first.ID, again.ID)
		assert.Equal(t, "token1", again.Token)
		assert.Equal(t, "https://app.example.com", again.NextLink)

		// a different secret gets a new session
		other, err := db.GetOrCreateSession(ctx, api.MediumEmail, "alice@example.com", "other", "", gen)
		require.NoError(t, err)
		assert.NotEqual(t, first.ID, other.ID)
		assert.Equal(t, "token2", other.Token)

		// once validated, a fresh session is minted
		_, err = db.Validate(ctx, first.ID, "secret", "token1", time.Now(), time.Hour)
		require.NoError(t, err)
		fresh, err := db.GetOrCreateSession(ctx, api.MediumEmail, "alice@example.com", "secret", "", gen)
		require.NoError(t, err)
		assert.NotEqual(t, first.ID, fresh.ID)
		assert.Equal(t, "token3", fresh.Token)
	})
}

func TestSetSendAttemptNumber(t *testing.T) {
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		db, close := mustCreateDatabase(t, dbType)
		defer close()

		session, err := db.GetOrCreateSession(ctx, api.MediumMSISDN, "447700900000", "secret", "", tokenGen("123456"))
		require.NoError(t, err)

		require.NoError(t, db.SetSendAttemptNumber(ctx, session.ID, 3))
		require.NoError(t, db.SetSendAttemptNumber(ctx, session.ID, 1))
		session, err = db.GetSession(ctx, session.ID)
		require.NoError(t, err)
		assert.Equal(t, 3, session.SendAttemptNumber)

		mtime := spec.Timestamp(1700000000000)
		require.NoError(t, db.SetMtime(ctx, session.ID, mtime))
		require.NoError(t, db.SetPendingMXID(ctx, session.ID, "@alice:example.com"))
		session, err = db.GetSession(ctx, session.ID)
		require.NoError(t, err)
		assert.Equal(t, mtime, session.Mtime)
		assert.Equal(t, "@alice:example.com", session.PendingMXID)

		_, err = db.GetSession(ctx, session.ID+100)
		assert.ErrorIs(t, err, api.ErrSessionNotFound)
	})
}

func TestValidate(t *testing.T) {
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		db, close := mustCreateDatabase(t, dbType)
		defer close()

		session, err := db.GetOrCreateSession(ctx, api.MediumEmail, "bob@example.com", "secret", "", tokenGen("token"))
		require.NoError(t, err)
		now := time.Now()

		_, err = db.Validate(ctx, session.ID+1, "secret", "token", now, time.Hour)
		assert.ErrorIs(t, err, api.ErrSessionNotFound)
		_, err = db.Validate(ctx, session.ID, "wrong", "token", now, time.Hour)
		assert.ErrorIs(t, err, api.ErrSecretMismatch)
		_, err = db.Validate(ctx, session.ID, "secret", "token", now.Add(2*time.Hour), time.Hour)
		assert.ErrorIs(t, err, api.ErrSessionExpired)
		_, err = db.Validate(ctx, session.ID, "secret", "nope", now, time.Hour)
		assert.ErrorIs(t, err, api.ErrTokenMismatch)

		validated, err := db.Validate(ctx, session.ID, "secret", "token", now, time.Hour)
		require.NoError(t, err)
		assert.True(t, validated.Validated)
		assert.Equal(t, spec.AsTimestamp(now), validated.ValidatedAt)

		// validating again with the same token succeeds and keeps the first timestamp
		again, err := db.Validate(ctx, session.ID, "secret", "token", now.Add(time.Minute), time.Hour)
		require.NoError(t, err)
		assert.True(t, again.Validated)
		assert.Equal(t, validated.ValidatedAt, again.ValidatedAt)

		// a different token is still rejected
		_, err = db.Validate(ctx, session.ID, "secret", "other", now, time.Hour)
		assert.ErrorIs(t, err, api.ErrTokenMismatch)
	})
}

func TestDeleteSessionsBefore(t *testing.T) {
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		db, close := mustCreateDatabase(t, dbType)
		defer close()

		old, err := db.GetOrCreateSession(ctx, api.MediumEmail, "old@example.com", "secret", "", tokenGen("a"))
		require.NoError(t, err)
		require.NoError(t, db.SetMtime(ctx, old.ID, spec.AsTimestamp(time.Now().Add(-48*time.Hour))))
		current, err := db.GetOrCreateSession(ctx, api.MediumEmail, "new@example.com", "secret", "", tokenGen("b"))
		require.NoError(t, err)

		deleted, err := db.DeleteSessionsBefore(ctx, spec.AsTimestamp(time.Now().Add(-24*time.Hour)))
		require.NoError(t, err)
		assert.Equal(t, int64(1), deleted)

		_, err = db.GetSession(ctx, old.ID)
		assert.ErrorIs(t, err, api.ErrSessionNotFound)
		_, err = db.GetSession(ctx, current.ID)
		assert.NoError(t, err)
	})
}
