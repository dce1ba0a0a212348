// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package shared

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/element-hq/identity/internal/sqlutil"
	"github.com/element-hq/identity/validation/api"
	"github.com/element-hq/identity/validation/storage/tables"
)

type Database struct {
	DB       *sql.DB
	Writer   sqlutil.Writer
	Sessions tables.ThreepidSessions
}

func (d *Database) GetOrCreateSession(
	ctx context.Context, medium api.Medium, address, clientSecret, nextLink string,
	newToken func() (string, error),
) (session *api.Session, err error) {
	err = d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		session, err = d.Sessions.SelectUnvalidatedSession(ctx, txn, medium, address, clientSecret)
		if err == nil {
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("d.Sessions.SelectUnvalidatedSession: %w", err)
		}
		var token string
		if token, err = newToken(); err != nil {
			return fmt.Errorf("failed to generate token: %w", err)
		}
		session = &api.Session{
			Medium:       medium,
			Address:      address,
			ClientSecret: clientSecret,
			Token:        token,
			Mtime:        spec.AsTimestamp(time.Now()),
			NextLink:     nextLink,
		}
		session.ID, err = d.Sessions.InsertSession(ctx, txn, session)
		if err != nil {
			return fmt.Errorf("d.Sessions.InsertSession: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (d *Database) GetSession(ctx context.Context, sid int64) (*api.Session, error) {
	session, err := d.Sessions.SelectSession(ctx, nil, sid)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, api.ErrSessionNotFound
	}
	return session, err
}

func (d *Database) SetMtime(ctx context.Context, sid int64, mtime spec.Timestamp) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.Sessions.UpdateMtime(ctx, txn, sid, mtime)
	})
}

func (d *Database) SetSendAttemptNumber(ctx context.Context, sid int64, sendAttempt int) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.Sessions.UpdateSendAttempt(ctx, txn, sid, sendAttempt)
	})
}

func (d *Database) SetPendingMXID(ctx context.Context, sid int64, mxid string) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.Sessions.UpdatePendingMXID(ctx, txn, sid, mxid)
	})
}

func (d *Database) Validate(
	ctx context.Context, sid int64, clientSecret, token string,
	now time.Time, lifetime time.Duration,
) (session *api.Session, err error) {
	err = d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		session, err = d.Sessions.SelectSession(ctx, txn, sid)
		if errors.Is(err, sql.ErrNoRows) {
			return api.ErrSessionNotFound
		}
		if err != nil {
			return fmt.Errorf("d.Sessions.SelectSession: %w", err)
		}
		if session.ClientSecret != clientSecret {
			return api.ErrSecretMismatch
		}
		if session.Mtime.Time().Add(lifetime).Before(now) {
			return api.ErrSessionExpired
		}
		if subtle.ConstantTimeCompare([]byte(session.Token), []byte(token)) != 1 {
			return api.ErrTokenMismatch
		}
		if session.Validated {
			return nil
		}
		session.Validated = true
		session.ValidatedAt = spec.AsTimestamp(now)
		return d.Sessions.UpdateValidated(ctx, txn, sid, session.ValidatedAt)
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (d *Database) DeleteSessionsBefore(ctx context.Context, mtime spec.Timestamp) (deleted int64, err error) {
	err = d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		deleted, err = d.Sessions.DeleteSessionsBefore(ctx, txn, mtime)
		return err
	})
	return
}
