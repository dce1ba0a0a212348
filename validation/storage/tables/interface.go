// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package tables

import (
	"context"
	"database/sql"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/element-hq/identity/validation/api"
)

type ThreepidSessions interface {
	// InsertSession stores a new session and returns its ID.
	InsertSession(ctx context.Context, txn *sql.Tx, session *api.Session) (int64, error)
	// SelectSession returns sql.ErrNoRows if there is no such session.
	SelectSession(ctx context.Context, txn *sql.Tx, sid int64) (*api.Session, error)
	// SelectUnvalidatedSession returns the newest unvalidated session for the
	// triple, or sql.ErrNoRows.
	SelectUnvalidatedSession(ctx context.Context, txn *sql.Tx, medium api.Medium, address, clientSecret string) (*api.Session, error)
	UpdateMtime(ctx context.Context, txn *sql.Tx, sid int64, mtime spec.Timestamp) error
	// UpdateSendAttempt only ever raises the stored attempt number.
	UpdateSendAttempt(ctx context.Context, txn *sql.Tx, sid int64, sendAttempt int) error
	UpdateValidated(ctx context.Context, txn *sql.Tx, sid int64, validatedAt spec.Timestamp) error
	UpdatePendingMXID(ctx context.Context, txn *sql.Tx, sid int64, mxid string) error
	DeleteSessionsBefore(ctx context.Context, txn *sql.Tx, mtime spec.Timestamp) (int64, error)
}
