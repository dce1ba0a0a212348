// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package tables

import (
	"context"
	"database/sql"

	"github.com/matrix-org/gomatrixserverlib/spec"
)

type Accounts interface {
	// InsertAccount does nothing if the account already exists.
	InsertAccount(ctx context.Context, txn *sql.Tx, userID string, createdTS spec.Timestamp) error
	// SelectCreatedTS returns sql.ErrNoRows if there is no such account.
	SelectCreatedTS(ctx context.Context, txn *sql.Tx, userID string) (spec.Timestamp, error)
}

type AccountTokens interface {
	InsertToken(ctx context.Context, txn *sql.Tx, token, userID string) error
	// SelectUserID returns sql.ErrNoRows if the token is unknown.
	SelectUserID(ctx context.Context, txn *sql.Tx, token string) (string, error)
	DeleteToken(ctx context.Context, txn *sql.Tx, token string) error
}
