// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package shared

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/element-hq/identity/identityapi/api"
	"github.com/element-hq/identity/identityapi/storage/tables"
	"github.com/element-hq/identity/internal/sqlutil"
)

type Database struct {
	DB       *sql.DB
	Writer   sqlutil.Writer
	Accounts tables.Accounts
	Tokens   tables.AccountTokens
}

func (d *Database) CreateAccount(ctx context.Context, userID, token string) (account *api.Account, err error) {
	err = d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		if err = d.Accounts.InsertAccount(ctx, txn, userID, spec.AsTimestamp(time.Now())); err != nil {
			return fmt.Errorf("d.Accounts.InsertAccount: %w", err)
		}
		createdTS, err := d.Accounts.SelectCreatedTS(ctx, txn, userID)
		if err != nil {
			return fmt.Errorf("d.Accounts.SelectCreatedTS: %w", err)
		}
		if err = d.Tokens.InsertToken(ctx, txn, token, userID); err != nil {
			return fmt.Errorf("d.Tokens.InsertToken: %w", err)
		}
		account = &api.Account{
			UserID:    userID,
			Token:     token,
			CreatedTS: int64(createdTS),
		}
		return nil
	})
	return
}

func (d *Database) GetAccountByToken(ctx context.Context, token string) (*api.Account, error) {
	userID, err := d.Tokens.SelectUserID(ctx, nil, token)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	createdTS, err := d.Accounts.SelectCreatedTS(ctx, nil, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &api.Account{
		UserID:    userID,
		Token:     token,
		CreatedTS: int64(createdTS),
	}, nil
}

func (d *Database) RemoveToken(ctx context.Context, token string) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.Tokens.DeleteToken(ctx, txn, token)
	})
}
