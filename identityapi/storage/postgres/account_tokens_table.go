// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

import (
	"context"
	"database/sql"

	"github.com/element-hq/identity/identityapi/storage/tables"
	"github.com/element-hq/identity/internal/sqlutil"
)

const accountTokensSchema = `
-- Access tokens issued to identity server accounts.
CREATE TABLE IF NOT EXISTS identity_account_tokens (
	token TEXT NOT NULL PRIMARY KEY,
	user_id TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS identity_account_tokens_user_id_idx ON identity_account_tokens (user_id);
`

const insertTokenSQL = "" +
	"INSERT INTO identity_account_tokens (token, user_id) VALUES ($1, $2)"

const selectUserIDByTokenSQL = "" +
	"SELECT user_id FROM identity_account_tokens WHERE token = $1"

const deleteTokenSQL = "" +
	"DELETE FROM identity_account_tokens WHERE token = $1"

type accountTokensStatements struct {
	insertTokenStmt         *sql.Stmt
	selectUserIDByTokenStmt *sql.Stmt
	deleteTokenStmt         *sql.Stmt
}

func NewPostgresAccountTokensTable(db *sql.DB) (tables.AccountTokens, error) {
	s := &accountTokensStatements{}
	_, err := db.Exec(accountTokensSchema)
	if err != nil {
		return nil, err
	}
	return s, sqlutil.StatementList{
		{&s.insertTokenStmt, insertTokenSQL},
		{&s.selectUserIDByTokenStmt, selectUserIDByTokenSQL},
		{&s.deleteTokenStmt, deleteTokenSQL},
	}.Prepare(db)
}

func (s *accountTokensStatements) InsertToken(
	ctx context.Context, txn *sql.Tx, token, userID string,
) error {
	_, err := sqlutil.TxStmt(txn, s.insertTokenStmt).ExecContext(ctx, token, userID)
	return err
}

func (s *accountTokensStatements) SelectUserID(
	ctx context.Context, txn *sql.Tx, token string,
) (userID string, err error) {
	err = sqlutil.TxStmt(txn, s.selectUserIDByTokenStmt).QueryRowContext(ctx, token).Scan(&userID)
	return
}

func (s *accountTokensStatements) DeleteToken(
	ctx context.Context, txn *sql.Tx, token string,
) error {
	_, err := sqlutil.TxStmt(txn, s.deleteTokenStmt).ExecContext(ctx, token)
	return err
}
