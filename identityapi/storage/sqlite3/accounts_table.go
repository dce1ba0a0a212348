// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/element-hq/identity/identityapi/storage/tables"
	"github.com/element-hq/identity/internal/sqlutil"
)

const accountsSchema = `
-- Matrix users who registered with the identity server.
CREATE TABLE IF NOT EXISTS identity_accounts (
	user_id TEXT NOT NULL PRIMARY KEY,
	created_ts BIGINT NOT NULL
);
`

const insertAccountSQL = "" +
	"INSERT INTO identity_accounts (user_id, created_ts) VALUES ($1, $2)" +
	" ON CONFLICT (user_id) DO NOTHING"

const selectCreatedTSSQL = "" +
	"SELECT created_ts FROM identity_accounts WHERE user_id = $1"

type accountsStatements struct {
	insertAccountStmt   *sql.Stmt
	selectCreatedTSStmt *sql.Stmt
}

func NewSQLiteAccountsTable(db *sql.DB) (tables.Accounts, error) {
	s := &accountsStatements{}
	_, err := db.Exec(accountsSchema)
	if err != nil {
		return nil, err
	}
	return s, sqlutil.StatementList{
		{&s.insertAccountStmt, insertAccountSQL},
		{&s.selectCreatedTSStmt, selectCreatedTSSQL},
	}.Prepare(db)
}

func (s *accountsStatements) InsertAccount(
	ctx context.Context, txn *sql.Tx, userID string, createdTS spec.Timestamp,
) error {
	_, err := sqlutil.TxStmt(txn, s.insertAccountStmt).ExecContext(ctx, userID, createdTS)
	return err
}

func (s *accountsStatements) SelectCreatedTS(
	ctx context.Context, txn *sql.Tx, userID string,
) (createdTS spec.Timestamp, err error) {
	err = sqlutil.TxStmt(txn, s.selectCreatedTSStmt).QueryRowContext(ctx, userID).Scan(&createdTS)
	return
}
