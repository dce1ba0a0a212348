// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/element-hq/identity/associations/storage/tables"
	"github.com/element-hq/identity/internal/sqlutil"
)

const globalPositionsSchema = `
-- The highest origin ID accepted from each server. Rows in
-- global_threepid_associations can be deleted by tombstones, so the
-- replication position is kept separately.
CREATE TABLE IF NOT EXISTS global_threepid_origin_positions (
	origin_server TEXT NOT NULL PRIMARY KEY,
	origin_id BIGINT NOT NULL
);

INSERT OR IGNORE INTO global_threepid_origin_positions (origin_server, origin_id)
	SELECT origin_server, MAX(origin_id) FROM global_threepid_associations GROUP BY origin_server;
`

const selectPositionSQL = "" +
	"SELECT origin_id FROM global_threepid_origin_positions WHERE origin_server = $1"

const upsertPositionSQL = "" +
	"INSERT INTO global_threepid_origin_positions (origin_server, origin_id) VALUES ($1, $2)" +
	" ON CONFLICT (origin_server) DO UPDATE" +
	" SET origin_id = MAX(global_threepid_origin_positions.origin_id, excluded.origin_id)"

type globalPositionsStatements struct {
	selectPositionStmt *sql.Stmt
	upsertPositionStmt *sql.Stmt
}

func NewSQLiteGlobalPositionsTable(db *sql.DB) (tables.GlobalThreepidPositions, error) {
	s := &globalPositionsStatements{}
	_, err := db.Exec(globalPositionsSchema)
	if err != nil {
		return nil, err
	}
	return s, sqlutil.StatementList{
		{&s.selectPositionStmt, selectPositionSQL},
		{&s.upsertPositionStmt, upsertPositionSQL},
	}.Prepare(db)
}

func (s *globalPositionsStatements) SelectPosition(
	ctx context.Context, txn *sql.Tx, originServer spec.ServerName,
) (int64, error) {
	var originID int64
	err := sqlutil.TxStmt(txn, s.selectPositionStmt).QueryRowContext(ctx, originServer).Scan(&originID)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return originID, err
}

func (s *globalPositionsStatements) UpsertPosition(
	ctx context.Context, txn *sql.Tx, originServer spec.ServerName, originID int64,
) error {
	_, err := sqlutil.TxStmt(txn, s.upsertPositionStmt).ExecContext(ctx, originServer, originID)
	return err
}
