// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

import (
	"context"
	"database/sql"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/element-hq/identity/associations/api"
	"github.com/element-hq/identity/associations/storage/tables"
	"github.com/element-hq/identity/internal/sqlutil"
)

const globalAssociationsSchema = `
-- Signed associations served to lookups, from this server and its peers.
CREATE TABLE IF NOT EXISTS global_threepid_associations (
	id BIGSERIAL PRIMARY KEY,
	medium TEXT NOT NULL,
	address TEXT NOT NULL,
	-- Empty for an unbind
	mxid TEXT NOT NULL DEFAULT '',
	ts BIGINT NOT NULL,
	not_before BIGINT NOT NULL,
	not_after BIGINT NOT NULL,
	-- The server that validated the association and its local ID there
	origin_server TEXT NOT NULL,
	origin_id BIGINT NOT NULL,
	-- The association as signed by the origin server
	signed_json TEXT NOT NULL,
	UNIQUE (origin_server, origin_id)
);

CREATE INDEX IF NOT EXISTS global_threepid_associations_threepid_idx
	ON global_threepid_associations (medium, address);
`

const insertGlobalAssociationSQL = "" +
	"INSERT INTO global_threepid_associations" +
	" (medium, address, mxid, ts, not_before, not_after, origin_server, origin_id, signed_json)" +
	" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)" +
	" ON CONFLICT (origin_server, origin_id) DO NOTHING"

const deleteBoundAssociationsSQL = "" +
	"DELETE FROM global_threepid_associations" +
	" WHERE medium = $1 AND address = $2 AND mxid != '' AND ts <= $3"

const selectSignedAssociationSQL = "" +
	"SELECT signed_json FROM global_threepid_associations" +
	" WHERE medium = $1 AND address = $2 AND mxid != '' AND not_before <= $3 AND not_after > $3" +
	" ORDER BY ts DESC, id DESC LIMIT 1"

// The address list is expanded at query time.
const selectMXIDsSQL = "" +
	"SELECT address, mxid FROM global_threepid_associations" +
	" WHERE medium = $1 AND not_before <= $2 AND not_after > $2 AND mxid != '' AND address IN ($3)" +
	" ORDER BY address, ts DESC, id DESC"

type globalAssociationsStatements struct {
	db                          *sql.DB
	insertAssociationStmt       *sql.Stmt
	deleteBoundAssociationsStmt *sql.Stmt
	selectSignedAssociationStmt *sql.Stmt
}

func NewPostgresGlobalAssociationsTable(db *sql.DB) (tables.GlobalThreepidAssociations, error) {
	s := &globalAssociationsStatements{
		db: db,
	}
	_, err := db.Exec(globalAssociationsSchema)
	if err != nil {
		return nil, err
	}
	return s, sqlutil.StatementList{
		{&s.insertAssociationStmt, insertGlobalAssociationSQL},
		{&s.deleteBoundAssociationsStmt, deleteBoundAssociationsSQL},
		{&s.selectSignedAssociationStmt, selectSignedAssociationSQL},
	}.Prepare(db)
}

func (s *globalAssociationsStatements) InsertAssociation(
	ctx context.Context, txn *sql.Tx, assoc *api.GlobalAssociation,
) (bool, error) {
	stmt := sqlutil.TxStmt(txn, s.insertAssociationStmt)
	res, err := stmt.ExecContext(
		ctx, assoc.Medium, assoc.Address, assoc.MXID, assoc.TS, assoc.NotBefore, assoc.NotAfter,
		assoc.OriginServer, assoc.OriginID, string(assoc.SignedJSON),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *globalAssociationsStatements) DeleteBoundAssociations(
	ctx context.Context, txn *sql.Tx, medium, address string, ts spec.Timestamp,
) error {
	_, err := sqlutil.TxStmt(txn, s.deleteBoundAssociationsStmt).ExecContext(ctx, medium, address, ts)
	return err
}

func (s *globalAssociationsStatements) SelectSignedAssociation(
	ctx context.Context, txn *sql.Tx, medium, address string, now spec.Timestamp,
) ([]byte, error) {
	var signedJSON string
	stmt := sqlutil.TxStmt(txn, s.selectSignedAssociationStmt)
	if err := stmt.QueryRowContext(ctx, medium, address, now).Scan(&signedJSON); err != nil {
		return nil, err
	}
	return []byte(signedJSON), nil
}

func (s *globalAssociationsStatements) SelectMXIDs(
	ctx context.Context, txn *sql.Tx, medium string, addresses []string, now spec.Timestamp,
) (map[string]string, error) {
	var qp sqlutil.QueryProvider = s.db
	if txn != nil {
		qp = txn
	}
	params := make([]interface{}, len(addresses))
	for i := range addresses {
		params[i] = addresses[i]
	}
	result := make(map[string]string, len(addresses))
	err := sqlutil.RunLimitedVariablesQuery(
		ctx, selectMXIDsSQL, qp, []interface{}{medium, now}, params, 1000,
		func(rows *sql.Rows) error {
			var address, mxid string
			for rows.Next() {
				if err := rows.Scan(&address, &mxid); err != nil {
					return err
				}
				// rows are newest first for each address
				if _, ok := result[address]; !ok {
					result[address] = mxid
				}
			}
			return rows.Err()
		},
	)
	return result, err
}
