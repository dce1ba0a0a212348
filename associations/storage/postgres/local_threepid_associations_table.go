// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

import (
	"context"
	"database/sql"

	"github.com/element-hq/identity/associations/api"
	"github.com/element-hq/identity/associations/storage/tables"
	"github.com/element-hq/identity/internal"
	"github.com/element-hq/identity/internal/sqlutil"
)

const localAssociationsSchema = `
-- Associations validated by this server. Rows are never updated: an unbind
-- is appended with an empty mxid.
CREATE TABLE IF NOT EXISTS local_threepid_associations (
	id BIGSERIAL PRIMARY KEY,
	medium TEXT NOT NULL,
	address TEXT NOT NULL,
	mxid TEXT NOT NULL DEFAULT '',
	ts BIGINT NOT NULL,
	not_before BIGINT NOT NULL,
	not_after BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS local_threepid_associations_threepid_idx
	ON local_threepid_associations (medium, address);
`

const insertLocalAssociationSQL = "" +
	"INSERT INTO local_threepid_associations (medium, address, mxid, ts, not_before, not_after)" +
	" VALUES ($1, $2, $3, $4, $5, $6)" +
	" RETURNING id"

const selectLocalAssociationsAfterIDSQL = "" +
	"SELECT id, medium, address, mxid, ts, not_before, not_after FROM local_threepid_associations" +
	" WHERE id > $1 ORDER BY id ASC LIMIT $2"

type localAssociationsStatements struct {
	insertAssociationStmt         *sql.Stmt
	selectAssociationsAfterIDStmt *sql.Stmt
}

func NewPostgresLocalAssociationsTable(db *sql.DB) (tables.LocalThreepidAssociations, error) {
	s := &localAssociationsStatements{}
	_, err := db.Exec(localAssociationsSchema)
	if err != nil {
		return nil, err
	}
	return s, sqlutil.StatementList{
		{&s.insertAssociationStmt, insertLocalAssociationSQL},
		{&s.selectAssociationsAfterIDStmt, selectLocalAssociationsAfterIDSQL},
	}.Prepare(db)
}

func (s *localAssociationsStatements) InsertAssociation(
	ctx context.Context, txn *sql.Tx, assoc *api.ThreepidAssociation,
) (int64, error) {
	var localID int64
	stmt := sqlutil.TxStmt(txn, s.insertAssociationStmt)
	err := stmt.QueryRowContext(
		ctx, assoc.Medium, assoc.Address, assoc.MXID, assoc.TS, assoc.NotBefore, assoc.NotAfter,
	).Scan(&localID)
	return localID, err
}

func (s *localAssociationsStatements) SelectAssociationsAfterID(
	ctx context.Context, txn *sql.Tx, afterID int64, limit int,
) ([]api.LocalAssociation, error) {
	stmt := sqlutil.TxStmt(txn, s.selectAssociationsAfterIDStmt)
	rows, err := stmt.QueryContext(ctx, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectAssociationsAfterID: rows.close() failed")

	var result []api.LocalAssociation
	for rows.Next() {
		var assoc api.LocalAssociation
		if err = rows.Scan(
			&assoc.LocalID, &assoc.Medium, &assoc.Address, &assoc.MXID,
			&assoc.TS, &assoc.NotBefore, &assoc.NotAfter,
		); err != nil {
			return nil, err
		}
		result = append(result, assoc)
	}
	return result, rows.Err()
}
