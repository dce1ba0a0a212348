// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/element-hq/identity/internal"
	"github.com/element-hq/identity/internal/sqlutil"
	"github.com/element-hq/identity/replication/storage/tables"
)

const peerPubkeysSchema = `
-- The keys peers sign associations and push requests with.
CREATE TABLE IF NOT EXISTS replication_peer_pubkeys (
	server_name TEXT NOT NULL,
	key_id TEXT NOT NULL,
	-- Unpadded base64
	public_key TEXT NOT NULL,
	PRIMARY KEY (server_name, key_id)
);
`

const insertPubkeySQL = "" +
	"INSERT INTO replication_peer_pubkeys (server_name, key_id, public_key) VALUES ($1, $2, $3)"

const deletePubkeysSQL = "" +
	"DELETE FROM replication_peer_pubkeys WHERE server_name = $1"

const selectPubkeysSQL = "" +
	"SELECT key_id, public_key FROM replication_peer_pubkeys WHERE server_name = $1"

type peerPubkeysStatements struct {
	db                *sql.DB
	insertPubkeyStmt  *sql.Stmt
	deletePubkeysStmt *sql.Stmt
	selectPubkeysStmt *sql.Stmt
}

func NewSQLitePeerPubkeysTable(db *sql.DB) (tables.PeerPubkeys, error) {
	s := &peerPubkeysStatements{
		db: db,
	}
	_, err := db.Exec(peerPubkeysSchema)
	if err != nil {
		return nil, err
	}
	return s, sqlutil.StatementList{
		{&s.insertPubkeyStmt, insertPubkeySQL},
		{&s.deletePubkeysStmt, deletePubkeysSQL},
		{&s.selectPubkeysStmt, selectPubkeysSQL},
	}.Prepare(db)
}

func (s *peerPubkeysStatements) InsertPubkey(
	ctx context.Context, txn *sql.Tx, serverName spec.ServerName,
	keyID gomatrixserverlib.KeyID, key spec.Base64Bytes,
) error {
	stmt := sqlutil.TxStmt(txn, s.insertPubkeyStmt)
	_, err := stmt.ExecContext(ctx, serverName, keyID, key.Encode())
	return err
}

func (s *peerPubkeysStatements) DeletePubkeys(
	ctx context.Context, txn *sql.Tx, serverName spec.ServerName,
) error {
	_, err := sqlutil.TxStmt(txn, s.deletePubkeysStmt).ExecContext(ctx, serverName)
	return err
}

func (s *peerPubkeysStatements) SelectPubkeys(
	ctx context.Context, txn *sql.Tx, serverName spec.ServerName,
) (map[gomatrixserverlib.KeyID]spec.Base64Bytes, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectPubkeysStmt).QueryContext(ctx, serverName)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectPubkeys: rows.close() failed")
	keys := map[gomatrixserverlib.KeyID]spec.Base64Bytes{}
	for rows.Next() {
		var keyID, encoded string
		if err = rows.Scan(&keyID, &encoded); err != nil {
			return nil, err
		}
		var key spec.Base64Bytes
		if err = key.Decode(encoded); err != nil {
			return nil, err
		}
		keys[gomatrixserverlib.KeyID(keyID)] = key
	}
	return keys, rows.Err()
}
