// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/element-hq/identity/internal"
	"github.com/element-hq/identity/internal/sqlutil"
	"github.com/element-hq/identity/replication/api"
	"github.com/element-hq/identity/replication/storage/tables"
)

const peersSchema = `
-- The servers associations are replicated to, with their replication cursor.
CREATE TABLE IF NOT EXISTS replication_peers (
	server_name TEXT NOT NULL PRIMARY KEY,
	base_url TEXT NOT NULL,
	-- The highest local association ID the peer has acknowledged
	last_sent_version BIGINT NOT NULL DEFAULT 0,
	last_poke_succeeded_at BIGINT NOT NULL DEFAULT 0,
	-- Peers removed from the config are kept, with their cursor, but inactive
	active BOOLEAN NOT NULL DEFAULT TRUE
);
`

const upsertPeerSQL = "" +
	"INSERT INTO replication_peers (server_name, base_url, active) VALUES ($1, $2, TRUE)" +
	" ON CONFLICT (server_name) DO UPDATE SET base_url = $2, active = TRUE"

const deactivateAllPeersSQL = "" +
	"UPDATE replication_peers SET active = FALSE"

const peerColumns = "server_name, base_url, last_sent_version, last_poke_succeeded_at, active"

const selectActivePeersSQL = "" +
	"SELECT " + peerColumns + " FROM replication_peers WHERE active = TRUE ORDER BY server_name ASC"

const selectPeerSQL = "" +
	"SELECT " + peerColumns + " FROM replication_peers WHERE server_name = $1"

const updateLastSentVersionSQL = "" +
	"UPDATE replication_peers SET last_sent_version = $1, last_poke_succeeded_at = $2" +
	" WHERE server_name = $3 AND last_sent_version < $1"

type peersStatements struct {
	db                        *sql.DB
	upsertPeerStmt            *sql.Stmt
	deactivateAllPeersStmt    *sql.Stmt
	selectActivePeersStmt     *sql.Stmt
	selectPeerStmt            *sql.Stmt
	updateLastSentVersionStmt *sql.Stmt
}

func NewSQLitePeersTable(db *sql.DB) (tables.Peers, error) {
	s := &peersStatements{
		db: db,
	}
	_, err := db.Exec(peersSchema)
	if err != nil {
		return nil, err
	}
	return s, sqlutil.StatementList{
		{&s.upsertPeerStmt, upsertPeerSQL},
		{&s.deactivateAllPeersStmt, deactivateAllPeersSQL},
		{&s.selectActivePeersStmt, selectActivePeersSQL},
		{&s.selectPeerStmt, selectPeerSQL},
		{&s.updateLastSentVersionStmt, updateLastSentVersionSQL},
	}.Prepare(db)
}

func (s *peersStatements) UpsertPeer(
	ctx context.Context, txn *sql.Tx, serverName spec.ServerName, baseURL string,
) error {
	_, err := sqlutil.TxStmt(txn, s.upsertPeerStmt).ExecContext(ctx, serverName, baseURL)
	return err
}

func (s *peersStatements) DeactivateAllPeers(ctx context.Context, txn *sql.Tx) error {
	_, err := sqlutil.TxStmt(txn, s.deactivateAllPeersStmt).ExecContext(ctx)
	return err
}

func (s *peersStatements) SelectActivePeers(ctx context.Context, txn *sql.Tx) ([]api.Peer, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectActivePeersStmt).QueryContext(ctx)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectActivePeers: rows.close() failed")
	var peers []api.Peer
	for rows.Next() {
		var peer api.Peer
		if err = rows.Scan(
			&peer.ServerName, &peer.BaseURL, &peer.LastSentVersion,
			&peer.LastPokeSucceededAt, &peer.Active,
		); err != nil {
			return nil, err
		}
		peers = append(peers, peer)
	}
	return peers, rows.Err()
}

func (s *peersStatements) SelectPeer(
	ctx context.Context, txn *sql.Tx, serverName spec.ServerName,
) (*api.Peer, error) {
	var peer api.Peer
	err := sqlutil.TxStmt(txn, s.selectPeerStmt).QueryRowContext(ctx, serverName).Scan(
		&peer.ServerName, &peer.BaseURL, &peer.LastSentVersion,
		&peer.LastPokeSucceededAt, &peer.Active,
	)
	if err != nil {
		return nil, err
	}
	return &peer, nil
}

func (s *peersStatements) UpdateLastSentVersion(
	ctx context.Context, txn *sql.Tx, serverName spec.ServerName, version int64, pokedAt spec.Timestamp,
) error {
	_, err := sqlutil.TxStmt(txn, s.updateLastSentVersionStmt).ExecContext(ctx, version, pokedAt, serverName)
	return err
}
