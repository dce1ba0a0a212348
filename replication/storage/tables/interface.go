// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package tables

import (
	"context"
	"database/sql"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/element-hq/identity/replication/api"
)

type Peers interface {
	// UpsertPeer adds the peer or updates its base URL, leaving its
	// cursor alone. Either way the peer is marked active.
	UpsertPeer(ctx context.Context, txn *sql.Tx, serverName spec.ServerName, baseURL string) error
	DeactivateAllPeers(ctx context.Context, txn *sql.Tx) error
	// SelectActivePeers returns active peers ordered by server name.
	SelectActivePeers(ctx context.Context, txn *sql.Tx) ([]api.Peer, error)
	SelectPeer(ctx context.Context, txn *sql.Tx, serverName spec.ServerName) (*api.Peer, error)
	// UpdateLastSentVersion only ever moves the cursor forwards.
	UpdateLastSentVersion(ctx context.Context, txn *sql.Tx, serverName spec.ServerName, version int64, pokedAt spec.Timestamp) error
}

type PeerPubkeys interface {
	InsertPubkey(ctx context.Context, txn *sql.Tx, serverName spec.ServerName, keyID gomatrixserverlib.KeyID, key spec.Base64Bytes) error
	DeletePubkeys(ctx context.Context, txn *sql.Tx, serverName spec.ServerName) error
	SelectPubkeys(ctx context.Context, txn *sql.Tx, serverName spec.ServerName) (map[gomatrixserverlib.KeyID]spec.Base64Bytes, error)
}
