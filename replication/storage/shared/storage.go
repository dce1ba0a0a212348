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

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/element-hq/identity/internal/sqlutil"
	"github.com/element-hq/identity/replication/api"
	"github.com/element-hq/identity/replication/storage/tables"
)

type Database struct {
	DB          *sql.DB
	Writer      sqlutil.Writer
	Peers       tables.Peers
	PeerPubkeys tables.PeerPubkeys
}

func (d *Database) SyncPeers(ctx context.Context, peers []api.Peer) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		if err := d.Peers.DeactivateAllPeers(ctx, txn); err != nil {
			return fmt.Errorf("d.Peers.DeactivateAllPeers: %w", err)
		}
		for _, peer := range peers {
			if err := d.Peers.UpsertPeer(ctx, txn, peer.ServerName, peer.BaseURL); err != nil {
				return fmt.Errorf("d.Peers.UpsertPeer: %w", err)
			}
			if err := d.PeerPubkeys.DeletePubkeys(ctx, txn, peer.ServerName); err != nil {
				return fmt.Errorf("d.PeerPubkeys.DeletePubkeys: %w", err)
			}
			for keyID, key := range peer.VerifyKeys {
				if err := d.PeerPubkeys.InsertPubkey(ctx, txn, peer.ServerName, keyID, key); err != nil {
					return fmt.Errorf("d.PeerPubkeys.InsertPubkey: %w", err)
				}
			}
		}
		return nil
	})
}

func (d *Database) GetPeers(ctx context.Context) ([]api.Peer, error) {
	peers, err := d.Peers.SelectActivePeers(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("d.Peers.SelectActivePeers: %w", err)
	}
	for i := range peers {
		if peers[i].VerifyKeys, err = d.PeerPubkeys.SelectPubkeys(ctx, nil, peers[i].ServerName); err != nil {
			return nil, fmt.Errorf("d.PeerPubkeys.SelectPubkeys: %w", err)
		}
	}
	return peers, nil
}

func (d *Database) GetPeer(ctx context.Context, serverName spec.ServerName) (*api.Peer, error) {
	peer, err := d.Peers.SelectPeer(ctx, nil, serverName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("d.Peers.SelectPeer: %w", err)
	}
	if !peer.Active {
		return nil, nil
	}
	if peer.VerifyKeys, err = d.PeerPubkeys.SelectPubkeys(ctx, nil, serverName); err != nil {
		return nil, fmt.Errorf("d.PeerPubkeys.SelectPubkeys: %w", err)
	}
	return peer, nil
}

func (d *Database) SetLastSentVersion(
	ctx context.Context, serverName spec.ServerName, version int64, pokedAt spec.Timestamp,
) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.Peers.UpdateLastSentVersion(ctx, txn, serverName, version, pokedAt)
	})
}
