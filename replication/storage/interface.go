// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package storage

import (
	"context"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/element-hq/identity/replication/api"
)

type Database interface {
	// SyncPeers makes the given peers the active set. Peers not in the set
	// are deactivated. Cursors of known peers are kept.
	SyncPeers(ctx context.Context, peers []api.Peer) error
	// GetPeers returns the active peers ordered by server name.
	GetPeers(ctx context.Context) ([]api.Peer, error)
	// GetPeer returns nil if the server is not an active peer.
	GetPeer(ctx context.Context, serverName spec.ServerName) (*api.Peer, error)
	// SetLastSentVersion records an acknowledged push. The cursor is never
	// moved backwards.
	SetLastSentVersion(ctx context.Context, serverName spec.ServerName, version int64, pokedAt spec.Timestamp) error
}
