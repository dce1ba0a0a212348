// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package replication

import (
	"context"
	"fmt"
	"strings"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/identity/associations"
	assocstorage "github.com/element-hq/identity/associations/storage"
	"github.com/element-hq/identity/internal/sqlutil"
	"github.com/element-hq/identity/replication/api"
	"github.com/element-hq/identity/replication/storage"
	"github.com/element-hq/identity/setup/config"
	"github.com/element-hq/identity/setup/process"
)

// SetupReplicationComponent opens the peer store, records the configured
// peers and creates the pusher and key ring. The pusher is not started.
func SetupReplicationComponent(
	processCtx *process.ProcessContext,
	cfg *config.IdentityServer,
	cm *sqlutil.Connections,
	assocDB assocstorage.Database,
	signer *associations.Signer,
	client api.PeerClient,
	fetcher KeyFetcher,
) (*Pusher, *KeyRing, storage.Database) {
	peerDB, err := storage.NewDatabase(cm, &cfg.Global.DatabaseOptions)
	if err != nil {
		logrus.WithError(err).Panic("failed to connect to replication db")
	}
	peers, err := PeersFromConfig(&cfg.Replication)
	if err != nil {
		logrus.WithError(err).Panic("invalid replication peers")
	}
	if err = peerDB.SyncPeers(context.Background(), peers); err != nil {
		logrus.WithError(err).Panic("failed to store replication peers")
	}
	logrus.Infof("Replicating to %d peer(s)", len(peers))

	pusher := NewPusher(processCtx, &cfg.Replication, assocDB, peerDB, signer, client)
	keyRing := NewKeyRing(peerDB, fetcher, cfg.Replication.KeyCacheLifetime)
	return pusher, keyRing, peerDB
}

// PeersFromConfig converts the configured peers.
func PeersFromConfig(cfg *config.Replication) ([]api.Peer, error) {
	peers := make([]api.Peer, 0, len(cfg.Peers))
	for _, pc := range cfg.Peers {
		peer := api.Peer{
			ServerName: pc.ServerName,
			BaseURL:    strings.TrimSuffix(pc.BaseURL, "/"),
			VerifyKeys: make(map[gomatrixserverlib.KeyID]spec.Base64Bytes, len(pc.VerifyKeys)),
			Active:     true,
		}
		for keyID, encoded := range pc.VerifyKeys {
			var key spec.Base64Bytes
			if err := key.Decode(strings.TrimRight(encoded, "=")); err != nil {
				return nil, fmt.Errorf("invalid key %q for peer %q: %w", keyID, pc.ServerName, err)
			}
			peer.VerifyKeys[gomatrixserverlib.KeyID(keyID)] = key
		}
		peers = append(peers, peer)
	}
	return peers, nil
}
