// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package api

import (
	"context"
	"encoding/json"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
)

// Peer is a server we replicate associations to and accept them from.
type Peer struct {
	ServerName spec.ServerName
	// Scheme and authority of the peer's replication endpoint.
	BaseURL    string
	VerifyKeys map[gomatrixserverlib.KeyID]spec.Base64Bytes
	// The highest local association ID the peer has acknowledged. Only
	// ever increases.
	LastSentVersion     int64
	LastPokeSucceededAt spec.Timestamp
	Active              bool
}

// PushRequest is the body of a replication push: signed associations keyed
// by their ID on the origin server.
type PushRequest struct {
	Associations map[string]json.RawMessage `json:"sgAssocs"`
}

type PushResponse struct {
	Success bool `json:"success"`
}

// PeerClient delivers signed associations to a peer.
type PeerClient interface {
	Push(ctx context.Context, peer *Peer, assocs map[int64]json.RawMessage) error
}
