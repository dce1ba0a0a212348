// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package api

import (
	"encoding/json"

	"github.com/matrix-org/gomatrixserverlib/spec"
)

// Threepid is a third party identifier.
type Threepid struct {
	Medium  string `json:"medium"`
	Address string `json:"address"`
}

// ThreepidAssociation is a claim that a third party identifier belongs to a
// Matrix user. An empty MXID marks the threepid as unbound.
type ThreepidAssociation struct {
	Medium    string         `json:"medium"`
	Address   string         `json:"address"`
	MXID      string         `json:"mxid,omitempty"`
	TS        spec.Timestamp `json:"ts"`
	NotBefore spec.Timestamp `json:"not_before"`
	NotAfter  spec.Timestamp `json:"not_after"`
}

// IsTombstone reports whether the association records an unbind.
func (a *ThreepidAssociation) IsTombstone() bool {
	return a.MXID == ""
}

// LocalAssociation is an association validated by this server. LocalID is
// assigned by the store and increases with every append, which makes it the
// unit of the replication cursor.
type LocalAssociation struct {
	LocalID int64
	ThreepidAssociation
}

// GlobalAssociation is a signed association as served to lookups, whether
// it was validated here or replicated from a peer.
type GlobalAssociation struct {
	ThreepidAssociation
	// The server which validated the association and its local id there.
	OriginServer spec.ServerName
	OriginID     int64
	// The association exactly as it was signed.
	SignedJSON json.RawMessage
}

// ThreepidMapping is one result of a bulk lookup.
type ThreepidMapping struct {
	Threepid
	MXID string
}
