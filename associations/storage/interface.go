// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package storage

import (
	"context"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/element-hq/identity/associations/api"
)

type Database interface {
	// AddLocalAssociation appends an association to the local log.
	AddLocalAssociation(ctx context.Context, assoc *api.ThreepidAssociation) (*api.LocalAssociation, error)
	// GetLocalAssociationsAfter returns up to limit local associations with
	// an ID greater than afterID, oldest first.
	GetLocalAssociationsAfter(ctx context.Context, afterID int64, limit int) ([]api.LocalAssociation, error)
	// StoreGlobalAssociation stores a signed association unless one with the
	// same origin is already stored. Storing an unbind removes the bound
	// associations it supersedes.
	StoreGlobalAssociation(ctx context.Context, assoc *api.GlobalAssociation) (bool, error)
	// StoreGlobalAssociations stores a batch in one transaction.
	StoreGlobalAssociations(ctx context.Context, assocs []api.GlobalAssociation) error
	// SignedAssociationForThreepid returns nil if the threepid is not bound.
	SignedAssociationForThreepid(ctx context.Context, medium, address string) ([]byte, error)
	// GetMXIDs returns the bound threepids among those given, in request order.
	GetMXIDs(ctx context.Context, threepids []api.Threepid) ([]api.ThreepidMapping, error)
	// LastIDFromServer is the highest origin ID accepted from the server, including
	// associations a tombstone has since removed.
	LastIDFromServer(ctx context.Context, server spec.ServerName) (int64, error)
}
