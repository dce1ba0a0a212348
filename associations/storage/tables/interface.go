// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package tables

import (
	"context"
	"database/sql"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/element-hq/identity/associations/api"
)

// LocalThreepidAssociations is the append-only log of associations
// validated by this server.
type LocalThreepidAssociations interface {
	InsertAssociation(ctx context.Context, txn *sql.Tx, assoc *api.ThreepidAssociation) (localID int64, err error)
	// SelectAssociationsAfterID returns at most limit associations with a
	// local ID above afterID, in ascending ID order.
	SelectAssociationsAfterID(ctx context.Context, txn *sql.Tx, afterID int64, limit int) ([]api.LocalAssociation, error)
}

// GlobalThreepidAssociations holds signed associations from this server
// and from peers.
type GlobalThreepidAssociations interface {
	// InsertAssociation ignores an association already stored for the same
	// origin server and ID, and reports whether a row was added.
	InsertAssociation(ctx context.Context, txn *sql.Tx, assoc *api.GlobalAssociation) (bool, error)
	// DeleteBoundAssociations removes the bound associations of a threepid
	// made no later than ts.
	DeleteBoundAssociations(ctx context.Context, txn *sql.Tx, medium, address string, ts spec.Timestamp) error
	// SelectSignedAssociation returns the newest bound association valid at
	// now, or sql.ErrNoRows.
	SelectSignedAssociation(ctx context.Context, txn *sql.Tx, medium, address string, now spec.Timestamp) ([]byte, error)
	// SelectMXIDs returns address -> mxid for the newest valid bound
	// association of each address.
	SelectMXIDs(ctx context.Context, txn *sql.Tx, medium string, addresses []string, now spec.Timestamp) (map[string]string, error)
}

// GlobalThreepidPositions records the highest origin ID accepted from each
// server. Unlike the associations themselves, positions are never deleted.
type GlobalThreepidPositions interface {
	// SelectPosition returns 0 when nothing has been accepted from the server.
	SelectPosition(ctx context.Context, txn *sql.Tx, originServer spec.ServerName) (int64, error)
	// UpsertPosition moves the position forwards. A lower originID is ignored.
	UpsertPosition(ctx context.Context, txn *sql.Tx, originServer spec.ServerName, originID int64) error
}
