// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package shared

import (
	"context"
	"database/sql"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/pkg/errors"

	"github.com/element-hq/identity/associations/api"
	"github.com/element-hq/identity/associations/storage/tables"
	"github.com/element-hq/identity/internal/sqlutil"
)

type Database struct {
	DB        *sql.DB
	Writer    sqlutil.Writer
	Local     tables.LocalThreepidAssociations
	Global    tables.GlobalThreepidAssociations
	Positions tables.GlobalThreepidPositions
}

func (d *Database) AddLocalAssociation(
	ctx context.Context, assoc *api.ThreepidAssociation,
) (*api.LocalAssociation, error) {
	local := &api.LocalAssociation{ThreepidAssociation: *assoc}
	err := d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		var err error
		local.LocalID, err = d.Local.InsertAssociation(ctx, txn, assoc)
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "d.Local.InsertAssociation")
	}
	return local, nil
}

func (d *Database) GetLocalAssociationsAfter(
	ctx context.Context, afterID int64, limit int,
) ([]api.LocalAssociation, error) {
	return d.Local.SelectAssociationsAfterID(ctx, nil, afterID, limit)
}

func (d *Database) StoreGlobalAssociation(
	ctx context.Context, assoc *api.GlobalAssociation,
) (inserted bool, err error) {
	err = d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		inserted, err = d.storeGlobalAssociation(ctx, txn, assoc)
		return err
	})
	return
}

func (d *Database) StoreGlobalAssociations(
	ctx context.Context, assocs []api.GlobalAssociation,
) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		for i := range assocs {
			if _, err := d.storeGlobalAssociation(ctx, txn, &assocs[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

func (d *Database) storeGlobalAssociation(
	ctx context.Context, txn *sql.Tx, assoc *api.GlobalAssociation,
) (bool, error) {
	// Anything at or below the position was already accepted, even if a
	// tombstone has since deleted it.
	position, err := d.Positions.SelectPosition(ctx, txn, assoc.OriginServer)
	if err != nil {
		return false, errors.Wrapf(err, "d.Positions.SelectPosition %s", assoc.OriginServer)
	}
	if assoc.OriginID <= position {
		return false, nil
	}
	inserted, err := d.Global.InsertAssociation(ctx, txn, assoc)
	if err != nil {
		return false, errors.Wrapf(err, "d.Global.InsertAssociation %s/%d", assoc.OriginServer, assoc.OriginID)
	}
	if inserted && assoc.IsTombstone() {
		if err = d.Global.DeleteBoundAssociations(ctx, txn, assoc.Medium, assoc.Address, assoc.TS); err != nil {
			return false, errors.Wrap(err, "d.Global.DeleteBoundAssociations")
		}
	}
	if err = d.Positions.UpsertPosition(ctx, txn, assoc.OriginServer, assoc.OriginID); err != nil {
		return false, errors.Wrapf(err, "d.Positions.UpsertPosition %s/%d", assoc.OriginServer, assoc.OriginID)
	}
	return inserted, nil
}

func (d *Database) SignedAssociationForThreepid(
	ctx context.Context, medium, address string,
) ([]byte, error) {
	signed, err := d.Global.SelectSignedAssociation(ctx, nil, medium, address, spec.AsTimestamp(time.Now()))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return signed, err
}

func (d *Database) GetMXIDs(
	ctx context.Context, threepids []api.Threepid,
) ([]api.ThreepidMapping, error) {
	now := spec.AsTimestamp(time.Now())
	byMedium := map[string][]string{}
	for _, tp := range threepids {
		byMedium[tp.Medium] = append(byMedium[tp.Medium], tp.Address)
	}
	found := make(map[string]map[string]string, len(byMedium))
	for medium, addresses := range byMedium {
		mxids, err := d.Global.SelectMXIDs(ctx, nil, medium, addresses, now)
		if err != nil {
			return nil, errors.Wrapf(err, "d.Global.SelectMXIDs %s", medium)
		}
		found[medium] = mxids
	}
	results := make([]api.ThreepidMapping, 0, len(threepids))
	for _, tp := range threepids {
		if mxid, ok := found[tp.Medium][tp.Address]; ok {
			results = append(results, api.ThreepidMapping{Threepid: tp, MXID: mxid})
		}
	}
	return results, nil
}

func (d *Database) LastIDFromServer(ctx context.Context, server spec.ServerName) (int64, error) {
	return d.Positions.SelectPosition(ctx, nil, server)
}
