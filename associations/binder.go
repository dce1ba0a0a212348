// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package associations

import (
	"context"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"

	"github.com/element-hq/identity/associations/api"
	"github.com/element-hq/identity/associations/storage"
)

// Associations stay valid for this long after they are made.
const associationLifetimeYears = 100

// LocalPusher copies new local associations into the global store.
type LocalPusher interface {
	PushLocal(ctx context.Context) error
}

// Binder records binds and unbinds in the local association log.
type Binder struct {
	db     storage.Database
	pusher LocalPusher
}

func NewBinder(db storage.Database, pusher LocalPusher) *Binder {
	return &Binder{db: db, pusher: pusher}
}

// SetLocalPusher sets the loopback pusher once it has been created.
func (b *Binder) SetLocalPusher(pusher LocalPusher) {
	b.pusher = pusher
}

// AddBinding associates the threepid with mxid.
func (b *Binder) AddBinding(ctx context.Context, medium, address, mxid string) (*api.LocalAssociation, error) {
	return b.append(ctx, newAssociation(medium, address, mxid, time.Now()))
}

// RemoveBinding records that the threepid is no longer associated with any
// Matrix ID.
func (b *Binder) RemoveBinding(ctx context.Context, medium, address string) (*api.LocalAssociation, error) {
	return b.append(ctx, newAssociation(medium, address, "", time.Now()))
}

func (b *Binder) append(ctx context.Context, assoc *api.ThreepidAssociation) (*api.LocalAssociation, error) {
	local, err := b.db.AddLocalAssociation(ctx, assoc)
	if err != nil {
		return nil, err
	}
	if b.pusher != nil {
		// A failed loopback is picked up by the next replication tick.
		if err = b.pusher.PushLocal(ctx); err != nil {
			util.GetLogger(ctx).WithError(err).Error("Failed to push association to the global store")
		}
	}
	return local, nil
}

func newAssociation(medium, address, mxid string, now time.Time) *api.ThreepidAssociation {
	return &api.ThreepidAssociation{
		Medium:    medium,
		Address:   address,
		MXID:      mxid,
		TS:        spec.AsTimestamp(now),
		NotBefore: spec.AsTimestamp(now),
		NotAfter:  spec.AsTimestamp(now.AddDate(associationLifetimeYears, 0, 0)),
	}
}
