// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package storage

import (
	"context"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/element-hq/identity/validation/api"
)

type Database interface {
	// GetOrCreateSession returns the unvalidated session for the triple, or
	// creates one with a token from newToken and a send attempt of 0.
	GetOrCreateSession(ctx context.Context, medium api.Medium, address, clientSecret, nextLink string, newToken func() (string, error)) (*api.Session, error)
	// GetSession returns api.ErrSessionNotFound if there is no such session.
	GetSession(ctx context.Context, sid int64) (*api.Session, error)
	SetMtime(ctx context.Context, sid int64, mtime spec.Timestamp) error
	// SetSendAttemptNumber never lowers the stored attempt number.
	SetSendAttemptNumber(ctx context.Context, sid int64, sendAttempt int) error
	SetPendingMXID(ctx context.Context, sid int64, mxid string) error
	// Validate checks the client secret, expiry and token of a session and
	// marks it validated. It returns one of api.ErrSessionNotFound,
	// api.ErrSecretMismatch, api.ErrSessionExpired or api.ErrTokenMismatch.
	Validate(ctx context.Context, sid int64, clientSecret, token string, now time.Time, lifetime time.Duration) (*api.Session, error)
	// DeleteSessionsBefore removes sessions untouched since before mtime.
	DeleteSessionsBefore(ctx context.Context, mtime spec.Timestamp) (int64, error)
}
