// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package api

import (
	"context"
)

// Account is a Matrix user who registered with this identity server through
// the v2 account API.
type Account struct {
	UserID    string
	Token     string
	CreatedTS int64
}

// QueryAccessTokenAPI resolves identity server access tokens.
type QueryAccessTokenAPI interface {
	// QueryAccountByToken returns the account owning the token, or nil if
	// the token is unknown or revoked.
	QueryAccountByToken(ctx context.Context, token string) (*Account, error)
}

// AccountAPI is the full set of account operations used by the v2 routes.
type AccountAPI interface {
	QueryAccessTokenAPI
	CreateAccount(ctx context.Context, userID string) (*Account, error)
	RevokeAccessToken(ctx context.Context, token string) error
}
