// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package storage

import (
	"context"

	"github.com/element-hq/identity/identityapi/api"
)

type Database interface {
	// CreateAccount creates the account if needed and issues it a new token.
	CreateAccount(ctx context.Context, userID, token string) (*api.Account, error)
	// GetAccountByToken returns nil if the token is unknown or revoked.
	GetAccountByToken(ctx context.Context, token string) (*api.Account, error)
	RemoveToken(ctx context.Context, token string) error
}
