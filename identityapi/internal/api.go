// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"context"
	"fmt"

	"github.com/element-hq/identity/identityapi/api"
	"github.com/element-hq/identity/identityapi/auth"
	"github.com/element-hq/identity/identityapi/storage"
)

// AccountAPI implements api.AccountAPI on top of the account database.
type AccountAPI struct {
	DB storage.Database
}

func (a *AccountAPI) CreateAccount(ctx context.Context, userID string) (*api.Account, error) {
	token, err := auth.GenerateAccessToken()
	if err != nil {
		return nil, fmt.Errorf("auth.GenerateAccessToken: %w", err)
	}
	return a.DB.CreateAccount(ctx, userID, token)
}

func (a *AccountAPI) QueryAccountByToken(ctx context.Context, token string) (*api.Account, error) {
	return a.DB.GetAccountByToken(ctx, token)
}

func (a *AccountAPI) RevokeAccessToken(ctx context.Context, token string) error {
	return a.DB.RemoveToken(ctx, token)
}
