// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package identityapi

import (
	"github.com/gorilla/mux"
	"github.com/matrix-org/gomatrixserverlib"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/identity/associations"
	assocstorage "github.com/element-hq/identity/associations/storage"
	"github.com/element-hq/identity/identityapi/api"
	"github.com/element-hq/identity/identityapi/internal"
	"github.com/element-hq/identity/identityapi/routing"
	"github.com/element-hq/identity/identityapi/storage"
	"github.com/element-hq/identity/internal/sqlutil"
	"github.com/element-hq/identity/setup/config"
	"github.com/element-hq/identity/validation"
)

// NewInternalAPI returns a concrete implementation of the account API.
func NewInternalAPI(cm *sqlutil.Connections, dbProperties *config.DatabaseOptions) api.AccountAPI {
	db, err := storage.NewDatabase(cm, dbProperties)
	if err != nil {
		logrus.WithError(err).Panicf("failed to connect to account db")
	}
	return &internal.AccountAPI{DB: db}
}

// AddPublicRoutes sets up and registers HTTP handlers for the identity
// service API.
func AddPublicRoutes(
	router *mux.Router,
	cfg *config.IdentityServer,
	accountAPI api.AccountAPI,
	validator *validation.Validator,
	emailValidator *validation.EmailValidator,
	msisdnValidator *validation.MsisdnValidator,
	signer *associations.Signer,
	binder *associations.Binder,
	assocDB assocstorage.Database,
	keyRing gomatrixserverlib.JSONVerifier,
	fedClient routing.FederationHTTPClient,
) {
	routing.Setup(
		router, cfg, accountAPI,
		validator, emailValidator, msisdnValidator,
		signer, binder, assocDB, keyRing, fedClient,
	)
}
