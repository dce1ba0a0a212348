// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package routing

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/fclient"
	"github.com/matrix-org/util"

	assocstorage "github.com/element-hq/identity/associations/storage"
	"github.com/element-hq/identity/internal/httputil"
	"github.com/element-hq/identity/replication/storage"
	"github.com/element-hq/identity/setup/config"
)

// Setup registers the replication endpoints on the given router. The router
// must not have a path prefix.
func Setup(
	router *mux.Router,
	cfg *config.Global,
	keyRing gomatrixserverlib.JSONVerifier,
	peerDB storage.Database,
	assocDB assocstorage.Database,
) {
	v1mux := router.PathPrefix("/_matrix/identity/replicate/v1").Subrouter()

	v1mux.Handle("/push", httputil.MakeFedAPI(
		"replication_push", cfg.ServerName, cfg.IsLocalServerName, keyRing,
		func(httpReq *http.Request, request *fclient.FederationRequest, vars map[string]string) util.JSONResponse {
			return Push(httpReq, request, keyRing, peerDB, assocDB)
		},
	)).Methods(http.MethodPost)
}
