// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package routing

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/fclient"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
	"github.com/tidwall/sjson"

	assocapi "github.com/element-hq/identity/associations/api"
	assocstorage "github.com/element-hq/identity/associations/storage"
	"github.com/element-hq/identity/internal/httputil"
	"github.com/element-hq/identity/replication/api"
	"github.com/element-hq/identity/replication/storage"
)

// Push stores associations pushed by a peer. Every association must be
// signed by the peer which sent it.
func Push(
	httpReq *http.Request,
	request *fclient.FederationRequest,
	keyRing gomatrixserverlib.JSONVerifier,
	peerDB storage.Database,
	assocDB assocstorage.Database,
) util.JSONResponse {
	ctx := httpReq.Context()
	logger := util.GetLogger(ctx).WithField("peer", request.Origin())

	peer, err := peerDB.GetPeer(ctx, request.Origin())
	if err != nil {
		logger.WithError(err).Error("peerDB.GetPeer failed")
		return util.JSONResponse{
			Code: http.StatusInternalServerError,
			JSON: spec.InternalServerError{},
		}
	}
	if peer == nil {
		return util.JSONResponse{
			Code: http.StatusForbidden,
			JSON: spec.Forbidden("This server is not a known peer"),
		}
	}

	var body api.PushRequest
	if resErr := httputil.UnmarshalJSON(request.Content(), &body); resErr != nil {
		return *resErr
	}
	if body.Associations == nil {
		return util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: spec.MissingParam("Missing sgAssocs"),
		}
	}

	globals := make([]assocapi.GlobalAssociation, 0, len(body.Associations))
	verifyRequests := make([]gomatrixserverlib.VerifyJSONRequest, 0, len(body.Associations))
	for rawID, signed := range body.Associations {
		originID, err := strconv.ParseInt(rawID, 10, 64)
		if err != nil || originID <= 0 {
			return util.JSONResponse{
				Code: http.StatusBadRequest,
				JSON: spec.InvalidParam(fmt.Sprintf("Invalid association ID %q", rawID)),
			}
		}
		var assoc assocapi.ThreepidAssociation
		if err = json.Unmarshal(signed, &assoc); err != nil || assoc.Medium == "" || assoc.Address == "" {
			return util.JSONResponse{
				Code: http.StatusBadRequest,
				JSON: spec.BadJSON(fmt.Sprintf("Association %d is malformed", originID)),
			}
		}
		// Unsigned data is not covered by the signature, so it isn't kept.
		stripped, err := sjson.DeleteBytes(signed, "unsigned")
		if err != nil {
			return util.JSONResponse{
				Code: http.StatusBadRequest,
				JSON: spec.BadJSON(fmt.Sprintf("Association %d is malformed", originID)),
			}
		}
		globals = append(globals, assocapi.GlobalAssociation{
			ThreepidAssociation: assoc,
			OriginServer:        peer.ServerName,
			OriginID:            originID,
			SignedJSON:          stripped,
		})
		verifyRequests = append(verifyRequests, gomatrixserverlib.VerifyJSONRequest{
			ServerName: peer.ServerName,
			Message:    signed,
			AtTS:       spec.AsTimestamp(time.Now()),
		})
	}

	results, err := keyRing.VerifyJSONs(ctx, verifyRequests)
	if err != nil {
		logger.WithError(err).Error("keyRing.VerifyJSONs failed")
		return util.JSONResponse{
			Code: http.StatusInternalServerError,
			JSON: spec.InternalServerError{},
		}
	}
	for i, result := range results {
		if result.Error != nil {
			logger.WithError(result.Error).Warnf("Association %d failed signature verification", globals[i].OriginID)
			return util.JSONResponse{
				Code: http.StatusBadRequest,
				JSON: spec.MatrixError{
					ErrCode: "M_VERIFICATION_FAILED",
					Err:     fmt.Sprintf("Failed to verify signature of association %d", globals[i].OriginID),
				},
			}
		}
	}

	// Unbinds only remove what came before them.
	sort.Slice(globals, func(i, j int) bool {
		return globals[i].OriginID < globals[j].OriginID
	})
	if err = assocDB.StoreGlobalAssociations(ctx, globals); err != nil {
		logger.WithError(err).Error("assocDB.StoreGlobalAssociations failed")
		return util.JSONResponse{
			Code: http.StatusInternalServerError,
			JSON: spec.InternalServerError{},
		}
	}
	logger.Infof("Stored %d associations", len(globals))
	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: api.PushResponse{Success: true},
	}
}
