// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package routing

import (
	"net/http"

	"github.com/matrix-org/gomatrixserverlib/fclient"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
	"github.com/tidwall/gjson"

	"github.com/element-hq/identity/associations"
	assocapi "github.com/element-hq/identity/associations/api"
	assocstorage "github.com/element-hq/identity/associations/storage"
	identityapi "github.com/element-hq/identity/identityapi/api"
	"github.com/element-hq/identity/internal/httputil"
	"github.com/element-hq/identity/validation"
	"github.com/element-hq/identity/validation/api"
)

type bindRequest struct {
	SID          string `json:"sid"`
	ClientSecret string `json:"client_secret"`
	MXID         string `json:"mxid"`
}

type pendingBindResponse struct {
	Pending bool `json:"pending"`
}

type unbindRequest struct {
	MXID     string            `json:"mxid"`
	Threepid assocapi.Threepid `json:"threepid"`
}

// Bind implements POST /3pid/bind. account is nil on the unauthenticated
// v1 endpoint.
func Bind(
	req *http.Request, account *identityapi.Account,
	v *validation.Validator, signer *associations.Signer,
) util.JSONResponse {
	var r bindRequest
	if resErr := httputil.UnmarshalJSONRequest(req, &r); resErr != nil {
		return *resErr
	}
	if resErr := checkRequired(
		param{"sid", r.SID},
		param{"client_secret", r.ClientSecret},
		param{"mxid", r.MXID},
	); resErr != nil {
		return *resErr
	}
	if _, err := spec.NewUserID(r.MXID, true); err != nil {
		return util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: spec.InvalidParam("mxid is not a valid Matrix user ID"),
		}
	}
	if account != nil && account.UserID != r.MXID {
		return util.JSONResponse{
			Code: http.StatusForbidden,
			JSON: spec.Forbidden("This user is prohibited from binding to the mxid"),
		}
	}
	sid, err := api.ParseSID(r.SID)
	if err != nil {
		return sessionError(req, &api.Error{Kind: api.KindSessionNotFound, Err: err})
	}

	assoc, pending, err := v.Bind(req.Context(), sid, r.ClientSecret, r.MXID)
	if err != nil {
		return sessionError(req, err)
	}
	if pending {
		return util.JSONResponse{
			Code: http.StatusAccepted,
			JSON: pendingBindResponse{Pending: true},
		}
	}
	signed, err := signer.SignAssociation(&assoc.ThreepidAssociation)
	if err != nil {
		util.GetLogger(req.Context()).WithError(err).Error("signer.SignAssociation failed")
		return util.JSONResponse{
			Code: http.StatusInternalServerError,
			JSON: spec.InternalServerError{},
		}
	}
	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: signed,
	}
}

// Unbind implements POST /3pid/unbind. The request must be signed by the
// homeserver of the Matrix ID being unbound.
func Unbind(
	req *http.Request, request *fclient.FederationRequest,
	binder *associations.Binder, assocDB assocstorage.Database,
) util.JSONResponse {
	var r unbindRequest
	if resErr := httputil.UnmarshalJSON(request.Content(), &r); resErr != nil {
		return *resErr
	}
	if resErr := checkRequired(
		param{"mxid", r.MXID},
		param{"medium", r.Threepid.Medium},
		param{"address", r.Threepid.Address},
	); resErr != nil {
		return *resErr
	}
	userID, err := spec.NewUserID(r.MXID, true)
	if err != nil {
		return util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: spec.InvalidParam("mxid is not a valid Matrix user ID"),
		}
	}
	if userID.Domain() != request.Origin() {
		return util.JSONResponse{
			Code: http.StatusForbidden,
			JSON: spec.Forbidden("Origin server name does not match mxid"),
		}
	}

	address := normaliseAddress(r.Threepid.Medium, r.Threepid.Address)
	current, err := assocDB.SignedAssociationForThreepid(req.Context(), r.Threepid.Medium, address)
	if err != nil {
		util.GetLogger(req.Context()).WithError(err).Error("assocDB.SignedAssociationForThreepid failed")
		return util.JSONResponse{
			Code: http.StatusInternalServerError,
			JSON: spec.InternalServerError{},
		}
	}
	if current == nil || gjson.GetBytes(current, "mxid").Str != r.MXID {
		return util.JSONResponse{
			Code: http.StatusNotFound,
			JSON: spec.NotFound("No binding of this threepid to this mxid"),
		}
	}

	if _, err = binder.RemoveBinding(req.Context(), r.Threepid.Medium, address); err != nil {
		util.GetLogger(req.Context()).WithError(err).Error("binder.RemoveBinding failed")
		return util.JSONResponse{
			Code: http.StatusInternalServerError,
			JSON: spec.InternalServerError{},
		}
	}
	util.GetLogger(req.Context()).WithField("medium", r.Threepid.Medium).Info("Unbound threepid")
	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: struct{}{},
	}
}

func normaliseAddress(medium, address string) string {
	if medium == string(api.MediumEmail) {
		return validation.NormaliseEmail(address)
	}
	return address
}
