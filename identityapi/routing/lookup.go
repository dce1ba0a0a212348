// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package routing

import (
	"io"
	"net/http"
	"unicode/utf8"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
	"github.com/tidwall/gjson"

	"github.com/element-hq/identity/associations"
	assocapi "github.com/element-hq/identity/associations/api"
	assocstorage "github.com/element-hq/identity/associations/storage"
)

// Lookup implements GET /lookup
func Lookup(req *http.Request, assocDB assocstorage.Database, signer *associations.Signer) util.JSONResponse {
	q := req.URL.Query()
	if resErr := checkRequired(
		param{"medium", q.Get("medium")},
		param{"address", q.Get("address")},
	); resErr != nil {
		return *resErr
	}
	medium := q.Get("medium")
	raw, err := assocDB.SignedAssociationForThreepid(req.Context(), medium, normaliseAddress(medium, q.Get("address")))
	if err != nil {
		util.GetLogger(req.Context()).WithError(err).Error("assocDB.SignedAssociationForThreepid failed")
		return util.JSONResponse{
			Code: http.StatusInternalServerError,
			JSON: spec.InternalServerError{},
		}
	}
	if raw == nil {
		return util.JSONResponse{
			Code: http.StatusOK,
			JSON: struct{}{},
		}
	}
	signed, err := signer.EnsureSigned(raw)
	if err != nil {
		util.GetLogger(req.Context()).WithError(err).Error("signer.EnsureSigned failed")
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

type bulkLookupResponse struct {
	Threepids [][]string `json:"threepids"`
}

// BulkLookup implements POST /bulk_lookup
func BulkLookup(req *http.Request, assocDB assocstorage.Database) util.JSONResponse {
	body, err := io.ReadAll(req.Body)
	if err != nil {
		util.GetLogger(req.Context()).WithError(err).Error("io.ReadAll failed")
		return util.JSONResponse{
			Code: http.StatusInternalServerError,
			JSON: spec.InternalServerError{},
		}
	}
	if !utf8.Valid(body) || !gjson.ValidBytes(body) {
		return util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: spec.BadJSON("The request body could not be decoded into valid JSON"),
		}
	}
	list := gjson.GetBytes(body, "threepids")
	if !list.IsArray() {
		return util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: spec.InvalidParam("threepids must be a list"),
		}
	}

	var threepids []assocapi.Threepid
	valid := true
	list.ForEach(func(_, pair gjson.Result) bool {
		parts := pair.Array()
		if !pair.IsArray() || len(parts) != 2 || parts[0].Type != gjson.String || parts[1].Type != gjson.String {
			valid = false
			return false
		}
		threepids = append(threepids, assocapi.Threepid{
			Medium:  parts[0].Str,
			Address: normaliseAddress(parts[0].Str, parts[1].Str),
		})
		return true
	})
	if !valid {
		return util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: spec.InvalidParam("threepids must be a list of [medium, address] pairs"),
		}
	}

	mappings, err := assocDB.GetMXIDs(req.Context(), threepids)
	if err != nil {
		util.GetLogger(req.Context()).WithError(err).Error("assocDB.GetMXIDs failed")
		return util.JSONResponse{
			Code: http.StatusInternalServerError,
			JSON: spec.InternalServerError{},
		}
	}
	res := bulkLookupResponse{Threepids: make([][]string, 0, len(mappings))}
	for _, m := range mappings {
		res.Threepids = append(res.Threepids, []string{m.Medium, m.Address, m.MXID})
	}
	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: res,
	}
}
