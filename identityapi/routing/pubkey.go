// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package routing

import (
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"

	"github.com/element-hq/identity/associations"
)

type pubKeyResponse struct {
	PublicKey spec.Base64Bytes `json:"public_key"`
}

type pubKeyValidResponse struct {
	Valid bool `json:"valid"`
}

// GetPubKey implements GET /pubkey/{keyId}
func GetPubKey(keyID string, signer *associations.Signer) util.JSONResponse {
	if keyID != string(signer.KeyID) {
		return util.JSONResponse{
			Code: http.StatusNotFound,
			JSON: spec.NotFound("The public key was not found"),
		}
	}
	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: pubKeyResponse{PublicKey: spec.Base64Bytes(signer.PublicKey())},
	}
}

// IsPubKeyValid implements GET /pubkey/isvalid
func IsPubKeyValid(req *http.Request, signer *associations.Signer) util.JSONResponse {
	key := req.URL.Query().Get("public_key")
	if key == "" {
		return *missingParams("public_key")
	}
	ours := base64.RawStdEncoding.EncodeToString(signer.PublicKey())
	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: pubKeyValidResponse{Valid: strings.TrimRight(key, "=") == ours},
	}
}
