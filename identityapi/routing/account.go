// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package routing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
	"github.com/tidwall/gjson"

	"github.com/element-hq/identity/identityapi/api"
	"github.com/element-hq/identity/internal"
	"github.com/element-hq/identity/internal/httputil"
)

const (
	openIDUserInfoPath = "/_matrix/federation/v1/openid/userinfo"
	// Userinfo responses are a single small object.
	maxUserInfoBytes = 64 * 1024
)

var errTokenRejected = errors.New("homeserver rejected the OpenID token")

// FederationHTTPClient sends requests to homeservers, resolving the server
// name in "matrix-federation://" URLs.
type FederationHTTPClient interface {
	DoHTTPRequest(ctx context.Context, req *http.Request) (*http.Response, error)
}

type registerRequest struct {
	AccessToken      string `json:"access_token"`
	TokenType        string `json:"token_type"`
	MatrixServerName string `json:"matrix_server_name"`
	ExpiresIn        int64  `json:"expires_in"`
}

type registerResponse struct {
	Token       string `json:"token"`
	AccessToken string `json:"access_token"`
}

type accountResponse struct {
	UserID string `json:"user_id"`
}

// Register implements POST /v2/account/register
func Register(req *http.Request, accountAPI api.AccountAPI, client FederationHTTPClient) util.JSONResponse {
	var r registerRequest
	if resErr := httputil.UnmarshalJSONRequest(req, &r); resErr != nil {
		return *resErr
	}
	if resErr := checkRequired(
		param{"access_token", r.AccessToken},
		param{"matrix_server_name", r.MatrixServerName},
	); resErr != nil {
		return *resErr
	}
	if !internal.IsValidServerName(r.MatrixServerName) {
		return util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: spec.InvalidParam("matrix_server_name must be a valid Matrix server name (IP address or hostname)"),
		}
	}
	logger := util.GetLogger(req.Context()).WithField("server_name", r.MatrixServerName)

	sub, err := lookupOpenIDUser(req.Context(), client, r.MatrixServerName, r.AccessToken)
	switch {
	case errors.Is(err, errTokenRejected):
		return util.JSONResponse{
			Code: http.StatusUnauthorized,
			JSON: spec.UnknownToken("The Matrix homeserver did not accept the OpenID token"),
		}
	case err != nil:
		logger.WithError(err).Warn("Failed to look up OpenID token")
		return util.JSONResponse{
			Code: http.StatusInternalServerError,
			JSON: spec.MatrixError{ErrCode: spec.ErrorUnknown, Err: "Unable to contact the Matrix homeserver"},
		}
	case sub == "":
		return util.JSONResponse{
			Code: http.StatusInternalServerError,
			JSON: spec.MatrixError{ErrCode: spec.ErrorUnknown, Err: "The Matrix homeserver did not include 'sub' in its response"},
		}
	}
	userID, err := spec.NewUserID(sub, true)
	if err != nil || string(userID.Domain()) != r.MatrixServerName {
		logger.Warnf("Homeserver returned user ID %q which does not belong to it", sub)
		return util.JSONResponse{
			Code: http.StatusInternalServerError,
			JSON: spec.MatrixError{ErrCode: spec.ErrorUnknown, Err: "The Matrix homeserver returned a MXID belonging to another homeserver"},
		}
	}

	account, err := accountAPI.CreateAccount(req.Context(), userID.String())
	if err != nil {
		logger.WithError(err).Error("accountAPI.CreateAccount failed")
		return util.JSONResponse{
			Code: http.StatusInternalServerError,
			JSON: spec.InternalServerError{},
		}
	}
	logger.WithField("user_id", account.UserID).Info("Registered identity server account")
	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: registerResponse{Token: account.Token, AccessToken: account.Token},
	}
}

// lookupOpenIDUser asks the homeserver who the OpenID token belongs to.
func lookupOpenIDUser(ctx context.Context, client FederationHTTPClient, serverName, token string) (string, error) {
	u := url.URL{
		Scheme:   "matrix-federation",
		Host:     serverName,
		Path:     openIDUserInfoPath,
		RawQuery: url.Values{"access_token": {token}}.Encode(),
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}
	res, err := client.DoHTTPRequest(ctx, req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close() // nolint: errcheck
	body, err := io.ReadAll(io.LimitReader(res.Body, maxUserInfoBytes))
	if err != nil {
		return "", err
	}
	switch {
	case res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden:
		return "", errTokenRejected
	case res.StatusCode/100 != 2:
		return "", fmt.Errorf("userinfo request returned HTTP %d", res.StatusCode)
	}
	return gjson.GetBytes(body, "sub").Str, nil
}

// GetAccount implements GET /v2/account
func GetAccount(account *api.Account) util.JSONResponse {
	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: accountResponse{UserID: account.UserID},
	}
}

// Logout implements POST /v2/account/logout
func Logout(req *http.Request, account *api.Account, accountAPI api.AccountAPI) util.JSONResponse {
	if err := accountAPI.RevokeAccessToken(req.Context(), account.Token); err != nil {
		util.GetLogger(req.Context()).WithError(err).Error("accountAPI.RevokeAccessToken failed")
		return util.JSONResponse{
			Code: http.StatusInternalServerError,
			JSON: spec.InternalServerError{},
		}
	}
	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: struct{}{},
	}
}
