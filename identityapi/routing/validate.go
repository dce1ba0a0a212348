// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package routing

import (
	"encoding/json"
	"errors"
	"html"
	"net/http"
	"strings"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"

	"github.com/element-hq/identity/internal"
	"github.com/element-hq/identity/internal/httputil"
	"github.com/element-hq/identity/setup/config"
	"github.com/element-hq/identity/validation"
	"github.com/element-hq/identity/validation/api"
)

type emailRequestTokenRequest struct {
	Email        string      `json:"email"`
	ClientSecret string      `json:"client_secret"`
	SendAttempt  json.Number `json:"send_attempt"`
	NextLink     string      `json:"next_link"`
}

type msisdnRequestTokenRequest struct {
	PhoneNumber  string      `json:"phone_number"`
	Country      string      `json:"country"`
	ClientSecret string      `json:"client_secret"`
	SendAttempt  json.Number `json:"send_attempt"`
}

type requestTokenResponse struct {
	SID string `json:"sid"`
}

type msisdnRequestTokenResponse struct {
	Success bool   `json:"success"`
	SID     string `json:"sid"`
	MSISDN  string `json:"msisdn"`
	IntlFmt string `json:"intl_fmt"`
}

type submitTokenRequest struct {
	SID          string `json:"sid"`
	ClientSecret string `json:"client_secret"`
	Token        string `json:"token"`
	NextLink     string `json:"next_link"`
}

type submitTokenResponse struct {
	Success bool                 `json:"success"`
	ErrCode spec.MatrixErrorCode `json:"errcode,omitempty"`
	Error   string               `json:"error,omitempty"`
}

func missingParams(names ...string) *util.JSONResponse {
	return &util.JSONResponse{
		Code: http.StatusBadRequest,
		JSON: spec.MissingParam("Missing parameters: " + strings.Join(names, ",")),
	}
}

type param struct {
	name, value string
}

// checkRequired returns an error response naming every empty parameter.
func checkRequired(params ...param) *util.JSONResponse {
	var missing []string
	for _, p := range params {
		if p.value == "" {
			missing = append(missing, p.name)
		}
	}
	if len(missing) > 0 {
		return missingParams(missing...)
	}
	return nil
}

func parseSendAttempt(n json.Number) (int, *util.JSONResponse) {
	attempt, err := n.Int64()
	if err != nil {
		return 0, &util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: spec.InvalidParam("send_attempt should be an integer"),
		}
	}
	return int(attempt), nil
}

// RequestEmailToken implements POST /validate/email/requestToken
func RequestEmailToken(req *http.Request, v *validation.EmailValidator, cfg *config.EmailConf) util.JSONResponse {
	var r emailRequestTokenRequest
	if resErr := httputil.UnmarshalJSONRequest(req, &r); resErr != nil {
		return *resErr
	}
	if resErr := checkRequired(
		param{"email", r.Email},
		param{"client_secret", r.ClientSecret},
		param{"send_attempt", r.SendAttempt.String()},
	); resErr != nil {
		return *resErr
	}
	if resErr := internal.ValidateClientSecret(r.ClientSecret); resErr != nil {
		return *resErr
	}
	sendAttempt, resErr := parseSendAttempt(r.SendAttempt)
	if resErr != nil {
		return *resErr
	}

	hints := validation.EmailHints{IPAddress: clientIP(req)}
	if brand := req.URL.Query().Get("brand"); cfg.HasBrand(brand) {
		hints.Brand = brand
	}
	session, err := v.RequestToken(req.Context(), r.Email, r.ClientSecret, sendAttempt, r.NextLink, hints)
	if err != nil {
		return requestTokenError(req, err, api.MediumEmail)
	}
	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: requestTokenResponse{SID: session.SID()},
	}
}

// RequestMsisdnToken implements POST /validate/msisdn/requestToken
func RequestMsisdnToken(req *http.Request, v *validation.MsisdnValidator) util.JSONResponse {
	var r msisdnRequestTokenRequest
	if resErr := httputil.UnmarshalJSONRequest(req, &r); resErr != nil {
		return *resErr
	}
	if resErr := checkRequired(
		param{"phone_number", r.PhoneNumber},
		param{"country", r.Country},
		param{"client_secret", r.ClientSecret},
		param{"send_attempt", r.SendAttempt.String()},
	); resErr != nil {
		return *resErr
	}
	if resErr := internal.ValidateClientSecret(r.ClientSecret); resErr != nil {
		return *resErr
	}
	sendAttempt, resErr := parseSendAttempt(r.SendAttempt)
	if resErr != nil {
		return *resErr
	}

	num, err := validation.ParsePhoneNumber(r.PhoneNumber, r.Country)
	if err != nil {
		return requestTokenError(req, err, api.MediumMSISDN)
	}
	session, err := v.RequestToken(req.Context(), num, r.ClientSecret, sendAttempt)
	if err != nil {
		return requestTokenError(req, err, api.MediumMSISDN)
	}
	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: msisdnRequestTokenResponse{
			Success: true,
			SID:     session.SID(),
			MSISDN:  validation.MSISDN(num),
			IntlFmt: validation.IntlFormat(num),
		},
	}
}

func requestTokenError(req *http.Request, err error, medium api.Medium) util.JSONResponse {
	switch api.KindOf(err) {
	case api.KindInvalidParam:
		msg := "Invalid client_secret provided"
		if errors.Is(err, validation.ErrInvalidNextLink) {
			msg = "Invalid next_link"
		}
		return util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: spec.InvalidParam(msg),
		}
	case api.KindDestinationRejected:
		return util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: spec.MatrixError{ErrCode: "M_DESTINATION_REJECTED", Err: "Phone numbers in this country are not currently supported"},
		}
	case api.KindAddressInvalid:
		if medium == api.MediumEmail {
			return util.JSONResponse{
				Code: http.StatusBadRequest,
				JSON: spec.MatrixError{ErrCode: "M_INVALID_EMAIL", Err: "Invalid email address"},
			}
		}
		return util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: spec.MatrixError{ErrCode: "M_INVALID_PHONE_NUMBER", Err: "Unable to parse phone number"},
		}
	case api.KindSendFailed:
		if medium == api.MediumEmail {
			return util.JSONResponse{
				Code: http.StatusInternalServerError,
				JSON: spec.MatrixError{ErrCode: "M_EMAIL_SEND_ERROR", Err: "Failed to send email"},
			}
		}
		return util.JSONResponse{
			Code: http.StatusInternalServerError,
			JSON: spec.MatrixError{ErrCode: spec.ErrorUnknown, Err: "Internal Server Error"},
		}
	}
	util.GetLogger(req.Context()).WithError(err).Error("Failed to request validation token")
	return util.JSONResponse{
		Code: http.StatusInternalServerError,
		JSON: spec.InternalServerError{},
	}
}

// SubmitToken implements POST /validate/{email,msisdn}/submitToken
func SubmitToken(req *http.Request, v *validation.Validator) util.JSONResponse {
	var r submitTokenRequest
	if resErr := httputil.UnmarshalJSONRequest(req, &r); resErr != nil {
		return *resErr
	}
	if resErr := checkRequired(
		param{"sid", r.SID},
		param{"client_secret", r.ClientSecret},
		param{"token", r.Token},
	); resErr != nil {
		return *resErr
	}
	if resErr := internal.ValidateClientSecret(r.ClientSecret); resErr != nil {
		return *resErr
	}
	sid, err := api.ParseSID(r.SID)
	if err != nil {
		return submitTokenResult(api.ValidateResult{Kind: api.KindSessionNotFound})
	}
	return submitTokenResult(v.ValidateSessionWithToken(req.Context(), sid, r.ClientSecret, r.Token, r.NextLink))
}

func submitTokenResult(res api.ValidateResult) util.JSONResponse {
	if res.Success() {
		return util.JSONResponse{
			Code: http.StatusOK,
			JSON: submitTokenResponse{Success: true},
		}
	}
	if res.Kind == api.KindInternal {
		return util.JSONResponse{
			Code: http.StatusInternalServerError,
			JSON: spec.InternalServerError{},
		}
	}
	matrixErr := res.MatrixError()
	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: submitTokenResponse{Success: false, ErrCode: matrixErr.ErrCode, Error: matrixErr.Err},
	}
}

// SubmitEmailTokenHTML implements GET /validate/email/submitToken, which is
// where the link in verification emails points.
func SubmitEmailTokenHTML(w http.ResponseWriter, req *http.Request, v *validation.Validator, cfg *config.HTTP) {
	q := req.URL.Query()
	nextLink := q.Get("nextLink")

	res := api.ValidateResult{Kind: api.KindSessionNotFound}
	if sid, err := api.ParseSID(q.Get("sid")); err == nil {
		res = v.ValidateSessionWithToken(req.Context(), sid, q.Get("client_secret"), q.Get("token"), nextLink)
	}

	message := cfg.VerifyFailureMessage
	if res.Success() {
		message = cfg.VerifySuccessMessage
	}
	page := strings.ReplaceAll(string(cfg.VerifyResponseTemplate), "%(message)s", html.EscapeString(message))

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if res.Success() && nextLink != "" && !validation.IsFileLink(nextLink) {
		w.Header().Set("Location", nextLink)
		w.WriteHeader(http.StatusFound)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	if _, err := w.Write([]byte(page)); err != nil {
		util.GetLogger(req.Context()).WithError(err).Warn("Failed to write verification response")
	}
}

type validated3pidResponse struct {
	Medium      string         `json:"medium"`
	Address     string         `json:"address"`
	ValidatedAt spec.Timestamp `json:"validated_at"`
}

// GetValidated3pid implements GET /3pid/getValidated3pid
func GetValidated3pid(req *http.Request, v *validation.Validator) util.JSONResponse {
	q := req.URL.Query()
	if resErr := checkRequired(
		param{"sid", q.Get("sid")},
		param{"client_secret", q.Get("client_secret")},
	); resErr != nil {
		return *resErr
	}
	sid, err := api.ParseSID(q.Get("sid"))
	if err != nil {
		return sessionError(req, &api.Error{Kind: api.KindSessionNotFound, Err: err})
	}
	session, err := v.GetValidatedSession(req.Context(), sid, q.Get("client_secret"))
	if err != nil {
		return sessionError(req, err)
	}
	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: validated3pidResponse{
			Medium:      string(session.Medium),
			Address:     session.Address,
			ValidatedAt: session.ValidatedAt,
		},
	}
}

// sessionError turns a failed session lookup into a response.
func sessionError(req *http.Request, err error) util.JSONResponse {
	kind := api.KindOf(err)
	code := http.StatusBadRequest
	switch kind {
	case api.KindSessionNotFound:
		code = http.StatusNotFound
	case api.KindSecretMismatch, api.KindSessionExpired, api.KindSessionNotValidated:
	default:
		util.GetLogger(req.Context()).WithError(err).Error("Failed to look up validation session")
		return util.JSONResponse{
			Code: http.StatusInternalServerError,
			JSON: spec.InternalServerError{},
		}
	}
	return util.JSONResponse{
		Code: code,
		JSON: api.ValidateResult{Kind: kind}.MatrixError(),
	}
}
