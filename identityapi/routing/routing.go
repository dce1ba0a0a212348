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

	"github.com/element-hq/identity/associations"
	assocstorage "github.com/element-hq/identity/associations/storage"
	"github.com/element-hq/identity/identityapi/api"
	"github.com/element-hq/identity/internal/httputil"
	"github.com/element-hq/identity/setup/config"
	"github.com/element-hq/identity/validation"
)

const (
	PublicV1PathPrefix = "/_matrix/identity/api/v1"
	PublicV2PathPrefix = "/_matrix/identity/v2"
)

// Setup registers the identity service endpoints on the given router. The
// router must not have a path prefix. emailValidator and msisdnValidator are
// nil when that medium is disabled.
// nolint: gocyclo
func Setup(
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
	fedClient FederationHTTPClient,
) {
	rateLimits := NewRateLimits(&cfg.Validation.RateLimiting)

	status := httputil.MakeExternalAPI("status", func(req *http.Request) util.JSONResponse {
		return util.JSONResponse{Code: http.StatusOK, JSON: struct{}{}}
	})
	router.Handle(PublicV1PathPrefix, status).Methods(http.MethodGet, http.MethodOptions)
	router.Handle(PublicV2PathPrefix, status).Methods(http.MethodGet, http.MethodOptions)

	v1mux := router.PathPrefix(PublicV1PathPrefix).Subrouter()
	v2mux := router.PathPrefix(PublicV2PathPrefix).Subrouter()

	// handle serves f without authentication on v1 and with an access
	// token on v2.
	handle := func(
		path, metricsName string,
		f func(*http.Request, *api.Account) util.JSONResponse,
		methods ...string,
	) {
		v1mux.Handle(path, httputil.MakeExternalAPI(metricsName, func(req *http.Request) util.JSONResponse {
			return f(req, nil)
		})).Methods(append(methods, http.MethodOptions)...)
		v2mux.Handle(path, httputil.MakeAuthAPI(metricsName+"_v2", accountAPI, f)).
			Methods(append(methods, http.MethodOptions)...)
	}

	if emailValidator != nil {
		handle("/validate/email/requestToken", "request_email_token",
			func(req *http.Request, _ *api.Account) util.JSONResponse {
				if r := rateLimits.Limit(req); r != nil {
					return *r
				}
				return RequestEmailToken(req, emailValidator, &cfg.Validation.Email)
			}, http.MethodPost,
		)
		handle("/validate/email/submitToken", "submit_email_token",
			func(req *http.Request, _ *api.Account) util.JSONResponse {
				return SubmitToken(req, validator)
			}, http.MethodPost,
		)
		v1mux.Handle("/validate/email/submitToken", httputil.MakeHTMLAPI(
			"submit_email_token_html", cfg.Global.Metrics.Enabled,
			func(w http.ResponseWriter, req *http.Request) {
				SubmitEmailTokenHTML(w, req, validator, &cfg.HTTP)
			},
		)).Methods(http.MethodGet)
	}

	if msisdnValidator != nil {
		handle("/validate/msisdn/requestToken", "request_msisdn_token",
			func(req *http.Request, _ *api.Account) util.JSONResponse {
				if r := rateLimits.Limit(req); r != nil {
					return *r
				}
				return RequestMsisdnToken(req, msisdnValidator)
			}, http.MethodPost,
		)
		handle("/validate/msisdn/submitToken", "submit_msisdn_token",
			func(req *http.Request, _ *api.Account) util.JSONResponse {
				return SubmitToken(req, validator)
			}, http.MethodPost,
		)
	}

	handle("/3pid/getValidated3pid", "get_validated_3pid",
		func(req *http.Request, _ *api.Account) util.JSONResponse {
			return GetValidated3pid(req, validator)
		}, http.MethodGet,
	)
	handle("/3pid/bind", "bind",
		func(req *http.Request, account *api.Account) util.JSONResponse {
			return Bind(req, account, validator, signer)
		}, http.MethodPost,
	)
	handle("/lookup", "lookup",
		func(req *http.Request, _ *api.Account) util.JSONResponse {
			return Lookup(req, assocDB, signer)
		}, http.MethodGet,
	)
	handle("/bulk_lookup", "bulk_lookup",
		func(req *http.Request, _ *api.Account) util.JSONResponse {
			return BulkLookup(req, assocDB)
		}, http.MethodPost,
	)

	unbind := httputil.MakeFedAPI(
		"unbind", cfg.Global.ServerName, cfg.Global.IsLocalServerName, keyRing,
		func(req *http.Request, request *fclient.FederationRequest, vars map[string]string) util.JSONResponse {
			return Unbind(req, request, binder, assocDB)
		},
	)
	pubKeyValid := httputil.MakeExternalAPI("pubkey_isvalid", func(req *http.Request) util.JSONResponse {
		return IsPubKeyValid(req, signer)
	})
	pubKey := httputil.MakeExternalAPI("pubkey", func(req *http.Request) util.JSONResponse {
		vars, err := httputil.URLDecodeMapValues(mux.Vars(req))
		if err != nil {
			return util.ErrorResponse(err)
		}
		return GetPubKey(vars["keyID"], signer)
	})
	for _, m := range []*mux.Router{v1mux, v2mux} {
		m.Handle("/3pid/unbind", unbind).Methods(http.MethodPost, http.MethodOptions)
		// isvalid must be registered before the key ID pattern
		m.Handle("/pubkey/isvalid", pubKeyValid).Methods(http.MethodGet, http.MethodOptions)
		m.Handle("/pubkey/{keyID}", pubKey).Methods(http.MethodGet, http.MethodOptions)
	}

	v2mux.Handle("/account/register", httputil.MakeExternalAPI("account_register", func(req *http.Request) util.JSONResponse {
		return Register(req, accountAPI, fedClient)
	})).Methods(http.MethodPost, http.MethodOptions)
	v2mux.Handle("/account", httputil.MakeAuthAPI("account", accountAPI, func(req *http.Request, account *api.Account) util.JSONResponse {
		return GetAccount(account)
	})).Methods(http.MethodGet, http.MethodOptions)
	v2mux.Handle("/account/logout", httputil.MakeAuthAPI("account_logout", accountAPI, func(req *http.Request, account *api.Account) util.JSONResponse {
		return Logout(req, account, accountAPI)
	})).Methods(http.MethodPost, http.MethodOptions)
}
