// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package base

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/gorilla/mux"
	"github.com/kardianos/minwinsvc"
	"github.com/matrix-org/gomatrixserverlib/fclient"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/element-hq/identity/internal"
	"github.com/element-hq/identity/internal/httputil"
	"github.com/element-hq/identity/setup/config"
	"github.com/element-hq/identity/setup/process"
)

const (
	HTTPServerTimeout = time.Minute * 5
	HTTPClientTimeout = time.Second * 30
)

// AdminPathPrefix is where the monitoring endpoints live.
const AdminPathPrefix = "/_identity/"

// NewRouter returns the router every public endpoint is registered on.
//
// SkipClean and UseEncodedPath keep escaped slashes in path parameters,
// such as key IDs, intact.
func NewRouter() *mux.Router {
	return mux.NewRouter().SkipClean(true).UseEncodedPath()
}

// CreateClient creates a client for talking to homeservers, which resolves
// "matrix-federation://" URLs using .well-known and SRV lookups.
func CreateClient(cfg *config.IdentityServer) *fclient.Client {
	client := fclient.NewClient(
		fclient.WithTimeout(HTTPClientTimeout),
		fclient.WithSkipVerify(cfg.Replication.DisableTLSValidation),
		fclient.WithWellKnownSRVLookups(true),
	)
	client.SetUserAgent(fmt.Sprintf("Identity/%s", internal.VersionString()))
	return client
}

// CreateFederationClient creates a client which signs requests with the
// server's key. It is used to fetch the keys of other servers.
func CreateFederationClient(cfg *config.IdentityServer) fclient.FederationClient {
	identities := []*fclient.SigningIdentity{{
		ServerName: cfg.Global.ServerName,
		KeyID:      cfg.Global.KeyID,
		PrivateKey: cfg.Global.PrivateKey,
	}}
	client := fclient.NewFederationClient(
		identities,
		fclient.WithTimeout(HTTPClientTimeout),
		fclient.WithSkipVerify(cfg.Replication.DisableTLSValidation),
		fclient.WithUserAgent(fmt.Sprintf("Identity/%s", internal.VersionString())),
	)
	return client
}

func configureHTTPErrors(router *mux.Router) {
	notAllowedHandler := func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusMethodNotAllowed)
		_, _ = w.Write([]byte(fmt.Sprintf("405 %s not allowed on this endpoint", r.Method)))
	}

	notFoundHandler := func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"errcode":"M_UNRECOGNIZED","error":"Unrecognized request"}`)) // nolint:misspell
	}

	router.NotFoundHandler = httputil.WrapHandlerInCORS(http.HandlerFunc(notFoundHandler))
	router.MethodNotAllowedHandler = httputil.WrapHandlerInCORS(http.HandlerFunc(notAllowedHandler))
}

// ConfigureAdminEndpoints registers the liveness, health and metrics
// endpoints. /health pings every given database.
func ConfigureAdminEndpoints(
	processCtx *process.ProcessContext, cfg *config.IdentityServer,
	router *mux.Router, conns ...*sql.DB,
) {
	adminMux := router.PathPrefix(AdminPathPrefix).Subrouter()
	adminMux.HandleFunc("/monitor/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	adminMux.HandleFunc("/monitor/health", func(w http.ResponseWriter, r *http.Request) {
		if processCtx.IsDegraded() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(struct {
				Warnings []string `json:"warnings"`
			}{
				Warnings: []string{"the server is running in a degraded state, check the logs"},
			})
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	router.Handle("/health", httputil.HealthCheckHandler(conns...)).Methods(http.MethodGet)
	if cfg.Global.Metrics.Enabled {
		router.Handle("/metrics", httputil.WrapHandlerInBasicAuth(
			promhttp.Handler(), httputil.BasicAuth(cfg.Global.Metrics.BasicAuth),
		))
	}
}

// Handler finishes setting up the router and wraps it for serving.
func Handler(
	processCtx *process.ProcessContext, cfg *config.IdentityServer,
	router *mux.Router, conns ...*sql.DB,
) http.Handler {
	configureHTTPErrors(router)
	ConfigureAdminEndpoints(processCtx, cfg, router, conns...)

	var handler http.Handler = router
	if cfg.Global.Sentry.Enabled {
		sentryHandler := sentryhttp.New(sentryhttp.Options{
			Repanic: true,
		})
		handler = sentryHandler.Handle(router)
	}
	return handler
}

// SetupAndServeHTTP serves the router on the configured listen address
// and blocks until the process shuts down.
func SetupAndServeHTTP(
	processCtx *process.ProcessContext, cfg *config.IdentityServer,
	router *mux.Router, conns ...*sql.DB,
) {
	serv := &http.Server{
		Addr:         cfg.HTTP.Listen,
		WriteTimeout: HTTPServerTimeout,
		Handler:      Handler(processCtx, cfg, router, conns...),
		BaseContext: func(_ net.Listener) context.Context {
			return processCtx.Context()
		},
	}

	go func() {
		var shutdown atomic.Bool // RegisterOnShutdown can be called more than once
		logrus.Infof("Starting HTTP listener on %s", serv.Addr)
		processCtx.ComponentStarted()
		serv.RegisterOnShutdown(func() {
			if shutdown.CompareAndSwap(false, true) {
				processCtx.ComponentFinished()
				logrus.Infof("Stopped HTTP listener")
			}
		})
		if err := serv.ListenAndServe(); err != nil {
			if err != http.ErrServerClosed {
				logrus.WithError(err).Fatal("failed to serve HTTP")
			}
		}
		logrus.Infof("Stopped HTTP listener on %s", serv.Addr)
	}()

	minwinsvc.SetOnExit(processCtx.Shutdown)
	<-processCtx.WaitForShutdown()

	logrus.Infof("Stopping HTTP listener")
	_ = serv.Shutdown(context.Background())
}

// WaitForShutdown blocks until a signal arrives or the process is shut
// down, then waits for every component to stop.
func WaitForShutdown(processCtx *process.ProcessContext, cfg *config.IdentityServer) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigs:
	case <-processCtx.WaitForShutdown():
	}
	signal.Reset(syscall.SIGINT, syscall.SIGTERM)

	logrus.Warnf("Shutdown signal received")

	processCtx.Shutdown()
	processCtx.WaitForComponentsToFinish()
	if cfg.Global.Sentry.Enabled {
		if !sentry.Flush(time.Second * 5) {
			logrus.Warnf("failed to flush all Sentry events!")
		}
	}

	logrus.Warnf("Identity server is exiting now")
}
