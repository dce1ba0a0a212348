// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package main

import (
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/identity/associations"
	assocstorage "github.com/element-hq/identity/associations/storage"
	"github.com/element-hq/identity/identityapi"
	"github.com/element-hq/identity/internal"
	"github.com/element-hq/identity/internal/sqlutil"
	"github.com/element-hq/identity/replication"
	replicationrouting "github.com/element-hq/identity/replication/routing"
	"github.com/element-hq/identity/setup"
	basepkg "github.com/element-hq/identity/setup/base"
	"github.com/element-hq/identity/setup/process"
	"github.com/element-hq/identity/validation"
	"github.com/element-hq/identity/validation/mail"
	"github.com/element-hq/identity/validation/sms"
	validationstorage "github.com/element-hq/identity/validation/storage"
)

const sessionSweepInterval = time.Hour

func main() {
	cfg := setup.ParseFlags()

	internal.SetupStdLogging()
	internal.SetupHookLogging(cfg.Logging)
	basepkg.PlatformSanityChecks()

	logrus.Infof("Identity server version %s", internal.VersionString())

	closer, err := cfg.SetupTracing()
	if err != nil {
		logrus.WithError(err).Panicf("failed to start opentracing")
	}
	defer closer.Close() // nolint: errcheck

	if cfg.Global.Sentry.Enabled {
		logrus.Info("Setting up Sentry for debugging...")
		err = sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.Global.Sentry.DSN,
			Environment:      cfg.Global.Sentry.Environment,
			Debug:            true,
			ServerName:       string(cfg.Global.ServerName),
			Release:          "identity@" + internal.VersionString(),
			AttachStacktrace: true,
		})
		if err != nil {
			logrus.WithError(err).Panic("failed to start Sentry")
		}
	}

	processCtx := process.NewProcessContext()
	cm := sqlutil.NewConnectionManager(processCtx, cfg.Global.DatabaseOptions)
	db, _, err := cm.Connection(&cfg.Global.DatabaseOptions)
	if err != nil {
		logrus.WithError(err).Panic("failed to connect to the database")
	}

	signer := associations.NewSigner(&cfg.Global)
	assocDB, err := assocstorage.NewDatabase(cm, &cfg.Global.DatabaseOptions)
	if err != nil {
		logrus.WithError(err).Panic("failed to connect to association db")
	}
	binder := associations.NewBinder(assocDB, nil)

	client := basepkg.CreateClient(cfg)
	federation := basepkg.CreateFederationClient(cfg)
	peerClient := replication.NewPeerClient(
		cfg.Global.ServerName, cfg.Global.KeyID, cfg.Global.PrivateKey,
		cfg.Replication.DisableTLSValidation,
	)
	pusher, keyRing, peerDB := replication.SetupReplicationComponent(
		processCtx, cfg, cm, assocDB, signer, peerClient, federation,
	)
	binder.SetLocalPusher(pusher)

	sessionDB, err := validationstorage.NewDatabase(cm, &cfg.Global.DatabaseOptions)
	if err != nil {
		logrus.WithError(err).Panic("failed to connect to validation session db")
	}
	validator := validation.NewValidator(&cfg.Validation, sessionDB, binder)

	var emailValidator *validation.EmailValidator
	if cfg.Validation.Email.Enabled {
		mailer, mailErr := mail.NewMailer(&cfg.Validation.Email)
		if mailErr != nil {
			logrus.WithError(mailErr).Panic("failed to load email templates")
		}
		emailValidator = validation.NewEmailValidator(validator, mailer, cfg.HTTP.PublicBaseURL)
	}
	var msisdnValidator *validation.MsisdnValidator
	if cfg.Validation.SMS.Enabled {
		msisdnValidator = validation.NewMsisdnValidator(validator, &cfg.Validation.SMS, sms.NewOpenMarket(&cfg.Validation.SMS))
	}

	accountAPI := identityapi.NewInternalAPI(cm, &cfg.Global.DatabaseOptions)

	router := basepkg.NewRouter()
	identityapi.AddPublicRoutes(
		router, cfg, accountAPI,
		validator, emailValidator, msisdnValidator,
		signer, binder, assocDB, keyRing, client,
	)
	replicationrouting.Setup(router, &cfg.Global, keyRing, peerDB, assocDB)

	pusher.Start()
	validator.StartHousekeeping(processCtx, sessionSweepInterval)

	go basepkg.SetupAndServeHTTP(processCtx, cfg, router, db)

	basepkg.WaitForShutdown(processCtx, cfg)
}
