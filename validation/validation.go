// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package validation proves that a user controls an email address or phone
// number by sending them a token and checking it when it comes back.
package validation

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	assocapi "github.com/element-hq/identity/associations/api"
	"github.com/element-hq/identity/internal"
	"github.com/element-hq/identity/setup/config"
	"github.com/element-hq/identity/setup/process"
	"github.com/element-hq/identity/validation/api"
	"github.com/element-hq/identity/validation/storage"
)

// Sessions that expired longer ago than this are removed by the
// housekeeping sweep.
const expiredSessionRetention = 7 * 24 * time.Hour

var (
	ErrInvalidClientSecret = errors.New("invalid client_secret provided")
	ErrInvalidNextLink     = errors.New("invalid next_link")
)

func init() {
	prometheus.MustRegister(tokensSent, tokensSkipped, sendFailures, sessionsValidated)
}

var tokensSent = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "identity",
		Subsystem: "validation",
		Name:      "tokens_sent_total",
		Help:      "Number of validation tokens handed to a sender, by medium",
	},
	[]string{"medium"},
)

var tokensSkipped = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "identity",
		Subsystem: "validation",
		Name:      "tokens_not_resent_total",
		Help:      "Number of token requests which did not advance the send attempt, by medium",
	},
	[]string{"medium"},
)

var sendFailures = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "identity",
		Subsystem: "validation",
		Name:      "send_failures_total",
		Help:      "Number of tokens which could not be delivered, by medium",
	},
	[]string{"medium"},
)

var sessionsValidated = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "identity",
		Subsystem: "validation",
		Name:      "sessions_validated_total",
		Help:      "Number of successful token submissions, by medium",
	},
	[]string{"medium"},
)

// Binder records an association once its threepid has been validated.
type Binder interface {
	AddBinding(ctx context.Context, medium, address, mxid string) (*assocapi.LocalAssociation, error)
}

// Validator holds the session handling shared by every medium.
type Validator struct {
	cfg    *config.Validation
	db     storage.Database
	binder Binder
	now    func() time.Time
}

func NewValidator(cfg *config.Validation, db storage.Database, binder Binder) *Validator {
	return &Validator{
		cfg:    cfg,
		db:     db,
		binder: binder,
		now:    time.Now,
	}
}

// ValidateNextLink reports whether a client may be redirected to nextLink
// after validating a session.
func ValidateNextLink(cfg *config.Validation, nextLink string) bool {
	u, err := url.Parse(nextLink)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	if u.Host == "" {
		return false
	}
	if len(cfg.NextLinkDomainWhitelist) == 0 {
		return true
	}
	host := strings.ToLower(u.Hostname())
	for _, domain := range cfg.NextLinkDomainWhitelist {
		if host == strings.ToLower(domain) {
			return true
		}
	}
	return false
}

// IsFileLink reports whether the link points at the local filesystem. Such
// links are treated as if none had been given.
func IsFileLink(nextLink string) bool {
	return strings.HasPrefix(nextLink, "file:///")
}

func validationError(kind api.ErrorKind, err error) error {
	return &api.Error{Kind: kind, Err: err}
}

func checkClientSecret(clientSecret string) error {
	if !internal.IsValidClientSecret(clientSecret) {
		return validationError(api.KindInvalidParam, ErrInvalidClientSecret)
	}
	return nil
}

func (v *Validator) expired(session *api.Session, now time.Time) bool {
	return session.Mtime.Time().Add(v.cfg.SessionLifetime).Before(now)
}

// requestToken finds or creates the session for the threepid and calls send
// unless the client has already seen a token for this send attempt. The
// client secret must have been checked already.
func (v *Validator) requestToken(
	ctx context.Context, medium api.Medium, address, clientSecret string,
	sendAttempt int, nextLink string, newToken func() (string, error),
	send func(ctx context.Context, session *api.Session) error,
) (*api.Session, error) {
	if IsFileLink(nextLink) {
		nextLink = ""
	}
	if nextLink != "" && !ValidateNextLink(v.cfg, nextLink) {
		util.GetLogger(ctx).Warnf(
			"Validation attempt rejected as provided next_link is not http(s) or its domain is not allowed: %s", nextLink,
		)
		return nil, validationError(api.KindInvalidParam, ErrInvalidNextLink)
	}

	session, err := v.db.GetOrCreateSession(ctx, medium, address, clientSecret, nextLink, newToken)
	if err != nil {
		return nil, validationError(api.KindInternal, err)
	}
	if err = v.db.SetMtime(ctx, session.ID, spec.AsTimestamp(v.now())); err != nil {
		return nil, validationError(api.KindInternal, err)
	}

	logger := util.GetLogger(ctx).WithFields(logrus.Fields{
		"medium": medium,
		"sid":    session.ID,
	})
	if sendAttempt <= session.SendAttemptNumber {
		logger.Infof(
			"Not sending token because current send attempt (%d) is not less than given send attempt (%d)",
			session.SendAttemptNumber, sendAttempt,
		)
		tokensSkipped.WithLabelValues(string(medium)).Inc()
		return session, nil
	}

	if err = send(ctx, session); err != nil {
		logger.WithError(err).Warn("Failed to send validation token")
		sendFailures.WithLabelValues(string(medium)).Inc()
		return nil, err
	}
	tokensSent.WithLabelValues(string(medium)).Inc()

	if err = v.db.SetSendAttemptNumber(ctx, session.ID, sendAttempt); err != nil {
		return nil, validationError(api.KindInternal, err)
	}
	session.SendAttemptNumber = sendAttempt
	return session, nil
}

// ValidateSessionWithToken checks a submitted token. A validated session
// carrying a pending bind gets its association written.
func (v *Validator) ValidateSessionWithToken(
	ctx context.Context, sid int64, clientSecret, token, nextLink string,
) api.ValidateResult {
	logger := util.GetLogger(ctx).WithField("sid", sid)
	now := v.now()

	session, err := v.db.GetSession(ctx, sid)
	if err != nil {
		return v.failure(ctx, err)
	}
	if nextLink != "" && session.ClientSecret == clientSecret && !v.expired(session, now) && nextLink != session.NextLink {
		logger.Warn("Refusing to validate session as the next_link does not match the one given when it was created")
		return api.ValidateResult{Kind: api.KindNextLinkMismatch}
	}

	session, err = v.db.Validate(ctx, sid, clientSecret, token, now, v.cfg.SessionLifetime)
	if err != nil {
		return v.failure(ctx, err)
	}
	sessionsValidated.WithLabelValues(string(session.Medium)).Inc()

	result := api.ValidateResult{Kind: api.KindOK, Session: session}
	if session.PendingMXID == "" {
		return result
	}
	assoc, err := v.binder.AddBinding(ctx, string(session.Medium), session.Address, session.PendingMXID)
	if err != nil {
		logger.WithError(err).Error("Failed to bind validated session")
		return api.ValidateResult{Kind: api.KindInternal}
	}
	if err = v.db.SetPendingMXID(ctx, sid, ""); err != nil {
		logger.WithError(err).Error("Failed to clear pending bind")
	}
	session.PendingMXID = ""
	result.Association = assoc
	return result
}

func (v *Validator) failure(ctx context.Context, err error) api.ValidateResult {
	switch {
	case errors.Is(err, api.ErrSessionNotFound):
		return api.ValidateResult{Kind: api.KindSessionNotFound}
	case errors.Is(err, api.ErrSecretMismatch):
		return api.ValidateResult{Kind: api.KindSecretMismatch}
	case errors.Is(err, api.ErrSessionExpired):
		return api.ValidateResult{Kind: api.KindSessionExpired}
	case errors.Is(err, api.ErrTokenMismatch):
		return api.ValidateResult{Kind: api.KindTokenMismatch}
	}
	util.GetLogger(ctx).WithError(err).Error("Failed to validate session")
	return api.ValidateResult{Kind: api.KindInternal}
}

// GetValidatedSession returns the session if the client secret matches and
// the session was validated within its lifetime.
func (v *Validator) GetValidatedSession(ctx context.Context, sid int64, clientSecret string) (*api.Session, error) {
	session, err := v.db.GetSession(ctx, sid)
	if errors.Is(err, api.ErrSessionNotFound) {
		return nil, validationError(api.KindSessionNotFound, err)
	}
	if err != nil {
		return nil, validationError(api.KindInternal, err)
	}
	if session.ClientSecret != clientSecret {
		return nil, validationError(api.KindSecretMismatch, api.ErrSecretMismatch)
	}
	if !session.Validated {
		return nil, validationError(api.KindSessionNotValidated, nil)
	}
	if v.expired(session, v.now()) {
		return nil, validationError(api.KindSessionExpired, api.ErrSessionExpired)
	}
	return session, nil
}

// Bind associates the session's threepid with mxid. If the session hasn't
// been validated yet the mxid is remembered and the association is written
// when it is, in which case pending is true.
func (v *Validator) Bind(
	ctx context.Context, sid int64, clientSecret, mxid string,
) (assoc *assocapi.LocalAssociation, pending bool, err error) {
	session, err := v.db.GetSession(ctx, sid)
	if errors.Is(err, api.ErrSessionNotFound) {
		return nil, false, validationError(api.KindSessionNotFound, err)
	}
	if err != nil {
		return nil, false, validationError(api.KindInternal, err)
	}
	if session.ClientSecret != clientSecret {
		return nil, false, validationError(api.KindSecretMismatch, api.ErrSecretMismatch)
	}
	if v.expired(session, v.now()) {
		return nil, false, validationError(api.KindSessionExpired, api.ErrSessionExpired)
	}
	if !session.Validated {
		if err = v.db.SetPendingMXID(ctx, sid, mxid); err != nil {
			return nil, false, validationError(api.KindInternal, err)
		}
		return nil, true, nil
	}
	assoc, err = v.binder.AddBinding(ctx, string(session.Medium), session.Address, mxid)
	if err != nil {
		return nil, false, validationError(api.KindInternal, err)
	}
	return assoc, false, nil
}

// DeleteExpiredSessions removes sessions which expired long ago.
func (v *Validator) DeleteExpiredSessions(ctx context.Context) (int64, error) {
	cutoff := v.now().Add(-v.cfg.SessionLifetime - expiredSessionRetention)
	return v.db.DeleteSessionsBefore(ctx, spec.AsTimestamp(cutoff))
}

// StartHousekeeping sweeps expired sessions every interval until the
// process shuts down.
func (v *Validator) StartHousekeeping(process *process.ProcessContext, interval time.Duration) {
	process.ComponentStarted()
	go func() {
		defer process.ComponentFinished()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				deleted, err := v.DeleteExpiredSessions(process.Context())
				if err != nil {
					logrus.WithError(err).Error("Failed to delete expired validation sessions")
					continue
				}
				if deleted > 0 {
					logrus.Infof("Deleted %d expired validation sessions", deleted)
				}
			case <-process.Context().Done():
				return
			}
		}
	}()
}
