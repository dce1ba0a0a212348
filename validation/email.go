// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package validation

import (
	"context"
	"errors"
	netmail "net/mail"
	"net/url"
	"strconv"
	"strings"

	"github.com/element-hq/identity/internal"
	"github.com/element-hq/identity/validation/api"
	"github.com/element-hq/identity/validation/mail"
)

const (
	emailTokenLength = 32
	// SubmitEmailTokenPath is the endpoint the link in verification emails
	// points at.
	SubmitEmailTokenPath = "/_matrix/identity/api/v1/validate/email/submitToken"
)

// EmailHints are optional details about the request which shape the email.
type EmailHints struct {
	Brand     string
	IPAddress string
}

type EmailValidator struct {
	*Validator
	mailer        mail.Mailer
	publicBaseURL string
}

func NewEmailValidator(v *Validator, mailer mail.Mailer, publicBaseURL string) *EmailValidator {
	return &EmailValidator{
		Validator:     v,
		mailer:        mailer,
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
	}
}

// NormaliseEmail returns the form email addresses are stored and looked up
// in.
func NormaliseEmail(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// RequestToken emails a token to the address, unless this send attempt
// has been seen before. It returns the session the token belongs to.
func (e *EmailValidator) RequestToken(
	ctx context.Context, emailAddress, clientSecret string, sendAttempt int,
	nextLink string, hints EmailHints,
) (*api.Session, error) {
	if err := checkClientSecret(clientSecret); err != nil {
		return nil, err
	}
	address := NormaliseEmail(emailAddress)
	if parsed, err := netmail.ParseAddress(address); err != nil || parsed.Address != address {
		return nil, validationError(api.KindAddressInvalid, err)
	}

	return e.requestToken(
		ctx, api.MediumEmail, address, clientSecret, sendAttempt, nextLink,
		func() (string, error) { return internal.GenerateAlphanumeric(emailTokenLength) },
		func(ctx context.Context, session *api.Session) error {
			err := e.mailer.Send(ctx, &mail.Mail{
				To:        address,
				Link:      e.validateLink(session),
				Token:     session.Token,
				IPAddress: hints.IPAddress,
				Brand:     hints.Brand,
			})
			var addrErr *mail.AddressError
			switch {
			case errors.As(err, &addrErr):
				return validationError(api.KindAddressInvalid, err)
			case err != nil:
				return validationError(api.KindSendFailed, err)
			}
			return nil
		},
	)
}

// validateLink builds the link a user follows to validate the session.
func (e *EmailValidator) validateLink(session *api.Session) string {
	q := url.Values{}
	q.Set("token", session.Token)
	q.Set("client_secret", session.ClientSecret)
	q.Set("sid", strconv.FormatInt(session.ID, 10))
	if session.NextLink != "" {
		q.Set("nextLink", session.NextLink)
	}
	return e.publicBaseURL + SubmitEmailTokenPath + "?" + q.Encode()
}
