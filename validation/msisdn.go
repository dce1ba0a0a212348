// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package validation

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/nyaruka/phonenumbers"

	"github.com/element-hq/identity/internal"
	"github.com/element-hq/identity/setup/config"
	"github.com/element-hq/identity/validation/api"
	"github.com/element-hq/identity/validation/sms"
)

const msisdnTokenLength = 6

// Used when neither the destination country nor "default" has originators.
var defaultOriginators = []config.Originator{{Type: "alpha", Text: "Matrix"}}

type MsisdnValidator struct {
	*Validator
	cfg    *config.SMSConf
	sender sms.Sender
}

func NewMsisdnValidator(v *Validator, cfg *config.SMSConf, sender sms.Sender) *MsisdnValidator {
	return &MsisdnValidator{
		Validator: v,
		cfg:       cfg,
		sender:    sender,
	}
}

// ParsePhoneNumber parses a number as dialled in the given country, which
// is an ISO 3166-1 alpha-2 code.
func ParsePhoneNumber(number, country string) (*phonenumbers.PhoneNumber, error) {
	num, err := phonenumbers.Parse(number, strings.ToUpper(country))
	if err != nil {
		return nil, validationError(api.KindAddressInvalid, err)
	}
	return num, nil
}

// MSISDN formats a number as E.164 without the leading "+".
func MSISDN(num *phonenumbers.PhoneNumber) string {
	return strings.TrimPrefix(phonenumbers.Format(num, phonenumbers.E164), "+")
}

// IntlFormat formats a number for display.
func IntlFormat(num *phonenumbers.PhoneNumber) string {
	return phonenumbers.Format(num, phonenumbers.INTERNATIONAL)
}

// PickOriginator chooses the sender of a text message. The choice depends
// only on the destination, so repeated codes come from the same sender.
func PickOriginator(originators map[string][]config.Originator, countryCode, msisdn string) config.Originator {
	origs := defaultOriginators
	if o := originators[countryCode]; len(o) > 0 {
		origs = o
	} else if o := originators["default"]; len(o) > 0 {
		origs = o
	}
	sum := 0
	for _, c := range msisdn {
		if c >= '0' && c <= '9' {
			sum += int(c - '0')
		}
	}
	return origs[sum%len(origs)]
}

// RequestToken texts a token to the number, unless this send attempt has
// been seen before. Numbers in countries with a "reject" rule are refused
// before any session is created.
func (m *MsisdnValidator) RequestToken(
	ctx context.Context, num *phonenumbers.PhoneNumber, clientSecret string, sendAttempt int,
) (*api.Session, error) {
	if err := checkClientSecret(clientSecret); err != nil {
		return nil, err
	}
	countryCode := strconv.Itoa(int(num.GetCountryCode()))
	if m.cfg.Rules[countryCode] == config.SMSRuleReject {
		return nil, validationError(
			api.KindDestinationRejected,
			fmt.Errorf("phone numbers in country %s are not supported", countryCode),
		)
	}
	msisdn := MSISDN(num)

	return m.requestToken(
		ctx, api.MediumMSISDN, msisdn, clientSecret, sendAttempt, "",
		func() (string, error) { return internal.GenerateDigits(msisdnTokenLength) },
		func(ctx context.Context, session *api.Session) error {
			body := strings.ReplaceAll(m.cfg.BodyTemplate, "{token}", session.Token)
			originator := PickOriginator(m.cfg.Originators, countryCode, msisdn)
			if err := m.sender.SendText(ctx, body, msisdn, originator); err != nil {
				return validationError(api.KindSendFailed, err)
			}
			return nil
		},
	)
}
