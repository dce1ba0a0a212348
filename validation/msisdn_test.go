package validation

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/identity/setup/config"
	"github.com/element-hq/identity/test"
	"github.com/element-hq/identity/validation/api"
)

type sentText struct {
	body       string
	msisdn     string
	originator config.Originator
}

type fakeSender struct {
	sent []sentText
	err  error
}

func (s *fakeSender) SendText(ctx context.Context, body, msisdn string, originator config.Originator) error {
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, sentText{body: body, msisdn: msisdn, originator: originator})
	return nil
}

func smsConfig() *config.SMSConf {
	cfg := &config.SMSConf{
		Enabled:      true,
		BodyTemplate: "Your code is {token}",
		Originators: map[string][]config.Originator{
			"44": {
				{Type: "long", Text: "447700900001"},
				{Type: "long", Text: "447700900002"},
				{Type: "short", Text: "12345"},
			},
		},
		Rules: map[string]config.SMSRuleAction{
			"1":  config.SMSRuleReject,
			"33": config.SMSRuleAllow,
		},
	}
	return cfg
}

func TestPickOriginator(t *testing.T) {
	origs := smsConfig().Originators

	// 4+4+7+7+0+0+9+0+0+1+2+3 = 37, 37 % 3 = 1
	got := PickOriginator(origs, "44", "447700900123")
	assert.Equal(t, config.Originator{Type: "long", Text: "447700900002"}, got)
	for i := 0; i < 5; i++ {
		assert.Equal(t, got, PickOriginator(origs, "44", "447700900123"))
	}

	// no list for the country and no default
	assert.Equal(t, config.Originator{Type: "alpha", Text: "Matrix"}, PickOriginator(origs, "33", "33612345678"))

	withDefault := map[string][]config.Originator{
		"default": {{Type: "alpha", Text: "Example"}},
	}
	assert.Equal(t, config.Originator{Type: "alpha", Text: "Example"}, PickOriginator(withDefault, "33", "33612345678"))
}

func TestParsePhoneNumber(t *testing.T) {
	num, err := ParsePhoneNumber("07700 900123", "gb")
	require.NoError(t, err)
	assert.Equal(t, "447700900123", MSISDN(num))
	assert.Equal(t, "+44 7700 900123", IntlFormat(num))

	_, err = ParsePhoneNumber("not a number", "GB")
	assert.Equal(t, api.KindAddressInvalid, api.KindOf(err))
}

func TestMsisdnRequestToken(t *testing.T) {
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		db, close := mustCreateDatabase(t, dbType)
		defer close()
		sender := &fakeSender{}
		v := NewMsisdnValidator(NewValidator(testConfig(), db, &fakeBinder{}), smsConfig(), sender)

		rejected, err := ParsePhoneNumber("+1 202 555 0123", "")
		require.NoError(t, err)
		_, err = v.RequestToken(ctx, rejected, "secret", 1)
		assert.Equal(t, api.KindDestinationRejected, api.KindOf(err))
		assert.Empty(t, sender.sent)
		// no session was stored for the rejected number: one created now
		// gets a fresh token
		fresh, err := db.GetOrCreateSession(ctx, api.MediumMSISDN, MSISDN(rejected), "secret", "",
			func() (string, error) { return "unused", nil })
		require.NoError(t, err)
		assert.Equal(t, "unused", fresh.Token)
		assert.Equal(t, 0, fresh.SendAttemptNumber)

		num, err := ParsePhoneNumber("07700900123", "GB")
		require.NoError(t, err)
		session, err := v.RequestToken(ctx, num, "secret", 1)
		require.NoError(t, err)
		assert.Equal(t, api.MediumMSISDN, session.Medium)
		assert.Equal(t, "447700900123", session.Address)
		assert.Regexp(t, regexp.MustCompile(`^[0-9]{6}$`), session.Token)

		require.Len(t, sender.sent, 1)
		assert.Equal(t, "Your code is "+session.Token, sender.sent[0].body)
		assert.Equal(t, "447700900123", sender.sent[0].msisdn)
		assert.Equal(t, "447700900002", sender.sent[0].originator.Text)

		_, err = v.RequestToken(ctx, num, "secret", 1)
		require.NoError(t, err)
		assert.Len(t, sender.sent, 1)

		sender.err = errors.New("gateway down")
		_, err = v.RequestToken(ctx, num, "secret", 2)
		assert.Equal(t, api.KindSendFailed, api.KindOf(err))

		res := v.ValidateSessionWithToken(ctx, session.ID, "secret", session.Token, "")
		assert.True(t, res.Success())
	})
}
