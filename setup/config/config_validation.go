// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package config

import (
	"fmt"
	"strings"
	"time"
)

type Validation struct {
	// How long a validation session stays usable after its last request.
	SessionLifetime time.Duration `yaml:"session_lifetime"`

	// Hosts that a next_link may point at. When empty, any http(s) host
	// is accepted.
	NextLinkDomainWhitelist []string `yaml:"next_link_domain_whitelist"`

	// Per client IP limits on requestToken.
	RateLimiting RateLimiting `yaml:"rate_limiting"`

	Email EmailConf `yaml:"email"`
	SMS   SMSConf   `yaml:"sms"`
}

func (c *Validation) Defaults() {
	c.SessionLifetime = 24 * time.Hour
	c.RateLimiting.Defaults()
	c.Email.Defaults()
	c.SMS.Defaults()
}

func (c *Validation) Verify(configErrs *ConfigErrors) {
	if c.SessionLifetime <= 0 {
		configErrs.Add(fmt.Sprintf("invalid value for config key %q: %s", "validation.session_lifetime", c.SessionLifetime))
	}
	c.RateLimiting.Verify(configErrs)
	c.Email.Verify(configErrs)
	c.SMS.Verify(configErrs)
}

type RateLimiting struct {
	// Is rate limiting enabled or disabled?
	Enabled bool `yaml:"enabled"`

	// How many requestToken calls a single client IP may make per second.
	PerSecond float64 `yaml:"per_second"`

	// How many calls may be made in a burst before the limit applies.
	Burst int `yaml:"burst"`
}

func (r *RateLimiting) Defaults() {
	r.Enabled = true
	r.PerSecond = 0.5
	r.Burst = 5
}

func (r *RateLimiting) Verify(configErrs *ConfigErrors) {
	if r.Enabled {
		checkPositive(configErrs, "validation.rate_limiting.burst", int64(r.Burst))
		if r.PerSecond <= 0 {
			configErrs.Add(fmt.Sprintf("invalid value for config key %q: %v", "validation.rate_limiting.per_second", r.PerSecond))
		}
	}
}

type EmailConf struct {
	// Whether email validation is offered at all.
	Enabled bool `yaml:"enabled"`

	Smtp struct {
		Host     string `yaml:"host"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
	} `yaml:"smtp"`

	// The From address of verification emails.
	From string `yaml:"from"`

	// Directory holding "verification.eml" and per-brand
	// "<brand>/verification.eml" templates.
	TemplatesPath string `yaml:"templates_path"`

	// Brands which may be selected with the "brand" request hint.
	Brands []string `yaml:"brands"`
}

func (c *EmailConf) Defaults() {
	c.TemplatesPath = "./res/templates"
}

func (c *EmailConf) Verify(configErrs *ConfigErrors) {
	if !c.Enabled {
		return
	}
	checkNotEmpty(configErrs, "validation.email.smtp.host", c.Smtp.Host)
	checkNotEmpty(configErrs, "validation.email.from", c.From)
	checkNotEmpty(configErrs, "validation.email.templates_path", c.TemplatesPath)
}

// HasBrand reports whether the named brand has its own templates.
func (c *EmailConf) HasBrand(brand string) bool {
	for _, b := range c.Brands {
		if b == brand {
			return true
		}
	}
	return false
}

// Originator is the sender identity of a text message.
type Originator struct {
	// One of "long", "short" or "alpha".
	Type string
	Text string
}

// SMSRuleAction decides whether text messages to a country are sent.
type SMSRuleAction string

const (
	SMSRuleAllow  SMSRuleAction = "allow"
	SMSRuleReject SMSRuleAction = "reject"
)

type SMSConf struct {
	// Whether msisdn validation is offered at all.
	Enabled bool `yaml:"enabled"`

	// The OpenMarket-style HTTP API endpoint and credentials.
	APIURL   string `yaml:"api_url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// The message text. "{token}" is replaced by the session token.
	BodyTemplate string `yaml:"body_template"`

	// Country calling code (or "default") to a list of "type:text" originators.
	RawOriginators map[string][]string `yaml:"originators"`

	// Country calling code to "allow" or "reject".
	RawRules map[string]string `yaml:"smsrule"`

	// Parsed once at load time and never modified afterwards.
	Originators map[string][]Originator  `yaml:"-"`
	Rules       map[string]SMSRuleAction `yaml:"-"`
}

func (c *SMSConf) Defaults() {
	c.BodyTemplate = "Your code is {token}"
}

func (c *SMSConf) Verify(configErrs *ConfigErrors) {
	if !c.Enabled {
		return
	}
	checkNotEmpty(configErrs, "validation.sms.api_url", c.APIURL)
	checkNotEmpty(configErrs, "validation.sms.body_template", c.BodyTemplate)
	if !strings.Contains(c.BodyTemplate, "{token}") {
		configErrs.Add("config key \"validation.sms.body_template\" must contain {token}")
	}
}

// parse builds the originator and rule tables from their raw form.
func (c *SMSConf) parse() error {
	c.Originators = make(map[string][]Originator, len(c.RawOriginators))
	for country, raw := range c.RawOriginators {
		origs := make([]Originator, 0, len(raw))
		for _, entry := range raw {
			parts := strings.Split(strings.TrimSpace(entry), ":")
			if len(parts) != 2 {
				return fmt.Errorf("originators must be in form: long:<number>, short:<number> or alpha:<text>, got %q", entry)
			}
			switch parts[0] {
			case "long", "short", "alpha":
			default:
				return fmt.Errorf("invalid originator type %q: valid types are long, short and alpha", parts[0])
			}
			origs = append(origs, Originator{Type: parts[0], Text: parts[1]})
		}
		if len(origs) == 0 {
			return fmt.Errorf("no originators given for %q", country)
		}
		c.Originators[country] = origs
	}

	c.Rules = make(map[string]SMSRuleAction, len(c.RawRules))
	for country, action := range c.RawRules {
		switch a := SMSRuleAction(action); a {
		case SMSRuleAllow, SMSRuleReject:
			c.Rules[country] = a
		default:
			return fmt.Errorf("invalid SMS rule action %q for %q, expecting 'allow' or 'reject'", action, country)
		}
	}
	return nil
}
