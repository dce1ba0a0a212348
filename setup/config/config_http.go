// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package config

import (
	"fmt"
	"net/url"
)

const defaultVerifyResponseTemplate = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Verification</title></head>
<body><p>%(message)s</p></body>
</html>
`

type HTTP struct {
	// The address to listen on, e.g. ":8090".
	Listen string `yaml:"listen"`

	// The externally reachable base URL of this server. Used to build the
	// links in verification emails.
	PublicBaseURL string `yaml:"public_baseurl"`

	// Path to the HTML page rendered by the GET submitToken endpoint. The
	// page must contain a "%(message)s" placeholder.
	VerifyResponseTemplatePath Path `yaml:"verify_response_template"`

	// The loaded template, or the built-in one when no path was given.
	VerifyResponseTemplate []byte `yaml:"-"`

	// Messages substituted into the verify response template.
	VerifySuccessMessage string `yaml:"verify_success_message"`
	VerifyFailureMessage string `yaml:"verify_failure_message"`
}

func (c *HTTP) Defaults() {
	c.Listen = ":8090"
	c.VerifyResponseTemplate = []byte(defaultVerifyResponseTemplate)
	c.VerifySuccessMessage = "Verification successful! Please return to your Matrix client to continue."
	c.VerifyFailureMessage = "Verification failed: you may need to request another verification email"
}

func (c *HTTP) Verify(configErrs *ConfigErrors) {
	checkNotEmpty(configErrs, "http.listen", c.Listen)
	if c.PublicBaseURL != "" {
		if u, err := url.Parse(c.PublicBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			configErrs.Add(fmt.Sprintf("invalid value for config key %q: %q", "http.public_baseurl", c.PublicBaseURL))
		}
	}
}
