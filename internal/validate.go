// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
)

const maxClientSecretLength = 255

var (
	clientSecretRegex = regexp.MustCompile(`^[0-9a-zA-Z.=_\-]+$`)
	hostnameRegex     = regexp.MustCompile(`^[0-9a-zA-Z.\-]+$`)
)

// IsValidClientSecret checks the client secret against the characters and
// length the identity service API allows.
func IsValidClientSecret(clientSecret string) bool {
	return len(clientSecret) > 0 &&
		len(clientSecret) <= maxClientSecretLength &&
		clientSecretRegex.MatchString(clientSecret)
}

// ValidateClientSecret returns an error response if the client secret is invalid
func ValidateClientSecret(clientSecret string) *util.JSONResponse {
	if !IsValidClientSecret(clientSecret) {
		return &util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: spec.InvalidParam("Invalid client_secret provided"),
		}
	}
	return nil
}

// IsValidServerName reports whether the string is a hostname, an IPv4 literal
// or a bracketed IPv6 literal, optionally followed by a port.
func IsValidServerName(serverName string) bool {
	host, port := serverName, ""
	if strings.HasPrefix(serverName, "[") {
		end := strings.Index(serverName, "]")
		if end < 0 {
			return false
		}
		host, port = serverName[1:end], serverName[end+1:]
		if ip := net.ParseIP(host); ip == nil || ip.To4() != nil {
			return false
		}
	} else {
		if i := strings.LastIndex(serverName, ":"); i >= 0 {
			host, port = serverName[:i], serverName[i:]
		}
		if host == "" || len(host) > 255 || !hostnameRegex.MatchString(host) {
			return false
		}
	}
	if port == "" {
		return true
	}
	if !strings.HasPrefix(port, ":") || len(port) < 2 || len(port) > 6 {
		return false
	}
	n, err := strconv.Atoi(port[1:])
	return err == nil && n > 0 && n <= 65535
}
