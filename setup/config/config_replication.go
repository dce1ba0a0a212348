// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package config

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
)

type Replication struct {
	// How often the pusher looks for new associations to send.
	PushInterval time.Duration `yaml:"push_interval"`

	// The maximum number of associations sent to a peer in one request.
	BatchSize int `yaml:"batch_size"`

	// How long a single push request may take before it counts as failed.
	PushTimeout time.Duration `yaml:"push_timeout"`

	// How long remote server keys are cached when the key response
	// carries no valid_until_ts.
	KeyCacheLifetime time.Duration `yaml:"key_cache_lifetime"`

	// Skips X.509 certificate checks when talking to peers and homeservers.
	// Only useful for testing.
	DisableTLSValidation bool `yaml:"disable_tls_validation"`

	// The servers we replicate to and accept replication from.
	Peers []PeerConf `yaml:"peers"`
}

type PeerConf struct {
	ServerName spec.ServerName `yaml:"server_name"`

	// Scheme, host and optional port of the peer, e.g. https://id.example.com:443
	BaseURL string `yaml:"base_url"`

	// Key ID ("ed25519:abc") to unpadded base64 public key.
	VerifyKeys map[string]string `yaml:"verify_keys"`
}

func (c *Replication) Defaults() {
	c.PushInterval = 10 * time.Second
	c.BatchSize = 100
	c.PushTimeout = time.Minute
	c.KeyCacheLifetime = time.Hour
}

func (c *Replication) Verify(configErrs *ConfigErrors) {
	if c.PushInterval <= 0 {
		configErrs.Add(fmt.Sprintf("invalid value for config key %q: %s", "replication.push_interval", c.PushInterval))
	}
	if c.BatchSize <= 0 {
		configErrs.Add(fmt.Sprintf("invalid value for config key %q: %d", "replication.batch_size", c.BatchSize))
	}
	checkPositive(configErrs, "replication.push_timeout", int64(c.PushTimeout))
	checkPositive(configErrs, "replication.key_cache_lifetime", int64(c.KeyCacheLifetime))

	seen := map[spec.ServerName]struct{}{}
	for i, peer := range c.Peers {
		prefix := fmt.Sprintf("replication.peers[%d]", i)
		checkNotEmpty(configErrs, prefix+".server_name", string(peer.ServerName))
		if _, ok := seen[peer.ServerName]; ok {
			configErrs.Add(fmt.Sprintf("duplicate peer %q", peer.ServerName))
		}
		seen[peer.ServerName] = struct{}{}

		u, err := url.Parse(peer.BaseURL)
		switch {
		case err != nil:
			configErrs.Add(fmt.Sprintf("invalid value for config key %q: %s", prefix+".base_url", err))
		case u.Scheme != "http" && u.Scheme != "https":
			configErrs.Add(fmt.Sprintf("invalid value for config key %q: scheme must be http or https", prefix+".base_url"))
		case u.Path != "" && u.Path != "/":
			configErrs.Add(fmt.Sprintf("invalid value for config key %q: must not contain a path", prefix+".base_url"))
		}

		if len(peer.VerifyKeys) == 0 {
			configErrs.Add(fmt.Sprintf("missing config key %q", prefix+".verify_keys"))
		}
		for keyID, key := range peer.VerifyKeys {
			if !strings.HasPrefix(keyID, "ed25519:") {
				configErrs.Add(fmt.Sprintf("key ID %q of peer %q doesn't start with \"ed25519:\"", keyID, peer.ServerName))
			}
			if _, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(key, "=")); err != nil {
				configErrs.Add(fmt.Sprintf("invalid key %q of peer %q: %s", keyID, peer.ServerName, err))
			}
		}
	}
}
