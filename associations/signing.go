// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package associations

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/tidwall/gjson"

	"github.com/element-hq/identity/associations/api"
	"github.com/element-hq/identity/setup/config"
)

// Signer signs associations under this server's name.
type Signer struct {
	ServerName spec.ServerName
	KeyID      gomatrixserverlib.KeyID
	PrivateKey ed25519.PrivateKey
}

func NewSigner(cfg *config.Global) *Signer {
	return &Signer{
		ServerName: cfg.ServerName,
		KeyID:      cfg.KeyID,
		PrivateKey: cfg.PrivateKey,
	}
}

// PublicKey is the key that verifies our signatures.
func (s *Signer) PublicKey() ed25519.PublicKey {
	return s.PrivateKey.Public().(ed25519.PublicKey)
}

// SignAssociation returns the association as signed JSON.
func (s *Signer) SignAssociation(assoc *api.ThreepidAssociation) (json.RawMessage, error) {
	raw, err := json.Marshal(assoc)
	if err != nil {
		return nil, fmt.Errorf("json.Marshal: %w", err)
	}
	return s.SignJSON(raw)
}

// SignJSON adds our signature to a JSON object, replacing any previous
// signature with the same key. Signatures by other servers are kept.
func (s *Signer) SignJSON(raw []byte) (json.RawMessage, error) {
	signed, err := gomatrixserverlib.SignJSON(string(s.ServerName), s.KeyID, s.PrivateKey, raw)
	if err != nil {
		return nil, fmt.Errorf("gomatrixserverlib.SignJSON: %w", err)
	}
	return signed, nil
}

// HasOwnSignature reports whether the object is already signed by this
// server with our current key.
func (s *Signer) HasOwnSignature(raw []byte) bool {
	found := false
	gjson.GetBytes(raw, "signatures").ForEach(func(server, keys gjson.Result) bool {
		if server.Str != string(s.ServerName) {
			return true
		}
		keys.ForEach(func(keyID, _ gjson.Result) bool {
			found = keyID.Str == string(s.KeyID)
			return !found
		})
		return false
	})
	return found
}

// EnsureSigned returns the object signed by this server, signing a copy if
// it isn't already.
func (s *Signer) EnsureSigned(raw []byte) (json.RawMessage, error) {
	if s.HasOwnSignature(raw) {
		return raw, nil
	}
	return s.SignJSON(raw)
}
