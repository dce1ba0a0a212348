// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package test

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"strings"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"golang.org/x/crypto/ed25519"
)

// NewMatrixKey generates a new ed25519 matrix server key and writes it to a file.
func NewMatrixKey(matrixKeyPath string) (err error) {
	var data [35]byte
	_, err = rand.Read(data[:])
	if err != nil {
		return err
	}
	keyOut, err := os.OpenFile(matrixKeyPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}

	defer (func() {
		err = keyOut.Close()
	})()

	keyID := base64.RawURLEncoding.EncodeToString(data[:])
	keyID = strings.ReplaceAll(keyID, "-", "")
	keyID = strings.ReplaceAll(keyID, "_", "")

	err = pem.Encode(keyOut, &pem.Block{
		Type: "MATRIX PRIVATE KEY",
		Headers: map[string]string{
			"Key-ID": fmt.Sprintf("ed25519:%s", keyID[:6]),
		},
		Bytes: data[3:],
	})
	return err
}

// Server is a signing identity for tests: a server name with one ed25519 key.
type Server struct {
	Name       spec.ServerName
	KeyID      gomatrixserverlib.KeyID
	PrivateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey
}

// NewServer returns a signing identity whose key is derived from the server
// name, so repeated calls return the same key.
func NewServer(name spec.ServerName) *Server {
	seed := bytes.Repeat([]byte(name), ed25519.SeedSize/len(name)+1)[:ed25519.SeedSize]
	priv := ed25519.NewKeyFromSeed(seed)
	return &Server{
		Name:       name,
		KeyID:      "ed25519:test",
		PrivateKey: priv,
		PublicKey:  priv.Public().(ed25519.PublicKey),
	}
}

// VerifyKeys returns the public key in the form peers are configured with.
func (s *Server) VerifyKeys() map[string]string {
	return map[string]string{
		string(s.KeyID): base64.RawStdEncoding.EncodeToString(s.PublicKey),
	}
}
