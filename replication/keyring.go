// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package replication

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/patrickmn/go-cache"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"

	"github.com/element-hq/identity/replication/storage"
)

// KeyFetcher fetches the published keys of a server.
type KeyFetcher interface {
	GetServerKeys(ctx context.Context, matrixServer spec.ServerName) (gomatrixserverlib.ServerKeys, error)
}

// KeyRing verifies signatures made by peers, using the keys they were
// configured with, and by other servers, using the keys they publish.
type KeyRing struct {
	peers    storage.Database
	fetcher  KeyFetcher
	cache    *cache.Cache
	fetches  singleflight.Group
	lifetime time.Duration
}

type serverVerifyKeys map[gomatrixserverlib.KeyID]spec.Base64Bytes

var errNoKnownKey = errors.New("no known key matches any signature")

// NewKeyRing returns a KeyRing. Fetched keys without an expiry are cached for
// lifetime. fetcher may be nil, in which case only peers can be verified.
func NewKeyRing(peers storage.Database, fetcher KeyFetcher, lifetime time.Duration) *KeyRing {
	return &KeyRing{
		peers:    peers,
		fetcher:  fetcher,
		cache:    cache.New(lifetime, 2*lifetime),
		lifetime: lifetime,
	}
}

// VerifyJSONs implements gomatrixserverlib.JSONVerifier.
func (k *KeyRing) VerifyJSONs(
	ctx context.Context, requests []gomatrixserverlib.VerifyJSONRequest,
) ([]gomatrixserverlib.VerifyJSONResult, error) {
	results := make([]gomatrixserverlib.VerifyJSONResult, len(requests))
	for i := range requests {
		results[i].Error = k.verify(ctx, requests[i].ServerName, requests[i].Message)
	}
	return results, nil
}

func (k *KeyRing) verify(ctx context.Context, serverName spec.ServerName, message []byte) error {
	var keyIDs []gomatrixserverlib.KeyID
	gjson.GetBytes(message, "signatures").ForEach(func(server, sigs gjson.Result) bool {
		if server.Str != string(serverName) {
			return true
		}
		sigs.ForEach(func(keyID, _ gjson.Result) bool {
			keyIDs = append(keyIDs, gomatrixserverlib.KeyID(keyID.Str))
			return true
		})
		return false
	})
	if len(keyIDs) == 0 {
		return fmt.Errorf("no signatures from %q", serverName)
	}

	keys, err := k.keysFor(ctx, serverName)
	if err != nil {
		return fmt.Errorf("failed to get keys for %q: %w", serverName, err)
	}
	for _, keyID := range keyIDs {
		key, ok := keys[keyID]
		if !ok {
			continue
		}
		return gomatrixserverlib.VerifyJSON(string(serverName), keyID, ed25519.PublicKey(key), message)
	}
	return errNoKnownKey
}

func (k *KeyRing) keysFor(ctx context.Context, serverName spec.ServerName) (serverVerifyKeys, error) {
	peer, err := k.peers.GetPeer(ctx, serverName)
	if err != nil {
		return nil, err
	}
	if peer != nil {
		return peer.VerifyKeys, nil
	}
	if keys, ok := k.cache.Get(string(serverName)); ok {
		return keys.(serverVerifyKeys), nil
	}
	if k.fetcher == nil {
		return nil, fmt.Errorf("%q is not a known peer", serverName)
	}
	keys, err, _ := k.fetches.Do(string(serverName), func() (interface{}, error) {
		return k.fetch(ctx, serverName)
	})
	if err != nil {
		return nil, err
	}
	return keys.(serverVerifyKeys), nil
}

func (k *KeyRing) fetch(ctx context.Context, serverName spec.ServerName) (serverVerifyKeys, error) {
	serverKeys, err := k.fetcher.GetServerKeys(ctx, serverName)
	if err != nil {
		return nil, err
	}
	if serverKeys.ServerName != serverName {
		return nil, fmt.Errorf("key response is for %q", serverKeys.ServerName)
	}
	keys := make(serverVerifyKeys, len(serverKeys.VerifyKeys))
	for keyID, key := range serverKeys.VerifyKeys {
		keys[keyID] = key.Key
	}

	// The response must be signed by one of the keys it contains.
	selfSigned := false
	for keyID, key := range keys {
		if gomatrixserverlib.VerifyJSON(string(serverName), keyID, ed25519.PublicKey(key), serverKeys.Raw) == nil {
			selfSigned = true
			break
		}
	}
	if !selfSigned {
		return nil, fmt.Errorf("key response from %q is not self-signed", serverName)
	}

	expiry := k.lifetime
	if serverKeys.ValidUntilTS != 0 {
		expiry = time.Until(serverKeys.ValidUntilTS.Time())
		if expiry <= 0 {
			return nil, fmt.Errorf("keys of %q expired at %d", serverName, serverKeys.ValidUntilTS)
		}
	}
	k.cache.Set(string(serverName), keys, expiry)
	return keys, nil
}
