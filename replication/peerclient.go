// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package replication

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/fclient"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/opentracing/opentracing-go"

	"github.com/element-hq/identity/internal"
	"github.com/element-hq/identity/replication/api"
)

// PushPath is where peers accept replicated associations.
const PushPath = "/_matrix/identity/replicate/v1/push"

type peerClient struct {
	hc         *http.Client
	origin     spec.ServerName
	keyID      gomatrixserverlib.KeyID
	privateKey ed25519.PrivateKey
}

// NewPeerClient returns a client which pushes associations to peers, signing
// each request with the X-Matrix scheme.
func NewPeerClient(
	origin spec.ServerName, keyID gomatrixserverlib.KeyID, privateKey ed25519.PrivateKey,
	disableTLSValidation bool,
) api.PeerClient {
	hc := &http.Client{
		Timeout: 5 * time.Minute,
		Transport: &http.Transport{
			DisableKeepAlives: true,
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: disableTLSValidation,
			},
			Proxy: http.ProxyFromEnvironment,
		},
	}
	return &peerClient{
		hc:         hc,
		origin:     origin,
		keyID:      keyID,
		privateKey: privateKey,
	}
}

func (c *peerClient) Push(ctx context.Context, peer *api.Peer, assocs map[int64]json.RawMessage) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "PushToPeer")
	defer span.Finish()
	span.SetTag("peer", string(peer.ServerName))

	body := api.PushRequest{
		Associations: make(map[string]json.RawMessage, len(assocs)),
	}
	for id, assoc := range assocs {
		body.Associations[strconv.FormatInt(id, 10)] = assoc
	}

	freq := fclient.NewFederationRequest(http.MethodPost, c.origin, peer.ServerName, PushPath)
	if err := freq.SetContent(body); err != nil {
		return fmt.Errorf("freq.SetContent: %w", err)
	}
	if err := freq.Sign(c.origin, c.keyID, c.privateKey); err != nil {
		return fmt.Errorf("freq.Sign: %w", err)
	}
	hreq, err := freq.HTTPRequest()
	if err != nil {
		return fmt.Errorf("freq.HTTPRequest: %w", err)
	}
	// Peers are addressed by their configured base URL rather than by
	// server name resolution.
	base, err := url.Parse(peer.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid base URL for peer %q: %w", peer.ServerName, err)
	}
	hreq.URL.Scheme = base.Scheme
	hreq.URL.Host = base.Host
	hreq.Host = base.Host
	hreq = hreq.WithContext(ctx)

	hresp, err := c.hc.Do(hreq)
	if err != nil {
		return err
	}
	defer internal.CloseAndLogIfError(ctx, hresp.Body, "failed to close response body")

	if hresp.StatusCode == http.StatusOK {
		var resp api.PushResponse
		if err = json.NewDecoder(hresp.Body).Decode(&resp); err != nil {
			return fmt.Errorf("peer %q: invalid response: %w", peer.ServerName, err)
		}
		return nil
	}

	var errorBody spec.MatrixError
	if err := json.NewDecoder(hresp.Body).Decode(&errorBody); err == nil && errorBody.ErrCode != "" {
		return fmt.Errorf("peer %q: %d: %s", peer.ServerName, hresp.StatusCode, errorBody.Error())
	}
	return fmt.Errorf("peer %q: %d", peer.ServerName, hresp.StatusCode)
}
