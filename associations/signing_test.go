package associations

import (
	"encoding/json"
	"testing"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/element-hq/identity/associations/api"
	"github.com/element-hq/identity/test"
)

func newTestSigner(name string) *Signer {
	srv := test.NewServer(spec.ServerName(name))
	return &Signer{ServerName: srv.Name, KeyID: srv.KeyID, PrivateKey: srv.PrivateKey}
}

func testAssociation() *api.ThreepidAssociation {
	return newAssociation("email", "alice@example.com", "@alice:example.com", testTime)
}

func TestSignAssociation(t *testing.T) {
	signer := newTestSigner("id.example.com")
	signed, err := signer.SignAssociation(testAssociation())
	require.NoError(t, err)

	srv := test.NewServer("id.example.com")
	err = gomatrixserverlib.VerifyJSON("id.example.com", srv.KeyID, srv.PublicKey, signed)
	require.NoError(t, err)
	assert.True(t, signer.HasOwnSignature(signed))

	var roundTrip api.ThreepidAssociation
	require.NoError(t, json.Unmarshal(signed, &roundTrip))
	assert.Equal(t, *testAssociation(), roundTrip)
}

func TestSignJSONIsIdempotent(t *testing.T) {
	signer := newTestSigner("id.example.com")
	once, err := signer.SignAssociation(testAssociation())
	require.NoError(t, err)
	twice, err := signer.SignJSON(once)
	require.NoError(t, err)
	assert.JSONEq(t, string(once), string(twice))
}

func TestSignJSONKeepsOtherSignatures(t *testing.T) {
	peer := newTestSigner("peer.example.com")
	signer := newTestSigner("id.example.com")

	fromPeer, err := peer.SignAssociation(testAssociation())
	require.NoError(t, err)
	assert.False(t, signer.HasOwnSignature(fromPeer))

	both, err := signer.EnsureSigned(fromPeer)
	require.NoError(t, err)
	assert.True(t, signer.HasOwnSignature(both))
	assert.True(t, peer.HasOwnSignature(both))
	assert.Len(t, gjson.GetBytes(both, "signatures").Map(), 2)

	peerSrv := test.NewServer("peer.example.com")
	require.NoError(t, gomatrixserverlib.VerifyJSON("peer.example.com", peerSrv.KeyID, peerSrv.PublicKey, both))

	// already signed, so returned as is
	again, err := signer.EnsureSigned(both)
	require.NoError(t, err)
	assert.Equal(t, string(both), string(again))
}

func TestTombstoneOmitsMXID(t *testing.T) {
	signer := newTestSigner("id.example.com")
	signed, err := signer.SignAssociation(newAssociation("email", "alice@example.com", "", testTime))
	require.NoError(t, err)
	assert.False(t, gjson.GetBytes(signed, "mxid").Exists())
}
