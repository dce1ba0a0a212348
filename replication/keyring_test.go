package replication

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/element-hq/identity/test"
)

type fakeKeyFetcher struct {
	keys  map[spec.ServerName]gomatrixserverlib.ServerKeys
	calls atomic.Int32
}

func (f *fakeKeyFetcher) GetServerKeys(ctx context.Context, serverName spec.ServerName) (gomatrixserverlib.ServerKeys, error) {
	f.calls.Inc()
	keys, ok := f.keys[serverName]
	if !ok {
		return keys, context.DeadlineExceeded
	}
	return keys, nil
}

func mustServerKeys(t *testing.T, srv *test.Server, signer *test.Server, validUntil time.Time) gomatrixserverlib.ServerKeys {
	t.Helper()
	var keys gomatrixserverlib.ServerKeys
	keys.ServerName = srv.Name
	keys.ValidUntilTS = spec.AsTimestamp(validUntil)
	keys.VerifyKeys = map[gomatrixserverlib.KeyID]gomatrixserverlib.VerifyKey{
		srv.KeyID: {Key: spec.Base64Bytes(srv.PublicKey)},
	}
	toSign, err := json.Marshal(keys.ServerKeyFields)
	require.NoError(t, err)
	keys.Raw, err = gomatrixserverlib.SignJSON(string(srv.Name), signer.KeyID, signer.PrivateKey, toSign)
	require.NoError(t, err)
	return keys
}

func mustSign(t *testing.T, srv *test.Server, message string) []byte {
	t.Helper()
	signed, err := gomatrixserverlib.SignJSON(string(srv.Name), srv.KeyID, srv.PrivateKey, []byte(message))
	require.NoError(t, err)
	return signed
}

func verifyOne(keyRing *KeyRing, serverName spec.ServerName, message []byte) error {
	results, err := keyRing.VerifyJSONs(context.Background(), []gomatrixserverlib.VerifyJSONRequest{{
		ServerName: serverName,
		Message:    message,
		AtTS:       spec.AsTimestamp(time.Now()),
	}})
	if err != nil {
		return err
	}
	return results[0].Error
}

func TestKeyRingPeerKeys(t *testing.T) {
	env, close := mustCreatePusher(t, test.DBTypeSQLite, 100, "a.example.com")
	defer close()

	keyRing := NewKeyRing(env.peerDB, nil, time.Hour)
	peer := test.NewServer("a.example.com")
	signed := mustSign(t, peer, `{"medium":"email","address":"alice@example.com"}`)
	assert.NoError(t, verifyOne(keyRing, "a.example.com", signed))

	// a signature from someone else's key
	impostor := test.NewServer("b.example.com")
	impostor.Name = "a.example.com"
	assert.Error(t, verifyOne(keyRing, "a.example.com", mustSign(t, impostor, `{"a":1}`)))

	// no signature from the server at all
	assert.Error(t, verifyOne(keyRing, "a.example.com", []byte(`{"a":1}`)))

	// not a peer and nothing to fetch keys with
	assert.Error(t, verifyOne(keyRing, "hs.example.com", mustSign(t, test.NewServer("hs.example.com"), `{"a":1}`)))
}

func TestKeyRingFetchesAndCaches(t *testing.T) {
	env, close := mustCreatePusher(t, test.DBTypeSQLite, 100)
	defer close()

	hs := test.NewServer("hs.example.com")
	fetcher := &fakeKeyFetcher{keys: map[spec.ServerName]gomatrixserverlib.ServerKeys{
		"hs.example.com": mustServerKeys(t, hs, hs, time.Now().Add(time.Hour)),
	}}
	keyRing := NewKeyRing(env.peerDB, fetcher, time.Hour)

	signed := mustSign(t, hs, `{"mxid":"@alice:hs.example.com"}`)
	assert.NoError(t, verifyOne(keyRing, "hs.example.com", signed))
	assert.NoError(t, verifyOne(keyRing, "hs.example.com", signed))
	assert.Equal(t, int32(1), fetcher.calls.Load())

	assert.Error(t, verifyOne(keyRing, "down.example.com", mustSign(t, test.NewServer("down.example.com"), `{}`)))
}

func TestKeyRingRejectsBadKeyResponses(t *testing.T) {
	env, close := mustCreatePusher(t, test.DBTypeSQLite, 100)
	defer close()

	forged := test.NewServer("forged.example.com")
	expired := test.NewServer("expired.example.com")
	fetcher := &fakeKeyFetcher{keys: map[spec.ServerName]gomatrixserverlib.ServerKeys{
		// signed by a key which isn't in the response
		"forged.example.com":  mustServerKeys(t, forged, test.NewServer("other.example.com"), time.Now().Add(time.Hour)),
		"expired.example.com": mustServerKeys(t, expired, expired, time.Now().Add(-time.Hour)),
	}}
	keyRing := NewKeyRing(env.peerDB, fetcher, time.Hour)

	assert.Error(t, verifyOne(keyRing, "forged.example.com", mustSign(t, forged, `{}`)))
	assert.Error(t, verifyOne(keyRing, "expired.example.com", mustSign(t, expired, `{}`)))
}
