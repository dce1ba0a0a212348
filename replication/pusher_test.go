package replication

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"gotest.tools/v3/poll"

	"github.com/element-hq/identity/associations"
	assocapi "github.com/element-hq/identity/associations/api"
	assocstorage "github.com/element-hq/identity/associations/storage"
	"github.com/element-hq/identity/internal/sqlutil"
	"github.com/element-hq/identity/replication/api"
	"github.com/element-hq/identity/replication/storage"
	"github.com/element-hq/identity/setup/config"
	"github.com/element-hq/identity/setup/process"
	"github.com/element-hq/identity/test"
)

const localServer = spec.ServerName("id.example.com")

type fakePeerClient struct {
	mu       sync.Mutex
	failing  map[spec.ServerName]bool
	received map[spec.ServerName][]int64
	block    chan struct{}
	inFlight atomic.Int32
	calls    atomic.Int32
}

func newFakePeerClient() *fakePeerClient {
	return &fakePeerClient{
		failing:  map[spec.ServerName]bool{},
		received: map[spec.ServerName][]int64{},
	}
}

func (c *fakePeerClient) Push(ctx context.Context, peer *api.Peer, assocs map[int64]json.RawMessage) error {
	c.calls.Inc()
	c.inFlight.Inc()
	defer c.inFlight.Dec()
	if c.block != nil {
		<-c.block
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failing[peer.ServerName] {
		return errors.New("peer unavailable")
	}
	var ids []int64
	for id := range assocs {
		ids = append(ids, id)
	}
	// map order is random, so sort by insertion
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j] < ids[j-1]; j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
	c.received[peer.ServerName] = append(c.received[peer.ServerName], ids...)
	return nil
}

func (c *fakePeerClient) setFailing(peer spec.ServerName, failing bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failing[peer] = failing
}

func (c *fakePeerClient) receivedBy(peer spec.ServerName) []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int64(nil), c.received[peer]...)
}

type testEnv struct {
	pusher  *Pusher
	client  *fakePeerClient
	assocDB assocstorage.Database
	peerDB  storage.Database
	process *process.ProcessContext
	signer  *associations.Signer
}

func mustCreatePusher(t *testing.T, dbType test.DBType, batchSize int, peers ...spec.ServerName) (*testEnv, func()) {
	t.Helper()
	connStr, closeDB := test.PrepareDBConnectionString(t, dbType)
	cm := sqlutil.NewConnectionManager(nil, config.DatabaseOptions{})
	dbOpts := &config.DatabaseOptions{ConnectionString: config.DataSource(connStr)}
	assocDB, err := assocstorage.NewDatabase(cm, dbOpts)
	require.NoError(t, err)
	peerDB, err := storage.NewDatabase(cm, dbOpts)
	require.NoError(t, err)

	var apiPeers []api.Peer
	for _, name := range peers {
		srv := test.NewServer(name)
		apiPeers = append(apiPeers, api.Peer{
			ServerName: name,
			BaseURL:    "https://" + string(name),
			VerifyKeys: map[gomatrixserverlib.KeyID]spec.Base64Bytes{srv.KeyID: spec.Base64Bytes(srv.PublicKey)},
		})
	}
	require.NoError(t, peerDB.SyncPeers(context.Background(), apiPeers))

	srv := test.NewServer(localServer)
	signer := &associations.Signer{ServerName: srv.Name, KeyID: srv.KeyID, PrivateKey: srv.PrivateKey}
	cfg := &config.Replication{}
	cfg.Defaults()
	cfg.BatchSize = batchSize
	cfg.PushInterval = 50 * time.Millisecond

	processCtx := process.NewProcessContext()
	client := newFakePeerClient()
	env := &testEnv{
		pusher:  NewPusher(processCtx, cfg, assocDB, peerDB, signer, client),
		client:  client,
		assocDB: assocDB,
		peerDB:  peerDB,
		process: processCtx,
		signer:  signer,
	}
	return env, func() {
		processCtx.Shutdown()
		processCtx.WaitForComponentsToFinish()
		closeDB()
	}
}

func (e *testEnv) addAssociations(t *testing.T, n int) []int64 {
	t.Helper()
	now := time.Now()
	var ids []int64
	for i := 0; i < n; i++ {
		local, err := e.assocDB.AddLocalAssociation(context.Background(), &assocapi.ThreepidAssociation{
			Medium:    "email",
			Address:   fmt.Sprintf("user%d-%d@example.com", now.UnixNano(), i),
			MXID:      fmt.Sprintf("@user%d:example.com", i),
			TS:        spec.AsTimestamp(now),
			NotBefore: spec.AsTimestamp(now),
			NotAfter:  spec.AsTimestamp(now.Add(time.Hour)),
		})
		require.NoError(t, err)
		ids = append(ids, local.LocalID)
	}
	return ids
}

func (e *testEnv) cursor(t *testing.T, peer spec.ServerName) int64 {
	t.Helper()
	p, err := e.peerDB.GetPeer(context.Background(), peer)
	require.NoError(t, err)
	require.NotNil(t, p)
	return p.LastSentVersion
}

func TestPushLocal(t *testing.T) {
	ctx := context.Background()
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		env, close := mustCreatePusher(t, dbType, 2)
		defer close()

		ids := env.addAssociations(t, 5)
		require.NoError(t, env.pusher.PushLocal(ctx))

		lastID, err := env.assocDB.LastIDFromServer(ctx, localServer)
		require.NoError(t, err)
		assert.Equal(t, ids[4], lastID)

		local, err := env.assocDB.GetLocalAssociationsAfter(ctx, ids[2], 1)
		require.NoError(t, err)
		require.Len(t, local, 1)
		signed, err := env.assocDB.SignedAssociationForThreepid(ctx, "email", local[0].Address)
		require.NoError(t, err)
		require.NotNil(t, signed)
		srv := test.NewServer(localServer)
		assert.NoError(t, gomatrixserverlib.VerifyJSON(string(localServer), srv.KeyID, srv.PublicKey, signed))

		// nothing new, nothing to do
		require.NoError(t, env.pusher.PushLocal(ctx))
		assert.Equal(t, int32(0), env.client.calls.Load())
	})
}

func TestPushLocalAfterPeerUnbind(t *testing.T) {
	ctx := context.Background()
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		env, close := mustCreatePusher(t, dbType, 100)
		defer close()

		ids := env.addAssociations(t, 1)
		require.NoError(t, env.pusher.PushLocal(ctx))
		local, err := env.assocDB.GetLocalAssociationsAfter(ctx, 0, 1)
		require.NoError(t, err)
		require.Len(t, local, 1)
		address := local[0].Address
		signed, err := env.assocDB.SignedAssociationForThreepid(ctx, "email", address)
		require.NoError(t, err)
		require.NotNil(t, signed)

		// a peer replicates a later unbind of the same threepid
		unbind := assocapi.ThreepidAssociation{
			Medium:    "email",
			Address:   address,
			TS:        spec.AsTimestamp(time.Now().Add(time.Second)),
			NotBefore: spec.AsTimestamp(time.Now()),
			NotAfter:  spec.AsTimestamp(time.Now().Add(time.Hour)),
		}
		inserted, err := env.assocDB.StoreGlobalAssociation(ctx, &assocapi.GlobalAssociation{
			ThreepidAssociation: unbind,
			OriginServer:        "peer.example.com",
			OriginID:            1,
			SignedJSON:          []byte(`{}`),
		})
		require.NoError(t, err)
		require.True(t, inserted)

		require.NoError(t, env.pusher.PushLocal(ctx))
		signed, err = env.assocDB.SignedAssociationForThreepid(ctx, "email", address)
		require.NoError(t, err)
		assert.Nil(t, signed)
		lastID, err := env.assocDB.LastIDFromServer(ctx, localServer)
		require.NoError(t, err)
		assert.Equal(t, ids[0], lastID)
	})
}

func TestScheduledPushMonotonicity(t *testing.T) {
	ctx := context.Background()
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		env, close := mustCreatePusher(t, dbType, 2, "a.example.com", "b.example.com", localServer)
		defer close()

		ids := env.addAssociations(t, 5)
		assert.True(t, env.pusher.ScheduledPush(ctx))
		assert.Equal(t, ids, env.client.receivedBy("a.example.com"))
		assert.Equal(t, ids, env.client.receivedBy("b.example.com"))
		assert.Empty(t, env.client.receivedBy(localServer))
		assert.Equal(t, ids[4], env.cursor(t, "a.example.com"))
		assert.Equal(t, ids[4], env.cursor(t, "b.example.com"))

		// b fails: a still drains, b keeps its cursor
		env.client.setFailing("b.example.com", true)
		more := env.addAssociations(t, 3)
		assert.True(t, env.pusher.ScheduledPush(ctx))
		assert.Equal(t, append(ids, more...), env.client.receivedBy("a.example.com"))
		assert.Equal(t, ids, env.client.receivedBy("b.example.com"))
		assert.Equal(t, ids[4], env.cursor(t, "b.example.com"))

		// a failing stops the push before b is tried
		env.client.setFailing("a.example.com", true)
		env.client.setFailing("b.example.com", false)
		last := env.addAssociations(t, 1)
		assert.True(t, env.pusher.ScheduledPush(ctx))
		assert.Equal(t, ids, env.client.receivedBy("b.example.com"))
		assert.Equal(t, more[2], env.cursor(t, "a.example.com"))

		// once a recovers everything is delivered in order
		env.client.setFailing("a.example.com", false)
		assert.True(t, env.pusher.ScheduledPush(ctx))
		all := append(append(append([]int64{}, ids...), more...), last...)
		assert.Equal(t, all, env.client.receivedBy("a.example.com"))
		assert.Equal(t, all, env.client.receivedBy("b.example.com"))
		assert.Equal(t, last[0], env.cursor(t, "a.example.com"))
		assert.Equal(t, last[0], env.cursor(t, "b.example.com"))
	})
}

func TestScheduledPushIsSingleFlight(t *testing.T) {
	ctx := context.Background()
	env, cleanup := mustCreatePusher(t, test.DBTypeSQLite, 100, "a.example.com")
	defer cleanup()

	ids := env.addAssociations(t, 3)
	env.client.block = make(chan struct{})
	done := make(chan bool)
	go func() {
		done <- env.pusher.ScheduledPush(ctx)
	}()

	check := func(log poll.LogT) poll.Result {
		if env.client.inFlight.Load() == 1 {
			return poll.Success()
		}
		return poll.Continue("waiting for the push to start")
	}
	poll.WaitOn(t, check, poll.WithTimeout(5*time.Second), poll.WithDelay(10*time.Millisecond))

	// the token is held, so these are no-ops
	assert.False(t, env.pusher.ScheduledPush(ctx))
	assert.False(t, env.pusher.ScheduledPush(ctx))
	assert.Equal(t, int32(1), env.client.calls.Load())

	close(env.client.block)
	assert.True(t, <-done)
	assert.Equal(t, ids[2], env.cursor(t, "a.example.com"))

	// released again
	env.client.block = nil
	assert.True(t, env.pusher.ScheduledPush(ctx))
}

func TestPusherTicks(t *testing.T) {
	env, close := mustCreatePusher(t, test.DBTypeSQLite, 100, "a.example.com")
	defer close()

	ids := env.addAssociations(t, 2)
	env.pusher.Start()

	check := func(log poll.LogT) poll.Result {
		p, err := env.peerDB.GetPeer(context.Background(), "a.example.com")
		if err != nil {
			return poll.Error(err)
		}
		lastID, err := env.assocDB.LastIDFromServer(context.Background(), localServer)
		if err != nil {
			return poll.Error(err)
		}
		if p.LastSentVersion == ids[1] && lastID == ids[1] {
			return poll.Success()
		}
		return poll.Continue("cursor at %d, global store at %d", p.LastSentVersion, lastID)
	}
	poll.WaitOn(t, check, poll.WithTimeout(5*time.Second), poll.WithDelay(50*time.Millisecond))
}
