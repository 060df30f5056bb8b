package hub

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"glass-frontier/hub/internal/catalog"
	"glass-frontier/hub/internal/contest"
	apperrors "glass-frontier/hub/internal/errors"
	"glass-frontier/hub/internal/gateway"
	"glass-frontier/hub/internal/net/proto"
	"glass-frontier/hub/internal/orchestrator"
)

const duelCatalog = `[
  {"verbId": "say", "category": "chat", "parameters": [{"name": "message", "type": "string", "required": true}], "rateLimit": {"burst": 5, "perSeconds": 10}},
  {
    "verbId": "duel",
    "parameters": [{"name": "targetActorId", "type": "string", "required": true}],
    "rateLimit": false,
    "contest": {"targetParameter": "targetActorId", "windowSeconds": 30}
  }
]`

type fakeTransport struct {
	mu      sync.Mutex
	sent    []proto.Envelope
	closed  string
	onClose func(reason string)
}

func (f *fakeTransport) Send(_ context.Context, env proto.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeTransport) Close(reason string) error {
	f.mu.Lock()
	f.closed = reason
	onClose := f.onClose
	f.mu.Unlock()
	if onClose != nil {
		onClose(reason)
	}
	return nil
}

func (f *fakeTransport) closeReason() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type testHub struct {
	*Hub
	done chan error
}

func startHub(t *testing.T) *testHub {
	t.Helper()
	cat, err := catalog.Parse([]byte(duelCatalog), catalog.FormatJSON)
	require.NoError(t, err)
	h, err := New(Config{
		CatalogStore: catalog.NewStore(catalog.StoreConfig{Fallback: cat}),
		Shards:       2,
	})
	require.NoError(t, err)

	th := &testHub{Hub: h, done: make(chan error, 1)}
	ctx, cancel := context.WithCancel(context.Background())
	go func() { th.done <- h.Run(ctx) }()
	t.Cleanup(cancel)
	return th
}

// connect registers a connection whose transport closes the way the
// websocket binding does: by disconnecting from the gateway.
func (th *testHub) connect(t *testing.T, actor string) (*gateway.Connection, *fakeTransport) {
	t.Helper()
	transport := &fakeTransport{}
	conn, err := th.Gateway().AcceptConnection(context.Background(), transport, gateway.Handshake{
		HubID:     "hub-1",
		RoomID:    "arena",
		ActorID:   actor,
		SessionID: "session-" + actor,
	})
	require.NoError(t, err)
	transport.mu.Lock()
	transport.onClose = func(reason string) {
		go th.Gateway().Disconnect(context.Background(), conn.ID, reason)
	}
	transport.mu.Unlock()
	return conn, transport
}

func (th *testHub) send(t *testing.T, conn *gateway.Connection, message string) {
	t.Helper()
	require.NoError(t, th.Gateway().HandleMessage(context.Background(), conn.ID, []byte(message)))
}

func (th *testHub) idle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, th.WaitIdle(ctx))
}

func (th *testHub) document(t *testing.T) orchestrator.RoomDocument {
	t.Helper()
	snapshot, err := th.RoomState(context.Background(), "hub-1", "arena")
	require.NoError(t, err)
	doc, err := orchestrator.DecodeDocument(snapshot.State)
	require.NoError(t, err)
	return doc
}

func TestContestResolvesThroughHub(t *testing.T) {
	th := startHub(t)
	ash, _ := th.connect(t, "ash")
	birch, _ := th.connect(t, "birch")

	th.send(t, ash, `{"type":"hub.command","payload":{"verb":"duel","args":{"targetActorId":"birch"}}}`)
	th.idle(t)
	assert.Zero(t, th.Diagnostics().Contests, "arming contests are not active yet")

	th.send(t, birch, `{"type":"hub.command","payload":{"verb":"duel","args":{"targetActorId":"ash"}}}`)
	th.idle(t)
	assert.Equal(t, 1, th.Diagnostics().Contests)

	doc := th.document(t)
	require.Len(t, doc.Contests, 1)
	started := doc.Contests[0]
	assert.Equal(t, contest.StatusResolving, started.Status)
	require.NotEmpty(t, started.ContestID)

	record, err := th.ResolveContest(context.Background(), "hub-1", "arena", started.ContestID, contest.Resolution{
		Outcome: contest.Outcome{Tier: "triumph", Summary: "ash prevails"},
	})
	require.NoError(t, err)
	assert.Equal(t, contest.StatusResolved, record.Status)
	th.idle(t)

	doc = th.document(t)
	require.Len(t, doc.Contests, 1)
	assert.Equal(t, contest.StatusResolved, doc.Contests[0].Status)
	assert.Zero(t, th.Diagnostics().Contests)

	_, err = th.ResolveContest(context.Background(), "hub-1", "arena", started.ContestID, contest.Resolution{})
	assert.Equal(t, apperrors.CodeContestNotActive, apperrors.CodeOf(err))
}

func TestDiagnosticsCountsLiveState(t *testing.T) {
	th := startHub(t)
	diag := th.Diagnostics()
	assert.Equal(t, 2, diag.Shards)
	assert.Zero(t, diag.Connections)

	ash, _ := th.connect(t, "ash")
	th.send(t, ash, `{"type":"hub.command","payload":{"verb":"say","args":{"message":"hi"}}}`)
	th.idle(t)

	diag = th.Diagnostics()
	assert.Equal(t, 1, diag.Connections)
	assert.Zero(t, diag.BusPending)
	assert.Equal(t, 1, diag.RateBuckets)

	data, err := json.Marshal(diag)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"activeContests":0`)
}

func TestCatalogRequiresStore(t *testing.T) {
	h, err := New(Config{Resolver: catalog.Static(nil)})
	require.NoError(t, err)
	defer h.Close()
	_, err = h.Catalog(context.Background(), "hub-1")
	assert.ErrorIs(t, err, ErrCatalogUnavailable)

	th := startHub(t)
	snapshot, err := th.Catalog(context.Background(), "hub-1")
	require.NoError(t, err)
	assert.Equal(t, 2, snapshot.Catalog.Len())
}

func TestShutdownDrainsDepartures(t *testing.T) {
	th := startHub(t)
	_, ashTransport := th.connect(t, "ash")
	_, birchTransport := th.connect(t, "birch")
	th.idle(t)
	require.Len(t, th.document(t).Participants, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, th.Shutdown(ctx))

	assert.Equal(t, "server shutting down", ashTransport.closeReason())
	assert.Equal(t, "server shutting down", birchTransport.closeReason())
	assert.Zero(t, th.Gateway().Len())
	assert.Empty(t, th.document(t).Participants)

	select {
	case err := <-th.done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after shutdown")
	}
}
