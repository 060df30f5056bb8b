package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"glass-frontier/hub"
	"glass-frontier/hub/internal/catalog"
	"glass-frontier/hub/internal/net/proto"
	"glass-frontier/hub/internal/orchestrator"
)

const testCatalog = `[
  {"verbId": "say", "category": "chat", "parameters": [{"name": "message", "type": "string", "required": true}], "rateLimit": false}
]`

type wireEnvelope struct {
	Ver     int             `json:"ver"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func newTestServer(t *testing.T) (*hub.Hub, *httptest.Server) {
	t.Helper()
	cat, err := catalog.Parse([]byte(testCatalog), catalog.FormatJSON)
	require.NoError(t, err)
	h, err := hub.New(hub.Config{Resolver: catalog.Static(cat), Shards: 2})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.Run(ctx)
	}()

	handler := NewHandler(h.Gateway(), HandlerConfig{})
	srv := httptest.NewServer(http.HandlerFunc(handler.Handle))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
		h.Close()
	})
	return h, srv
}

func websocketURL(t *testing.T, base string, query url.Values) string {
	t.Helper()
	parsed, err := url.Parse(base)
	require.NoError(t, err)
	parsed.Scheme = "ws"
	parsed.RawQuery = query.Encode()
	return parsed.String()
}

func dial(t *testing.T, srv *httptest.Server, query url.Values) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(websocketURL(t, srv.URL, query), nil)
	if resp != nil {
		resp.Body.Close()
	}
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) wireEnvelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var env wireEnvelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

// readUntil skips envelopes until one of the wanted type arrives. Gateway
// acknowledgements and orchestrator broadcasts interleave freely.
func readUntil(t *testing.T, conn *websocket.Conn, typ string) wireEnvelope {
	t.Helper()
	for i := 0; i < 20; i++ {
		env := readEnvelope(t, conn)
		if env.Type == typ {
			return env
		}
	}
	t.Fatalf("no %s envelope within 20 messages", typ)
	return wireEnvelope{}
}

func identity(actor string) url.Values {
	return url.Values{
		"hubId":     {"hub-1"},
		"roomId":    {"room-1"},
		"actorId":   {actor},
		"sessionId": {"session-" + actor},
	}
}

func TestHandshakeFromRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws?hubId=h&roomId=r&actorId=a&characterId=c&connectionId=conn-9"+
		"&actorCapabilities=scribe,+warden&actorCapabilities=oracle&lastAck=12&token=query-token"+
		"&metadata="+url.QueryEscape(`{"client":"web"}`), nil)

	hs, err := HandshakeFromRequest(req)
	require.NoError(t, err)
	assert.Equal(t, "h", hs.HubID)
	assert.Equal(t, "r", hs.RoomID)
	assert.Equal(t, "a", hs.ActorID)
	assert.Equal(t, "c", hs.CharacterID)
	assert.Equal(t, "conn-9", hs.ConnectionID)
	assert.Equal(t, []string{"scribe", "warden", "oracle"}, hs.ActorCapabilities)
	assert.Equal(t, int64(12), hs.LastAck)
	assert.Equal(t, "query-token", hs.Token)
	assert.Equal(t, "web", hs.Metadata["client"])

	req.Header.Set("Authorization", "Bearer header-token")
	hs, err = HandshakeFromRequest(req)
	require.NoError(t, err)
	assert.Equal(t, "header-token", hs.Token)
}

func TestHandshakeFromRequestRejectsMalformedValues(t *testing.T) {
	for _, query := range []string{"lastAck=soon", "lastAck=-1", "metadata=%7Bnope"} {
		req := httptest.NewRequest(http.MethodGet, "/ws?"+query, nil)
		_, err := HandshakeFromRequest(req)
		assert.Error(t, err, query)
	}
}

func TestHandleRejectsMalformedHandshakeBeforeUpgrade(t *testing.T) {
	_, srv := newTestServer(t)
	query := identity("ash")
	query.Set("lastAck", "later")

	_, resp, err := websocket.DefaultDialer.Dial(websocketURL(t, srv.URL, query), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleRejectsIncompleteIdentity(t *testing.T) {
	_, srv := newTestServer(t)
	query := identity("")
	conn := dial(t, srv, query)

	env := readEnvelope(t, conn)
	require.Equal(t, proto.TypeSystemError, env.Type)
	var payload proto.ErrorPayload
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	assert.Equal(t, "authentication_failed", payload.Code)
	assert.Contains(t, payload.Message, "actorId")

	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
}

func TestConnectSendsConfirmationAndSnapshot(t *testing.T) {
	_, srv := newTestServer(t)
	conn := dial(t, srv, identity("ash"))

	connected := readEnvelope(t, conn)
	require.Equal(t, proto.TypeSystemConnected, connected.Type)
	var payload proto.ConnectedPayload
	require.NoError(t, json.Unmarshal(connected.Payload, &payload))
	assert.Equal(t, "ash", payload.ActorID)
	assert.NotEmpty(t, payload.ConnectionID)

	snapshot := readUntil(t, conn, proto.TypeStateSnapshot)
	var state proto.StatePayload
	require.NoError(t, json.Unmarshal(snapshot.Payload, &state))
	doc, err := orchestrator.DecodeDocument(state.State)
	require.NoError(t, err)
	require.Len(t, doc.Participants, 1)
	assert.Equal(t, "ash", doc.Participants[0].ActorID)
}

func TestPingIsAnsweredWithPong(t *testing.T) {
	_, srv := newTestServer(t)
	conn := dial(t, srv, identity("ash"))
	readUntil(t, conn, proto.TypeSystemConnected)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"hub.ping","payload":{"sentAt":42}}`)))
	pong := readUntil(t, conn, proto.TypeSystemPong)
	var payload proto.PongPayload
	require.NoError(t, json.Unmarshal(pong.Payload, &payload))
	assert.Equal(t, int64(42), payload.ClientTime)
}

func TestCommandReachesEveryoneInRoom(t *testing.T) {
	_, srv := newTestServer(t)
	speaker := dial(t, srv, identity("ash"))
	readUntil(t, speaker, proto.TypeStateSnapshot)
	listener := dial(t, srv, identity("birch"))
	readUntil(t, listener, proto.TypeStateSnapshot)

	require.NoError(t, speaker.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"hub.command","payload":{"verb":"say","args":{"message":"hello"}}}`)))

	accepted := readUntil(t, speaker, proto.TypeCommandAccepted)
	var ack proto.CommandAcceptedPayload
	require.NoError(t, json.Unmarshal(accepted.Payload, &ack))
	assert.Equal(t, "say", ack.VerbID)
	assert.NotEmpty(t, ack.AuditRef)

	for {
		update := readUntil(t, listener, proto.TypeStateUpdate)
		var state proto.StatePayload
		require.NoError(t, json.Unmarshal(update.Payload, &state))
		if state.Command == nil {
			continue
		}
		assert.Equal(t, "ash", state.Command.ActorID)
		doc, err := orchestrator.DecodeDocument(state.State)
		require.NoError(t, err)
		require.Len(t, doc.ChatLog, 1)
		assert.Equal(t, "hello", doc.ChatLog[0].Message)
		break
	}
}

func TestInvalidCommandIsRejectedWithoutClosing(t *testing.T) {
	_, srv := newTestServer(t)
	conn := dial(t, srv, identity("ash"))
	readUntil(t, conn, proto.TypeStateSnapshot)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"hub.command","payload":{"verb":"fly"}}`)))
	rejected := readUntil(t, conn, proto.TypeCommandRejected)
	var payload proto.CommandRejectedPayload
	require.NoError(t, json.Unmarshal(rejected.Payload, &payload))
	assert.Equal(t, "verb_unknown", payload.Code)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	env := readUntil(t, conn, proto.TypeSystemError)
	assert.True(t, strings.Contains(string(env.Payload), "protocol_error"))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"hub.ping"}`)))
	readUntil(t, conn, proto.TypeSystemPong)
}

func TestClosingSocketRemovesParticipant(t *testing.T) {
	h, srv := newTestServer(t)
	conn := dial(t, srv, identity("ash"))
	readUntil(t, conn, proto.TypeStateSnapshot)
	require.Equal(t, 1, h.Gateway().Len())

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))
	require.Eventually(t, func() bool { return h.Gateway().Len() == 0 }, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.WaitIdle(ctx))
	snapshot, err := h.RoomState(ctx, "hub-1", "room-1")
	require.NoError(t, err)
	doc, err := orchestrator.DecodeDocument(snapshot.State)
	require.NoError(t, err)
	assert.Empty(t, doc.Participants)
}
