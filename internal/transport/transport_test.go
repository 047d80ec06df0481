package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"travelchat/internal/domain"
)

func testOptions(serverURL string) Options {
	return Options{
		BaseURL:          "ws" + strings.TrimPrefix(serverURL, "http"),
		Token:            "good-token",
		UserID:           "u1",
		UserType:         domain.RoleUser,
		MaxAttempts:      5,
		InitialBackoff:   2 * time.Millisecond,
		MaxBackoff:       10 * time.Millisecond,
		HandshakeTimeout: 2 * time.Second,
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev domain.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// chatServer is a minimal stand-in for the delivery layer: it accepts the
// upgrade, answers the handshake and forwards every received command to a
// channel the test can assert on.
type chatServer struct {
	srv      *httptest.Server
	conns    int32
	commands chan domain.Command
}

func newChatServer(t *testing.T, dropAfterHandshake func(connNum int32) bool) *chatServer {
	cs := &chatServer{commands: make(chan domain.Command, 32)}
	cs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&cs.conns, 1)

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()

		if r.URL.Query().Get("token") != "good-token" {
			_ = writeEvent(ctx, conn, domain.NewEvent(domain.EventAuthFailed, domain.ErrorPayload{Message: "bad token"}))
			conn.Close(websocket.StatusNormalClosure, "")
			return
		}
		if err := writeEvent(ctx, conn, domain.NewEvent(domain.EventConnectionEstablished, domain.ConnectionEstablishedPayload{UserID: "u1"})); err != nil {
			return
		}

		if dropAfterHandshake != nil && dropAfterHandshake(n) {
			conn.Close(websocket.StatusGoingAway, "simulated drop")
			return
		}

		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var cmd domain.Command
			if json.Unmarshal(data, &cmd) == nil {
				cs.commands <- cmd
			}
		}
	}))
	t.Cleanup(cs.srv.Close)
	return cs
}

func TestInitializeCompletesHandshake(t *testing.T) {
	cs := newChatServer(t, nil)
	tr := New(testOptions(cs.srv.URL))
	defer tr.Disconnect()

	require.NoError(t, tr.Initialize(context.Background()))
	assert.True(t, tr.Connected())
}

func TestAuthFailureIsTerminal(t *testing.T) {
	cs := newChatServer(t, nil)
	opts := testOptions(cs.srv.URL)
	opts.Token = "wrong-token"
	tr := New(opts)
	defer tr.Disconnect()

	err := tr.Initialize(context.Background())
	require.ErrorIs(t, err, ErrAuthFailed)

	// A rejected handshake never enters the retry loop.
	assert.Equal(t, int32(1), atomic.LoadInt32(&cs.conns))
}

func TestRetryBudgetExhausted(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	tr := New(testOptions(srv.URL))
	defer tr.Disconnect()

	err := tr.Initialize(context.Background())
	require.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, int32(5), atomic.LoadInt32(&attempts))
}

func TestCommandsReachTheServer(t *testing.T) {
	cs := newChatServer(t, nil)
	tr := New(testOptions(cs.srv.URL))
	defer tr.Disconnect()
	require.NoError(t, tr.Initialize(context.Background()))

	tr.JoinRoom("r1")
	tr.SendMessage("r1", "hello", domain.MessageText)
	tr.StartTyping("r1")

	var got []domain.Command
	for i := 0; i < 3; i++ {
		select {
		case cmd := <-cs.commands:
			got = append(got, cmd)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for command")
		}
	}

	require.Len(t, got, 3)
	assert.Equal(t, domain.CmdJoinRoom, got[0].Type)
	assert.Equal(t, "r1", got[0].RoomID)
	assert.Equal(t, domain.CmdSendMessage, got[1].Type)

	var payload domain.SendMessagePayload
	require.NoError(t, got[1].DecodeData(&payload))
	assert.Equal(t, "hello", payload.Content)
	assert.Equal(t, domain.CmdTypingStart, got[2].Type)
}

func TestEventHandlersAreAdditive(t *testing.T) {
	var serverConn *websocket.Conn
	ready := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		_ = writeEvent(r.Context(), conn, domain.NewEvent(domain.EventConnectionEstablished, nil))
		serverConn = conn
		close(ready)
		// Hold the connection open.
		_, _, _ = conn.Read(r.Context())
	}))
	t.Cleanup(srv.Close)

	tr := New(testOptions(srv.URL))
	defer tr.Disconnect()

	first := make(chan domain.ChatMessage, 1)
	second := make(chan domain.ChatMessage, 1)
	tr.OnMessage(func(m domain.ChatMessage) { first <- m })
	tr.OnMessage(func(m domain.ChatMessage) { second <- m })

	require.NoError(t, tr.Initialize(context.Background()))
	<-ready

	msg := domain.ChatMessage{ID: "m1", RoomID: "r1", SenderID: "a1", Content: "hi", MessageType: domain.MessageText}
	require.NoError(t, writeEvent(context.Background(), serverConn, domain.NewEvent(domain.EventMessageReceived, msg)))

	for _, ch := range []chan domain.ChatMessage{first, second} {
		select {
		case got := <-ch:
			assert.Equal(t, "m1", got.ID)
		case <-time.After(2 * time.Second):
			t.Fatal("handler did not fire")
		}
	}
}

func TestReconnectRejoinsRooms(t *testing.T) {
	// First connection is dropped right after the handshake; the client
	// must reconnect and re-issue join_room for its subscribed room.
	cs := newChatServer(t, func(connNum int32) bool { return connNum == 2 })

	tr := New(testOptions(cs.srv.URL))
	defer tr.Disconnect()
	require.NoError(t, tr.Initialize(context.Background()))

	tr.JoinRoom("r1")

	// Wait for the join to land on connection 1, then force a drop by
	// reading nothing: the server drops connection 2 after handshake, so
	// instead drop connection 1 from the client's point of view by having
	// the server close it.
	select {
	case cmd := <-cs.commands:
		require.Equal(t, domain.CmdJoinRoom, cmd.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("join_room never arrived on first connection")
	}

	// Connection 2 drops after handshake (simulated network blip), the
	// client retries and lands on connection 3 where the rejoin shows up.
	cs.srv.CloseClientConnections()

	select {
	case cmd := <-cs.commands:
		assert.Equal(t, domain.CmdJoinRoom, cmd.Type)
		assert.Equal(t, "r1", cmd.RoomID)
	case <-time.After(5 * time.Second):
		t.Fatal("join_room was not re-issued after reconnect")
	}
	assert.GreaterOrEqual(t, atomic.LoadInt32(&cs.conns), int32(3))
}

func TestDisconnectIsIdempotent(t *testing.T) {
	cs := newChatServer(t, nil)
	tr := New(testOptions(cs.srv.URL))
	require.NoError(t, tr.Initialize(context.Background()))

	tr.Disconnect()
	tr.Disconnect()
	assert.False(t, tr.Connected())
}

func TestInitializeAfterDisconnectIsRejected(t *testing.T) {
	cs := newChatServer(t, nil)
	tr := New(testOptions(cs.srv.URL))
	require.NoError(t, tr.Initialize(context.Background()))
	tr.Disconnect()

	// The instance is single-use: its internal context is gone, so a new
	// connection could never be serviced.
	err := tr.Initialize(context.Background())
	require.ErrorIs(t, err, ErrNotConnected)
	assert.False(t, tr.Connected())
}
