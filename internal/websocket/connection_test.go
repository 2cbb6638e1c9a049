package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatchlink/internal/logger"
	"dispatchlink/pkg/interfaces"
	"dispatchlink/pkg/types"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// testServer is a minimal notification endpoint that records inbound
// frames and lets the test push frames back.
type testServer struct {
	*httptest.Server
	rejectStatus int

	mu       sync.Mutex
	authz    string
	received chan types.Frame
	conns    chan *websocket.Conn
}

func newTestServer(t *testing.T, rejectStatus int) *testServer {
	t.Helper()
	s := &testServer{
		rejectStatus: rejectStatus,
		received:     make(chan types.Frame, 32),
		conns:        make(chan *websocket.Conn, 4),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.rejectStatus != 0 {
			http.Error(w, "rejected", s.rejectStatus)
			return
		}
		s.mu.Lock()
		s.authz = r.Header.Get("Authorization")
		s.mu.Unlock()

		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.conns <- conn
		go func() {
			for {
				var frame types.Frame
				if err := conn.ReadJSON(&frame); err != nil {
					return
				}
				s.received <- frame
			}
		}()
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func (s *testServer) authorization() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authz
}

func (s *testServer) nextConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-s.conns:
		t.Cleanup(func() { conn.Close() })
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("server never accepted a connection")
		return nil
	}
}

func (s *testServer) nextFrame(t *testing.T) types.Frame {
	t.Helper()
	select {
	case frame := <-s.received:
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("server never received a frame")
		return types.Frame{}
	}
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.PingInterval = 0
	return opts
}

func dial(t *testing.T, s *testServer, handlers interfaces.TransportHandlers) (*Connection, *websocket.Conn) {
	t.Helper()
	d := NewDialer(s.wsURL(), time.Second, testOptions(), logger.Nop())
	transport, err := d.Dial(context.Background(), types.Credential{AccessToken: "tok-1"}, handlers)
	require.NoError(t, err)
	conn := transport.(*Connection)
	t.Cleanup(func() { conn.Close() })
	return conn, s.nextConn(t)
}

func waitDone(t *testing.T, conn *Connection) {
	t.Helper()
	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection did not terminate")
	}
}

func TestDialer_PresentsBearerToken(t *testing.T) {
	s := newTestServer(t, 0)
	dial(t, s, interfaces.TransportHandlers{})
	assert.Equal(t, "Bearer tok-1", s.authorization())
}

func TestDialer_HandshakeRejected(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		s := newTestServer(t, status)
		d := NewDialer(s.wsURL(), time.Second, testOptions(), logger.Nop())

		_, err := d.Dial(context.Background(), types.Credential{AccessToken: "stale"}, interfaces.TransportHandlers{})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrHandshakeRejected)
		assert.Equal(t, types.FailureAuth, types.KindOf(err), "status %d", status)
	}
}

func TestDialer_Unreachable(t *testing.T) {
	s := newTestServer(t, http.StatusServiceUnavailable)
	d := NewDialer(s.wsURL(), time.Second, testOptions(), logger.Nop())

	_, err := d.Dial(context.Background(), types.Credential{AccessToken: "tok"}, interfaces.TransportHandlers{})
	require.Error(t, err)
	assert.Equal(t, types.FailureTransport, types.KindOf(err))
}

func TestDialer_NoCredential(t *testing.T) {
	d := NewDialer("ws://127.0.0.1:1/ws", time.Second, testOptions(), logger.Nop())
	_, err := d.Dial(context.Background(), types.Credential{}, interfaces.TransportHandlers{})
	assert.ErrorIs(t, err, ErrMissingCredential)
}

func TestConnection_SubscribeAndDeliver(t *testing.T) {
	s := newTestServer(t, 0)
	conn, server := dial(t, s, interfaces.TransportHandlers{})

	received := make(chan *types.Message, 1)
	sub, err := conn.Subscribe("/topic/dispatches", func(msg *types.Message) { received <- msg })
	require.NoError(t, err)

	frame := s.nextFrame(t)
	assert.Equal(t, types.FrameTypeSubscribe, frame.Type)
	assert.Equal(t, sub.ID(), frame.ID)
	assert.Equal(t, "/topic/dispatches", frame.Topic)

	require.NoError(t, server.WriteJSON(types.Frame{
		Type:         types.FrameTypeMessage,
		Topic:        "/topic/dispatches",
		Subscription: sub.ID(),
		Payload:      json.RawMessage(`{"unit":"E-7"}`),
	}))

	select {
	case msg := <-received:
		assert.JSONEq(t, `{"unit":"E-7"}`, string(msg.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestConnection_MalformedFrameSkipped(t *testing.T) {
	s := newTestServer(t, 0)
	conn, server := dial(t, s, interfaces.TransportHandlers{})

	received := make(chan *types.Message, 1)
	sub, err := conn.Subscribe("/topic/dispatches", func(msg *types.Message) { received <- msg })
	require.NoError(t, err)
	s.nextFrame(t)

	require.NoError(t, server.WriteMessage(websocket.TextMessage, []byte(`{garbage`)))
	require.NoError(t, server.WriteJSON(types.Frame{
		Type:         types.FrameTypeMessage,
		Subscription: sub.ID(),
		Payload:      json.RawMessage(`1`),
	}))

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("read loop stopped after malformed frame")
	}
	assert.Equal(t, int64(1), conn.RouterStats().Malformed)
}

func TestConnection_HandlerPanicDoesNotStopReads(t *testing.T) {
	s := newTestServer(t, 0)
	conn, server := dial(t, s, interfaces.TransportHandlers{})

	calls := make(chan struct{}, 2)
	sub, err := conn.Subscribe("/topic/dispatches", func(*types.Message) {
		calls <- struct{}{}
		panic("listener bug")
	})
	require.NoError(t, err)
	s.nextFrame(t)

	for i := 0; i < 2; i++ {
		require.NoError(t, server.WriteJSON(types.Frame{Type: types.FrameTypeMessage, Subscription: sub.ID()}))
	}
	for i := 0; i < 2; i++ {
		select {
		case <-calls:
		case <-time.After(2 * time.Second):
			t.Fatalf("delivery %d missing", i)
		}
	}
}

func TestConnection_ProtocolErrorKeepsConnection(t *testing.T) {
	s := newTestServer(t, 0)
	errs := make(chan *types.ErrorFrame, 1)
	conn, server := dial(t, s, interfaces.TransportHandlers{
		OnProtocolError: func(ef *types.ErrorFrame) { errs <- ef },
	})

	require.NoError(t, server.WriteJSON(types.Frame{Type: types.FrameTypeError, Code: "forbidden_topic", Subscription: "abc"}))

	select {
	case ef := <-errs:
		assert.Equal(t, "forbidden_topic", ef.Code)
		assert.Equal(t, "abc", ef.Subscription)
	case <-time.After(2 * time.Second):
		t.Fatal("protocol error not reported")
	}

	select {
	case <-conn.Done():
		t.Fatal("protocol error must not terminate the connection")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConnection_AuthErrorFrameTerminates(t *testing.T) {
	s := newTestServer(t, 0)
	conn, server := dial(t, s, interfaces.TransportHandlers{})

	require.NoError(t, server.WriteJSON(types.Frame{Type: types.FrameTypeError, Code: types.ErrorCodeTokenExpired}))

	waitDone(t, conn)
	assert.Equal(t, types.FailureAuth, types.KindOf(conn.Err()))
}

func TestConnection_CloseCodes(t *testing.T) {
	cases := []struct {
		name string
		code int
		kind types.FailureKind
	}{
		{"unauthorized", CloseUnauthorized, types.FailureAuth},
		{"policy violation", ClosePolicyViolation, types.FailureAuth},
		{"going away", websocket.CloseGoingAway, types.FailureTransport},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestServer(t, 0)
			conn, server := dial(t, s, interfaces.TransportHandlers{})

			msg := websocket.FormatCloseMessage(tc.code, "bye")
			require.NoError(t, server.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)))

			waitDone(t, conn)
			assert.Equal(t, tc.kind, types.KindOf(conn.Err()))
		})
	}
}

func TestConnection_AbruptDropIsTransport(t *testing.T) {
	s := newTestServer(t, 0)
	conn, server := dial(t, s, interfaces.TransportHandlers{})

	server.UnderlyingConn().Close()

	waitDone(t, conn)
	var transportErr *TransportError
	require.ErrorAs(t, conn.Err(), &transportErr)
	assert.Equal(t, types.FailureTransport, transportErr.Kind)
}

func TestConnection_LocalClose(t *testing.T) {
	s := newTestServer(t, 0)
	conn, _ := dial(t, s, interfaces.TransportHandlers{})

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	waitDone(t, conn)
	assert.NoError(t, conn.Err())

	_, err := conn.Subscribe("/topic/dispatches", func(*types.Message) {})
	assert.ErrorIs(t, err, ErrConnectionClosed)
	assert.ErrorIs(t, conn.Publish("/topic/dispatches", json.RawMessage(`{}`)), ErrConnectionClosed)
}

func TestConnection_UnsubscribeIdempotent(t *testing.T) {
	s := newTestServer(t, 0)
	conn, _ := dial(t, s, interfaces.TransportHandlers{})

	sub, err := conn.Subscribe("/topic/dispatches", func(*types.Message) {})
	require.NoError(t, err)
	s.nextFrame(t)

	require.NoError(t, sub.Unsubscribe())
	frame := s.nextFrame(t)
	assert.Equal(t, types.FrameTypeUnsubscribe, frame.Type)
	assert.Equal(t, sub.ID(), frame.ID)

	require.NoError(t, sub.Unsubscribe())
	assert.Equal(t, 0, conn.Registry().Count())
}

func TestConnection_Publish(t *testing.T) {
	s := newTestServer(t, 0)
	conn, _ := dial(t, s, interfaces.TransportHandlers{})

	require.NoError(t, conn.Publish("/app/ack", json.RawMessage(`{"id":42}`)))
	frame := s.nextFrame(t)
	assert.Equal(t, types.FrameTypePublish, frame.Type)
	assert.Equal(t, "/app/ack", frame.Topic)
	assert.JSONEq(t, `{"id":42}`, string(frame.Payload))

	assert.ErrorIs(t, conn.Publish("bad topic", nil), types.ErrInvalidTopic)
}

func TestConnection_Heartbeat(t *testing.T) {
	pings := make(chan struct{}, 4)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.SetPingHandler(func(data string) error {
			pings <- struct{}{}
			return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	opts := testOptions()
	opts.PingInterval = 20 * time.Millisecond
	d := NewDialer("ws"+strings.TrimPrefix(server.URL, "http"), time.Second, opts, logger.Nop())
	transport, err := d.Dial(context.Background(), types.Credential{AccessToken: "tok"}, interfaces.TransportHandlers{})
	require.NoError(t, err)
	defer transport.Close()

	select {
	case <-pings:
	case <-time.After(2 * time.Second):
		t.Fatal("no ping received")
	}
}
