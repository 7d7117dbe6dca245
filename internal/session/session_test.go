package session

import (
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

	"github.com/bconhub/hub/internal/auth"
	"github.com/bconhub/hub/internal/envelope"
	"github.com/bconhub/hub/internal/ratelimit"
	"github.com/bconhub/hub/internal/registry"
)

// recordingHandler captures every envelope routed to it.
type recordingHandler struct {
	mu   sync.Mutex
	seen []envelope.Envelope
	done chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{done: make(chan struct{}, 16)}
}

func (h *recordingHandler) HandleEnvelope(src *Session, env envelope.Envelope) {
	h.mu.Lock()
	h.seen = append(h.seen, env)
	h.mu.Unlock()
	h.done <- struct{}{}
}

// connPair dials a real websocket through an httptest server and hands back
// both ends, so sessions are exercised over the same conn type production
// uses without binding a fixed port.
func connPair(t *testing.T) (serverConn, peerConn *websocket.Conn) {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	accepted := make(chan *websocket.Conn, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		accepted <- c
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	peerConn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { peerConn.Close() })

	select {
	case serverConn = <-accepted:
	case <-time.After(time.Second):
		t.Fatal("server side never accepted")
	}
	return serverConn, peerConn
}

func testConfig() Config {
	return Config{
		HeartbeatInterval: 50 * time.Millisecond,
		ConnectionTimeout: 2 * time.Second,
		SendQueueSize:     8,
		DrainBudget:       8,
		MaxFrameBytes:     1 << 20,
		RateLimitKey:      "client:u1",
		RateLimit:         1000,
	}
}

func TestSessionRoutesTextFrameToHandler(t *testing.T) {
	serverConn, peerConn := connPair(t)
	limiter := ratelimit.New(60, 5, time.Hour)
	handler := newRecordingHandler()

	s := New(1, auth.Client("u1", "", envelope.RolePlayer), registry.ClientListener, "127.0.0.1", serverConn, limiter, handler, testConfig())

	done := make(chan struct{})
	go func() {
		s.Run()
		close(done)
	}()

	require.NoError(t, peerConn.WriteJSON(envelope.Envelope{EventType: "send_chat"}))

	select {
	case <-handler.done:
	case <-time.After(time.Second):
		t.Fatal("handler never received envelope")
	}

	handler.mu.Lock()
	require.Len(t, handler.seen, 1)
	assert.Equal(t, "send_chat", handler.seen[0].EventType)
	handler.mu.Unlock()

	s.Close(websocket.CloseNormalClosure, "test_done")
	<-done
}

func TestSessionHeartbeatTimeoutCloses(t *testing.T) {
	serverConn, peerConn := connPair(t)
	limiter := ratelimit.New(60, 5, time.Hour)
	handler := newRecordingHandler()

	cfg := testConfig()
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.ConnectionTimeout = 60 * time.Millisecond

	// The peer must keep reading so its connection stays alive, but must
	// not answer pings: overriding the default ping handler (which pongs
	// automatically) simulates a dead client behind a live TCP connection.
	peerConn.SetPingHandler(func(string) error { return nil })
	go func() {
		for {
			if _, _, err := peerConn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	s := New(2, auth.Client("u2", "", envelope.RoleGuest), registry.ClientListener, "127.0.0.1", serverConn, limiter, handler, cfg)

	done := make(chan struct{})
	go func() {
		s.Run()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not close on heartbeat timeout")
	}

	code, reason := s.closeCodeAndReason()
	assert.Equal(t, 1001, code)
	assert.Equal(t, "heartbeat_timeout", reason)
}

func TestSessionRateLimitedMessageDropped(t *testing.T) {
	serverConn, peerConn := connPair(t)
	limiter := ratelimit.New(60, 5, time.Hour)
	handler := newRecordingHandler()

	cfg := testConfig()
	cfg.RateLimit = 1

	s := New(3, auth.Client("u3", "", envelope.RolePlayer), registry.ClientListener, "127.0.0.1", serverConn, limiter, handler, cfg)

	done := make(chan struct{})
	go func() {
		s.Run()
		close(done)
	}()

	require.NoError(t, peerConn.WriteJSON(envelope.Envelope{EventType: "send_chat"}))
	<-handler.done

	require.NoError(t, peerConn.WriteJSON(envelope.Envelope{EventType: "send_chat"}))

	_, data, err := peerConn.ReadMessage()
	require.NoError(t, err)
	var reply envelope.Envelope
	require.NoError(t, json.Unmarshal(data, &reply))
	assert.Equal(t, "error", reply.EventType)

	handler.mu.Lock()
	assert.Len(t, handler.seen, 1, "second message should have been rate-limited, not routed")
	handler.mu.Unlock()

	s.Close(websocket.CloseNormalClosure, "test_done")
	<-done
}

func TestSessionForwardsRawFrameVerbatim(t *testing.T) {
	serverConn, peerConn := connPair(t)
	limiter := ratelimit.New(60, 5, time.Hour)
	handler := newRecordingHandler()

	s := New(4, auth.Client("u4", "", envelope.RoleAdmin), registry.ClientListener, "127.0.0.1", serverConn, limiter, handler, testConfig())

	done := make(chan struct{})
	go func() {
		s.Run()
		close(done)
	}()

	// A top-level field the Envelope struct doesn't know about survives a
	// verbatim pass-through because the original bytes are kept alongside
	// the decoded struct.
	frame := `{"eventType":"execute_command","data":{"server_id":"s1"},"custom":"kept"}`
	require.NoError(t, peerConn.WriteMessage(websocket.TextMessage, []byte(frame)))
	<-handler.done

	handler.mu.Lock()
	env := handler.seen[0]
	handler.mu.Unlock()
	require.NotNil(t, env.Raw)

	// Writing it back out through the session's send path delivers the
	// exact bytes.
	s.Send(env)
	_, data, err := peerConn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, frame, string(data))

	s.Close(websocket.CloseNormalClosure, "test_done")
	<-done
}
