package hub

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsPair opens a real websocket and returns both ends. Both are closed at
// test cleanup.
func wsPair(t *testing.T) (server *websocket.Conn, client *websocket.Conn) {
	t.Helper()

	serverCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		serverCh <- ws
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	select {
	case server = <-serverCh:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for server-side socket")
	}
	t.Cleanup(func() { server.Close() })

	return server, client
}

// newLiveConn wraps a real socket in a Connection with its writer running,
// and returns the client end for observing what the connection writes.
func newLiveConn(t *testing.T, sendBuffer int) (*Connection, *websocket.Conn) {
	t.Helper()
	server, client := wsPair(t)
	conn := NewConnection(server, sendBuffer)
	t.Cleanup(conn.teardown)
	return conn, client
}

// newBareConn builds a Connection without a transport or writer goroutine,
// for tests that only exercise bookkeeping (registry indices, send-queue
// admission). Its teardown paths must not be invoked.
func newBareConn(id string) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		id:          id,
		sendCh:      make(chan []byte, 4),
		ctx:         ctx,
		cancel:      cancel,
		connectedAt: time.Now(),
		authState:   AuthPending,
	}
	c.lastLiveness.Store(time.Now().UnixNano())
	return c
}

func TestConnectionSendDeliversFrame(t *testing.T) {
	conn, client := newLiveConn(t, 8)

	if err := conn.Send([]byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("Send: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	if string(data) != `{"type":"ping"}` {
		t.Errorf("client received %s", data)
	}
}

func TestConnectionSendAfterCloseFails(t *testing.T) {
	conn, _ := newLiveConn(t, 8)

	conn.CloseWithCode(websocket.CloseNormalClosure, "done")

	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed after CloseWithCode")
	}

	if err := conn.Send([]byte("x")); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("Send after close = %v, want ErrConnectionClosed", err)
	}
	if err := conn.TrySend([]byte("x")); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("TrySend after close = %v, want ErrConnectionClosed", err)
	}
	if got := conn.State(); got != AuthClosed {
		t.Errorf("state after close = %s, want closed", got)
	}
}

func TestConnectionTrySendFullBuffer(t *testing.T) {
	// No writer goroutine draining, so the buffer fills deterministically.
	conn := newBareConn(uuid.NewString())
	defer conn.cancel()

	for i := 0; i < cap(conn.sendCh); i++ {
		if err := conn.TrySend([]byte("x")); err != nil {
			t.Fatalf("TrySend %d: %v", i, err)
		}
	}
	if err := conn.TrySend([]byte("x")); !errors.Is(err, ErrSendBufferFull) {
		t.Errorf("TrySend on full buffer = %v, want ErrSendBufferFull", err)
	}
}

func TestConnectionCloseWithCodeReachesClient(t *testing.T) {
	conn, client := newLiveConn(t, 8)

	conn.CloseWithCode(4010, "server shutting down")

	client.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := client.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		t.Fatalf("client read = %v, want close error", err)
	}
	if ce.Code != 4010 {
		t.Errorf("close code = %d, want 4010", ce.Code)
	}
}

func TestConnectionCloseIsIdempotent(t *testing.T) {
	conn, _ := newLiveConn(t, 8)

	conn.CloseWithCode(4000, "protocol error")
	conn.CloseWithCode(4010, "server shutting down")
	conn.teardown()

	if got := conn.State(); got != AuthClosed {
		t.Errorf("state = %s, want closed", got)
	}
}

func TestConnectionAuthStateLifecycle(t *testing.T) {
	conn := newBareConn(uuid.NewString())
	defer conn.cancel()

	if got := conn.State(); got != AuthPending {
		t.Fatalf("initial state = %s, want pending", got)
	}
	if conn.TenantID() != "" || conn.UserID() != "" {
		t.Error("identity set before authentication")
	}

	conn.markAuthenticated("tenant-1", "user-1")
	if got := conn.State(); got != AuthAuthenticated {
		t.Errorf("state = %s, want authenticated", got)
	}
	if conn.TenantID() != "tenant-1" || conn.UserID() != "user-1" {
		t.Errorf("identity = (%s, %s)", conn.TenantID(), conn.UserID())
	}

	// Rejection only applies to pending connections.
	conn.MarkRejected()
	if got := conn.State(); got != AuthAuthenticated {
		t.Errorf("MarkRejected overrode authenticated state: %s", got)
	}
}

func TestConnectionLivenessTouch(t *testing.T) {
	conn := newBareConn(uuid.NewString())
	defer conn.cancel()

	before := conn.LastLiveness()
	time.Sleep(5 * time.Millisecond)
	conn.TouchLiveness()

	if !conn.LastLiveness().After(before) {
		t.Error("TouchLiveness did not advance the liveness timestamp")
	}
}
