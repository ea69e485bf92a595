package hub

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"orderhub/pkg/protocol"
)

type recordedEvent struct {
	tenantID  string
	eventType string
	payload   json.RawMessage
}

type recordingSink struct {
	mu     sync.Mutex
	events []recordedEvent
	err    error
}

func (s *recordingSink) Record(_ context.Context, tenantID, eventType string, payload json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, recordedEvent{tenantID, eventType, payload})
	return s.err
}

func (s *recordingSink) recorded() []recordedEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]recordedEvent(nil), s.events...)
}

func readEventFrame(t *testing.T, client *websocket.Conn) protocol.Message {
	t.Helper()
	client.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	msg, err := protocol.Decode(data)
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return msg
}

func TestBroadcastFansOutToTenant(t *testing.T) {
	registry := NewRegistry(0, 0)
	sink := &recordingSink{}
	h := NewHub(registry, sink, time.Minute, time.Hour)

	var clients []*websocket.Conn
	for i := 0; i < 3; i++ {
		conn, client := newLiveConn(t, 8)
		if err := registry.Register(conn, "tenant-1", "user-1"); err != nil {
			t.Fatalf("Register %d: %v", i, err)
		}
		clients = append(clients, client)
	}

	otherConn, otherClient := newLiveConn(t, 8)
	if err := registry.Register(otherConn, "tenant-2", "user-9"); err != nil {
		t.Fatalf("Register other tenant: %v", err)
	}

	payload := json.RawMessage(`{"order_id":"o-1","status":"ready"}`)
	if got := h.Broadcast("tenant-1", "order.ready", payload); got != 3 {
		t.Fatalf("Broadcast delivered to %d connections, want 3", got)
	}

	for i, client := range clients {
		msg := readEventFrame(t, client)
		if msg.Type != protocol.MessageTypeEvent || msg.EventType != "order.ready" {
			t.Errorf("client %d received (%s, %s)", i, msg.Type, msg.EventType)
		}
		if msg.TenantID != "tenant-1" {
			t.Errorf("client %d tenant = %s", i, msg.TenantID)
		}
		if string(msg.Payload) != string(payload) {
			t.Errorf("client %d payload = %s", i, msg.Payload)
		}
	}

	// The other tenant must see nothing.
	otherClient.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, _, err := otherClient.ReadMessage(); err == nil {
		t.Error("connection in another tenant received the broadcast")
	}

	events := sink.recorded()
	if len(events) != 1 || events[0].tenantID != "tenant-1" || events[0].eventType != "order.ready" {
		t.Errorf("sink recorded %v", events)
	}
}

func TestBroadcastToEmptyTenantIsNoop(t *testing.T) {
	sink := &recordingSink{}
	h := NewHub(NewRegistry(0, 0), sink, time.Minute, time.Hour)

	if got := h.Broadcast("tenant-ghost", "order.created", nil); got != 0 {
		t.Errorf("Broadcast to empty tenant delivered %d", got)
	}

	// The event is still journaled even with nobody connected.
	if len(sink.recorded()) != 1 {
		t.Errorf("sink recorded %d events, want 1", len(sink.recorded()))
	}
}

func TestBroadcastSurvivesSinkFailure(t *testing.T) {
	sink := &recordingSink{err: errors.New("disk full")}
	registry := NewRegistry(0, 0)
	h := NewHub(registry, sink, time.Minute, time.Hour)

	conn, client := newLiveConn(t, 8)
	if err := registry.Register(conn, "tenant-1", "user-1"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if got := h.Broadcast("tenant-1", "order.created", nil); got != 1 {
		t.Fatalf("Broadcast delivered %d, want 1 despite sink failure", got)
	}
	readEventFrame(t, client)
}

func TestBroadcastWithoutSink(t *testing.T) {
	registry := NewRegistry(0, 0)
	h := NewHub(registry, nil, time.Minute, time.Hour)

	conn, client := newLiveConn(t, 8)
	if err := registry.Register(conn, "tenant-1", "user-1"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if got := h.Broadcast("tenant-1", "order.created", nil); got != 1 {
		t.Fatalf("Broadcast delivered %d, want 1", got)
	}
	readEventFrame(t, client)
}

func TestBroadcastPrunesDeadConnections(t *testing.T) {
	registry := NewRegistry(0, 0)
	h := NewHub(registry, nil, time.Minute, time.Hour)

	live, liveClient := newLiveConn(t, 8)
	if err := registry.Register(live, "tenant-1", "user-1"); err != nil {
		t.Fatalf("Register live: %v", err)
	}

	dead, _ := newLiveConn(t, 8)
	if err := registry.Register(dead, "tenant-1", "user-2"); err != nil {
		t.Fatalf("Register dead: %v", err)
	}
	dead.teardown()

	if got := h.Broadcast("tenant-1", "order.created", nil); got != 1 {
		t.Fatalf("Broadcast delivered %d, want 1", got)
	}
	readEventFrame(t, liveClient)

	if _, ok := registry.Get(dead.ID()); ok {
		t.Error("dead connection still indexed after broadcast")
	}
	if _, ok := registry.Get(live.ID()); !ok {
		t.Error("live connection was pruned")
	}
}

func TestHubStartAndShutdown(t *testing.T) {
	registry := NewRegistry(0, 0)
	h := NewHub(registry, nil, time.Minute, time.Hour)

	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.Start(context.Background()); !errors.Is(err, ErrHubAlreadyRunning) {
		t.Errorf("second Start = %v, want ErrHubAlreadyRunning", err)
	}

	conn, client := newLiveConn(t, 8)
	if err := registry.Register(conn, "tenant-1", "user-1"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := h.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := h.Shutdown(ctx); !errors.Is(err, ErrHubNotRunning) {
		t.Errorf("second Shutdown = %v, want ErrHubNotRunning", err)
	}

	client.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := client.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		t.Fatalf("client read after shutdown = %v, want close error", err)
	}
	if ce.Code != protocol.CloseServerShutdown {
		t.Errorf("close code = %d, want %d", ce.Code, protocol.CloseServerShutdown)
	}

	if got := h.Stats()["total_connections"]; got != 0 {
		t.Errorf("total_connections after shutdown = %d, want 0", got)
	}
}

func TestSweepLoopEvictsStaleConnections(t *testing.T) {
	registry := NewRegistry(0, 0)
	h := NewHub(registry, nil, 20*time.Millisecond, 50*time.Millisecond)

	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		h.Shutdown(ctx)
	}()

	conn, client := newLiveConn(t, 8)
	if err := registry.Register(conn, "tenant-1", "user-1"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	conn.lastLiveness.Store(time.Now().Add(-time.Minute).UnixNano())

	client.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := client.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		t.Fatalf("client read = %v, want close error from sweep", err)
	}
	if ce.Code != protocol.CloseHeartbeatTimeout {
		t.Errorf("close code = %d, want %d", ce.Code, protocol.CloseHeartbeatTimeout)
	}

	deadline := time.After(time.Second)
	for {
		if _, ok := registry.Get(conn.ID()); !ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("stale connection never left the registry")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
