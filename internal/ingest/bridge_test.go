package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
)

// recordingHub captures Broadcast calls.
type recordingHub struct {
	mu    sync.Mutex
	calls []broadcastCall
}

type broadcastCall struct {
	tenantID  string
	eventType string
	payload   string
}

func (r *recordingHub) Broadcast(tenantID, eventType string, payload json.RawMessage) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, broadcastCall{tenantID, eventType, string(payload)})
	return 1
}

func (r *recordingHub) snapshot() []broadcastCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]broadcastCall(nil), r.calls...)
}

// fakeSource feeds scripted messages to the bridge.
type fakeSource struct {
	messages chan SourceMessage
	subject  string
}

func newFakeSource() *fakeSource {
	return &fakeSource{messages: make(chan SourceMessage, 16)}
}

func (f *fakeSource) Subscribe(ctx context.Context, subject string) (<-chan SourceMessage, error) {
	f.subject = subject
	return f.messages, nil
}

func (f *fakeSource) Close() error {
	close(f.messages)
	return nil
}

func waitForCalls(t *testing.T, hub *recordingHub, n int) []broadcastCall {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if calls := hub.snapshot(); len(calls) >= n {
			return calls
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d broadcast calls, have %d", n, len(hub.snapshot()))
	return nil
}

func TestBridge_ForwardsEvents(t *testing.T) {
	hub := &recordingHub{}
	source := newFakeSource()
	bridge := NewBridge(hub, source, "events")
	defer bridge.Stop()

	if err := bridge.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if source.subject != "events.>" {
		t.Errorf("expected wildcard subscription events.>, got %q", source.subject)
	}

	source.messages <- SourceMessage{Subject: "events.t1.order.created", Data: []byte(`{"order_id":"o-1"}`)}
	source.messages <- SourceMessage{Subject: "events.t2.payment.confirmed", Data: []byte(`{}`)}

	calls := waitForCalls(t, hub, 2)

	if calls[0].tenantID != "t1" || calls[0].eventType != "order.created" {
		t.Errorf("first call misrouted: %+v", calls[0])
	}
	if calls[0].payload != `{"order_id":"o-1"}` {
		t.Errorf("payload not preserved: %s", calls[0].payload)
	}
	if calls[1].tenantID != "t2" || calls[1].eventType != "payment.confirmed" {
		t.Errorf("second call misrouted: %+v", calls[1])
	}
}

func TestBridge_DropsMalformedSubjects(t *testing.T) {
	hub := &recordingHub{}
	source := newFakeSource()
	bridge := NewBridge(hub, source, "events")
	defer bridge.Stop()

	if err := bridge.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Missing event type, missing tenant, wrong prefix: all dropped.
	source.messages <- SourceMessage{Subject: "events.t1", Data: []byte(`{}`)}
	source.messages <- SourceMessage{Subject: "events..order.created", Data: []byte(`{}`)}
	source.messages <- SourceMessage{Subject: "other.t1.order.created", Data: []byte(`{}`)}
	// Followed by one good message so we can detect completion.
	source.messages <- SourceMessage{Subject: "events.t1.order.created", Data: []byte(`{}`)}

	calls := waitForCalls(t, hub, 1)
	if len(calls) != 1 {
		t.Errorf("malformed subjects should be dropped, got calls: %+v", calls)
	}
}

func TestBridge_StopHaltsForwarding(t *testing.T) {
	hub := &recordingHub{}
	source := newFakeSource()
	bridge := NewBridge(hub, source, "events")

	if err := bridge.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	bridge.Stop()

	// Stop must be idempotent.
	bridge.Stop()
}

func TestBridge_StartIdempotent(t *testing.T) {
	hub := &recordingHub{}
	source := newFakeSource()
	bridge := NewBridge(hub, source, "events")
	defer bridge.Stop()

	if err := bridge.Start(context.Background()); err != nil {
		t.Fatalf("first Start failed: %v", err)
	}
	if err := bridge.Start(context.Background()); err != nil {
		t.Errorf("second Start should be a no-op: %v", err)
	}
}
