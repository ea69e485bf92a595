package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := Open(path, 5*time.Second)
	if err != nil {
		t.Fatalf("failed to open journal: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestJournal_RecordAndRecent(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	payloads := []string{
		`{"order_id":"o-1"}`,
		`{"order_id":"o-2"}`,
		`{"order_id":"o-3"}`,
	}
	for i, p := range payloads {
		if err := j.Record(ctx, "t1", "order.created", json.RawMessage(p)); err != nil {
			t.Fatalf("Record %d failed: %v", i, err)
		}
		time.Sleep(5 * time.Millisecond) // distinct timestamps for ordering
	}
	if err := j.Record(ctx, "t2", "payment.confirmed", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Record for second tenant failed: %v", err)
	}

	events, err := j.Recent(ctx, "t1", 10)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events for t1, got %d", len(events))
	}

	// Most recent first; tenant isolation holds.
	if string(events[0].Payload) != payloads[2] {
		t.Errorf("expected newest event first, got %s", events[0].Payload)
	}
	for _, event := range events {
		if event.TenantID != "t1" {
			t.Errorf("tenant t2 event leaked into t1 query: %+v", event)
		}
		if event.ID == "" {
			t.Error("event missing generated ID")
		}
	}
}

func TestJournal_RecentHonorsLimit(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := j.Record(ctx, "t1", "order.updated", nil); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}

	events, err := j.Recent(ctx, "t1", 2)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(events) != 2 {
		t.Errorf("expected limit of 2 events, got %d", len(events))
	}
}

func TestJournal_RecentEmptyTenant(t *testing.T) {
	j := openTestJournal(t)

	events, err := j.Recent(context.Background(), "unknown", 10)
	if err != nil {
		t.Fatalf("Recent on empty tenant should not fail: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("expected no events, got %d", len(events))
	}
}

func TestJournal_NilPayloadStored(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	if err := j.Record(ctx, "t1", "kitchen.ready", nil); err != nil {
		t.Fatalf("Record with nil payload failed: %v", err)
	}

	events, err := j.Recent(ctx, "t1", 1)
	if err != nil || len(events) != 1 {
		t.Fatalf("Recent failed: %v (%d events)", err, len(events))
	}
	if string(events[0].Payload) != "{}" {
		t.Errorf("nil payload should be stored as empty object, got %s", events[0].Payload)
	}
}

func TestJournal_Prune(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	if err := j.Record(ctx, "t1", "order.created", nil); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	removed, err := j.Prune(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("expected 1 pruned event, got %d", removed)
	}

	events, err := j.Recent(ctx, "t1", 10)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("expected journal empty after prune, got %d events", len(events))
	}
}

func TestJournal_HealthCheck(t *testing.T) {
	j := openTestJournal(t)
	if err := j.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck on open journal failed: %v", err)
	}
}

func TestJournal_CloseIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := Open(path, time.Second)
	if err != nil {
		t.Fatalf("failed to open journal: %v", err)
	}

	if err := j.Close(); err != nil {
		t.Errorf("first Close failed: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Errorf("second Close should be a no-op: %v", err)
	}

	if err := j.Record(context.Background(), "t1", "order.created", nil); err == nil {
		t.Error("Record after Close should fail")
	}
}
