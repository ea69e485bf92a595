package ingest

import (
	"context"
	"log"
	"strings"
	"sync"

	"github.com/goccy/go-json"
)

// Broadcaster is the hub surface the bridge needs: fan one event out to a
// tenant's connections.
type Broadcaster interface {
	Broadcast(tenantID, eventType string, payload json.RawMessage) int
}

// SourceMessage is one message pulled from the event stream.
type SourceMessage struct {
	Subject string
	Data    []byte
}

// MessageSource abstracts the broker so the bridge can be driven by a
// real NATS connection in production and an in-memory fake in tests.
type MessageSource interface {
	// Subscribe subscribes to a subject pattern and returns a channel of
	// messages. The channel closes when the source shuts down.
	Subscribe(ctx context.Context, subject string) (<-chan SourceMessage, error)
	// Close releases broker resources.
	Close() error
}

// Bridge forwards business-layer events from the broker to the hub.
// The application publishes to "<prefix>.<tenant_id>.<event_type>";
// the bridge subscribes to the prefix wildcard, parses tenant and event
// type from the subject, and calls Broadcast. Malformed subjects are
// dropped with a log line; a bad publisher must not stall the stream.
type Bridge struct {
	hub    Broadcaster
	source MessageSource
	prefix string

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewBridge creates an event bridge over the given source.
func NewBridge(hub Broadcaster, source MessageSource, prefix string) *Bridge {
	return &Bridge{
		hub:    hub,
		source: source,
		prefix: prefix,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start subscribes to the event stream and begins forwarding.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = true
	b.mu.Unlock()

	messages, err := b.source.Subscribe(ctx, b.prefix+".>")
	if err != nil {
		return err
	}

	go b.process(ctx, messages)

	log.Printf("ingest: bridge subscribed to %s.>", b.prefix)
	return nil
}

func (b *Bridge) process(ctx context.Context, messages <-chan SourceMessage) {
	defer close(b.doneCh)

	for {
		select {
		case msg, ok := <-messages:
			if !ok {
				return
			}
			b.forward(msg)

		case <-b.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (b *Bridge) forward(msg SourceMessage) {
	tenantID, eventType, ok := b.parseSubject(msg.Subject)
	if !ok {
		log.Printf("ingest: dropping message with malformed subject %q", msg.Subject)
		return
	}
	b.hub.Broadcast(tenantID, eventType, msg.Data)
}

// parseSubject splits "<prefix>.<tenant_id>.<event_type...>" into its
// parts. Event types may themselves be dotted ("order.created"), so
// everything after the tenant token belongs to the event type.
func (b *Bridge) parseSubject(subject string) (tenantID, eventType string, ok bool) {
	rest, found := strings.CutPrefix(subject, b.prefix+".")
	if !found {
		return "", "", false
	}

	parts := strings.SplitN(rest, ".", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// Stop halts forwarding and waits for the worker to exit.
func (b *Bridge) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	b.mu.Unlock()

	close(b.stopCh)
	<-b.doneCh
}
