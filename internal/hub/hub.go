package hub

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"orderhub/internal/metrics"
	"orderhub/pkg/protocol"
)

// EventSink receives a record of every broadcast, for audit and
// late-joiner catch-up. Sink failures are logged, never propagated:
// delivery to live connections does not depend on the journal.
type EventSink interface {
	Record(ctx context.Context, tenantID, eventType string, payload json.RawMessage) error
}

// Hub is the broadcast router and the owner of the registry-wide
// staleness sweep. Broadcast is the hub's entire public surface toward
// the business layer: "deliver event E to every live connection of
// tenant T".
type Hub struct {
	registry *Registry
	sink     EventSink // may be nil

	sweepInterval time.Duration
	staleAfter    time.Duration

	mu       sync.Mutex
	running  bool
	stopCh   chan struct{}
	stopped  chan struct{}
}

// NewHub creates a hub over the given registry. sink may be nil to
// disable event journaling.
func NewHub(registry *Registry, sink EventSink, sweepInterval, staleAfter time.Duration) *Hub {
	return &Hub{
		registry:      registry,
		sink:          sink,
		sweepInterval: sweepInterval,
		staleAfter:    staleAfter,
		stopCh:        make(chan struct{}),
		stopped:       make(chan struct{}),
	}
}

// Registry exposes the hub's registry to the connection handler.
func (h *Hub) Registry() *Registry {
	return h.registry
}

// Start launches the periodic staleness sweep. The sweep is the backstop
// for connections whose per-connection heartbeat logic failed to fire.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running {
		return ErrHubAlreadyRunning
	}
	h.running = true

	go h.sweepLoop(ctx)
	return nil
}

func (h *Hub) sweepLoop(ctx context.Context) {
	defer close(h.stopped)

	ticker := time.NewTicker(h.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stale := h.registry.Sweep(time.Now().Add(-h.staleAfter))
			for _, conn := range stale {
				log.Printf("hub: evicting stale connection %s (tenant=%s, last liveness %v)",
					conn.ID(), conn.TenantID(), conn.LastLiveness())
				conn.CloseWithCode(protocol.CloseHeartbeatTimeout, protocol.CloseText(protocol.CloseHeartbeatTimeout))
				metrics.EvictionsTotal.WithLabelValues(metrics.ReasonStaleSweep).Inc()
			}

		case <-h.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Broadcast fans an event out to every live connection of a tenant and
// returns the number of connections the frame was queued for. Connections
// that fail to accept the frame (closed, or send buffer full because the
// client is not draining) are pruned from the registry after the pass;
// registry mutation is a documented side effect of broadcast. One bad
// connection never aborts delivery to the rest, and broadcasting to a
// tenant with no connections is a harmless no-op.
func (h *Hub) Broadcast(tenantID, eventType string, payload json.RawMessage) int {
	metrics.BroadcastsTotal.Inc()

	if h.sink != nil {
		if err := h.sink.Record(context.Background(), tenantID, eventType, payload); err != nil {
			log.Printf("hub: journal record failed for tenant %s: %v", tenantID, err)
		}
	}

	conns := h.registry.TenantConnections(tenantID)
	if len(conns) == 0 {
		return 0
	}

	data, err := protocol.Encode(protocol.NewEvent(tenantID, eventType, payload))
	if err != nil {
		log.Printf("hub: failed to encode event %s for tenant %s: %v", eventType, tenantID, err)
		return 0
	}

	delivered := 0
	var dead []*Connection
	for _, conn := range conns {
		if err := conn.TrySend(data); err != nil {
			dead = append(dead, conn)
			continue
		}
		delivered++
	}

	for _, conn := range dead {
		log.Printf("hub: pruning connection %s during broadcast (tenant=%s)", conn.ID(), tenantID)
		h.registry.Unregister(conn)
		conn.teardown()
		metrics.EvictionsTotal.WithLabelValues(metrics.ReasonSendFailure).Inc()
	}

	metrics.EventsDelivered.Add(float64(delivered))
	return delivered
}

// Shutdown drains the hub: every registered connection is closed with the
// server-shutdown code so clients can tell a deliberate restart from a
// network failure, then the sweep loop is stopped.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	h.mu.Unlock()

	for _, conn := range h.registry.All() {
		h.registry.Unregister(conn)
		conn.CloseWithCode(protocol.CloseServerShutdown, protocol.CloseText(protocol.CloseServerShutdown))
		metrics.EvictionsTotal.WithLabelValues(metrics.ReasonShutdown).Inc()
	}

	close(h.stopCh)

	select {
	case <-h.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns hub counters for the stats endpoint.
func (h *Hub) Stats() map[string]int {
	return h.registry.Stats()
}
