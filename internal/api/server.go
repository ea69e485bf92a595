// Package api exposes the hub's management surface over HTTP: event
// injection for backend services that do not speak NATS, tenant event
// history for late joiners, and operational stats.
package api

import (
	"context"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"orderhub/internal/journal"
)

// Broadcaster is the hub surface the API needs: fan an event out and
// report counters.
type Broadcaster interface {
	Broadcast(tenantID, eventType string, payload json.RawMessage) int
	Stats() map[string]int
}

// EventStore is the journal surface the API needs. May be nil when
// journaling is disabled; history and deep health checks then degrade.
type EventStore interface {
	Recent(ctx context.Context, tenantID string, limit int) ([]*journal.Event, error)
	HealthCheck(ctx context.Context) error
}

// Server handles the REST endpoints. It holds no state of its own beyond
// the start time used for uptime reporting.
type Server struct {
	broadcaster Broadcaster
	store       EventStore
	startedAt   time.Time
}

// NewServer creates the REST handler set. store may be nil.
func NewServer(broadcaster Broadcaster, store EventStore) *Server {
	return &Server{
		broadcaster: broadcaster,
		store:       store,
		startedAt:   time.Now(),
	}
}

// RegisterRoutes attaches all REST endpoints to the mux. Method checks
// live in the handlers so CORS preflight requests reach the middleware.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("/api/broadcast", s.middleware(http.HandlerFunc(s.handleBroadcast)))
	mux.Handle("/api/stats", s.middleware(http.HandlerFunc(s.handleStats)))
	mux.Handle("/api/tenants/{tenant}/events", s.middleware(http.HandlerFunc(s.handleTenantEvents)))
	mux.Handle("/health", s.middleware(http.HandlerFunc(s.handleHealth)))
}

// middleware applies CORS headers and the JSON content type to every
// endpoint.
func (s *Server) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

type broadcastRequest struct {
	TenantID  string          `json:"tenant_id"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
}

type broadcastResponse struct {
	TenantID  string `json:"tenant_id"`
	EventType string `json:"event_type"`
	Delivered int    `json:"delivered"`
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req broadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TenantID == "" {
		writeError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}
	if req.EventType == "" {
		writeError(w, http.StatusBadRequest, "event_type is required")
		return
	}

	delivered := s.broadcaster.Broadcast(req.TenantID, req.EventType, req.Payload)
	writeJSON(w, http.StatusOK, broadcastResponse{
		TenantID:  req.TenantID,
		EventType: req.EventType,
		Delivered: delivered,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	stats := s.broadcaster.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"connections":    stats,
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) handleTenantEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "event history is disabled")
		return
	}

	tenantID := r.PathValue("tenant")
	if tenantID == "" {
		writeError(w, http.StatusBadRequest, "tenant is required")
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	events, err := s.store.Recent(r.Context(), tenantID, limit)
	if err != nil {
		log.Printf("api: event history query failed for tenant %s: %v", tenantID, err)
		writeError(w, http.StatusInternalServerError, "failed to load events")
		return
	}
	if events == nil {
		events = []*journal.Event{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"tenant_id": tenantID,
		"events":    events,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	status := "healthy"
	code := http.StatusOK

	if s.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.store.HealthCheck(ctx); err != nil {
			log.Printf("api: health check failed: %v", err)
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}

	writeJSON(w, code, map[string]any{
		"status":         status,
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}
