package hub

import (
	"sync"
	"time"
)

type userKey struct {
	tenantID string
	userID   string
}

// Registry is the sole authority on which connections are live for
// broadcast purposes. It maintains two indices under one lock, by
// connection ID for O(1) teardown and by tenant for fan-out, which are
// always mutually consistent: no partial update is ever observable.
//
// Admission is atomic with authentication: a connection enters the tenant
// index in the same critical section that marks it authenticated, so the
// invariant "in tenant index iff authenticated" holds for every reader.
type Registry struct {
	mu         sync.RWMutex
	byID       map[string]*Connection
	byTenant   map[string]map[string]*Connection // tenantID -> connectionID -> conn
	userCounts map[userKey]int

	maxPerTenant int // 0 disables the cap
	maxPerUser   int // 0 disables the cap
}

// NewRegistry creates an empty registry with the given connection caps.
func NewRegistry(maxPerTenant, maxPerUser int) *Registry {
	return &Registry{
		byID:         make(map[string]*Connection),
		byTenant:     make(map[string]map[string]*Connection),
		userCounts:   make(map[userKey]int),
		maxPerTenant: maxPerTenant,
		maxPerUser:   maxPerUser,
	}
}

// Register admits a verified connection under the given identity. Cap
// checks, the authenticated-state transition, and insertion into both
// indices happen in one critical section.
func (r *Registry) Register(conn *Connection, tenantID, userID string) error {
	if conn == nil {
		return ErrNilConnection
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[conn.ID()]; exists {
		return ErrAlreadyRegistered
	}

	if r.maxPerTenant > 0 && len(r.byTenant[tenantID]) >= r.maxPerTenant {
		return ErrTenantCapacityReached
	}

	key := userKey{tenantID, userID}
	if r.maxPerUser > 0 && r.userCounts[key] >= r.maxPerUser {
		return ErrUserCapacityReached
	}

	conn.markAuthenticated(tenantID, userID)

	r.byID[conn.ID()] = conn
	if r.byTenant[tenantID] == nil {
		r.byTenant[tenantID] = make(map[string]*Connection)
	}
	r.byTenant[tenantID][conn.ID()] = conn
	r.userCounts[key]++

	return nil
}

// Unregister removes a connection from both indices. Idempotent: removing
// a connection that was never admitted, or was already removed, is a no-op.
// Only the exact registered instance is removed, so a stale teardown can
// never evict a newer connection reusing state.
func (r *Registry) Unregister(conn *Connection) {
	if conn == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(conn)
}

func (r *Registry) removeLocked(conn *Connection) {
	registered, exists := r.byID[conn.ID()]
	if !exists || registered != conn {
		return
	}

	delete(r.byID, conn.ID())

	tenantID := conn.TenantID()
	userID := conn.UserID()

	if conns := r.byTenant[tenantID]; conns != nil {
		delete(conns, conn.ID())
		if len(conns) == 0 {
			delete(r.byTenant, tenantID)
		}
	}

	key := userKey{tenantID, userID}
	if r.userCounts[key] > 1 {
		r.userCounts[key]--
	} else {
		delete(r.userCounts, key)
	}
}

// Get returns a connection by ID.
func (r *Registry) Get(connectionID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, exists := r.byID[connectionID]
	return conn, exists
}

// TenantConnections returns a snapshot of all live connections for a
// tenant. Callers must not depend on ordering between sibling connections.
func (r *Registry) TenantConnections(tenantID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*Connection, 0, len(r.byTenant[tenantID]))
	for _, conn := range r.byTenant[tenantID] {
		conns = append(conns, conn)
	}
	return conns
}

// All returns a snapshot of every registered connection, used for
// shutdown drains.
func (r *Registry) All() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*Connection, 0, len(r.byID))
	for _, conn := range r.byID {
		conns = append(conns, conn)
	}
	return conns
}

// Sweep removes and returns every connection whose last heartbeat response
// is older than staleBefore. The caller closes the returned connections;
// removal itself is atomic per connection.
func (r *Registry) Sweep(staleBefore time.Time) []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	var stale []*Connection
	for _, conn := range r.byID {
		if conn.LastLiveness().Before(staleBefore) {
			stale = append(stale, conn)
		}
	}
	for _, conn := range stale {
		r.removeLocked(conn)
	}
	return stale
}

// UserCount reports the live connection count for one user in a tenant.
func (r *Registry) UserCount(tenantID, userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.userCounts[userKey{tenantID, userID}]
}

// Stats returns registry counters for monitoring.
func (r *Registry) Stats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return map[string]int{
		"total_connections": len(r.byID),
		"active_tenants":    len(r.byTenant),
	}
}
