package gateway

import (
	"sync"
	"time"
)

// ConnRegistry manages connected peers
type ConnRegistry struct {
	mu    sync.RWMutex
	conns map[string]*Conn
}

// NewConnRegistry creates a new connection registry
func NewConnRegistry() *ConnRegistry {
	return &ConnRegistry{
		conns: make(map[string]*Conn),
	}
}

// Add adds a connection to the registry
func (r *ConnRegistry) Add(conn *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.conns[conn.ID] = conn
}

// Remove removes a connection from the registry
func (r *ConnRegistry) Remove(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.conns, connID)
}

// Get retrieves a connection by ID
func (r *ConnRegistry) Get(connID string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, exists := r.conns[connID]
	return conn, exists
}

// GetAll returns all connections
func (r *ConnRegistry) GetAll() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*Conn, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	return conns
}

// Count returns the number of open connections
func (r *ConnRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.conns)
}

// Snapshot returns information about every open connection. resolve maps a
// connection id to its bound identifier.
func (r *ConnRegistry) Snapshot(resolve func(connID string) (string, bool)) []ConnInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now()
	infos := make([]ConnInfo, 0, len(r.conns))

	for _, conn := range r.conns {
		info := ConnInfo{
			ID:           conn.ID,
			ConnectedAt:  conn.ConnectedAt,
			LastActivity: conn.LastActivity,
			IPAddress:    conn.IPAddress,
			Idle:         now.Sub(conn.LastActivity) > 5*time.Minute,
		}
		if resolve != nil {
			info.DID, _ = resolve(conn.ID)
		}
		infos = append(infos, info)
	}

	return infos
}

// UpdateActivity updates the last activity time for a connection
func (r *ConnRegistry) UpdateActivity(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if conn, exists := r.conns[connID]; exists {
		conn.LastActivity = time.Now()
	}
}
