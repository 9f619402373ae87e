package session

import (
	"sync"

	"github.com/rs/zerolog"
)

// Manager maps connection ids to identifiers and back
type Manager struct {
	mu     sync.RWMutex
	byConn map[string]string
	byDID  map[string]string
	logger zerolog.Logger
}

// NewManager creates an empty session manager
func NewManager(logger zerolog.Logger) *Manager {
	return &Manager{
		byConn: make(map[string]string),
		byDID:  make(map[string]string),
		logger: logger,
	}
}

// Bind associates connID with did. A later bind on the same connection
// overwrites the earlier one.
func (m *Manager) Bind(connID, did string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if previous, ok := m.byConn[connID]; ok && previous != did {
		if m.byDID[previous] == connID {
			delete(m.byDID, previous)
		}
	}
	m.byConn[connID] = did
	m.byDID[did] = connID

	m.logger.Debug().Str("connId", connID).Str("did", did).Msg("Session bound")
}

// Resolve returns the identifier bound to connID
func (m *Manager) Resolve(connID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	did, ok := m.byConn[connID]
	return did, ok
}

// Unbind forgets connID. The reverse entry is only dropped if it still points
// at this connection.
func (m *Manager) Unbind(connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	did, ok := m.byConn[connID]
	if !ok {
		return
	}
	delete(m.byConn, connID)
	if m.byDID[did] == connID {
		delete(m.byDID, did)
	}

	m.logger.Debug().Str("connId", connID).Str("did", did).Msg("Session released")
}

// Connection returns the connection currently tracked for did
func (m *Manager) Connection(did string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	connID, ok := m.byDID[did]
	return connID, ok
}

// Connected reports whether did has a live connection
func (m *Manager) Connected(did string) bool {
	_, ok := m.Connection(did)
	return ok
}

// ConnectedCount returns the number of bound connections
func (m *Manager) ConnectedCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byConn)
}
