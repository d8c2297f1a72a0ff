package api

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// connRegistry keeps one live websocket per user and session. A newer
// connection replaces the older one.
type connRegistry struct {
	mu     sync.RWMutex
	active map[string]map[string]*websocket.Conn
}

func newConnRegistry() *connRegistry {
	return &connRegistry{active: make(map[string]map[string]*websocket.Conn)}
}

func (m *connRegistry) register(userID, sessionID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.active[userID]; !ok {
		m.active[userID] = make(map[string]*websocket.Conn)
	}
	if existing, ok := m.active[userID][sessionID]; ok && existing != conn {
		_ = existing.Close(websocket.StatusNormalClosure, "session replaced")
	}
	m.active[userID][sessionID] = conn
	slog.Info("Session socket registered", "user_id", userID, "session_id", sessionID)
}

func (m *connRegistry) unregister(userID, sessionID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sessions, ok := m.active[userID]
	if !ok {
		return
	}
	if current, ok := sessions[sessionID]; ok && current == conn {
		delete(sessions, sessionID)
		if len(sessions) == 0 {
			delete(m.active, userID)
		}
		slog.Info("Session socket unregistered", "user_id", userID, "session_id", sessionID)
	}
}

// closeAll terminates every live connection.
func (m *connRegistry) closeAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for userID, sessions := range m.active {
		for _, conn := range sessions {
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		}
		delete(m.active, userID)
	}
}

func (m *connRegistry) count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, sessions := range m.active {
		n += len(sessions)
	}
	return n
}
