package websocket

import (
	"log"
	"sync"
)

// Registry tracks live exam client channels
// ARCHITECTURAL DISCOVERY: Pure connection tracking without business logic;
// lookups by token serve instruction routing, lookups by exam serve stats
type Registry struct {
	mu          sync.RWMutex
	connections map[string]*Connection           // connectionToken -> Connection
	exams       map[int64]map[string]*Connection // examID -> connectionToken -> Connection
}

// NewRegistry creates a new connection registry
func NewRegistry() *Registry {
	return &Registry{
		connections: make(map[string]*Connection),
		exams:       make(map[int64]map[string]*Connection),
	}
}

// RegisterConnection adds an authenticated connection. A client reconnecting
// with the same token replaces its previous channel.
func (r *Registry) RegisterConnection(conn *Connection) error {
	if conn == nil {
		return ErrNilConnection
	}
	if !conn.IsAuthenticated() {
		return ErrConnectionNotAuthenticated
	}

	token := conn.GetConnectionToken()
	examID := conn.GetExamID()

	r.mu.Lock()
	defer r.mu.Unlock()

	// FUNCTIONAL DISCOVERY: Close the replaced channel asynchronously so the
	// registry lock is never held across socket I/O
	if existing, exists := r.connections[token]; exists && existing != conn {
		go func() {
			if err := existing.Close(); err != nil {
				log.Printf("Failed to close replaced connection: token=%s error=%v", token, err)
			}
		}()
	}

	r.connections[token] = conn
	if r.exams[examID] == nil {
		r.exams[examID] = make(map[string]*Connection)
	}
	r.exams[examID][token] = conn

	return nil
}

// UnregisterConnection removes the connection if it is still the registered
// one for its token. Reports whether it was removed.
func (r *Registry) UnregisterConnection(conn *Connection) bool {
	if conn == nil {
		return false
	}

	token := conn.GetConnectionToken()
	r.mu.Lock()
	defer r.mu.Unlock()

	// RACE CONDITION FIX: an old channel must not unregister its replacement
	if registered, exists := r.connections[token]; !exists || registered != conn {
		return false
	}

	delete(r.connections, token)
	examID := conn.GetExamID()
	if conns, exists := r.exams[examID]; exists {
		delete(conns, token)
		if len(conns) == 0 {
			delete(r.exams, examID)
		}
	}
	return true
}

// GetConnection returns the live channel for a connection token
func (r *Registry) GetConnection(connectionToken string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, exists := r.connections[connectionToken]
	return conn, exists
}

// ConnectionTokens lists the tokens of every live channel
func (r *Registry) ConnectionTokens() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tokens := make([]string, 0, len(r.connections))
	for token := range r.connections {
		tokens = append(tokens, token)
	}
	return tokens
}

// GetExamConnections returns the live channels of one exam
func (r *Registry) GetExamConnections(examID int64) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var connections []*Connection
	for _, conn := range r.exams[examID] {
		connections = append(connections, conn)
	}
	return connections
}

// GetStats returns registry statistics for monitoring
func (r *Registry) GetStats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return map[string]int{
		"total_connections": len(r.connections),
		"active_exams":      len(r.exams),
	}
}
