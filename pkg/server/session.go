package server

import (
	"sync"
)

// SessionState tracks where a session is in its lifecycle.
type SessionState int32

const (
	StateRegistering SessionState = iota // Waiting for the identity frame
	StateActive                          // Username set, receive loop running
	StateTerminated                      // Removed from the registry
)

// Session represents one connected client for the duration of one connection.
// A reconnect always produces a brand-new Session with a new ID.
type Session struct {
	ID         uint64    // Assigned by the registry, never reused
	Conn       *SafeConn // Connection with automatic write synchronization
	RemoteAddr string
	Transport  string // "tcp", "ws", or "ssh"

	mu       sync.RWMutex // Protects username and state
	username string       // Set exactly once, on registration
	state    SessionState
}

// Username returns the display name, empty until registration completes.
func (s *Session) Username() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.username
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Registered reports whether the identity handshake has completed.
func (s *Session) Registered() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state == StateActive
}
