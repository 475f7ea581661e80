package server

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
)

var (
	// ErrSessionNotFound is returned for operations on ids never registered
	// (or already removed) where a no-op is not safe.
	ErrSessionNotFound = errors.New("session not found")

	// ErrUsernameAlreadySet is returned when a session attempts a second
	// identity handshake.
	ErrUsernameAlreadySet = errors.New("username already set")
)

// Registry is the shared directory of active sessions: the source of truth
// for "who is connected". Ids are monotonically assigned and never reused so
// a stale id can never alias a newer client.
type Registry struct {
	nextID   uint64 // Atomic counter, first issued id is 1
	mu       sync.RWMutex
	sessions map[uint64]*Session
	metrics  *Metrics
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[uint64]*Session),
	}
}

// SetMetrics attaches metrics to the registry.
func (r *Registry) SetMetrics(metrics *Metrics) {
	r.metrics = metrics
}

// Register creates a Session for the connection, assigns the next id and
// stores it. Never blocks on delivery I/O; safe to call concurrently with
// Remove and Snapshot.
func (r *Registry) Register(conn net.Conn, transport string) *Session {
	// Allocate session ID atomically (no lock needed)
	id := atomic.AddUint64(&r.nextID, 1)

	sess := &Session{
		ID:         id,
		Conn:       NewSafeConn(conn),
		RemoteAddr: conn.RemoteAddr().String(),
		Transport:  transport,
		state:      StateRegistering,
	}

	r.mu.Lock()
	r.sessions[id] = sess
	count := len(r.sessions)
	r.mu.Unlock()

	// Update metrics outside the lock
	if r.metrics != nil {
		r.metrics.RecordActiveSessions(count)
		r.metrics.RecordSessionCreated(transport)
	}

	return sess
}

// SetUsername records the display name once the client supplies it and
// transitions the session to ACTIVE. Fails if the id was never registered
// or the name was already set.
func (r *Registry) SetUsername(id uint64, username string) error {
	r.mu.RLock()
	sess, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return ErrSessionNotFound
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.state != StateRegistering {
		return ErrUsernameAlreadySet
	}
	sess.username = username
	sess.state = StateActive
	return nil
}

// Get returns a session by id.
func (r *Registry) Get(id uint64) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, ok := r.sessions[id]
	return sess, ok
}

// Username resolves the display name for an id. The second result is false
// for unknown ids and for sessions still in the identity handshake.
func (r *Registry) Username(id uint64) (string, bool) {
	r.mu.RLock()
	sess, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return "", false
	}

	sess.mu.RLock()
	defer sess.mu.RUnlock()
	if sess.state != StateActive {
		return "", false
	}
	return sess.username, true
}

// Remove takes a session out of the registry. Idempotent: removing an
// unknown id is a no-op. The first successful removal returns the session
// and true so the caller emits exactly one departure announcement.
func (r *Registry) Remove(id uint64) (*Session, bool) {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return nil, false
	}
	delete(r.sessions, id)
	count := len(r.sessions)
	r.mu.Unlock()

	sess.mu.Lock()
	sess.state = StateTerminated
	sess.mu.Unlock()

	if r.metrics != nil {
		r.metrics.RecordActiveSessions(count)
		r.metrics.RecordSessionRemoved()
	}

	return sess, true
}

// Snapshot returns a point-in-time copy of the active sessions, safe to
// iterate without holding the registry lock during delivery I/O. Sessions
// still in the identity handshake are excluded: they have no username yet
// and must not receive chat traffic.
func (r *Registry) Snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		if sess.Registered() {
			sessions = append(sessions, sess)
		}
	}
	return sessions
}

// All returns every session including ones mid-handshake. Used for shutdown.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	return sessions
}

// Count returns the number of currently connected sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.sessions)
}

// Clear removes every session without closing connections. Used by shutdown
// after the connections have been closed best-effort.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, sess := range r.sessions {
		sess.mu.Lock()
		sess.state = StateTerminated
		sess.mu.Unlock()
		delete(r.sessions, id)
	}

	if r.metrics != nil {
		r.metrics.RecordActiveSessions(0)
	}
}
