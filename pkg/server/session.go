package server

import (
	"sync"
	"sync/atomic"

	"github.com/fernwood/parley/pkg/database"
	"github.com/fernwood/parley/pkg/protocol"
)

// Session represents an active client connection. A session starts
// unauthenticated; user is set exactly once on successful login and the
// session stays authenticated until the connection closes.
type Session struct {
	ID   uint64
	Conn *protocol.Conn

	mu      sync.RWMutex
	user    *database.User // nil until authenticated
	channel string         // current channel name, "" when none
}

// User returns the authenticated user, or nil.
func (s *Session) User() *database.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user
}

// SetUser marks the session authenticated.
func (s *Session) SetUser(u *database.User) {
	s.mu.Lock()
	s.user = u
	s.mu.Unlock()
}

// Username returns the authenticated username, or "" when unauthenticated.
func (s *Session) Username() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return ""
	}
	return s.user.Username
}

// Channel returns the name of the channel the session is in, or "".
func (s *Session) Channel() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.channel
}

func (s *Session) setChannel(name string) {
	s.mu.Lock()
	s.channel = name
	s.mu.Unlock()
}

// SessionManager tracks all live sessions.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[uint64]*Session
	nextID   uint64
	metrics  *Metrics
}

// NewSessionManager creates a new session manager
func NewSessionManager() *SessionManager {
	return &SessionManager{
		sessions: make(map[uint64]*Session),
		nextID:   1,
	}
}

// SetMetrics attaches metrics to the session manager
func (sm *SessionManager) SetMetrics(metrics *Metrics) {
	sm.metrics = metrics
}

// CreateSession registers a new unauthenticated session for conn.
func (sm *SessionManager) CreateSession(conn *protocol.Conn) *Session {
	sessionID := atomic.AddUint64(&sm.nextID, 1) - 1

	sess := &Session{
		ID:   sessionID,
		Conn: conn,
	}

	sm.mu.Lock()
	sm.sessions[sessionID] = sess
	count := len(sm.sessions)
	sm.mu.Unlock()

	if sm.metrics != nil {
		sm.metrics.RecordActiveSessions(count)
		sm.metrics.RecordSessionCreated()
	}

	return sess
}

// GetSession returns a session by ID
func (sm *SessionManager) GetSession(sessionID uint64) (*Session, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	sess, ok := sm.sessions[sessionID]
	return sess, ok
}

// FindByUsername returns the session authenticated as username, if any.
func (sm *SessionManager) FindByUsername(username string) (*Session, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	for _, sess := range sm.sessions {
		if sess.Username() == username {
			return sess, true
		}
	}
	return nil, false
}

// GetAllSessions returns all active sessions
func (sm *SessionManager) GetAllSessions() []*Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	sessions := make([]*Session, 0, len(sm.sessions))
	for _, sess := range sm.sessions {
		sessions = append(sessions, sess)
	}
	return sessions
}

// RemoveSession removes a session and closes its connection.
func (sm *SessionManager) RemoveSession(sessionID uint64) {
	sm.mu.Lock()
	sess, ok := sm.sessions[sessionID]
	if ok {
		delete(sm.sessions, sessionID)
	}
	count := len(sm.sessions)
	sm.mu.Unlock()

	if !ok {
		return
	}

	sess.Conn.Close()

	if sm.metrics != nil {
		sm.metrics.RecordActiveSessions(count)
		sm.metrics.RecordSessionDisconnected()
	}
}

// CountOnline returns the number of authenticated sessions.
func (sm *SessionManager) CountOnline() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	count := 0
	for _, sess := range sm.sessions {
		if sess.User() != nil {
			count++
		}
	}
	return count
}

// CloseAll closes every session connection.
func (sm *SessionManager) CloseAll() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	for id, sess := range sm.sessions {
		sess.Conn.Close()
		delete(sm.sessions, id)
	}
}
