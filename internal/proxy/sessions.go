// Package proxy implements the intercepting bridge between an agent on
// stdio and a target tool server subprocess: session lifecycle, the guard
// pipeline, blocker approvals, response caps, and step recording.
package proxy

import (
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/josephwibowo/mantora/internal/db"
)

// sessionManager owns the bridge's current session. One bridge serves one
// agent connection, so a single current session plus idle rotation is the
// whole state machine.
type sessionManager struct {
	store       *db.DB
	logger      *log.Logger
	idleTimeout time.Duration
	clientID    string
	context     *db.SessionContext

	mu        sync.Mutex
	currentID string
}

func newSessionManager(store *db.DB, logger *log.Logger, idleTimeout time.Duration, clientID string, context *db.SessionContext) *sessionManager {
	return &sessionManager{
		store:       store,
		logger:      logger.WithPrefix("session"),
		idleTimeout: idleTimeout,
		clientID:    clientID,
		context:     context,
	}
}

// Start creates a new session and makes it current.
func (m *sessionManager) Start(title string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startLocked(title)
}

func (m *sessionManager) startLocked(title string) (string, error) {
	session, err := m.store.CreateSession(title, m.context, m.clientID)
	if err != nil {
		return "", fmt.Errorf("creating session: %w", err)
	}
	m.currentID = session.ID
	m.logger.Info("session started", "session_id", session.ID, "title", title)
	return session.ID, nil
}

// End clears the current session if sessionID matches it. Returns whether
// anything was ended. The session record itself stays in the store.
func (m *sessionManager) End(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sessionID == "" || sessionID != m.currentID {
		return false
	}
	m.currentID = ""
	m.logger.Info("session ended", "session_id", sessionID)
	return true
}

// Current returns the current session ID, or "" when none is active.
func (m *sessionManager) Current() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentID
}

// Ensure returns a usable current session, creating or rotating as needed.
// A session whose record vanished from the store is replaced by a recovery
// session; a session idle past the timeout rotates to a fresh one.
func (m *sessionManager) Ensure() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.currentID == "" {
		return m.startLocked("")
	}

	exists, err := m.store.SessionExists(m.currentID)
	if err != nil {
		return "", fmt.Errorf("checking session: %w", err)
	}
	if !exists {
		m.logger.Warn("current session missing from store, recovering", "session_id", m.currentID)
		return m.startLocked("Recovered Session")
	}

	if m.idleTimeout > 0 {
		lastActive, err := m.store.GetLastActiveAt(m.currentID)
		if err != nil {
			return "", fmt.Errorf("checking session activity: %w", err)
		}
		if time.Since(lastActive) > m.idleTimeout {
			m.logger.Info("session idle past timeout, rotating",
				"session_id", m.currentID, "idle_timeout", m.idleTimeout)
			return m.startLocked("")
		}
	}

	return m.currentID, nil
}
