package noise

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/WebFirstLanguage/meshwire/internal/logging"
	"github.com/WebFirstLanguage/meshwire/pkg/constants"
)

// Facade is the session collaborator the security layer drives
type Facade interface {
	// ProcessHandshake consumes one handshake message from peerID and returns
	// the reply to send back, or nil when there is nothing to send
	ProcessHandshake(peerID string, message, localPriv, localPub []byte) ([]byte, error)
	Encrypt(peerID string, data []byte) ([]byte, error)
	Decrypt(peerID string, data []byte) ([]byte, error)
	HasEstablishedSession(peerID string) bool
	RemoteStaticKey(peerID string) []byte
	RemoveSession(peerID string)
	ClearAll()
}

// Config configures a SessionManager
type Config struct {
	// LocalPeerID breaks ties when both sides initiate at once
	LocalPeerID string
	Now         func() time.Time
	Logger      logrus.FieldLogger
}

// SessionManager keeps one Noise session per peer
type SessionManager struct {
	mu       sync.RWMutex
	localID  string
	sessions map[string]*Session
	now      func() time.Time
	logger   logrus.FieldLogger
}

var _ Facade = (*SessionManager)(nil)

// NewSessionManager creates an empty session table
func NewSessionManager(cfg Config) *SessionManager {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &SessionManager{
		localID:  cfg.LocalPeerID,
		sessions: make(map[string]*Session),
		now:      cfg.Now,
		logger:   logging.Component(cfg.Logger, "noise"),
	}
}

// InitiateHandshake starts a fresh XX handshake with peerID, replacing any
// existing session, and returns the first message
func (m *SessionManager) InitiateHandshake(peerID string, localPriv, localPub []byte) ([]byte, error) {
	session, err := newSession(peerID, true, localPriv, localPub, m.now())
	if err != nil {
		return nil, err
	}
	msg, err := session.start()
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessions[peerID] = session
	m.mu.Unlock()

	m.logger.WithField("peer", peerID).Debug("Initiated handshake")
	return msg, nil
}

// ProcessHandshake implements Facade. A first XX message always starts a
// responder session unless this side is mid-initiation and wins the
// tie-break (lower peer ID keeps the initiator role). Failed handshakes drop
// the session.
func (m *SessionManager) ProcessHandshake(peerID string, message, localPriv, localPub []byte) ([]byte, error) {
	log := m.logger.WithField("peer", peerID)

	m.mu.Lock()
	session := m.sessions[peerID]
	if len(message) == constants.NoiseXXFirstMessageSize {
		if session != nil && session.IsInitiator() && session.State() == StateHandshaking &&
			m.localID != "" && m.localID < peerID {
			m.mu.Unlock()
			log.Debug("Ignoring simultaneous handshake initiation, keeping initiator role")
			return nil, nil
		}

		fresh, err := newSession(peerID, false, localPriv, localPub, m.now())
		if err != nil {
			m.mu.Unlock()
			return nil, err
		}
		if session != nil {
			log.WithField("previous_state", session.State()).Debug("Replacing session with new responder")
		}
		session = fresh
		m.sessions[peerID] = session
	}
	m.mu.Unlock()

	if session == nil {
		return nil, ErrNoSession
	}

	reply, err := session.step(message)
	if err != nil {
		m.dropIf(peerID, session)
		log.WithError(err).Warn("Handshake failed")
		return nil, err
	}

	if session.State() == StateEstablished {
		log.Info("Noise session established")
	}
	return reply, nil
}

func (m *SessionManager) dropIf(peerID string, session *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[peerID] == session {
		delete(m.sessions, peerID)
	}
}

func (m *SessionManager) session(peerID string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[peerID]
}

// Encrypt implements Facade
func (m *SessionManager) Encrypt(peerID string, data []byte) ([]byte, error) {
	session := m.session(peerID)
	if session == nil {
		return nil, ErrNoSession
	}
	return session.Encrypt(data)
}

// Decrypt implements Facade
func (m *SessionManager) Decrypt(peerID string, data []byte) ([]byte, error) {
	session := m.session(peerID)
	if session == nil {
		return nil, ErrNoSession
	}
	plaintext, err := session.Decrypt(data)
	if err != nil && errors.Is(err, ErrReplay) {
		m.logger.WithField("peer", peerID).Warn("Rejected replayed transport message")
	}
	return plaintext, err
}

// HasEstablishedSession implements Facade
func (m *SessionManager) HasEstablishedSession(peerID string) bool {
	session := m.session(peerID)
	return session != nil && session.State() == StateEstablished
}

// RemoteStaticKey implements Facade
func (m *SessionManager) RemoteStaticKey(peerID string) []byte {
	session := m.session(peerID)
	if session == nil {
		return nil
	}
	return session.RemoteStaticKey()
}

// HandshakeHash returns the channel binding of an established session
func (m *SessionManager) HandshakeHash(peerID string) []byte {
	session := m.session(peerID)
	if session == nil {
		return nil
	}
	return session.HandshakeHash()
}

// SessionState returns the state of the session with peerID
func (m *SessionManager) SessionState(peerID string) State {
	session := m.session(peerID)
	if session == nil {
		return StateUninitialized
	}
	return session.State()
}

// SessionsNeedingRekey lists established sessions past their rekey limits
func (m *SessionManager) SessionsNeedingRekey() []string {
	now := m.now()

	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids []string
	for id, session := range m.sessions {
		if session.NeedsRekey(now) {
			ids = append(ids, id)
		}
	}
	return ids
}

// RemoveSession implements Facade
func (m *SessionManager) RemoveSession(peerID string) {
	m.mu.Lock()
	delete(m.sessions, peerID)
	m.mu.Unlock()
}

// ClearAll implements Facade
func (m *SessionManager) ClearAll() {
	m.mu.Lock()
	clear(m.sessions)
	m.mu.Unlock()
}
