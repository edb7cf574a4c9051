// Package security enforces at-most-once processing of mesh packets and
// forms the boundary to the Noise session layer.
//
// Every accepted packet is identified by "<peer>_<timestamp>_<type>".
// ANNOUNCE packets may legitimately repeat, so they are only suppressed
// within a 60 second window; every other type is processed once per
// identity for as long as the identity is tracked (5 minutes, at most 5,000
// entries). Signatures are checked when present but never cause rejection
// here; the outcome is reported to the Delegate.
package security

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/WebFirstLanguage/meshwire/internal/logging"
	"github.com/WebFirstLanguage/meshwire/pkg/constants"
	"github.com/WebFirstLanguage/meshwire/pkg/noise"
	"github.com/WebFirstLanguage/meshwire/pkg/wire"
)

// Delegate receives signature verification outcomes
type Delegate interface {
	// OnSignatureVerification reports the result of checking a signature
	// against the sender's known signing key
	OnSignatureVerification(peerID string, valid bool)
	// OnSignatureVerificationAttempted reports a signed packet from a peer
	// whose signing key is not known yet
	OnSignatureVerificationAttempted(peerID string, signature []byte)
}

// KeyLookup resolves a peer's Ed25519 signing key
type KeyLookup interface {
	SigningPublicKey(peerID string) ([]byte, bool)
}

// Config configures a Manager
type Config struct {
	LocalPeerID string
	Noise       noise.Facade
	Keys        KeyLookup
	Delegate    Delegate
	Now         func() time.Time
	Logger      logrus.FieldLogger

	AnnounceWindow  time.Duration
	MaxAnnounces    int
	MessageWindow   time.Duration
	MaxMessages     int
	CleanupInterval time.Duration
}

// Manager tracks processed message identities and drives Noise sessions
type Manager struct {
	localID     string
	localIDWire wire.PeerID
	noise       noise.Facade
	keys        KeyLookup
	now         func() time.Time
	log         logrus.FieldLogger

	announceWindow  time.Duration
	maxAnnounces    int
	messageWindow   time.Duration
	maxMessages     int
	cleanupInterval time.Duration

	mu        sync.Mutex
	delegate  Delegate
	announces map[string]time.Time
	processed map[string]time.Time
}

// NewManager creates a security manager
func NewManager(cfg Config) *Manager {
	m := &Manager{
		localID:         cfg.LocalPeerID,
		localIDWire:     wire.PeerIDFromHex(cfg.LocalPeerID),
		noise:           cfg.Noise,
		keys:            cfg.Keys,
		delegate:        cfg.Delegate,
		now:             cfg.Now,
		log:             logging.Component(cfg.Logger, "security"),
		announceWindow:  cfg.AnnounceWindow,
		maxAnnounces:    cfg.MaxAnnounces,
		messageWindow:   cfg.MessageWindow,
		maxMessages:     cfg.MaxMessages,
		cleanupInterval: cfg.CleanupInterval,
		announces:       make(map[string]time.Time),
		processed:       make(map[string]time.Time),
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.announceWindow <= 0 {
		m.announceWindow = constants.AnnounceDedupWindow
	}
	if m.maxAnnounces <= 0 {
		m.maxAnnounces = constants.MaxTrackedAnnounces
	}
	if m.messageWindow <= 0 {
		m.messageWindow = constants.MessageDedupWindow
	}
	if m.maxMessages <= 0 {
		m.maxMessages = constants.MaxProcessedMessages
	}
	if m.cleanupInterval <= 0 {
		m.cleanupInterval = constants.MessageCleanupInterval
	}
	return m
}

// SetDelegate replaces the verification sink
func (m *Manager) SetDelegate(d Delegate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delegate = d
}

// MessageID returns the deduplication identity of a packet from peerID
func MessageID(peerID string, p *wire.Packet) string {
	return fmt.Sprintf("%s_%d_%d", peerID, p.Timestamp, uint8(p.Type))
}

// ValidatePacket reports whether the packet from peerID should be processed
func (m *Manager) ValidatePacket(p *wire.Packet, peerID string) bool {
	if p == nil || peerID == m.localID {
		return false
	}

	id := MessageID(peerID, p)
	now := m.now()

	m.mu.Lock()
	if p.Type == wire.TypeAnnounce {
		if last, seen := m.announces[id]; seen && now.Sub(last) < m.announceWindow {
			m.mu.Unlock()
			return false
		}
		m.announces[id] = now
		if len(m.announces) > m.maxAnnounces {
			evict(m.announces, now, m.messageWindow, m.maxAnnounces)
		}
	} else {
		if _, seen := m.processed[id]; seen {
			m.mu.Unlock()
			return false
		}
		m.processed[id] = now
		if len(m.processed) > m.maxMessages {
			evict(m.processed, now, m.messageWindow, m.maxMessages)
		}
	}
	delegate := m.delegate
	m.mu.Unlock()

	if len(p.Signature) > 0 {
		m.verifySignature(p, peerID, delegate)
	}
	return true
}

func (m *Manager) verifySignature(p *wire.Packet, peerID string, delegate Delegate) {
	var key []byte
	if m.keys != nil {
		key, _ = m.keys.SigningPublicKey(peerID)
	}

	if len(key) == 0 {
		if delegate != nil {
			delegate.OnSignatureVerificationAttempted(peerID, p.Signature)
		}
		return
	}

	err := p.VerifySignature(ed25519.PublicKey(key))
	if err != nil {
		m.log.WithError(err).WithField("peer_id", peerID).Debug("signature verification failed")
	}
	if delegate != nil {
		delegate.OnSignatureVerification(peerID, err == nil)
	}
}

// evict drops entries older than window, then the oldest entries until at
// most limit remain
func evict(set map[string]time.Time, now time.Time, window time.Duration, limit int) {
	for id, seen := range set {
		if now.Sub(seen) > window {
			delete(set, id)
		}
	}
	if len(set) <= limit {
		return
	}

	type entry struct {
		id   string
		seen time.Time
	}
	entries := make([]entry, 0, len(set))
	for id, seen := range set {
		entries = append(entries, entry{id, seen})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seen.Before(entries[j].seen) })
	for _, e := range entries[:len(entries)-limit] {
		delete(set, e.id)
	}
}

// CleanupOldMessages drops identities older than the message window and
// returns how many were removed
func (m *Manager) CleanupOldMessages() int {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, seen := range m.processed {
		if now.Sub(seen) > m.messageWindow {
			delete(m.processed, id)
			removed++
		}
	}
	for id, seen := range m.announces {
		if now.Sub(seen) > m.messageWindow {
			delete(m.announces, id)
			removed++
		}
	}
	return removed
}

// Tracked returns the number of tracked announce and message identities
func (m *Manager) Tracked() (announces, messages int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.announces), len(m.processed)
}

// Run evicts old identities on the cleanup interval until ctx is done
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := m.CleanupOldMessages(); n > 0 {
				m.log.WithField("removed", n).Debug("evicted processed message ids")
			}
		}
	}
}

// EncryptForPeer seals data for an established session
func (m *Manager) EncryptForPeer(peerID string, data []byte) ([]byte, error) {
	return m.noise.Encrypt(peerID, data)
}

// DecryptFromPeer opens data from an established session
func (m *Manager) DecryptFromPeer(peerID string, data []byte) ([]byte, error) {
	return m.noise.Decrypt(peerID, data)
}

// HasEstablishedSession reports whether a Noise session with peerID is ready
func (m *Manager) HasEstablishedSession(peerID string) bool {
	return m.noise.HasEstablishedSession(peerID)
}

// GetRemoteStaticKey returns the peer's Noise static key once established
func (m *Manager) GetRemoteStaticKey(peerID string) []byte {
	return m.noise.RemoteStaticKey(peerID)
}

// HandleNoiseHandshake drives one handshake step and returns the reply to
// send, if any. Handshakes addressed to another peer and our own are ignored.
func (m *Manager) HandleNoiseHandshake(p *wire.Packet, peerID string, localPriv, localPub []byte) ([]byte, error) {
	if p.RecipientID != nil && *p.RecipientID != m.localIDWire {
		return nil, nil
	}
	if peerID == m.localID {
		return nil, nil
	}
	return m.noise.ProcessHandshake(peerID, p.Payload, localPriv, localPub)
}

// ClearAll drops every tracked identity and Noise session
func (m *Manager) ClearAll() {
	m.mu.Lock()
	clear(m.announces)
	clear(m.processed)
	m.mu.Unlock()

	if m.noise != nil {
		m.noise.ClearAll()
	}
}

// Shutdown clears all state. Run exits when its context is cancelled.
func (m *Manager) Shutdown() {
	m.ClearAll()
}
