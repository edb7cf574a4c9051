package peers

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/text/unicode/norm"

	"github.com/WebFirstLanguage/meshwire/internal/logging"
	"github.com/WebFirstLanguage/meshwire/pkg/codec/cborcanon"
	"github.com/WebFirstLanguage/meshwire/pkg/constants"
)

// Delegate receives peer table notifications. Callbacks run outside the
// manager's lock.
type Delegate interface {
	OnPeerUpdated(peer Peer)
	OnPeerDisconnected(peerID string)
	OnPeerRemoved(peerID string)
}

// Config holds peer manager configuration
type Config struct {
	StaleTimeout  time.Duration
	SweepInterval time.Duration
	// MaxRemoved bounds the remembered removed IDs
	MaxRemoved int
	Delegate   Delegate
	Now        func() time.Time
	Logger     logrus.FieldLogger
}

// Manager is the mutex-guarded peer table
type Manager struct {
	mu          sync.RWMutex
	peers       map[string]*Peer
	rssi        map[string]int
	announced   map[string]struct{}
	announcedTo map[string]struct{}
	removed     map[string]struct{}
	selfID      string

	staleTimeout  time.Duration
	sweepInterval time.Duration
	maxRemoved    int
	delegate      Delegate
	now           func() time.Time
	log           logrus.FieldLogger
}

// NewManager creates an empty peer table
func NewManager(cfg Config) *Manager {
	m := &Manager{
		peers:         make(map[string]*Peer),
		rssi:          make(map[string]int),
		announced:     make(map[string]struct{}),
		announcedTo:   make(map[string]struct{}),
		removed:       make(map[string]struct{}),
		staleTimeout:  cfg.StaleTimeout,
		sweepInterval: cfg.SweepInterval,
		maxRemoved:    cfg.MaxRemoved,
		delegate:      cfg.Delegate,
		now:           cfg.Now,
		log:           logging.Component(cfg.Logger, "peers"),
	}
	if m.staleTimeout <= 0 {
		m.staleTimeout = constants.StalePeerTimeout
	}
	if m.sweepInterval <= 0 {
		m.sweepInterval = constants.PeerSweepInterval
	}
	if m.maxRemoved <= 0 {
		m.maxRemoved = constants.MaxRemovedPeers
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// SetDelegate replaces the notification sink
func (m *Manager) SetDelegate(d Delegate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delegate = d
}

func normalizeNickname(nick string) string {
	return norm.NFC.String(strings.TrimSpace(nick))
}

// AddOrUpdatePeer creates the peer on first sight or refreshes it. Nickname
// and connection flags take the latest values, keys are replaced only by
// non-nil values, and LastSeen never moves backwards. It reports whether the
// peer was new.
func (m *Manager) AddOrUpdatePeer(u Update) (Peer, bool) {
	if u.ID == "" {
		return Peer{}, false
	}
	now := m.now()

	m.mu.Lock()
	p, exists := m.peers[u.ID]
	if !exists {
		p = &Peer{ID: u.ID}
		m.peers[u.ID] = p
		delete(m.removed, u.ID)
	}

	p.Nickname = normalizeNickname(u.Nickname)
	p.IsConnected = u.IsConnected
	p.IsDirectConnection = u.IsDirectConnection
	p.IsVerifiedNickname = u.IsVerifiedNickname
	if u.NoisePublicKey != nil {
		p.NoisePublicKey = bytes.Clone(u.NoisePublicKey)
	}
	if u.SigningPublicKey != nil {
		p.SigningPublicKey = bytes.Clone(u.SigningPublicKey)
	}
	if now.After(p.LastSeen) {
		p.LastSeen = now
	}

	snapshot := p.clone()
	delegate := m.delegate
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{
		"peer_id":  u.ID,
		"new":      !exists,
		"verified": u.IsVerifiedNickname,
	}).Debug("peer updated")

	if delegate != nil {
		delegate.OnPeerUpdated(snapshot)
	}
	return snapshot, !exists
}

// InitializeSelfPeer registers the local identity as a verified, connected,
// direct peer so locally originated packets resolve to a nickname. The self
// entry is never swept.
func (m *Manager) InitializeSelfPeer(id, nickname string, noiseKey, signingKey []byte) Peer {
	m.mu.Lock()
	m.selfID = id
	m.mu.Unlock()

	p, _ := m.AddOrUpdatePeer(Update{
		ID:                 id,
		Nickname:           nickname,
		IsConnected:        true,
		IsDirectConnection: true,
		NoisePublicKey:     noiseKey,
		SigningPublicKey:   signingKey,
		IsVerifiedNickname: true,
	})
	return p
}

// GetPeer returns a copy of the peer
func (m *Manager) GetPeer(id string) (Peer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.peers[id]
	if !ok {
		return Peer{}, false
	}
	return p.clone(), true
}

// Nickname returns the peer's nickname, or fallback when unknown
func (m *Manager) Nickname(id, fallback string) string {
	p, ok := m.GetPeer(id)
	if !ok || p.Nickname == "" {
		return fallback
	}
	return p.Nickname
}

// SigningPublicKey returns the peer's Ed25519 key if one is known
func (m *Manager) SigningPublicKey(id string) ([]byte, bool) {
	p, ok := m.GetPeer(id)
	if !ok || len(p.SigningPublicKey) == 0 {
		return nil, false
	}
	return p.SigningPublicKey, true
}

// NoisePublicKey returns the peer's Noise static key if one is known
func (m *Manager) NoisePublicKey(id string) ([]byte, bool) {
	p, ok := m.GetPeer(id)
	if !ok || len(p.NoisePublicKey) == 0 {
		return nil, false
	}
	return p.NoisePublicKey, true
}

// GetAllPeers returns copies of every tracked peer ordered by ID
func (m *Manager) GetAllPeers() []Peer {
	m.mu.RLock()
	out := make([]Peer, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, p.clone())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ActivePeers returns the IDs of active peers other than self
func (m *Manager) ActivePeers() []string {
	now := m.now()

	m.mu.RLock()
	var out []string
	for id, p := range m.peers {
		if id != m.selfID && p.IsActive(now, m.staleTimeout) {
			out = append(out, id)
		}
	}
	m.mu.RUnlock()

	sort.Strings(out)
	return out
}

// IsPeerActive reports whether the peer is connected and recently seen
func (m *Manager) IsPeerActive(id string) bool {
	return m.State(id) == StateConnected
}

// State returns the lifecycle state of the peer
func (m *Manager) State(id string) State {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.peers[id]
	if !ok {
		if _, gone := m.removed[id]; gone {
			return StateRemoved
		}
		return StateUnknown
	}
	if p.IsActive(m.now(), m.staleTimeout) {
		return StateConnected
	}
	return StateStale
}

// UpdateRSSI records the latest signal strength for a peer
func (m *Manager) UpdateRSSI(id string, rssi int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rssi[id] = rssi
}

// GetRSSI returns the last recorded signal strength
func (m *Manager) GetRSSI(id string) (int, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.rssi[id]
	return v, ok
}

// GetAllRSSI returns a copy of the signal strength table
func (m *Manager) GetAllRSSI() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]int, len(m.rssi))
	for k, v := range m.rssi {
		out[k] = v
	}
	return out
}

// MarkAsAnnounced records that the peer has announced itself to us
func (m *Manager) MarkAsAnnounced(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.announced[id] = struct{}{}
}

// HasAnnounced reports whether the peer has announced itself to us
func (m *Manager) HasAnnounced(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.announced[id]
	return ok
}

// MarkAsAnnouncedTo records that we have announced ourselves to the peer
func (m *Manager) MarkAsAnnouncedTo(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.announcedTo[id] = struct{}{}
}

// HasAnnouncedTo reports whether we have announced ourselves to the peer
func (m *Manager) HasAnnouncedTo(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.announcedTo[id]
	return ok
}

// DisconnectPeer marks the peer disconnected without removing it
func (m *Manager) DisconnectPeer(id string) bool {
	m.mu.Lock()
	p, ok := m.peers[id]
	if ok {
		p.IsConnected = false
		p.IsDirectConnection = false
	}
	delegate := m.delegate
	m.mu.Unlock()

	if ok && delegate != nil {
		delegate.OnPeerDisconnected(id)
	}
	return ok
}

// RemovePeer deletes the peer and its auxiliary state
func (m *Manager) RemovePeer(id string) bool {
	m.mu.Lock()
	ok := m.removeLocked(id)
	delegate := m.delegate
	m.mu.Unlock()

	if ok && delegate != nil {
		delegate.OnPeerRemoved(id)
	}
	return ok
}

func (m *Manager) removeLocked(id string) bool {
	if _, ok := m.peers[id]; !ok {
		return false
	}
	delete(m.peers, id)
	delete(m.rssi, id)
	delete(m.announced, id)
	delete(m.announcedTo, id)

	if len(m.removed) >= m.maxRemoved {
		m.removed = make(map[string]struct{})
	}
	m.removed[id] = struct{}{}
	return true
}

// CleanupStalePeers removes peers that are disconnected or quiet for longer
// than the stale timeout, and returns their IDs
func (m *Manager) CleanupStalePeers() []string {
	now := m.now()

	m.mu.Lock()
	var removed []string
	for id, p := range m.peers {
		if id == m.selfID {
			continue
		}
		if !p.IsActive(now, m.staleTimeout) {
			removed = append(removed, id)
		}
	}
	for _, id := range removed {
		m.removeLocked(id)
	}
	delegate := m.delegate
	m.mu.Unlock()

	sort.Strings(removed)
	if len(removed) > 0 {
		m.log.WithField("removed", len(removed)).Debug("stale peers swept")
	}
	if delegate != nil {
		for _, id := range removed {
			delegate.OnPeerRemoved(id)
		}
	}
	return removed
}

// Run sweeps stale peers on the configured interval until ctx is done
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.CleanupStalePeers()
		}
	}
}

// ClearAll drops every peer except self, and all auxiliary state
func (m *Manager) ClearAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	self, hasSelf := m.peers[m.selfID]
	m.peers = make(map[string]*Peer)
	if hasSelf {
		m.peers[m.selfID] = self
	}
	m.rssi = make(map[string]int)
	m.announced = make(map[string]struct{})
	m.announcedTo = make(map[string]struct{})
	m.removed = make(map[string]struct{})
}

// Shutdown drops all state including self
func (m *Manager) Shutdown() {
	m.ClearAll()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.peers = make(map[string]*Peer)
	m.selfID = ""
}

type snapshot struct {
	Version int    `cbor:"v"`
	Peers   []Peer `cbor:"peers"`
}

// Snapshot encodes the known peers (excluding self) as canonical CBOR
func (m *Manager) Snapshot() ([]byte, error) {
	all := m.GetAllPeers()

	m.mu.RLock()
	self := m.selfID
	m.mu.RUnlock()

	s := snapshot{Version: 1, Peers: make([]Peer, 0, len(all))}
	for _, p := range all {
		if p.ID != self {
			s.Peers = append(s.Peers, p)
		}
	}

	data, err := cborcanon.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode peer snapshot: %w", err)
	}
	return data, nil
}

// Restore loads peers from a snapshot and returns how many were added.
// Restored peers come back disconnected so they are only considered active
// after they are seen again.
func (m *Manager) Restore(data []byte) (int, error) {
	var s snapshot
	if err := cborcanon.Unmarshal(data, &s); err != nil {
		return 0, fmt.Errorf("failed to decode peer snapshot: %w", err)
	}
	if s.Version != 1 {
		return 0, fmt.Errorf("unsupported peer snapshot version %d", s.Version)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	restored := 0
	for i := range s.Peers {
		p := s.Peers[i]
		if p.ID == "" || p.ID == m.selfID {
			continue
		}
		if _, exists := m.peers[p.ID]; exists {
			continue
		}
		p.IsConnected = false
		p.IsDirectConnection = false
		m.peers[p.ID] = &p
		restored++
	}
	return restored, nil
}
