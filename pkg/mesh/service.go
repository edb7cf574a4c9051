// Package mesh ties the protocol components into a running node: it owns the
// peer table, fragment reassembly, deduplication, Noise sessions and the
// packet handler, and drives their timers and inbound processing under a
// single lifecycle.
//
// Inbound packets are decoded, queued to a FIFO actor per sending peer,
// validated, offered for relay and dispatched. Handshake and decrypt work
// runs on a shared pool of crypto workers; the peer's actor waits for the
// result so per-peer ordering holds.
package mesh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/WebFirstLanguage/meshwire/internal/logging"
	"github.com/WebFirstLanguage/meshwire/pkg/constants"
	"github.com/WebFirstLanguage/meshwire/pkg/fragment"
	"github.com/WebFirstLanguage/meshwire/pkg/handler"
	"github.com/WebFirstLanguage/meshwire/pkg/identity"
	"github.com/WebFirstLanguage/meshwire/pkg/noise"
	"github.com/WebFirstLanguage/meshwire/pkg/peers"
	"github.com/WebFirstLanguage/meshwire/pkg/security"
	"github.com/WebFirstLanguage/meshwire/pkg/wire"
)

// State represents the lifecycle state of the service
type State int

const (
	// StateStopped indicates the service is not running
	StateStopped State = iota
	// StateStarting indicates the service is starting its loops
	StateStarting
	// StateRunning indicates the service is processing packets
	StateRunning
	// StateStopping indicates the service is shutting down
	StateStopping
	// StateError indicates a loop failed and the service stopped
	StateError
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

var (
	ErrNotRunning     = errors.New("mesh: service is not running")
	ErrAlreadyRunning = errors.New("mesh: service is already running")
	ErrNoSession      = errors.New("mesh: no established session with peer")
	ErrMissingConfig  = errors.New("mesh: identity and outbound sink are required")
)

// Outbound carries encoded frames to every connected link
type Outbound interface {
	Broadcast(frame []byte) error
}

// OutboundFunc adapts a function to Outbound
type OutboundFunc func(frame []byte) error

// Broadcast calls f(frame)
func (f OutboundFunc) Broadcast(frame []byte) error { return f(frame) }

// Relay is offered every validated packet that still has hops left
type Relay interface {
	OnPacketShouldRelay(p *wire.Packet)
}

// Config wires a Service
type Config struct {
	Identity *identity.Identity
	Outbound Outbound

	// Delegate receives protocol events; nil discards them
	Delegate handler.Delegate
	// PeerDelegate receives peer table changes
	PeerDelegate peers.Delegate
	// SignatureDelegate receives signature verification outcomes
	SignatureDelegate security.Delegate
	// Relay overrides the default flood relay
	Relay Relay

	ProtocolVersion uint8
	DefaultTTL      uint8
	Workers         int
	InboxSize       int
	// MaxInboxes caps live sender actors; InboxIdleTimeout retires quiet ones
	MaxInboxes       int
	InboxIdleTimeout time.Duration

	AnnounceInterval       time.Duration
	RekeyCheckInterval     time.Duration
	PeerSweepInterval      time.Duration
	StalePeerTimeout       time.Duration
	FragmentTimeout        time.Duration
	MessageCleanupInterval time.Duration

	Now    func() time.Time
	Logger logrus.FieldLogger
}

// Service is a mesh node
type Service struct {
	id       *identity.Identity
	localID  string
	out      Outbound
	relay    Relay
	delegate handler.Delegate

	version          uint8
	ttl              uint8
	workers          int
	inboxSize        int
	maxInboxes       int
	inboxIdle        time.Duration
	announceInterval time.Duration
	rekeyInterval    time.Duration
	now              func() time.Time
	log              logrus.FieldLogger

	noise     *noise.SessionManager
	peers     *peers.Manager
	fragments *fragment.Manager
	security  *security.Manager
	handler   *handler.Handler

	mu      sync.RWMutex
	state   State
	ctx     context.Context
	cancel  context.CancelFunc
	group   *errgroup.Group
	jobs    chan func()
	inboxes map[string]chan *wire.Packet

	tsMu   sync.Mutex
	lastTS uint64
}

// New creates a stopped Service
func New(cfg Config) (*Service, error) {
	if cfg.Identity == nil || cfg.Outbound == nil {
		return nil, ErrMissingConfig
	}

	s := &Service{
		id:               cfg.Identity,
		localID:          cfg.Identity.PeerID(),
		out:              cfg.Outbound,
		relay:            cfg.Relay,
		delegate:         cfg.Delegate,
		version:          cfg.ProtocolVersion,
		ttl:              cfg.DefaultTTL,
		workers:          cfg.Workers,
		inboxSize:        cfg.InboxSize,
		maxInboxes:       cfg.MaxInboxes,
		inboxIdle:        cfg.InboxIdleTimeout,
		announceInterval: cfg.AnnounceInterval,
		rekeyInterval:    cfg.RekeyCheckInterval,
		now:              cfg.Now,
		log:              logging.Component(cfg.Logger, "mesh"),
		state:            StateStopped,
	}
	if s.version == 0 {
		s.version = constants.ProtocolVersion1
	}
	if s.ttl == 0 {
		s.ttl = constants.DefaultTTL
	}
	if s.workers <= 0 {
		s.workers = constants.DefaultWorkers
	}
	if s.inboxSize <= 0 {
		s.inboxSize = constants.PeerInboxSize
	}
	if s.maxInboxes <= 0 {
		s.maxInboxes = constants.MaxPeerInboxes
	}
	if s.inboxIdle <= 0 {
		s.inboxIdle = constants.PeerInboxIdleTimeout
	}
	if s.announceInterval <= 0 {
		s.announceInterval = constants.AnnounceInterval
	}
	if s.rekeyInterval <= 0 {
		s.rekeyInterval = constants.RekeyCheckInterval
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.relay == nil {
		s.relay = s
	}
	if s.delegate == nil {
		s.delegate = handler.NopDelegate{}
	}

	s.noise = noise.NewSessionManager(noise.Config{
		LocalPeerID: s.localID,
		Now:         s.now,
		Logger:      cfg.Logger,
	})
	s.peers = peers.NewManager(peers.Config{
		StaleTimeout:  cfg.StalePeerTimeout,
		SweepInterval: cfg.PeerSweepInterval,
		Delegate:      &peerEvents{Delegate: cfg.PeerDelegate, s: s},
		Now:           s.now,
		Logger:        cfg.Logger,
	})
	s.fragments = fragment.NewManager(fragment.Config{
		Timeout: cfg.FragmentTimeout,
		Now:     s.now,
		Logger:  cfg.Logger,
	})
	s.security = security.NewManager(security.Config{
		LocalPeerID:     s.localID,
		Noise:           s.noise,
		Keys:            s.peers,
		Delegate:        cfg.SignatureDelegate,
		Now:             s.now,
		Logger:          cfg.Logger,
		CleanupInterval: cfg.MessageCleanupInterval,
	})
	s.handler = handler.New(handler.Config{
		LocalPeerID: s.localID,
		Security:    s.security,
		Peers:       s.peers,
		Fragments:   s.fragments,
		Keys:        s.id,
		Delegate:    &handlerEvents{Delegate: s.delegate, s: s},
		Logger:      cfg.Logger,
	})

	s.peers.InitializeSelfPeer(s.localID, s.id.Nickname, s.id.NoisePublicKey[:], s.id.SigningPublicKey())
	return s, nil
}

// State returns the current lifecycle state
func (s *Service) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// PeerID returns the local peer ID
func (s *Service) PeerID() string {
	return s.localID
}

// Peers exposes the peer table
func (s *Service) Peers() *peers.Manager {
	return s.peers
}

// HasEstablishedSession reports whether a Noise session with peerID is ready
func (s *Service) HasEstablishedSession(peerID string) bool {
	return s.security.HasEstablishedSession(peerID)
}

// SessionState returns the Noise session state for peerID
func (s *Service) SessionState(peerID string) noise.State {
	return s.noise.SessionState(peerID)
}

// Fingerprint returns the SHA-256 fingerprint of peerID's Noise static key,
// or "" when no session is established
func (s *Service) Fingerprint(peerID string) string {
	return handler.Fingerprint(s.security.GetRemoteStaticKey(peerID))
}

// PendingCount returns the encrypted packets held for peerID
func (s *Service) PendingCount(peerID string) int {
	return s.handler.PendingCount(peerID)
}

// Start launches the timers, crypto workers and announce loop
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateStopped && s.state != StateError {
		return ErrAlreadyRunning
	}
	s.state = StateStarting

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	s.ctx, s.cancel, s.group = gctx, cancel, g
	s.jobs = make(chan func())
	s.inboxes = make(map[string]chan *wire.Packet)

	g.Go(func() error { return s.peers.Run(gctx) })
	g.Go(func() error { return s.fragments.Run(gctx) })
	g.Go(func() error { return s.security.Run(gctx) })
	for i := 0; i < s.workers; i++ {
		g.Go(func() error { return s.worker(gctx) })
	}
	g.Go(func() error { return s.maintain(gctx) })

	s.state = StateRunning
	s.log.WithFields(logrus.Fields{
		"peer_id": s.localID,
		"workers": s.workers,
	}).Info("mesh service started")
	return nil
}

// Stop cancels every loop and actor, waits for them and clears all
// protocol state. It performs no network I/O.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.state = StateStopping
	cancel, g := s.cancel, s.group
	s.inboxes = nil
	s.mu.Unlock()

	cancel()

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = fmt.Errorf("timeout waiting for mesh service to stop: %w", ctx.Err())
	}

	s.handler.ClearAll()
	s.security.ClearAll()
	s.fragments.Shutdown()
	s.peers.ClearAll()

	s.mu.Lock()
	if err != nil {
		s.state = StateError
	} else {
		s.state = StateStopped
	}
	s.mu.Unlock()

	s.log.Info("mesh service stopped")
	return err
}

// Receive accepts one encoded packet from a link. Undecodable input is
// dropped. from identifies the link and is only used for logging; the
// packet's sender ID keys processing.
func (s *Service) Receive(data []byte, from string) error {
	p, err := wire.Decode(data)
	if err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"link": from,
			"len":  len(data),
		}).Debug("dropping undecodable packet")
		return nil
	}
	peerID := p.SenderHex()

	// The send happens under s.mu so an idle actor cannot retire between
	// lookup and enqueue
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning {
		return ErrNotRunning
	}
	inbox, ok := s.inboxes[peerID]
	if !ok {
		if len(s.inboxes) >= s.maxInboxes {
			s.log.WithFields(logrus.Fields{
				"peer_id": peerID,
				"actors":  len(s.inboxes),
			}).Debug("too many active senders, dropping packet")
			return nil
		}
		inbox = make(chan *wire.Packet, s.inboxSize)
		s.inboxes[peerID] = inbox
		ctx := s.ctx
		s.group.Go(func() error { return s.runInbox(ctx, peerID, inbox) })
	}

	select {
	case inbox <- p:
	default:
		s.log.WithFields(logrus.Fields{
			"peer_id": peerID,
			"type":    p.Type,
		}).Debug("peer inbox full, dropping packet")
	}
	return nil
}

// runInbox processes one sender's packets in order until ctx ends or the
// sender stays quiet for the idle timeout
func (s *Service) runInbox(ctx context.Context, peerID string, inbox chan *wire.Packet) error {
	idle := time.NewTimer(s.inboxIdle)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case p := <-inbox:
			s.process(ctx, p, peerID)
			idle.Reset(s.inboxIdle)
		case <-idle.C:
			if s.retireInbox(peerID, inbox) {
				return nil
			}
			idle.Reset(s.inboxIdle)
		}
	}
}

// retireInbox removes an empty inbox from the table. It reports false when
// packets arrived after the timer fired.
func (s *Service) retireInbox(peerID string, inbox chan *wire.Packet) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(inbox) > 0 {
		return false
	}
	if s.inboxes[peerID] == inbox {
		delete(s.inboxes, peerID)
	}
	s.log.WithField("peer_id", peerID).Debug("idle peer inbox retired")
	return true
}

func (s *Service) activeInboxes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.inboxes)
}

func (s *Service) process(ctx context.Context, p *wire.Packet, peerID string) {
	defer s.recoverPacket(peerID, p)

	if !s.security.ValidatePacket(p, peerID) {
		return
	}
	if p.TTL > 0 {
		s.relay.OnPacketShouldRelay(p)
	}

	switch p.Type {
	case wire.TypeNoiseHandshake, wire.TypeNoiseEncrypted:
		s.runOnWorker(ctx, func() {
			defer s.recoverPacket(peerID, p)
			s.handler.HandlePacket(p, peerID)
		})
	default:
		s.handler.HandlePacket(p, peerID)
	}
}

func (s *Service) recoverPacket(peerID string, p *wire.Packet) {
	if r := recover(); r != nil {
		s.log.WithFields(logrus.Fields{
			"peer_id": peerID,
			"type":    p.Type,
			"panic":   r,
		}).Error("recovered while processing packet")
	}
}

// runOnWorker hands fn to the crypto pool and waits for it to finish
func (s *Service) runOnWorker(ctx context.Context, fn func()) {
	done := make(chan struct{})
	job := func() {
		defer close(done)
		fn()
	}

	select {
	case s.jobs <- job:
	case <-ctx.Done():
		return
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (s *Service) worker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case job := <-s.jobs:
			job()
		}
	}
}

// maintain announces on start and on every tick, and re-handshakes
// sessions that reached their rekey limit
func (s *Service) maintain(ctx context.Context) error {
	announce := time.NewTicker(s.announceInterval)
	defer announce.Stop()
	rekey := time.NewTicker(s.rekeyInterval)
	defer rekey.Stop()

	s.announce()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-announce.C:
			s.announce()
		case <-rekey.C:
			for _, peerID := range s.noise.SessionsNeedingRekey() {
				if err := s.InitiateHandshake(peerID); err != nil {
					s.log.WithError(err).WithField("peer_id", peerID).Warn("rekey handshake failed")
				}
			}
		}
	}
}

func (s *Service) announce() {
	if err := s.SendAnnounce(); err != nil {
		s.log.WithError(err).Warn("failed to send announce")
	}
}

// OnPacketShouldRelay floods the packet onward with one hop fewer. Packets
// addressed to us and packets that would arrive with no hops left stop here.
// Signatures cover a zero TTL, so the original signature stays valid.
func (s *Service) OnPacketShouldRelay(p *wire.Packet) {
	if p.TTL <= 1 || p.IsAddressedTo(s.id.WirePeerID()) {
		return
	}

	fwd := p.Clone()
	fwd.TTL--
	frame, err := wire.Encode(fwd)
	if err != nil {
		s.log.WithError(err).WithField("type", p.Type).Debug("failed to encode relay packet")
		return
	}
	if err := s.out.Broadcast(frame); err != nil {
		s.log.WithError(err).Debug("relay broadcast failed")
	}
}

// handlerEvents sends handshake replies before passing events on
type handlerEvents struct {
	handler.Delegate
	s *Service
}

func (e *handlerEvents) OnHandshakeResponse(peerID string, response []byte) {
	if err := e.s.sendHandshake(peerID, response); err != nil {
		e.s.log.WithError(err).WithField("peer_id", peerID).Warn("failed to send handshake response")
	}
	e.Delegate.OnHandshakeResponse(peerID, response)
}

// peerEvents drops Noise sessions of peers removed from the table
type peerEvents struct {
	peers.Delegate
	s *Service
}

func (e *peerEvents) OnPeerUpdated(p peers.Peer) {
	if e.Delegate != nil {
		e.Delegate.OnPeerUpdated(p)
	}
}

func (e *peerEvents) OnPeerDisconnected(peerID string) {
	if e.Delegate != nil {
		e.Delegate.OnPeerDisconnected(peerID)
	}
}

func (e *peerEvents) OnPeerRemoved(peerID string) {
	e.s.noise.RemoveSession(peerID)
	if e.Delegate != nil {
		e.Delegate.OnPeerRemoved(peerID)
	}
}
