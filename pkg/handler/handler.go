// Package handler dispatches validated mesh packets by type. It is a flat
// switch with implicit per-peer session state: encrypted packets that
// arrive before a peer's Noise session is established are held in a FIFO
// queue and replayed once, in arrival order, when the handshake completes.
//
// Malformed packets are dropped and logged; HandlePacket never fails.
package handler

import (
	"encoding/hex"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/WebFirstLanguage/meshwire/internal/logging"
	"github.com/WebFirstLanguage/meshwire/pkg/constants"
	"github.com/WebFirstLanguage/meshwire/pkg/crypto"
	"github.com/WebFirstLanguage/meshwire/pkg/filepacket"
	"github.com/WebFirstLanguage/meshwire/pkg/fragment"
	"github.com/WebFirstLanguage/meshwire/pkg/peers"
	"github.com/WebFirstLanguage/meshwire/pkg/security"
	"github.com/WebFirstLanguage/meshwire/pkg/wire"
)

// Delegate receives application events
type Delegate interface {
	OnPeerAnnounced(peerID, nickname string)
	OnMessageReceived(peerID, text string, broadcast bool)
	OnEncryptedMessageReceived(peerID string, msg *wire.PrivateMessage)
	OnReadReceipt(peerID, messageID string)
	OnDeliveryAck(peerID, messageID string)
	OnHandshakeReceived(peerID string)
	OnHandshakeResponse(peerID string, response []byte)
	OnSessionEstablished(peerID, fingerprint string)
	OnPeerLeft(peerID string)
	OnFragmentReceived(peerID string, index, total int)
	OnFileReceived(peerID string, file *filepacket.Packet, broadcast bool)
}

// KeyProvider supplies the local Noise static key pair
type KeyProvider interface {
	NoiseStaticKeys() (priv, pub []byte)
}

// Config wires a Handler to its collaborators
type Config struct {
	LocalPeerID string
	Security    *security.Manager
	Peers       *peers.Manager
	Fragments   *fragment.Manager
	Keys        KeyProvider
	Delegate    Delegate
	Logger      logrus.FieldLogger
	// MaxPending bounds the per-peer queue of undecryptable packets
	MaxPending int
}

// Handler is the protocol state machine
type Handler struct {
	localID    string
	localWire  wire.PeerID
	security   *security.Manager
	peers      *peers.Manager
	fragments  *fragment.Manager
	keys       KeyProvider
	delegate   Delegate
	log        logrus.FieldLogger
	maxPending int

	mu      sync.Mutex
	pending map[string][][]byte
}

// New creates a Handler. A nil Delegate discards events.
func New(cfg Config) *Handler {
	h := &Handler{
		localID:    cfg.LocalPeerID,
		localWire:  wire.PeerIDFromHex(cfg.LocalPeerID),
		security:   cfg.Security,
		peers:      cfg.Peers,
		fragments:  cfg.Fragments,
		keys:       cfg.Keys,
		delegate:   cfg.Delegate,
		log:        logging.Component(cfg.Logger, "handler"),
		maxPending: cfg.MaxPending,
		pending:    make(map[string][][]byte),
	}
	if h.delegate == nil {
		h.delegate = NopDelegate{}
	}
	if h.maxPending <= 0 {
		h.maxPending = constants.MaxPendingEncrypted
	}
	return h
}

// HandlePacket dispatches a packet that has already passed validation
func (h *Handler) HandlePacket(p *wire.Packet, peerID string) {
	if p == nil {
		return
	}

	switch p.Type {
	case wire.TypeAnnounce:
		h.handleAnnounce(p, peerID)
	case wire.TypeMessage:
		h.handleMessage(p, peerID)
	case wire.TypeNoiseHandshake:
		h.handleNoiseHandshake(p, peerID)
	case wire.TypeNoiseEncrypted:
		h.handleNoiseEncrypted(p, peerID)
	case wire.TypeLeave:
		h.handleLeave(peerID)
	case wire.TypeFragment:
		h.handleFragment(p, peerID)
	case wire.TypeFileTransfer:
		h.handleFileTransfer(p, peerID)
	default:
		// Unknown types are ignored for forward compatibility
	}
}

func (h *Handler) handleAnnounce(p *wire.Packet, peerID string) {
	a, err := wire.AnnouncementFromPayload(p.Payload)
	if err != nil {
		h.log.WithError(err).WithField("peer_id", peerID).Debug("dropping malformed announce")
		return
	}

	h.peers.AddOrUpdatePeer(peers.Update{
		ID:                 peerID,
		Nickname:           a.Nickname,
		IsConnected:        true,
		IsDirectConnection: true,
		NoisePublicKey:     a.NoisePublicKey,
		SigningPublicKey:   a.SigningPublicKey,
	})
	h.peers.MarkAsAnnounced(peerID)
	h.delegate.OnPeerAnnounced(peerID, a.Nickname)
}

func (h *Handler) handleMessage(p *wire.Packet, peerID string) {
	if peerID == h.localID {
		return
	}
	text := strings.ToValidUTF8(string(p.Payload), "\uFFFD")
	h.delegate.OnMessageReceived(peerID, text, p.IsBroadcast())
}

func (h *Handler) handleNoiseHandshake(p *wire.Packet, peerID string) {
	wasEstablished := h.security.HasEstablishedSession(peerID)

	var priv, pub []byte
	if h.keys != nil {
		priv, pub = h.keys.NoiseStaticKeys()
	}
	response, err := h.security.HandleNoiseHandshake(p, peerID, priv, pub)
	if err != nil {
		h.log.WithError(err).WithField("peer_id", peerID).Debug("handshake step failed")
		return
	}
	if len(response) > 0 {
		h.delegate.OnHandshakeResponse(peerID, response)
	}

	if !wasEstablished && h.security.HasEstablishedSession(peerID) {
		fp := Fingerprint(h.security.GetRemoteStaticKey(peerID))
		h.log.WithFields(logrus.Fields{
			"peer_id":     peerID,
			"fingerprint": fp,
		}).Info("session established")

		h.delegate.OnSessionEstablished(peerID, fp)
		h.flushPending(peerID)
	}

	h.delegate.OnHandshakeReceived(peerID)
}

func (h *Handler) handleNoiseEncrypted(p *wire.Packet, peerID string) {
	if peerID == h.localID {
		return
	}
	// Sessions are pairwise: traffic for another peer is only relayed and
	// must not take a slot in the pending queue
	if !p.IsBroadcast() && !p.IsAddressedTo(h.localWire) {
		return
	}
	h.handleEncryptedPayload(peerID, p.Payload, true)
}

func (h *Handler) handleEncryptedPayload(peerID string, payload []byte, requeue bool) {
	plaintext, err := h.security.DecryptFromPeer(peerID, payload)
	if err != nil {
		if requeue {
			h.enqueue(peerID, payload)
		} else {
			h.log.WithError(err).WithField("peer_id", peerID).Debug("pending payload still undecryptable, dropping")
		}
		return
	}

	np, err := wire.DecodeNoisePayload(plaintext)
	if err != nil {
		h.log.WithError(err).WithField("peer_id", peerID).Debug("dropping malformed noise payload")
		return
	}

	switch np.Type {
	case wire.NoisePrivateMessage:
		msg, err := wire.DecodePrivateMessage(np.Data)
		if err != nil {
			h.log.WithError(err).WithField("peer_id", peerID).Debug("dropping malformed private message")
			return
		}
		h.delegate.OnEncryptedMessageReceived(peerID, msg)
	case wire.NoiseReadReceipt:
		h.delegate.OnReadReceipt(peerID, string(np.Data))
	case wire.NoiseDelivered:
		h.delegate.OnDeliveryAck(peerID, string(np.Data))
	case wire.NoiseFileTransfer:
		file, err := filepacket.Decode(np.Data)
		if err != nil {
			h.log.WithError(err).WithField("peer_id", peerID).Debug("dropping malformed encrypted file")
			return
		}
		h.delegate.OnFileReceived(peerID, file, false)
	default:
		h.log.WithField("type", np.Type).Debug("ignoring unknown noise payload type")
	}
}

func (h *Handler) enqueue(peerID string, payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	queue := append(h.pending[peerID], payload)
	if len(queue) > h.maxPending {
		queue = queue[len(queue)-h.maxPending:]
	}
	h.pending[peerID] = queue

	h.log.WithFields(logrus.Fields{
		"peer_id": peerID,
		"queued":  len(queue),
	}).Debug("queued encrypted payload until session is established")
}

// flushPending replays queued payloads once. Payloads that still fail are
// dropped rather than requeued.
func (h *Handler) flushPending(peerID string) {
	h.mu.Lock()
	queue := h.pending[peerID]
	delete(h.pending, peerID)
	h.mu.Unlock()

	for _, payload := range queue {
		h.handleEncryptedPayload(peerID, payload, false)
	}
}

// PendingCount returns how many payloads are queued for peerID
func (h *Handler) PendingCount(peerID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending[peerID])
}

func (h *Handler) handleLeave(peerID string) {
	h.peers.DisconnectPeer(peerID)
	h.delegate.OnPeerLeft(peerID)
}

func (h *Handler) handleFragment(p *wire.Packet, peerID string) {
	env, err := fragment.DecodeEnvelope(p.Payload)
	if err != nil {
		h.log.WithError(err).WithField("peer_id", peerID).Debug("dropping malformed fragment")
		return
	}

	h.delegate.OnFragmentReceived(peerID, int(env.Index), int(env.Total))

	inner, err := h.fragments.HandleEnvelope(env)
	if err != nil {
		h.log.WithError(err).WithField("peer_id", peerID).Debug("fragment reassembly failed")
		return
	}
	if inner == nil {
		return
	}

	sender := inner.SenderHex()
	if !h.security.ValidatePacket(inner, sender) {
		return
	}
	h.HandlePacket(inner, sender)
}

func (h *Handler) handleFileTransfer(p *wire.Packet, peerID string) {
	if peerID == h.localID {
		return
	}
	file, err := filepacket.Decode(p.Payload)
	if err != nil {
		h.log.WithError(err).WithField("peer_id", peerID).Debug("dropping malformed file transfer")
		return
	}
	h.delegate.OnFileReceived(peerID, file, p.IsBroadcast())
}

// ClearAll drops every pending payload
func (h *Handler) ClearAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	clear(h.pending)
}

// Fingerprint returns the hex SHA-256 of a static public key, or "" when
// the key is unknown
func Fingerprint(staticKey []byte) string {
	if len(staticKey) == 0 {
		return ""
	}
	return hex.EncodeToString(crypto.Digest(staticKey))
}

// NopDelegate ignores every event. Embed it to implement a subset.
type NopDelegate struct{}

func (NopDelegate) OnPeerAnnounced(string, string)                          {}
func (NopDelegate) OnMessageReceived(string, string, bool)                  {}
func (NopDelegate) OnEncryptedMessageReceived(string, *wire.PrivateMessage) {}
func (NopDelegate) OnReadReceipt(string, string)                            {}
func (NopDelegate) OnDeliveryAck(string, string)                            {}
func (NopDelegate) OnHandshakeReceived(string)                              {}
func (NopDelegate) OnHandshakeResponse(string, []byte)                      {}
func (NopDelegate) OnSessionEstablished(string, string)                     {}
func (NopDelegate) OnPeerLeft(string)                                       {}
func (NopDelegate) OnFragmentReceived(string, int, int)                     {}
func (NopDelegate) OnFileReceived(string, *filepacket.Packet, bool)         {}
