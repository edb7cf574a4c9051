// Package noise drives Noise_XX_25519_ChaChaPoly_SHA256 sessions between
// mesh peers. Handshake messages are carried in NOISE_HANDSHAKE packets and
// transport messages in NOISE_ENCRYPTED packets. Every transport message is
// prefixed with its 4-byte big-endian nonce so that reordered packets still
// decrypt, and a sliding ReplayWindow rejects duplicates.
package noise

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/flynn/noise"

	"github.com/WebFirstLanguage/meshwire/pkg/constants"
)

var (
	ErrInvalidState    = errors.New("noise: session in invalid state")
	ErrNotEstablished  = errors.New("noise: session not established")
	ErrNoSession       = errors.New("noise: no session for peer")
	ErrHandshakeFailed = errors.New("noise: handshake failed")
	ErrDecryptFailed   = errors.New("noise: decryption failed")
	ErrReplay          = errors.New("noise: replayed nonce")
	ErrNonceExhausted  = errors.New("noise: transport nonce exhausted")
	ErrInvalidKey      = errors.New("noise: static keys must be 32 non-zero bytes")
)

// State is the lifecycle of a single session
type State int

const (
	StateUninitialized State = iota
	StateHandshaking
	StateEstablished
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateHandshaking:
		return "handshaking"
	case StateEstablished:
		return "established"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

// Session is one XX handshake and the transport ciphers it produces
type Session struct {
	mu sync.Mutex

	peerID      string
	initiator   bool
	state       State
	createdAt   time.Time
	handshake   *noise.HandshakeState
	send        *noise.CipherState
	recv        *noise.CipherState
	sendNonce   uint64
	received    uint64
	remoteKey   []byte
	channelHash []byte
	replay      *ReplayWindow
}

func validateStatic(priv, pub []byte) error {
	if len(priv) != 32 || len(pub) != 32 {
		return ErrInvalidKey
	}
	if allZero(priv) || allZero(pub) {
		return ErrInvalidKey
	}
	return nil
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

func newSession(peerID string, initiator bool, priv, pub []byte, now time.Time) (*Session, error) {
	if err := validateStatic(priv, pub); err != nil {
		return nil, err
	}

	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite: cipherSuite,
		Random:      rand.Reader,
		Pattern:     noise.HandshakeXX,
		Initiator:   initiator,
		StaticKeypair: noise.DHKey{
			Private: append([]byte(nil), priv...),
			Public:  append([]byte(nil), pub...),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create handshake state: %w", err)
	}

	return &Session{
		peerID:    peerID,
		initiator: initiator,
		state:     StateUninitialized,
		createdAt: now,
		handshake: hs,
		replay:    NewReplayWindow(constants.NoiseReplayWindow),
	}, nil
}

// start writes the first XX message (the initiator's ephemeral key)
func (s *Session) start() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initiator || s.state != StateUninitialized {
		return nil, ErrInvalidState
	}

	msg, _, _, err := s.handshake.WriteMessage(nil, nil)
	if err != nil {
		s.state = StateFailed
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	s.state = StateHandshaking
	return msg, nil
}

// step consumes one inbound handshake message and returns the reply, if the
// pattern calls for one
func (s *Session) step(message []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateUninitialized:
		if s.initiator {
			return nil, ErrInvalidState
		}
		s.state = StateHandshaking
	case StateHandshaking:
	default:
		return nil, ErrInvalidState
	}

	_, cs1, cs2, err := s.handshake.ReadMessage(nil, message)
	if err != nil {
		s.state = StateFailed
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	if cs1 != nil {
		// Responder has read the final message
		s.complete(cs1, cs2)
		return nil, nil
	}

	reply, cs1, cs2, err := s.handshake.WriteMessage(nil, nil)
	if err != nil {
		s.state = StateFailed
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	if cs1 != nil {
		// Initiator has written the final message
		s.complete(cs1, cs2)
	}
	return reply, nil
}

// complete must be called with s.mu held. cs1 always carries
// initiator-to-responder traffic.
func (s *Session) complete(cs1, cs2 *noise.CipherState) {
	if s.initiator {
		s.send, s.recv = cs1, cs2
	} else {
		s.send, s.recv = cs2, cs1
	}
	s.remoteKey = append([]byte(nil), s.handshake.PeerStatic()...)
	s.channelHash = append([]byte(nil), s.handshake.ChannelBinding()...)
	s.handshake = nil
	s.sendNonce = 0
	s.received = 0
	s.replay.Reset()
	s.state = StateEstablished
}

// Encrypt seals data and prefixes it with the nonce used
func (s *Session) Encrypt(data []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateEstablished {
		return nil, ErrNotEstablished
	}
	if s.sendNonce > constants.MaxNoiseNonce {
		return nil, ErrNonceExhausted
	}

	nonce := s.sendNonce
	s.sendNonce++

	out := make([]byte, constants.NoiseNonceSize, constants.NoiseNonceSize+len(data)+16)
	binary.BigEndian.PutUint32(out, uint32(nonce))
	return s.send.Cipher().Encrypt(out, nonce, nil, data), nil
}

// Decrypt opens a nonce-prefixed transport message. The nonce is consumed
// only after the ciphertext authenticates.
func (s *Session) Decrypt(payload []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateEstablished {
		return nil, ErrNotEstablished
	}
	if len(payload) < constants.NoiseNonceSize {
		return nil, ErrDecryptFailed
	}

	nonce := uint64(binary.BigEndian.Uint32(payload))
	if !s.replay.Check(nonce) {
		return nil, ErrReplay
	}

	plaintext, err := s.recv.Cipher().Decrypt(nil, nonce, nil, payload[constants.NoiseNonceSize:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	s.replay.Mark(nonce)
	s.received++
	return plaintext, nil
}

// State returns the current session state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsInitiator reports whether this side sent the first handshake message
func (s *Session) IsInitiator() bool {
	return s.initiator
}

// RemoteStaticKey returns the peer's X25519 static key once established
func (s *Session) RemoteStaticKey() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remoteKey == nil {
		return nil
	}
	return append([]byte(nil), s.remoteKey...)
}

// HandshakeHash returns the channel binding value of the completed handshake
func (s *Session) HandshakeHash() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channelHash == nil {
		return nil
	}
	return append([]byte(nil), s.channelHash...)
}

// NeedsRekey reports whether the session is older than the rekey interval or
// has carried more than the per-session message limit
func (s *Session) NeedsRekey(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateEstablished {
		return false
	}
	return now.Sub(s.createdAt) > constants.NoiseRekeyInterval ||
		s.sendNonce+s.received > constants.NoiseRekeyMessageLimit
}
