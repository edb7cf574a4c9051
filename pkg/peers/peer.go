// Package peers tracks remote mesh participants: identity keys, nicknames,
// connectivity, signal strength and announcement bookkeeping. Peers that
// disconnect or go quiet are swept out periodically.
package peers

import (
	"bytes"
	"time"
)

// State represents where a peer is in its lifecycle
type State int

const (
	// StateUnknown indicates the peer has never been seen
	StateUnknown State = iota
	// StateConnected indicates the peer is connected and recently seen
	StateConnected
	// StateStale indicates the peer is known but disconnected or quiet
	StateStale
	// StateRemoved indicates the peer was swept or removed
	StateRemoved
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateConnected:
		return "connected"
	case StateStale:
		return "stale"
	case StateRemoved:
		return "removed"
	default:
		return "invalid"
	}
}

// Peer is a snapshot of one tracked participant
type Peer struct {
	ID                 string    `cbor:"id"`
	Nickname           string    `cbor:"nick"`
	IsConnected        bool      `cbor:"connected"`
	IsDirectConnection bool      `cbor:"direct"`
	NoisePublicKey     []byte    `cbor:"noise_key,omitempty"`
	SigningPublicKey   []byte    `cbor:"signing_key,omitempty"`
	IsVerifiedNickname bool      `cbor:"verified"`
	LastSeen           time.Time `cbor:"last_seen"`
}

// IsActive reports whether the peer is connected and was seen within timeout
func (p *Peer) IsActive(now time.Time, timeout time.Duration) bool {
	return p.IsConnected && now.Sub(p.LastSeen) < timeout
}

func (p *Peer) clone() Peer {
	cp := *p
	cp.NoisePublicKey = bytes.Clone(p.NoisePublicKey)
	cp.SigningPublicKey = bytes.Clone(p.SigningPublicKey)
	return cp
}

// Update describes one sighting of a peer. Nil keys leave any known key in
// place; only a non-nil key replaces it.
type Update struct {
	ID                 string
	Nickname           string
	IsConnected        bool
	IsDirectConnection bool
	NoisePublicKey     []byte
	SigningPublicKey   []byte
	IsVerifiedNickname bool
}
