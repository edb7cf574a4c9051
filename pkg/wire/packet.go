// Package wire implements the mesh packet format: a fixed big-endian header,
// 8-byte sender and recipient identifiers, an optionally compressed payload
// and an optional Ed25519 signature, padded to a small set of block sizes.
package wire

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/WebFirstLanguage/meshwire/pkg/constants"
)

// MessageType identifies the kind of packet on the wire
type MessageType uint8

const (
	TypeAnnounce       MessageType = 0x01
	TypeMessage        MessageType = 0x02
	TypeLeave          MessageType = 0x03
	TypeNoiseHandshake MessageType = 0x10
	TypeNoiseEncrypted MessageType = 0x11
	TypeFragment       MessageType = 0x20
	TypeRequestSync    MessageType = 0x21
	TypeFileTransfer   MessageType = 0x22
)

// String returns the string representation of the message type
func (t MessageType) String() string {
	switch t {
	case TypeAnnounce:
		return "ANNOUNCE"
	case TypeMessage:
		return "MESSAGE"
	case TypeLeave:
		return "LEAVE"
	case TypeNoiseHandshake:
		return "NOISE_HANDSHAKE"
	case TypeNoiseEncrypted:
		return "NOISE_ENCRYPTED"
	case TypeFragment:
		return "FRAGMENT"
	case TypeRequestSync:
		return "REQUEST_SYNC"
	case TypeFileTransfer:
		return "FILE_TRANSFER"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", uint8(t))
	}
}

// Header flag bits
const (
	FlagHasRecipient uint8 = 0x01
	FlagHasSignature uint8 = 0x02
	FlagIsCompressed uint8 = 0x04
)

// PeerID is the fixed 8-byte identifier carried in packet headers
type PeerID [constants.PeerIDSize]byte

// BroadcastRecipient addresses every peer
var BroadcastRecipient = PeerID{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

// PeerIDFromHex converts a hex peer identifier into its 8-byte wire form.
// Short input is zero padded, long input truncated, and pairs that are not
// valid hex are left as zero.
func PeerIDFromHex(s string) PeerID {
	var id PeerID
	for i := 0; i < constants.PeerIDSize && 2*i+2 <= len(s); i++ {
		b, err := hex.DecodeString(s[2*i : 2*i+2])
		if err != nil {
			continue
		}
		id[i] = b[0]
	}
	return id
}

// String returns the lowercase hex form of the identifier
func (id PeerID) String() string {
	return hex.EncodeToString(id[:])
}

// IsZero reports whether every byte of the identifier is zero
func (id PeerID) IsZero() bool {
	return id == PeerID{}
}

// Packet is one unit of mesh transmission
type Packet struct {
	Version     uint8
	Type        MessageType
	TTL         uint8
	Timestamp   uint64
	SenderID    PeerID
	RecipientID *PeerID
	Payload     []byte
	Signature   []byte
}

// NewPacket creates a version 1 packet stamped with the current time
func NewPacket(msgType MessageType, ttl uint8, senderID string, payload []byte) *Packet {
	return &Packet{
		Version:   constants.ProtocolVersion1,
		Type:      msgType,
		TTL:       ttl,
		Timestamp: uint64(time.Now().UnixMilli()),
		SenderID:  PeerIDFromHex(senderID),
		Payload:   payload,
	}
}

// WithRecipient returns a copy of the packet addressed to recipient
func (p *Packet) WithRecipient(recipient PeerID) *Packet {
	cp := p.Clone()
	cp.RecipientID = &recipient
	return cp
}

// Clone returns a deep copy of the packet
func (p *Packet) Clone() *Packet {
	cp := *p
	if p.RecipientID != nil {
		r := *p.RecipientID
		cp.RecipientID = &r
	}
	if p.Payload != nil {
		cp.Payload = bytes.Clone(p.Payload)
	}
	if p.Signature != nil {
		cp.Signature = bytes.Clone(p.Signature)
	}
	return &cp
}

// IsBroadcast reports whether the packet has no recipient or is addressed to
// the broadcast identifier
func (p *Packet) IsBroadcast() bool {
	return p.RecipientID == nil || *p.RecipientID == BroadcastRecipient
}

// IsAddressedTo reports whether the packet is addressed to the given peer
func (p *Packet) IsAddressedTo(id PeerID) bool {
	return p.RecipientID != nil && *p.RecipientID == id
}

// SenderHex returns the sender identifier as hex
func (p *Packet) SenderHex() string {
	return p.SenderID.String()
}

// GetTimestamp returns the packet timestamp as a time.Time
func (p *Packet) GetTimestamp() time.Time {
	return time.UnixMilli(int64(p.Timestamp))
}

// SigningBytes returns the encoding that signatures cover: the packet with
// no signature and a TTL of zero, so relays can decrement TTL freely.
func (p *Packet) SigningBytes() ([]byte, error) {
	unsigned := p.Clone()
	unsigned.Signature = nil
	unsigned.TTL = 0
	return Encode(unsigned)
}

// Sign signs the packet with the provided Ed25519 private key
func (p *Packet) Sign(privateKey ed25519.PrivateKey) error {
	data, err := p.SigningBytes()
	if err != nil {
		return fmt.Errorf("failed to encode packet for signing: %w", err)
	}

	p.Signature = ed25519.Sign(privateKey, data)
	return nil
}

// VerifySignature verifies the packet signature using the provided Ed25519 public key
func (p *Packet) VerifySignature(publicKey ed25519.PublicKey) error {
	if len(p.Signature) == 0 {
		return ErrNoSignature
	}
	if len(publicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: public key is %d bytes", ErrBadSignature, len(publicKey))
	}

	data, err := p.SigningBytes()
	if err != nil {
		return fmt.Errorf("failed to encode packet for verification: %w", err)
	}

	if !ed25519.Verify(publicKey, data, p.Signature) {
		return ErrBadSignature
	}
	return nil
}
