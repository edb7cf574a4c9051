// Package identity holds a node's long-term keys: an X25519 static key for
// Noise and an Ed25519 key for packet signatures, both derived from a single
// 32-byte seed. The peer ID is the first 8 bytes of the X25519 public key so
// that it matches what the remote side learns during the handshake.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
	"lukechampine.com/blake3"

	"github.com/WebFirstLanguage/meshwire/pkg/codec/cborcanon"
	"github.com/WebFirstLanguage/meshwire/pkg/crypto"
	"github.com/WebFirstLanguage/meshwire/pkg/wire"
)

// MaxNicknameLength is the longest nickname in runes
const MaxNicknameLength = 32

var (
	ErrInvalidSeed     = errors.New("identity: seed must be 32 bytes")
	ErrInvalidNickname = errors.New("identity: invalid nickname")
)

// Identity is a node's key material
type Identity struct {
	NoisePrivateKey [32]byte
	NoisePublicKey  [32]byte
	SigningKey      ed25519.PrivateKey
	Nickname        string

	seed []byte
}

// file is the on-disk form. Only the seed is secret; everything else is
// re-derived on load.
type file struct {
	Version  uint8  `cbor:"1,keyasint"`
	Seed     []byte `cbor:"2,keyasint"`
	Nickname string `cbor:"3,keyasint,omitempty"`
}

const fileVersion = 1

// GenerateIdentity creates an identity from a fresh random seed
func GenerateIdentity() (*Identity, error) {
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("failed to generate identity seed: %w", err)
	}
	return FromSeed(seed)
}

// FromSeed derives both key pairs from seed. The Noise private key is the
// clamped seed and the signing key is the Ed25519 key for the same seed.
func FromSeed(seed []byte) (*Identity, error) {
	if len(seed) != 32 {
		return nil, ErrInvalidSeed
	}

	id := &Identity{seed: append([]byte(nil), seed...)}
	copy(id.NoisePrivateKey[:], crypto.ClampX25519(seed))

	pub, err := crypto.DeriveX25519PublicKey(id.NoisePrivateKey[:])
	if err != nil {
		return nil, fmt.Errorf("failed to derive noise public key: %w", err)
	}
	copy(id.NoisePublicKey[:], pub)

	id.SigningKey = ed25519.NewKeyFromSeed(seed)
	return id, nil
}

// Seed returns a copy of the identity seed
func (id *Identity) Seed() []byte {
	return append([]byte(nil), id.seed...)
}

// PeerID returns the 16 hex character peer ID
func (id *Identity) PeerID() string {
	return hex.EncodeToString(id.NoisePublicKey[:8])
}

// WirePeerID returns the peer ID in packet form
func (id *Identity) WirePeerID() wire.PeerID {
	var p wire.PeerID
	copy(p[:], id.NoisePublicKey[:8])
	return p
}

// SigningPublicKey returns the Ed25519 public key
func (id *Identity) SigningPublicKey() ed25519.PublicKey {
	return id.SigningKey.Public().(ed25519.PublicKey)
}

// Fingerprint is the hex SHA-256 of the Noise static public key, the same
// value peers see when a session is established with us
func (id *Identity) Fingerprint() string {
	return hex.EncodeToString(crypto.Digest(id.NoisePublicKey[:]))
}

// ShortCode is a pronounceable rendering of the first 32 bits of the
// BLAKE3 hash of the Noise public key, for reading fingerprints aloud
func (id *Identity) ShortCode() string {
	sum := blake3.Sum256(id.NoisePublicKey[:])
	v := uint32(sum[0])<<24 | uint32(sum[1])<<16 | uint32(sum[2])<<8 | uint32(sum[3])
	return encodeQuint(uint16(v>>16)) + "-" + encodeQuint(uint16(v))
}

// NoiseStaticKeys returns the Noise key pair as slices
func (id *Identity) NoiseStaticKeys() (priv, pub []byte) {
	return id.NoisePrivateKey[:], id.NoisePublicKey[:]
}

// Announcement builds the ANNOUNCE payload for this identity
func (id *Identity) Announcement() *wire.IdentityAnnouncement {
	return &wire.IdentityAnnouncement{
		Nickname:         id.Nickname,
		NoisePublicKey:   append([]byte(nil), id.NoisePublicKey[:]...),
		SigningPublicKey: []byte(id.SigningPublicKey()),
	}
}

// SignPacket signs p in place
func (id *Identity) SignPacket(p *wire.Packet) error {
	return p.Sign(id.SigningKey)
}

// VerifySignature checks p against a peer's Ed25519 signing key
func VerifySignature(p *wire.Packet, signingKey []byte) bool {
	return p.VerifySignature(ed25519.PublicKey(signingKey)) == nil
}

// NormalizeNickname returns the NFC form of nick with surrounding space
// trimmed. Empty names, names over MaxNicknameLength runes and names with
// control characters are rejected.
func NormalizeNickname(nick string) (string, error) {
	if !utf8.ValidString(nick) {
		return "", fmt.Errorf("%w: not valid UTF-8", ErrInvalidNickname)
	}
	n := norm.NFC.String(strings.TrimSpace(nick))
	count := utf8.RuneCountInString(n)
	if count == 0 {
		return "", fmt.Errorf("%w: empty", ErrInvalidNickname)
	}
	if count > MaxNicknameLength {
		return "", fmt.Errorf("%w: %d runes exceeds %d", ErrInvalidNickname, count, MaxNicknameLength)
	}
	for _, r := range n {
		if unicode.IsControl(r) {
			return "", fmt.Errorf("%w: contains control character %U", ErrInvalidNickname, r)
		}
	}
	return n, nil
}

// SaveToFile writes the identity to filename with owner-only permissions
func (id *Identity) SaveToFile(filename string) error {
	if err := cborcanon.Save(filename, file{Version: fileVersion, Seed: id.seed, Nickname: id.Nickname}); err != nil {
		return fmt.Errorf("failed to save identity: %w", err)
	}
	return nil
}

// LoadFromFile reads an identity written by SaveToFile
func LoadFromFile(filename string) (*Identity, error) {
	var f file
	if err := cborcanon.Load(filename, &f); err != nil {
		return nil, fmt.Errorf("failed to load identity: %w", err)
	}
	if f.Version != fileVersion {
		return nil, fmt.Errorf("unsupported identity file version %d", f.Version)
	}

	id, err := FromSeed(f.Seed)
	if err != nil {
		return nil, err
	}
	id.Nickname = f.Nickname
	return id, nil
}

// LoadOrGenerate loads the identity at filename, creating and saving a new
// one if the file does not exist
func LoadOrGenerate(filename string) (*Identity, bool, error) {
	id, err := LoadFromFile(filename)
	if err == nil {
		return id, false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, err
	}

	id, err = GenerateIdentity()
	if err != nil {
		return nil, false, err
	}
	if err := id.SaveToFile(filename); err != nil {
		return nil, false, err
	}
	return id, true, nil
}

const (
	consonants = "bdfghjklmnprstvz"
	vowels     = "aiou"
)

// encodeQuint encodes 16 bits as a CVCVC proquint
func encodeQuint(val uint16) string {
	return string([]byte{
		consonants[(val>>12)&0x0F],
		vowels[(val>>10)&0x03],
		consonants[(val>>6)&0x0F],
		vowels[(val>>4)&0x03],
		consonants[val&0x0F],
	})
}

// DecodeShortCode parses a ShortCode back to its 32-bit value
func DecodeShortCode(code string) (uint32, error) {
	parts := strings.Split(code, "-")
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid short code %q: expected two parts separated by '-'", code)
	}

	var out uint32
	for _, part := range parts {
		if len(part) != 5 {
			return 0, fmt.Errorf("invalid quint %q: expected 5 characters", part)
		}
		var v uint16
		for i, c := range part {
			alphabet, shift := consonants, 4
			if i%2 == 1 {
				alphabet, shift = vowels, 2
			}
			idx := strings.IndexRune(alphabet, c)
			if idx < 0 {
				return 0, fmt.Errorf("invalid character %q in quint %q", c, part)
			}
			v = v<<shift | uint16(idx)
		}
		out = out<<16 | uint32(v)
	}
	return out, nil
}
